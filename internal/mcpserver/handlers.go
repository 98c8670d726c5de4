package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleAssessTransaction runs a submission through the pipeline.
func (h *Handlers) HandleAssessTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	submission := map[string]any{}
	for _, field := range []string{"amount", "payer_id", "payee_id", "payment_mode", "payment_channel"} {
		v := req.GetString(field, "")
		if v == "" {
			return mcp.NewToolResultError(field + " is required"), nil
		}
		submission[field] = v
	}
	if ip := req.GetString("ip", ""); ip != "" {
		submission["ip"] = ip
	}

	raw, err := h.client.AssessTransaction(ctx, submission)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Assessment failed: %v", err)), nil
	}

	text, err := formatAssessment(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse assessment: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleCheckRules returns the rule-only verdict.
func (h *Handlers) HandleCheckRules(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("transaction_id", "")
	if id == "" {
		return mcp.NewToolResultError("transaction_id is required"), nil
	}

	raw, err := h.client.CheckRules(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check rules: %v", err)), nil
	}

	text, err := formatRuleVerdict(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse verdict: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListTransactions lists recent transactions.
func (h *Handlers) HandleListTransactions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListTransactions(ctx,
		req.GetString("payer_id", ""),
		req.GetString("status", ""),
		req.GetBool("fraud_only", false),
		req.GetInt("limit", 20),
	)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list transactions: %v", err)), nil
	}

	text, err := formatTransactionList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse transactions: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleFraudStats returns fraud statistics.
func (h *Handlers) HandleFraudStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.FraudStats(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get fraud stats: %v", err)), nil
	}

	text, err := formatStats(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse fraud stats: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// --- Formatting helpers ---

func formatAssessment(raw json.RawMessage) (string, error) {
	var resp struct {
		TransactionID string `json:"transaction_id"`
		State         string `json:"state"`
		PayerID       string `json:"payer_id"`
		Reported      bool   `json:"fraud_reported"`
		RuleBased     struct {
			IsFraud bool     `json:"is_fraud"`
			Score   float64  `json:"fraud_score"`
			Reason  string   `json:"fraud_reason"`
			Flags   []string `json:"flags"`
		} `json:"rule_based"`
		MLBased    json.RawMessage `json:"ml_based"`
		FinalCheck struct {
			IsFraud bool   `json:"is_fraud"`
			Status  string `json:"status"`
		} `json:"final_check"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Transaction: %s\n", resp.TransactionID)
	if resp.FinalCheck.IsFraud {
		sb.WriteString("Decision: FRAUD\n")
	} else {
		sb.WriteString("Decision: legitimate\n")
	}
	fmt.Fprintf(&sb, "Payment status: %s\n", resp.FinalCheck.Status)
	fmt.Fprintf(&sb, "Rule score: %.2f", resp.RuleBased.Score)
	if resp.RuleBased.Reason != "" {
		fmt.Fprintf(&sb, " (%s)", resp.RuleBased.Reason)
	}
	sb.WriteString("\n")
	if len(resp.RuleBased.Flags) > 0 {
		fmt.Fprintf(&sb, "Flags: %s\n", strings.Join(resp.RuleBased.Flags, ", "))
	}
	if len(resp.MLBased) > 0 && string(resp.MLBased) != "null" {
		fmt.Fprintf(&sb, "ML model: %s\n", compactJSON(resp.MLBased))
	}
	if resp.State != "" {
		fmt.Fprintf(&sb, "Region: %s\n", resp.State)
	}
	if resp.Reported {
		sb.WriteString("Reported to the regulator.\n")
	}
	return sb.String(), nil
}

func formatRuleVerdict(raw json.RawMessage) (string, error) {
	var resp struct {
		TransactionID  string   `json:"transaction_id"`
		IsFraud        bool     `json:"is_fraud"`
		Reason         string   `json:"fraud_reason"`
		Score          float64  `json:"fraud_score"`
		FailedAttempts int      `json:"failed_attempts"`
		Flags          []string `json:"flags"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Transaction: %s\n", resp.TransactionID)
	fmt.Fprintf(&sb, "Rule score: %.2f\n", resp.Score)
	fmt.Fprintf(&sb, "Over threshold: %t\n", resp.IsFraud)
	if resp.Reason != "" {
		fmt.Fprintf(&sb, "Reason: %s\n", resp.Reason)
	}
	fmt.Fprintf(&sb, "Failed attempts (24h): %d\n", resp.FailedAttempts)
	if len(resp.Flags) > 0 {
		fmt.Fprintf(&sb, "Flags: %s\n", strings.Join(resp.Flags, ", "))
	}
	return sb.String(), nil
}

func formatTransactionList(raw json.RawMessage) (string, error) {
	var resp struct {
		Transactions []map[string]any `json:"transactions"`
		HasMore      bool             `json:"has_more"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Transactions) == 0 {
		return "No transactions found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d transactions:\n\n", len(resp.Transactions))
	for i, tx := range resp.Transactions {
		fmt.Fprintf(&sb, "%d. %s  %s -> %s  %s  [%s]",
			i+1,
			getString(tx, "transaction_id"),
			getString(tx, "payer_id"),
			getString(tx, "payee_id"),
			getString(tx, "amount"),
			getString(tx, "payment_status"),
		)
		if fraud, _ := tx["is_fraud"].(bool); fraud {
			sb.WriteString(" FRAUD")
		}
		if score, ok := getFloat(tx, "fraud_score"); ok {
			fmt.Fprintf(&sb, " score=%.2f", score)
		}
		sb.WriteString("\n")
	}
	if resp.HasMore {
		sb.WriteString("\nMore transactions are available.\n")
	}
	return sb.String(), nil
}

func formatStats(raw json.RawMessage) (string, error) {
	var resp struct {
		Total      int     `json:"totalTransactions"`
		Fraudulent int     `json:"fraudulentTransactions"`
		Rate       string  `json:"fraudRate"`
		AvgScore   string  `json:"averageFraudScore"`
		Threshold  float64 `json:"fraudScoreThreshold"`
		TopRegions []struct {
			State string `json:"state"`
			Count int    `json:"count"`
		} `json:"topFraudulentStates"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("Fraud statistics (last 30 days)\n")
	fmt.Fprintf(&sb, "Transactions: %d\n", resp.Total)
	fmt.Fprintf(&sb, "Fraudulent: %d (%s)\n", resp.Fraudulent, resp.Rate)
	fmt.Fprintf(&sb, "Average fraud score: %s\n", resp.AvgScore)
	fmt.Fprintf(&sb, "Threshold: %.2f\n", resp.Threshold)
	if len(resp.TopRegions) > 0 {
		sb.WriteString("Top regions:\n")
		for _, r := range resp.TopRegions {
			fmt.Fprintf(&sb, "  %s: %d\n", r.State, r.Count)
		}
	}
	return sb.String(), nil
}

func compactJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
