package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	h := NewHandlers(NewClient(Config{APIURL: ts.URL}))
	return h, ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

// ============================================================
// Client tests
// ============================================================

func TestClient_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": false,
			"error":   "upstream",
			"message": "ML service unavailable",
			"stage":   "ml",
		})
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL})
	_, err := client.AssessTransaction(context.Background(), map[string]any{"amount": "1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "stage ml")
	assert.Contains(t, err.Error(), "ML service unavailable")
}

func TestClient_HTTPError_NonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("maintenance"))
	}))
	defer ts.Close()

	_, err := NewClient(Config{APIURL: ts.URL}).FraudStats(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "maintenance")
}

func TestClient_ConnectionRefused(t *testing.T) {
	_, err := NewClient(Config{APIURL: "http://127.0.0.1:1"}).FraudStats(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

func TestClient_ListTransactions_Query(t *testing.T) {
	var gotPath, gotQuery string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"transactions":[]}`))
	}))
	defer ts.Close()

	_, err := NewClient(Config{APIURL: ts.URL}).ListTransactions(context.Background(), "payer-1", "failed", true, 5)
	require.NoError(t, err)
	assert.Equal(t, "/api/transaction-dashboard", gotPath)
	assert.Contains(t, gotQuery, "payer_id=payer-1")
	assert.Contains(t, gotQuery, "status=failed")
	assert.Contains(t, gotQuery, "fraud_only=true")
	assert.Contains(t, gotQuery, "limit=5")
}

// ============================================================
// Tool handler tests
// ============================================================

func TestHandleAssessTransaction(t *testing.T) {
	var body map[string]any
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/transaction", r.URL.Path)
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &body)
		_, _ = w.Write([]byte(`{
			"state": "Kerala",
			"transaction_id": "tx-42",
			"payer_id": "payer-1",
			"rule_based": {"is_fraud": true, "fraud_score": 0.9, "fraud_reason": "Multiple failed attempts", "flags": ["Multiple failed attempts", "Crypto payment"]},
			"ml_based": {"fraudulent": true},
			"final_check": {"is_fraud": true, "status": "failed"},
			"fraud_reported": true
		}`))
	}))
	defer cleanup()

	result, err := h.HandleAssessTransaction(context.Background(), makeRequest(map[string]any{
		"amount":          "15000",
		"payer_id":        "payer-1",
		"payee_id":        "payee-1",
		"payment_mode":    "crypto",
		"payment_channel": "web",
		"ip":              "103.21.58.10",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "tx-42")
	assert.Contains(t, text, "Decision: FRAUD")
	assert.Contains(t, text, "Rule score: 0.90")
	assert.Contains(t, text, "Crypto payment")
	assert.Contains(t, text, `{"fraudulent":true}`)
	assert.Contains(t, text, "Region: Kerala")
	assert.Contains(t, text, "Reported to the regulator.")

	assert.Equal(t, "15000", body["amount"])
	assert.Equal(t, "103.21.58.10", body["ip"])
}

func TestHandleAssessTransaction_MissingField(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("API must not be called")
	}))
	defer cleanup()

	result, err := h.HandleAssessTransaction(context.Background(), makeRequest(map[string]any{
		"amount":   "100",
		"payer_id": "payer-1",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "payee_id is required")
}

func TestHandleAssessTransaction_Failure(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"success":false,"error":"validation","message":"amount: must be a number","stage":"validate"}`))
	}))
	defer cleanup()

	result, err := h.HandleAssessTransaction(context.Background(), makeRequest(map[string]any{
		"amount": "abc", "payer_id": "p", "payee_id": "q", "payment_mode": "upi", "payment_channel": "web",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "amount: must be a number")
}

func TestHandleCheckRules(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/ruleBased", r.URL.Path)
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		assert.Equal(t, "tx-7", req["transaction_id"])
		_, _ = w.Write([]byte(`{"transaction_id":"tx-7","is_fraud":false,"fraud_reason":"","fraud_score":0.4,"failed_attempts":1,"flags":["Unusual IP country"]}`))
	}))
	defer cleanup()

	result, err := h.HandleCheckRules(context.Background(), makeRequest(map[string]any{"transaction_id": "tx-7"}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Rule score: 0.40")
	assert.Contains(t, text, "Over threshold: false")
	assert.Contains(t, text, "Failed attempts (24h): 1")
	assert.Contains(t, text, "Unusual IP country")
}

func TestHandleCheckRules_RequiresID(t *testing.T) {
	h := NewHandlers(NewClient(Config{APIURL: "http://127.0.0.1:1"}))
	result, err := h.HandleCheckRules(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleCheckRules_NotFound(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"success":false,"error":"not_found","message":"Transaction not found"}`))
	}))
	defer cleanup()

	result, err := h.HandleCheckRules(context.Background(), makeRequest(map[string]any{"transaction_id": "missing"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Transaction not found")
}

func TestHandleListTransactions(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "20", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{
			"success": true,
			"transactions": [
				{"transaction_id":"tx-1","payer_id":"p1","payee_id":"q1","amount":"15000","payment_status":"failed","is_fraud":true,"fraud_score":0.9},
				{"transaction_id":"tx-2","payer_id":"p2","payee_id":"q2","amount":"250","payment_status":"pending","is_fraud":false,"fraud_score":null}
			],
			"count": 2,
			"has_more": true
		}`))
	}))
	defer cleanup()

	result, err := h.HandleListTransactions(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "2 transactions")
	assert.Contains(t, text, "tx-1  p1 -> q1  15000  [failed] FRAUD score=0.90")
	assert.Contains(t, text, "tx-2  p2 -> q2  250  [pending]\n")
	assert.Contains(t, text, "More transactions are available.")
}

func TestHandleListTransactions_Empty(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"transactions":[],"count":0,"has_more":false}`))
	}))
	defer cleanup()

	result, err := h.HandleListTransactions(context.Background(), makeRequest(map[string]any{"fraud_only": true}))
	require.NoError(t, err)
	assert.Equal(t, "No transactions found.", resultText(t, result))
}

func TestHandleFraudStats(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/fraud-stats", r.URL.Path)
		_, _ = w.Write([]byte(`{
			"success": true,
			"totalTransactions": 40,
			"fraudulentTransactions": 3,
			"fraudRate": "7.50%",
			"topFraudulentStates": [{"state":"Kerala","count":2},{"state":"Delhi","count":1}],
			"averageFraudScore": "0.31",
			"fraudScoreThreshold": 0.7
		}`))
	}))
	defer cleanup()

	result, err := h.HandleFraudStats(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Transactions: 40")
	assert.Contains(t, text, "Fraudulent: 3 (7.50%)")
	assert.Contains(t, text, "Average fraud score: 0.31")
	assert.Contains(t, text, "Threshold: 0.70")
	assert.Contains(t, text, "Kerala: 2")
}

func TestHandleFraudStats_BadPayload(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer cleanup()

	result, err := h.HandleFraudStats(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Failed to parse fraud stats")
}

func TestNewMCPServer(t *testing.T) {
	assert.NotNil(t, NewMCPServer(Config{APIURL: "http://localhost:8080"}))
}
