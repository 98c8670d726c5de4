package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the fraudshield MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolAssessTransaction = mcp.NewTool("assess_transaction",
	mcp.WithDescription(
		"Submit a payment for fraud assessment. The transaction is stored, scored by the rule engine "+
			"and the ML model, given a final decision, and reported to the regulator if fraudulent. "+
			"Returns the full assessment including the final fraud determination."),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Transaction amount in rupees (e.g. '15000')")),
	mcp.WithString("payer_id",
		mcp.Required(),
		mcp.Description("Identifier of the paying user")),
	mcp.WithString("payee_id",
		mcp.Required(),
		mcp.Description("Identifier of the receiving user or merchant")),
	mcp.WithString("payment_mode",
		mcp.Required(),
		mcp.Description("How the payment is made (e.g. 'upi', 'debit_card', 'netbanking', 'cryptocurrency', 'gift_card')")),
	mcp.WithString("payment_channel",
		mcp.Required(),
		mcp.Description("Where the payment originated (e.g. 'web', 'app', 'pos', 'third_party_processor')")),
	mcp.WithString("ip",
		mcp.Description("Client IP address, used for geolocation and known-fraud address checks")),
)

var ToolCheckRules = mcp.NewTool("check_rules",
	mcp.WithDescription(
		"Score a stored transaction with the rule engine only. "+
			"Returns the rule score, whether it reaches the fraud threshold, the reason and recent failed attempts. "+
			"Does not change the transaction."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("The transaction ID returned by assess_transaction")),
)

var ToolListTransactions = mcp.NewTool("list_transactions",
	mcp.WithDescription(
		"List recent transactions, newest first. Optionally filter by payer, payment status, or fraud."),
	mcp.WithString("payer_id",
		mcp.Description("Only transactions from this payer")),
	mcp.WithString("status",
		mcp.Description("Only transactions in this payment status"),
		mcp.Enum("pending", "completed", "failed")),
	mcp.WithBoolean("fraud_only",
		mcp.Description("Only transactions determined to be fraudulent")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of transactions to return (default 20)")),
)

var ToolFraudStats = mcp.NewTool("fraud_stats",
	mcp.WithDescription(
		"Get fraud statistics for the last 30 days: transaction totals, fraud rate, "+
			"the most affected regions, average fraud score and the configured threshold."),
)
