package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the fraudwatch MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolScoreTransaction = mcp.NewTool("score_transaction",
	mcp.WithDescription(
		"Score a card transaction for fraud. "+
			"Takes the raw feature record (V1..V28 and Amount; Time and Class are ignored) "+
			"and returns the anomaly score, the Normal/Anomaly label and the stored transaction id. "+
			"Lower scores are more anomalous."),
	mcp.WithObject("features",
		mcp.Required(),
		mcp.Description("Feature record keyed by column name, e.g. {\"V1\": -1.36, ..., \"V28\": 0.02, \"Amount\": 149.62}")),
)

var ToolRecentTransactions = mcp.NewTool("recent_transactions",
	mcp.WithDescription(
		"List the most recently scored transactions, newest first. "+
			"Use this to review what the detector flagged."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of transactions to return (default 10, max 500)")),
	mcp.WithBoolean("only_anomalies",
		mcp.Description("Only include transactions labelled Anomaly")),
)

var ToolRiskSummary = mcp.NewTool("risk_summary",
	mcp.WithDescription(
		"Get the live risk picture from the monitor: risk level (LOW/MODERATE/CRITICAL), "+
			"fraud rate over the live window, anomaly count and the latest score."),
)
