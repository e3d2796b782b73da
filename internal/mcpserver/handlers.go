package mcpserver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/fraudwatch/internal/monitor"
	"github.com/mbd888/fraudwatch/internal/transactions"
)

const (
	defaultRecentLimit = 10
	maxRecentLimit     = 500
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleScoreTransaction scores and stores one feature record.
func (h *Handlers) HandleScoreTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, ok := req.GetArguments()["features"].(map[string]any)
	if !ok || len(raw) == 0 {
		return mcp.NewToolResultError("features is required and must be an object of column name to number"), nil
	}

	tx, err := h.client.ScoreTransaction(ctx, raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to score transaction: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Transaction #%d: %s\n", tx.ID, verdict(tx))
	fmt.Fprintf(&sb, "Anomaly score: %.4f (lower is more anomalous)\n", tx.AnomalyScore)
	fmt.Fprintf(&sb, "Amount: %.2f\n", tx.Amount)
	fmt.Fprintf(&sb, "Scored at: %s", tx.Timestamp.UTC().Format(time.RFC3339))
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleRecentTransactions lists the newest stored transactions.
func (h *Handlers) HandleRecentTransactions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", defaultRecentLimit)
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}
	onlyAnomalies := req.GetBool("only_anomalies", false)

	txs, err := h.client.RecentTransactions(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list transactions: %v", err)), nil
	}

	return mcp.NewToolResultText(formatTransactions(txs, onlyAnomalies)), nil
}

// HandleRiskSummary reports the monitor's latest KPIs.
func (h *Handlers) HandleRiskSummary(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status, err := h.client.Monitor(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get risk summary: %v", err)), nil
	}

	return mcp.NewToolResultText(formatRiskSummary(status)), nil
}

// --- Formatting helpers ---

func verdict(tx *transactions.Transaction) string {
	if tx.IsFraud {
		return "ANOMALY"
	}
	return "normal"
}

func formatTransactions(txs []*transactions.Transaction, onlyAnomalies bool) string {
	shown := txs
	if onlyAnomalies {
		shown = make([]*transactions.Transaction, 0, len(txs))
		for _, tx := range txs {
			if tx.IsFraud {
				shown = append(shown, tx)
			}
		}
	}

	if len(shown) == 0 {
		if onlyAnomalies && len(txs) > 0 {
			return fmt.Sprintf("No anomalies among the last %d transaction(s).", len(txs))
		}
		return "No transactions scored yet."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d transaction(s), newest first:\n\n", len(shown))
	for _, tx := range shown {
		fmt.Fprintf(&sb, "#%d  %-7s  score %8.4f  amount %10.2f  %s\n",
			tx.ID, verdict(tx), tx.AnomalyScore, tx.Amount, tx.Timestamp.UTC().Format(time.RFC3339))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatRiskSummary(status *MonitorStatus) string {
	f := status.Frame

	var sb strings.Builder
	fmt.Fprintf(&sb, "Risk level: %s\n", f.KPIs.RiskLevel)
	fmt.Fprintf(&sb, "Fraud rate: %.2f%% (%d of %d in the live window)\n",
		f.KPIs.FraudRate*100, f.KPIs.AnomalyCount, f.KPIs.Count)
	if f.KPIs.Count > 0 {
		fmt.Fprintf(&sb, "Latest: #%d score %.4f\n", f.KPIs.LatestID, f.KPIs.LatestScore)
	}
	fmt.Fprintf(&sb, "Processed: %d\n", f.Processed)
	fmt.Fprintf(&sb, "Source: %s", f.Source)
	if !f.TakenAt.IsZero() {
		fmt.Fprintf(&sb, " (sampled %s)", f.TakenAt.UTC().Format(time.RFC3339))
	}
	if !status.Running {
		sb.WriteString("\nWarning: the monitor loop is not running; figures may be stale.")
	}
	if f.Source == monitor.SourceStore && f.KPIs.Count == 0 {
		sb.WriteString("\nNo transactions stored yet.")
	}
	return sb.String()
}
