package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/fraudwatch/internal/ingest"
	"github.com/mbd888/fraudwatch/internal/monitor"
	"github.com/mbd888/fraudwatch/internal/transactions"
)

// Config holds the configuration for connecting to the fraudwatch API.
type Config struct {
	APIURL  string        // Base URL, e.g. "http://localhost:8080"
	Timeout time.Duration // Per-request timeout; zero means 30s
}

// Client is a pure HTTP client for the fraudwatch API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new client for the fraudwatch API.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// MonitorStatus is the body of GET /v1/monitor.
type MonitorStatus struct {
	Frame   *monitor.Frame `json:"frame"`
	Running bool           `json:"running"`
}

// doRequest makes an HTTP request to the API and decodes a 2xx body into out.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// ScoreTransaction submits one raw feature payload for scoring and
// persistence.
func (c *Client) ScoreTransaction(ctx context.Context, feats map[string]any) (*transactions.Transaction, error) {
	var resp struct {
		Transaction *transactions.Transaction `json:"transaction"`
	}
	if err := c.doRequest(ctx, http.MethodPost, "/v1/transactions/score", nil, ingest.ScoreRequest{Features: feats}, &resp); err != nil {
		return nil, err
	}
	if resp.Transaction == nil {
		return nil, fmt.Errorf("response has no transaction")
	}
	return resp.Transaction, nil
}

// RecentTransactions returns up to limit of the newest stored transactions.
func (c *Client) RecentTransactions(ctx context.Context, limit int) ([]*transactions.Transaction, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Transactions []*transactions.Transaction `json:"transactions"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/v1/transactions", q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Transactions, nil
}

// Monitor returns the latest monitor frame.
func (c *Client) Monitor(ctx context.Context) (*MonitorStatus, error) {
	var resp MonitorStatus
	if err := c.doRequest(ctx, http.MethodGet, "/v1/monitor", nil, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Frame == nil {
		return nil, fmt.Errorf("response has no frame")
	}
	return &resp, nil
}
