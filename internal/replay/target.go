package replay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mbd888/fraudwatch/internal/features"
	"github.com/mbd888/fraudwatch/internal/ingest"
	"github.com/mbd888/fraudwatch/internal/retry"
	"github.com/mbd888/fraudwatch/internal/transactions"
)

// ErrWriteUncertain marks a failure after which the row may already be
// stored. Such rows are skipped without a retry so a commit whose
// acknowledgement was lost is not ingested twice.
var ErrWriteUncertain = errors.New("write outcome unknown")

// Verdict is what a target returns for one row.
type Verdict struct {
	Prediction   string  `json:"prediction"`
	AnomalyScore float64 `json:"anomaly_score"`
	IsFraud      bool    `json:"is_fraud"`
}

// Target scores one feature payload. Errors wrapped with retry.Permanent
// are not retried.
type Target interface {
	Score(ctx context.Context, feats map[string]any) (Verdict, error)
}

// StatusError is a non-2xx response from the scoring endpoint.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("scoring endpoint returned %d: %s", e.StatusCode, e.Body)
}

// Code returns the API error code from a JSON error body, or "".
func (e *StatusError) Code() string {
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal([]byte(e.Body), &body) != nil {
		return ""
	}
	return body.Error
}

const maxErrorBody = 512

// HTTPTarget posts rows to a scoring endpoint.
type HTTPTarget struct {
	url     string
	client  *http.Client
	timeout time.Duration
}

// NewHTTPTarget creates a target posting to url with a per-call timeout.
func NewHTTPTarget(url string, timeout time.Duration) *HTTPTarget {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPTarget{
		url:     url,
		client:  &http.Client{},
		timeout: timeout,
	}
}

// WithClient replaces the HTTP client, e.g. for tests.
func (t *HTTPTarget) WithClient(c *http.Client) *HTTPTarget {
	t.client = c
	return t
}

// Score implements Target. 4xx responses and store failures reported by
// the server are permanent. Connection failures, timeouts and other 5xx
// responses may be retried.
func (t *HTTPTarget) Score(ctx context.Context, feats map[string]any) (Verdict, error) {
	body, err := json.Marshal(ingest.ScoreRequest{Features: feats})
	if err != nil {
		return Verdict{}, retry.Permanent(fmt.Errorf("encode payload: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return Verdict{}, retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return Verdict{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		se := &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(data))}
		if se.Code() == "store_unavailable" {
			return Verdict{}, retry.Permanent(fmt.Errorf("%w: %w", ErrWriteUncertain, se))
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return Verdict{}, retry.Permanent(se)
		}
		return Verdict{}, se
	}

	var v Verdict
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return Verdict{}, fmt.Errorf("decode response: %w", err)
	}
	return v, nil
}

// InProcessTarget drives an Ingestor directly, without HTTP.
type InProcessTarget struct {
	ingestor ingest.Ingestor
}

// NewInProcessTarget wraps ing.
func NewInProcessTarget(ing ingest.Ingestor) *InProcessTarget {
	return &InProcessTarget{ingestor: ing}
}

// Score implements Target. Invalid input and store failures are
// permanent. Scoring failures may be retried.
func (t *InProcessTarget) Score(ctx context.Context, feats map[string]any) (Verdict, error) {
	tx, err := t.ingestor.Ingest(ctx, feats)
	if err != nil {
		var inputErr *features.InputError
		var storeErr *transactions.StoreError
		switch {
		case errors.As(err, &inputErr):
			return Verdict{}, retry.Permanent(err)
		case errors.As(err, &storeErr):
			return Verdict{}, retry.Permanent(fmt.Errorf("%w: %w", ErrWriteUncertain, err))
		}
		return Verdict{}, err
	}
	return Verdict{
		Prediction:   string(tx.Prediction),
		AnomalyScore: tx.AnomalyScore,
		IsFraud:      tx.IsFraud,
	}, nil
}
