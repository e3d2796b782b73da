// Package webhooks delivers risk alerts to external HTTP endpoints.
//
// Endpoints are configured at startup. Each alert is POSTed as JSON with
// event and timestamp headers and, when a secret is set, an HMAC-SHA256
// signature of the body in X-Fraudwatch-Signature.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/fraudwatch/internal/idgen"
	"github.com/mbd888/fraudwatch/internal/metrics"
	"github.com/mbd888/fraudwatch/internal/retry"
)

// EventType represents the type of alert event
type EventType string

const (
	EventRiskLevelChanged EventType = "risk.level_changed"
	EventAnomalyDetected  EventType = "transaction.anomaly"
)

// Delivery headers
const (
	HeaderEvent     = "X-Fraudwatch-Event"
	HeaderTimestamp = "X-Fraudwatch-Timestamp"
	HeaderSignature = "X-Fraudwatch-Signature"
)

const (
	defaultTimeout     = 10 * time.Second
	defaultMaxAttempts = 3
	defaultBaseDelay   = 500 * time.Millisecond
)

// Event represents an alert event
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent stamps a fresh event ID and the current time.
func NewEvent(t EventType, data map[string]any) *Event {
	return &Event{
		ID:        "evt_" + idgen.Hex(8),
		Type:      t,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Subscription is one configured alert endpoint and its delivery status.
type Subscription struct {
	ID          string     `json:"id"`
	URL         string     `json:"url"`
	Secret      string     `json:"-"`
	Signed      bool       `json:"signed"`
	Deliveries  int64      `json:"deliveries"`
	Failures    int64      `json:"failures"`
	LastSuccess *time.Time `json:"lastSuccess,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
}

// Dispatcher sends alert events to every configured endpoint.
type Dispatcher struct {
	subs   []*Subscription
	client *http.Client
	policy retry.Policy
	logger *slog.Logger

	mu sync.RWMutex // guards subscription status fields
	wg sync.WaitGroup
}

// NewDispatcher creates a dispatcher for urls, signing with secret when it
// is non-empty.
func NewDispatcher(urls []string, secret string, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		client: &http.Client{Timeout: defaultTimeout},
		policy: retry.Policy{MaxAttempts: defaultMaxAttempts, BaseDelay: defaultBaseDelay},
		logger: logger,
	}
	for i, u := range urls {
		d.subs = append(d.subs, &Subscription{
			ID:     "wh_" + strconv.Itoa(i+1),
			URL:    u,
			Secret: secret,
			Signed: secret != "",
		})
	}
	return d
}

// WithClient replaces the HTTP client used for deliveries.
func (d *Dispatcher) WithClient(c *http.Client) *Dispatcher {
	if c != nil {
		d.client = c
	}
	return d
}

// WithRetry replaces the per-delivery retry policy.
func (d *Dispatcher) WithRetry(p retry.Policy) *Dispatcher {
	d.policy = p
	return d
}

// Enabled reports whether any endpoint is configured.
func (d *Dispatcher) Enabled() bool {
	return d != nil && len(d.subs) > 0
}

// Dispatch delivers event to all endpoints without blocking the caller.
// Deliveries outlive ctx cancellation so alerts raised during shutdown
// still go out; Wait blocks until they finish.
func (d *Dispatcher) Dispatch(ctx context.Context, event *Event) {
	if !d.Enabled() {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		d.logger.Error("failed to marshal alert", "event", event.Type, "error", err)
		return
	}

	base := context.WithoutCancel(ctx)
	for _, sub := range d.subs {
		d.wg.Add(1)
		go func(sub *Subscription) {
			defer d.wg.Done()
			d.deliver(base, sub, event, payload)
		}(sub)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, event *Event, payload []byte) {
	policy := d.policy
	policy.OnRetry = func(attempt int, err error) {
		d.logger.Debug("alert delivery retry", "webhook", sub.ID, "event", event.Type, "attempt", attempt, "error", err)
	}

	err := policy.Do(ctx, func() error {
		return d.send(ctx, sub, event, payload)
	})
	if err != nil {
		metrics.AlertDeliveries.WithLabelValues(string(event.Type), "failed").Inc()
		d.updateError(sub, err.Error())
		d.logger.Warn("alert delivery failed", "webhook", sub.ID, "event", event.Type, "error", err)
		return
	}
	metrics.AlertDeliveries.WithLabelValues(string(event.Type), "delivered").Inc()
	d.updateSuccess(sub)
}

// send makes one delivery attempt. Client errors (4xx) are permanent.
func (d *Dispatcher) send(ctx context.Context, sub *Subscription, event *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(event.Type))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(event.Timestamp.Unix(), 10))
	if sub.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	default:
		return fmt.Errorf("status %d", resp.StatusCode)
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) updateSuccess(sub *Subscription) {
	now := time.Now().UTC()
	d.mu.Lock()
	sub.Deliveries++
	sub.LastSuccess = &now
	sub.LastError = ""
	d.mu.Unlock()
}

func (d *Dispatcher) updateError(sub *Subscription, errMsg string) {
	d.mu.Lock()
	sub.Failures++
	sub.LastError = errMsg
	d.mu.Unlock()
}

// Subscriptions returns a snapshot of every endpoint with credentials and
// query strings stripped from the URL.
func (d *Dispatcher) Subscriptions() []Subscription {
	if d == nil {
		return []Subscription{}
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Subscription, 0, len(d.subs))
	for _, sub := range d.subs {
		cp := *sub
		cp.Secret = ""
		cp.URL = redact(sub.URL)
		if sub.LastSuccess != nil {
			t := *sub.LastSuccess
			cp.LastSuccess = &t
		}
		out = append(out, cp)
	}
	return out
}

// Wait blocks until in-flight deliveries finish or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	if d == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "[invalid url]"
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
