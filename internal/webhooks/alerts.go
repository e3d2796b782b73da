package webhooks

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/mbd888/fraudwatch/internal/monitor"
	"github.com/mbd888/fraudwatch/internal/transactions"
	"github.com/mbd888/fraudwatch/internal/window"
)

// AlertSink is a monitor sink that turns frames into alert events: one
// when the risk level changes and one per newly observed anomaly.
//
// The sink remembers every ID it has observed down to the oldest row of
// the latest frame, so a record that lands behind a newer one (concurrent
// appends) is still announced once it shows up. The first frame only
// records what it sees so that history loaded at startup is not
// re-announced. Anomalies that scroll past the frame's row cap between
// two polls are not reported individually.
type AlertSink struct {
	d *Dispatcher

	mu     sync.Mutex
	level  window.RiskLevel
	seen   map[int64]struct{}
	primed bool
}

// NewAlertSink creates a sink dispatching through d.
func NewAlertSink(d *Dispatcher) *AlertSink {
	return &AlertSink{d: d, level: window.RiskLow, seen: make(map[int64]struct{})}
}

func (s *AlertSink) Render(ctx context.Context, f *monitor.Frame) {
	if !s.d.Enabled() {
		return
	}

	s.mu.Lock()
	prev := s.level
	s.level = f.KPIs.RiskLevel
	fresh := s.newAnomalies(f.Recent)
	s.mu.Unlock()

	if f.KPIs.RiskLevel != prev {
		s.d.Dispatch(ctx, NewEvent(EventRiskLevelChanged, map[string]any{
			"from":          prev,
			"to":            f.KPIs.RiskLevel,
			"fraud_rate":    f.KPIs.FraudRate,
			"anomaly_count": f.KPIs.AnomalyCount,
			"window":        f.KPIs.Count,
			"latest_id":     f.KPIs.LatestID,
			"latest_score":  f.KPIs.LatestScore,
			"source":        f.Source,
		}))
	}

	for _, tx := range fresh {
		s.d.Dispatch(ctx, NewEvent(EventAnomalyDetected, map[string]any{
			"id":            tx.ID,
			"amount":        tx.Amount,
			"anomaly_score": tx.AnomalyScore,
			"scored_at":     tx.Timestamp,
			"risk_level":    f.KPIs.RiskLevel,
		}))
	}
}

// newAnomalies returns anomalies not observed in any earlier frame, oldest
// first, and records every ID in recent. IDs below the frame's oldest row
// can never reappear and are forgotten. Caller holds s.mu.
func (s *AlertSink) newAnomalies(recent []*transactions.Transaction) []*transactions.Transaction {
	var fresh []*transactions.Transaction
	for _, tx := range recent {
		if _, ok := s.seen[tx.ID]; ok {
			continue
		}
		s.seen[tx.ID] = struct{}{}
		if s.primed && tx.IsFraud {
			fresh = append(fresh, tx)
		}
	}
	s.primed = true

	if len(recent) > 0 {
		tail := recent[0].ID
		for _, tx := range recent[1:] {
			tail = min(tail, tx.ID)
		}
		for id := range s.seen {
			if id < tail {
				delete(s.seen, id)
			}
		}
	}

	slices.SortFunc(fresh, func(a, b *transactions.Transaction) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return fresh
}
