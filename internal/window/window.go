// Package window keeps the bounded, newest-first view of recently scored
// transactions and derives the live risk KPIs from it.
package window

import (
	"sort"
	"sync"

	"github.com/mbd888/fraudwatch/internal/transactions"
)

// RiskLevel summarises how alarming the current window looks.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskModerate RiskLevel = "MODERATE"
	RiskCritical RiskLevel = "CRITICAL"
)

const (
	// DefaultCapacity is the window size used when none is configured.
	DefaultCapacity = 200
	// DefaultCriticalThreshold is the head score below which an anomalous
	// window is CRITICAL.
	DefaultCriticalThreshold = -0.1
)

// KPIs are derived from the window contents on every read.
type KPIs struct {
	Count        int       `json:"count"`
	AnomalyCount int       `json:"anomaly_count"`
	FraudRate    float64   `json:"fraud_rate"`
	RiskLevel    RiskLevel `json:"risk_level"`
	LatestID     int64     `json:"latest_id,omitempty"`
	LatestScore  float64   `json:"latest_score"`
}

// ComputeKPIs derives KPIs from records ordered newest first. Records with
// a score below criticalThreshold at the head escalate an anomalous window
// to CRITICAL.
func ComputeKPIs(records []*transactions.Transaction, criticalThreshold float64) KPIs {
	k := KPIs{RiskLevel: RiskLow}
	if len(records) == 0 {
		return k
	}

	k.Count = len(records)
	for _, tx := range records {
		if tx.IsFraud {
			k.AnomalyCount++
		}
	}
	k.FraudRate = float64(k.AnomalyCount) / float64(k.Count)

	head := records[0]
	k.LatestID = head.ID
	k.LatestScore = head.AnomalyScore

	if k.AnomalyCount > 0 {
		if head.AnomalyScore < criticalThreshold {
			k.RiskLevel = RiskCritical
		} else {
			k.RiskLevel = RiskModerate
		}
	}
	return k
}

// LiveWindow is a fixed-capacity ring of the most recent transactions by
// id. The ingestion path is its only writer; readers always observe a
// state from before or after a push, never in between.
type LiveWindow struct {
	mu                sync.RWMutex
	buf               []*transactions.Transaction
	head              int // index of the newest record
	size              int
	criticalThreshold float64
}

// New creates a window holding at most capacity records.
func New(capacity int, criticalThreshold float64) *LiveWindow {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &LiveWindow{
		buf:               make([]*transactions.Transaction, capacity),
		head:              capacity - 1,
		criticalThreshold: criticalThreshold,
	}
}

// Capacity returns the maximum number of records held.
func (w *LiveWindow) Capacity() int { return len(w.buf) }

// Len returns the current number of records.
func (w *LiveWindow) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.size
}

// Push inserts tx, evicting the oldest record when full. It reports
// whether tx ended up in the window: a record older than everything in a
// full window, or one whose id is already present, is dropped.
func (w *LiveWindow) Push(tx *transactions.Transaction) bool {
	if tx == nil {
		return false
	}
	cp := tx.Clone()

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size == 0 || cp.ID > w.buf[w.head].ID {
		w.head = (w.head + 1) % len(w.buf)
		w.buf[w.head] = cp
		if w.size < len(w.buf) {
			w.size++
		}
		return true
	}
	return w.insertOutOfOrder(cp)
}

// insertOutOfOrder handles appends that finished in a different order
// than their ids were assigned. Caller holds w.mu.
func (w *LiveWindow) insertOutOfOrder(tx *transactions.Transaction) bool {
	ordered := w.orderedLocked()
	if w.size == len(w.buf) && tx.ID < ordered[len(ordered)-1].ID {
		return false
	}

	i := sort.Search(len(ordered), func(i int) bool { return ordered[i].ID <= tx.ID })
	if i < len(ordered) && ordered[i].ID == tx.ID {
		return false
	}

	ordered = append(ordered, nil)
	copy(ordered[i+1:], ordered[i:])
	ordered[i] = tx
	if len(ordered) > len(w.buf) {
		ordered = ordered[:len(w.buf)]
	}
	w.resetLocked(ordered)
	return true
}

// orderedLocked returns the records newest first. Caller holds w.mu.
func (w *LiveWindow) orderedLocked() []*transactions.Transaction {
	out := make([]*transactions.Transaction, 0, w.size+1)
	n := len(w.buf)
	for i := 0; i < w.size; i++ {
		out = append(out, w.buf[(w.head-i+n)%n])
	}
	return out
}

// resetLocked rebuilds the ring from newest-first records. Caller holds w.mu.
func (w *LiveWindow) resetLocked(newestFirst []*transactions.Transaction) {
	clear(w.buf)
	w.size = len(newestFirst)
	w.head = w.size - 1
	if w.size == 0 {
		w.head = len(w.buf) - 1
	}
	for i, tx := range newestFirst {
		w.buf[w.size-1-i] = tx
	}
}

// Snapshot returns copies of the records, newest first.
func (w *LiveWindow) Snapshot() []*transactions.Transaction {
	w.mu.RLock()
	ordered := w.orderedLocked()
	w.mu.RUnlock()

	for i, tx := range ordered {
		ordered[i] = tx.Clone()
	}
	return ordered
}

// KPIs computes the live metrics from the current contents.
func (w *LiveWindow) KPIs() KPIs {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return ComputeKPIs(w.orderedLocked(), w.criticalThreshold)
}

// View returns a snapshot and the KPIs computed from the same state.
func (w *LiveWindow) View() ([]*transactions.Transaction, KPIs) {
	w.mu.RLock()
	ordered := w.orderedLocked()
	kpis := ComputeKPIs(ordered, w.criticalThreshold)
	w.mu.RUnlock()

	for i, tx := range ordered {
		ordered[i] = tx.Clone()
	}
	return ordered, kpis
}

// Hydrate replaces the contents with records, which may arrive in any
// order. Only the newest Capacity() records by id are kept.
func (w *LiveWindow) Hydrate(records []*transactions.Transaction) {
	sorted := make([]*transactions.Transaction, 0, len(records))
	seen := make(map[int64]struct{}, len(records))
	for _, tx := range records {
		if tx == nil {
			continue
		}
		if _, dup := seen[tx.ID]; dup {
			continue
		}
		seen[tx.ID] = struct{}{}
		sorted = append(sorted, tx.Clone())
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID > sorted[j].ID })
	if len(sorted) > len(w.buf) {
		sorted = sorted[:len(w.buf)]
	}

	w.mu.Lock()
	w.resetLocked(sorted)
	w.mu.Unlock()
}
