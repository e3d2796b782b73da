package transactions

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory transaction log for demo/development mode.
type MemoryStore struct {
	mu      sync.RWMutex
	records []*Transaction // ascending by id
	nextID  int64
	closed  bool
	now     func() time.Time
}

// NewMemoryStore creates a new in-memory transaction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextID: 1,
		now:    time.Now,
	}
}

func (m *MemoryStore) Append(ctx context.Context, d *Draft) (*Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeErr("append", err)
	}
	if err := d.Validate(); err != nil {
		return nil, storeErr("append", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, storeErr("append", ErrClosed)
	}

	tx := &Transaction{
		ID:           m.nextID,
		Timestamp:    m.now().UTC().Truncate(time.Microsecond),
		Amount:       d.Amount,
		AnomalyScore: d.AnomalyScore,
		Prediction:   d.Prediction,
		IsFraud:      d.Prediction.IsFraud(),
	}
	if d.Features != nil {
		tx.Features = append(tx.Features, d.Features...)
	}
	m.nextID++
	m.records = append(m.records, tx)

	return tx.Clone(), nil
}

func (m *MemoryStore) QueryRecent(ctx context.Context, limit int) ([]*Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeErr("query", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, storeErr("query", ErrClosed)
	}

	n := min(max(limit, 0), len(m.records))
	result := make([]*Transaction, 0, n)
	for i := len(m.records) - 1; i >= len(m.records)-n; i-- {
		result = append(result, m.records[i].Clone())
	}
	return result, nil
}

func (m *MemoryStore) QueryBefore(ctx context.Context, beforeID int64, limit int) ([]*Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeErr("query", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, storeErr("query", ErrClosed)
	}

	end := sort.Search(len(m.records), func(i int) bool { return m.records[i].ID >= beforeID })
	n := min(max(limit, 0), end)
	result := make([]*Transaction, 0, n)
	for i := end - 1; i >= end-n; i-- {
		result = append(result, m.records[i].Clone())
	}
	return result, nil
}

func (m *MemoryStore) Count(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, storeErr("count", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, storeErr("count", ErrClosed)
	}
	return int64(len(m.records)), nil
}

// Close makes every later call fail with ErrClosed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

var _ Store = (*MemoryStore)(nil)
