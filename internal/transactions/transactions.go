// Package transactions is the append-only log of scored transactions.
//
// The store is the single source of truth: ids are assigned on durable
// write, are strictly increasing, and records are never updated or deleted.
package transactions

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/mbd888/fraudwatch/internal/features"
	"github.com/mbd888/fraudwatch/internal/scoring"
)

var (
	ErrClosed       = errors.New("transactions: store closed")
	ErrInvalidDraft = errors.New("transactions: invalid draft")
)

// Transaction is one persisted, scored transaction. Values returned by a
// Store are copies; mutating them never affects stored state.
type Transaction struct {
	ID           int64              `json:"id"`
	Timestamp    time.Time          `json:"timestamp"`
	Amount       float64            `json:"amount"`
	Features     features.Vector    `json:"features,omitempty"`
	AnomalyScore float64            `json:"anomaly_score"`
	Prediction   scoring.Prediction `json:"prediction"`
	IsFraud      bool               `json:"is_fraud"`
}

// Clone returns a deep copy of t.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	cp := *t
	if t.Features != nil {
		cp.Features = append(features.Vector(nil), t.Features...)
	}
	return &cp
}

// Draft is a scored transaction that has not been persisted yet.
type Draft struct {
	Amount       float64
	Features     features.Vector
	AnomalyScore float64
	Prediction   scoring.Prediction
}

// Validate checks the draft before it reaches storage.
func (d *Draft) Validate() error {
	switch {
	case d == nil:
		return fmt.Errorf("%w: nil draft", ErrInvalidDraft)
	case !d.Prediction.Valid():
		return fmt.Errorf("%w: unknown prediction %q", ErrInvalidDraft, d.Prediction)
	case math.IsNaN(d.Amount) || math.IsInf(d.Amount, 0) || d.Amount < 0:
		return fmt.Errorf("%w: amount must be a non-negative number", ErrInvalidDraft)
	case math.IsNaN(d.AnomalyScore) || math.IsInf(d.AnomalyScore, 0):
		return fmt.Errorf("%w: anomaly score must be finite", ErrInvalidDraft)
	}
	return nil
}

// StoreError wraps any failure reported by a Store.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return "store " + e.Op + ": " + e.Err.Error() }
func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// Store persists scored transactions.
type Store interface {
	// Append durably records d and returns the stored record with its
	// assigned id and timestamp. The write is all-or-nothing.
	Append(ctx context.Context, d *Draft) (*Transaction, error)

	// QueryRecent returns at most limit records, newest first by id.
	// An empty store yields an empty slice, not an error.
	QueryRecent(ctx context.Context, limit int) ([]*Transaction, error)

	// QueryBefore returns at most limit records with id < beforeID, newest
	// first. It pages backwards from a QueryRecent result.
	QueryBefore(ctx context.Context, beforeID int64, limit int) ([]*Transaction, error)

	// Count returns the number of stored records.
	Count(ctx context.Context) (int64, error)
}
