// Package scoring defines the scorer contract consumed by the ingestion
// pipeline and ships a baseline implementation.
//
// A Scorer maps a feature vector to a continuous anomaly score and a label.
// Lower scores are more anomalous; a score below the configured threshold
// is labelled Anomaly.
package scoring

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/fraudwatch/internal/circuitbreaker"
	"github.com/mbd888/fraudwatch/internal/features"
)

var (
	ErrDimension   = errors.New("scoring: feature dimension mismatch")
	ErrCircuitOpen = errors.New("scoring: circuit open, scorer unavailable")
)

// Prediction is the label attached to a scored transaction.
type Prediction string

const (
	Normal  Prediction = "Normal"
	Anomaly Prediction = "Anomaly"
)

// IsFraud reports whether the label flags the transaction.
func (p Prediction) IsFraud() bool { return p == Anomaly }

// Valid reports whether p is one of the known labels.
func (p Prediction) Valid() bool { return p == Normal || p == Anomaly }

// Result is the scorer output for one vector.
type Result struct {
	Score      float64    `json:"anomaly_score"`
	Prediction Prediction `json:"prediction"`
}

// Scorer scores feature vectors. Implementations must be deterministic for
// fixed parameters and safe for concurrent use.
type Scorer interface {
	Score(ctx context.Context, vec features.Vector) (Result, error)
}

// ScorerFunc adapts a plain function to the Scorer interface.
type ScorerFunc func(ctx context.Context, vec features.Vector) (Result, error)

func (f ScorerFunc) Score(ctx context.Context, vec features.Vector) (Result, error) {
	return f(ctx, vec)
}

// ModelInfo describes a scorer for operators.
type ModelInfo struct {
	Name          string   `json:"name"`
	SchemaVersion string   `json:"schema_version"`
	Features      []string `json:"features"`
	Threshold     float64  `json:"threshold"`

	// Circuit is set when the scorer runs behind a circuit breaker.
	Circuit *circuitbreaker.Snapshot `json:"circuit,omitempty"`
}

// Describer is implemented by scorers that can report what they are.
type Describer interface {
	Info() ModelInfo
}

// ScoringError is returned when the scorer rejects a vector or fails
// internally. It is never the caller's fault except for ErrDimension.
type ScoringError struct {
	Err error
}

func (e *ScoringError) Error() string { return "scoring failed: " + e.Err.Error() }
func (e *ScoringError) Unwrap() error { return e.Err }

// dimensionError builds a ScoringError for a vector of the wrong length.
func dimensionError(want, got int) error {
	return &ScoringError{Err: fmt.Errorf("%w: expected %d features, got %d", ErrDimension, want, got)}
}

// Classify applies the label rule: Anomaly iff score < threshold.
func Classify(score, threshold float64) Prediction {
	if score < threshold {
		return Anomaly
	}
	return Normal
}

// SelfTest scores an all-zero vector of the given arity. Health checks use
// it to confirm the scorer is loaded and answering.
func SelfTest(ctx context.Context, s Scorer, arity int) error {
	_, err := s.Score(ctx, make(features.Vector, arity))
	return err
}
