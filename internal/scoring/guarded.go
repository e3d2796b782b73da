package scoring

import (
	"context"
	"errors"

	"github.com/mbd888/fraudwatch/internal/circuitbreaker"
	"github.com/mbd888/fraudwatch/internal/features"
)

// Guarded wraps a Scorer with a circuit breaker. Repeated internal
// failures open the circuit and later calls fail fast with ErrCircuitOpen.
// Dimension mismatches are the caller's fault and never trip it.
type Guarded struct {
	inner   Scorer
	breaker *circuitbreaker.Breaker
}

// NewGuarded returns inner guarded by breaker.
func NewGuarded(inner Scorer, breaker *circuitbreaker.Breaker) *Guarded {
	return &Guarded{inner: inner, breaker: breaker}
}

// Score implements Scorer.
func (g *Guarded) Score(ctx context.Context, vec features.Vector) (Result, error) {
	var res Result
	err := g.breaker.Execute(func() error {
		var err error
		res, err = g.inner.Score(ctx, vec)
		return err
	}, countsAgainstScorer)

	if errors.Is(err, circuitbreaker.ErrOpen) {
		return Result{}, &ScoringError{Err: ErrCircuitOpen}
	}
	if err != nil {
		var se *ScoringError
		if errors.As(err, &se) {
			return Result{}, err
		}
		return Result{}, &ScoringError{Err: err}
	}
	return res, nil
}

// State reports the breaker state for the scorer.
func (g *Guarded) State() circuitbreaker.State {
	return g.breaker.State()
}

// Info describes the wrapped scorer and adds the circuit state.
func (g *Guarded) Info() ModelInfo {
	info := ModelInfo{Name: "unknown"}
	if d, ok := g.inner.(Describer); ok {
		info = d.Info()
	}
	snap := g.breaker.Snapshot()
	info.Circuit = &snap
	return info
}

func countsAgainstScorer(err error) bool {
	return !errors.Is(err, ErrDimension) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}
