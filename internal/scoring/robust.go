package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"slices"

	"github.com/mbd888/fraudwatch/internal/features"
)

// Model holds the parameters of the robust-distance baseline. It is the
// on-disk artifact format produced by the offline training job.
type Model struct {
	Name          string    `json:"name"`
	SchemaVersion string    `json:"schema_version"`
	Features      []string  `json:"features"`
	Center        []float64 `json:"center"` // per-feature median
	Scale         []float64 `json:"scale"`  // per-feature IQR
	Offset        float64   `json:"offset"`
}

// defaultScale approximates the spread of the PCA components in the card
// dataset; Amount uses its median and interquartile range.
var defaultScale = []float64{
	1.96, 1.65, 1.52, 1.42, 1.38, 1.33, 1.24, 1.19, 1.10, 1.09,
	1.02, 1.00, 0.995, 0.959, 0.915, 0.876, 0.849, 0.838, 0.814, 0.771,
	0.735, 0.726, 0.624, 0.606, 0.521, 0.482, 0.404, 0.330,
}

const (
	defaultAmountCenter = 22.0
	defaultAmountScale  = 71.6
	// A robust distance of 1.5 maps to a score of exactly zero.
	defaultOffset = 0.6
)

// DefaultModel returns the built-in baseline for the default schema.
func DefaultModel() *Model {
	schema := features.Default()
	center := make([]float64, schema.Arity())
	scale := make([]float64, 0, schema.Arity())
	scale = append(scale, defaultScale...)
	center[len(center)-1] = defaultAmountCenter
	scale = append(scale, defaultAmountScale)

	return &Model{
		Name:          "robust-baseline",
		SchemaVersion: schema.Version(),
		Features:      schema.Fields(),
		Center:        center,
		Scale:         scale,
		Offset:        defaultOffset,
	}
}

// LoadModel reads a JSON model artifact from path.
func LoadModel(path string) (*Model, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied model path
	if err != nil {
		return nil, fmt.Errorf("read model: %w", err)
	}
	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode model %s: %w", path, err)
	}
	return &m, nil
}

// Validate checks the model is internally consistent and matches schema.
func (m *Model) Validate(schema *features.Schema) error {
	if m.SchemaVersion != schema.Version() {
		return fmt.Errorf("model schema %q does not match feature schema %q", m.SchemaVersion, schema.Version())
	}
	if !slices.Equal(m.Features, schema.Fields()) {
		return errors.New("model feature order does not match feature schema")
	}
	n := len(m.Features)
	if len(m.Center) != n || len(m.Scale) != n {
		return fmt.Errorf("model has %d features but %d centers and %d scales", n, len(m.Center), len(m.Scale))
	}
	for i, s := range m.Scale {
		if !(s > 0) || math.IsInf(s, 0) {
			return fmt.Errorf("model scale for %q must be positive and finite", m.Features[i])
		}
		if c := m.Center[i]; math.IsNaN(c) || math.IsInf(c, 0) {
			return fmt.Errorf("model center for %q must be finite", m.Features[i])
		}
	}
	if math.IsNaN(m.Offset) || math.IsInf(m.Offset, 0) {
		return errors.New("model offset must be finite")
	}
	return nil
}

// RobustScorer scores a vector by its RMS distance from the per-feature
// median in IQR units: score = offset - d/(1+d). The score falls as the
// transaction moves away from the bulk of the data.
type RobustScorer struct {
	model     Model
	threshold float64
}

// NewRobustScorer validates m against schema and returns a scorer that
// labels with threshold.
func NewRobustScorer(m *Model, schema *features.Schema, threshold float64) (*RobustScorer, error) {
	if m == nil {
		return nil, errors.New("scoring: nil model")
	}
	if err := m.Validate(schema); err != nil {
		return nil, err
	}
	cp := *m
	cp.Features = slices.Clone(m.Features)
	cp.Center = slices.Clone(m.Center)
	cp.Scale = slices.Clone(m.Scale)
	if cp.Name == "" {
		cp.Name = "robust"
	}
	return &RobustScorer{model: cp, threshold: threshold}, nil
}

// Score implements Scorer.
func (r *RobustScorer) Score(ctx context.Context, vec features.Vector) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, &ScoringError{Err: err}
	}
	n := len(r.model.Center)
	if len(vec) != n {
		return Result{}, dimensionError(n, len(vec))
	}

	var sum float64
	for i, x := range vec {
		z := (x - r.model.Center[i]) / r.model.Scale[i]
		sum += z * z
	}
	d := math.Sqrt(sum / float64(n))
	score := r.model.Offset - d/(1+d)

	return Result{Score: score, Prediction: Classify(score, r.threshold)}, nil
}

// Info implements Describer.
func (r *RobustScorer) Info() ModelInfo {
	return ModelInfo{
		Name:          r.model.Name,
		SchemaVersion: r.model.SchemaVersion,
		Features:      slices.Clone(r.model.Features),
		Threshold:     r.threshold,
	}
}
