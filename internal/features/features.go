// Package features turns raw named-value transaction payloads into the
// ordered numeric vectors the scorer consumes.
//
// The field order is a contract shared with the scoring model: a Schema
// carries a Version string that the model artifact must match.
package features

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Well-known payload keys.
const (
	FieldAmount = "Amount"
	FieldTime   = "Time"
	FieldClass  = "Class"
)

// DefaultVersion identifies the V1..V28 + Amount layout of the card dataset.
const DefaultVersion = "ccfraud-v1"

// Reasons reported by InputError.
const (
	ReasonMissing    = "missing"
	ReasonNotNumeric = "not numeric"
	ReasonNotFinite  = "not finite"
	ReasonNegative   = "must be non-negative"
	ReasonUnexpected = "unexpected field"
)

var ErrEmptyPayload = errors.New("features: empty payload")

// Vector is an ordered feature vector in schema order.
type Vector []float64

// InputError reports a malformed or incomplete payload. Key names the
// offending field; it is empty when the payload as a whole is unusable.
type InputError struct {
	Key    string
	Reason string
	Err    error
}

func (e *InputError) Error() string {
	if e.Key == "" {
		if e.Err != nil {
			return "invalid input: " + e.Err.Error()
		}
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid input: feature %q: %s", e.Key, e.Reason)
}

func (e *InputError) Unwrap() error { return e.Err }

// Schema describes the required features and the keys stripped before
// validation.
type Schema struct {
	version  string
	fields   []string
	index    map[string]int
	excluded map[string]struct{}
	amount   int // index of the Amount field, -1 when absent
}

// NewSchema builds a schema from an ordered field list. Field names must be
// unique and must not overlap the excluded keys.
func NewSchema(version string, fields []string, excluded ...string) (*Schema, error) {
	if version == "" {
		return nil, errors.New("features: schema version is required")
	}
	if len(fields) == 0 {
		return nil, errors.New("features: schema needs at least one field")
	}

	s := &Schema{
		version:  version,
		fields:   append([]string(nil), fields...),
		index:    make(map[string]int, len(fields)),
		excluded: make(map[string]struct{}, len(excluded)),
		amount:   -1,
	}
	for _, k := range excluded {
		s.excluded[k] = struct{}{}
	}
	for i, f := range fields {
		if strings.TrimSpace(f) == "" {
			return nil, fmt.Errorf("features: field %d has an empty name", i)
		}
		if _, dup := s.index[f]; dup {
			return nil, fmt.Errorf("features: duplicate field %q", f)
		}
		if _, ex := s.excluded[f]; ex {
			return nil, fmt.Errorf("features: field %q is also excluded", f)
		}
		s.index[f] = i
		if f == FieldAmount {
			s.amount = i
		}
	}
	return s, nil
}

// DefaultFields returns V1..V28 followed by Amount.
func DefaultFields() []string {
	fields := make([]string, 0, 29)
	for i := 1; i <= 28; i++ {
		fields = append(fields, "V"+strconv.Itoa(i))
	}
	return append(fields, FieldAmount)
}

var defaultSchema = mustSchema(NewSchema(DefaultVersion, DefaultFields(), FieldTime, FieldClass))

func mustSchema(s *Schema, err error) *Schema {
	if err != nil {
		panic(err)
	}
	return s
}

// Default returns the card-dataset schema.
func Default() *Schema { return defaultSchema }

// Version returns the schema version tag.
func (s *Schema) Version() string { return s.version }

// Fields returns a copy of the ordered field names.
func (s *Schema) Fields() []string { return append([]string(nil), s.fields...) }

// Arity returns the vector length this schema produces.
func (s *Schema) Arity() int { return len(s.fields) }

// Excluded returns the stripped keys, sorted.
func (s *Schema) Excluded() []string {
	out := make([]string, 0, len(s.excluded))
	for k := range s.excluded {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Amount returns the monetary amount carried in v, or 0 when the schema
// has no Amount field.
func (s *Schema) Amount(v Vector) float64 {
	if s.amount < 0 || s.amount >= len(v) {
		return 0
	}
	return v[s.amount]
}

// Normalize validates raw and returns its feature vector in schema order.
// Excluded keys are dropped silently. Normalize never mutates raw.
func (s *Schema) Normalize(raw map[string]any) (Vector, error) {
	if len(raw) == 0 {
		return nil, &InputError{Reason: "empty payload", Err: ErrEmptyPayload}
	}

	vec := make(Vector, len(s.fields))
	for i, name := range s.fields {
		v, ok := raw[name]
		if !ok {
			return nil, &InputError{Key: name, Reason: ReasonMissing}
		}
		f, err := toFloat(v)
		if err != nil {
			return nil, &InputError{Key: name, Reason: ReasonNotNumeric, Err: err}
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, &InputError{Key: name, Reason: ReasonNotFinite}
		}
		vec[i] = f
	}

	if s.amount >= 0 && vec[s.amount] < 0 {
		return nil, &InputError{Key: FieldAmount, Reason: ReasonNegative}
	}

	if extra := s.unexpected(raw); extra != "" {
		return nil, &InputError{Key: extra, Reason: ReasonUnexpected}
	}

	return vec, nil
}

// unexpected returns the alphabetically first key that is neither a field
// nor excluded, so the reported key is stable across map iteration order.
func (s *Schema) unexpected(raw map[string]any) string {
	var first string
	for k := range raw {
		if _, ok := s.index[k]; ok {
			continue
		}
		if _, ok := s.excluded[k]; ok {
			continue
		}
		if first == "" || k < first {
			first = k
		}
	}
	return first
}

// Normalize runs the default schema.
func Normalize(raw map[string]any) (Vector, error) {
	return defaultSchema.Normalize(raw)
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int8:
		return float64(n), nil
	case int16:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint8:
		return float64(n), nil
	case uint16:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(n), 64)
	case nil:
		return 0, errors.New("null value")
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}
