package features

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validPayload() map[string]any {
	raw := make(map[string]any, 31)
	for i, f := range DefaultFields() {
		raw[f] = float64(i) * 0.1
	}
	raw[FieldAmount] = 120.0
	return raw
}

func requireInputError(t *testing.T, err error, key, reason string) {
	t.Helper()
	require.Error(t, err)
	var ie *InputError
	require.True(t, errors.As(err, &ie), "expected *InputError, got %T", err)
	assert.Equal(t, key, ie.Key)
	assert.Equal(t, reason, ie.Reason)
}

func TestDefaultSchema(t *testing.T) {
	s := Default()
	assert.Equal(t, DefaultVersion, s.Version())
	assert.Equal(t, 29, s.Arity())

	fields := s.Fields()
	assert.Equal(t, "V1", fields[0])
	assert.Equal(t, "V28", fields[27])
	assert.Equal(t, FieldAmount, fields[28])
	assert.Equal(t, []string{FieldClass, FieldTime}, s.Excluded())
}

func TestNormalize_OrderAndAmount(t *testing.T) {
	vec, err := Normalize(validPayload())
	require.NoError(t, err)
	require.Len(t, vec, 29)

	assert.Equal(t, 0.0, vec[0])
	assert.InDelta(t, 2.7, vec[27], 1e-12)
	assert.Equal(t, 120.0, Default().Amount(vec))
}

func TestNormalize_StripsExcludedKeys(t *testing.T) {
	raw := validPayload()
	base, err := Normalize(raw)
	require.NoError(t, err)

	raw[FieldTime] = 406.0
	raw[FieldClass] = "not even numeric"
	withExtras, err := Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, base, withExtras)
}

func TestNormalize_Pure(t *testing.T) {
	raw := validPayload()
	a, err := Normalize(raw)
	require.NoError(t, err)
	b, err := Normalize(raw)
	require.NoError(t, err)

	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.Equal(t, math.Float64bits(a[i]), math.Float64bits(b[i]), "index %d", i)
	}
	assert.Len(t, raw, 29, "input must not be mutated")
}

func TestNormalize_MissingKey(t *testing.T) {
	raw := validPayload()
	delete(raw, "V17")

	_, err := Normalize(raw)
	requireInputError(t, err, "V17", ReasonMissing)
	assert.Contains(t, err.Error(), "V17")
}

func TestNormalize_NonNumeric(t *testing.T) {
	tests := []struct {
		name  string
		value any
	}{
		{"word", "abc"},
		{"bool", true},
		{"null", nil},
		{"object", map[string]any{"x": 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := validPayload()
			raw["V3"] = tt.value
			_, err := Normalize(raw)
			requireInputError(t, err, "V3", ReasonNotNumeric)
		})
	}
}

func TestNormalize_NotFinite(t *testing.T) {
	raw := validPayload()
	raw["V5"] = math.Inf(1)
	_, err := Normalize(raw)
	requireInputError(t, err, "V5", ReasonNotFinite)

	raw["V5"] = "NaN"
	_, err = Normalize(raw)
	requireInputError(t, err, "V5", ReasonNotFinite)
}

func TestNormalize_AcceptedNumericForms(t *testing.T) {
	raw := validPayload()
	raw["V1"] = json.Number("1.5")
	raw["V2"] = " 2.5 "
	raw["V3"] = 3
	raw["V4"] = int64(4)
	raw["V5"] = float32(0.5)

	vec, err := Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, 1.5, vec[0])
	assert.Equal(t, 2.5, vec[1])
	assert.Equal(t, 3.0, vec[2])
	assert.Equal(t, 4.0, vec[3])
	assert.Equal(t, 0.5, vec[4])
}

func TestNormalize_EveryGoIntegerWidth(t *testing.T) {
	raw := validPayload()
	raw["V1"] = int8(-8)
	raw["V2"] = int16(-16)
	raw["V3"] = int32(-32)
	raw["V4"] = uint8(8)
	raw["V5"] = uint16(16)
	raw["V6"] = uint32(32)
	raw["V7"] = uint64(64)
	raw["V8"] = uint(1)

	vec, err := Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, []float64{-8, -16, -32, 8, 16, 32, 64, 1}, []float64(vec[:8]))
}

func TestNormalize_NegativeAmount(t *testing.T) {
	raw := validPayload()
	raw[FieldAmount] = -1.0
	_, err := Normalize(raw)
	requireInputError(t, err, FieldAmount, ReasonNegative)
}

func TestNormalize_UnexpectedKey(t *testing.T) {
	raw := validPayload()
	raw["zeta"] = 1.0
	raw["Merchant"] = 2.0

	_, err := Normalize(raw)
	requireInputError(t, err, "Merchant", ReasonUnexpected)
}

func TestNormalize_EmptyPayload(t *testing.T) {
	_, err := Normalize(nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEmptyPayload))

	var ie *InputError
	require.True(t, errors.As(err, &ie))
	assert.Empty(t, ie.Key)
}

func TestNewSchema_Validation(t *testing.T) {
	_, err := NewSchema("", []string{"a"})
	assert.Error(t, err)

	_, err = NewSchema("v", nil)
	assert.Error(t, err)

	_, err = NewSchema("v", []string{"a", "a"})
	assert.Error(t, err)

	_, err = NewSchema("v", []string{"a", "Time"}, FieldTime)
	assert.Error(t, err)

	s, err := NewSchema("v", []string{"x", "y"})
	require.NoError(t, err)
	assert.Equal(t, 0.0, s.Amount(Vector{1, 2}), "schemas without Amount report zero")
}
