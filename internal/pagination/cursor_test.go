package pagination

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	encoded := Encode(1234)
	assert.NotEmpty(t, encoded)

	cursor, err := Decode(encoded)
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, int64(1234), cursor.BeforeID)
}

func TestDecode_Empty(t *testing.T) {
	cursor, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestDecode_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		cursor string
	}{
		{"not base64", "not-base64!!!"},
		{"no separator", base64.RawURLEncoding.EncodeToString([]byte("nopipe"))},
		{"wrong prefix", base64.RawURLEncoding.EncodeToString([]byte("after|5"))},
		{"not a number", base64.RawURLEncoding.EncodeToString([]byte("before|abc"))},
		{"zero id", base64.RawURLEncoding.EncodeToString([]byte("before|0"))},
		{"negative id", base64.RawURLEncoding.EncodeToString([]byte("before|-3"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.cursor)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid cursor")
		})
	}
}

func TestComputePage_NoMore(t *testing.T) {
	items := []int64{9, 8, 7}
	result, cursor, hasMore := ComputePage(items, 5, func(id int64) int64 { return id })
	assert.Len(t, result, 3)
	assert.Empty(t, cursor)
	assert.False(t, hasMore)
}

func TestComputePage_HasMore(t *testing.T) {
	items := []int64{9, 8, 7, 6}
	result, cursor, hasMore := ComputePage(items, 3, func(id int64) int64 { return id })
	assert.Equal(t, []int64{9, 8, 7}, result)
	assert.True(t, hasMore)

	// Cursor points below the last returned item
	c, err := Decode(cursor)
	require.NoError(t, err)
	assert.Equal(t, int64(7), c.BeforeID)
}

func TestComputePage_ExactLimit(t *testing.T) {
	items := []int64{3, 2, 1}
	result, cursor, hasMore := ComputePage(items, 3, func(id int64) int64 { return id })
	assert.Len(t, result, 3)
	assert.Empty(t, cursor)
	assert.False(t, hasMore)
}
