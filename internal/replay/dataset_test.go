package replay

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCSV = `Time,V1,V2,Amount,Class
0,-1.359807,-0.072781,149.62,0
1,1.191857,0.266151,2.69,1
2,-1.358354,-1.340163,378.66,"0"
`

func TestLoad(t *testing.T) {
	rows, err := Load(strings.NewReader(sampleCSV))
	require.NoError(t, err)
	require.Len(t, rows, 3)

	first := rows[0]
	assert.Equal(t, 0, first.Index)
	assert.True(t, first.HasLabel)
	assert.Equal(t, 0, first.Label)
	assert.NotContains(t, first.Features, "Time")
	assert.NotContains(t, first.Features, "Class")
	assert.InDelta(t, 149.62, first.Features["Amount"], 1e-9)
	assert.InDelta(t, -1.359807, first.Features["V1"], 1e-9)
	assert.Len(t, first.Features, 3)

	assert.Equal(t, 1, rows[1].Label)
	assert.Equal(t, 0, rows[2].Label)
}

func TestLoad_ByteOrderMark(t *testing.T) {
	rows, err := Load(strings.NewReader("\ufeff" + sampleCSV))
	require.NoError(t, err)
	assert.NotContains(t, rows[0].Features, "\ufeffTime")
	assert.NotContains(t, rows[0].Features, "Time")
}

func TestLoad_WithoutLabel(t *testing.T) {
	rows, err := Load(strings.NewReader("V1,Amount\n0.5,10\n"))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.False(t, rows[0].HasLabel)
}

func TestLoad_NonNumericCellIsPassedThrough(t *testing.T) {
	rows, err := Load(strings.NewReader("V1,Amount\nabc,10\n"))
	require.NoError(t, err)
	assert.Equal(t, "abc", rows[0].Features["V1"])
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty", ""},
		{"header only", "V1,Amount\n"},
		{"ragged row", "V1,Amount\n1\n"},
		{"bad class", "V1,Class\n1,maybe\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(strings.NewReader(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stream.csv")
	require.NoError(t, os.WriteFile(path, []byte(sampleCSV), 0o600))

	rows, err := LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, rows, 3)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.csv"))
	assert.Error(t, err)
}

func TestShuffle_DeterministicPerSeed(t *testing.T) {
	mk := func() []Row {
		rows := make([]Row, 50)
		for i := range rows {
			rows[i] = Row{Index: i}
		}
		return rows
	}
	indexes := func(rows []Row) []int {
		out := make([]int, len(rows))
		for i, r := range rows {
			out[i] = r.Index
		}
		return out
	}

	a, b, c := mk(), mk(), mk()
	Shuffle(a, 42)
	Shuffle(b, 42)
	Shuffle(c, 7)

	assert.Equal(t, indexes(a), indexes(b))
	assert.NotEqual(t, indexes(a), indexes(c))
	assert.ElementsMatch(t, indexes(mk()), indexes(a))
}

func TestLimit(t *testing.T) {
	rows := make([]Row, 10)
	assert.Len(t, Limit(rows, 0), 10)
	assert.Len(t, Limit(rows, -1), 10)
	assert.Len(t, Limit(rows, 3), 3)
	assert.Len(t, Limit(rows, 20), 10)
}
