// Package replay feeds a recorded transaction dataset through the scoring
// pipeline at a human pace, as if the rows were arriving live.
package replay

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"

	"github.com/mbd888/fraudwatch/internal/features"
)

// ErrNoRows is returned for a dataset with a header but no records.
var ErrNoRows = errors.New("replay: dataset has no rows")

// Row is one dataset record ready to send.
type Row struct {
	// Index is the zero-based position in the file, before shuffling.
	Index    int
	Features map[string]any
	// Label is the ground-truth class (1 = fraud) when the dataset has one.
	Label    int
	HasLabel bool
}

// LoadFile reads a CSV dataset from path.
func LoadFile(path string) ([]Row, error) {
	f, err := os.Open(path) // #nosec G304 -- operator-supplied dataset path
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Load(f)
}

// Load reads a CSV dataset with a header row. The Class column is kept
// aside as ground truth and the Time column is dropped; every other column
// is sent as a feature.
func Load(r io.Reader) ([]Row, error) {
	br := bufio.NewReader(r)
	if bom, err := br.Peek(3); err == nil && string(bom) == "\ufeff" {
		_, _ = br.Discard(3)
	}
	cr := csv.NewReader(br)
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("replay: dataset is empty")
		}
		return nil, fmt.Errorf("read header: %w", err)
	}
	columns := make([]string, len(header))
	for i, h := range header {
		columns[i] = strings.TrimSpace(h)
	}

	var rows []Row
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", len(rows)+1, err)
		}

		row := Row{Index: len(rows), Features: make(map[string]any, len(columns))}
		for i, col := range columns {
			raw := strings.TrimSpace(record[i])
			switch col {
			case features.FieldTime:
				continue
			case features.FieldClass:
				label, err := strconv.ParseFloat(raw, 64)
				if err != nil {
					return nil, fmt.Errorf("row %d: class %q: %w", row.Index+1, raw, err)
				}
				row.Label = int(label)
				row.HasLabel = true
				continue
			}
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				// Let the scoring endpoint reject it; the row still counts.
				row.Features[col] = raw
				continue
			}
			row.Features[col] = v
		}
		rows = append(rows, row)
	}

	if len(rows) == 0 {
		return nil, ErrNoRows
	}
	return rows, nil
}

// Shuffle reorders rows in place, deterministically for a given seed.
func Shuffle(rows []Row, seed uint64) {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	rng.Shuffle(len(rows), func(i, j int) { rows[i], rows[j] = rows[j], rows[i] })
}

// Limit truncates rows to at most n; n <= 0 keeps everything.
func Limit(rows []Row, n int) []Row {
	if n <= 0 || n >= len(rows) {
		return rows
	}
	return rows[:n]
}
