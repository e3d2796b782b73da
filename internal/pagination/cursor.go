// Package pagination provides keyset cursors for newest-first listings.
package pagination

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

const cursorPrefix = "before"

// Cursor represents a position in a newest-first result set: the next page
// holds ids strictly below BeforeID.
type Cursor struct {
	BeforeID int64
}

// Encode returns an opaque cursor string for the page after id.
func Encode(id int64) string {
	raw := cursorPrefix + "|" + strconv.FormatInt(id, 10)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor string. Returns nil for empty input.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor")
	}
	prefix, idStr, ok := strings.Cut(string(raw), "|")
	if !ok || prefix != cursorPrefix {
		return nil, fmt.Errorf("invalid cursor")
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil || id <= 0 {
		return nil, fmt.Errorf("invalid cursor")
	}
	return &Cursor{BeforeID: id}, nil
}

// ComputePage takes a slice of items (fetched with limit+1), the requested
// limit, and a function to extract the id of an item. Returns the trimmed
// items, next cursor, and has_more flag.
func ComputePage[T any](items []T, limit int, id func(T) int64) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	return items, Encode(id(items[len(items)-1])), true
}
