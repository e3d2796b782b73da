// Package idgen generates random identifiers for requests and clients.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"time"
)

// Hex returns numBytes of randomness hex-encoded. If the system source
// fails it falls back to a timestamp, which is unique enough for logs.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 16)
	}
	return hex.EncodeToString(b)
}

// RequestID returns a fresh 32-character request ID.
func RequestID() string {
	return Hex(16)
}

// Valid reports whether an inbound X-Request-ID is safe to propagate into
// logs: 1 to 128 characters of [A-Za-z0-9._-].
func Valid(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.':
		default:
			return false
		}
	}
	return true
}
