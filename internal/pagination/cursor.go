// Package pagination provides opaque cursors for newest-first listings of
// append-only logs.
package pagination

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor is returned for cursors that were not produced by Encode.
var ErrInvalidCursor = errors.New("invalid cursor")

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// Cursor is a position in a log: the timestamp and sequence number of the
// last item already returned.
type Cursor struct {
	At  time.Time
	Seq int64
}

// Encode returns an opaque cursor string.
func Encode(at time.Time, seq int64) string {
	raw := fmt.Sprintf("%d|%d", at.UnixNano(), seq)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor string. Returns nil for empty input.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return nil, ErrInvalidCursor
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	seq, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || seq < 0 {
		return nil, ErrInvalidCursor
	}
	return &Cursor{At: time.Unix(0, nanos).UTC(), Seq: seq}, nil
}

// Limit parses a page size, falling back to DefaultLimit and capping at
// MaxLimit.
func Limit(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return DefaultLimit
	}
	return min(n, MaxLimit)
}

// ComputePage takes items fetched with limit+1, trims them to limit and
// returns the cursor for the next page and whether one exists.
func ComputePage[T any](items []T, limit int, key func(T) (time.Time, int64)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	at, seq := key(items[len(items)-1])
	return items, Encode(at, seq), true
}
