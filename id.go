package colloquy

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// ShortID returns a compact random identifier of n hex characters,
// used for auto-named bots and tool call ids.
func ShortID(n int) string {
	s := strings.ReplaceAll(uuid.NewString(), "-", "")
	if n > len(s) {
		n = len(s)
	}
	return s[:n]
}

// NowUnixMilli returns current time as Unix milliseconds.
// Event timestamps use milliseconds so intra-turn ordering survives
// round-trips through stores.
func NowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
