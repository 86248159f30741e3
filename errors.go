package colloquy

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter int64 // seconds, from the Retry-After header; 0 if absent
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ParseRetryAfter interprets a Retry-After header value as whole seconds.
// Accepts both the delta-seconds and the HTTP-date form; returns 0 when
// the value is absent or unparseable.
func ParseRetryAfter(value string) int64 {
	if value == "" {
		return 0
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		if secs < 0 {
			return 0
		}
		return secs
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return int64(d / time.Second)
		}
	}
	return 0
}

// ErrDefinition reports an invalid bot definition, with the YAML path and
// line of the offending node when known.
type ErrDefinition struct {
	Path    string
	Line    int
	Message string
}

func (e *ErrDefinition) Error() string {
	switch {
	case e.Path == "":
		return "definition: " + e.Message
	case e.Line > 0:
		return fmt.Sprintf("definition: %s (line %d): %s", e.Path, e.Line, e.Message)
	default:
		return fmt.Sprintf("definition: %s: %s", e.Path, e.Message)
	}
}

// ErrTool reports a failed tool invocation.
type ErrTool struct {
	Name    string
	Message string
}

func (e *ErrTool) Error() string {
	return fmt.Sprintf("tool %s: %s", e.Name, e.Message)
}
