package colloquy

import (
	"net/http"
	"testing"
	"time"
)

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		value string
		want  int64
	}{
		{"", 0},
		{"5", 5},
		{"0", 0},
		{"-3", 0},
		{"soon", 0},
	}
	for _, tt := range tests {
		if got := ParseRetryAfter(tt.value); got != tt.want {
			t.Errorf("ParseRetryAfter(%q) = %d, want %d", tt.value, got, tt.want)
		}
	}

	future := time.Now().Add(10 * time.Second).UTC().Format(http.TimeFormat)
	if got := ParseRetryAfter(future); got < 8 || got > 10 {
		t.Errorf("ParseRetryAfter(future date) = %d, want roughly 9", got)
	}
	past := time.Now().Add(-time.Minute).UTC().Format(http.TimeFormat)
	if got := ParseRetryAfter(past); got != 0 {
		t.Errorf("ParseRetryAfter(past date) = %d, want 0", got)
	}
}

func TestErrorStrings(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&ErrLLM{Provider: "openai", Message: "timeout"}, "openai: timeout"},
		{&ErrHTTP{Status: 429, Body: "slow down"}, "http 429: slow down"},
		{&ErrTool{Name: "book", Message: "missing arg"}, "tool book: missing arg"},
		{&ErrDefinition{Message: "no main"}, "definition: no main"},
		{&ErrDefinition{Path: "order.steps", Message: "bad step"}, "definition: order.steps: bad step"},
		{&ErrDefinition{Path: "order.steps", Line: 12, Message: "bad step"}, "definition: order.steps (line 12): bad step"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}
