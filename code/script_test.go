package code

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/colloquy-ai/colloquy"
)

func TestSplitEnvelope(t *testing.T) {
	tests := []struct {
		name     string
		output   string
		printed  string
		envelope string
	}{
		{"envelope only", "\x1e{\"status\":\"success\"}\n", "", `{"status":"success"}`},
		{"printed then envelope", "debug line\n\x1e{\"status\":\"success\"}\n", "debug line", `{"status":"success"}`},
		{"no envelope", "just printed output\n", "just printed output", ""},
		{"empty", "", "", ""},
		{"separator in printed text survives", "a\x1eb\n\x1e{}", "a\x1eb", "{}"},
	}
	for _, tt := range tests {
		printed, envelope := splitEnvelope(tt.output)
		if printed != tt.printed || envelope != tt.envelope {
			t.Errorf("%s: splitEnvelope = (%q, %q), want (%q, %q)",
				tt.name, printed, envelope, tt.printed, tt.envelope)
		}
	}
}

func TestLimitWriter(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitWriter{buf: &buf, max: 5}

	n, err := lw.Write([]byte("abc"))
	if n != 3 || err != nil {
		t.Fatalf("Write = %d, %v", n, err)
	}
	// The writer keeps accepting bytes but stops capturing at the cap.
	n, err = lw.Write([]byte("defgh"))
	if n != 5 || err != nil {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if buf.String() != "abcde" {
		t.Errorf("captured = %q, want %q", buf.String(), "abcde")
	}
	if n, _ := lw.Write([]byte("more")); n != 4 {
		t.Errorf("full writer must still drain, n = %d", n)
	}
	if buf.String() != "abcde" {
		t.Errorf("captured grew past the cap: %q", buf.String())
	}
}

func TestExecuteRejectsDisallowedFunction(t *testing.T) {
	e := NewScriptExecutor("tools.py", WithAllow("book_taxi"))

	result, err := e.Execute(context.Background(), "rm_everything", nil)
	if err == nil {
		t.Fatal("expected an allowlist error")
	}
	var tErr *colloquy.ErrTool
	if !errors.As(err, &tErr) || tErr.Name != "rm_everything" {
		t.Errorf("err = %v, want *colloquy.ErrTool for the function", err)
	}
	if result.Status != "error" || !strings.Contains(result.Error, "not allowed") {
		t.Errorf("result = %+v", result)
	}
}

func TestExecuteMissingInterpreter(t *testing.T) {
	// A nonexistent interpreter is a runner failure reported in the
	// result, not a Go error.
	e := NewScriptExecutor("tools.py",
		WithPythonBin("definitely-not-a-real-python"),
		WithTimeout(2*time.Second))

	result, err := e.Execute(context.Background(), "anything", map[string]any{"a": 1})
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != "error" || result.Error == "" {
		t.Errorf("result = %+v, want an error status with a message", result)
	}
}

func TestOptions(t *testing.T) {
	cfg := defaultConfig()
	for _, o := range []Option{
		WithPythonBin("python3.12"),
		WithTimeout(3 * time.Second),
		WithMaxOutput(64),
		WithAllow("a", "b"),
	} {
		o(&cfg)
	}
	if cfg.pythonBin != "python3.12" || cfg.timeout != 3*time.Second || cfg.maxOutput != 64 {
		t.Errorf("cfg = %+v", cfg)
	}
	if !cfg.allow["a"] || !cfg.allow["b"] || cfg.allow["c"] {
		t.Errorf("allow = %v", cfg.allow)
	}

	// Zero and empty values never override the defaults.
	cfg2 := defaultConfig()
	WithPythonBin("")(&cfg2)
	WithTimeout(0)(&cfg2)
	WithMaxOutput(-1)(&cfg2)
	if cfg2.pythonBin != "python3" || cfg2.timeout != 10*time.Second || cfg2.maxOutput != 1<<20 {
		t.Errorf("cfg2 = %+v", cfg2)
	}
}
