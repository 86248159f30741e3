// Package code executes bot tool functions defined in a user-supplied
// Python script. Each call runs the script in a fresh subprocess: the
// driver imports the file, invokes the named function with keyword
// arguments, and reports the return value back over a JSON envelope on
// the last line of stdout. Anything the function prints is captured
// separately as stdout.
package code

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/colloquy-ai/colloquy"
)

// driverSource wraps one function call. Argv: script path, function
// name, JSON-encoded kwargs.
const driverSource = `
import importlib.util, json, sys, traceback

script, fn_name, raw_args = sys.argv[1], sys.argv[2], sys.argv[3]
spec = importlib.util.spec_from_file_location("bot_tools", script)
mod = importlib.util.module_from_spec(spec)
envelope = {"status": "success", "result": None}
try:
    spec.loader.exec_module(mod)
    fn = getattr(mod, fn_name)
    envelope["result"] = fn(**json.loads(raw_args))
except Exception as e:
    envelope = {"status": "error", "error": "%s: %s" % (type(e).__name__, e)}
    traceback.print_exc(file=sys.stderr)
sys.stdout.flush()
print("\x1e" + json.dumps(envelope, default=str))
`

// ScriptExecutor implements colloquy.ToolExecutor over a Python tool
// script. Safe for concurrent use; every call is an isolated process.
type ScriptExecutor struct {
	scriptPath string
	cfg        runnerConfig
}

// NewScriptExecutor creates an executor for the functions defined in the
// given script file.
func NewScriptExecutor(scriptPath string, opts ...Option) *ScriptExecutor {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return &ScriptExecutor{scriptPath: scriptPath, cfg: cfg}
}

// Execute runs one named function. A failing function yields an error
// ToolResult, not a Go error; Go errors are reserved for the runner
// itself breaking.
func (e *ScriptExecutor) Execute(ctx context.Context, name string, args map[string]any) (colloquy.ToolResult, error) {
	if len(e.cfg.allow) > 0 && !e.cfg.allow[name] {
		return colloquy.ToolResult{Status: "error", Error: "function not allowed: " + name},
			&colloquy.ErrTool{Name: name, Message: "not in allowlist"}
	}
	if args == nil {
		args = map[string]any{}
	}
	rawArgs, err := json.Marshal(args)
	if err != nil {
		return colloquy.ToolResult{}, fmt.Errorf("encode args: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.cfg.pythonBin, "-c", driverSource, e.scriptPath, name, string(rawArgs))
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitWriter{buf: &stdout, max: e.cfg.maxOutput}
	cmd.Stderr = &limitWriter{buf: &stderr, max: e.cfg.maxOutput}

	runErr := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return colloquy.ToolResult{
			Status: "error",
			Error:  fmt.Sprintf("execution timed out after %s", e.cfg.timeout),
		}, nil
	}

	printed, envelope := splitEnvelope(stdout.String())
	if envelope == "" {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" && runErr != nil {
			msg = runErr.Error()
		}
		if msg == "" {
			msg = "no result from tool script"
		}
		return colloquy.ToolResult{Status: "error", Stdout: printed, Error: msg}, nil
	}

	var out struct {
		Status string `json:"status"`
		Result any    `json:"result"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal([]byte(envelope), &out); err != nil {
		return colloquy.ToolResult{Status: "error", Stdout: printed, Error: "malformed tool envelope"}, nil
	}
	if out.Status == "error" {
		return colloquy.ToolResult{Status: "error", Stdout: printed, Error: out.Error}, nil
	}
	return colloquy.ToolResult{Status: "success", Output: out.Result, Stdout: printed}, nil
}

// splitEnvelope separates printed output from the record-separator
// prefixed result envelope on the last line.
func splitEnvelope(output string) (printed, envelope string) {
	idx := strings.LastIndex(output, "\x1e")
	if idx < 0 {
		return strings.TrimSpace(output), ""
	}
	return strings.TrimSpace(output[:idx]), strings.TrimSpace(output[idx+1:])
}

// limitWriter caps capture at max bytes while draining the rest.
type limitWriter struct {
	buf *bytes.Buffer
	max int
}

func (lw *limitWriter) Write(p []byte) (int, error) {
	if lw.buf.Len() < lw.max {
		remaining := lw.max - lw.buf.Len()
		if len(p) > remaining {
			lw.buf.Write(p[:remaining])
		} else {
			lw.buf.Write(p)
		}
	}
	return len(p), nil
}

var _ colloquy.ToolExecutor = (*ScriptExecutor)(nil)
