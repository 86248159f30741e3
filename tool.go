package colloquy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// ToolExecutor runs named functions on behalf of call steps and model tool
// calls. Implementations must be safe for concurrent use.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, args map[string]any) (ToolResult, error)
}

// ToolResult is the outcome of one function invocation. Output follows the
// tool protocol: a bare string becomes an utterance; a list mixes strings
// (utterances) and objects. {"bot": text} utters, {"arg": name, "value": v}
// writes an argument, and {"status": s, "msg": m} reports a terminal
// outcome for the calling agent: success/complete finishes it, anything
// else fails it with msg in the failure metadata.
type ToolResult struct {
	Status string `json:"status"` // "success" or "error"
	Output any    `json:"result,omitempty"`
	Stdout string `json:"stdout,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Function describes a callable tool declared in the bot definition. It
// lives in the agent graph so call steps and LLM "uses" lists can resolve
// it by name, but it never runs as a conversational agent itself.
type Function struct {
	agentBase
	Args     []FunctionArg
	Required []string
}

type FunctionArg struct {
	Name        string
	Description string
	Type        string // JSON Schema type; defaults to "string"
}

// NewFunction builds a function descriptor.
func NewFunction(name, description string, args []FunctionArg, required []string) *Function {
	return &Function{
		agentBase: agentBase{name: name, description: description},
		Args:      args,
		Required:  required,
	}
}

// Definition renders the descriptor as a model tool definition.
func (f *Function) Definition() ToolDefinition {
	props := make(map[string]any, len(f.Args))
	for _, a := range f.Args {
		typ := a.Type
		if typ == "" {
			typ = "string"
		}
		props[a.Name] = map[string]any{"type": typ, "description": a.Description}
	}
	schema := map[string]any{"type": "object", "properties": props}
	if len(f.Required) > 0 {
		schema["required"] = f.Required
	}
	raw, _ := json.Marshal(schema)
	return ToolDefinition{Name: f.name, Description: f.description, Parameters: raw}
}

// Run exists to satisfy Agent; the scheduler never dispatches to a function.
func (f *Function) Run(context.Context, *Tracker, RunContext) (bool, []Event, error) {
	return false, nil, fmt.Errorf("function %q is not schedulable", f.name)
}

var _ Agent = (*Function)(nil)

// --- in-process registry ---

// ToolFunc is a Go-native tool implementation.
type ToolFunc func(ctx context.Context, args map[string]any) (any, error)

// Registry dispatches tool calls to registered Go functions.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]ToolFunc
}

func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]ToolFunc)}
}

// Register adds or replaces a function.
func (r *Registry) Register(name string, fn ToolFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
}

// Names returns the registered function names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for n := range r.funcs {
		names = append(names, n)
	}
	return names
}

func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (ToolResult, error) {
	r.mu.RLock()
	fn, ok := r.funcs[name]
	r.mu.RUnlock()
	if !ok {
		return ToolResult{Status: "error", Error: "unknown function: " + name},
			&ErrTool{Name: name, Message: "not registered"}
	}
	out, err := fn(ctx, args)
	if err != nil {
		return ToolResult{Status: "error", Error: err.Error()}, nil
	}
	return ToolResult{Status: "success", Output: out}, nil
}

var _ ToolExecutor = (*Registry)(nil)

// --- result protocol ---

// translateToolResult folds a tool outcome into events following the
// protocol described on ToolResult. Argument writes resolve against the
// calling scope so "agent.arg" paths reach other agents.
func translateToolResult(res ToolResult, fnName, scope string, tr *Tracker) []Event {
	if res.Status == "error" {
		return nil
	}
	switch out := res.Output.(type) {
	case nil:
		return nil
	case string:
		return []Event{NewBotUtter(out, fnName)}
	case []any:
		var events []Event
		for _, item := range out {
			events = append(events, translateToolItem(item, fnName, scope, tr)...)
		}
		return events
	default:
		return translateToolItem(out, fnName, scope, tr)
	}
}

func translateToolItem(item any, fnName, scope string, tr *Tracker) []Event {
	switch v := item.(type) {
	case string:
		return []Event{NewBotUtter(v, fnName)}
	case map[string]any:
		var events []Event
		slot, ok := v["arg"].(string)
		if !ok {
			slot, ok = v["slot_name"].(string)
		}
		if ok {
			agent, arg := SplitArgRef(slot, scope)
			tr.Update(NewSetSlot(arg, v["value"], agent))
		}
		text, ok := v["bot"].(string)
		if !ok {
			text, ok = v["text"].(string)
		}
		if ok {
			events = append(events, NewBotUtter(Interpolate(text, scope, tr), fnName))
		}
		if status, ok := v["status"].(string); ok {
			msg, _ := v["msg"].(string)
			if status == "success" || status == "complete" {
				done := NewAgentComplete(scope)
				if msg != "" {
					done.Metadata = map[string]any{"msg": msg}
				}
				events = append(events, done)
			} else {
				fail := NewAgentFail(scope)
				if msg != "" {
					fail.Metadata = map[string]any{"msg": msg}
				}
				events = append(events, fail)
			}
		}
		return events
	default:
		return nil
	}
}

// toolResultContent renders a tool outcome for a model tool-result message.
func toolResultContent(res ToolResult) string {
	if res.Status == "error" {
		return "error: " + res.Error
	}
	if res.Stdout != "" {
		return res.Stdout
	}
	raw, err := json.Marshal(res.Output)
	if err != nil {
		return fmt.Sprint(res.Output)
	}
	return string(raw)
}
