package colloquy

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

type markerPre struct {
	tag string
	log *[]string
}

func (m *markerPre) PreLLM(_ context.Context, req *ChatRequest) error {
	*m.log = append(*m.log, "pre:"+m.tag)
	req.Messages = append(req.Messages, SystemMessage("marker "+m.tag))
	return nil
}

type markerPost struct {
	tag string
	log *[]string
}

func (m *markerPost) PostLLM(_ context.Context, resp *ChatResponse) error {
	*m.log = append(*m.log, "post:"+m.tag)
	resp.Content += " [" + m.tag + "]"
	return nil
}

type markerPostTool struct {
	log *[]string
}

func (m *markerPostTool) PostTool(_ context.Context, call ToolCall, result *ToolResult) error {
	*m.log = append(*m.log, "tool:"+call.Name)
	return nil
}

func TestProcessorChainAddPanicsOnStranger(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Add must panic for a value with no processor interface")
		}
	}()
	NewProcessorChain().Add(struct{}{})
}

func TestProcessorChainPhases(t *testing.T) {
	var log []string
	chain := NewProcessorChain()
	chain.Add(&markerPre{tag: "a", log: &log})
	chain.Add(&markerPost{tag: "b", log: &log})
	chain.Add(&markerPre{tag: "c", log: &log})
	chain.Add(&markerPostTool{log: &log})
	if chain.Len() != 4 {
		t.Fatalf("Len() = %d, want 4", chain.Len())
	}

	req := &ChatRequest{}
	if err := chain.RunPreLLM(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	resp := &ChatResponse{Content: "hi"}
	if err := chain.RunPostLLM(context.Background(), resp); err != nil {
		t.Fatal(err)
	}
	if err := chain.RunPostTool(context.Background(), ToolCall{Name: "f"}, &ToolResult{}); err != nil {
		t.Fatal(err)
	}

	want := "pre:a,pre:c,post:b,tool:f"
	if got := fmt.Sprint(log); got != fmt.Sprint([]string{"pre:a", "pre:c", "post:b", "tool:f"}) {
		t.Errorf("log = %v, want order %s", log, want)
	}
	if len(req.Messages) != 2 {
		t.Errorf("pre hooks should have appended 2 messages, got %d", len(req.Messages))
	}
	if resp.Content != "hi [b]" {
		t.Errorf("Content = %q", resp.Content)
	}
}

type haltingPre struct{ after string }

func (h *haltingPre) PreLLM(context.Context, *ChatRequest) error {
	return &ErrHalt{Response: h.after}
}

func TestProcessorChainStopsOnError(t *testing.T) {
	var log []string
	chain := NewProcessorChain()
	chain.Add(&haltingPre{after: "Blocked."})
	chain.Add(&markerPre{tag: "never", log: &log})

	err := chain.RunPreLLM(context.Background(), &ChatRequest{})
	if err == nil {
		t.Fatal("expected the halt error")
	}
	var halt *ErrHalt
	if !errors.As(err, &halt) || halt.Response != "Blocked." {
		t.Errorf("err = %v, want ErrHalt with Blocked.", err)
	}
	if len(log) != 0 {
		t.Errorf("later processors ran after the halt: %v", log)
	}
}

func TestAsHalt(t *testing.T) {
	halt := &ErrHalt{Response: "no"}
	if got := asHalt(fmt.Errorf("wrapped: %w", halt)); got == nil || got.Response != "no" {
		t.Errorf("asHalt(wrapped) = %v", got)
	}
	if asHalt(errors.New("plain")) != nil {
		t.Error("asHalt(plain) should be nil")
	}
	if asHalt(nil) != nil {
		t.Error("asHalt(nil) should be nil")
	}
}
