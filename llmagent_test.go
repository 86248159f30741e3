package colloquy

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestParseAgentReply(t *testing.T) {
	tests := []struct {
		in         string
		wantBot    string
		wantStatus string
	}{
		{`{"bot": "hi", "status": "running"}`, "hi", "running"},
		{"Sure: {\"bot\": \"hi\", \"status\": \"complete\"} done", "hi", "complete"},
		// Plain text falls back to a bare reply.
		{"just words", "just words", ""},
		{"", "", ""},
	}
	for _, tt := range tests {
		reply := parseAgentReply(tt.in)
		bot, _ := reply["bot"].(string)
		status, _ := reply["status"].(string)
		if bot != tt.wantBot || status != tt.wantStatus {
			t.Errorf("parseAgentReply(%q) = %q/%q, want %q/%q", tt.in, bot, status, tt.wantBot, tt.wantStatus)
		}
	}
}

func llmRC(agents map[string]Agent, tools ToolExecutor) RunContext {
	if agents == nil {
		agents = map[string]Agent{}
	}
	return RunContext{Agents: agents, Tools: tools, Logger: nopLogger}
}

func TestLLMAgentRunning(t *testing.T) {
	provider := &mockProvider{name: "test", responses: []ChatResponse{
		{Content: `{"bot": "What size?", "status": "running"}`},
	}}
	a := NewLLMAgent("order", "takes orders", "Take the order.", nil, nil, provider, nil)
	tr := newTestTracker("a pizza please", nil)

	isEnd, events, err := a.Run(context.Background(), tr, llmRC(nil, nil))
	if err != nil {
		t.Fatal(err)
	}
	if !isEnd {
		t.Error("running status should end the turn")
	}
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
	utter := events[0].(*BotUtter)
	if utter.Text != "What size?" {
		t.Errorf("Text = %q, want %q", utter.Text, "What size?")
	}
	if utter.Additional == nil {
		t.Error("Additional should keep the raw model payload")
	}
	// Both sides of the exchange land in the private history.
	history := tr.PrivateHistory("order")
	if len(history) != 2 {
		t.Fatalf("len(PrivateHistory) = %d, want 2", len(history))
	}
	if history[0].Role != "user" || history[1].Role != "assistant" {
		t.Errorf("history roles = %q, %q", history[0].Role, history[1].Role)
	}
}

func TestLLMAgentQuit(t *testing.T) {
	provider := &mockProvider{name: "test", responses: []ChatResponse{
		{Content: `{"bot": "", "status": "quit"}`},
	}}
	a := NewLLMAgent("order", "", "Take the order.", nil, nil, provider, nil)
	tr := newTestTracker("what's the weather", nil)

	isEnd, events, err := a.Run(context.Background(), tr, llmRC(nil, nil))
	if err != nil {
		t.Fatal(err)
	}
	if isEnd {
		t.Error("quit must hand the turn back to the scheduler")
	}
	if len(events) != 1 || events[0].Kind() != EventAgentFail {
		t.Errorf("events = %v, want one AgentFail", events)
	}
}

func TestLLMAgentComplete(t *testing.T) {
	provider := &mockProvider{name: "test", responses: []ChatResponse{
		{Content: `{"bot": "All set!", "status": "complete", "data": {"dish": "ramen"}}`},
	}}
	a := NewLLMAgent("order", "", "Take the order.", []string{"dish"}, nil, provider, nil)
	tr := newTestTracker("one ramen", map[string][]string{"order": {"dish"}})

	isEnd, events, err := a.Run(context.Background(), tr, llmRC(nil, nil))
	if err != nil {
		t.Fatal(err)
	}
	if isEnd {
		t.Error("complete must hand the turn back")
	}
	var kinds []string
	for _, ev := range events {
		kinds = append(kinds, string(ev.Kind()))
	}
	want := "set_slot,bot_utter,agent_complete"
	if strings.Join(kinds, ",") != want {
		t.Errorf("event kinds = %v, want %s", kinds, want)
	}
	if v, _ := tr.GetArg("order", "dish"); v != "ramen" {
		t.Errorf("dish = %v, want ramen", v)
	}
	if len(tr.PrivateHistory("order")) != 0 {
		t.Error("complete should clear the private history")
	}
}

func TestLLMAgentToolCalls(t *testing.T) {
	provider := &mockProvider{name: "test", responses: []ChatResponse{
		{ToolCalls: []ToolCall{{ID: "c1", Name: "check_weather", Args: json.RawMessage(`{"city":"Osaka"}`)}}},
		{Content: `{"bot": "Sunny in Osaka.", "status": "running"}`},
	}}
	reg := NewRegistry()
	var gotCity any
	reg.Register("check_weather", func(_ context.Context, args map[string]any) (any, error) {
		gotCity = args["city"]
		return map[string]any{"forecast": "sunny"}, nil
	})
	fn := NewFunction("check_weather", "weather lookup", []FunctionArg{{Name: "city"}}, nil)
	a := NewLLMAgent("helper", "", "Help.", nil, []string{"check_weather"}, provider, nil)
	tr := newTestTracker("weather in Osaka?", nil)

	isEnd, events, err := a.Run(context.Background(), tr, llmRC(map[string]Agent{"check_weather": fn}, reg))
	if err != nil {
		t.Fatal(err)
	}
	if !isEnd {
		t.Error("final running reply should end the turn")
	}
	if gotCity != "Osaka" {
		t.Errorf("tool arg = %v, want Osaka", gotCity)
	}
	var texts []string
	for _, ev := range events {
		if u, ok := ev.(*BotUtter); ok {
			texts = append(texts, u.Text)
		}
	}
	if len(texts) != 1 || texts[0] != "Sunny in Osaka." {
		t.Errorf("texts = %v", texts)
	}
	// The tool exchange is recorded for the follow-up request.
	var sawToolMsg bool
	for _, msg := range tr.PrivateHistory("helper") {
		if msg.Role == "tool" && msg.ToolCallID == "c1" {
			sawToolMsg = true
		}
	}
	if !sawToolMsg {
		t.Error("tool result missing from the private history")
	}
}

func TestLLMAgentToolRoundLimit(t *testing.T) {
	// A model that never stops calling tools must hit the round cap.
	var responses []ChatResponse
	for i := 0; i < maxToolRounds+2; i++ {
		responses = append(responses, ChatResponse{
			ToolCalls: []ToolCall{{ID: "c", Name: "noop", Args: json.RawMessage(`{}`)}},
		})
	}
	provider := &mockProvider{name: "test", responses: responses}
	reg := NewRegistry()
	reg.Register("noop", func(context.Context, map[string]any) (any, error) { return "ok", nil })

	a := NewLLMAgent("helper", "", "Help.", nil, nil, provider, nil)
	tr := newTestTracker("go", nil)
	_, _, err := a.Run(context.Background(), tr, llmRC(nil, reg))
	if err == nil {
		t.Fatal("expected tool round limit error")
	}
	var tErr *ErrTool
	if !errors.As(err, &tErr) {
		t.Fatalf("err = %T, want *ErrTool", err)
	}
}

func TestLLMAgentInterruptionPrefix(t *testing.T) {
	tr := newTestTracker("", nil)
	tr.Update(NewUserInput("book a taxi"))
	tr.AppendPrivate("taxi", UserMessage("book a taxi"))
	tr.AppendPrivate("taxi", AssistantMessage(`{"bot": "Where to?", "status": "running"}`))
	tr.Update(NewBotUtter("Where to?", "taxi"))

	// A detour through another agent, then the user returns.
	tr.Update(NewUserInput("what's the weather"))
	tr.Update(NewBotUtter("Sunny.", "weather"))
	tr.Update(NewUserInput("ok, Kyoto station"))

	provider := &mockProvider{name: "test", responses: []ChatResponse{
		{Content: `{"bot": "Got it.", "status": "running"}`},
	}}
	a := NewLLMAgent("taxi", "", "Book taxis.", nil, nil, provider, nil)
	if _, _, err := a.Run(context.Background(), tr, llmRC(nil, nil)); err != nil {
		t.Fatal(err)
	}

	req := provider.requests[0]
	last := req.Messages[len(req.Messages)-1]
	if !strings.HasPrefix(last.Content, "(Asked something else before and have now returned here) ") {
		t.Errorf("latest message not flagged as a return: %q", last.Content)
	}
}

func TestLLMAgentProcessorHalt(t *testing.T) {
	chain := NewProcessorChain()
	chain.Add(haltPre{response: "Blocked."})
	provider := &mockProvider{name: "test"}
	a := NewLLMAgent("order", "", "Take the order.", nil, nil, provider, chain)
	tr := newTestTracker("hi", nil)

	isEnd, events, err := a.Run(context.Background(), tr, llmRC(nil, nil))
	if err != nil {
		t.Fatal(err)
	}
	if !isEnd {
		t.Error("halt should end the turn")
	}
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
	if u := events[0].(*BotUtter); u.Text != "Blocked." {
		t.Errorf("Text = %q, want Blocked.", u.Text)
	}
	if len(provider.requests) != 0 {
		t.Error("halted run must not reach the model")
	}
}

type haltPre struct{ response string }

func (h haltPre) PreLLM(context.Context, *ChatRequest) error {
	return &ErrHalt{Response: h.response}
}
