package colloquy

import (
	"context"
	"sync"
)

// mockProvider is a test Provider that returns canned responses.
type mockProvider struct {
	name      string
	responses []ChatResponse // popped in order
	idx       int
	requests  []ChatRequest // every request seen, in order
}

func (m *mockProvider) Name() string { return m.name }
func (m *mockProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	m.requests = append(m.requests, req)
	return m.next(), nil
}
func (m *mockProvider) ChatWithTools(ctx context.Context, req ChatRequest, tools []ToolDefinition) (ChatResponse, error) {
	m.requests = append(m.requests, req)
	return m.next(), nil
}
func (m *mockProvider) next() ChatResponse {
	if m.idx >= len(m.responses) {
		return ChatResponse{Content: "exhausted"}
	}
	resp := m.responses[m.idx]
	m.idx++
	return resp
}

// stubAgent is a minimal Agent for testing.
type stubAgent struct {
	name string
	desc string
	args []string
	fn   func(tr *Tracker) (bool, []Event, error)
}

func (s *stubAgent) Name() string        { return s.name }
func (s *stubAgent) Description() string { return s.desc }
func (s *stubAgent) ArgNames() []string  { return s.args }
func (s *stubAgent) Run(ctx context.Context, tr *Tracker, rc RunContext) (bool, []Event, error) {
	if s.fn == nil {
		return true, nil, nil
	}
	return s.fn(tr)
}

// stubEmbedder embeds each text as a fixed per-text vector.
type stubEmbedder struct {
	vectors map[string][]float32
	dims    int
}

func (e *stubEmbedder) Name() string    { return "stub" }
func (e *stubEmbedder) Dimensions() int { return e.dims }
func (e *stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if v, ok := e.vectors[t]; ok {
			out[i] = v
		} else {
			out[i] = make([]float32, e.dims)
		}
	}
	return out, nil
}

// newTestBot wires stub agents into a Bot without going through a
// definition, so scheduler behavior can be tested in isolation.
func newTestBot(entrypoint Agent, agents ...Agent) *Bot {
	b := &Bot{
		name:         "testbot",
		agents:       map[string]Agent{entrypoint.Name(): entrypoint},
		entrypoint:   entrypoint,
		scheduler:    NewPriorityScheduler(),
		store:        NewMemoryTrackerStore(),
		tools:        NewRegistry(),
		logger:       nopLogger,
		argsTemplate: map[string][]string{},
		turns:        make(map[string]*sync.Mutex),
	}
	for _, a := range agents {
		b.agents[a.Name()] = a
	}
	for name, a := range b.agents {
		b.argsTemplate[name] = a.ArgNames()
	}
	return b
}

// newTestTracker creates a tracker with a user message already applied.
func newTestTracker(text string, argsTemplate map[string][]string) *Tracker {
	tr := NewTracker("alice", "testbot", argsTemplate, nil)
	if text != "" {
		tr.Update(NewUserInput(text))
	}
	return tr
}
