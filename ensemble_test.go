package colloquy

import (
	"context"
	"testing"
)

func ensembleRC(agents map[string]Agent) RunContext {
	return RunContext{Agents: agents, Tools: NewRegistry(), Logger: nopLogger}
}

func TestEnsembleRoutesToMember(t *testing.T) {
	provider := &mockProvider{name: "test", responses: []ChatResponse{
		{Content: "order"},
	}}
	a := NewEnsembleAgent("meta", "router", []string{"order", "weather"}, nil, nil, provider, nil, nil)
	agents := map[string]Agent{
		"order":   &stubAgent{name: "order", desc: "takes orders"},
		"weather": &stubAgent{name: "weather", desc: "forecasts"},
	}
	tr := newTestTracker("I want noodles", nil)

	isEnd, events, err := a.Run(context.Background(), tr, ensembleRC(agents))
	if err != nil {
		t.Fatal(err)
	}
	if isEnd {
		t.Error("a routed turn continues with the member")
	}
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
	fu, ok := events[0].(*FollowUpAgent)
	if !ok || fu.NextAgent != "order" {
		t.Errorf("events[0] = %v, want follow-up to order", events[0])
	}
}

func TestEnsembleMatchesMemberInsideReply(t *testing.T) {
	provider := &mockProvider{name: "test", responses: []ChatResponse{
		{Content: "I think the weather agent should handle this."},
	}}
	a := NewEnsembleAgent("meta", "", []string{"order", "weather"}, nil, nil, provider, nil, nil)
	agents := map[string]Agent{
		"order":   &stubAgent{name: "order"},
		"weather": &stubAgent{name: "weather"},
	}
	tr := newTestTracker("will it rain", nil)

	_, events, err := a.Run(context.Background(), tr, ensembleRC(agents))
	if err != nil {
		t.Fatal(err)
	}
	if fu, ok := events[0].(*FollowUpAgent); !ok || fu.NextAgent != "weather" {
		t.Errorf("events = %v, want follow-up to weather", events)
	}
}

func TestEnsembleFallbackOnFreshNone(t *testing.T) {
	provider := &mockProvider{name: "test", responses: []ChatResponse{
		{Content: "None"},
	}}
	fallback := NewDefaultFallbackAgent("I can't help with that.", nil)
	a := NewEnsembleAgent("meta", "", []string{"order"}, nil, nil, provider, fallback, nil)
	agents := map[string]Agent{"order": &stubAgent{name: "order"}}
	tr := newTestTracker("paint my house", nil)

	isEnd, events, err := a.Run(context.Background(), tr, ensembleRC(agents))
	if err != nil {
		t.Fatal(err)
	}
	if !isEnd {
		t.Error("fallback ends the turn")
	}
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
	if u := events[0].(*BotUtter); u.Text != "I can't help with that." {
		t.Errorf("Text = %q", u.Text)
	}
}

func TestEnsembleExitMidTurn(t *testing.T) {
	provider := &mockProvider{name: "test", responses: []ChatResponse{
		{Content: "None"},
	}}
	exit := NewDefaultExitAgent("", "See you!", nil)
	a := NewEnsembleAgent("meta", "", []string{"order"}, nil, nil, provider, nil, exit)
	agents := map[string]Agent{"order": &stubAgent{name: "order"}}

	// Mid-turn: the member already completed since the user spoke, so a
	// second None means the conversation wound down.
	tr := newTestTracker("thanks, done", nil)
	tr.Update(NewBotUtter("You're welcome.", "order"))

	isEnd, events, err := a.Run(context.Background(), tr, ensembleRC(agents))
	if err != nil {
		t.Fatal(err)
	}
	if !isEnd {
		t.Error("exit ends the turn")
	}
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
	if u := events[0].(*BotUtter); u.Text != "See you!" {
		t.Errorf("Text = %q, want See you!", u.Text)
	}
}

func TestEnsembleExitKeyword(t *testing.T) {
	provider := &mockProvider{name: "test", responses: []ChatResponse{
		{Content: "[Exit]"},
	}}
	exit := NewDefaultExitAgent("", "Goodbye now.", nil)
	a := NewEnsembleAgent("meta", "", []string{"order"}, nil, nil, provider, nil, exit)
	tr := newTestTracker("bye", nil)

	isEnd, events, err := a.Run(context.Background(), tr, ensembleRC(map[string]Agent{"order": &stubAgent{name: "order"}}))
	if err != nil {
		t.Fatal(err)
	}
	if !isEnd || len(events) != 1 {
		t.Fatalf("isEnd = %v, events = %v", isEnd, events)
	}
	if u := events[0].(*BotUtter); u.Text != "Goodbye now." {
		t.Errorf("Text = %q", u.Text)
	}
}

func TestEnsembleFAQAnswer(t *testing.T) {
	provider := &mockProvider{name: "test", responses: []ChatResponse{
		{Content: "[FAQ] We open at 9am."},
	}}
	a := NewEnsembleAgent("meta", "", []string{"order"}, nil, nil, provider, nil, nil)
	kb := &stubKnowledge{matches: []KBMatch{{Content: "Opening hours: 9am-5pm", Score: 0.9}}}
	agents := map[string]Agent{"order": &stubAgent{name: "order"}, "kb": kb}
	tr := newTestTracker("when do you open?", nil)

	isEnd, events, err := a.Run(context.Background(), tr, ensembleRC(agents))
	if err != nil {
		t.Fatal(err)
	}
	if !isEnd || len(events) != 1 {
		t.Fatalf("isEnd = %v, events = %v", isEnd, events)
	}
	if u := events[0].(*BotUtter); u.Text != "We open at 9am." {
		t.Errorf("Text = %q, want trimmed FAQ answer", u.Text)
	}
	if !kb.queried {
		t.Error("knowledge source not consulted on a fresh turn")
	}
}

func TestEnsembleExcludesDoneMembers(t *testing.T) {
	// "order" failed since the latest message; only "weather" is on the
	// ballot, and the model's reply mentioning order must not match.
	provider := &mockProvider{name: "test", responses: []ChatResponse{
		{Content: "weather"},
	}}
	a := NewEnsembleAgent("meta", "", []string{"order", "weather"}, nil, nil, provider, nil, nil)
	agents := map[string]Agent{
		"order":   &stubAgent{name: "order"},
		"weather": &stubAgent{name: "weather"},
	}
	tr := newTestTracker("hmm", nil)
	tr.Update(NewAgentFail("order"))

	_, events, err := a.Run(context.Background(), tr, ensembleRC(agents))
	if err != nil {
		t.Fatal(err)
	}
	if fu, ok := events[0].(*FollowUpAgent); !ok || fu.NextAgent != "weather" {
		t.Errorf("events = %v, want follow-up to weather", events)
	}
}

func TestEnsembleEmptyBallotSkipsModel(t *testing.T) {
	// Every member is done; the model must not be consulted (a nil
	// provider would panic) and the exit agent closes the turn.
	exit := NewDefaultExitAgent("", "Bye.", nil)
	a := NewEnsembleAgent("meta", "", []string{"order"}, nil, nil, nil, nil, exit)
	tr := newTestTracker("ok", nil)
	tr.Update(NewAgentComplete("order"))

	isEnd, events, err := a.Run(context.Background(), tr, ensembleRC(map[string]Agent{"order": &stubAgent{name: "order"}}))
	if err != nil {
		t.Fatal(err)
	}
	if !isEnd || len(events) != 1 {
		t.Fatalf("isEnd = %v, events = %v", isEnd, events)
	}
	if u := events[0].(*BotUtter); u.Text != "Bye." {
		t.Errorf("Text = %q", u.Text)
	}
}

func TestEnsembleInitSteps(t *testing.T) {
	steps := []Step{
		&BotStep{stepBase: stepBase{"s1"}, Text: "Welcome to the shop!"},
	}
	a := NewEnsembleAgent("meta", "", []string{"order"}, steps, nil, nil, nil, nil)
	tr := newTestTracker(InitMessage, nil)

	isEnd, events, err := a.Run(context.Background(), tr, ensembleRC(map[string]Agent{"order": &stubAgent{name: "order"}}))
	if err != nil {
		t.Fatal(err)
	}
	if !isEnd {
		t.Error("greeting turn should end after the init steps")
	}
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
	if u := events[0].(*BotUtter); u.Text != "Welcome to the shop!" {
		t.Errorf("Text = %q", u.Text)
	}
}

func TestMatchMember(t *testing.T) {
	a := NewEnsembleAgent("meta", "", []string{"order", "weather"}, nil, nil, nil, nil, nil)
	candidates := []string{"order", "weather"}
	tests := []struct {
		reply string
		want  string
	}{
		{"order", "order"},
		{"  weather  ", "weather"},
		{"pick the order agent", "order"},
		{"None", ""},
		{"None of them, maybe order", ""},
		{"something unrelated", ""},
	}
	for _, tt := range tests {
		if got := a.matchMember(tt.reply, candidates); got != tt.want {
			t.Errorf("matchMember(%q) = %q, want %q", tt.reply, got, tt.want)
		}
	}
}

// stubKnowledge is a knowledgeSource that records being queried.
type stubKnowledge struct {
	stubAgent
	matches []KBMatch
	queried bool
}

func (s *stubKnowledge) Name() string { return "kb" }
func (s *stubKnowledge) Query(_ context.Context, _ *Tracker) ([]KBMatch, error) {
	s.queried = true
	return s.matches, nil
}
