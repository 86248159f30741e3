package colloquy

import (
	"context"
	"strings"
	"testing"
)

func TestPrioritySchedulerEntrypointThenStack(t *testing.T) {
	// The entrypoint pushes a member; the member speaks and ends the turn.
	entry := &stubAgent{name: "main", fn: func(tr *Tracker) (bool, []Event, error) {
		return false, []Event{NewFollowUpAgent("greeter")}, nil
	}}
	greeter := &stubAgent{name: "greeter", fn: func(tr *Tracker) (bool, []Event, error) {
		return true, []Event{NewBotUtter("Hello there.", "greeter")}, nil
	}}
	bot := newTestBot(entry, greeter)

	responses, err := bot.HandleMessage(context.Background(), "alice", "hi")
	if err != nil {
		t.Fatal(err)
	}
	if len(responses) != 1 || responses[0] != "Hello there." {
		t.Errorf("responses = %v", responses)
	}
	tr, _ := bot.Tracker("alice")
	if got := tr.Stack(); len(got) != 1 || got[0] != "greeter" {
		t.Errorf("stack = %v, want [greeter]", got)
	}
}

func TestPrioritySchedulerInterpolatesResponses(t *testing.T) {
	entry := &stubAgent{name: "main", fn: func(tr *Tracker) (bool, []Event, error) {
		return false, []Event{NewFollowUpAgent("order")}, nil
	}}
	order := &stubAgent{name: "order", args: []string{"dish"}, fn: func(tr *Tracker) (bool, []Event, error) {
		tr.SetArg("order", "dish", "udon")
		return true, []Event{NewBotUtter("One ${dish} coming up.", "order")}, nil
	}}
	bot := newTestBot(entry, order)

	responses, err := bot.HandleMessage(context.Background(), "alice", "udon please")
	if err != nil {
		t.Fatal(err)
	}
	if len(responses) != 1 || responses[0] != "One udon coming up." {
		t.Errorf("responses = %v", responses)
	}
	// The log keeps the raw template.
	tr, _ := bot.Tracker("alice")
	var raw string
	for _, ev := range tr.Events {
		if u, ok := ev.(*BotUtter); ok {
			raw = u.Text
		}
	}
	if raw != "One ${dish} coming up." {
		t.Errorf("logged text = %q, want the template", raw)
	}
}

func TestPrioritySchedulerPopsFinishedAgents(t *testing.T) {
	entry := &stubAgent{name: "main", fn: func(tr *Tracker) (bool, []Event, error) {
		return false, []Event{NewFollowUpAgent("worker")}, nil
	}}
	worker := &stubAgent{name: "worker", fn: func(tr *Tracker) (bool, []Event, error) {
		return false, []Event{NewAgentComplete("worker")}, nil
	}}
	bot := newTestBot(entry, worker)

	responses, err := bot.HandleMessage(context.Background(), "alice", "go")
	if err != nil {
		t.Fatal(err)
	}
	if len(responses) != 0 {
		t.Errorf("responses = %v, want none", responses)
	}
	tr, _ := bot.Tracker("alice")
	if !tr.StackEmpty() {
		t.Errorf("stack = %v, want empty after completion", tr.Stack())
	}
}

func TestPrioritySchedulerDeliversCallResult(t *testing.T) {
	// A flow calls an agent; the callee completes and the flow resumes in
	// the same turn to speak its closing line.
	steps := []Step{
		&CallStep{stepBase: stepBase{"s1"}, Target: "order", Flow: "booking"},
		&BotStep{stepBase: stepBase{"s2"}, Text: "All wrapped up."},
		&ReturnStep{stepBase: stepBase{"s3"}, Result: "success"},
	}
	flow := NewFlowAgent("booking", "", steps, nil, nil, nil, nil)
	order := &stubAgent{name: "order", fn: func(tr *Tracker) (bool, []Event, error) {
		return false, []Event{
			NewBotUtter("Order placed.", "order"),
			NewAgentComplete("order"),
		}, nil
	}}
	entry := &stubAgent{name: "main", fn: func(tr *Tracker) (bool, []Event, error) {
		return false, []Event{NewFollowUpAgent("booking")}, nil
	}}
	bot := newTestBot(entry, flow, order)

	responses, err := bot.HandleMessage(context.Background(), "alice", "book it")
	if err != nil {
		t.Fatal(err)
	}
	want := "Order placed.|All wrapped up."
	if strings.Join(responses, "|") != want {
		t.Errorf("responses = %v, want %q", responses, want)
	}
}

func TestPrioritySchedulerDropsUnknownAgents(t *testing.T) {
	entry := &stubAgent{name: "main", fn: func(tr *Tracker) (bool, []Event, error) {
		return false, []Event{NewFollowUpAgent("helper"), NewFollowUpAgent("ghost")}, nil
	}}
	helper := &stubAgent{name: "helper", fn: func(tr *Tracker) (bool, []Event, error) {
		return true, []Event{NewBotUtter("still here", "helper")}, nil
	}}
	bot := newTestBot(entry, helper)

	responses, err := bot.HandleMessage(context.Background(), "alice", "hi")
	if err != nil {
		t.Fatal(err)
	}
	if len(responses) != 1 || responses[0] != "still here" {
		t.Errorf("responses = %v", responses)
	}
}

func TestPrioritySchedulerIterationCap(t *testing.T) {
	// Two agents that keep handing the turn to each other must trip the
	// handoff bound instead of spinning forever.
	ping := &stubAgent{name: "ping", fn: func(tr *Tracker) (bool, []Event, error) {
		return false, []Event{NewCurrentAgent("pong")}, nil
	}}
	pong := &stubAgent{name: "pong", fn: func(tr *Tracker) (bool, []Event, error) {
		return false, []Event{NewCurrentAgent("ping")}, nil
	}}
	entry := &stubAgent{name: "main", fn: func(tr *Tracker) (bool, []Event, error) {
		return false, []Event{NewFollowUpAgent("ping")}, nil
	}}
	bot := newTestBot(entry, ping, pong)

	if _, err := bot.HandleMessage(context.Background(), "alice", "go"); err == nil {
		t.Fatal("expected a handoff-cap error")
	}
}

func TestDispatcherSchedulerReentersEachTurn(t *testing.T) {
	provider := &mockProvider{name: "test", responses: []ChatResponse{
		{Content: "order"},
		{Content: "weather"},
	}}
	router := NewEnsembleAgent("main", "", []string{"order", "weather"}, nil, nil, provider, nil, nil)
	order := &stubAgent{name: "order", fn: func(tr *Tracker) (bool, []Event, error) {
		return true, []Event{NewBotUtter("order here", "order")}, nil
	}}
	weather := &stubAgent{name: "weather", fn: func(tr *Tracker) (bool, []Event, error) {
		return true, []Event{NewBotUtter("weather here", "weather")}, nil
	}}
	bot := newTestBot(router, order, weather)
	bot.scheduler = NewDispatcherScheduler()

	responses, err := bot.HandleMessage(context.Background(), "alice", "noodles")
	if err != nil {
		t.Fatal(err)
	}
	if len(responses) != 1 || responses[0] != "order here" {
		t.Fatalf("turn 1 = %v", responses)
	}
	tr, _ := bot.Tracker("alice")
	if got := tr.Stack(); len(got) != 1 || got[0] != "order" {
		t.Fatalf("stack after turn 1 = %v, want [order]", got)
	}

	// Next turn the router is consulted again and re-routes.
	responses, err = bot.HandleMessage(context.Background(), "alice", "will it rain")
	if err != nil {
		t.Fatal(err)
	}
	if len(responses) != 1 || responses[0] != "weather here" {
		t.Errorf("turn 2 = %v", responses)
	}
}

func TestApplyEventsCurrentAgentSwapsTop(t *testing.T) {
	tr := NewTracker("alice", "bot", nil, nil)
	tr.PushAgent(NewCurrentAgent("old"))
	var responses []string
	isEnd := false
	applyEvents([]Event{NewCurrentAgent("new")}, "old", nil, tr, &responses, &isEnd)
	if got := tr.Stack(); len(got) != 1 || got[0] != "new" {
		t.Errorf("stack = %v, want [new]", got)
	}
}

func TestApplyEventsJournalsSlotAndToolEvents(t *testing.T) {
	entry := &stubAgent{name: "main", args: []string{"dish"}, fn: func(tr *Tracker) (bool, []Event, error) {
		return true, []Event{
			NewSetSlot("dish", "udon", "main"),
			&FunctionCall{FunctionName: "check_weather", Args: map[string]any{"city": "Osaka"}},
		}, nil
	}}
	bot := newTestBot(entry)

	if _, err := bot.HandleMessage(context.Background(), "alice", "udon please"); err != nil {
		t.Fatal(err)
	}
	tr, _ := bot.Tracker("alice")

	var slots, calls int
	for _, ev := range tr.Events {
		switch ev.Kind() {
		case EventSetSlot:
			slots++
		case EventFunctionCall:
			calls++
		}
	}
	if slots != 1 || calls != 1 {
		t.Errorf("journaled slots = %d, calls = %d, want 1 and 1", slots, calls)
	}
	if v, _ := tr.GetArg("main", "dish"); v != "udon" {
		t.Errorf("dish = %v, want udon", v)
	}
}

func TestDeliverOutcomeSetsCallResult(t *testing.T) {
	tr := NewTracker("alice", "bot", nil, nil)
	entry := NewCurrentAgent("callee")
	entry.Metadata = map[string]any{"flow": "booking", "step": "s1"}

	isEnd := true
	deliverOutcome(entry, NewAgentComplete("callee"), tr, &isEnd)
	if isEnd {
		t.Error("a delivered outcome keeps the turn alive")
	}
	if _, ok := tr.Flow("booking").CallResult("s1"); !ok {
		t.Error("outcome not recorded at the call site")
	}

	// No return address: nothing to deliver.
	isEnd = true
	deliverOutcome(NewCurrentAgent("callee"), NewAgentComplete("callee"), tr, &isEnd)
	if !isEnd {
		t.Error("outcome without a return address must not keep the turn alive")
	}
}
