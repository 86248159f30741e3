package colloquy

import (
	"fmt"
	"log/slog"
	"strings"
)

// Reserved top-level keys in the argument store. argUserInput resolves to
// the latest user message's text from any scope.
const (
	argSender    = "sender"
	argBotName   = "bot_name"
	argUserInput = "_user_input"
)

// argBinding links a callee's argument to its caller's. Ref bindings read
// and write through to the owning agent; value bindings were copied at call
// time and need no record here.
type argBinding struct {
	Agent string
	Arg   string
}

// Tracker holds all mutable state for one conversation session: the event
// log, the argument store, the agent stack, per-agent private model
// histories, and per-flow-agent interpreter scratch.
//
// A Tracker is not safe for concurrent mutation; Bot serializes turns per
// sender, which is the only writer.
type Tracker struct {
	Sender        string
	BotName       string
	Events        []Event
	LatestMessage *UserInput

	args     map[string]map[string]any
	mapping  map[string]map[string]argBinding
	globals  map[string]bool
	globalVa map[string]any

	stack     []*CurrentAgent
	histories map[string][]ChatMessage
	lastTouch map[string]int64 // agent -> seq of its last private-history append
	flows     map[string]*FlowInfo

	logger *slog.Logger
	seq    int64
}

// NewTracker creates a session tracker. argsTemplate maps each agent to its
// declared argument names (values nil); globals lists ensemble-declared
// arguments readable from any scope.
func NewTracker(sender, botName string, argsTemplate map[string][]string, globals []string) *Tracker {
	t := &Tracker{
		Sender:    sender,
		BotName:   botName,
		args:      make(map[string]map[string]any),
		mapping:   make(map[string]map[string]argBinding),
		globals:   make(map[string]bool),
		globalVa:  make(map[string]any),
		histories: make(map[string][]ChatMessage),
		lastTouch: make(map[string]int64),
		flows:     make(map[string]*FlowInfo),
	}
	for agent, names := range argsTemplate {
		m := make(map[string]any, len(names))
		for _, n := range names {
			m[n] = nil
		}
		t.args[agent] = m
	}
	for _, g := range globals {
		t.globals[g] = true
	}
	return t
}

// SetLogger directs tracker diagnostics. Nil restores the discard logger.
func (t *Tracker) SetLogger(l *slog.Logger) {
	t.logger = l
}

func (t *Tracker) log() *slog.Logger {
	if t.logger == nil {
		return nopLogger
	}
	return t.logger
}

// Update stamps ev with the next sequence number and appends it to the log.
// UserInput becomes the latest message; SetSlot writes through to the
// argument store on behalf of its provider.
func (t *Tracker) Update(ev Event) {
	t.seq++
	ev.stamp(NowUnixMilli(), t.seq)
	t.Events = append(t.Events, ev)
	switch e := ev.(type) {
	case *UserInput:
		t.LatestMessage = e
	case *SetSlot:
		if !t.SetArg(e.Provider, e.SlotName, e.Value) {
			t.log().Warn("dropped write to undeclared argument", "agent", e.Provider, "arg", e.SlotName)
		}
	}
}

// --- argument store ---

// GetArg resolves an argument in an agent's scope, following ref bindings
// to the owning agent. Reserved names and ensemble globals resolve from any
// scope. The second result reports whether the argument exists at all.
func (t *Tracker) GetArg(agent, arg string) (any, bool) {
	return t.getArg(agent, arg, 0)
}

func (t *Tracker) getArg(agent, arg string, depth int) (any, bool) {
	if depth > len(t.mapping)+2 { // binding cycle; treat as unset
		return nil, false
	}
	switch arg {
	case argSender:
		return t.Sender, true
	case argBotName:
		return t.BotName, true
	case argUserInput:
		if t.LatestMessage == nil {
			return "", true
		}
		return t.LatestMessage.Text, true
	}
	if b, ok := t.mapping[agent][arg]; ok {
		return t.getArg(b.Agent, b.Arg, depth+1)
	}
	if m, ok := t.args[agent]; ok {
		if v, ok := m[arg]; ok {
			return v, true
		}
	}
	if t.globals[arg] {
		if v, ok := t.globalVa[arg]; ok {
			return v, true
		}
		return nil, true
	}
	return nil, false
}

// SetArg writes an argument in an agent's scope, following ref bindings.
// Unknown names are rejected unless they start with "_" (internal scratch)
// or are declared global. Returns whether the write landed.
func (t *Tracker) SetArg(agent, arg string, value any) bool {
	return t.setArg(agent, arg, value, 0)
}

func (t *Tracker) setArg(agent, arg string, value any, depth int) bool {
	if depth > len(t.mapping)+2 {
		return false
	}
	if b, ok := t.mapping[agent][arg]; ok {
		return t.setArg(b.Agent, b.Arg, value, depth+1)
	}
	m, ok := t.args[agent]
	if ok {
		if _, declared := m[arg]; declared {
			m[arg] = value
			return true
		}
	}
	if t.globals[arg] {
		t.globalVa[arg] = value
		return true
	}
	if strings.HasPrefix(arg, "_") {
		if m == nil {
			m = make(map[string]any)
			t.args[agent] = m
		}
		m[arg] = value
		return true
	}
	return false
}

// BindRef links callee.arg to src.srcArg so reads and writes pass through.
func (t *Tracker) BindRef(callee, arg, src, srcArg string) {
	if t.mapping[callee] == nil {
		t.mapping[callee] = make(map[string]argBinding)
	}
	t.mapping[callee][arg] = argBinding{Agent: src, Arg: srcArg}
}

// Args returns a copy of an agent's argument map (bindings resolved).
func (t *Tracker) Args(agent string) map[string]any {
	out := make(map[string]any)
	for name := range t.args[agent] {
		v, _ := t.GetArg(agent, name)
		out[name] = v
	}
	for name := range t.mapping[agent] {
		if _, ok := out[name]; !ok {
			v, _ := t.GetArg(agent, name)
			out[name] = v
		}
	}
	return out
}

// AgentNames returns every agent with declared arguments, for prompt
// snapshots.
func (t *Tracker) AgentNames() []string {
	names := make([]string, 0, len(t.args))
	for n := range t.args {
		names = append(names, n)
	}
	return names
}

// --- agent stack ---

// PushAgent puts an activation entry on top of the stack. A duplicate of
// the same agent moves to the top, keeping its new metadata — the entry's
// metadata is the caller's return address when the agent was invoked by a
// call step.
func (t *Tracker) PushAgent(entry *CurrentAgent) {
	for i, e := range t.stack {
		if e.Agent == entry.Agent {
			t.stack = append(t.stack[:i], t.stack[i+1:]...)
			break
		}
	}
	t.stack = append(t.stack, entry)
}

// PopAgent removes and returns the top entry, or nil when empty.
func (t *Tracker) PopAgent() *CurrentAgent {
	if len(t.stack) == 0 {
		return nil
	}
	top := t.stack[len(t.stack)-1]
	t.stack = t.stack[:len(t.stack)-1]
	return top
}

// PeekAgent returns the top entry without removing it.
func (t *Tracker) PeekAgent() *CurrentAgent {
	if len(t.stack) == 0 {
		return nil
	}
	return t.stack[len(t.stack)-1]
}

// StackEmpty reports whether no agent is active.
func (t *Tracker) StackEmpty() bool { return len(t.stack) == 0 }

// Stack returns the active agent names, bottom first.
func (t *Tracker) Stack() []string {
	out := make([]string, len(t.stack))
	for i, e := range t.stack {
		out[i] = e.Agent
	}
	return out
}

// --- conversation history ---

// HistoryString renders the shared conversation for prompts: user lines,
// bot lines attributed to their agent, and a marker for failed agents.
func (t *Tracker) HistoryString() string {
	var b strings.Builder
	for _, ev := range t.Events {
		switch e := ev.(type) {
		case *UserInput:
			if !e.IsInit() {
				fmt.Fprintf(&b, "User: %s\n", e.Text)
			}
		case *BotUtter:
			name := e.Provider
			if name == "" {
				name = "Bot"
			}
			fmt.Fprintf(&b, "%s: %s\n", name, e.Text)
		case *AgentFail:
			fmt.Fprintf(&b, "<agent '%s' failed to respond.>\n", e.Provider)
		}
	}
	return b.String()
}

// HasBotResponseAfterUserInput reports whether any utterance followed the
// latest user message. A user step only yields the turn once the bot has
// said something since the user last spoke.
func (t *Tracker) HasBotResponseAfterUserInput() bool {
	if t.LatestMessage == nil {
		return false
	}
	for _, ev := range t.Events {
		if ev.Seq() <= t.LatestMessage.Seq() {
			continue
		}
		if _, ok := ev.(*BotUtter); ok {
			return true
		}
	}
	return false
}

// PrivateHistory returns an agent's private model history.
func (t *Tracker) PrivateHistory(agent string) []ChatMessage {
	return t.histories[agent]
}

// AppendPrivate adds a message to an agent's private history.
func (t *Tracker) AppendPrivate(agent string, msg ChatMessage) {
	t.histories[agent] = append(t.histories[agent], msg)
	t.lastTouch[agent] = t.seq
}

// ClearHistory drops an agent's private history, typically after it
// completes so a later invocation starts fresh.
func (t *Tracker) ClearHistory(agent string) {
	delete(t.histories, agent)
	delete(t.lastTouch, agent)
}

// WasInterrupted reports whether another agent spoke after this agent's
// last private exchange and before the latest user message — i.e. the user
// wandered off mid-dialogue and has now returned.
func (t *Tracker) WasInterrupted(agent string) bool {
	last, ok := t.lastTouch[agent]
	if !ok || t.LatestMessage == nil {
		return false
	}
	for _, ev := range t.Events {
		if ev.Seq() <= last || ev.Seq() >= t.LatestMessage.Seq() {
			continue
		}
		if u, ok := ev.(*BotUtter); ok && u.Provider != agent {
			return true
		}
	}
	return false
}

// --- flow interpreter scratch ---

// Flow returns the interpreter scratch for a flow agent, creating it on
// first use.
func (t *Tracker) Flow(agent string) *FlowInfo {
	f, ok := t.flows[agent]
	if !ok {
		f = newFlowInfo()
		t.flows[agent] = f
	}
	return f
}

// RemoveFlow discards a flow agent's scratch after it terminates.
func (t *Tracker) RemoveFlow(agent string) {
	delete(t.flows, agent)
}

// FlowInfo is the per-flow-agent interpreter scratch: a stack of execution
// paths, per-step retry counters, the turn-end latch, and call-site state.
type FlowInfo struct {
	paths    [][]string
	counters map[string]int
	// IsListen latches true when a user step decides the turn should end
	// and the flow should wait for the next message.
	IsListen bool

	lastExtract int64
	callResults map[string]Event
}

func newFlowInfo() *FlowInfo {
	return &FlowInfo{
		counters:    make(map[string]int),
		callResults: make(map[string]Event),
	}
}

// Push puts an execution path on top of the runtime stack.
func (f *FlowInfo) Push(path []string) {
	f.paths = append(f.paths, path)
}

// Pop removes and returns the top path.
func (f *FlowInfo) Pop() []string {
	if len(f.paths) == 0 {
		return nil
	}
	top := f.paths[len(f.paths)-1]
	f.paths = f.paths[:len(f.paths)-1]
	return top
}

// Peek returns the top path without removing it.
func (f *FlowInfo) Peek() []string {
	if len(f.paths) == 0 {
		return nil
	}
	return f.paths[len(f.paths)-1]
}

// Clear empties the runtime stack (label jumps restart from a clean stack).
func (f *FlowInfo) Clear() { f.paths = nil }

// Empty reports whether no path is active.
func (f *FlowInfo) Empty() bool { return len(f.paths) == 0 }

// Count returns how many times a step has been attempted.
func (f *FlowInfo) Count(stepID string) int { return f.counters[stepID] }

// Incr records one attempt of a step.
func (f *FlowInfo) Incr(stepID string) { f.counters[stepID]++ }

// HasExtractedFor reports whether slot extraction already ran for msg, and
// marks it as done either way. One extraction per user message.
func (f *FlowInfo) HasExtractedFor(msg *UserInput) bool {
	if msg == nil {
		return true
	}
	if f.lastExtract >= msg.Seq() {
		return true
	}
	f.lastExtract = msg.Seq()
	return false
}

// SetCallResult records a callee's outcome for the call step that spawned it.
func (f *FlowInfo) SetCallResult(stepID string, outcome Event) {
	f.callResults[stepID] = outcome
}

// CallResult returns and consumes the recorded outcome for a call step.
func (f *FlowInfo) CallResult(stepID string) (Event, bool) {
	ev, ok := f.callResults[stepID]
	if ok {
		delete(f.callResults, stepID)
	}
	return ev, ok
}
