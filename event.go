package colloquy

import (
	"encoding/json"
	"fmt"
)

// EventKind discriminates event records in logs and stores.
type EventKind string

const (
	EventUserInput     EventKind = "user_input"
	EventBotUtter      EventKind = "bot_utter"
	EventSetSlot       EventKind = "set_slot"
	EventAgentComplete EventKind = "agent_complete"
	EventAgentFail     EventKind = "agent_fail"
	EventFollowUp      EventKind = "follow_up_agent"
	EventCurrentAgent  EventKind = "current_agent"
	EventFunctionCall  EventKind = "function_call"
)

// Reserved user inputs. InitMessage bootstraps the greeting turn before the
// user has said anything; ClickPrefix carries a button press payload.
const (
	InitMessage = "/init"
	ClickPrefix = "/click:"
)

// Event is one record in a session's append-only log. At and Seq are
// assigned by Tracker.Update; Seq gives a total order even when two events
// land in the same millisecond.
type Event interface {
	Kind() EventKind
	At() int64
	Seq() int64
	stamp(at, seq int64)
}

type eventMeta struct {
	TS  int64 `json:"at"`
	Num int64 `json:"seq"`
}

func (m *eventMeta) At() int64            { return m.TS }
func (m *eventMeta) Seq() int64           { return m.Num }
func (m *eventMeta) stamp(at, seq int64)  { m.TS, m.Num = at, seq }

// UserInput is an inbound user message.
type UserInput struct {
	eventMeta
	Text     string `json:"text"`
	Metadata any    `json:"metadata,omitempty"`
}

func NewUserInput(text string) *UserInput  { return &UserInput{Text: text} }
func (*UserInput) Kind() EventKind         { return EventUserInput }

// IsInit reports whether this is the reserved greeting bootstrap message.
func (u *UserInput) IsInit() bool { return u.Text == InitMessage }

// BotUtter is an outbound utterance. Provider names the emitting agent;
// Additional carries the raw model payload when the text came from an LLM.
type BotUtter struct {
	eventMeta
	Text       string `json:"text"`
	Additional any    `json:"additional,omitempty"`
	Provider   string `json:"provider,omitempty"`
}

func NewBotUtter(text, provider string) *BotUtter {
	return &BotUtter{Text: text, Provider: provider}
}
func (*BotUtter) Kind() EventKind { return EventBotUtter }

// SetSlot records an argument update made on behalf of Provider.
type SetSlot struct {
	eventMeta
	SlotName string `json:"slot_name"`
	Value    any    `json:"value"`
	Provider string `json:"provider,omitempty"`
}

func NewSetSlot(name string, value any, provider string) *SetSlot {
	return &SetSlot{SlotName: name, Value: value, Provider: provider}
}
func (*SetSlot) Kind() EventKind { return EventSetSlot }

// AgentComplete marks an agent as finished successfully. Metadata may carry
// a calling flow's return address or KB matches.
type AgentComplete struct {
	eventMeta
	Provider string         `json:"provider"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func NewAgentComplete(provider string) *AgentComplete {
	return &AgentComplete{Provider: provider}
}
func (*AgentComplete) Kind() EventKind { return EventAgentComplete }

// AgentFail marks an agent as having given up, or the user as having quit it.
type AgentFail struct {
	eventMeta
	Provider string         `json:"provider"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func NewAgentFail(provider string) *AgentFail {
	return &AgentFail{Provider: provider}
}
func (*AgentFail) Kind() EventKind { return EventAgentFail }

// FollowUpAgent asks the scheduler to hand the conversation to NextAgent.
type FollowUpAgent struct {
	eventMeta
	NextAgent string `json:"next_agent"`
}

func NewFollowUpAgent(next string) *FollowUpAgent {
	return &FollowUpAgent{NextAgent: next}
}
func (*FollowUpAgent) Kind() EventKind { return EventFollowUp }

// CurrentAgent pushes Agent onto the session stack. When emitted by a call
// step, Metadata carries the caller's {"flow": ..., "step": ...} return
// address so the outcome can be delivered back to the call site.
type CurrentAgent struct {
	eventMeta
	Agent    string         `json:"agent"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func NewCurrentAgent(agent string) *CurrentAgent {
	return &CurrentAgent{Agent: agent}
}
func (*CurrentAgent) Kind() EventKind { return EventCurrentAgent }

// FunctionCall is a model-requested tool invocation.
type FunctionCall struct {
	eventMeta
	FunctionName string         `json:"function_name"`
	Args         map[string]any `json:"args,omitempty"`
	CallID       string         `json:"call_id,omitempty"`
	Metadata     any            `json:"metadata,omitempty"`
}

func (*FunctionCall) Kind() EventKind { return EventFunctionCall }

// --- persistence envelope ---

type eventEnvelope struct {
	Kind    EventKind       `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// EncodeEvent marshals ev with a kind discriminator for storage.
func EncodeEvent(ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(eventEnvelope{Kind: ev.Kind(), Payload: payload})
}

// DecodeEvent is the inverse of EncodeEvent.
func DecodeEvent(data []byte) (Event, error) {
	var env eventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	var ev Event
	switch env.Kind {
	case EventUserInput:
		ev = &UserInput{}
	case EventBotUtter:
		ev = &BotUtter{}
	case EventSetSlot:
		ev = &SetSlot{}
	case EventAgentComplete:
		ev = &AgentComplete{}
	case EventAgentFail:
		ev = &AgentFail{}
	case EventFollowUp:
		ev = &FollowUpAgent{}
	case EventCurrentAgent:
		ev = &CurrentAgent{}
	case EventFunctionCall:
		ev = &FunctionCall{}
	default:
		return nil, fmt.Errorf("decode event: unknown kind %q", env.Kind)
	}
	if err := json.Unmarshal(env.Payload, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// returnAddress extracts a {"flow","step"} pair from completion metadata.
func returnAddress(meta map[string]any) (flow, step string, ok bool) {
	if meta == nil {
		return "", "", false
	}
	f, fok := meta["flow"].(string)
	s, sok := meta["step"].(string)
	return f, s, fok && sok
}
