package colloquy

import (
	"context"
	"log/slog"
)

// Agent is one node in the bot graph. Run executes one scheduling slice:
// it may emit events, and isEnd reports whether the turn should stop here
// and wait for the next user message.
type Agent interface {
	Name() string
	Description() string
	// ArgNames lists the agent's declared arguments, nil when it has none.
	ArgNames() []string
	Run(ctx context.Context, tr *Tracker, rc RunContext) (isEnd bool, events []Event, err error)
}

// RunContext carries the bot-level collaborators an agent may need during
// one run.
type RunContext struct {
	// Agents is the full agent graph, for cross-agent prompts and calls.
	Agents map[string]Agent
	// Tools executes function call steps and model tool calls.
	Tools ToolExecutor
	// CurrentNodes is the activation metadata of the running stack entry
	// (a caller's return address, if any).
	CurrentNodes map[string]any
	// Logger is never nil once a Bot is assembled.
	Logger *slog.Logger
}

// agentBase carries the identity shared by all agent kinds.
type agentBase struct {
	name        string
	description string
}

func (a *agentBase) Name() string        { return a.name }
func (a *agentBase) Description() string { return a.description }
func (a *agentBase) ArgNames() []string  { return nil }

// Main is the bot entrypoint: a plain step list run whenever the agent
// stack is empty at the start of a turn. Its call steps push the first
// real agents of the session.
type Main struct {
	agentBase
	steps []Step
}

// NewMain builds the entrypoint from parsed steps.
func NewMain(name string, steps []Step) *Main {
	return &Main{agentBase: agentBase{name: name}, steps: steps}
}

func (m *Main) Run(ctx context.Context, tr *Tracker, rc RunContext) (bool, []Event, error) {
	env := stepEnv{scope: m.name, agents: rc.Agents, tools: rc.Tools, logger: rc.Logger}
	info := tr.Flow(m.name)
	var out []Event
	for _, step := range m.steps {
		_, events, err := step.Run(ctx, env, tr, info)
		if err != nil {
			return false, out, err
		}
		out = append(out, events...)
	}
	return false, out, nil
}

var _ Agent = (*Main)(nil)
