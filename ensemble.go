package colloquy

import (
	"context"
	"fmt"
	"strings"
)

// knowledgeSource is implemented by agents that can answer a retrieval
// query out of band, so the ensemble can fold matches into its routing
// prompt before committing to an agent.
type knowledgeSource interface {
	Query(ctx context.Context, tr *Tracker) ([]KBMatch, error)
}

// selection is the outcome of one routing decision.
type selection int

const (
	selNone selection = iota
	selAgent
	selFAQ
	selFallback
	selExit
)

// EnsembleAgent routes each user turn to one of its member agents using
// the model as a classifier. It also owns the bot's fallback and exit
// behavior and, when a knowledge source is present, can answer FAQ-style
// questions directly from retrieved content.
type EnsembleAgent struct {
	agentBase
	contains []string
	bindings map[string]map[string]ArgSource
	steps    []Step
	args     []string
	provider Provider
	fallback Agent
	exit     Agent
}

// NewEnsembleAgent builds the router. fallback and exit may be nil.
func NewEnsembleAgent(name, description string, contains []string, steps []Step, args []string, provider Provider, fallback, exit Agent) *EnsembleAgent {
	return &EnsembleAgent{
		agentBase: agentBase{name: name, description: description},
		contains:  contains,
		steps:     steps,
		args:      args,
		provider:  provider,
		fallback:  fallback,
		exit:      exit,
	}
}

func (a *EnsembleAgent) ArgNames() []string { return a.args }

// Members returns the routable agent names.
func (a *EnsembleAgent) Members() []string { return a.contains }

// MemberBindings returns the declared per-member argument bindings.
func (a *EnsembleAgent) MemberBindings() map[string]map[string]ArgSource { return a.bindings }

func (a *EnsembleAgent) Run(ctx context.Context, tr *Tracker, rc RunContext) (bool, []Event, error) {
	// On the very first turn a leading step list (greeting, setup) runs
	// once, unless it opens by waiting for user input.
	if len(tr.Events) == 1 && len(a.steps) > 0 {
		if _, isUser := a.steps[0].(*UserStep); !isUser {
			return a.runInitSteps(ctx, tr, rc)
		}
	}

	freshTurn := a.latestIsLast(tr)

	var matches []KBMatch
	if freshTurn {
		for _, agent := range rc.Agents {
			if kb, ok := agent.(knowledgeSource); ok {
				found, err := kb.Query(ctx, tr)
				if err != nil {
					rc.Logger.Warn("knowledge query failed", "ensemble", a.name, "error", err)
					break
				}
				matches = found
				break
			}
		}
	}

	kind, value, err := a.selectFollowup(ctx, tr, rc, matches)
	if err != nil {
		return false, nil, err
	}
	switch kind {
	case selAgent:
		return false, []Event{NewFollowUpAgent(value)}, nil
	case selFAQ:
		return true, []Event{NewBotUtter(strings.TrimSpace(value), a.name)}, nil
	case selFallback:
		if a.fallback != nil {
			_, events, err := a.fallback.Run(ctx, tr, rc)
			return true, events, err
		}
		return true, nil, nil
	case selExit:
		if a.exit != nil {
			_, events, err := a.exit.Run(ctx, tr, rc)
			return true, events, err
		}
		return true, nil, nil
	}

	// Nothing wanted the turn. On a fresh message that means the bot has
	// no answer: apologize via the fallback. Mid-turn it means the
	// conversation wound down: let the exit agent close it out.
	if freshTurn {
		if a.fallback != nil {
			_, events, err := a.fallback.Run(ctx, tr, rc)
			return true, events, err
		}
		return true, nil, nil
	}
	if a.exit != nil {
		_, events, err := a.exit.Run(ctx, tr, rc)
		return true, events, err
	}
	return true, nil, nil
}

func (a *EnsembleAgent) runInitSteps(ctx context.Context, tr *Tracker, rc RunContext) (bool, []Event, error) {
	env := stepEnv{scope: a.name, provider: a.provider, agents: rc.Agents, tools: rc.Tools, logger: rc.Logger}
	info := tr.Flow(a.name)
	isEnd := true
	var out []Event
	for _, step := range a.steps {
		state, events, err := step.Run(ctx, env, tr, info)
		if err != nil {
			return false, out, err
		}
		out = append(out, events...)
		if state == StateAwait {
			isEnd = false
		}
	}
	return isEnd, out, nil
}

// latestIsLast reports whether the newest event is still the user's
// message, i.e. no agent has acted on this turn yet.
func (a *EnsembleAgent) latestIsLast(tr *Tracker) bool {
	if len(tr.Events) == 0 || tr.LatestMessage == nil {
		return false
	}
	return tr.Events[len(tr.Events)-1] == Event(tr.LatestMessage)
}

// selectFollowup asks the model to pick a member for the current turn.
// Members that already failed or completed since the latest message are
// off the ballot; with an empty ballot the model is not consulted.
func (a *EnsembleAgent) selectFollowup(ctx context.Context, tr *Tracker, rc RunContext, matches []KBMatch) (selection, string, error) {
	done := make(map[string]bool)
	for i := len(tr.Events) - 1; i >= 0; i-- {
		if tr.Events[i] == Event(tr.LatestMessage) {
			break
		}
		switch ev := tr.Events[i].(type) {
		case *AgentFail:
			done[ev.Provider] = true
		case *AgentComplete:
			done[ev.Provider] = true
		}
	}
	var candidates []string
	for _, name := range a.contains {
		if !done[name] {
			candidates = append(candidates, name)
		}
	}
	if len(candidates) == 0 {
		return selNone, "", nil
	}

	req := ChatRequest{Messages: a.routingPrompt(tr, rc.Agents, candidates, matches)}
	resp, err := a.provider.Chat(ctx, req)
	if err != nil {
		return selNone, "", &ErrLLM{Provider: a.provider.Name(), Message: err.Error()}
	}
	text := resp.Content
	switch {
	case strings.Contains(text, "[FAQ]"):
		_, answer, _ := strings.Cut(text, "[FAQ]")
		return selFAQ, answer, nil
	case strings.Contains(text, "[Fallback]"):
		return selFallback, "", nil
	case strings.Contains(text, "[Exit]"):
		return selExit, "", nil
	}
	if name := a.matchMember(text, candidates); name != "" {
		return selAgent, name, nil
	}
	return selNone, "", nil
}

// matchMember maps a model reply onto a member name: exact first, then
// the first member whose name the reply contains. "None" means no pick.
func (a *EnsembleAgent) matchMember(reply string, candidates []string) string {
	name := strings.TrimSpace(reply)
	if strings.Contains(name, "None") {
		return ""
	}
	for _, c := range candidates {
		if c == name {
			return c
		}
	}
	for _, c := range candidates {
		if strings.Contains(name, c) {
			return c
		}
	}
	return ""
}

func (a *EnsembleAgent) routingPrompt(tr *Tracker, agents map[string]Agent, candidates []string, matches []KBMatch) []ChatMessage {
	var states strings.Builder
	for _, name := range candidates {
		args := tr.Args(name)
		if len(args) == 0 {
			continue
		}
		fmt.Fprintf(&states, "%s: (", name)
		for arg, value := range args {
			fmt.Fprintf(&states, "%s: %v, ", arg, value)
		}
		states.WriteString(")\n")
	}

	var members strings.Builder
	for _, name := range candidates {
		agent, ok := agents[name]
		if !ok {
			continue
		}
		fmt.Fprintf(&members, "- %s: %s\n", name, agent.Description())
	}

	var sys strings.Builder
	sys.WriteString("Your task is to select an agent to handle user requests. " +
		"You will be provided agent information and a conversation. " +
		"Choose an agent from the provided agents list and output its name. \n")
	if a.fallback != nil {
		sys.WriteString("If the user’s input exceeds the scope that all agents can respond to, " +
			"output: [Fallback].\n")
	}
	if a.exit != nil {
		sys.WriteString("If the current conversation does not require the chatbot to continue responding, " +
			"output: [Exit].\n")
	}
	fmt.Fprintf(&sys, "If no more response is needed, output: None.\n"+
		"### INFORMATION:\n%s\n### AGENTS:\n%s", states.String(), members.String())

	if len(matches) > 0 {
		sys.WriteString("\nHere is some potentially relevant knowledge base content. " +
			"If you think the user’s input is related to this knowledge, " +
			"you can generate an answer based on the following content. " +
			"Output format: [FAQ] Your answer.\n" +
			"## KNOWLEDGE BASE:\n")
		for i, m := range matches {
			fmt.Fprintf(&sys, "No. %d: %s\n", i+1, m.Content)
		}
	}

	user := fmt.Sprintf("### CONVERSATION:\n%s\n", tr.HistoryString())
	return []ChatMessage{SystemMessage(sys.String()), UserMessage(user)}
}

var _ Agent = (*EnsembleAgent)(nil)
