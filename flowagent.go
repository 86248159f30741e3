package colloquy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// MainFlow is the name of a flow agent's entry subflow.
const MainFlow = "main_flow"

// FlowAgent walks a scripted conversation: named subflows of steps, a
// label index for jumps, and an optional slot-extraction pass that pulls
// declared arguments out of each user message before stepping.
type FlowAgent struct {
	agentBase
	subflows map[string][]Step
	mainFlow string
	args     []string
	labels   map[string][]string
	provider Provider
	fallback Agent
}

// NewFlowAgent assembles a flow agent. steps is the main subflow; subflows
// adds labeled ones reachable through next jumps and label paths.
func NewFlowAgent(name, description string, steps []Step, subflows map[string][]Step, args []string, provider Provider, fallback Agent) *FlowAgent {
	all := map[string][]Step{MainFlow: steps}
	for sub, ss := range subflows {
		all[sub] = ss
	}
	return &FlowAgent{
		agentBase: agentBase{name: name, description: description},
		subflows:  all,
		mainFlow:  MainFlow,
		args:      args,
		labels:    indexLabels(all),
		provider:  provider,
		fallback:  fallback,
	}
}

func (a *FlowAgent) ArgNames() []string { return a.args }

// indexLabels maps every subflow name and label to the execution path that
// reaches it.
func indexLabels(subflows map[string][]Step) map[string][]string {
	labels := make(map[string][]string)
	var walk func(prefix []string, steps []Step)
	walk = func(prefix []string, steps []Step) {
		for _, s := range steps {
			path := append(append([]string{}, prefix...), s.ID())
			if l, ok := s.(*LabelStep); ok {
				labels[l.Name] = path
			}
			switch s.(type) {
			case *IfStep, *ElseIfStep, *ElseStep:
				walk(path, s.Then())
			}
		}
	}
	for name, steps := range subflows {
		if len(steps) > 0 {
			labels[name] = []string{name, steps[0].ID()}
		}
		walk([]string{name}, steps)
	}
	return labels
}

func (a *FlowAgent) Run(ctx context.Context, tr *Tracker, rc RunContext) (bool, []Event, error) {
	info := tr.Flow(a.name)
	env := stepEnv{scope: a.name, provider: a.provider, agents: rc.Agents, tools: rc.Tools, logger: rc.Logger}

	// One slot-extraction pass per user message; the bot-level main agent
	// has nothing to extract.
	if a.name != "main" && !info.HasExtractedFor(tr.LatestMessage) {
		quit, events, err := a.extractArgs(ctx, tr, rc)
		if err != nil {
			return false, nil, err
		}
		if quit {
			if a.fallback != nil {
				_, fbEvents, fbErr := a.fallback.Run(ctx, tr, rc)
				if fbErr == nil {
					for _, ev := range fbEvents {
						if u, ok := ev.(*BotUtter); ok {
							u.Provider = a.name
						}
					}
					events = append(events, fbEvents...)
				}
			}
			return false, events, nil
		}
	}

	var path []string
	if info.Empty() {
		steps := a.subflows[a.mainFlow]
		if len(steps) == 0 {
			return false, []Event{NewAgentComplete(a.name)}, nil
		}
		first := steps[0]
		if _, isUser := first.(*UserStep); isUser && len(steps) > 1 {
			first = steps[1]
		}
		path = []string{a.mainFlow, first.ID()}
		info.Push(path)
	} else {
		path = info.Peek()
	}

	step := stepAtPath(a.subflows[path[0]], path[1:])
	if step == nil {
		tr.RemoveFlow(a.name)
		return false, []Event{NewAgentFail(a.name)}, fmt.Errorf("flow %s: no step at path %v", a.name, path)
	}
	env.log().Debug("flow step", "agent", a.name, "step", step.ID())

	state, events, err := step.Run(ctx, env, tr, info)
	if err != nil {
		return false, events, err
	}

	done, terminated := a.findNextStep(info, state)
	isEnd := info.IsListen
	if done != nil || terminated {
		if done != nil {
			events = append(events, done)
		}
		tr.RemoveFlow(a.name)
	}
	return isEnd, events, nil
}

// stepAtPath descends a step tree along a path of ids.
func stepAtPath(steps []Step, path []string) Step {
	for depth := 0; depth < len(path); {
		var match Step
		for _, s := range steps {
			if s.ID() == path[depth] {
				match = s
				break
			}
		}
		if match == nil {
			return nil
		}
		depth++
		if depth == len(path) {
			return match
		}
		steps = match.Then()
	}
	return nil
}

// findNextStep advances the runtime stack after a step ran with the given
// state. It returns a completion event when the flow's stack unwinds all
// the way out, or terminated=true when a return step ended the flow.
func (a *FlowAgent) findNextStep(info *FlowInfo, prevState StepState) (Event, bool) {
	if info.Empty() {
		return nil, false
	}
	var nextPath []string
	found := false

	for !found && !info.Empty() {
		path := info.Pop()
		steps := a.subflows[path[0]]
		depth := 1

	walk:
		for depth < len(path) {
			descended := false
			for idx, step := range steps {
				if step.ID() != path[depth] {
					continue
				}
				depth++
				if depth < len(path) {
					steps = step.Then()
					descended = true
					break
				}

				// At the step that just ran (or just unwound to).
				switch step.(type) {
				case *IfStep, *ElseIfStep, *ElseStep:
					if prevState == StateDo {
						body := step.Then()
						if len(body) > 0 {
							info.Push(path)
							nextPath = append(append([]string{}, path...), body[0].ID())
							found = true
							break walk
						}
					}
				case *NextStep:
					if prevState == StateDo {
						target := step.(*NextStep).Label
						if lp, ok := a.labels[target]; ok {
							info.Clear()
							nextPath = append([]string{}, lp...)
							found = true
							break walk
						}
					}
				case *CallStep:
					if prevState == StateAwait {
						nextPath = path
						found = true
						break walk
					}
					if prevState == StateFailed {
						// abandon this level; unwind to the parent
						break walk
					}
				case *ReturnStep:
					return nil, true
				}

				// Advance to the next sibling. A finished if/else-if
				// branch skips the alternatives chained behind it.
				for nid := idx + 1; nid < len(steps); nid++ {
					if prevState == StateFinished && isCondStep(step) && isAlternative(steps[nid]) {
						continue
					}
					nextPath = append(append([]string{}, path[:depth-1]...), steps[nid].ID())
					found = true
					break
				}
				if !found && idx == len(steps)-1 {
					prevState = StateFinished
				}
				break walk
			}
			if !descended {
				// path id not found at this level; treat as exhausted
				break
			}
		}
	}

	if found {
		info.Push(nextPath)
		return nil, false
	}
	info.IsListen = false
	return NewAgentComplete(a.name), false
}

func isCondStep(s Step) bool {
	switch s.(type) {
	case *IfStep, *ElseIfStep:
		return true
	}
	return false
}

func isAlternative(s Step) bool {
	switch s.(type) {
	case *ElseIfStep, *ElseStep:
		return true
	}
	return false
}

// --- slot extraction ---

// extractArgs asks the model to pull declared arguments out of the latest
// user message, and to flag when the user wants out of this flow entirely.
func (a *FlowAgent) extractArgs(ctx context.Context, tr *Tracker, rc RunContext) (quit bool, events []Event, err error) {
	if a.provider == nil || tr.LatestMessage == nil || tr.LatestMessage.IsInit() {
		return false, nil, nil
	}
	req := ChatRequest{Messages: a.extractPrompt(tr, rc.Agents)}
	resp, err := a.provider.Chat(ctx, req)
	if err != nil {
		return false, nil, &ErrLLM{Provider: a.provider.Name(), Message: err.Error()}
	}

	parsed := looseJSON(resp.Content)
	if data, ok := parsed["data"].(map[string]any); ok {
		for name, value := range data {
			if tr.SetArg(a.name, name, value) {
				tr.Update(NewSetSlot(name, value, a.name))
			}
		}
	}
	if status, _ := parsed["status"].(string); status == "quit" {
		return true, []Event{NewAgentFail(a.name)}, nil
	}
	return false, nil, nil
}

// extractPrompt builds the extraction request: the agent's task, the exits
// that justify quitting (other agents' territory), and the declared
// arguments with their current values.
func (a *FlowAgent) extractPrompt(tr *Tracker, agents map[string]Agent) []ChatMessage {
	related := map[string]bool{a.name: true}
	for _, callee := range a.calledAgents() {
		related[callee] = true
	}
	var unrelated strings.Builder
	for name, agent := range agents {
		if related[name] {
			continue
		}
		if _, isFunc := agent.(*Function); isFunc {
			continue
		}
		fmt.Fprintf(&unrelated, "%s: %s", name, agent.Description())
	}

	var sys strings.Builder
	fmt.Fprintf(&sys, "You are an intelligent chatbot. Your name is: %s. Here's your task: %s. ", a.name, a.description)
	if a.hasUserStep() {
		sys.WriteString("Your task is to collect user's information according to the conversation I provided.")
	}
	fmt.Fprintf(&sys, "Please reply in JSON format. There are several response scenarios: \n"+
		"- ONLY when the user's intent is related to one of the following: \n%s,\n"+
		" or when the user clearly indicates they want to exit or not continue, "+
		"output: {\"status\": \"quit\"}\n"+
		"Example:\nUser: \"%s\"\nOutput: {}", unrelated.String(), a.name)
	if a.hasUserStep() && len(a.args) > 0 {
		fmt.Fprintf(&sys, "- If the user mentions the following data in the conversation: %s, "+
			"extract them. Example: {\"data\": {\"%s\": xxx, ...}}\n",
			strings.Join(a.args, ", "), a.args[0])
		fmt.Fprintf(&sys, "Current information: %s\n", argSnapshot(tr, nil))
	}
	sys.WriteString("- Otherwise, output: {}")

	return []ChatMessage{
		SystemMessage(sys.String()),
		UserMessage(tr.HistoryString() + "\n"),
	}
}

// calledAgents lists every agent reachable through this flow's call steps.
func (a *FlowAgent) calledAgents() []string {
	var out []string
	var walk func(steps []Step)
	walk = func(steps []Step) {
		for _, s := range steps {
			if c, ok := s.(*CallStep); ok {
				out = append(out, c.Target)
			}
			if len(s.Then()) > 0 {
				walk(s.Then())
			}
		}
	}
	for _, steps := range a.subflows {
		walk(steps)
	}
	return out
}

// hasUserStep reports whether any subflow waits for user input.
func (a *FlowAgent) hasUserStep() bool {
	var walk func(steps []Step) bool
	walk = func(steps []Step) bool {
		for _, s := range steps {
			if _, ok := s.(*UserStep); ok {
				return true
			}
			if len(s.Then()) > 0 && walk(s.Then()) {
				return true
			}
		}
		return false
	}
	for _, steps := range a.subflows {
		if walk(steps) {
			return true
		}
	}
	return false
}

// argSnapshot renders current argument values for prompts. When filter is
// non-nil only those agents are included.
func argSnapshot(tr *Tracker, filter map[string]bool) string {
	var b strings.Builder
	for _, agent := range tr.AgentNames() {
		if filter != nil && !filter[agent] {
			continue
		}
		args := tr.Args(agent)
		if len(args) == 0 {
			continue
		}
		fmt.Fprintf(&b, "%s: (", agent)
		for name, value := range args {
			fmt.Fprintf(&b, "%s: %v, ", name, value)
		}
		b.WriteString(")\n")
	}
	return b.String()
}

// looseJSON parses model output that should be a JSON object: strict parse
// first, then the first balanced {...} block, then an empty map.
func looseJSON(s string) map[string]any {
	var out map[string]any
	if err := json.Unmarshal([]byte(s), &out); err == nil {
		return out
	}
	if block := firstJSONObject(s); block != "" {
		if err := json.Unmarshal([]byte(block), &out); err == nil {
			return out
		}
	}
	return map[string]any{}
}

// firstJSONObject returns the first brace-balanced object in s, respecting
// string literals.
func firstJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

var _ Agent = (*FlowAgent)(nil)
