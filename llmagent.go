package colloquy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// maxToolRounds bounds recursive tool-call turns within one agent run.
const maxToolRounds = 8

// LLMAgent holds a free-form sub-dialogue driven by an instruction prompt.
// The model speaks a small JSON protocol: {"bot": reply, "status":
// "running"|"quit"|"complete", "data": {...}} — data carries extracted
// arguments, quit hands control back upward, complete ends the agent.
// Functions listed in uses are exposed as model tools.
type LLMAgent struct {
	agentBase
	prompt     string
	args       []string
	uses       []string
	provider   Provider
	processors *ProcessorChain
}

// NewLLMAgent builds an LLM agent. processors may be nil.
func NewLLMAgent(name, description, prompt string, args, uses []string, provider Provider, processors *ProcessorChain) *LLMAgent {
	return &LLMAgent{
		agentBase:  agentBase{name: name, description: description},
		prompt:     prompt,
		args:       args,
		uses:       uses,
		provider:   provider,
		processors: processors,
	}
}

func (a *LLMAgent) ArgNames() []string { return a.args }

func (a *LLMAgent) Run(ctx context.Context, tr *Tracker, rc RunContext) (bool, []Event, error) {
	return a.run(ctx, tr, rc, false, 0)
}

func (a *LLMAgent) run(ctx context.Context, tr *Tracker, rc RunContext, isTool bool, round int) (bool, []Event, error) {
	req := ChatRequest{Messages: a.buildPrompt(tr, isTool)}
	if a.processors != nil {
		if err := a.processors.RunPreLLM(ctx, &req); err != nil {
			if halt := asHalt(err); halt != nil {
				return true, []Event{NewBotUtter(halt.Response, a.name)}, nil
			}
			return false, nil, err
		}
	}

	resp, err := a.provider.ChatWithTools(ctx, req, a.toolDefs(rc.Agents))
	if err != nil {
		return false, nil, &ErrLLM{Provider: a.provider.Name(), Message: err.Error()}
	}
	if a.processors != nil {
		if err := a.processors.RunPostLLM(ctx, &resp); err != nil {
			if halt := asHalt(err); halt != nil {
				return true, []Event{NewBotUtter(halt.Response, a.name)}, nil
			}
			return false, nil, err
		}
	}

	isEnd := true
	var events []Event

	if len(resp.ToolCalls) > 0 {
		if round >= maxToolRounds {
			return false, events, &ErrTool{Name: a.name, Message: "tool call limit reached"}
		}
		toolEnd, toolEvents, err := a.runToolCalls(ctx, tr, rc, resp, round)
		if err != nil {
			return false, events, err
		}
		return toolEnd, append(events, toolEvents...), nil
	}

	if resp.Content == "" {
		return isEnd, events, nil
	}
	tr.AppendPrivate(a.name, AssistantMessage(resp.Content))

	reply := parseAgentReply(resp.Content)
	if data, ok := reply["data"].(map[string]any); ok {
		for name, value := range data {
			if tr.SetArg(a.name, name, value) {
				events = append(events, NewSetSlot(name, value, a.name))
			}
		}
	}

	botReply, _ := reply["bot"].(string)
	status, _ := reply["status"].(string)
	switch status {
	case "quit":
		isEnd = false
		if botReply != "" {
			events = append(events, NewBotUtter(botReply, a.name))
		}
		events = append(events, NewAgentFail(a.name))
	case "complete":
		isEnd = false
		tr.ClearHistory(a.name)
		if botReply != "" {
			events = append(events, NewBotUtter(botReply, a.name))
		}
		events = append(events, NewAgentComplete(a.name))
	default:
		utter := NewBotUtter(botReply, a.name)
		utter.Additional = resp.Content
		events = append(events, utter)
	}
	return isEnd, events, nil
}

// runToolCalls executes the model's tool calls, feeds results back into
// the private history, and re-runs the agent for its next reply.
func (a *LLMAgent) runToolCalls(ctx context.Context, tr *Tracker, rc RunContext, resp ChatResponse, round int) (bool, []Event, error) {
	if rc.Tools == nil {
		return false, nil, &ErrTool{Name: a.name, Message: "no tool executor configured"}
	}
	tr.AppendPrivate(a.name, ChatMessage{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})

	var events []Event
	for _, call := range resp.ToolCalls {
		var args map[string]any
		if len(call.Args) > 0 {
			if err := json.Unmarshal(call.Args, &args); err != nil {
				return true, events, &ErrTool{Name: call.Name, Message: "bad arguments: " + err.Error()}
			}
		}
		result, err := rc.Tools.Execute(ctx, call.Name, args)
		if err != nil {
			rc.Logger.Error("tool call failed", "agent", a.name, "tool", call.Name, "error", err)
			return true, events, nil
		}
		if a.processors != nil {
			if err := a.processors.RunPostTool(ctx, call, &result); err != nil {
				if halt := asHalt(err); halt != nil {
					return true, append(events, NewBotUtter(halt.Response, a.name)), nil
				}
				return false, events, err
			}
		}
		events = append(events, translateToolResult(result, a.name, a.name, tr)...)
		tr.AppendPrivate(a.name, ToolResultMessage(call.ID, toolResultContent(result)))
	}

	isEnd, more, err := a.run(ctx, tr, rc, true, round+1)
	return isEnd, append(events, more...), err
}

// buildPrompt assembles the system instruction, the agent's private
// history, and (on a fresh turn) the latest user message — flagged when
// the user detoured through other agents and has now come back.
func (a *LLMAgent) buildPrompt(tr *Tracker, isTool bool) []ChatMessage {
	var others []string
	callerFlow := ""
	if top := tr.PeekAgent(); top != nil {
		if f, _, ok := returnAddress(top.Metadata); ok {
			callerFlow = f
		}
	}
	for _, name := range tr.AgentNames() {
		if name != a.name && name != callerFlow {
			others = append(others, name)
		}
	}

	var sys strings.Builder
	fmt.Fprintf(&sys, "You can talk to the user and act according to the instruction below: \n%s\n", a.prompt)
	sys.WriteString("## RULES\n1. Respond STRICTLY according to the instruction above.\n" +
		"2. Try to clarify user's intent instead of quit directly.\n" +
		"3. Unless specified in the task, do not make assumptions about any information the user has not provided.\n")
	fmt.Fprintf(&sys, "## INFORMATION\n%s.\n", argSnapshot(tr, nil))
	fmt.Fprintf(&sys, "## OUTPUT\n"+
		"1. If a user's intent is unrelated to the current conversation and instruction, for example: "+
		"%s or user want to quit, output: {\"bot\": \"\", \"status\": \"quit\"}\n"+
		"2. Based on the conversation history, once the instruction ends, directly output: "+
		"{\"status\": \"complete\"}\n", strings.Join(others, ", "))
	if len(a.args) > 0 {
		fmt.Fprintf(&sys, "3. If the user mentions: %s, extract them in the output. "+
			"Example: {\"data\": {\"%s\": xxx if exists, ...}, \"bot\": \"your reply\", \"status\": \"running\"}\n",
			strings.Join(a.args, ", "), a.args[0])
	} else {
		sys.WriteString("3. Generally output: {\"bot\": \"Your reply\", \"status\": \"running\"}\n")
	}
	sys.WriteString("Only output JSON structure. Do not output any other content. Do not use Markdown format.")
	fmt.Fprintf(&sys, "## CONVERSATION HISTORY\n %s", tr.HistoryString())

	prompt := []ChatMessage{SystemMessage(sys.String())}
	prompt = append(prompt, tr.PrivateHistory(a.name)...)

	if !isTool && tr.LatestMessage != nil {
		text := tr.LatestMessage.Text
		if a.isInterrupted(tr) {
			text = "(Asked something else before and have now returned here) " + text
		}
		latest := UserMessage(text)
		prompt = append(prompt, latest)
		tr.AppendPrivate(a.name, latest)
	}
	return prompt
}

// isInterrupted reports whether some other agent produced the bot's last
// utterance — the private dialogue was preempted since this agent last
// spoke.
func (a *LLMAgent) isInterrupted(tr *Tracker) bool {
	history := tr.PrivateHistory(a.name)
	if len(history) == 0 {
		return false
	}
	var lastPrivate string
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == "assistant" {
			lastPrivate, _ = parseAgentReply(history[i].Content)["bot"].(string)
			break
		}
	}
	var lastGlobal string
	for i := len(tr.Events) - 1; i >= 0; i-- {
		if u, ok := tr.Events[i].(*BotUtter); ok {
			lastGlobal = u.Text
			break
		}
	}
	return lastPrivate != lastGlobal
}

// toolDefs resolves the uses list against the agent graph.
func (a *LLMAgent) toolDefs(agents map[string]Agent) []ToolDefinition {
	var defs []ToolDefinition
	for _, name := range a.uses {
		if fn, ok := agents[name].(*Function); ok {
			defs = append(defs, fn.Definition())
		}
	}
	return defs
}

// parseAgentReply decodes the agent JSON protocol: strict parse, then the
// first balanced object, then the whole text as a plain reply.
func parseAgentReply(s string) map[string]any {
	var out map[string]any
	if err := json.Unmarshal([]byte(s), &out); err == nil && out != nil {
		return out
	}
	if block := firstJSONObject(s); block != "" {
		if err := json.Unmarshal([]byte(block), &out); err == nil && out != nil {
			return out
		}
	}
	return map[string]any{"bot": s}
}

var _ Agent = (*LLMAgent)(nil)
