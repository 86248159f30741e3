package colloquy

import (
	"context"
	"fmt"
	"strings"
)

// DefaultFallbackName and DefaultExitName are the agent names the bot
// definition's "default" keyword resolves to.
const (
	DefaultFallbackName = "DefaultFallbackAgent"
	DefaultExitName     = "DefaultExitAgent"
)

// DefaultFallbackAgent speaks when no member agent can handle the turn.
// With a policy it answers with that text verbatim; otherwise it asks the
// model for an apology grounded in the conversation.
type DefaultFallbackAgent struct {
	agentBase
	policy   string
	provider Provider
}

// NewDefaultFallbackAgent builds the fallback. policy may be empty.
func NewDefaultFallbackAgent(policy string, provider Provider) *DefaultFallbackAgent {
	return &DefaultFallbackAgent{
		agentBase: agentBase{
			name:        DefaultFallbackName,
			description: "This agent can generate a default fallback response.",
		},
		policy:   policy,
		provider: provider,
	}
}

func (a *DefaultFallbackAgent) Run(ctx context.Context, tr *Tracker, _ RunContext) (bool, []Event, error) {
	if a.policy != "" {
		return true, []Event{NewBotUtter(a.policy, a.name)}, nil
	}
	if a.provider == nil {
		return true, []Event{NewBotUtter("I'm sorry, I didn't understand that. Can you please rephrase?", a.name)}, nil
	}
	req := ChatRequest{Messages: []ChatMessage{
		SystemMessage("You are an intelligent chatbot. " +
			"Please generate a bot response according to the conversation I provide. " +
			"What you generate is that you cannot understand. For example, you can say: " +
			"\"I'm sorry, I didn't understand that. Can you please rephrase?\""),
		UserMessage(fmt.Sprintf("Conversation: \n%s\nBot: ", tr.HistoryString())),
	}}
	resp, err := a.provider.Chat(ctx, req)
	if err != nil {
		return true, nil, &ErrLLM{Provider: a.provider.Name(), Message: err.Error()}
	}
	if text := strings.TrimSpace(resp.Content); text != "" {
		return true, []Event{NewBotUtter(text, a.name)}, nil
	}
	return true, nil, nil
}

var _ Agent = (*DefaultFallbackAgent)(nil)

// DefaultExitAgent closes the session when the ensemble decides the
// conversation is over. With a policy it asks the model to compose the
// closing line; otherwise it speaks a fixed goodbye.
type DefaultExitAgent struct {
	agentBase
	policy   string
	response string
	provider Provider
}

// NewDefaultExitAgent builds the exit agent. policy and response may be
// empty; an empty response defaults to "Goodbye!".
func NewDefaultExitAgent(policy, response string, provider Provider) *DefaultExitAgent {
	if response == "" {
		response = "Goodbye!"
	}
	return &DefaultExitAgent{
		agentBase: agentBase{
			name:        DefaultExitName,
			description: "This agent can generate a default exit response.",
		},
		policy:   policy,
		response: response,
		provider: provider,
	}
}

func (a *DefaultExitAgent) Run(ctx context.Context, tr *Tracker, _ RunContext) (bool, []Event, error) {
	if a.policy == "" || a.provider == nil {
		return true, []Event{NewBotUtter(a.response, a.name)}, nil
	}
	req := ChatRequest{Messages: []ChatMessage{
		SystemMessage("You are an intelligent chatbot about to end a conversation. " +
			"Compose one short closing response following this policy:\n" + a.policy),
		UserMessage(fmt.Sprintf("Conversation: \n%s\nBot: ", tr.HistoryString())),
	}}
	resp, err := a.provider.Chat(ctx, req)
	if err != nil || strings.TrimSpace(resp.Content) == "" {
		return true, []Event{NewBotUtter(a.response, a.name)}, nil
	}
	return true, []Event{NewBotUtter(strings.TrimSpace(resp.Content), a.name)}, nil
}

var _ Agent = (*DefaultExitAgent)(nil)
