package colloquy

import (
	"context"
	"errors"
)

// KBAgent answers the latest user message out of an indexed knowledge
// base. It never drives the conversation itself: the ensemble queries it
// before routing and folds the matches into its decision.
type KBAgent struct {
	agentBase
	retriever *Retriever
}

// NewKBAgent wraps a retriever as an agent.
func NewKBAgent(name, description string, retriever *Retriever) *KBAgent {
	return &KBAgent{agentBase: agentBase{name: name, description: description}, retriever: retriever}
}

// Query retrieves matches for the latest user message.
func (a *KBAgent) Query(ctx context.Context, tr *Tracker) ([]KBMatch, error) {
	if a.retriever == nil {
		return nil, errors.New("knowledge base not indexed")
	}
	if tr.LatestMessage == nil {
		return nil, nil
	}
	return a.retriever.Retrieve(ctx, tr.LatestMessage.Text)
}

func (a *KBAgent) Run(ctx context.Context, tr *Tracker, _ RunContext) (bool, []Event, error) {
	matches, err := a.Query(ctx, tr)
	if err != nil {
		return true, nil, err
	}
	done := NewAgentComplete(a.name)
	if len(matches) > 0 {
		done.Metadata = map[string]any{
			"matches":       matches,
			"query":         tr.LatestMessage.Text,
			"total_matches": len(matches),
		}
	}
	return true, []Event{done}, nil
}

var _ Agent = (*KBAgent)(nil)
var _ knowledgeSource = (*KBAgent)(nil)
