package colloquy

import (
	"context"
	"fmt"
)

// maxSchedulerIterations bounds one turn's agent handoffs. A turn that
// bounces between agents this many times is stuck in a routing cycle.
const maxSchedulerIterations = 50

// Scheduler decides which agents act on a user turn and collects the
// bot's responses. Implementations must be safe for concurrent use across
// senders; per-sender serialization is the bot's job.
type Scheduler interface {
	PredictNextAction(ctx context.Context, sender string, tr *Tracker, bot *Bot) ([]string, error)
}

// PriorityScheduler is the default turn loop. The agent stack carries the
// session's activation records: each iteration peeks the top entry, runs
// its agent, and folds the emitted events back into the stack until an
// agent reports the turn is over or the stack drains.
type PriorityScheduler struct{}

func NewPriorityScheduler() *PriorityScheduler { return &PriorityScheduler{} }

func (s *PriorityScheduler) PredictNextAction(ctx context.Context, sender string, tr *Tracker, bot *Bot) ([]string, error) {
	bot.logger.Info("received user message", "sender", sender, "text", truncateDisplay(tr.LatestMessage.Text, 80))

	var responses []string
	isEnd := false

	if tr.StackEmpty() {
		_, events, err := bot.entrypoint.Run(ctx, tr, bot.runContext(nil))
		if err != nil {
			return responses, err
		}
		applyEvents(events, bot.entrypoint.Name(), nil, tr, &responses, &isEnd)
	}

	for i := 0; !isEnd; i++ {
		if i >= maxSchedulerIterations {
			return responses, fmt.Errorf("turn for %q exceeded %d agent handoffs", sender, maxSchedulerIterations)
		}
		entry := tr.PeekAgent()
		if entry == nil {
			break
		}
		bot.logger.Debug("agent stack before run", "stack", tr.Stack())
		agent, ok := bot.agents[entry.Agent]
		if !ok {
			bot.logger.Error("stacked agent is not defined", "agent", entry.Agent)
			tr.PopAgent()
			continue
		}

		agentEnd, events, err := agent.Run(ctx, tr, bot.runContext(entry.Metadata))
		if err != nil {
			return responses, err
		}
		isEnd = agentEnd
		applyEvents(events, agent.Name(), entry, tr, &responses, &isEnd)
		bot.logger.Debug("agent stack after run", "stack", tr.Stack())
	}
	return responses, nil
}

// applyEvents folds one run's events into the tracker and response list.
// entry is the stack record the agent ran under, nil for the entrypoint;
// its metadata is the caller's return address when the agent was called
// by a flow step.
func applyEvents(events []Event, agentName string, entry *CurrentAgent, tr *Tracker, responses *[]string, isEnd *bool) {
	for _, ev := range events {
		switch ev := ev.(type) {
		case *BotUtter:
			// The log keeps the raw template; the outbound response gets
			// argument references filled in.
			tr.Update(ev)
			*responses = append(*responses, Interpolate(ev.Text, agentName, tr))
		case *FollowUpAgent:
			tr.PushAgent(NewCurrentAgent(ev.NextAgent))
		case *AgentFail:
			tr.Update(ev)
			tr.PopAgent()
			deliverOutcome(entry, ev, tr, isEnd)
		case *AgentComplete:
			tr.Update(ev)
			tr.PopAgent()
			deliverOutcome(entry, ev, tr, isEnd)
		case *CurrentAgent:
			tr.PopAgent()
			tr.PushAgent(ev)
		case *SetSlot, *FunctionCall:
			// Agents usually apply these themselves; any returned
			// un-applied still belong in the session log.
			tr.Update(ev)
		}
	}
}

// deliverOutcome routes a terminal agent event back to the flow step that
// called the agent, if the popped stack entry carries a return address,
// and keeps the turn alive so the caller resumes immediately.
func deliverOutcome(entry *CurrentAgent, outcome Event, tr *Tracker, isEnd *bool) {
	if entry == nil {
		return
	}
	flow, step, ok := returnAddress(entry.Metadata)
	if !ok {
		return
	}
	tr.Flow(flow).SetCallResult(step, outcome)
	*isEnd = false
}

var _ Scheduler = (*PriorityScheduler)(nil)

// DispatcherScheduler re-enters through the entrypoint on every turn: the
// entrypoint is pushed, routes once, and is popped after its run. Useful
// for bots whose main agent is an ensemble that should reconsider the
// routing on each message.
type DispatcherScheduler struct{}

func NewDispatcherScheduler() *DispatcherScheduler { return &DispatcherScheduler{} }

func (s *DispatcherScheduler) PredictNextAction(ctx context.Context, sender string, tr *Tracker, bot *Bot) ([]string, error) {
	bot.logger.Info("received user message", "sender", sender, "text", truncateDisplay(tr.LatestMessage.Text, 80))
	tr.PushAgent(NewCurrentAgent(bot.entrypoint.Name()))

	var responses []string
	isEnd := false
	for i := 0; !isEnd && !tr.StackEmpty(); i++ {
		if i >= maxSchedulerIterations {
			return responses, fmt.Errorf("turn for %q exceeded %d agent handoffs", sender, maxSchedulerIterations)
		}
		entry := tr.PeekAgent()
		agent, ok := bot.agents[entry.Agent]
		if !ok {
			bot.logger.Error("stacked agent is not defined", "agent", entry.Agent)
			tr.PopAgent()
			continue
		}

		agentEnd, events, err := agent.Run(ctx, tr, bot.runContext(entry.Metadata))
		if err != nil {
			return responses, err
		}
		isEnd = agentEnd
		if _, isRouter := agent.(*EnsembleAgent); isRouter {
			tr.PopAgent()
		}
		applyEvents(events, agent.Name(), entry, tr, &responses, &isEnd)
	}
	return responses, nil
}

var _ Scheduler = (*DispatcherScheduler)(nil)
