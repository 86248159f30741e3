package colloquy

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
)

// StepState is the outcome tag of one step execution. The flow agent's
// advance logic decides where to go next from the pair (step kind, state).
type StepState int

const (
	// StateDo means the step's guard passed: descend into its body or jump.
	StateDo StepState = iota
	// StateSkip means the guard failed or the tries budget is spent.
	StateSkip
	// StateAwait means the step handed control to a callee and must be
	// re-run when the callee's outcome arrives.
	StateAwait
	// StateFailed means a callee gave up.
	StateFailed
	// StateFinished means the step is done; continue with the sibling.
	StateFinished
)

func (s StepState) String() string {
	switch s {
	case StateDo:
		return "do"
	case StateSkip:
		return "skip"
	case StateAwait:
		return "await"
	case StateFailed:
		return "failed"
	case StateFinished:
		return "finished"
	}
	return fmt.Sprintf("StepState(%d)", int(s))
}

// stepEnv carries the collaborators steps need at run time.
type stepEnv struct {
	scope    string // owning agent name; bare arg refs resolve here
	provider Provider
	agents   map[string]Agent
	tools    ToolExecutor
	logger   *slog.Logger
}

func (e stepEnv) log() *slog.Logger {
	if e.logger == nil {
		return nopLogger
	}
	return e.logger
}

// Step is a single node of a flow script.
type Step interface {
	ID() string
	Run(ctx context.Context, env stepEnv, tr *Tracker, info *FlowInfo) (StepState, []Event, error)
	// Then returns the step's nested body, nil for leaf steps.
	Then() []Step
}

type stepBase struct {
	id string
}

func (s stepBase) ID() string   { return s.id }
func (s stepBase) Then() []Step { return nil }

// --- bot ---

// BotStep utters a line. ${...} references are interpolated against the
// tracker when the scheduler folds the event into the response.
type BotStep struct {
	stepBase
	Text string
}

func (s *BotStep) Run(_ context.Context, env stepEnv, _ *Tracker, info *FlowInfo) (StepState, []Event, error) {
	info.IsListen = false
	return StateFinished, []Event{NewBotUtter(s.Text, env.scope)}, nil
}

// --- user ---

// UserStep marks a point where the flow expects the user to speak. It ends
// the turn only when the bot has already responded since the user's latest
// message; otherwise that message is the one being consumed and the flow
// continues.
type UserStep struct {
	stepBase
}

func (s *UserStep) Run(_ context.Context, _ stepEnv, tr *Tracker, info *FlowInfo) (StepState, []Event, error) {
	info.IsListen = tr.HasBotResponseAfterUserInput()
	return StateFinished, nil, nil
}

// --- set ---

// Assignment writes one target argument from a source that is either
// another argument reference or a literal.
type Assignment struct {
	Target string
	Source string
}

// SetStep applies its assignments in order. Targets and argument sources
// may be agent-qualified ("agent.arg"); a source that names no known
// argument is taken as a literal.
type SetStep struct {
	stepBase
	Assignments []Assignment
}

func (s *SetStep) Run(_ context.Context, env stepEnv, tr *Tracker, info *FlowInfo) (StepState, []Event, error) {
	info.IsListen = false
	for _, a := range s.Assignments {
		tgtAgent, tgtArg := SplitArgRef(a.Target, env.scope)

		var value any
		srcAgent, srcArg := SplitArgRef(a.Source, env.scope)
		if v, ok := tr.GetArg(srcAgent, srcArg); ok {
			value = v
		} else {
			value = literalValue(a.Source)
		}

		tr.Update(NewSetSlot(tgtArg, value, tgtAgent))
	}
	return StateFinished, nil, nil
}

// literalValue interprets a set source that is not an argument reference.
func literalValue(s string) any {
	s = strings.TrimSpace(s)
	switch s {
	case "None":
		return nil
	case "True":
		return true
	case "False":
		return false
	}
	if len(s) >= 2 && (s[0] == '"' && s[len(s)-1] == '"' || s[0] == '\'' && s[len(s)-1] == '\'') {
		return s[1 : len(s)-1]
	}
	if strings.Contains(s, ".") {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	} else if i, err := strconv.Atoi(s); err == nil {
		return i
	}
	return s
}

// --- if / else if / else ---

// IfStep guards a nested body with a condition. Tries bounds how many times
// the guard may be attempted; past the budget the step skips without
// evaluating. Zero means unlimited.
type IfStep struct {
	stepBase
	Statement string
	Tries     int
	Body      []Step

	cond *exprNode // nil for claims and clicks statements
}

func (s *IfStep) Then() []Step { return s.Body }

func (s *IfStep) Run(ctx context.Context, env stepEnv, tr *Tracker, info *FlowInfo) (StepState, []Event, error) {
	return runGuard(ctx, s.id, s.Statement, s.cond, s.Tries, env, tr, info)
}

// ElseIfStep behaves exactly like IfStep; the flow advance logic treats it
// differently only when deciding which siblings a finished branch skips.
type ElseIfStep struct {
	stepBase
	Statement string
	Tries     int
	Body      []Step

	cond *exprNode
}

func (s *ElseIfStep) Then() []Step { return s.Body }

func (s *ElseIfStep) Run(ctx context.Context, env stepEnv, tr *Tracker, info *FlowInfo) (StepState, []Event, error) {
	return runGuard(ctx, s.id, s.Statement, s.cond, s.Tries, env, tr, info)
}

// ElseStep runs its body unconditionally, still under a tries budget.
type ElseStep struct {
	stepBase
	Tries int
	Body  []Step
}

func (s *ElseStep) Then() []Step { return s.Body }

func (s *ElseStep) Run(_ context.Context, _ stepEnv, _ *Tracker, info *FlowInfo) (StepState, []Event, error) {
	info.IsListen = false
	if s.Tries > 0 && info.Count(s.id) >= s.Tries {
		return StateSkip, nil, nil
	}
	info.Incr(s.id)
	return StateDo, nil, nil
}

// isClaimsStatement and isClicksStatement recognize the two guard forms
// that are not expressions: an LLM intent question and a button match.
func isClaimsStatement(s string) bool { return strings.Contains(s, "the user claims") }
func isClicksStatement(s string) bool { return strings.Contains(s, "the user clicks") }

// runGuard implements the shared if/else-if behavior: tries check before
// counting, then the button matcher ("the user clicks ..."), the LLM
// intent classifier ("the user claims ..."), or the expression evaluator.
func runGuard(ctx context.Context, id, statement string, cond *exprNode, tries int, env stepEnv, tr *Tracker, info *FlowInfo) (StepState, []Event, error) {
	info.IsListen = false
	if tries > 0 && info.Count(id) >= tries {
		return StateSkip, nil, nil
	}
	info.Incr(id)

	var (
		ok  bool
		err error
	)
	switch {
	case isClicksStatement(statement):
		ok = evalClicks(statement, tr)
	case isClaimsStatement(statement):
		ok, err = evalClaims(ctx, statement, env, tr)
	case cond != nil:
		ok, err = cond.eval(tr, env.scope)
	default:
		ok, err = EvalCondition(statement, tr, env.scope)
	}
	if err != nil {
		return StateSkip, nil, err
	}
	if ok {
		return StateDo, nil, nil
	}
	return StateSkip, nil, nil
}

// evalClicks decides a "the user clicks ..." guard by string match alone:
// a /click: payload's target, or the bare button label typed out, must
// equal one of the quoted names. No model is consulted.
func evalClicks(statement string, tr *Tracker) bool {
	if tr.LatestMessage == nil {
		return false
	}
	target := ClickTarget(tr.LatestMessage.Text)
	if target == "" {
		target = NormalizeInput(tr.LatestMessage.Text)
	}
	if target == "" {
		return false
	}
	for _, name := range quotedStrings(statement) {
		if strings.EqualFold(NormalizeInput(name), target) {
			return true
		}
	}
	return false
}

// evalClaims decides a "the user claims ..." guard. A button press is
// matched literally against the quoted examples; free text goes through
// the model as a yes/no intent question.
func evalClaims(ctx context.Context, statement string, env stepEnv, tr *Tracker) (bool, error) {
	if tr.LatestMessage == nil {
		return false, nil
	}
	examples := quotedStrings(statement)

	if target := ClickTarget(tr.LatestMessage.Text); target != "" {
		for _, ex := range examples {
			if strings.EqualFold(NormalizeInput(ex), target) {
				return true, nil
			}
		}
		return false, nil
	}

	if env.provider == nil {
		return false, &ErrLLM{Provider: "none", Message: "claims condition needs a model"}
	}
	userContent := "- Targets:\n" + strings.Join(examples, "\n") +
		"\n- Previous Conversation: \n " + tr.HistoryString() + "\n" +
		fmt.Sprintf("Does sentence %q have the same meaning as any sentences in the targets?", tr.LatestMessage.Text)
	req := ChatRequest{Messages: []ChatMessage{
		SystemMessage("Your task is to identify the user's intent. " +
			"I will give you some targets. " +
			"If the user's message has the same meaning as any one sentence in targets, " +
			"please respond with 'True'; otherwise, respond with 'False.' DO NOT EXPLAIN."),
		UserMessage(userContent),
	}}
	resp, err := env.provider.Chat(ctx, req)
	if err != nil {
		return false, err
	}
	return strings.Contains(resp.Content, "True"), nil
}

var quotedPattern = regexp.MustCompile(`"(.*?)"`)

func quotedStrings(s string) []string {
	var out []string
	for _, m := range quotedPattern.FindAllStringSubmatch(s, -1) {
		out = append(out, m[1])
	}
	return out
}

// --- label / next ---

// LabelStep names a jump target; running it is a no-op.
type LabelStep struct {
	stepBase
	Name string
}

func (s *LabelStep) Run(_ context.Context, _ stepEnv, _ *Tracker, info *FlowInfo) (StepState, []Event, error) {
	info.IsListen = false
	return StateFinished, nil, nil
}

// NextStep jumps to a label, bounded by a tries budget so loops written
// with label/next terminate.
type NextStep struct {
	stepBase
	Label string
	Tries int
}

func (s *NextStep) Run(_ context.Context, _ stepEnv, _ *Tracker, info *FlowInfo) (StepState, []Event, error) {
	info.IsListen = false
	if s.Tries > 0 && info.Count(s.id) >= s.Tries {
		return StateSkip, nil, nil
	}
	info.Incr(s.id)
	return StateDo, nil, nil
}

// --- call ---

// CallStep invokes either a registered function through the tool executor
// or another agent. An agent call pushes the callee onto the session stack
// with this step as the return address and parks in StateAwait until the
// outcome is delivered back.
type CallStep struct {
	stepBase
	Target string
	// Args maps callee argument names to caller-side sources.
	Args map[string]string
	// Flow is the owning flow agent name recorded in the return address.
	Flow string
}

func (s *CallStep) Run(ctx context.Context, env stepEnv, tr *Tracker, info *FlowInfo) (StepState, []Event, error) {
	info.IsListen = false

	callee, known := env.agents[s.Target]
	if _, isFunc := callee.(*Function); isFunc || !known {
		return s.runFunction(ctx, env, tr)
	}

	if outcome, ok := info.CallResult(s.id); ok {
		if _, failed := outcome.(*AgentFail); failed {
			return StateFailed, nil, nil
		}
		return StateFinished, nil, nil
	}

	entry := NewCurrentAgent(s.Target)
	entry.Metadata = map[string]any{"flow": s.Flow, "step": s.id}
	tr.PushAgent(entry)

	// Bind the callee's declared arguments: references write through to
	// the caller, anything else is copied as a literal.
	for target, source := range s.Args {
		srcAgent, srcArg := SplitArgRef(source, env.scope)
		if _, ok := tr.GetArg(srcAgent, srcArg); ok {
			tr.BindRef(s.Target, target, srcAgent, srcArg)
		} else {
			tr.SetArg(s.Target, target, literalValue(source))
		}
	}
	return StateAwait, nil, nil
}

func (s *CallStep) runFunction(ctx context.Context, env stepEnv, tr *Tracker) (StepState, []Event, error) {
	if env.tools == nil {
		return StateFinished, nil, &ErrTool{Name: s.Target, Message: "no tool executor configured"}
	}
	args := make(map[string]any, len(s.Args))
	for target, source := range s.Args {
		srcAgent, srcArg := SplitArgRef(source, env.scope)
		v, _ := tr.GetArg(srcAgent, srcArg)
		args[target] = v
	}
	result, err := env.tools.Execute(ctx, s.Target, args)
	if err != nil {
		env.log().Error("function call failed", "function", s.Target, "error", err)
		return StateFailed, nil, nil
	}
	if result.Status == "error" {
		env.log().Warn("function reported an error", "function", s.Target, "error", result.Error)
		return StateFailed, nil, nil
	}
	events := translateToolResult(result, s.Target, env.scope, tr)
	return StateFinished, events, nil
}

// --- return ---

// ReturnStep terminates the flow. Its result string is "status" or
// "status, message"; anything but success fails the flow and carries the
// message out in the failure metadata.
type ReturnStep struct {
	stepBase
	Result string
}

func (s *ReturnStep) Run(_ context.Context, env stepEnv, _ *Tracker, info *FlowInfo) (StepState, []Event, error) {
	info.IsListen = false
	status, msg := splitReturnResult(s.Result)
	if status == "success" || status == "complete" {
		return StateFinished, []Event{NewAgentComplete(env.scope)}, nil
	}
	fail := NewAgentFail(env.scope)
	if msg != "" {
		fail.Metadata = map[string]any{"msg": msg}
	}
	return StateFinished, []Event{fail}, nil
}

func splitReturnResult(s string) (status, msg string) {
	parts := strings.SplitN(s, ",", 2)
	status = strings.ToLower(strings.TrimSpace(parts[0]))
	if len(parts) == 2 {
		msg = strings.TrimSpace(parts[1])
	}
	return status, msg
}
