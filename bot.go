package colloquy

import (
	"context"
	"log/slog"
	"sync"
)

// Bot is one assembled chatbot: the agent graph, the scheduler, the tool
// executor, and the per-sender session store. Safe for concurrent use;
// turns from the same sender are serialized.
type Bot struct {
	name       string
	agents     map[string]Agent
	entrypoint Agent
	scheduler  Scheduler
	store      TrackerStore
	tools      ToolExecutor
	logger     *slog.Logger
	retriever  *Retriever

	argsTemplate map[string][]string
	globals      []string

	mu    sync.Mutex
	turns map[string]*sync.Mutex
}

// BotOption configures bot assembly.
type BotOption func(*Bot)

// WithLogger sets the bot's logger. Default discards.
func WithLogger(l *slog.Logger) BotOption {
	return func(b *Bot) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithTrackerStore sets the session store. Default keeps sessions in
// process memory.
func WithTrackerStore(s TrackerStore) BotOption {
	return func(b *Bot) {
		if s != nil {
			b.store = s
		}
	}
}

// WithToolExecutor sets the executor behind call steps and model tool
// calls. Default is an empty in-process registry.
func WithToolExecutor(t ToolExecutor) BotOption {
	return func(b *Bot) {
		if t != nil {
			b.tools = t
		}
	}
}

// WithScheduler overrides the scheduler chosen by the definition.
func WithScheduler(s Scheduler) BotOption {
	return func(b *Bot) {
		if s != nil {
			b.scheduler = s
		}
	}
}

// WithRetriever attaches an indexed retriever for the definition's kb
// agent. Without it a declared kb agent cannot answer.
func WithRetriever(r *Retriever) BotOption {
	return func(b *Bot) { b.retriever = r }
}

// FromYAML parses a YAML bot definition and assembles the bot.
func FromYAML(name string, data []byte, provider Provider, opts ...BotOption) (*Bot, error) {
	def, err := ParseBotDefinition(data)
	if err != nil {
		return nil, err
	}
	return NewBot(name, def, provider, opts...)
}

// NewBot assembles a bot from a parsed definition.
func NewBot(name string, def *BotDefinition, provider Provider, opts ...BotOption) (*Bot, error) {
	if name == "" {
		name = ShortID(10)
	}
	b := &Bot{
		name:   name,
		agents: make(map[string]Agent),
		store:  NewMemoryTrackerStore(),
		tools:  NewRegistry(),
		logger: nopLogger,
		turns:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(b)
	}

	if b.scheduler == nil {
		switch def.Main.Schedule {
		case "dispatcher":
			b.scheduler = NewDispatcherScheduler()
		default:
			b.scheduler = NewPriorityScheduler()
		}
	}

	b.entrypoint = NewMain("main", def.Main.Steps)
	b.agents["main"] = b.entrypoint

	for _, ad := range def.Agents {
		agent, err := b.buildAgent(ad, provider)
		if err != nil {
			return nil, err
		}
		b.agents[ad.Name] = agent
	}
	if err := b.resolvePolicies(def, provider); err != nil {
		return nil, err
	}

	b.argsTemplate = map[string][]string{}
	for agentName, agent := range b.agents {
		b.argsTemplate[agentName] = agent.ArgNames()
	}
	for _, agent := range b.agents {
		if ens, ok := agent.(*EnsembleAgent); ok {
			b.globals = append(b.globals, ens.ArgNames()...)
		}
	}

	b.logger.Debug("bot assembled", "name", b.name, "agents", len(b.agents))
	return b, nil
}

func (b *Bot) buildAgent(ad *AgentDef, provider Provider) (Agent, error) {
	switch ad.Type {
	case TypeLLMAgent:
		return NewLLMAgent(ad.Name, ad.Description, ad.Prompt, ad.Args, ad.Uses, provider, nil), nil
	case TypeEnsembleAgent:
		ens := NewEnsembleAgent(ad.Name, ad.Description, ad.Contains, ad.Steps, ad.Args, provider, nil, nil)
		ens.bindings = ad.ContainsArgs
		return ens, nil
	case TypeFlowAgent:
		return NewFlowAgent(ad.Name, ad.Description, ad.Steps, ad.Subflows, ad.Args, provider, nil), nil
	case TypeFunction:
		return NewFunction(ad.Name, ad.Description, ad.FuncArgs, ad.Required), nil
	case TypeKBAgent:
		if b.retriever == nil {
			b.logger.Warn("kb agent declared without a retriever", "agent", ad.Name)
		}
		return NewKBAgent(ad.Name, ad.Description, b.retriever), nil
	}
	return nil, &ErrDefinition{Path: ad.Name, Message: "unknown agent type " + ad.Type}
}

// resolvePolicies wires fallback and exit references after every agent
// exists: "default" and inline {policy: ...} blocks become configured
// built-ins registered beside the graph; names must resolve.
func (b *Bot) resolvePolicies(def *BotDefinition, provider Provider) error {
	for _, ad := range def.Agents {
		agent := b.agents[ad.Name]
		if ad.Fallback != nil {
			fb, err := b.resolveFallback(ad, provider)
			if err != nil {
				return err
			}
			switch a := agent.(type) {
			case *EnsembleAgent:
				a.fallback = fb
			case *FlowAgent:
				a.fallback = fb
			}
		}
		if ad.Exit != nil {
			ens, ok := agent.(*EnsembleAgent)
			if !ok {
				continue
			}
			exit, err := b.resolveExit(ad, provider)
			if err != nil {
				return err
			}
			ens.exit = exit
		}
	}
	return nil
}

func (b *Bot) resolveFallback(ad *AgentDef, provider Provider) (Agent, error) {
	ref := ad.Fallback
	switch {
	case ref.Policy != "":
		fb := NewDefaultFallbackAgent(ref.Policy, provider)
		fb.name = "FallbackAgent_" + ad.Name
		b.agents[fb.name] = fb
		return fb, nil
	case ref.Name == "default":
		fb := NewDefaultFallbackAgent("", provider)
		fb.name = DefaultFallbackName + "_" + ad.Name
		b.agents[fb.name] = fb
		return fb, nil
	default:
		fb, ok := b.agents[ref.Name]
		if !ok {
			return nil, &ErrDefinition{Path: ad.Name + ".fallback", Message: "fallback agent " + ref.Name + " not found"}
		}
		return fb, nil
	}
}

func (b *Bot) resolveExit(ad *AgentDef, provider Provider) (Agent, error) {
	ref := ad.Exit
	switch {
	case ref.Policy != "":
		exit := NewDefaultExitAgent(ref.Policy, "", provider)
		exit.name = "ExitAgent_" + ad.Name
		b.agents[exit.name] = exit
		return exit, nil
	case ref.Name == "default":
		exit := NewDefaultExitAgent("", "", provider)
		exit.name = DefaultExitName + "_" + ad.Name
		b.agents[exit.name] = exit
		return exit, nil
	default:
		exit, ok := b.agents[ref.Name]
		if !ok {
			return nil, &ErrDefinition{Path: ad.Name + ".exit", Message: "exit agent " + ref.Name + " not found"}
		}
		return exit, nil
	}
}

// Name returns the bot's name.
func (b *Bot) Name() string { return b.name }

// Agent returns the named agent, or nil.
func (b *Bot) Agent(name string) Agent { return b.agents[name] }

// Tracker returns the sender's session, or nil before first contact.
func (b *Bot) Tracker(sender string) (*Tracker, error) {
	return b.store.Retrieve(sender)
}

// HandleMessage runs one user turn and returns the bot's responses in
// order. Concurrent messages from the same sender are processed one at a
// time.
func (b *Bot) HandleMessage(ctx context.Context, sender, text string) ([]string, error) {
	lock := b.turnLock(sender)
	lock.Lock()
	defer lock.Unlock()

	tr, err := b.store.GetOrCreate(sender, b.name, b.argsTemplate, b.globals)
	if err != nil {
		return nil, err
	}
	tr.SetLogger(b.logger)
	b.installBindings(tr)
	tr.Update(NewUserInput(text))
	responses, err := b.scheduler.PredictNextAction(ctx, sender, tr, b)
	if saveErr := b.store.Save(tr); saveErr != nil {
		b.logger.Error("save tracker", "sender", sender, "error", saveErr)
	}
	return responses, err
}

// installBindings wires each ensemble's declared member bindings into the
// session. Refs read and write through to the ensemble's argument; values
// are copied into the member once, while its slot is still unset. Safe to
// repeat every turn: refs overwrite identically and landed copies stick.
func (b *Bot) installBindings(tr *Tracker) {
	for _, agent := range b.agents {
		ens, ok := agent.(*EnsembleAgent)
		if !ok {
			continue
		}
		for member, args := range ens.bindings {
			for arg, src := range args {
				if src.Ref {
					tr.BindRef(member, arg, ens.name, src.Name)
					continue
				}
				if v, ok := tr.GetArg(member, arg); ok && v != nil {
					continue
				}
				if v, ok := tr.GetArg(ens.name, src.Name); ok {
					if v != nil {
						tr.SetArg(member, arg, v)
					}
				} else {
					tr.SetArg(member, arg, literalValue(src.Name))
				}
			}
		}
	}
}

func (b *Bot) turnLock(sender string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	lock, ok := b.turns[sender]
	if !ok {
		lock = &sync.Mutex{}
		b.turns[sender] = lock
	}
	return lock
}

func (b *Bot) runContext(meta map[string]any) RunContext {
	return RunContext{Agents: b.agents, Tools: b.tools, CurrentNodes: meta, Logger: b.logger}
}
