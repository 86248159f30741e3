package colloquy

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Agent type tags accepted in bot definitions.
const (
	TypeLLMAgent      = "llm agent"
	TypeEnsembleAgent = "ensemble agent"
	TypeFlowAgent     = "flow agent"
	TypeFunction      = "function"
	TypeKBAgent       = "kb agent"
)

// BotDefinition is a parsed bot file: the main block plus the declared
// agents in document order.
type BotDefinition struct {
	Main   *MainDef
	Agents []*AgentDef
}

// Agent returns the named agent definition, or nil.
func (d *BotDefinition) Agent(name string) *AgentDef {
	for _, a := range d.Agents {
		if a.Name == name {
			return a
		}
	}
	return nil
}

// MainDef is the bot's entry block: a scheduler choice and the top-level
// steps run when a session starts.
type MainDef struct {
	Schedule string
	Steps    []Step
}

// PolicyRef names a fallback/exit agent ("default" for the built-in) or
// carries an inline policy text for a configured built-in.
type PolicyRef struct {
	Name   string
	Policy string
}

// ArgSource describes how an ensemble member's argument is supplied: a
// "ref " prefixed source binds the member's arg to the ensemble's so reads
// and writes pass through; anything else is copied into the member once
// when the session starts.
type ArgSource struct {
	Name string
	Ref  bool
}

// FAQEntry is one inline question/answer pair of a kb agent.
type FAQEntry struct {
	Question string
	Answer   string
}

// AgentDef is one agent declaration. Which fields are set depends on Type.
type AgentDef struct {
	Name        string
	Type        string
	Description string

	// llm agent
	Prompt string
	Uses   []string

	// llm / flow / ensemble
	Args []string

	// flow agent
	Steps    []Step
	Subflows map[string][]Step
	Fallback *PolicyRef

	// ensemble agent
	Contains     []string
	ContainsArgs map[string]map[string]ArgSource
	Exit         *PolicyRef

	// function
	FuncArgs []FunctionArg
	Required []string

	// kb agent
	FAQ   []FAQEntry
	Files []string
	Web   []string
}

// ParseBotDefinition decodes a YAML bot file into typed steps and agent
// declarations. Errors carry the YAML path and line of the offending node.
func ParseBotDefinition(data []byte) (*BotDefinition, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &ErrDefinition{Message: err.Error()}
	}
	if len(doc.Content) == 0 {
		return nil, &ErrDefinition{Message: "empty bot definition"}
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, &ErrDefinition{Line: root.Line, Message: "bot definition must be a mapping"}
	}

	p := &defParser{}
	def := &BotDefinition{}
	for i := 0; i+1 < len(root.Content); i += 2 {
		key, value := root.Content[i], root.Content[i+1]
		if key.Value == "main" {
			main, err := p.parseMain(value)
			if err != nil {
				return nil, err
			}
			def.Main = main
			continue
		}
		if value.Kind != yaml.MappingNode {
			continue
		}
		typ := mapScalar(value, "type")
		if typ == "" {
			continue
		}
		agent, err := p.parseAgent(key.Value, typ, value)
		if err != nil {
			return nil, err
		}
		def.Agents = append(def.Agents, agent)
	}
	if def.Main == nil {
		return nil, &ErrDefinition{Path: "main", Message: "missing main block"}
	}
	return def, nil
}

// defParser hands out document-unique step ids, so flow paths and tries
// counters survive any step being reached from several directions.
type defParser struct {
	seq int
}

func (p *defParser) nextID() string {
	p.seq++
	return fmt.Sprintf("s%d", p.seq)
}

func (p *defParser) parseMain(node *yaml.Node) (*MainDef, error) {
	if node.Kind != yaml.MappingNode {
		return nil, &ErrDefinition{Path: "main", Line: node.Line, Message: "main must be a mapping"}
	}
	stepsNode := mapValue(node, "steps")
	if stepsNode == nil || stepsNode.Kind != yaml.SequenceNode {
		return nil, &ErrDefinition{Path: "main.steps", Line: node.Line, Message: "main needs a steps list"}
	}
	main := &MainDef{Schedule: "priority"}
	for _, item := range stepsNode.Content {
		// A leading {schedule: ...} entry picks the scheduler and is not
		// itself a step.
		if item.Kind == yaml.MappingNode {
			if schedule := mapScalar(item, "schedule"); schedule != "" {
				main.Schedule = schedule
				continue
			}
		}
		step, extra, err := p.parseStep(item, "main", "main.steps")
		if err != nil {
			return nil, err
		}
		main.Steps = append(main.Steps, step)
		main.Steps = append(main.Steps, extra...)
	}
	return main, nil
}

func (p *defParser) parseAgent(name, typ string, node *yaml.Node) (*AgentDef, error) {
	agent := &AgentDef{
		Name:        name,
		Type:        typ,
		Description: mapScalar(node, "description"),
	}
	switch typ {
	case TypeLLMAgent:
		agent.Prompt = mapScalar(node, "prompt")
		agent.Args = scalarList(mapValue(node, "args"))
		agent.Uses = scalarList(mapValue(node, "uses"))
	case TypeEnsembleAgent:
		agent.Contains, agent.ContainsArgs = memberList(mapValue(node, "contains"))
		agent.Args = scalarList(mapValue(node, "args"))
		if stepsNode := mapValue(node, "steps"); stepsNode != nil {
			steps, err := p.parseStepList(stepsNode, name, name+".steps")
			if err != nil {
				return nil, err
			}
			agent.Steps = steps
		}
		var err error
		if agent.Fallback, err = parsePolicyRef(mapValue(node, "fallback"), name+".fallback"); err != nil {
			return nil, err
		}
		if agent.Exit, err = parsePolicyRef(mapValue(node, "exit"), name+".exit"); err != nil {
			return nil, err
		}
	case TypeFlowAgent:
		agent.Args = scalarList(mapValue(node, "args"))
		var err error
		if agent.Fallback, err = parsePolicyRef(mapValue(node, "fallback"), name+".fallback"); err != nil {
			return nil, err
		}
		agent.Subflows = map[string][]Step{}
		for i := 0; i+1 < len(node.Content); i += 2 {
			key, value := node.Content[i], node.Content[i+1]
			switch key.Value {
			case "type", "description", "fallback", "exit", "args":
				continue
			}
			if value.Kind != yaml.SequenceNode {
				return nil, &ErrDefinition{
					Path: name + "." + key.Value, Line: value.Line,
					Message: "flow agent blocks must be step lists",
				}
			}
			steps, err := p.parseStepList(value, name, name+"."+key.Value)
			if err != nil {
				return nil, err
			}
			if key.Value == "steps" {
				agent.Steps = steps
			} else {
				agent.Subflows[key.Value] = steps
			}
		}
		if agent.Steps == nil {
			return nil, &ErrDefinition{Path: name, Line: node.Line, Message: "flow agent needs a steps list"}
		}
	case TypeFunction:
		if argsNode := mapValue(node, "args"); argsNode != nil {
			for _, item := range argsNode.Content {
				switch item.Kind {
				case yaml.ScalarNode:
					agent.FuncArgs = append(agent.FuncArgs, FunctionArg{Name: item.Value})
				case yaml.MappingNode:
					if len(item.Content) >= 2 {
						agent.FuncArgs = append(agent.FuncArgs, FunctionArg{
							Name:        item.Content[0].Value,
							Description: item.Content[1].Value,
						})
					}
				}
			}
		}
		agent.Required = scalarList(mapValue(node, "required"))
	case TypeKBAgent:
		if faqNode := mapValue(node, "faq"); faqNode != nil && faqNode.Kind == yaml.MappingNode {
			for i := 0; i+1 < len(faqNode.Content); i += 2 {
				agent.FAQ = append(agent.FAQ, FAQEntry{
					Question: faqNode.Content[i].Value,
					Answer:   faqNode.Content[i+1].Value,
				})
			}
		}
		if fileNode := mapValue(node, "file"); fileNode != nil {
			if fileNode.Kind == yaml.ScalarNode {
				agent.Files = []string{fileNode.Value}
			} else {
				agent.Files = scalarList(fileNode)
			}
		}
		agent.Web = scalarList(mapValue(node, "web"))
	default:
		return nil, &ErrDefinition{Path: name, Line: node.Line, Message: "unknown agent type " + strconv.Quote(typ)}
	}
	return agent, nil
}

// parseStepList parses a YAML sequence of steps, flattening the extra
// sibling produced by an if/else-if entry that carries its own else.
func (p *defParser) parseStepList(node *yaml.Node, flow, path string) ([]Step, error) {
	if node.Kind != yaml.SequenceNode {
		return nil, &ErrDefinition{Path: path, Line: node.Line, Message: "expected a step list"}
	}
	var steps []Step
	for _, item := range node.Content {
		step, extra, err := p.parseStep(item, flow, path)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
		steps = append(steps, extra...)
	}
	return steps, nil
}

// parseStep parses one step node. An if/else-if entry with an attached
// else yields that else as an extra sibling step.
func (p *defParser) parseStep(node *yaml.Node, flow, path string) (Step, []Step, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Value == "user" {
			return &UserStep{stepBase{p.nextID()}}, nil, nil
		}
		// A bare string jumps to the named label or subflow.
		return &NextStep{stepBase: stepBase{p.nextID()}, Label: node.Value}, nil, nil
	case yaml.MappingNode:
		return p.parseMappingStep(node, flow, path)
	}
	return nil, nil, &ErrDefinition{Path: path, Line: node.Line, Message: "step must be a mapping or string"}
}

func (p *defParser) parseMappingStep(node *yaml.Node, flow, path string) (Step, []Step, error) {
	tries := mapInt(node, "tries")
	switch {
	case mapValue(node, "bot") != nil:
		return &BotStep{stepBase: stepBase{p.nextID()}, Text: mapScalar(node, "bot")}, nil, nil

	case mapValue(node, "set") != nil:
		setNode := mapValue(node, "set")
		if setNode.Kind != yaml.MappingNode {
			return nil, nil, &ErrDefinition{Path: path + ".set", Line: setNode.Line, Message: "set expects a mapping"}
		}
		step := &SetStep{stepBase: stepBase{p.nextID()}}
		for i := 0; i+1 < len(setNode.Content); i += 2 {
			step.Assignments = append(step.Assignments, Assignment{
				Target: setNode.Content[i].Value,
				Source: setNode.Content[i+1].Value,
			})
		}
		return step, nil, nil

	case mapValue(node, "if") != nil:
		return p.parseGuardStep(node, "if", tries, flow, path)

	case mapValue(node, "else if") != nil:
		return p.parseGuardStep(node, "else if", tries, flow, path)

	case mapValue(node, "else") != nil:
		body, err := p.parseBranch(mapValue(node, "else"), flow, path+".else")
		if err != nil {
			return nil, nil, err
		}
		return &ElseStep{stepBase: stepBase{p.nextID()}, Tries: tries, Body: body}, nil, nil

	case mapValue(node, "label") != nil:
		return &LabelStep{stepBase: stepBase{p.nextID()}, Name: mapScalar(node, "label")}, nil, nil

	case mapValue(node, "next") != nil:
		return &NextStep{stepBase: stepBase{p.nextID()}, Label: mapScalar(node, "next"), Tries: tries}, nil, nil

	case mapValue(node, "call") != nil:
		step := &CallStep{stepBase: stepBase{p.nextID()}, Target: mapScalar(node, "call"), Flow: flow}
		if argsNode := mapValue(node, "args"); argsNode != nil && argsNode.Kind == yaml.MappingNode {
			step.Args = make(map[string]string, len(argsNode.Content)/2)
			for i := 0; i+1 < len(argsNode.Content); i += 2 {
				step.Args[argsNode.Content[i].Value] = argsNode.Content[i+1].Value
			}
		}
		return step, nil, nil

	case mapValue(node, "return") != nil:
		return &ReturnStep{stepBase: stepBase{p.nextID()}, Result: mapScalar(node, "return")}, nil, nil
	}
	return nil, nil, &ErrDefinition{Path: path, Line: node.Line, Message: "unrecognized step"}
}

func (p *defParser) parseGuardStep(node *yaml.Node, keyword string, tries int, flow, path string) (Step, []Step, error) {
	statement := mapScalar(node, keyword)
	thenNode := mapValue(node, "then")
	var body []Step
	if thenNode != nil {
		var err error
		if body, err = p.parseBranch(thenNode, flow, path+".then"); err != nil {
			return nil, nil, err
		}
	}

	var cond *exprNode
	if !isClaimsStatement(statement) && !isClicksStatement(statement) {
		parsed, err := ParseCondition(statement)
		if err != nil {
			return nil, nil, &ErrDefinition{Path: path, Line: node.Line, Message: err.Error()}
		}
		cond = parsed
	}

	var step Step
	if keyword == "if" {
		step = &IfStep{stepBase: stepBase{p.nextID()}, Statement: statement, Tries: tries, Body: body, cond: cond}
	} else {
		step = &ElseIfStep{stepBase: stepBase{p.nextID()}, Statement: statement, Tries: tries, Body: body, cond: cond}
	}

	// An else attached to the same entry becomes the following sibling, so
	// the advance logic sees a plain if/else chain.
	var extra []Step
	if elseNode := mapValue(node, "else"); elseNode != nil {
		elseBody, err := p.parseBranch(elseNode, flow, path+".else")
		if err != nil {
			return nil, nil, err
		}
		extra = append(extra, &ElseStep{stepBase: stepBase{p.nextID()}, Body: elseBody})
	}
	return step, extra, nil
}

// parseBranch accepts a step list or a single inline step.
func (p *defParser) parseBranch(node *yaml.Node, flow, path string) ([]Step, error) {
	if node.Kind == yaml.SequenceNode {
		return p.parseStepList(node, flow, path)
	}
	step, extra, err := p.parseStep(node, flow, path)
	if err != nil {
		return nil, err
	}
	return append([]Step{step}, extra...), nil
}

func parsePolicyRef(node *yaml.Node, path string) (*PolicyRef, error) {
	if node == nil {
		return nil, nil
	}
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Value == "" {
			return nil, nil
		}
		return &PolicyRef{Name: node.Value}, nil
	case yaml.MappingNode:
		if policy := mapScalar(node, "policy"); policy != "" {
			return &PolicyRef{Policy: policy}, nil
		}
	}
	return nil, &ErrDefinition{Path: path, Line: node.Line, Message: "expected an agent name or {policy: ...}"}
}

// --- yaml node helpers ---

func mapValue(node *yaml.Node, key string) *yaml.Node {
	if node == nil || node.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1]
		}
	}
	return nil
}

func mapScalar(node *yaml.Node, key string) string {
	if v := mapValue(node, key); v != nil && v.Kind == yaml.ScalarNode {
		return v.Value
	}
	return ""
}

func mapInt(node *yaml.Node, key string) int {
	if v := mapValue(node, key); v != nil && v.Kind == yaml.ScalarNode {
		if n, err := strconv.Atoi(v.Value); err == nil {
			return n
		}
	}
	return 0
}

// memberList parses an ensemble's contains entries: bare names, or
// {name: {arg: source}} blocks binding the member's arguments to the
// ensemble's own.
func memberList(node *yaml.Node) ([]string, map[string]map[string]ArgSource) {
	if node == nil {
		return nil, nil
	}
	var names []string
	var bindings map[string]map[string]ArgSource
	for _, item := range node.Content {
		switch item.Kind {
		case yaml.ScalarNode:
			names = append(names, item.Value)
		case yaml.MappingNode:
			if len(item.Content) < 2 {
				continue
			}
			name := item.Content[0].Value
			names = append(names, name)
			argsNode := item.Content[1]
			if argsNode.Kind != yaml.MappingNode {
				continue
			}
			for i := 0; i+1 < len(argsNode.Content); i += 2 {
				src := ArgSource{Name: argsNode.Content[i+1].Value}
				if rest, ok := strings.CutPrefix(src.Name, "ref "); ok {
					src = ArgSource{Name: strings.TrimSpace(rest), Ref: true}
				}
				if bindings == nil {
					bindings = make(map[string]map[string]ArgSource)
				}
				if bindings[name] == nil {
					bindings[name] = make(map[string]ArgSource)
				}
				bindings[name][argsNode.Content[i].Value] = src
			}
		}
	}
	return names, bindings
}

func scalarList(node *yaml.Node) []string {
	if node == nil {
		return nil
	}
	var out []string
	for _, item := range node.Content {
		switch item.Kind {
		case yaml.ScalarNode:
			out = append(out, item.Value)
		case yaml.MappingNode:
			// {name: description} entries contribute the name.
			if len(item.Content) > 0 {
				out = append(out, item.Content[0].Value)
			}
		}
	}
	return out
}
