package colloquy

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Condition expressions guard if/else-if steps: comparisons over arguments
// and literals combined with and/or and parentheses, plus re.match regex
// tests. Examples:
//
//	amount > 100 and status == "pending"
//	(result == None or result == False) and tries < 3
//	re.match("^[0-9]{6}$", verify_code)
//
// Bare names resolve in the owning flow's scope; "agent.arg" paths reach
// into another agent's arguments.

type exprNode struct {
	op          string // "and", "or", "eq", "neq", "gt", "lt", "ge", "le", "regex"
	left, right *exprNode
	leftVal     string // comparison operands / regex pattern
	rightVal    string // comparison operand / regex arg name
}

type exprParser struct {
	tokens []string
	pos    int
}

// ParseCondition compiles an expression for repeated evaluation.
func ParseCondition(expr string) (*exprNode, error) {
	p := &exprParser{tokens: tokenizeExpr(expr)}
	if len(p.tokens) == 0 {
		return nil, fmt.Errorf("empty condition")
	}
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.tokens) {
		return nil, fmt.Errorf("condition %q: trailing tokens", expr)
	}
	return node, nil
}

// EvalCondition parses and evaluates in one shot.
func EvalCondition(expr string, tr *Tracker, scope string) (bool, error) {
	node, err := ParseCondition(expr)
	if err != nil {
		return false, err
	}
	return node.eval(tr, scope)
}

// tokenizeExpr splits an expression into parentheses, standalone and/or
// operators, re.match(...) calls, and comparison chunks.
func tokenizeExpr(expr string) []string {
	var tokens []string
	i := 0
	for i < len(expr) {
		c := expr[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n':
			i++
		case c == '(' || c == ')':
			tokens = append(tokens, string(c))
			i++
		case isWordAt(expr, i, "and"):
			tokens = append(tokens, "and")
			i += 3
		case isWordAt(expr, i, "or"):
			tokens = append(tokens, "or")
			i += 2
		case strings.HasPrefix(expr[i:], "re.match"):
			end := matchParen(expr, strings.Index(expr[i:], "(")+i)
			if end < 0 {
				// unbalanced; swallow the rest as one token and let the
				// parser report it
				tokens = append(tokens, expr[i:])
				i = len(expr)
				break
			}
			tokens = append(tokens, expr[i:end+1])
			i = end + 1
		default:
			j := i
			for j < len(expr) && expr[j] != '(' && expr[j] != ')' &&
				!isWordAt(expr, j, "and") && !isWordAt(expr, j, "or") {
				j++
			}
			if tok := strings.TrimSpace(expr[i:j]); tok != "" {
				tokens = append(tokens, tok)
			}
			i = j
		}
	}
	return tokens
}

// isWordAt reports whether a standalone keyword starts at pos — preceded
// and followed by nothing that could make it part of an identifier.
func isWordAt(expr string, pos int, word string) bool {
	if !strings.HasPrefix(expr[pos:], word) {
		return false
	}
	if pos > 0 {
		if prev := expr[pos-1]; isIdentByte(prev) {
			return false
		}
	}
	if next := pos + len(word); next < len(expr) && isIdentByte(expr[next]) {
		return false
	}
	return true
}

func isIdentByte(b byte) bool {
	return b == '_' || b == '.' ||
		(b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

// matchParen finds the index of the parenthesis closing the one at open.
func matchParen(s string, open int) int {
	depth := 0
	for i := open; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func (p *exprParser) parseOr() (*exprNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.pos < len(p.tokens) && p.tokens[p.pos] == "or" {
		p.pos++
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &exprNode{op: "or", left: left, right: right}
	}
	return left, nil
}

func (p *exprParser) parseAnd() (*exprNode, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for p.pos < len(p.tokens) && p.tokens[p.pos] == "and" {
		p.pos++
		right, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		left = &exprNode{op: "and", left: left, right: right}
	}
	return left, nil
}

var reMatchCall = regexp.MustCompile(`^re\.match\((.*),\s*(.*)\)$`)

func (p *exprParser) parsePrimary() (*exprNode, error) {
	if p.pos >= len(p.tokens) {
		return nil, fmt.Errorf("incomplete condition")
	}
	tok := p.tokens[p.pos]
	p.pos++

	if tok == "(" {
		node, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.pos >= len(p.tokens) || p.tokens[p.pos] != ")" {
			return nil, fmt.Errorf("unmatched parenthesis")
		}
		p.pos++
		return node, nil
	}

	if strings.HasPrefix(tok, "re.match") {
		m := reMatchCall.FindStringSubmatch(tok)
		if m == nil {
			return nil, fmt.Errorf("invalid regex condition %q", tok)
		}
		return &exprNode{op: "regex", leftVal: strings.TrimSpace(m[1]), rightVal: strings.TrimSpace(m[2])}, nil
	}

	for _, cmp := range []struct{ sym, op string }{
		{"==", "eq"}, {"!=", "neq"}, {">=", "ge"}, {"<=", "le"}, {">", "gt"}, {"<", "lt"},
	} {
		if idx := strings.Index(tok, cmp.sym); idx > 0 {
			left := strings.TrimSpace(tok[:idx])
			right := strings.TrimSpace(tok[idx+len(cmp.sym):])
			if left == "" || right == "" {
				break
			}
			return &exprNode{op: cmp.op, leftVal: left, rightVal: right}, nil
		}
	}
	return nil, fmt.Errorf("cannot parse condition token %q", tok)
}

func (n *exprNode) eval(tr *Tracker, scope string) (bool, error) {
	switch n.op {
	case "and":
		l, err := n.left.eval(tr, scope)
		if err != nil || !l {
			return false, err
		}
		return n.right.eval(tr, scope)
	case "or":
		l, err := n.left.eval(tr, scope)
		if err != nil {
			return false, err
		}
		if l {
			return true, nil
		}
		return n.right.eval(tr, scope)
	case "regex":
		pattern := strings.Trim(n.leftVal, `"'`)
		val := resolveOperand(n.rightVal, tr, scope)
		if val == nil {
			return false, nil
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf("regex condition: %w", err)
		}
		// anchored at the start, like re.match
		loc := re.FindStringIndex(valueString(val))
		return loc != nil && loc[0] == 0, nil
	default:
		left := resolveOperand(n.leftVal, tr, scope)
		right := resolveOperand(n.rightVal, tr, scope)
		return compareValues(n.op, left, right)
	}
}

// resolveOperand turns a condition operand into a value: None/True/False
// literals, tracker arguments (bare or agent-qualified), numbers, quoted
// strings, and finally the raw token itself.
func resolveOperand(s string, tr *Tracker, scope string) any {
	s = strings.TrimSpace(s)
	switch s {
	case "None":
		return nil
	case "True":
		return true
	case "False":
		return false
	}

	quoted := strings.HasPrefix(s, `"`) || strings.HasPrefix(s, `'`)
	if !quoted && strings.Contains(s, ".") {
		if agent, arg := SplitArgRef(s, scope); agent != scope {
			if v, ok := tr.GetArg(agent, arg); ok {
				return v
			}
		}
	}
	if v, ok := tr.GetArg(scope, s); ok {
		return v
	}
	if !quoted {
		if strings.Contains(s, ".") {
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				return f
			}
		} else if i, err := strconv.Atoi(s); err == nil {
			return i
		}
	}
	if len(s) >= 2 && (s[0] == '"' && s[len(s)-1] == '"' || s[0] == '\'' && s[len(s)-1] == '\'') {
		return s[1 : len(s)-1]
	}
	return s
}

// compareValues applies a comparison operator with numeric coercion:
// two numbers compare numerically, everything else compares by string
// rendering, nils only by identity.
func compareValues(op string, left, right any) (bool, error) {
	if left == nil || right == nil {
		switch op {
		case "eq":
			return left == nil && right == nil, nil
		case "neq":
			return (left == nil) != (right == nil), nil
		default:
			return false, nil
		}
	}

	lf, lok := toFloat(left)
	rf, rok := toFloat(right)
	if lok && rok {
		switch op {
		case "eq":
			return lf == rf, nil
		case "neq":
			return lf != rf, nil
		case "gt":
			return lf > rf, nil
		case "lt":
			return lf < rf, nil
		case "ge":
			return lf >= rf, nil
		case "le":
			return lf <= rf, nil
		}
	}

	ls, rs := valueString(left), valueString(right)
	switch op {
	case "eq":
		return ls == rs, nil
	case "neq":
		return ls != rs, nil
	case "gt":
		return ls > rs, nil
	case "lt":
		return ls < rs, nil
	case "ge":
		return ls >= rs, nil
	case "le":
		return ls <= rs, nil
	}
	return false, fmt.Errorf("unknown comparison %q", op)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
