package colloquy

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

var interpolatePattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Interpolate replaces ${arg} and ${agent.arg} references in s with values
// from the tracker, resolving bare names against scope. Unknown or nil
// references collapse to the empty string.
func Interpolate(s, scope string, tr *Tracker) string {
	return interpolatePattern.ReplaceAllStringFunc(s, func(m string) string {
		ref := m[2 : len(m)-1]
		agent, arg := SplitArgRef(ref, scope)
		value, ok := tr.GetArg(agent, arg)
		if !ok || value == nil {
			return ""
		}
		return valueString(value)
	})
}

// SplitArgRef resolves an "agent.arg" path. A bare name belongs to the
// current scope; the split is on the last dot so agent names may be dotted.
func SplitArgRef(ref, scope string) (agent, arg string) {
	if i := strings.LastIndex(ref, "."); i > 0 && i < len(ref)-1 {
		return ref[:i], ref[i+1:]
	}
	return scope, ref
}

// NormalizeInput canonicalizes inbound text: trims surrounding space and
// applies NFKC so full-width punctuation and compatibility forms compare
// equal to their ASCII counterparts in click and label matching.
func NormalizeInput(s string) string {
	return norm.NFKC.String(strings.TrimSpace(s))
}

// ClickTarget extracts NAME from a "/click: NAME" button payload.
// Returns "" when the text is not a click.
func ClickTarget(text string) string {
	t := NormalizeInput(text)
	if !strings.HasPrefix(t, ClickPrefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(t, ClickPrefix))
}

// truncateDisplay shortens s to at most max display cells, counting East
// Asian wide runes as two. Used when rendering history into logs.
func truncateDisplay(s string, max int) string {
	if max <= 3 {
		max = 3
	}
	var b strings.Builder
	cells := 0
	for _, r := range s {
		w := 1
		switch width.LookupRune(r).Kind() {
		case width.EastAsianWide, width.EastAsianFullwidth:
			w = 2
		}
		if cells+w > max-3 {
			return b.String() + "..."
		}
		b.WriteRune(r)
		cells += w
	}
	return s
}

// valueString renders an argument value for interpolation and prompts.
func valueString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}
