package ingest

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// MarkdownExtractor renders markdown to plain text by walking the
// goldmark AST: headings and paragraphs become blank-line separated
// blocks, formatting and link targets are dropped.
type MarkdownExtractor struct{}

func (MarkdownExtractor) Extract(content []byte) (string, error) {
	md := goldmark.New()
	reader := text.NewReader(content)
	root := md.Parser().Parse(reader)

	var b strings.Builder
	err := ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Heading, *ast.Paragraph, *ast.ListItem, *ast.Blockquote:
			if b.Len() > 0 {
				b.WriteString("\n\n")
			}
			writeNodeText(&b, node, content)
			return ast.WalkSkipChildren, nil
		case *ast.FencedCodeBlock:
			if b.Len() > 0 {
				b.WriteString("\n\n")
			}
			lines := node.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				b.Write(seg.Value(content))
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(b.String()), nil
}

// writeNodeText collects the text content of a block node's inline
// children, joining segments with single spaces.
func writeNodeText(b *strings.Builder, node ast.Node, source []byte) {
	first := true
	_ = ast.Walk(node, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if t, ok := n.(*ast.Text); ok {
			seg := t.Segment
			piece := strings.TrimSpace(string(seg.Value(source)))
			if piece == "" {
				return ast.WalkContinue, nil
			}
			if !first {
				b.WriteByte(' ')
			}
			b.WriteString(piece)
			first = false
		}
		return ast.WalkContinue, nil
	})
}

var _ Extractor = MarkdownExtractor{}
