package ingest

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Chunker splits text into pieces suitable for embedding: paragraphs
// first, then sentences, then words, merged back up to the size limit
// with a configurable overlap between consecutive chunks.
type Chunker struct {
	maxChars     int
	overlapChars int
}

// ChunkerOption configures a Chunker.
type ChunkerOption func(*Chunker)

// WithChunkSize sets the maximum characters per chunk. Default 1000.
func WithChunkSize(n int) ChunkerOption {
	return func(c *Chunker) {
		if n > 0 {
			c.maxChars = n
		}
	}
}

// WithOverlap sets the characters of overlap between chunks. Default 200.
func WithOverlap(n int) ChunkerOption {
	return func(c *Chunker) {
		if n >= 0 {
			c.overlapChars = n
		}
	}
}

// NewChunker creates a Chunker with the given options.
func NewChunker(opts ...ChunkerOption) *Chunker {
	c := &Chunker{maxChars: 1000, overlapChars: 200}
	for _, opt := range opts {
		opt(c)
	}
	if c.overlapChars >= c.maxChars {
		c.overlapChars = c.maxChars / 4
	}
	return c
}

// Chunk splits text into overlapping chunks.
func (c *Chunker) Chunk(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= c.maxChars {
		return []string{text}
	}
	segments := splitRecursive(text, c.maxChars)
	return mergeWithOverlap(segments, c.maxChars, c.overlapChars)
}

// splitRecursive breaks text at paragraph boundaries, descending to
// sentence and word boundaries for oversized pieces.
func splitRecursive(text string, maxChars int) []string {
	var segments []string
	for _, p := range strings.Split(text, "\n\n") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if len(p) <= maxChars {
			segments = append(segments, p)
			continue
		}
		for _, s := range splitSentences(p) {
			if len(s) <= maxChars {
				segments = append(segments, s)
			} else {
				segments = append(segments, splitWords(s, maxChars)...)
			}
		}
	}
	return segments
}

// splitSentences splits on sentence-ending punctuation followed by
// whitespace. Handles CJK terminators alongside ASCII ones.
func splitSentences(text string) []string {
	var sentences []string
	start := 0
	i := 0
	for i < len(text) {
		r, size := utf8.DecodeRuneInString(text[i:])
		i += size
		if !isSentenceEnd(r) {
			continue
		}
		next, _ := utf8.DecodeRuneInString(text[i:])
		if i >= len(text) || unicode.IsSpace(next) {
			s := strings.TrimSpace(text[start:i])
			if s != "" {
				sentences = append(sentences, s)
			}
			start = i
		}
	}
	if tail := strings.TrimSpace(text[start:]); tail != "" {
		sentences = append(sentences, tail)
	}
	return sentences
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?', '。', '！', '？':
		return true
	}
	return false
}

// splitWords breaks text at word boundaries into pieces at most maxChars
// long; a single oversized word is cut mid-word.
func splitWords(text string, maxChars int) []string {
	var segments []string
	var cur strings.Builder
	for _, w := range strings.Fields(text) {
		for len(w) > maxChars {
			if cur.Len() > 0 {
				segments = append(segments, cur.String())
				cur.Reset()
			}
			segments = append(segments, w[:maxChars])
			w = w[maxChars:]
		}
		if cur.Len() > 0 && cur.Len()+1+len(w) > maxChars {
			segments = append(segments, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(w)
	}
	if cur.Len() > 0 {
		segments = append(segments, cur.String())
	}
	return segments
}

// mergeWithOverlap greedily packs segments up to maxChars, prepending the
// tail of each emitted chunk to the next one.
func mergeWithOverlap(segments []string, maxChars, overlapChars int) []string {
	var chunks []string
	var cur strings.Builder
	for _, seg := range segments {
		if cur.Len() > 0 && cur.Len()+2+len(seg) > maxChars {
			chunk := cur.String()
			chunks = append(chunks, chunk)
			cur.Reset()
			if overlapChars > 0 {
				cur.WriteString(overlapTail(chunk, overlapChars))
				cur.WriteString("\n\n")
			}
		}
		if cur.Len() > 0 && !strings.HasSuffix(cur.String(), "\n\n") {
			cur.WriteString("\n\n")
		}
		cur.WriteString(seg)
	}
	if strings.TrimSpace(cur.String()) != "" {
		chunks = append(chunks, cur.String())
	}
	return chunks
}

// overlapTail returns the last n characters of chunk, extended left to
// the nearest word boundary.
func overlapTail(chunk string, n int) string {
	if len(chunk) <= n {
		return chunk
	}
	tail := chunk[len(chunk)-n:]
	if idx := strings.IndexAny(tail, " \n"); idx >= 0 {
		tail = tail[idx+1:]
	}
	return strings.TrimSpace(tail)
}
