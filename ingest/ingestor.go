package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/colloquy-ai/colloquy"
)

// Ingestor collects a bot definition's knowledge sources into documents
// ready for indexing.
type Ingestor struct {
	chunker *Chunker
	client  *http.Client
	logger  *slog.Logger
}

// IngestorOption configures an Ingestor.
type IngestorOption func(*Ingestor)

// WithChunker replaces the default chunker.
func WithChunker(c *Chunker) IngestorOption {
	return func(in *Ingestor) {
		if c != nil {
			in.chunker = c
		}
	}
}

// WithHTTPClient sets the client used to fetch web sources.
func WithHTTPClient(c *http.Client) IngestorOption {
	return func(in *Ingestor) {
		if c != nil {
			in.client = c
		}
	}
}

// WithLogger sets the ingestor's logger. Default discards.
func WithLogger(l *slog.Logger) IngestorOption {
	return func(in *Ingestor) {
		if l != nil {
			in.logger = l
		}
	}
}

// NewIngestor creates an Ingestor with default chunking (1000/200).
func NewIngestor(opts ...IngestorOption) *Ingestor {
	in := &Ingestor{
		chunker: NewChunker(),
		client:  http.DefaultClient,
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Collect gathers every knowledge source declared by the definition's kb
// agents. Unreadable files and unreachable pages are logged and skipped;
// a bot with a broken source still starts.
func (in *Ingestor) Collect(ctx context.Context, def *colloquy.BotDefinition) []colloquy.Document {
	var docs []colloquy.Document
	for _, ad := range def.Agents {
		if ad.Type != colloquy.TypeKBAgent {
			continue
		}
		docs = append(docs, in.FromFAQ(ad.FAQ)...)
		for _, path := range ad.Files {
			fileDocs, err := in.FromFile(path)
			if err != nil {
				in.logger.Error("ingest file", "path", path, "error", err)
				continue
			}
			docs = append(docs, fileDocs...)
		}
		for _, rawURL := range ad.Web {
			webDocs, err := in.FromWeb(ctx, rawURL)
			if err != nil {
				in.logger.Error("ingest web page", "url", rawURL, "error", err)
				continue
			}
			docs = append(docs, webDocs...)
		}
	}
	return docs
}

// FromFAQ turns inline question/answer pairs into one document each.
// FAQ entries are never chunked; each pair is one retrieval unit.
func (in *Ingestor) FromFAQ(entries []colloquy.FAQEntry) []colloquy.Document {
	docs := make([]colloquy.Document, 0, len(entries))
	for _, e := range entries {
		docs = append(docs, colloquy.Document{
			ID:      colloquy.NewID(),
			Content: fmt.Sprintf("Q: %s\nA: %s", e.Question, e.Answer),
			Metadata: map[string]any{
				"source":   "faq",
				"question": e.Question,
				"answer":   e.Answer,
			},
		})
	}
	return docs
}

// FromFile reads, extracts, and chunks one local file. The extractor is
// chosen by extension: markdown, pdf, or plain text.
func (in *Ingestor) FromFile(path string) ([]colloquy.Document, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	text, err := ExtractorFor(ContentTypeFromExtension(ext)).Extract(content)
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", path, err)
	}
	return in.chunkDocs(text, map[string]any{"source": path}), nil
}

// FromWeb fetches and chunks one web page.
func (in *Ingestor) FromWeb(ctx context.Context, rawURL string) ([]colloquy.Document, error) {
	title, text, err := FetchPage(ctx, in.client, rawURL)
	if err != nil {
		return nil, err
	}
	meta := map[string]any{"source": rawURL}
	if title != "" {
		meta["title"] = title
	}
	return in.chunkDocs(text, meta), nil
}

func (in *Ingestor) chunkDocs(text string, meta map[string]any) []colloquy.Document {
	chunks := in.chunker.Chunk(text)
	docs := make([]colloquy.Document, 0, len(chunks))
	for i, chunk := range chunks {
		m := make(map[string]any, len(meta)+1)
		for k, v := range meta {
			m[k] = v
		}
		m["chunk"] = i
		docs = append(docs, colloquy.Document{ID: colloquy.NewID(), Content: chunk, Metadata: m})
	}
	return docs
}
