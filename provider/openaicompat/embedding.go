package openaicompat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"github.com/colloquy-ai/colloquy"
)

// EmbeddingProvider implements colloquy.EmbeddingProvider over the OpenAI
// embeddings API.
type EmbeddingProvider struct {
	apiKey     string
	model      string
	baseURL    string
	client     *http.Client
	name       string
	dimensions int
}

// EmbeddingOption configures an EmbeddingProvider.
type EmbeddingOption func(*EmbeddingProvider)

// WithEmbeddingName sets the name returned by Name() (default "openai").
func WithEmbeddingName(name string) EmbeddingOption {
	return func(p *EmbeddingProvider) { p.name = name }
}

// WithEmbeddingHTTPClient sets a custom HTTP client.
func WithEmbeddingHTTPClient(c *http.Client) EmbeddingOption {
	return func(p *EmbeddingProvider) { p.client = c }
}

// WithDimensions declares the model's vector size (default 1536).
func WithDimensions(n int) EmbeddingOption {
	return func(p *EmbeddingProvider) {
		if n > 0 {
			p.dimensions = n
		}
	}
}

// NewEmbedding creates an embedding provider. The /embeddings path is
// appended to baseURL automatically.
func NewEmbedding(apiKey, model, baseURL string, opts ...EmbeddingOption) *EmbeddingProvider {
	p := &EmbeddingProvider{
		apiKey:     apiKey,
		model:      model,
		baseURL:    baseURL,
		client:     &http.Client{},
		name:       "openai",
		dimensions: 1536,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *EmbeddingProvider) Name() string    { return p.name }
func (p *EmbeddingProvider) Dimensions() int { return p.dimensions }

// Embed returns one vector per input text, in input order.
func (p *EmbeddingProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	chat := &Provider{apiKey: p.apiKey, baseURL: p.baseURL, client: p.client, name: p.name}
	resp, err := chat.sendHTTP(ctx, "/embeddings", EmbeddingRequest{Model: p.model, Input: texts})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, chat.httpErr(resp)
	}

	var out EmbeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &colloquy.ErrLLM{Provider: p.name, Message: fmt.Sprintf("decode embeddings: %v", err)}
	}
	if len(out.Data) != len(texts) {
		return nil, &colloquy.ErrLLM{
			Provider: p.name,
			Message:  fmt.Sprintf("embeddings: got %d vectors for %d inputs", len(out.Data), len(texts)),
		}
	}

	sort.Slice(out.Data, func(i, j int) bool { return out.Data[i].Index < out.Data[j].Index })
	vectors := make([][]float32, len(out.Data))
	for i, d := range out.Data {
		vectors[i] = d.Embedding
	}
	return vectors, nil
}

var _ colloquy.EmbeddingProvider = (*EmbeddingProvider)(nil)
