package colloquy

import (
	"context"
	"math"
	"sort"
	"sync"
)

// Document is one indexable chunk of knowledge.
type Document struct {
	ID       string
	Content  string
	Metadata map[string]any
}

// KBMatch is one retrieval hit.
type KBMatch struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Score    float64        `json:"similarity_score"`
}

// VectorStore indexes embedded documents and answers nearest-neighbor
// queries. Implementations must be safe for concurrent use.
type VectorStore interface {
	Add(ctx context.Context, docs []Document, vectors [][]float32) error
	Search(ctx context.Context, vector []float32, k int) ([]KBMatch, error)
}

// Retriever pairs an embedding provider with a vector store.
type Retriever struct {
	embedder  EmbeddingProvider
	store     VectorStore
	topK      int
	threshold float64
}

// RetrieverOption configures a Retriever.
type RetrieverOption func(*Retriever)

// WithTopK sets how many hits a query returns. Default 3.
func WithTopK(k int) RetrieverOption {
	return func(r *Retriever) {
		if k > 0 {
			r.topK = k
		}
	}
}

// WithScoreThreshold drops hits scoring below min. Default 0 keeps all.
func WithScoreThreshold(min float64) RetrieverOption {
	return func(r *Retriever) { r.threshold = min }
}

// NewRetriever builds a retriever over the given store.
func NewRetriever(embedder EmbeddingProvider, store VectorStore, opts ...RetrieverOption) *Retriever {
	r := &Retriever{embedder: embedder, store: store, topK: 3}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Index embeds and stores the documents.
func (r *Retriever) Index(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}
	vectors, err := r.embedder.Embed(ctx, texts)
	if err != nil {
		return err
	}
	return r.store.Add(ctx, docs, vectors)
}

// Retrieve embeds the query and returns hits above the score threshold.
func (r *Retriever) Retrieve(ctx context.Context, query string) ([]KBMatch, error) {
	vectors, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	hits, err := r.store.Search(ctx, vectors[0], r.topK)
	if err != nil {
		return nil, err
	}
	var out []KBMatch
	for _, hit := range hits {
		if hit.Score >= r.threshold {
			out = append(out, hit)
		}
	}
	return out, nil
}

// --- in-memory store ---

// MemoryVectorStore is a cosine-similarity store for small corpora and
// tests. Safe for concurrent use.
type MemoryVectorStore struct {
	mu      sync.RWMutex
	docs    []Document
	vectors [][]float32
}

func NewMemoryVectorStore() *MemoryVectorStore {
	return &MemoryVectorStore{}
}

func (s *MemoryVectorStore) Add(_ context.Context, docs []Document, vectors [][]float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs = append(s.docs, docs...)
	s.vectors = append(s.vectors, vectors...)
	return nil
}

func (s *MemoryVectorStore) Search(_ context.Context, vector []float32, k int) ([]KBMatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matches := make([]KBMatch, 0, len(s.docs))
	for i, doc := range s.docs {
		matches = append(matches, KBMatch{
			Content:  doc.Content,
			Metadata: doc.Metadata,
			Score:    CosineSimilarity(vector, s.vectors[i]),
		})
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if k > 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

var _ VectorStore = (*MemoryVectorStore)(nil)

// CosineSimilarity returns the cosine of the angle between a and b, or 0
// when either vector is empty or zero.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
