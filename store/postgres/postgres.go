// Package postgres persists colloquy sessions and knowledge documents in
// PostgreSQL, using pgvector for native cosine similarity search.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/colloquy-ai/colloquy"
)

// Store implements colloquy.TrackerStore and colloquy.VectorStore backed
// by PostgreSQL with pgvector.
type Store struct {
	pool *pgxpool.Pool
	cfg  pgConfig
}

// pgConfig holds store configuration set via Option functions.
type pgConfig struct {
	embeddingDimension int // 0 = untyped vector
}

// Option configures a PostgreSQL Store.
type Option func(*pgConfig)

// WithEmbeddingDimension sets the vector column dimension (e.g. 1536, 768).
// When set, CREATE TABLE uses vector(N) instead of untyped vector. Only
// affects new table creation.
func WithEmbeddingDimension(dim int) Option {
	return func(c *pgConfig) { c.embeddingDimension = dim }
}

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	var cfg pgConfig
	for _, o := range opts {
		o(&cfg)
	}
	return &Store{pool: pool, cfg: cfg}
}

func (s *Store) vectorType() string {
	if s.cfg.embeddingDimension > 0 {
		return fmt.Sprintf("vector(%d)", s.cfg.embeddingDimension)
	}
	return "vector"
}

// Init creates the pgvector extension and all required tables. Safe to
// call multiple times.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,

		`CREATE TABLE IF NOT EXISTS trackers (
			sender TEXT PRIMARY KEY,
			bot_name TEXT NOT NULL,
			state JSONB NOT NULL,
			updated_at BIGINT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS events (
			sender TEXT NOT NULL,
			seq BIGINT NOT NULL,
			kind TEXT NOT NULL,
			payload JSONB NOT NULL,
			at BIGINT NOT NULL,
			PRIMARY KEY (sender, seq)
		)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			metadata JSONB,
			embedding %s NOT NULL,
			created_at BIGINT NOT NULL
		)`, s.vectorType()),
		`CREATE INDEX IF NOT EXISTS documents_embedding_idx ON documents USING hnsw (embedding vector_cosine_ops)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init postgres: %w", err)
		}
	}
	return nil
}

// --- tracker store ---

// GetOrCreate loads the sender's persisted session or creates a fresh one.
func (s *Store) GetOrCreate(sender, botName string, argsTemplate map[string][]string, globals []string) (*colloquy.Tracker, error) {
	tr, err := s.Retrieve(sender)
	if err != nil {
		return nil, err
	}
	if tr != nil {
		tr.MergeTemplate(argsTemplate, globals)
		return tr, nil
	}
	return colloquy.NewTracker(sender, botName, argsTemplate, globals), nil
}

// Retrieve returns the sender's persisted session, or nil when none exists.
func (s *Store) Retrieve(sender string) (*colloquy.Tracker, error) {
	ctx := context.Background()

	var state []byte
	err := s.pool.QueryRow(ctx, `SELECT state FROM trackers WHERE sender = $1`, sender).Scan(&state)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("retrieve tracker: %w", err)
	}

	var snap colloquy.TrackerSnapshot
	if err := json.Unmarshal(state, &snap); err != nil {
		return nil, fmt.Errorf("decode tracker: %w", err)
	}
	tr, err := colloquy.RestoreTracker(&snap)
	if err != nil {
		return nil, fmt.Errorf("restore tracker: %w", err)
	}
	return tr, nil
}

// Save writes the session snapshot and journals any events not yet stored.
func (s *Store) Save(tr *colloquy.Tracker) error {
	ctx := context.Background()

	snap, err := tr.Snapshot()
	if err != nil {
		return fmt.Errorf("snapshot tracker: %w", err)
	}
	state, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode tracker: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO trackers (sender, bot_name, state, updated_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (sender) DO UPDATE SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at`,
		tr.Sender, tr.BotName, state, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save tracker: %w", err)
	}

	for _, ev := range tr.Events {
		payload, err := colloquy.EncodeEvent(ev)
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
		_, err = s.pool.Exec(ctx,
			`INSERT INTO events (sender, seq, kind, payload, at) VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (sender, seq) DO NOTHING`,
			tr.Sender, ev.Seq(), string(ev.Kind()), payload, ev.At(),
		)
		if err != nil {
			return fmt.Errorf("journal event: %w", err)
		}
	}
	return nil
}

// Events returns the sender's journaled events in order.
func (s *Store) Events(ctx context.Context, sender string) ([]colloquy.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM events WHERE sender = $1 ORDER BY seq`, sender)
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	defer rows.Close()

	var events []colloquy.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev, err := colloquy.DecodeEvent(payload)
		if err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// --- vector store ---

// Add inserts or replaces embedded documents.
func (s *Store) Add(ctx context.Context, docs []colloquy.Document, vectors [][]float32) error {
	if len(docs) != len(vectors) {
		return fmt.Errorf("add documents: %d docs for %d vectors", len(docs), len(vectors))
	}
	for i, doc := range docs {
		var metaJSON []byte
		if len(doc.Metadata) > 0 {
			metaJSON, _ = json.Marshal(doc.Metadata)
		}
		_, err := s.pool.Exec(ctx,
			`INSERT INTO documents (id, content, metadata, embedding, created_at) VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (id) DO UPDATE SET content = EXCLUDED.content, metadata = EXCLUDED.metadata, embedding = EXCLUDED.embedding`,
			doc.ID, doc.Content, metaJSON, vectorLiteral(vectors[i]), time.Now().UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("add document: %w", err)
		}
	}
	return nil
}

// Search returns the k nearest documents by cosine similarity, scored in
// [0,1] via pgvector's cosine distance operator.
func (s *Store) Search(ctx context.Context, vector []float32, k int) ([]colloquy.KBMatch, error) {
	if k <= 0 {
		k = 3
	}
	rows, err := s.pool.Query(ctx,
		`SELECT content, metadata, 1 - (embedding <=> $1::vector) AS score
		 FROM documents ORDER BY embedding <=> $1::vector LIMIT $2`,
		vectorLiteral(vector), k)
	if err != nil {
		return nil, fmt.Errorf("search documents: %w", err)
	}
	defer rows.Close()

	var matches []colloquy.KBMatch
	for rows.Next() {
		var m colloquy.KBMatch
		var metaJSON []byte
		if err := rows.Scan(&m.Content, &metaJSON, &m.Score); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		if len(metaJSON) > 0 {
			_ = json.Unmarshal(metaJSON, &m.Metadata)
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return matches, nil
}

// vectorLiteral renders a float slice in pgvector's text input format.
func vectorLiteral(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

var _ colloquy.TrackerStore = (*Store)(nil)
var _ colloquy.VectorStore = (*Store)(nil)
