// Package sqlite persists colloquy sessions and knowledge documents in a
// single SQLite file using the pure-Go modernc.org/sqlite driver. Zero
// CGO required.
//
// Store implements both colloquy.TrackerStore (session snapshots plus an
// append-only event journal) and colloquy.VectorStore (brute-force cosine
// search over JSON-encoded embeddings).
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"github.com/colloquy-ai/colloquy"
)

// Store is a SQLite-backed session and vector store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the store's logger. Default discards.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New opens (or creates) the database file. Call Init before first use.
func New(dbPath string, opts ...StoreOption) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Serialize writers; modernc returns SQLITE_BUSY under concurrent
	// connections.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: nopLogger}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Init creates all tables. Safe to call multiple times.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()

	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS trackers (
		sender TEXT PRIMARY KEY,
		bot_name TEXT NOT NULL,
		state TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create table: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS events (
		sender TEXT NOT NULL,
		seq INTEGER NOT NULL,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		at INTEGER NOT NULL,
		PRIMARY KEY (sender, seq)
	)`)
	if err != nil {
		return fmt.Errorf("create table: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		metadata TEXT,
		embedding TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create table: %w", err)
	}

	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_events_sender ON events(sender)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// --- tracker store ---

// GetOrCreate loads the sender's persisted session or creates a fresh one.
// Loaded sessions are merged with the current argument template so agents
// added since the save still get their slots.
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
	start := time.Now()

	var state string
	err := s.db.QueryRow(`SELECT state FROM trackers WHERE sender = ?`, sender).Scan(&state)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		s.logger.Error("sqlite: retrieve tracker failed", "sender", sender, "error", err)
		return nil, fmt.Errorf("retrieve tracker: %w", err)
	}

	var snap colloquy.TrackerSnapshot
	if err := json.Unmarshal([]byte(state), &snap); err != nil {
		return nil, fmt.Errorf("decode tracker: %w", err)
	}
	tr, err := colloquy.RestoreTracker(&snap)
	if err != nil {
		return nil, fmt.Errorf("restore tracker: %w", err)
	}

	s.logger.Debug("sqlite: retrieve tracker ok", "sender", sender, "events", len(tr.Events), "duration", time.Since(start))
	return tr, nil
}

// Save writes the session snapshot and journals any events not yet stored.
func (s *Store) Save(tr *colloquy.Tracker) error {
	start := time.Now()

	snap, err := tr.Snapshot()
	if err != nil {
		return fmt.Errorf("snapshot tracker: %w", err)
	}
	state, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode tracker: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO trackers (sender, bot_name, state, updated_at) VALUES (?, ?, ?, ?)`,
		tr.Sender, tr.BotName, string(state), time.Now().UnixMilli(),
	)
	if err != nil {
		s.logger.Error("sqlite: save tracker failed", "sender", tr.Sender, "error", err)
		return fmt.Errorf("save tracker: %w", err)
	}

	for _, ev := range tr.Events {
		payload, err := colloquy.EncodeEvent(ev)
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
		_, err = s.db.Exec(
			`INSERT OR IGNORE INTO events (sender, seq, kind, payload, at) VALUES (?, ?, ?, ?, ?)`,
			tr.Sender, ev.Seq(), string(ev.Kind()), string(payload), ev.At(),
		)
		if err != nil {
			return fmt.Errorf("journal event: %w", err)
		}
	}

	s.logger.Debug("sqlite: save tracker ok", "sender", tr.Sender, "events", len(tr.Events), "duration", time.Since(start))
	return nil
}

// Events returns the sender's journaled events in order, for inspection
// and replay tooling.
func (s *Store) Events(ctx context.Context, sender string) ([]colloquy.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM events WHERE sender = ? ORDER BY seq`, sender)
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	defer rows.Close()

	var events []colloquy.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev, err := colloquy.DecodeEvent([]byte(payload))
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
	start := time.Now()
	if len(docs) != len(vectors) {
		return fmt.Errorf("add documents: %d docs for %d vectors", len(docs), len(vectors))
	}

	for i, doc := range docs {
		var metaJSON *string
		if len(doc.Metadata) > 0 {
			data, _ := json.Marshal(doc.Metadata)
			v := string(data)
			metaJSON = &v
		}
		emb, err := json.Marshal(vectors[i])
		if err != nil {
			return fmt.Errorf("encode embedding: %w", err)
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT OR REPLACE INTO documents (id, content, metadata, embedding, created_at) VALUES (?, ?, ?, ?, ?)`,
			doc.ID, doc.Content, metaJSON, string(emb), time.Now().UnixMilli(),
		)
		if err != nil {
			s.logger.Error("sqlite: add document failed", "id", doc.ID, "error", err)
			return fmt.Errorf("add document: %w", err)
		}
	}

	s.logger.Debug("sqlite: add documents ok", "count", len(docs), "duration", time.Since(start))
	return nil
}

// Search performs brute-force cosine similarity over all documents.
func (s *Store) Search(ctx context.Context, vector []float32, k int) ([]colloquy.KBMatch, error) {
	start := time.Now()

	rows, err := s.db.QueryContext(ctx, `SELECT content, metadata, embedding FROM documents`)
	if err != nil {
		s.logger.Error("sqlite: search failed", "error", err)
		return nil, fmt.Errorf("search documents: %w", err)
	}
	defer rows.Close()

	var matches []colloquy.KBMatch
	scanned := 0
	for rows.Next() {
		var content, embJSON string
		var metaJSON sql.NullString
		if err := rows.Scan(&content, &metaJSON, &embJSON); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		scanned++

		var stored []float32
		if err := json.Unmarshal([]byte(embJSON), &stored); err != nil {
			continue
		}
		match := colloquy.KBMatch{
			Content: content,
			Score:   colloquy.CosineSimilarity(vector, stored),
		}
		if metaJSON.Valid {
			_ = json.Unmarshal([]byte(metaJSON.String), &match.Metadata)
		}
		matches = append(matches, match)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if k > 0 && len(matches) > k {
		matches = matches[:k]
	}

	s.logger.Debug("sqlite: search ok", "scanned", scanned, "returned", len(matches), "duration", time.Since(start))
	return matches, nil
}

var _ colloquy.TrackerStore = (*Store)(nil)
var _ colloquy.VectorStore = (*Store)(nil)
