// Package postgres is a PostgreSQL-backed [archive.Store].
//
// Transcripts go to consultation_transcripts with a GIN full-text index using
// the Spanish text search configuration; record snapshots go to
// consultation_records as JSONB. [Migrate] creates both tables.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//	_ = store.WriteTranscript(ctx, sessionID, entry)
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/consultia/pkg/archive"
)

var _ archive.Store = (*Store)(nil)

// Store holds a single [pgxpool.Pool]. All methods are safe for concurrent
// use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, verifies the connection and
// runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("archive store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("archive store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close releases all pooled connections.
func (s *Store) Close() { s.pool.Close() }

// ─── Transcripts ─────────────────────────────────────────────────────────────

// WriteTranscript implements [archive.Store]. A zero At is stored as now().
func (s *Store) WriteTranscript(ctx context.Context, sessionID string, e archive.TranscriptEntry) error {
	const q = `
		INSERT INTO consultation_transcripts (session_id, text, at)
		VALUES ($1, $2, COALESCE($3, now()))`

	var at *time.Time
	if !e.At.IsZero() {
		at = &e.At
	}
	if _, err := s.pool.Exec(ctx, q, sessionID, e.Text, at); err != nil {
		return fmt.Errorf("archive store: write transcript: %w", err)
	}
	return nil
}

// Transcript implements [archive.Store].
func (s *Store) Transcript(ctx context.Context, sessionID string) ([]archive.TranscriptEntry, error) {
	const q = `
		SELECT session_id, text, at
		FROM   consultation_transcripts
		WHERE  session_id = $1
		ORDER  BY at, id`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("archive store: transcript: %w", err)
	}
	return collectEntries(rows)
}

// Search implements [archive.Store]. query goes through plainto_tsquery, so
// no operator syntax is needed.
func (s *Store) Search(ctx context.Context, query string, opts archive.SearchOpts) ([]archive.TranscriptEntry, error) {
	q, args := buildSearch(query, opts)
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("archive store: search: %w", err)
	}
	return collectEntries(rows)
}

// buildSearch assembles the search statement and its positional arguments.
func buildSearch(query string, opts archive.SearchOpts) (string, []any) {
	args := []any{query}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{
		"to_tsvector('spanish', text) @@ plainto_tsquery('spanish', $1)",
	}
	if opts.SessionID != "" {
		conditions = append(conditions, "session_id = "+next(opts.SessionID))
	}
	if !opts.After.IsZero() {
		conditions = append(conditions, "at > "+next(opts.After))
	}
	if !opts.Before.IsZero() {
		conditions = append(conditions, "at < "+next(opts.Before))
	}

	q := "SELECT session_id, text, at\n" +
		"FROM   consultation_transcripts\n" +
		"WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n" +
		"ORDER  BY at, id"
	if opts.Limit > 0 {
		q += "\nLIMIT " + next(opts.Limit)
	}
	return q, args
}

func collectEntries(rows pgx.Rows) ([]archive.TranscriptEntry, error) {
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (archive.TranscriptEntry, error) {
		var e archive.TranscriptEntry
		err := row.Scan(&e.SessionID, &e.Text, &e.At)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("archive store: scan rows: %w", err)
	}
	if entries == nil {
		entries = []archive.TranscriptEntry{}
	}
	return entries, nil
}

// ─── Records ─────────────────────────────────────────────────────────────────

// SaveRecord implements [archive.Store].
func (s *Store) SaveRecord(ctx context.Context, sessionID string, snap archive.RecordSnapshot) error {
	const q = `
		INSERT INTO consultation_records (session_id, record, percent, reason, at)
		VALUES ($1, $2, $3, $4, COALESCE($5, now()))`

	doc, err := json.Marshal(snap.Record)
	if err != nil {
		return fmt.Errorf("archive store: encode record: %w", err)
	}
	var at *time.Time
	if !snap.At.IsZero() {
		at = &snap.At
	}
	if _, err := s.pool.Exec(ctx, q, sessionID, doc, snap.Percent, snap.Reason, at); err != nil {
		return fmt.Errorf("archive store: save record: %w", err)
	}
	return nil
}

// LatestRecord implements [archive.Store].
func (s *Store) LatestRecord(ctx context.Context, sessionID string) (archive.RecordSnapshot, error) {
	const q = `
		SELECT session_id, record, percent, reason, at
		FROM   consultation_records
		WHERE  session_id = $1
		ORDER  BY at DESC, id DESC
		LIMIT  1`

	var (
		snap archive.RecordSnapshot
		doc  []byte
	)
	err := s.pool.QueryRow(ctx, q, sessionID).Scan(&snap.SessionID, &doc, &snap.Percent, &snap.Reason, &snap.At)
	if errors.Is(err, pgx.ErrNoRows) {
		return archive.RecordSnapshot{}, archive.ErrNotFound
	}
	if err != nil {
		return archive.RecordSnapshot{}, fmt.Errorf("archive store: latest record: %w", err)
	}
	if err := json.Unmarshal(doc, &snap.Record); err != nil {
		return archive.RecordSnapshot{}, fmt.Errorf("archive store: decode record: %w", err)
	}
	return snap, nil
}
