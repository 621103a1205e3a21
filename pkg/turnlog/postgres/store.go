// Package postgres stores the conversation turn log in PostgreSQL.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	w := turnlog.NewWriter(store, 256, logger)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/handsfree/pkg/turnlog"
)

var _ turnlog.Store = (*Store)(nil)

// Store is a [turnlog.Store] backed by a single [pgxpool.Pool].
// All operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, pings the server and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping implements [turnlog.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Append implements [turnlog.Store].
func (s *Store) Append(ctx context.Context, e turnlog.Entry) error {
	const q = `
		INSERT INTO turn_log
		    (session_id, kind, text, response_id, from_state, to_state, event,
		     chunks, fallbacks, skipped, detail, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := s.pool.Exec(ctx, q,
		e.SessionID,
		string(e.Kind),
		e.Text,
		e.ResponseID,
		e.From,
		e.To,
		e.Event,
		e.Chunks,
		e.Fallbacks,
		e.Skipped,
		e.Detail,
		e.At,
	)
	if err != nil {
		return fmt.Errorf("turn log: append: %w", err)
	}
	return nil
}

// Recent implements [turnlog.Store]. Entries are returned oldest first.
func (s *Store) Recent(ctx context.Context, sessionID string, limit int) ([]turnlog.Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `
		SELECT session_id, kind, text, response_id, from_state, to_state, event,
		       chunks, fallbacks, skipped, detail, at
		FROM (
		    SELECT * FROM turn_log
		    WHERE  session_id = $1
		    ORDER  BY at DESC, id DESC
		    LIMIT  $2
		) recent
		ORDER BY at, id`

	rows, err := s.pool.Query(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("turn log: recent: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (turnlog.Entry, error) {
		var (
			e    turnlog.Entry
			kind string
		)
		err := row.Scan(&e.SessionID, &kind, &e.Text, &e.ResponseID, &e.From, &e.To, &e.Event,
			&e.Chunks, &e.Fallbacks, &e.Skipped, &e.Detail, &e.At)
		e.Kind = turnlog.Kind(kind)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("turn log: recent: scan: %w", err)
	}
	return entries, nil
}
