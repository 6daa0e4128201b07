// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ama66/datasync/internal/ingest"
)

// Config controls the Postgres connection pool shared by the stores.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Connect opens the shared connection pool and verifies it is reachable.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, errors.New("empty database dsn")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

type pgxPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// EventStore writes canonical events into Postgres. Inserts are idempotent
// on the upstream event id, so replaying a page is harmless.
type EventStore struct {
	pool pgxPool
}

// NewEventStore constructs an EventStore over an existing pool. The pool
// interface is narrow so tests can substitute pgxmock.
func NewEventStore(pool pgxPool) (*EventStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &EventStore{pool: pool}, nil
}

// InsertBatch writes one page of events in a single multi-row statement.
// Rows whose id already exists are skipped via ON CONFLICT DO NOTHING; the
// returned count is the number of rows actually written.
func (s *EventStore) InsertBatch(ctx context.Context, events []ingest.Event) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, fmt.Errorf("event store is not configured")
	}
	if len(events) == 0 {
		return 0, nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO events (id, session_id, user_id, event_type, event_name, properties, session, occurred_at) VALUES `)
	args := make([]any, 0, len(events)*8)
	for i, evt := range events {
		if evt.ID == "" {
			return 0, fmt.Errorf("event %d: id is required", i)
		}
		if i > 0 {
			sb.WriteByte(',')
		}
		base := i * 8
		fmt.Fprintf(&sb, "($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8)
		args = append(args,
			evt.ID,
			nullableText(evt.SessionID),
			nullableText(evt.UserID),
			evt.Type,
			nullableText(evt.Name),
			nullableJSON(evt.Properties),
			nullableJSON(evt.Session),
			evt.OccurredAt,
		)
	}
	sb.WriteString(" ON CONFLICT (id) DO NOTHING")

	tag, err := s.pool.Exec(ctx, sb.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("insert events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Count reports how many events have been ingested.
func (s *EventStore) Count(ctx context.Context) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, fmt.Errorf("event store is not configured")
	}
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// Close releases the underlying pool resources.
func (s *EventStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func nullableText(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
