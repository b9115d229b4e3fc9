package deadletter

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS dead_letters (
	id             BIGSERIAL PRIMARY KEY,
	item_id        TEXT NOT NULL,
	kind           TEXT NOT NULL,
	topic          TEXT NOT NULL,
	target         TEXT NOT NULL,
	attempts       INTEGER NOT NULL,
	reason         TEXT NOT NULL,
	first_enqueued TIMESTAMPTZ,
	last_attempt   TIMESTAMPTZ,
	dead_at        TIMESTAMPTZ NOT NULL,
	payload        JSONB
)`

const insertSQL = `
INSERT INTO dead_letters (item_id, kind, topic, target, attempts, reason, first_enqueued, last_attempt, dead_at, payload)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresSink archives dead letters in the dead_letters table.
type PostgresSink struct {
	db execer
}

// NewPostgresPool opens a pool with the same limits the rest of the daemon uses.
func NewPostgresPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database URL: %w", err)
	}
	config.MaxConns = 10
	config.MinConns = 2
	config.HealthCheckPeriod = 5 * time.Minute
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 15 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	return pool, nil
}

// NewPostgresSink creates the archive table if needed.
func NewPostgresSink(ctx context.Context, db execer) (*PostgresSink, error) {
	if _, err := db.Exec(ctx, createTableSQL); err != nil {
		return nil, fmt.Errorf("create dead_letters table: %w", err)
	}
	return &PostgresSink{db: db}, nil
}

func (s *PostgresSink) DeadLetter(ctx context.Context, r Record) error {
	var payload any
	if len(r.Payload) > 0 {
		payload = string(r.Payload)
	}
	_, err := s.db.Exec(ctx, insertSQL,
		r.ItemID, string(r.Kind), r.Topic, r.Target, r.Attempts, r.Reason,
		nullTime(r.FirstEnqueued), nullTime(r.LastAttempt), r.DeadAt, payload)
	if err != nil {
		return fmt.Errorf("insert dead letter %s: %w", r.ItemID, err)
	}
	return nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
