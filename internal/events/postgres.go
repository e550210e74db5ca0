package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// postgresWriteTimeout bounds a single insert so a stalled database cannot
// back up the bus drain goroutine indefinitely.
const postgresWriteTimeout = 2 * time.Second

// eventsSchema creates the call_events table. Idempotent.
const eventsSchema = `
CREATE TABLE IF NOT EXISTS call_events (
    id       BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
    kind     TEXT        NOT NULL,
    call_id  TEXT        NOT NULL DEFAULT '',
    at       TIMESTAMPTZ NOT NULL,
    fields   JSONB       NOT NULL DEFAULT '{}'::jsonb
);
CREATE INDEX IF NOT EXISTS call_events_call_id_idx ON call_events (call_id, at);
`

// PostgresSink inserts events into the call_events table. Intended for
// deployments where the analytics consumer reads straight from Postgres
// instead of tailing an NDJSON stream.
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink connects to connString, ensures the call_events table
// exists, and returns the sink.
func NewPostgresSink(ctx context.Context, connString string) (*PostgresSink, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("events: postgres connect: %w", err)
	}
	if _, err := pool.Exec(ctx, eventsSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("events: ensure schema: %w", err)
	}
	return &PostgresSink{pool: pool}, nil
}

// Write inserts one event row.
func (s *PostgresSink) Write(ctx context.Context, ev Event) error {
	fields, err := json.Marshal(ev.Fields)
	if err != nil {
		return fmt.Errorf("events: marshal fields: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresWriteTimeout)
	defer cancel()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO call_events (kind, call_id, at, fields) VALUES ($1, $2, $3, $4)`,
		string(ev.Kind), ev.CallID, ev.Time, fields,
	)
	if err != nil {
		return fmt.Errorf("events: insert: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresSink) Close() error {
	s.pool.Close()
	return nil
}
