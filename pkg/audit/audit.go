// Package audit provides an optional, best-effort Postgres mirror of the
// coordinator's decision log. It is never consulted to decide a
// transaction's outcome; the JSONL decision log remains authoritative.
package audit

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddl = `
CREATE TABLE IF NOT EXISTS coordinator_tx_audit (
	tx_id      TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`

// Sink mirrors decided transactions into Postgres, asynchronously and
// without blocking the coordinator's own request path.
type Sink struct {
	pool *pgxpool.Pool

	schemaOnce sync.Once
	schemaErr  error
}

// Open connects to dsn and returns a ready Sink. A nil Sink (returned
// alongside a non-nil error) means the coordinator should run without an
// audit mirror rather than fail startup, per §4.1's audit-is-optional note.
func Open(ctx context.Context, dsn string) (*Sink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Sink{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Sink) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	s.schemaOnce.Do(func() {
		_, s.schemaErr = s.pool.Exec(ctx, ddl)
	})
	return s.schemaErr
}

// RecordAsync upserts txid's status into the audit table in the background.
// Failures are logged, not returned: a broken audit mirror must never
// affect a transfer's outcome.
func (s *Sink) RecordAsync(txid, status string) {
	if s == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.ensureSchema(ctx); err != nil {
			log.Printf("[Audit] schema check failed, skipping record for %s: %v", txid, err)
			return
		}

		_, err := s.pool.Exec(ctx, `
			INSERT INTO coordinator_tx_audit (tx_id, status)
			VALUES ($1, $2)
			ON CONFLICT (tx_id) DO UPDATE SET status = EXCLUDED.status, recorded_at = NOW()`,
			txid, status)
		if err != nil {
			log.Printf("[Audit] failed to record tx %s: %v", txid, err)
		}
	}()
}
