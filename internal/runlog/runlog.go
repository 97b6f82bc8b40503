// Package runlog is an optional Postgres-backed audit trail of
// completed runs, supplementing the in-memory-only agent core: a run
// record survives the owning agent's disposal. Disabled (a no-op
// Store) when no DSN is configured, mirroring how internal/events/bus
// falls back to an in-memory bus when no NATS URL is set.
package runlog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/basestar-sh/agentforge/internal/common/logger"
	"github.com/basestar-sh/agentforge/internal/provider"
)

// Record is one completed run's audit entry. The prompt itself is
// never stored, only its hash, so the audit trail can't leak task
// content at rest.
type Record struct {
	RunID       string
	AgentID     string
	Kind        provider.Kind
	PromptHash  string
	Status      provider.Status
	DurationMS  int64
	InputTokens int
	OutputTokens int
	FinishedAt  time.Time
}

// HashPrompt derives the Record.PromptHash field from a raw prompt.
func HashPrompt(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])
}

// Store persists completed-run records.
type Store interface {
	Record(ctx context.Context, rec Record) error
	Close()
}

// noopStore is used when no DSN is configured; every call is a no-op.
type noopStore struct{}

func (noopStore) Record(ctx context.Context, rec Record) error { return nil }
func (noopStore) Close()                                       {}

// PostgresStore persists run records to a Postgres table via pgx.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  *logger.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS agentd_run_log (
	run_id        TEXT PRIMARY KEY,
	agent_id      TEXT NOT NULL,
	kind          TEXT NOT NULL,
	prompt_hash   TEXT NOT NULL,
	status        TEXT NOT NULL,
	duration_ms   BIGINT NOT NULL,
	input_tokens  INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	finished_at   TIMESTAMPTZ NOT NULL
)`

// New constructs a Store. An empty dsn returns a no-op store so the
// audit trail is purely opt-in.
func New(ctx context.Context, dsn string, log *logger.Logger) (Store, error) {
	if dsn == "" {
		return noopStore{}, nil
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("runlog: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("runlog: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("runlog: migrate: %w", err)
	}

	return &PostgresStore{pool: pool, log: log}, nil
}

// Record inserts one completed-run audit entry, upserting on run_id
// in case a caller retries after a transient failure.
func (s *PostgresStore) Record(ctx context.Context, rec Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agentd_run_log
			(run_id, agent_id, kind, prompt_hash, status, duration_ms, input_tokens, output_tokens, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (run_id) DO UPDATE SET
			status = EXCLUDED.status,
			duration_ms = EXCLUDED.duration_ms,
			finished_at = EXCLUDED.finished_at
	`, rec.RunID, rec.AgentID, string(rec.Kind), rec.PromptHash, string(rec.Status),
		rec.DurationMS, rec.InputTokens, rec.OutputTokens, rec.FinishedAt)
	if err != nil {
		return fmt.Errorf("runlog: insert: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}
