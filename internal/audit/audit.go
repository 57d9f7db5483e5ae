// Package audit provides a best-effort, off-hot-path recorder of
// terminal pool events. A Sink's Write never blocks a dispatch and
// never surfaces a failure back to the caller, only to its own log.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// Record is one terminal execution or slot termination, ready to be
// appended to the audit trail.
type Record struct {
	ExecutionID  string
	SlotID       string
	OK           bool
	ErrorKind    string
	DurationMs   int64
	PeakRSSBytes int64
	OccurredAt   time.Time
}

// Sink accepts audit records. Write must never block the caller for
// long and must never return an error the caller is expected to act
// on; failures are the sink's own problem to log.
type Sink interface {
	Write(ctx context.Context, r Record)
}

// NoopSink discards every record. It is the default when no audit DSN
// is configured, so the Pool Manager never depends on Postgres unless
// asked to.
type NoopSink struct{}

func (NoopSink) Write(context.Context, Record) {}

// PostgresSink appends one row per Record to an append-only table.
type PostgresSink struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresSink opens dsn, verifies connectivity, and ensures the
// audit table exists.
func NewPostgresSink(dsn string, logger *zap.Logger) (*PostgresSink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: ping: %w", err)
	}

	s := &PostgresSink{db: db, logger: logger}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresSink) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS execution_audit (
			execution_id   TEXT PRIMARY KEY,
			slot_id        TEXT NOT NULL,
			ok             BOOLEAN NOT NULL,
			error_kind     TEXT NOT NULL DEFAULT '',
			duration_ms    BIGINT NOT NULL,
			peak_rss_bytes BIGINT NOT NULL,
			occurred_at    TIMESTAMPTZ NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("audit: ensure schema: %w", err)
	}
	return nil
}

// Write inserts r in its own goroutine with a bounded timeout
// independent of ctx, so a slow or wedged database can never add
// latency to the caller's dispatch path.
func (s *PostgresSink) Write(ctx context.Context, r Record) {
	go func() {
		wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_, err := s.db.ExecContext(wctx, `
			INSERT INTO execution_audit
				(execution_id, slot_id, ok, error_kind, duration_ms, peak_rss_bytes, occurred_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (execution_id) DO NOTHING
		`, r.ExecutionID, r.SlotID, r.OK, r.ErrorKind, r.DurationMs, r.PeakRSSBytes, r.OccurredAt)
		if err != nil {
			s.logger.Warn("audit write failed",
				zap.String("execution_id", r.ExecutionID), zap.Error(err))
		}
	}()
}

// Close releases the underlying connection pool.
func (s *PostgresSink) Close() error {
	return s.db.Close()
}
