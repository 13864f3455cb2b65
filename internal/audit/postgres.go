package audit

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSink is a durable Sink backed by Postgres, grounded on the
// teacher's store.PostgresStore (control_plane/store/postgres.go) for
// pool construction and tuning. Unlike the teacher's upsert-on-conflict
// tables, audit rows are append-only — a compliance record is never
// updated once written.
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink connects to connString and verifies the connection.
// Schema migration is out of scope here, matching the teacher (which
// also assumes its tables already exist); callers are expected to have
// applied the `audit_records` table migration (kind text, detail
// jsonb, recorded_at timestamptz) ahead of time.
func NewPostgresSink(ctx context.Context, connString string) (*PostgresSink, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	return &PostgresSink{pool: pool}, nil
}

// Record inserts one compliance row.
func (s *PostgresSink) Record(ctx context.Context, rec Record) error {
	const query = `
		INSERT INTO audit_records (kind, detail, recorded_at)
		VALUES ($1, $2, $3)
	`
	_, err := s.pool.Exec(ctx, query, string(rec.Kind), rec.Detail, rec.Recorded)
	return err
}

// Close releases the underlying connection pool.
func (s *PostgresSink) Close() {
	s.pool.Close()
}
