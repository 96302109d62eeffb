// Package coldlog holds the durable transports behind the telemetry sink:
// a Postgres writer for self-hosted deployments and an HTTP writer for
// managed time-series endpoints.
package coldlog

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/quaylabs/rangekeeper/internal/telemetry"
)

// Schema for the record table. Applied on connect; idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS telemetry_records (
	id      BIGSERIAL PRIMARY KEY,
	stream  TEXT        NOT NULL,
	ts      BIGINT      NOT NULL,
	payload JSONB       NOT NULL
);
CREATE INDEX IF NOT EXISTS telemetry_records_stream_ts ON telemetry_records (stream, ts);
`

// PostgresConfig holds cold-log database settings.
type PostgresConfig struct {
	DSN          string        `yaml:"dsn" env:"COLD_LOG_URL"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
	MaxOpenConns int           `yaml:"max_open_conns"`
}

// DefaultPostgresConfig returns conservative pool settings.
func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		QueryTimeout: 10 * time.Second,
		MaxOpenConns: 4,
	}
}

// PostgresTransport implements telemetry.Transport on a Postgres table.
type PostgresTransport struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPostgresTransport connects, verifies reachability and ensures the
// schema exists.
func NewPostgresTransport(ctx context.Context, cfg PostgresConfig) (*PostgresTransport, error) {
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open cold log: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.QueryTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("cold log unreachable: %w", err)
	}
	if _, err := db.ExecContext(pingCtx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply cold log schema: %w", err)
	}
	return &PostgresTransport{db: db, timeout: cfg.QueryTimeout}, nil
}

// Close releases the pool.
func (t *PostgresTransport) Close() error {
	return t.db.Close()
}

// Write inserts the batch atomically inside one transaction.
func (t *PostgresTransport) Write(ctx context.Context, stream string, records []telemetry.Record) error {
	if len(records) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout*time.Duration(len(records)/100+1))
	defer cancel()

	tx, err := t.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin cold log batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO telemetry_records (stream, ts, payload)
		VALUES ($1, $2, $3)`)
	if err != nil {
		return fmt.Errorf("prepare cold log insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		if _, err := stmt.ExecContext(ctx, stream, rec.Ts, []byte(rec.Payload)); err != nil {
			return fmt.Errorf("insert cold log record: %w", err)
		}
	}

	return tx.Commit()
}

// Query returns the newest records on a stream for one pair, newest first.
// Payloads carry a pairId field; schema-less streams without one are skipped
// by the filter.
func (t *PostgresTransport) Query(ctx context.Context, stream, pairID string, limit int) ([]telemetry.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	rows, err := t.db.QueryxContext(ctx, `
		SELECT stream, ts, payload
		FROM telemetry_records
		WHERE stream = $1 AND payload->>'pairId' = $2
		ORDER BY ts DESC
		LIMIT $3`, stream, pairID, limit)
	if err != nil {
		return nil, fmt.Errorf("query cold log: %w", err)
	}
	defer rows.Close()

	var out []telemetry.Record
	for rows.Next() {
		var rec telemetry.Record
		var payload []byte
		if err := rows.Scan(&rec.Stream, &rec.Ts, &payload); err != nil {
			return nil, fmt.Errorf("scan cold log record: %w", err)
		}
		rec.Payload = payload
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cold log records: %w", err)
	}
	return out, nil
}

// Prune deletes records older than the retention horizon. Returns the number
// of rows removed.
func (t *PostgresTransport) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cutoff := time.Now().Add(-retention).UnixMilli()
	res, err := t.db.ExecContext(ctx, `DELETE FROM telemetry_records WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune cold log: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		log.Info().Int64("rows", n).Dur("retention", retention).Msg("pruned cold log records")
	}
	return n, nil
}
