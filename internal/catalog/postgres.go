package catalog

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// PostgresWriter implements Writer using PostgreSQL.
type PostgresWriter struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// NewPostgresWriter creates a new PostgreSQL catalog writer and ensures the
// schema exists.
func NewPostgresWriter(ctx context.Context, cfg Config, log *slog.Logger) (*PostgresWriter, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	// Configure connection pool
	poolCfg.MaxConns = 5
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	w := &PostgresWriter{
		pool: pool,
		log:  log.With("component", "catalog"),
	}

	if err := w.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	w.log.Info("connected to PostgreSQL catalog")
	return w, nil
}

// initSchema creates the _meta_* tables if they don't exist.
func (w *PostgresWriter) initSchema(ctx context.Context) error {
	_, err := w.pool.Exec(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return nil
}

// RecordWindow writes a lineage record for a stored window. Re-storing a
// window replaces its record.
func (w *PostgresWriter) RecordWindow(ctx context.Context, rec WindowRecord) error {
	query := `
		INSERT INTO _meta_windows (
			symbol, window_from, window_to, storage_key, storage_uri,
			record_count, byte_size, checksum, run_id, producer_version
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (symbol, window_from, window_to)
		DO UPDATE SET
			storage_key = EXCLUDED.storage_key,
			storage_uri = EXCLUDED.storage_uri,
			record_count = EXCLUDED.record_count,
			byte_size = EXCLUDED.byte_size,
			checksum = EXCLUDED.checksum,
			run_id = EXCLUDED.run_id,
			producer_version = EXCLUDED.producer_version,
			created_at = NOW()
	`

	var uri *string
	if rec.URI != "" {
		uri = &rec.URI
	}

	_, err := w.pool.Exec(ctx, query,
		rec.Symbol,
		int64(rec.From),
		int64(rec.To),
		rec.Key,
		uri,
		rec.Records,
		int64(rec.Bytes),
		rec.Checksum,
		rec.RunID,
		rec.ProducerVersion,
	)
	if err != nil {
		return fmt.Errorf("record window: %w", err)
	}

	w.log.Debug("recorded window lineage", "symbol", rec.Symbol, "from", rec.From, "to", rec.To)
	return nil
}

// RecordRun upserts the state of a run.
func (w *PostgresWriter) RecordRun(ctx context.Context, rec RunRecord) error {
	query := `
		INSERT INTO _meta_runs (run_id, name, symbol, first_id, last_id, cursor_id, state, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (run_id)
		DO UPDATE SET
			cursor_id = EXCLUDED.cursor_id,
			state = EXCLUDED.state,
			error = EXCLUDED.error,
			updated_at = NOW()
	`

	var errMsg *string
	if rec.Error != "" {
		errMsg = &rec.Error
	}

	_, err := w.pool.Exec(ctx, query,
		rec.RunID,
		rec.Name,
		rec.Symbol,
		int64(rec.First),
		int64(rec.Last),
		int64(rec.Cursor),
		rec.State,
		errMsg,
	)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

// CoverageGaps loads the recorded windows touching [from, to] and returns
// the ranges they leave uncovered, including any gap before the first and
// after the last window.
func (w *PostgresWriter) CoverageGaps(ctx context.Context, symbol string, from, to uint64) ([]Range, error) {
	query := `
		SELECT window_from, window_to
		FROM _meta_windows
		WHERE symbol = $1
		  AND window_to >= $2
		  AND window_from <= $3
		ORDER BY window_from, window_to
	`

	rows, err := w.pool.Query(ctx, query, symbol, int64(from), int64(to))
	if err != nil {
		return nil, fmt.Errorf("query windows: %w", err)
	}

	windows, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Range, error) {
		var start, end int64
		if err := row.Scan(&start, &end); err != nil {
			return Range{}, err
		}
		return Range{From: uint64(start), To: uint64(end)}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan windows: %w", err)
	}
	return missingRanges(windows, from, to), nil
}

// Close releases database connections.
func (w *PostgresWriter) Close() error {
	w.pool.Close()
	return nil
}

// Verify PostgresWriter implements Writer.
var _ Writer = (*PostgresWriter)(nil)
