package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned when no execution has the requested ID.
var ErrNotFound = errors.New("execution not found")

const maxStoredText = 65535

const schema = `
CREATE TABLE IF NOT EXISTS executions (
	id                TEXT PRIMARY KEY,
	language          TEXT NOT NULL,
	code_hash         TEXT NOT NULL,
	status            TEXT NOT NULL,
	output            TEXT NOT NULL DEFAULT '',
	error             TEXT NOT NULL DEFAULT '',
	execution_time_ms BIGINT NOT NULL DEFAULT 0,
	provider          TEXT NOT NULL DEFAULT '',
	policy_blocked    BOOLEAN NOT NULL DEFAULT FALSE,
	request_ip        TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS executions_created_at_idx ON executions (created_at DESC);
CREATE INDEX IF NOT EXISTS executions_language_status_idx ON executions (language, status);
`

// DB wraps a PostgreSQL connection pool for the execution audit trail.
type DB struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, dsn string, maxConns int32) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	if maxConns > 0 {
		config.MaxConns = maxConns
	}
	config.MinConns = 1
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info().Int32("max_conns", config.MaxConns).Msg("connected to PostgreSQL")
	return &DB{pool: pool}, nil
}

// EnsureSchema creates the executions table and its indexes if missing.
func (db *DB) EnsureSchema(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

func (db *DB) Close() {
	db.pool.Close()
}

func (db *DB) Healthy(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

func (db *DB) LogExecution(ctx context.Context, exec *Execution) error {
	query := `
		INSERT INTO executions (id, language, code_hash, status, output, error,
			execution_time_ms, provider, policy_blocked, request_ip, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`

	_, err := db.pool.Exec(ctx, query,
		exec.ID, exec.Language, exec.CodeHash, exec.Status,
		truncateForDB(exec.Output, maxStoredText),
		truncateForDB(exec.Error, maxStoredText),
		exec.ExecutionTimeMS, exec.Provider, exec.PolicyBlocked,
		exec.RequestIP, exec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

func (db *DB) GetExecution(ctx context.Context, id string) (*Execution, error) {
	query := `
		SELECT id, language, code_hash, status, output, error,
			execution_time_ms, provider, policy_blocked, request_ip, created_at
		FROM executions WHERE id = $1`

	var exec Execution
	err := db.pool.QueryRow(ctx, query, id).Scan(
		&exec.ID, &exec.Language, &exec.CodeHash, &exec.Status,
		&exec.Output, &exec.Error,
		&exec.ExecutionTimeMS, &exec.Provider, &exec.PolicyBlocked,
		&exec.RequestIP, &exec.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying execution %s: %w", id, err)
	}
	return &exec, nil
}

// ListExecutions returns summaries, newest first. Output and error text are
// omitted; fetch a single execution for those.
func (db *DB) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]Execution, error) {
	query := `
		SELECT id, language, code_hash, status, execution_time_ms,
			provider, policy_blocked, created_at
		FROM executions
		WHERE ($1 = '' OR language = $1)
		  AND ($2 = '' OR status = $2)
		  AND ($3::boolean IS NULL OR policy_blocked = $3)
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5`

	rows, err := db.pool.Query(ctx, query,
		filter.Language, filter.Status, filter.PolicyBlocked, filter.limit(), filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Execution, error) {
		var exec Execution
		err := row.Scan(
			&exec.ID, &exec.Language, &exec.CodeHash, &exec.Status,
			&exec.ExecutionTimeMS, &exec.Provider, &exec.PolicyBlocked,
			&exec.CreatedAt,
		)
		return exec, err
	})
	if err != nil {
		return nil, fmt.Errorf("scanning executions: %w", err)
	}
	return results, nil
}

func (f ExecutionFilter) limit() int {
	if f.Limit <= 0 || f.Limit > 1000 {
		return 100
	}
	return f.Limit
}

// truncateForDB cuts at a UTF-8 boundary so Postgres accepts the text.
func truncateForDB(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
