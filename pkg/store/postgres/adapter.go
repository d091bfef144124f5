// Package postgres stores raincheck lists as rows of a PostgreSQL table ordered by a
// BIGSERIAL id.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/nimburion/raincheck/pkg/observability/logger"
	"github.com/nimburion/raincheck/pkg/store"
)

const (
	pingTimeout        = 5 * time.Second
	healthCheckTimeout = 2 * time.Second
)

var _ store.Backend = (*PostgreSQLAdapter)(nil)

// PostgreSQLAdapter implements list operations on a pooled PostgreSQL connection.
type PostgreSQLAdapter struct {
	db      *sql.DB
	logger  logger.Logger
	config  Config
	queries queries
}

// Config holds PostgreSQL connection configuration
type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	QueryTimeout    time.Duration
	// Table defaults to store.DefaultTable.
	Table string
}

type queries struct {
	schema string
	push   string
	pop    string
	length string
}

func buildQueries(table string) queries {
	return queries{
		schema: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
	id BIGSERIAL PRIMARY KEY,
	list_key TEXT NOT NULL,
	value TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS %[1]s_list_key_id_idx ON %[1]s (list_key, id)`, table),
		push: fmt.Sprintf(`INSERT INTO %s (list_key, value) VALUES ($1, $2)`, table),
		pop: fmt.Sprintf(`DELETE FROM %[1]s WHERE id = (
	SELECT id FROM %[1]s WHERE list_key = $1 ORDER BY id LIMIT 1 FOR UPDATE SKIP LOCKED
) RETURNING value`, table),
		length: fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE list_key = $1`, table),
	}
}

// NewPostgreSQLAdapter opens a pool, verifies it with a ping and prepares the statements
// for the configured table.
func NewPostgreSQLAdapter(cfg Config, log logger.Logger) (*PostgreSQLAdapter, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database URL is required")
	}
	if log == nil {
		return nil, fmt.Errorf("logger is required")
	}
	table, err := store.TableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	cfg.Table = table

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info("PostgreSQL connection established",
		"max_open_conns", cfg.MaxOpenConns,
		"max_idle_conns", cfg.MaxIdleConns,
		"table", cfg.Table,
	)

	return newWithDB(db, cfg, log), nil
}

func newWithDB(db *sql.DB, cfg Config, log logger.Logger) *PostgreSQLAdapter {
	if cfg.Table == "" {
		cfg.Table = store.DefaultTable
	}
	return &PostgreSQLAdapter{
		db:      db,
		logger:  log,
		config:  cfg,
		queries: buildQueries(cfg.Table),
	}
}

// DB returns the underlying *sql.DB for direct access when needed
func (a *PostgreSQLAdapter) DB() *sql.DB {
	return a.db
}

// EnsureSchema creates the list table and its index when missing.
func (a *PostgreSQLAdapter) EnsureSchema(ctx context.Context) error {
	queryCtx, cancel := a.withQueryTimeout(ctx)
	defer cancel()
	if _, err := a.db.ExecContext(queryCtx, a.queries.schema); err != nil {
		return fmt.Errorf("failed to create table %s: %w", a.config.Table, err)
	}
	a.logger.Info("PostgreSQL list table ready", "table", a.config.Table)
	return nil
}

// PushTail appends value to the list at key.
func (a *PostgreSQLAdapter) PushTail(ctx context.Context, key, value string) error {
	queryCtx, cancel := a.withQueryTimeout(ctx)
	defer cancel()
	if _, err := a.db.ExecContext(queryCtx, a.queries.push, key, value); err != nil {
		return fmt.Errorf("failed to push to list %s: %w", key, err)
	}
	return nil
}

// PopHead deletes and returns the oldest row of the list at key. Rows locked by a
// concurrent pop are skipped, so each row is returned to exactly one caller.
func (a *PostgreSQLAdapter) PopHead(ctx context.Context, key string) (string, bool, error) {
	queryCtx, cancel := a.withQueryTimeout(ctx)
	defer cancel()

	var value string
	err := a.db.QueryRowContext(queryCtx, a.queries.pop, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to pop from list %s: %w", key, err)
	}
	return value, true, nil
}

// Len counts the rows of the list at key.
func (a *PostgreSQLAdapter) Len(ctx context.Context, key string) (int64, error) {
	queryCtx, cancel := a.withQueryTimeout(ctx)
	defer cancel()

	var n int64
	if err := a.db.QueryRowContext(queryCtx, a.queries.length, key).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count list %s: %w", key, err)
	}
	return n, nil
}

// HealthCheck verifies the database connection is healthy with a timeout
func (a *PostgreSQLAdapter) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	if err := a.db.PingContext(ctx); err != nil {
		a.logger.Error("PostgreSQL health check failed", "error", err)
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// Close gracefully closes the database connection
func (a *PostgreSQLAdapter) Close() error {
	a.logger.Info("closing PostgreSQL connection")

	if err := a.db.Close(); err != nil {
		a.logger.Error("failed to close PostgreSQL connection", "error", err)
		return fmt.Errorf("failed to close database connection: %w", err)
	}
	return nil
}

func (a *PostgreSQLAdapter) withQueryTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if a.config.QueryTimeout <= 0 {
		return ctx, func() {}
	}
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, a.config.QueryTimeout)
}
