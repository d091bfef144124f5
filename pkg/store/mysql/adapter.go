// Package mysql stores raincheck lists as rows of a MySQL table ordered by an
// AUTO_INCREMENT id.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	driver "github.com/go-sql-driver/mysql"

	"github.com/nimburion/raincheck/pkg/observability/logger"
	"github.com/nimburion/raincheck/pkg/store"
)

const (
	pingTimeout        = 5 * time.Second
	healthCheckTimeout = 2 * time.Second
)

var _ store.Backend = (*MySQLAdapter)(nil)

// MySQLAdapter implements list operations on pooled MySQL connections.
type MySQLAdapter struct {
	db      *sql.DB
	logger  logger.Logger
	config  Config
	queries queries
}

// Config holds MySQL configuration.
type Config struct {
	// URL is a go-sql-driver DSN, e.g. "user:pass@tcp(localhost:3306)/raincheck".
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
	head   string
	remove string
	length string
}

func buildQueries(table string) queries {
	return queries{
		schema: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
	id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
	list_key VARCHAR(255) NOT NULL,
	value LONGTEXT NOT NULL,
	created_at TIMESTAMP(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
	INDEX %[1]s_list_key_id_idx (list_key, id)
)`, table),
		push:   fmt.Sprintf(`INSERT INTO %s (list_key, value) VALUES (?, ?)`, table),
		head:   fmt.Sprintf(`SELECT id, value FROM %s WHERE list_key = ? ORDER BY id LIMIT 1 FOR UPDATE SKIP LOCKED`, table),
		remove: fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, table),
		length: fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE list_key = ?`, table),
	}
}

// NewMySQLAdapter validates the DSN, opens a pool and verifies it with a ping.
func NewMySQLAdapter(cfg Config, log logger.Logger) (*MySQLAdapter, error) {
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

	dsn, err := driver.ParseDSN(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid mysql DSN: %w", err)
	}
	dsn.ParseTime = true

	db, err := sql.Open("mysql", dsn.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping mysql database: %w", err)
	}

	log.Info("MySQL connection established",
		"max_open_conns", cfg.MaxOpenConns,
		"max_idle_conns", cfg.MaxIdleConns,
		"table", cfg.Table,
	)

	return newWithDB(db, cfg, log), nil
}

func newWithDB(db *sql.DB, cfg Config, log logger.Logger) *MySQLAdapter {
	if cfg.Table == "" {
		cfg.Table = store.DefaultTable
	}
	return &MySQLAdapter{db: db, logger: log, config: cfg, queries: buildQueries(cfg.Table)}
}

// DB returns the underlying *sql.DB.
func (a *MySQLAdapter) DB() *sql.DB {
	return a.db
}

// EnsureSchema creates the list table when missing.
func (a *MySQLAdapter) EnsureSchema(ctx context.Context) error {
	queryCtx, cancel := a.withQueryTimeout(ctx)
	defer cancel()
	if _, err := a.db.ExecContext(queryCtx, a.queries.schema); err != nil {
		return fmt.Errorf("failed to create table %s: %w", a.config.Table, err)
	}
	a.logger.Info("MySQL list table ready", "table", a.config.Table)
	return nil
}

// PushTail appends value to the list at key.
func (a *MySQLAdapter) PushTail(ctx context.Context, key, value string) error {
	queryCtx, cancel := a.withQueryTimeout(ctx)
	defer cancel()
	if _, err := a.db.ExecContext(queryCtx, a.queries.push, key, value); err != nil {
		return fmt.Errorf("failed to push to list %s: %w", key, err)
	}
	return nil
}

// PopHead locks the oldest unlocked row of the list, deletes it and returns its value in
// one transaction.
func (a *MySQLAdapter) PopHead(ctx context.Context, key string) (value string, ok bool, err error) {
	queryCtx, cancel := a.withQueryTimeout(ctx)
	defer cancel()

	tx, err := a.db.BeginTx(queryCtx, nil)
	if err != nil {
		return "", false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil || !ok {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				a.logger.Error("failed to rollback pop transaction", "list", key, "error", rbErr)
			}
		}
	}()

	var id uint64
	err = tx.QueryRowContext(queryCtx, a.queries.head, key).Scan(&id, &value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read head of list %s: %w", key, err)
	}
	if _, err = tx.ExecContext(queryCtx, a.queries.remove, id); err != nil {
		return "", false, fmt.Errorf("failed to remove head of list %s: %w", key, err)
	}
	if err = tx.Commit(); err != nil {
		return "", false, fmt.Errorf("failed to commit pop from list %s: %w", key, err)
	}
	return value, true, nil
}

// Len counts the rows of the list at key.
func (a *MySQLAdapter) Len(ctx context.Context, key string) (int64, error) {
	queryCtx, cancel := a.withQueryTimeout(ctx)
	defer cancel()

	var n int64
	if err := a.db.QueryRowContext(queryCtx, a.queries.length, key).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count list %s: %w", key, err)
	}
	return n, nil
}

// HealthCheck pings the database with a timeout.
func (a *MySQLAdapter) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	if err := a.db.PingContext(ctx); err != nil {
		a.logger.Error("MySQL health check failed", "error", err)
		return fmt.Errorf("mysql health check failed: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (a *MySQLAdapter) Close() error {
	a.logger.Info("closing MySQL connection")
	if err := a.db.Close(); err != nil {
		a.logger.Error("failed to close MySQL connection", "error", err)
		return fmt.Errorf("failed to close mysql connection: %w", err)
	}
	return nil
}

func (a *MySQLAdapter) withQueryTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
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
