// Package storage implements the medallion persistence layer: table naming,
// schema inference, the raw/validated/business/dedup/CDC writers, the sync
// state store with its file fallback, and the job history store.
//
// All writers share one Connection (a pooled *sql.DB over lib/pq) and follow
// the same transactional shape: one transaction per batch, never a
// transaction held across network I/O to a connector.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/lib/pq"

	"github.com/windrose-io/windrose/internal/config"
)

// Sentinel errors for connection management.
var (
	// ErrNoDatabaseConnection is returned when an operation requires a
	// database connection and none was provided.
	ErrNoDatabaseConnection = errors.New("no database connection")

	// ErrConnectionFailed is returned when the database cannot be reached.
	ErrConnectionFailed = errors.New("database connection failed")
)

const (
	// connectTimeout bounds the initial connectivity ping.
	connectTimeout = 10 * time.Second

	// healthCheckTimeout bounds a single health check ping.
	healthCheckTimeout = 5 * time.Second
)

// Connection wraps a pooled *sql.DB with the engine's pool limits and a
// server-side statement timeout. It is shared by every store and writer;
// callers acquire a pooled connection per statement and release it
// immediately, so no component holds a connection across unrelated I/O.
type Connection struct {
	db     *sql.DB
	config *Config
	logger *slog.Logger
}

// NewConnection opens a PostgreSQL connection pool from the given config and
// verifies connectivity with a bounded ping.
//
// The statement timeout is applied as a server-side session parameter on the
// connection string, so every statement issued through the pool inherits it
// without per-call context plumbing.
func NewConnection(cfg *Config) (*Connection, error) {
	if cfg == nil {
		cfg = LoadConfig()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dsn, err := withStatementTimeout(cfg.databaseURL, cfg.StatementTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	conn := &Connection{
		db:     db,
		config: cfg,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	conn.logger.Info("Connected to PostgreSQL",
		slog.String("database_url", cfg.MaskDatabaseURL()),
		slog.Int("max_open_conns", cfg.MaxOpenConns),
		slog.Int("max_idle_conns", cfg.MaxIdleConns),
		slog.Duration("statement_timeout", cfg.StatementTimeout),
	)

	return conn, nil
}

// WrapDB wraps an already-open *sql.DB, used by tests that manage their own
// container-backed database.
func WrapDB(db *sql.DB) *Connection {
	return &Connection{
		db:     db,
		config: LoadConfig(),
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// withStatementTimeout appends statement_timeout (in milliseconds) to the
// connection URL's query parameters. lib/pq forwards unknown parameters to
// the server as run-time settings.
func withStatementTimeout(databaseURL string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		return databaseURL, nil
	}

	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return "", fmt.Errorf("parsing database URL: %w", err)
	}

	query := parsed.Query()
	if query.Get("statement_timeout") == "" {
		query.Set("statement_timeout", strconv.FormatInt(timeout.Milliseconds(), 10))
	}

	parsed.RawQuery = query.Encode()

	return parsed.String(), nil
}

// ExecContext executes a statement through the pool.
func (c *Connection) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return c.db.ExecContext(ctx, query, args...)
}

// QueryContext runs a query through the pool.
func (c *Connection) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return c.db.QueryContext(ctx, query, args...)
}

// QueryRowContext runs a single-row query through the pool.
func (c *Connection) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return c.db.QueryRowContext(ctx, query, args...)
}

// BeginTx starts a transaction. Every writer batch runs in its own
// transaction so a failed batch never poisons its neighbors.
func (c *Connection) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return c.db.BeginTx(ctx, opts)
}

// HealthCheck verifies the pool can reach the database.
func (c *Connection) HealthCheck(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	if err := c.db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	return nil
}

// Close closes the connection pool. Safe to call on a nil receiver.
func (c *Connection) Close() error {
	if c == nil || c.db == nil {
		return nil
	}

	return c.db.Close()
}

// isConnectionError reports whether err indicates the database is
// unreachable rather than a statement-level failure. Class 08 covers
// PostgreSQL connection exceptions; driver.ErrBadConn covers pool-level
// failures before a statement reaches the server.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, sql.ErrConnDone) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Class() == "08"
	}

	return false
}
