package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/windrose-io/windrose/internal/config"
)

// JobRun is one terminal job outcome as persisted to scheduled_runs. The
// scheduler appends a row whenever a job reaches completed, failed, or
// cancelled.
type JobRun struct {
	ID               uuid.UUID
	JobID            string
	SourceID         string
	SourceName       string
	Streams          []string
	SyncMode         string
	Status           string
	RecordsProcessed int64
	StartedAt        time.Time
	CompletedAt      time.Time
	DurationSeconds  float64
	ErrorMessage     string
	Metadata         map[string]interface{}
}

// HistoryStore persists job run history. The table is created on first
// append so fallback deployments that skipped migrations still record
// history.
type HistoryStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewHistoryStore creates a history store over the given connection.
func NewHistoryStore(conn *Connection) (*HistoryStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &HistoryStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// Append records one terminal job outcome.
func (h *HistoryStore) Append(ctx context.Context, run JobRun) error {
	if err := h.ensureTable(ctx); err != nil {
		return err
	}

	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}

	metadata, err := json.Marshal(run.Metadata)
	if err != nil {
		return fmt.Errorf("encoding run metadata for job %q: %w", run.JobID, err)
	}

	const insert = `
		INSERT INTO scheduled_runs
			(id, job_id, connector_id, source_name, streams, sync_mode, status,
			 records_processed, started_at, completed_at, duration_seconds,
			 error_message, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	if _, err := h.conn.ExecContext(ctx, insert,
		run.ID.String(), run.JobID, run.SourceID, run.SourceName,
		pq.Array(run.Streams), run.SyncMode, run.Status,
		run.RecordsProcessed, nullableTime(run.StartedAt), nullableTime(run.CompletedAt),
		run.DurationSeconds, nullableString(run.ErrorMessage), string(metadata),
	); err != nil {
		return fmt.Errorf("appending run history for job %q: %w", run.JobID, err)
	}

	return nil
}

// History returns the most recent runs, newest first, optionally filtered
// to one source. limit <= 0 means a default page of 50.
func (h *HistoryStore) History(ctx context.Context, sourceID string, limit int) ([]JobRun, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, job_id, connector_id, source_name, streams, sync_mode, status,
		       records_processed, started_at, completed_at, duration_seconds,
		       error_message, metadata
		FROM scheduled_runs`

	args := []interface{}{}

	if sourceID != "" {
		query += " WHERE connector_id = $1"

		args = append(args, sourceID)
	}

	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT %d", limit)

	rows, err := h.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying run history: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var runs []JobRun

	for rows.Next() {
		var (
			run          JobRun
			id           string
			streams      pq.StringArray
			startedAt    sql.NullTime
			completedAt  sql.NullTime
			errorMessage sql.NullString
			metadata     []byte
		)

		if err := rows.Scan(
			&id, &run.JobID, &run.SourceID, &run.SourceName, &streams,
			&run.SyncMode, &run.Status, &run.RecordsProcessed,
			&startedAt, &completedAt, &run.DurationSeconds,
			&errorMessage, &metadata,
		); err != nil {
			return nil, fmt.Errorf("scanning run history: %w", err)
		}

		run.ID, _ = uuid.Parse(id)
		run.Streams = streams
		run.StartedAt = startedAt.Time
		run.CompletedAt = completedAt.Time
		run.ErrorMessage = errorMessage.String

		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &run.Metadata); err != nil {
				h.logger.Warn("skipping undecodable run metadata",
					slog.String("job_id", run.JobID),
					slog.String("error", err.Error()),
				)
			}
		}

		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("querying run history: %w", err)
	}

	return runs, nil
}

// ensureTable creates scheduled_runs when migrations have not run.
func (h *HistoryStore) ensureTable(ctx context.Context) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS scheduled_runs (
			id UUID PRIMARY KEY,
			job_id TEXT NOT NULL,
			connector_id TEXT NOT NULL,
			source_name TEXT,
			streams TEXT[],
			sync_mode TEXT,
			status TEXT NOT NULL,
			records_processed INTEGER NOT NULL DEFAULT 0,
			started_at TIMESTAMP,
			completed_at TIMESTAMP,
			duration_seconds NUMERIC,
			error_message TEXT,
			metadata JSONB,
			created_at TIMESTAMP NOT NULL DEFAULT now()
		)`

	if _, err := h.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("%w: scheduled_runs: %w", ErrTableCreateFailed, err)
	}

	return nil
}

// nullableTime maps the zero time onto SQL NULL.
func nullableTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
