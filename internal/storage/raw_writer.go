package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/windrose-io/windrose/internal/config"
	"github.com/windrose-io/windrose/internal/protocol"
)

// RawWriter lands records into the explore-schema raw layer: the record
// payload is preserved as a JSON blob with run provenance, untouched by any
// typing or validation.
type RawWriter struct {
	conn      *Connection
	batchSize int
	logger    *slog.Logger
}

// RawWriterOption configures optional RawWriter behavior.
type RawWriterOption func(*RawWriter)

// WithRawBatchSize overrides the insert batch size for this writer.
func WithRawBatchSize(size int) RawWriterOption {
	return func(w *RawWriter) {
		w.batchSize = size
	}
}

// NewRawWriter creates a raw-layer writer over the given connection.
func NewRawWriter(conn *Connection, opts ...RawWriterOption) (*RawWriter, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	w := &RawWriter{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}

	for _, opt := range opts {
		opt(w)
	}

	w.batchSize = batchSize(w.batchSize)

	return w, nil
}

// Land writes all records into the raw table for (sourceID, stream),
// stamping every row with runID. The table and its indexes are created
// idempotently on every call, so landing into a fresh stream needs no prior
// setup. Returns the number of rows written.
func (w *RawWriter) Land(
	ctx context.Context,
	sourceID, stream string,
	runID uuid.UUID,
	records []protocol.Record,
) (int, error) {
	table := QualifiedTableName(sourceID, stream, LayerRaw)

	if err := w.ensureTable(ctx, sourceID, stream); err != nil {
		return 0, err
	}

	if len(records) == 0 {
		return 0, nil
	}

	ingestedAt := time.Now().UTC()
	rows := make([][]interface{}, 0, len(records))

	for _, record := range records {
		rows = append(rows, []interface{}{
			runID.String(),
			sourceID,
			string(record.Data),
			ingestedAt,
		})
	}

	batcher := &insertBatcher{
		conn:      w.conn,
		logger:    w.logger,
		table:     table,
		columns:   []string{"run_id", "source_system", "raw_data", "ingested_at"},
		batchSize: w.batchSize,
	}

	inserted, err := batcher.insert(ctx, rows)
	if err != nil {
		return inserted, fmt.Errorf("raw land into %s: %w", table, err)
	}

	w.logger.Info("raw layer landed",
		slog.String("table", table),
		slog.String("run_id", runID.String()),
		slog.Int("rows", inserted),
	)

	return inserted, nil
}

// ensureTable creates the raw table, its schema, and its indexes if they do
// not exist. partition_date derives from ingested_at so date-partitioned
// queries need no application cooperation.
func (w *RawWriter) ensureTable(ctx context.Context, sourceID, stream string) error {
	table := QualifiedTableName(sourceID, stream, LayerRaw)
	name := TableName(sourceID, stream, LayerRaw)

	statements := []string{
		"CREATE SCHEMA IF NOT EXISTS " + SchemaExplore,
		`CREATE TABLE IF NOT EXISTS ` + table + ` (
			id BIGSERIAL PRIMARY KEY,
			run_id UUID NOT NULL,
			source_system TEXT,
			raw_data JSONB NOT NULL,
			ingested_at TIMESTAMP NOT NULL DEFAULT now(),
			partition_date DATE GENERATED ALWAYS AS (ingested_at::date) STORED,
			created_at TIMESTAMP NOT NULL DEFAULT now()
		)`,
		"CREATE INDEX IF NOT EXISTS " + quoteIdentifier("idx_"+name+"_run_id") +
			" ON " + table + " (run_id)",
		"CREATE INDEX IF NOT EXISTS " + quoteIdentifier("idx_"+name+"_partition_date") +
			" ON " + table + " (partition_date)",
	}

	for _, statement := range statements {
		if _, err := w.conn.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrTableCreateFailed, table, err)
		}
	}

	return nil
}
