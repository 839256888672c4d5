package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/windrose-io/windrose/internal/config"
)

// ValidatedMeta carries the profiling summary stamped onto every validated
// row of a run.
type ValidatedMeta struct {
	PIIChecked   bool
	QualityScore float64
}

// ValidatedWriter lands typed views into the chart-schema validated layer.
// On the first land for a (source, stream) the table is created from the
// view's inferred column schema; subsequent lands add any columns that
// appeared later, so schema drift widens the table instead of failing it.
type ValidatedWriter struct {
	conn      *Connection
	batchSize int
	logger    *slog.Logger
}

// ValidatedWriterOption configures optional ValidatedWriter behavior.
type ValidatedWriterOption func(*ValidatedWriter)

// WithValidatedBatchSize overrides the insert batch size for this writer.
func WithValidatedBatchSize(size int) ValidatedWriterOption {
	return func(w *ValidatedWriter) {
		w.batchSize = size
	}
}

// NewValidatedWriter creates a validated-layer writer over the given
// connection.
func NewValidatedWriter(conn *Connection, opts ...ValidatedWriterOption) (*ValidatedWriter, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	w := &ValidatedWriter{
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

// Land writes the view's rows into the validated table for (sourceID,
// stream), stamping run provenance and the profiling summary on every row.
// Returns the number of rows written.
func (w *ValidatedWriter) Land(
	ctx context.Context,
	sourceID, stream string,
	runID uuid.UUID,
	view *View,
	meta ValidatedMeta,
) (int, error) {
	table := QualifiedTableName(sourceID, stream, LayerValidated)

	if err := w.ensureTable(ctx, sourceID, stream, view); err != nil {
		return 0, err
	}

	if view == nil || len(view.Rows) == 0 {
		return 0, nil
	}

	validatedAt := time.Now().UTC()

	columns := make([]string, 0, len(view.Columns)+4)
	for _, c := range view.Columns {
		columns = append(columns, c.Name)
	}

	columns = append(columns, "run_id", "validated_at", "pii_checked", "quality_score")

	rows := make([][]interface{}, 0, len(view.Rows))

	for _, viewRow := range view.Rows {
		row := make([]interface{}, 0, len(columns))

		for i, c := range view.Columns {
			row = append(row, coerceForColumn(viewRow[i], c.Kind))
		}

		row = append(row, runID.String(), validatedAt, meta.PIIChecked, meta.QualityScore)
		rows = append(rows, row)
	}

	batcher := &insertBatcher{
		conn:      w.conn,
		logger:    w.logger,
		table:     table,
		columns:   columns,
		batchSize: w.batchSize,
	}

	inserted, err := batcher.insert(ctx, rows)
	if err != nil {
		return inserted, fmt.Errorf("validated land into %s: %w", table, err)
	}

	w.logger.Info("validated layer landed",
		slog.String("table", table),
		slog.String("run_id", runID.String()),
		slog.Int("rows", inserted),
		slog.Float64("quality_score", meta.QualityScore),
	)

	return inserted, nil
}

// ensureTable creates the validated table from the view's inferred schema if
// absent, then adds any columns the current view carries that the table does
// not.
func (w *ValidatedWriter) ensureTable(ctx context.Context, sourceID, stream string, view *View) error {
	table := QualifiedTableName(sourceID, stream, LayerValidated)
	name := TableName(sourceID, stream, LayerValidated)

	surrogate := "id"
	if view != nil {
		surrogate = surrogateColumn(view.Columns)
	}

	ddl := "CREATE TABLE IF NOT EXISTS " + table + " (\n\t" + surrogate + " BIGSERIAL PRIMARY KEY"

	if view != nil {
		for _, c := range view.Columns {
			ddl += ",\n\t" + quoteIdentifier(c.Name) + " " + c.Kind.SQLType()
		}
	}

	ddl += `,
	run_id UUID NOT NULL,
	validated_at TIMESTAMP,
	pii_checked BOOLEAN,
	quality_score NUMERIC(5,2),
	created_at TIMESTAMP NOT NULL DEFAULT now()
)`

	statements := []string{
		"CREATE SCHEMA IF NOT EXISTS " + SchemaChart,
		ddl,
		"CREATE INDEX IF NOT EXISTS " + quoteIdentifier("idx_"+name+"_run_id") +
			" ON " + table + " (run_id)",
		"CREATE INDEX IF NOT EXISTS " + quoteIdentifier("idx_"+name+"_low_quality") +
			" ON " + table + " (quality_score) WHERE quality_score < 80",
	}

	for _, statement := range statements {
		if _, err := w.conn.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrTableCreateFailed, table, err)
		}
	}

	if view != nil {
		if err := addMissingColumns(ctx, w.conn, table, view); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrTableCreateFailed, table, err)
		}
	}

	return nil
}

// addMissingColumns widens an existing table with columns that first
// appeared in a later run. ADD COLUMN IF NOT EXISTS keeps it idempotent.
func addMissingColumns(ctx context.Context, conn *Connection, table string, view *View) error {
	for _, c := range view.Columns {
		statement := "ALTER TABLE " + table + " ADD COLUMN IF NOT EXISTS " +
			quoteIdentifier(c.Name) + " " + c.Kind.SQLType()

		if _, err := conn.ExecContext(ctx, statement); err != nil {
			return err
		}
	}

	return nil
}
