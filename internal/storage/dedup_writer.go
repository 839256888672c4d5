package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/windrose-io/windrose/internal/config"
)

// Sentinel errors for the dedup writer.
var (
	// ErrPrimaryKeyMissing is returned when the primary key column is not
	// present in the view.
	ErrPrimaryKeyMissing = errors.New("primary key column not in view")
)

type (
	// DedupWriter treats an incoming view as a point-in-time upsert into the
	// chart-schema deduped layer rather than an append. Two strategies are
	// offered: a row-hash diff that reports exactly what changed, and a
	// native ON CONFLICT upsert that trades that detail for batch
	// throughput.
	DedupWriter struct {
		conn      *Connection
		batchSize int
		logger    *slog.Logger
	}

	// DedupWriterOption configures optional DedupWriter behavior.
	DedupWriterOption func(*DedupWriter)

	// DiffResult summarizes a row-hash upsert.
	DiffResult struct {
		Inserted  int
		Updated   int
		Unchanged int
	}

	// UpsertResult summarizes a native upsert.
	UpsertResult struct {
		Processed int
		Conflicts int
	}
)

// WithDedupBatchSize overrides the upsert batch size for this writer.
func WithDedupBatchSize(size int) DedupWriterOption {
	return func(w *DedupWriter) {
		w.batchSize = size
	}
}

// NewDedupWriter creates a deduplicating writer over the given connection.
func NewDedupWriter(conn *Connection, opts ...DedupWriterOption) (*DedupWriter, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	w := &DedupWriter{
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

// LandRowHash applies the view with the row-hash diff strategy: each row's
// canonical SHA-256 is compared to the stored hash for its key — insert
// when the key is new, update when the hash changed, skip when equal.
func (w *DedupWriter) LandRowHash(
	ctx context.Context,
	sourceID, stream string,
	runID uuid.UUID,
	view *View,
	primaryKey string,
) (DiffResult, error) {
	var result DiffResult

	table := QualifiedTableName(sourceID, stream, LayerDeduped)

	primaryKey, keyIndex, err := w.prepare(ctx, sourceID, stream, view, primaryKey)
	if err != nil || view == nil || len(view.Rows) == 0 {
		return result, err
	}

	columnNames := view.ColumnNames()

	tx, err := w.conn.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("beginning dedup transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	for rowNum, row := range view.Rows {
		hash := RowHash(columnNames, row)
		key := naturalKeyString(row[keyIndex])

		var stored string

		err := tx.QueryRowContext(ctx,
			"SELECT _row_hash FROM "+table+" WHERE "+quoteIdentifier(primaryKey)+" = $1",
			coerceForColumn(row[keyIndex], view.Columns[keyIndex].Kind),
		).Scan(&stored)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			if err := w.insertRow(ctx, tx, table, view, row, hash, runID); err != nil {
				return result, fmt.Errorf("dedup land into %s row %d (key %s): %w", table, rowNum, key, err)
			}

			result.Inserted++
		case err != nil:
			return result, fmt.Errorf("dedup land into %s row %d: %w", table, rowNum, err)
		case stored == hash:
			result.Unchanged++
		default:
			if err := w.updateRow(ctx, tx, table, view, row, keyIndex, hash, runID); err != nil {
				return result, fmt.Errorf("dedup land into %s row %d (key %s): %w", table, rowNum, key, err)
			}

			result.Updated++
		}
	}

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("committing dedup land into %s: %w", table, err)
	}

	w.logger.Info("deduped layer landed",
		slog.String("table", table),
		slog.String("strategy", "row_hash"),
		slog.Int("inserted", result.Inserted),
		slog.Int("updated", result.Updated),
		slog.Int("unchanged", result.Unchanged),
	)

	return result, nil
}

// LandUpsert applies the view with the native upsert strategy: batched
// INSERT … ON CONFLICT (pk) DO UPDATE SET statements. Conflicts counts the
// rows that hit an existing key, detected through the xmax system column.
func (w *DedupWriter) LandUpsert(
	ctx context.Context,
	sourceID, stream string,
	runID uuid.UUID,
	view *View,
	primaryKey string,
) (UpsertResult, error) {
	var result UpsertResult

	table := QualifiedTableName(sourceID, stream, LayerDeduped)

	primaryKey, _, err := w.prepare(ctx, sourceID, stream, view, primaryKey)
	if err != nil || view == nil || len(view.Rows) == 0 {
		return result, err
	}

	for start := 0; start < len(view.Rows); start += w.batchSize {
		end := start + w.batchSize
		if end > len(view.Rows) {
			end = len(view.Rows)
		}

		batch := view.Rows[start:end]

		conflicts, err := w.upsertBatch(ctx, table, view, batch, primaryKey, runID)
		if err != nil {
			return result, fmt.Errorf("upsert land into %s: %w", table, err)
		}

		result.Processed += len(batch)
		result.Conflicts += conflicts

		if result.Processed%progressInterval < len(batch) && result.Processed >= progressInterval {
			w.logger.Info("write progress",
				slog.String("table", table),
				slog.Int("rows_written", result.Processed),
				slog.Int("rows_total", len(view.Rows)),
			)
		}
	}

	w.logger.Info("deduped layer landed",
		slog.String("table", table),
		slog.String("strategy", "native_upsert"),
		slog.Int("processed", result.Processed),
		slog.Int("conflicts", result.Conflicts),
	)

	return result, nil
}

// upsertBatch executes one ON CONFLICT batch in its own transaction and
// returns how many rows conflicted with existing keys.
func (w *DedupWriter) upsertBatch(
	ctx context.Context,
	table string,
	view *View,
	batch [][]interface{},
	primaryKey string,
	runID uuid.UUID,
) (int, error) {
	tx, err := w.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}

	defer func() {
		_ = tx.Rollback()
	}()

	var sb strings.Builder

	sb.WriteString("INSERT INTO ")
	sb.WriteString(table)
	sb.WriteString(" (")

	for i, c := range view.Columns {
		if i > 0 {
			sb.WriteString(", ")
		}

		sb.WriteString(quoteIdentifier(c.Name))
	}

	sb.WriteString(", _row_hash, run_id, updated_at) VALUES ")

	args := make([]interface{}, 0, len(batch)*(len(view.Columns)+3))
	columnNames := view.ColumnNames()
	now := time.Now().UTC()

	for r, row := range batch {
		if r > 0 {
			sb.WriteString(", ")
		}

		sb.WriteString("(")

		for i, c := range view.Columns {
			if i > 0 {
				sb.WriteString(", ")
			}

			sb.WriteString("$" + strconv.Itoa(len(args)+1))
			args = append(args, coerceForColumn(row[i], c.Kind))
		}

		sb.WriteString(", $" + strconv.Itoa(len(args)+1))
		args = append(args, RowHash(columnNames, row))

		sb.WriteString(", $" + strconv.Itoa(len(args)+1))
		args = append(args, runID.String())

		sb.WriteString(", $" + strconv.Itoa(len(args)+1) + ")")
		args = append(args, now)
	}

	sb.WriteString(" ON CONFLICT (" + quoteIdentifier(primaryKey) + ") DO UPDATE SET ")

	first := true

	for _, c := range view.Columns {
		if c.Name == primaryKey {
			continue
		}

		if !first {
			sb.WriteString(", ")
		}

		sb.WriteString(quoteIdentifier(c.Name) + " = EXCLUDED." + quoteIdentifier(c.Name))
		first = false
	}

	if !first {
		sb.WriteString(", ")
	}

	sb.WriteString("_row_hash = EXCLUDED._row_hash, run_id = EXCLUDED.run_id, updated_at = EXCLUDED.updated_at")
	sb.WriteString(" RETURNING (xmax <> 0) AS conflicted")

	rows, err := tx.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return 0, err
	}

	conflicts := 0

	for rows.Next() {
		var conflicted bool
		if err := rows.Scan(&conflicted); err != nil {
			_ = rows.Close()

			return 0, err
		}

		if conflicted {
			conflicts++
		}
	}

	if err := rows.Err(); err != nil {
		_ = rows.Close()

		return 0, err
	}

	_ = rows.Close()

	return conflicts, tx.Commit()
}

// insertRow inserts one new row with its hash under the row-hash strategy.
func (w *DedupWriter) insertRow(
	ctx context.Context,
	tx *sql.Tx,
	table string,
	view *View,
	row []interface{},
	hash string,
	runID uuid.UUID,
) error {
	var sb strings.Builder

	sb.WriteString("INSERT INTO ")
	sb.WriteString(table)
	sb.WriteString(" (")

	args := make([]interface{}, 0, len(view.Columns)+3)

	for i, c := range view.Columns {
		if i > 0 {
			sb.WriteString(", ")
		}

		sb.WriteString(quoteIdentifier(c.Name))
		args = append(args, coerceForColumn(row[i], c.Kind))
	}

	sb.WriteString(", _row_hash, run_id, updated_at) VALUES (")

	for i := range args {
		if i > 0 {
			sb.WriteString(", ")
		}

		sb.WriteString("$" + strconv.Itoa(i+1))
	}

	sb.WriteString(", $" + strconv.Itoa(len(args)+1))
	args = append(args, hash)

	sb.WriteString(", $" + strconv.Itoa(len(args)+1))
	args = append(args, runID.String())

	sb.WriteString(", $" + strconv.Itoa(len(args)+1) + ")")
	args = append(args, time.Now().UTC())

	_, err := tx.ExecContext(ctx, sb.String(), args...)

	return err
}

// updateRow replaces a changed row in place under the row-hash strategy.
func (w *DedupWriter) updateRow(
	ctx context.Context,
	tx *sql.Tx,
	table string,
	view *View,
	row []interface{},
	keyIndex int,
	hash string,
	runID uuid.UUID,
) error {
	var sb strings.Builder

	sb.WriteString("UPDATE ")
	sb.WriteString(table)
	sb.WriteString(" SET ")

	args := make([]interface{}, 0, len(view.Columns)+4)

	for i, c := range view.Columns {
		if i == keyIndex {
			continue
		}

		if len(args) > 0 {
			sb.WriteString(", ")
		}

		args = append(args, coerceForColumn(row[i], c.Kind))
		sb.WriteString(quoteIdentifier(c.Name) + " = $" + strconv.Itoa(len(args)))
	}

	if len(args) > 0 {
		sb.WriteString(", ")
	}

	args = append(args, hash)
	sb.WriteString("_row_hash = $" + strconv.Itoa(len(args)))

	args = append(args, runID.String())
	sb.WriteString(", run_id = $" + strconv.Itoa(len(args)))

	args = append(args, time.Now().UTC())
	sb.WriteString(", updated_at = $" + strconv.Itoa(len(args)))

	args = append(args, coerceForColumn(row[keyIndex], view.Columns[keyIndex].Kind))
	sb.WriteString(" WHERE " + quoteIdentifier(view.Columns[keyIndex].Name) + " = $" + strconv.Itoa(len(args)))

	_, err := tx.ExecContext(ctx, sb.String(), args...)

	return err
}

// prepare validates the primary key, ensures the table exists, and returns
// the sanitized key name with its view index.
func (w *DedupWriter) prepare(
	ctx context.Context,
	sourceID, stream string,
	view *View,
	primaryKey string,
) (string, int, error) {
	if view == nil || len(view.Columns) == 0 {
		return primaryKey, 0, nil
	}

	if primaryKey == "" {
		primaryKey = view.Columns[0].Name
	} else {
		primaryKey = SanitizeColumn(primaryKey)
	}

	keyIndex, err := view.ColumnIndex(primaryKey)
	if err != nil {
		return primaryKey, 0, fmt.Errorf("%w: %q", ErrPrimaryKeyMissing, primaryKey)
	}

	if err := w.ensureTable(ctx, sourceID, stream, view, primaryKey); err != nil {
		return primaryKey, keyIndex, err
	}

	return primaryKey, keyIndex, nil
}

// ensureTable creates the deduped table with a unique index on the primary
// key plus the row-hash and provenance columns.
func (w *DedupWriter) ensureTable(
	ctx context.Context,
	sourceID, stream string,
	view *View,
	primaryKey string,
) error {
	table := QualifiedTableName(sourceID, stream, LayerDeduped)
	name := TableName(sourceID, stream, LayerDeduped)

	ddl := "CREATE TABLE IF NOT EXISTS " + table + " (\n\t" + surrogateColumn(view.Columns) + " BIGSERIAL PRIMARY KEY"

	for _, c := range view.Columns {
		ddl += ",\n\t" + quoteIdentifier(c.Name) + " " + c.Kind.SQLType()
	}

	ddl += `,
	_row_hash TEXT NOT NULL,
	run_id UUID NOT NULL,
	updated_at TIMESTAMP NOT NULL DEFAULT now(),
	created_at TIMESTAMP NOT NULL DEFAULT now()
)`

	statements := []string{
		"CREATE SCHEMA IF NOT EXISTS " + SchemaChart,
		ddl,
		"CREATE UNIQUE INDEX IF NOT EXISTS " + quoteIdentifier("uniq_"+name+"_pk") +
			" ON " + table + " (" + quoteIdentifier(primaryKey) + ")",
	}

	for _, statement := range statements {
		if _, err := w.conn.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrTableCreateFailed, table, err)
		}
	}

	return addMissingColumnsErr(ctx, w.conn, table, view)
}

// addMissingColumnsErr wraps addMissingColumns with the writer error kind.
func addMissingColumnsErr(ctx context.Context, conn *Connection, table string, view *View) error {
	if err := addMissingColumns(ctx, conn, table, view); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrTableCreateFailed, table, err)
	}

	return nil
}
