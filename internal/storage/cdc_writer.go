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

// CDCOp is one change-data-capture operation code as emitted by CDC
// sources: create, read (snapshot), update, delete.
type CDCOp string

// CDC operation codes.
const (
	CDCOpCreate CDCOp = "c"
	CDCOpRead   CDCOp = "r"
	CDCOpUpdate CDCOp = "u"
	CDCOpDelete CDCOp = "d"
)

// Sentinel errors for the CDC writer.
var (
	// ErrUnknownCDCOp is returned for an operation code outside c/r/u/d.
	ErrUnknownCDCOp = errors.New("unknown CDC operation")
)

type (
	// CDCChange is one record with its operation metadata. Row carries the
	// record's cells aligned with the view columns the writer was given.
	CDCChange struct {
		Op        CDCOp
		Row       []interface{}
		LSN       string
		UpdatedAt *time.Time
		DeletedAt *time.Time
	}

	// CDCWriter applies per-row operations into the chart-schema CDC layer
	// with soft deletes: deletes mark rows rather than removing them, and
	// the unique index on the primary key is partial (only where _deleted =
	// false) so a deleted-then-recreated key stays representable.
	CDCWriter struct {
		conn   *Connection
		logger *slog.Logger
	}

	// CDCResult summarizes one CDC apply call.
	CDCResult struct {
		Creates   int
		Snapshots int
		Updates   int
		Deletes   int
	}
)

// NewCDCWriter creates a CDC writer over the given connection.
func NewCDCWriter(conn *Connection) (*CDCWriter, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &CDCWriter{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// Apply processes a sequence of changes in order inside one transaction.
// columns describes the record cells of every change; primaryKey names the
// column identity is matched on (defaults to the first column).
func (w *CDCWriter) Apply(
	ctx context.Context,
	sourceID, stream string,
	runID uuid.UUID,
	columns []Column,
	changes []CDCChange,
	primaryKey string,
) (CDCResult, error) {
	var result CDCResult

	if len(columns) == 0 || len(changes) == 0 {
		return result, nil
	}

	if primaryKey == "" {
		primaryKey = columns[0].Name
	} else {
		primaryKey = SanitizeColumn(primaryKey)
	}

	keyIndex := -1

	for i, c := range columns {
		if c.Name == primaryKey {
			keyIndex = i

			break
		}
	}

	if keyIndex < 0 {
		return result, fmt.Errorf("%w: %q", ErrPrimaryKeyMissing, primaryKey)
	}

	table := QualifiedTableName(sourceID, stream, LayerCDC)

	if err := w.ensureTable(ctx, sourceID, stream, columns, primaryKey); err != nil {
		return result, err
	}

	tx, err := w.conn.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("beginning CDC transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	for i, change := range changes {
		var err error

		switch change.Op {
		case CDCOpCreate:
			err = w.insertChange(ctx, tx, table, columns, change, runID, false)
			result.Creates++
		case CDCOpRead:
			// Snapshot rows upsert: insert unseen keys, refresh seen ones.
			err = w.applyUpsert(ctx, tx, table, columns, keyIndex, change, runID)
			result.Snapshots++
		case CDCOpUpdate:
			err = w.applyUpsert(ctx, tx, table, columns, keyIndex, change, runID)
			result.Updates++
		case CDCOpDelete:
			err = w.applyDelete(ctx, tx, table, columns, keyIndex, change, runID)
			result.Deletes++
		default:
			err = fmt.Errorf("%w: %q", ErrUnknownCDCOp, change.Op)
		}

		if err != nil {
			return result, fmt.Errorf("CDC apply into %s change %d: %w", table, i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("committing CDC apply into %s: %w", table, err)
	}

	w.logger.Info("cdc layer applied",
		slog.String("table", table),
		slog.String("run_id", runID.String()),
		slog.Int("creates", result.Creates),
		slog.Int("snapshots", result.Snapshots),
		slog.Int("updates", result.Updates),
		slog.Int("deletes", result.Deletes),
	)

	return result, nil
}

// applyUpsert updates the live row for the change's key, inserting when the
// key has no live row. An update clears any prior soft delete, so a
// recreated key comes back live.
func (w *CDCWriter) applyUpsert(
	ctx context.Context,
	tx *sql.Tx,
	table string,
	columns []Column,
	keyIndex int,
	change CDCChange,
	runID uuid.UUID,
) error {
	var sb strings.Builder

	sb.WriteString("UPDATE ")
	sb.WriteString(table)
	sb.WriteString(" SET ")

	args := make([]interface{}, 0, len(columns)+5)

	for i, c := range columns {
		if i == keyIndex {
			continue
		}

		if len(args) > 0 {
			sb.WriteString(", ")
		}

		args = append(args, coerceForColumn(change.Row[i], c.Kind))
		sb.WriteString(quoteIdentifier(c.Name) + " = $" + strconv.Itoa(len(args)))
	}

	if len(args) > 0 {
		sb.WriteString(", ")
	}

	sb.WriteString("_deleted = false, _deleted_at = NULL")

	args = append(args, change.LSN)
	sb.WriteString(", _ab_cdc_lsn = $" + strconv.Itoa(len(args)))

	args = append(args, cdcUpdatedAt(change))
	sb.WriteString(", _ab_cdc_updated_at = $" + strconv.Itoa(len(args)))

	args = append(args, runID.String())
	sb.WriteString(", run_id = $" + strconv.Itoa(len(args)))

	args = append(args, coerceForColumn(change.Row[keyIndex], columns[keyIndex].Kind))
	sb.WriteString(" WHERE " + quoteIdentifier(columns[keyIndex].Name) + " = $" + strconv.Itoa(len(args)))
	sb.WriteString(" AND _deleted = false")

	res, err := tx.ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return w.insertChange(ctx, tx, table, columns, change, runID, false)
	}

	return nil
}

// applyDelete soft-deletes the live row for the change's key. A delete for
// a key with no live row lands a tombstone so downstream consumers still
// observe the deletion.
func (w *CDCWriter) applyDelete(
	ctx context.Context,
	tx *sql.Tx,
	table string,
	columns []Column,
	keyIndex int,
	change CDCChange,
	runID uuid.UUID,
) error {
	deletedAt := time.Now().UTC()
	if change.DeletedAt != nil {
		deletedAt = change.DeletedAt.UTC()
	}

	res, err := tx.ExecContext(ctx,
		"UPDATE "+table+" SET _deleted = true, _deleted_at = $1, _ab_cdc_lsn = $2, run_id = $3"+
			" WHERE "+quoteIdentifier(columns[keyIndex].Name)+" = $4 AND _deleted = false",
		deletedAt, change.LSN, runID.String(),
		coerceForColumn(change.Row[keyIndex], columns[keyIndex].Kind),
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return w.insertChange(ctx, tx, table, columns, change, runID, true)
	}

	return nil
}

// insertChange inserts one row, live or tombstoned.
func (w *CDCWriter) insertChange(
	ctx context.Context,
	tx *sql.Tx,
	table string,
	columns []Column,
	change CDCChange,
	runID uuid.UUID,
	deleted bool,
) error {
	var sb strings.Builder

	sb.WriteString("INSERT INTO ")
	sb.WriteString(table)
	sb.WriteString(" (")

	args := make([]interface{}, 0, len(columns)+5)

	for i, c := range columns {
		if i > 0 {
			sb.WriteString(", ")
		}

		sb.WriteString(quoteIdentifier(c.Name))
		args = append(args, coerceForColumn(change.Row[i], c.Kind))
	}

	sb.WriteString(", _deleted, _deleted_at, _ab_cdc_lsn, _ab_cdc_updated_at, run_id) VALUES (")

	for i := range columns {
		if i > 0 {
			sb.WriteString(", ")
		}

		sb.WriteString("$" + strconv.Itoa(i+1))
	}

	args = append(args, deleted)
	sb.WriteString(", $" + strconv.Itoa(len(args)))

	var deletedAt interface{}
	if deleted {
		deletedAt = time.Now().UTC()
		if change.DeletedAt != nil {
			deletedAt = change.DeletedAt.UTC()
		}
	}

	args = append(args, deletedAt)
	sb.WriteString(", $" + strconv.Itoa(len(args)))

	args = append(args, change.LSN)
	sb.WriteString(", $" + strconv.Itoa(len(args)))

	args = append(args, cdcUpdatedAt(change))
	sb.WriteString(", $" + strconv.Itoa(len(args)))

	args = append(args, runID.String())
	sb.WriteString(", $" + strconv.Itoa(len(args)) + ")")

	_, err := tx.ExecContext(ctx, sb.String(), args...)

	return err
}

// ensureTable creates the CDC table with soft-delete columns and a partial
// unique index scoped to live rows.
func (w *CDCWriter) ensureTable(
	ctx context.Context,
	sourceID, stream string,
	columns []Column,
	primaryKey string,
) error {
	table := QualifiedTableName(sourceID, stream, LayerCDC)
	name := TableName(sourceID, stream, LayerCDC)

	ddl := "CREATE TABLE IF NOT EXISTS " + table + " (\n\t" + surrogateColumn(columns) + " BIGSERIAL PRIMARY KEY"

	for _, c := range columns {
		ddl += ",\n\t" + quoteIdentifier(c.Name) + " " + c.Kind.SQLType()
	}

	ddl += `,
	_deleted BOOLEAN NOT NULL DEFAULT false,
	_deleted_at TIMESTAMP,
	_ab_cdc_lsn TEXT,
	_ab_cdc_updated_at TIMESTAMP,
	run_id UUID NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT now()
)`

	statements := []string{
		"CREATE SCHEMA IF NOT EXISTS " + SchemaChart,
		ddl,
		"CREATE UNIQUE INDEX IF NOT EXISTS " + quoteIdentifier("uniq_"+name+"_live_pk") +
			" ON " + table + " (" + quoteIdentifier(primaryKey) + ") WHERE _deleted = false",
	}

	for _, statement := range statements {
		if _, err := w.conn.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrTableCreateFailed, table, err)
		}
	}

	return nil
}

// cdcUpdatedAt resolves the change's updated-at metadata for the
// _ab_cdc_updated_at column.
func cdcUpdatedAt(change CDCChange) interface{} {
	if change.UpdatedAt != nil {
		return change.UpdatedAt.UTC()
	}

	return nil
}
