package storage

import (
	"context"
	"database/sql"
	"encoding/json"
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

// Sentinel errors for the business writer.
var (
	// ErrNaturalKeyMissing is returned when the chosen natural key column is
	// not present in the view.
	ErrNaturalKeyMissing = errors.New("natural key column not in view")
)

// openEndedValidTo is the sentinel upper bound of a current SCD2 version.
const openEndedValidTo = "9999-12-31"

type (
	// BusinessWriter maintains the navigate-schema business layer as
	// SCD-Type-2: each natural key owns a timeline of versions partitioned
	// by [valid_from, valid_to), with exactly one current version enforced
	// by a partial unique index.
	BusinessWriter struct {
		conn   *Connection
		logger *slog.Logger
	}

	// BusinessResult summarizes one business-land call.
	BusinessResult struct {
		Inserted  int // brand-new natural keys
		Versioned int // keys whose current version was closed and replaced
		Unchanged int // keys whose incoming row deep-equals the current version
	}
)

// NewBusinessWriter creates an SCD2 business-layer writer over the given
// connection.
func NewBusinessWriter(conn *Connection) (*BusinessWriter, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &BusinessWriter{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// Land applies the view to the business table for (sourceID, stream) under
// SCD2 semantics. naturalKey names the business identifier column; when
// empty, the first view column is used. Rows are applied in view order
// inside one transaction per call, so within a run the last version of a
// key wins.
func (w *BusinessWriter) Land(
	ctx context.Context,
	sourceID, stream string,
	runID uuid.UUID,
	view *View,
	naturalKey string,
) (BusinessResult, error) {
	var result BusinessResult

	table := QualifiedTableName(sourceID, stream, LayerBusiness)

	if err := w.ensureTable(ctx, sourceID, stream, view); err != nil {
		return result, err
	}

	if view == nil || len(view.Rows) == 0 {
		return result, nil
	}

	if naturalKey == "" {
		naturalKey = view.Columns[0].Name
	} else {
		naturalKey = SanitizeColumn(naturalKey)
	}

	keyIndex, err := view.ColumnIndex(naturalKey)
	if err != nil {
		return result, fmt.Errorf("%w: %q", ErrNaturalKeyMissing, naturalKey)
	}

	tx, err := w.conn.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("beginning business transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now().UTC()
	columnNames := view.ColumnNames()

	for rowNum, row := range view.Rows {
		key := naturalKeyString(row[keyIndex])

		current, err := w.lockCurrent(ctx, tx, table, columnNames, key)
		if err != nil {
			return result, fmt.Errorf("business land into %s: %w", table, err)
		}

		incoming := CanonicalRowJSON(columnNames, row)

		switch {
		case current == nil:
			if err := w.insertVersion(ctx, tx, table, view, row, key, runID, now); err != nil {
				return result, fmt.Errorf("business land into %s row %d: %w", table, rowNum, err)
			}

			result.Inserted++
		case current.canonical == incoming:
			// Same business content; only refresh run provenance.
			if _, err := tx.ExecContext(ctx,
				"UPDATE "+table+" SET run_id = $1 WHERE surrogate_key = $2",
				runID.String(), current.surrogateKey,
			); err != nil {
				return result, fmt.Errorf("business land into %s row %d: %w", table, rowNum, err)
			}

			result.Unchanged++
		default:
			if _, err := tx.ExecContext(ctx,
				"UPDATE "+table+" SET valid_to = $1, is_current = false WHERE surrogate_key = $2",
				now, current.surrogateKey,
			); err != nil {
				return result, fmt.Errorf("business land into %s row %d: %w", table, rowNum, err)
			}

			if err := w.insertVersion(ctx, tx, table, view, row, key, runID, now); err != nil {
				return result, fmt.Errorf("business land into %s row %d: %w", table, rowNum, err)
			}

			result.Versioned++
		}
	}

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("committing business land into %s: %w", table, err)
	}

	w.logger.Info("business layer landed",
		slog.String("table", table),
		slog.String("run_id", runID.String()),
		slog.Int("inserted", result.Inserted),
		slog.Int("versioned", result.Versioned),
		slog.Int("unchanged", result.Unchanged),
	)

	return result, nil
}

// currentVersion is the locked current row of a natural key, reduced to
// what the writer needs: its surrogate key and its canonical business
// content.
type currentVersion struct {
	surrogateKey int64
	canonical    string
}

// lockCurrent selects the current version of a key FOR UPDATE, returning
// nil when the key has never been seen.
func (w *BusinessWriter) lockCurrent(
	ctx context.Context,
	tx *sql.Tx,
	table string,
	columns []string,
	key string,
) (*currentVersion, error) {
	var sb strings.Builder

	sb.WriteString("SELECT surrogate_key")

	for _, column := range columns {
		sb.WriteString(", ")
		sb.WriteString(quoteIdentifier(column))
	}

	sb.WriteString(" FROM ")
	sb.WriteString(table)
	sb.WriteString(" WHERE natural_key = $1 AND is_current = true FOR UPDATE")

	row := tx.QueryRowContext(ctx, sb.String(), key)

	surrogate := int64(0)
	values := make([]interface{}, len(columns))
	targets := make([]interface{}, 0, len(columns)+1)
	targets = append(targets, &surrogate)

	for i := range values {
		targets = append(targets, &values[i])
	}

	if err := row.Scan(targets...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, err
	}

	return &currentVersion{
		surrogateKey: surrogate,
		canonical:    CanonicalRowJSON(columns, normalizeScanned(values)),
	}, nil
}

// insertVersion inserts a new current version of a key.
func (w *BusinessWriter) insertVersion(
	ctx context.Context,
	tx *sql.Tx,
	table string,
	view *View,
	row []interface{},
	key string,
	runID uuid.UUID,
	validFrom time.Time,
) error {
	var sb strings.Builder

	sb.WriteString("INSERT INTO ")
	sb.WriteString(table)
	sb.WriteString(" (natural_key")

	for _, c := range view.Columns {
		sb.WriteString(", ")
		sb.WriteString(quoteIdentifier(c.Name))
	}

	sb.WriteString(", valid_from, valid_to, is_current, run_id) VALUES ($1")

	args := make([]interface{}, 0, len(view.Columns)+4)
	args = append(args, key)

	for i, c := range view.Columns {
		sb.WriteString(", $" + strconv.Itoa(len(args)+1))
		args = append(args, coerceForColumn(row[i], c.Kind))
	}

	sb.WriteString(", $" + strconv.Itoa(len(args)+1))
	args = append(args, validFrom)

	sb.WriteString(", '" + openEndedValidTo + "', true, $" + strconv.Itoa(len(args)+1) + ")")
	args = append(args, runID.String())

	_, err := tx.ExecContext(ctx, sb.String(), args...)

	return err
}

// ensureTable creates the business table from the view's inferred schema if
// absent, widens it for late columns, and guarantees the one-current-row
// invariant with a partial unique index.
func (w *BusinessWriter) ensureTable(ctx context.Context, sourceID, stream string, view *View) error {
	table := QualifiedTableName(sourceID, stream, LayerBusiness)
	name := TableName(sourceID, stream, LayerBusiness)

	ddl := "CREATE TABLE IF NOT EXISTS " + table + ` (
	surrogate_key BIGSERIAL PRIMARY KEY,
	natural_key TEXT NOT NULL`

	if view != nil {
		for _, c := range view.Columns {
			ddl += ",\n\t" + quoteIdentifier(c.Name) + " " + c.Kind.SQLType()
		}
	}

	ddl += `,
	valid_from TIMESTAMP NOT NULL DEFAULT now(),
	valid_to TIMESTAMP NOT NULL DEFAULT '` + openEndedValidTo + `',
	is_current BOOLEAN NOT NULL DEFAULT true,
	run_id UUID NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT now()
)`

	statements := []string{
		"CREATE SCHEMA IF NOT EXISTS " + SchemaNavigate,
		ddl,
		"CREATE UNIQUE INDEX IF NOT EXISTS " + quoteIdentifier("uniq_"+name+"_current") +
			" ON " + table + " (natural_key) WHERE is_current = true",
		"CREATE INDEX IF NOT EXISTS " + quoteIdentifier("idx_"+name+"_run_id") +
			" ON " + table + " (run_id)",
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

// naturalKeyString renders a natural key cell as the TEXT value stored in
// the natural_key column.
func naturalKeyString(v interface{}) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case int64:
		return strconv.FormatInt(value, 10)
	case float64:
		return strconv.FormatFloat(value, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(value)
	case time.Time:
		return value.UTC().Format(time.RFC3339)
	case json.RawMessage:
		return string(value)
	default:
		return fmt.Sprintf("%v", value)
	}
}

// normalizeScanned maps database/sql scan results onto the canonical value
// set so scanned rows hash and compare identically to view rows.
func normalizeScanned(values []interface{}) []interface{} {
	out := make([]interface{}, len(values))

	for i, v := range values {
		switch value := v.(type) {
		case []byte:
			out[i] = normalizeScannedBytes(value)
		case time.Time:
			out[i] = value.UTC()
		default:
			out[i] = v
		}
	}

	return out
}

// normalizeScannedBytes decides whether a []byte scan result is JSONB
// content or plain text.
func normalizeScannedBytes(b []byte) interface{} {
	trimmed := strings.TrimSpace(string(b))
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		return json.RawMessage(b)
	}

	return string(b)
}
