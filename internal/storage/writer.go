package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/windrose-io/windrose/internal/config"
)

// Sentinel errors shared by the layer writers.
var (
	// ErrWriteFailed is returned when a batch insert failed both its retry
	// and the per-row fallback for at least one row.
	ErrWriteFailed = errors.New("layer write failed")

	// ErrTableCreateFailed is returned when idempotent table creation failed.
	ErrTableCreateFailed = errors.New("table creation failed")
)

// Batching limits. The default batch size comes from DEFAULT_BATCH_SIZE and
// is clamped to maxBatchSize.
const (
	defaultBatchSize = 1000
	maxBatchSize     = 10000

	// progressInterval is how many rows pass between progress log lines.
	progressInterval = 5000
)

// batchSize resolves the configured batch size, clamped to [1, maxBatchSize].
func batchSize(override int) int {
	size := override
	if size <= 0 {
		size = config.GetEnvInt("DEFAULT_BATCH_SIZE", defaultBatchSize)
	}

	if size <= 0 {
		size = defaultBatchSize
	}

	if size > maxBatchSize {
		size = maxBatchSize
	}

	return size
}

// insertBatcher inserts rows in batches of fixed column arity, one
// transaction per batch. A failed batch is retried once; if the retry also
// fails, the batch falls back to per-row inserts so individual bad rows are
// recorded without discarding their neighbors. The returned count is the
// number of rows actually inserted and is authoritative even in fallback
// mode.
type insertBatcher struct {
	conn      *Connection
	logger    *slog.Logger
	table     string
	columns   []string
	batchSize int
}

// insert writes all rows and returns the inserted count. rows holds one
// argument slice per row, each of the batcher's column arity.
func (b *insertBatcher) insert(ctx context.Context, rows [][]interface{}) (int, error) {
	inserted := 0
	var rowErrs []error

	for start := 0; start < len(rows); start += b.batchSize {
		end := start + b.batchSize
		if end > len(rows) {
			end = len(rows)
		}

		batch := rows[start:end]

		if err := b.insertBatch(ctx, batch); err != nil {
			// Retry the whole batch once before degrading to per-row mode.
			if retryErr := b.insertBatch(ctx, batch); retryErr != nil {
				b.logger.Warn("batch insert failed twice, falling back to per-row inserts",
					slog.String("table", b.table),
					slog.Int("batch_rows", len(batch)),
					slog.String("error", retryErr.Error()),
				)

				ok, errs := b.insertPerRow(ctx, batch)
				inserted += ok
				rowErrs = append(rowErrs, errs...)

				continue
			}
		}

		inserted += len(batch)

		if inserted%progressInterval < len(batch) && inserted >= progressInterval {
			b.logger.Info("write progress",
				slog.String("table", b.table),
				slog.Int("rows_written", inserted),
				slog.Int("rows_total", len(rows)),
			)
		}
	}

	if len(rowErrs) > 0 {
		return inserted, fmt.Errorf("%w: %d of %d rows failed: %w",
			ErrWriteFailed, len(rowErrs), len(rows), errors.Join(rowErrs...))
	}

	return inserted, nil
}

// insertBatch writes one batch inside its own transaction using a single
// multi-VALUES statement.
func (b *insertBatcher) insertBatch(ctx context.Context, batch [][]interface{}) error {
	tx, err := b.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning batch transaction: %w", err)
	}

	query, args := b.buildInsert(batch)

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		_ = tx.Rollback()

		return err
	}

	return tx.Commit()
}

// insertPerRow writes each row of a failed batch individually, collecting
// per-row errors. Rows that insert cleanly are counted; rows that fail are
// reported without aborting the rest.
func (b *insertBatcher) insertPerRow(ctx context.Context, batch [][]interface{}) (int, []error) {
	inserted := 0
	var errs []error

	for i, row := range batch {
		query, args := b.buildInsert([][]interface{}{row})

		if _, err := b.conn.ExecContext(ctx, query, args...); err != nil {
			errs = append(errs, fmt.Errorf("row %d: %w", i, err))

			continue
		}

		inserted++
	}

	return inserted, errs
}

// buildInsert renders the multi-VALUES insert for a batch and flattens its
// arguments.
func (b *insertBatcher) buildInsert(batch [][]interface{}) (string, []interface{}) {
	var sb strings.Builder

	sb.WriteString("INSERT INTO ")
	sb.WriteString(b.table)
	sb.WriteString(" (")

	for i, column := range b.columns {
		if i > 0 {
			sb.WriteString(", ")
		}

		sb.WriteString(quoteIdentifier(column))
	}

	sb.WriteString(") VALUES ")

	args := make([]interface{}, 0, len(batch)*len(b.columns))

	for r, row := range batch {
		if r > 0 {
			sb.WriteString(", ")
		}

		sb.WriteString("(")

		for c := range b.columns {
			if c > 0 {
				sb.WriteString(", ")
			}

			sb.WriteString("$" + strconv.Itoa(len(args)+1))
			args = append(args, row[c])
		}

		sb.WriteString(")")
	}

	return sb.String(), args
}
