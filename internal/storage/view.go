package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/windrose-io/windrose/internal/protocol"
)

// Sentinel errors for view construction.
var (
	// ErrEmptyView is returned when an operation requires at least one row.
	ErrEmptyView = errors.New("view contains no rows")

	// ErrUnknownColumn is returned when a named column is not in the view.
	ErrUnknownColumn = errors.New("column not in view")
)

// Kind is the inferred type of a view column, drawn from the closed value
// set records may carry. A column's kind is decided by the first non-null
// sample; later mismatches are coerced to text at write time.
type Kind int

// Column kinds.
const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindTimestamp
	KindDate
	KindJSON
)

// String returns the kind name for logging and error messages.
func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindTimestamp:
		return "timestamp"
	case KindDate:
		return "date"
	case KindJSON:
		return "json"
	default:
		return "null"
	}
}

// SQLType maps the kind onto the PostgreSQL column type used when a
// validated or business table is first created.
func (k Kind) SQLType() string {
	switch k {
	case KindBool:
		return "BOOLEAN"
	case KindInt:
		return "BIGINT"
	case KindFloat:
		return "DOUBLE PRECISION"
	case KindTimestamp:
		return "TIMESTAMP"
	case KindDate:
		return "DATE"
	case KindJSON:
		return "JSONB"
	default:
		return "TEXT"
	}
}

type (
	// Column is one named, typed column of a view.
	Column struct {
		Name string
		Kind Kind
	}

	// View is the typed tabular materialization of a batch of records. It is
	// the shape shared by the validated and business writers and both
	// profiler contracts. Columns are ordered by first appearance across the
	// records; rows hold cell values from the closed set
	// {nil, bool, int64, float64, string, time.Time, json.RawMessage}.
	View struct {
		Columns []Column
		Rows    [][]interface{}
	}
)

// NewViewFromRecords materializes protocol records into a typed view.
// Field names are sanitized into column names; each column's kind is the
// kind of its first non-null cell. Nested objects and arrays stay as raw
// JSON cells.
func NewViewFromRecords(records []protocol.Record) (*View, error) {
	view := &View{}
	index := make(map[string]int)

	for _, record := range records {
		fields, order, err := decodeRecordData(record.Data)
		if err != nil {
			return nil, fmt.Errorf("decoding record for stream %q: %w", record.Stream, err)
		}

		for _, name := range order {
			column := SanitizeColumn(name)
			if _, ok := index[column]; !ok {
				index[column] = len(view.Columns)
				view.Columns = append(view.Columns, Column{Name: column, Kind: KindNull})
			}
		}

		row := make([]interface{}, len(view.Columns))

		for _, name := range order {
			i := index[SanitizeColumn(name)]
			row[i] = classifyValue(fields[name])

			if view.Columns[i].Kind == KindNull && row[i] != nil {
				view.Columns[i].Kind = kindOf(row[i])
			}
		}

		view.Rows = append(view.Rows, row)
	}

	// Earlier rows may be shorter than the final column set; pad with nulls
	// so every row has one cell per column.
	for i, row := range view.Rows {
		for len(row) < len(view.Columns) {
			row = append(row, nil)
		}

		view.Rows[i] = row
	}

	return view, nil
}

// decodeRecordData unmarshals a record payload preserving key order and
// exact numeric representation (json.Number distinguishes i64 from f64).
func decodeRecordData(data json.RawMessage) (map[string]interface{}, []string, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()

	var fields map[string]interface{}
	if err := decoder.Decode(&fields); err != nil {
		return nil, nil, err
	}

	order, err := keyOrder(data)
	if err != nil {
		return nil, nil, err
	}

	return fields, order, nil
}

// keyOrder extracts top-level object keys in document order, which the
// ordered-map decode above discards.
func keyOrder(data json.RawMessage) ([]string, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))

	token, err := decoder.Token()
	if err != nil {
		return nil, err
	}

	if delim, ok := token.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("record data is not a JSON object")
	}

	var order []string

	for decoder.More() {
		token, err := decoder.Token()
		if err != nil {
			return nil, err
		}

		key, ok := token.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected token in record data")
		}

		order = append(order, key)

		// Skip the value; only keys matter here.
		var discard json.RawMessage
		if err := decoder.Decode(&discard); err != nil {
			return nil, err
		}
	}

	return order, nil
}

// classifyValue maps a decoded JSON value onto the closed cell value set.
// Strings in RFC 3339 form become timestamps; bare dates become dates.
func classifyValue(v interface{}) interface{} {
	switch value := v.(type) {
	case nil:
		return nil
	case bool:
		return value
	case json.Number:
		if i, err := value.Int64(); err == nil {
			return i
		}

		if f, err := value.Float64(); err == nil {
			return f
		}

		return value.String()
	case string:
		if ts, err := time.Parse(time.RFC3339, value); err == nil {
			return ts.UTC()
		}

		if d, err := time.Parse("2006-01-02", value); err == nil {
			return d.UTC()
		}

		return value
	case map[string]interface{}, []interface{}:
		encoded, err := json.Marshal(value)
		if err != nil {
			return fmt.Sprintf("%v", value)
		}

		return json.RawMessage(encoded)
	default:
		return fmt.Sprintf("%v", value)
	}
}

// kindOf reports the kind of a classified cell value.
func kindOf(v interface{}) Kind {
	switch value := v.(type) {
	case nil:
		return KindNull
	case bool:
		return KindBool
	case int64:
		return KindInt
	case float64:
		return KindFloat
	case time.Time:
		if value.Hour() == 0 && value.Minute() == 0 && value.Second() == 0 && value.Nanosecond() == 0 {
			return KindDate
		}

		return KindTimestamp
	case json.RawMessage:
		return KindJSON
	default:
		return KindString
	}
}

// ColumnNames returns the view's column names in order.
func (v *View) ColumnNames() []string {
	names := make([]string, len(v.Columns))
	for i, c := range v.Columns {
		names[i] = c.Name
	}

	return names
}

// ColumnIndex returns the position of a named column.
func (v *View) ColumnIndex(name string) (int, error) {
	for i, c := range v.Columns {
		if c.Name == name {
			return i, nil
		}
	}

	return 0, fmt.Errorf("%w: %q", ErrUnknownColumn, name)
}

// Cell returns the value at (row, column name).
func (v *View) Cell(row int, name string) (interface{}, error) {
	i, err := v.ColumnIndex(name)
	if err != nil {
		return nil, err
	}

	return v.Rows[row][i], nil
}

// coerceForColumn prepares a cell value as a SQL parameter for its column's
// kind. Values whose kind diverges from the column (a later record changed
// type) are coerced to their text form, matching the first-sample-wins
// inference rule.
func coerceForColumn(value interface{}, kind Kind) interface{} {
	if value == nil {
		return nil
	}

	if kindOf(value) == kind || kind == KindNull {
		if raw, ok := value.(json.RawMessage); ok {
			return string(raw)
		}

		return value
	}

	// Timestamp and date cells are interchangeable enough for the driver.
	if ts, ok := value.(time.Time); ok && (kind == KindTimestamp || kind == KindDate) {
		return ts
	}

	switch typed := value.(type) {
	case json.RawMessage:
		return string(typed)
	case time.Time:
		return typed.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", typed)
	}
}
