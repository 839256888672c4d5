// Package filesource is the built-in in-process connector. It treats a
// directory of *.jsonl files as streams: one file per stream, one JSON object
// per line. It supports incremental reads over any lexically ordered field
// and checkpoints the high-water cursor in a STREAM state after the final
// record.
package filesource

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/windrose-io/windrose/internal/connector"
	"github.com/windrose-io/windrose/internal/protocol"
)

// Name is the registry name of the built-in file connector.
const Name = "filesource"

// defaultCursorField is used when neither the catalog nor the config names a
// cursor.
const defaultCursorField = "updated_at"

// Sentinel errors for file source configuration and reads.
var (
	// ErrDirectoryRequired is returned when the config has no directory.
	ErrDirectoryRequired = errors.New("filesource: directory is required")

	// ErrStreamFileMissing is returned when a configured stream has no
	// backing .jsonl file.
	ErrStreamFileMissing = errors.New("filesource: no file for stream")
)

// maxLineBytes bounds a single record line. One megabyte covers any sane
// row; larger lines indicate a file that is not line-delimited.
const maxLineBytes = 1 << 20

// connectionSpecification is the JSON-Schema for the connector config.
var connectionSpecification = json.RawMessage(`{
	"type": "object",
	"required": ["directory"],
	"properties": {
		"directory": {
			"type": "string",
			"description": "Directory containing one <stream>.jsonl file per stream"
		},
		"cursor_field": {
			"type": "string",
			"description": "Field used as the incremental cursor (default updated_at)"
		}
	}
}`)

// Source reads newline-delimited JSON files. The zero value is ready to use;
// all state lives in the per-call config.
type Source struct {
	// now is swapped in tests to pin record emission timestamps.
	now func() time.Time
}

// New creates a file source.
func New() *Source {
	return &Source{now: time.Now}
}

var _ connector.Source = (*Source)(nil)

// Spec returns the connector's configuration schema.
func (s *Source) Spec(_ context.Context) (*protocol.Spec, error) {
	return &protocol.Spec{
		ConnectionSpecification: connectionSpecification,
		SupportsIncremental:     true,
	}, nil
}

// Check verifies the configured directory exists and is readable. A missing
// or unreadable directory is a FAILED status, not an error.
func (s *Source) Check(_ context.Context, config map[string]interface{}) (*protocol.ConnectionStatus, error) {
	dir, err := directory(config)
	if err != nil {
		return &protocol.ConnectionStatus{
			Status:  protocol.StatusFailed,
			Message: err.Error(),
		}, nil
	}

	info, err := os.Stat(dir)
	if err != nil {
		return &protocol.ConnectionStatus{
			Status:  protocol.StatusFailed,
			Message: fmt.Sprintf("cannot access directory %q: %v", dir, err),
		}, nil
	}

	if !info.IsDir() {
		return &protocol.ConnectionStatus{
			Status:  protocol.StatusFailed,
			Message: fmt.Sprintf("%q is not a directory", dir),
		}, nil
	}

	return &protocol.ConnectionStatus{Status: protocol.StatusSucceeded}, nil
}

// Discover lists the *.jsonl files in the directory as streams, in sorted
// order. Every stream supports both sync modes.
func (s *Source) Discover(_ context.Context, config map[string]interface{}) (*protocol.Catalog, error) {
	dir, err := directory(config)
	if err != nil {
		return nil, err
	}

	matches, err := filepath.Glob(filepath.Join(dir, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("filesource: list %q: %w", dir, err)
	}

	sort.Strings(matches)

	catalog := &protocol.Catalog{Streams: make([]protocol.Stream, 0, len(matches))}

	for _, match := range matches {
		name := strings.TrimSuffix(filepath.Base(match), ".jsonl")

		catalog.Streams = append(catalog.Streams, protocol.Stream{
			Name:       name,
			JSONSchema: json.RawMessage(`{"type":"object"}`),
			SupportedSyncModes: []protocol.SyncMode{
				protocol.SyncModeFullRefresh,
				protocol.SyncModeIncremental,
			},
			DefaultCursorField: []string{defaultCursorField},
		})
	}

	return catalog, nil
}

// Read streams each configured stream's file line by line. On incremental
// reads only records strictly past the stored cursor are emitted. The
// high-water cursor observed per stream is checkpointed as a STREAM state
// after that stream's records, regardless of sync mode, so a later
// incremental run can resume.
func (s *Source) Read(
	ctx context.Context,
	config map[string]interface{},
	catalog *protocol.ConfiguredCatalog,
	state json.RawMessage,
	emit connector.EmitFunc,
) error {
	dir, err := directory(config)
	if err != nil {
		return err
	}

	prior := decodeCursorState(state)

	for i := range catalog.Streams {
		configured := &catalog.Streams[i]

		if err := s.readStream(ctx, dir, config, configured, prior, emit); err != nil {
			return err
		}
	}

	return nil
}

// cursorState is the checkpoint document: the same shape the engine stores
// and hands back on the next incremental run.
type cursorState struct {
	CursorField string `json:"cursor_field"`
	CursorValue string `json:"cursor_value"`
}

func (s *Source) readStream(
	ctx context.Context,
	dir string,
	config map[string]interface{},
	configured *protocol.ConfiguredStream,
	prior cursorState,
	emit connector.EmitFunc,
) error {
	stream := configured.Stream.Name
	path := filepath.Join(dir, stream+".jsonl")

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %q (expected %s)", ErrStreamFileMissing, stream, path)
		}

		return fmt.Errorf("filesource: open %s: %w", path, err)
	}
	defer file.Close()

	cursorField := resolveCursorField(configured, config, prior)

	incremental := configured.SyncMode == protocol.SyncModeIncremental
	floor := ""

	if incremental && prior.CursorField == cursorField {
		floor = prior.CursorValue
	}

	highWater := floor
	emitted := 0

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for lineNo := 1; scanner.Scan(); lineNo++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		value, ok, err := cursorOf(line, cursorField)
		if err != nil {
			return fmt.Errorf("filesource: %s line %d: %w", path, lineNo, err)
		}

		// Records past the cursor only; records without the cursor field
		// always pass and never advance the high-water mark.
		if incremental && ok && floor != "" && value <= floor {
			continue
		}

		data := make(json.RawMessage, len(line))
		copy(data, line)

		if err := emit(protocol.NewRecordMessage(stream, data, s.now())); err != nil {
			return err
		}

		emitted++

		if ok && value > highWater {
			highWater = value
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("filesource: read %s: %w", path, err)
	}

	if emitted == 0 && highWater == floor && floor == "" {
		// Nothing read and nothing previously stored: no checkpoint to make.
		return nil
	}

	checkpoint, err := json.Marshal(cursorState{
		CursorField: cursorField,
		CursorValue: highWater,
	})
	if err != nil {
		return fmt.Errorf("filesource: encode state for %s: %w", stream, err)
	}

	return emit(protocol.NewStreamStateMessage(stream, checkpoint))
}

// resolveCursorField picks the cursor: configured catalog field first, then
// the connector config, then the field the prior checkpoint used, then the
// default.
func resolveCursorField(
	configured *protocol.ConfiguredStream,
	config map[string]interface{},
	prior cursorState,
) string {
	if len(configured.CursorField) > 0 && configured.CursorField[0] != "" {
		return configured.CursorField[0]
	}

	if field, ok := config["cursor_field"].(string); ok && field != "" {
		return field
	}

	if prior.CursorField != "" {
		return prior.CursorField
	}

	return defaultCursorField
}

// cursorOf extracts the cursor field from one record line as its lexical
// string form. ok is false when the field is absent or null.
func cursorOf(line []byte, field string) (string, bool, error) {
	var row map[string]json.RawMessage
	if err := json.Unmarshal(line, &row); err != nil {
		return "", false, fmt.Errorf("malformed record: %w", err)
	}

	raw, ok := row[field]
	if !ok || bytes.Equal(raw, []byte("null")) {
		return "", false, nil
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()

	var value interface{}
	if err := decoder.Decode(&value); err != nil {
		return "", false, fmt.Errorf("cursor field %q: %w", field, err)
	}

	switch v := value.(type) {
	case string:
		return v, true, nil
	case json.Number:
		return v.String(), true, nil
	case bool:
		return fmt.Sprintf("%t", v), true, nil
	default:
		// Objects and arrays have no lexical order worth checkpointing.
		return "", false, nil
	}
}

// decodeCursorState reads the engine's checkpoint document. Anything
// unparseable is treated as no prior state.
func decodeCursorState(state json.RawMessage) cursorState {
	var prior cursorState
	if len(state) == 0 {
		return prior
	}

	_ = json.Unmarshal(state, &prior)

	return prior
}

func directory(config map[string]interface{}) (string, error) {
	dir, ok := config["directory"].(string)
	if !ok || dir == "" {
		return "", ErrDirectoryRequired
	}

	return dir, nil
}
