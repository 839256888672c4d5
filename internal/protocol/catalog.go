package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Sentinel errors for catalog validation.
var (
	// ErrStreamNameEmpty is returned when a stream has no name.
	ErrStreamNameEmpty = errors.New("stream name cannot be empty")

	// ErrSyncModeUnsupported is returned when a configured sync mode is not
	// offered by the stream.
	ErrSyncModeUnsupported = errors.New("sync mode not supported by stream")

	// ErrInvalidSyncMode is returned for a sync mode outside the known set.
	ErrInvalidSyncMode = errors.New("invalid sync mode")

	// ErrInvalidDestinationSyncMode is returned for a destination sync mode
	// outside the known set.
	ErrInvalidDestinationSyncMode = errors.New("invalid destination sync mode")
)

// SyncMode dictates how a stream is read from the source.
type SyncMode string

// Sync modes.
const (
	// SyncModeFullRefresh re-reads the entire stream on every sync.
	SyncModeFullRefresh SyncMode = "full_refresh"
	// SyncModeIncremental reads only records past the stored cursor.
	SyncModeIncremental SyncMode = "incremental"
)

// Valid reports whether the sync mode is one of the known modes.
func (m SyncMode) Valid() bool {
	return m == SyncModeFullRefresh || m == SyncModeIncremental
}

// DestinationSyncMode dictates how landed records are merged into the
// destination layer.
type DestinationSyncMode string

// Destination sync modes.
const (
	// DestinationSyncModeAppend lands every record as a new row.
	DestinationSyncModeAppend DestinationSyncMode = "append"
	// DestinationSyncModeOverwrite replaces the prior contents of the stream.
	DestinationSyncModeOverwrite DestinationSyncMode = "overwrite"
	// DestinationSyncModeAppendDedup lands records as a point-in-time upsert.
	DestinationSyncModeAppendDedup DestinationSyncMode = "append_dedup"
)

// Valid reports whether the destination sync mode is one of the known modes.
func (m DestinationSyncMode) Valid() bool {
	switch m {
	case DestinationSyncModeAppend, DestinationSyncModeOverwrite, DestinationSyncModeAppendDedup:
		return true
	default:
		return false
	}
}

type (
	// Stream describes one named logical entity a connector exposes: its
	// JSON-Schema field definition, the sync modes it supports, and optional
	// source-defined cursor and primary key.
	Stream struct {
		Name                    string          `json:"name"`
		JSONSchema              json.RawMessage `json:"json_schema"`
		SupportedSyncModes      []SyncMode      `json:"supported_sync_modes,omitempty"`
		SourceDefinedCursor     bool            `json:"source_defined_cursor,omitempty"`
		DefaultCursorField      []string        `json:"default_cursor_field,omitempty"`
		SourceDefinedPrimaryKey [][]string      `json:"source_defined_primary_key,omitempty"`
		Namespace               string          `json:"namespace,omitempty"`
	}

	// Catalog is the full set of streams a connector exposes, returned by
	// discover.
	Catalog struct {
		Streams []Stream `json:"streams"`
	}

	// ConfiguredStream selects one stream for reading and fixes how it is
	// read and landed.
	ConfiguredStream struct {
		Stream              Stream              `json:"stream"`
		SyncMode            SyncMode            `json:"sync_mode"`
		DestinationSyncMode DestinationSyncMode `json:"destination_sync_mode"`
		CursorField         []string            `json:"cursor_field,omitempty"`
		PrimaryKey          [][]string          `json:"primary_key,omitempty"`
	}

	// ConfiguredCatalog is the subset of streams selected for a read, in the
	// shape the subprocess CLI contract expects in its --catalog file.
	ConfiguredCatalog struct {
		Streams []ConfiguredStream `json:"streams"`
	}
)

// SupportsSyncMode reports whether the stream offers the given mode. A stream
// that declares no modes is treated as full-refresh only.
func (s *Stream) SupportsSyncMode(mode SyncMode) bool {
	if len(s.SupportedSyncModes) == 0 {
		return mode == SyncModeFullRefresh
	}

	for _, m := range s.SupportedSyncModes {
		if m == mode {
			return true
		}
	}

	return false
}

// Validate checks a single configured stream for internal consistency.
func (c *ConfiguredStream) Validate() error {
	if c.Stream.Name == "" {
		return ErrStreamNameEmpty
	}

	if !c.SyncMode.Valid() {
		return fmt.Errorf("%w: %q on stream %q", ErrInvalidSyncMode, c.SyncMode, c.Stream.Name)
	}

	if !c.DestinationSyncMode.Valid() {
		return fmt.Errorf("%w: %q on stream %q", ErrInvalidDestinationSyncMode, c.DestinationSyncMode, c.Stream.Name)
	}

	if !c.Stream.SupportsSyncMode(c.SyncMode) {
		return fmt.Errorf("%w: %q on stream %q", ErrSyncModeUnsupported, c.SyncMode, c.Stream.Name)
	}

	return nil
}

// Validate checks every configured stream in the catalog.
func (c *ConfiguredCatalog) Validate() error {
	for i := range c.Streams {
		if err := c.Streams[i].Validate(); err != nil {
			return err
		}
	}

	return nil
}

// StreamNames returns the names of all configured streams in catalog order.
func (c *ConfiguredCatalog) StreamNames() []string {
	names := make([]string, 0, len(c.Streams))
	for i := range c.Streams {
		names = append(names, c.Streams[i].Stream.Name)
	}

	return names
}
