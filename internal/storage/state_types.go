package storage

import (
	"errors"
	"time"

	"github.com/windrose-io/windrose/internal/protocol"
)

// Sentinel errors for state storage operations.
var (
	// ErrSourceStateNotFound is returned when no state exists for a source.
	ErrSourceStateNotFound = errors.New("source state not found")

	// ErrStreamStateNotFound is returned when a source has no state for the
	// requested stream.
	ErrStreamStateNotFound = errors.New("stream state not found")

	// ErrSourceStateExists is returned when creating a source that already
	// has state.
	ErrSourceStateExists = errors.New("source state already exists")

	// ErrStateCorrupted is returned when a persisted state entry cannot be
	// decoded. The entry is skipped at load time and surfaced when a write
	// would cross it.
	ErrStateCorrupted = errors.New("persisted state corrupted")
)

type (
	// StreamState is the replication state of one stream within a source.
	// CursorValue is an opaque scalar (string, integer, or ISO timestamp in
	// string form) that strictly advances under incremental mode; a reset
	// clears it.
	StreamState struct {
		CursorField   string                 `json:"cursor_field,omitempty"`
		CursorValue   string                 `json:"cursor_value,omitempty"`
		SyncMode      protocol.SyncMode      `json:"sync_mode"`
		LastSyncedAt  time.Time              `json:"last_synced_at"`
		RecordsSynced int64                  `json:"records_synced"`
		Metadata      map[string]interface{} `json:"metadata,omitempty"`
	}

	// SourceState aggregates every stream's state for one source. Version
	// is a monotonic generation counter incremented on every mutation, so a
	// late writer is detectable against any persisted copy.
	SourceState struct {
		SourceName  string                  `json:"source_name"`
		SourceID    string                  `json:"source_id"`
		Streams     map[string]*StreamState `json:"streams"`
		GlobalState map[string]interface{}  `json:"global_state,omitempty"`
		CreatedAt   time.Time               `json:"created_at"`
		UpdatedAt   time.Time               `json:"updated_at"`
		Version     int64                   `json:"version"`
	}

	// UpdateStreamParams carries one stream mutation. RecordsSyncedDelta
	// adds to the stream's running total; Metadata merges key-by-key.
	UpdateStreamParams struct {
		CursorField        string
		CursorValue        string
		SyncMode           protocol.SyncMode
		RecordsSyncedDelta int64
		Metadata           map[string]interface{}
	}

	// StateSummary is the aggregate view returned by Summary.
	StateSummary struct {
		Sources            int   `json:"sources"`
		Streams            int   `json:"streams"`
		TotalRecordsSynced int64 `json:"total_records_synced"`
	}
)

// Clone deep-copies the source state so cached copies never alias caller
// mutations.
func (s *SourceState) Clone() *SourceState {
	if s == nil {
		return nil
	}

	clone := *s
	clone.Streams = make(map[string]*StreamState, len(s.Streams))

	for name, stream := range s.Streams {
		streamCopy := *stream
		streamCopy.Metadata = cloneMetadata(stream.Metadata)
		clone.Streams[name] = &streamCopy
	}

	clone.GlobalState = cloneMetadata(s.GlobalState)

	return &clone
}

// apply folds one mutation into the stream's state and bumps the source
// version.
func (s *SourceState) apply(stream string, params UpdateStreamParams, now time.Time) *StreamState {
	state, ok := s.Streams[stream]
	if !ok {
		state = &StreamState{SyncMode: protocol.SyncModeFullRefresh}
		s.Streams[stream] = state
	}

	if params.CursorField != "" {
		state.CursorField = params.CursorField
	}

	if params.CursorValue != "" {
		state.CursorValue = params.CursorValue
	}

	if params.SyncMode != "" {
		state.SyncMode = params.SyncMode
	}

	state.RecordsSynced += params.RecordsSyncedDelta
	state.LastSyncedAt = now

	if len(params.Metadata) > 0 {
		if state.Metadata == nil {
			state.Metadata = make(map[string]interface{}, len(params.Metadata))
		}

		for k, v := range params.Metadata {
			state.Metadata[k] = v
		}
	}

	s.UpdatedAt = now
	s.Version++

	return state
}

func cloneMetadata(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}

	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}

	return out
}
