package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/windrose-io/windrose/internal/config"
	"github.com/windrose-io/windrose/internal/protocol"
)

// sourceAggregateRow is the stream_name value of a source-level state row.
// The aggregate row's state_data blob holds the full SourceState document;
// per-stream rows hold the denormalized projection for SQL consumers.
const sourceAggregateRow = ""

// StateStore durably persists per-source, per-stream replication state.
//
// The primary backend is the sync_state table; a file-per-source JSON store
// is adopted automatically when the database fails, and used exclusively
// when the store is constructed without a connection. An in-memory cache of
// source states is loaded at construction and kept write-through: every
// mutation reaches the backend before the call returns.
//
// The cache is guarded by a reader-writer lock: cursor reads take the read
// side, mutations the write side.
type StateStore struct {
	mu       sync.RWMutex
	conn     *Connection
	fallback *FileStateStore
	cache    map[string]*SourceState
	degraded bool
	logger   *slog.Logger
}

// NewStateStore creates a state store over the given connection (nil for
// file-only operation) with the given fallback (nil to create one rooted at
// WINDROSE_STATE_DIR). All persisted source states are loaded into the
// cache before the store is returned; entries that fail to decode are
// logged and skipped.
func NewStateStore(ctx context.Context, conn *Connection, fallback *FileStateStore) (*StateStore, error) {
	if fallback == nil {
		var err error

		fallback, err = NewFileStateStore("")
		if err != nil {
			return nil, err
		}
	}

	s := &StateStore{
		conn:     conn,
		fallback: fallback,
		cache:    make(map[string]*SourceState),
		degraded: conn == nil,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}

	if err := s.loadAll(ctx); err != nil {
		return nil, err
	}

	return s, nil
}

// loadAll populates the cache from whichever backend is active.
func (s *StateStore) loadAll(ctx context.Context) error {
	if s.degraded {
		states, err := s.fallback.List()
		if err != nil {
			return err
		}

		for _, state := range states {
			s.cache[state.SourceID] = state
		}

		return nil
	}

	if err := s.ensureTable(ctx); err != nil {
		return err
	}

	rows, err := s.conn.QueryContext(ctx,
		`SELECT source_id, state_data FROM sync_state WHERE stream_name = $1`,
		sourceAggregateRow,
	)
	if err != nil {
		if isConnectionError(err) {
			s.adoptFallback(err)

			return s.loadAll(ctx)
		}

		return fmt.Errorf("loading source states: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	for rows.Next() {
		var (
			sourceID string
			blob     []byte
		)

		if err := rows.Scan(&sourceID, &blob); err != nil {
			return fmt.Errorf("scanning source state: %w", err)
		}

		var state SourceState
		if err := json.Unmarshal(blob, &state); err != nil {
			// Corrupted entries are skipped at load; a later write against
			// the same source surfaces ErrStateCorrupted.
			s.logger.Warn("skipping corrupted persisted state",
				slog.String("source_id", sourceID),
				slog.String("error", err.Error()),
			)

			continue
		}

		if state.Streams == nil {
			state.Streams = make(map[string]*StreamState)
		}

		s.cache[sourceID] = &state
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("loading source states: %w", err)
	}

	s.logger.Info("state store loaded", slog.Int("sources", len(s.cache)))

	return nil
}

// Get returns a copy of the source's full state.
func (s *StateStore) Get(sourceID string) (*SourceState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.cache[sourceID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSourceStateNotFound, sourceID)
	}

	return state.Clone(), nil
}

// Create registers a new source with empty stream states.
func (s *StateStore) Create(ctx context.Context, sourceName, sourceID string, streams []string) (*SourceState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.cache[sourceID]; exists {
		return nil, fmt.Errorf("%w: %q", ErrSourceStateExists, sourceID)
	}

	now := time.Now().UTC()
	state := &SourceState{
		SourceName: sourceName,
		SourceID:   sourceID,
		Streams:    make(map[string]*StreamState, len(streams)),
		CreatedAt:  now,
		UpdatedAt:  now,
		Version:    1,
	}

	for _, stream := range streams {
		state.Streams[stream] = &StreamState{SyncMode: protocol.SyncModeFullRefresh}
	}

	if err := s.persist(ctx, state, streams...); err != nil {
		return nil, err
	}

	s.cache[sourceID] = state

	return state.Clone(), nil
}

// UpdateStream folds one mutation into a stream's state, bumps the source
// version, and writes through to the backend before returning. An unknown
// source is created implicitly, matching the data model's
// created-on-first-reference lifecycle.
func (s *StateStore) UpdateStream(
	ctx context.Context,
	sourceID, stream string,
	params UpdateStreamParams,
) (*StreamState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.cache[sourceID]
	if !ok {
		now := time.Now().UTC()
		state = &SourceState{
			SourceName: sourceID,
			SourceID:   sourceID,
			Streams:    make(map[string]*StreamState),
			CreatedAt:  now,
			UpdatedAt:  now,
		}
	}

	updated := state.Clone()
	if updated.Streams == nil {
		updated.Streams = make(map[string]*StreamState)
	}

	streamState := updated.apply(stream, params, time.Now().UTC())

	if err := s.persist(ctx, updated, stream); err != nil {
		return nil, err
	}

	s.cache[sourceID] = updated

	result := *streamState

	return &result, nil
}

// GetCursor returns a stream's cursor field and value.
func (s *StateStore) GetCursor(sourceID, stream string) (string, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.cache[sourceID]
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrSourceStateNotFound, sourceID)
	}

	streamState, ok := state.Streams[stream]
	if !ok {
		return "", "", fmt.Errorf("%w: %q/%q", ErrStreamStateNotFound, sourceID, stream)
	}

	return streamState.CursorField, streamState.CursorValue, nil
}

// ResetStream clears a stream's cursor and counters so the next incremental
// sync re-reads from the beginning.
func (s *StateStore) ResetStream(ctx context.Context, sourceID, stream string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.cache[sourceID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrSourceStateNotFound, sourceID)
	}

	updated := state.Clone()

	streamState, ok := updated.Streams[stream]
	if !ok {
		return fmt.Errorf("%w: %q/%q", ErrStreamStateNotFound, sourceID, stream)
	}

	*streamState = StreamState{SyncMode: streamState.SyncMode}
	updated.UpdatedAt = time.Now().UTC()
	updated.Version++

	if err := s.persist(ctx, updated, stream); err != nil {
		return err
	}

	s.cache[sourceID] = updated

	return nil
}

// ResetSource clears every stream of a source.
func (s *StateStore) ResetSource(ctx context.Context, sourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.cache[sourceID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrSourceStateNotFound, sourceID)
	}

	updated := state.Clone()
	streams := make([]string, 0, len(updated.Streams))

	for name, streamState := range updated.Streams {
		*streamState = StreamState{SyncMode: streamState.SyncMode}
		streams = append(streams, name)
	}

	updated.GlobalState = nil
	updated.UpdatedAt = time.Now().UTC()
	updated.Version++

	if err := s.persist(ctx, updated, streams...); err != nil {
		return err
	}

	s.cache[sourceID] = updated

	return nil
}

// Delete removes a source's state everywhere.
func (s *StateStore) Delete(ctx context.Context, sourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cache[sourceID]; !ok {
		return fmt.Errorf("%w: %q", ErrSourceStateNotFound, sourceID)
	}

	if !s.degraded {
		if _, err := s.conn.ExecContext(ctx,
			"DELETE FROM sync_state WHERE source_id = $1", sourceID,
		); err != nil {
			if !isConnectionError(err) {
				return fmt.Errorf("deleting state for %q: %w", sourceID, err)
			}

			s.adoptFallback(err)
		}
	}

	if s.degraded {
		if err := s.fallback.Delete(sourceID); err != nil {
			return err
		}
	}

	delete(s.cache, sourceID)

	return nil
}

// List returns a copy of every known source state.
func (s *StateStore) List() []*SourceState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	states := make([]*SourceState, 0, len(s.cache))
	for _, state := range s.cache {
		states = append(states, state.Clone())
	}

	return states
}

// Export serializes all source states into one JSON document.
func (s *StateStore) Export() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return json.MarshalIndent(s.cache, "", "  ")
}

// Import replaces or adds source states from an Export document. Each
// imported state is persisted before the cache is updated.
func (s *StateStore) Import(ctx context.Context, data []byte) (int, error) {
	var incoming map[string]*SourceState
	if err := json.Unmarshal(data, &incoming); err != nil {
		return 0, fmt.Errorf("%w: import document: %w", ErrStateCorrupted, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	imported := 0

	for sourceID, state := range incoming {
		if state == nil {
			continue
		}

		state.SourceID = sourceID
		if state.Streams == nil {
			state.Streams = make(map[string]*StreamState)
		}

		streams := make([]string, 0, len(state.Streams))
		for name := range state.Streams {
			streams = append(streams, name)
		}

		if err := s.persist(ctx, state, streams...); err != nil {
			return imported, err
		}

		s.cache[sourceID] = state
		imported++
	}

	return imported, nil
}

// Summary aggregates counts across all sources.
func (s *StateStore) Summary() StateSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary := StateSummary{Sources: len(s.cache)}

	for _, state := range s.cache {
		summary.Streams += len(state.Streams)

		for _, stream := range state.Streams {
			summary.TotalRecordsSynced += stream.RecordsSynced
		}
	}

	return summary
}

// persist writes a source state through to the active backend: the
// aggregate row plus the named streams' denormalized rows in one
// transaction, or the file document in degraded mode. Connection-class
// failures flip the store to the file fallback and retry there.
func (s *StateStore) persist(ctx context.Context, state *SourceState, streams ...string) error {
	if !s.degraded {
		err := s.persistDB(ctx, state, streams)
		if err == nil {
			return nil
		}

		if !isConnectionError(err) {
			return err
		}

		s.adoptFallback(err)
	}

	return s.fallback.Save(state)
}

// persistDB writes the aggregate and stream rows inside one transaction.
func (s *StateStore) persistDB(ctx context.Context, state *SourceState, streams []string) error {
	blob, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding state for %q: %w", state.SourceID, err)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning state transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	const upsert = `
		INSERT INTO sync_state
			(source_id, source_name, stream_name, cursor_field, cursor_value,
			 sync_mode, state_data, last_synced_at, records_synced, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		ON CONFLICT (source_id, stream_name) DO UPDATE SET
			source_name = EXCLUDED.source_name,
			cursor_field = EXCLUDED.cursor_field,
			cursor_value = EXCLUDED.cursor_value,
			sync_mode = EXCLUDED.sync_mode,
			state_data = EXCLUDED.state_data,
			last_synced_at = EXCLUDED.last_synced_at,
			records_synced = EXCLUDED.records_synced,
			updated_at = now()`

	if _, err := tx.ExecContext(ctx, upsert,
		state.SourceID, state.SourceName, sourceAggregateRow,
		nil, nil, string(protocol.SyncModeFullRefresh), string(blob), nil, 0,
	); err != nil {
		return fmt.Errorf("persisting source state for %q: %w", state.SourceID, err)
	}

	for _, stream := range streams {
		streamState, ok := state.Streams[stream]
		if !ok {
			continue
		}

		streamBlob, err := json.Marshal(streamState)
		if err != nil {
			return fmt.Errorf("encoding stream state for %q/%q: %w", state.SourceID, stream, err)
		}

		var lastSynced interface{}
		if !streamState.LastSyncedAt.IsZero() {
			lastSynced = streamState.LastSyncedAt
		}

		if _, err := tx.ExecContext(ctx, upsert,
			state.SourceID, state.SourceName, stream,
			nullableString(streamState.CursorField), nullableString(streamState.CursorValue),
			string(streamState.SyncMode), string(streamBlob), lastSynced, streamState.RecordsSynced,
		); err != nil {
			return fmt.Errorf("persisting stream state for %q/%q: %w", state.SourceID, stream, err)
		}
	}

	return tx.Commit()
}

// adoptFallback switches the store to the file backend after a database
// failure. One-way for the life of the process; the next restart retries
// the database.
func (s *StateStore) adoptFallback(cause error) {
	s.degraded = true
	s.logger.Warn("state store degrading to file backend",
		slog.String("error", cause.Error()),
	)
}

// ensureTable creates the sync_state table when migrations have not run,
// keeping the store self-sufficient in fallback deployments.
func (s *StateStore) ensureTable(ctx context.Context) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS sync_state (
			id SERIAL PRIMARY KEY,
			source_id TEXT NOT NULL,
			source_name TEXT,
			stream_name TEXT NOT NULL DEFAULT '',
			cursor_field TEXT,
			cursor_value TEXT,
			sync_mode TEXT NOT NULL DEFAULT 'full_refresh',
			state_data JSONB NOT NULL,
			last_synced_at TIMESTAMP,
			records_synced INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL DEFAULT now(),
			updated_at TIMESTAMP NOT NULL DEFAULT now(),
			UNIQUE (source_id, stream_name)
		)`

	if _, err := s.conn.ExecContext(ctx, ddl); err != nil {
		if isConnectionError(err) {
			s.adoptFallback(err)

			return nil
		}

		return fmt.Errorf("%w: sync_state: %w", ErrTableCreateFailed, err)
	}

	return nil
}

// nullableString maps "" onto SQL NULL.
func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
