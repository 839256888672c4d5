package filesource

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windrose-io/windrose/internal/protocol"
)

func writeStreamFile(t *testing.T, dir, stream string, lines ...string) {
	t.Helper()

	content := ""
	for _, line := range lines {
		content += line + "\n"
	}

	err := os.WriteFile(filepath.Join(dir, stream+".jsonl"), []byte(content), 0o644)
	require.NoError(t, err)
}

func testSource() *Source {
	s := New()
	s.now = func() time.Time { return time.Date(2026, 1, 13, 10, 0, 0, 0, time.UTC) }

	return s
}

func collect(t *testing.T, s *Source, config map[string]interface{}, catalog *protocol.ConfiguredCatalog, state json.RawMessage) []protocol.Message {
	t.Helper()

	var messages []protocol.Message

	err := s.Read(context.Background(), config, catalog, state, func(m protocol.Message) error {
		messages = append(messages, m)

		return nil
	})
	require.NoError(t, err)

	return messages
}

func incrementalCatalog(stream string, cursorField ...string) *protocol.ConfiguredCatalog {
	return &protocol.ConfiguredCatalog{
		Streams: []protocol.ConfiguredStream{{
			Stream: protocol.Stream{
				Name: stream,
				SupportedSyncModes: []protocol.SyncMode{
					protocol.SyncModeFullRefresh,
					protocol.SyncModeIncremental,
				},
			},
			SyncMode:            protocol.SyncModeIncremental,
			DestinationSyncMode: protocol.DestinationSyncModeAppend,
			CursorField:         cursorField,
		}},
	}
}

func TestSpec(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	spec, err := testSource().Spec(context.Background())
	require.NoError(t, err)

	assert.True(t, spec.SupportsIncremental)
	assert.Contains(t, string(spec.ConnectionSpecification), "directory")
}

func TestCheck(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	s := testSource()
	ctx := context.Background()

	t.Run("succeeds on a readable directory", func(t *testing.T) {
		status, err := s.Check(ctx, map[string]interface{}{"directory": t.TempDir()})
		require.NoError(t, err)
		assert.Equal(t, protocol.StatusSucceeded, status.Status)
	})

	t.Run("fails without a directory", func(t *testing.T) {
		status, err := s.Check(ctx, map[string]interface{}{})
		require.NoError(t, err)
		assert.Equal(t, protocol.StatusFailed, status.Status)
	})

	t.Run("fails on a missing directory", func(t *testing.T) {
		status, err := s.Check(ctx, map[string]interface{}{"directory": filepath.Join(t.TempDir(), "nope")})
		require.NoError(t, err)
		assert.Equal(t, protocol.StatusFailed, status.Status)
		assert.Contains(t, status.Message, "cannot access")
	})

	t.Run("fails when the path is a file", func(t *testing.T) {
		dir := t.TempDir()
		writeStreamFile(t, dir, "users", `{"id":1}`)

		status, err := s.Check(ctx, map[string]interface{}{"directory": filepath.Join(dir, "users.jsonl")})
		require.NoError(t, err)
		assert.Equal(t, protocol.StatusFailed, status.Status)
	})
}

func TestDiscoverListsStreams(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	dir := t.TempDir()
	writeStreamFile(t, dir, "users", `{"id":1}`)
	writeStreamFile(t, dir, "orders", `{"id":1}`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	catalog, err := testSource().Discover(context.Background(), map[string]interface{}{"directory": dir})
	require.NoError(t, err)

	require.Len(t, catalog.Streams, 2)
	assert.Equal(t, "orders", catalog.Streams[0].Name)
	assert.Equal(t, "users", catalog.Streams[1].Name)
	assert.True(t, catalog.Streams[0].SupportsSyncMode(protocol.SyncModeIncremental))
	assert.Equal(t, []string{"updated_at"}, catalog.Streams[0].DefaultCursorField)
}

func TestReadFullRefreshEmitsAllRecordsAndState(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	dir := t.TempDir()
	writeStreamFile(t, dir, "users",
		`{"id":1,"updated_at":"2026-01-10T00:00:00Z"}`,
		"",
		`{"id":2,"updated_at":"2026-01-12T00:00:00Z"}`,
	)

	catalog := incrementalCatalog("users")
	catalog.Streams[0].SyncMode = protocol.SyncModeFullRefresh

	messages := collect(t, testSource(), map[string]interface{}{"directory": dir}, catalog, nil)

	require.Len(t, messages, 3)
	assert.Equal(t, protocol.MessageTypeRecord, messages[0].Type)
	assert.Equal(t, "users", messages[0].Record.Stream)
	assert.JSONEq(t, `{"id":1,"updated_at":"2026-01-10T00:00:00Z"}`, string(messages[0].Record.Data))
	assert.Equal(t, protocol.MessageTypeRecord, messages[1].Type)

	state := messages[2]
	require.Equal(t, protocol.MessageTypeState, state.Type)
	assert.Equal(t, "users", state.State.StreamName())
	assert.JSONEq(t,
		`{"cursor_field":"updated_at","cursor_value":"2026-01-12T00:00:00Z"}`,
		string(state.State.Stream.State),
	)
}

func TestReadIncrementalFiltersPastCursor(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	dir := t.TempDir()
	writeStreamFile(t, dir, "users",
		`{"id":1,"updated_at":"2026-01-10T00:00:00Z"}`,
		`{"id":2,"updated_at":"2026-01-12T00:00:00Z"}`,
		`{"id":3,"updated_at":"2026-01-14T00:00:00Z"}`,
	)

	prior := json.RawMessage(`{"cursor_field":"updated_at","cursor_value":"2026-01-12T00:00:00Z"}`)
	messages := collect(t, testSource(), map[string]interface{}{"directory": dir}, incrementalCatalog("users"), prior)

	// Only the record strictly past the cursor, then the new checkpoint.
	require.Len(t, messages, 2)
	assert.JSONEq(t, `{"id":3,"updated_at":"2026-01-14T00:00:00Z"}`, string(messages[0].Record.Data))
	assert.JSONEq(t,
		`{"cursor_field":"updated_at","cursor_value":"2026-01-14T00:00:00Z"}`,
		string(messages[1].State.Stream.State),
	)
}

func TestReadIncrementalRecheckpointsWhenNothingIsNew(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	dir := t.TempDir()
	writeStreamFile(t, dir, "users", `{"id":1,"updated_at":"2026-01-10T00:00:00Z"}`)

	prior := json.RawMessage(`{"cursor_field":"updated_at","cursor_value":"2026-01-10T00:00:00Z"}`)
	messages := collect(t, testSource(), map[string]interface{}{"directory": dir}, incrementalCatalog("users"), prior)

	require.Len(t, messages, 1)
	require.Equal(t, protocol.MessageTypeState, messages[0].Type)
	assert.JSONEq(t,
		`{"cursor_field":"updated_at","cursor_value":"2026-01-10T00:00:00Z"}`,
		string(messages[0].State.Stream.State),
	)
}

func TestReadIgnoresPriorCursorForDifferentField(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	dir := t.TempDir()
	writeStreamFile(t, dir, "events",
		`{"id":1,"seq":10}`,
		`{"id":2,"seq":20}`,
	)

	// Prior state checkpointed a different field; the whole file is re-read.
	prior := json.RawMessage(`{"cursor_field":"updated_at","cursor_value":"zzz"}`)
	messages := collect(t, testSource(), map[string]interface{}{"directory": dir}, incrementalCatalog("events", "seq"), prior)

	require.Len(t, messages, 3)
	assert.JSONEq(t, `{"cursor_field":"seq","cursor_value":"20"}`, string(messages[2].State.Stream.State))
}

func TestReadRecordsWithoutCursorFieldAlwaysPass(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	dir := t.TempDir()
	writeStreamFile(t, dir, "users",
		`{"id":1}`,
		`{"id":2,"updated_at":"2026-01-12T00:00:00Z"}`,
	)

	prior := json.RawMessage(`{"cursor_field":"updated_at","cursor_value":"2026-01-15T00:00:00Z"}`)
	messages := collect(t, testSource(), map[string]interface{}{"directory": dir}, incrementalCatalog("users"), prior)

	// The cursorless record passes; the stale one is filtered; the
	// checkpoint stays at the prior high-water mark.
	require.Len(t, messages, 2)
	assert.JSONEq(t, `{"id":1}`, string(messages[0].Record.Data))
	assert.JSONEq(t,
		`{"cursor_field":"updated_at","cursor_value":"2026-01-15T00:00:00Z"}`,
		string(messages[1].State.Stream.State),
	)
}

func TestReadCursorFieldFromConfig(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	dir := t.TempDir()
	writeStreamFile(t, dir, "events", `{"id":1,"seq":"0005"}`)

	config := map[string]interface{}{"directory": dir, "cursor_field": "seq"}
	messages := collect(t, testSource(), config, incrementalCatalog("events"), nil)

	require.Len(t, messages, 2)
	assert.JSONEq(t, `{"cursor_field":"seq","cursor_value":"0005"}`, string(messages[1].State.Stream.State))
}

func TestReadEmptyFileEmitsNothing(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	dir := t.TempDir()
	writeStreamFile(t, dir, "users")

	messages := collect(t, testSource(), map[string]interface{}{"directory": dir}, incrementalCatalog("users"), nil)
	assert.Empty(t, messages)
}

func TestReadMissingStreamFile(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	err := testSource().Read(
		context.Background(),
		map[string]interface{}{"directory": t.TempDir()},
		incrementalCatalog("ghost"),
		nil,
		func(protocol.Message) error { return nil },
	)
	require.ErrorIs(t, err, ErrStreamFileMissing)
}

func TestReadMalformedLineFails(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	dir := t.TempDir()
	writeStreamFile(t, dir, "users", `{"id":1}`, `not json at all`)

	err := testSource().Read(
		context.Background(),
		map[string]interface{}{"directory": dir},
		incrementalCatalog("users"),
		nil,
		func(protocol.Message) error { return nil },
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestReadMultipleStreams(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	dir := t.TempDir()
	writeStreamFile(t, dir, "users", `{"id":1,"updated_at":"a"}`)
	writeStreamFile(t, dir, "orders", `{"id":9,"updated_at":"b"}`)

	catalog := &protocol.ConfiguredCatalog{
		Streams: append(incrementalCatalog("users").Streams, incrementalCatalog("orders").Streams...),
	}

	messages := collect(t, testSource(), map[string]interface{}{"directory": dir}, catalog, nil)

	// users record, users state, orders record, orders state — catalog order.
	require.Len(t, messages, 4)
	assert.Equal(t, "users", messages[0].Record.Stream)
	assert.Equal(t, "users", messages[1].State.StreamName())
	assert.Equal(t, "orders", messages[2].Record.Stream)
	assert.Equal(t, "orders", messages[3].State.StreamName())
}

func TestReadObservesCancellation(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	dir := t.TempDir()
	writeStreamFile(t, dir, "users", `{"id":1}`, `{"id":2}`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := testSource().Read(
		ctx,
		map[string]interface{}{"directory": dir},
		incrementalCatalog("users"),
		nil,
		func(protocol.Message) error { return nil },
	)
	require.ErrorIs(t, err, context.Canceled)
}
