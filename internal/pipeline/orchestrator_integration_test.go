package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/windrose-io/windrose/internal/config"
	"github.com/windrose-io/windrose/internal/connector"
	"github.com/windrose-io/windrose/internal/lineage"
	"github.com/windrose-io/windrose/internal/profile"
	"github.com/windrose-io/windrose/internal/protocol"
	"github.com/windrose-io/windrose/internal/storage"
)

// replaySource is an in-process source that replays a fixed message script.
type replaySource struct {
	messages []protocol.Message
	readErr  error
	// afterLast runs after the final message is emitted; used to simulate
	// cancellation arriving mid-run.
	afterLast func()
}

func (s *replaySource) Spec(_ context.Context) (*protocol.Spec, error) {
	return &protocol.Spec{ConnectionSpecification: json.RawMessage(`{}`)}, nil
}

func (s *replaySource) Check(_ context.Context, _ map[string]interface{}) (*protocol.ConnectionStatus, error) {
	return &protocol.ConnectionStatus{Status: protocol.StatusSucceeded}, nil
}

func (s *replaySource) Discover(_ context.Context, _ map[string]interface{}) (*protocol.Catalog, error) {
	return &protocol.Catalog{}, nil
}

func (s *replaySource) Read(
	_ context.Context,
	_ map[string]interface{},
	_ *protocol.ConfiguredCatalog,
	_ json.RawMessage,
	emit connector.EmitFunc,
) error {
	for _, msg := range s.messages {
		if err := emit(msg); err != nil {
			return err
		}
	}

	if s.afterLast != nil {
		s.afterLast()
	}

	return s.readErr
}

// failingDetector always errors; exercises advisory isolation.
type failingDetector struct{}

func (failingDetector) Detect(_ *storage.View) (*profile.PIIReport, error) {
	return nil, errors.New("detector crashed")
}

// failingValidator always errors.
type failingValidator struct{}

func (failingValidator) Validate(_ *storage.View) (*profile.QualityReport, error) {
	return nil, errors.New("validator crashed")
}

// failingEmitter always errors.
type failingEmitter struct{}

func (failingEmitter) Emit(_ context.Context, _ lineage.Event) error {
	return errors.New("sink unreachable")
}

func (failingEmitter) Close() error { return nil }

func userRecord(id int, updatedAt string) protocol.Message {
	data := fmt.Sprintf(`{"id": %d, "name": "user-%d", "updated_at": %q}`, id, id, updatedAt)

	return protocol.NewRecordMessage("users", json.RawMessage(data), time.Now())
}

func userStateMessage(cursor string) protocol.Message {
	payload := fmt.Sprintf(`{"cursor_field": "updated_at", "cursor_value": %q}`, cursor)

	return protocol.NewStreamStateMessage("users", json.RawMessage(payload))
}

func countRows(t *testing.T, testDB *config.TestDatabase, table, where string) int {
	t.Helper()

	query := "SELECT COUNT(*) FROM " + table
	if where != "" {
		query += " WHERE " + where
	}

	var n int
	require.NoError(t, testDB.Connection.QueryRow(query).Scan(&n))

	return n
}

func TestOrchestratorIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	testDB := config.SetupTestDatabase(ctx, t)
	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	conn := storage.WrapDB(testDB.Connection)

	rawWriter, err := storage.NewRawWriter(conn)
	require.NoError(t, err)
	validatedWriter, err := storage.NewValidatedWriter(conn)
	require.NoError(t, err)
	businessWriter, err := storage.NewBusinessWriter(conn)
	require.NoError(t, err)

	fallback, err := storage.NewFileStateStore(t.TempDir())
	require.NoError(t, err)
	stateStore, err := storage.NewStateStore(ctx, conn, fallback)
	require.NoError(t, err)

	newOrchestrator := func(registry *connector.Registry, opts ...OrchestratorOption) *Orchestrator {
		base := []OrchestratorOption{
			WithPIIDetector(profile.NewRegexDetector()),
			WithQualityValidator(profile.NewValidator()),
			WithLineageEmitter(lineage.NewLogEmitter(nil)),
		}

		return NewOrchestrator(registry, rawWriter, validatedWriter, businessWriter, stateStore,
			append(base, opts...)...)
	}

	t.Run("HappyPathIncremental", func(t *testing.T) {
		registry := connector.NewRegistry()
		require.NoError(t, registry.Register("crm", &replaySource{
			messages: []protocol.Message{
				userRecord(1, "2026-01-13T10:00:00Z"),
				userRecord(2, "2026-01-13T10:01:00Z"),
				userRecord(3, "2026-01-13T10:02:00Z"),
				userStateMessage("2026-01-13T10:02:00Z"),
			},
		}))

		result := newOrchestrator(registry).ExecuteFullSync(ctx, SyncRequest{
			SourceID:   "crm",
			Stream:     "users",
			SyncMode:   protocol.SyncModeIncremental,
			NaturalKey: "id",
		})

		require.NoError(t, result.Err)
		assert.Equal(t, StatusCompleted, result.Status)
		assert.Equal(t, 3, result.RecordsSynced)
		assert.Equal(t, []string{"raw", "validated", "business"}, result.LayersWritten)
		assert.Equal(t, "2026-01-13T10:02:00Z", result.CursorValue)

		assert.Equal(t, 3, countRows(t, testDB, `explore."crm_users_raw"`, ""))
		assert.Equal(t, 3, countRows(t, testDB, `chart."crm_users_validated"`, ""))
		assert.Equal(t, 3, countRows(t, testDB, `navigate."crm_users_business"`, "is_current = true"))

		field, value, err := stateStore.GetCursor("crm", "users")
		require.NoError(t, err)
		assert.Equal(t, "updated_at", field)
		assert.Equal(t, "2026-01-13T10:02:00Z", value)
	})

	t.Run("SecondIncrementalWithOneChange", func(t *testing.T) {
		registry := connector.NewRegistry()
		require.NoError(t, registry.Register("crm", &replaySource{
			messages: []protocol.Message{
				userRecord(1, "2026-01-13T10:00:00Z"),
				// Same key, newer content.
				protocol.NewRecordMessage("users",
					json.RawMessage(`{"id": 2, "name": "user-2-renamed", "updated_at": "2026-01-14T08:00:00Z"}`),
					time.Now()),
				userRecord(3, "2026-01-13T10:02:00Z"),
				userStateMessage("2026-01-14T08:00:00Z"),
			},
		}))

		result := newOrchestrator(registry).ExecuteFullSync(ctx, SyncRequest{
			SourceID:   "crm",
			Stream:     "users",
			SyncMode:   protocol.SyncModeIncremental,
			NaturalKey: "id",
		})

		require.NoError(t, result.Err)
		assert.Equal(t, StatusCompleted, result.Status)

		assert.Equal(t, 6, countRows(t, testDB, `explore."crm_users_raw"`, ""))
		assert.Equal(t, 2, countRows(t, testDB, `navigate."crm_users_business"`, "natural_key = '2'"))
		assert.Equal(t, 1, countRows(t, testDB, `navigate."crm_users_business"`,
			"natural_key = '2' AND is_current = true"))
		assert.Equal(t, 1, countRows(t, testDB, `navigate."crm_users_business"`, "natural_key = '1'"))

		_, value, err := stateStore.GetCursor("crm", "users")
		require.NoError(t, err)
		assert.Equal(t, "2026-01-14T08:00:00Z", value)
	})

	t.Run("ZeroRecordsCompletesWithoutWrites", func(t *testing.T) {
		registry := connector.NewRegistry()
		require.NoError(t, registry.Register("empty", &replaySource{
			messages: []protocol.Message{
				protocol.NewLogMessage(protocol.LogLevelInfo, "nothing to sync"),
			},
		}))

		result := newOrchestrator(registry).ExecuteFullSync(ctx, SyncRequest{
			SourceID: "empty",
			Stream:   "users",
			SyncMode: protocol.SyncModeIncremental,
		})

		require.NoError(t, result.Err)
		assert.Equal(t, StatusCompleted, result.Status)
		assert.Zero(t, result.RecordsSynced)
		assert.Empty(t, result.LayersWritten)

		var exists bool
		require.NoError(t, testDB.Connection.QueryRow(
			"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'empty_users_raw')",
		).Scan(&exists))
		assert.False(t, exists)
	})

	t.Run("AdvisoryFailuresDoNotFailSync", func(t *testing.T) {
		registry := connector.NewRegistry()
		require.NoError(t, registry.Register("advisory", &replaySource{
			messages: []protocol.Message{userRecord(1, "2026-01-13T10:00:00Z")},
		}))

		result := newOrchestrator(registry,
			WithPIIDetector(failingDetector{}),
			WithQualityValidator(failingValidator{}),
			WithLineageEmitter(failingEmitter{}),
		).ExecuteFullSync(ctx, SyncRequest{
			SourceID: "advisory",
			Stream:   "users",
			SyncMode: protocol.SyncModeFullRefresh,
		})

		require.NoError(t, result.Err)
		assert.Equal(t, StatusCompleted, result.Status)
		assert.Equal(t, 1, result.RecordsSynced)
		assert.Contains(t, result.Metadata, "pii_error")
		assert.Contains(t, result.Metadata, "quality_error")
		assert.Contains(t, result.Metadata, "lineage_error")
	})

	t.Run("ExtractionFailureFailsSync", func(t *testing.T) {
		registry := connector.NewRegistry()
		require.NoError(t, registry.Register("broken", &replaySource{
			messages: []protocol.Message{userRecord(1, "2026-01-13T10:00:00Z")},
			readErr:  errors.New("connection reset"),
		}))

		result := newOrchestrator(registry).ExecuteFullSync(ctx, SyncRequest{
			SourceID: "broken",
			Stream:   "users",
		})

		assert.Equal(t, StatusFailed, result.Status)
		require.Error(t, result.Err)
		assert.ErrorIs(t, result.Err, ErrExtractionFailed)
	})

	t.Run("MissingNaturalKeyFailsSync", func(t *testing.T) {
		registry := connector.NewRegistry()
		require.NoError(t, registry.Register("nokey", &replaySource{
			messages: []protocol.Message{
				protocol.NewRecordMessage("users", json.RawMessage(`{"name": "anonymous"}`), time.Now()),
			},
		}))

		result := newOrchestrator(registry).ExecuteFullSync(ctx, SyncRequest{
			SourceID:   "nokey",
			Stream:     "users",
			NaturalKey: "id",
		})

		assert.Equal(t, StatusFailed, result.Status)
		require.Error(t, result.Err)
		assert.ErrorIs(t, result.Err, storage.ErrNaturalKeyMissing)

		// The raw layer committed before the failure and stays committed.
		assert.Equal(t, 1, countRows(t, testDB, `explore."nokey_users_raw"`, ""))
	})

	t.Run("CancellationPreventsCursorCommit", func(t *testing.T) {
		cancelCtx, cancel := context.WithCancel(ctx)

		registry := connector.NewRegistry()
		require.NoError(t, registry.Register("slow", &replaySource{
			messages: []protocol.Message{
				userRecord(1, "2026-03-01T00:00:00Z"),
				userStateMessage("2026-03-01T00:00:00Z"),
			},
			afterLast: cancel,
		}))

		result := newOrchestrator(registry).ExecuteFullSync(cancelCtx, SyncRequest{
			SourceID:   "slow",
			Stream:     "users",
			SyncMode:   protocol.SyncModeIncremental,
			NaturalKey: "id",
		})

		// The run aborts at its next suspension point; whichever step that
		// was, the cursor is never committed.
		assert.Equal(t, StatusFailed, result.Status)
		require.Error(t, result.Err)
		assert.Empty(t, result.CursorValue)

		_, _, err := stateStore.GetCursor("slow", "users")
		assert.Error(t, err)
	})

	t.Run("FallbackCursorFromLastRecord", func(t *testing.T) {
		registry := connector.NewRegistry()
		require.NoError(t, registry.Register("stateless", &replaySource{
			messages: []protocol.Message{
				userRecord(1, "2026-01-13T10:00:00Z"),
				userRecord(2, "2026-01-13T10:05:00Z"),
			},
		}))

		result := newOrchestrator(registry).ExecuteFullSync(ctx, SyncRequest{
			SourceID:   "stateless",
			Stream:     "users",
			SyncMode:   protocol.SyncModeIncremental,
			NaturalKey: "id",
		})

		require.NoError(t, result.Err)
		assert.Equal(t, "updated_at", result.CursorField)
		assert.Equal(t, "2026-01-13T10:05:00Z", result.CursorValue)

		field, value, err := stateStore.GetCursor("stateless", "users")
		require.NoError(t, err)
		assert.Equal(t, "updated_at", field)
		assert.Equal(t, "2026-01-13T10:05:00Z", value)
	})
}
