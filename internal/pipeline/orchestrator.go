// Package pipeline drives one full sync: extract a stream from a connector,
// land it through the medallion layers, profile it, commit the cursor, and
// report lineage.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/windrose-io/windrose/internal/config"
	"github.com/windrose-io/windrose/internal/connector"
	"github.com/windrose-io/windrose/internal/lineage"
	"github.com/windrose-io/windrose/internal/profile"
	"github.com/windrose-io/windrose/internal/protocol"
	"github.com/windrose-io/windrose/internal/storage"
)

// Status is the terminal outcome of one sync run.
type Status string

// Sync statuses.
const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// defaultNaturalKey is the business-layer identity column when a request
// names none.
const defaultNaturalKey = "id"

// Sentinel errors for the orchestrator.
var (
	// ErrStreamRequired is returned when a sync request names no stream.
	ErrStreamRequired = errors.New("sync request requires a stream")

	// ErrSourceRequired is returned when a sync request names no source.
	ErrSourceRequired = errors.New("sync request requires a source id")

	// ErrExtractionFailed wraps a connector read that terminated abnormally.
	ErrExtractionFailed = errors.New("extraction failed")
)

type (
	// SyncRequest describes one full sync of a single stream.
	SyncRequest struct {
		SourceID   string
		SourceName string
		// Connector resolves the executor: a registry name or a binary
		// path. Defaults to SourceID.
		Connector   string
		Config      map[string]interface{}
		Stream      string
		SyncMode    protocol.SyncMode
		NaturalKey  string
		CursorField string
	}

	// SyncResult is the structured summary of one run.
	SyncResult struct {
		RunID         uuid.UUID              `json:"run_id"`
		SourceID      string                 `json:"source_id"`
		Stream        string                 `json:"stream"`
		Status        Status                 `json:"status"`
		RecordsSynced int                    `json:"records_synced"`
		LayersWritten []string               `json:"layers_written"`
		QualityScore  float64                `json:"quality_score"`
		PIIDetections int                    `json:"pii_detections"`
		CursorField   string                 `json:"cursor_field,omitempty"`
		CursorValue   string                 `json:"cursor_value,omitempty"`
		StartedAt     time.Time              `json:"started_at"`
		CompletedAt   time.Time              `json:"completed_at"`
		Metadata      map[string]interface{} `json:"metadata,omitempty"`
		Err           error                  `json:"-"`
	}

	// Orchestrator wires the executor, writers, profilers, state store, and
	// lineage sink into the full sync sequence.
	Orchestrator struct {
		registry  *connector.Registry
		raw       *storage.RawWriter
		validated *storage.ValidatedWriter
		business  *storage.BusinessWriter
		state     *storage.StateStore
		detector  profile.PIIDetector
		validator profile.QualityValidator
		emitter   lineage.Emitter
		logger    *slog.Logger
	}

	// OrchestratorOption configures optional Orchestrator behavior.
	OrchestratorOption func(*Orchestrator)
)

// WithPIIDetector enables PII profiling between the raw and validated
// layers.
func WithPIIDetector(detector profile.PIIDetector) OrchestratorOption {
	return func(o *Orchestrator) {
		o.detector = detector
	}
}

// WithQualityValidator enables quality profiling between the raw and
// validated layers.
func WithQualityValidator(validator profile.QualityValidator) OrchestratorOption {
	return func(o *Orchestrator) {
		o.validator = validator
	}
}

// WithLineageEmitter enables lineage emission after a successful sync.
func WithLineageEmitter(emitter lineage.Emitter) OrchestratorOption {
	return func(o *Orchestrator) {
		o.emitter = emitter
	}
}

// WithOrchestratorLogger routes orchestrator diagnostics through the given
// logger.
func WithOrchestratorLogger(logger *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// NewOrchestrator wires the required collaborators. Profilers and the
// lineage emitter are optional and attach through options.
func NewOrchestrator(
	registry *connector.Registry,
	raw *storage.RawWriter,
	validated *storage.ValidatedWriter,
	business *storage.BusinessWriter,
	state *storage.StateStore,
	opts ...OrchestratorOption,
) *Orchestrator {
	o := &Orchestrator{
		registry:  registry,
		raw:       raw,
		validated: validated,
		business:  business,
		state:     state,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// ExecuteFullSync runs one stream through the full pipeline: streaming
// extraction, raw land, profiling, validated land, business land, cursor
// commit for incremental mode, and lineage emission. Raw, validated,
// business, and cursor steps must succeed; profiling and lineage are
// advisory and only annotate the result's metadata on failure.
func (o *Orchestrator) ExecuteFullSync(ctx context.Context, req SyncRequest) *SyncResult {
	result := &SyncResult{
		RunID:     uuid.New(),
		SourceID:  req.SourceID,
		Stream:    req.Stream,
		StartedAt: time.Now().UTC(),
		Metadata:  make(map[string]interface{}),
	}

	if req.SourceID == "" {
		return o.fail(result, ErrSourceRequired)
	}

	if req.Stream == "" {
		return o.fail(result, ErrStreamRequired)
	}

	if req.SyncMode == "" {
		req.SyncMode = protocol.SyncModeFullRefresh
	}

	records, lastState, err := o.extract(ctx, req)
	if err != nil {
		return o.fail(result, fmt.Errorf("%w: %w", ErrExtractionFailed, err))
	}

	if len(records) == 0 {
		o.logger.Info("sync completed with no records",
			slog.String("source_id", req.SourceID),
			slog.String("stream", req.Stream),
			slog.String("run_id", result.RunID.String()),
		)

		result.Status = StatusCompleted
		result.CompletedAt = time.Now().UTC()

		return result
	}

	rawCount, err := o.raw.Land(ctx, req.SourceID, req.Stream, result.RunID, records)
	if err != nil {
		return o.fail(result, err)
	}

	result.RecordsSynced = rawCount
	result.LayersWritten = append(result.LayersWritten, string(storage.LayerRaw))

	view, err := storage.NewViewFromRecords(records)
	if err != nil {
		return o.fail(result, err)
	}

	piiChecked := o.profilePII(view, result)
	qualityScore := o.profileQuality(view, result)
	result.QualityScore = qualityScore

	meta := storage.ValidatedMeta{
		PIIChecked: piiChecked,
		// Stored on a 0-100 scale so the low-quality partial index reads
		// naturally.
		QualityScore: qualityScore * 100,
	}

	if _, err := o.validated.Land(ctx, req.SourceID, req.Stream, result.RunID, view, meta); err != nil {
		return o.fail(result, err)
	}

	result.LayersWritten = append(result.LayersWritten, string(storage.LayerValidated))

	naturalKey := req.NaturalKey
	if naturalKey == "" {
		naturalKey = defaultNaturalKey
	}

	if _, err := o.business.Land(ctx, req.SourceID, req.Stream, result.RunID, view, naturalKey); err != nil {
		return o.fail(result, err)
	}

	result.LayersWritten = append(result.LayersWritten, string(storage.LayerBusiness))

	if req.SyncMode == protocol.SyncModeIncremental {
		if err := o.commitCursor(ctx, req, records, lastState, result); err != nil {
			return o.fail(result, err)
		}
	}

	o.emitLineage(ctx, req, result)

	result.Status = terminalStatus(ctx)
	result.CompletedAt = time.Now().UTC()

	o.logger.Info("sync completed",
		slog.String("source_id", req.SourceID),
		slog.String("stream", req.Stream),
		slog.String("run_id", result.RunID.String()),
		slog.Int("records_synced", result.RecordsSynced),
		slog.Float64("quality_score", result.QualityScore),
	)

	return result
}

// extract runs a streaming read and buffers the stream's records, tracking
// the final STATE message. Connector LOG messages pass through to the
// engine log.
func (o *Orchestrator) extract(
	ctx context.Context,
	req SyncRequest,
) ([]protocol.Record, *protocol.State, error) {
	name := req.Connector
	if name == "" {
		name = req.SourceID
	}

	executor := connector.Resolve(o.registry, name, connector.WithExecutorLogger(o.logger))

	catalog := &protocol.ConfiguredCatalog{
		Streams: []protocol.ConfiguredStream{{
			Stream:              protocol.Stream{Name: req.Stream},
			SyncMode:            req.SyncMode,
			DestinationSyncMode: protocol.DestinationSyncModeAppend,
		}},
	}

	stream := executor.OpenRead(ctx, req.Config, catalog, o.priorState(req))

	var (
		records   []protocol.Record
		lastState *protocol.State
	)

	for {
		msg, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return records, lastState, err
		}

		switch msg.Type {
		case protocol.MessageTypeRecord:
			if msg.Record != nil && (msg.Record.Stream == "" || msg.Record.Stream == req.Stream) {
				records = append(records, *msg.Record)
			}
		case protocol.MessageTypeState:
			if msg.State != nil {
				lastState = msg.State
			}
		case protocol.MessageTypeLog:
			if msg.Log != nil {
				o.logger.Log(ctx, msg.Log.Level.SlogLevel(), msg.Log.Message,
					slog.String("connector", name),
				)
			}
		}
	}

	return records, lastState, nil
}

// priorState encodes the stored cursor as the state document handed to the
// connector on incremental reads.
func (o *Orchestrator) priorState(req SyncRequest) json.RawMessage {
	if req.SyncMode != protocol.SyncModeIncremental || o.state == nil {
		return nil
	}

	field, value, err := o.state.GetCursor(req.SourceID, req.Stream)
	if err != nil || value == "" {
		return nil
	}

	doc, err := json.Marshal(map[string]string{
		"cursor_field": field,
		"cursor_value": value,
	})
	if err != nil {
		return nil
	}

	return doc
}

// profilePII runs the optional PII detector. Reports whether a check
// completed; failures annotate metadata and never fail the sync.
func (o *Orchestrator) profilePII(view *storage.View, result *SyncResult) bool {
	if o.detector == nil {
		return false
	}

	report, err := o.detector.Detect(view)
	if err != nil {
		o.logger.Warn("pii detection failed",
			slog.String("run_id", result.RunID.String()),
			slog.String("error", err.Error()),
		)

		result.Metadata["pii_error"] = err.Error()

		return false
	}

	result.PIIDetections = report.TotalDetections
	result.Metadata["pii"] = report

	return true
}

// profileQuality runs the optional quality validator and returns the overall
// score in [0,1]. Failures annotate metadata and never fail the sync.
func (o *Orchestrator) profileQuality(view *storage.View, result *SyncResult) float64 {
	if o.validator == nil {
		return 0
	}

	report, err := o.validator.Validate(view)
	if err != nil {
		o.logger.Warn("quality validation failed",
			slog.String("run_id", result.RunID.String()),
			slog.String("error", err.Error()),
		)

		result.Metadata["quality_error"] = err.Error()

		return 0
	}

	result.Metadata["quality"] = report

	return report.OverallScore
}

// commitCursor resolves the run's cursor and writes it through the state
// store. A context already cancelled at this point skips the commit so the
// next run re-fetches from the prior cursor.
func (o *Orchestrator) commitCursor(
	ctx context.Context,
	req SyncRequest,
	records []protocol.Record,
	lastState *protocol.State,
	result *SyncResult,
) error {
	if ctx.Err() != nil {
		o.logger.Warn("cursor commit skipped on cancellation",
			slog.String("source_id", req.SourceID),
			slog.String("stream", req.Stream),
			slog.String("run_id", result.RunID.String()),
		)

		return nil
	}

	field, value := extractCursor(lastState, req.Stream, records, req.CursorField)
	if value == "" {
		o.logger.Warn("no cursor resolvable for incremental sync",
			slog.String("source_id", req.SourceID),
			slog.String("stream", req.Stream),
		)

		return nil
	}

	_, err := o.state.UpdateStream(ctx, req.SourceID, req.Stream, storage.UpdateStreamParams{
		CursorField:        field,
		CursorValue:        value,
		SyncMode:           req.SyncMode,
		RecordsSyncedDelta: int64(result.RecordsSynced),
	})
	if err != nil {
		return fmt.Errorf("committing cursor for %s/%s: %w", req.SourceID, req.Stream, err)
	}

	result.CursorField = field
	result.CursorValue = value

	return nil
}

// emitLineage publishes the run's lineage event. Best effort.
func (o *Orchestrator) emitLineage(ctx context.Context, req SyncRequest, result *SyncResult) {
	if o.emitter == nil {
		return
	}

	event := lineage.Event{
		Source:        req.SourceID,
		Stream:        req.Stream,
		RunID:         result.RunID,
		RecordCount:   result.RecordsSynced,
		QualityScore:  result.QualityScore,
		PIIDetections: result.PIIDetections,
		LayersWritten: result.LayersWritten,
		EmittedAt:     time.Now().UTC(),
	}

	if err := o.emitter.Emit(ctx, event); err != nil {
		o.logger.Warn("lineage emission failed",
			slog.String("run_id", result.RunID.String()),
			slog.String("error", err.Error()),
		)

		result.Metadata["lineage_error"] = err.Error()
	}
}

// fail finalizes a result as failed, wrapping the error with run context.
func (o *Orchestrator) fail(result *SyncResult, err error) *SyncResult {
	result.Status = StatusFailed
	result.CompletedAt = time.Now().UTC()
	result.Err = fmt.Errorf("sync %s/%s run %s: %w",
		result.SourceID, result.Stream, result.RunID, err)

	o.logger.Error("sync failed",
		slog.String("source_id", result.SourceID),
		slog.String("stream", result.Stream),
		slog.String("run_id", result.RunID.String()),
		slog.String("error", err.Error()),
	)

	return result
}

// terminalStatus maps a context's terminal condition onto the run status: a
// sync that reached the end with a cancelled context completed its committed
// work but is reported cancelled.
func terminalStatus(ctx context.Context) Status {
	if ctx.Err() != nil {
		return StatusCancelled
	}

	return StatusCompleted
}
