// Package lineage emits per-run provenance events to an external sink.
// Emission is best effort: the orchestrator records failures in run metadata
// and never fails a sync over an unreachable sink.
package lineage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/windrose-io/windrose/internal/config"
)

// emitTimeout bounds one emission attempt against a remote sink.
const emitTimeout = 5 * time.Second

type (
	// Event describes one completed sync run for downstream lineage
	// consumers.
	Event struct {
		Source        string    `json:"source"`
		Stream        string    `json:"stream"`
		RunID         uuid.UUID `json:"run_id"`
		RecordCount   int       `json:"record_count"`
		QualityScore  float64   `json:"quality_score"`
		PIIDetections int       `json:"pii_detection_count"`
		LayersWritten []string  `json:"layers_written"`
		EmittedAt     time.Time `json:"emitted_at"`
	}

	// Emitter delivers one lineage event to a sink.
	Emitter interface {
		Emit(ctx context.Context, event Event) error
		Close() error
	}

	// KafkaEmitter publishes events to a Kafka topic, keyed by
	// source/stream so one stream's events stay ordered within a partition.
	KafkaEmitter struct {
		writer *kafka.Writer
		logger *slog.Logger
	}

	// HTTPEmitter posts events as JSON to a collector endpoint.
	HTTPEmitter struct {
		endpoint string
		client   *http.Client
		logger   *slog.Logger
	}

	// LogEmitter writes events to the engine log. The default sink for
	// deployments without lineage infrastructure.
	LogEmitter struct {
		logger *slog.Logger
	}
)

var (
	_ Emitter = (*KafkaEmitter)(nil)
	_ Emitter = (*HTTPEmitter)(nil)
	_ Emitter = (*LogEmitter)(nil)
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))
}

// NewKafkaEmitter creates an emitter publishing to the given brokers and
// topic.
func NewKafkaEmitter(brokers []string, topic string) *KafkaEmitter {
	return &KafkaEmitter{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			WriteTimeout: emitTimeout,
			// The lineage topic may not pre-exist in dev clusters.
			AllowAutoTopicCreation: true,
		},
		logger: newLogger(),
	}
}

// Emit publishes one event. The message key is source/stream.
func (e *KafkaEmitter) Emit(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding lineage event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, emitTimeout)
	defer cancel()

	err = e.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.Source + "/" + event.Stream),
		Value: payload,
	})
	if err != nil {
		return fmt.Errorf("publishing lineage event: %w", err)
	}

	e.logger.Debug("lineage event published",
		slog.String("source", event.Source),
		slog.String("stream", event.Stream),
		slog.String("run_id", event.RunID.String()),
	)

	return nil
}

// Close flushes and closes the underlying writer.
func (e *KafkaEmitter) Close() error {
	return e.writer.Close()
}

// NewHTTPEmitter creates an emitter posting to the given endpoint.
func NewHTTPEmitter(endpoint string) *HTTPEmitter {
	return &HTTPEmitter{
		endpoint: endpoint,
		client:   &http.Client{Timeout: emitTimeout},
		logger:   newLogger(),
	}
}

// Emit posts one event as JSON. Any non-2xx reply is an error.
func (e *HTTPEmitter) Emit(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding lineage event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building lineage request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting lineage event: %w", err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("lineage endpoint returned %s", resp.Status)
	}

	return nil
}

// Close is a no-op; the HTTP client holds no resources worth releasing.
func (e *HTTPEmitter) Close() error {
	return nil
}

// NewLogEmitter creates the logging sink.
func NewLogEmitter(logger *slog.Logger) *LogEmitter {
	if logger == nil {
		logger = newLogger()
	}

	return &LogEmitter{logger: logger}
}

// Emit logs the event at info level.
func (e *LogEmitter) Emit(_ context.Context, event Event) error {
	e.logger.Info("lineage event",
		slog.String("source", event.Source),
		slog.String("stream", event.Stream),
		slog.String("run_id", event.RunID.String()),
		slog.Int("record_count", event.RecordCount),
		slog.Float64("quality_score", event.QualityScore),
		slog.Int("pii_detections", event.PIIDetections),
		slog.Any("layers_written", event.LayersWritten),
	)

	return nil
}

// Close is a no-op.
func (e *LogEmitter) Close() error {
	return nil
}
