// Package protocol defines the line-delimited JSON message protocol spoken
// between the sync engine and source connectors.
//
// A connector run is a stream of self-describing messages, one JSON object per
// line on stdout. Each message carries a discriminator Type and exactly one
// populated payload field. The protocol is tolerant by design: malformed lines
// are counted and skipped by the Decoder, never aborting a stream that still
// carries valid messages.
package protocol

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// MessageType discriminates the payload variant carried by a Message.
type MessageType string

// Message type discriminators.
const (
	MessageTypeRecord           MessageType = "RECORD"
	MessageTypeState            MessageType = "STATE"
	MessageTypeLog              MessageType = "LOG"
	MessageTypeSpec             MessageType = "SPEC"
	MessageTypeCatalog          MessageType = "CATALOG"
	MessageTypeConnectionStatus MessageType = "CONNECTION_STATUS"
	MessageTypeTrace            MessageType = "TRACE"
	MessageTypeControl          MessageType = "CONTROL"
)

// LogLevel is the severity of a connector LOG message.
type LogLevel string

// Log levels, ordered from most to least severe.
const (
	LogLevelFatal LogLevel = "FATAL"
	LogLevelError LogLevel = "ERROR"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelInfo  LogLevel = "INFO"
	LogLevelDebug LogLevel = "DEBUG"
	LogLevelTrace LogLevel = "TRACE"
)

// StateType discriminates STATE message payloads.
type StateType string

// State types.
const (
	StateTypeStream StateType = "STREAM"
	StateTypeGlobal StateType = "GLOBAL"
)

// Status is the outcome of a connection check.
type Status string

// Connection check outcomes.
const (
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
)

// TraceType discriminates TRACE message payloads. Only ERROR is consumed by
// the engine; other trace variants are decoded and ignored.
type TraceType string

// Trace types.
const (
	TraceTypeError TraceType = "ERROR"
)

// FailureType classifies a TRACE/ERROR payload.
type FailureType string

// Failure classifications carried by TRACE/ERROR messages.
const (
	FailureTypeSystem    FailureType = "system_error"
	FailureTypeConfig    FailureType = "config_error"
	FailureTypeTransient FailureType = "transient_error"
)

type (
	// Message is the envelope for every protocol variant. Exactly one payload
	// pointer is non-nil for a well-formed message; Type names which one.
	// Unknown types decode into a Message with only Type set so callers can
	// skip them without aborting the stream.
	Message struct {
		Type             MessageType       `json:"type"`
		Record           *Record           `json:"record,omitempty"`
		State            *State            `json:"state,omitempty"`
		Log              *Log              `json:"log,omitempty"`
		Spec             *Spec             `json:"spec,omitempty"`
		Catalog          *Catalog          `json:"catalog,omitempty"`
		ConnectionStatus *ConnectionStatus `json:"connectionStatus,omitempty"`
		Trace            *Trace            `json:"trace,omitempty"`
		Control          json.RawMessage   `json:"control,omitempty"`
	}

	// Record is one extracted row. Data is the raw JSON object so that field
	// typing is deferred to the layer that needs it. EmittedAt is epoch
	// milliseconds assigned by the connector.
	Record struct {
		Stream    string          `json:"stream"`
		Data      json.RawMessage `json:"data"`
		EmittedAt int64           `json:"emitted_at"`
		Namespace string          `json:"namespace,omitempty"`
	}

	// State is a resumable checkpoint. Modern connectors set Type and exactly
	// one of Stream or Global; legacy connectors omit Type and populate Data.
	// The last STATE message before EOF is authoritative for a run.
	State struct {
		Type   StateType       `json:"type,omitempty"`
		Stream *StreamState    `json:"stream,omitempty"`
		Global *GlobalState    `json:"global,omitempty"`
		Data   json.RawMessage `json:"data,omitempty"`
	}

	// StreamDescriptor names the stream a per-stream state belongs to.
	StreamDescriptor struct {
		Name      string `json:"name"`
		Namespace string `json:"namespace,omitempty"`
	}

	// StreamState is the per-stream portion of a STATE message.
	StreamState struct {
		Descriptor StreamDescriptor `json:"stream_descriptor"`
		State      json.RawMessage  `json:"stream_state,omitempty"`
	}

	// GlobalState is the source-wide portion of a GLOBAL STATE message.
	GlobalState struct {
		SharedState  json.RawMessage `json:"shared_state,omitempty"`
		StreamStates []StreamState   `json:"stream_states,omitempty"`
	}

	// Log is an advisory diagnostic line from the connector. It never
	// terminates a run, regardless of level.
	Log struct {
		Level   LogLevel `json:"level"`
		Message string   `json:"message"`
	}

	// Spec describes the connector's configuration schema and capabilities.
	Spec struct {
		DocumentationURL        string          `json:"documentationUrl,omitempty"`
		ConnectionSpecification json.RawMessage `json:"connectionSpecification"`
		SupportsIncremental     bool            `json:"supportsIncremental,omitempty"`
	}

	// ConnectionStatus is the reply to a connection check.
	ConnectionStatus struct {
		Status  Status `json:"status"`
		Message string `json:"message,omitempty"`
	}

	// Trace is a structured failure report. Only TraceTypeError carries a
	// payload the engine acts on.
	Trace struct {
		Type      TraceType   `json:"type"`
		EmittedAt float64     `json:"emitted_at,omitempty"`
		Error     *TraceError `json:"error,omitempty"`
	}

	// TraceError is the payload of a TRACE/ERROR message.
	TraceError struct {
		Message         string      `json:"message"`
		InternalMessage string      `json:"internal_message,omitempty"`
		FailureType     FailureType `json:"failure_type,omitempty"`
		StackTrace      string      `json:"stack_trace,omitempty"`
	}
)

// NewRecordMessage builds a RECORD message for a stream. The data must be a
// JSON-encoded object; emittedAt is truncated to millisecond precision.
func NewRecordMessage(stream string, data json.RawMessage, emittedAt time.Time) Message {
	return Message{
		Type: MessageTypeRecord,
		Record: &Record{
			Stream:    stream,
			Data:      data,
			EmittedAt: emittedAt.UnixMilli(),
		},
	}
}

// NewStreamStateMessage builds a per-stream STATE checkpoint.
func NewStreamStateMessage(stream string, state json.RawMessage) Message {
	return Message{
		Type: MessageTypeState,
		State: &State{
			Type: StateTypeStream,
			Stream: &StreamState{
				Descriptor: StreamDescriptor{Name: stream},
				State:      state,
			},
		},
	}
}

// NewLogMessage builds an advisory LOG message.
func NewLogMessage(level LogLevel, format string, args ...interface{}) Message {
	return Message{
		Type: MessageTypeLog,
		Log: &Log{
			Level:   level,
			Message: fmt.Sprintf(format, args...),
		},
	}
}

// EmittedTime converts the record's millisecond timestamp to time.Time.
func (r *Record) EmittedTime() time.Time {
	return time.UnixMilli(r.EmittedAt).UTC()
}

// StreamName returns the stream a STATE message checkpoints, or "" for
// global and legacy states.
func (s *State) StreamName() string {
	if s.Stream != nil {
		return s.Stream.Descriptor.Name
	}

	return ""
}

// SlogLevel maps a connector log level onto the engine's slog levels.
// FATAL collapses to error and TRACE to debug; slog has no wider range.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogLevelFatal, LogLevelError:
		return slog.LevelError
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelInfo:
		return slog.LevelInfo
	case LogLevelDebug, LogLevelTrace:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}
