package protocol

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecoderRoundTrip(t *testing.T) {
	emitted := time.Date(2026, 1, 13, 10, 2, 0, 0, time.UTC)

	messages := []Message{
		NewRecordMessage("users", json.RawMessage(`{"id":1,"email":"a@example.com"}`), emitted),
		NewStreamStateMessage("users", json.RawMessage(`{"cursor":"2026-01-13T10:02:00Z"}`)),
		NewLogMessage(LogLevelInfo, "read %d records", 1),
		{
			Type: MessageTypeSpec,
			Spec: &Spec{
				DocumentationURL:        "https://example.com/docs",
				ConnectionSpecification: json.RawMessage(`{"type":"object"}`),
				SupportsIncremental:     true,
			},
		},
		{
			Type: MessageTypeCatalog,
			Catalog: &Catalog{Streams: []Stream{{
				Name:               "users",
				JSONSchema:         json.RawMessage(`{"type":"object"}`),
				SupportedSyncModes: []SyncMode{SyncModeFullRefresh, SyncModeIncremental},
				DefaultCursorField: []string{"updated_at"},
			}}},
		},
		{
			Type:             MessageTypeConnectionStatus,
			ConnectionStatus: &ConnectionStatus{Status: StatusSucceeded, Message: "ok"},
		},
		{
			Type: MessageTypeTrace,
			Trace: &Trace{
				Type: TraceTypeError,
				Error: &TraceError{
					Message:     "boom",
					FailureType: FailureTypeSystem,
					StackTrace:  "line 1",
				},
			},
		},
	}

	var sb strings.Builder

	enc := NewEncoder(&sb)
	for _, msg := range messages {
		require.NoError(t, enc.Encode(msg))
	}

	dec := NewDecoder(strings.NewReader(sb.String()))

	for i := range messages {
		got, err := dec.Next()
		require.NoError(t, err, "message %d", i)
		assert.Equal(t, messages[i].Type, got.Type, "message %d type", i)

		want, err := json.Marshal(messages[i])
		require.NoError(t, err)

		gotJSON, err := json.Marshal(got)
		require.NoError(t, err)
		assert.JSONEq(t, string(want), string(gotJSON), "message %d", i)
	}

	_, err := dec.Next()
	require.ErrorIs(t, err, io.EOF)
	assert.Zero(t, dec.Malformed())
}

func TestDecoderSkipsMalformedLines(t *testing.T) {
	input := strings.Join([]string{
		`{"type":"RECORD","record":{"stream":"users","data":{"id":1},"emitted_at":1}}`,
		`this is not json`,
		``,
		`   `,
		`{"no_type_field":true}`,
		`{"type":"RECORD","record":{"stream":"users","data":{"id":2},"emitted_at":2}}`,
		`{"broken json`,
		`{"type":"STATE","state":{"type":"STREAM","stream":{"stream_descriptor":{"name":"users"},"stream_state":{"cursor":"2"}}}}`,
	}, "\n")

	dec := NewDecoder(strings.NewReader(input))

	first, err := dec.Next()
	require.NoError(t, err)
	require.Equal(t, MessageTypeRecord, first.Type)

	second, err := dec.Next()
	require.NoError(t, err)
	require.Equal(t, MessageTypeRecord, second.Type)
	assert.Equal(t, int64(2), second.Record.EmittedAt)

	third, err := dec.Next()
	require.NoError(t, err)
	require.Equal(t, MessageTypeState, third.Type)
	assert.Equal(t, "users", third.State.StreamName())

	_, err = dec.Next()
	require.ErrorIs(t, err, io.EOF)

	// Three skipped: non-JSON text, object without type, truncated JSON.
	// Blank lines are not counted as malformed.
	assert.Equal(t, 3, dec.Malformed())
}

func TestDecoderPreservesRecordStateOrder(t *testing.T) {
	var sb strings.Builder

	enc := NewEncoder(&sb)
	for i := 1; i <= 3; i++ {
		require.NoError(t, enc.Encode(NewRecordMessage("orders", json.RawMessage(`{}`), time.UnixMilli(int64(i)))))
	}

	require.NoError(t, enc.Encode(NewStreamStateMessage("orders", json.RawMessage(`{"cursor":3}`))))

	dec := NewDecoder(strings.NewReader(sb.String()))

	var sequence []MessageType

	for {
		msg, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}

		require.NoError(t, err)

		sequence = append(sequence, msg.Type)
	}

	assert.Equal(t, []MessageType{
		MessageTypeRecord, MessageTypeRecord, MessageTypeRecord, MessageTypeState,
	}, sequence)
}

func TestDecoderLastLineWithoutNewline(t *testing.T) {
	input := `{"type":"LOG","log":{"level":"INFO","message":"done"}}`

	dec := NewDecoder(strings.NewReader(input))

	msg, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, MessageTypeLog, msg.Type)
	assert.Equal(t, "done", msg.Log.Message)

	_, err = dec.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestDecoderRetainsUnknownTypes(t *testing.T) {
	input := `{"type":"CONTROL","control":{"orchestrator":"noop"}}
{"type":"SOMETHING_NEW","payload":{}}
{"type":"RECORD","record":{"stream":"users","data":{},"emitted_at":9}}`

	dec := NewDecoder(strings.NewReader(input))

	control, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, MessageTypeControl, control.Type)

	unknown, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, MessageType("SOMETHING_NEW"), unknown.Type)
	assert.Nil(t, unknown.Record)

	record, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, MessageTypeRecord, record.Type)

	assert.Zero(t, dec.Malformed())
}
