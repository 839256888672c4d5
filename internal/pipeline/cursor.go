package pipeline

import (
	"encoding/json"
	"strconv"

	"github.com/windrose-io/windrose/internal/protocol"
)

// cursorFallbackColumns is the recognition order for cursor extraction from
// the last record when a run ends without a usable STATE message. The order
// is authoritative; the first present column wins.
var cursorFallbackColumns = []string{"updated_at", "created_at", "timestamp", "id"}

// cursorPayloadKeys is the probe order for a cursor value inside a STATE
// payload object.
var cursorPayloadKeys = []string{"cursor_value", "cursor"}

// extractCursor resolves the cursor (field, value) for an incremental run.
// The last STATE message wins; when it yields nothing, the last record's
// recognized columns are probed in order. Either part may come back empty.
func extractCursor(
	lastState *protocol.State,
	stream string,
	records []protocol.Record,
	fieldHint string,
) (string, string) {
	if field, value, ok := cursorFromState(lastState, stream, fieldHint); ok {
		return field, value
	}

	if len(records) == 0 {
		return fieldHint, ""
	}

	last := records[len(records)-1]

	var data map[string]json.RawMessage
	if err := json.Unmarshal(last.Data, &data); err != nil {
		return fieldHint, ""
	}

	candidates := cursorFallbackColumns
	if fieldHint != "" {
		candidates = append([]string{fieldHint}, candidates...)
	}

	for _, column := range candidates {
		raw, ok := data[column]
		if !ok {
			continue
		}

		if value := scalarString(raw); value != "" {
			return column, value
		}
	}

	return fieldHint, ""
}

// cursorFromState digs the cursor out of a STATE message. A global state's
// matching stream section wins over its shared payload.
func cursorFromState(state *protocol.State, stream, fieldHint string) (string, string, bool) {
	if state == nil {
		return "", "", false
	}

	var payload json.RawMessage

	switch {
	case state.Stream != nil:
		if name := state.Stream.Descriptor.Name; name != "" && name != stream {
			return "", "", false
		}

		payload = state.Stream.State
	case state.Global != nil:
		for i := range state.Global.StreamStates {
			if state.Global.StreamStates[i].Descriptor.Name == stream {
				payload = state.Global.StreamStates[i].State

				break
			}
		}

		if payload == nil {
			payload = state.Global.SharedState
		}
	default:
		payload = state.Data
	}

	if len(payload) == 0 {
		return "", "", false
	}

	// A bare scalar payload is the cursor value itself.
	if value := scalarString(payload); value != "" {
		return fieldHint, value, true
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(payload, &doc); err != nil {
		return "", "", false
	}

	field := fieldHint
	if raw, ok := doc["cursor_field"]; ok {
		if name := scalarString(raw); name != "" {
			field = name
		}
	}

	for _, key := range cursorPayloadKeys {
		if raw, ok := doc[key]; ok {
			if value := scalarString(raw); value != "" {
				return field, value, true
			}
		}
	}

	if field != "" {
		if raw, ok := doc[field]; ok {
			if value := scalarString(raw); value != "" {
				return field, value, true
			}
		}
	}

	return "", "", false
}

// scalarString renders a JSON scalar as the opaque cursor string. Objects,
// arrays, and null yield "".
func scalarString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}

	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return strconv.FormatBool(b)
	}

	return ""
}
