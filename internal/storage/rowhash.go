package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"time"
)

// CanonicalRowJSON renders a row as canonical JSON: column/value pairs
// sorted by column name, with values normalized so that two rows carrying
// the same data always produce byte-identical output. Floats keep Go's
// shortest-round-trip form, which is stable for a given IEEE-754 bit
// pattern; timestamps normalize to RFC 3339 UTC.
//
// This is the equality notion the SCD2 writer uses to decide whether a row
// changed, and the preimage of the dedup writer's row hash.
func CanonicalRowJSON(columns []string, values []interface{}) string {
	type pair struct {
		name  string
		value interface{}
	}

	pairs := make([]pair, 0, len(columns))
	for i, name := range columns {
		var v interface{}
		if i < len(values) {
			v = values[i]
		}

		pairs = append(pairs, pair{name: name, value: canonicalValue(v)})
	}

	sort.Slice(pairs, func(i, j int) bool { return pairs[i].name < pairs[j].name })

	buf := make([]byte, 0, 64*len(pairs))
	buf = append(buf, '{')

	for i, p := range pairs {
		if i > 0 {
			buf = append(buf, ',')
		}

		key, _ := json.Marshal(p.name)
		buf = append(buf, key...)
		buf = append(buf, ':')

		encoded, err := json.Marshal(p.value)
		if err != nil {
			encoded, _ = json.Marshal(strconv.Quote("unencodable"))
		}

		buf = append(buf, encoded...)
	}

	return string(append(buf, '}'))
}

// RowHash computes the deterministic SHA-256 of a row's canonical JSON,
// hex-encoded. Identical rows hash identically regardless of column order.
func RowHash(columns []string, values []interface{}) string {
	sum := sha256.Sum256([]byte(CanonicalRowJSON(columns, values)))

	return hex.EncodeToString(sum[:])
}

// canonicalValue normalizes a cell value (from a view or scanned back from
// the database) into a JSON-encodable form that is representation-stable.
func canonicalValue(v interface{}) interface{} {
	switch value := v.(type) {
	case nil:
		return nil
	case time.Time:
		return value.UTC().Format(time.RFC3339Nano)
	case []byte:
		return string(value)
	case json.RawMessage:
		// Re-decode so nested object key order does not leak into the hash.
		var decoded interface{}
		if err := json.Unmarshal(value, &decoded); err != nil {
			return string(value)
		}

		return decoded
	case int:
		return int64(value)
	case int32:
		return int64(value)
	default:
		return value
	}
}
