package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// DefaultEncodedFields are the record fields the chaincode stores as
// JSON-encoded strings.
var DefaultEncodedFields = []string{"FeedBack", "DataPoints", "Record"}

// Record is a decoded ledger object.
type Record = map[string]any

// HistoryEntry is one version of a key as returned by the history queries.
// The chaincode currently only fills Record; the remaining fields are emitted
// when present so richer history payloads pass through untouched.
type HistoryEntry struct {
	Record    any    `json:"Record"`
	TxID      string `json:"TxId,omitempty"`
	Timestamp any    `json:"Timestamp,omitempty"`
	IsDelete  bool   `json:"IsDelete,omitempty"`
}

// Codec decodes chaincode payloads, unwrapping string fields that hold JSON.
type Codec struct {
	fields map[string]struct{}
}

// NewCodec returns a codec unwrapping the named fields, or
// DefaultEncodedFields when none are given.
func NewCodec(fields ...string) *Codec {
	if len(fields) == 0 {
		fields = DefaultEncodedFields
	}
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			set[f] = struct{}{}
		}
	}
	return &Codec{fields: set}
}

// Decode parses a top-level JSON payload and normalizes it. A payload of
// JSON null decodes to nil.
func (c *Codec) Decode(payload []byte) (any, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, nil
	}
	v, err := parseJSON(trimmed)
	if err != nil {
		return nil, fmt.Errorf("decode ledger payload: %w", err)
	}
	return c.Normalize(v), nil
}

// Normalize walks v in place and replaces encoded fields by their decoded
// value. Fields that are absent, empty or not a JSON object or array are left
// as they are, so Normalize never fails and applying it twice is a no-op.
func (c *Codec) Normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for key, value := range t {
			if _, encoded := c.fields[key]; encoded {
				if s, ok := value.(string); ok {
					if nested, ok := unwrap(s); ok {
						t[key] = c.Normalize(nested)
						continue
					}
				}
			}
			t[key] = c.Normalize(value)
		}
		return t
	case []any:
		for i := range t {
			t[i] = c.Normalize(t[i])
		}
		return t
	default:
		return v
	}
}

// DecodeHistory decodes a history payload, preserving the ledger's order.
func (c *Codec) DecodeHistory(payload []byte) ([]HistoryEntry, error) {
	v, err := c.Decode(payload)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("decode ledger history: expected array, got %T", v)
	}
	entries := make([]HistoryEntry, 0, len(items))
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("decode ledger history: entry %d is %T", i, item)
		}
		entry := HistoryEntry{Record: obj["Record"], Timestamp: obj["Timestamp"]}
		if txID, ok := obj["TxId"].(string); ok {
			entry.TxID = txID
		}
		if deleted, ok := obj["IsDelete"].(bool); ok {
			entry.IsDelete = deleted
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Latest returns the current state from a history: the last entry, matching
// the order the history endpoints have always used.
func Latest(entries []HistoryEntry) (HistoryEntry, bool) {
	if len(entries) == 0 {
		return HistoryEntry{}, false
	}
	return entries[len(entries)-1], true
}

func unwrap(s string) (any, bool) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" || (trimmed[0] != '{' && trimmed[0] != '[') {
		return nil, false
	}
	v, err := parseJSON([]byte(trimmed))
	if err != nil {
		return nil, false
	}
	return v, true
}

func parseJSON(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after JSON value")
	}
	return v, nil
}
