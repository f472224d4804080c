package jsonrpc

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// ID is a JSON-RPC request identifier: a string or a number. The raw wire
// bytes are retained so a response echoes the id exactly as the client sent
// it (1 stays 1, "1" stays "1", 2.0 stays 2.0).
type ID struct {
	raw json.RawMessage
}

// StringID builds an ID from a string value.
func StringID(s string) *ID {
	raw, _ := json.Marshal(s)
	return &ID{raw: raw}
}

// Int64ID builds an ID from an integer value.
func Int64ID(n int64) *ID {
	return &ID{raw: json.RawMessage(strconv.FormatInt(n, 10))}
}

// IsNil reports whether the id is absent, which marks a notification.
func (id *ID) IsNil() bool {
	return id == nil || len(id.raw) == 0
}

// String renders the id for logging. Quoting is stripped from string ids.
func (id *ID) String() string {
	if id.IsNil() {
		return ""
	}
	var s string
	if err := json.Unmarshal(id.raw, &s); err == nil {
		return s
	}
	return string(id.raw)
}

func (id *ID) MarshalJSON() ([]byte, error) {
	if id == nil || len(id.raw) == 0 {
		return []byte("null"), nil
	}
	return id.raw, nil
}

func (id *ID) UnmarshalJSON(data []byte) error {
	var probe any
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("invalid request id: %w", err)
	}
	switch probe.(type) {
	case string, float64, nil:
	default:
		return fmt.Errorf("request id must be a string or number, got %s", string(data))
	}
	if probe == nil {
		id.raw = nil
		return nil
	}
	id.raw = append(json.RawMessage(nil), data...)
	return nil
}
