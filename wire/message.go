package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// ErrMalformed is returned by ParseMessage for payloads that are neither a
// response nor an event.
var ErrMalformed = errors.New("wire: malformed message")

// Message is the union of the three envelopes: command {id, method, params},
// response {id, result|error} and event {method, params}.
type Message struct {
	ID     *int64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// IsEvent reports whether the message is an event (method, no id).
func (m *Message) IsEvent() bool { return m.ID == nil && m.Method != "" }

// IsResponse reports whether the message answers a command.
func (m *Message) IsResponse() bool { return m.ID != nil && m.Method == "" }

// RPCError is the error member of a response.
type RPCError struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("wire: remote error %d: %s", e.Code, e.Message)
	}
	return "wire: remote error: " + e.Message
}

// UnmarshalJSON accepts either an object {code, message} or a bare string.
func (e *RPCError) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &e.Message)
	}
	type plain RPCError
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*e = RPCError(p)
	if e.Message == "" {
		e.Message = "unknown error"
	}
	return nil
}

// NewCommand builds a command envelope.
func NewCommand(id int64, method string, params any) ([]byte, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{ID: &id, Method: method, Params: raw})
}

// NewResult builds a successful response envelope.
func NewResult(id int64, result any) ([]byte, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal result: %w", err)
	}
	return json.Marshal(Message{ID: &id, Result: raw})
}

// NewError builds a failed response envelope.
func NewError(id int64, cause error) ([]byte, error) {
	return json.Marshal(Message{ID: &id, Error: &RPCError{Message: cause.Error()}})
}

// NewEventMessage builds an event envelope.
func NewEventMessage(method string, params any) ([]byte, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{Method: method, Params: raw})
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return json.RawMessage(`{}`), nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal params: %w", err)
	}
	return raw, nil
}

// ParseMessage decodes an envelope. It tolerates ids encoded as integral
// floats and payloads that were double-encoded as a JSON string. Anything
// that is neither a response nor an event yields ErrMalformed.
func ParseMessage(data []byte) (*Message, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, ErrMalformed
	}
	if data[0] == '"' {
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		data = bytes.TrimSpace([]byte(inner))
	}

	var raw struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	m := &Message{Method: raw.Method, Params: raw.Params, Result: raw.Result, Error: raw.Error}
	if len(raw.ID) > 0 && !bytes.Equal(raw.ID, []byte("null")) {
		id, err := parseID(raw.ID)
		if err != nil {
			return nil, err
		}
		m.ID = &id
	}
	if m.ID == nil && m.Method == "" {
		return nil, ErrMalformed
	}
	return m, nil
}

// ParseMessageValue accepts a transport payload that is either text or an
// already-decoded structure.
func ParseMessageValue(v any) (*Message, error) {
	switch p := v.(type) {
	case []byte:
		return ParseMessage(p)
	case string:
		return ParseMessage([]byte(p))
	case json.RawMessage:
		return ParseMessage(p)
	case *Message:
		if p == nil {
			return nil, ErrMalformed
		}
		return p, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return ParseMessage(data)
	}
}

func parseID(raw json.RawMessage) (int64, error) {
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("%w: id: %v", ErrMalformed, err)
	}
	if i, err := n.Int64(); err == nil {
		return i, nil
	}
	f, err := n.Float64()
	if err != nil || f != math.Trunc(f) {
		return 0, fmt.Errorf("%w: non-integral id %s", ErrMalformed, n)
	}
	return int64(f), nil
}

// DecodeResult unmarshals a response result into v, performing one extra
// decode pass when the result arrived as a JSON string holding JSON.
func DecodeResult(raw json.RawMessage, v any) error {
	raw = Unnest(raw)
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("wire: decode result: %w", err)
	}
	return nil
}

// Unnest returns the inner document when raw is a JSON string whose content
// is itself an object or array. Other values are returned unchanged.
func Unnest(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '"' {
		return raw
	}
	var inner string
	if err := json.Unmarshal(trimmed, &inner); err != nil {
		return raw
	}
	in := bytes.TrimSpace([]byte(inner))
	if len(in) == 0 || (in[0] != '{' && in[0] != '[') || !json.Valid(in) {
		return raw
	}
	return json.RawMessage(in)
}
