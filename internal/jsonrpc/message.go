// Package jsonrpc implements the JSON-RPC 2.0 envelope: decoding inbound
// messages with strict structural validation and building responses that
// echo request ids byte-for-byte. It knows nothing about HTTP, sessions, or
// the methods layered on top.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Version is the only JSON-RPC protocol version this package accepts.
const Version = "2.0"

// Kind classifies a decoded message.
type Kind int

const (
	KindInvalid Kind = iota
	// KindRequest is a call with an id that expects exactly one response.
	KindRequest
	// KindNotification is a call without an id; it gets no response.
	KindNotification
	// KindResponse is a reply to a server-initiated request.
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	default:
		return "invalid"
	}
}

// Message is a decoded JSON-RPC message before classification. Decoding
// enforces 2.0 semantics: the version tag must match, a method-bearing
// message must not carry result or error, and a response must carry exactly
// one of them.
type Message struct {
	Version string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      *ID             `json:"id,omitempty"`
}

// Request is a method call or notification.
type Request struct {
	Version string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      *ID             `json:"id,omitempty"`
}

// IsNotification reports whether the request carries no id.
func (r *Request) IsNotification() bool {
	return r.ID.IsNil()
}

// Response answers exactly one request, carrying a result or an error.
type Response struct {
	Version string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      *ID             `json:"id"`
}

// NewRequest builds a request envelope, marshaling params. A nil id makes a
// notification.
func NewRequest(id *ID, method string, params any) (*Request, error) {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		raw = b
	}
	return &Request{Version: Version, Method: method, Params: raw, ID: id}, nil
}

// NewResponse builds a successful response for the given request id.
func NewResponse(id *ID, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Response{Version: Version, Result: raw, ID: id}, nil
}

// NewErrorResponse builds a failed response for the given request id.
func NewErrorResponse(id *ID, code ErrorCode, message string) *Response {
	return &Response{
		Version: Version,
		Error:   &Error{Code: code, Message: message},
		ID:      id,
	}
}

// IsBatch reports whether the body is a JSON array. Batches are not
// supported by this transport and are rejected before decoding.
func IsBatch(body []byte) bool {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '['
}

// DecodeMessage parses and validates one JSON-RPC message.
func DecodeMessage(body []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	if msg.Version != Version {
		return nil, fmt.Errorf("unsupported jsonrpc version %q", msg.Version)
	}
	hasResult := len(msg.Result) > 0
	hasError := msg.Error != nil
	if msg.Method != "" {
		if hasResult || hasError {
			return nil, fmt.Errorf("method %q carries result or error fields", msg.Method)
		}
	} else {
		if hasResult && hasError {
			return nil, fmt.Errorf("response carries both result and error")
		}
		if !hasResult && !hasError {
			return nil, fmt.Errorf("message carries neither method nor result nor error")
		}
	}
	return &msg, nil
}

// Kind classifies the message after successful decoding.
func (m *Message) Kind() Kind {
	switch {
	case m.Method != "" && m.ID.IsNil():
		return KindNotification
	case m.Method != "":
		return KindRequest
	case len(m.Result) > 0 || m.Error != nil:
		return KindResponse
	default:
		return KindInvalid
	}
}

// AsRequest projects the message as a request or notification. It returns
// nil when the message is a response.
func (m *Message) AsRequest() *Request {
	if m.Method == "" {
		return nil
	}
	return &Request{Version: m.Version, Method: m.Method, Params: m.Params, ID: m.ID}
}
