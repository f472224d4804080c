package jsonrpc

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	// ErrorCodeParseError signals the request body was not valid JSON.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest signals a structurally invalid request object.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound signals an unknown method name.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams signals malformed method parameters.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError signals a server-side dispatch failure.
	ErrorCodeInternalError ErrorCode = -32603
)

// Error is the JSON-RPC error object carried in a failed response.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

// Error implements the error interface so dispatch code can return wire
// errors directly.
func (e *Error) Error() string {
	return e.Message
}
