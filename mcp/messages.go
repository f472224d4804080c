package mcp

import "encoding/json"

// Method is a JSON-RPC method or notification name defined by the protocol.
type Method string

const (
	// InitializeMethod opens the handshake and mints the session.
	InitializeMethod Method = "initialize"
	// InitializedNotificationMethod acknowledges a completed handshake.
	InitializedNotificationMethod Method = "notifications/initialized"
	// ToolsListMethod lists the tool catalogue.
	ToolsListMethod Method = "tools/list"
	// ToolsCallMethod invokes a named tool.
	ToolsCallMethod Method = "tools/call"
	// PingMethod is a liveness probe; it returns an empty result.
	PingMethod Method = "ping"
)

// InitializeRequest is the params payload of the initialize method.
type InitializeRequest struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      ImplementationInfo `json:"clientInfo"`
}

// InitializeResult answers the handshake with the negotiated protocol
// version and the server's capability summary.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      ImplementationInfo `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitzero"`
}

// ListToolsRequest is the params payload of tools/list.
type ListToolsRequest struct {
	Cursor string `json:"cursor,omitzero"`
}

// ListToolsResult returns the tool catalogue in registration order.
type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitzero"`
}

// CallToolRequest is the server-received params payload of tools/call.
// Arguments stay raw until the registry validates them against the named
// tool's schema.
type CallToolRequest struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CallToolResult carries a tool outcome. Tool-level failures set IsError and
// describe the failure in Content; they are not envelope-level errors.
type CallToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitzero"`
}

// EmptyResult is the result payload for methods that acknowledge without
// data, such as ping.
type EmptyResult struct{}
