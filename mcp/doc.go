// Package mcp holds the protocol data types and constants shared by the
// transport and dispatch layers. It mirrors the wire representation of the
// Model Context Protocol for the surface this server speaks (initialize,
// tools listing and invocation, ping) while keeping the types Go-friendly:
// exported structs with json tags and string constants for method names.
//
// The package carries no transport or session logic. The HTTP layer decodes
// JSON-RPC envelopes, the engine switches on the Method constants, and both
// marshal these concrete types back onto the wire.
//
// Protocol versions are date strings per the protocol revision scheme.
// LatestProtocolVersion is what the server answers during initialize;
// SupportedProtocolVersions is what it accepts from the MCP-Protocol-Version
// request header afterward.
package mcp
