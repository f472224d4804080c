// Package streaminghttp serves the MCP streamable HTTP transport on a
// single endpoint.
//
// The handler multiplexes three verbs on the configured MCP path:
//
//   - POST carries client-to-server JSON-RPC messages. An initialize
//     request mints a session and returns its id in the Mcp-Session-Id
//     response header as a plain JSON reply. Every later message must
//     repeat that header. Requests are answered either as a single JSON
//     body (ModeJSON) or as a short-lived SSE stream carrying exactly one
//     event (ModeStream, the default). Notifications and client responses
//     are acknowledged with 202 and no body.
//
//   - GET (ModeStream only) attaches the standalone server-to-client
//     event channel. Events carry monotonically increasing ids; a client
//     that reconnects with Last-Event-ID resumes exactly after the last
//     event it saw, within the bounds of the session's retained window.
//
//   - DELETE tears the session down and answers 204.
//
// Any message other than initialize that arrives without a usable session
// id, with an unknown one, or with one bound to a different user is
// rejected with 400 before it reaches the dispatcher. Stale ids are
// indistinguishable from unknown ones on purpose.
//
// Authentication is delegated to an auth.Authenticator. Failures are
// answered with RFC 6750 Bearer challenges that point at the protected
// resource metadata document, which the handler serves (with permissive
// CORS) under /.well-known/oauth-protected-resource. A /healthz endpoint
// reports liveness and the number of live sessions without requiring
// credentials.
//
// Handlers are safe for concurrent use. Per-session dispatch is
// serialized by the session transport itself, so two racing POSTs to the
// same session are applied one at a time.
package streaminghttp
