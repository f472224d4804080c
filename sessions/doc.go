// Package sessions owns the lifetime of protocol sessions.
//
// A Transport is one client-server session: a state flag (uninitialized,
// initialized, closed), the identity of the authenticated user it belongs
// to, a dispatch lock that serializes message handling within the session,
// and a bounded outbox of server-push events that a reconnecting event
// stream can replay from a Last-Event-ID position.
//
// The Registry is the sole authority on which sessions exist. Transports
// enter it when an initialize handshake succeeds and leave it when the
// session is torn down, reaped for idleness, or drained at shutdown. A
// lookup racing a removal observes the transport either fully present or
// fully absent, never in between.
//
// Nothing in this package knows about HTTP or JSON-RPC; the transport
// carries opaque byte payloads and the wiring above decides what they mean.
package sessions
