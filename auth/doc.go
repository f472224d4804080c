// Package auth is the authorization gate in front of the protocol endpoint.
// It verifies bearer tokens and answers authorized or unauthorized plus a
// reason; it holds no state and never sees protocol traffic.
//
// The surface is small: an Authenticator validates a bearer token string and
// returns UserInfo or an error. The HTTP transport extracts the token from
// the Authorization header and maps the sentinel errors onto RFC 6750
// challenges (ErrUnauthorized -> 401, ErrInsufficientScope -> 403).
//
// NewFromDiscovery builds the production gate: RFC 9068 JWT access tokens
// validated against an OIDC issuer, with the key set fetched and refreshed
// from the issuer's jwks_uri. Verification fails closed when the key set is
// unreachable.
//
// Disabled builds a gate that admits every request. Constructing it is the
// deployment's explicit opt-out; nothing in this module defaults to it. A
// disabled gate on a publicly reachable endpoint is a credential-less
// tool-execution surface.
package auth
