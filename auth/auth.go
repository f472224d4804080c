package auth

import (
	"context"
	"errors"
)

// ErrUnauthorized indicates authentication failed or no valid credentials
// were supplied. Transports answer HTTP 401.
var ErrUnauthorized = errors.New("unauthorized")

// ErrInsufficientScope indicates the caller authenticated but lacks a
// required scope. Transports answer HTTP 403.
var ErrInsufficientScope = errors.New("insufficient scope")

// UserInfo represents an authenticated principal. Implementations must be
// safe for concurrent use.
type UserInfo interface {
	// UserID returns the principal's unique identifier.
	UserID() string
	// Claims unmarshals the principal's claims into ref.
	Claims(ref any) error
}

// Authenticator validates a bearer token and returns the principal it
// identifies. Invalid credentials return an error matching ErrUnauthorized;
// valid credentials missing scope return one matching ErrInsufficientScope.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}
