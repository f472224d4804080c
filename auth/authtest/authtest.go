// Package authtest provides canned Authenticator implementations for
// transport and handler tests that do not want to mint real JWTs.
package authtest

import (
	"context"
	"fmt"

	"github.com/airtablemcp/server-go/auth"
)

// Static authenticates from a fixed token table. Unknown tokens fail with
// auth.ErrUnauthorized; tokens listed in Unscoped authenticate but fail with
// auth.ErrInsufficientScope, which lets tests drive the 403 challenge path.
type Static struct {
	// Users maps bearer tokens to the user id they authenticate as.
	Users map[string]string
	// Unscoped marks tokens that are valid but lack a required scope.
	Unscoped map[string]bool
}

var _ auth.Authenticator = (*Static)(nil)

func (s *Static) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	if s.Unscoped[tok] {
		return nil, fmt.Errorf("%w: token lacks a required scope", auth.ErrInsufficientScope)
	}
	if uid, ok := s.Users[tok]; ok {
		return User(uid), nil
	}
	return nil, fmt.Errorf("%w: unknown token", auth.ErrUnauthorized)
}

// User is a UserInfo carrying nothing but its id.
type User string

func (u User) UserID() string       { return string(u) }
func (u User) Claims(ref any) error { return nil }
