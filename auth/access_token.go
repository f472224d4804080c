package auth

import (
	"context"
	"errors"
	"time"

	"github.com/airtablemcp/server-go/internal/jwtauth"
)

// Option configures optional validation policy for NewFromDiscovery.
// Issuer and audience are required formal arguments, not options.
type Option func(*jwtauth.Config)

// WithRequiredScopes requires every listed scope to be present in the
// token's space-delimited scope claim.
func WithRequiredScopes(scopes ...string) Option {
	return func(c *jwtauth.Config) {
		c.RequiredScopes = append([]string(nil), scopes...)
		c.ScopeModeAny = false
	}
}

// WithAnyRequiredScope requires at least one of the listed scopes.
func WithAnyRequiredScope(scopes ...string) Option {
	return func(c *jwtauth.Config) {
		c.RequiredScopes = append([]string(nil), scopes...)
		c.ScopeModeAny = true
	}
}

// WithAllowedAlgs restricts accepted JWS algorithms. "none" is never
// accepted. The default is RS256 only.
func WithAllowedAlgs(algs ...string) Option {
	return func(c *jwtauth.Config) {
		c.AllowedAlgs = append([]string(nil), algs...)
	}
}

// WithLeeway sets clock-skew tolerance for time-based claims.
func WithLeeway(d time.Duration) Option {
	return func(c *jwtauth.Config) { c.Leeway = d }
}

// NewFromDiscovery returns an Authenticator verifying RFC 9068 JWT access
// tokens. The issuer's OIDC discovery document supplies the JWKS location;
// keys refresh automatically. audience is the expected aud claim, typically
// the server's public endpoint URL.
func NewFromDiscovery(ctx context.Context, issuer, audience string, opts ...Option) (Authenticator, error) {
	if audience == "" {
		return nil, errors.New("audience is required")
	}
	cfg := jwtauth.DefaultConfig()
	cfg.Issuer = issuer
	cfg.Audience = audience
	for _, opt := range opts {
		opt(cfg)
	}
	v, err := jwtauth.NewFromDiscovery(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &validatorAdapter{v: v}, nil
}

// validatorAdapter maps internal sentinel errors onto the public ones the
// transport switches on.
type validatorAdapter struct {
	v jwtauth.Validator
}

var _ Authenticator = (*validatorAdapter)(nil)

func (a *validatorAdapter) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	ui, err := a.v.CheckAuthentication(ctx, tok)
	if err != nil {
		if errors.Is(err, jwtauth.ErrInsufficientScope) {
			return nil, errors.Join(ErrInsufficientScope, err)
		}
		return nil, errors.Join(ErrUnauthorized, err)
	}
	return userInfoAdapter{ui: ui}, nil
}

type userInfoAdapter struct {
	ui jwtauth.UserInfo
}

func (u userInfoAdapter) UserID() string       { return u.ui.UserID() }
func (u userInfoAdapter) Claims(ref any) error { return u.ui.Claims(ref) }
