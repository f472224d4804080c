// Package jwtauth validates RFC 9068 JWT access tokens against an OIDC
// issuer. Discovery resolves the issuer's jwks_uri, keys auto-refresh, and
// every check fails closed: an unreachable key set or any claim mismatch
// rejects the token.
package jwtauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized marks a token that failed validation (signature, issuer,
// audience, typ, or time claims). Callers answer HTTP 401.
var ErrUnauthorized = errors.New("jwtauth: unauthorized")

// ErrInsufficientScope marks a valid token missing required scopes. Callers
// answer HTTP 403.
var ErrInsufficientScope = errors.New("jwtauth: insufficient_scope")

// Config is the validation policy for inbound access tokens.
type Config struct {
	// Issuer is the authorization server URL used for discovery and the
	// expected iss claim.
	Issuer string
	// Audience is the expected aud claim, typically the server's public
	// endpoint URL.
	Audience string
	// RequiredScopes are matched against the space-delimited scope claim.
	// Empty means no scope policy.
	RequiredScopes []string
	// ScopeModeAny accepts any one required scope instead of all of them.
	ScopeModeAny bool
	// AllowedAlgs restricts JWS algorithms. "none" is never accepted.
	AllowedAlgs []string
	// Leeway tolerates clock skew on time-based claims.
	Leeway time.Duration
}

// DefaultConfig returns the policy defaults: RS256 only, 60s leeway.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs: []string{"RS256"},
		Leeway:      60 * time.Second,
	}
}

// UserInfo carries the validated token's subject and raw claims.
type UserInfo interface {
	UserID() string
	Claims(ref any) error
}

type userInfo struct {
	sub    string
	claims jwt.MapClaims
}

func (u *userInfo) UserID() string { return u.sub }

func (u *userInfo) Claims(ref any) error {
	b, err := json.Marshal(u.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// Validator checks one bearer token and returns the authenticated user.
type Validator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

type discoveryValidator struct {
	cfg     *Config
	keyfunc jwt.Keyfunc
}

var _ Validator = (*discoveryValidator)(nil)

// NewFromDiscovery resolves the issuer's OIDC discovery document, starts an
// auto-refreshing JWKS, and returns a Validator enforcing cfg.
func NewFromDiscovery(ctx context.Context, cfg *Config) (Validator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if cfg.Audience == "" {
		return nil, errors.New("audience is required")
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("discovery incomplete: missing jwks_uri")
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{meta.JwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}

	return &discoveryValidator{
		cfg: cfg,
		keyfunc: func(t *jwt.Token) (any, error) {
			alg := t.Method.Alg()
			for _, a := range cfg.AllowedAlgs {
				if alg == a {
					return kf.Keyfunc(t)
				}
			}
			return nil, fmt.Errorf("disallowed alg: %s", alg)
		},
	}, nil
}

func (v *discoveryValidator) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithAudience(v.cfg.Audience),
		jwt.WithLeeway(v.cfg.Leeway),
	)

	parsed, err := parser.Parse(tok, v.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}

	// RFC 9068 requires access tokens to declare their type in the header.
	if typ, _ := parsed.Header["typ"].(string); typ != "at+jwt" && typ != "application/at+jwt" {
		return nil, fmt.Errorf("%w: invalid typ; want at+jwt", ErrUnauthorized)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid claims type", ErrUnauthorized)
	}

	if iatf, ok := claims["iat"].(float64); ok {
		iat := time.Unix(int64(iatf), 0)
		if iat.After(time.Now().Add(v.cfg.Leeway + 5*time.Minute)) {
			return nil, fmt.Errorf("%w: iat too far in future", ErrUnauthorized)
		}
	}

	if len(v.cfg.RequiredScopes) > 0 {
		if err := checkScopes(claims, v.cfg.RequiredScopes, v.cfg.ScopeModeAny); err != nil {
			return nil, err
		}
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}

	return &userInfo{sub: sub, claims: claims}, nil
}

func checkScopes(claims jwt.MapClaims, required []string, anyMode bool) error {
	scopeStr, _ := claims["scope"].(string)
	have := map[string]bool{}
	for _, s := range strings.Fields(scopeStr) {
		have[s] = true
	}
	if anyMode {
		for _, want := range required {
			if have[want] {
				return nil
			}
		}
		return ErrInsufficientScope
	}
	for _, want := range required {
		if !have[want] {
			return ErrInsufficientScope
		}
	}
	return nil
}
