// Command airtable-mcp serves Airtable tools over the MCP streamable HTTP
// transport. All configuration comes from the environment; see config.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/airtablemcp/server-go/airtable"
	"github.com/airtablemcp/server-go/auth"
	"github.com/airtablemcp/server-go/internal/logctx"
	"github.com/airtablemcp/server-go/mcp"
	"github.com/airtablemcp/server-go/sessions"
	"github.com/airtablemcp/server-go/streaminghttp"
	"github.com/airtablemcp/server-go/tools"
	"github.com/joeshaw/envdecode"
)

// version is stamped by the release build.
var version = "dev"

type config struct {
	Addr           string        `env:"MCP_LISTEN_ADDR,default=127.0.0.1:8080"`
	PublicEndpoint string        `env:"MCP_PUBLIC_ENDPOINT,default=http://127.0.0.1:8080/mcp"`
	Mode           string        `env:"MCP_TRANSPORT_MODE,default=stream"`
	IdleTimeout    time.Duration `env:"MCP_SESSION_IDLE_TIMEOUT,default=30m"`
	ShutdownGrace  time.Duration `env:"MCP_SHUTDOWN_GRACE,default=10s"`
	AllowedOrigins string        `env:"MCP_ALLOWED_ORIGINS"`
	Instructions   string        `env:"MCP_INSTRUCTIONS"`

	AirtableToken   string `env:"AIRTABLE_TOKEN,required"`
	AirtableBaseURL string `env:"AIRTABLE_BASE_URL"`

	AuthDisabled   bool   `env:"MCP_AUTH_DISABLED,default=false"`
	OIDCIssuer     string `env:"OIDC_ISSUER"`
	OIDCAudience   string `env:"OIDC_AUDIENCE"`
	RequiredScopes string `env:"OIDC_REQUIRED_SCOPES"`
}

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	var cfg config
	if err := envdecode.Decode(&cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log := slog.New(logctx.Handler{Handler: slog.NewJSONHandler(os.Stdout, nil)})
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mode, err := streaminghttp.ParseMode(cfg.Mode)
	if err != nil {
		return err
	}

	var clientOpts []airtable.ClientOption
	if cfg.AirtableBaseURL != "" {
		clientOpts = append(clientOpts, airtable.WithBaseURL(cfg.AirtableBaseURL))
	}
	atClient, err := airtable.NewHTTPClient(cfg.AirtableToken, clientOpts...)
	if err != nil {
		return fmt.Errorf("airtable client: %w", err)
	}

	toolReg, err := tools.NewRegistry(tools.NewAirtableTools(atClient), tools.WithLogger(log))
	if err != nil {
		return fmt.Errorf("tool registry: %w", err)
	}

	authenticator, authServers, err := buildAuthenticator(ctx, cfg, log)
	if err != nil {
		return err
	}

	opts := []streaminghttp.Option{
		streaminghttp.WithLogger(log),
		streaminghttp.WithServerInfo(mcp.ImplementationInfo{Name: "airtable-mcp", Version: version}),
		streaminghttp.WithMode(mode),
		streaminghttp.WithIdleTimeout(cfg.IdleTimeout),
		streaminghttp.WithRealm("airtable-mcp"),
	}
	if cfg.Instructions != "" {
		opts = append(opts, streaminghttp.WithInstructions(cfg.Instructions))
	}
	if origins := splitList(cfg.AllowedOrigins); len(origins) > 0 {
		opts = append(opts, streaminghttp.WithAllowedOrigins(origins...))
	}
	if len(authServers) > 0 {
		opts = append(opts, streaminghttp.WithAuthorizationServers(authServers...))
	}
	if scopes := splitList(cfg.RequiredScopes); len(scopes) > 0 {
		opts = append(opts, streaminghttp.WithScopesSupported(scopes...))
	}

	sessReg := sessions.NewRegistry()
	h, err := streaminghttp.New(ctx, cfg.PublicEndpoint, sessReg, toolReg, authenticator, opts...)
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server.start",
			slog.String("addr", cfg.Addr),
			slog.String("endpoint", cfg.PublicEndpoint),
			slog.String("mode", mode.String()),
			slog.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	log.Info("server.shutdown.start")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server.shutdown.forced", slog.String("err", err.Error()))
	}
	if err := h.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("drain sessions: %w", err)
	}
	log.Info("server.shutdown.ok")
	return nil
}

// buildAuthenticator wires the bearer gate. Disabling it is an explicit
// configuration choice, never a fallback for a missing issuer.
func buildAuthenticator(ctx context.Context, cfg config, log *slog.Logger) (auth.Authenticator, []string, error) {
	if cfg.AuthDisabled {
		log.Warn("auth.disabled")
		return auth.Disabled(), nil, nil
	}
	if cfg.OIDCIssuer == "" {
		return nil, nil, errors.New("OIDC_ISSUER is required unless MCP_AUTH_DISABLED=true")
	}
	audience := cfg.OIDCAudience
	if audience == "" {
		audience = cfg.PublicEndpoint
	}
	var opts []auth.Option
	if scopes := splitList(cfg.RequiredScopes); len(scopes) > 0 {
		opts = append(opts, auth.WithRequiredScopes(scopes...))
	}
	a, err := auth.NewFromDiscovery(ctx, cfg.OIDCIssuer, audience, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("oidc discovery: %w", err)
	}
	return a, []string{cfg.OIDCIssuer}, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
