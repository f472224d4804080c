package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/airtablemcp/server-go/auth"
	"github.com/airtablemcp/server-go/internal/engine"
	"github.com/airtablemcp/server-go/internal/jsonrpc"
	"github.com/airtablemcp/server-go/internal/logctx"
	"github.com/airtablemcp/server-go/internal/wellknown"
	"github.com/airtablemcp/server-go/mcp"
	"github.com/airtablemcp/server-go/sessions"
	"github.com/airtablemcp/server-go/tools"
	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
)

var _ http.Handler = (*Handler)(nil)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	// Use canonical header names for clarity; Go matches headers case-insensitively.
	lastEventIDHeader        = "Last-Event-ID"
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "MCP-Protocol-Version"
	authorizationHeader      = "Authorization"
	wwwAuthenticateHeader    = "WWW-Authenticate"
	originHeader             = "Origin"
)

// writeJSONError emits a minimal JSON body for HTTP-layer rejections before a
// JSON-RPC message exchange is possible. We do NOT claim JSON-RPC framing
// here; this is transport-level. Shape:
// {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	// Only set content-type if not already committed to SSE.
	if ct := w.Header().Get("Content-Type"); ct == "" || ct == jsonMediaType.String() {
		w.Header().Set("Content-Type", jsonMediaType.String())
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// Mode selects how the handler answers posted requests.
type Mode int

const (
	// ModeStream answers each request on a per-request SSE stream and
	// serves the standalone GET event channel. This is the default.
	ModeStream Mode = iota
	// ModeJSON answers each request with a single JSON body and disables
	// GET event channels.
	ModeJSON
)

func (m Mode) String() string {
	switch m {
	case ModeStream:
		return "stream"
	case ModeJSON:
		return "json"
	default:
		return "unknown"
	}
}

// ParseMode maps a configuration string onto a Mode. The empty string
// selects ModeStream.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "stream", "sse":
		return ModeStream, nil
	case "json":
		return ModeJSON, nil
	default:
		return ModeStream, fmt.Errorf("unknown transport mode %q", s)
	}
}

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	serverInfo   mcp.ImplementationInfo
	instructions string
	logger       *slog.Logger
	realm        string
	mode         Mode
	origins      []string
	idleTimeout  time.Duration
	authServers  []string
	scopes       []string
}

// WithServerInfo sets the implementation name and version advertised in the
// initialize result and in the protected resource metadata.
func WithServerInfo(info mcp.ImplementationInfo) Option {
	return func(c *newConfig) { c.serverInfo = info }
}

// WithInstructions sets the free-form usage hint returned from initialize.
func WithInstructions(s string) Option {
	return func(c *newConfig) { c.instructions = s }
}

// WithLogger sets the slog logger used by the handler and the dispatcher
// behind it. If not provided, slog.Default() is used.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithRealm sets the HTTP authentication realm advertised in
// WWW-Authenticate challenges. If empty (default), the realm attribute is
// omitted entirely per RFC 6750.
func WithRealm(realm string) Option {
	return func(c *newConfig) { c.realm = strings.TrimSpace(realm) }
}

// WithMode selects how posted requests are answered. See Mode.
func WithMode(m Mode) Option {
	return func(c *newConfig) { c.mode = m }
}

// WithAllowedOrigins installs an Origin allowlist. Requests carrying an
// Origin header that matches none of the entries are rejected with 403.
// Requests without an Origin header are always admitted. An empty list
// (default) disables the check.
func WithAllowedOrigins(origins ...string) Option {
	return func(c *newConfig) { c.origins = append(c.origins, origins...) }
}

// WithIdleTimeout enables the background reaper: sessions whose last
// activity is older than d are closed and forgotten. Zero (default)
// disables reaping.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *newConfig) { c.idleTimeout = d }
}

// WithAuthorizationServers lists the issuer URLs advertised in the
// protected resource metadata document.
func WithAuthorizationServers(issuers ...string) Option {
	return func(c *newConfig) { c.authServers = append(c.authServers, issuers...) }
}

// WithScopesSupported lists the OAuth scopes advertised in the protected
// resource metadata document.
func WithScopesSupported(scopes ...string) Option {
	return func(c *newConfig) { c.scopes = append(c.scopes, scopes...) }
}

// buildBearerChallenge builds a standardized Bearer challenge header value.
// Format:
//
//	Bearer realm="<realm>", resource_metadata="<url>", error="...", error_description="..."
//
// Realm is omitted if empty. Since Go map iteration is randomized, the
// parameters we care about are emitted in a fixed order.
func buildBearerChallenge(realm string, resourceMetadata string, params map[string]string) string {
	pieces := make([]string, 0, 1+len(params))
	esc := func(v string) string { return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) }
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	if resourceMetadata != "" {
		pieces = append(pieces, fmt.Sprintf(`resource_metadata="%s"`, esc(resourceMetadata)))
	}
	if params != nil {
		if v, ok := params["error"]; ok {
			pieces = append(pieces, fmt.Sprintf(`error="%s"`, esc(v)))
		}
		if v, ok := params["error_description"]; ok {
			pieces = append(pieces, fmt.Sprintf(`error_description="%s"`, esc(v)))
		}
		if v, ok := params["scope"]; ok {
			pieces = append(pieces, fmt.Sprintf(`scope="%s"`, esc(v)))
		}
		for k, v := range params {
			if k == "error" || k == "error_description" || k == "scope" {
				continue
			}
			pieces = append(pieces, fmt.Sprintf(`%s="%s"`, k, esc(v)))
		}
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}

// pathIfSet returns the string form of u if non-nil, else empty.
func pathIfSet(u *url.URL) string {
	if u == nil {
		return ""
	}
	return u.String()
}

// Handler implements the streamable HTTP transport of the Model Context
// Protocol in front of the session dispatcher.
type Handler struct {
	mux            *http.ServeMux
	log            *slog.Logger
	serverURL      *url.URL
	prmDocument    wellknown.ProtectedResourceMetadata
	prmDocumentURL *url.URL
	realm          string
	mode           Mode
	origins        map[string]struct{} // nil disables the check
	idleTimeout    time.Duration

	auth     auth.Authenticator
	eng      *engine.Engine
	sessions *sessions.Registry
}

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and an
// optional context. It serializes concurrent writes/flushes and avoids
// writing after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	// Re-check after acquiring the lock to minimize races with cancellation
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// New constructs a Handler.
//
// Required:
//   - publicEndpoint: externally visible URL of the MCP endpoint (scheme, host, path)
//   - sessReg: the session registry; shared with the caller so it can be drained on shutdown
//   - toolReg: the tool catalogue exposed over tools/list and tools/call
//   - authenticator: the bearer-token gate; use auth.Disabled() to run open
//
// ctx bounds the handler's background work (the idle reaper). Cancel it
// when the process shuts down.
func New(ctx context.Context, publicEndpoint string, sessReg *sessions.Registry, toolReg *tools.Registry, authenticator auth.Authenticator, opts ...Option) (*Handler, error) {
	if sessReg == nil {
		return nil, fmt.Errorf("session registry is required")
	}
	if toolReg == nil {
		return nil, fmt.Errorf("tool registry is required")
	}
	if authenticator == nil {
		return nil, fmt.Errorf("authenticator is required; use auth.Disabled() to opt out")
	}

	mcpURL, err := url.Parse(publicEndpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL %q: %w", publicEndpoint, err)
	}
	if mcpURL.Scheme != "https" && mcpURL.Scheme != "http" {
		return nil, fmt.Errorf("server URL must use HTTP or HTTPS scheme, got %q", mcpURL.Scheme)
	}

	cfg := &newConfig{logger: slog.Default(), mode: ModeStream}
	for _, opt := range opts {
		opt(cfg)
	}

	log := slog.New(logctx.Handler{Handler: cfg.logger.Handler()})

	h := &Handler{
		log:         log,
		serverURL:   mcpURL,
		realm:       cfg.realm,
		mode:        cfg.mode,
		idleTimeout: cfg.idleTimeout,
		auth:        authenticator,
		sessions:    sessReg,
	}

	engOpts := []engine.Option{engine.WithLogger(log)}
	if cfg.serverInfo != (mcp.ImplementationInfo{}) {
		engOpts = append(engOpts, engine.WithServerInfo(cfg.serverInfo))
	}
	if cfg.instructions != "" {
		engOpts = append(engOpts, engine.WithInstructions(cfg.instructions))
	}
	h.eng = engine.NewEngine(sessReg, toolReg, engOpts...)

	if len(cfg.origins) > 0 {
		h.origins = make(map[string]struct{}, len(cfg.origins))
		for _, o := range cfg.origins {
			h.origins[strings.ToLower(strings.TrimSpace(o))] = struct{}{}
		}
	}

	h.prmDocument = wellknown.ProtectedResourceMetadata{
		Resource:               mcpURL.String(),
		AuthorizationServers:   cfg.authServers,
		ScopesSupported:        cfg.scopes,
		BearerMethodsSupported: []string{"authorization_header"},
		ResourceName:           cfg.serverInfo.Name,
	}
	h.prmDocumentURL = &url.URL{Scheme: mcpURL.Scheme, Host: mcpURL.Host, Path: wellknown.PathProtectedResource + mcpURL.Path}

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("POST %s", pathOnly(mcpURL)), h.handlePostMCP)
	mux.HandleFunc(fmt.Sprintf("GET %s", pathOnly(mcpURL)), h.handleGetMCP)
	mux.HandleFunc(fmt.Sprintf("DELETE %s", pathOnly(mcpURL)), h.handleDeleteMCP)
	prmPath := pathOnly(h.prmDocumentURL)
	// If MCP is at root, prmPath ends with "/"; also serve the no-slash form
	// to avoid ServeMux's 301.
	if strings.HasSuffix(prmPath, "/") {
		base := strings.TrimSuffix(prmPath, "/")
		mux.HandleFunc(fmt.Sprintf("GET %s", base), h.handleGetProtectedResourceMetadata)
		mux.HandleFunc(fmt.Sprintf("OPTIONS %s", base), h.handleOptionsProtectedResourceMetadata)
		mux.HandleFunc(fmt.Sprintf("GET %s/", base), h.handleGetProtectedResourceMetadata)
		mux.HandleFunc(fmt.Sprintf("OPTIONS %s/", base), h.handleOptionsProtectedResourceMetadata)
	} else {
		mux.HandleFunc(fmt.Sprintf("GET %s", prmPath), h.handleGetProtectedResourceMetadata)
		mux.HandleFunc(fmt.Sprintf("OPTIONS %s", prmPath), h.handleOptionsProtectedResourceMetadata)
		mux.HandleFunc(fmt.Sprintf("GET %s/", prmPath), h.handleGetProtectedResourceMetadata)
		mux.HandleFunc(fmt.Sprintf("OPTIONS %s/", prmPath), h.handleOptionsProtectedResourceMetadata)
	}
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	h.mux = mux

	if cfg.idleTimeout > 0 {
		go h.reapLoop(ctx)
	}

	return h, nil
}

// pathOnly returns just the URL path or "/" if empty.
func pathOnly(u *url.URL) string {
	if u == nil {
		return "/"
	}
	if u.Path == "" {
		return "/"
	}
	return u.Path
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequest(r.Context(), &logctx.Request{
		ID:         uuid.NewString(),
		Method:     r.Method,
		Path:       r.URL.Path,
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
	})))
}

// Shutdown closes every live session. Call it after the HTTP server has
// stopped accepting requests; in-flight streams observe the closure and
// finish on their own.
func (h *Handler) Shutdown(ctx context.Context) error {
	if n := h.sessions.Drain(); n > 0 {
		h.log.InfoContext(ctx, "sessions.drain", slog.Int("count", n))
	}
	return nil
}

func (h *Handler) reapLoop(ctx context.Context) {
	interval := h.idleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			for _, t := range h.sessions.ReapIdle(h.idleTimeout) {
				h.log.InfoContext(ctx, "session.reap",
					slog.String("session_id", t.ID()),
					slog.Time("last_active", t.LastActive()))
			}
		}
	}
}

// handlePostMCP accepts client-to-server JSON-RPC messages. An initialize
// request mints a session; everything else requires a live one.
func (h *Handler) handlePostMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if !h.checkOrigin(ctx, w, r) {
		return
	}

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	userInfo := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		h.log.InfoContext(ctx, "auth.fail")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		h.log.WarnContext(ctx, "body.read.fail", slog.String("err", err.Error()))
		return
	}
	if jsonrpc.IsBatch(body) {
		writeJSONError(w, http.StatusBadRequest, "JSON-RPC batch arrays are not supported")
		h.log.WarnContext(ctx, "rpc.batch.rejected")
		return
	}
	msg, err := jsonrpc.DecodeMessage(body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON-RPC message: %v", err))
		h.log.WarnContext(ctx, "rpc.decode.fail", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithRPC(ctx, &logctx.RPC{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Kind:   msg.Kind().String(),
	})

	t := h.lookupSession(r, userInfo)
	if t == nil {
		// No usable session for this caller. Only initialize may proceed;
		// a stale or foreign id is treated the same as none.
		req := msg.AsRequest()
		if req == nil || req.IsNotification() || req.Method != string(mcp.InitializeMethod) {
			writeJSONError(w, http.StatusBadRequest, "handshake required: send initialize first")
			h.log.InfoContext(ctx, "session.handshake.required")
			return
		}
		h.handleInitialize(ctx, w, userInfo, req, start)
		return
	}

	ctx = logctx.WithSession(ctx, &logctx.Session{
		ID:     t.ID(),
		UserID: t.UserID(),
		State:  t.State().String(),
	})

	if !h.checkProtocolVersion(ctx, w, r, t) {
		return
	}

	switch msg.Kind() {
	case jsonrpc.KindNotification, jsonrpc.KindResponse:
		if _, err := h.eng.Dispatch(ctx, t, msg); err != nil {
			h.writeDispatchFailure(ctx, w, err)
			return
		}
		w.Header().Set(mcpProtocolVersionHeader, t.ProtocolVersion())
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "rpc.inbound.accepted", slog.Duration("dur", time.Since(start)))
		return

	case jsonrpc.KindRequest:
		if h.mode == ModeJSON {
			res, err := h.eng.Dispatch(ctx, t, msg)
			if err != nil {
				h.writeDispatchFailure(ctx, w, err)
				return
			}
			w.Header().Set(mcpProtocolVersionHeader, t.ProtocolVersion())
			w.Header().Set("Content-Type", jsonMediaType.String())
			w.WriteHeader(http.StatusOK)
			if err := json.NewEncoder(w).Encode(res); err != nil {
				h.log.ErrorContext(ctx, "rpc.response.write.fail", slog.String("err", err.Error()))
				return
			}
			h.log.InfoContext(ctx, "rpc.inbound.ok", slog.Duration("dur", time.Since(start)))
			return
		}
		h.answerOverSSE(ctx, w, r, t, msg, start)
		return

	default:
		writeJSONError(w, http.StatusBadRequest, "invalid JSON-RPC message")
		h.log.WarnContext(ctx, "rpc.kind.invalid")
	}
}

// answerOverSSE dispatches a request and writes its response as the single
// event of a per-request SSE stream. The event carries no id: only
// responses that could not be delivered here are parked in the session
// outbox, so a later GET resume never replays one the client already has.
func (h *Handler) answerOverSSE(ctx context.Context, w http.ResponseWriter, r *http.Request, t *sessions.Transport, msg *jsonrpc.Message, start time.Time) {
	if acc := r.Header.Get("Accept"); acc != "" {
		if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
			writeJSONError(w, http.StatusNotAcceptable, "accept must include text/event-stream")
			h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", acc))
			return
		}
	}
	f, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		h.log.ErrorContext(ctx, "sse.flusher.unsupported")
		return
	}

	w.Header().Set(mcpProtocolVersionHeader, t.ProtocolVersion())
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}
	wf.Flush()

	res, err := h.eng.Dispatch(ctx, t, msg)
	if err != nil {
		h.log.ErrorContext(ctx, "rpc.dispatch.fail", slog.String("err", err.Error()))
		if errors.Is(err, engine.ErrSessionClosed) {
			res = jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeInvalidRequest, "session closed")
		} else {
			res = jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeInternalError, "internal server error")
		}
	}
	b, err := json.Marshal(res)
	if err != nil {
		h.log.ErrorContext(ctx, "rpc.response.marshal.fail", slog.String("err", err.Error()))
		return
	}
	if err := writeSSEEvent(wf, "", b); err != nil {
		// The client went away mid-answer. Park the response in the
		// session outbox so a resumed GET stream can recover it.
		if _, pubErr := t.Publish(b); pubErr != nil && !errors.Is(pubErr, sessions.ErrTransportClosed) {
			h.log.ErrorContext(ctx, "rpc.response.park.fail", slog.String("err", pubErr.Error()))
		}
		h.log.WarnContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "rpc.inbound.ok", slog.Duration("dur", time.Since(start)))
}

// handleInitialize mints a session for the caller and answers the
// initialize request as a plain JSON body, independent of mode.
func (h *Handler) handleInitialize(ctx context.Context, w http.ResponseWriter, userInfo auth.UserInfo, req *jsonrpc.Request, start time.Time) {
	t, res, err := h.eng.Initialize(ctx, userInfo.UserID(), req)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to initialize session")
		h.log.ErrorContext(ctx, "session.initialize.fail", slog.String("err", err.Error()))
		return
	}
	if t != nil {
		// Initialize succeeded; bad params yield an envelope error and no
		// session, which still travels as a 200.
		w.Header().Set(mcpSessionIDHeader, t.ID())
		w.Header().Set(mcpProtocolVersionHeader, t.ProtocolVersion())
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		h.log.ErrorContext(ctx, "session.initialize.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "session.initialize.ok", slog.Duration("dur", time.Since(start)))
}

// handleGetMCP attaches the standalone server-to-client event channel.
func (h *Handler) handleGetMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if !h.checkOrigin(ctx, w, r) {
		return
	}
	if h.mode != ModeStream {
		w.Header().Set("Allow", "POST, DELETE")
		writeJSONError(w, http.StatusMethodNotAllowed, "event streams are disabled on this server")
		h.log.InfoContext(ctx, "sse.stream.disabled")
		return
	}
	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "accept must include text/event-stream")
		h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", r.Header.Get("Accept")))
		return
	}
	f, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		h.log.ErrorContext(ctx, "sse.flusher.unsupported")
		return
	}

	userInfo := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		h.log.InfoContext(ctx, "auth.fail")
		return
	}

	t := h.lookupSession(r, userInfo)
	if t == nil {
		writeJSONError(w, http.StatusBadRequest, "handshake required: send initialize first")
		h.log.InfoContext(ctx, "session.handshake.required")
		return
	}

	ctx = logctx.WithSession(ctx, &logctx.Session{
		ID:     t.ID(),
		UserID: t.UserID(),
		State:  t.State().String(),
	})

	if !h.checkProtocolVersion(ctx, w, r, t) {
		return
	}

	lastEventID := r.Header.Get(lastEventIDHeader)
	if lastEventID != "" && !t.CanReplayFrom(lastEventID) {
		// Validate the resume position while a JSON rejection is still
		// possible; once the SSE headers go out the status is committed.
		writeJSONError(w, http.StatusBadRequest, "unknown Last-Event-ID")
		h.log.InfoContext(ctx, "sse.resume.unknown", slog.String("last_event_id", lastEventID))
		return
	}

	t.Touch()

	w.Header().Set(mcpProtocolVersionHeader, t.ProtocolVersion())
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}
	wf.Flush()

	h.log.InfoContext(ctx, "sse.stream.start", slog.String("last_event_id", lastEventID))

	err := t.Subscribe(ctx, lastEventID, func(cbCtx context.Context, msgID string, data []byte) error {
		if err := writeSSEEvent(wf, msgID, data); err != nil {
			h.log.WarnContext(cbCtx, "sse.write.fail", slog.String("err", err.Error()))
			return err
		}
		h.log.InfoContext(cbCtx, "sse.message.deliver", slog.String("event_id", msgID))
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		h.log.ErrorContext(ctx, "sse.stream.fail", slog.String("err", err.Error()))
		return
	}

	h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
}

// handleDeleteMCP tears down the session named by the Mcp-Session-Id
// header.
func (h *Handler) handleDeleteMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if !h.checkOrigin(ctx, w, r) {
		return
	}

	userInfo := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		h.log.InfoContext(ctx, "auth.fail")
		return
	}

	if r.Header.Get(mcpSessionIDHeader) == "" {
		writeJSONError(w, http.StatusBadRequest, "missing Mcp-Session-Id header")
		h.log.WarnContext(ctx, "delete.missing_session_id")
		return
	}

	t := h.lookupSession(r, userInfo)
	if t == nil {
		writeJSONError(w, http.StatusNotFound, "session not found")
		h.log.InfoContext(ctx, "session.delete.miss")
		return
	}

	ctx = logctx.WithSession(ctx, &logctx.Session{
		ID:     t.ID(),
		UserID: t.UserID(),
		State:  t.State().String(),
	})

	if !h.checkProtocolVersion(ctx, w, r, t) {
		return
	}

	if !h.eng.CloseSession(ctx, t.ID()) {
		// Lost a teardown race; the id is gone either way.
		writeJSONError(w, http.StatusNotFound, "session not found")
		h.log.InfoContext(ctx, "session.delete.miss")
		return
	}

	if pv := t.ProtocolVersion(); pv != "" {
		w.Header().Set(mcpProtocolVersionHeader, pv)
	}
	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.delete.ok", slog.Duration("dur", time.Since(start)))
}

// handleHealthz reports liveness and the live session count. No
// authentication: load balancers probe it.
func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"sessions": h.sessions.Len(),
	})
}

func (h *Handler) handleOptionsProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization")
	w.Header().Set("Access-Control-Max-Age", "600")
	w.WriteHeader(http.StatusNoContent)
}

// handleGetProtectedResourceMetadata serves the OAuth2 Protected Resource
// Metadata document.
func (h *Handler) handleGetProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Vary", "Origin")
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.prmDocument); err != nil {
		http.Error(w, fmt.Sprintf("failed to encode protected resource metadata: %v", err), http.StatusInternalServerError)
		return
	}
}

// lookupSession resolves the Mcp-Session-Id header to a live transport
// owned by the authenticated user. A missing header, an unknown id, and an
// id bound to someone else all come back nil; callers must not reveal
// which.
func (h *Handler) lookupSession(r *http.Request, userInfo auth.UserInfo) *sessions.Transport {
	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		return nil
	}
	t, ok := h.sessions.Get(sessID)
	if !ok || t.UserID() != userInfo.UserID() {
		return nil
	}
	return t
}

// checkProtocolVersion enforces the MCP-Protocol-Version header against the
// version negotiated at initialize. Absent headers pass; the handshake
// predates the header requirement.
func (h *Handler) checkProtocolVersion(ctx context.Context, w http.ResponseWriter, r *http.Request, t *sessions.Transport) bool {
	pv := r.Header.Get(mcpProtocolVersionHeader)
	if pv == "" || t.ProtocolVersion() == "" || pv == t.ProtocolVersion() {
		return true
	}
	writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("protocol version mismatch: session negotiated %s", t.ProtocolVersion()))
	h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", pv))
	return false
}

// writeDispatchFailure maps engine dispatch errors onto transport-level
// rejections.
func (h *Handler) writeDispatchFailure(ctx context.Context, w http.ResponseWriter, err error) {
	if errors.Is(err, engine.ErrSessionClosed) {
		writeJSONError(w, http.StatusBadRequest, "handshake required: send initialize first")
		h.log.InfoContext(ctx, "session.handshake.required")
		return
	}
	writeJSONError(w, http.StatusInternalServerError, "failed to handle message")
	h.log.ErrorContext(ctx, "rpc.dispatch.fail", slog.String("err", err.Error()))
}

// checkOrigin enforces the configured Origin allowlist. Requests without
// an Origin header are admitted: they did not come from a browser.
func (h *Handler) checkOrigin(ctx context.Context, w http.ResponseWriter, r *http.Request) bool {
	if h.origins == nil {
		return true
	}
	origin := r.Header.Get(originHeader)
	if origin == "" {
		return true
	}
	if _, ok := h.origins[strings.ToLower(origin)]; ok {
		return true
	}
	writeJSONError(w, http.StatusForbidden, "origin not allowed")
	h.log.WarnContext(ctx, "origin.denied", slog.String("origin", origin))
	return false
}

func (h *Handler) checkAuthentication(ctx context.Context, r *http.Request, w http.ResponseWriter) auth.UserInfo {
	authHeader := r.Header.Get(authorizationHeader)

	var tok string
	if authHeader != "" {
		// Malformed header or wrong scheme -> invalid_request 400 per RFC 6750 §3.1.
		const bearerPrefix = "Bearer "
		if !strings.HasPrefix(authHeader, bearerPrefix) || len(authHeader) <= len(bearerPrefix) {
			h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "malformed bearer authorization header"))
			w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, pathIfSet(h.prmDocumentURL), map[string]string{"error": "invalid_request", "error_description": "malformed bearer authorization header"}))
			writeJSONError(w, http.StatusBadRequest, "malformed bearer authorization header")
			return nil
		}
		tok = strings.TrimSpace(authHeader[len(bearerPrefix):])
		if tok == "" {
			h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "empty bearer token"))
			w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, pathIfSet(h.prmDocumentURL), map[string]string{"error": "invalid_request", "error_description": "empty bearer token"}))
			writeJSONError(w, http.StatusBadRequest, "empty bearer token")
			return nil
		}
	}

	// The authenticator sees the empty token when no header was sent. A
	// disabled gate admits it; a real one rejects it, which we answer with
	// the bare challenge RFC 6750 §3.1 calls for when no auth was attempted.
	userInfo, err := h.auth.CheckAuthentication(ctx, tok)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			if authHeader == "" {
				w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, pathIfSet(h.prmDocumentURL), nil))
			} else {
				w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, pathIfSet(h.prmDocumentURL), map[string]string{"error": "invalid_token", "error_description": err.Error()}))
			}
			writeJSONError(w, http.StatusUnauthorized, "authentication required")
			return nil
		}

		if errors.Is(err, auth.ErrInsufficientScope) {
			h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, pathIfSet(h.prmDocumentURL), map[string]string{"error": "insufficient_scope", "error_description": err.Error()}))
			writeJSONError(w, http.StatusForbidden, "insufficient scope")
			return nil
		}

		h.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "authentication backend failure")
		return nil
	}

	return userInfo
}

// writeSSEEvent frames one event: an optional id line, the data line, a
// blank separator, then a flush.
func writeSSEEvent(wf *lockedWriteFlusher, msgID string, payload []byte) error {
	if msgID != "" {
		if _, err := fmt.Fprintf(wf, "id: %s\n", msgID); err != nil {
			return fmt.Errorf("failed to write SSE event ID: %w", err)
		}
	}
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("failed to write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}
