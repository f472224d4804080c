package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/airtablemcp/server-go/internal/jsonrpc"
	"github.com/airtablemcp/server-go/internal/logctx"
	"github.com/airtablemcp/server-go/mcp"
	"github.com/airtablemcp/server-go/sessions"
	"github.com/airtablemcp/server-go/tools"
)

// ErrSessionClosed reports a dispatch that lost the race with session
// teardown. The transport layer answers as if the session never existed.
var ErrSessionClosed = errors.New("engine: session closed")

// Engine is the protocol dispatcher. It owns the handshake, the per-session
// method table, and the session registry, and is transport-agnostic: the
// HTTP layer hands it decoded JSON-RPC messages and writes back whatever it
// returns.
type Engine struct {
	sessions *sessions.Registry
	tools    *tools.Registry
	log      *slog.Logger

	serverInfo   mcp.ImplementationInfo
	instructions string
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used for dispatch events.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithServerInfo sets the server identity answered from initialize.
func WithServerInfo(info mcp.ImplementationInfo) Option {
	return func(e *Engine) { e.serverInfo = info }
}

// WithInstructions sets the usage hint answered from initialize.
func WithInstructions(s string) Option {
	return func(e *Engine) { e.instructions = s }
}

// NewEngine builds a dispatcher over the given session and tool registries.
func NewEngine(sessReg *sessions.Registry, toolReg *tools.Registry, opts ...Option) *Engine {
	e := &Engine{
		sessions:   sessReg,
		tools:      toolReg,
		log:        slog.Default(),
		serverInfo: mcp.ImplementationInfo{Name: "airtable-mcp", Version: "dev"},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Sessions returns the registry the engine dispatches against.
func (e *Engine) Sessions() *sessions.Registry { return e.sessions }

// Initialize runs the handshake for an authenticated user: it validates the
// request params, negotiates the protocol version, and mints and registers a
// transport. The returned response answers the initialize request; a nil
// transport with a non-nil response means the params were rejected.
func (e *Engine) Initialize(ctx context.Context, userID string, req *jsonrpc.Request) (*sessions.Transport, *jsonrpc.Response, error) {
	var initReq mcp.InitializeRequest
	if err := json.Unmarshal(req.Params, &initReq); err != nil {
		e.log.InfoContext(ctx, "session.initialize.params.fail", slog.String("err", err.Error()))
		return nil, jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid initialize params"), nil
	}

	// The server answers the client's version when it can speak it and its
	// own latest otherwise.
	version := initReq.ProtocolVersion
	if !mcp.IsSupportedProtocolVersion(version) {
		version = mcp.LatestProtocolVersion
	}

	t := sessions.NewTransport(userID)
	if err := t.Initialize(version, initReq.ClientInfo); err != nil {
		return nil, nil, fmt.Errorf("initialize transport: %w", err)
	}
	if err := e.sessions.Put(t); err != nil {
		t.Close()
		return nil, nil, fmt.Errorf("register session: %w", err)
	}

	ctx = logctx.WithSession(ctx, &logctx.Session{ID: t.ID(), UserID: userID, State: t.State().String()})
	e.log.InfoContext(ctx, "session.create",
		slog.String("protocol_version", version),
		slog.String("client_name", initReq.ClientInfo.Name),
		slog.String("client_version", initReq.ClientInfo.Version),
	)

	res, err := jsonrpc.NewResponse(req.ID, &mcp.InitializeResult{
		ProtocolVersion: version,
		Capabilities: mcp.ServerCapabilities{
			Tools: &mcp.ToolsCapability{},
		},
		ServerInfo:   e.serverInfo,
		Instructions: e.instructions,
	})
	if err != nil {
		e.sessions.Remove(t.ID())
		t.Close()
		return nil, nil, fmt.Errorf("encode initialize result: %w", err)
	}
	return t, res, nil
}

// Dispatch runs one decoded message against a live session. Messages within
// a session are handled one at a time; the returned response is nil for
// notifications and client responses.
func (e *Engine) Dispatch(ctx context.Context, t *sessions.Transport, msg *jsonrpc.Message) (*jsonrpc.Response, error) {
	ctx = logctx.WithSession(ctx, &logctx.Session{ID: t.ID(), UserID: t.UserID(), State: t.State().String()})

	var res *jsonrpc.Response
	var err error
	t.Serialize(func() {
		res, err = e.dispatch(ctx, t, msg)
	})
	return res, err
}

func (e *Engine) dispatch(ctx context.Context, t *sessions.Transport, msg *jsonrpc.Message) (*jsonrpc.Response, error) {
	if t.State() == sessions.StateClosed {
		return nil, ErrSessionClosed
	}
	t.Touch()

	switch msg.Kind() {
	case jsonrpc.KindNotification:
		e.handleNotification(ctx, msg.AsRequest())
		return nil, nil
	case jsonrpc.KindRequest:
		return e.handleRequest(ctx, msg.AsRequest()), nil
	case jsonrpc.KindResponse:
		// This server never initiates requests, so there is nothing for a
		// client response to correlate with.
		e.log.WarnContext(ctx, "rpc.inbound.orphan_response")
		return nil, nil
	default:
		return jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeInvalidRequest, "invalid message"), nil
	}
}

func (e *Engine) handleNotification(ctx context.Context, req *jsonrpc.Request) {
	switch mcp.Method(req.Method) {
	case mcp.InitializedNotificationMethod:
		e.log.InfoContext(ctx, "session.ready")
	default:
		e.log.DebugContext(ctx, "rpc.notification.ignored", slog.String("method", req.Method))
	}
}

func (e *Engine) handleRequest(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	switch mcp.Method(req.Method) {
	case mcp.InitializeMethod:
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "session already initialized")

	case mcp.PingMethod:
		return e.result(ctx, req.ID, mcp.EmptyResult{})

	case mcp.ToolsListMethod:
		var listReq mcp.ListToolsRequest
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &listReq); err != nil {
				return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid tools/list params")
			}
		}
		page, next := e.tools.ListPage(listReq.Cursor)
		return e.result(ctx, req.ID, &mcp.ListToolsResult{Tools: page, NextCursor: next})

	case mcp.ToolsCallMethod:
		var callReq mcp.CallToolRequest
		if err := json.Unmarshal(req.Params, &callReq); err != nil || callReq.Name == "" {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid tools/call params")
		}
		ctx = logctx.WithTool(ctx, &logctx.Tool{Name: callReq.Name})
		result := e.tools.Invoke(ctx, callReq.Name, callReq.Arguments)
		return e.result(ctx, req.ID, result)

	default:
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method))
	}
}

func (e *Engine) result(ctx context.Context, id *jsonrpc.ID, v any) *jsonrpc.Response {
	res, err := jsonrpc.NewResponse(id, v)
	if err != nil {
		e.log.ErrorContext(ctx, "rpc.result.marshal.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInternalError, "internal error")
	}
	return res
}

// CloseSession tears down the identified session, reporting whether it
// existed. In-flight work on the session finishes against a closed
// transport and is discarded.
func (e *Engine) CloseSession(ctx context.Context, id string) bool {
	t, ok := e.sessions.Remove(id)
	if !ok {
		return false
	}
	t.Close()
	ctx = logctx.WithSession(ctx, &logctx.Session{ID: t.ID(), UserID: t.UserID(), State: t.State().String()})
	e.log.InfoContext(ctx, "session.delete")
	return true
}
