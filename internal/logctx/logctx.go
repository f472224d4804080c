// Package logctx decorates slog records with request, session, message and
// tool identifiers carried on the context, so every log line emitted under
// one HTTP request correlates without threading loggers through call sites.
package logctx

import (
	"context"
	"log/slog"
)

// Handler wraps another slog.Handler and appends grouped attributes for
// whatever identifiers the context carries.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestKey{}).(*Request); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.ID),
			slog.String("method", rd.Method),
			slog.String("path", rd.Path),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("user_agent", rd.UserAgent),
		))
	}

	if sd, ok := ctx.Value(sessionKey{}).(*Session); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("id", sd.ID),
			slog.String("user_id", sd.UserID),
			slog.String("state", sd.State),
		))
	}

	if md, ok := ctx.Value(messageKey{}).(*RPC); ok {
		r.AddAttrs(slog.Group("rpc",
			slog.String("method", md.Method),
			slog.String("id", md.ID),
			slog.String("kind", md.Kind),
		))
	}

	if td, ok := ctx.Value(toolKey{}).(*Tool); ok {
		r.AddAttrs(slog.Group("tool",
			slog.String("name", td.Name),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type requestKey struct{}

// Request carries per-HTTP-request identifiers.
type Request struct {
	ID         string
	Method     string
	Path       string
	RemoteAddr string
	UserAgent  string
}

func WithRequest(ctx context.Context, rd *Request) context.Context {
	return context.WithValue(ctx, requestKey{}, rd)
}

type sessionKey struct{}

// Session carries per-protocol-session identifiers.
type Session struct {
	ID     string
	UserID string
	State  string
}

func WithSession(ctx context.Context, sd *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, sd)
}

type messageKey struct{}

// RPC carries per-JSON-RPC-message identifiers.
type RPC struct {
	Method string
	ID     string
	Kind   string
}

func WithRPC(ctx context.Context, md *RPC) context.Context {
	return context.WithValue(ctx, messageKey{}, md)
}

type toolKey struct{}

// Tool carries the tool name during a tools/call dispatch.
type Tool struct {
	Name string
}

func WithTool(ctx context.Context, td *Tool) context.Context {
	return context.WithValue(ctx, toolKey{}, td)
}
