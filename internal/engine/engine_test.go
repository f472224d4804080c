package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/airtablemcp/server-go/internal/engine"
	"github.com/airtablemcp/server-go/internal/jsonrpc"
	"github.com/airtablemcp/server-go/mcp"
	"github.com/airtablemcp/server-go/sessions"
	"github.com/airtablemcp/server-go/tools"
)

type echoArgs struct {
	Message string `json:"message"`
}

func mustEngine(t *testing.T) (*engine.Engine, *sessions.Registry) {
	t.Helper()
	toolReg, err := tools.NewRegistry([]tools.Tool{
		tools.New("echo", func(ctx context.Context, args echoArgs) (*mcp.CallToolResult, error) {
			return tools.TextResult(args.Message), nil
		}),
	})
	if err != nil {
		t.Fatalf("new tool registry: %v", err)
	}
	sessReg := sessions.NewRegistry()
	return engine.NewEngine(sessReg, toolReg, engine.WithServerInfo(mcp.ImplementationInfo{Name: "test-server", Version: "0.0.1"})), sessReg
}

func mustMessage(t *testing.T, raw string) *jsonrpc.Message {
	t.Helper()
	msg, err := jsonrpc.DecodeMessage([]byte(raw))
	if err != nil {
		t.Fatalf("decode message: %v", err)
	}
	return msg
}

func mustInitialize(t *testing.T, e *engine.Engine, userID string) *sessions.Transport {
	t.Helper()
	msg := mustMessage(t, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"tester","version":"1.0.0"}}}`)
	tr, res, err := e.Initialize(context.Background(), userID, msg.AsRequest())
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if res.Error != nil {
		t.Fatalf("initialize answered error: %+v", res.Error)
	}
	return tr
}

func TestInitializeMintsAndRegistersSession(t *testing.T) {
	e, reg := mustEngine(t)

	tr := mustInitialize(t, e, "user-1")
	if tr.ID() == "" {
		t.Fatal("transport has no session id")
	}
	if want, got := sessions.StateInitialized, tr.State(); want != got {
		t.Fatalf("transport state: want %v got %v", want, got)
	}
	if want, got := "user-1", tr.UserID(); want != got {
		t.Fatalf("transport user: want %q got %q", want, got)
	}
	if got, ok := reg.Get(tr.ID()); !ok || got != tr {
		t.Fatal("transport not registered under its id")
	}
	if want, got := "tester", tr.ClientInfo().Name; want != got {
		t.Fatalf("client info: want %q got %q", want, got)
	}
}

func TestInitializeAnswersNegotiatedVersion(t *testing.T) {
	cases := []struct {
		name      string
		requested string
		want      string
	}{
		{"supported version echoed", "2025-03-26", "2025-03-26"},
		{"unsupported version answered with latest", "1999-01-01", mcp.LatestProtocolVersion},
		{"empty version answered with latest", "", mcp.LatestProtocolVersion},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e, _ := mustEngine(t)
			raw := `{"jsonrpc":"2.0","id":7,"method":"initialize","params":{"protocolVersion":"` + tc.requested + `","capabilities":{},"clientInfo":{"name":"tester","version":"1.0.0"}}}`
			msg := mustMessage(t, raw)
			tr, res, err := e.Initialize(context.Background(), "u", msg.AsRequest())
			if err != nil {
				t.Fatalf("initialize: %v", err)
			}
			var result mcp.InitializeResult
			if err := json.Unmarshal(res.Result, &result); err != nil {
				t.Fatalf("decode result: %v", err)
			}
			if tc.want != result.ProtocolVersion {
				t.Fatalf("negotiated version: want %q got %q", tc.want, result.ProtocolVersion)
			}
			if tc.want != tr.ProtocolVersion() {
				t.Fatalf("transport version: want %q got %q", tc.want, tr.ProtocolVersion())
			}
			if result.Capabilities.Tools == nil {
				t.Fatal("tools capability not advertised")
			}
			if want, got := "test-server", result.ServerInfo.Name; want != got {
				t.Fatalf("server info: want %q got %q", want, got)
			}
		})
	}
}

func TestInitializeRejectsBadParams(t *testing.T) {
	e, reg := mustEngine(t)
	msg := mustMessage(t, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":"not an object"}`)
	tr, res, err := e.Initialize(context.Background(), "u", msg.AsRequest())
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if tr != nil {
		t.Fatal("transport minted despite bad params")
	}
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeInvalidParams {
		t.Fatalf("want invalid params error, got %+v", res.Error)
	}
	if want, got := 0, reg.Len(); want != got {
		t.Fatalf("registry len: want %d got %d", want, got)
	}
}

func TestRepeatedInitializeMintsDistinctSessions(t *testing.T) {
	e, reg := mustEngine(t)
	a := mustInitialize(t, e, "u")
	b := mustInitialize(t, e, "u")
	if a.ID() == b.ID() {
		t.Fatalf("both handshakes minted session %q", a.ID())
	}
	if want, got := 2, reg.Len(); want != got {
		t.Fatalf("registry len: want %d got %d", want, got)
	}
}

func TestDispatchMethodTable(t *testing.T) {
	e, _ := mustEngine(t)
	tr := mustInitialize(t, e, "u")
	ctx := context.Background()

	t.Run("initialize on live session", func(t *testing.T) {
		msg := mustMessage(t, `{"jsonrpc":"2.0","id":2,"method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"x","version":"1"}}}`)
		res, err := e.Dispatch(ctx, tr, msg)
		if err != nil {
			t.Fatalf("dispatch: %v", err)
		}
		if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
			t.Fatalf("want invalid request error, got %+v", res.Error)
		}
	})

	t.Run("ping", func(t *testing.T) {
		res, err := e.Dispatch(ctx, tr, mustMessage(t, `{"jsonrpc":"2.0","id":3,"method":"ping"}`))
		if err != nil {
			t.Fatalf("dispatch: %v", err)
		}
		if res.Error != nil {
			t.Fatalf("ping answered error: %+v", res.Error)
		}
		if want, got := "{}", strings.TrimSpace(string(res.Result)); want != got {
			t.Fatalf("ping result: want %q got %q", want, got)
		}
	})

	t.Run("tools list", func(t *testing.T) {
		res, err := e.Dispatch(ctx, tr, mustMessage(t, `{"jsonrpc":"2.0","id":4,"method":"tools/list"}`))
		if err != nil {
			t.Fatalf("dispatch: %v", err)
		}
		var result mcp.ListToolsResult
		if err := json.Unmarshal(res.Result, &result); err != nil {
			t.Fatalf("decode result: %v", err)
		}
		if len(result.Tools) != 1 || result.Tools[0].Name != "echo" {
			t.Fatalf("unexpected catalogue: %+v", result.Tools)
		}
	})

	t.Run("tools call", func(t *testing.T) {
		res, err := e.Dispatch(ctx, tr, mustMessage(t, `{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"echo","arguments":{"message":"hi"}}}`))
		if err != nil {
			t.Fatalf("dispatch: %v", err)
		}
		var result mcp.CallToolResult
		if err := json.Unmarshal(res.Result, &result); err != nil {
			t.Fatalf("decode result: %v", err)
		}
		if result.IsError {
			t.Fatalf("unexpected tool failure: %+v", result.Content)
		}
		if want, got := "hi", result.Content[0].Text; want != got {
			t.Fatalf("tool result: want %q got %q", want, got)
		}
	})

	t.Run("tools call unknown tool is a payload failure", func(t *testing.T) {
		res, err := e.Dispatch(ctx, tr, mustMessage(t, `{"jsonrpc":"2.0","id":6,"method":"tools/call","params":{"name":"nope","arguments":{}}}`))
		if err != nil {
			t.Fatalf("dispatch: %v", err)
		}
		if res.Error != nil {
			t.Fatalf("unknown tool escalated to envelope error: %+v", res.Error)
		}
		var result mcp.CallToolResult
		if err := json.Unmarshal(res.Result, &result); err != nil {
			t.Fatalf("decode result: %v", err)
		}
		if !result.IsError {
			t.Fatal("unknown tool did not set isError")
		}
	})

	t.Run("tools call without name", func(t *testing.T) {
		res, err := e.Dispatch(ctx, tr, mustMessage(t, `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"arguments":{}}}`))
		if err != nil {
			t.Fatalf("dispatch: %v", err)
		}
		if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeInvalidParams {
			t.Fatalf("want invalid params error, got %+v", res.Error)
		}
	})

	t.Run("unknown method", func(t *testing.T) {
		res, err := e.Dispatch(ctx, tr, mustMessage(t, `{"jsonrpc":"2.0","id":8,"method":"resources/list"}`))
		if err != nil {
			t.Fatalf("dispatch: %v", err)
		}
		if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeMethodNotFound {
			t.Fatalf("want method not found error, got %+v", res.Error)
		}
	})

	t.Run("response ids echo the request", func(t *testing.T) {
		res, err := e.Dispatch(ctx, tr, mustMessage(t, `{"jsonrpc":"2.0","id":"str-id","method":"ping"}`))
		if err != nil {
			t.Fatalf("dispatch: %v", err)
		}
		b, err := json.Marshal(res.ID)
		if err != nil {
			t.Fatalf("marshal id: %v", err)
		}
		if want, got := `"str-id"`, string(b); want != got {
			t.Fatalf("response id: want %s got %s", want, got)
		}
	})
}

func TestDispatchNotifications(t *testing.T) {
	e, _ := mustEngine(t)
	tr := mustInitialize(t, e, "u")

	for _, raw := range []string{
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","method":"notifications/whatever"}`,
	} {
		res, err := e.Dispatch(context.Background(), tr, mustMessage(t, raw))
		if err != nil {
			t.Fatalf("dispatch %s: %v", raw, err)
		}
		if res != nil {
			t.Fatalf("notification got a response: %+v", res)
		}
	}
}

func TestDispatchIgnoresOrphanResponses(t *testing.T) {
	e, _ := mustEngine(t)
	tr := mustInitialize(t, e, "u")

	res, err := e.Dispatch(context.Background(), tr, mustMessage(t, `{"jsonrpc":"2.0","id":9,"result":{}}`))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res != nil {
		t.Fatalf("client response got a reply: %+v", res)
	}
}

func TestDispatchOnClosedSession(t *testing.T) {
	e, _ := mustEngine(t)
	tr := mustInitialize(t, e, "u")
	tr.Close()

	_, err := e.Dispatch(context.Background(), tr, mustMessage(t, `{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	if !errors.Is(err, engine.ErrSessionClosed) {
		t.Fatalf("dispatch on closed session: want ErrSessionClosed got %v", err)
	}
}

func TestCloseSession(t *testing.T) {
	e, reg := mustEngine(t)
	tr := mustInitialize(t, e, "u")

	if !e.CloseSession(context.Background(), tr.ID()) {
		t.Fatal("close reported session missing")
	}
	if want, got := sessions.StateClosed, tr.State(); want != got {
		t.Fatalf("transport state: want %v got %v", want, got)
	}
	if want, got := 0, reg.Len(); want != got {
		t.Fatalf("registry len: want %d got %d", want, got)
	}
	if e.CloseSession(context.Background(), tr.ID()) {
		t.Fatal("second close found a session")
	}
}
