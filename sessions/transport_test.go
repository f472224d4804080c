package sessions_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/airtablemcp/server-go/mcp"
	"github.com/airtablemcp/server-go/sessions"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestTransportLifecycle(t *testing.T) {
	tr := sessions.NewTransport("user-1")
	if tr.ID() == "" {
		t.Fatal("transport has no session id")
	}
	if want, got := "user-1", tr.UserID(); want != got {
		t.Fatalf("user id: want %q got %q", want, got)
	}
	if want, got := sessions.StateUninitialized, tr.State(); want != got {
		t.Fatalf("fresh state: want %v got %v", want, got)
	}

	info := mcp.ImplementationInfo{Name: "test-client", Version: "0.0.1"}
	if err := tr.Initialize("2025-06-18", info); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if want, got := sessions.StateInitialized, tr.State(); want != got {
		t.Fatalf("state after initialize: want %v got %v", want, got)
	}
	if want, got := "2025-06-18", tr.ProtocolVersion(); want != got {
		t.Fatalf("protocol version: want %q got %q", want, got)
	}
	if want, got := "test-client", tr.ClientInfo().Name; want != got {
		t.Fatalf("client info: want %q got %q", want, got)
	}

	if err := tr.Initialize("2025-06-18", info); !errors.Is(err, sessions.ErrAlreadyInitialized) {
		t.Fatalf("second initialize: want ErrAlreadyInitialized got %v", err)
	}

	tr.Close()
	tr.Close()
	if want, got := sessions.StateClosed, tr.State(); want != got {
		t.Fatalf("state after close: want %v got %v", want, got)
	}
	select {
	case <-tr.Done():
	default:
		t.Fatal("Done not closed after Close")
	}
	if err := tr.Initialize("2025-06-18", info); !errors.Is(err, sessions.ErrTransportClosed) {
		t.Fatalf("initialize after close: want ErrTransportClosed got %v", err)
	}
}

func TestTransportIDsAreUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := sessions.NewTransport("u").ID()
		if seen[id] {
			t.Fatalf("session id %q minted twice", id)
		}
		seen[id] = true
	}
}

func TestPublishAssignsSequentialIDs(t *testing.T) {
	tr := sessions.NewTransport("u")
	for i, want := range []string{"1", "2", "3"} {
		got, err := tr.Publish([]byte("payload"))
		if err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
		if want != got {
			t.Fatalf("event id %d: want %q got %q", i, want, got)
		}
	}

	tr.Close()
	if _, err := tr.Publish([]byte("late")); !errors.Is(err, sessions.ErrTransportClosed) {
		t.Fatalf("publish after close: want ErrTransportClosed got %v", err)
	}
}

func TestSubscribeFollowsLiveEvents(t *testing.T) {
	tr := sessions.NewTransport("u")
	defer tr.Close()

	got := make(chan string, 8)
	errCh := make(chan error, 1)
	go func() {
		errCh <- tr.Subscribe(context.Background(), "", func(ctx context.Context, id string, data []byte) error {
			got <- id + ":" + string(data)
			return nil
		})
	}()

	waitFor(t, "subscriber attach", func() bool { return tr.Subscribers() == 1 })

	for _, payload := range []string{"alpha", "beta"} {
		if _, err := tr.Publish([]byte(payload)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	for _, want := range []string{"1:alpha", "2:beta"} {
		select {
		case ev := <-got:
			if want != ev {
				t.Fatalf("event: want %q got %q", want, ev)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %q", want)
		}
	}

	tr.Close()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("subscribe after close: want nil got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not end on close")
	}
	waitFor(t, "subscriber detach", func() bool { return tr.Subscribers() == 0 })
}

func TestSubscribeReplaysAfterLastEventID(t *testing.T) {
	tr := sessions.NewTransport("u")
	defer tr.Close()

	for _, payload := range []string{"one", "two", "three", "four"} {
		if _, err := tr.Publish([]byte(payload)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var seen []string
	errCh := make(chan error, 1)
	go func() {
		errCh <- tr.Subscribe(ctx, "2", func(ctx context.Context, id string, data []byte) error {
			seen = append(seen, id)
			if id == "4" {
				cancel()
			}
			return nil
		})
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("subscribe: want context.Canceled got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not finish replay")
	}
	if len(seen) != 2 || seen[0] != "3" || seen[1] != "4" {
		t.Fatalf("replayed ids: want [3 4] got %v", seen)
	}
}

func TestSubscribeFromZeroReplaysEverything(t *testing.T) {
	tr := sessions.NewTransport("u")
	defer tr.Close()

	if _, err := tr.Publish([]byte("only")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var seen []string
	errCh := make(chan error, 1)
	go func() {
		errCh <- tr.Subscribe(ctx, "0", func(ctx context.Context, id string, data []byte) error {
			seen = append(seen, string(data))
			cancel()
			return nil
		})
	}()

	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not finish replay")
	}
	if len(seen) != 1 || seen[0] != "only" {
		t.Fatalf("replayed payloads: want [only] got %v", seen)
	}
}

func TestSubscribeUnknownEventID(t *testing.T) {
	tr := sessions.NewTransport("u")
	defer tr.Close()

	if _, err := tr.Publish([]byte("x")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for _, bad := range []string{"99", "not-a-number"} {
		err := tr.Subscribe(context.Background(), bad, func(ctx context.Context, id string, data []byte) error {
			t.Fatalf("handler ran for resume position %q", bad)
			return nil
		})
		if !errors.Is(err, sessions.ErrUnknownEventID) {
			t.Fatalf("resume from %q: want ErrUnknownEventID got %v", bad, err)
		}
	}
}

func TestOutboxEviction(t *testing.T) {
	tr := sessions.NewTransport("u", sessions.WithOutboxCapacity(2))
	defer tr.Close()

	for i := 0; i < 5; i++ {
		if _, err := tr.Publish([]byte{byte('a' + i)}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	// Events 1..3 fell out of the window; resuming from 1 cannot be gapless.
	err := tr.Subscribe(context.Background(), "1", func(ctx context.Context, id string, data []byte) error {
		return nil
	})
	if !errors.Is(err, sessions.ErrUnknownEventID) {
		t.Fatalf("resume before window: want ErrUnknownEventID got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var seen []string
	errCh := make(chan error, 1)
	go func() {
		errCh <- tr.Subscribe(ctx, "3", func(ctx context.Context, id string, data []byte) error {
			seen = append(seen, id)
			if id == "5" {
				cancel()
			}
			return nil
		})
	}()
	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not finish replay")
	}
	if len(seen) != 2 || seen[0] != "4" || seen[1] != "5" {
		t.Fatalf("replayed ids: want [4 5] got %v", seen)
	}
}

func TestCanReplayFromTracksWindow(t *testing.T) {
	tr := sessions.NewTransport("u", sessions.WithOutboxCapacity(2))
	defer tr.Close()

	if tr.CanReplayFrom("1") {
		t.Fatal("empty outbox should not accept a resume position")
	}
	for i := 0; i < 5; i++ {
		if _, err := tr.Publish([]byte("x")); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	for _, id := range []string{"3", "4", "5"} {
		if !tr.CanReplayFrom(id) {
			t.Errorf("CanReplayFrom(%q) = false, want true", id)
		}
	}
	for _, id := range []string{"1", "2", "6", "0", "nope", ""} {
		if tr.CanReplayFrom(id) {
			t.Errorf("CanReplayFrom(%q) = true, want false", id)
		}
	}
}

func TestSubscribeHandlerErrorPropagates(t *testing.T) {
	tr := sessions.NewTransport("u")
	defer tr.Close()

	if _, err := tr.Publish([]byte("x")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	boom := errors.New("write failed")
	err := tr.Subscribe(context.Background(), "0", func(ctx context.Context, id string, data []byte) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("subscribe: want handler error got %v", err)
	}
}

func TestSubscribeOnClosedTransport(t *testing.T) {
	tr := sessions.NewTransport("u")
	tr.Close()
	err := tr.Subscribe(context.Background(), "", func(ctx context.Context, id string, data []byte) error {
		return nil
	})
	if !errors.Is(err, sessions.ErrTransportClosed) {
		t.Fatalf("subscribe on closed: want ErrTransportClosed got %v", err)
	}
}

func TestSerializeOrdersDispatch(t *testing.T) {
	tr := sessions.NewTransport("u")
	defer tr.Close()

	const n = 32
	count := 0
	done := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		go func() {
			tr.Serialize(func() {
				v := count
				time.Sleep(time.Millisecond)
				count = v + 1
			})
			done <- struct{}{}
		}()
	}
	for i := 0; i < n; i++ {
		<-done
	}
	if count != n {
		t.Fatalf("serialized sections interleaved: want %d got %d", n, count)
	}
}
