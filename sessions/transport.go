package sessions

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/airtablemcp/server-go/mcp"
)

var (
	// ErrTransportClosed is returned by operations on a transport whose
	// session has ended. Writes into a closed transport are discarded.
	ErrTransportClosed = errors.New("sessions: transport closed")

	// ErrAlreadyInitialized is returned by Initialize on a transport that
	// has already completed its handshake.
	ErrAlreadyInitialized = errors.New("sessions: transport already initialized")

	// ErrUnknownEventID is returned by Subscribe when the requested resume
	// position is not a live event id and not within the retained window.
	ErrUnknownEventID = errors.New("sessions: unknown event id")
)

// State is the lifecycle position of a Transport.
type State int

const (
	StateUninitialized State = iota
	StateInitialized
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MessageHandlerFunc receives one pushed event. Returning an error stops
// the subscription and surfaces the error to the subscriber.
type MessageHandlerFunc func(ctx context.Context, eventID string, data []byte) error

const defaultOutboxCapacity = 256

// TransportOption customizes a new Transport.
type TransportOption func(*Transport)

// WithOutboxCapacity bounds the number of push events retained for
// Last-Event-ID replay. Older events fall out of the window.
func WithOutboxCapacity(n int) TransportOption {
	return func(t *Transport) {
		if n > 0 {
			t.capacity = n
		}
	}
}

// Transport is one live protocol session. It is created by the initialize
// handshake, registered under its session id, and closed exactly once.
type Transport struct {
	id        string
	userID    string
	createdAt time.Time

	mu              sync.RWMutex
	state           State
	protocolVersion string
	clientInfo      mcp.ImplementationInfo
	lastActive      time.Time

	// dispatchMu serializes message handling within this session so
	// interleaved requests cannot race its state transitions.
	dispatchMu sync.Mutex

	outMu    sync.Mutex
	events   []event
	firstSeq uint64
	nextSeq  uint64
	capacity int
	subs     map[*subscriber]struct{}

	done chan struct{}
}

type event struct {
	id   string
	data []byte
}

type subscriber struct {
	wake chan struct{}
}

// NewTransport mints a transport with a fresh random session identifier,
// owned by the given authenticated user. It starts uninitialized.
func NewTransport(userID string, opts ...TransportOption) *Transport {
	now := time.Now()
	t := &Transport{
		id:         uuid.NewString(),
		userID:     userID,
		createdAt:  now,
		lastActive: now,
		capacity:   defaultOutboxCapacity,
		firstSeq:   1,
		nextSeq:    1,
		subs:       make(map[*subscriber]struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ID returns the session identifier. It never changes.
func (t *Transport) ID() string { return t.id }

// UserID returns the authenticated user the session is bound to.
func (t *Transport) UserID() string { return t.userID }

// CreatedAt returns when the transport was minted.
func (t *Transport) CreatedAt() time.Time { return t.createdAt }

// State returns the current lifecycle position.
func (t *Transport) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// ProtocolVersion returns the version negotiated at initialize, or "" before.
func (t *Transport) ProtocolVersion() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.protocolVersion
}

// ClientInfo returns the client identity presented at initialize.
func (t *Transport) ClientInfo() mcp.ImplementationInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.clientInfo
}

// Initialize completes the handshake, recording the negotiated protocol
// version and the client's identity.
func (t *Transport) Initialize(protocolVersion string, clientInfo mcp.ImplementationInfo) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case StateClosed:
		return ErrTransportClosed
	case StateInitialized:
		return ErrAlreadyInitialized
	}
	t.state = StateInitialized
	t.protocolVersion = protocolVersion
	t.clientInfo = clientInfo
	t.lastActive = time.Now()
	return nil
}

// Touch records session activity for idle accounting.
func (t *Transport) Touch() {
	t.mu.Lock()
	if t.state != StateClosed {
		t.lastActive = time.Now()
	}
	t.mu.Unlock()
}

// LastActive returns the time of the most recent activity.
func (t *Transport) LastActive() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastActive
}

// Done is closed when the transport closes. Long-lived consumers select on
// it to learn the session ended.
func (t *Transport) Done() <-chan struct{} { return t.done }

// Close ends the session. It is idempotent; subscribers return and later
// writes fail with ErrTransportClosed.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.state == StateClosed {
		t.mu.Unlock()
		return
	}
	t.state = StateClosed
	t.mu.Unlock()
	close(t.done)
}

// Serialize runs fn while holding the transport's dispatch lock. Message
// handling within one session is strictly ordered; sessions never contend
// with each other.
func (t *Transport) Serialize(fn func()) {
	t.dispatchMu.Lock()
	defer t.dispatchMu.Unlock()
	fn()
}

// Publish appends one push event to the outbox, assigns it the next event
// id, and wakes subscribers. The payload is copied.
func (t *Transport) Publish(data []byte) (string, error) {
	if t.State() == StateClosed {
		return "", ErrTransportClosed
	}

	t.outMu.Lock()
	seq := t.nextSeq
	t.nextSeq++
	ev := event{id: strconv.FormatUint(seq, 10), data: append([]byte(nil), data...)}
	t.events = append(t.events, ev)
	if drop := len(t.events) - t.capacity; drop > 0 {
		t.events = append([]event(nil), t.events[drop:]...)
		t.firstSeq += uint64(drop)
	}
	subs := make([]*subscriber, 0, len(t.subs))
	for sub := range t.subs {
		subs = append(subs, sub)
	}
	t.outMu.Unlock()

	for _, sub := range subs {
		select {
		case sub.wake <- struct{}{}:
		default:
		}
	}
	return ev.id, nil
}

// Subscribers reports how many event streams are attached.
func (t *Transport) Subscribers() int {
	t.outMu.Lock()
	defer t.outMu.Unlock()
	return len(t.subs)
}

// CanReplayFrom reports whether lastEventID is a resume position the
// retained window can still serve without a gap. It lets callers reject a
// bad resume request before committing to a streaming response.
func (t *Transport) CanReplayFrom(lastEventID string) bool {
	seq, err := strconv.ParseUint(lastEventID, 10, 64)
	if err != nil {
		return false
	}
	t.outMu.Lock()
	defer t.outMu.Unlock()
	return seq < t.nextSeq && seq+1 >= t.firstSeq
}

// Subscribe delivers push events to fn, in order, until ctx is canceled or
// the transport closes. An empty lastEventID follows from now; "0" replays
// the full retained window; any other value resumes just after that event.
// A position outside the retained window fails with ErrUnknownEventID.
// Subscribe returns nil when the transport closes.
func (t *Transport) Subscribe(ctx context.Context, lastEventID string, fn MessageHandlerFunc) error {
	if t.State() == StateClosed {
		return ErrTransportClosed
	}

	t.outMu.Lock()
	var next uint64
	if lastEventID == "" {
		next = t.nextSeq
	} else {
		seq, err := strconv.ParseUint(lastEventID, 10, 64)
		if err != nil || seq >= t.nextSeq || seq+1 < t.firstSeq {
			t.outMu.Unlock()
			return fmt.Errorf("%w: %q", ErrUnknownEventID, lastEventID)
		}
		next = seq + 1
	}
	sub := &subscriber{wake: make(chan struct{}, 1)}
	t.subs[sub] = struct{}{}
	t.outMu.Unlock()

	defer func() {
		t.outMu.Lock()
		delete(t.subs, sub)
		t.outMu.Unlock()
	}()

	for {
		for {
			t.outMu.Lock()
			if next < t.firstSeq {
				// Fell out of the retention window; skip forward.
				next = t.firstSeq
			}
			if next >= t.nextSeq {
				t.outMu.Unlock()
				break
			}
			ev := t.events[next-t.firstSeq]
			t.outMu.Unlock()

			if err := fn(ctx, ev.id, ev.data); err != nil {
				return err
			}
			next++
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.done:
			return nil
		case <-sub.wake:
		}
	}
}
