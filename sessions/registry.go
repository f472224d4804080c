package sessions

import (
	"errors"
	"sync"
	"time"
)

// ErrDuplicateSession is returned by Put when the session id is already
// registered. Session ids are minted once; hitting this is a programming
// error and callers should fail the request loudly.
var ErrDuplicateSession = errors.New("sessions: duplicate session id")

// Registry is the authoritative map of live sessions.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]*Transport
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*Transport)}
}

// Get returns the live transport for id, if any.
func (r *Registry) Get(id string) (*Transport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byID[id]
	return t, ok
}

// Put registers t under its session id.
func (r *Registry) Put(t *Transport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[t.ID()]; exists {
		return ErrDuplicateSession
	}
	r.byID[t.ID()] = t
	return nil
}

// Remove deregisters and returns the transport for id. The caller owns
// closing it.
func (r *Registry) Remove(id string) (*Transport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
	}
	return t, ok
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Drain removes every session and closes its transport, returning how many
// were closed. Called at shutdown.
func (r *Registry) Drain() int {
	r.mu.Lock()
	drained := make([]*Transport, 0, len(r.byID))
	for id, t := range r.byID {
		drained = append(drained, t)
		delete(r.byID, id)
	}
	r.mu.Unlock()

	for _, t := range drained {
		t.Close()
	}
	return len(drained)
}

// ReapIdle removes and closes every transport whose last activity is older
// than maxIdle, returning the reaped transports. Transports with an attached
// event stream are in use and never reaped, however quiet.
func (r *Registry) ReapIdle(maxIdle time.Duration) []*Transport {
	cutoff := time.Now().Add(-maxIdle)

	r.mu.Lock()
	var reaped []*Transport
	for id, t := range r.byID {
		if t.Subscribers() == 0 && t.LastActive().Before(cutoff) {
			reaped = append(reaped, t)
			delete(r.byID, id)
		}
	}
	r.mu.Unlock()

	for _, t := range reaped {
		t.Close()
	}
	return reaped
}
