// Package session owns the set of live editor sessions. Structural changes
// and snapshots go through the registry's exclusive lock; field mutation and
// sends take only the affected session's lock.
package session

import (
	"fmt"
	"log"
	"math/rand/v2"
	"net"
	"sync"

	"github.com/google/uuid"
)

// palette is the fixed set of display colors. Assignment is uniform random
// with replacement; two sessions may share a color.
var palette = []string{
	"#FF6B6B", "#4ECDC4", "#45B7D1", "#FFA07A", "#98D8C8",
	"#F7DC6F", "#BB8FCE", "#85C1E2", "#FF69B4", "#20B2AA",
}

type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// Register creates a session for conn with a random palette color and a
// placeholder username, and inserts it under the registry lock. The returned
// session is usable without further registry involvement.
func (r *Registry) Register(conn net.Conn) *Session {
	s := &Session{
		handle:   uuid.NewString(),
		conn:     conn,
		color:    palette[rand.IntN(len(palette))],
		username: fmt.Sprintf("User%d", rand.IntN(10000)),
		active:   true,
	}

	r.mu.Lock()
	r.sessions[s.handle] = s
	r.mu.Unlock()

	log.Printf("session registered: %s (%s)", s.Username(), s.handle)
	return s
}

// Unregister removes the session and closes its connection. Removing an
// unknown handle is a no-op so duplicate teardown triggers are harmless.
func (r *Registry) Unregister(handle string) {
	r.mu.Lock()
	s, ok := r.sessions[handle]
	if ok {
		delete(r.sessions, handle)
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	s.deactivate()
	s.conn.Close()
	log.Printf("session removed: %s (%s)", s.Username(), handle)
}

// Get returns the live session for handle, if any.
func (r *Registry) Get(handle string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[handle]
	return s, ok
}

// Live returns the current set of session references. The slice is a copy;
// the registry lock is not held by the caller.
func (r *Registry) Live() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Snapshot copies every live session's public fields at a single consistent
// point in time.
func (r *Registry) Snapshot() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.info())
	}
	return out
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
