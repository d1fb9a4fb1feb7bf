package session

import (
	"net"
	"sync"
)

// Session holds the relay-side state for one connected editor. The color is
// assigned at creation and never changes; every other field is guarded by
// the session's own lock so unrelated sessions can be updated and written to
// concurrently. Writes to the connection are serialized through the same
// lock.
type Session struct {
	handle string
	conn   net.Conn
	color  string

	mu       sync.Mutex
	username string
	file     string
	cursor   int
	active   bool
}

func (s *Session) Handle() string { return s.handle }
func (s *Session) Color() string  { return s.color }

func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Session) SetUsername(name string) {
	s.mu.Lock()
	s.username = name
	s.mu.Unlock()
}

func (s *Session) SetFile(file string) {
	s.mu.Lock()
	s.file = file
	s.mu.Unlock()
}

// SetCursor records a cursor move: position, file and username arrive
// together on the wire and are applied atomically.
func (s *Session) SetCursor(username, file string, position int) {
	s.mu.Lock()
	s.username = username
	s.file = file
	s.cursor = position
	s.mu.Unlock()
}

// Send writes one pre-encoded frame to the session's connection. The
// session lock is held for the duration of the write, so concurrent
// broadcasts to the same target are serialized.
func (s *Session) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Write(frame)
	return err
}

// info copies the public fields under the session lock so file and cursor
// are never observed torn.
func (s *Session) info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		Handle:   s.handle,
		Username: s.username,
		Color:    s.color,
		File:     s.file,
		Cursor:   s.cursor,
	}
}

func (s *Session) deactivate() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
}

// Info is a point-in-time copy of a session's public fields.
type Info struct {
	Handle   string
	Username string
	Color    string
	File     string
	Cursor   int
}
