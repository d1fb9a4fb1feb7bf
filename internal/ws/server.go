// Package ws runs the relay's framed socket endpoint: the upgrade
// handshake, the per-connection read/dispatch loop, and the fan-out of edit
// events to peer sessions.
package ws

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net"

	"github.com/coedit/relay/internal/metrics"
	"github.com/coedit/relay/internal/protocol"
	"github.com/coedit/relay/internal/session"
	"github.com/coedit/relay/internal/wire"
)

type Server struct {
	registry    *session.Registry
	broadcaster *Broadcaster
	metrics     *metrics.Metrics
}

func NewServer(registry *session.Registry, broadcaster *Broadcaster, m *metrics.Metrics) *Server {
	return &Server{
		registry:    registry,
		broadcaster: broadcaster,
		metrics:     m,
	}
}

// ListenAndServe binds the relay listener and accepts connections until ctx
// is cancelled. A bind failure is the only error fatal to the service.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", addr, err)
	}
	log.Printf("relay listening on %s", ln.Addr())
	return s.Serve(ctx, ln)
}

// Serve accepts connections from ln, handling each on its own goroutine.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("ws: accept: %w", err)
		}
		go s.handleConn(conn)
	}
}

// handleConn drives one connection through its lifecycle: handshake, then
// the active read/dispatch loop, then teardown. Teardown runs exactly once,
// on whichever of read error, EOF or close frame ends the loop.
func (s *Server) handleConn(conn net.Conn) {
	br := bufio.NewReader(conn)

	if err := handshake(conn, br); err != nil {
		log.Printf("handshake rejected from %s: %v", conn.RemoteAddr(), err)
		s.metrics.Handshakes.WithLabelValues("rejected").Inc()
		conn.Close()
		return
	}
	s.metrics.Handshakes.WithLabelValues("accepted").Inc()

	sess := s.registry.Register(conn)
	s.metrics.ConnectedSessions.Inc()

	if err := s.broadcaster.Unicast(sess, protocol.Init{Color: sess.Color()}); err != nil {
		log.Printf("init send to %s failed: %v", sess.Handle(), err)
	}
	s.broadcaster.Broadcast(protocol.UserJoined{Username: sess.Username()}, sess.Handle())
	if err := s.broadcaster.Unicast(sess, s.usersList()); err != nil {
		log.Printf("users_list send to %s failed: %v", sess.Handle(), err)
	}

	s.readLoop(sess, wire.NewReader(br))

	// Closing: announce departure before the session disappears from the
	// registry, then remove it and release the connection.
	s.broadcaster.Broadcast(protocol.UserLeft{Username: sess.Username()}, sess.Handle())
	s.registry.Unregister(sess.Handle())
	s.metrics.ConnectedSessions.Dec()
}

func (s *Server) readLoop(sess *session.Session, r *wire.Reader) {
	for {
		payload, err := r.ReadFrame()
		if err != nil {
			if !errors.Is(err, wire.ErrConnectionClosed) {
				log.Printf("session %s read ended: %v", sess.Handle(), err)
			}
			return
		}

		msg, err := protocol.Decode(payload)
		if err != nil {
			// Unknown kinds and incomplete messages are dropped whole;
			// the session keeps running.
			log.Printf("session %s: discarding message: %v", sess.Handle(), err)
			continue
		}

		s.dispatch(sess, msg)
	}
}

func (s *Server) dispatch(sess *session.Session, msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.Join:
		sess.SetUsername(m.Username)
	case protocol.ContentChange:
		// Pure relay: forward unchanged, last writer wins.
		s.broadcaster.Broadcast(protocol.ContentUpdate{
			Username: m.Username,
			File:     m.File,
			Content:  m.Content,
		}, sess.Handle())
	case protocol.CursorMove:
		sess.SetCursor(m.Username, m.File, m.Position)
		s.broadcaster.Broadcast(protocol.CursorUpdate{
			Username: m.Username,
			Position: m.Position,
			Color:    sess.Color(),
			File:     m.File,
		}, sess.Handle())
	case protocol.FileChange:
		sess.SetFile(m.File)
	}
}

func (s *Server) usersList() protocol.UsersList {
	infos := s.registry.Snapshot()
	users := make([]protocol.UserEntry, 0, len(infos))
	for _, info := range infos {
		users = append(users, protocol.UserEntry{
			Username:  info.Username,
			Color:     info.Color,
			File:      info.File,
			CursorPos: info.Cursor,
		})
	}
	return protocol.UsersList{Users: users}
}
