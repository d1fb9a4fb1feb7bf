package ws

import (
	"log"

	"github.com/coedit/relay/internal/metrics"
	"github.com/coedit/relay/internal/protocol"
	"github.com/coedit/relay/internal/session"
	"github.com/coedit/relay/internal/wire"
)

// Broadcaster fans messages out to live sessions. Delivery is best-effort:
// a failed write to one peer is logged and skipped, never retried, and never
// affects delivery to the remaining peers.
type Broadcaster struct {
	registry *session.Registry
	metrics  *metrics.Metrics
}

func NewBroadcaster(registry *session.Registry, m *metrics.Metrics) *Broadcaster {
	return &Broadcaster{
		registry: registry,
		metrics:  m,
	}
}

// Broadcast encodes msg once and sends it to every active session except
// the one identified by exclude. Sessions joining after the registry
// snapshot is taken may be missed; sessions present in it are never skipped.
func (b *Broadcaster) Broadcast(msg protocol.Message, exclude string) {
	data, err := protocol.Marshal(msg)
	if err != nil {
		log.Printf("broadcast marshal error: %v", err)
		return
	}
	frame := wire.Encode(data)

	sent := 0
	for _, s := range b.registry.Live() {
		if s.Handle() == exclude || !s.Active() {
			continue
		}
		if err := s.Send(frame); err != nil {
			log.Printf("broadcast to %s failed: %v", s.Handle(), err)
			b.metrics.BroadcastErrors.Inc()
			continue
		}
		sent++
	}

	b.metrics.MessagesRelayed.WithLabelValues(string(msg.Kind())).Add(float64(sent))
	log.Printf("broadcast %s to %d sessions", msg.Kind(), sent)
}

// Unicast sends msg to a single session over the same encode path.
func (b *Broadcaster) Unicast(s *session.Session, msg protocol.Message) error {
	data, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}
	if err := s.Send(wire.Encode(data)); err != nil {
		b.metrics.BroadcastErrors.Inc()
		return err
	}
	b.metrics.MessagesRelayed.WithLabelValues(string(msg.Kind())).Inc()
	return nil
}
