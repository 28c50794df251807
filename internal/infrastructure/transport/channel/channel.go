// Package channel provides an in-process transport: every participant
// joined to the same Hub sees every other participant's envelopes. It
// backs tests and single-process examples, and doubles as the reference
// for how a transport is expected to behave: best-effort fan-out that
// drops rather than blocks on a slow consumer.
package channel

import (
	"context"
	"sync"

	"presencenet/internal/core/domain"
	"presencenet/internal/core/ports"
)

const bufferSize = 64

// Hub connects in-process transports for one session.
type Hub struct {
	mu      sync.RWMutex
	members map[domain.UserID]*Transport
}

func NewHub() *Hub {
	return &Hub{members: make(map[domain.UserID]*Transport)}
}

// Join registers a participant and returns its transport endpoint.
// Rejoining with the same id replaces the previous endpoint.
func (h *Hub) Join(id domain.UserID) ports.Transport {
	t := &Transport{
		hub:        h,
		self:       id,
		inbound:    make(chan *domain.Envelope, bufferSize),
		departures: make(chan domain.UserID, bufferSize),
	}

	h.mu.Lock()
	if old, ok := h.members[id]; ok {
		old.closeChannels()
	}
	h.members[id] = t
	h.mu.Unlock()
	return t
}

func (h *Hub) broadcast(from domain.UserID, env *domain.Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, member := range h.members {
		if id == from {
			continue
		}
		member.deliver(env)
	}
}

func (h *Hub) leave(t *Transport) {
	h.mu.Lock()
	current, ok := h.members[t.self]
	if !ok || current != t {
		h.mu.Unlock()
		return
	}
	delete(h.members, t.self)
	others := make([]*Transport, 0, len(h.members))
	for _, member := range h.members {
		others = append(others, member)
	}
	// Closing under the lock excludes a concurrent broadcast delivering
	// into the freshly closed inbound channel.
	t.closeChannels()
	h.mu.Unlock()

	for _, member := range others {
		member.departed(t.self)
	}
}

// Transport is one participant's endpoint on the hub.
type Transport struct {
	hub        *Hub
	self       domain.UserID
	inbound    chan *domain.Envelope
	departures chan domain.UserID

	closeOnce sync.Once
	closed    chan struct{}
	initOnce  sync.Once
}

func (t *Transport) Send(ctx context.Context, env *domain.Envelope) error {
	select {
	case <-t.done():
		return domain.ErrTransportClosed
	default:
	}
	t.hub.broadcast(t.self, env)
	return nil
}

func (t *Transport) Inbound() <-chan *domain.Envelope {
	return t.inbound
}

func (t *Transport) Departures() <-chan domain.UserID {
	return t.departures
}

func (t *Transport) Close() error {
	t.hub.leave(t)
	return nil
}

func (t *Transport) deliver(env *domain.Envelope) {
	select {
	case <-t.done():
		return
	default:
	}
	if env.Kind == domain.KindDeparture {
		select {
		case t.departures <- env.UserID:
		default:
			// Drop if slow consumer.
		}
		return
	}
	select {
	case t.inbound <- env:
	default:
	}
}

func (t *Transport) departed(id domain.UserID) {
	select {
	case <-t.done():
		return
	default:
	}
	select {
	case t.departures <- id:
	default:
	}
}

func (t *Transport) done() chan struct{} {
	t.initOnce.Do(func() { t.closed = make(chan struct{}) })
	return t.closed
}

func (t *Transport) closeChannels() {
	t.closeOnce.Do(func() {
		close(t.done())
		close(t.inbound)
	})
}
