package ports

import (
	"context"

	"presencenet/internal/core/domain"
)

// Transport is a best-effort bidirectional channel to the other
// participants of a session, reached through a relay or a mesh. No
// delivery, ordering or dedup guarantee is assumed beyond eventual
// delivery of heartbeats.
type Transport interface {
	// Send transmits one envelope to every other participant.
	Send(ctx context.Context, env *domain.Envelope) error

	// Inbound delivers update and heartbeat envelopes from remote
	// participants. The channel is closed when the transport dies.
	Inbound() <-chan *domain.Envelope

	// Departures delivers explicit disconnect signals per remote user.
	Departures() <-chan domain.UserID

	Close() error
}

// PresenceMetrics receives engine-level counters. Implementations live
// in the infrastructure layer; a nil sink disables reporting.
type PresenceMetrics interface {
	UpdateApplied(kind domain.MessageKind)
	UpdateDropped(reason string)
	UserJoined()
	UserEvicted()
	SetActiveUsers(n int)
}
