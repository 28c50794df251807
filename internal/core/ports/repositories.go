package ports

import (
	"context"

	"presencenet/internal/core/domain"
)

// PresenceRepository is the authoritative table of known participants.
// Implementations must hand out deep copies: callers never receive a
// reference into the store's own records.
type PresenceRepository interface {
	Upsert(ctx context.Context, user *domain.UserPresence) error
	GetByID(ctx context.Context, id domain.UserID) (*domain.UserPresence, error)
	Remove(ctx context.Context, id domain.UserID) error
	Snapshot(ctx context.Context) []*domain.UserPresence
	Count(ctx context.Context) int

	// Subscribe registers a listener invoked synchronously with a fresh
	// snapshot after every committed change. The returned function
	// unregisters it.
	Subscribe(fn func(snapshot []*domain.UserPresence)) (unsubscribe func())
}
