package memory

import (
	"context"
	"sort"
	"sync"

	"presencenet/internal/core/domain"
	"presencenet/internal/core/ports"
)

// PresenceRepository is the in-memory authoritative presence table for
// one session. The reconciler is the only writer; snapshots are deep
// copies, so no consumer can ever observe a record mid-mutation.
type PresenceRepository struct {
	mu      sync.RWMutex
	users   map[domain.UserID]*domain.UserPresence
	subs    map[int]func([]*domain.UserPresence)
	nextSub int
}

func NewPresenceRepository() ports.PresenceRepository {
	return &PresenceRepository{
		users: make(map[domain.UserID]*domain.UserPresence),
		subs:  make(map[int]func([]*domain.UserPresence)),
	}
}

func (r *PresenceRepository) Upsert(ctx context.Context, user *domain.UserPresence) error {
	r.mu.Lock()
	r.users[user.ID] = user.Clone()
	snapshot := r.snapshotLocked()
	subs := r.subscribersLocked()
	r.mu.Unlock()

	r.notify(subs, snapshot)
	return nil
}

func (r *PresenceRepository) GetByID(ctx context.Context, id domain.UserID) (*domain.UserPresence, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user, exists := r.users[id]
	if !exists {
		return nil, domain.ErrUserNotFound
	}
	return user.Clone(), nil
}

func (r *PresenceRepository) Remove(ctx context.Context, id domain.UserID) error {
	r.mu.Lock()
	if _, exists := r.users[id]; !exists {
		r.mu.Unlock()
		return domain.ErrUserNotFound
	}
	delete(r.users, id)
	snapshot := r.snapshotLocked()
	subs := r.subscribersLocked()
	r.mu.Unlock()

	r.notify(subs, snapshot)
	return nil
}

func (r *PresenceRepository) Snapshot(ctx context.Context) []*domain.UserPresence {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

func (r *PresenceRepository) Count(ctx context.Context) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

func (r *PresenceRepository) Subscribe(fn func(snapshot []*domain.UserPresence)) func() {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

// snapshotLocked builds a deep-copied, id-ordered view. Callers hold at
// least the read lock.
func (r *PresenceRepository) snapshotLocked() []*domain.UserPresence {
	snapshot := make([]*domain.UserPresence, 0, len(r.users))
	for _, user := range r.users {
		snapshot = append(snapshot, user.Clone())
	}
	sort.Slice(snapshot, func(i, j int) bool {
		return snapshot[i].ID < snapshot[j].ID
	})
	return snapshot
}

func (r *PresenceRepository) subscribersLocked() []func([]*domain.UserPresence) {
	subs := make([]func([]*domain.UserPresence), 0, len(r.subs))
	for _, fn := range r.subs {
		subs = append(subs, fn)
	}
	return subs
}

// notify runs outside the lock so a listener may read the store again.
func (r *PresenceRepository) notify(subs []func([]*domain.UserPresence), snapshot []*domain.UserPresence) {
	for _, fn := range subs {
		fn(snapshot)
	}
}
