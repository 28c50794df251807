package services

import (
	"context"
	"time"

	"presencenet/internal/core/domain"
	"presencenet/internal/core/ports"

	"go.uber.org/zap"
)

// Reconciler merges remote envelopes into the authoritative presence
// store. The acceptance rule (drop anything at or below the stored
// per-user sequence) makes application idempotent and order-independent:
// the store converges to the same state regardless of arrival order, as
// long as the highest-sequence envelope for each user eventually lands.
//
// Per user the state machine is UNKNOWN -> ACTIVE -> STALE -> EVICTED,
// with STALE -> ACTIVE on a late envelope inside the grace period.
type Reconciler struct {
	store   ports.PresenceRepository
	colors  *ColorAllocator
	metrics ports.PresenceMetrics

	self           domain.UserID
	livenessWindow time.Duration
	gracePeriod    time.Duration

	logger *zap.SugaredLogger
}

func NewReconciler(
	store ports.PresenceRepository,
	colors *ColorAllocator,
	self domain.UserID,
	livenessWindow, gracePeriod time.Duration,
	metrics ports.PresenceMetrics,
	logger *zap.SugaredLogger,
) *Reconciler {
	return &Reconciler{
		store:          store,
		colors:         colors,
		metrics:        metrics,
		self:           self,
		livenessWindow: livenessWindow,
		gracePeriod:    gracePeriod,
		logger:         logger,
	}
}

// Apply merges one inbound envelope. It returns true when the store
// changed. Stale, duplicate and self-echoed envelopes are silently
// dropped: under best-effort transport they are expected, not errors.
func (r *Reconciler) Apply(ctx context.Context, env *domain.Envelope) bool {
	if env == nil || env.UserID == "" {
		return false
	}
	if env.UserID == r.self {
		r.drop("self_echo")
		return false
	}

	if env.Kind == domain.KindDeparture {
		return r.Depart(ctx, env.UserID)
	}

	existing, err := r.store.GetByID(ctx, env.UserID)
	if err == nil && env.Sequence <= existing.Sequence {
		r.drop("stale_sequence")
		r.logger.Debugw("dropped out-of-order envelope",
			"user_id", env.UserID,
			"sequence", env.Sequence,
			"stored_sequence", existing.Sequence,
		)
		return false
	}

	now := time.Now()

	if existing == nil {
		color := r.colors.Allocate(env.UserID)
		if env.Color != "" && env.Color != color {
			// Remote color claims are advisory; every client recomputes
			// from its own palette so self and remotes never collide.
			r.logger.Debugw("ignoring remote color claim",
				"user_id", env.UserID,
				"claimed", env.Color,
				"assigned", color,
			)
		}
		record := &domain.UserPresence{
			ID:         env.UserID,
			Name:       env.Name,
			Email:      env.Email,
			Color:      color,
			Cursor:     env.Position(),
			State:      domain.StateActive,
			LastSeenAt: now,
			Sequence:   env.Sequence,
		}
		if err := r.store.Upsert(ctx, record); err != nil {
			r.logger.Warnw("failed to store new user", "user_id", env.UserID, "error", err)
			return false
		}
		if r.metrics != nil {
			r.metrics.UserJoined()
			r.metrics.UpdateApplied(env.Kind)
			r.metrics.SetActiveUsers(r.store.Count(ctx))
		}
		r.logger.Infow("user joined session",
			"user_id", env.UserID,
			"color", record.Color,
		)
		return true
	}

	if env.Name != "" {
		existing.Name = env.Name
	}
	if env.Email != "" {
		existing.Email = env.Email
	}
	if env.Kind == domain.KindUpdate {
		existing.Cursor = env.Position()
	}
	existing.State = domain.StateActive
	existing.LastSeenAt = now
	existing.Sequence = env.Sequence

	if err := r.store.Upsert(ctx, existing); err != nil {
		r.logger.Warnw("failed to update user", "user_id", env.UserID, "error", err)
		return false
	}
	if r.metrics != nil {
		r.metrics.UpdateApplied(env.Kind)
	}
	return true
}

// Depart evicts a user immediately on an explicit disconnect signal,
// short-circuiting the liveness machinery.
func (r *Reconciler) Depart(ctx context.Context, id domain.UserID) bool {
	if id == "" || id == r.self {
		return false
	}
	if err := r.store.Remove(ctx, id); err != nil {
		return false
	}
	r.colors.Release(id)
	if r.metrics != nil {
		r.metrics.UserEvicted()
		r.metrics.SetActiveUsers(r.store.Count(ctx))
	}
	r.logger.Infow("user departed session", "user_id", id)
	return true
}

// Sweep runs one liveness pass at the given instant. Users silent for
// longer than the liveness window turn STALE; users silent past the
// additional grace period are evicted and their color released.
func (r *Reconciler) Sweep(ctx context.Context, now time.Time) (stale, evicted []domain.UserID) {
	for _, user := range r.store.Snapshot(ctx) {
		silence := now.Sub(user.LastSeenAt)
		switch {
		case silence > r.livenessWindow+r.gracePeriod:
			if err := r.store.Remove(ctx, user.ID); err != nil {
				continue
			}
			r.colors.Release(user.ID)
			evicted = append(evicted, user.ID)
			if r.metrics != nil {
				r.metrics.UserEvicted()
			}
			r.logger.Infow("evicted silent user",
				"user_id", user.ID,
				"silence", silence,
			)
		case silence > r.livenessWindow && user.State == domain.StateActive:
			user.State = domain.StateStale
			if err := r.store.Upsert(ctx, user); err != nil {
				continue
			}
			stale = append(stale, user.ID)
			r.logger.Debugw("user marked stale", "user_id", user.ID, "silence", silence)
		}
	}
	if r.metrics != nil && len(evicted) > 0 {
		r.metrics.SetActiveUsers(r.store.Count(ctx))
	}
	return stale, evicted
}

// AllocateLocalColor reserves a palette entry for the local user so no
// remote participant can be assigned the same color by this client.
func (r *Reconciler) AllocateLocalColor() string {
	return r.colors.Allocate(r.self)
}

func (r *Reconciler) drop(reason string) {
	if r.metrics != nil {
		r.metrics.UpdateDropped(reason)
	}
}
