package distributed

import (
	"context"
	"fmt"
	"time"

	"presencenet/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// SessionRegistry tracks which participants are connected to which
// relay instance. Entries carry a TTL sized to the presence liveness
// policy, so a crashed relay's participants disappear on their own.
type SessionRegistry struct {
	client     *redis.Client
	instanceID string
	ttl        time.Duration
	logger     *zap.SugaredLogger
}

func NewSessionRegistry(client *redis.Client, instanceID string, ttl time.Duration, logger *zap.SugaredLogger) *SessionRegistry {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &SessionRegistry{
		client:     client,
		instanceID: instanceID,
		ttl:        ttl,
		logger:     logger,
	}
}

// Register records a participant as connected to this instance.
func (r *SessionRegistry) Register(ctx context.Context, session string, id domain.UserID) error {
	key := r.userKey(session, id)
	if err := r.client.Set(ctx, key, r.instanceID, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to register participant: %w", err)
	}

	setKey := r.sessionKey(session)
	if err := r.client.SAdd(ctx, setKey, string(id)).Err(); err != nil {
		return fmt.Errorf("failed to add participant to session set: %w", err)
	}
	r.client.Expire(ctx, setKey, 2*r.ttl)
	return nil
}

// Refresh extends a participant's registration TTL.
func (r *SessionRegistry) Refresh(ctx context.Context, session string, id domain.UserID) error {
	return r.client.Expire(ctx, r.userKey(session, id), r.ttl).Err()
}

// Unregister removes a participant's registration.
func (r *SessionRegistry) Unregister(ctx context.Context, session string, id domain.UserID) error {
	if err := r.client.Del(ctx, r.userKey(session, id)).Err(); err != nil {
		return fmt.Errorf("failed to delete registration: %w", err)
	}
	return r.client.SRem(ctx, r.sessionKey(session), string(id)).Err()
}

// SessionUsers lists the participants of a session across all relay
// instances, dropping entries whose registration key already expired.
func (r *SessionRegistry) SessionUsers(ctx context.Context, session string) ([]domain.UserID, error) {
	ids, err := r.client.SMembers(ctx, r.sessionKey(session)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list session participants: %w", err)
	}

	users := make([]domain.UserID, 0, len(ids))
	for _, raw := range ids {
		id := domain.UserID(raw)
		exists, err := r.client.Exists(ctx, r.userKey(session, id)).Result()
		if err != nil || exists == 0 {
			// Registration expired; lazily prune the set entry.
			r.client.SRem(ctx, r.sessionKey(session), raw)
			continue
		}
		users = append(users, id)
	}
	return users, nil
}

// CleanupInstance drops every registration made by this instance, for
// graceful shutdown.
func (r *SessionRegistry) CleanupInstance(ctx context.Context, sessions map[string][]domain.UserID) {
	for session, users := range sessions {
		for _, id := range users {
			if err := r.Unregister(ctx, session, id); err != nil {
				r.logger.Warnw("failed to unregister participant during cleanup",
					"session", session,
					"user_id", id,
					"error", err,
				)
			}
		}
	}
}

func (r *SessionRegistry) userKey(session string, id domain.UserID) string {
	return fmt.Sprintf("presencenet:presence:%s:%s", session, id)
}

func (r *SessionRegistry) sessionKey(session string) string {
	return fmt.Sprintf("presencenet:session:%s:users", session)
}
