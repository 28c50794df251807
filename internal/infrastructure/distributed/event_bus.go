// Package distributed lets multiple relay instances serve one session:
// envelopes fan out through redis pub/sub and participant liveness is
// tracked in TTL-keyed registry entries that self-heal after a relay
// crash.
package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"presencenet/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const channelPrefix = "presencenet:session:"

// busMessage wraps an envelope with routing metadata for pub/sub.
type busMessage struct {
	InstanceID string           `json:"instance_id"`
	SessionID  string           `json:"session_id"`
	Timestamp  time.Time        `json:"timestamp"`
	Envelope   *domain.Envelope `json:"envelope"`
}

// EventBus publishes and consumes presence envelopes across relay
// instances. Messages from this instance are skipped on receipt.
type EventBus struct {
	client     *redis.Client
	instanceID string
	logger     *zap.SugaredLogger
	pubsub     *redis.PubSub
}

func NewEventBus(client *redis.Client, instanceID string, logger *zap.SugaredLogger) *EventBus {
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		logger:     logger,
	}
}

// Publish sends one envelope to the session's channel.
func (eb *EventBus) Publish(ctx context.Context, session string, env *domain.Envelope) error {
	msg := busMessage{
		InstanceID: eb.instanceID,
		SessionID:  session,
		Timestamp:  time.Now(),
		Envelope:   env,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal bus message: %w", err)
	}

	if err := eb.client.Publish(ctx, channelPrefix+session, data).Err(); err != nil {
		return fmt.Errorf("failed to publish envelope: %w", err)
	}

	eb.logger.Debugw("published envelope",
		"session", session,
		"user_id", env.UserID,
		"kind", env.Kind,
	)
	return nil
}

// Subscribe consumes envelopes from all sessions until ctx is
// cancelled, calling handler for each envelope that originated on
// another instance.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(session string, env *domain.Envelope) error) error {
	if eb.pubsub != nil {
		return fmt.Errorf("already subscribed")
	}

	eb.pubsub = eb.client.PSubscribe(ctx, channelPrefix+"*")
	defer eb.pubsub.Close()

	ch := eb.pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var bm busMessage
			if err := json.Unmarshal([]byte(msg.Payload), &bm); err != nil {
				eb.logger.Warnw("failed to unmarshal bus message",
					"error", err,
					"payload", msg.Payload,
				)
				continue
			}

			// Skip envelopes this instance published itself.
			if bm.InstanceID == eb.instanceID || bm.Envelope == nil {
				continue
			}

			session := bm.SessionID
			if session == "" {
				session = strings.TrimPrefix(msg.Channel, channelPrefix)
			}

			if err := handler(session, bm.Envelope); err != nil {
				eb.logger.Warnw("error handling bus envelope",
					"session", session,
					"error", err,
				)
			}
		}
	}
}

// Close tears down the subscription, if any.
func (eb *EventBus) Close() error {
	if eb.pubsub != nil {
		return eb.pubsub.Close()
	}
	return nil
}
