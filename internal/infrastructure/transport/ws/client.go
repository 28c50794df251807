// Package ws implements the client side of the relay protocol: a
// gorilla/websocket connection over which presence envelopes travel as
// JSON frames.
package ws

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"presencenet/internal/core/domain"
	"presencenet/internal/core/ports"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultReadTimeout  = 60 * time.Second
	inboundBuffer       = 64
)

// Transport is a relay-backed transport for one participant.
type Transport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	inbound    chan *domain.Envelope
	departures chan domain.UserID

	writeTimeout time.Duration
	readTimeout  time.Duration

	closeOnce sync.Once
	closed    chan struct{}

	logger *zap.SugaredLogger
}

// Dial connects to a relay for the given session as the given user.
// The relay address uses ws:// or wss:// scheme.
func Dial(ctx context.Context, relayURL string, session string, self domain.UserID, logger *zap.SugaredLogger) (ports.Transport, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return nil, fmt.Errorf("invalid relay url: %w", err)
	}
	u.Path = "/ws/" + session
	q := u.Query()
	q.Set("user_id", string(self))
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial relay: %w", err)
	}

	t := &Transport{
		conn:         conn,
		inbound:      make(chan *domain.Envelope, inboundBuffer),
		departures:   make(chan domain.UserID, inboundBuffer),
		writeTimeout: defaultWriteTimeout,
		readTimeout:  defaultReadTimeout,
		closed:       make(chan struct{}),
		logger:       logger,
	}

	conn.SetReadDeadline(time.Now().Add(t.readTimeout))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(t.readTimeout))
		t.writeMu.Lock()
		defer t.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(t.writeTimeout))
	})

	go t.readLoop()
	return t, nil
}

func (t *Transport) Send(ctx context.Context, env *domain.Envelope) error {
	select {
	case <-t.closed:
		return domain.ErrTransportClosed
	default:
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	deadline := time.Now().Add(t.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	t.conn.SetWriteDeadline(deadline)
	if err := t.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("failed to write envelope: %w", err)
	}
	return nil
}

func (t *Transport) Inbound() <-chan *domain.Envelope {
	return t.inbound
}

func (t *Transport) Departures() <-chan domain.UserID {
	return t.departures
}

func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)

		t.writeMu.Lock()
		t.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		t.writeMu.Unlock()
		t.conn.Close()
	})
	return nil
}

func (t *Transport) readLoop() {
	defer close(t.inbound)

	for {
		var env domain.Envelope
		if err := t.conn.ReadJSON(&env); err != nil {
			select {
			case <-t.closed:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					t.logger.Warnw("relay connection lost", "error", err)
				}
				t.Close()
			}
			return
		}
		t.conn.SetReadDeadline(time.Now().Add(t.readTimeout))

		if env.Kind == domain.KindDeparture {
			select {
			case t.departures <- env.UserID:
			default:
			}
			continue
		}
		select {
		case t.inbound <- &env:
		default:
			// Presence is superseded by the next update; drop when the
			// consumer lags instead of building a backlog.
		}
	}
}
