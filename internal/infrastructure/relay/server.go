// Package relay implements the websocket relay that fans presence
// envelopes out between the participants of a session. The relay is
// deliberately dumb: it never inspects sequences or state, it only
// forwards frames and synthesizes a departure when a socket dies.
package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"presencenet/internal/core/domain"
	"presencenet/internal/infrastructure/distributed"
	"presencenet/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Should be configured properly for production
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Config holds the relay's connection policy.
type Config struct {
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	SendBuffer   int
}

func DefaultConfig() Config {
	return Config{
		PingInterval: 30 * time.Second,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Second,
		SendBuffer:   64,
	}
}

// Metrics is the subset of the prometheus collector the relay reports to.
type Metrics interface {
	ConnectionOpened()
	ConnectionClosed()
	EnvelopeRelayed(kind domain.MessageKind)
	ObserveFanout(d time.Duration)
}

// Server relays envelopes between websocket clients grouped by session.
// With a redis event bus attached, envelopes also reach participants
// connected to other relay instances.
type Server struct {
	cfg        Config
	instanceID string

	mu       sync.RWMutex
	sessions map[string]map[domain.UserID]*client

	bus      *distributed.EventBus
	registry *distributed.SessionRegistry

	metrics Metrics
	logger  *zap.SugaredLogger
	ctxLog  *logger.ContextLogger
}

type client struct {
	session string
	id      domain.UserID
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once

	// log carries the session/user fields for every connection-scoped entry.
	log *zap.SugaredLogger
}

func NewServer(cfg Config, instanceID string, bus *distributed.EventBus, registry *distributed.SessionRegistry, metrics Metrics, log *zap.SugaredLogger) *Server {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultConfig().SendBuffer
	}
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	return &Server{
		cfg:        cfg,
		instanceID: instanceID,
		sessions:   make(map[string]map[domain.UserID]*client),
		bus:        bus,
		registry:   registry,
		metrics:    metrics,
		logger:     log,
		ctxLog:     logger.NewContextLogger(log.Desugar()),
	}
}

// InstanceID identifies this relay in the multi-instance event bus.
func (s *Server) InstanceID() string {
	return s.instanceID
}

// Run consumes the cross-instance event bus until ctx is cancelled.
// Without redis it returns immediately.
func (s *Server) Run(ctx context.Context) error {
	if s.bus == nil {
		return nil
	}
	return s.bus.Subscribe(ctx, func(session string, env *domain.Envelope) error {
		data, err := json.Marshal(env)
		if err != nil {
			return err
		}
		s.broadcast(session, env.UserID, data, env.Kind)
		return nil
	})
}

// HandleWebSocket upgrades a participant connection. Route shape:
// GET /ws/:session?user_id=<id>; a missing user_id gets a generated one.
func (s *Server) HandleWebSocket(c *gin.Context) {
	session := c.Param("session")
	if session == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing session"})
		return
	}

	userID := domain.UserID(c.Query("user_id"))
	if userID == "" {
		userID = domain.UserID(uuid.NewString())
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	ctx := context.WithValue(c.Request.Context(), logger.SessionIDKey, session)
	ctx = context.WithValue(ctx, logger.UserIDKey, string(userID))

	cl := &client{
		session: session,
		id:      userID,
		conn:    conn,
		send:    make(chan []byte, s.cfg.SendBuffer),
		done:    make(chan struct{}),
		log:     s.ctxLog.WithContext(ctx).Sugar(),
	}

	s.register(cl)
	if s.metrics != nil {
		s.metrics.ConnectionOpened()
	}
	cl.log.Infow("participant connected")

	go s.writeLoop(cl)
	s.readLoop(cl)
}

func (s *Server) register(cl *client) {
	s.mu.Lock()
	members, ok := s.sessions[cl.session]
	if !ok {
		members = make(map[domain.UserID]*client)
		s.sessions[cl.session] = members
	}
	if old, exists := members[cl.id]; exists {
		// Reconnect replaces the previous socket.
		old.shutdown()
		cl.log.Infow("closing old connection for reconnecting participant")
	}
	members[cl.id] = cl
	s.mu.Unlock()

	if s.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.registry.Register(ctx, cl.session, cl.id); err != nil {
			cl.log.Warnw("failed to register participant", "error", err)
		}
	}
}

func (s *Server) unregister(cl *client) {
	s.mu.Lock()
	members, ok := s.sessions[cl.session]
	if ok {
		if current, exists := members[cl.id]; exists && current == cl {
			delete(members, cl.id)
			if len(members) == 0 {
				delete(s.sessions, cl.session)
			}
		} else {
			// A reconnect already took the slot; nothing to announce.
			s.mu.Unlock()
			cl.shutdown()
			return
		}
	}
	s.mu.Unlock()

	cl.shutdown()
	if s.metrics != nil {
		s.metrics.ConnectionClosed()
	}

	// Tell everyone else the participant is gone.
	departure := &domain.Envelope{
		UserID: cl.id,
		Kind:   domain.KindDeparture,
	}
	s.relay(cl.session, departure)

	if s.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.registry.Unregister(ctx, cl.session, cl.id); err != nil {
			cl.log.Warnw("failed to unregister participant", "error", err)
		}
	}

	cl.log.Infow("participant disconnected")
}

func (s *Server) readLoop(cl *client) {
	defer s.unregister(cl)

	cl.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	cl.conn.SetPongHandler(func(string) error {
		cl.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	for {
		_, data, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				cl.log.Infow("read error", "error", err)
			}
			return
		}
		cl.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

		var env domain.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			cl.log.Debugw("malformed envelope", "error", err)
			continue
		}
		// The socket identity wins over whatever the frame claims.
		env.UserID = cl.id

		s.relay(cl.session, &env)
		if s.registry != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			if err := s.registry.Refresh(ctx, cl.session, cl.id); err != nil {
				// The TTL key just expires a little early; the next frame retries.
				cl.log.Debugw("registry refresh failed", "error", err)
			}
			cancel()
		}
	}
}

func (s *Server) writeLoop(cl *client) {
	ping := time.NewTicker(s.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-cl.done:
			return
		case data := <-cl.send:
			cl.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := cl.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				cl.log.Debugw("write failed", "error", err)
				return
			}
		case <-ping.C:
			cl.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// relay forwards an envelope to local session members and, when redis
// is enabled, to the other relay instances.
func (s *Server) relay(session string, env *domain.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		s.logger.Warnw("failed to marshal envelope", "error", err)
		return
	}

	s.broadcast(session, env.UserID, data, env.Kind)

	if s.bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := s.bus.Publish(ctx, session, env); err != nil {
			s.logger.Warnw("failed to publish envelope", "session", session, "error", err)
		}
	}
}

func (s *Server) broadcast(session string, from domain.UserID, data []byte, kind domain.MessageKind) {
	start := time.Now()

	s.mu.RLock()
	members := s.sessions[session]
	targets := make([]*client, 0, len(members))
	for id, member := range members {
		if id == from {
			continue
		}
		targets = append(targets, member)
	}
	s.mu.RUnlock()

	for _, member := range targets {
		select {
		case member.send <- data:
		default:
			// Drop if slow consumer; the next update supersedes it.
		}
	}

	if s.metrics != nil {
		s.metrics.EnvelopeRelayed(kind)
		s.metrics.ObserveFanout(time.Since(start))
	}
}

// SessionUsers reports the known participants of a session. With redis
// enabled the answer spans all relay instances.
func (s *Server) SessionUsers(ctx context.Context, session string) []domain.UserID {
	if s.registry != nil {
		if users, err := s.registry.SessionUsers(ctx, session); err == nil {
			return users
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	members := s.sessions[session]
	users := make([]domain.UserID, 0, len(members))
	for id := range members {
		users = append(users, id)
	}
	return users
}

func (cl *client) shutdown() {
	cl.once.Do(func() {
		close(cl.done)
		cl.conn.Close()
	})
}
