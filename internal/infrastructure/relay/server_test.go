package relay

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"presencenet/internal/core/domain"
	"presencenet/internal/infrastructure/distributed"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func newTestRelay(t *testing.T) (*httptest.Server, *Server) {
	gin.SetMode(gin.TestMode)

	server := NewServer(DefaultConfig(), "", nil, nil, nil, zaptest.NewLogger(t).Sugar())

	router := gin.New()
	router.GET("/ws/:session", server.HandleWebSocket)

	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)
	return ts, server
}

func dial(t *testing.T, ts *httptest.Server, session string, user string) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/" + session + "?user_id=" + user
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) *domain.Envelope {
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env domain.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return &env
}

func TestServer_RelaysBetweenParticipants(t *testing.T) {
	ts, _ := newTestRelay(t)

	alice := dial(t, ts, "room", "alice")
	bob := dial(t, ts, "room", "bob")

	require.NoError(t, alice.WriteJSON(&domain.Envelope{
		UserID:   "alice",
		Sequence: 1,
		Kind:     domain.KindUpdate,
		Cursor:   &domain.CursorPosition{X: 10, Y: 20},
	}))

	env := readEnvelope(t, bob)
	assert.Equal(t, domain.UserID("alice"), env.UserID)
	assert.Equal(t, uint64(1), env.Sequence)
	require.NotNil(t, env.Cursor)
	assert.Equal(t, 10.0, env.Cursor.X)
}

func TestServer_SocketIdentityOverridesFrame(t *testing.T) {
	ts, _ := newTestRelay(t)

	alice := dial(t, ts, "room", "alice")
	bob := dial(t, ts, "room", "bob")

	// Alice claims to be mallory; the relay stamps the socket identity.
	require.NoError(t, alice.WriteJSON(&domain.Envelope{
		UserID:   "mallory",
		Sequence: 1,
		Kind:     domain.KindUpdate,
	}))

	env := readEnvelope(t, bob)
	assert.Equal(t, domain.UserID("alice"), env.UserID)
}

func TestServer_SessionsAreIsolated(t *testing.T) {
	ts, _ := newTestRelay(t)

	alice := dial(t, ts, "room-1", "alice")
	stranger := dial(t, ts, "room-2", "stranger")

	require.NoError(t, alice.WriteJSON(&domain.Envelope{
		UserID:   "alice",
		Sequence: 1,
		Kind:     domain.KindUpdate,
	}))

	stranger.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var env domain.Envelope
	err := stranger.ReadJSON(&env)
	assert.Error(t, err, "envelopes must not cross sessions")
}

func TestServer_DisconnectSynthesizesDeparture(t *testing.T) {
	ts, _ := newTestRelay(t)

	alice := dial(t, ts, "room", "alice")
	bob := dial(t, ts, "room", "bob")

	require.NoError(t, alice.WriteJSON(&domain.Envelope{
		UserID:   "alice",
		Sequence: 1,
		Kind:     domain.KindUpdate,
	}))
	readEnvelope(t, bob)

	alice.Close()

	env := readEnvelope(t, bob)
	assert.Equal(t, domain.KindDeparture, env.Kind)
	assert.Equal(t, domain.UserID("alice"), env.UserID)
}

func newObservedRelay(t *testing.T, registry *distributed.SessionRegistry) (*httptest.Server, *observer.ObservedLogs) {
	gin.SetMode(gin.TestMode)

	core, logs := observer.New(zapcore.DebugLevel)
	server := NewServer(DefaultConfig(), "", nil, registry, nil, zap.New(core).Sugar())

	router := gin.New()
	router.GET("/ws/:session", server.HandleWebSocket)

	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)
	return ts, logs
}

func TestServer_ConnectionLogsCarrySessionContext(t *testing.T) {
	ts, logs := newObservedRelay(t, nil)

	dial(t, ts, "room", "alice")

	require.Eventually(t, func() bool {
		return len(logs.FilterMessage("participant connected").All()) == 1
	}, 2*time.Second, 20*time.Millisecond)

	fields := logs.FilterMessage("participant connected").All()[0].ContextMap()
	assert.Equal(t, "room", fields["session_id"])
	assert.Equal(t, "alice", fields["user_id"])
}

func TestServer_RegistryRefreshFailureIsLogged(t *testing.T) {
	// A registry pointed at nothing makes every redis call fail fast.
	unreachable := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { unreachable.Close() })
	registry := distributed.NewSessionRegistry(unreachable, "test-instance", time.Minute, zaptest.NewLogger(t).Sugar())

	ts, logs := newObservedRelay(t, registry)

	alice := dial(t, ts, "room", "alice")
	require.NoError(t, alice.WriteJSON(&domain.Envelope{
		UserID:   "alice",
		Sequence: 1,
		Kind:     domain.KindHeartbeat,
	}))

	require.Eventually(t, func() bool {
		return len(logs.FilterMessage("registry refresh failed").All()) > 0
	}, 2*time.Second, 20*time.Millisecond)

	entry := logs.FilterMessage("registry refresh failed").All()[0]
	assert.Equal(t, "alice", entry.ContextMap()["user_id"])
}

func TestServer_SessionUsersWithoutRegistry(t *testing.T) {
	ts, server := newTestRelay(t)

	dial(t, ts, "room", "alice")
	dial(t, ts, "room", "bob")

	require.Eventually(t, func() bool {
		return len(server.SessionUsers(context.Background(), "room")) == 2
	}, 2*time.Second, 20*time.Millisecond)
}
