package webrtcmesh

import (
	"context"
	"testing"
	"time"

	"presencenet/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// chanSignaler ferries signals over in-process channels, standing in for
// the out-of-band signaling path.
type chanSignaler struct {
	out chan<- *Signal
	in  <-chan *Signal
}

func (s *chanSignaler) SendSignal(ctx context.Context, sig *Signal) error {
	select {
	case s.out <- sig:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *chanSignaler) Signals() <-chan *Signal {
	return s.in
}

func signalerPair() (*chanSignaler, *chanSignaler) {
	ab := make(chan *Signal, 64)
	ba := make(chan *Signal, 64)
	return &chanSignaler{out: ab, in: ba}, &chanSignaler{out: ba, in: ab}
}

func TestMesh_RoutesByKind(t *testing.T) {
	sig, _ := signalerPair()
	m := New("alice", nil, sig, zaptest.NewLogger(t).Sugar())

	m.route(&domain.Envelope{
		UserID:   "bob",
		Sequence: 1,
		Kind:     domain.KindUpdate,
		Cursor:   &domain.CursorPosition{X: 5, Y: 7},
	})
	select {
	case env := <-m.Inbound():
		assert.Equal(t, domain.UserID("bob"), env.UserID)
	default:
		t.Fatal("update envelope not routed to inbound")
	}

	m.route(&domain.Envelope{UserID: "bob", Kind: domain.KindDeparture})
	select {
	case id := <-m.Departures():
		assert.Equal(t, domain.UserID("bob"), id)
	default:
		t.Fatal("departure envelope not routed to departures")
	}

	require.NoError(t, m.Close())
	// After close routing is a no-op, not a panic.
	m.route(&domain.Envelope{UserID: "bob", Kind: domain.KindUpdate})
}

func TestMesh_OnlyLowerIDInitiates(t *testing.T) {
	bobSide, aliceSide := signalerPair()
	bob := New("bob", nil, bobSide, zaptest.NewLogger(t).Sugar())
	defer bob.Close()

	require.NoError(t, bob.Connect(context.Background(), "alice"))
	require.NoError(t, bob.Connect(context.Background(), "bob"))

	select {
	case sig := <-aliceSide.in:
		t.Fatalf("higher-id side must wait for the offer, sent %q", sig.Type)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestMesh_SendAfterClose(t *testing.T) {
	sig, _ := signalerPair()
	m := New("alice", nil, sig, zaptest.NewLogger(t).Sugar())
	require.NoError(t, m.Close())

	err := m.Send(context.Background(), &domain.Envelope{UserID: "alice", Kind: domain.KindUpdate})
	assert.ErrorIs(t, err, domain.ErrTransportClosed)
}

func TestMesh_ExchangesEnvelopesOverDataChannel(t *testing.T) {
	aliceSig, bobSig := signalerPair()
	log := zaptest.NewLogger(t).Sugar()
	alice := New("alice", nil, aliceSig, log)
	bob := New("bob", nil, bobSig, log)
	defer alice.Close()
	defer bob.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	require.NoError(t, alice.Connect(ctx, "bob"))
	require.NoError(t, bob.Connect(ctx, "alice")) // answering side, no-op

	// The data channel opens asynchronously once ICE completes; keep
	// resending until the first envelope lands. Duplicates are fine, the
	// reconciler's sequence gate exists for exactly that.
	var got *domain.Envelope
	require.Eventually(t, func() bool {
		alice.Send(ctx, &domain.Envelope{
			UserID:   "alice",
			Sequence: 1,
			Kind:     domain.KindUpdate,
			Cursor:   &domain.CursorPosition{X: 10, Y: 20},
		})
		select {
		case got = <-bob.Inbound():
			return true
		default:
			return false
		}
	}, 15*time.Second, 100*time.Millisecond, "envelope never crossed the data channel")

	assert.Equal(t, domain.UserID("alice"), got.UserID)
	require.NotNil(t, got.Cursor)
	assert.Equal(t, 10.0, got.Cursor.X)

	// The link is symmetric once established.
	var reply *domain.Envelope
	require.Eventually(t, func() bool {
		bob.Send(ctx, &domain.Envelope{UserID: "bob", Sequence: 1, Kind: domain.KindHeartbeat})
		select {
		case reply = <-alice.Inbound():
			return true
		default:
			return false
		}
	}, 15*time.Second, 100*time.Millisecond, "reply never crossed the data channel")

	assert.Equal(t, domain.UserID("bob"), reply.UserID)
	assert.Equal(t, domain.KindHeartbeat, reply.Kind)
}
