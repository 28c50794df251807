package channel

import (
	"context"
	"testing"
	"time"

	"presencenet/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_BroadcastExcludesSender(t *testing.T) {
	hub := NewHub()
	a := hub.Join("a")
	b := hub.Join("b")
	c := hub.Join("c")

	env := &domain.Envelope{UserID: "a", Sequence: 1, Kind: domain.KindUpdate}
	require.NoError(t, a.Send(context.Background(), env))

	for _, transport := range []interface{ Inbound() <-chan *domain.Envelope }{b, c} {
		select {
		case got := <-transport.Inbound():
			assert.Equal(t, domain.UserID("a"), got.UserID)
		case <-time.After(time.Second):
			t.Fatal("expected delivery")
		}
	}

	select {
	case <-a.Inbound():
		t.Fatal("sender must not receive its own envelope")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_LeaveSignalsDeparture(t *testing.T) {
	hub := NewHub()
	a := hub.Join("a")
	b := hub.Join("b")

	require.NoError(t, a.Close())

	select {
	case id := <-b.Departures():
		assert.Equal(t, domain.UserID("a"), id)
	case <-time.After(time.Second):
		t.Fatal("expected departure signal")
	}
}

func TestTransport_SendAfterClose(t *testing.T) {
	hub := NewHub()
	a := hub.Join("a")
	require.NoError(t, a.Close())

	err := a.Send(context.Background(), &domain.Envelope{UserID: "a"})
	assert.ErrorIs(t, err, domain.ErrTransportClosed)
}

func TestHub_DepartureEnvelopeRoutesToDepartures(t *testing.T) {
	hub := NewHub()
	a := hub.Join("a")
	b := hub.Join("b")
	_ = a

	require.NoError(t, b.Send(context.Background(), &domain.Envelope{
		UserID: "b",
		Kind:   domain.KindDeparture,
	}))

	select {
	case id := <-a.Departures():
		assert.Equal(t, domain.UserID("b"), id)
	case <-time.After(time.Second):
		t.Fatal("expected departure routing")
	}
}

func TestHub_RejoinReplacesEndpoint(t *testing.T) {
	hub := NewHub()
	first := hub.Join("a")
	second := hub.Join("a")
	b := hub.Join("b")

	require.NoError(t, b.Send(context.Background(), &domain.Envelope{UserID: "b", Sequence: 1, Kind: domain.KindUpdate}))

	select {
	case _, ok := <-first.Inbound():
		assert.False(t, ok, "replaced endpoint must be closed")
	case <-time.After(time.Second):
		t.Fatal("replaced endpoint should have a closed inbound channel")
	}

	select {
	case got := <-second.Inbound():
		assert.Equal(t, domain.UserID("b"), got.UserID)
	case <-time.After(time.Second):
		t.Fatal("new endpoint must receive")
	}
}
