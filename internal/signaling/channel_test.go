package signaling

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/observer/teacall/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChannel(t *testing.T, hub *MemoryHub, id string, opts ChannelOptions) (*Channel, *Endpoint) {
	t.Helper()
	ep := hub.Endpoint()
	ch := NewChannel(ep, domain.Participant{ID: id, DisplayName: id}, opts)
	t.Cleanup(func() {
		_ = ch.Close()
		_ = ep.Close()
	})
	return ch, ep
}

func TestChannel_JoinRoomIsIdempotent(t *testing.T) {
	hub := NewMemoryHub()
	defer hub.Close()
	ch, _ := newTestChannel(t, hub, "A", ChannelOptions{})

	require.NoError(t, ch.JoinRoom(context.Background(), "room-42"))
	require.NoError(t, ch.JoinRoom(context.Background(), "room-42"))

	assert.Equal(t, 1, hub.Count("room-42", KindJoin))
	assert.True(t, ch.Joined("room-42"))
}

func TestChannel_LeaveRoomOncePerJoin(t *testing.T) {
	hub := NewMemoryHub()
	defer hub.Close()
	ch, _ := newTestChannel(t, hub, "A", ChannelOptions{})

	require.NoError(t, ch.JoinRoom(context.Background(), "room-42"))
	require.NoError(t, ch.LeaveRoom(context.Background(), "room-42"))
	require.NoError(t, ch.LeaveRoom(context.Background(), "room-42"))

	assert.Equal(t, 1, hub.Count("room-42", KindLeave))
	assert.False(t, ch.Joined("room-42"))

	// A fresh join allows one more leave.
	require.NoError(t, ch.JoinRoom(context.Background(), "room-42"))
	require.NoError(t, ch.LeaveRoom(context.Background(), "room-42"))
	assert.Equal(t, 2, hub.Count("room-42", KindLeave))
}

func TestChannel_LeaveWithoutJoinIsNoop(t *testing.T) {
	hub := NewMemoryHub()
	defer hub.Close()
	ch, _ := newTestChannel(t, hub, "A", ChannelOptions{})

	require.NoError(t, ch.LeaveRoom(context.Background(), "room-42"))
	assert.Equal(t, 0, hub.Count("room-42", KindLeave))
}

func TestChannel_SendRequiresJoin(t *testing.T) {
	hub := NewMemoryHub()
	defer hub.Close()
	ch, _ := newTestChannel(t, hub, "A", ChannelOptions{})

	err := ch.Send(context.Background(), NewOffer("room-42", "", "B", "v=0"))
	assert.ErrorIs(t, err, ErrNotJoined)
}

func TestChannel_SendStampsSenderAndTime(t *testing.T) {
	hub := NewMemoryHub()
	defer hub.Close()
	fixed := time.UnixMilli(1700000000123)
	ch, _ := newTestChannel(t, hub, "A", ChannelOptions{Now: func() time.Time { return fixed }})

	require.NoError(t, ch.JoinRoom(context.Background(), "r"))
	env := NewOffer("r", "", "B", "v=0")
	require.NoError(t, ch.Send(context.Background(), env))

	assert.Equal(t, "A", env.From)
	assert.Equal(t, fixed.UnixMilli(), env.Timestamp)

	published := hub.Published()
	require.Len(t, published, 2)
	assert.Equal(t, fixed.UnixMilli(), published[1].Timestamp)
}

func TestChannel_OnMessageFiltersEchoAndMisaddressed(t *testing.T) {
	hub := NewMemoryHub()
	defer hub.Close()
	a, _ := newTestChannel(t, hub, "A", ChannelOptions{})
	b, _ := newTestChannel(t, hub, "B", ChannelOptions{})

	received := make(chan *Envelope, 8)
	cancel, err := b.OnMessage(context.Background(), "r", func(ctx context.Context, env *Envelope) {
		received <- env
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, a.JoinRoom(context.Background(), "r"))
	require.NoError(t, b.JoinRoom(context.Background(), "r"))
	require.NoError(t, b.Send(context.Background(), NewOffer("r", "", "A", "from-b")))
	require.NoError(t, a.Send(context.Background(), NewOffer("r", "", "C", "for-c")))
	require.NoError(t, a.Send(context.Background(), NewOffer("r", "", "B", "for-b")))

	var got []*Envelope
	timeout := time.After(time.Second)
	for len(got) < 2 {
		select {
		case env := <-received:
			got = append(got, env)
		case <-timeout:
			t.Fatalf("got %d envelopes, want 2", len(got))
		}
	}

	assert.Equal(t, KindJoin, got[0].Type)
	assert.Equal(t, "A", got[0].From)
	assert.Equal(t, "for-b", got[1].SDP)

	select {
	case env := <-received:
		t.Fatalf("unexpected envelope %s %q", env.Type, env.SDP)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChannel_OnMessageCancel(t *testing.T) {
	hub := NewMemoryHub()
	defer hub.Close()
	b, _ := newTestChannel(t, hub, "B", ChannelOptions{})

	cancel, err := b.OnMessage(context.Background(), "r", func(ctx context.Context, env *Envelope) {})
	require.NoError(t, err)
	assert.Equal(t, 1, hub.SubscriberCount("r"))

	cancel()
	cancel()
	assert.Equal(t, 0, hub.SubscriberCount("r"))
}

func TestChannel_CandidateLimiterOnlyDropsCandidates(t *testing.T) {
	hub := NewMemoryHub()
	defer hub.Close()
	ch, _ := newTestChannel(t, hub, "A", ChannelOptions{CandidateRate: 0.001, CandidateBurst: 2})

	require.NoError(t, ch.JoinRoom(context.Background(), "r"))
	cand := json.RawMessage(`{"candidate":"candidate:1 1 udp 1 10.0.0.1 9 typ host"}`)
	for i := 0; i < 5; i++ {
		require.NoError(t, ch.Send(context.Background(), NewCandidate("r", "", "B", cand)))
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, ch.Send(context.Background(), NewOffer("r", "", "B", "v=0")))
	}

	assert.Equal(t, 2, hub.Count("r", KindICECandidate))
	assert.Equal(t, 3, hub.Count("r", KindOffer))
	assert.Equal(t, int64(3), ch.Dropped())
}

func TestChannel_OnLinkFanOut(t *testing.T) {
	hub := NewMemoryHub()
	defer hub.Close()
	ch, ep := newTestChannel(t, hub, "A", ChannelOptions{})

	first := make(chan LinkEvent, 1)
	second := make(chan LinkEvent, 1)
	ch.OnLink(func(ev LinkEvent) { first <- ev })
	cancel := ch.OnLink(func(ev LinkEvent) { second <- ev })

	ep.InjectLink(LinkEvent{State: LinkDown})
	for _, c := range []chan LinkEvent{first, second} {
		select {
		case ev := <-c:
			assert.Equal(t, LinkDown, ev.State)
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for link event")
		}
	}

	cancel()
	ep.InjectLink(LinkEvent{State: LinkUp})
	select {
	case ev := <-first:
		assert.Equal(t, LinkUp, ev.State)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for link event")
	}
	select {
	case <-second:
		t.Fatal("cancelled handler called")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChannel_ClosedRejectsJoin(t *testing.T) {
	hub := NewMemoryHub()
	defer hub.Close()
	ch, _ := newTestChannel(t, hub, "A", ChannelOptions{})

	require.NoError(t, ch.Close())
	assert.ErrorIs(t, ch.JoinRoom(context.Background(), "r"), ErrClosed)
}
