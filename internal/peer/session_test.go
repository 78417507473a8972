package peer_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/observer/teacall/internal/domain"
	"github.com/observer/teacall/internal/media"
	"github.com/observer/teacall/internal/peer"
	"github.com/observer/teacall/internal/peer/peertest"
	"github.com/observer/teacall/internal/retry"
	"github.com/observer/teacall/internal/signaling"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testRoom = "A-1767268800000"
	waitFor  = 2 * time.Second
	tick     = 5 * time.Millisecond
)

var (
	alice = domain.Participant{ID: "A", DisplayName: "Alice"}
	bob   = domain.Participant{ID: "B", DisplayName: "Bob"}

	fastRetry = retry.Policy{Attempts: 3, Base: 10 * time.Millisecond, Cap: 40 * time.Millisecond}
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type harness struct {
	t       *testing.T
	hub     *signaling.MemoryHub
	ep      *signaling.Endpoint
	devices *media.SyntheticDevices
	acq     *peertest.Acquirer
	sig     *peertest.Signaler
	factory *peertest.Factory
	remote  *signaling.Channel
	inbox   chan *signaling.Envelope
	session *peer.Session

	mu      sync.Mutex
	changes []domain.CallSession
}

type harnessOption func(*peer.Config)

func withOptions(fn func(*peer.Options)) harnessOption {
	return func(c *peer.Config) { fn(&c.Options) }
}

func withLocal(p domain.Participant) harnessOption {
	return func(c *peer.Config) { c.Local = p }
}

func newHarness(t *testing.T, role domain.Role, opts ...harnessOption) *harness {
	t.Helper()
	logger := testLogger()

	h := &harness{
		t:       t,
		hub:     signaling.NewMemoryHub(),
		devices: media.NewSyntheticDevices(logger),
		factory: &peertest.Factory{},
		inbox:   make(chan *signaling.Envelope, 128),
	}
	h.ep = h.hub.Endpoint()
	h.acq = peertest.NewAcquirer(media.NewDeviceAcquirer(h.devices, time.Second, logger))

	cfg := peer.Config{
		RoomID:  testRoom,
		Role:    role,
		Local:   alice,
		Remote:  bob,
		Factory: h.factory,
		Options: peer.Options{
			MediaTimeout:   time.Second,
			ConnectTimeout: 2 * time.Second,
			SignalTimeout:  time.Second,
			Retry:          fastRetry,
		},
		Logger: logger,
		OnChange: func(cs domain.CallSession) {
			h.mu.Lock()
			h.changes = append(h.changes, cs)
			h.mu.Unlock()
		},
	}
	for _, o := range opts {
		o(&cfg)
	}

	local := signaling.NewChannel(h.ep, cfg.Local, signaling.ChannelOptions{Logger: logger})
	h.sig = peertest.NewSignaler(local)
	cfg.Signaler = h.sig
	cfg.Acquirer = h.acq

	remoteEP := h.hub.Endpoint()
	h.remote = signaling.NewChannel(remoteEP, bob, signaling.ChannelOptions{Logger: logger})
	require.NoError(t, h.remote.JoinRoom(context.Background(), testRoom))
	_, err := h.remote.OnMessage(context.Background(), testRoom, func(ctx context.Context, env *signaling.Envelope) {
		h.inbox <- env
	})
	require.NoError(t, err)

	s, err := peer.New(cfg)
	require.NoError(t, err)
	h.session = s

	t.Cleanup(func() {
		s.End(domain.EndShutdown)
		_ = local.Close()
		_ = h.remote.Close()
		_ = remoteEP.Close()
		_ = h.ep.Close()
		_ = h.hub.Close()
	})
	return h
}

func (h *harness) start() {
	h.t.Helper()
	require.NoError(h.t, h.session.Start(context.Background()))
}

// expect returns the next envelope of kind received by the remote side.
func (h *harness) expect(kind signaling.Kind) *signaling.Envelope {
	h.t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case env := <-h.inbox:
			if env.Type == kind {
				return env
			}
		case <-deadline:
			h.t.Fatalf("remote never received %s", kind)
			return nil
		}
	}
}

func (h *harness) send(env *signaling.Envelope) {
	h.t.Helper()
	require.NoError(h.t, h.remote.Send(context.Background(), env))
}

func (h *harness) waitState(want domain.CallState) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return h.session.Snapshot().State == want
	}, waitFor, tick, "state never reached %s (at %s)", want, h.session.Snapshot().State)
}

func (h *harness) conn() *peertest.Conn {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.factory.Last() != nil }, waitFor, tick)
	return h.factory.Last()
}

// connect drives an initiator to Connected.
func (h *harness) connect() *peertest.Conn {
	h.t.Helper()
	h.start()
	offer := h.expect(signaling.KindOffer)
	h.waitState(domain.StateConnecting)
	h.send(signaling.NewAnswer(testRoom, bob.ID, alice.ID, "answer-from-b:"+offer.SDP))
	conn := h.conn()
	require.Eventually(h.t, func() bool { return len(conn.Remote()) == 1 }, waitFor, tick)
	conn.EmitICE(webrtc.ICEConnectionStateConnected)
	h.waitState(domain.StateConnected)
	return conn
}

func (h *harness) states() []domain.CallState {
	var out []domain.CallState
	for _, tr := range h.session.Summary().Transitions {
		out = append(out, tr.To)
	}
	return out
}

func (h *harness) sawState(want domain.CallState) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, cs := range h.changes {
		if cs.State == want {
			return true
		}
	}
	return false
}

func TestNew_Validation(t *testing.T) {
	base := peer.Config{
		RoomID:   testRoom,
		Role:     domain.RoleInitiator,
		Local:    alice,
		Remote:   bob,
		Signaler: peertest.NewSignaler(nil),
		Acquirer: peertest.NewAcquirer(nil),
		Factory:  &peertest.Factory{},
	}

	cfg := base
	cfg.Remote = alice
	_, err := peer.New(cfg)
	assert.ErrorIs(t, err, domain.ErrSelfCall)

	cfg = base
	cfg.RoomID = ""
	_, err = peer.New(cfg)
	assert.ErrorIs(t, err, domain.ErrInvalidRoom)

	cfg = base
	cfg.Remote = domain.Participant{}
	_, err = peer.New(cfg)
	assert.ErrorIs(t, err, domain.ErrInvalidParticipant)

	cfg = base
	cfg.Role = "spectator"
	_, err = peer.New(cfg)
	assert.Error(t, err)
}

func TestSession_InitiatorReachesConnectedAndHangsUp(t *testing.T) {
	h := newHarness(t, domain.RoleInitiator)
	conn := h.connect()

	snap := h.session.Snapshot()
	assert.Equal(t, domain.RoleInitiator, snap.Role)
	require.NotNil(t, snap.ConnectedAt)
	assert.True(t, snap.Media.HasAudio)
	assert.True(t, snap.Media.AudioEnabled)
	assert.True(t, snap.Media.HasVideo)
	assert.False(t, snap.Media.ScreenShare)

	streams := h.session.Streams()
	assert.Len(t, streams.LocalTrackIDs, 2)
	assert.NotEmpty(t, streams.LocalStreamID)

	h.session.End(domain.EndLocalHangup)

	select {
	case <-h.session.Done():
	case <-time.After(waitFor):
		t.Fatal("session did not finish")
	}
	final := h.session.Snapshot()
	assert.Equal(t, domain.StateEnded, final.State)
	assert.Equal(t, domain.EndLocalHangup, final.EndReason)
	require.NotNil(t, final.EndedAt)
	assert.True(t, h.session.Streams().Empty())

	h.expect(signaling.KindLeave)
	assert.Equal(t, 1, h.acq.Releases())
	assert.Equal(t, 1, h.sig.Leaves())
	assert.True(t, conn.Closed())
	for _, tr := range h.devices.Opened() {
		assert.True(t, tr.Stopped(), tr.ID())
	}

	assert.Equal(t, []domain.CallState{
		domain.StateAcquiringMedia,
		domain.StateAwaitingSignal,
		domain.StateConnecting,
		domain.StateConnected,
		domain.StateEnded,
	}, h.states())
	assert.True(t, h.sawState(domain.StateConnected))
}

func TestSession_ReceiverAnswersOffer(t *testing.T) {
	h := newHarness(t, domain.RoleReceiver)
	h.start()
	h.waitState(domain.StateAwaitingSignal)

	h.send(signaling.NewOffer(testRoom, bob.ID, alice.ID, "offer-from-b"))
	answer := h.expect(signaling.KindAnswer)
	assert.Equal(t, alice.ID, answer.From)
	assert.Equal(t, bob.ID, answer.To)
	h.waitState(domain.StateConnecting)

	conn := h.conn()
	assert.Equal(t, []string{"offer-from-b"}, conn.Remote())
	assert.Empty(t, conn.Offers())

	conn.EmitICE(webrtc.ICEConnectionStateCompleted)
	h.waitState(domain.StateConnected)
}

func TestSession_OfferBeforeMediaIsAnswered(t *testing.T) {
	h := newHarness(t, domain.RoleReceiver)
	release := h.devices.Hold()
	h.start()
	h.waitState(domain.StateAcquiringMedia)

	h.send(signaling.NewOffer(testRoom, bob.ID, alice.ID, "early-offer"))
	time.Sleep(50 * time.Millisecond)
	release()

	h.expect(signaling.KindAnswer)
	h.waitState(domain.StateConnecting)
	assert.Equal(t, []string{"early-offer"}, h.conn().Remote())
}

func TestSession_BuffersCandidatesUntilRemoteDescription(t *testing.T) {
	h := newHarness(t, domain.RoleReceiver)
	h.start()
	h.waitState(domain.StateAwaitingSignal)

	h.send(signaling.NewCandidate(testRoom, bob.ID, alice.ID, json.RawMessage(`{"candidate":"c1"}`)))
	h.send(signaling.NewCandidate(testRoom, bob.ID, alice.ID, json.RawMessage(`{"candidate":"c2"}`)))
	time.Sleep(30 * time.Millisecond)
	conn := h.conn()
	assert.Empty(t, conn.Candidates())

	h.send(signaling.NewOffer(testRoom, bob.ID, alice.ID, "offer-from-b"))
	h.expect(signaling.KindAnswer)
	require.Eventually(t, func() bool { return len(conn.Candidates()) == 2 }, waitFor, tick)
	assert.JSONEq(t, `{"candidate":"c1"}`, string(conn.Candidates()[0]))

	h.send(signaling.NewCandidate(testRoom, bob.ID, alice.ID, json.RawMessage(`{"candidate":"c3"}`)))
	require.Eventually(t, func() bool { return len(conn.Candidates()) == 3 }, waitFor, tick)
}

func TestSession_TricklesLocalCandidates(t *testing.T) {
	h := newHarness(t, domain.RoleInitiator)
	h.start()
	h.expect(signaling.KindOffer)

	h.conn().EmitCandidate(json.RawMessage(`{"candidate":"local-1"}`))
	env := h.expect(signaling.KindICECandidate)
	assert.JSONEq(t, `{"candidate":"local-1"}`, string(env.Candidate))
	assert.Equal(t, bob.ID, env.To)
}

func TestSession_IgnoresStrangers(t *testing.T) {
	h := newHarness(t, domain.RoleReceiver)
	h.start()
	h.waitState(domain.StateAwaitingSignal)

	ep := h.hub.Endpoint()
	defer ep.Close()
	carol := signaling.NewChannel(ep, domain.Participant{ID: "C"}, signaling.ChannelOptions{Logger: testLogger()})
	defer carol.Close()
	require.NoError(t, carol.JoinRoom(context.Background(), testRoom))
	require.NoError(t, carol.Send(context.Background(), signaling.NewOffer(testRoom, "C", alice.ID, "offer-from-c")))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, h.hub.Count(testRoom, signaling.KindAnswer))
	assert.Equal(t, domain.StateAwaitingSignal, h.session.Snapshot().State)
}

func fixedClock(at time.Time) harnessOption {
	return withOptions(func(o *peer.Options) {
		o.Now = func() time.Time { return at }
	})
}

func TestSession_GlareEarlierOfferWins(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	t.Run("remote earlier", func(t *testing.T) {
		h := newHarness(t, domain.RoleInitiator, fixedClock(now))
		h.start()
		local := h.expect(signaling.KindOffer)
		assert.Equal(t, now.UnixMilli(), local.Timestamp)

		remote := signaling.NewOffer(testRoom, bob.ID, alice.ID, "offer-from-b")
		remote.Timestamp = now.UnixMilli() - 500
		h.send(remote)

		h.expect(signaling.KindAnswer)
		conn := h.conn()
		assert.Equal(t, 1, conn.Rollbacks())
		assert.Equal(t, []string{"offer-from-b"}, conn.Remote())
		assert.Equal(t, domain.RoleReceiver, h.session.Snapshot().Role)
	})

	t.Run("remote later", func(t *testing.T) {
		h := newHarness(t, domain.RoleInitiator, fixedClock(now))
		h.start()
		local := h.expect(signaling.KindOffer)

		remote := signaling.NewOffer(testRoom, bob.ID, alice.ID, "offer-from-b")
		remote.Timestamp = now.UnixMilli() + 500
		h.send(remote)

		h.send(signaling.NewAnswer(testRoom, bob.ID, alice.ID, "answer-to:"+local.SDP))
		conn := h.conn()
		require.Eventually(t, func() bool { return len(conn.Remote()) == 1 }, waitFor, tick)
		assert.Equal(t, []string{"answer-to:" + local.SDP}, conn.Remote())
		assert.Zero(t, conn.Rollbacks())
		assert.Zero(t, h.sig.Count(signaling.KindAnswer))
		assert.Equal(t, domain.RoleInitiator, h.session.Snapshot().Role)
	})

	t.Run("tie goes to smaller id", func(t *testing.T) {
		h := newHarness(t, domain.RoleInitiator, fixedClock(now))
		h.start()
		h.expect(signaling.KindOffer)

		remote := signaling.NewOffer(testRoom, bob.ID, alice.ID, "offer-from-b")
		remote.Timestamp = now.UnixMilli()
		h.send(remote)

		time.Sleep(50 * time.Millisecond)
		assert.Zero(t, h.conn().Rollbacks())
		assert.Equal(t, domain.RoleInitiator, h.session.Snapshot().Role)
	})

	t.Run("tie lost by larger id", func(t *testing.T) {
		zed := domain.Participant{ID: "Z", DisplayName: "Zed"}
		h := newHarness(t, domain.RoleInitiator, fixedClock(now), withLocal(zed))
		h.start()
		h.expect(signaling.KindOffer)

		remote := signaling.NewOffer(testRoom, bob.ID, zed.ID, "offer-from-b")
		remote.Timestamp = now.UnixMilli()
		h.send(remote)

		h.expect(signaling.KindAnswer)
		assert.Equal(t, 1, h.conn().Rollbacks())
		assert.Equal(t, domain.RoleReceiver, h.session.Snapshot().Role)
	})
}

func TestSession_GlareRebuildsWhenRollbackFails(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, domain.RoleInitiator, fixedClock(now))
	h.factory.RollbackErr = errors.New("rollback unsupported")
	h.start()
	h.expect(signaling.KindOffer)

	remote := signaling.NewOffer(testRoom, bob.ID, alice.ID, "offer-from-b")
	remote.Timestamp = now.UnixMilli() - 1
	h.send(remote)

	h.expect(signaling.KindAnswer)
	conns := h.factory.All()
	require.Len(t, conns, 2)
	assert.True(t, conns[0].Closed())
	assert.Equal(t, []string{"offer-from-b"}, conns[1].Remote())
	assert.Equal(t, domain.RoleReceiver, h.session.Snapshot().Role)
}

func TestSession_ResendsOfferWhenRemoteJoinsLate(t *testing.T) {
	h := newHarness(t, domain.RoleInitiator)
	dropped := false
	h.hub.SetDrop(func(env *signaling.Envelope) bool {
		if env.Type == signaling.KindOffer && !dropped {
			dropped = true
			return true
		}
		return false
	})
	h.start()
	h.waitState(domain.StateConnecting)

	ep := h.hub.Endpoint()
	defer ep.Close()
	late := signaling.NewChannel(ep, bob, signaling.ChannelOptions{Logger: testLogger()})
	defer late.Close()
	require.NoError(t, late.JoinRoom(context.Background(), testRoom))

	resent := h.expect(signaling.KindOffer)
	var offers []signaling.Envelope
	for _, e := range h.hub.Published() {
		if e.Type == signaling.KindOffer {
			offers = append(offers, e)
		}
	}
	require.Len(t, offers, 2)
	assert.Equal(t, offers[0].Timestamp, resent.Timestamp)
	assert.Equal(t, offers[0].SDP, resent.SDP)
	assert.Len(t, h.conn().Offers(), 1)
}

func TestSession_EndDuringAcquisitionReleasesLateMedia(t *testing.T) {
	h := newHarness(t, domain.RoleInitiator)
	release := h.devices.Hold()
	h.start()
	h.waitState(domain.StateAcquiringMedia)

	h.session.End(domain.EndLocalHangup)
	assert.Equal(t, domain.StateEnded, h.session.Snapshot().State)
	release()

	require.Eventually(t, func() bool {
		opened := h.devices.Opened()
		if len(opened) != 2 {
			return false
		}
		for _, tr := range opened {
			if !tr.Stopped() {
				return false
			}
		}
		return true
	}, waitFor, tick)

	assert.Empty(t, h.factory.All())
	assert.Equal(t, 0, h.hub.Count(testRoom, signaling.KindOffer))
	assert.Equal(t, domain.StateEnded, h.session.Snapshot().State)
	assert.Equal(t, 1, h.acq.Releases())
}

func TestSession_AcquisitionFailure(t *testing.T) {
	h := newHarness(t, domain.RoleInitiator)
	h.devices.FailUserMedia(media.ErrPermissionDenied)
	h.start()
	h.waitState(domain.StateFailed)

	f := h.session.Snapshot().Failure
	require.NotNil(t, f)
	assert.Equal(t, domain.FailureAcquisition, f.Kind)
	assert.Equal(t, domain.CodePermissionDenied, f.Code)
	assert.Empty(t, h.factory.All())
	assert.Equal(t, 1, h.sig.Leaves())
}

func TestSession_JoinFailure(t *testing.T) {
	h := newHarness(t, domain.RoleInitiator)
	h.sig.JoinErr = errors.New("relay refused")
	h.start()
	h.waitState(domain.StateFailed)

	f := h.session.Snapshot().Failure
	require.NotNil(t, f)
	assert.Equal(t, domain.FailureSignaling, f.Kind)
	assert.Equal(t, domain.CodeJoinFailed, f.Code)
	assert.Equal(t, 1, h.acq.Releases())
	assert.Equal(t, 1, h.sig.Leaves())
}

func TestSession_ConnectionSetupFailure(t *testing.T) {
	h := newHarness(t, domain.RoleInitiator)
	h.factory.Err = errors.New("no ice agent")
	h.start()
	h.waitState(domain.StateFailed)

	f := h.session.Snapshot().Failure
	require.NotNil(t, f)
	assert.Equal(t, domain.FailureNegotiation, f.Kind)
	assert.Equal(t, domain.CodeConnection, f.Code)
	for _, tr := range h.devices.Opened() {
		assert.True(t, tr.Stopped())
	}
}

func TestSession_ConnectTimeout(t *testing.T) {
	short := withOptions(func(o *peer.Options) { o.ConnectTimeout = 150 * time.Millisecond })

	t.Run("no answer", func(t *testing.T) {
		h := newHarness(t, domain.RoleInitiator, short)
		h.start()
		h.waitState(domain.StateFailed)
		f := h.session.Snapshot().Failure
		require.NotNil(t, f)
		assert.Equal(t, domain.FailureNegotiation, f.Kind)
		assert.Equal(t, domain.CodeNoAnswer, f.Code)
	})

	t.Run("no offer", func(t *testing.T) {
		h := newHarness(t, domain.RoleReceiver, short)
		h.start()
		h.waitState(domain.StateFailed)
		assert.Equal(t, domain.CodeNoOffer, h.session.Snapshot().Failure.Code)
	})

	t.Run("answered but never connected", func(t *testing.T) {
		h := newHarness(t, domain.RoleReceiver, short)
		h.start()
		h.waitState(domain.StateAwaitingSignal)
		h.send(signaling.NewOffer(testRoom, bob.ID, alice.ID, "offer-from-b"))
		h.waitState(domain.StateFailed)
		f := h.session.Snapshot().Failure
		assert.Equal(t, domain.FailureConnectivity, f.Kind)
		assert.Equal(t, domain.CodeTimeout, f.Code)
	})
}

func TestSession_ICEFailedWhileConnecting(t *testing.T) {
	h := newHarness(t, domain.RoleInitiator)
	h.start()
	h.expect(signaling.KindOffer)
	h.waitState(domain.StateConnecting)

	h.conn().EmitICE(webrtc.ICEConnectionStateFailed)
	h.waitState(domain.StateFailed)
	assert.Equal(t, domain.CodeICEFailed, h.session.Snapshot().Failure.Code)
}

func TestSession_ReconnectRecovers(t *testing.T) {
	h := newHarness(t, domain.RoleInitiator, withOptions(func(o *peer.Options) {
		o.Retry = retry.Policy{Attempts: 3, Base: time.Second, Cap: 8 * time.Second}
	}))
	conn := h.connect()
	connectedAt := *h.session.Snapshot().ConnectedAt

	conn.EmitICE(webrtc.ICEConnectionStateDisconnected)
	h.waitState(domain.StateReconnecting)

	conn.EmitICE(webrtc.ICEConnectionStateConnected)
	h.waitState(domain.StateConnected)
	assert.Equal(t, connectedAt, *h.session.Snapshot().ConnectedAt)
}

func TestSession_ReconnectBudgetExhausted(t *testing.T) {
	h := newHarness(t, domain.RoleInitiator)
	conn := h.connect()

	conn.EmitICE(webrtc.ICEConnectionStateDisconnected)
	h.waitState(domain.StateFailed)

	f := h.session.Snapshot().Failure
	require.NotNil(t, f)
	assert.Equal(t, domain.FailureConnectivity, f.Kind)
	assert.Equal(t, domain.CodeRetryExhausted, f.Code)

	restarts := 0
	for _, o := range conn.Offers() {
		if o.ICERestart {
			restarts++
		}
	}
	assert.Equal(t, fastRetry.Attempts, restarts)
	assert.True(t, conn.Closed())
	assert.Equal(t, 1, h.acq.Releases())

	// Failed stays until acknowledged.
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, domain.StateFailed, h.session.Snapshot().State)

	h.session.End(domain.EndDismissed)
	assert.Equal(t, domain.StateEnded, h.session.Snapshot().State)
	assert.Equal(t, 1, h.acq.Releases())
	assert.Equal(t, 1, h.sig.Leaves())
}

func TestSession_RemoteLeaveEndsCall(t *testing.T) {
	h := newHarness(t, domain.RoleInitiator)
	h.connect()

	require.NoError(t, h.remote.LeaveRoom(context.Background(), testRoom))
	h.waitState(domain.StateEnded)
	assert.Equal(t, domain.EndRemoteHangup, h.session.Snapshot().EndReason)
	assert.Equal(t, 1, h.acq.Releases())
}

func TestSession_SignalingLinkDownAndUp(t *testing.T) {
	h := newHarness(t, domain.RoleInitiator, withOptions(func(o *peer.Options) {
		o.Retry = retry.Policy{Attempts: 3, Base: time.Second, Cap: 8 * time.Second}
	}))
	h.connect()

	h.ep.InjectLink(signaling.LinkEvent{State: signaling.LinkDown})
	h.waitState(domain.StateReconnecting)

	h.ep.InjectLink(signaling.LinkEvent{State: signaling.LinkUp})
	h.waitState(domain.StateConnected)
}

func TestSession_SignalingLinkLost(t *testing.T) {
	h := newHarness(t, domain.RoleInitiator)
	h.connect()

	h.ep.InjectLink(signaling.LinkEvent{State: signaling.LinkLost, Err: errors.New("relay gone")})
	h.waitState(domain.StateFailed)

	f := h.session.Snapshot().Failure
	assert.Equal(t, domain.FailureSignaling, f.Kind)
	assert.Equal(t, domain.CodeChannelLost, f.Code)
}

func TestSession_LinkDownOutlastsBudget(t *testing.T) {
	h := newHarness(t, domain.RoleInitiator)
	conn := h.connect()

	h.ep.InjectLink(signaling.LinkEvent{State: signaling.LinkDown})
	h.waitState(domain.StateFailed)
	assert.Equal(t, domain.CodeChannelLost, h.session.Snapshot().Failure.Code)

	for _, o := range conn.Offers() {
		assert.False(t, o.ICERestart, "no restart offers while the relay is down")
	}
}

func TestSession_ToggleSendsNothing(t *testing.T) {
	h := newHarness(t, domain.RoleInitiator)

	_, err := h.session.ToggleAudio()
	assert.ErrorIs(t, err, domain.ErrSessionClosed)

	h.connect()
	sent := len(h.sig.Sent())

	enabled, err := h.session.ToggleAudio()
	require.NoError(t, err)
	assert.False(t, enabled)
	enabled, err = h.session.ToggleVideo()
	require.NoError(t, err)
	assert.False(t, enabled)

	require.Eventually(t, func() bool {
		m := h.session.Snapshot().Media
		return !m.AudioEnabled && !m.VideoEnabled
	}, waitFor, tick)
	assert.True(t, h.session.Snapshot().Media.Muted())

	enabled, err = h.session.ToggleAudio()
	require.NoError(t, err)
	assert.True(t, enabled)

	assert.Len(t, h.sig.Sent(), sent)
	assert.Len(t, h.conn().Offers(), 1)

	h.session.End(domain.EndLocalHangup)
	_, err = h.session.ToggleVideo()
	assert.ErrorIs(t, err, domain.ErrSessionClosed)
}

func TestSession_ToggleWithoutVideoTrack(t *testing.T) {
	h := newHarness(t, domain.RoleInitiator, withOptions(func(o *peer.Options) {
		o.Constraints = media.Constraints{Audio: true}
	}))
	h.start()
	h.waitState(domain.StateConnecting)

	_, err := h.session.ToggleVideo()
	assert.ErrorIs(t, err, domain.ErrNoVideoTrack)
	require.NotNil(t, h.conn().VideoSender(), "a video sender exists for a later screen share")
}

func TestSession_SwapToScreenAndBack(t *testing.T) {
	h := newHarness(t, domain.RoleInitiator)
	conn := h.connect()
	video := conn.VideoSender()
	audio := conn.AudioSender()
	camera := video.Track()
	require.NotNil(t, camera)

	require.NoError(t, h.session.SwapVideoSource(context.Background(), true))
	require.Eventually(t, func() bool { return h.session.Snapshot().Media.ScreenShare }, waitFor, tick)
	assert.NotEqual(t, camera, video.Track())
	assert.Equal(t, 1, video.Replaced())
	assert.Zero(t, audio.Replaced())
	assert.Len(t, conn.Offers(), 1, "swap must not renegotiate")

	// already sharing
	require.NoError(t, h.session.SwapVideoSource(context.Background(), true))
	assert.Equal(t, 1, video.Replaced())

	require.NoError(t, h.session.SwapVideoSource(context.Background(), false))
	require.Eventually(t, func() bool { return !h.session.Snapshot().Media.ScreenShare }, waitFor, tick)
	assert.Equal(t, 2, video.Replaced())
	assert.True(t, h.session.Snapshot().Media.AudioEnabled)

	for _, tr := range h.devices.Opened() {
		if tr.Source() == media.SourceDisplay {
			assert.True(t, tr.Stopped(), "display track released on swap back")
		}
	}
}

func TestSession_StopSharingFallsBackToCamera(t *testing.T) {
	h := newHarness(t, domain.RoleInitiator)
	conn := h.connect()
	video := conn.VideoSender()

	require.NoError(t, h.session.SwapVideoSource(context.Background(), true))
	require.Eventually(t, func() bool { return h.session.Snapshot().Media.ScreenShare }, waitFor, tick)

	require.True(t, h.devices.EndDisplayCapture())
	require.Eventually(t, func() bool {
		m := h.session.Snapshot().Media
		return !m.ScreenShare && m.HasVideo
	}, waitFor, tick)
	assert.Equal(t, 2, video.Replaced())
	assert.NotNil(t, video.Track())
}

func TestSession_StopSharingWithoutCameraTurnsVideoOff(t *testing.T) {
	h := newHarness(t, domain.RoleInitiator)
	conn := h.connect()
	video := conn.VideoSender()

	require.NoError(t, h.session.SwapVideoSource(context.Background(), true))
	require.Eventually(t, func() bool { return h.session.Snapshot().Media.ScreenShare }, waitFor, tick)

	h.devices.FailCamera(media.ErrDeviceBusy)
	require.True(t, h.devices.EndDisplayCapture())
	require.Eventually(t, func() bool {
		m := h.session.Snapshot().Media
		return !m.ScreenShare && !m.HasVideo
	}, waitFor, tick)
	assert.Nil(t, video.Track())
	assert.True(t, h.session.Snapshot().Media.HasAudio)
	assert.Equal(t, domain.StateConnected, h.session.Snapshot().State)
}

func TestSession_DisplayEndedBeforeSwapApplied(t *testing.T) {
	h := newHarness(t, domain.RoleInitiator)
	conn := h.connect()
	video := conn.VideoSender()

	h.devices.EndDisplayOnOpen(true)
	require.NoError(t, h.session.SwapVideoSource(context.Background(), true))

	require.Eventually(t, func() bool {
		m := h.session.Snapshot().Media
		return !m.ScreenShare && m.HasVideo && video.Replaced() == 2
	}, waitFor, tick)
	require.NotNil(t, video.Track())
	for _, tr := range h.devices.Opened() {
		if tr.Source() == media.SourceCamera && tr.Local() == video.Track() {
			assert.False(t, tr.Stopped())
		}
	}
}

func TestSession_SwapFailureKeepsCamera(t *testing.T) {
	h := newHarness(t, domain.RoleInitiator)
	conn := h.connect()
	video := conn.VideoSender()
	camera := video.Track()

	h.devices.FailDisplay(media.ErrPermissionDenied)
	err := h.session.SwapVideoSource(context.Background(), true)
	require.Error(t, err)

	var ae *media.AcquireError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, media.ReasonPermissionDenied, ae.Reason)
	assert.Equal(t, camera, video.Track())
	assert.False(t, h.session.Snapshot().Media.ScreenShare)
}

func TestSession_RemoteTracksAreExposed(t *testing.T) {
	h := newHarness(t, domain.RoleInitiator)
	conn := h.connect()

	conn.EmitRemoteTrack(domain.RemoteTrack{ID: "rv", StreamID: "rs", Kind: "video"})
	require.Eventually(t, func() bool { return len(h.session.Snapshot().RemoteTracks) == 1 }, waitFor, tick)
	assert.Equal(t, "rs", h.session.Streams().Remote[0].StreamID)
}

func TestSession_EndIsIdempotent(t *testing.T) {
	h := newHarness(t, domain.RoleInitiator)
	h.connect()

	h.session.End(domain.EndLocalHangup)
	h.session.End(domain.EndRemoteHangup)

	assert.Equal(t, domain.EndLocalHangup, h.session.Snapshot().EndReason)
	assert.Equal(t, 1, h.acq.Releases())
	assert.Equal(t, 1, h.sig.Leaves())
	assert.Equal(t, 1, h.hub.Count(testRoom, signaling.KindLeave))
}

func TestSession_StartRules(t *testing.T) {
	h := newHarness(t, domain.RoleInitiator)
	h.start()
	assert.ErrorIs(t, h.session.Start(context.Background()), peer.ErrAlreadyStarted)

	idle := newHarness(t, domain.RoleReceiver)
	idle.session.End(domain.EndLocalHangup)
	assert.Equal(t, domain.StateEnded, idle.session.Snapshot().State)
	assert.ErrorIs(t, idle.session.Start(context.Background()), domain.ErrSessionClosed)
	assert.Equal(t, 1, idle.acq.Releases())
	assert.Zero(t, idle.sig.Joins())
}

func TestSession_SummaryCarriesStats(t *testing.T) {
	h := newHarness(t, domain.RoleInitiator)
	conn := h.connect()
	conn.Counters = domain.TransportStats{PacketsReceived: 42, BytesReceived: 4200}

	h.session.End(domain.EndLocalHangup)
	sum := h.session.Summary()
	assert.Equal(t, uint64(42), sum.Stats.PacketsReceived)
	assert.Equal(t, domain.StateEnded, sum.Session.State)
	assert.NotEmpty(t, sum.Transitions)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, peer.CanTransition(domain.StateIdle, domain.StateAcquiringMedia))
	assert.True(t, peer.CanTransition(domain.StateReconnecting, domain.StateConnected))
	assert.True(t, peer.CanTransition(domain.StateFailed, domain.StateEnded))
	assert.False(t, peer.CanTransition(domain.StateIdle, domain.StateConnected))
	assert.False(t, peer.CanTransition(domain.StateEnded, domain.StateIdle))
	assert.False(t, peer.CanTransition(domain.StateFailed, domain.StateConnected))
}
