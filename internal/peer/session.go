package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/observer/teacall/internal/domain"
	"github.com/observer/teacall/internal/media"
	"github.com/observer/teacall/internal/signaling"
	"github.com/pion/webrtc/v4"
)

// Config wires a Session to its collaborators.
type Config struct {
	// ID defaults to a random UUID.
	ID       string
	RoomID   string
	Role     domain.Role
	Local    domain.Participant
	Remote   domain.Participant
	Signaler Signaler
	Acquirer media.Acquirer
	Factory  ConnectionFactory
	Options  Options
	Logger   *slog.Logger
	// OnChange is called from the session goroutine after every state or
	// media change. It must not block.
	OnChange func(domain.CallSession)
}

// Streams names the media handles of a session without exposing them.
type Streams struct {
	LocalStreamID string               `json:"local_stream_id,omitempty"`
	LocalTrackIDs []string             `json:"local_track_ids,omitempty"`
	Remote        []domain.RemoteTrack `json:"remote,omitempty"`
}

// Empty reports whether there is nothing to render.
func (s Streams) Empty() bool {
	return len(s.LocalTrackIDs) == 0 && len(s.Remote) == 0
}

// transitions lists the allowed moves out of each state.
var transitions = map[domain.CallState][]domain.CallState{
	domain.StateIdle:           {domain.StateAcquiringMedia, domain.StateEnded},
	domain.StateAcquiringMedia: {domain.StateAwaitingSignal, domain.StateFailed, domain.StateEnded},
	domain.StateAwaitingSignal: {domain.StateConnecting, domain.StateFailed, domain.StateEnded},
	domain.StateConnecting:     {domain.StateConnected, domain.StateFailed, domain.StateEnded},
	domain.StateConnected:      {domain.StateReconnecting, domain.StateFailed, domain.StateEnded},
	domain.StateReconnecting:   {domain.StateConnected, domain.StateFailed, domain.StateEnded},
	domain.StateFailed:         {domain.StateEnded},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to domain.CallState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type timerKind int

const (
	timerConnect timerKind = iota
	timerRetry
)

// events processed by the session goroutine
type startEvent struct{}

type mediaEvent struct {
	set *media.TrackSet
	err error
}

type signalEvent struct{ env *signaling.Envelope }

type iceEvent struct{ state webrtc.ICEConnectionState }

type candidateEvent struct{ candidate json.RawMessage }

type remoteTrackEvent struct{ track domain.RemoteTrack }

type linkEvent struct{ ev signaling.LinkEvent }

type timerEvent struct {
	kind timerKind
	seq  uint64
}

type toggleEvent struct {
	kind  media.Kind
	reply chan toggleResult
}

type swapEvent struct {
	toScreen bool
	reply    chan error
}

type swapResultEvent struct {
	toScreen bool
	track    media.Track
	err      error
	reply    chan error
	fallback bool
}

type displayEndedEvent struct{ trackID string }

type endEvent struct{ reason domain.EndReason }

type toggleResult struct {
	enabled bool
	err     error
}

// Session is one call attempt between the local and one remote participant.
// Every event runs to completion on a single goroutine, so the fields below
// the loop marker are never touched concurrently.
type Session struct {
	id       string
	roomID   string
	local    domain.Participant
	remote   domain.Participant
	sig      Signaler
	acq      media.Acquirer
	factory  ConnectionFactory
	opts     Options
	logger   *slog.Logger
	onChange func(domain.CallSession)

	ctx     context.Context
	cancel  context.CancelFunc
	events  chan any
	quit    chan struct{}
	done    chan struct{}
	started atomic.Bool

	postMu sync.RWMutex
	closed bool

	snapMu  sync.RWMutex
	snap    domain.CallSession
	streams Streams
	summary domain.CallSummary

	// loop-owned
	role              domain.Role
	state             domain.CallState
	startedAt         time.Time
	connectedAt       *time.Time
	endedAt           *time.Time
	failure           *domain.Failure
	endReason         domain.EndReason
	history           []domain.Transition
	tracks            *media.TrackSet
	conn              Connection
	audioSender       Sender
	videoSender       Sender
	remoteTracks      []domain.RemoteTrack
	pendingOffer      *signaling.Envelope
	pendingCandidates []json.RawMessage
	offer             *signaling.Envelope
	answered          bool
	iceConnected      bool
	linkDown          bool
	retries           int
	swapping          bool
	tornDown          bool
	stats             domain.TransportStats
	unsubscribe       func()
	unlink            func()
	timers            map[timerKind]*time.Timer
	timerSeq          map[timerKind]uint64
}

// New creates a session in Idle and starts its event loop.
func New(cfg Config) (*Session, error) {
	if err := cfg.Remote.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Local.Validate(); err != nil {
		return nil, err
	}
	if cfg.Local.ID == cfg.Remote.ID {
		return nil, domain.ErrSelfCall
	}
	if cfg.RoomID == "" {
		return nil, domain.ErrInvalidRoom
	}
	if cfg.Signaler == nil || cfg.Acquirer == nil || cfg.Factory == nil {
		return nil, errors.New("peer: signaler, acquirer and factory are required")
	}
	if cfg.Role != domain.RoleInitiator && cfg.Role != domain.RoleReceiver {
		return nil, fmt.Errorf("peer: unknown role %q", cfg.Role)
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:       cfg.ID,
		roomID:   cfg.RoomID,
		local:    cfg.Local,
		remote:   cfg.Remote,
		sig:      cfg.Signaler,
		acq:      cfg.Acquirer,
		factory:  cfg.Factory,
		opts:     cfg.Options.withDefaults(),
		logger:   logger.With("component", "peer", "session_id", cfg.ID, "room_id", cfg.RoomID),
		onChange: cfg.OnChange,
		ctx:      ctx,
		cancel:   cancel,
		events:   make(chan any, 256),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		role:     cfg.Role,
		state:    domain.StateIdle,
		timers:   make(map[timerKind]*time.Timer),
		timerSeq: make(map[timerKind]uint64),
	}
	s.snap = s.snapshot()

	go s.run()
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// RoomID returns the signaling room.
func (s *Session) RoomID() string { return s.roomID }

// Start moves the session out of Idle. The initiator offers once local
// media is attached; the receiver waits for an offer.
func (s *Session) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if !s.postCtx(ctx, startEvent{}) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return domain.ErrSessionClosed
	}
	return nil
}

// End finishes the session from any state and returns once media has been
// released, the connection closed and the room left. Later calls are no-ops.
func (s *Session) End(reason domain.EndReason) {
	s.post(endEvent{reason: reason})
	<-s.done
}

// ToggleAudio flips the microphone enabled flag and returns the new value.
// Nothing is signaled; the remote side just hears silence.
func (s *Session) ToggleAudio() (bool, error) {
	return s.toggle(media.KindAudio)
}

// ToggleVideo flips the outgoing video enabled flag.
func (s *Session) ToggleVideo() (bool, error) {
	return s.toggle(media.KindVideo)
}

func (s *Session) toggle(kind media.Kind) (bool, error) {
	reply := make(chan toggleResult, 1)
	if !s.post(toggleEvent{kind: kind, reply: reply}) {
		return false, domain.ErrSessionClosed
	}
	select {
	case r := <-reply:
		return r.enabled, r.err
	case <-s.done:
		return false, domain.ErrSessionClosed
	}
}

// SwapVideoSource switches the outgoing video between camera and screen
// capture on the existing sender, without renegotiation.
func (s *Session) SwapVideoSource(ctx context.Context, toScreen bool) error {
	reply := make(chan error, 1)
	if !s.postCtx(ctx, swapEvent{toScreen: toScreen, reply: reply}) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return domain.ErrSessionClosed
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return domain.ErrSessionClosed
	}
}

// Snapshot returns the latest published state.
func (s *Session) Snapshot() domain.CallSession {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.snap
}

// Streams returns the current local and remote stream handles.
func (s *Session) Streams() Streams {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.streams
}

// Done is closed once the session has reached Ended.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Summary returns the final state, timeline and transport counters.
// It is complete once Done is closed.
func (s *Session) Summary() domain.CallSummary {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.summary
}

// post hands ev to the loop. It returns false once the session is gone;
// the caller then owns any resource carried by ev.
func (s *Session) post(ev any) bool {
	return s.postCtx(context.Background(), ev)
}

func (s *Session) postCtx(ctx context.Context, ev any) bool {
	s.postMu.RLock()
	defer s.postMu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.events <- ev:
		return true
	case <-s.quit:
		return false
	case <-ctx.Done():
		return false
	}
}

// tryPost is used from connection callbacks, which must never block.
func (s *Session) tryPost(ev any) {
	s.postMu.RLock()
	defer s.postMu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("event queue full, dropping connection event", "event", fmt.Sprintf("%T", ev))
	}
}

func (s *Session) run() {
	defer close(s.done)

	for ev := range s.events {
		s.handle(ev)
		s.publish()
		if s.state == domain.StateEnded {
			s.exit()
			return
		}
	}
}

// exit stops accepting events and disposes of anything still queued.
func (s *Session) exit() {
	close(s.quit)
	s.postMu.Lock()
	s.closed = true
	s.postMu.Unlock()

	for {
		select {
		case ev := <-s.events:
			s.discard(ev)
		default:
			s.snapMu.Lock()
			s.summary = domain.CallSummary{
				Session:     s.snap,
				Transitions: append([]domain.Transition(nil), s.history...),
				Stats:       s.stats,
			}
			s.snapMu.Unlock()
			s.logger.Info("call session finished", "reason", s.endReason, "transitions", len(s.history))
			return
		}
	}
}

func (s *Session) discard(ev any) {
	switch ev := ev.(type) {
	case mediaEvent:
		if ev.set != nil {
			s.logger.Info("discarding media acquired after the call ended")
			ev.set.StopAll()
		}
	case swapResultEvent:
		if ev.track != nil {
			ev.track.Stop()
		}
		if ev.reply != nil {
			ev.reply <- domain.ErrSessionClosed
		}
	case toggleEvent:
		ev.reply <- toggleResult{err: domain.ErrSessionClosed}
	case swapEvent:
		ev.reply <- domain.ErrSessionClosed
	}
}

func (s *Session) handle(ev any) {
	switch ev := ev.(type) {
	case startEvent:
		s.onStart()
	case mediaEvent:
		s.onMedia(ev.set, ev.err)
	case signalEvent:
		s.onSignal(ev.env)
	case iceEvent:
		s.onICE(ev.state)
	case candidateEvent:
		s.onLocalCandidate(ev.candidate)
	case remoteTrackEvent:
		s.remoteTracks = append(s.remoteTracks, ev.track)
		s.logger.Info("remote track started", "kind", ev.track.Kind, "track_id", ev.track.ID)
	case linkEvent:
		s.onLink(ev.ev)
	case timerEvent:
		s.onTimer(ev.kind, ev.seq)
	case toggleEvent:
		enabled, err := s.onToggle(ev.kind)
		ev.reply <- toggleResult{enabled: enabled, err: err}
	case swapEvent:
		s.onSwap(ev.toScreen, ev.reply)
	case swapResultEvent:
		s.onSwapResult(ev)
	case displayEndedEvent:
		s.onDisplayEnded(ev.trackID)
	case endEvent:
		s.end(ev.reason, string(ev.reason))
	}
}

func (s *Session) transition(to domain.CallState, cause string) {
	from := s.state
	if from == to {
		return
	}
	if !CanTransition(from, to) {
		s.logger.Error("illegal state transition ignored", "from", from, "to", to, "cause", cause)
		return
	}
	s.state = to
	s.history = append(s.history, domain.Transition{From: from, To: to, At: s.opts.Now(), Cause: cause})
	s.logger.Info("call state changed", "from", from.String(), "to", to.String(), "cause", cause)
}

func (s *Session) onStart() {
	if s.state != domain.StateIdle {
		return
	}
	s.startedAt = s.opts.Now()
	s.transition(domain.StateAcquiringMedia, "start")

	unsubscribe, err := s.sig.OnMessage(s.ctx, s.roomID, func(ctx context.Context, env *signaling.Envelope) {
		s.post(signalEvent{env: env})
	})
	if err != nil {
		s.fail(domain.NewFailure(domain.FailureSignaling, domain.CodeJoinFailed, err))
		return
	}
	s.unsubscribe = unsubscribe
	s.unlink = s.sig.OnLink(func(ev signaling.LinkEvent) {
		s.post(linkEvent{ev: ev})
	})

	ctx, cancel := context.WithTimeout(s.ctx, s.opts.SignalTimeout)
	err = s.sig.JoinRoom(ctx, s.roomID)
	cancel()
	if err != nil {
		s.fail(domain.NewFailure(domain.FailureSignaling, domain.CodeJoinFailed, err))
		return
	}

	go s.acquireMedia()
}

func (s *Session) acquireMedia() {
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.MediaTimeout)
	defer cancel()

	set, err := s.acq.AcquireCameraAndMic(ctx, s.opts.Constraints)
	if !s.post(mediaEvent{set: set, err: err}) && set != nil {
		set.StopAll()
	}
}

func (s *Session) onMedia(set *media.TrackSet, err error) {
	if s.state != domain.StateAcquiringMedia {
		// the call moved on while the device prompt was open
		if set != nil {
			set.StopAll()
		}
		return
	}
	if err != nil {
		var ae *media.AcquireError
		if errors.As(err, &ae) {
			s.fail(ae.Failure())
		} else {
			s.fail(domain.NewFailure(domain.FailureAcquisition, domain.CodeUnknown, err))
		}
		return
	}

	s.tracks = set
	if err := s.setupConnection(); err != nil {
		s.fail(domain.NewFailure(domain.FailureNegotiation, domain.CodeConnection, err))
		return
	}

	s.transition(domain.StateAwaitingSignal, "media acquired")
	s.armTimer(timerConnect, s.opts.ConnectTimeout)

	if env := s.pendingOffer; env != nil {
		s.pendingOffer = nil
		if s.role == domain.RoleInitiator {
			s.logger.Info("remote offered before local media was ready, answering instead")
			s.role = domain.RoleReceiver
		}
		s.acceptOffer(env)
		return
	}

	if s.role == domain.RoleInitiator {
		if s.sendOffer(false) {
			s.transition(domain.StateConnecting, "offer sent")
		}
	}
}

// setupConnection creates the peer connection and attaches local media.
// A video sender always exists so a later screen share needs no renegotiation.
func (s *Session) setupConnection() error {
	conn, err := s.factory.NewConnection()
	if err != nil {
		return err
	}
	conn.OnLocalCandidate(func(c json.RawMessage) { s.tryPost(candidateEvent{candidate: c}) })
	conn.OnICEStateChange(func(st webrtc.ICEConnectionState) { s.tryPost(iceEvent{state: st}) })
	conn.OnRemoteTrack(func(t domain.RemoteTrack) { s.tryPost(remoteTrackEvent{track: t}) })

	var audio, video Sender
	if s.tracks.Audio != nil {
		audio, err = conn.AddTrack(s.tracks.Audio.Local())
	} else {
		_, err = conn.AddTransceiver(media.KindAudio, false)
	}
	if err == nil {
		if s.tracks.Video != nil {
			video, err = conn.AddTrack(s.tracks.Video.Local())
		} else {
			video, err = conn.AddTransceiver(media.KindVideo, true)
		}
	}
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("attach local media: %w", err)
	}

	s.conn, s.audioSender, s.videoSender = conn, audio, video
	return nil
}

// rebuildConnection replaces the connection after a failed rollback.
func (s *Session) rebuildConnection() error {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	return s.setupConnection()
}

func (s *Session) send(env *signaling.Envelope) {
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.SignalTimeout)
	defer cancel()
	if err := s.sig.Send(ctx, env); err != nil {
		s.logger.Warn("signal not delivered", "type", env.Type, "error", err)
	}
}

// sendOffer creates and sends an offer. It returns false if the session failed.
func (s *Session) sendOffer(iceRestart bool) bool {
	sdp, err := s.conn.CreateOffer(iceRestart)
	if err != nil {
		s.fail(domain.NewFailure(domain.FailureNegotiation, domain.CodeBadDescription, err))
		return false
	}

	env := signaling.NewOffer(s.roomID, s.local.ID, s.remote.ID, sdp)
	env.Timestamp = s.opts.Now().UnixMilli()
	s.offer, s.answered = env, false
	s.send(env)
	s.logger.Info("offer sent", "ice_restart", iceRestart, "ts", env.Timestamp)
	return true
}

// resendOffer repeats the outstanding offer unchanged, keeping its timestamp.
func (s *Session) resendOffer(cause string) {
	if s.role != domain.RoleInitiator || s.offer == nil || s.answered {
		return
	}
	cp := *s.offer
	s.send(&cp)
	s.logger.Info("offer resent", "cause", cause)
}

func (s *Session) acceptOffer(env *signaling.Envelope) {
	if err := s.conn.SetRemoteOffer(env.SDP); err != nil {
		s.fail(domain.NewFailure(domain.FailureNegotiation, domain.CodeBadDescription, err))
		return
	}
	s.flushCandidates()

	sdp, err := s.conn.CreateAnswer()
	if err != nil {
		s.fail(domain.NewFailure(domain.FailureNegotiation, domain.CodeBadDescription, err))
		return
	}
	answer := signaling.NewAnswer(s.roomID, s.local.ID, s.remote.ID, sdp)
	s.send(answer)
	s.logger.Info("answer sent")

	if s.state == domain.StateAwaitingSignal {
		s.transition(domain.StateConnecting, "answer sent")
	}
}

func (s *Session) onSignal(env *signaling.Envelope) {
	if s.state.Terminal() {
		return
	}
	if env.From != s.remote.ID {
		s.logger.Debug("ignoring signal from unexpected participant", "from", env.From, "type", env.Type)
		return
	}

	switch env.Type {
	case signaling.KindJoin:
		s.resendOffer("remote joined")
	case signaling.KindLeave:
		s.end(domain.EndRemoteHangup, "remote left")
	case signaling.KindOffer:
		s.onRemoteOffer(env)
	case signaling.KindAnswer:
		s.onRemoteAnswer(env)
	case signaling.KindICECandidate:
		s.onRemoteCandidate(env.Candidate)
	}
}

// winsGlare reports whether the outstanding local offer beats remote:
// the earlier timestamp wins, ties go to the smaller participant ID.
func (s *Session) winsGlare(remote *signaling.Envelope) bool {
	if s.offer.Timestamp != remote.Timestamp {
		return s.offer.Timestamp < remote.Timestamp
	}
	return s.local.ID < remote.From
}

func (s *Session) onRemoteOffer(env *signaling.Envelope) {
	if s.conn == nil {
		s.pendingOffer = env
		return
	}

	if s.role == domain.RoleInitiator && s.offer != nil && !s.answered {
		if s.winsGlare(env) {
			s.logger.Info("glare: keeping local offer", "local_ts", s.offer.Timestamp, "remote_ts", env.Timestamp)
			return
		}
		s.logger.Info("glare: yielding to remote offer", "local_ts", s.offer.Timestamp, "remote_ts", env.Timestamp)
		if err := s.conn.Rollback(); err != nil {
			s.logger.Warn("rollback failed, rebuilding connection", "error", err)
			if err := s.rebuildConnection(); err != nil {
				s.fail(domain.NewFailure(domain.FailureNegotiation, domain.CodeConnection, err))
				return
			}
		}
		s.offer = nil
		s.role = domain.RoleReceiver
	}
	s.acceptOffer(env)
}

func (s *Session) onRemoteAnswer(env *signaling.Envelope) {
	if s.role != domain.RoleInitiator || s.offer == nil || s.answered || s.conn == nil {
		s.logger.Debug("dropping answer without an outstanding offer")
		return
	}
	if err := s.conn.SetRemoteAnswer(env.SDP); err != nil {
		s.fail(domain.NewFailure(domain.FailureNegotiation, domain.CodeBadDescription, err))
		return
	}
	s.answered = true
	s.flushCandidates()
	s.logger.Info("answer applied")
}

func (s *Session) onRemoteCandidate(candidate json.RawMessage) {
	if s.conn == nil || !s.conn.HasRemoteDescription() {
		if len(s.pendingCandidates) >= s.opts.MaxPendingCandidates {
			s.pendingCandidates = s.pendingCandidates[1:]
		}
		s.pendingCandidates = append(s.pendingCandidates, candidate)
		return
	}
	if err := s.conn.AddICECandidate(candidate); err != nil {
		s.logger.Warn("failed to add remote candidate", "error", err)
	}
}

func (s *Session) flushCandidates() {
	pending := s.pendingCandidates
	s.pendingCandidates = nil
	for _, c := range pending {
		if err := s.conn.AddICECandidate(c); err != nil {
			s.logger.Warn("failed to add buffered candidate", "error", err)
		}
	}
}

// onLocalCandidate trickles immediately; nothing is held back.
func (s *Session) onLocalCandidate(candidate json.RawMessage) {
	if s.state.Terminal() {
		return
	}
	s.send(signaling.NewCandidate(s.roomID, s.local.ID, s.remote.ID, candidate))
}

func (s *Session) onICE(state webrtc.ICEConnectionState) {
	if s.state.Terminal() {
		return
	}
	s.iceConnected = state == webrtc.ICEConnectionStateConnected || state == webrtc.ICEConnectionStateCompleted
	s.logger.Debug("ice state", "ice", state.String())

	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		switch s.state {
		case domain.StateConnecting:
			s.stopTimer(timerConnect)
			if s.connectedAt == nil {
				now := s.opts.Now()
				s.connectedAt = &now
			}
			s.transition(domain.StateConnected, "ice "+state.String())
		case domain.StateReconnecting:
			if !s.linkDown {
				s.stopTimer(timerRetry)
				s.transition(domain.StateConnected, "ice "+state.String())
			}
		}
	case webrtc.ICEConnectionStateDisconnected:
		if s.state == domain.StateConnected {
			s.beginReconnect("ice disconnected")
		}
	case webrtc.ICEConnectionStateFailed:
		switch s.state {
		case domain.StateConnecting:
			s.fail(domain.NewFailure(domain.FailureConnectivity, domain.CodeICEFailed, errors.New("ice connectivity checks failed")))
		case domain.StateConnected:
			s.beginReconnect("ice failed")
		}
	}
}

func (s *Session) beginReconnect(cause string) {
	s.transition(domain.StateReconnecting, cause)
	s.retries = 0
	s.armTimer(timerRetry, s.opts.Retry.Delay(0))
}

func (s *Session) onLink(ev signaling.LinkEvent) {
	if s.state.Terminal() {
		return
	}
	switch ev.State {
	case signaling.LinkDown:
		s.linkDown = true
		if s.state == domain.StateConnected {
			s.beginReconnect("signaling down")
		}
	case signaling.LinkUp:
		s.linkDown = false
		if s.state == domain.StateReconnecting && s.iceConnected {
			s.stopTimer(timerRetry)
			s.transition(domain.StateConnected, "signaling restored")
		}
		s.resendOffer("signaling restored")
	case signaling.LinkLost:
		if s.state != domain.StateIdle {
			s.fail(domain.NewFailure(domain.FailureSignaling, domain.CodeChannelLost, ev.Err))
		}
	}
}

func (s *Session) onTimer(kind timerKind, seq uint64) {
	if seq != s.timerSeq[kind] || s.state.Terminal() {
		return
	}

	switch kind {
	case timerConnect:
		if s.state != domain.StateAwaitingSignal && s.state != domain.StateConnecting {
			return
		}
		switch {
		case s.role == domain.RoleInitiator && !s.answered:
			s.fail(domain.NewFailure(domain.FailureNegotiation, domain.CodeNoAnswer, errors.New("no answer before the connect deadline")))
		case s.role == domain.RoleReceiver && (s.conn == nil || !s.conn.HasRemoteDescription()):
			s.fail(domain.NewFailure(domain.FailureNegotiation, domain.CodeNoOffer, errors.New("no offer before the connect deadline")))
		default:
			s.fail(domain.NewFailure(domain.FailureConnectivity, domain.CodeTimeout, errors.New("connection not established before the deadline")))
		}

	case timerRetry:
		if s.state != domain.StateReconnecting {
			return
		}
		s.retries++
		if s.opts.Retry.Exhausted(s.retries) {
			if s.linkDown {
				s.fail(domain.NewFailure(domain.FailureSignaling, domain.CodeChannelLost, errors.New("signaling did not come back")))
			} else {
				s.fail(domain.NewFailure(domain.FailureConnectivity, domain.CodeRetryExhausted, errors.New("connection did not recover")))
			}
			return
		}
		s.logger.Info("reconnect attempt", "attempt", s.retries)
		if s.role == domain.RoleInitiator && !s.linkDown {
			if !s.sendOffer(true) {
				return
			}
		}
		s.armTimer(timerRetry, s.opts.Retry.Delay(s.retries))
	}
}

func (s *Session) armTimer(kind timerKind, d time.Duration) {
	s.stopTimer(kind)
	seq := s.timerSeq[kind]
	s.timers[kind] = time.AfterFunc(d, func() {
		s.post(timerEvent{kind: kind, seq: seq})
	})
}

func (s *Session) stopTimer(kind timerKind) {
	if t := s.timers[kind]; t != nil {
		t.Stop()
		delete(s.timers, kind)
	}
	s.timerSeq[kind]++
}

// mediaReady reports whether local tracks and senders exist.
func (s *Session) mediaReady() bool {
	switch s.state {
	case domain.StateAwaitingSignal, domain.StateConnecting, domain.StateConnected, domain.StateReconnecting:
		return s.tracks != nil && s.conn != nil
	}
	return false
}

func (s *Session) onToggle(kind media.Kind) (bool, error) {
	if !s.state.Live() || s.state.Terminal() {
		return false, domain.ErrSessionClosed
	}
	var track media.Track
	if s.tracks != nil {
		if kind == media.KindAudio {
			track = s.tracks.Audio
		} else {
			track = s.tracks.Video
		}
	}
	if track == nil {
		if kind == media.KindAudio {
			return false, domain.ErrNoAudioTrack
		}
		return false, domain.ErrNoVideoTrack
	}
	enabled := !track.Enabled()
	track.SetEnabled(enabled)
	s.logger.Info("local track toggled", "kind", kind, "enabled", enabled)
	return enabled, nil
}

func (s *Session) onSwap(toScreen bool, reply chan error) {
	if !s.mediaReady() {
		reply <- domain.ErrSessionClosed
		return
	}
	if s.swapping {
		reply <- domain.ErrSwapInProgress
		return
	}
	if s.tracks.Video != nil && !s.tracks.Video.Stopped() && s.tracks.ScreenShare == toScreen {
		reply <- nil
		return
	}
	s.swapping = true
	go s.acquireVideo(toScreen, reply, false)
}

// acquireVideo runs off the loop; the result is applied by onSwapResult.
func (s *Session) acquireVideo(toScreen bool, reply chan error, fallback bool) {
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.MediaTimeout)
	defer cancel()

	var (
		track media.Track
		err   error
	)
	if toScreen {
		track, err = s.acq.AcquireDisplayCapture(ctx)
	} else {
		track, err = s.acq.AcquireCamera(ctx, s.opts.Constraints)
	}

	ev := swapResultEvent{toScreen: toScreen, track: track, err: err, reply: reply, fallback: fallback}
	if !s.post(ev) {
		if track != nil {
			track.Stop()
		}
		if reply != nil {
			reply <- domain.ErrSessionClosed
		}
	}
}

func (s *Session) onSwapResult(ev swapResultEvent) {
	s.swapping = false
	respond := func(err error) {
		if ev.reply != nil {
			ev.reply <- err
		}
	}

	if !s.mediaReady() {
		if ev.track != nil {
			ev.track.Stop()
		}
		respond(domain.ErrSessionClosed)
		return
	}
	if ev.err != nil {
		s.logger.Warn("video source swap failed", "to_screen", ev.toScreen, "error", ev.err)
		if ev.fallback {
			s.videoOff()
		}
		respond(ev.err)
		return
	}

	if err := s.videoSender.ReplaceTrack(ev.track.Local()); err != nil {
		ev.track.Stop()
		if ev.fallback {
			s.videoOff()
		}
		respond(fmt.Errorf("replace video track: %w", err))
		return
	}

	old := s.tracks.Video
	s.tracks.Video = ev.track
	s.tracks.ScreenShare = ev.toScreen
	if old != nil {
		old.Stop()
	}
	if ev.toScreen {
		id := ev.track.ID()
		ev.track.OnEnded(func() {
			s.post(displayEndedEvent{trackID: id})
		})
	}
	s.logger.Info("video source swapped", "screen_share", ev.toScreen, "fallback", ev.fallback)
	respond(nil)
}

// onDisplayEnded handles the OS "stop sharing" control like a manual swap back.
func (s *Session) onDisplayEnded(trackID string) {
	if !s.mediaReady() || s.swapping {
		return
	}
	if s.tracks.Video == nil || s.tracks.Video.ID() != trackID || !s.tracks.ScreenShare {
		return
	}
	s.logger.Info("screen share stopped from the system, returning to camera")
	s.swapping = true
	go s.acquireVideo(false, nil, true)
}

func (s *Session) videoOff() {
	if err := s.videoSender.ReplaceTrack(nil); err != nil {
		s.logger.Warn("failed to clear video sender", "error", err)
	}
	if s.tracks.Video != nil {
		s.tracks.Video.Stop()
	}
	s.tracks.Video = nil
	s.tracks.ScreenShare = false
	s.logger.Info("camera unavailable, video turned off")
}

func (s *Session) fail(f *domain.Failure) {
	if s.state.Terminal() {
		return
	}
	s.failure = f
	s.transition(domain.StateFailed, f.Code)
	s.logger.Warn("call failed", "kind", f.Kind, "code", f.Code, "error", f.Err)
	s.teardown()
}

func (s *Session) end(reason domain.EndReason, cause string) {
	if s.state == domain.StateEnded {
		return
	}
	s.endReason = reason
	s.teardown()
	s.transition(domain.StateEnded, cause)
}

// teardown releases media, closes the connection and leaves the room, in
// that order, exactly once.
func (s *Session) teardown() {
	if s.tornDown {
		return
	}
	s.tornDown = true

	s.cancel()
	s.stopTimer(timerConnect)
	s.stopTimer(timerRetry)
	now := s.opts.Now()
	s.endedAt = &now

	s.acq.ReleaseAll(s.tracks)

	if s.conn != nil {
		s.stats = s.conn.Stats()
		if err := s.conn.Close(); err != nil {
			s.logger.Warn("failed to close peer connection", "error", err)
		}
	}

	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	if s.unlink != nil {
		s.unlink()
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.SignalTimeout)
	defer cancel()
	if err := s.sig.LeaveRoom(ctx, s.roomID); err != nil {
		s.logger.Warn("failed to leave room", "error", err)
	}
}

func (s *Session) snapshot() domain.CallSession {
	cs := domain.CallSession{
		ID:        s.id,
		RoomID:    s.roomID,
		Role:      s.role,
		State:     s.state,
		Local:     s.local,
		Remote:    s.remote,
		StartedAt: s.startedAt,
		Failure:   s.failure,
		EndReason: s.endReason,
	}
	if s.connectedAt != nil {
		t := *s.connectedAt
		cs.ConnectedAt = &t
	}
	if s.endedAt != nil {
		t := *s.endedAt
		cs.EndedAt = &t
	}
	if s.tracks != nil {
		cs.Media = domain.MediaState{ScreenShare: s.tracks.ScreenShare}
		if a := s.tracks.Audio; a != nil {
			cs.Media.HasAudio, cs.Media.AudioEnabled = true, a.Enabled()
		}
		if v := s.tracks.Video; v != nil {
			cs.Media.HasVideo, cs.Media.VideoEnabled = true, v.Enabled()
		}
	}
	if len(s.remoteTracks) > 0 {
		cs.RemoteTracks = append([]domain.RemoteTrack(nil), s.remoteTracks...)
	}
	return cs
}

func (s *Session) currentStreams() Streams {
	var st Streams
	if s.state.Terminal() {
		return st
	}
	for _, t := range s.tracks.Tracks() {
		st.LocalStreamID = t.Local().StreamID()
		st.LocalTrackIDs = append(st.LocalTrackIDs, t.ID())
	}
	st.Remote = append([]domain.RemoteTrack(nil), s.remoteTracks...)
	return st
}

// publish stores the new snapshot and notifies the observer if it changed.
func (s *Session) publish() {
	snap := s.snapshot()
	streams := s.currentStreams()

	s.snapMu.Lock()
	changed := !reflect.DeepEqual(snap, s.snap)
	s.snap = snap
	s.streams = streams
	s.snapMu.Unlock()

	if changed && s.onChange != nil {
		s.onChange(snap)
	}
}
