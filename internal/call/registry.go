// Package call owns the process-wide call state: at most one live session,
// started, ended and observed through a Registry.
package call

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/observer/teacall/internal/domain"
	"github.com/observer/teacall/internal/media"
	"github.com/observer/teacall/internal/peer"
)

// archiveTimeout bounds each archiver call.
const archiveTimeout = 10 * time.Second

// Archiver receives every finished session exactly once.
type Archiver interface {
	Archive(ctx context.Context, summary domain.CallSummary) error
}

// ArchiverFunc adapts a function to Archiver.
type ArchiverFunc func(ctx context.Context, summary domain.CallSummary) error

func (f ArchiverFunc) Archive(ctx context.Context, summary domain.CallSummary) error {
	return f(ctx, summary)
}

// Deps are the collaborators shared by every call.
type Deps struct {
	Local       domain.Participant
	Signaler    peer.Signaler
	Acquirer    media.Acquirer
	Connections peer.ConnectionFactory
	Options     peer.Options
	Archivers   []Archiver
	Logger      *slog.Logger
	// Now is used for generated room IDs.
	Now func() time.Time
}

// Registry is the single authority on whether a call is active.
type Registry struct {
	deps   Deps
	logger *slog.Logger

	// opMu serializes start and end so a preempted call is fully torn down
	// before the next one acquires devices.
	opMu sync.Mutex

	stateMu sync.RWMutex
	current *peer.Session
	pip     bool
	closed  bool

	subMu  sync.Mutex
	subs   map[uint64]chan domain.CallSession
	nextID uint64

	reapers sync.WaitGroup
}

// NewRegistry creates an idle registry.
func NewRegistry(deps Deps) (*Registry, error) {
	if err := deps.Local.Validate(); err != nil {
		return nil, fmt.Errorf("local participant: %w", err)
	}
	if deps.Signaler == nil || deps.Acquirer == nil || deps.Connections == nil {
		return nil, fmt.Errorf("call: signaler, acquirer and connections are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Registry{
		deps:   deps,
		logger: deps.Logger.With("component", "call"),
		subs:   make(map[uint64]chan domain.CallSession),
	}, nil
}

// RoomID generates a room identifier for a new call attempt.
func (r *Registry) RoomID() string {
	return fmt.Sprintf("%s-%d", r.deps.Local.ID, r.deps.Now().UnixMilli())
}

// StartCall calls remote as the initiator. An active call is ended first.
// An empty roomID is generated.
func (r *Registry) StartCall(ctx context.Context, remote domain.Participant, roomID string) (domain.CallSession, error) {
	if roomID == "" {
		roomID = r.RoomID()
	}
	return r.begin(ctx, domain.RoleInitiator, remote, roomID)
}

// AcceptCall joins roomID as the receiver and answers remote's offer.
func (r *Registry) AcceptCall(ctx context.Context, remote domain.Participant, roomID string) (domain.CallSession, error) {
	if roomID == "" {
		return domain.CallSession{}, domain.ErrInvalidRoom
	}
	return r.begin(ctx, domain.RoleReceiver, remote, roomID)
}

func (r *Registry) begin(ctx context.Context, role domain.Role, remote domain.Participant, roomID string) (domain.CallSession, error) {
	if err := remote.Validate(); err != nil {
		return domain.CallSession{}, err
	}
	if remote.ID == r.deps.Local.ID {
		return domain.CallSession{}, domain.ErrSelfCall
	}

	r.opMu.Lock()
	defer r.opMu.Unlock()

	if r.isClosed() {
		return domain.CallSession{}, domain.ErrRegistryClosed
	}
	if prev := r.session(); prev != nil {
		r.logger.Info("ending active call for a new one", "session_id", prev.ID(), "room_id", prev.RoomID())
		r.finish(prev, domain.EndPreempted)
	}

	id := uuid.NewString()
	s, err := peer.New(peer.Config{
		ID:       id,
		RoomID:   roomID,
		Role:     role,
		Local:    r.deps.Local,
		Remote:   remote,
		Signaler: r.deps.Signaler,
		Acquirer: r.deps.Acquirer,
		Factory:  r.deps.Connections,
		Options:  r.deps.Options,
		Logger:   r.deps.Logger,
		OnChange: func(cs domain.CallSession) { r.changed(id, cs) },
	})
	if err != nil {
		return domain.CallSession{}, err
	}

	r.stateMu.Lock()
	r.current = s
	r.pip = false
	r.stateMu.Unlock()

	r.reapers.Add(1)
	go r.reap(s)

	if err := s.Start(ctx); err != nil {
		r.finish(s, domain.EndLocalHangup)
		return domain.CallSession{}, err
	}

	r.logger.Info("call started", "session_id", id, "room_id", roomID, "role", role, "remote_id", remote.ID)
	return s.Snapshot(), nil
}

// EndCall ends the active call. It returns once media is released and the
// room has been left; with no active call it does nothing.
func (r *Registry) EndCall() error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	s := r.session()
	if s == nil {
		return nil
	}
	reason := domain.EndLocalHangup
	if s.Snapshot().State == domain.StateFailed {
		reason = domain.EndDismissed
	}
	r.finish(s, reason)
	return nil
}

// finish ends s and only then drops it as current.
func (r *Registry) finish(s *peer.Session, reason domain.EndReason) {
	s.End(reason)
	r.release(s)
}

func (r *Registry) release(s *peer.Session) {
	r.stateMu.Lock()
	if r.current != s {
		r.stateMu.Unlock()
		return
	}
	r.current = nil
	r.pip = false
	r.stateMu.Unlock()
}

// reap waits for s to finish, archives it and drops it as current when the
// call ended on its own.
func (r *Registry) reap(s *peer.Session) {
	defer r.reapers.Done()
	<-s.Done()

	r.release(s)

	summary := s.Summary()
	for _, a := range r.deps.Archivers {
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		if err := a.Archive(ctx, summary); err != nil {
			r.logger.Error("failed to archive call", "session_id", summary.Session.ID, "error", err)
		}
		cancel()
	}
}

func (r *Registry) session() *peer.Session {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.current
}

func (r *Registry) isClosed() bool {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.closed
}

// ToggleAudio mutes or unmutes the microphone of the active call.
func (r *Registry) ToggleAudio() (bool, error) {
	s := r.session()
	if s == nil {
		return false, domain.ErrNoActiveCall
	}
	return s.ToggleAudio()
}

// ToggleVideo turns outgoing video on or off.
func (r *Registry) ToggleVideo() (bool, error) {
	s := r.session()
	if s == nil {
		return false, domain.ErrNoActiveCall
	}
	return s.ToggleVideo()
}

// SwapVideoSource switches between camera and screen share.
func (r *Registry) SwapVideoSource(ctx context.Context, toScreen bool) error {
	s := r.session()
	if s == nil {
		return domain.ErrNoActiveCall
	}
	return s.SwapVideoSource(ctx, toScreen)
}

// TogglePictureInPicture flips the picture-in-picture flag. It is a rendering
// concern only and needs a stream to show.
func (r *Registry) TogglePictureInPicture() (bool, error) {
	r.stateMu.Lock()
	s := r.current
	if s == nil {
		r.stateMu.Unlock()
		return false, domain.ErrNoActiveCall
	}
	if s.Streams().Empty() {
		r.stateMu.Unlock()
		return false, domain.ErrNoStream
	}
	r.pip = !r.pip
	pip := r.pip
	cs := s.Snapshot()
	r.stateMu.Unlock()

	cs.PictureInPicture = pip
	r.broadcast(cs)
	return pip, nil
}

// Current returns the active call, if any.
func (r *Registry) Current() (domain.CallSession, bool) {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	if r.current == nil {
		return domain.CallSession{}, false
	}
	cs := r.current.Snapshot()
	cs.PictureInPicture = r.pip
	return cs, true
}

// Streams returns the media handles of the active call.
func (r *Registry) Streams() (peer.Streams, error) {
	s := r.session()
	if s == nil {
		return peer.Streams{}, domain.ErrNoActiveCall
	}
	return s.Streams(), nil
}

// Active reports whether a call is in progress, including one being torn down.
func (r *Registry) Active() bool {
	cs, ok := r.Current()
	return ok && cs.State.Live()
}

func (r *Registry) changed(id string, cs domain.CallSession) {
	r.stateMu.RLock()
	if r.current != nil && r.current.ID() == id {
		cs.PictureInPicture = r.pip
	}
	r.stateMu.RUnlock()
	r.broadcast(cs)
}

// Subscribe streams every change of the active call. Slow readers lose the
// oldest pending update, never the newest. The returned func unsubscribes.
func (r *Registry) Subscribe(buffer int) (<-chan domain.CallSession, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan domain.CallSession, buffer)

	r.subMu.Lock()
	r.nextID++
	id := r.nextID
	r.subs[id] = ch
	r.subMu.Unlock()

	if cs, ok := r.Current(); ok {
		offer(ch, cs)
	}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.subMu.Lock()
			if _, ok := r.subs[id]; ok {
				delete(r.subs, id)
				close(ch)
			}
			r.subMu.Unlock()
		})
	}
}

func (r *Registry) broadcast(cs domain.CallSession) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subs {
		offer(ch, cs)
	}
}

// offer sends without blocking, dropping the oldest queued value if full.
func offer(ch chan domain.CallSession, cs domain.CallSession) {
	for {
		select {
		case ch <- cs:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Shutdown ends the active call, waits for archiving and closes every
// subscription. The registry accepts no calls afterwards.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.opMu.Lock()
	r.stateMu.Lock()
	r.closed = true
	s := r.current
	r.stateMu.Unlock()
	if s != nil {
		r.finish(s, domain.EndShutdown)
	}
	r.opMu.Unlock()

	done := make(chan struct{})
	go func() {
		r.reapers.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	r.subMu.Lock()
	for id, ch := range r.subs {
		delete(r.subs, id)
		close(ch)
	}
	r.subMu.Unlock()
	return err
}
