// Package peertest provides in-memory connections and spies for exercising
// peer sessions without a network.
package peertest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/observer/teacall/internal/domain"
	"github.com/observer/teacall/internal/media"
	"github.com/observer/teacall/internal/peer"
	"github.com/observer/teacall/internal/signaling"
	"github.com/pion/webrtc/v4"
)

// ErrWrongState mirrors the browser rejecting a description in the current
// signaling state.
var ErrWrongState = errors.New("peertest: description not allowed in current state")

// Factory hands out Conns and remembers them.
type Factory struct {
	mu    sync.Mutex
	conns []*Conn
	// Err, when set, fails NewConnection.
	Err error
	// RollbackErr is copied into every new Conn.
	RollbackErr error
}

func (f *Factory) NewConnection() (peer.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	c := &Conn{id: len(f.conns) + 1, RollbackErr: f.RollbackErr}
	f.conns = append(f.conns, c)
	return c, nil
}

// Last returns the most recent connection, or nil.
func (f *Factory) Last() *Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

// All returns every connection created so far.
func (f *Factory) All() []*Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Conn(nil), f.conns...)
}

// Offer records one CreateOffer call.
type Offer struct {
	SDP        string
	ICERestart bool
}

// Conn is a scripted peer connection. Descriptions are opaque strings and
// ICE state only changes when a test calls EmitICE.
type Conn struct {
	id int

	mu          sync.Mutex
	offers      []Offer
	answers     []string
	remote      []string
	candidates  []json.RawMessage
	senders     []*Sender
	rollbacks   int
	localOffer  bool
	remoteSet   bool
	closed      bool
	onCandidate func(json.RawMessage)
	onICE       func(webrtc.ICEConnectionState)
	onTrack     func(domain.RemoteTrack)

	// RollbackErr, when set, fails Rollback.
	RollbackErr error
	// RemoteErr, when set, fails SetRemoteOffer and SetRemoteAnswer.
	RemoteErr error
	// Counters returned by Stats.
	Counters domain.TransportStats
}

func (c *Conn) addSender(track webrtc.TrackLocal) *Sender {
	s := &Sender{track: track}
	c.senders = append(c.senders, s)
	return s
}

func (c *Conn) AddTrack(track webrtc.TrackLocal) (peer.Sender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addSender(track), nil
}

func (c *Conn) AddTransceiver(kind media.Kind, send bool) (peer.Sender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.addSender(nil)
	if !send {
		return nil, nil
	}
	return s, nil
}

func (c *Conn) CreateOffer(iceRestart bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", webrtc.ErrConnectionClosed
	}
	sdp := fmt.Sprintf("offer-%d-%d", c.id, len(c.offers)+1)
	c.offers = append(c.offers, Offer{SDP: sdp, ICERestart: iceRestart})
	c.localOffer = true
	return sdp, nil
}

func (c *Conn) CreateAnswer() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.remoteSet {
		return "", ErrWrongState
	}
	sdp := fmt.Sprintf("answer-%d-%d", c.id, len(c.answers)+1)
	c.answers = append(c.answers, sdp)
	return sdp, nil
}

func (c *Conn) SetRemoteOffer(sdp string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.RemoteErr != nil {
		return c.RemoteErr
	}
	if c.localOffer {
		return ErrWrongState
	}
	c.remote = append(c.remote, sdp)
	c.remoteSet = true
	return nil
}

func (c *Conn) SetRemoteAnswer(sdp string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.RemoteErr != nil {
		return c.RemoteErr
	}
	if !c.localOffer {
		return ErrWrongState
	}
	c.remote = append(c.remote, sdp)
	c.localOffer = false
	c.remoteSet = true
	return nil
}

func (c *Conn) Rollback() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.RollbackErr != nil {
		return c.RollbackErr
	}
	c.rollbacks++
	c.localOffer = false
	return nil
}

func (c *Conn) HasRemoteDescription() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteSet
}

func (c *Conn) AddICECandidate(candidate json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.remoteSet {
		return ErrWrongState
	}
	c.candidates = append(c.candidates, candidate)
	return nil
}

func (c *Conn) OnLocalCandidate(fn func(json.RawMessage)) {
	c.mu.Lock()
	c.onCandidate = fn
	c.mu.Unlock()
}

func (c *Conn) OnICEStateChange(fn func(webrtc.ICEConnectionState)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *Conn) OnRemoteTrack(fn func(domain.RemoteTrack)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *Conn) Stats() domain.TransportStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Counters
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.onCandidate, c.onICE, c.onTrack = nil, nil, nil
	return nil
}

// EmitICE reports an ICE state change to the session.
func (c *Conn) EmitICE(state webrtc.ICEConnectionState) {
	c.mu.Lock()
	fn := c.onICE
	c.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

// EmitCandidate reports a gathered local candidate.
func (c *Conn) EmitCandidate(candidate json.RawMessage) {
	c.mu.Lock()
	fn := c.onCandidate
	c.mu.Unlock()
	if fn != nil {
		fn(candidate)
	}
}

// EmitRemoteTrack reports an incoming track.
func (c *Conn) EmitRemoteTrack(track domain.RemoteTrack) {
	c.mu.Lock()
	fn := c.onTrack
	c.mu.Unlock()
	if fn != nil {
		fn(track)
	}
}

func (c *Conn) Offers() []Offer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Offer(nil), c.offers...)
}

func (c *Conn) Answers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.answers...)
}

// Remote returns every applied remote description.
func (c *Conn) Remote() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.remote...)
}

// Candidates returns the remote candidates added so far.
func (c *Conn) Candidates() []json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]json.RawMessage(nil), c.candidates...)
}

func (c *Conn) Rollbacks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rollbacks
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// VideoSender returns the second sender, which carries video.
func (c *Conn) VideoSender() *Sender {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.senders) < 2 {
		return nil
	}
	return c.senders[1]
}

// AudioSender returns the first sender.
func (c *Conn) AudioSender() *Sender {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.senders) == 0 {
		return nil
	}
	return c.senders[0]
}

// Sender records what the session put on it.
type Sender struct {
	mu       sync.Mutex
	track    webrtc.TrackLocal
	replaced int
	// Err, when set, fails ReplaceTrack.
	Err error
}

func (s *Sender) ReplaceTrack(track webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.track = track
	s.replaced++
	return nil
}

// Track returns the current track, nil when video is off.
func (s *Sender) Track() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

// Replaced counts ReplaceTrack calls.
func (s *Sender) Replaced() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replaced
}

// Acquirer counts releases on top of a real acquirer.
type Acquirer struct {
	media.Acquirer

	mu       sync.Mutex
	releases int
	released []*media.TrackSet
}

// NewAcquirer wraps inner.
func NewAcquirer(inner media.Acquirer) *Acquirer {
	return &Acquirer{Acquirer: inner}
}

func (a *Acquirer) ReleaseAll(set *media.TrackSet) {
	a.mu.Lock()
	a.releases++
	a.released = append(a.released, set)
	a.mu.Unlock()
	a.Acquirer.ReleaseAll(set)
}

// Releases returns how many times ReleaseAll ran.
func (a *Acquirer) Releases() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.releases
}

// Signaler counts room membership calls on top of a real signaler.
type Signaler struct {
	peer.Signaler

	mu     sync.Mutex
	joins  int
	leaves int
	sent   []signaling.Envelope
	// JoinErr, when set, fails JoinRoom.
	JoinErr error
}

// NewSignaler wraps inner.
func NewSignaler(inner peer.Signaler) *Signaler {
	return &Signaler{Signaler: inner}
}

func (s *Signaler) JoinRoom(ctx context.Context, roomID string) error {
	s.mu.Lock()
	s.joins++
	err := s.JoinErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Signaler.JoinRoom(ctx, roomID)
}

func (s *Signaler) LeaveRoom(ctx context.Context, roomID string) error {
	s.mu.Lock()
	s.leaves++
	s.mu.Unlock()
	return s.Signaler.LeaveRoom(ctx, roomID)
}

func (s *Signaler) Send(ctx context.Context, env *signaling.Envelope) error {
	err := s.Signaler.Send(ctx, env)
	s.mu.Lock()
	s.sent = append(s.sent, *env)
	s.mu.Unlock()
	return err
}

func (s *Signaler) Joins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joins
}

func (s *Signaler) Leaves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leaves
}

// Sent returns every envelope the session tried to send, in order.
func (s *Signaler) Sent() []signaling.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]signaling.Envelope(nil), s.sent...)
}

// Count returns how many envelopes of kind were sent.
func (s *Signaler) Count(kind signaling.Kind) int {
	n := 0
	for _, e := range s.Sent() {
		if e.Type == kind {
			n++
		}
	}
	return n
}
