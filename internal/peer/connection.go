package peer

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/observer/teacall/internal/domain"
	"github.com/observer/teacall/internal/media"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

// Sender is the outgoing side of one track. ReplaceTrack swaps the media
// without renegotiating; a nil track sends nothing.
type Sender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
}

// Connection is the part of a peer connection a Session uses.
type Connection interface {
	// AddTrack attaches a local track.
	AddTrack(track webrtc.TrackLocal) (Sender, error)
	// AddTransceiver reserves an m-line of kind. With send it returns a
	// sender whose track can be set later; otherwise it is receive-only.
	AddTransceiver(kind media.Kind, send bool) (Sender, error)

	// CreateOffer creates an offer, applies it locally and returns its SDP.
	CreateOffer(iceRestart bool) (string, error)
	// CreateAnswer answers the applied remote offer and returns its SDP.
	CreateAnswer() (string, error)
	SetRemoteOffer(sdp string) error
	SetRemoteAnswer(sdp string) error
	// Rollback discards an unanswered local offer.
	Rollback() error
	HasRemoteDescription() bool

	AddICECandidate(candidate json.RawMessage) error

	OnLocalCandidate(fn func(candidate json.RawMessage))
	OnICEStateChange(fn func(state webrtc.ICEConnectionState))
	OnRemoteTrack(fn func(track domain.RemoteTrack))

	Stats() domain.TransportStats
	Close() error
}

// ConnectionFactory creates one Connection per call.
type ConnectionFactory interface {
	NewConnection() (Connection, error)
}

// PionConfig configures the pion API.
type PionConfig struct {
	ICEServers []webrtc.ICEServer

	// ICE agent timeouts; zero keeps the defaults below.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration

	// LoopbackCandidates gathers 127.0.0.1 host candidates, so two
	// connections in one process can reach each other.
	LoopbackCandidates bool
}

// PionFactory builds pion/webrtc peer connections with the default codecs
// and interceptors.
type PionFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
	logger *slog.Logger
}

// NewPionFactory registers codecs and interceptors once for every call.
func NewPionFactory(cfg PionConfig, logger *slog.Logger) (*PionFactory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	disconnected, failed, keepAlive := 5*time.Second, 25*time.Second, 2*time.Second
	if cfg.DisconnectedTimeout > 0 {
		disconnected = cfg.DisconnectedTimeout
	}
	if cfg.FailedTimeout > 0 {
		failed = cfg.FailedTimeout
	}
	if cfg.KeepAliveInterval > 0 {
		keepAlive = cfg.KeepAliveInterval
	}
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(disconnected, failed, keepAlive)
	se.SetIncludeLoopbackCandidate(cfg.LoopbackCandidates)

	return &PionFactory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(m),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(se),
		),
		config: webrtc.Configuration{ICEServers: cfg.ICEServers},
		logger: logger.With("component", "peer"),
	}, nil
}

// NewConnection implements ConnectionFactory.
func (f *PionFactory) NewConnection() (Connection, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	c := &pionConnection{pc: pc, logger: f.logger}
	pc.OnICECandidate(c.handleCandidate)
	pc.OnICEConnectionStateChange(c.handleICEState)
	pc.OnTrack(c.handleTrack)
	return c, nil
}

// pionConnection adapts *webrtc.PeerConnection. Callbacks are dropped once
// Close has been called.
type pionConnection struct {
	pc     *webrtc.PeerConnection
	logger *slog.Logger

	packets     atomic.Uint64
	bytes       atomic.Uint64
	localCands  atomic.Int64
	remoteCands atomic.Int64
	remoteSet   atomic.Bool

	mu          sync.Mutex
	closed      bool
	onCandidate func(json.RawMessage)
	onICE       func(webrtc.ICEConnectionState)
	onTrack     func(domain.RemoteTrack)
}

func (c *pionConnection) AddTrack(track webrtc.TrackLocal) (Sender, error) {
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	go drainRTCP(sender)
	return sender, nil
}

func (c *pionConnection) AddTransceiver(kind media.Kind, send bool) (Sender, error) {
	codecType := webrtc.RTPCodecTypeVideo
	if kind == media.KindAudio {
		codecType = webrtc.RTPCodecTypeAudio
	}
	direction := webrtc.RTPTransceiverDirectionRecvonly
	if send {
		direction = webrtc.RTPTransceiverDirectionSendrecv
	}

	tr, err := c.pc.AddTransceiverFromKind(codecType, webrtc.RTPTransceiverInit{Direction: direction})
	if err != nil {
		return nil, err
	}
	if !send {
		return nil, nil
	}
	go drainRTCP(tr.Sender())
	return tr.Sender(), nil
}

// drainRTCP reads sender RTCP so interceptors (NACK, TWCC) keep working.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (c *pionConnection) CreateOffer(iceRestart bool) (string, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := c.pc.CreateOffer(opts)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local offer: %w", err)
	}
	return offer.SDP, nil
}

func (c *pionConnection) CreateAnswer() (string, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local answer: %w", err)
	}
	return answer.SDP, nil
}

func (c *pionConnection) SetRemoteOffer(sdp string) error {
	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	c.remoteSet.Store(true)
	return nil
}

func (c *pionConnection) SetRemoteAnswer(sdp string) error {
	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	c.remoteSet.Store(true)
	return nil
}

func (c *pionConnection) Rollback() error {
	if err := c.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
		return fmt.Errorf("rollback local offer: %w", err)
	}
	return nil
}

func (c *pionConnection) HasRemoteDescription() bool {
	return c.remoteSet.Load()
}

func (c *pionConnection) AddICECandidate(candidate json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return fmt.Errorf("failed to unmarshal candidate: %w", err)
	}
	if err := c.pc.AddICECandidate(init); err != nil {
		return err
	}
	c.remoteCands.Add(1)
	return nil
}

func (c *pionConnection) OnLocalCandidate(fn func(json.RawMessage)) {
	c.mu.Lock()
	c.onCandidate = fn
	c.mu.Unlock()
}

func (c *pionConnection) OnICEStateChange(fn func(webrtc.ICEConnectionState)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *pionConnection) OnRemoteTrack(fn func(domain.RemoteTrack)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *pionConnection) handleCandidate(candidate *webrtc.ICECandidate) {
	// nil marks the end of gathering
	if candidate == nil {
		return
	}
	c.mu.Lock()
	fn := c.onCandidate
	c.mu.Unlock()
	if fn == nil {
		return
	}

	data, err := json.Marshal(candidate.ToJSON())
	if err != nil {
		c.logger.Warn("failed to marshal candidate", "error", err)
		return
	}
	c.localCands.Add(1)
	fn(data)
}

func (c *pionConnection) handleICEState(state webrtc.ICEConnectionState) {
	c.mu.Lock()
	fn := c.onICE
	c.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

func (c *pionConnection) handleTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	c.mu.Lock()
	fn, closed := c.onTrack, c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		// ask for a keyframe so the first frames decode
		err := c.pc.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
		})
		if err != nil {
			c.logger.Debug("failed to send PLI", "error", err)
		}
	}

	go c.drainRemote(track)

	if fn != nil {
		fn(domain.RemoteTrack{ID: track.ID(), StreamID: track.StreamID(), Kind: track.Kind().String()})
	}
}

// drainRemote consumes remote RTP, counting what arrives.
func (c *pionConnection) drainRemote(track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		c.packets.Add(1)
		c.bytes.Add(uint64(len(pkt.Payload)))
	}
}

func (c *pionConnection) Stats() domain.TransportStats {
	return domain.TransportStats{
		PacketsReceived:  c.packets.Load(),
		BytesReceived:    c.bytes.Load(),
		LocalCandidates:  int(c.localCands.Load()),
		RemoteCandidates: int(c.remoteCands.Load()),
	}
}

func (c *pionConnection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.onCandidate, c.onICE, c.onTrack = nil, nil, nil
	c.mu.Unlock()

	if err := c.pc.Close(); err != nil && !errors.Is(err, webrtc.ErrConnectionClosed) {
		return err
	}
	return nil
}
