// Package media acquires local camera, microphone and display-capture
// tracks and normalizes device failures into a small set of reasons.
package media

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// Kind is the media type of a track.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// SourceKind names the device a track comes from.
type SourceKind string

const (
	SourceMicrophone SourceKind = "microphone"
	SourceCamera     SourceKind = "camera"
	SourceDisplay    SourceKind = "display"
)

// opusSilence is a single 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// Track is one local audio or video track.
type Track interface {
	ID() string
	Kind() Kind
	Source() SourceKind

	// Enabled reports whether media flows. A disabled audio track sends
	// silence, a disabled video track sends nothing.
	Enabled() bool
	SetEnabled(enabled bool)

	// Stop releases the underlying device. It is idempotent and does not
	// fire OnEnded.
	Stop()
	Stopped() bool

	// OnEnded registers fn to run when the source ends on its own, for
	// example when the OS "stop sharing" control is used. If that already
	// happened, fn runs right away.
	OnEnded(fn func())

	// Local is the track to attach to a peer connection.
	Local() webrtc.TrackLocal
}

// Source produces encoded samples for a track. ReadSample blocks until the
// next sample; it returns io.EOF once the device has ended by itself.
type Source interface {
	ReadSample() (media.Sample, error)
	Close() error
}

// sampleTrack feeds a TrackLocalStaticSample from a Source.
type sampleTrack struct {
	id     string
	kind   Kind
	source SourceKind
	src    Source
	local  *webrtc.TrackLocalStaticSample
	logger *slog.Logger

	enabled atomic.Bool
	stopped atomic.Bool

	mu        sync.Mutex
	onEnded   []func()
	selfEnded bool
	once      sync.Once
	done    chan struct{}
}

func codecFor(kind Kind) webrtc.RTPCodecCapability {
	if kind == KindAudio {
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	}
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
}

// NewTrack wraps src as a local track in streamID and starts pumping it.
func NewTrack(kind Kind, source SourceKind, streamID string, src Source, logger *slog.Logger) (Track, error) {
	id := string(source) + "-" + uuid.NewString()
	local, err := webrtc.NewTrackLocalStaticSample(codecFor(kind), id, streamID)
	if err != nil {
		return nil, err
	}

	t := &sampleTrack{
		id:     id,
		kind:   kind,
		source: source,
		src:    src,
		local:  local,
		logger: logger.With("track_id", id),
		done:   make(chan struct{}),
	}
	t.enabled.Store(true)
	go t.pump()
	return t, nil
}

func (t *sampleTrack) ID() string { return t.id }
func (t *sampleTrack) Kind() Kind { return t.kind }
func (t *sampleTrack) Source() SourceKind { return t.source }
func (t *sampleTrack) Enabled() bool { return t.enabled.Load() }
func (t *sampleTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }
func (t *sampleTrack) Stopped() bool { return t.stopped.Load() }
func (t *sampleTrack) Local() webrtc.TrackLocal { return t.local }

// OnEnded runs fn at once, on its own goroutine, if the source has already
// ended by itself.
func (t *sampleTrack) OnEnded(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.selfEnded {
		go fn()
		return
	}
	t.onEnded = append(t.onEnded, fn)
}

func (t *sampleTrack) Stop() {
	t.once.Do(func() {
		t.stopped.Store(true)
		if err := t.src.Close(); err != nil {
			t.logger.Warn("failed to close media source", "error", err)
		}
	})
	<-t.done
}

func (t *sampleTrack) pump() {
	handlers := t.run()
	close(t.done)
	for _, fn := range handlers {
		fn()
	}
}

// run copies samples until the source fails. It returns the OnEnded
// handlers when the source ended without Stop being called.
func (t *sampleTrack) run() []func() {
	for {
		sample, err := t.src.ReadSample()
		if err != nil {
			return t.finish(err)
		}
		if t.stopped.Load() {
			return nil
		}

		if !t.enabled.Load() {
			if t.kind != KindAudio {
				continue
			}
			sample = media.Sample{Data: opusSilence, Duration: 20 * time.Millisecond}
		}

		if err := t.local.WriteSample(sample); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			t.logger.Debug("write sample failed", "error", err)
		}
	}
}

func (t *sampleTrack) finish(err error) []func() {
	first := false
	t.once.Do(func() {
		first = true
		t.stopped.Store(true)
		_ = t.src.Close()
	})
	if !first {
		return nil
	}

	t.logger.Info("media source ended", "source", t.source, "error", err)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.selfEnded = true
	return append([]func(){}, t.onEnded...)
}

// TrackSet is the set of tracks bound to the local stream.
type TrackSet struct {
	Audio       Track
	Video       Track
	ScreenShare bool
}

// Tracks returns the non-nil tracks.
func (s *TrackSet) Tracks() []Track {
	if s == nil {
		return nil
	}
	out := make([]Track, 0, 2)
	if s.Audio != nil {
		out = append(out, s.Audio)
	}
	if s.Video != nil {
		out = append(out, s.Video)
	}
	return out
}

// StopAll stops every track in the set.
func (s *TrackSet) StopAll() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}

// AllStopped reports whether every track has been stopped.
func (s *TrackSet) AllStopped() bool {
	for _, t := range s.Tracks() {
		if !t.Stopped() {
			return false
		}
	}
	return true
}
