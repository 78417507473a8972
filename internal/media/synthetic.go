package media

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4/pkg/media"
)

// vp8Pattern is a small VP8 keyframe header used as test-pattern payload.
var vp8Pattern = []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a, 0x10, 0x00, 0x10, 0x00, 0x00, 0x00}

// syntheticSource emits one fixed payload per interval.
type syntheticSource struct {
	payload  []byte
	interval time.Duration
	ticker   *time.Ticker

	closeOnce sync.Once
	endOnce   sync.Once
	closed    chan struct{}
	ended     chan struct{}
}

func newSyntheticSource(kind Kind, frameRate float64) *syntheticSource {
	s := &syntheticSource{
		closed: make(chan struct{}),
		ended:  make(chan struct{}),
	}
	if kind == KindAudio {
		s.payload, s.interval = opusSilence, 20*time.Millisecond
	} else {
		if frameRate <= 0 {
			frameRate = 30
		}
		s.payload, s.interval = vp8Pattern, time.Duration(float64(time.Second)/frameRate)
	}
	s.ticker = time.NewTicker(s.interval)
	return s
}

func (s *syntheticSource) ReadSample() (media.Sample, error) {
	select {
	case <-s.closed:
		return media.Sample{}, io.ErrClosedPipe
	case <-s.ended:
		return media.Sample{}, io.EOF
	case <-s.ticker.C:
		return media.Sample{Data: s.payload, Duration: s.interval}, nil
	}
}

func (s *syntheticSource) Close() error {
	s.closeOnce.Do(func() {
		s.ticker.Stop()
		close(s.closed)
	})
	return nil
}

// end emulates the device going away on its own.
func (s *syntheticSource) end() {
	s.endOnce.Do(func() { close(s.ended) })
}

// SyntheticDevices produces test-pattern tracks. Failures can be injected
// and acquisitions can be held open to emulate a pending permission prompt.
type SyntheticDevices struct {
	logger *slog.Logger

	mu         sync.Mutex
	userErr    error
	cameraErr  error
	displayErr error
	endDisplay bool
	hold       chan struct{}
	opened     []Track
	displays   map[Track]*syntheticSource
}

// NewSyntheticDevices creates a driver with working camera, mic and display.
func NewSyntheticDevices(logger *slog.Logger) *SyntheticDevices {
	return &SyntheticDevices{
		logger:   logger.With("component", "media", "driver", "synthetic"),
		displays: make(map[Track]*syntheticSource),
	}
}

// FailUserMedia makes camera+mic acquisitions fail with err (nil clears it).
func (d *SyntheticDevices) FailUserMedia(err error) {
	d.mu.Lock()
	d.userErr = err
	d.mu.Unlock()
}

// FailCamera makes camera-only acquisitions fail with err (nil clears it).
func (d *SyntheticDevices) FailCamera(err error) {
	d.mu.Lock()
	d.cameraErr = err
	d.mu.Unlock()
}

// FailDisplay makes display capture fail with err (nil clears it).
func (d *SyntheticDevices) FailDisplay(err error) {
	d.mu.Lock()
	d.displayErr = err
	d.mu.Unlock()
}

// EndDisplayOnOpen makes display captures end by themselves before they
// are handed out, like sharing stopped while the picker was closing.
func (d *SyntheticDevices) EndDisplayOnOpen(on bool) {
	d.mu.Lock()
	d.endDisplay = on
	d.mu.Unlock()
}

// Hold blocks acquisitions until the returned func is called. The held
// acquisition ignores cancellation, like a permission prompt the user has
// not answered yet.
func (d *SyntheticDevices) Hold() (release func()) {
	gate := make(chan struct{})
	d.mu.Lock()
	d.hold = gate
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			if d.hold == gate {
				d.hold = nil
			}
			d.mu.Unlock()
			close(gate)
		})
	}
}

func (d *SyntheticDevices) wait() {
	d.mu.Lock()
	gate := d.hold
	d.mu.Unlock()
	if gate != nil {
		<-gate
	}
}

// Opened returns every track handed out so far.
func (d *SyntheticDevices) Opened() []Track {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Track(nil), d.opened...)
}

// EndDisplayCapture emulates the OS "stop sharing" control on every live
// display track. It reports whether any track was ended.
func (d *SyntheticDevices) EndDisplayCapture() bool {
	d.mu.Lock()
	var live []*syntheticSource
	for t, src := range d.displays {
		if !t.Stopped() {
			live = append(live, src)
		}
	}
	d.mu.Unlock()

	for _, src := range live {
		src.end()
	}
	return len(live) > 0
}

func (d *SyntheticDevices) newTrack(kind Kind, source SourceKind, streamID string, frameRate float64) (Track, *syntheticSource, error) {
	src := newSyntheticSource(kind, frameRate)
	t, err := NewTrack(kind, source, streamID, src, d.logger)
	if err != nil {
		_ = src.Close()
		return nil, nil, err
	}
	d.mu.Lock()
	d.opened = append(d.opened, t)
	d.mu.Unlock()
	return t, src, nil
}

// OpenUserMedia implements Devices.
func (d *SyntheticDevices) OpenUserMedia(ctx context.Context, c Constraints) (*TrackSet, error) {
	d.wait()

	d.mu.Lock()
	err := d.userErr
	if c.Video && !c.Audio && d.cameraErr != nil {
		err = d.cameraErr
	}
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}

	streamID := "local-" + uuid.NewString()
	set := &TrackSet{}
	if c.Audio {
		t, _, err := d.newTrack(KindAudio, SourceMicrophone, streamID, 0)
		if err != nil {
			return nil, err
		}
		set.Audio = t
	}
	if c.Video {
		t, _, err := d.newTrack(KindVideo, SourceCamera, streamID, c.FrameRate)
		if err != nil {
			set.StopAll()
			return nil, err
		}
		set.Video = t
	}
	return set, nil
}

// OpenDisplay implements Devices.
func (d *SyntheticDevices) OpenDisplay(ctx context.Context) (Track, error) {
	d.wait()

	d.mu.Lock()
	err := d.displayErr
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}

	t, src, err := d.newTrack(KindVideo, SourceDisplay, "display-"+uuid.NewString(), 15)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.displays[t] = src
	endNow := d.endDisplay
	d.mu.Unlock()

	if endNow {
		src.end()
		for !t.Stopped() {
			time.Sleep(time.Millisecond)
		}
	}
	return t, nil
}
