package media

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultTimeout bounds a device permission prompt.
const DefaultTimeout = 15 * time.Second

// Constraints select which devices to open and at what size.
type Constraints struct {
	Audio     bool
	Video     bool
	Width     int
	Height    int
	FrameRate float64
}

// DefaultConstraints is camera and microphone at 640x480, 30fps.
var DefaultConstraints = Constraints{Audio: true, Video: true, Width: 640, Height: 480, FrameRate: 30}

// Devices is a capture driver.
type Devices interface {
	// OpenUserMedia opens the microphone and/or camera named by c.
	OpenUserMedia(ctx context.Context, c Constraints) (*TrackSet, error)
	// OpenDisplay opens a screen or window capture.
	OpenDisplay(ctx context.Context) (Track, error)
}

// Acquirer obtains local media for a call and releases it afterwards.
type Acquirer interface {
	AcquireCameraAndMic(ctx context.Context, c Constraints) (*TrackSet, error)
	AcquireCamera(ctx context.Context, c Constraints) (Track, error)
	AcquireDisplayCapture(ctx context.Context) (Track, error)
	ReleaseAll(set *TrackSet)
}

// DeviceAcquirer implements Acquirer over Devices with a bounded wait.
type DeviceAcquirer struct {
	devices Devices
	timeout time.Duration
	logger  *slog.Logger
}

// NewDeviceAcquirer creates an acquirer. A zero timeout uses DefaultTimeout.
func NewDeviceAcquirer(devices Devices, timeout time.Duration, logger *slog.Logger) *DeviceAcquirer {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &DeviceAcquirer{
		devices: devices,
		timeout: timeout,
		logger:  logger.With("component", "media"),
	}
}

type openResult struct {
	set *TrackSet
	err error
}

// open runs fn with the acquisition bound. If the caller gives up first,
// whatever fn eventually returns is stopped.
func (a *DeviceAcquirer) open(ctx context.Context, device string, fn func(ctx context.Context) (*TrackSet, error)) (*TrackSet, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)

	results := make(chan openResult, 1)
	go func() {
		set, err := fn(ctx)
		results <- openResult{set: set, err: err}
	}()

	select {
	case res := <-results:
		cancel()
		if res.err != nil {
			reason := Classify(res.err)
			a.logger.Warn("media acquisition failed", "device", device, "reason", reason, "error", res.err)
			return nil, &AcquireError{Reason: reason, Device: device, Err: res.err}
		}
		a.logger.Info("media acquired", "device", device, "tracks", len(res.set.Tracks()))
		return res.set, nil

	case <-ctx.Done():
		err := ctx.Err()
		cancel()
		go func() {
			if res := <-results; res.set != nil {
				a.logger.Info("releasing media acquired after caller gave up", "device", device)
				res.set.StopAll()
			}
		}()
		a.logger.Warn("media acquisition abandoned", "device", device, "error", err)
		return nil, &AcquireError{Reason: ReasonUnknown, Device: device, Err: err}
	}
}

// AcquireCameraAndMic opens the devices named by c.
func (a *DeviceAcquirer) AcquireCameraAndMic(ctx context.Context, c Constraints) (*TrackSet, error) {
	return a.open(ctx, "camera+microphone", func(ctx context.Context) (*TrackSet, error) {
		return a.devices.OpenUserMedia(ctx, c)
	})
}

// AcquireCamera opens only the camera.
func (a *DeviceAcquirer) AcquireCamera(ctx context.Context, c Constraints) (Track, error) {
	c.Audio, c.Video = false, true
	set, err := a.open(ctx, "camera", func(ctx context.Context) (*TrackSet, error) {
		return a.devices.OpenUserMedia(ctx, c)
	})
	if err != nil {
		return nil, err
	}
	if set.Video == nil {
		set.StopAll()
		return nil, &AcquireError{Reason: ReasonDeviceNotFound, Device: "camera", Err: ErrDeviceNotFound}
	}
	return set.Video, nil
}

// AcquireDisplayCapture opens a screen capture. The track's OnEnded fires
// when sharing is stopped from the OS.
func (a *DeviceAcquirer) AcquireDisplayCapture(ctx context.Context) (Track, error) {
	set, err := a.open(ctx, "display", func(ctx context.Context) (*TrackSet, error) {
		t, err := a.devices.OpenDisplay(ctx)
		if err != nil {
			return nil, err
		}
		if t == nil {
			return nil, fmt.Errorf("display capture returned no track: %w", ErrDeviceNotFound)
		}
		return &TrackSet{Video: t, ScreenShare: true}, nil
	})
	if err != nil {
		return nil, err
	}
	return set.Video, nil
}

// ReleaseAll stops every track in set.
func (a *DeviceAcquirer) ReleaseAll(set *TrackSet) {
	if set == nil {
		return
	}
	set.StopAll()
	a.logger.Info("media released", "tracks", len(set.Tracks()))
}
