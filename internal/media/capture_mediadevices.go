//go:build mediadevices

package media

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// captureDevices opens real devices through pion/mediadevices.
type captureDevices struct {
	selector *mediadevices.CodecSelector
	logger   *slog.Logger
}

// NewCaptureDevices returns the pion/mediadevices capture driver.
func NewCaptureDevices(logger *slog.Logger) (Devices, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	logger = logger.With("component", "media", "driver", "mediadevices")
	for _, d := range mediadevices.EnumerateDevices() {
		logger.Info("media device", "kind", d.Kind, "label", d.Label)
	}

	return &captureDevices{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		logger: logger,
	}, nil
}

// OpenUserMedia implements Devices.
func (d *captureDevices) OpenUserMedia(ctx context.Context, c Constraints) (*TrackSet, error) {
	constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}
	if c.Video {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			// raw formats only; MJPEG nodes on some webcams produce frames the encoder rejects
			mc.FrameFormat = prop.FrameFormatOneOf{frame.FormatYUYV, frame.FormatI420, frame.FormatI444, frame.FormatRGBA}
			if c.Width > 0 {
				mc.Width = prop.IntRanged{Max: c.Width}
			}
			if c.Height > 0 {
				mc.Height = prop.IntRanged{Max: c.Height}
			}
		}
	}
	if c.Audio {
		constraints.Audio = func(*mediadevices.MediaTrackConstraints) {}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, err
	}

	streamID := "local-" + uuid.NewString()
	set := &TrackSet{}
	for _, mt := range stream.GetTracks() {
		kind, source := KindAudio, SourceMicrophone
		if mt.Kind() == webrtc.RTPCodecTypeVideo {
			kind, source = KindVideo, SourceCamera
		}
		t, err := d.wrap(mt, kind, source, streamID, c.FrameRate)
		if err != nil {
			set.StopAll()
			closeAll(stream.GetTracks())
			return nil, err
		}
		if kind == KindAudio {
			set.Audio = t
		} else {
			set.Video = t
		}
	}
	return set, nil
}

// OpenDisplay implements Devices.
func (d *captureDevices) OpenDisplay(ctx context.Context) (Track, error) {
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: func(*mediadevices.MediaTrackConstraints) {},
		Codec: d.selector,
	})
	if err != nil {
		return nil, err
	}
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, ErrDeviceNotFound
	}
	return d.wrap(tracks[0], KindVideo, SourceDisplay, "display-"+uuid.NewString(), 15)
}

func (d *captureDevices) wrap(mt mediadevices.Track, kind Kind, source SourceKind, streamID string, frameRate float64) (Track, error) {
	mime, clock := webrtc.MimeTypeVP8, 90000
	if kind == KindAudio {
		mime, clock = webrtc.MimeTypeOpus, 48000
	}
	reader, err := mt.NewEncodedReader(mime)
	if err != nil {
		return nil, fmt.Errorf("%s encoder: %w", kind, err)
	}
	if frameRate <= 0 {
		frameRate = 30
	}

	src := &encodedSource{
		track:    mt,
		reader:   reader,
		clock:    clock,
		fallback: time.Duration(float64(time.Second) / frameRate),
		ended:    make(chan struct{}),
	}
	mt.OnEnded(func(err error) {
		d.logger.Info("capture track ended", "source", source, "error", err)
		src.end()
	})
	return NewTrack(kind, source, streamID, src, d.logger)
}

func closeAll(tracks []mediadevices.Track) {
	for _, t := range tracks {
		_ = t.Close()
	}
}

// encodedSource adapts a mediadevices encoded reader to Source.
type encodedSource struct {
	track    mediadevices.Track
	reader   mediadevices.EncodedReadCloser
	clock    int
	fallback time.Duration

	endOnce   sync.Once
	closeOnce sync.Once
	ended     chan struct{}
}

func (s *encodedSource) ReadSample() (media.Sample, error) {
	select {
	case <-s.ended:
		return media.Sample{}, io.EOF
	default:
	}

	buf, release, err := s.reader.Read()
	if err != nil {
		return media.Sample{}, err
	}
	defer release()

	data := make([]byte, len(buf.Data))
	copy(data, buf.Data)

	duration := s.fallback
	if buf.Samples > 0 {
		duration = time.Duration(buf.Samples) * time.Second / time.Duration(s.clock)
	}
	return media.Sample{Data: data, Duration: duration}, nil
}

func (s *encodedSource) end() {
	s.endOnce.Do(func() { close(s.ended) })
}

func (s *encodedSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		_ = s.reader.Close()
		err = s.track.Close()
	})
	return err
}
