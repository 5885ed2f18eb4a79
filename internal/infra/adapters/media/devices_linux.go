//go:build linux && cgo

package media

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/conclave-chat/conclave/internal/application/constant"
)

// mediadevicesDriver captures camera/microphone through pion/mediadevices
// (V4L2 + malgo) with VP8 and Opus encoders.
type mediadevicesDriver struct {
	mu        sync.Mutex
	selector  *mediadevices.CodecSelector
	cachedAPI *webrtc.API
}

func newDriver() driver {
	return &mediadevicesDriver{}
}

func (d *mediadevicesDriver) codecSelector() (*mediadevices.CodecSelector, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.selector != nil {
		return d.selector, nil
	}

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, NewDeviceError(HardwareError, err)
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, NewDeviceError(HardwareError, err)
	}

	d.selector = mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	return d.selector, nil
}

func (d *mediadevicesDriver) api() (*webrtc.API, error) {
	selector, err := d.codecSelector()
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cachedAPI != nil {
		return d.cachedAPI, nil
	}

	mediaEngine := &webrtc.MediaEngine{}
	selector.Populate(mediaEngine)

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	// Generous ICE timeouts: a brief relay/NAT hiccup should not kill the
	// link before ICE has a chance to recover.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	d.cachedAPI = webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	return d.cachedAPI, nil
}

func (d *mediadevicesDriver) open(_ context.Context, c Constraints) (*Stream, error) {
	selector, err := d.codecSelector()
	if err != nil {
		return nil, err
	}

	if len(mediadevices.EnumerateDevices()) == 0 {
		return nil, NewDeviceError(DeviceNotFound, errors.New("no media devices found"))
	}

	// GetUserMedia fails as a unit when either kind cannot be opened, so a
	// busy microphone should not take the camera down with it. Try the
	// requested combination first, then degrade.
	type attempt struct {
		video bool
		audio bool
	}

	attempts := []attempt{{c.Video, c.Audio}}
	if c.Video && c.Audio {
		attempts = append(attempts, attempt{true, false}, attempt{false, true})
	}

	var lastErr error

	for _, a := range attempts {
		if !a.video && !a.audio {
			continue
		}

		constraints := mediadevices.MediaStreamConstraints{Codec: selector}

		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Raw formats only: MJPEG camera nodes can emit malformed
				// frames that poison the VP8 encoder.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}

		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		s, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			lastErr = err
			slog.Warn("media capture attempt failed", slog.Any(constant.Error, err))
			continue
		}

		tracks := s.GetTracks()

		stream := &Stream{
			HasAudio: a.audio,
			HasVideo: a.video,
			close: func() {
				for _, t := range tracks {
					_ = t.Close()
				}
			},
		}

		for _, t := range tracks {
			stream.Tracks = append(stream.Tracks, t)
		}

		return stream, nil
	}

	return nil, classifyCaptureError(lastErr)
}

func classifyCaptureError(err error) *DeviceError {
	if err == nil {
		return NewDeviceError(DeviceNotFound, nil)
	}

	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "permission") || strings.Contains(msg, "access denied"):
		return NewDeviceError(PermissionDenied, err)
	case strings.Contains(msg, "not found") || strings.Contains(msg, "no such"):
		return NewDeviceError(DeviceNotFound, err)
	default:
		return NewDeviceError(HardwareError, err)
	}
}
