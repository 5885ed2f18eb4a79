package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

type ErrorKind string

const (
	PermissionDenied ErrorKind = "permission-denied"
	DeviceNotFound   ErrorKind = "device-not-found"
	HardwareError    ErrorKind = "hardware-error"
)

// DeviceError is a typed failure from the device media layer. Device
// errors are never retried automatically.
type DeviceError struct {
	Kind  ErrorKind
	cause error
}

func NewDeviceError(kind ErrorKind, cause error) *DeviceError {
	return &DeviceError{Kind: kind, cause: cause}
}

func (e *DeviceError) Error() string {
	if e.cause == nil {
		return string(e.Kind)
	}

	return fmt.Sprintf("%s: %v", e.Kind, e.cause)
}

func (e *DeviceError) Unwrap() error {
	return e.cause
}

var ErrAcquireInFlight = errors.New("media acquisition already in flight")

type Constraints struct {
	Audio bool
	Video bool
}

// Stream is the acquired local media: outbound webrtc tracks plus which
// kinds were actually opened (acquisition may fall back to fewer kinds
// than requested).
type Stream struct {
	Tracks   []webrtc.TrackLocal
	HasAudio bool
	HasVideo bool

	close func()
}

func (s *Stream) Close() {
	if s.close != nil {
		s.close()
	}
}

// driver is the platform capture backend. The Linux build uses
// pion/mediadevices; other platforms report device-not-found.
type driver interface {
	open(ctx context.Context, c Constraints) (*Stream, error)
	api() (*webrtc.API, error)
}

// Acquirer owns the single shared camera/microphone resource. Only one
// acquisition may be in flight at a time.
type Acquirer struct {
	drv driver

	mu           sync.Mutex
	inFlight     bool
	stream       *Stream
	audioEnabled bool
	videoEnabled bool
}

func NewAcquirer() *Acquirer {
	return &Acquirer{drv: newDriver()}
}

// Acquire opens local capture for the requested kinds. Idempotent while a
// stream is held; concurrent acquisitions are refused.
func (a *Acquirer) Acquire(ctx context.Context, c Constraints) error {
	a.mu.Lock()

	if a.stream != nil {
		a.mu.Unlock()
		return nil
	}

	if a.inFlight {
		a.mu.Unlock()
		return ErrAcquireInFlight
	}

	a.inFlight = true
	a.mu.Unlock()

	stream, err := a.drv.open(ctx, c)

	a.mu.Lock()
	defer a.mu.Unlock()

	a.inFlight = false

	if err != nil {
		return err
	}

	a.stream = stream
	a.audioEnabled = stream.HasAudio && c.Audio
	a.videoEnabled = stream.HasVideo && c.Video

	return nil
}

func (a *Acquirer) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stream != nil {
		a.stream.Close()
		a.stream = nil
	}

	a.audioEnabled = false
	a.videoEnabled = false
}

// SetAudioEnabled flips the microphone. Enabling fails with a device
// error when no audio track was acquired; the previous state is kept.
func (a *Acquirer) SetAudioEnabled(enabled bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stream == nil {
		return NewDeviceError(DeviceNotFound, errors.New("no media stream acquired"))
	}

	if enabled && !a.stream.HasAudio {
		return NewDeviceError(DeviceNotFound, errors.New("no audio track acquired"))
	}

	a.audioEnabled = enabled

	return nil
}

// SetVideoEnabled flips the camera, with the same failure semantics as
// SetAudioEnabled.
func (a *Acquirer) SetVideoEnabled(enabled bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stream == nil {
		return NewDeviceError(DeviceNotFound, errors.New("no media stream acquired"))
	}

	if enabled && !a.stream.HasVideo {
		return NewDeviceError(DeviceNotFound, errors.New("no video track acquired"))
	}

	a.videoEnabled = enabled

	return nil
}

// State reports the current device flags.
func (a *Acquirer) State() (audioEnabled, videoEnabled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.audioEnabled, a.videoEnabled
}

// Tracks returns the outbound tracks of the held stream, if any.
func (a *Acquirer) Tracks() []webrtc.TrackLocal {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stream == nil {
		return nil
	}

	return a.stream.Tracks
}

// API returns the webrtc API whose media engine matches the capture
// codecs. Peer connections must be built from it so local tracks bind.
func (a *Acquirer) API() (*webrtc.API, error) {
	return a.drv.api()
}
