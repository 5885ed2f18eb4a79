//go:build !linux || !cgo

package media

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// stubDriver covers platforms without a pion/mediadevices capture backend.
// Sessions still work receive-only; acquisition reports device-not-found.
type stubDriver struct {
	mu        sync.Mutex
	cachedAPI *webrtc.API
}

func newDriver() driver {
	return &stubDriver{}
}

func (d *stubDriver) open(_ context.Context, _ Constraints) (*Stream, error) {
	return nil, NewDeviceError(DeviceNotFound, errors.New("local capture not supported on this platform"))
}

func (d *stubDriver) api() (*webrtc.API, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cachedAPI != nil {
		return d.cachedAPI, nil
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	d.cachedAPI = webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)

	return d.cachedAPI, nil
}
