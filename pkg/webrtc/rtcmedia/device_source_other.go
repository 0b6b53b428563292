//go:build !linux || !cgo

package rtcmedia

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v3"
)

// ErrDeviceSourceUnsupported is returned where no capture driver exists.
var ErrDeviceSourceUnsupported = errors.New("device capture requires linux with cgo")

// DeviceSource is unavailable off Linux. Use StaticSource or a receive-only peer.
type DeviceSource struct{}

// NewDeviceSource always returns ErrDeviceSourceUnsupported.
func NewDeviceSource(int) (*DeviceSource, error) {
	return nil, ErrDeviceSourceUnsupported
}

func (d *DeviceSource) RegisterCodecs(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

func (d *DeviceSource) Open(context.Context, string, string) ([]LocalTrack, error) {
	return nil, ErrDeviceSourceUnsupported
}

func (d *DeviceSource) OpenScreen(context.Context) (LocalTrack, error) {
	return nil, ErrDeviceSourceUnsupported
}
