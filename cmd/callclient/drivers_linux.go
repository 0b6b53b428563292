//go:build linux && cgo

package main

import (
	// Capture drivers used by preflight.MediaDevices and rtcmedia.DeviceSource.
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
)
