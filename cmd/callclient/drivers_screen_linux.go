//go:build linux && cgo && screen

package main

import (
	// X11 display capture for -share-screen-after; needs libx11 and libxext.
	_ "github.com/pion/mediadevices/pkg/driver/screen"
)
