//go:build linux && cgo

package rtcmedia

import (
	"context"
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v3"
)

// DeviceSource captures the camera and microphone through pion/mediadevices
// (VP8 + Opus).
// Drivers are registered by blank-importing mediadevices/pkg/driver/... in the binary.
type DeviceSource struct {
	selector *mediadevices.CodecSelector
}

// NewDeviceSource creates a capture source with the given VP8 bitrate.
func NewDeviceSource(videoBitRate int) (*DeviceSource, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	if videoBitRate > 0 {
		vpxParams.BitRate = videoBitRate
	}
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}
	return &DeviceSource{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

func (d *DeviceSource) RegisterCodecs(m *webrtc.MediaEngine) error {
	d.selector.Populate(m)
	return nil
}

func (d *DeviceSource) Open(ctx context.Context, audioID, videoID string) ([]LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}
	if audioID != "" {
		constraints.Audio = func(c *mediadevices.MediaTrackConstraints) {
			c.DeviceID = prop.StringExact(audioID)
		}
	}
	if videoID != "" {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			c.DeviceID = prop.StringExact(videoID)
			// MJPEG nodes on some cameras emit frames the VP8 encoder rejects.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		}
	}
	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("get user media: %w", err)
	}
	var tracks []LocalTrack
	for _, t := range stream.GetTracks() {
		tracks = append(tracks, t)
	}
	return tracks, nil
}

// OpenScreen captures the first display. It needs a screen driver, which is
// only linked into binaries built with the screen tag.
func (d *DeviceSource) OpenScreen(ctx context.Context) (LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		// display drivers expose one fixed RGBA mode per screen
		Video: func(*mediadevices.MediaTrackConstraints) {},
		Codec: d.selector,
	})
	if err != nil {
		return nil, fmt.Errorf("get display media: %w", err)
	}
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("get display media: no video track")
	}
	return tracks[0], nil
}
