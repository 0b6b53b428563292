package preflight

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"math"
	"strings"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/mediadevices/pkg/wave"
)

// MediaDevices is the pion/mediadevices backend. Drivers are registered by
// blank-importing mediadevices/pkg/driver/... in the binary.
type MediaDevices struct{}

func (MediaDevices) Enumerate(ctx context.Context) ([]Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Device
	for _, info := range mediadevices.EnumerateDevices() {
		d := Device{ID: info.DeviceID, Label: info.Label}
		switch info.Kind {
		case mediadevices.AudioInput:
			d.Kind = KindAudio
		case mediadevices.VideoInput:
			d.Kind = KindVideo
		default:
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (MediaDevices) Open(ctx context.Context, audioID, videoID string) (Capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	constraints := mediadevices.MediaStreamConstraints{}
	if audioID != "" {
		constraints.Audio = exactDevice(audioID)
	}
	if videoID != "" {
		constraints.Video = exactDevice(videoID)
	}
	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, mapDriverError(err)
	}
	return &mediaCapture{tracks: stream.GetTracks()}, nil
}

// exactDevice pins a constraint to one device id so the capture opened is
// the device that was picked, not the closest match.
func exactDevice(id string) mediadevices.MediaOption {
	return func(c *mediadevices.MediaTrackConstraints) {
		c.DeviceID = prop.StringExact(id)
	}
}

// mapDriverError folds driver errors into the preflight sentinels.
func mapDriverError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, fs.ErrPermission) || strings.Contains(msg, "permission denied") || strings.Contains(msg, "not allowed"):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case strings.Contains(msg, "busy") || strings.Contains(msg, "in use"):
		return fmt.Errorf("%w: %v", ErrDeviceBusy, err)
	case strings.Contains(msg, "not found") || strings.Contains(msg, "no such") || strings.Contains(msg, "failed to find"):
		return fmt.Errorf("%w: %v", ErrNoDevice, err)
	}
	return err
}

type mediaCapture struct {
	tracks    []mediadevices.Track
	closeOnce sync.Once
}

func (c *mediaCapture) Sample(ctx context.Context, kind Kind) (float64, error) {
	var track mediadevices.Track
	for _, t := range c.tracks {
		if t.Kind().String() == string(kind) {
			track = t
			break
		}
	}
	if track == nil {
		return 0, fmt.Errorf("%w: no %s track", ErrNoDevice, kind)
	}

	type sample struct {
		level float64
		err   error
	}
	done := make(chan sample, 1)
	go func() {
		level, err := readLevel(track)
		done <- sample{level, err}
	}()
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case s := <-done:
		if s.err != nil {
			return 0, mapDriverError(s.err)
		}
		return s.level, nil
	}
}

func (c *mediaCapture) Close() error {
	var errs []error
	c.closeOnce.Do(func() {
		for _, t := range c.tracks {
			if err := t.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

func readLevel(track mediadevices.Track) (float64, error) {
	switch t := track.(type) {
	case *mediadevices.AudioTrack:
		chunk, release, err := t.NewReader(false).Read()
		if err != nil {
			return 0, err
		}
		defer release()
		return audioLevel(chunk), nil
	case *mediadevices.VideoTrack:
		img, release, err := t.NewReader(false).Read()
		if err != nil {
			return 0, err
		}
		defer release()
		return imageLevel(img), nil
	}
	return 0, fmt.Errorf("unsupported track type %T", track)
}

// audioLevel returns the peak absolute sample normalized to [0,1].
func audioLevel(chunk wave.Audio) float64 {
	if chunk == nil {
		return 0
	}
	info := chunk.ChunkInfo()
	var peak float64
	for i := 0; i < info.Len; i++ {
		for ch := 0; ch < info.Channels; ch++ {
			v := math.Abs(float64(chunk.At(i, ch).Int()))
			if v > peak {
				peak = v
			}
		}
	}
	return math.Min(peak/math.MaxInt64, 1)
}

// imageLevel returns the mean luminance of a 16x16 sampling grid in [0,1].
func imageLevel(img image.Image) float64 {
	if img == nil {
		return 0
	}
	b := img.Bounds()
	if b.Empty() {
		return 0
	}
	const grid = 16
	var sum float64
	var n int
	for gy := 0; gy < grid; gy++ {
		y := b.Min.Y + gy*b.Dy()/grid
		for gx := 0; gx < grid; gx++ {
			x := b.Min.X + gx*b.Dx()/grid
			r, g, bl, _ := img.At(x, y).RGBA()
			sum += (0.299*float64(r) + 0.587*float64(g) + 0.114*float64(bl)) / 0xffff
			n++
		}
	}
	return sum / float64(n)
}
