package rtcmedia

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
)

// LocalTrack is an outgoing track. Close releases the capture device behind it.
type LocalTrack interface {
	webrtc.TrackLocal
	Close() error
}

// MediaSource provides the local tracks.
type MediaSource interface {
	// RegisterCodecs registers the codecs this source produces.
	RegisterCodecs(m *webrtc.MediaEngine) error
	// Open acquires tracks for the given devices; an empty id skips that kind.
	Open(ctx context.Context, audioID, videoID string) ([]LocalTrack, error)
}

// ScreenSource captures the screen as an outgoing video track, sent through
// Manager.ReplaceVideoTrack.
type ScreenSource interface {
	OpenScreen(ctx context.Context) (LocalTrack, error)
}

// opus silence frame
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// StaticSource sends silent Opus audio and an idle VP8 track, for hosts
// without capture devices and for tests.
type StaticSource struct {
	StreamID string
	// FrameInterval paces the silence writer; zero disables it.
	FrameInterval time.Duration
}

func (s *StaticSource) RegisterCodecs(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

func (s *StaticSource) Open(ctx context.Context, audioID, videoID string) ([]LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	streamID := s.StreamID
	if streamID == "" {
		streamID = "static"
	}

	var tracks []LocalTrack
	if audioID != "" {
		audio, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			"audio-"+audioID, streamID)
		if err != nil {
			return nil, fmt.Errorf("create audio track: %w", err)
		}
		st := newStaticTrack(audio)
		if s.FrameInterval > 0 {
			st.pump(opusSilence, s.FrameInterval)
		}
		tracks = append(tracks, st)
	}
	if videoID != "" {
		video, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video-"+videoID, streamID)
		if err != nil {
			closeTracks(tracks)
			return nil, fmt.Errorf("create video track: %w", err)
		}
		tracks = append(tracks, newStaticTrack(video))
	}
	return tracks, nil
}

// OpenScreen returns an idle VP8 track standing in for a screen capture.
func (s *StaticSource) OpenScreen(ctx context.Context) (LocalTrack, error) {
	tracks, err := s.Open(ctx, "", "screen")
	if err != nil {
		return nil, err
	}
	return tracks[0], nil
}

type staticTrack struct {
	*webrtc.TrackLocalStaticSample
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newStaticTrack(t *webrtc.TrackLocalStaticSample) *staticTrack {
	return &staticTrack{TrackLocalStaticSample: t, stop: make(chan struct{})}
}

func (t *staticTrack) pump(frame []byte, interval time.Duration) {
	t.done = make(chan struct{})
	go func() {
		defer close(t.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-ticker.C:
				// Unbound tracks drop samples; errors only mean no receiver yet.
				_ = t.WriteSample(media.Sample{Data: frame, Duration: interval})
			}
		}
	}()
}

func (t *staticTrack) Close() error {
	t.closeOnce.Do(func() {
		close(t.stop)
		if t.done != nil {
			<-t.done
		}
	})
	return nil
}

func closeTracks(tracks []LocalTrack) {
	for _, t := range tracks {
		_ = t.Close()
	}
}
