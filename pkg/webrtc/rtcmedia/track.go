package rtcmedia

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// localBinding ties a local track to its sender. alt, when set, is sent in
// place of track, which stays open for switching back.
type localBinding struct {
	track   LocalTrack
	alt     LocalTrack
	sender  *webrtc.RTPSender
	kind    webrtc.RTPCodecType
	enabled bool
}

func (b *localBinding) current() LocalTrack {
	if b.alt != nil {
		return b.alt
	}
	return b.track
}

// TrackManager owns the local and remote tracks of a connection.
type TrackManager struct {
	connection *Connection
	source     MediaSource
	log        *zap.Logger

	mu       sync.Mutex
	local    []*localBinding
	released bool
	audioRx  *webrtc.TrackRemote
	videoRx  *webrtc.TrackRemote

	onRemote func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
}

// NewTrackManager creates a track manager for conn.
func NewTrackManager(conn *Connection, source MediaSource, log *zap.Logger) *TrackManager {
	if log == nil {
		log = zap.NewNop()
	}
	tm := &TrackManager{connection: conn, source: source, log: log}
	conn.pc.OnTrack(tm.handleRemoteTrack)
	return tm
}

// OnRemoteTrack sets the remote track handler, which then owns reading the
// track. Without a handler the packets are read and dropped.
func (tm *TrackManager) OnRemoteTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	tm.mu.Lock()
	tm.onRemote = f
	tm.mu.Unlock()
}

// handleRemoteTrack is the OnTrack callback.
func (tm *TrackManager) handleRemoteTrack(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	tm.mu.Lock()
	switch remote.Kind() {
	case webrtc.RTPCodecTypeAudio:
		tm.audioRx = remote
	case webrtc.RTPCodecTypeVideo:
		tm.videoRx = remote
	}
	cb := tm.onRemote
	tm.mu.Unlock()

	tm.log.Info("received remote track",
		zap.String("codec", remote.Codec().MimeType),
		zap.Uint32("ssrc", uint32(remote.SSRC())),
		zap.String("streamID", remote.StreamID()),
		zap.String("kind", remote.Kind().String()),
	)

	if cb != nil {
		cb(remote, receiver)
		return
	}
	// Reading keeps the interceptor chain and inbound stats moving.
	go func() {
		for {
			if _, _, err := remote.ReadRTP(); err != nil {
				return
			}
		}
	}()
}

// RemoteTrack returns the remote track of kind, or nil.
func (tm *TrackManager) RemoteTrack(kind webrtc.RTPCodecType) *webrtc.TrackRemote {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if kind == webrtc.RTPCodecTypeVideo {
		return tm.videoRx
	}
	return tm.audioRx
}

// AttachLocalTracks opens the local devices and adds their tracks. Without a
// source the connection is receive-only.
func (tm *TrackManager) AttachLocalTracks(ctx context.Context, audioID, videoID string) error {
	pc := tm.connection.PeerConnection()
	if pc == nil {
		return ErrConnectionClosed
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.released {
		return ErrConnectionClosed
	}
	if len(tm.local) > 0 {
		return errors.New("local tracks already attached")
	}

	if tm.source == nil {
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				return fmt.Errorf("add %s transceiver: %w", kind, err)
			}
		}
		tm.log.Info("no media source, receiving only")
		return nil
	}

	tracks, err := tm.source.Open(ctx, audioID, videoID)
	if err != nil {
		return fmt.Errorf("open media source: %w", err)
	}
	for i, track := range tracks {
		sender, err := pc.AddTrack(track)
		if err != nil {
			closeTracks(tracks[i:])
			tm.releaseLocked()
			return fmt.Errorf("add %s track: %w", track.Kind(), err)
		}
		tm.local = append(tm.local, &localBinding{track: track, sender: sender, kind: track.Kind(), enabled: true})
		go drainRTCP(sender)
		tm.log.Info("local track attached", zap.String("kind", track.Kind().String()), zap.String("id", track.ID()))
	}
	return nil
}

// drainRTCP reads incoming RTCP so interceptors (NACK, reports) keep working.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// SetEnabled turns the outgoing track of kind on or off. A disabled sender
// carries no track while the device stays open.
func (tm *TrackManager) SetEnabled(kind webrtc.RTPCodecType, enabled bool) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	found := false
	for _, b := range tm.local {
		if b.kind != kind {
			continue
		}
		found = true
		if b.enabled == enabled {
			continue
		}
		var track webrtc.TrackLocal
		if enabled {
			track = b.current()
		}
		if err := b.sender.ReplaceTrack(track); err != nil {
			return fmt.Errorf("replace %s track: %w", kind, err)
		}
		b.enabled = enabled
	}
	if !found {
		return fmt.Errorf("no local %s track", kind)
	}
	return nil
}

// ReplaceTrack sends track on the sender of kind instead of the attached
// device track. A nil track switches back to the device. The replaced
// alternate is closed. A disabled sender stays silent until re-enabled.
func (tm *TrackManager) ReplaceTrack(kind webrtc.RTPCodecType, track LocalTrack) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	var b *localBinding
	for _, lb := range tm.local {
		if lb.kind == kind {
			b = lb
			break
		}
	}
	if b == nil {
		return fmt.Errorf("no local %s track", kind)
	}
	if track == b.track {
		track = nil
	}
	if track != nil && track.Kind() != kind {
		return fmt.Errorf("cannot send a %s track as %s", track.Kind(), kind)
	}

	prev := b.alt
	b.alt = track
	if b.enabled {
		if err := b.sender.ReplaceTrack(b.current()); err != nil {
			b.alt = prev
			return fmt.Errorf("replace %s track: %w", kind, err)
		}
	}
	if prev != nil && prev != track {
		if err := prev.Close(); err != nil {
			tm.log.Warn("close replaced track", zap.String("id", prev.ID()), zap.Error(err))
		}
	}
	id := b.track.ID()
	if track != nil {
		id = track.ID()
	}
	tm.log.Info("local track replaced", zap.String("kind", kind.String()), zap.String("id", id))
	return nil
}

// Enabled reports whether the outgoing track of kind is on.
func (tm *TrackManager) Enabled(kind webrtc.RTPCodecType) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	for _, b := range tm.local {
		if b.kind == kind {
			return b.enabled
		}
	}
	return false
}

// LocalTrackCount returns the number of attached local tracks.
func (tm *TrackManager) LocalTrackCount() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return len(tm.local)
}

// DetachLocalTracks removes and releases every local track. It is idempotent.
func (tm *TrackManager) DetachLocalTracks() error {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.releaseLocked()
}

func (tm *TrackManager) releaseLocked() error {
	var errs []error
	pc := tm.connection.PeerConnection()
	for _, b := range tm.local {
		if pc != nil {
			if err := pc.RemoveTrack(b.sender); err != nil {
				errs = append(errs, err)
			}
		}
		if err := b.track.Close(); err != nil {
			errs = append(errs, err)
		}
		if b.alt != nil {
			if err := b.alt.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	tm.local = nil
	return errors.Join(errs...)
}

// Close releases the local tracks and rejects later attaches.
func (tm *TrackManager) Close() error {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.released = true
	return tm.releaseLocked()
}
