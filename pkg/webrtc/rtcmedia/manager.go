package rtcmedia

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/LingByte/CareCall/pkg/webrtc/rtcmedia/config"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Events are peer connection callbacks. They run on pion goroutines and must not block.
type Events struct {
	OnLocalCandidate  func(webrtc.ICECandidateInit)
	OnConnectionState func(webrtc.PeerConnectionState)
	OnRemoteTrack     func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	OnQuality         func(QualitySample)
}

// Options configures a Manager.
type Options struct {
	WebRTC *config.WebRTCOption
	Source MediaSource
	Events Events
	Logger *zap.Logger
}

// Manager owns one peer connection: negotiation, tracks and quality sampling.
// Disconnects and failures are reported, never retried here.
type Manager struct {
	opt        *config.WebRTCOption
	connection *Connection
	signaling  *Signaling
	tracks     *TrackManager
	quality    *QualityMonitor
	events     Events
	log        *zap.Logger

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// NewManager creates the connection and starts quality sampling when OnQuality is set.
func NewManager(opts Options) (*Manager, error) {
	opt := opts.WebRTC
	if opt == nil {
		opt = config.DefaultWebRTCOption(nil)
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	api, err := NewAPI(opt, opts.Source, log)
	if err != nil {
		return nil, err
	}
	conn, err := NewConnection(api, opt, log)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		opt:        opt,
		connection: conn,
		signaling:  NewSignaling(conn, log),
		tracks:     NewTrackManager(conn, opts.Source, log),
		events:     opts.Events,
		log:        log,
	}
	m.quality = NewQualityMonitor(m.stats, nil)

	conn.OnLocalCandidate(opts.Events.OnLocalCandidate)
	conn.OnConnectionStateChange(opts.Events.OnConnectionState)
	m.tracks.OnRemoteTrack(opts.Events.OnRemoteTrack)

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	if opts.Events.OnQuality != nil {
		m.wg.Add(1)
		go m.qualityLoop(ctx, opt.GetQualityInterval())
	}
	return m, nil
}

func (m *Manager) stats() webrtc.StatsReport {
	pc := m.connection.PeerConnection()
	if pc == nil {
		return nil
	}
	return pc.GetStats()
}

// qualityLoop samples on a ticker and reports only while connected.
func (m *Manager) qualityLoop(ctx context.Context, interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.connection.GetState() != webrtc.PeerConnectionStateConnected {
				continue
			}
			if sample, ok := m.quality.Sample(); ok {
				m.events.OnQuality(sample)
			}
		}
	}
}

func (m *Manager) CreateOffer(ctx context.Context, iceRestart bool) (string, error) {
	if iceRestart {
		m.quality.Reset()
	}
	return m.signaling.CreateOffer(ctx, iceRestart)
}

func (m *Manager) CreateAnswer(ctx context.Context, remoteOffer string) (string, error) {
	return m.signaling.CreateAnswer(ctx, remoteOffer)
}

func (m *Manager) ApplyRemoteDescription(sdpType webrtc.SDPType, sdp string) error {
	return m.signaling.ApplyRemoteDescription(sdpType, sdp)
}

func (m *Manager) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return m.signaling.AddICECandidate(candidate)
}

func (m *Manager) PendingCandidates() int {
	return m.signaling.PendingCandidates()
}

func (m *Manager) AttachLocalTracks(ctx context.Context, audioID, videoID string) error {
	return m.tracks.AttachLocalTracks(ctx, audioID, videoID)
}

func (m *Manager) DetachLocalTracks() error {
	return m.tracks.DetachLocalTracks()
}

// SetAudioEnabled mutes or unmutes the microphone.
func (m *Manager) SetAudioEnabled(enabled bool) error {
	return m.tracks.SetEnabled(webrtc.RTPCodecTypeAudio, enabled)
}

// SetVideoEnabled turns the camera track off or on.
func (m *Manager) SetVideoEnabled(enabled bool) error {
	return m.tracks.SetEnabled(webrtc.RTPCodecTypeVideo, enabled)
}

// ReplaceVideoTrack sends track, for example a screen capture, in place of
// the camera. A nil track switches back to the camera.
func (m *Manager) ReplaceVideoTrack(track LocalTrack) error {
	return m.tracks.ReplaceTrack(webrtc.RTPCodecTypeVideo, track)
}

func (m *Manager) ConnectionState() webrtc.PeerConnectionState {
	return m.connection.GetState()
}

func (m *Manager) SignalingState() webrtc.SignalingState {
	return m.connection.GetSignalingState()
}

func (m *Manager) Tracks() *TrackManager {
	return m.tracks
}

// Close releases the local tracks and closes the connection. It is idempotent.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.cancel()
		m.wg.Wait()
		trackErr := m.tracks.Close()
		connErr := m.connection.Close()
		m.closeErr = errors.Join(trackErr, connErr)
		m.log.Debug("peer connection manager closed")
	})
	return m.closeErr
}
