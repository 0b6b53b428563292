package callsession

import (
	"context"
	"time"

	"github.com/LingByte/CareCall/pkg/callmetrics"
	"github.com/LingByte/CareCall/pkg/config"
	"github.com/LingByte/CareCall/pkg/preflight"
	"github.com/LingByte/CareCall/pkg/signaling"
	"github.com/LingByte/CareCall/pkg/webrtc/rtcmedia"
	rtcconfig "github.com/LingByte/CareCall/pkg/webrtc/rtcmedia/config"
	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Peer is the media side of a session.
type Peer interface {
	CreateOffer(ctx context.Context, iceRestart bool) (string, error)
	CreateAnswer(ctx context.Context, remoteOffer string) (string, error)
	ApplyRemoteDescription(sdpType webrtc.SDPType, sdp string) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	AttachLocalTracks(ctx context.Context, audioID, videoID string) error
	SetAudioEnabled(enabled bool) error
	SetVideoEnabled(enabled bool) error
	// ReplaceVideoTrack sends track instead of the camera; nil restores it.
	ReplaceVideoTrack(track rtcmedia.LocalTrack) error
	Close() error
}

var _ Peer = (*rtcmedia.Manager)(nil)

// PeerFactory builds the peer for one session with its events wired in.
type PeerFactory func(events rtcmedia.Events) (Peer, error)

// ManagerFactory returns a PeerFactory backed by rtcmedia.Manager. A nil
// source makes the peer receive-only.
func ManagerFactory(opt *rtcconfig.WebRTCOption, source rtcmedia.MediaSource, log *zap.Logger) PeerFactory {
	return func(events rtcmedia.Events) (Peer, error) {
		m, err := rtcmedia.NewManager(rtcmedia.Options{
			WebRTC: opt,
			Source: source,
			Events: events,
			Logger: log,
		})
		if err != nil {
			return nil, err
		}
		return m, nil
	}
}

// Prechecker runs the device preflight.
type Prechecker interface {
	Check(ctx context.Context, req preflight.Request) preflight.Result
}

// Callbacks are invoked on the session goroutine in transition order. They
// must return promptly and must not call Wait.
type Callbacks struct {
	OnReady        func(preflight.Result)
	OnConnected    func(connectedAt time.Time)
	OnReconnecting func(attempt int)
	OnEnded        func(reason EndReason, durationSeconds int64)
	OnCallEnd      func(durationSeconds int64, reason EndReason)
	OnStateChange  func(from, to State)
	OnQuality      func(rtcmedia.QualitySample)

	// OnTick runs on the duration ticker while connected.
	OnTick func(formatted string)
	// OnRemoteTrack runs on a pion goroutine and owns reading the track.
	OnRemoteTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
}

// Options configures a Session.
type Options struct {
	Bootstrap
	Config    config.CallConfig
	Request   preflight.Request
	Transport signaling.Transport
	Checker   Prechecker
	NewPeer   PeerFactory
	Registry  *Registry
	Collector *callmetrics.Collector
	Clock     clock.Clock
	Logger    *zap.Logger
	Callbacks Callbacks

	// ByeTimeout bounds the best-effort bye sent on local teardown.
	ByeTimeout time.Duration
	// TickInterval is the duration display refresh interval.
	TickInterval time.Duration
}

func (o *Options) withDefaults(log *zap.Logger) {
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Registry == nil {
		o.Registry = DefaultRegistry
	}
	if !o.Request.Audio && !o.Request.Video {
		o.Request.Audio, o.Request.Video = true, true
	}
	if o.ByeTimeout <= 0 {
		o.ByeTimeout = 2 * time.Second
	}
	if o.Checker == nil {
		o.Checker = preflight.NewChecker(preflight.MediaDevices{},
			preflight.WithTimeout(o.Config.PreflightTimeout),
			preflight.WithLogger(log),
			preflight.WithCollector(o.Collector))
	}
	if o.NewPeer == nil {
		opt := rtcconfig.DefaultWebRTCOption(o.Config.ICEServers)
		opt.QualityInterval = o.Config.QualityInterval
		o.NewPeer = ManagerFactory(opt, nil, log)
	}
}
