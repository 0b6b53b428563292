package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/LingByte/CareCall/cmd/bootstrap"
	"github.com/LingByte/CareCall/pkg/callmetrics"
	"github.com/LingByte/CareCall/pkg/callsession"
	"github.com/LingByte/CareCall/pkg/config"
	apperr "github.com/LingByte/CareCall/pkg/errors"
	"github.com/LingByte/CareCall/pkg/logger"
	"github.com/LingByte/CareCall/pkg/models"
	"github.com/LingByte/CareCall/pkg/preflight"
	"github.com/LingByte/CareCall/pkg/signaling"
	"github.com/LingByte/CareCall/pkg/webrtc/rtcmedia"
	rtcconfig "github.com/LingByte/CareCall/pkg/webrtc/rtcmedia/config"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func main() {
	// 1. Parse Command Line Parameters
	relayURL := flag.String("relay", "http://localhost:7072", "signaling relay base url")
	sessionID := flag.String("session", "", "appointment id shared by both participants")
	role := flag.String("role", string(callsession.RoleInitiator), "initiator or responder")
	remoteName := flag.String("remote-name", "", "remote participant display name")
	remoteAvatar := flag.String("remote-avatar", "", "remote participant avatar url")
	static := flag.Bool("static", false, "send synthetic tracks instead of capturing devices")
	audioID := flag.String("audio", "", "audio input device id (default: first)")
	videoID := flag.String("video", "", "video input device id (default: first)")
	noVideo := flag.Bool("no-video", false, "audio-only call")
	hangupAfter := flag.Duration("hangup-after", 0, "hang up this long after connecting (0 waits for the peer or Ctrl-C)")
	shareAfter := flag.Duration("share-screen-after", 0, "send the screen instead of the camera this long after connecting (0 never)")
	mode := flag.String("mode", "", "running environment (development, test, production)")
	dbDriver := flag.String("db-driver", "", "call record database driver (overrides DB_DRIVER)")
	dsn := flag.String("dsn", "", "call record database source name (overrides DSN)")
	initSQL := flag.String("init-sql", "", "path to database init .sql script (optional)")
	flag.Parse()
	if *mode != "" {
		os.Setenv("MODE", *mode)
	}
	if *sessionID == "" {
		fmt.Fprintln(os.Stderr, "-session is required")
		os.Exit(2)
	}

	// 2. Load Global Configuration
	if err := config.Load(); err != nil {
		panic("config load failed: " + err.Error())
	}
	// 3. Load Log Configuration
	if err := logger.Init(&config.GlobalConfig.Log, config.GlobalConfig.Mode); err != nil {
		panic(err)
	}
	defer logger.Sync()
	bootstrap.LogConfigInfo()

	// 4. Load Data Source
	db, err := bootstrap.SetupDatabase(os.Stdout, &bootstrap.Options{
		Driver:      *dbDriver,
		DSN:         *dsn,
		InitSQLPath: *initSQL,
		AutoMigrate: true,
	})
	if err != nil {
		logger.Error("database setup failed", zap.Error(err))
		return
	}

	// 5. Signaling and media
	transport, err := signaling.NewWSTransport(*relayURL, nil)
	if err != nil {
		logger.Error("invalid relay url", zap.Error(err))
		return
	}
	var (
		source  rtcmedia.MediaSource
		screens rtcmedia.ScreenSource
		checker callsession.Prechecker
	)
	if *static {
		src := &rtcmedia.StaticSource{FrameInterval: 20 * time.Millisecond}
		source, screens = src, src
		checker = staticChecker{}
	} else {
		ds, err := rtcmedia.NewDeviceSource(1_000_000)
		if err != nil {
			logger.Error("device capture unavailable, rerun with -static", zap.Error(err))
			return
		}
		source, screens = ds, ds
	}
	callCfg := config.GlobalConfig.Call
	opt := rtcconfig.DefaultWebRTCOption(callCfg.ICEServers)
	opt.QualityInterval = callCfg.QualityInterval

	// 6. New Session
	var sess *callsession.Session
	var hangupTimer, shareTimer *time.Timer
	sess, err = callsession.New(callsession.Options{
		Bootstrap: callsession.Bootstrap{
			SessionID:         *sessionID,
			LocalRole:         callsession.Role(*role),
			RemoteDisplayName: *remoteName,
			RemoteAvatarURL:   *remoteAvatar,
		},
		Config: callCfg,
		Request: preflight.Request{
			Audio:         true,
			Video:         !*noVideo,
			AudioDeviceID: *audioID,
			VideoDeviceID: *videoID,
		},
		Transport: transport,
		Checker:   checker,
		NewPeer:   callsession.ManagerFactory(opt, source, logger.Lg),
		Collector: callmetrics.NewCollector(prometheus.NewRegistry()),
		Logger:    logger.Lg,
		Callbacks: callsession.Callbacks{
			OnReady: func(res preflight.Result) {
				logger.Info("devices ready",
					zap.String("audio", res.DeviceIDs.Audio), zap.String("video", res.DeviceIDs.Video),
					zap.Int("audio_inputs", len(res.AudioInputs)), zap.Int("video_inputs", len(res.VideoInputs)))
			},
			OnConnected: func(at time.Time) {
				logger.Info("call connected", zap.Time("connected_at", at))
				if *hangupAfter > 0 {
					hangupTimer = time.AfterFunc(*hangupAfter, func() { sess.Hangup(callsession.HangupCompleted) })
				}
				if *shareAfter > 0 {
					shareTimer = time.AfterFunc(*shareAfter, func() { shareScreen(sess, screens) })
				}
			},
			OnReconnecting: func(attempt int) {
				logger.Warn("reconnecting", zap.Int("attempt", attempt))
			},
			OnStateChange: func(from, to callsession.State) {
				fmt.Printf("\n[%s] %s -> %s\n", *sessionID, from, to)
			},
			OnQuality: func(q rtcmedia.QualitySample) {
				logger.Debug("connection quality",
					zap.String("class", string(q.Class)), zap.Duration("rtt", q.RTT),
					zap.Float64("loss", q.PacketLoss), zap.Float64("kbps", q.BitrateKbps))
			},
			OnTick: func(formatted string) {
				fmt.Printf("\r%s", formatted)
			},
			OnRemoteTrack: func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
				logger.Info("remote track", zap.String("kind", track.Kind().String()), zap.String("codec", track.Codec().MimeType))
				for {
					if _, _, err := track.ReadRTP(); err != nil {
						return
					}
				}
			},
			OnCallEnd: func(durationSeconds int64, reason callsession.EndReason) {
				if hangupTimer != nil {
					hangupTimer.Stop()
				}
				if shareTimer != nil {
					shareTimer.Stop()
				}
				saveRecord(db, sess)
			},
		},
	})
	if err != nil {
		logger.Error("invalid session options", zap.Error(err))
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		select {
		case <-ctx.Done():
			sess.Hangup(callsession.HangupCompleted)
		case <-sess.Done():
		}
	}()

	// 7. Run
	if err := sess.Start(context.Background()); err != nil {
		logger.Error("session start failed", zap.Error(err))
		return
	}
	res, _ := sess.Wait(context.Background())
	fmt.Printf("\ncall ended: %s after %s\n", res.Reason, callmetrics.FormatDuration(time.Duration(res.DurationSeconds)*time.Second))
	if res.Err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", res.Err)
		if appErr, ok := apperr.AsAppError(res.Err); ok && appErr.UserActionable() {
			fmt.Fprintln(os.Stderr, "check camera and microphone permissions and try again")
		}
		logger.Sync()
		os.Exit(1)
	}
}

// saveRecord persists the ended session. It runs on the session goroutine
// from OnCallEnd, after the snapshot is final.
func saveRecord(db *gorm.DB, sess *callsession.Session) {
	rec, err := models.NewCallRecord(sess.Snapshot(), sess.Result())
	if err != nil {
		logger.Error("build call record", zap.Error(err))
		return
	}
	if err := models.SaveCallRecord(db, rec); err != nil {
		logger.Error("save call record", zap.String("session_id", rec.SessionID), zap.Error(err))
		return
	}
	logger.Info("call record saved", zap.Uint("id", rec.ID), zap.String("end_reason", rec.EndReason))
}

// shareScreen switches the outgoing video to a screen capture.
func shareScreen(sess *callsession.Session, screens rtcmedia.ScreenSource) {
	track, err := screens.OpenScreen(context.Background())
	if err != nil {
		logger.Warn("screen capture unavailable", zap.Error(err))
		return
	}
	logger.Info("sharing screen", zap.String("track", track.ID()))
	sess.SwitchVideoSource(track)
}
