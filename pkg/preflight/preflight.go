package preflight

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LingByte/CareCall/pkg/callmetrics"
	apperr "github.com/LingByte/CareCall/pkg/errors"
	"github.com/LingByte/CareCall/pkg/logger"
	"github.com/LingByte/CareCall/pkg/webrtc/constants"
	"go.uber.org/zap"
)

// FailureReason explains a failed preflight.
type FailureReason string

const (
	ReasonPermissionDenied FailureReason = "permission_denied"
	ReasonNoDevice         FailureReason = "no_device"
	ReasonDeviceBusy       FailureReason = "device_busy"
	ReasonUnknown          FailureReason = "unknown"
)

// Backends wrap their errors with these so the checker can classify them.
var (
	ErrPermissionDenied = errors.New("preflight: permission denied")
	ErrNoDevice         = errors.New("preflight: no device")
	ErrDeviceBusy       = errors.New("preflight: device busy")
)

// Kind is a media device kind.
type Kind string

const (
	KindAudio Kind = constants.KindAudio
	KindVideo Kind = constants.KindVideo
)

// Permission mirrors the browser permission states.
type Permission string

const (
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
	PermissionPrompt  Permission = "prompt"
)

// Device is one capture device.
type Device struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Kind  Kind   `json:"kind"`
}

// Devices is the capture backend.
type Devices interface {
	Enumerate(ctx context.Context) ([]Device, error)
	// Open acquires the given devices. An empty id skips that kind.
	Open(ctx context.Context, audioID, videoID string) (Capture, error)
}

// Capture is an open trial handle.
type Capture interface {
	// Sample reads one chunk from the track of the given kind and returns its
	// normalized signal level in [0,1].
	Sample(ctx context.Context, kind Kind) (float64, error)
	Close() error
}

// Request selects what to check. Empty ids pick the first device of the kind.
type Request struct {
	Audio         bool
	Video         bool
	AudioDeviceID string
	VideoDeviceID string
}

// DeviceIDs are the devices that passed.
type DeviceIDs struct {
	Audio string `json:"audio,omitempty"`
	Video string `json:"video,omitempty"`
}

// DeviceState is the local participant's device state for the call.
type DeviceState struct {
	CameraPermission     Permission `json:"cameraPermission"`
	MicrophonePermission Permission `json:"microphonePermission"`
	SelectedAudioID      string     `json:"selectedAudioId,omitempty"`
	SelectedVideoID      string     `json:"selectedVideoId,omitempty"`
	MicMuted             bool       `json:"micMuted"`
	CameraOff            bool       `json:"cameraOff"`
	// SharingScreen is set while the outgoing video comes from a switched
	// source instead of the camera.
	SharingScreen        bool       `json:"sharingScreen"`
}

// Result is Ready when OK, otherwise Failed with Reason.
type Result struct {
	OK          bool
	Reason      FailureReason
	DeviceIDs   DeviceIDs
	State       DeviceState
	AudioInputs []Device
	VideoInputs []Device
	AudioLevel  float64
	Err         error
	Duration    time.Duration
}

// Event is the wire shape of a preflight result.
type Event struct {
	OK        bool       `json:"ok"`
	Reason    string     `json:"reason,omitempty"`
	DeviceIDs *DeviceIDs `json:"deviceIds,omitempty"`
}

// Event renders the result for the UI.
func (r Result) Event() Event {
	if !r.OK {
		return Event{OK: false, Reason: string(r.Reason)}
	}
	ids := r.DeviceIDs
	return Event{OK: true, DeviceIDs: &ids}
}

// AppError maps a failed result onto the error taxonomy. Nil when OK.
func (r Result) AppError() *apperr.AppError {
	if r.OK {
		return nil
	}
	code := apperr.ErrCodeDeviceError
	if r.Reason == ReasonPermissionDenied {
		code = apperr.ErrCodePermissionDenied
	}
	e := apperr.NewAppErrorf(code, "preflight failed: %s", r.Reason).WithDetails("reason", string(r.Reason))
	if r.Err != nil {
		e = e.WithCause(r.Err)
	}
	return e
}

// Checker runs device preflight.
type Checker struct {
	devices   Devices
	timeout   time.Duration
	log       *zap.Logger
	collector *callmetrics.Collector
}

// Option configures a Checker.
type Option func(*Checker)

func WithTimeout(d time.Duration) Option {
	return func(c *Checker) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Checker) { c.log = l }
}

func WithCollector(col *callmetrics.Collector) Option {
	return func(c *Checker) { c.collector = col }
}

// NewChecker creates a checker over a device backend
func NewChecker(devices Devices, opts ...Option) *Checker {
	c := &Checker{
		devices: devices,
		timeout: constants.DefaultPreflightTimeout,
		log:     logger.Lg,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Check never blocks past the checker timeout. On timeout or cancellation it
// returns Failed{unknown}; a capture opened late is still released by the
// background check.
func (c *Checker) Check(ctx context.Context, req Request) Result {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	done := make(chan Result, 1)
	go func() {
		done <- c.run(ctx, req)
	}()

	var res Result
	select {
	case res = <-done:
	case <-ctx.Done():
		res = c.failed(req, ReasonUnknown, fmt.Errorf("preflight: %w", ctx.Err()))
	}
	res.Duration = time.Since(start)

	if res.OK {
		c.log.Info("preflight ready",
			zap.String("audio", res.DeviceIDs.Audio), zap.String("video", res.DeviceIDs.Video),
			zap.Float64("audio_level", res.AudioLevel), zap.Duration("took", res.Duration))
	} else {
		c.collector.PreflightFailed(string(res.Reason))
		c.log.Warn("preflight failed", zap.String("reason", string(res.Reason)), zap.Error(res.Err))
	}
	return res
}

func (c *Checker) run(ctx context.Context, req Request) Result {
	if !req.Audio && !req.Video {
		return c.failed(req, ReasonNoDevice, errors.New("preflight: nothing requested"))
	}

	devices, err := c.devices.Enumerate(ctx)
	if err != nil {
		return c.failed(req, classify(err), err)
	}
	res := Result{State: initialState(req)}
	for _, d := range devices {
		switch d.Kind {
		case KindAudio:
			res.AudioInputs = append(res.AudioInputs, d)
		case KindVideo:
			res.VideoInputs = append(res.VideoInputs, d)
		}
	}

	var audioID, videoID string
	if req.Audio {
		if audioID = pick(res.AudioInputs, req.AudioDeviceID); audioID == "" {
			return c.failedWith(res, ReasonNoDevice, fmt.Errorf("%w: microphone", ErrNoDevice))
		}
	}
	if req.Video {
		if videoID = pick(res.VideoInputs, req.VideoDeviceID); videoID == "" {
			return c.failedWith(res, ReasonNoDevice, fmt.Errorf("%w: camera", ErrNoDevice))
		}
	}

	capture, err := c.devices.Open(ctx, audioID, videoID)
	if err != nil {
		reason := classify(err)
		if reason == ReasonPermissionDenied {
			if req.Audio {
				res.State.MicrophonePermission = PermissionDenied
			}
			if req.Video {
				res.State.CameraPermission = PermissionDenied
			}
		}
		return c.failedWith(res, reason, err)
	}
	// The trial handle is released before returning so the call acquires the devices fresh.
	defer func() {
		if err := capture.Close(); err != nil {
			c.log.Warn("preflight release failed", zap.Error(err))
		}
	}()
	if req.Audio {
		res.State.MicrophonePermission = PermissionGranted
	}
	if req.Video {
		res.State.CameraPermission = PermissionGranted
	}

	if req.Audio {
		level, err := capture.Sample(ctx, KindAudio)
		if err != nil {
			return c.failedWith(res, classify(err), err)
		}
		res.AudioLevel = level
		if level <= 0 {
			return c.failedWith(res, ReasonUnknown, errors.New("preflight: microphone produced no signal"))
		}
	}
	if req.Video {
		level, err := capture.Sample(ctx, KindVideo)
		if err != nil {
			return c.failedWith(res, classify(err), err)
		}
		if level <= 0 {
			return c.failedWith(res, ReasonUnknown, errors.New("preflight: camera produced no signal"))
		}
	}
	if err := ctx.Err(); err != nil {
		return c.failedWith(res, ReasonUnknown, err)
	}

	res.OK = true
	res.DeviceIDs = DeviceIDs{Audio: audioID, Video: videoID}
	res.State.SelectedAudioID = audioID
	res.State.SelectedVideoID = videoID
	return res
}

func (c *Checker) failed(req Request, reason FailureReason, err error) Result {
	return c.failedWith(Result{State: initialState(req)}, reason, err)
}

func (c *Checker) failedWith(res Result, reason FailureReason, err error) Result {
	res.OK = false
	res.Reason = reason
	res.Err = err
	return res
}

func initialState(req Request) DeviceState {
	st := DeviceState{CameraPermission: PermissionPrompt, MicrophonePermission: PermissionPrompt}
	if !req.Audio {
		st.MicMuted = true
	}
	if !req.Video {
		st.CameraOff = true
	}
	return st
}

func pick(devices []Device, want string) string {
	if want == "" {
		if len(devices) > 0 {
			return devices[0].ID
		}
		return ""
	}
	for _, d := range devices {
		if d.ID == want {
			return d.ID
		}
	}
	return ""
}

func classify(err error) FailureReason {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return ReasonPermissionDenied
	case errors.Is(err, ErrNoDevice):
		return ReasonNoDevice
	case errors.Is(err, ErrDeviceBusy):
		return ReasonDeviceBusy
	}
	return ReasonUnknown
}
