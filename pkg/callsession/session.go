package callsession

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/LingByte/CareCall/pkg/callmetrics"
	apperr "github.com/LingByte/CareCall/pkg/errors"
	"github.com/LingByte/CareCall/pkg/logger"
	"github.com/LingByte/CareCall/pkg/preflight"
	"github.com/LingByte/CareCall/pkg/signaling"
	"github.com/LingByte/CareCall/pkg/webrtc/rtcmedia"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Session drives one call from preflight to teardown. All state changes
// happen on a single goroutine fed by an ordered event queue.
type Session struct {
	opts     Options
	log      *zap.Logger
	clock    clock.Clock
	duration *callmetrics.Store

	events   chan event
	stopping chan struct{}
	done     chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	// owned by the event loop
	channel        *signaling.Channel
	outbox         *outbox
	peer           Peer
	videoSwitch    *evVideoSource
	awaitingAnswer bool
	inFlight       bool
	breaches       int
	timers         map[timerKind]*clock.Timer
	timerGen       map[timerKind]uint64
	ended          bool

	// guarded by mu for Snapshot readers
	mu          sync.Mutex
	started     bool
	state       State
	endReason   EndReason
	startedAt   *time.Time
	connectedAt *time.Time
	endedAt     *time.Time
	attempts    int
	reconnects  int
	lastErr     error
	devices     preflight.DeviceState
	quality     *rtcmedia.QualitySample
	result      Result
}

// New validates opts and returns an idle session.
func New(opts Options) (*Session, error) {
	if opts.SessionID == "" {
		return nil, apperr.NewAppError(apperr.ErrCodeInvalidInput, "session id is required")
	}
	if !opts.LocalRole.Valid() {
		return nil, apperr.NewAppErrorf(apperr.ErrCodeInvalidRole, "invalid role %q", opts.LocalRole)
	}
	if opts.Transport == nil {
		return nil, apperr.NewAppError(apperr.ErrCodeInvalidConfig, "signaling transport is required")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}

	log := opts.Logger
	if log == nil {
		log = logger.ForSession(opts.SessionID, string(opts.LocalRole))
	} else {
		log = log.With(zap.String("session_id", opts.SessionID), zap.String("role", string(opts.LocalRole)))
	}
	opts.withDefaults(log)

	s := &Session{
		opts:     opts,
		log:      log,
		clock:    opts.Clock,
		events:   make(chan event, 64),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
		timers:   make(map[timerKind]*clock.Timer),
		timerGen: make(map[timerKind]uint64),
		state:    StateIdle,
	}
	onTick := opts.Callbacks.OnTick
	s.duration = callmetrics.NewStore(callmetrics.Options{
		Clock:        opts.Clock,
		TickInterval: opts.TickInterval,
		OnTick: func(formatted string, _ time.Duration) {
			if onTick != nil {
				onTick(formatted)
			}
		},
	})
	return s, nil
}

// ID returns the appointment id.
func (s *Session) ID() string { return s.opts.SessionID }

// Start moves the session to Preflight. Cancelling ctx later ends the
// session with cancelled.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return apperr.NewAppError(apperr.ErrCodeSessionActive, "session already started")
	}
	if err := s.opts.Registry.acquire(s.opts.SessionID, s); err != nil {
		s.mu.Unlock()
		return err
	}
	s.started = true
	s.mu.Unlock()

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.opts.Collector.SessionStarted()

	go s.loop()
	go func() {
		select {
		case <-s.ctx.Done():
			s.post(evCancel{})
		case <-s.stopping:
		}
	}()
	s.post(evStart{})
	return nil
}

// Hangup ends the session locally. Calls after Ended are no-ops.
func (s *Session) Hangup(mode HangupMode) {
	s.post(evHangup{mode: mode})
}

// SetMicMuted mutes or unmutes the outgoing audio. The change is applied on
// the session goroutine and visible through Snapshot.
func (s *Session) SetMicMuted(muted bool) {
	s.post(evToggle{audio: true, off: muted})
}

// SetCameraOff stops or resumes the outgoing video.
func (s *Session) SetCameraOff(off bool) {
	s.post(evToggle{audio: false, off: off})
}

// SwitchVideoSource sends track in place of the camera, for example a
// screen capture. A nil track switches back to the camera. The session owns
// track from here on and closes it when it is replaced or the call ends.
func (s *Session) SwitchVideoSource(track rtcmedia.LocalTrack) {
	if !s.post(evVideoSource{track: track}) && track != nil {
		_ = track.Close()
	}
}

// Done is closed once the session has ended and torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the session ends or ctx is done.
func (s *Session) Wait(ctx context.Context) (Result, error) {
	select {
	case <-s.done:
		return s.Result(), nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Result returns the outcome; zero until the session ends.
func (s *Session) Result() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns a copy of the session's observable state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		SessionID:         s.opts.SessionID,
		Role:              s.opts.LocalRole,
		State:             s.state,
		EndReason:         s.endReason,
		StartedAt:         copyTime(s.startedAt),
		ConnectedAt:       copyTime(s.connectedAt),
		EndedAt:           copyTime(s.endedAt),
		ReconnectAttempts: s.attempts,
		TotalReconnects:   s.reconnects,
		LastError:         s.lastErr,
		RemoteDisplayName: s.opts.RemoteDisplayName,
		RemoteAvatarURL:   s.opts.RemoteAvatarURL,
		Devices:           s.devices,
		Elapsed:           s.duration.Elapsed(),
		Formatted:         s.duration.Formatted(),
	}
	if s.quality != nil {
		q := *s.quality
		snap.Quality = &q
	}
	return snap
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// post enqueues e unless teardown has begun.
func (s *Session) post(e event) bool {
	select {
	case <-s.stopping:
		return false
	default:
	}
	select {
	case s.events <- e:
		return true
	case <-s.stopping:
		return false
	}
}

func (s *Session) loop() {
	for !s.ended {
		e := <-s.events
		s.dispatch(e)
	}
}

// dispatch maps a panic in a handler to Ended(connection_lost).
func (s *Session) dispatch(e event) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("session event handler panicked", zap.Any("panic", r), zap.Stack("stack"))
			s.end(ReasonConnectionLost, apperr.NewAppErrorf(apperr.ErrCodeInternal, "panic handling %T: %v", e, r))
		}
	}()
	s.handle(e)
}

// setState records a transition and reports it.
func (s *Session) setState(to State) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()
	if from == to {
		return
	}
	s.log.Info("state changed", zap.String("from", from.String()), zap.String("to", to.String()))
	if cb := s.opts.Callbacks.OnStateChange; cb != nil {
		cb(from, to)
	}
}

func (s *Session) setLastError(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

func (s *Session) now() *time.Time {
	t := s.clock.Now()
	return &t
}

func (s *Session) String() string {
	return fmt.Sprintf("Session{%s %s %s}", s.opts.SessionID, s.opts.LocalRole, s.State())
}
