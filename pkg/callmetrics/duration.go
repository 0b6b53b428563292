package callmetrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/LingByte/CareCall/pkg/webrtc/constants"
	"github.com/benbjohnson/clock"
)

type timerState int

const (
	stateIdle timerState = iota
	stateRunning
	statePaused
	stateStopped
)

// Options configures a Store.
type Options struct {
	Clock        clock.Clock
	TickInterval time.Duration
	// OnTick is called on every tick while running with the refreshed display value.
	OnTick func(formatted string, elapsed time.Duration)
}

// Store accounts connected time for one call. Time spent paused is not
// counted. A Store is used once: Start, any number of Pause/Resume, Stop.
type Store struct {
	clock  clock.Clock
	tick   time.Duration
	onTick func(string, time.Duration)

	mu           sync.Mutex
	state        timerState
	accumulated  time.Duration
	runningSince time.Time
	formatted    string
	micMuted     bool
	cameraOff    bool
	stopTicker   chan struct{}
	tickerDone   chan struct{}
}

// NewStore creates an idle store
func NewStore(opts Options) *Store {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = constants.DefaultTickInterval
	}
	return &Store{
		clock:     opts.Clock,
		tick:      opts.TickInterval,
		onTick:    opts.OnTick,
		formatted: FormatDuration(0),
	}
}

// Start begins counting. Calls after the first are no-ops.
func (s *Store) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateIdle {
		return
	}
	s.state = stateRunning
	s.runningSince = s.clock.Now()
	s.startTickerLocked()
}

// Pause stops counting until Resume. Pausing a paused or idle store does nothing.
func (s *Store) Pause() {
	s.mu.Lock()
	if s.state != stateRunning {
		s.mu.Unlock()
		return
	}
	s.accumulated += s.clock.Since(s.runningSince)
	s.state = statePaused
	s.formatted = FormatDuration(s.accumulated)
	done := s.stopTickerLocked()
	s.mu.Unlock()
	waitTicker(done)
}

// Resume continues counting from the paused value.
func (s *Store) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != statePaused {
		return
	}
	s.state = stateRunning
	s.runningSince = s.clock.Now()
	s.startTickerLocked()
}

// Stop freezes the store and returns whole elapsed seconds. Repeated calls
// return the same value.
func (s *Store) Stop() int64 {
	s.mu.Lock()
	if s.state == stateRunning {
		s.accumulated += s.clock.Since(s.runningSince)
	}
	s.state = stateStopped
	s.formatted = FormatDuration(s.accumulated)
	elapsed := s.accumulated
	done := s.stopTickerLocked()
	s.mu.Unlock()
	waitTicker(done)
	return int64(elapsed / time.Second)
}

// Elapsed returns the connected time so far.
func (s *Store) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.elapsedLocked()
}

func (s *Store) elapsedLocked() time.Duration {
	if s.state == stateRunning {
		return s.accumulated + s.clock.Since(s.runningSince)
	}
	return s.accumulated
}

// Running reports whether time is currently being counted.
func (s *Store) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateRunning
}

// Formatted returns the display value as of the last tick or state change.
func (s *Store) Formatted() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.formatted
}

func (s *Store) SetMicMuted(muted bool) {
	s.mu.Lock()
	s.micMuted = muted
	s.mu.Unlock()
}

func (s *Store) MicMuted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.micMuted
}

func (s *Store) SetCameraOff(off bool) {
	s.mu.Lock()
	s.cameraOff = off
	s.mu.Unlock()
}

func (s *Store) CameraOff() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cameraOff
}

func (s *Store) startTickerLocked() {
	stop := make(chan struct{})
	done := make(chan struct{})
	s.stopTicker, s.tickerDone = stop, done
	ticker := s.clock.Ticker(s.tick)

	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
			s.mu.Lock()
			if s.state != stateRunning {
				s.mu.Unlock()
				return
			}
			elapsed := s.elapsedLocked()
			s.formatted = FormatDuration(elapsed)
			formatted := s.formatted
			onTick := s.onTick
			s.mu.Unlock()
			if onTick != nil {
				onTick(formatted, elapsed)
			}
		}
	}()
}

func (s *Store) stopTickerLocked() chan struct{} {
	if s.stopTicker == nil {
		return nil
	}
	close(s.stopTicker)
	done := s.tickerDone
	s.stopTicker, s.tickerDone = nil, nil
	return done
}

func waitTicker(done chan struct{}) {
	if done != nil {
		<-done
	}
}

// FormatDuration renders d as mm:ss, or hh:mm:ss from one hour up.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	h, m, sec := total/3600, (total%3600)/60, total%60
	if h > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, sec)
	}
	return fmt.Sprintf("%02d:%02d", m, sec)
}
