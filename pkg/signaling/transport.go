package signaling

import (
	"context"
	"errors"
	"strconv"
	"sync"

	apperr "github.com/LingByte/CareCall/pkg/errors"
)

// StartCursor subscribes from the beginning of a session log.
const StartCursor = ""

// ErrSubscriptionClosed is returned by Next after Close.
var ErrSubscriptionClosed = errors.New("signaling: subscription closed")

// Envelope is one published transmission and its position in the session log.
type Envelope struct {
	Cursor string
	Data   []byte
}

// Subscription yields envelopes published after a cursor, in publish order.
type Subscription interface {
	Next(ctx context.Context) (Envelope, error)
	Close() error
}

// Transport moves raw signaling frames between the two participants of a session.
// Implementations keep a per-session log so a subscriber can resume from the
// last cursor it saw.
type Transport interface {
	Publish(ctx context.Context, sessionID string, data []byte) error
	Subscribe(ctx context.Context, sessionID, after string) (Subscription, error)
}

// MemoryHub is an in-process Transport. Both participants must share the hub.
type MemoryHub struct {
	mu   sync.Mutex
	logs map[string]*memoryLog
}

type memoryLog struct {
	entries [][]byte
	wake    chan struct{}
}

// NewMemoryHub creates an empty hub
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{logs: make(map[string]*memoryLog)}
}

func (h *MemoryHub) logFor(sessionID string) *memoryLog {
	l, ok := h.logs[sessionID]
	if !ok {
		l = &memoryLog{wake: make(chan struct{})}
		h.logs[sessionID] = l
	}
	return l
}

// Publish appends data to the session log and wakes subscribers.
func (h *MemoryHub) Publish(ctx context.Context, sessionID string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	buf := make([]byte, len(data))
	copy(buf, data)

	h.mu.Lock()
	defer h.mu.Unlock()
	l := h.logFor(sessionID)
	l.entries = append(l.entries, buf)
	close(l.wake)
	l.wake = make(chan struct{})
	return nil
}

// Subscribe returns entries after the given cursor. Cursors are 1-based
// entry counts rendered as decimal strings.
func (h *MemoryHub) Subscribe(ctx context.Context, sessionID, after string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pos := 0
	if after != StartCursor {
		n, err := strconv.Atoi(after)
		if err != nil || n < 0 {
			return nil, apperr.NewAppErrorf(apperr.ErrCodeInvalidInput, "invalid memory cursor %q", after)
		}
		pos = n
	}
	return &memorySubscription{hub: h, sessionID: sessionID, pos: pos, closed: make(chan struct{})}, nil
}

// Len returns the number of entries published for a session.
func (h *MemoryHub) Len(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if l, ok := h.logs[sessionID]; ok {
		return len(l.entries)
	}
	return 0
}

// Drop forgets a session log.
func (h *MemoryHub) Drop(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if l, ok := h.logs[sessionID]; ok {
		close(l.wake)
		delete(h.logs, sessionID)
	}
}

type memorySubscription struct {
	hub       *MemoryHub
	sessionID string
	pos       int
	closeOnce sync.Once
	closed    chan struct{}
}

func (s *memorySubscription) Next(ctx context.Context) (Envelope, error) {
	for {
		s.hub.mu.Lock()
		l := s.hub.logFor(s.sessionID)
		if s.pos < len(l.entries) {
			data := l.entries[s.pos]
			s.pos++
			s.hub.mu.Unlock()
			return Envelope{Cursor: strconv.Itoa(s.pos), Data: data}, nil
		}
		wake := l.wake
		s.hub.mu.Unlock()

		select {
		case <-ctx.Done():
			return Envelope{}, ctx.Err()
		case <-s.closed:
			return Envelope{}, ErrSubscriptionClosed
		case <-wake:
		}
	}
}

func (s *memorySubscription) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}
