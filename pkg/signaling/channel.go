package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	apperr "github.com/LingByte/CareCall/pkg/errors"
	"github.com/LingByte/CareCall/pkg/logger"
	"github.com/LingByte/CareCall/pkg/protocol"
	"github.com/LingByte/CareCall/pkg/webrtc/constants"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventType classifies channel conditions reported to the owner.
type EventType int

const (
	// EventGap means a sender skipped sequence numbers. The message that
	// exposed the gap is still delivered.
	EventGap EventType = iota + 1
	// EventPeerUnreachable means no remote traffic arrived within the heartbeat timeout.
	EventPeerUnreachable
	// EventChannelLost means resubscription failed ResubscribeBudget times in a row.
	// The channel delivers nothing afterwards.
	EventChannelLost
)

func (t EventType) String() string {
	switch t {
	case EventGap:
		return "gap"
	case EventPeerUnreachable:
		return "peer_unreachable"
	case EventChannelLost:
		return "channel_lost"
	}
	return fmt.Sprintf("event(%d)", int(t))
}

// Event is a channel condition.
type Event struct {
	Type     EventType
	From     string
	Expected uint64
	Got      uint64
	Err      error
}

// Handler receives non-heartbeat messages from the remote participant.
type Handler func(*protocol.Message)

// Options configures a Channel. Zero values take the package defaults.
type Options struct {
	Transport         Transport
	SenderID          string
	Since             string
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ResubscribeBudget int
	ResubscribeDelay  time.Duration
	SendRetries       int
	Clock             clock.Clock
	Logger            *zap.Logger
	OnEvent           func(Event)
}

func (o *Options) withDefaults() {
	if o.SenderID == "" {
		o.SenderID = uuid.NewString()
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = constants.DefaultHeartbeatInterval
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = constants.DefaultHeartbeatTimeout
	}
	if o.ResubscribeBudget <= 0 {
		o.ResubscribeBudget = constants.DefaultResubscribeBudget
	}
	if o.ResubscribeDelay <= 0 {
		o.ResubscribeDelay = constants.DefaultResubscribeDelay
	}
	if o.SendRetries < 0 {
		o.SendRetries = 0
	} else if o.SendRetries == 0 {
		o.SendRetries = constants.DefaultSendRetries
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = logger.Lg
	}
}

// Channel is an ordered, at-least-once message pipe for one session.
// Duplicates are dropped by per-sender sequence number.
type Channel struct {
	sessionID string
	opts      Options
	log       *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// sendSem serializes publishes so sequence numbers reach the transport
	// in order. It is a channel so waiting senders can give up on their ctx.
	sendSem chan struct{}
	seq     uint64

	mu          sync.Mutex
	handler     Handler
	started     bool
	closed      bool
	cursor      string
	lastSeq     map[string]uint64
	lastRemote  time.Time
	contacted   bool
	unreachable bool
	sub         Subscription
	closeOnce   sync.Once
}

// Open creates a channel for sessionID and starts heartbeats. Delivery
// starts with the first OnMessage call.
func Open(ctx context.Context, sessionID string, opts Options) (*Channel, error) {
	if sessionID == "" {
		return nil, apperr.NewAppError(apperr.ErrCodeInvalidInput, "session id is required")
	}
	if opts.Transport == nil {
		return nil, apperr.NewAppError(apperr.ErrCodeInvalidConfig, "signaling transport is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts.withDefaults()

	cctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		sessionID: sessionID,
		opts:      opts,
		log:       opts.Logger.With(zap.String("session_id", sessionID), zap.String("sender", opts.SenderID)),
		ctx:       cctx,
		cancel:    cancel,
		sendSem:   make(chan struct{}, 1),
		cursor:    opts.Since,
		lastSeq:   make(map[string]uint64),
	}

	sub, err := opts.Transport.Subscribe(ctx, sessionID, c.cursor)
	if err != nil {
		cancel()
		return nil, apperr.WrapError(apperr.ErrCodeSignalingChannelLost, fmt.Errorf("subscribe %s: %w", sessionID, err))
	}
	c.sub = sub

	c.wg.Add(1)
	go c.heartbeatLoop()
	return c, nil
}

// SessionID returns the session this channel is scoped to.
func (c *Channel) SessionID() string { return c.sessionID }

// SenderID returns the id stamped on outgoing messages.
func (c *Channel) SenderID() string { return c.opts.SenderID }

// OnMessage registers the handler and starts delivery. Later calls replace
// the handler. The handler runs on the channel's receive goroutine.
func (c *Channel) OnMessage(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
	if c.started || c.closed {
		return
	}
	c.started = true
	c.wg.Add(1)
	go c.receiveLoop()
}

// Send stamps the next sequence number and publishes, retrying transient
// transport errors. A Send waiting behind another gives up when ctx ends.
func (c *Channel) Send(ctx context.Context, t protocol.MessageType, payload interface{}) error {
	return c.send(ctx, t, payload, c.opts.SendRetries)
}

func (c *Channel) send(ctx context.Context, t protocol.MessageType, payload interface{}, retries int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := protocol.NewMessage(t, payload)
	if err != nil {
		return err
	}

	select {
	case c.sendSem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return apperr.NewAppError(apperr.ErrCodeSignalingChannelLost, "signaling channel closed")
	}
	defer func() { <-c.sendSem }()

	if c.isClosed() {
		return apperr.NewAppError(apperr.ErrCodeSignalingChannelLost, "signaling channel closed")
	}
	c.seq++
	msg.Seq = c.seq
	msg.From = c.opts.SenderID
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.ctx.Done():
				return apperr.NewAppError(apperr.ErrCodeSignalingChannelLost, "signaling channel closed")
			case <-c.opts.Clock.After(c.backoff(attempt)):
			}
		}
		if lastErr = c.opts.Transport.Publish(ctx, c.sessionID, data); lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("signaling publish failed",
			zap.String("type", string(t)), zap.Uint64("seq", msg.Seq),
			zap.Int("attempt", attempt+1), zap.Error(lastErr))
	}
	return apperr.WrapError(apperr.ErrCodeSignalingChannelLost,
		fmt.Errorf("publish %s after %d attempts: %w", t, retries+1, lastErr))
}

// Close stops heartbeats and delivery. It must not be called from the handler.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		sub := c.sub
		c.mu.Unlock()

		c.cancel()
		if sub != nil {
			err = sub.Close()
		}
		c.wg.Wait()
		c.log.Debug("signaling channel closed")
	})
	return err
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Channel) backoff(attempt int) time.Duration {
	d := c.opts.ResubscribeDelay
	for i := 1; i < attempt && d < 8*c.opts.ResubscribeDelay; i++ {
		d *= 2
	}
	return d
}

func (c *Channel) emit(ev Event) {
	if c.opts.OnEvent != nil {
		c.opts.OnEvent(ev)
	}
}

func (c *Channel) receiveLoop() {
	defer c.wg.Done()
	failures := 0
	for {
		c.mu.Lock()
		sub := c.sub
		c.mu.Unlock()

		env, err := sub.Next(c.ctx)
		if err == nil {
			failures = 0
			c.handleEnvelope(env)
			continue
		}
		if c.ctx.Err() != nil || errors.Is(err, ErrSubscriptionClosed) && c.isClosed() {
			return
		}

		failures++
		c.log.Warn("signaling subscription dropped", zap.Int("failures", failures), zap.Error(err))
		_ = sub.Close()
		if !c.resubscribe(&failures) {
			return
		}
	}
}

// resubscribe reopens the subscription from the last cursor, counting each
// failed attempt. It reports false once the budget is spent or the channel closes.
func (c *Channel) resubscribe(failures *int) bool {
	for {
		if *failures > c.opts.ResubscribeBudget {
			c.log.Error("signaling channel lost", zap.Int("budget", c.opts.ResubscribeBudget))
			c.emit(Event{Type: EventChannelLost, Err: apperr.NewAppErrorf(apperr.ErrCodeSignalingChannelLost,
				"resubscribe failed %d times", c.opts.ResubscribeBudget)})
			return false
		}
		select {
		case <-c.ctx.Done():
			return false
		case <-c.opts.Clock.After(c.backoff(*failures)):
		}

		c.mu.Lock()
		cursor := c.cursor
		c.mu.Unlock()
		sub, err := c.opts.Transport.Subscribe(c.ctx, c.sessionID, cursor)
		if err != nil {
			if c.ctx.Err() != nil {
				return false
			}
			*failures++
			c.log.Warn("signaling resubscribe failed", zap.Int("failures", *failures), zap.Error(err))
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = sub.Close()
			return false
		}
		c.sub = sub
		c.mu.Unlock()
		c.log.Info("signaling resubscribed", zap.String("cursor", cursor))
		return true
	}
}

func (c *Channel) handleEnvelope(env Envelope) {
	msg, err := protocol.Decode(env.Data)

	c.mu.Lock()
	c.cursor = env.Cursor
	if err != nil {
		c.mu.Unlock()
		c.log.Warn("dropping malformed signaling frame", zap.Error(err))
		return
	}
	if msg.From == c.opts.SenderID {
		c.mu.Unlock()
		return
	}
	last, seen := c.lastSeq[msg.From]
	if seen && msg.Seq <= last {
		c.mu.Unlock()
		c.log.Debug("duplicate signaling message", zap.String("type", string(msg.Type)), zap.Uint64("seq", msg.Seq))
		return
	}
	c.lastSeq[msg.From] = msg.Seq
	c.lastRemote = c.opts.Clock.Now()
	c.contacted = true
	c.unreachable = false
	handler := c.handler
	c.mu.Unlock()

	if msg.Seq > last+1 {
		c.log.Warn("signaling sequence gap",
			zap.String("from", msg.From), zap.Uint64("expected", last+1), zap.Uint64("got", msg.Seq))
		c.emit(Event{Type: EventGap, From: msg.From, Expected: last + 1, Got: msg.Seq})
	}

	switch {
	case msg.Type == protocol.MessageTypeHeartbeat:
		return
	case !msg.Type.Known():
		c.log.Debug("ignoring unknown signaling message type", zap.String("type", string(msg.Type)))
		return
	}
	if handler != nil {
		handler(msg)
	}
}

func (c *Channel) heartbeatLoop() {
	defer c.wg.Done()
	ticker := c.opts.Clock.Ticker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}

		// Heartbeats are not retried; the next tick is the retry.
		if err := c.send(c.ctx, protocol.MessageTypeHeartbeat, nil, 0); err != nil && c.ctx.Err() == nil {
			c.log.Debug("heartbeat send failed", zap.Error(err))
		}

		c.mu.Lock()
		silent := c.contacted && !c.unreachable &&
			c.opts.Clock.Since(c.lastRemote) > c.opts.HeartbeatTimeout
		if silent {
			c.unreachable = true
		}
		c.mu.Unlock()
		if silent {
			c.log.Warn("peer unreachable", zap.Duration("timeout", c.opts.HeartbeatTimeout))
			c.emit(Event{Type: EventPeerUnreachable})
		}
	}
}
