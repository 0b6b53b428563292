package rtcmedia

import (
	"errors"
	"sync"

	"github.com/LingByte/CareCall/pkg/webrtc/rtcmedia/config"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// ErrConnectionClosed is returned by operations on a closed connection.
var ErrConnectionClosed = errors.New("peer connection is closed")

// Connection webrtc connection
type Connection struct {
	opt       *config.WebRTCOption
	pc        *webrtc.PeerConnection
	log       *zap.Logger
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	closeErr  error
}

// NewConnection creates the peer connection and hooks its callbacks.
func NewConnection(api *webrtc.API, opt *config.WebRTCOption, log *zap.Logger) (*Connection, error) {
	if log == nil {
		log = zap.NewNop()
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: opt.ICEServers})
	if err != nil {
		log.Error("failed to create peer connection", zap.Error(err))
		return nil, err
	}
	return &Connection{opt: opt, pc: pc, log: log}, nil
}

// OnLocalCandidate is called for each gathered local candidate (trickle ICE).
func (c *Connection) OnLocalCandidate(f func(webrtc.ICECandidateInit)) {
	c.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if candidate == nil {
			c.log.Debug("ICE gathering complete")
			return
		}
		init := candidate.ToJSON()
		c.log.Debug("ICE candidate generated", zap.String("candidate", init.Candidate))
		if f != nil {
			f(init)
		}
	})
}

func (c *Connection) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	c.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			c.log.Info("connection established")
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
			c.log.Warn("connection degraded", zap.String("state", state.String()))
		default:
			c.log.Debug("connection state changed", zap.String("state", state.String()))
		}
		if f != nil {
			f(state)
		}
	})
}

// PeerConnection returns the underlying connection, or nil once closed.
func (c *Connection) PeerConnection() *webrtc.PeerConnection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil
	}
	return c.pc
}

func (c *Connection) GetState() webrtc.PeerConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return webrtc.PeerConnectionStateClosed
	}
	return c.pc.ConnectionState()
}

func (c *Connection) GetSignalingState() webrtc.SignalingState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return webrtc.SignalingStateClosed
	}
	return c.pc.SignalingState()
}

func (c *Connection) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Close closes the connection. It is idempotent.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.closeErr = c.pc.Close()
	})
	return c.closeErr
}
