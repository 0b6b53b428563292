package callsession

import (
	"fmt"
	"time"

	"github.com/LingByte/CareCall/pkg/preflight"
	"github.com/LingByte/CareCall/pkg/webrtc/rtcmedia"
)

// State is a call session lifecycle state.
type State int

const (
	StateIdle State = iota
	StatePreflight
	StateNegotiating
	StateConnected
	StateReconnecting
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePreflight:
		return "preflight"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateEnded:
		return "ended"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// live reports whether the session holds a channel and peer.
func (s State) live() bool {
	return s == StateNegotiating || s == StateConnected || s == StateReconnecting
}

// EndReason tags the Ended state.
type EndReason string

const (
	ReasonCompleted      EndReason = "completed"
	ReasonCancelled      EndReason = "cancelled"
	ReasonConnectionLost EndReason = "connection_lost"
	ReasonDeviceError    EndReason = "device_error"
	ReasonPeerLeft       EndReason = "peer_left"
)

// Role decides who sends the offer.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

func (r Role) Valid() bool {
	return r == RoleInitiator || r == RoleResponder
}

// HangupMode selects the end reason of a local hang-up.
type HangupMode int

const (
	// HangupCancel ends with cancelled.
	HangupCancel HangupMode = iota
	// HangupCompleted ends with completed when the call was connected,
	// cancelled otherwise.
	HangupCompleted
)

// Bootstrap is the read-only appointment input.
type Bootstrap struct {
	SessionID         string `json:"sessionId"`
	LocalRole         Role   `json:"localRole"`
	RemoteDisplayName string `json:"remoteDisplayName"`
	RemoteAvatarURL   string `json:"remoteAvatarUrl"`
}

// Snapshot is a point-in-time copy of the session.
type Snapshot struct {
	SessionID         string
	Role              Role
	State             State
	EndReason         EndReason
	StartedAt         *time.Time
	ConnectedAt       *time.Time
	EndedAt           *time.Time
	ReconnectAttempts int
	TotalReconnects   int
	LastError         error
	RemoteDisplayName string
	RemoteAvatarURL   string
	Devices           preflight.DeviceState
	Elapsed           time.Duration
	Formatted         string
	Quality           *rtcmedia.QualitySample
}

// Result is the outcome of an ended session. Err is nil for completed,
// cancelled and peer_left endings.
type Result struct {
	Reason          EndReason
	DurationSeconds int64
	Err             error
}
