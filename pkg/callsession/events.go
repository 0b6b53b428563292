package callsession

import (
	"github.com/LingByte/CareCall/pkg/preflight"
	"github.com/LingByte/CareCall/pkg/protocol"
	"github.com/LingByte/CareCall/pkg/signaling"
	"github.com/LingByte/CareCall/pkg/webrtc/rtcmedia"
	"github.com/pion/webrtc/v3"
)

// event is one input to the session loop.
type event interface{}

type (
	evStart     struct{}
	evCancel    struct{}
	evHangup    struct{ mode HangupMode }
	evPreflight struct{ result preflight.Result }
	evMessage   struct{ msg *protocol.Message }
	evChannel   struct{ ev signaling.Event }
	evPeerState struct{ state webrtc.PeerConnectionState }
	evCandidate struct{ candidate webrtc.ICECandidateInit }
	evQuality   struct{ sample rtcmedia.QualitySample }
	evTimer     struct {
		kind timerKind
		gen  uint64
	}
	evToggle struct {
		audio bool
		off   bool
	}
	evVideoSource struct{ track rtcmedia.LocalTrack }
	evSendFailed  struct {
		msg outgoing
		err error
	}
)

type timerKind int

const (
	timerNegotiation timerKind = iota + 1
	timerBackoff
	timerRestart
)

func (k timerKind) String() string {
	switch k {
	case timerNegotiation:
		return "negotiation"
	case timerBackoff:
		return "backoff"
	case timerRestart:
		return "restart"
	}
	return "timer"
}
