package rtcmedia

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Signaling applies local and remote descriptions and buffers early ICE candidates.
type Signaling struct {
	connection *Connection
	log        *zap.Logger

	// sigMu serializes description changes with candidate application so a
	// buffered candidate is never applied ahead of its description.
	sigMu   sync.Mutex
	pending []webrtc.ICECandidateInit
	// offer is the last local offer handed out.
	offer string

	// applyCandidate is replaced in tests to observe application order.
	applyCandidate func(webrtc.ICECandidateInit) error
}

// NewSignaling creates the negotiation helper for conn.
func NewSignaling(conn *Connection, log *zap.Logger) *Signaling {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Signaling{connection: conn, log: log}
	s.applyCandidate = func(c webrtc.ICECandidateInit) error {
		pc := conn.PeerConnection()
		if pc == nil {
			return ErrConnectionClosed
		}
		return pc.AddICECandidate(c)
	}
	return s
}

// CreateOffer creates an offer and sets it as the local description.
// iceRestart generates fresh ICE credentials. While an earlier offer is still
// unanswered the connection cannot take another local offer, so that offer
// is returned again; a restart offer already carries its new credentials.
func (s *Signaling) CreateOffer(ctx context.Context, iceRestart bool) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.sigMu.Lock()
	defer s.sigMu.Unlock()

	pc := s.connection.PeerConnection()
	if pc == nil {
		return "", ErrConnectionClosed
	}
	if pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer && s.offer != "" {
		s.log.Info("re-sending pending local offer", zap.Bool("ice_restart", iceRestart))
		return s.offer, nil
	}
	offer, err := pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
	if err != nil {
		s.log.Error("failed to create offer", zap.Error(err))
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		s.log.Error("failed to set local description", zap.Error(err))
		return "", fmt.Errorf("set local offer: %w", err)
	}
	s.offer = offer.SDP
	s.logGenerated("offer", offer.SDP, iceRestart)
	return offer.SDP, nil
}

// CreateAnswer applies the remote offer and answers it.
func (s *Signaling) CreateAnswer(ctx context.Context, remoteOffer string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := s.ApplyRemoteDescription(webrtc.SDPTypeOffer, remoteOffer); err != nil {
		return "", err
	}

	s.sigMu.Lock()
	defer s.sigMu.Unlock()

	pc := s.connection.PeerConnection()
	if pc == nil {
		return "", ErrConnectionClosed
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		s.log.Error("failed to create answer", zap.Error(err))
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		s.log.Error("failed to set local description", zap.Error(err))
		return "", fmt.Errorf("set local answer: %w", err)
	}
	s.logGenerated("answer", answer.SDP, false)
	return answer.SDP, nil
}

// ApplyRemoteDescription sets the remote description, then applies the
// buffered candidates in receipt order.
func (s *Signaling) ApplyRemoteDescription(sdpType webrtc.SDPType, sdp string) error {
	if strings.TrimSpace(sdp) == "" {
		return fmt.Errorf("empty remote %s", sdpType)
	}
	s.sigMu.Lock()
	defer s.sigMu.Unlock()

	pc := s.connection.PeerConnection()
	if pc == nil {
		return ErrConnectionClosed
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: sdp}); err != nil {
		return fmt.Errorf("set remote %s: %w", sdpType, err)
	}
	s.log.Debug("remote description applied",
		zap.String("type", sdpType.String()),
		zap.Int("buffered", len(s.pending)))

	pending := s.pending
	s.pending = nil
	for _, c := range pending {
		s.apply(c)
	}
	return nil
}

// AddICECandidate applies a remote candidate, or buffers it until a remote
// description is set.
func (s *Signaling) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	s.sigMu.Lock()
	defer s.sigMu.Unlock()

	pc := s.connection.PeerConnection()
	if pc == nil {
		return ErrConnectionClosed
	}
	if pc.RemoteDescription() == nil {
		s.pending = append(s.pending, candidate)
		return nil
	}
	s.apply(candidate)
	return nil
}

// PendingCandidates returns the number of buffered candidates.
func (s *Signaling) PendingCandidates() int {
	s.sigMu.Lock()
	defer s.sigMu.Unlock()
	return len(s.pending)
}

// apply absorbs a single bad candidate; the rest of the set still applies.
func (s *Signaling) apply(c webrtc.ICECandidateInit) {
	if err := s.applyCandidate(c); err != nil {
		s.log.Warn("failed to add ICE candidate", zap.String("candidate", c.Candidate), zap.Error(err))
	}
}

func (s *Signaling) logGenerated(kind, sdp string, iceRestart bool) {
	preview := sdp
	if len(preview) > 50 {
		preview = preview[:50] + "..."
	}
	s.log.Info("local description generated",
		zap.String("type", kind),
		zap.String("sdp", preview),
		zap.Bool("iceRestart", iceRestart),
	)
}
