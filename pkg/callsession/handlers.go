package callsession

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperr "github.com/LingByte/CareCall/pkg/errors"
	"github.com/LingByte/CareCall/pkg/preflight"
	"github.com/LingByte/CareCall/pkg/protocol"
	"github.com/LingByte/CareCall/pkg/signaling"
	"github.com/LingByte/CareCall/pkg/webrtc/rtcmedia"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

func (s *Session) handle(e event) {
	switch e := e.(type) {
	case evStart:
		s.onStart()
	case evCancel:
		s.end(ReasonCancelled, nil)
	case evHangup:
		s.onHangup(e.mode)
	case evPreflight:
		s.onPreflight(e.result)
	case evMessage:
		s.onMessage(e.msg)
	case evChannel:
		s.onChannelEvent(e.ev)
	case evPeerState:
		s.onPeerState(e.state)
	case evCandidate:
		s.onLocalCandidate(e.candidate)
	case evQuality:
		s.onQuality(e.sample)
	case evTimer:
		s.onTimer(e)
	case evToggle:
		s.onToggle(e)
	case evVideoSource:
		s.onVideoSource(e.track)
	case evSendFailed:
		s.onSendFailed(e.msg, e.err)
	default:
		s.log.Warn("unknown session event", zap.String("event", fmt.Sprintf("%T", e)))
	}
}

// onStart: Idle → Preflight. The check runs off the loop.
func (s *Session) onStart() {
	if s.State() != StateIdle {
		return
	}
	s.mu.Lock()
	s.startedAt = s.now()
	s.mu.Unlock()
	s.setState(StatePreflight)

	ctx, req := s.ctx, s.opts.Request
	go func() {
		res := s.opts.Checker.Check(ctx, req)
		s.post(evPreflight{result: res})
	}()
}

// onPreflight: Preflight → Negotiating on Ready, Ended(device_error) on Failed.
func (s *Session) onPreflight(res preflight.Result) {
	if s.State() != StatePreflight {
		return
	}
	s.mu.Lock()
	micMuted, cameraOff := s.devices.MicMuted, s.devices.CameraOff
	s.devices = res.State
	s.devices.MicMuted, s.devices.CameraOff = micMuted, cameraOff
	s.mu.Unlock()

	if !res.OK {
		s.end(ReasonDeviceError, res.AppError())
		return
	}
	if cb := s.opts.Callbacks.OnReady; cb != nil {
		cb(res)
	}

	s.setState(StateNegotiating)
	s.startTimer(timerNegotiation, s.opts.Config.NegotiationTimeout)

	if err := s.openChannel(); err != nil {
		s.end(ReasonConnectionLost, err)
		return
	}
	peer, err := s.opts.NewPeer(s.peerEvents())
	if err != nil {
		s.end(ReasonConnectionLost, apperr.WrapError(apperr.ErrCodeInternal, fmt.Errorf("create peer connection: %w", err)))
		return
	}
	s.peer = peer
	if err := peer.AttachLocalTracks(s.ctx, res.DeviceIDs.Audio, res.DeviceIDs.Video); err != nil {
		s.end(ReasonDeviceError, apperr.WrapError(apperr.ErrCodeDeviceError, fmt.Errorf("attach local tracks: %w", err)))
		return
	}
	if micMuted {
		s.applyToggle(true, true)
	}
	if cameraOff {
		s.applyToggle(false, true)
	}
	if sw := s.videoSwitch; sw != nil {
		s.videoSwitch = nil
		s.applyVideoSource(sw.track)
	}

	s.channel.OnMessage(func(m *protocol.Message) {
		s.post(evMessage{msg: m})
	})
	if s.opts.LocalRole == RoleInitiator {
		if err := s.sendOffer(false, 0); err != nil {
			s.end(ReasonConnectionLost, asCallError(err))
		}
	}
}

func (s *Session) openChannel() error {
	cfg := s.opts.Config
	ch, err := signaling.Open(s.ctx, s.opts.SessionID, signaling.Options{
		Transport:         s.opts.Transport,
		Since:             signaling.StartCursor,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		ResubscribeBudget: cfg.ResubscribeBudget,
		Clock:             s.clock,
		Logger:            s.log,
		OnEvent: func(ev signaling.Event) {
			s.post(evChannel{ev: ev})
		},
	})
	if err != nil {
		return asCallError(err)
	}
	s.channel = ch
	s.outbox = newOutbox(ch.Send, func(m outgoing, err error) {
		s.post(evSendFailed{msg: m, err: err})
	}, s.log)
	go s.outbox.run(s.ctx)
	return nil
}

func (s *Session) peerEvents() rtcmedia.Events {
	return rtcmedia.Events{
		OnLocalCandidate: func(c webrtc.ICECandidateInit) {
			s.post(evCandidate{candidate: c})
		},
		OnConnectionState: func(st webrtc.PeerConnectionState) {
			s.post(evPeerState{state: st})
		},
		OnRemoteTrack: s.opts.Callbacks.OnRemoteTrack,
		OnQuality: func(q rtcmedia.QualitySample) {
			s.post(evQuality{sample: q})
		},
	}
}

// send queues a message on the outbox. Publish failures come back to the
// loop as evSendFailed.
func (s *Session) send(what string, t protocol.MessageType, payload interface{}) {
	s.sendFor(0, what, t, payload)
}

// sendFor queues a message that drives reconnect attempt n.
func (s *Session) sendFor(n int, what string, t protocol.MessageType, payload interface{}) {
	if s.outbox == nil {
		s.log.Warn("signaling channel not open", zap.String("what", what))
		return
	}
	s.outbox.push(outgoing{what: what, typ: t, payload: payload, attempt: n})
}

// sendOffer creates a local offer and queues it. Only offer creation fails
// synchronously.
func (s *Session) sendOffer(iceRestart bool, attempt int) error {
	sdp, err := s.peer.CreateOffer(s.ctx, iceRestart)
	if err != nil {
		return apperr.WrapError(apperr.ErrCodeInternal, fmt.Errorf("create offer: %w", err))
	}
	s.awaitingAnswer = true
	s.sendFor(attempt, "offer", protocol.MessageTypeOffer, protocol.SDPMessage{SDP: sdp, ICERestart: iceRestart})
	return nil
}

// onSendFailed handles a message the outbox could not publish. A lost
// restart message fails the attempt it belongs to.
func (s *Session) onSendFailed(m outgoing, err error) {
	if s.onSendError(m.what, err) {
		return
	}
	if m.attempt == 0 || s.State() != StateReconnecting || !s.inFlight {
		return
	}
	s.mu.Lock()
	current := s.attempts
	s.mu.Unlock()
	if current == m.attempt {
		s.attemptFailed()
	}
}

// onSendError ends the session when the channel is gone and reports
// whether it did.
func (s *Session) onSendError(what string, err error) bool {
	if apperr.CodeOf(err) == apperr.ErrCodeSignalingChannelLost {
		s.end(ReasonConnectionLost, err)
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	s.log.Warn("signaling send failed", zap.String("what", what), zap.Error(err))
	return false
}

func (s *Session) onMessage(m *protocol.Message) {
	state := s.State()
	if !state.live() {
		s.log.Debug("message dropped outside a live state",
			zap.String("type", string(m.Type)), zap.String("state", state.String()))
		return
	}
	switch m.Type {
	case protocol.MessageTypeBye:
		var bye protocol.ByeMessage
		_ = m.DecodePayload(&bye)
		s.log.Info("peer left", zap.String("reason", bye.Reason))
		s.end(ReasonPeerLeft, nil)
	case protocol.MessageTypeOffer:
		s.onRemoteOffer(m)
	case protocol.MessageTypeAnswer:
		s.onRemoteAnswer(m)
	case protocol.MessageTypeICE:
		s.onRemoteCandidate(m)
	case protocol.MessageTypeRenegotiate:
		s.onRenegotiateRequest(m)
	default:
		s.log.Debug("unexpected message dropped", zap.String("type", string(m.Type)))
	}
}

func (s *Session) onRemoteOffer(m *protocol.Message) {
	if s.opts.LocalRole != RoleResponder {
		s.log.Warn("offer dropped: restarts are initiator-driven", zap.Uint64("seq", m.Seq))
		return
	}
	var offer protocol.SDPMessage
	if err := m.DecodePayload(&offer); err != nil || offer.SDP == "" {
		s.log.Warn("malformed offer dropped", zap.Uint64("seq", m.Seq), zap.Error(err))
		return
	}
	answer, err := s.peer.CreateAnswer(s.ctx, offer.SDP)
	if err != nil {
		s.log.Warn("failed to answer offer", zap.Bool("ice_restart", offer.ICERestart), zap.Error(err))
		return
	}
	s.send("answer", protocol.MessageTypeAnswer, protocol.SDPMessage{SDP: answer, ICERestart: offer.ICERestart})
}

func (s *Session) onRemoteAnswer(m *protocol.Message) {
	if s.opts.LocalRole != RoleInitiator || !s.awaitingAnswer {
		s.log.Warn("unexpected answer dropped", zap.Uint64("seq", m.Seq))
		return
	}
	var answer protocol.SDPMessage
	if err := m.DecodePayload(&answer); err != nil || answer.SDP == "" {
		s.log.Warn("malformed answer dropped", zap.Uint64("seq", m.Seq), zap.Error(err))
		return
	}
	if err := s.peer.ApplyRemoteDescription(webrtc.SDPTypeAnswer, answer.SDP); err != nil {
		s.log.Warn("failed to apply answer", zap.Error(err))
		return
	}
	s.awaitingAnswer = false
}

func (s *Session) onRemoteCandidate(m *protocol.Message) {
	var c protocol.ICECandidateMessage
	if err := m.DecodePayload(&c); err != nil {
		s.log.Warn("malformed candidate dropped", zap.Uint64("seq", m.Seq), zap.Error(err))
		return
	}
	if c.Candidate == "" {
		return
	}
	init := webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
	if err := s.peer.AddICECandidate(init); err != nil {
		s.log.Debug("remote candidate not applied", zap.Error(err))
	}
}

func (s *Session) onLocalCandidate(c webrtc.ICECandidateInit) {
	if s.channel == nil || !s.State().live() {
		return
	}
	msg := protocol.ICECandidateMessage{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
	s.send("candidate", protocol.MessageTypeICE, msg)
}

func (s *Session) onRenegotiateRequest(m *protocol.Message) {
	if s.opts.LocalRole != RoleInitiator {
		s.log.Debug("renegotiate request dropped by responder")
		return
	}
	var req protocol.RenegotiateMessage
	_ = m.DecodePayload(&req)
	s.log.Info("peer requested renegotiation", zap.String("reason", req.Reason))
	s.renegotiate()
}

// requestRenegotiation asks for a fresh offer: the initiator makes one, the
// responder asks the initiator.
func (s *Session) requestRenegotiation(reason string) {
	if s.opts.LocalRole == RoleInitiator {
		s.renegotiate()
		return
	}
	s.send("renegotiate", protocol.MessageTypeRenegotiate, protocol.RenegotiateMessage{Reason: reason})
}

// renegotiate is the initiator's response to a renegotiation need.
func (s *Session) renegotiate() {
	var err error
	switch s.State() {
	case StateNegotiating:
		err = s.sendOffer(false, 0)
	case StateConnected:
		err = s.sendOffer(true, 0)
	case StateReconnecting:
		if !s.inFlight {
			s.stopTimer(timerBackoff)
			s.startAttempt()
		}
		return
	default:
		return
	}
	if err != nil {
		s.onSendError("offer", err)
	}
}

func (s *Session) onChannelEvent(ev signaling.Event) {
	state := s.State()
	if !state.live() {
		return
	}
	switch ev.Type {
	case signaling.EventGap:
		s.log.Warn("signaling gap", zap.String("from", ev.From),
			zap.Uint64("expected", ev.Expected), zap.Uint64("got", ev.Got))
		s.requestRenegotiation("gap")
	case signaling.EventPeerUnreachable:
		if state == StateConnected {
			s.enterReconnecting(apperr.NewAppError(apperr.ErrCodeTransientNetworkLoss, "peer unreachable on signaling"))
		}
	case signaling.EventChannelLost:
		err := apperr.NewAppError(apperr.ErrCodeSignalingChannelLost, "signaling resubscription budget exhausted")
		if ev.Err != nil {
			err = err.WithCause(ev.Err)
		}
		s.end(ReasonConnectionLost, err)
	}
}

func (s *Session) onPeerState(st webrtc.PeerConnectionState) {
	state := s.State()
	switch st {
	case webrtc.PeerConnectionStateConnected:
		switch state {
		case StateNegotiating:
			s.onConnected()
		case StateReconnecting:
			s.onReconnected()
		}
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
		switch state {
		case StateConnected:
			s.enterReconnecting(apperr.NewAppErrorf(apperr.ErrCodeTransientNetworkLoss, "ice %s", st))
		case StateReconnecting:
			if s.inFlight {
				s.log.Warn("reconnect attempt failed", zap.String("ice", st.String()))
				s.attemptFailed()
			}
		case StateNegotiating:
			s.log.Warn("ice trouble during negotiation", zap.String("ice", st.String()))
		}
	}
}

// onConnected: Negotiating → Connected. ConnectedAt is set once.
func (s *Session) onConnected() {
	s.stopTimer(timerNegotiation)
	s.mu.Lock()
	if s.connectedAt == nil {
		s.connectedAt = s.now()
	}
	at := *s.connectedAt
	s.mu.Unlock()

	s.duration.Start()
	s.setState(StateConnected)
	if cb := s.opts.Callbacks.OnConnected; cb != nil {
		cb(at)
	}
}

// onReconnected: Reconnecting → Connected. The next episode starts with a
// fresh budget.
func (s *Session) onReconnected() {
	s.stopTimer(timerBackoff)
	s.stopTimer(timerRestart)
	s.inFlight = false
	s.breaches = 0
	s.mu.Lock()
	attempts := s.attempts
	s.attempts = 0
	s.mu.Unlock()

	s.duration.Resume()
	s.log.Info("reconnected", zap.Int("attempts", attempts))
	s.setState(StateConnected)
}

// enterReconnecting: Connected → Reconnecting. The duration timer pauses.
func (s *Session) enterReconnecting(cause *apperr.AppError) {
	s.log.Warn("connection lost, reconnecting", zap.Error(cause))
	s.duration.Pause()
	s.breaches = 0
	s.inFlight = false
	s.mu.Lock()
	s.attempts = 0
	s.lastErr = cause
	s.mu.Unlock()
	s.setState(StateReconnecting)
	s.scheduleAttempt()
}

func (s *Session) scheduleAttempt() {
	s.mu.Lock()
	next := s.attempts + 1
	s.mu.Unlock()
	s.startTimer(timerBackoff, s.backoff(next))
}

// backoff returns base * 2^(n-1), capped at the max delay.
func (s *Session) backoff(n int) time.Duration {
	cfg := s.opts.Config
	d := cfg.ReconnectBaseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if d >= cfg.ReconnectMaxDelay {
			return cfg.ReconnectMaxDelay
		}
	}
	return d
}

func (s *Session) startAttempt() {
	budget := s.opts.Config.ReconnectBudget
	s.mu.Lock()
	if s.attempts >= budget {
		s.mu.Unlock()
		s.exhausted()
		return
	}
	s.attempts++
	s.reconnects++
	n := s.attempts
	s.mu.Unlock()

	s.inFlight = true
	s.opts.Collector.ReconnectAttempt()
	s.log.Info("reconnect attempt", zap.Int("attempt", n), zap.Int("budget", budget))
	if cb := s.opts.Callbacks.OnReconnecting; cb != nil {
		cb(n)
	}
	s.startTimer(timerRestart, s.opts.Config.RestartTimeout)

	if s.opts.LocalRole == RoleResponder {
		s.sendFor(n, "restart", protocol.MessageTypeRenegotiate, protocol.RenegotiateMessage{Reason: "reconnect"})
		return
	}
	if err := s.sendOffer(true, n); err != nil {
		s.log.Warn("restart offer not created", zap.Int("attempt", n), zap.Error(err))
		s.attemptFailed()
	}
}

func (s *Session) attemptFailed() {
	s.stopTimer(timerRestart)
	s.inFlight = false
	s.mu.Lock()
	spent := s.attempts >= s.opts.Config.ReconnectBudget
	s.mu.Unlock()
	if spent {
		s.exhausted()
		return
	}
	s.scheduleAttempt()
}

func (s *Session) exhausted() {
	s.mu.Lock()
	cause := s.lastErr
	s.mu.Unlock()
	err := apperr.NewAppErrorf(apperr.ErrCodeTransientNetworkLoss,
		"reconnect budget of %d exhausted", s.opts.Config.ReconnectBudget)
	if cause != nil {
		err = err.WithCause(cause)
	}
	s.end(ReasonConnectionLost, err)
}

func (s *Session) onQuality(q rtcmedia.QualitySample) {
	s.mu.Lock()
	s.quality = &q
	s.mu.Unlock()
	s.opts.Collector.QualityObserved(string(q.Class))
	if cb := s.opts.Callbacks.OnQuality; cb != nil {
		cb(q)
	}

	if s.State() != StateConnected {
		s.breaches = 0
		return
	}
	cfg := s.opts.Config
	if q.RTT > cfg.MaxRTT || q.PacketLoss > cfg.MaxPacketLoss {
		s.breaches++
	} else {
		s.breaches = 0
	}
	if s.breaches >= cfg.QualityBreachSamples {
		s.enterReconnecting(apperr.NewAppErrorf(apperr.ErrCodeTransientNetworkLoss,
			"quality below threshold for %d samples (rtt=%s loss=%.2f)", s.breaches, q.RTT, q.PacketLoss))
	}
}

func (s *Session) onTimer(e evTimer) {
	if e.gen != s.timerGen[e.kind] {
		return
	}
	delete(s.timers, e.kind)
	state := s.State()
	switch e.kind {
	case timerNegotiation:
		if state == StateNegotiating {
			s.end(ReasonConnectionLost, apperr.NewAppErrorf(apperr.ErrCodeNegotiationTimeout,
				"no connection within %s", s.opts.Config.NegotiationTimeout))
		}
	case timerBackoff:
		if state == StateReconnecting && !s.inFlight {
			s.startAttempt()
		}
	case timerRestart:
		if state == StateReconnecting && s.inFlight {
			s.log.Warn("reconnect attempt timed out", zap.Duration("timeout", s.opts.Config.RestartTimeout))
			s.attemptFailed()
		}
	}
}

func (s *Session) startTimer(kind timerKind, d time.Duration) {
	s.stopTimer(kind)
	gen := s.timerGen[kind]
	s.timers[kind] = s.clock.AfterFunc(d, func() {
		s.post(evTimer{kind: kind, gen: gen})
	})
}

// stopTimer cancels kind and invalidates any tick already queued.
func (s *Session) stopTimer(kind timerKind) {
	if t, ok := s.timers[kind]; ok {
		t.Stop()
		delete(s.timers, kind)
	}
	s.timerGen[kind]++
}

func (s *Session) onToggle(e evToggle) {
	s.mu.Lock()
	if e.audio {
		s.devices.MicMuted = e.off
	} else {
		s.devices.CameraOff = e.off
	}
	s.mu.Unlock()
	if e.audio {
		s.duration.SetMicMuted(e.off)
	} else {
		s.duration.SetCameraOff(e.off)
	}
	if s.peer != nil {
		s.applyToggle(e.audio, e.off)
	}
}

func (s *Session) applyToggle(audio, off bool) {
	var err error
	if audio {
		err = s.peer.SetAudioEnabled(!off)
	} else {
		err = s.peer.SetVideoEnabled(!off)
	}
	if err != nil {
		s.log.Warn("toggle not applied", zap.Bool("audio", audio), zap.Bool("off", off), zap.Error(err))
	}
}

// onVideoSource switches the outgoing video. Before the peer exists the
// last request is held and applied once the tracks are attached.
func (s *Session) onVideoSource(track rtcmedia.LocalTrack) {
	if s.peer == nil {
		if prev := s.videoSwitch; prev != nil && prev.track != nil && prev.track != track {
			_ = prev.track.Close()
		}
		s.videoSwitch = &evVideoSource{track: track}
		return
	}
	s.applyVideoSource(track)
}

func (s *Session) applyVideoSource(track rtcmedia.LocalTrack) {
	if err := s.peer.ReplaceVideoTrack(track); err != nil {
		s.log.Warn("video source not switched", zap.Bool("alternate", track != nil), zap.Error(err))
		if track != nil {
			_ = track.Close()
		}
		return
	}
	s.mu.Lock()
	s.devices.SharingScreen = track != nil
	s.mu.Unlock()
	s.log.Info("video source switched", zap.Bool("alternate", track != nil))
}

func (s *Session) onHangup(mode HangupMode) {
	reason := ReasonCancelled
	if state := s.State(); mode == HangupCompleted && (state == StateConnected || state == StateReconnecting) {
		reason = ReasonCompleted
	}
	s.end(reason, nil)
}

// end moves to Ended and tears down exactly once.
func (s *Session) end(reason EndReason, err error) {
	if s.ended {
		return
	}
	s.ended = true
	close(s.stopping)
	// aborts in-flight publishes and offer creation
	s.cancel()

	for kind := range s.timers {
		s.stopTimer(kind)
	}
	if s.channel != nil {
		if reason != ReasonPeerLeft && apperr.CodeOf(err) != apperr.ErrCodeSignalingChannelLost {
			ctx, cancel := context.WithTimeout(context.Background(), s.opts.ByeTimeout)
			if e := s.channel.Send(ctx, protocol.MessageTypeBye, protocol.ByeMessage{Reason: string(reason)}); e != nil {
				s.log.Warn("bye not delivered", zap.Error(e))
			}
			cancel()
		}
		if e := s.channel.Close(); e != nil {
			s.log.Debug("signaling channel close", zap.Error(e))
		}
	}
	if s.peer != nil {
		if e := s.peer.Close(); e != nil {
			s.log.Warn("peer close", zap.Error(e))
		}
	}
	if sw := s.videoSwitch; sw != nil && sw.track != nil {
		_ = sw.track.Close()
	}
	seconds := s.duration.Stop()

	s.mu.Lock()
	s.endReason = reason
	s.endedAt = s.now()
	if err != nil {
		s.lastErr = err
	}
	s.result = Result{Reason: reason, DurationSeconds: seconds, Err: err}
	s.mu.Unlock()

	s.opts.Registry.release(s.opts.SessionID, s)
	s.opts.Collector.SessionEnded(string(reason), seconds)
	s.setState(StateEnded)
	s.log.Info("call ended", zap.String("reason", string(reason)), zap.Int64("duration_seconds", seconds), zap.Error(err))

	if cb := s.opts.Callbacks.OnEnded; cb != nil {
		cb(reason, seconds)
	}
	if cb := s.opts.Callbacks.OnCallEnd; cb != nil {
		cb(seconds, reason)
	}
	close(s.done)
}

// asCallError keeps AppErrors and wraps anything else as channel loss.
func asCallError(err error) error {
	if apperr.IsAppError(err) {
		return err
	}
	return apperr.WrapError(apperr.ErrCodeSignalingChannelLost, err)
}
