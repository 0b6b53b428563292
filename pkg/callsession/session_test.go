package callsession

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LingByte/CareCall/pkg/callmetrics"
	"github.com/LingByte/CareCall/pkg/config"
	apperr "github.com/LingByte/CareCall/pkg/errors"
	"github.com/LingByte/CareCall/pkg/preflight"
	"github.com/LingByte/CareCall/pkg/protocol"
	"github.com/LingByte/CareCall/pkg/signaling"
	"github.com/LingByte/CareCall/pkg/webrtc/rtcmedia"
	rtcconfig "github.com/LingByte/CareCall/pkg/webrtc/rtcmedia/config"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	remoteSender = "remote-peer"
	waitFor      = 3 * time.Second
	pollEvery    = 5 * time.Millisecond
)

func testConfig() config.CallConfig {
	cfg := config.DefaultCallConfig()
	cfg.NegotiationTimeout = 2 * time.Second
	cfg.ReconnectBaseDelay = 10 * time.Millisecond
	cfg.ReconnectMaxDelay = 40 * time.Millisecond
	cfg.RestartTimeout = time.Second
	cfg.HeartbeatInterval = time.Second
	cfg.HeartbeatTimeout = 10 * time.Second
	return cfg
}

func readyResult() preflight.Result {
	return preflight.Result{
		OK:        true,
		DeviceIDs: preflight.DeviceIDs{Audio: "mic-1", Video: "cam-1"},
		State: preflight.DeviceState{
			CameraPermission:     preflight.PermissionGranted,
			MicrophonePermission: preflight.PermissionGranted,
			SelectedAudioID:      "mic-1",
			SelectedVideoID:      "cam-1",
		},
	}
}

type fakeChecker struct {
	res   preflight.Result
	calls atomic.Int32
}

func (c *fakeChecker) Check(_ context.Context, _ preflight.Request) preflight.Result {
	c.calls.Add(1)
	return c.res
}

// fakePeer records what the session asks of the media layer and lets tests
// drive connection state through the events the session registered.
type fakePeer struct {
	mu         sync.Mutex
	events     rtcmedia.Events
	offers     []bool
	answered   []string
	remote     []string
	candidates []string
	deviceIDs  [2]string
	audio      bool
	video      bool
	closes     int
	panicOffer bool
	attachErr  error
	replaceErr error
	// video track ids sent in place of the camera, "" for switching back
	videoTracks []string
}

func (p *fakePeer) CreateOffer(_ context.Context, iceRestart bool) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.panicOffer {
		panic("offer exploded")
	}
	p.offers = append(p.offers, iceRestart)
	return fmt.Sprintf("offer-%d", len(p.offers)), nil
}

func (p *fakePeer) CreateAnswer(_ context.Context, remoteOffer string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.answered = append(p.answered, remoteOffer)
	return fmt.Sprintf("answer-%d", len(p.answered)), nil
}

func (p *fakePeer) ApplyRemoteDescription(_ webrtc.SDPType, sdp string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = append(p.remote, sdp)
	return nil
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates = append(p.candidates, c.Candidate)
	return nil
}

func (p *fakePeer) AttachLocalTracks(_ context.Context, audioID, videoID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.attachErr != nil {
		return p.attachErr
	}
	p.deviceIDs = [2]string{audioID, videoID}
	p.audio, p.video = true, true
	return nil
}

func (p *fakePeer) SetAudioEnabled(enabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.audio = enabled
	return nil
}

func (p *fakePeer) SetVideoEnabled(enabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.video = enabled
	return nil
}

func (p *fakePeer) ReplaceVideoTrack(track rtcmedia.LocalTrack) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.replaceErr != nil {
		return p.replaceErr
	}
	id := ""
	if track != nil {
		id = track.ID()
	}
	p.videoTracks = append(p.videoTracks, id)
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closes++
	return nil
}

func (p *fakePeer) ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events.OnConnectionState != nil
}

func (p *fakePeer) emit(st webrtc.PeerConnectionState) {
	p.mu.Lock()
	cb := p.events.OnConnectionState
	p.mu.Unlock()
	cb(st)
}

func (p *fakePeer) emitQuality(q rtcmedia.QualitySample) {
	p.mu.Lock()
	cb := p.events.OnQuality
	p.mu.Unlock()
	cb(q)
}

func (p *fakePeer) emitCandidate(c webrtc.ICECandidateInit) {
	p.mu.Lock()
	cb := p.events.OnLocalCandidate
	p.mu.Unlock()
	cb(c)
}

// peerCalls is a copy of what a fakePeer has recorded.
type peerCalls struct {
	offers     []bool
	answered   []string
	remote     []string
	candidates []string
	deviceIDs  [2]string
	audio      bool
	video      bool
	closes     int
	videos     []string
}

func (p *fakePeer) snapshot() peerCalls {
	p.mu.Lock()
	defer p.mu.Unlock()
	return peerCalls{
		offers:     append([]bool(nil), p.offers...),
		answered:   append([]string(nil), p.answered...),
		remote:     append([]string(nil), p.remote...),
		candidates: append([]string(nil), p.candidates...),
		deviceIDs:  p.deviceIDs,
		audio:      p.audio,
		video:      p.video,
		closes:     p.closes,
		videos:     append([]string(nil), p.videoTracks...),
	}
}

// remotePeer publishes raw frames on the hub so tests control sequence numbers.
type remotePeer struct {
	t   *testing.T
	hub *signaling.MemoryHub
	id  string
	seq uint64
}

func (r *remotePeer) send(typ protocol.MessageType, payload interface{}) {
	r.seq++
	r.sendSeq(r.seq, typ, payload)
}

func (r *remotePeer) sendSeq(seq uint64, typ protocol.MessageType, payload interface{}) {
	msg, err := protocol.NewMessage(typ, payload)
	require.NoError(r.t, err)
	msg.Seq = seq
	msg.From = remoteSender
	data, err := protocol.Encode(msg)
	require.NoError(r.t, err)
	require.NoError(r.t, r.hub.Publish(context.Background(), r.id, data))
}

type harness struct {
	t        *testing.T
	hub      *signaling.MemoryHub
	peer     *fakePeer
	checker  *fakeChecker
	remote   *remotePeer
	inbox    chan *protocol.Message
	session  *Session
	started  bool
	peerMade atomic.Int32

	mu         sync.Mutex
	states     []State
	ended      []EndReason
	callEnds   int
	connected  []time.Time
	attemptsCh chan int
}

func newHarness(t *testing.T, role Role, mutate ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		t:          t,
		hub:        signaling.NewMemoryHub(),
		peer:       &fakePeer{},
		checker:    &fakeChecker{res: readyResult()},
		inbox:      make(chan *protocol.Message, 64),
		attemptsCh: make(chan int, 16),
	}
	opts := Options{
		Bootstrap: Bootstrap{
			SessionID:         "appt-" + uuid.NewString(),
			LocalRole:         role,
			RemoteDisplayName: "Dr. Rivera",
			RemoteAvatarURL:   "https://example.test/rivera.png",
		},
		Config:    testConfig(),
		Transport: h.hub,
		Checker:   h.checker,
		NewPeer: func(ev rtcmedia.Events) (Peer, error) {
			h.peerMade.Add(1)
			h.peer.mu.Lock()
			h.peer.events = ev
			h.peer.mu.Unlock()
			return h.peer, nil
		},
		Registry: NewRegistry(nil),
		Logger:   zap.NewNop(),
		Callbacks: Callbacks{
			OnConnected: func(at time.Time) {
				h.mu.Lock()
				h.connected = append(h.connected, at)
				h.mu.Unlock()
			},
			OnReconnecting: func(n int) { h.attemptsCh <- n },
			OnEnded: func(reason EndReason, _ int64) {
				h.mu.Lock()
				h.ended = append(h.ended, reason)
				h.mu.Unlock()
			},
			OnCallEnd: func(int64, EndReason) {
				h.mu.Lock()
				h.callEnds++
				h.mu.Unlock()
			},
			OnStateChange: func(_, to State) {
				h.mu.Lock()
				h.states = append(h.states, to)
				h.mu.Unlock()
			},
		},
	}
	for _, m := range mutate {
		m(&opts)
	}
	switch tr := opts.Transport.(type) {
	case *flakyTransport:
		h.hub = tr.MemoryHub
	case *slowTransport:
		h.hub = tr.MemoryHub
	}
	s, err := New(opts)
	require.NoError(t, err)
	h.session = s
	h.remote = &remotePeer{t: t, hub: h.hub, id: s.ID()}

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := h.hub.Subscribe(ctx, s.ID(), signaling.StartCursor)
	require.NoError(t, err)
	go func() {
		for {
			env, err := sub.Next(ctx)
			if err != nil {
				return
			}
			msg, err := protocol.Decode(env.Data)
			if err != nil || msg.From == remoteSender || msg.Type == protocol.MessageTypeHeartbeat {
				continue
			}
			h.inbox <- msg
		}
	}()

	t.Cleanup(func() {
		if h.started {
			h.session.Hangup(HangupCancel)
			select {
			case <-h.session.Done():
			case <-time.After(waitFor):
				t.Errorf("session %s did not end during cleanup", s.ID())
			}
		}
		cancel()
		_ = sub.Close()
	})
	return h
}

func (h *harness) start() {
	h.startCtx(context.Background())
}

func (h *harness) startCtx(ctx context.Context) {
	h.t.Helper()
	require.NoError(h.t, h.session.Start(ctx))
	h.started = true
}

// expect returns the next message the session published and checks its type.
func (h *harness) expect(typ protocol.MessageType) *protocol.Message {
	h.t.Helper()
	select {
	case msg := <-h.inbox:
		require.Equal(h.t, typ, msg.Type, "unexpected %s message", msg.Type)
		return msg
	case <-time.After(waitFor):
		h.t.Fatalf("no %s message within %s", typ, waitFor)
		return nil
	}
}

func (h *harness) expectAttempt(want int) {
	h.t.Helper()
	select {
	case n := <-h.attemptsCh:
		require.Equal(h.t, want, n)
	case <-time.After(waitFor):
		h.t.Fatalf("reconnect attempt %d not started", want)
	}
}

func (h *harness) wait() Result {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	res, err := h.session.Wait(ctx)
	require.NoError(h.t, err, "session did not end")
	return res
}

func (h *harness) waitState(want State) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.session.State() == want },
		waitFor, pollEvery, "state never reached %s (now %s)", want, h.session.State())
}

func (h *harness) seenStates() []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]State(nil), h.states...)
}

func (h *harness) endedCalls() []EndReason {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]EndReason(nil), h.ended...)
}

// connectInitiator runs the initiator through offer and answer to Connected.
func (h *harness) connectInitiator() {
	h.t.Helper()
	h.start()
	offer := h.expect(protocol.MessageTypeOffer)
	var sdp protocol.SDPMessage
	require.NoError(h.t, offer.DecodePayload(&sdp))
	require.False(h.t, sdp.ICERestart)
	h.remote.send(protocol.MessageTypeAnswer, protocol.SDPMessage{SDP: "answer-from-remote"})
	require.Eventually(h.t, func() bool { return len(h.peer.snapshot().remote) == 1 }, waitFor, pollEvery)
	h.peer.emit(webrtc.PeerConnectionStateConnected)
	h.waitState(StateConnected)
}

// published decodes every frame the session sent on the hub.
func published(t *testing.T, hub *signaling.MemoryHub, id string) []*protocol.Message {
	t.Helper()
	sub, err := hub.Subscribe(context.Background(), id, signaling.StartCursor)
	require.NoError(t, err)
	defer sub.Close()
	var out []*protocol.Message
	for n := hub.Len(id); n > 0; n-- {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		env, err := sub.Next(ctx)
		cancel()
		require.NoError(t, err)
		msg, err := protocol.Decode(env.Data)
		require.NoError(t, err)
		if msg.From != remoteSender {
			out = append(out, msg)
		}
	}
	return out
}

func byes(t *testing.T, msgs []*protocol.Message) []string {
	t.Helper()
	var reasons []string
	for _, m := range msgs {
		if m.Type != protocol.MessageTypeBye {
			continue
		}
		var bye protocol.ByeMessage
		require.NoError(t, m.DecodePayload(&bye))
		reasons = append(reasons, bye.Reason)
	}
	return reasons
}

func TestNew_Validation(t *testing.T) {
	hub := signaling.NewMemoryHub()
	bad := testConfig()
	bad.NegotiationTimeout = 0

	tests := []struct {
		name string
		opts Options
		code apperr.ErrorCode
	}{
		{"missing session id", Options{Bootstrap: Bootstrap{LocalRole: RoleInitiator}, Config: testConfig(), Transport: hub}, apperr.ErrCodeInvalidInput},
		{"bad role", Options{Bootstrap: Bootstrap{SessionID: "a", LocalRole: "observer"}, Config: testConfig(), Transport: hub}, apperr.ErrCodeInvalidRole},
		{"no transport", Options{Bootstrap: Bootstrap{SessionID: "a", LocalRole: RoleResponder}, Config: testConfig()}, apperr.ErrCodeInvalidConfig},
		{"invalid config", Options{Bootstrap: Bootstrap{SessionID: "a", LocalRole: RoleResponder}, Config: bad, Transport: hub}, apperr.ErrCodeInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(tt.opts)
			require.Error(t, err)
			assert.Nil(t, s)
			assert.Equal(t, tt.code, apperr.CodeOf(err))
		})
	}
}

func TestSession_ScriptedExchangeEndsWithPeerLeft(t *testing.T) {
	h := newHarness(t, RoleInitiator)
	h.start()

	offer := h.expect(protocol.MessageTypeOffer)
	var sdp protocol.SDPMessage
	require.NoError(t, offer.DecodePayload(&sdp))
	assert.Equal(t, "offer-1", sdp.SDP)

	h.remote.send(protocol.MessageTypeAnswer, protocol.SDPMessage{SDP: "answer-from-remote"})
	for i := 1; i <= 3; i++ {
		h.remote.send(protocol.MessageTypeICE, protocol.ICECandidateMessage{Candidate: fmt.Sprintf("candidate:%d", i)})
	}
	for i := 0; i < 5; i++ {
		h.remote.send(protocol.MessageTypeHeartbeat, nil)
	}
	require.Eventually(t, func() bool { return len(h.peer.snapshot().candidates) == 3 }, waitFor, pollEvery)

	h.peer.emit(webrtc.PeerConnectionStateConnected)
	h.waitState(StateConnected)
	h.remote.send(protocol.MessageTypeBye, protocol.ByeMessage{Reason: "completed"})

	res := h.wait()
	assert.Equal(t, ReasonPeerLeft, res.Reason)
	assert.NoError(t, res.Err)
	assert.Equal(t, []State{StatePreflight, StateNegotiating, StateConnected, StateEnded}, h.seenStates())

	peer := h.peer.snapshot()
	assert.Equal(t, []string{"answer-from-remote"}, peer.remote)
	assert.Equal(t, []string{"candidate:1", "candidate:2", "candidate:3"}, peer.candidates)
	assert.Equal(t, [2]string{"mic-1", "cam-1"}, peer.deviceIDs)
	assert.Equal(t, 1, peer.closes)
	assert.Equal(t, []EndReason{ReasonPeerLeft}, h.endedCalls())
	assert.Empty(t, byes(t, published(t, h.hub, h.session.ID())), "no bye after the peer left")

	snap := h.session.Snapshot()
	assert.Equal(t, StateEnded, snap.State)
	assert.Equal(t, ReasonPeerLeft, snap.EndReason)
	assert.NotNil(t, snap.StartedAt)
	assert.NotNil(t, snap.ConnectedAt)
	assert.NotNil(t, snap.EndedAt)
	assert.Equal(t, "Dr. Rivera", snap.RemoteDisplayName)
	assert.Equal(t, preflight.PermissionGranted, snap.Devices.MicrophonePermission)
	assert.Equal(t, 0, h.session.opts.Registry.Len())
}

func TestSession_ResponderAnswersAndRequestsRestart(t *testing.T) {
	h := newHarness(t, RoleResponder)
	h.start()

	require.Eventually(t, h.peer.ready, waitFor, pollEvery)
	h.remote.send(protocol.MessageTypeOffer, protocol.SDPMessage{SDP: "remote-offer"})
	answer := h.expect(protocol.MessageTypeAnswer)
	var sdp protocol.SDPMessage
	require.NoError(t, answer.DecodePayload(&sdp))
	assert.Equal(t, "answer-1", sdp.SDP)
	assert.Equal(t, []string{"remote-offer"}, h.peer.snapshot().answered)
	assert.Empty(t, h.peer.snapshot().offers, "responder never offers")

	mid := "0"
	h.peer.emitCandidate(webrtc.ICECandidateInit{Candidate: "candidate:local", SDPMid: &mid})
	ice := h.expect(protocol.MessageTypeICE)
	var c protocol.ICECandidateMessage
	require.NoError(t, ice.DecodePayload(&c))
	assert.Equal(t, "candidate:local", c.Candidate)
	require.NotNil(t, c.SDPMid)
	assert.Equal(t, "0", *c.SDPMid)

	h.peer.emit(webrtc.PeerConnectionStateConnected)
	h.waitState(StateConnected)

	h.peer.emit(webrtc.PeerConnectionStateDisconnected)
	h.expectAttempt(1)
	reneg := h.expect(protocol.MessageTypeRenegotiate)
	var req protocol.RenegotiateMessage
	require.NoError(t, reneg.DecodePayload(&req))
	assert.Equal(t, "reconnect", req.Reason)

	h.remote.send(protocol.MessageTypeOffer, protocol.SDPMessage{SDP: "restart-offer", ICERestart: true})
	answer = h.expect(protocol.MessageTypeAnswer)
	require.NoError(t, answer.DecodePayload(&sdp))
	assert.True(t, sdp.ICERestart)
	h.peer.emit(webrtc.PeerConnectionStateConnected)
	h.waitState(StateConnected)

	h.session.Hangup(HangupCompleted)
	res := h.wait()
	assert.Equal(t, ReasonCompleted, res.Reason)
	assert.NoError(t, res.Err)
	assert.Equal(t, []string{"completed"}, byes(t, published(t, h.hub, h.session.ID())))
	assert.Equal(t, 1, h.session.Snapshot().TotalReconnects)
}

func TestSession_PermissionDeniedNeverOpensChannel(t *testing.T) {
	h := newHarness(t, RoleInitiator)
	h.checker.res = preflight.Result{
		Reason: preflight.ReasonPermissionDenied,
		Err:    preflight.ErrPermissionDenied,
		State: preflight.DeviceState{
			CameraPermission:     preflight.PermissionDenied,
			MicrophonePermission: preflight.PermissionDenied,
		},
	}
	h.start()

	res := h.wait()
	assert.Equal(t, ReasonDeviceError, res.Reason)
	assert.Equal(t, apperr.ErrCodePermissionDenied, apperr.CodeOf(res.Err))
	assert.Equal(t, []State{StatePreflight, StateEnded}, h.seenStates())
	assert.Equal(t, 0, h.hub.Len(h.session.ID()), "no signaling traffic before preflight passes")
	assert.Equal(t, int32(0), h.peerMade.Load())
	assert.Equal(t, preflight.PermissionDenied, h.session.Snapshot().Devices.CameraPermission)
	assert.Equal(t, int64(0), res.DurationSeconds)
}

func TestSession_AttachFailureIsDeviceError(t *testing.T) {
	h := newHarness(t, RoleInitiator)
	h.peer.attachErr = errors.New("camera unplugged")
	h.start()

	res := h.wait()
	assert.Equal(t, ReasonDeviceError, res.Reason)
	assert.Equal(t, apperr.ErrCodeDeviceError, apperr.CodeOf(res.Err))
	assert.Equal(t, 1, h.peer.snapshot().closes)
}

func TestSession_ReconnectBudgetExhausted(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := newHarness(t, RoleInitiator, func(o *Options) {
		o.Collector = callmetrics.NewCollector(reg)
	})
	h.connectInitiator()

	h.peer.emit(webrtc.PeerConnectionStateDisconnected)
	for n := 1; n <= 3; n++ {
		h.expectAttempt(n)
		h.peer.emit(webrtc.PeerConnectionStateFailed)
	}

	res := h.wait()
	assert.Equal(t, ReasonConnectionLost, res.Reason)
	assert.Equal(t, apperr.ErrCodeTransientNetworkLoss, apperr.CodeOf(res.Err))
	assert.Contains(t, res.Err.Error(), "reconnect budget of 3 exhausted")
	assert.Empty(t, h.attemptsCh, "no attempt beyond the budget")

	snap := h.session.Snapshot()
	assert.Equal(t, 3, snap.ReconnectAttempts)
	assert.Equal(t, 3, snap.TotalReconnects)
	assert.Equal(t, []bool{false, true, true, true}, h.peer.snapshot().offers)
	assert.Equal(t, []State{StatePreflight, StateNegotiating, StateConnected, StateReconnecting, StateEnded}, h.seenStates())

	expected := `
# HELP carecall_session_reconnect_attempts_total ICE restart attempts made while reconnecting.
# TYPE carecall_session_reconnect_attempts_total counter
carecall_session_reconnect_attempts_total 3
# HELP carecall_session_ended_total Call sessions ended, by end reason.
# TYPE carecall_session_ended_total counter
carecall_session_ended_total{reason="connection_lost"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"carecall_session_reconnect_attempts_total", "carecall_session_ended_total"))
}

func TestSession_RestartTimeoutCountsAsFailedAttempt(t *testing.T) {
	h := newHarness(t, RoleInitiator, func(o *Options) {
		o.Config.ReconnectBudget = 2
		o.Config.RestartTimeout = 30 * time.Millisecond
	})
	h.connectInitiator()

	h.peer.emit(webrtc.PeerConnectionStateDisconnected)
	h.expectAttempt(1)
	h.expectAttempt(2)

	res := h.wait()
	assert.Equal(t, ReasonConnectionLost, res.Reason)
	assert.Equal(t, apperr.ErrCodeTransientNetworkLoss, apperr.CodeOf(res.Err))
}

func TestSession_ReconnectRecoversWithFreshBudget(t *testing.T) {
	h := newHarness(t, RoleInitiator)
	h.connectInitiator()
	first := *h.session.Snapshot().ConnectedAt

	h.peer.emit(webrtc.PeerConnectionStateDisconnected)
	h.waitState(StateReconnecting)
	h.expectAttempt(1)
	h.peer.emit(webrtc.PeerConnectionStateFailed)
	h.expectAttempt(2)
	h.peer.emit(webrtc.PeerConnectionStateConnected)
	h.waitState(StateConnected)

	snap := h.session.Snapshot()
	assert.Equal(t, 0, snap.ReconnectAttempts)
	assert.Equal(t, 2, snap.TotalReconnects)
	assert.Equal(t, first, *snap.ConnectedAt, "ConnectedAt is set once")

	// A new episode starts counting from one again.
	h.peer.emit(webrtc.PeerConnectionStateDisconnected)
	h.expectAttempt(1)
	h.peer.emit(webrtc.PeerConnectionStateConnected)
	h.waitState(StateConnected)

	h.mu.Lock()
	assert.Len(t, h.connected, 1, "OnConnected fires for the first connection only")
	h.mu.Unlock()
}

func TestSession_RenegotiateRequestTriggersRestartOffer(t *testing.T) {
	h := newHarness(t, RoleInitiator)
	h.connectInitiator()

	h.remote.send(protocol.MessageTypeRenegotiate, protocol.RenegotiateMessage{Reason: "gap"})
	offer := h.expect(protocol.MessageTypeOffer)
	var sdp protocol.SDPMessage
	require.NoError(t, offer.DecodePayload(&sdp))
	assert.True(t, sdp.ICERestart)
	assert.Equal(t, "offer-2", sdp.SDP)

	h.remote.send(protocol.MessageTypeAnswer, protocol.SDPMessage{SDP: "restart-answer", ICERestart: true})
	require.Eventually(t, func() bool { return len(h.peer.snapshot().remote) == 2 }, waitFor, pollEvery)
	assert.Equal(t, StateConnected, h.session.State())
}

func TestSession_DuplicatesHaveNoEffect(t *testing.T) {
	h := newHarness(t, RoleInitiator)
	h.start()
	h.expect(protocol.MessageTypeOffer)

	h.remote.sendSeq(1, protocol.MessageTypeAnswer, protocol.SDPMessage{SDP: "answer-1"})
	h.remote.sendSeq(1, protocol.MessageTypeAnswer, protocol.SDPMessage{SDP: "answer-1"})
	h.remote.sendSeq(2, protocol.MessageTypeICE, protocol.ICECandidateMessage{Candidate: "candidate:1"})
	h.remote.sendSeq(2, protocol.MessageTypeICE, protocol.ICECandidateMessage{Candidate: "candidate:1"})
	// A second answer with a fresh sequence arrives when none is awaited.
	h.remote.sendSeq(3, protocol.MessageTypeAnswer, protocol.SDPMessage{SDP: "answer-2"})

	h.peer.emit(webrtc.PeerConnectionStateConnected)
	h.peer.emit(webrtc.PeerConnectionStateConnected)
	h.remote.sendSeq(4, protocol.MessageTypeICE, protocol.ICECandidateMessage{Candidate: "candidate:last"})

	require.Eventually(t, func() bool {
		c := h.peer.snapshot().candidates
		return len(c) > 0 && c[len(c)-1] == "candidate:last"
	}, waitFor, pollEvery)

	peer := h.peer.snapshot()
	assert.Equal(t, []string{"answer-1"}, peer.remote)
	assert.Equal(t, []string{"candidate:1", "candidate:last"}, peer.candidates)
	assert.Equal(t, []State{StatePreflight, StateNegotiating, StateConnected}, h.seenStates())
	h.mu.Lock()
	assert.Len(t, h.connected, 1)
	h.mu.Unlock()
}

func TestSession_NegotiationTimeout(t *testing.T) {
	h := newHarness(t, RoleInitiator, func(o *Options) {
		o.Config.NegotiationTimeout = 50 * time.Millisecond
	})
	h.start()
	h.expect(protocol.MessageTypeOffer)

	res := h.wait()
	assert.Equal(t, ReasonConnectionLost, res.Reason)
	assert.Equal(t, apperr.ErrCodeNegotiationTimeout, apperr.CodeOf(res.Err))
	assert.Nil(t, h.session.Snapshot().ConnectedAt)
	assert.Equal(t, []string{"connection_lost"}, byes(t, published(t, h.hub, h.session.ID())))
}

func TestSession_Hangup(t *testing.T) {
	tests := []struct {
		name    string
		connect bool
		mode    HangupMode
		want    EndReason
	}{
		{"completed before connect is cancelled", false, HangupCompleted, ReasonCancelled},
		{"completed after connect", true, HangupCompleted, ReasonCompleted},
		{"cancel after connect", true, HangupCancel, ReasonCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, RoleInitiator)
			if tt.connect {
				h.connectInitiator()
			} else {
				h.start()
				h.expect(protocol.MessageTypeOffer)
			}
			h.session.Hangup(tt.mode)

			res := h.wait()
			assert.Equal(t, tt.want, res.Reason)
			assert.NoError(t, res.Err)
			assert.Equal(t, []string{string(tt.want)}, byes(t, published(t, h.hub, h.session.ID())))

			// Later calls are no-ops.
			h.session.Hangup(HangupCompleted)
			h.session.SetMicMuted(true)
			assert.Equal(t, tt.want, h.session.Result().Reason)
			assert.Equal(t, []EndReason{tt.want}, h.endedCalls())
		})
	}
}

func TestSession_ContextCancelEndsCancelled(t *testing.T) {
	h := newHarness(t, RoleInitiator)
	ctx, cancel := context.WithCancel(context.Background())
	h.startCtx(ctx)
	h.expect(protocol.MessageTypeOffer)
	cancel()

	res := h.wait()
	assert.Equal(t, ReasonCancelled, res.Reason)
	assert.NoError(t, res.Err)
}

func TestSession_StartConflicts(t *testing.T) {
	reg := NewRegistry(nil)
	h1 := newHarness(t, RoleInitiator, func(o *Options) { o.Registry = reg })
	h2 := newHarness(t, RoleInitiator, func(o *Options) {
		o.Registry = reg
		o.SessionID = h1.session.ID()
	})

	h1.start()
	err := h1.session.Start(context.Background())
	assert.Equal(t, apperr.ErrCodeSessionActive, apperr.CodeOf(err), "second Start on the same session")

	err = h2.session.Start(context.Background())
	assert.Equal(t, apperr.ErrCodeSessionActive, apperr.CodeOf(err), "same appointment id twice in one process")
	got, ok := reg.Get(h1.session.ID())
	require.True(t, ok)
	assert.Same(t, h1.session, got)

	h1.session.Hangup(HangupCancel)
	h1.wait()
	assert.Equal(t, 0, reg.Len())

	h2.start()
	assert.Equal(t, 1, reg.Len())
}

func TestSession_PanicEndsWithInternalError(t *testing.T) {
	h := newHarness(t, RoleInitiator)
	h.peer.panicOffer = true
	h.start()

	res := h.wait()
	assert.Equal(t, ReasonConnectionLost, res.Reason)
	assert.Equal(t, apperr.ErrCodeInternal, apperr.CodeOf(res.Err))
	assert.Equal(t, 1, h.peer.snapshot().closes)
	assert.Equal(t, StateEnded, h.session.State())
}

func TestSession_QualityBreachStartsReconnect(t *testing.T) {
	h := newHarness(t, RoleInitiator, func(o *Options) {
		o.Config.MaxRTT = 200 * time.Millisecond
		o.Config.QualityBreachSamples = 2
	})
	h.connectInitiator()

	bad := rtcmedia.QualitySample{RTT: 500 * time.Millisecond, Class: rtcmedia.QualityPoor}
	good := rtcmedia.QualitySample{RTT: 20 * time.Millisecond, Class: rtcmedia.QualityExcellent}
	marker := bad
	marker.PacketsLost = 7

	h.peer.emitQuality(bad)
	h.peer.emitQuality(good)
	h.peer.emitQuality(marker)
	require.Eventually(t, func() bool {
		q := h.session.Snapshot().Quality
		return q != nil && q.PacketsLost == 7
	}, waitFor, pollEvery)
	assert.Equal(t, StateConnected, h.session.State(), "a good sample resets the breach count")

	h.peer.emitQuality(bad)
	h.waitState(StateReconnecting)
	assert.Equal(t, apperr.ErrCodeTransientNetworkLoss, apperr.CodeOf(h.session.Snapshot().LastError))
	h.expectAttempt(1)
}

func TestSession_MuteToggles(t *testing.T) {
	h := newHarness(t, RoleInitiator)
	h.session.SetMicMuted(true)
	h.connectInitiator()

	peer := h.peer.snapshot()
	assert.False(t, peer.audio, "mute set before start applies to the attached track")
	assert.True(t, peer.video)
	assert.True(t, h.session.Snapshot().Devices.MicMuted)

	h.session.SetCameraOff(true)
	h.session.SetMicMuted(false)
	require.Eventually(t, func() bool {
		p := h.peer.snapshot()
		return !p.video && p.audio
	}, waitFor, pollEvery)
	snap := h.session.Snapshot()
	assert.True(t, snap.Devices.CameraOff)
	assert.False(t, snap.Devices.MicMuted)
}

var errTransportDown = errors.New("transport down")

// flakyTransport wraps a hub and fails every operation once killed.
type flakyTransport struct {
	*signaling.MemoryHub
	kill     chan struct{}
	killOnce sync.Once
	mu       sync.Mutex
	failed   []protocol.MessageType
}

func newFlakyTransport() *flakyTransport {
	return &flakyTransport{MemoryHub: signaling.NewMemoryHub(), kill: make(chan struct{})}
}

func (f *flakyTransport) down() bool {
	select {
	case <-f.kill:
		return true
	default:
		return false
	}
}

func (f *flakyTransport) Kill() {
	f.killOnce.Do(func() { close(f.kill) })
}

func (f *flakyTransport) Publish(ctx context.Context, sessionID string, data []byte) error {
	if f.down() {
		if msg, err := protocol.Decode(data); err == nil {
			f.mu.Lock()
			f.failed = append(f.failed, msg.Type)
			f.mu.Unlock()
		}
		return errTransportDown
	}
	return f.MemoryHub.Publish(ctx, sessionID, data)
}

func (f *flakyTransport) Subscribe(ctx context.Context, sessionID, after string) (signaling.Subscription, error) {
	if f.down() {
		return nil, errTransportDown
	}
	sub, err := f.MemoryHub.Subscribe(ctx, sessionID, after)
	if err != nil {
		return nil, err
	}
	return &flakySubscription{Subscription: sub, kill: f.kill}, nil
}

type flakySubscription struct {
	signaling.Subscription
	kill chan struct{}
}

func (s *flakySubscription) Next(ctx context.Context) (signaling.Envelope, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.kill:
			cancel()
		case <-ctx.Done():
		}
	}()
	env, err := s.Subscription.Next(ctx)
	select {
	case <-s.kill:
		return signaling.Envelope{}, errTransportDown
	default:
	}
	return env, err
}

func TestSession_ChannelLostEndsWithoutBye(t *testing.T) {
	transport := newFlakyTransport()
	h := newHarness(t, RoleInitiator, func(o *Options) {
		o.Transport = transport
		o.Config.ResubscribeBudget = 1
	})
	h.start()
	h.expect(protocol.MessageTypeOffer)
	transport.Kill()

	res := h.wait()
	assert.Equal(t, ReasonConnectionLost, res.Reason)
	assert.Equal(t, apperr.ErrCodeSignalingChannelLost, apperr.CodeOf(res.Err))
	transport.mu.Lock()
	defer transport.mu.Unlock()
	assert.NotContains(t, transport.failed, protocol.MessageTypeBye)
}

func TestSession_SingleTeardownUnderConcurrentEndings(t *testing.T) {
	h := newHarness(t, RoleInitiator)
	h.connectInitiator()

	var wg sync.WaitGroup
	wg.Add(4)
	go func() { defer wg.Done(); h.session.Hangup(HangupCompleted) }()
	go func() { defer wg.Done(); h.peer.emit(webrtc.PeerConnectionStateFailed) }()
	go func() { defer wg.Done(); h.remote.send(protocol.MessageTypeBye, protocol.ByeMessage{Reason: "completed"}) }()
	go func() { defer wg.Done(); h.session.Hangup(HangupCancel) }()
	wg.Wait()

	res := h.wait()
	assert.Contains(t, []EndReason{ReasonCompleted, ReasonCancelled, ReasonPeerLeft}, res.Reason)
	assert.Len(t, h.endedCalls(), 1)
	h.mu.Lock()
	assert.Equal(t, 1, h.callEnds)
	h.mu.Unlock()
	assert.Equal(t, 1, h.peer.snapshot().closes)
	assert.LessOrEqual(t, len(byes(t, published(t, h.hub, h.session.ID()))), 1)
}

func TestSession_WaitHonoursContext(t *testing.T) {
	h := newHarness(t, RoleInitiator)
	h.start()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := h.session.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// slowTransport holds every publish for delay and then fails it.
type slowTransport struct {
	*signaling.MemoryHub
	delay    time.Duration
	inFlight atomic.Int32
}

func (s *slowTransport) Publish(ctx context.Context, _ string, _ []byte) error {
	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	select {
	case <-time.After(s.delay):
		return errors.New("publish: i/o timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestSession_HangupNotHeldBySlowSignaling(t *testing.T) {
	transport := &slowTransport{MemoryHub: signaling.NewMemoryHub(), delay: 2 * time.Second}
	h := newHarness(t, RoleInitiator, func(o *Options) {
		o.Transport = transport
		o.Config.NegotiationTimeout = 10 * time.Second
		o.ByeTimeout = 100 * time.Millisecond
	})
	h.start()
	h.waitState(StateNegotiating)
	require.Eventually(t, func() bool { return transport.inFlight.Load() > 0 }, waitFor, pollEvery, "offer publish never started")

	start := time.Now()
	h.session.Hangup(HangupCancel)
	res := h.wait()
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, ReasonCancelled, res.Reason)
	assert.NoError(t, res.Err)
	assert.Equal(t, 1, h.peer.snapshot().closes)
}

func TestSession_RestartOfferRepeatedWhileUnanswered(t *testing.T) {
	var (
		mu     sync.Mutex
		events rtcmedia.Events
		local  *rtcmedia.Manager
	)
	h := newHarness(t, RoleInitiator, func(o *Options) {
		o.Config.RestartTimeout = 5 * time.Second
		o.NewPeer = func(ev rtcmedia.Events) (Peer, error) {
			// state changes come from the test, not from real ICE
			m, err := rtcmedia.NewManager(rtcmedia.Options{WebRTC: &rtcconfig.WebRTCOption{}})
			if err != nil {
				return nil, err
			}
			mu.Lock()
			events, local = ev, m
			mu.Unlock()
			return m, nil
		}
	})
	emit := func(st webrtc.PeerConnectionState) {
		mu.Lock()
		cb := events.OnConnectionState
		mu.Unlock()
		cb(st)
	}
	stable := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return local != nil && local.SignalingState() == webrtc.SignalingStateStable
	}

	remote, err := rtcmedia.NewManager(rtcmedia.Options{WebRTC: &rtcconfig.WebRTCOption{}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = remote.Close() })
	decode := func(m *protocol.Message) protocol.SDPMessage {
		var sdp protocol.SDPMessage
		require.NoError(t, m.DecodePayload(&sdp))
		return sdp
	}
	answer := func(offer protocol.SDPMessage) {
		sdp, err := remote.CreateAnswer(context.Background(), offer.SDP)
		require.NoError(t, err)
		h.remote.send(protocol.MessageTypeAnswer, protocol.SDPMessage{SDP: sdp, ICERestart: offer.ICERestart})
		require.Eventually(t, stable, waitFor, pollEvery, "answer not applied")
	}

	h.start()
	first := decode(h.expect(protocol.MessageTypeOffer))
	answer(first)
	emit(webrtc.PeerConnectionStateConnected)
	h.waitState(StateConnected)

	emit(webrtc.PeerConnectionStateDisconnected)
	h.expectAttempt(1)
	restart := decode(h.expect(protocol.MessageTypeOffer))
	require.True(t, restart.ICERestart)
	assert.NotEqual(t, first.SDP, restart.SDP)

	// answers are lost; later attempts repeat the outstanding offer
	for n := 2; n <= 3; n++ {
		emit(webrtc.PeerConnectionStateFailed)
		h.expectAttempt(n)
		again := decode(h.expect(protocol.MessageTypeOffer))
		assert.True(t, again.ICERestart)
		assert.Equal(t, restart.SDP, again.SDP)
	}

	answer(restart)
	emit(webrtc.PeerConnectionStateConnected)
	h.waitState(StateConnected)

	snap := h.session.Snapshot()
	assert.Equal(t, 3, snap.TotalReconnects)
	assert.Equal(t, 0, snap.ReconnectAttempts)
	assert.Equal(t, StateConnected, snap.State)
}

// closeTracker records whether a track was released.
type closeTracker struct {
	rtcmedia.LocalTrack
	closed atomic.Bool
}

func (c *closeTracker) Close() error {
	c.closed.Store(true)
	return c.LocalTrack.Close()
}

func screenTrack(t *testing.T) *closeTracker {
	t.Helper()
	tr, err := (&rtcmedia.StaticSource{}).OpenScreen(context.Background())
	require.NoError(t, err)
	return &closeTracker{LocalTrack: tr}
}

func TestSession_SwitchVideoSource(t *testing.T) {
	h := newHarness(t, RoleInitiator)
	h.session.SwitchVideoSource(screenTrack(t))
	h.connectInitiator()

	assert.Equal(t, []string{"video-screen"}, h.peer.snapshot().videos, "a switch before start applies once tracks are attached")
	assert.True(t, h.session.Snapshot().Devices.SharingScreen)

	h.session.SwitchVideoSource(nil)
	require.Eventually(t, func() bool { return len(h.peer.snapshot().videos) == 2 }, waitFor, pollEvery)
	assert.Equal(t, []string{"video-screen", ""}, h.peer.snapshot().videos)
	assert.False(t, h.session.Snapshot().Devices.SharingScreen)

	h.peer.mu.Lock()
	h.peer.replaceErr = errors.New("no local video track")
	h.peer.mu.Unlock()
	rejected := screenTrack(t)
	h.session.SwitchVideoSource(rejected)
	require.Eventually(t, rejected.closed.Load, waitFor, pollEvery, "a rejected track is released")
	assert.False(t, h.session.Snapshot().Devices.SharingScreen)

	h.session.Hangup(HangupCompleted)
	h.wait()
	late := screenTrack(t)
	h.session.SwitchVideoSource(late)
	assert.True(t, late.closed.Load(), "a track handed over after the call is released")
}
