package signaling

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperr "github.com/LingByte/CareCall/pkg/errors"
	"github.com/LingByte/CareCall/pkg/protocol"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	msgs   []*protocol.Message
	events []Event
}

func (r *recorder) onMessage(m *protocol.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
}

func (r *recorder) onEvent(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []protocol.MessageType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.MessageType, 0, len(r.msgs))
	for _, m := range r.msgs {
		out = append(out, m.Type)
	}
	return out
}

func (r *recorder) eventTypes() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func publishRaw(t *testing.T, tr Transport, sessionID string, m *protocol.Message) {
	t.Helper()
	data, err := protocol.Encode(m)
	require.NoError(t, err)
	require.NoError(t, tr.Publish(context.Background(), sessionID, data))
}

func openChannel(t *testing.T, tr Transport, sender string, rec *recorder) *Channel {
	t.Helper()
	ch, err := Open(context.Background(), "appt-1", Options{
		Transport:         tr,
		SenderID:          sender,
		HeartbeatInterval: time.Hour,
		HeartbeatTimeout:  2 * time.Hour,
		ResubscribeDelay:  time.Millisecond,
		OnEvent:           rec.onEvent,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })
	ch.OnMessage(rec.onMessage)
	return ch
}

func TestChannel_Exchange(t *testing.T) {
	hub := NewMemoryHub()
	var docRec, patRec recorder
	doctor := openChannel(t, hub, "doctor", &docRec)
	patient := openChannel(t, hub, "patient", &patRec)

	require.NoError(t, doctor.Send(context.Background(), protocol.MessageTypeOffer, protocol.SDPMessage{SDP: "offer"}))
	require.NoError(t, doctor.Send(context.Background(), protocol.MessageTypeHeartbeat, nil))
	require.NoError(t, patient.Send(context.Background(), protocol.MessageTypeAnswer, protocol.SDPMessage{SDP: "answer"}))

	assert.Eventually(t, func() bool { return len(patRec.types()) == 1 && len(docRec.types()) == 1 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, []protocol.MessageType{protocol.MessageTypeOffer}, patRec.types())
	assert.Equal(t, []protocol.MessageType{protocol.MessageTypeAnswer}, docRec.types())

	var sdp protocol.SDPMessage
	require.NoError(t, patRec.msgs[0].DecodePayload(&sdp))
	assert.Equal(t, "offer", sdp.SDP)
	assert.Equal(t, uint64(1), patRec.msgs[0].Seq)
	assert.Empty(t, patRec.eventTypes())
}

func TestChannel_LateJoinerReplaysLog(t *testing.T) {
	hub := NewMemoryHub()
	var docRec, patRec recorder
	doctor := openChannel(t, hub, "doctor", &docRec)
	require.NoError(t, doctor.Send(context.Background(), protocol.MessageTypeOffer, protocol.SDPMessage{SDP: "offer"}))

	openChannel(t, hub, "patient", &patRec)
	assert.Eventually(t, func() bool { return len(patRec.types()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestChannel_DuplicatesHaveNoEffect(t *testing.T) {
	hub := NewMemoryHub()
	var rec recorder
	openChannel(t, hub, "patient", &rec)

	offer, err := protocol.NewMessage(protocol.MessageTypeOffer, protocol.SDPMessage{SDP: "o"})
	require.NoError(t, err)
	offer.Seq, offer.From = 1, "doctor"
	ice, err := protocol.NewMessage(protocol.MessageTypeICE, protocol.ICECandidateMessage{Candidate: "c1"})
	require.NoError(t, err)
	ice.Seq, ice.From = 2, "doctor"

	publishRaw(t, hub, "appt-1", offer)
	publishRaw(t, hub, "appt-1", offer)
	publishRaw(t, hub, "appt-1", ice)
	publishRaw(t, hub, "appt-1", offer)
	publishRaw(t, hub, "appt-1", ice)

	assert.Eventually(t, func() bool { return len(rec.types()) >= 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []protocol.MessageType{protocol.MessageTypeOffer, protocol.MessageTypeICE}, rec.types())
	assert.Empty(t, rec.eventTypes())
}

func TestChannel_GapRaisesEventAndDelivers(t *testing.T) {
	hub := NewMemoryHub()
	var rec recorder
	openChannel(t, hub, "patient", &rec)

	first := &protocol.Message{Seq: 1, Type: protocol.MessageTypeHeartbeat, From: "doctor"}
	later := &protocol.Message{Seq: 4, Type: protocol.MessageTypeBye, From: "doctor", Payload: []byte(`{"reason":"done"}`)}
	publishRaw(t, hub, "appt-1", first)
	publishRaw(t, hub, "appt-1", later)

	assert.Eventually(t, func() bool { return len(rec.types()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []EventType{EventGap}, rec.eventTypes())
	assert.Equal(t, uint64(2), rec.events[0].Expected)
	assert.Equal(t, uint64(4), rec.events[0].Got)
	assert.Equal(t, protocol.MessageTypeBye, rec.types()[0])
}

func TestChannel_SenderNumberingFromZero(t *testing.T) {
	hub := NewMemoryHub()
	var rec recorder
	openChannel(t, hub, "patient", &rec)

	offer := &protocol.Message{Seq: 0, Type: protocol.MessageTypeOffer, From: "doctor", Payload: []byte(`{"sdp":"o"}`)}
	ice := &protocol.Message{Seq: 1, Type: protocol.MessageTypeICE, From: "doctor", Payload: []byte(`{"candidate":"c1"}`)}
	publishRaw(t, hub, "appt-1", offer)
	publishRaw(t, hub, "appt-1", ice)
	publishRaw(t, hub, "appt-1", offer)

	assert.Eventually(t, func() bool { return len(rec.types()) >= 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []protocol.MessageType{protocol.MessageTypeOffer, protocol.MessageTypeICE}, rec.types())
	assert.Empty(t, rec.eventTypes())
}

func TestChannel_IgnoresUnknownTypesAndGarbage(t *testing.T) {
	hub := NewMemoryHub()
	var rec recorder
	openChannel(t, hub, "patient", &rec)

	require.NoError(t, hub.Publish(context.Background(), "appt-1", []byte("not json")))
	publishRaw(t, hub, "appt-1", &protocol.Message{Seq: 1, Type: "screen-share", From: "doctor"})
	publishRaw(t, hub, "appt-1", &protocol.Message{Seq: 2, Type: protocol.MessageTypeBye, From: "doctor", Payload: []byte(`{}`)})

	assert.Eventually(t, func() bool { return len(rec.types()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, protocol.MessageTypeBye, rec.types()[0])
	assert.Empty(t, rec.eventTypes())
}

// flakyTransport fails the first subscription after it delivered `failAfter` envelopes.
type flakyTransport struct {
	*MemoryHub
	failAfter      int
	subscribeFails atomic.Int32
	publishFails   atomic.Int32
	subscribes     atomic.Int32
	publishes      atomic.Int32
	tripped        atomic.Bool
}

func (f *flakyTransport) Publish(ctx context.Context, sessionID string, data []byte) error {
	f.publishes.Add(1)
	if f.publishFails.Load() > 0 {
		f.publishFails.Add(-1)
		return errors.New("publish: connection reset")
	}
	return f.MemoryHub.Publish(ctx, sessionID, data)
}

func (f *flakyTransport) Subscribe(ctx context.Context, sessionID, after string) (Subscription, error) {
	f.subscribes.Add(1)
	if f.subscribes.Load() > 1 && f.subscribeFails.Load() != 0 {
		f.subscribeFails.Add(-1)
		return nil, errors.New("subscribe: connection refused")
	}
	sub, err := f.MemoryHub.Subscribe(ctx, sessionID, after)
	if err != nil {
		return nil, err
	}
	return &flakySubscription{Subscription: sub, t: f}, nil
}

type flakySubscription struct {
	Subscription
	t         *flakyTransport
	delivered int
}

func (s *flakySubscription) Next(ctx context.Context) (Envelope, error) {
	if !s.t.tripped.Load() && s.delivered == s.t.failAfter {
		s.t.tripped.Store(true)
		return Envelope{}, errors.New("stream reset")
	}
	env, err := s.Subscription.Next(ctx)
	if err == nil {
		s.delivered++
	}
	return env, err
}

func TestChannel_ResubscribesFromCursor(t *testing.T) {
	tr := &flakyTransport{MemoryHub: NewMemoryHub(), failAfter: 1}
	tr.subscribeFails.Store(1)
	var rec recorder
	openChannel(t, tr, "patient", &rec)

	for seq := uint64(1); seq <= 3; seq++ {
		publishRaw(t, tr, "appt-1", &protocol.Message{Seq: seq, Type: protocol.MessageTypeICE, From: "doctor", Payload: []byte(`{"candidate":"c"}`)})
	}

	assert.Eventually(t, func() bool { return len(rec.types()) == 3 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, rec.types(), 3)
	assert.Empty(t, rec.eventTypes())
	assert.Equal(t, int32(3), tr.subscribes.Load())
}

func TestChannel_ChannelLostAfterBudget(t *testing.T) {
	tr := &flakyTransport{MemoryHub: NewMemoryHub(), failAfter: 0}
	tr.subscribeFails.Store(-1)
	var rec recorder
	ch, err := Open(context.Background(), "appt-1", Options{
		Transport:         tr,
		SenderID:          "patient",
		HeartbeatInterval: time.Hour,
		HeartbeatTimeout:  2 * time.Hour,
		ResubscribeBudget: 2,
		ResubscribeDelay:  time.Millisecond,
		OnEvent:           rec.onEvent,
	})
	require.NoError(t, err)
	defer ch.Close()
	ch.OnMessage(rec.onMessage)

	assert.Eventually(t, func() bool { return len(rec.eventTypes()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, EventChannelLost, rec.eventTypes()[0])
	assert.Equal(t, apperr.ErrCodeSignalingChannelLost, apperr.CodeOf(rec.events[0].Err))
	// first subscribe in Open plus two resubscribe attempts
	assert.Equal(t, int32(3), tr.subscribes.Load())
}

func TestChannel_SendRetries(t *testing.T) {
	tr := &flakyTransport{MemoryHub: NewMemoryHub(), failAfter: -1}
	var rec recorder
	ch := openChannel(t, tr, "doctor", &rec)

	tr.publishFails.Store(2)
	require.NoError(t, ch.Send(context.Background(), protocol.MessageTypeBye, protocol.ByeMessage{Reason: "hangup"}))
	assert.Equal(t, 1, tr.Len("appt-1"))

	tr.publishFails.Store(10)
	err := ch.Send(context.Background(), protocol.MessageTypeBye, protocol.ByeMessage{Reason: "hangup"})
	require.Error(t, err)
	assert.Equal(t, apperr.ErrCodeSignalingChannelLost, apperr.CodeOf(err))
}

// stalledTransport blocks every publish until release is closed.
type stalledTransport struct {
	*MemoryHub
	release chan struct{}
}

func (s *stalledTransport) Publish(ctx context.Context, sessionID string, data []byte) error {
	select {
	case <-s.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.MemoryHub.Publish(ctx, sessionID, data)
}

func TestChannel_SendWaitingBehindStalledPublishHonorsContext(t *testing.T) {
	tr := &stalledTransport{MemoryHub: NewMemoryHub(), release: make(chan struct{})}
	var rec recorder
	ch := openChannel(t, tr, "doctor", &rec)

	first := make(chan error, 1)
	go func() { first <- ch.Send(context.Background(), protocol.MessageTypeICE, protocol.ICECandidateMessage{Candidate: "c1"}) }()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := ch.Send(ctx, protocol.MessageTypeBye, protocol.ByeMessage{Reason: "hangup"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	close(tr.release)
	require.NoError(t, <-first)
	assert.Equal(t, 1, tr.Len("appt-1"))
}

func TestChannel_FailedHeartbeatDoesNotHoldSends(t *testing.T) {
	tr := &flakyTransport{MemoryHub: NewMemoryHub(), failAfter: -1}
	mock := clock.NewMock()
	var rec recorder
	ch, err := Open(context.Background(), "appt-1", Options{
		Transport:         tr,
		SenderID:          "patient",
		HeartbeatInterval: 5 * time.Second,
		HeartbeatTimeout:  time.Hour,
		ResubscribeDelay:  time.Second,
		Clock:             mock,
		OnEvent:           rec.onEvent,
	})
	require.NoError(t, err)
	defer ch.Close()

	tr.publishFails.Store(1)
	mock.Add(5 * time.Second)
	assert.Eventually(t, func() bool { return tr.publishes.Load() == 1 }, time.Second, 5*time.Millisecond)

	// a retrying heartbeat would now sit on the mock clock holding the send slot
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, ch.Send(ctx, protocol.MessageTypeBye, protocol.ByeMessage{Reason: "hangup"}))
	assert.Equal(t, 1, tr.Len("appt-1"))
	assert.Equal(t, int32(2), tr.publishes.Load())
}

func TestChannel_PeerUnreachableRaisedOnce(t *testing.T) {
	hub := NewMemoryHub()
	mock := clock.NewMock()
	var rec recorder
	ch, err := Open(context.Background(), "appt-1", Options{
		Transport:         hub,
		SenderID:          "patient",
		HeartbeatInterval: 5 * time.Second,
		HeartbeatTimeout:  15 * time.Second,
		Clock:             mock,
		OnEvent:           rec.onEvent,
	})
	require.NoError(t, err)
	defer ch.Close()
	ch.OnMessage(rec.onMessage)

	// silence before first contact is not a failure
	for i := 0; i < 5; i++ {
		mock.Add(5 * time.Second)
	}
	assert.Empty(t, rec.eventTypes())

	publishRaw(t, hub, "appt-1", &protocol.Message{Seq: 1, Type: protocol.MessageTypeBye, From: "doctor", Payload: []byte(`{}`)})
	assert.Eventually(t, func() bool { return len(rec.types()) == 1 }, time.Second, 5*time.Millisecond)

	for i := 0; i < 8; i++ {
		mock.Add(5 * time.Second)
	}
	assert.Eventually(t, func() bool { return len(rec.eventTypes()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, EventPeerUnreachable, rec.eventTypes()[0])

	for i := 0; i < 4; i++ {
		mock.Add(5 * time.Second)
	}
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, rec.eventTypes(), 1)
}

func TestChannel_CloseIsIdempotent(t *testing.T) {
	hub := NewMemoryHub()
	var rec recorder
	ch := openChannel(t, hub, "doctor", &rec)

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())
	err := ch.Send(context.Background(), protocol.MessageTypeBye, nil)
	assert.Equal(t, apperr.ErrCodeSignalingChannelLost, apperr.CodeOf(err))
}

func TestOpen_Validation(t *testing.T) {
	_, err := Open(context.Background(), "", Options{Transport: NewMemoryHub()})
	assert.Equal(t, apperr.ErrCodeInvalidInput, apperr.CodeOf(err))

	_, err = Open(context.Background(), "appt-1", Options{})
	assert.Equal(t, apperr.ErrCodeInvalidConfig, apperr.CodeOf(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Open(ctx, "appt-1", Options{Transport: NewMemoryHub()})
	assert.ErrorIs(t, err, context.Canceled)
}
