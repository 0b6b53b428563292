package rtcmedia

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
)

// Quality is a connection quality class.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityFair      Quality = "fair"
	QualityPoor      Quality = "poor"
)

// QualitySample is one connection quality measurement.
type QualitySample struct {
	At          time.Time     `json:"at"`
	RTT         time.Duration `json:"rtt"`
	PacketLoss  float64       `json:"packetLoss"`  // lost / (lost + received) within the interval
	PacketsLost int64         `json:"packetsLost"` // lost within the interval
	Jitter      time.Duration `json:"jitter"`
	BitrateKbps float64       `json:"bitrateKbps"`
	Class       Quality       `json:"class"`
}

// Classify grades a connection by round-trip time and packets lost in the interval.
func Classify(rtt time.Duration, packetsLost int64) Quality {
	switch {
	case rtt > 300*time.Millisecond || packetsLost > 50:
		return QualityPoor
	case rtt > 150*time.Millisecond || packetsLost > 20:
		return QualityFair
	case rtt > 50*time.Millisecond || packetsLost > 5:
		return QualityGood
	default:
		return QualityExcellent
	}
}

// inboundTotals are the cumulative inbound counters.
type inboundTotals struct {
	received uint64
	lost     int64
	bytes    uint64
}

// QualityMonitor turns GetStats reports into per-interval samples.
type QualityMonitor struct {
	stats func() webrtc.StatsReport
	now   func() time.Time

	mu     sync.Mutex
	prev   inboundTotals
	prevAt time.Time
}

// NewQualityMonitor creates a monitor reading stats. A nil now uses time.Now.
func NewQualityMonitor(stats func() webrtc.StatsReport, now func() time.Time) *QualityMonitor {
	if now == nil {
		now = time.Now
	}
	return &QualityMonitor{stats: stats, now: now}
}

// Sample takes one measurement. ok is false while no candidate pair is selected.
func (q *QualityMonitor) Sample() (QualitySample, bool) {
	report := q.stats()
	at := q.now()

	var (
		rtt      time.Duration
		havePair bool
		totals   inboundTotals
		jitter   float64
	)
	for _, s := range report {
		switch st := s.(type) {
		case webrtc.ICECandidatePairStats:
			if st.Nominated && st.State == webrtc.StatsICECandidatePairStateSucceeded {
				rtt = time.Duration(st.CurrentRoundTripTime * float64(time.Second))
				havePair = true
			}
		case webrtc.InboundRTPStreamStats:
			totals.received += uint64(st.PacketsReceived)
			totals.lost += int64(st.PacketsLost)
			totals.bytes += st.BytesReceived
			if st.Jitter > jitter {
				jitter = st.Jitter
			}
		}
	}
	if !havePair {
		return QualitySample{}, false
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	sample := QualitySample{
		At:     at,
		RTT:    rtt,
		Jitter: time.Duration(jitter * float64(time.Second)),
	}
	received := sub(totals.received, q.prev.received)
	lost := totals.lost - q.prev.lost
	if lost < 0 {
		lost = 0
	}
	if total := received + uint64(lost); total > 0 {
		sample.PacketLoss = float64(lost) / float64(total)
	}
	sample.PacketsLost = lost
	if !q.prevAt.IsZero() {
		if elapsed := at.Sub(q.prevAt).Seconds(); elapsed > 0 {
			sample.BitrateKbps = float64(sub(totals.bytes, q.prev.bytes)) * 8 / 1000 / elapsed
		}
	}
	sample.Class = Classify(sample.RTT, sample.PacketsLost)

	q.prev = totals
	q.prevAt = at
	return sample, true
}

// Reset clears the interval baseline. Counters start over after an ICE restart.
func (q *QualityMonitor) Reset() {
	q.mu.Lock()
	q.prev = inboundTotals{}
	q.prevAt = time.Time{}
	q.mu.Unlock()
}

func sub(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}
