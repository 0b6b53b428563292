package constants

import (
	"time"
)

const (
	DefaultICETimeout = 10 * time.Second
	DefaultStreamID   = "carecall"
)

// DefaultStunServers are the public STUN servers used when none are configured.
var DefaultStunServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
}

// Call session timing defaults.
const (
	DefaultPreflightTimeout   = 8 * time.Second
	DefaultNegotiationTimeout = 30 * time.Second
	DefaultReconnectBudget    = 3
	DefaultReconnectBaseDelay = 1 * time.Second
	DefaultReconnectMaxDelay  = 8 * time.Second
	DefaultRestartTimeout     = 10 * time.Second
)

// Signaling channel defaults.
const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultHeartbeatTimeout  = 15 * time.Second
	DefaultResubscribeBudget = 5
	DefaultResubscribeDelay  = 500 * time.Millisecond
	DefaultSendRetries       = 3
	DefaultStreamMaxLen      = 1000
	DefaultStreamTTL         = 2 * time.Hour
)

// Connection quality defaults.
const (
	DefaultQualityInterval      = 3 * time.Second
	DefaultMaxRTT               = 1 * time.Second
	DefaultMaxPacketLoss        = 0.25
	DefaultQualityBreachSamples = 3
)

// Duration display refresh interval.
const DefaultTickInterval = time.Second

const (
	KindAudio = "audio"
	KindVideo = "video"
)
