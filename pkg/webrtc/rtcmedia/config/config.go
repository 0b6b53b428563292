package config

import (
	"fmt"
	"time"

	"github.com/LingByte/CareCall/pkg/webrtc/constants"
	"github.com/pion/webrtc/v3"
)

// WebRTCOption WebRTC Config options
type WebRTCOption struct {
	ICEServers      []webrtc.ICEServer `json:"iceServers"`      // ICE servers
	StreamID        string             `json:"streamId"`        // stream ID
	ICETimeout      time.Duration      `json:"iceTimeout"`      // ICE failed timeout
	ICEDisconnected time.Duration      `json:"iceDisconnected"` // ICE disconnected timeout
	ICEKeepalive    time.Duration      `json:"iceKeepalive"`    // ICE keepalive interval
	QualityInterval time.Duration      `json:"qualityInterval"` // stats polling interval
}

// DefaultWebRTCOption builds options for the given STUN/TURN urls; nil uses the public STUN servers.
func DefaultWebRTCOption(urls []string) *WebRTCOption {
	if len(urls) == 0 {
		urls = constants.DefaultStunServers
	}
	return &WebRTCOption{
		ICEServers: []webrtc.ICEServer{
			{URLs: append([]string(nil), urls...)},
		},
		StreamID:        constants.DefaultStreamID,
		ICETimeout:      constants.DefaultICETimeout,
		ICEDisconnected: 5 * time.Second,
		ICEKeepalive:    2 * time.Second,
		QualityInterval: constants.DefaultQualityInterval,
	}
}

// GetStreamID get stream ID
func (wts *WebRTCOption) GetStreamID() string {
	if wts.StreamID == "" {
		return constants.DefaultStreamID
	}
	return wts.StreamID
}

// GetICETimeout get ICE timeout
func (wts *WebRTCOption) GetICETimeout() time.Duration {
	if wts.ICETimeout == 0 {
		return constants.DefaultICETimeout
	}
	return wts.ICETimeout
}

// GetICEDisconnected get ICE disconnected timeout
func (wts *WebRTCOption) GetICEDisconnected() time.Duration {
	if wts.ICEDisconnected == 0 {
		return 5 * time.Second
	}
	return wts.ICEDisconnected
}

// GetICEKeepalive get ICE keepalive interval
func (wts *WebRTCOption) GetICEKeepalive() time.Duration {
	if wts.ICEKeepalive == 0 {
		return 2 * time.Second
	}
	return wts.ICEKeepalive
}

// GetQualityInterval get stats polling interval
func (wts *WebRTCOption) GetQualityInterval() time.Duration {
	if wts.QualityInterval == 0 {
		return constants.DefaultQualityInterval
	}
	return wts.QualityInterval
}

// String config to string
func (wts WebRTCOption) String() string {
	return fmt.Sprintf("WebRTCOption{ICEServers: %d, StreamID: %s, ICETimeout: %v, QualityInterval: %v}",
		len(wts.ICEServers), wts.StreamID, wts.ICETimeout, wts.QualityInterval)
}
