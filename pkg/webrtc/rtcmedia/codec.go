package rtcmedia

import (
	"fmt"

	"github.com/LingByte/CareCall/pkg/logger"
	"github.com/LingByte/CareCall/pkg/webrtc/rtcmedia/config"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// NewAPI builds the WebRTC API. The source registers its codecs, the default
// interceptors (NACK, RTCP reports, TWCC) are installed, and ICE timeouts and
// pion logging are routed through zap.
func NewAPI(opt *config.WebRTCOption, source MediaSource, log *zap.Logger) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if source != nil {
		if err := source.RegisterCodecs(mediaEngine); err != nil {
			return nil, fmt.Errorf("register codecs: %w", err)
		}
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register default codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(opt.GetICEDisconnected(), opt.GetICETimeout(), opt.GetICEKeepalive())
	se.LoggerFactory = logger.NewPionFactory(log)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	), nil
}
