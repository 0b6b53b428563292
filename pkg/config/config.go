package config

import (
	"log"
	"time"

	"github.com/LingByte/CareCall/pkg/constants"
	apperr "github.com/LingByte/CareCall/pkg/errors"
	"github.com/LingByte/CareCall/pkg/logger"
	"github.com/LingByte/CareCall/pkg/utils"
	rtcconst "github.com/LingByte/CareCall/pkg/webrtc/constants"
)

// ServerConfig holds relay server configuration
type ServerConfig struct {
	Addr           string        `json:"addr"`
	ReadTimeout    time.Duration `json:"read_timeout"`
	WriteTimeout   time.Duration `json:"write_timeout"`
	IdleTimeout    time.Duration `json:"idle_timeout"`
	AllowedOrigins []string      `json:"allowed_origins"`
}

// RedisConfig selects the Redis Streams signaling backend when Addr is set.
type RedisConfig struct {
	Addr         string        `json:"addr"`
	Password     string        `json:"-"`
	DB           int           `json:"db"`
	StreamMaxLen int64         `json:"stream_max_len"`
	StreamTTL    time.Duration `json:"stream_ttl"`
}

// CallConfig tunes one call session. Every timeout maps to a state transition.
type CallConfig struct {
	PreflightTimeout     time.Duration `json:"preflight_timeout"`
	NegotiationTimeout   time.Duration `json:"negotiation_timeout"`
	ReconnectBudget      int           `json:"reconnect_budget"`
	ReconnectBaseDelay   time.Duration `json:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `json:"reconnect_max_delay"`
	RestartTimeout       time.Duration `json:"restart_timeout"`
	HeartbeatInterval    time.Duration `json:"heartbeat_interval"`
	HeartbeatTimeout     time.Duration `json:"heartbeat_timeout"`
	ResubscribeBudget    int           `json:"resubscribe_budget"`
	QualityInterval      time.Duration `json:"quality_interval"`
	MaxRTT               time.Duration `json:"max_rtt"`
	MaxPacketLoss        float64       `json:"max_packet_loss"`
	QualityBreachSamples int           `json:"quality_breach_samples"`
	ICEServers           []string      `json:"ice_servers"`
}

// DefaultCallConfig returns the built-in call tuning.
func DefaultCallConfig() CallConfig {
	return CallConfig{
		PreflightTimeout:     rtcconst.DefaultPreflightTimeout,
		NegotiationTimeout:   rtcconst.DefaultNegotiationTimeout,
		ReconnectBudget:      rtcconst.DefaultReconnectBudget,
		ReconnectBaseDelay:   rtcconst.DefaultReconnectBaseDelay,
		ReconnectMaxDelay:    rtcconst.DefaultReconnectMaxDelay,
		RestartTimeout:       rtcconst.DefaultRestartTimeout,
		HeartbeatInterval:    rtcconst.DefaultHeartbeatInterval,
		HeartbeatTimeout:     rtcconst.DefaultHeartbeatTimeout,
		ResubscribeBudget:    rtcconst.DefaultResubscribeBudget,
		QualityInterval:      rtcconst.DefaultQualityInterval,
		MaxRTT:               rtcconst.DefaultMaxRTT,
		MaxPacketLoss:        rtcconst.DefaultMaxPacketLoss,
		QualityBreachSamples: rtcconst.DefaultQualityBreachSamples,
		ICEServers:           append([]string(nil), rtcconst.DefaultStunServers...),
	}
}

// Validate rejects tunings that would let a wait run unbounded.
func (c CallConfig) Validate() error {
	switch {
	case c.PreflightTimeout <= 0:
		return apperr.NewAppError(apperr.ErrCodeInvalidConfig, "preflight timeout must be positive")
	case c.NegotiationTimeout <= 0:
		return apperr.NewAppError(apperr.ErrCodeInvalidConfig, "negotiation timeout must be positive")
	case c.ReconnectBudget < 0:
		return apperr.NewAppError(apperr.ErrCodeInvalidConfig, "reconnect budget must not be negative")
	case c.ReconnectBaseDelay <= 0 || c.ReconnectMaxDelay < c.ReconnectBaseDelay:
		return apperr.NewAppErrorf(apperr.ErrCodeInvalidConfig, "reconnect delays invalid: base=%s max=%s", c.ReconnectBaseDelay, c.ReconnectMaxDelay)
	case c.RestartTimeout <= 0:
		return apperr.NewAppError(apperr.ErrCodeInvalidConfig, "restart timeout must be positive")
	case c.HeartbeatInterval <= 0 || c.HeartbeatTimeout <= c.HeartbeatInterval:
		return apperr.NewAppErrorf(apperr.ErrCodeInvalidConfig, "heartbeat timeout %s must exceed interval %s", c.HeartbeatTimeout, c.HeartbeatInterval)
	case c.ResubscribeBudget <= 0:
		return apperr.NewAppError(apperr.ErrCodeInvalidConfig, "resubscribe budget must be positive")
	case c.QualityInterval <= 0:
		return apperr.NewAppError(apperr.ErrCodeInvalidConfig, "quality interval must be positive")
	case c.MaxPacketLoss <= 0 || c.MaxPacketLoss > 1:
		return apperr.NewAppErrorf(apperr.ErrCodeInvalidConfig, "max packet loss %v out of (0,1]", c.MaxPacketLoss)
	case c.QualityBreachSamples <= 0:
		return apperr.NewAppError(apperr.ErrCodeInvalidConfig, "quality breach samples must be positive")
	}
	return nil
}

// DBConfig points at the call record store.
type DBConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"-"`
}

var GlobalConfig *Config

// Config System common config
type Config struct {
	Server     ServerConfig     // Relay server configuration
	Log        logger.LogConfig // Log configuration
	Redis      RedisConfig
	Call       CallConfig
	DB         DBConfig
	Mode       string `env:"MODE"`
	ServerName string `env:"SERVER_NAME"`
}

func Load() error {
	// A missing .env is fine; every field has a default.
	mode := utils.GetStringOrDefault(constants.ENV_MODE, "development")
	if err := utils.LoadEnv(mode); err != nil {
		log.Printf("Note: .env file not found or failed to load: %v (using default values)", err)
	}
	cfg := &Config{
		Server: ServerConfig{
			Addr:           utils.GetStringOrDefault(constants.ENV_ADDR, ":7072"),
			ReadTimeout:    utils.GetDurationOrDefault(constants.ENV_READ_TIMEOUT, 30*time.Second),
			WriteTimeout:   utils.GetDurationOrDefault(constants.ENV_WRITE_TIMEOUT, 30*time.Second),
			IdleTimeout:    utils.GetDurationOrDefault(constants.ENV_IDLE_TIMEOUT, 120*time.Second),
			AllowedOrigins: utils.GetListOrDefault(constants.ENV_ALLOWED_ORIGINS, nil),
		},
		Log: logger.LogConfig{
			Level:      utils.GetStringOrDefault(constants.ENV_LOG_LEVEL, "info"),
			Filename:   utils.GetStringOrDefault(constants.ENV_LOG_FILENAME, "./logs/carecall.log"),
			MaxSize:    utils.GetIntOrDefault(constants.ENV_LOG_MAX_SIZE, 100),
			MaxAge:     utils.GetIntOrDefault(constants.ENV_LOG_MAX_AGE, 30),
			MaxBackups: utils.GetIntOrDefault(constants.ENV_LOG_MAX_BACKUPS, 5),
			Daily:      utils.GetBoolOrDefault(constants.ENV_LOG_DAILY, true),
		},
		Redis: RedisConfig{
			Addr:         utils.GetStringOrDefault(constants.ENV_REDIS_ADDR, ""),
			Password:     utils.GetStringOrDefault(constants.ENV_REDIS_PASSWORD, ""),
			DB:           utils.GetIntOrDefault(constants.ENV_REDIS_DB, 0),
			StreamMaxLen: int64(utils.GetIntOrDefault(constants.ENV_SIGNAL_STREAM_MAXLEN, rtcconst.DefaultStreamMaxLen)),
			StreamTTL:    utils.GetDurationOrDefault(constants.ENV_SIGNAL_STREAM_TTL, rtcconst.DefaultStreamTTL),
		},
		Call: LoadCallConfig(),
		DB: DBConfig{
			Driver: utils.GetStringOrDefault(constants.ENV_DB_DRIVER, "sqlite"),
			DSN:    utils.GetStringOrDefault(constants.ENV_DSN, "./carecall.db"),
		},
		Mode:       mode,
		ServerName: utils.GetStringOrDefault(constants.ENV_SERVER_NAME, "CareCall"),
	}
	if err := cfg.Call.Validate(); err != nil {
		return err
	}
	GlobalConfig = cfg
	return nil
}

// LoadCallConfig overlays CALL_* environment variables on the defaults.
func LoadCallConfig() CallConfig {
	d := DefaultCallConfig()
	return CallConfig{
		PreflightTimeout:     utils.GetDurationOrDefault(constants.ENV_CALL_PREFLIGHT_TIMEOUT, d.PreflightTimeout),
		NegotiationTimeout:   utils.GetDurationOrDefault(constants.ENV_CALL_NEGOTIATION_TIMEOUT, d.NegotiationTimeout),
		ReconnectBudget:      utils.GetIntOrDefault(constants.ENV_CALL_RECONNECT_BUDGET, d.ReconnectBudget),
		ReconnectBaseDelay:   utils.GetDurationOrDefault(constants.ENV_CALL_RECONNECT_BASE_DELAY, d.ReconnectBaseDelay),
		ReconnectMaxDelay:    utils.GetDurationOrDefault(constants.ENV_CALL_RECONNECT_MAX_DELAY, d.ReconnectMaxDelay),
		RestartTimeout:       utils.GetDurationOrDefault(constants.ENV_CALL_RESTART_TIMEOUT, d.RestartTimeout),
		HeartbeatInterval:    utils.GetDurationOrDefault(constants.ENV_CALL_HEARTBEAT_INTERVAL, d.HeartbeatInterval),
		HeartbeatTimeout:     utils.GetDurationOrDefault(constants.ENV_CALL_HEARTBEAT_TIMEOUT, d.HeartbeatTimeout),
		ResubscribeBudget:    utils.GetIntOrDefault(constants.ENV_CALL_RESUBSCRIBE_BUDGET, d.ResubscribeBudget),
		QualityInterval:      utils.GetDurationOrDefault(constants.ENV_CALL_QUALITY_INTERVAL, d.QualityInterval),
		MaxRTT:               utils.GetDurationOrDefault(constants.ENV_CALL_MAX_RTT, d.MaxRTT),
		MaxPacketLoss:        utils.GetFloatOrDefault(constants.ENV_CALL_MAX_PACKET_LOSS, d.MaxPacketLoss),
		QualityBreachSamples: utils.GetIntOrDefault(constants.ENV_CALL_QUALITY_BREACH_SAMPLES, d.QualityBreachSamples),
		ICEServers:           utils.GetListOrDefault(constants.ENV_CALL_ICE_SERVERS, d.ICEServers),
	}
}
