package bootstrap

import (
	"fmt"
	"os"
	"strings"

	"github.com/LingByte/CareCall/pkg/config"
	"github.com/LingByte/CareCall/pkg/logger"
	"go.uber.org/zap"
)

// LogConfigInfo Print global configuration information
func LogConfigInfo() {
	cfg := config.GlobalConfig
	logger.Info("system config load finished")

	logger.Info("base config",
		zap.String("mode", cfg.Mode),
		zap.String("server_name", cfg.ServerName),
		zap.String("addr", cfg.Server.Addr),
		zap.Strings("allowed_origins", cfg.Server.AllowedOrigins),
		zap.String("db_driver", cfg.DB.Driver),
	)

	logger.Info("signaling config",
		zap.Bool("redis", cfg.Redis.Addr != ""),
		zap.String("redis_addr", cfg.Redis.Addr),
		zap.Int64("stream_max_len", cfg.Redis.StreamMaxLen),
		zap.Duration("stream_ttl", cfg.Redis.StreamTTL),
	)

	logger.Info("call config",
		zap.Duration("preflight_timeout", cfg.Call.PreflightTimeout),
		zap.Duration("negotiation_timeout", cfg.Call.NegotiationTimeout),
		zap.Int("reconnect_budget", cfg.Call.ReconnectBudget),
		zap.Duration("heartbeat_interval", cfg.Call.HeartbeatInterval),
		zap.Duration("heartbeat_timeout", cfg.Call.HeartbeatTimeout),
		zap.Strings("ice_servers", cfg.Call.ICEServers),
	)

	logger.Info("log config",
		zap.String("log_level", cfg.Log.Level),
		zap.String("log_filename", cfg.Log.Filename),
		zap.Int("log_max_size", cfg.Log.MaxSize),
		zap.Int("log_max_age", cfg.Log.MaxAge),
		zap.Int("log_max_backups", cfg.Log.MaxBackups),
	)
}

// PrintBannerFromFile Read file and print, auto-generate if file doesn't exist
func PrintBannerFromFile(filename string, defaultText string) error {
	// Ensure banner file exists, generate if it doesn't
	if err := EnsureBannerFile(filename, defaultText); err != nil {
		return fmt.Errorf("failed to ensure banner file: %w", err)
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	lines := strings.Split(string(data), "\n")

	colors := []string{
		"\x1b[38;5;165m",
		"\x1b[38;5;189m",
		"\x1b[38;5;207m",
		"\x1b[38;5;219m",
		"\x1b[38;5;225m",
		"\x1b[38;5;231m",
	}

	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		color := colors[i%len(colors)]
		fmt.Println(color + line + "\x1b[0m")
	}
	return nil
}

// EnsureBannerFile writes defaultText to filename when the file is missing.
func EnsureBannerFile(filename string, defaultText string) error {
	if _, err := os.Stat(filename); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	if strings.TrimSpace(defaultText) == "" {
		defaultText = "CareCall"
	}
	return os.WriteFile(filename, []byte(defaultText+"\n"), 0o644)
}
