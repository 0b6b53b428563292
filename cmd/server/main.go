package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/LingByte/CareCall/cmd/bootstrap"
	"github.com/LingByte/CareCall/pkg/config"
	"github.com/LingByte/CareCall/pkg/logger"
	"github.com/LingByte/CareCall/pkg/signaling"
	"github.com/LingByte/CareCall/pkg/signaling/relay"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	// 1. Parse Command Line Parameters
	addr := flag.String("addr", "", "HTTP serve address (overrides ADDR)")
	mode := flag.String("mode", "", "running environment (development, test, production)")
	flag.Parse()
	if *mode != "" {
		os.Setenv("MODE", *mode)
	}
	// 2. Load Global Configuration
	if err := config.Load(); err != nil {
		panic("config load failed: " + err.Error())
	}
	// 3. Load Log Configuration
	if err := logger.Init(&config.GlobalConfig.Log, config.GlobalConfig.Mode); err != nil {
		panic(err)
	}
	defer logger.Sync()
	// 4. Print Banner
	if err := bootstrap.PrintBannerFromFile("banner.txt", config.GlobalConfig.ServerName); err != nil {
		log.Fatalf("unload banner: %v", err)
	}
	// 5. Print Configuration
	bootstrap.LogConfigInfo()

	if *addr == "" {
		*addr = config.GlobalConfig.Server.Addr
	}
	if !strings.HasPrefix(*addr, ":") && !strings.Contains(*addr, ":") {
		*addr = ":" + *addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 6. Load Signaling Transport
	transport, closeTransport, err := newTransport(ctx, config.GlobalConfig.Redis)
	if err != nil {
		logger.Error("signaling transport setup failed", zap.Error(err))
		return
	}
	defer closeTransport()

	// 7. Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// 8. New Relay
	if config.GlobalConfig.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	server := relay.New(transport, relay.Options{
		AllowedOrigins: config.GlobalConfig.Server.AllowedOrigins,
		Registry:       reg,
		Logger:         logger.Lg,
	})
	httpServer := &http.Server{
		Addr:           *addr,
		Handler:        server.Router(),
		ReadTimeout:    config.GlobalConfig.Server.ReadTimeout,
		WriteTimeout:   config.GlobalConfig.Server.WriteTimeout,
		IdleTimeout:    config.GlobalConfig.Server.IdleTimeout,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP server shutdown", zap.Error(err))
		}
	}()

	logger.Info("Starting signaling relay", zap.String("addr", *addr))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("HTTP server run failed", zap.Error(err))
	}
}

// newTransport selects Redis Streams when an address is configured and the
// in-process hub otherwise.
func newTransport(ctx context.Context, cfg config.RedisConfig) (signaling.Transport, func(), error) {
	if cfg.Addr == "" {
		logger.Warn("REDIS_ADDR not set, using in-memory signaling hub (single instance only)")
		return signaling.NewMemoryHub(), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, nil, err
	}
	logger.Info("redis signaling backend connected", zap.String("addr", cfg.Addr))
	transport := signaling.NewRedisTransport(client, signaling.RedisOptions{
		MaxLen: cfg.StreamMaxLen,
		TTL:    cfg.StreamTTL,
	})
	return transport, func() { client.Close() }, nil
}
