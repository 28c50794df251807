package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"presencenet/internal/infrastructure/distributed"
	"presencenet/internal/infrastructure/middleware"
	"presencenet/internal/infrastructure/monitoring"
	"presencenet/internal/infrastructure/relay"
	"presencenet/pkg/config"
	"presencenet/pkg/logger"
	"presencenet/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

func main() {
	startTime := time.Now()

	// Try multiple config paths
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/presencenet/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error

	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}
	if err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	// Tracing (optional)
	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "presencenet-relay",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	instanceID := uuid.NewString()

	// Redis-backed bus and registry (optional)
	var bus *distributed.EventBus
	var registry *distributed.SessionRegistry
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		bus = distributed.NewEventBus(redisClient, instanceID, log)
		registry = distributed.NewSessionRegistry(
			redisClient,
			instanceID,
			cfg.Presence.LivenessWindow+cfg.Presence.GracePeriod,
			log,
		)
		log.Infow("redis coordination enabled", "address", cfg.Redis.Address)
	}

	collector := monitoring.NewPrometheusCollector()

	relayCfg := relay.Config{
		PingInterval: cfg.Relay.PingInterval,
		ReadTimeout:  cfg.Relay.ReadTimeout,
		WriteTimeout: cfg.Relay.WriteTimeout,
		SendBuffer:   cfg.Relay.SendBuffer,
	}
	server := relay.NewServer(relayCfg, instanceID, bus, registry, collector, log)

	busCtx, busCancel := context.WithCancel(context.Background())
	defer busCancel()
	go func() {
		if err := server.Run(busCtx); err != nil && err != context.Canceled {
			log.Warnw("event bus subscription ended", "error", err)
		}
	}()

	// Configure Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware())
	}

	router.GET("/ws/:session", server.HandleWebSocket)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":    "healthy",
			"timestamp": time.Now(),
			"uptime":    time.Since(startTime).String(),
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		if redisClient != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := redisClient.Ping(ctx).Err(); err != nil {
				c.JSON(503, gin.H{
					"status":       "not_ready",
					"dependencies": "unhealthy",
					"error":        err.Error(),
				})
				return
			}
		}
		c.JSON(200, gin.H{
			"status":       "ready",
			"dependencies": "ok",
		})
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:         cfg.Relay.Address,
		Handler:      router,
		ReadTimeout:  cfg.Relay.ReadTimeout,
		WriteTimeout: cfg.Relay.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Starting presencenet relay on %s", cfg.Relay.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down presencenet relay...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Relay.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnw("forced shutdown", "error", err)
	}

	busCancel()
	if bus != nil {
		bus.Close()
	}
	if redisClient != nil {
		redisClient.Close()
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("tracer shutdown failed", "error", err)
	}
}
