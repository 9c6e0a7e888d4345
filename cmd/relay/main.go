package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/peerwave/signaling/internal/bus"
	"github.com/peerwave/signaling/internal/config"
	"github.com/peerwave/signaling/internal/health"
	"github.com/peerwave/signaling/internal/logging"
	"github.com/peerwave/signaling/internal/middleware"
	"github.com/peerwave/signaling/internal/relay"
	"github.com/peerwave/signaling/internal/tracing"
)

const serviceName = "signaling-relay"

func main() {
	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../.env"}
	var envLoaded bool

	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}

	if !envLoaded {
		slog.Warn("No .env file found, relying on environment variables")
	}

	// Validate environment variables before starting the server
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.LogLevel, cfg.DevelopmentMode); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	if cfg.DevelopmentMode {
		logging.Info(ctx, "Running in DEVELOPMENT MODE")
	}

	// --- Tracing (Optional) ---
	if cfg.OTelCollectorAddr != "" {
		tp, err := tracing.Init(ctx, serviceName, cfg.OTelCollectorAddr, cfg.OTelInsecureSkipVerify)
		if err != nil {
			logging.Error(ctx, "Failed to initialize tracer, continuing without tracing", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
		}
	}

	// --- Distribution Bridge (Optional) ---
	// Without REDIS_URL the relay runs single-instance with a no-op bridge.
	var bridge bus.Bridge = bus.NewNoop()
	if cfg.RedisURL != "" {
		svc, err := bus.Connect(ctx, cfg.RedisURL)
		if err != nil {
			logging.Error(ctx, "Bridge unavailable, running single-instance", zap.Error(err))
		} else {
			bridge = svc
			logging.Info(ctx, "Distribution bridge initialized")
		}
	} else {
		logging.Info(ctx, "Running single-instance (no REDIS_URL)")
	}

	// --- Hub ---
	hub := relay.NewHub(relay.Settings{
		HeartbeatInterval: cfg.HeartbeatInterval,
		PongTimeout:       cfg.PongTimeout,
		DisconnectTimeout: cfg.DisconnectTimeout,
		MessageCacheLimit: cfg.MessageCacheLimit,
		AllowedOrigins:    cfg.AllowedOrigins,
		DevelopmentMode:   cfg.DevelopmentMode,
	}, bridge)

	// --- Set up Server ---
	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(otelgin.Middleware(serviceName))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.AllowedOrigins
	router.Use(cors.New(corsConfig))

	// Signaling endpoint; everything unmatched is gin's default 404.
	router.GET("/ws", hub.ServeWs)

	// Prometheus metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check endpoints
	healthHandler := health.NewHandler(bridge)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	useTLS := cfg.TLSCertFile != "" && cfg.TLSKeyFile != ""
	if useTLS {
		tlsConfig, err := buildTLSConfig(cfg.TLSCAFiles)
		if err != nil {
			logging.Fatal(ctx, "Failed to build TLS configuration", zap.Error(err))
		}
		srv.TLSConfig = tlsConfig
	}

	// --- Graceful Shutdown ---
	// Start the server in a goroutine so it doesn't block.
	go func() {
		logging.Info(ctx, "Relay starting", zap.String("port", cfg.Port), zap.Bool("tls", useTLS))
		var err error
		if useTLS {
			err = srv.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "Failed to run server", zap.Error(err))
			_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// Wait for an interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop accepting new connections first, then close all sessions.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "Server forced to shutdown", zap.Error(err))
	}

	if err := hub.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "Error during hub shutdown", zap.Error(err))
	}

	if err := bridge.Close(); err != nil {
		logging.Error(ctx, "Failed to close bridge", zap.Error(err))
	}

	logging.Info(ctx, "Server exiting")
}

// buildTLSConfig assembles the listener TLS settings; when CA files are
// provided, client certificates are verified against them.
func buildTLSConfig(caFiles []string) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if len(caFiles) > 0 {
		pool := x509.NewCertPool()
		for _, f := range caFiles {
			pem, err := os.ReadFile(f)
			if err != nil {
				return nil, err
			}
			pool.AppendCertsFromPEM(pem)
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
	}

	return tlsConfig, nil
}
