package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/rewardtunnel/tunneld/pkg/config"
	"github.com/rewardtunnel/tunneld/pkg/dispatch"
	"github.com/rewardtunnel/tunneld/pkg/telemetry"
	"github.com/rewardtunnel/tunneld/pkg/tunnel"
)

var (
	configPath = flag.String("config", "tunneld.yaml", "Config file path")
	listenFlag = flag.String("listen", "", "Listen address (overrides config)")
	Version    = "dev"
)

type Server struct {
	db       *gorm.DB
	cfg      *config.Config
	logger   zerolog.Logger
	clock    tunnel.Clock
	registry *DeviceRegistry
	nonces   *NonceStore
	guard    *Guard
	auth     *Authenticator
	limiter  *RateLimiter
	router   *dispatch.Router
}

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if *listenFlag != "" {
		cfg.Server.Listen = *listenFlag
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}

	logger := setupLogging(cfg.Logging)
	logger.Info().Str("version", Version).Msg("tunneld starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := telemetry.Setup(ctx, "tunneld", Version, telemetry.Options{
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
		LogSpans:    cfg.Tracing.LogSpans,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to set up tracing")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Tracer shutdown failed")
		}
	}()

	// TranslateError maps the driver's unique-constraint failure onto
	// gorm.ErrDuplicatedKey, which the nonce ledger depends on.
	db, err := gorm.Open(sqlite.Open(cfg.Server.DBPath), &gorm.Config{TranslateError: true})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open database")
	}
	if err := db.AutoMigrate(
		&DeviceKey{},
		&TunnelNonce{},
		&BlockedSubject{},
		&SecurityViolation{},
		&SecurityChallenge{},
	); err != nil {
		logger.Fatal().Err(err).Msg("Failed to migrate schema")
	}

	var cache *redis.Client
	if cfg.Server.RedisAddr != "" {
		cache = redis.NewClient(&redis.Options{Addr: cfg.Server.RedisAddr})
		if err := cache.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Msg("Redis unreachable; block cache disabled")
			cache = nil
		}
	}

	clock := tunnel.SystemClock{}
	registry := NewDeviceRegistry(db)
	nonces := NewNonceStore(db, time.Duration(cfg.Tunnel.NonceRetention)*time.Second)

	srv := &Server{
		db:       db,
		cfg:      cfg,
		logger:   logger,
		clock:    clock,
		registry: registry,
		nonces:   nonces,
		guard:    NewGuard(db, cache, cfg.Guard),
		auth:     NewAuthenticator(registry, nonces, clock, cfg.Tunnel),
		limiter:  NewRateLimiter(cfg.Guard.RateLimitRPS, cfg.Guard.RateLimitBurst),
		router:   newBusinessRouter(),
	}

	srv.startPruner(ctx, time.Minute)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), withRequestContext(logger))

	srv.registerTunnelRoutes(r)
	srv.registerDeviceRoutes(r)
	srv.registerSecurityRoutes(r)
	r.GET("/v1/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "version": Version})
	})

	httpSrv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("listen", cfg.Server.Listen).Msg("Listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("Server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Graceful shutdown failed")
	}
}

func setupLogging(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var logger zerolog.Logger
	if cfg.JSON {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	log.Logger = logger
	return logger
}
