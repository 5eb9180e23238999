package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/screening/internal/config"
	"github.com/ehr/screening/internal/domain/assessment"
	"github.com/ehr/screening/internal/domain/catalog"
	"github.com/ehr/screening/internal/domain/clinical"
	"github.com/ehr/screening/internal/domain/fraud"
	"github.com/ehr/screening/internal/domain/protocol"
	"github.com/ehr/screening/internal/domain/scoring"
	"github.com/ehr/screening/internal/platform/auth"
	"github.com/ehr/screening/internal/platform/db"
	"github.com/ehr/screening/internal/platform/metrics"
	"github.com/ehr/screening/internal/platform/middleware"
	"github.com/ehr/screening/internal/platform/webhook"
)

const version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "screening-server",
		Short:        "Adaptive health screening API server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(catalogCmd())
	rootCmd.AddCommand(simulateCmd())
	return rootCmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the screening API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if cfg.IsDev() {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// buildEngine assembles the flow engine from the configured catalog and
// protocol library. Both are validated while loading, and every emergency
// the catalog can raise must resolve to a complete protocol.
func buildEngine(cfg *config.Config) (*assessment.Engine, error) {
	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	lib, err := protocol.LoadLibrary(cfg.ProtocolPath)
	if err != nil {
		return nil, fmt.Errorf("load protocol library: %w", err)
	}
	decisions := clinical.NewEngine(cat, scoring.NewScorer(cat, cfg.Scoring()), lib)
	if err := decisions.CheckProtocols(); err != nil {
		return nil, fmt.Errorf("catalog and protocol library disagree: %w", err)
	}
	return assessment.NewEngine(cat, decisions, fraud.NewDetector(cat, cfg.Fraud())), nil
}

// sessionBackend is an opened session store plus what the health check and
// shutdown need from it.
type sessionBackend struct {
	name   string
	store  assessment.SessionStore
	pinger db.Pinger
	close  func()
}

func openSessionStore(ctx context.Context, cfg *config.Config) (*sessionBackend, error) {
	switch cfg.SessionStore {
	case config.StorePostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		return &sessionBackend{
			name:   config.StorePostgres,
			store:  assessment.NewSessionStorePG(pool),
			pinger: pool,
			close:  pool.Close,
		}, nil

	case config.StoreRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		store := assessment.NewRedisSessionStore(client, cfg.SessionTTL)
		return &sessionBackend{
			name:   config.StoreRedis,
			store:  store,
			pinger: store,
			close:  func() { client.Close() },
		}, nil

	case config.StoreSQLite:
		store, err := assessment.NewSQLiteSessionStore(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return &sessionBackend{
			name:   config.StoreSQLite,
			store:  store,
			pinger: store,
			close:  func() { store.Close() },
		}, nil

	default:
		return &sessionBackend{
			name:   config.StoreMemory,
			store:  assessment.NewMemorySessionStore(),
			pinger: db.PingFunc(func(context.Context) error { return nil }),
			close:  func() {},
		}, nil
	}
}

// newServer wires middleware and routes around an assessment service.
func newServer(cfg *config.Config, logger zerolog.Logger, svc *assessment.Service, backend *sessionBackend) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(metrics.Middleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))

	// Public endpoints
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(backend.name, backend.pinger))
	e.GET("/info", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"name":            "screening-server",
			"version":         version,
			"catalog_version": svc.Engine().Catalog().Version(),
			"session_store":   backend.name,
		})
	})
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	apiV1 := e.Group("/api/v1")

	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
	}
	if cfg.IsDev() {
		apiV1.Use(auth.DevAuthMiddleware(jwtCfg))
	} else {
		apiV1.Use(auth.JWTMiddleware(jwtCfg))
	}

	rateLimitCfg := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 && cfg.RateLimitBurst > 0 {
		rateLimitCfg.RequestsPerSecond = cfg.RateLimitRPS
		rateLimitCfg.BurstSize = cfg.RateLimitBurst
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))
	apiV1.Use(middleware.Audit(logger, nil))

	assessment.NewHandler(svc).RegisterRoutes(apiV1)
	return e
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, os.Stdout)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}

	// Engine
	engine, err := buildEngine(cfg)
	if err != nil {
		logger.Error().Err(err).Msg("failed to build assessment engine")
		return err
	}
	logger.Info().Str("catalog_version", engine.Catalog().Version()).Msg("catalog loaded")

	// Session store
	ctx := context.Background()
	backend, err := openSessionStore(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Str("store", cfg.SessionStore).Msg("failed to open session store")
		return err
	}
	defer backend.close()
	logger.Info().Str("store", backend.name).Msg("session store ready")

	svc := assessment.NewService(engine, backend.store, logger)

	// Results delivery
	if cfg.ResultsWebhookURL != "" {
		pub, err := webhook.NewPublisher(cfg.ResultsWebhookURL, cfg.ResultsWebhookSecret, cfg.ResultsWebhookTimeout)
		if err != nil {
			logger.Error().Err(err).Msg("invalid results webhook")
			return err
		}
		svc.SetPublisher(pub)
		logger.Info().Str("url", cfg.ResultsWebhookURL).Msg("results webhook enabled")
	}

	e := newServer(cfg, logger, svc, backend)

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
		return err
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	svc.Wait()
	logger.Info().Msg("server stopped")
	return nil
}
