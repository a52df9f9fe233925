package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	httpAdapter "github.com/lorrc/portal-sync/internal/adapters/primary/http"
	mw "github.com/lorrc/portal-sync/internal/adapters/primary/http/middleware"
	"github.com/lorrc/portal-sync/internal/adapters/primary/websocket"
	"github.com/lorrc/portal-sync/internal/adapters/secondary/postgres"
	redisAdapter "github.com/lorrc/portal-sync/internal/adapters/secondary/redis"
	"github.com/lorrc/portal-sync/internal/auth"
	"github.com/lorrc/portal-sync/internal/config"
	"github.com/lorrc/portal-sync/internal/core/domain"
	"github.com/lorrc/portal-sync/internal/core/ports"
	"github.com/lorrc/portal-sync/internal/infrastructure/logging"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.Load(config.ModeRelay)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Initialize Structured Logger
	logger := logging.NewLogger(logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      os.Stdout,
		ServiceName: cfg.App.Name + "-relay",
		Environment: cfg.App.Environment,
	})

	logger.Info("starting relay",
		"version", cfg.App.Version,
		"environment", cfg.App.Environment,
		"config", cfg.String(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Real-time hub
	hub := websocket.NewHub(cfg.WebSocket.BacklogSize, logger)
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go hub.Run(hubCtx)

	var broadcaster ports.EventBroadcaster = hub

	// 4. Optional Redis fan-out between relay instances
	var fanout *redisAdapter.Fanout
	if cfg.Redis.URL != "" {
		client, err := redisAdapter.NewClient(cfg.Redis.URL)
		if err != nil {
			logger.Error("invalid redis configuration", "error", err)
			os.Exit(1)
		}
		defer func() { _ = client.Close() }()

		fanout = redisAdapter.NewFanout(client, cfg.Redis.Channel, hub, logger)
		broadcaster = fanout
		go runFanout(ctx, fanout, logger)
	}

	// 5. Optional Postgres change source
	var healthDB httpAdapter.HealthChecker
	var listener *postgres.ChangeListener
	if cfg.Database.URL != "" {
		if cfg.Database.AutoMigrate {
			if err := postgres.Migrate(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
				logger.Error("failed to apply migrations", "error", err)
				os.Exit(1)
			}
			logger.Info("migrations applied", "dir", cfg.Database.MigrationsDir)
		}

		pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
			URL:             cfg.Database.URL,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		})
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		logger.Info("database connection established")

		healthDB = pool
		listener = postgres.NewChangeListener(pool, broadcaster, postgres.ListenerConfig{
			Channel: cfg.Database.NotifyChannel,
			Room:    domain.DefaultRoom,
		}, logger)
		go listener.Run(ctx)
	}

	// 6. Security
	tokenManager := auth.NewTokenManager(cfg.JWT.Secret, cfg.JWT.TokenTTL)

	// 7. Rate Limiters
	var generalRateLimiter, ingressRateLimiter *mw.RateLimiter
	if cfg.RateLimit.Enabled {
		generalRateLimiter = mw.NewRateLimiter(ctx, mw.RateLimiterConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			BurstSize:         cfg.RateLimit.BurstSize,
			CleanupInterval:   time.Minute,
			TTL:               3 * time.Minute,
		})

		ingressRateLimiter = mw.NewRateLimiter(ctx, mw.RateLimiterConfig{
			RequestsPerSecond: cfg.RateLimit.IngressRPS,
			BurstSize:         cfg.RateLimit.IngressBurst,
			CleanupInterval:   time.Minute,
			TTL:               5 * time.Minute,
		})
	}

	// 8. Handlers
	errorHandler := httpAdapter.NewErrorHandler(logger)
	wsHandler := httpAdapter.NewWebSocketHandler(hub, tokenManager, cfg, logger)
	changeHandler := httpAdapter.NewChangeHandler(broadcaster, hub, tokenManager, errorHandler, logger)
	healthHandler := httpAdapter.NewHealthHandler(healthDB, hub, cfg.App.Version)
	if listener != nil {
		healthHandler.AddProbe("change_listener", listener.Listening)
	}
	if fanout != nil {
		healthHandler.AddProbe("redis", fanout.Subscribed)
	}

	// 9. Router
	r := chi.NewRouter()

	r.Use(mw.RequestID)
	r.Use(mw.RequestLogger(logger))
	r.Use(mw.RecoveryLogger(logger))
	if len(cfg.Server.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.Server.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type", mw.RequestIDHeader},
			ExposedHeaders:   []string{mw.RequestIDHeader},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	// Health check endpoints (outside /api/v1 for standard probe paths)
	healthHandler.RegisterRoutes(r)

	r.Route("/api/v1", func(r chi.Router) {
		if generalRateLimiter != nil {
			r.Use(generalRateLimiter.Middleware)
		}

		wsHandler.RegisterRoutes(r)

		r.Group(func(r chi.Router) {
			if ingressRateLimiter != nil {
				r.Use(ingressRateLimiter.Middleware)
			}
			changeHandler.RegisterRoutes(r)
		})
	})

	// 10. Start Server with Graceful Shutdown
	srv := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	// Hijacked websocket connections are not tracked by Shutdown; stopping
	// the hub closes them.
	stopHub()

	logger.Info("server shutdown complete")
}

// runFanout keeps the Redis subscription alive. Until it succeeds, events are
// only delivered to this instance's clients.
func runFanout(ctx context.Context, fanout *redisAdapter.Fanout, logger *slog.Logger) {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0

	_ = backoff.RetryNotify(func() error {
		if err := fanout.Run(ctx); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return errors.New("subscription closed")
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		logger.Warn("redis fan-out unavailable, retrying", "error", err, "retry_in", next)
	})
}
