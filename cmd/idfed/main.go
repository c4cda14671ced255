package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/idfed/idfed/pkg/config"
	"github.com/idfed/idfed/pkg/httputil"
	"github.com/idfed/idfed/pkg/observability"
	"github.com/idfed/idfed/pkg/sso"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "idfed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.WithField("base_url", cfg.SSO.BaseURL).Info("starting idfed")

	registry := prometheus.NewRegistry()
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	sessions, db, redisClient, err := buildSessionStore(cfg, logger)
	if err != nil {
		return err
	}

	svc := sso.NewService(sso.ServiceConfig{SessionTTL: cfg.SSO.SessionTTL}, sessions, sso.ProviderDeps{
		Discovery: sso.NewDiscoveryService(sso.DiscoveryConfig{TTL: cfg.SSO.DiscoveryTTL}, logger),
		StateTTL:  cfg.SSO.FlowStateTTL,
		Logger:    logger,
		Metrics:   metrics,
	})
	svc.SetEventHandlers(&sso.EventHandlers{
		OnAudit: func(ctx context.Context, ev *sso.AuditEvent) {
			logger.WithFields(map[string]interface{}{
				"event":       ev.Name,
				"provider_id": ev.ProviderID,
				"tenant_id":   ev.TenantID,
			}).Info("sso audit event")
		},
	})

	if cfg.SSO.ProviderManifest != "" {
		if err := registerManifest(svc, cfg.SSO.ProviderManifest, logger); err != nil {
			return err
		}
		if cfg.SSO.WatchManifest {
			watcher, err := config.WatchProviderManifest(cfg.SSO.ProviderManifest, logger, func(m *config.ProviderManifest) {
				applyManifest(svc, m, logger)
			})
			if err != nil {
				return err
			}
			defer watcher.Close()
		}
	}

	// Expiry sweeps for flow states and sessions
	sweeper := cron.New()
	if _, err := sweeper.AddFunc(cfg.SSO.CleanupSchedule, func() {
		defer observability.RecoverPanic(logger, "expiry sweep")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		states, expired, err := svc.CleanupExpired(ctx)
		if err != nil {
			logger.WithError(err).Warn("expiry sweep failed")
			return
		}
		if states > 0 || expired > 0 {
			logger.WithFields(map[string]interface{}{
				"flow_states": states,
				"sessions":    expired,
			}).Debug("expiry sweep removed entries")
		}
	}); err != nil {
		return fmt.Errorf("invalid cleanup schedule: %w", err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	handlers := sso.NewHandlers(svc, logger)
	handlers.SecureCookies = cfg.SSO.SecureCookies

	router := mux.NewRouter()
	if metrics != nil {
		router.Use(observability.HTTPMetricsMiddleware(metrics))
	}
	handlers.RegisterRoutes(router)

	handler := httputil.Chain(
		httputil.RecoveryMiddleware,
		httputil.RequestIDMiddleware,
		httputil.MaxBytesMiddleware(1<<20),
	)(router)

	server := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Health and metrics on a separate port for probes
	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, observability.NewHealthChecker(db, redisClient))
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(healthMux, registry)
	}
	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthMux,
	}
	go func() {
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("health server failed")
		}
	}()

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return healthServer.Shutdown(ctx)
	})
	if db != nil {
		shutdown.RegisterShutdownFunc(func(ctx context.Context) error { return db.Close() })
	}
	if redisClient != nil {
		shutdown.RegisterShutdownFunc(func(ctx context.Context) error { return redisClient.Close() })
	}

	go func() {
		logger.WithField("addr", server.Addr).Info("listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("server failed")
		}
	}()

	return shutdown.WaitForShutdown()
}

func buildSessionStore(cfg *config.Config, logger *observability.Logger) (sso.SessionStore, *sql.DB, *redis.Client, error) {
	switch cfg.Sessions.Backend {
	case "redis":
		opts, err := redis.ParseURL(cfg.Sessions.RedisURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("invalid redis URL: %w", err)
		}
		if cfg.Sessions.RedisPassword != "" {
			opts.Password = cfg.Sessions.RedisPassword
		}
		opts.DB = cfg.Sessions.RedisDB
		client := redis.NewClient(opts)
		logger.Info("using redis session store")
		return sso.NewRedisSessionStore(client), nil, client, nil
	case "postgres":
		db, err := sql.Open("postgres", cfg.Sessions.PostgresURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("opening postgres: %w", err)
		}
		store := sso.NewSQLSessionStore(db)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := store.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, nil, nil, err
		}
		logger.Info("using postgres session store")
		return store, db, nil, nil
	default:
		logger.Info("using in-memory session store")
		return sso.NewMemorySessionStore(), nil, nil, nil
	}
}

func registerManifest(svc *sso.Service, path string, logger *observability.Logger) error {
	manifest, err := config.LoadProviderManifest(path)
	if err != nil {
		return err
	}
	applyManifest(svc, manifest, logger)
	return nil
}

func applyManifest(svc *sso.Service, manifest *config.ProviderManifest, logger *observability.Logger) {
	ctx := context.Background()
	for _, pc := range manifest.Providers {
		if _, err := svc.RegisterProvider(ctx, pc); err != nil {
			logger.WithError(err).WithField("provider_id", pc.ID).Error("failed to register provider")
		}
	}
}
