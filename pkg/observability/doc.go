// Package observability provides structured logging, Prometheus metrics,
// health checks, and graceful shutdown helpers.
//
// # Structured Logging
//
// Create logger:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("provider_id", id).Info("sso provider registered")
//
// Context-aware logging:
//
//	logger.WithError(err).Warn("session lookup failed")
//
// # Prometheus Metrics
//
// Initialize metrics:
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.AuthAttemptsTotal.WithLabelValues(providerID, "oidc", "success").Inc()
//
// Instrument an HTTP router:
//
//	router.Use(observability.HTTPMetricsMiddleware(metrics))
//	observability.RegisterMetricsEndpoint(healthMux, registry)
//
// # Health Checks
//
// Configure health checker:
//
//	checker := observability.NewHealthChecker(db, redisClient)
//	observability.RegisterHealthRoutes(healthMux, checker)
//
// # Graceful Shutdown
//
//	shutdown := observability.NewShutdownManager(logger, server, 30*time.Second)
//	shutdown.RegisterShutdownFunc(func(ctx context.Context) error { return db.Close() })
//	return shutdown.WaitForShutdown()
//
// # Related Packages
//
//   - pkg/config: Observability configuration
//   - pkg/httputil: Request recovery and correlation middleware
package observability
