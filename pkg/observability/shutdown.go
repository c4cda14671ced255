package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// ShutdownFunc releases one resource during shutdown.
type ShutdownFunc func(context.Context) error

// ShutdownManager drains the HTTP server and tears down registered
// resources when the process receives SIGINT or SIGTERM.
type ShutdownManager struct {
	logger  *Logger
	server  *http.Server
	timeout time.Duration
	signals chan os.Signal

	mu    sync.Mutex
	funcs []ShutdownFunc
}

// NewShutdownManager creates a manager for the given server. A zero
// timeout defaults to 30 seconds.
func NewShutdownManager(logger *Logger, server *http.Server, timeout time.Duration) *ShutdownManager {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ShutdownManager{
		logger:  logger,
		server:  server,
		timeout: timeout,
		signals: make(chan os.Signal, 1),
	}
}

// RegisterShutdownFunc adds fn to the teardown list. Funcs run
// concurrently after the HTTP server has drained.
func (sm *ShutdownManager) RegisterShutdownFunc(fn ShutdownFunc) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.funcs = append(sm.funcs, fn)
}

// WaitForShutdown blocks until SIGINT or SIGTERM, then runs Shutdown.
func (sm *ShutdownManager) WaitForShutdown() error {
	signal.Notify(sm.signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sm.signals)

	sig := <-sm.signals
	sm.logger.WithField("signal", sig.String()).Info("shutdown signal received")
	return sm.Shutdown()
}

// Shutdown drains the HTTP server, then runs every registered teardown
// func concurrently. It returns the combined teardown errors, or an
// error if the whole sequence exceeds the configured timeout.
func (sm *ShutdownManager) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), sm.timeout)
	defer cancel()

	if sm.server != nil {
		if err := sm.server.Shutdown(ctx); err != nil {
			sm.logger.WithError(err).Error("http server shutdown failed")
			return fmt.Errorf("http server shutdown: %w", err)
		}
		sm.logger.Info("http server drained")
	}

	sm.mu.Lock()
	funcs := sm.funcs
	sm.mu.Unlock()

	errs := make([]error, len(funcs))
	var wg sync.WaitGroup
	for i, fn := range funcs {
		wg.Add(1)
		go func(i int, fn ShutdownFunc) {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				sm.logger.WithError(err).Error("shutdown func failed")
				errs[i] = err
			}
		}(i, fn)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sm.logger.Warn("shutdown timed out")
		return errors.New("shutdown timed out")
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("shutdown completed with errors: %w", err)
	}
	sm.logger.Info("shutdown complete")
	return nil
}
