// Package app provides application lifecycle management for the handshake coordinator.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stacklok/handshake-coordinator/internal/config"
)

// CoordinatorApp encapsulates all components needed to run the coordinator
// It provides lifecycle management and graceful shutdown capabilities
type CoordinatorApp struct {
	config        *config.Config
	configManager *config.Manager
	components    *AppComponents
	httpServer    *http.Server

	shutdownTimeout time.Duration
	// cancelStreams ends the long-lived requests on shutdown
	cancelStreams context.CancelFunc

	stopOnce sync.Once
	stopErr  error
}

// Run serves the API and watches the configuration file until ctx is
// cancelled or a component fails, then stops everything.
func (app *CoordinatorApp) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("Server listening", "address", app.httpServer.Addr)
		if err := app.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})

	if app.configManager != nil {
		g.Go(func() error {
			err := app.configManager.WatchConfig(gctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("config watcher failed: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return app.Stop(app.shutdownTimeout)
	})

	return g.Wait()
}

// Stop gracefully stops the application with the given timeout.
// Controllers are stopped first so that no fetch outlives the server.
func (app *CoordinatorApp) Stop(timeout time.Duration) error {
	app.stopOnce.Do(func() {
		slog.Info("Shutting down coordinator...")

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		var errs []error
		if err := app.components.Coordinator.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}

		if app.cancelStreams != nil {
			app.cancelStreams()
		}
		if err := app.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("server forced to shutdown: %w", err))
		}

		if app.configManager != nil {
			if err := app.configManager.Close(); err != nil {
				errs = append(errs, err)
			}
		}

		if app.components.Telemetry != nil {
			if err := app.components.Telemetry.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}

		app.stopErr = errors.Join(errs...)
		if app.stopErr == nil {
			slog.Info("Shutdown complete")
		}
	})
	return app.stopErr
}

// GetConfig returns the configuration the application was built with
func (app *CoordinatorApp) GetConfig() *config.Config {
	return app.config
}

// GetHTTPServer returns the HTTP server (useful for testing)
func (app *CoordinatorApp) GetHTTPServer() *http.Server {
	return app.httpServer
}

// GetComponents returns the application components
func (app *CoordinatorApp) GetComponents() *AppComponents {
	return app.components
}
