package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// serveUntilSignal runs srv, when non-nil, until SIGINT or SIGTERM arrives,
// ctx is cancelled or the server fails. It then shuts the server down and
// runs the application cleanup.
func (app *application) serveUntilSignal(ctx context.Context, srv *http.Server) error {
	serverCtx, cancelServer := context.WithCancel(ctx)
	defer cancelServer()

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(shutdownCh)

	serveErr := make(chan error, 1)
	if srv != nil {
		go func() {
			app.logger.Info("starting server", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				app.logger.Error("server failed", "error", err)
				serveErr <- err
				cancelServer()
			}
		}()
	}

	select {
	case sig := <-shutdownCh:
		app.logger.Info("shutting down", "signal", sig.String())
	case <-serverCtx.Done():
		app.logger.Info("context canceled, shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), app.config.Server.ShutdownTimeout)
	defer shutdownCancel()

	var shutdownErr error
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			app.logger.Error("server shutdown failed", "error", err)
			shutdownErr = fmt.Errorf("server shutdown failed: %w", err)
		}
	}

	done := make(chan struct{})
	go func() {
		app.cleanup()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		app.logger.Error("shutdown timed out waiting for running jobs; they will be recovered as stalled")
		return errors.New("shutdown timed out")
	}

	select {
	case err := <-serveErr:
		return fmt.Errorf("server error: %w", err)
	default:
		return shutdownErr
	}
}

func newHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
