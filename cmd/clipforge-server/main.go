// Command clipforge-server runs the processing API and, with the in-memory
// queue backend, the stage workers in the same process.
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

	"github.com/clipforge/server/pkg/bootstrap"
	infrasentry "github.com/clipforge/server/pkg/infrastructure/sentry"
	processing "github.com/clipforge/server/services/api-processing"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("Server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := bootstrap.NewService(ctx, "clipforge-server")
	if err != nil {
		return err
	}
	defer svc.Close()
	defer infrasentry.Flush(2 * time.Second)
	logger := svc.Logger

	if svc.Local != nil {
		svc.Local.Start(ctx)
		defer svc.Local.Stop()
		logger.Info("In-process stage workers started")
	}

	handler := processing.NewHandler(svc.Engine.Coordinator, svc.Analysis, logger)
	srv := &http.Server{
		Addr:              ":" + svc.Config.Port,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
