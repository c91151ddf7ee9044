// Command docledger serves the document API over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"docledger/internal/adapters/httpapi"
	"docledger/internal/archive"
	"docledger/internal/config"
	"docledger/internal/core"
	"docledger/internal/export"
	"docledger/internal/logging"
	"docledger/pkg/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, logOut io.Writer) error {
	fs := flag.NewFlagSet("docledger", flag.ContinueOnError)
	fs.SetOutput(logOut)
	configPath := fs.String("config", "", "path to a YAML config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger := logging.Init(cfg.Log, logOut)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.HTTP.Addr, "storage", string(cfg.Storage.Driver), "archive", string(cfg.Blob.Driver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

type app struct {
	handler http.Handler
	store   domain.PersistentStore
	logger  *slog.Logger
}

// newApp wires storage, the engine, the archive and the HTTP surface.
func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	store, err := core.OpenPersistentStore(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := core.NewPrometheusRecorder(reg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	svc := core.NewService(store, core.WithLogger(logger), core.WithMetrics(metrics))

	arch, err := archive.Open(ctx, cfg.Blob)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open archive: %w", err)
	}

	docs := httpapi.NewHandler(svc)
	docs.Exports = export.New(svc.History(), arch, nil)
	docs.DefaultPerPage = cfg.History.DefaultPerPage
	docs.Logger = logger

	handler := httpapi.NewRouter(httpapi.RouterOptions{
		Documents:      docs,
		Gatherer:       reg,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Logger:         logger,
	})
	return &app{handler: handler, store: store, logger: logger}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close storage", "error", err)
	}
}
