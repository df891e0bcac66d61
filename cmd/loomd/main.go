// ABOUTME: CLI entrypoint for the loom flow engine daemon.
// ABOUTME: Wires together the store, worker catalog, engine, HTTP server, and signal handling.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/2389-research/loom/engine"
	"github.com/2389-research/loom/server"
	"github.com/2389-research/loom/store"
)

var version = "dev"

func main() {
	// Missing .env is fine; explicit env vars always win.
	_ = godotenv.Load()

	var (
		verbose     bool
		showVersion bool
	)
	fs := flag.NewFlagSet("loomd", flag.ContinueOnError)
	fs.BoolVar(&verbose, "verbose", false, "Enable debug logging")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	if showVersion {
		fmt.Printf("loomd %s\n", version)
		os.Exit(0)
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	os.Exit(run(logger))
}

func run(logger *slog.Logger) int {
	cfg, err := server.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		return 1
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		logger.Error("open store", "error", err, "path", cfg.DatabasePath)
		return 1
	}
	defer func() { _ = st.Close() }()

	var catalog *engine.WorkerCatalog
	if cfg.CatalogPath != "" {
		catalog, err = engine.LoadWorkerCatalog(cfg.CatalogPath)
		if err != nil {
			logger.Error("load worker catalog", "error", err, "path", cfg.CatalogPath)
			return 1
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := engine.NewMetrics(registry)

	eng := engine.New(st, catalog, engine.Config{
		CallbackBaseURL: cfg.CallbackBaseURL,
		DispatchTimeout: cfg.DispatchTimeout,
	}, logger, metrics)

	srv := server.New(st, eng, logger, registry)
	httpSrv := &http.Server{
		Addr:              cfg.Bind,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "bind", cfg.Bind, "db", cfg.DatabasePath, "version", version)
		errCh <- httpSrv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			return 1
		}
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			logger.Error("shutdown", "error", err)
			return 1
		}
	}
	return 0
}
