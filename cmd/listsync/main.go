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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"

	"github.com/dukerupert/listsync/internal/app"
	"github.com/dukerupert/listsync/internal/config"
	"github.com/dukerupert/listsync/internal/database"
	"github.com/dukerupert/listsync/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	engine, err := app.New(cfg, db, reg, logger)
	if err != nil {
		db.Close()
		logger.Error("failed to build engine", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	restored, err := engine.Start(ctx)
	if err != nil {
		logger.Error("failed to start engine", "error", err)
	}
	if !restored && cfg.Email != "" {
		if err := engine.Login(ctx, cfg.Email, cfg.Password); err != nil {
			logger.Error("login failed", "email", cfg.Email, "error", err)
		}
	}
	if !restored && cfg.Email == "" {
		logger.Warn("no saved session and no credentials; set LISTSYNC_EMAIL and LISTSYNC_PASSWORD")
	}

	go func() {
		for err := range engine.Errors() {
			logger.Warn("sync error", "error", err)
		}
	}()

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{
			Addr:         cfg.MetricsAddr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  120 * time.Second,
		}
		go func() {
			logger.Info("serving metrics", "addr", cfg.MetricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var shutdownErr error
	if metricsServer != nil {
		shutdownErr = multierr.Append(shutdownErr, metricsServer.Shutdown(shutdownCtx))
	}
	shutdownErr = multierr.Append(shutdownErr, engine.Close(shutdownCtx))
	shutdownErr = multierr.Append(shutdownErr, db.Close())
	for _, err := range multierr.Errors(shutdownErr) {
		logger.Error("shutdown error", "error", err)
	}
	if shutdownErr != nil {
		os.Exit(1)
	}
}
