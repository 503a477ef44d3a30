// Package main wires together the crawl worker binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitepulse-crawler/internal/api"
	"github.com/JakeFAU/sitepulse-crawler/internal/config"
	"github.com/JakeFAU/sitepulse-crawler/internal/logging"
	"github.com/JakeFAU/sitepulse-crawler/internal/metrics"
	"github.com/JakeFAU/sitepulse-crawler/internal/telemetry"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry, logger)
	if err != nil {
		logger.Error("tracing init failed", zap.Error(err))
		return
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	svc, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return
	}
	defer svc.close()

	apiServer := api.NewServer(svc.apiDeps(), api.Config{
		AuthEnabled:    cfg.Auth.Enabled,
		APIKey:         cfg.Auth.APIKey,
		RequestTimeout: cfg.Server.RequestTimeout,
	}, logger)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		logger.Info("worker pool started", zap.String("worker_id", svc.workerID))
		svc.pool.Run(ctx)
	}()

	if svc.userAgents != nil {
		go func() {
			if err := svc.userAgents.Subscribe(ctx); err != nil {
				logger.Error("user agent subscription stopped", zap.Error(err))
			}
		}()
	}

	svc.scheduler.Start()

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := svc.scheduler.Stop(shutdownCtx); err != nil {
		logger.Warn("scheduler did not stop in time", zap.Error(err))
	}
	select {
	case <-poolDone:
	case <-shutdownCtx.Done():
		logger.Warn("worker pool did not drain in time")
	}
	if svc.hub != nil {
		if err := svc.hub.Close(shutdownCtx); err != nil {
			logger.Warn("progress hub did not flush in time", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
}
