// Package main wires together the fetch service binary.
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

	"github.com/renderfetch/renderfetch/internal/admission"
	"github.com/renderfetch/renderfetch/internal/api"
	"github.com/renderfetch/renderfetch/internal/config"
	"github.com/renderfetch/renderfetch/internal/engine"
	"github.com/renderfetch/renderfetch/internal/fetch"
	"github.com/renderfetch/renderfetch/internal/fetcher/direct"
	"github.com/renderfetch/renderfetch/internal/logging"
	"github.com/renderfetch/renderfetch/internal/metrics"
	"github.com/renderfetch/renderfetch/internal/policy/ratelimit"
	"github.com/renderfetch/renderfetch/internal/preflight"
	"github.com/renderfetch/renderfetch/internal/renderer"
	"github.com/renderfetch/renderfetch/internal/renderer/headless"
	"github.com/renderfetch/renderfetch/internal/renderer/pool"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
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

	launcher := headless.NewLauncher(headless.Config{
		UserAgent: cfg.HTTP.UserAgent,
	}, logger.Named("headless"))
	defer launcher.Close()

	pools := pool.NewManager(launcher.Factory(), pool.Config{
		Floor:          cfg.Pool.Floor,
		Ceiling:        cfg.Pool.Ceiling,
		ScaleThreshold: cfg.Pool.ScaleThreshold,
	}, logger.Named("pool"))

	directFetcher := direct.New(direct.Config{
		UserAgent: cfg.HTTP.UserAgent,
		Timeout:   cfg.DefaultTimeout(),
		MaxBytes:  cfg.HTTP.MaxBytes,
	}, logger.Named("direct"))

	classifier := preflight.New(
		directFetcher,
		time.Duration(cfg.Preflight.ProbeTimeoutSeconds)*time.Second,
		logger.Named("preflight"),
	)

	executor := renderer.New(pools, launcher.Factory(), renderer.Config{
		NavTimeoutSpeed:    time.Duration(cfg.Render.NavTimeoutSpeedSec) * time.Second,
		NavTimeoutAccuracy: time.Duration(cfg.Render.NavTimeoutAccuracySec) * time.Second,
		AcquireTimeout:     cfg.AcquireTimeout(),
	}, logger.Named("renderer"))

	admit, err := admission.New(admission.Config{
		Capacity:  cfg.Admission.Capacity,
		MaxQueue:  cfg.Admission.MaxQueue,
		QueueWait: cfg.QueueWait(),
	}, logger.Named("admission"))
	if err != nil {
		logger.Fatal("admission init failed", zap.Error(err))
	}

	limiter := ratelimit.New(ratelimit.Config{
		RPS:   cfg.RateLimit.RPS,
		Burst: cfg.RateLimit.Burst,
	})

	eng := engine.New(admit, directFetcher, executor, classifier, limiter, pools,
		engine.Defaults{
			Timeout:     cfg.DefaultTimeout(),
			Retries:     cfg.HTTP.MaxRetries,
			MaxBytes:    cfg.HTTP.MaxBytes,
			Profile:     fetch.Profile(cfg.Render.DefaultProfile),
			InsecureTLS: cfg.HTTP.InsecureTLS,
		}, logger.Named("engine"))

	apiServer := api.NewServer(eng, nil, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := pools.Close(); err != nil {
		logger.Error("pool shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
