// Package main wires together the permalink resolver service.
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

	"github.com/forumvine/linkresolver/internal/api"
	"github.com/forumvine/linkresolver/internal/clock/system"
	"github.com/forumvine/linkresolver/internal/config"
	"github.com/forumvine/linkresolver/internal/id/uuid"
	"github.com/forumvine/linkresolver/internal/logging"
	"github.com/forumvine/linkresolver/internal/metrics"
	"github.com/forumvine/linkresolver/internal/report"
	"github.com/forumvine/linkresolver/internal/resolver"
	"github.com/forumvine/linkresolver/internal/scheduler"
	"github.com/forumvine/linkresolver/internal/source"
	"github.com/forumvine/linkresolver/internal/status"
	"github.com/forumvine/linkresolver/internal/status/sinks"
	browsersurface "github.com/forumvine/linkresolver/internal/surface/browser"
	memorysurface "github.com/forumvine/linkresolver/internal/surface/memory"
	memorystorage "github.com/forumvine/linkresolver/internal/storage/memory"
	"github.com/forumvine/linkresolver/internal/storage/postgres"
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

	clock := system.New()
	idGen := uuid.New()

	src := source.New(source.Config{
		FetchURL: cfg.Source.FetchURL,
		Token:    cfg.Auth.Token,
		Timeout:  time.Duration(cfg.Source.TimeoutSeconds) * time.Second,
	}, logger.Named("source"))

	reporter := report.New(report.Config{
		PostURL:       cfg.Report.PostURL,
		RunScriptURL:  cfg.Report.RunScriptURL,
		ClearDriveURL: cfg.Report.ClearDriveURL,
		Token:         cfg.Auth.Token,
		Timeout:       time.Duration(cfg.Report.TimeoutSeconds) * time.Second,
	}, logger.Named("report"))

	var surface resolver.Surface
	var surfaceClose func()
	if cfg.Surface.Mode == config.SurfaceModeNoop {
		mem := memorysurface.New()
		mem.SetAutoLoad(true)
		surface = mem
		surfaceClose = func() {}
		logger.Info("using in-memory surface (noop mode)")
	} else {
		browser, err := browsersurface.New(browsersurface.Config{
			Mode:       cfg.Surface.Mode,
			UserAgent:  cfg.Surface.UserAgent,
			NavTimeout: time.Duration(cfg.Surface.NavTimeoutSeconds) * time.Second,
		}, logger.Named("surface"))
		if err != nil {
			logger.Fatal("surface init failed", zap.Error(err))
		}
		surface = browser
		surfaceClose = browser.Close
	}

	sinkList := []status.Sink{
		sinks.NewLogSink(logger.Named("status")),
		sinks.NewMetricsSink(),
	}
	if cfg.Status.RedisAddr != "" {
		sinkList = append(sinkList, sinks.NewRedisSink(
			cfg.Status.RedisAddr,
			cfg.Status.RedisKey,
			time.Duration(cfg.Status.RedisTTLSeconds)*time.Second,
		))
		logger.Info("redis status sink enabled", zap.String("addr", cfg.Status.RedisAddr))
	}
	publisher := status.NewPublisher(status.Config{Logger: logger.Named("status")}, sinkList...)

	var runStore resolver.RunStore
	var runStoreClose func()
	if cfg.DB.DSN != "" {
		pg, err := postgres.NewRunStore(ctx, postgres.RunStoreConfig{
			DSN:      cfg.DB.DSN,
			MaxConns: cfg.DB.MaxConns,
		})
		if err != nil {
			logger.Fatal("run store init failed", zap.Error(err))
		}
		runStore = pg
		runStoreClose = pg.Close
		logger.Info("postgres run history enabled")
	} else {
		runStore = memorystorage.NewRunStore()
		runStoreClose = func() {}
	}

	sched, err := scheduler.New(scheduler.Config{
		Concurrency:        cfg.Resolver.Concurrency,
		PollInterval:       cfg.PollInterval(),
		StabilityThreshold: cfg.Resolver.StabilityThreshold,
		MaxRunTime:         cfg.MaxRunTime(),
		ResetDelay:         cfg.ResetDelay(),
		SurfaceMode:        cfg.Surface.Mode,
	}, scheduler.Deps{
		Source:   src,
		Surface:  surface,
		Reporter: reporter,
		Status:   publisher,
		Runs:     runStore,
		Clock:    clock,
		IDs:      idGen,
		Logger:   logger.Named("scheduler"),
	})
	if err != nil {
		logger.Fatal("scheduler init failed", zap.Error(err))
	}

	apiServer := api.NewServer(sched, publisher, reporter, runStore, cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("scheduler started")
		if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("scheduler stopped", zap.Error(err))
		}
	}()

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
	if err := publisher.Close(shutdownCtx); err != nil {
		logger.Error("status publisher close error", zap.Error(err))
	}
	surfaceClose()
	runStoreClose()
	logger.Info("shutdown complete")
}
