package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"cropcast/config"
	chttp "cropcast/http"
	"cropcast/logger"
	"cropcast/ml"
	"cropcast/monitoring"
	"cropcast/pipeline"
	"cropcast/telemetry"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	lg, err := logger.Setup(logger.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	defer lg.Sync()

	if err := run(cfg, lg); err != nil {
		lg.Fatal("cropcast stopped", zap.Error(err))
	}
	lg.Info("exiting")
}

func run(cfg *config.Config, lg *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	models := ml.NewModelHolder(cfg.ML.ModelPath, cfg.ML.CacheSize, lg)
	if err := models.Reload(); err != nil {
		// Requests report the failure until the artifact shows up.
		lg.Warn("model not loaded at startup", zap.String("path", cfg.ML.ModelPath), zap.Error(err))
	}

	fetcher := telemetry.NewFetcher(cfg.Telemetry.Devices, telemetry.Options{
		Timeout:    cfg.Telemetry.Timeout,
		RetryCount: cfg.Telemetry.RetryCount,
	}, lg)

	hub := monitoring.NewHub(lg)
	metrics := monitoring.NewMetrics(hub, models.Loaded)
	p := pipeline.New(fetcher, models, lg,
		pipeline.WithPublisher(hub),
		pipeline.WithObserver(metrics))

	serverConfig := chttp.ServerConfig{
		Addr:           cfg.Addr(),
		Mode:           cfg.Serve.Mode,
		Timeout:        cfg.Http.Timeout,
		AllowedOrigins: cfg.Http.AllowedOrigins,
		Runner:         p,
		Models:         models,
		Hub:            hub,
		Metrics:        metrics.Handler(),
		Logger:         lg,
	}
	if cfg.Serve.Mode == config.ModeCached {
		snap := &pipeline.Snapshot{}
		snap.Warm(ctx, p)
		if _, err := snap.Get(); err != nil {
			lg.Error("startup run failed, serving the error", zap.Error(err))
		}
		serverConfig.Snapshot = snap
	}

	server, err := chttp.NewServer(serverConfig)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(ctx)
		return nil
	})
	if cfg.ML.Watch {
		g.Go(func() error {
			if err := models.Watch(ctx); err != nil {
				lg.Warn("model watcher stopped", zap.Error(err))
			}
			return nil
		})
	}
	g.Go(server.Start)
	g.Go(func() error {
		<-ctx.Done()
		return server.Stop()
	})
	return g.Wait()
}
