package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	httpadapter "github.com/couchcryptid/crrw-etl/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/crrw-etl/internal/adapter/kafka"
	"github.com/couchcryptid/crrw-etl/internal/adapter/source"
	"github.com/couchcryptid/crrw-etl/internal/adapter/store"
	"github.com/couchcryptid/crrw-etl/internal/config"
	"github.com/couchcryptid/crrw-etl/internal/domain"
	"github.com/couchcryptid/crrw-etl/internal/observability"
	"github.com/couchcryptid/crrw-etl/internal/pipeline"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	axis, err := domain.NewDualAxis(cfg.TrendScaleFactor, cfg.TrendRateUnit)
	if err != nil {
		logger.Error("invalid trend axis", "error", err)
		os.Exit(1)
	}

	st, err := store.Open(cfg.StorePath, store.DefaultConfig(), logger)
	if err != nil {
		logger.Error("failed to open store", "path", cfg.StorePath, "error", err)
		os.Exit(1)
	}

	loaders := []pipeline.NamedLoader{{Name: "store", Loader: st}}

	// Publishing histories to Kafka is feature-flagged via KAFKA_ENABLED.
	var writer *kafkaadapter.Writer
	if cfg.KafkaEnabled {
		writer = kafkaadapter.NewWriter(cfg, logger)
		loaders = append(loaders, pipeline.NamedLoader{Name: "kafka", Loader: writer})
		logger.Info("kafka publishing enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	} else {
		logger.Info("kafka publishing disabled")
	}

	fetcher := source.NewFetcher(cfg.FetchTimeout, cfg.FetchRetries, logger)
	src := source.New(fetcher, source.Locations{
		USAFactsCases:  cfg.USAFactsCasesURL,
		USAFactsDeaths: cfg.USAFactsDeathsURL,
		JHUCases:       cfg.JHUCasesURL,
		JHUDeaths:      cfg.JHUDeathsURL,
		ReferenceDir:   cfg.ReferenceDir,
	}, cfg.Levels, logger, metrics)

	p := pipeline.New(src, pipeline.NewTransformer(logger), loaders, logger, metrics,
		pipeline.WithPollInterval(cfg.PollInterval),
		pipeline.WithLevels(cfg.Levels),
		pipeline.WithCheckpoint(st),
	)

	srv := httpadapter.NewServer(cfg.HTTPAddr, p, st, axis, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	// Start the watcher.
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := p.Run(ctx); err != nil {
			logger.Error("pipeline error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("pipeline did not stop before the shutdown timeout")
	}
	if writer != nil {
		if err := writer.Close(); err != nil {
			logger.Error("kafka writer close error", "error", err)
		}
	}
	if err := st.Close(); err != nil {
		logger.Error("store close error", "error", err)
	}

	logger.Info("shutdown complete")
}
