// Command kafeventproducer publishes fake balance_update and trade_settled
// events, including deliberate duplicates, to exercise the ledger.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/jittakal/kafeventledger/internal/config"
	"github.com/jittakal/kafeventledger/internal/config/dto"
	"github.com/jittakal/kafeventledger/internal/generator"
	"github.com/jittakal/kafeventledger/internal/kafka"
	"github.com/jittakal/kafeventledger/internal/observability"
	"github.com/jittakal/kafeventledger/internal/server"
)

var (
	// Set during build.
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("producer error: %v", err)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to configuration file")
	count := flag.Int("count", 0, "stop after this many batches (0 = run until signalled)")
	flag.Parse()

	cfg, err := config.NewLoader().Load(config.ResolvePath(*configPath))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := observability.NewLogger(observability.LoggingConfig{
		Level:  cfg.Observability.Logging.Level,
		Format: cfg.Observability.Logging.Format,
		Output: cfg.Observability.Logging.Output,
	})
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting kafeventproducer",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("buildTime", buildTime),
		zap.Strings("brokers", cfg.Kafka.Brokers),
	)

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	if cfg.Observability.Metrics.Enabled {
		go startMetricsServer(cfg.Observability.Metrics, registry, logger)
	}

	producer, err := kafka.NewMessageProducer(kafka.NewProducerConfig(cfg.Kafka), logger, metrics)
	if err != nil {
		return fmt.Errorf("failed to create producer: %w", err)
	}
	defer producer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	produceEvents(ctx, producer, generator.NewGenerator(cfg.Generator, logger), cfg, *count, logger)

	logger.Info("Shutdown complete")
	return nil
}

// produceEvents sends one generated batch per tick until ctx is done or
// limit batches have been sent.
func produceEvents(
	ctx context.Context,
	producer *kafka.MessageProducer,
	gen *generator.Generator,
	cfg *dto.ApplicationConfig,
	limit int,
	logger *zap.Logger,
) {
	interval := dto.Millis(cfg.Generator.IntervalMS)
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for sent := 0; limit == 0 || sent < limit; sent++ {
		select {
		case <-ctx.Done():
			logger.Info("Stopping event production")
			return
		case <-ticker.C:
		}

		batch := gen.Batch()
		if err := producer.SendBatch(ctx, batch, cfg.Kafka.Producer.BatchSize); err != nil {
			logger.Error("Failed to produce batch", zap.Int("size", len(batch)), zap.Error(err))
			continue
		}
		logger.Debug("Produced batch", zap.Int("size", len(batch)))
	}
}

func startMetricsServer(cfg dto.MetricsConfig, registry *prometheus.Registry, logger *zap.Logger) {
	addr := fmt.Sprintf(":%d", cfg.Port)
	logger.Info("Starting metrics server", zap.String("address", addr))

	srv := &http.Server{
		Addr:              addr,
		Handler:           server.MetricsMux(cfg, registry),
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Metrics server failed", zap.Error(err))
	}
}
