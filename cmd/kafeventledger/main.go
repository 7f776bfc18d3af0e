package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/jittakal/kafeventledger/internal/archive"
	"github.com/jittakal/kafeventledger/internal/buffer"
	"github.com/jittakal/kafeventledger/internal/config"
	"github.com/jittakal/kafeventledger/internal/config/dto"
	"github.com/jittakal/kafeventledger/internal/encoder"
	"github.com/jittakal/kafeventledger/internal/handlers"
	"github.com/jittakal/kafeventledger/internal/kafka"
	"github.com/jittakal/kafeventledger/internal/ledger"
	"github.com/jittakal/kafeventledger/internal/observability"
	"github.com/jittakal/kafeventledger/internal/server"
	"github.com/jittakal/kafeventledger/internal/storage"
	"github.com/jittakal/kafeventledger/internal/supervisor"
	"github.com/jittakal/kafeventledger/internal/validator"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("application error: %v", err)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to configuration file")
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

	logger.Info("starting kafka event ledger",
		zap.String("version", cfg.Application.Version),
		zap.String("environment", cfg.Application.Environment),
		zap.Int("handlers", len(cfg.Handlers)),
	)

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	// Cleanups run in reverse registration order.
	var cleanups []func()
	addCleanup := func(name string, fn func() error) {
		cleanups = append(cleanups, func() {
			if err := fn(); err != nil {
				logger.Error("cleanup failed", zap.String("component", name), zap.Error(err))
			}
		})
		logger.Debug("registered cleanup", zap.String("component", name))
	}
	defer func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := ledger.Open(ctx, cfg.Ledger, logger)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	addCleanup("ledger", store.Close)

	producer, err := kafka.NewMessageProducer(kafka.NewProducerConfig(cfg.Kafka), logger, metrics)
	if err != nil {
		return fmt.Errorf("failed to create producer: %w", err)
	}
	addCleanup("producer", producer.Close)

	registryOfHandlers, err := handlers.Build(cfg.Handlers, producer, logger)
	if err != nil {
		return fmt.Errorf("failed to build handlers: %w", err)
	}

	opts := append(supervisor.OptionsFromConfig(cfg),
		supervisor.WithValidator(validator.NewRecordValidator()),
		supervisor.WithLogger(logger),
		supervisor.WithMetrics(metrics),
	)
	if cfg.Supervisor.DeadLetterOnExhaustion {
		dlq := kafka.NewDeadLetterPublisher(
			kafka.NewProducerFactory(kafka.NewProducerConfig(cfg.Kafka), logger),
			kafka.DLQConfig{
				TopicSuffix:    cfg.Kafka.DLQ.TopicSuffix,
				BacktraceDepth: cfg.Kafka.DLQ.BacktraceDepth,
				ProcessorID:    cfg.Application.Name,
			},
			logger,
			metrics,
		)
		opts = append(opts, supervisor.WithDeadLetter(dlq))
	}

	sup := supervisor.New(
		registryOfHandlers,
		store,
		kafka.NewConsumerFactory(cfg.Kafka, logger, metrics),
		opts...,
	)

	httpServer := server.NewServer(cfg.Observability, sup, registry, logger)
	if err := httpServer.Start(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	addCleanup("http-server", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(ctx)
	})

	var archiver *archive.Archiver
	if cfg.Archive.Enabled {
		archiver, err = newArchiver(ctx, cfg, store, logger, metrics, addCleanup)
		if err != nil {
			return err
		}
		archiver.Start(ctx)
	}

	if err := sup.Start(ctx); err != nil {
		return fmt.Errorf("failed to start supervisor: %w", err)
	}
	logger.Info("application started successfully", zap.Strings("topics", registryOfHandlers.Topics()))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("received termination signal", zap.String("signal", sig.String()))

	return shutdown(cfg, sup, archiver, logger)
}

// shutdown stops consumption first so in-flight events finish and land in
// the ledger, then writes out the archive buffers.
func shutdown(cfg *dto.ApplicationConfig, sup *supervisor.Supervisor, archiver *archive.Archiver, logger *zap.Logger) error {
	logger.Info("initiating graceful shutdown")

	grace := time.Duration(cfg.Shutdown.GracePeriodSeconds) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if err := sup.Stop(); err != nil {
		logger.Error("supervisor stop failed", zap.Error(err))
	}

	if archiver != nil {
		if err := archiver.Stop(ctx); err != nil {
			logger.Error("archiver stop failed", zap.Error(err))
		}
	}

	logger.Info("application stopped")
	return nil
}

func newArchiver(
	ctx context.Context,
	cfg *dto.ApplicationConfig,
	store ledger.Store,
	logger *zap.Logger,
	metrics *observability.Metrics,
	addCleanup func(string, func() error),
) (*archive.Archiver, error) {
	format, err := encoder.ParseFormat(cfg.Storage.Format)
	if err != nil {
		return nil, err
	}

	enc, err := encoder.New(format, cfg.Parquet, cfg.Avro)
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}

	writer, err := storage.NewWriter(ctx, cfg.Storage, enc, logger, metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s writer: %w", cfg.Storage.Backend, err)
	}
	addCleanup("storage-writer", writer.Close)

	policy := storage.NewPolicy(storage.PolicyConfig{
		MaxFileSizeMB:      cfg.FileRotation.MaxFileSizeMB,
		MaxRecordsPerFile:  cfg.FileRotation.MaxRecordsPerFile,
		MaxDurationSeconds: cfg.FileRotation.MaxDurationSeconds,
		Strategy:           cfg.FileRotation.Strategy,
	})

	buffers := buffer.NewManager(cfg.FileRotation.MaxFileSizeMB*1024*1024, cfg.FileRotation.MaxRecordsPerFile)

	return archive.New(
		store,
		buffers,
		writer,
		storage.RouterFor(cfg.Storage),
		policy,
		archive.ConfigFrom(cfg.Archive, format),
		logger.Named("archive"),
		metrics,
	), nil
}
