// Command kafeventreplay re-drives ledger records that were never processed
// or that exhausted their retries.
//
//	kafeventreplay -event-id e1 -topic balance_update
//	kafeventreplay -status failed -topic balance_update -limit 100
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/jittakal/kafeventledger/internal/config"
	"github.com/jittakal/kafeventledger/internal/handlers"
	"github.com/jittakal/kafeventledger/internal/kafka"
	"github.com/jittakal/kafeventledger/internal/ledger"
	"github.com/jittakal/kafeventledger/internal/observability"
	"github.com/jittakal/kafeventledger/internal/replay"
	"github.com/jittakal/kafeventledger/internal/validator"
	"github.com/jittakal/kafeventledger/pkg/event"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("replay error: %v", err)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to configuration file")
	eventID := flag.String("event-id", "", "replay a single event (requires -topic)")
	topic := flag.String("topic", "", "topic of the event, or topic filter for a batch")
	statuses := flag.String("status", "failed,received", "comma-separated statuses to replay in batch mode")
	limit := flag.Int("limit", 0, "maximum records to replay in batch mode (0 = no limit)")
	dryRun := flag.Bool("dry-run", false, "list matching records without replaying them")
	flag.Parse()

	if *eventID != "" && *topic == "" {
		return fmt.Errorf("-event-id requires -topic")
	}

	filter, err := batchFilter(*topic, *statuses, *limit)
	if err != nil {
		return err
	}

	cfg, err := config.NewLoader().Load(config.ResolvePath(*configPath))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := observability.NewLogger(observability.LoggingConfig{
		Level:  cfg.Observability.Logging.Level,
		Format: cfg.Observability.Logging.Format,
		Output: "stderr",
	})
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := ledger.Open(ctx, cfg.Ledger, logger)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer store.Close()

	if *dryRun {
		return list(ctx, store, *eventID, filter)
	}

	producer, err := kafka.NewMessageProducer(kafka.NewProducerConfig(cfg.Kafka), logger, nil)
	if err != nil {
		return fmt.Errorf("failed to create producer: %w", err)
	}
	defer producer.Close()

	registry, err := handlers.Build(cfg.Handlers, producer, logger)
	if err != nil {
		return fmt.Errorf("failed to build handlers: %w", err)
	}

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	svc := replay.NewService(registry, store, validator.NewRecordValidator(), logger, metrics)

	if *eventID != "" {
		record, err := svc.ReprocessByID(ctx, *eventID, *topic)
		if record != nil {
			fmt.Printf("%s\t%s\n", record.Key(), record.Status)
		}
		return err
	}

	report, err := svc.ReprocessPending(ctx, filter)
	fmt.Println(report)
	if err != nil {
		return err
	}
	if report.Failed > 0 {
		logger.Warn("some events failed again", zap.Int("failed", report.Failed))
		return fmt.Errorf("%d of %d replayed events failed", report.Failed, report.Attempted)
	}
	return nil
}

func batchFilter(topic, statuses string, limit int) (ledger.Filter, error) {
	filter := ledger.Filter{Topic: topic, Limit: limit}
	for _, s := range strings.Split(statuses, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		status := event.Status(s)
		if !status.Replayable() {
			return filter, fmt.Errorf("status %q cannot be replayed (use failed or received)", s)
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	return filter, nil
}

func list(ctx context.Context, store ledger.Store, eventID string, filter ledger.Filter) error {
	if eventID != "" {
		record, err := store.Get(ctx, event.Key{EventID: eventID, Topic: filter.Topic})
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%s\t%s\n", record.Key(), record.Status, record.ReceivedAt.Format(time.RFC3339))
		return nil
	}

	records, err := store.List(ctx, filter)
	if err != nil {
		return err
	}
	for _, r := range records {
		fmt.Printf("%s\t%s\t%s\n", r.Key(), r.Status, r.ReceivedAt.Format(time.RFC3339))
	}
	fmt.Printf("%d records\n", len(records))
	return nil
}
