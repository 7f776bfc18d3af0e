// Package replay re-drives ledger records through their topic's handler.
//
// Replay skips the duplicate check: it exists to finish events that were
// recorded but never processed, or that exhausted their retries.
package replay

import (
	"context"
	"errors"
	"fmt"
	"time"

	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"

	apperrors "github.com/jittakal/kafeventledger/internal/errors"
	"github.com/jittakal/kafeventledger/internal/ledger"
	"github.com/jittakal/kafeventledger/pkg/consumer"
	"github.com/jittakal/kafeventledger/pkg/event"
)

// Replay outcomes reported to metrics.
const (
	OutcomeProcessed = "processed"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// RecordValidator checks a stored record before it is replayed.
type RecordValidator interface {
	Validate(r *event.Record) error
}

// Metrics receives replay outcomes.
type Metrics interface {
	IncReplay(topic, outcome string)
}

// Report summarises a bulk replay.
type Report struct {
	Attempted int
	Succeeded int
	Failed    int
	Skipped   int
}

func (r Report) String() string {
	return fmt.Sprintf("attempted=%d succeeded=%d failed=%d skipped=%d",
		r.Attempted, r.Succeeded, r.Failed, r.Skipped)
}

// Service replays ledger records.
type Service struct {
	registry  consumer.Registry
	store     ledger.Store
	validator RecordValidator
	logger    *zap.Logger
	metrics   Metrics
	now       func() time.Time
}

// NewService creates a replay service. validator and metrics may be nil.
func NewService(registry consumer.Registry, store ledger.Store, validator RecordValidator, logger *zap.Logger, metrics Metrics) *Service {
	return &Service{
		registry:  registry,
		store:     store,
		validator: validator,
		logger:    logger.With(zap.String("component", "replay")),
		metrics:   metrics,
		now:       time.Now,
	}
}

// Reprocess makes one synchronous handler attempt with the stored payload.
//
// A processed record is refused with errors.ErrNotReplayable. Without a
// registered handler it returns errors.ErrNoHandler. Both leave the record
// untouched. On success the row and record become processed. On
// failure the row is marked failed and a *errors.HandlerError is returned.
func (s *Service) Reprocess(ctx context.Context, record *event.Record) error {
	if !record.Status.Replayable() {
		s.inc(record.TopicName, OutcomeSkipped)
		return fmt.Errorf("%w: %s is %s", apperrors.ErrNotReplayable, record.Key(), record.Status)
	}

	handler, ok := s.registry.Get(record.TopicName)
	if !ok {
		return fmt.Errorf("%w: %s", apperrors.ErrNoHandler, record.TopicName)
	}

	key := record.Key()
	logger := s.logger.With(
		zap.String("topic", record.TopicName),
		zap.String("event_id", record.EventID))

	if s.validator != nil {
		if err := s.validator.Validate(record); err != nil {
			s.inc(record.TopicName, OutcomeFailed)
			return err
		}
	}

	payload, err := record.Decode()
	if err != nil {
		s.inc(record.TopicName, OutcomeFailed)
		return fmt.Errorf("decode stored payload %s: %w", key, err)
	}

	if err := invoke(ctx, handler, payload); err != nil {
		if markErr := s.store.MarkFailed(ctx, key); markErr != nil {
			logger.Error("Failed to mark replayed event failed", zap.Error(markErr))
		}
		record.Status = event.StatusFailed
		s.inc(record.TopicName, OutcomeFailed)
		logger.Error("Replay failed", zap.Error(err))
		return &apperrors.HandlerError{Key: key, Attempts: 1, Err: err}
	}

	at := s.now().UTC()
	if err := s.store.MarkProcessed(ctx, key, at); err != nil {
		s.inc(record.TopicName, OutcomeFailed)
		return err
	}
	record.Status = event.StatusProcessed
	record.ProcessedAt = &at

	s.inc(record.TopicName, OutcomeProcessed)
	logger.Info("Replayed event")
	return nil
}

// ReprocessByID loads one record and replays it.
func (s *Service) ReprocessByID(ctx context.Context, eventID, topic string) (*event.Record, error) {
	record, err := s.store.Get(ctx, event.Key{EventID: eventID, Topic: topic})
	if err != nil {
		return nil, err
	}
	return record, s.Reprocess(ctx, record)
}

// ReprocessPending replays every failed or received record matching filter.
// An empty status list in filter means both. Records already processed and
// records without a handler are counted as skipped. The first context error
// stops the run.
func (s *Service) ReprocessPending(ctx context.Context, filter ledger.Filter) (Report, error) {
	if len(filter.Statuses) == 0 {
		filter.Statuses = []event.Status{event.StatusFailed, event.StatusReceived}
	}

	var report Report
	records, err := s.store.List(ctx, filter)
	if err != nil {
		return report, err
	}

	s.logger.Info("Replaying pending events",
		zap.Int("records", len(records)),
		zap.String("topic", filter.Topic))

	for _, record := range records {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !record.Status.Replayable() {
			report.Skipped++
			s.inc(record.TopicName, OutcomeSkipped)
			continue
		}

		report.Attempted++
		err := s.Reprocess(ctx, record)
		switch {
		case err == nil:
			report.Succeeded++
		case errors.Is(err, apperrors.ErrNoHandler):
			report.Attempted--
			report.Skipped++
			s.inc(record.TopicName, OutcomeSkipped)
		default:
			report.Failed++
		}
	}

	s.logger.Info("Replay finished", zap.Stringer("report", report))
	return report, nil
}

func invoke(ctx context.Context, h consumer.Handler, payload event.Payload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = pkgerrors.WithStack(fmt.Errorf("handler panic: %v", r))
		}
	}()
	if err := h.Handle(ctx, payload); err != nil {
		return pkgerrors.WithStack(err)
	}
	return nil
}

func (s *Service) inc(topic, outcome string) {
	if s.metrics != nil {
		s.metrics.IncReplay(topic, outcome)
	}
}
