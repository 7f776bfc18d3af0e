package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"

	apperrors "github.com/jittakal/kafeventledger/internal/errors"
	"github.com/jittakal/kafeventledger/internal/retry"
	"github.com/jittakal/kafeventledger/pkg/consumer"
	"github.com/jittakal/kafeventledger/pkg/event"
)

// Event outcomes reported to metrics.
const (
	outcomeProcessed = "processed"
	outcomeDuplicate = "duplicate"
	outcomeFailed    = "failed"
	outcomeMissingID = "missing_id"
	outcomeInvalid   = "invalid"
	outcomeAborted   = "aborted"
	outcomeLedger    = "ledger_error"
)

// process applies one decoded message. It is the consumer callback, so
// calls for one topic never overlap.
func (s *Supervisor) process(ctx context.Context, topic string, payload event.Payload) error {
	id, field, ok := payload.EventID()
	if !ok {
		s.logger.Warn("Dropping message without event id",
			zap.String("topic", topic),
			zap.Strings("fields", event.IDFields))
		s.incEvents(topic, outcomeMissingID)
		return nil
	}

	if s.isShutdown() {
		s.incEvents(topic, outcomeAborted)
		return notApplied(apperrors.ErrShuttingDown)
	}

	// Ledger writes and the handler must not be cut off by consumer shutdown.
	ctx = context.WithoutCancel(ctx)

	key := event.Key{EventID: id, Topic: topic}
	logger := s.logger.With(
		zap.String("topic", topic),
		zap.String("event_id", id),
		zap.String("id_field", field))

	exists, err := s.store.Exists(ctx, key)
	if err != nil {
		return notApplied(s.ledgerFailure(logger, "exists", topic, err))
	}
	if exists {
		s.duplicate(logger, topic)
		return nil
	}

	record, err := event.NewRecord(id, topic, payload, s.opts.now())
	if err != nil {
		logger.Warn("Dropping unencodable payload", zap.Error(err))
		s.incEvents(topic, outcomeInvalid)
		return nil
	}
	if s.opts.validator != nil {
		if err := s.opts.validator.Validate(record); err != nil {
			logger.Warn("Dropping invalid event", zap.Error(err))
			s.incEvents(topic, outcomeInvalid)
			return nil
		}
	}

	if err := s.store.Insert(ctx, record); err != nil {
		if errors.Is(err, apperrors.ErrDuplicateEvent) {
			s.duplicate(logger, topic)
			return nil
		}
		return notApplied(s.ledgerFailure(logger, "insert", topic, err))
	}

	handler, ok := s.registry.Get(topic)
	if !ok {
		logger.Error("No handler registered", zap.Error(apperrors.ErrNoHandler))
		return apperrors.ErrNoHandler
	}

	policy := s.opts.retry
	policy.RetryIf = retryable
	attempts, err := retry.Do(ctx, policy, s.stopCh,
		func(attempt int) error {
			return s.invoke(ctx, handler, topic, payload)
		},
		func(attempt int, wait time.Duration, err error) {
			logger.Warn("Handler failed, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", wait),
				zap.Error(err))
		})

	if err == nil {
		if err := s.store.MarkProcessed(ctx, key, s.opts.now()); err != nil {
			return s.ledgerFailure(logger, "mark_processed", topic, err)
		}
		s.incEvents(topic, outcomeProcessed)
		logger.Debug("Event processed", zap.Int("attempts", attempts))
		return nil
	}

	handlerErr := &apperrors.HandlerError{Key: key, Attempts: attempts, Err: err}

	if errors.Is(err, apperrors.ErrShuttingDown) {
		logger.Warn("Retry aborted by shutdown; event left for replay",
			zap.Int("attempts", attempts))
		s.incEvents(topic, outcomeAborted)
		return handlerErr
	}

	s.exhausted(ctx, logger, key, payload, handlerErr)
	return handlerErr
}

// exhausted records a handler that failed every attempt.
func (s *Supervisor) exhausted(ctx context.Context, logger *zap.Logger, key event.Key, payload event.Payload, handlerErr *apperrors.HandlerError) {
	logger.Error("Handler failed after all attempts",
		zap.Int("attempts", handlerErr.Attempts),
		zap.Error(handlerErr.Err))
	s.incEvents(key.Topic, outcomeFailed)

	if s.opts.markFailed {
		if err := s.store.MarkFailed(ctx, key); err != nil {
			_ = s.ledgerFailure(logger, "mark_failed", key.Topic, err)
		}
	}

	if s.opts.deadLetter != nil {
		if err := s.opts.deadLetter.Publish(ctx, key.Topic, payload, handlerErr.Err); err != nil {
			logger.Error("Dead letter publish failed", zap.Error(err))
		}
	}
}

// invoke runs the handler once, turning a panic into an error. Errors carry
// a stack trace for the dead letter backtrace.
func (s *Supervisor) invoke(ctx context.Context, h consumer.Handler, topic string, payload event.Payload) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = pkgerrors.WithStack(fmt.Errorf("handler panic: %v", r))
		}
		status := "success"
		if err != nil {
			status = "error"
		}
		if s.opts.metrics != nil {
			s.opts.metrics.ObserveHandler(topic, status, time.Since(start).Seconds())
		}
	}()

	if err := h.Handle(ctx, payload); err != nil {
		return pkgerrors.WithStack(err)
	}
	return nil
}

// retryable rejects errors that cannot succeed on another attempt.
func retryable(err error) bool {
	var validationErr *apperrors.ValidationError
	if errors.As(err, &validationErr) {
		return false
	}
	return !errors.Is(err, apperrors.ErrShuttingDown)
}

func (s *Supervisor) duplicate(logger *zap.Logger, topic string) {
	logger.Debug("Skipping duplicate event")
	if s.opts.metrics != nil {
		s.opts.metrics.IncDuplicates(topic)
	}
	s.incEvents(topic, outcomeDuplicate)
}

func (s *Supervisor) ledgerFailure(logger *zap.Logger, op, topic string, err error) error {
	logger.Error("Ledger operation failed",
		zap.String("operation", op),
		zap.Error(err))
	if s.opts.metrics != nil {
		s.opts.metrics.IncLedgerErrors(op)
	}
	s.incEvents(topic, outcomeLedger)
	return err
}

// notApplied tags err so the consumer leaves the offset uncommitted.
func notApplied(err error) error {
	return fmt.Errorf("%w: %w", apperrors.ErrNotApplied, err)
}

func (s *Supervisor) incEvents(topic, outcome string) {
	if s.opts.metrics != nil {
		s.opts.metrics.IncEvents(topic, outcome)
	}
}
