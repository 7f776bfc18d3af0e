// Package handlers builds the topic handler registry from configuration.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/jittakal/kafeventledger/internal/config/dto"
	"github.com/jittakal/kafeventledger/internal/errors"
	"github.com/jittakal/kafeventledger/pkg/consumer"
	"github.com/jittakal/kafeventledger/pkg/event"
)

// Handler kinds.
const (
	KindForward = "forward"
	KindLog     = "log"
)

// Sender publishes one message. kafka.MessageProducer satisfies it.
type Sender interface {
	SendOne(ctx context.Context, topic, key string, payload any) error
}

// Build turns the handlers section into a registry. A forward handler
// requires sender.
func Build(cfgs []dto.HandlerConfig, sender Sender, logger *zap.Logger) (consumer.Registry, error) {
	handlers := make(map[string]consumer.Handler, len(cfgs))

	for _, cfg := range cfgs {
		if _, dup := handlers[cfg.Topic]; dup {
			return consumer.Registry{}, fmt.Errorf("duplicate handler for topic %s", cfg.Topic)
		}

		switch cfg.Kind {
		case KindForward:
			if sender == nil {
				return consumer.Registry{}, fmt.Errorf("forward handler for %s needs a producer", cfg.Topic)
			}
			if cfg.Target == "" {
				return consumer.Registry{}, fmt.Errorf("forward handler for %s has no target", cfg.Topic)
			}
			handlers[cfg.Topic] = NewForwardHandler(sender, cfg.Target, logger)
		case KindLog:
			handlers[cfg.Topic] = NewLogHandler(logger)
		default:
			return consumer.Registry{}, fmt.Errorf("unknown handler kind %q for topic %s", cfg.Kind, cfg.Topic)
		}

		logger.Info("Registered handler",
			zap.String("topic", cfg.Topic),
			zap.String("kind", cfg.Kind),
			zap.String("target", cfg.Target))
	}

	return consumer.NewRegistry(handlers), nil
}

// ForwardHandler republishes each event to a target topic, keyed by its
// event id.
type ForwardHandler struct {
	sender Sender
	target string
	logger *zap.Logger
}

func NewForwardHandler(sender Sender, target string, logger *zap.Logger) *ForwardHandler {
	return &ForwardHandler{sender: sender, target: target, logger: logger}
}

func (h *ForwardHandler) Handle(ctx context.Context, payload event.Payload) error {
	id, _, _ := payload.EventID()

	if _, err := Amount(payload); err != nil {
		return err
	}

	if err := h.sender.SendOne(ctx, h.target, id, payload); err != nil {
		return fmt.Errorf("forward %s to %s: %w", id, h.target, err)
	}

	h.logger.Debug("Forwarded event",
		zap.String("event_id", id),
		zap.String("target", h.target))
	return nil
}

// LogHandler accepts every event and logs it.
type LogHandler struct {
	logger *zap.Logger
}

func NewLogHandler(logger *zap.Logger) *LogHandler {
	return &LogHandler{logger: logger}
}

func (h *LogHandler) Handle(ctx context.Context, payload event.Payload) error {
	id, field, _ := payload.EventID()
	h.logger.Info("Event received",
		zap.String("event_id", id),
		zap.String("id_field", field),
		zap.Int("fields", len(payload)))
	return nil
}

// Amount parses the optional amount field. It reports the zero value when
// the field is absent and a *errors.ValidationError when it is not a
// decimal number.
func Amount(payload event.Payload) (decimal.Decimal, error) {
	v, ok := payload["amount"]
	if !ok || v == nil {
		return decimal.Zero, nil
	}

	var (
		d   decimal.Decimal
		err error
	)
	switch t := v.(type) {
	case json.Number:
		d, err = decimal.NewFromString(t.String())
	case string:
		d, err = decimal.NewFromString(t)
	case float64:
		d = decimal.NewFromFloat(t)
	case int:
		d = decimal.NewFromInt(int64(t))
	case int64:
		d = decimal.NewFromInt(t)
	default:
		err = fmt.Errorf("unsupported type %T", v)
	}
	if err != nil {
		id, _, _ := payload.EventID()
		return decimal.Zero, &errors.ValidationError{
			EventID: id,
			Field:   "amount",
			Reason:  fmt.Sprintf("not a decimal: %v", err),
		}
	}
	return d, nil
}
