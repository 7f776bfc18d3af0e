package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/jittakal/kafeventledger/pkg/consumer"
	"github.com/jittakal/kafeventledger/pkg/event"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

var _ consumer.DLQPublisher = (*DeadLetterPublisher)(nil)

// DeadLetter is the document published to a dead letter topic.
type DeadLetter struct {
	OriginalMessage event.Payload   `json:"original_message"`
	Error           DeadLetterError `json:"error"`
}

// DeadLetterError describes the failure that sent a message to the dead letter topic.
type DeadLetterError struct {
	Message   string    `json:"message"`
	Backtrace []string  `json:"backtrace"`
	Timestamp time.Time `json:"timestamp"`
}

// DLQConfig contains dead letter settings.
type DLQConfig struct {
	TopicSuffix    string
	BacktraceDepth int
	ProcessorID    string
}

// DLQMetrics defines metrics operations for dead letter publishing.
type DLQMetrics interface {
	IncDeadLetters(originalTopic, status string)
}

// ProducerFactory yields a producer that is used for exactly one publish.
type ProducerFactory func() (sarama.SyncProducer, error)

// NewProducerFactory returns a factory of synchronous producers for config.
func NewProducerFactory(config ProducerConfig, logger *zap.Logger) ProducerFactory {
	return func() (sarama.SyncProducer, error) {
		sc, err := newSaramaProducerConfig(config, logger)
		if err != nil {
			return nil, err
		}
		return sarama.NewSyncProducer(config.Brokers, sc)
	}
}

// DeadLetterPublisher sends unprocessable payloads to "<topic><suffix>".
// Each publish acquires its own producer and always releases it.
type DeadLetterPublisher struct {
	newProducer ProducerFactory
	config      DLQConfig
	logger      *zap.Logger
	metrics     DLQMetrics
	now         func() time.Time
}

// NewDeadLetterPublisher creates a publisher drawing producers from factory.
func NewDeadLetterPublisher(factory ProducerFactory, config DLQConfig, logger *zap.Logger, metrics DLQMetrics) *DeadLetterPublisher {
	if config.TopicSuffix == "" {
		config.TopicSuffix = ".dlq"
	}
	if config.BacktraceDepth <= 0 {
		config.BacktraceDepth = 5
	}
	return &DeadLetterPublisher{
		newProducer: factory,
		config:      config,
		logger:      logger,
		metrics:     metrics,
		now:         time.Now,
	}
}

// TopicFor returns the dead letter topic of topic.
func (d *DeadLetterPublisher) TopicFor(topic string) string {
	return topic + d.config.TopicSuffix
}

// Publish sends payload and a description of cause to the dead letter topic.
func (d *DeadLetterPublisher) Publish(ctx context.Context, topic string, payload event.Payload, cause error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	dlqTopic := d.TopicFor(topic)
	defer func() {
		if d.metrics == nil {
			return
		}
		status := "success"
		if err != nil {
			status = "failure"
		}
		d.metrics.IncDeadLetters(topic, status)
	}()

	message := "unknown error"
	if cause != nil {
		message = cause.Error()
	}

	doc := DeadLetter{
		OriginalMessage: payload,
		Error: DeadLetterError{
			Message:   message,
			Backtrace: backtrace(cause, d.config.BacktraceDepth),
			Timestamp: d.now().UTC(),
		},
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	key, _, ok := payload.EventID()
	if !ok {
		key = uuid.NewString()
	}

	msg := &sarama.ProducerMessage{
		Topic: dlqTopic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(body),
		Headers: []sarama.RecordHeader{
			{Key: []byte("failure_reason"), Value: []byte(message)},
			{Key: []byte("original_topic"), Value: []byte(topic)},
			{Key: []byte("processor_id"), Value: []byte(d.config.ProcessorID)},
		},
		Timestamp: doc.Error.Timestamp,
	}

	producer, err := d.newProducer()
	if err != nil {
		return fmt.Errorf("failed to acquire dead letter producer: %w", err)
	}
	defer func() {
		if cerr := producer.Close(); cerr != nil {
			d.logger.Warn("error releasing dead letter producer", zap.Error(cerr))
		}
	}()

	partition, offset, err := producer.SendMessage(msg)
	if err != nil {
		d.logger.Error("failed to publish to dead letter topic",
			zap.String("dlq_topic", dlqTopic),
			zap.String("key", key),
			zap.Error(err),
		)
		return fmt.Errorf("failed to send message to %s: %w", dlqTopic, err)
	}

	d.logger.Info("published event to dead letter topic",
		zap.String("dlq_topic", dlqTopic),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
		zap.String("key", key),
		zap.String("reason", message),
	)
	return nil
}

type stackTracer interface {
	StackTrace() pkgerrors.StackTrace
}

// backtrace renders up to depth frames of the stack recorded in err, or of
// the current call site when err carries none.
func backtrace(err error, depth int) []string {
	var st stackTracer
	if err == nil || !errors.As(err, &st) {
		st = pkgerrors.New("backtrace").(stackTracer)
	}

	frames := st.StackTrace()
	if len(frames) > depth {
		frames = frames[:depth]
	}
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		out = append(out, fmt.Sprintf("%n %s:%d", f, f, f))
	}
	return out
}
