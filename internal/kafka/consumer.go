// Package kafka implements the broker clients: a per-topic consumer group,
// a synchronous producer and the dead-letter publisher.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/jittakal/kafeventledger/internal/config/dto"
	apperrors "github.com/jittakal/kafeventledger/internal/errors"
	"github.com/jittakal/kafeventledger/pkg/consumer"
	"github.com/jittakal/kafeventledger/pkg/event"
	"go.uber.org/zap"
)

var _ consumer.Consumer = (*MessageConsumer)(nil)

// ConsumerConfig contains the settings of one topic subscription.
type ConsumerConfig struct {
	Brokers           []string
	ClientID          string
	GroupID           string
	Topic             string
	Security          SecurityConfig
	AutoOffsetReset   string
	CommitInterval    time.Duration
	CommitThreshold   int
	SessionTimeout    time.Duration
	HeartbeatInterval time.Duration
	MaxProcessingTime time.Duration
	MaxInFlight       int
}

// NewConsumerConfig builds the subscription settings for topic from the kafka section.
func NewConsumerConfig(cfg dto.KafkaConfig, topic, groupID string) ConsumerConfig {
	return ConsumerConfig{
		Brokers:           cfg.Brokers,
		ClientID:          cfg.ClientID,
		GroupID:           groupID,
		Topic:             topic,
		Security:          SecurityFromConfig(cfg),
		AutoOffsetReset:   cfg.Consumer.AutoOffsetReset,
		CommitInterval:    dto.Millis(cfg.Consumer.CommitIntervalMS),
		CommitThreshold:   cfg.Consumer.CommitThreshold,
		SessionTimeout:    dto.Millis(cfg.Consumer.SessionTimeoutMS),
		HeartbeatInterval: dto.Millis(cfg.Consumer.HeartbeatIntervalMS),
		MaxProcessingTime: dto.Millis(cfg.Consumer.MaxProcessingTimeMS),
		MaxInFlight:       cfg.Consumer.MaxInFlight,
	}
}

// ConsumerMetrics defines metrics operations for the consumer.
type ConsumerMetrics interface {
	IncMessagesConsumed(topic string, partition int32)
	IncDecodeErrors(topic string)
	IncCallbackErrors(topic string)
	IncOffsetCommits(topic string)
	IncRebalances(groupID string)
	SetPartitionsAssigned(topic string, count float64)
}

// MessageConsumer delivers the JSON messages of one topic to a callback.
//
// Callbacks are serialized across all partitions of the subscription, so a
// topic is processed as one sequential lane. Malformed messages and failing
// callbacks are logged and their offsets are still marked.
type MessageConsumer struct {
	group   sarama.ConsumerGroup
	config  ConsumerConfig
	logger  *zap.Logger
	metrics ConsumerMetrics

	mu       sync.Mutex
	cancel   context.CancelFunc
	started  bool
	stopped  bool
	stopOnce sync.Once
	stopErr  error

	dispatchMu sync.Mutex
	marked     atomic.Int64
	unapplied  error
}

// NewMessageConsumer creates a consumer group member for config.Topic.
func NewMessageConsumer(config ConsumerConfig, logger *zap.Logger, metrics ConsumerMetrics) (*MessageConsumer, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if config.GroupID == "" || config.Topic == "" {
		return nil, fmt.Errorf("group id and topic are required")
	}

	saramaConfig, err := newSaramaConsumerConfig(config, logger)
	if err != nil {
		return nil, err
	}

	group, err := sarama.NewConsumerGroup(config.Brokers, config.GroupID, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	logger.Info("kafka consumer created",
		zap.String("group_id", config.GroupID),
		zap.String("topic", config.Topic),
		zap.Strings("brokers", config.Brokers),
	)

	return newMessageConsumer(group, config, logger, metrics), nil
}

func newMessageConsumer(group sarama.ConsumerGroup, config ConsumerConfig, logger *zap.Logger, metrics ConsumerMetrics) *MessageConsumer {
	if config.CommitThreshold < 1 {
		config.CommitThreshold = 500
	}
	return &MessageConsumer{
		group:   group,
		config:  config,
		logger:  logger.With(zap.String("topic", config.Topic), zap.String("group_id", config.GroupID)),
		metrics: metrics,
	}
}

func newSaramaConsumerConfig(config ConsumerConfig, logger *zap.Logger) (*sarama.Config, error) {
	sc := sarama.NewConfig()
	sc.Version = sarama.V2_8_0_0
	if config.ClientID != "" {
		sc.ClientID = config.ClientID
	}

	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	sc.Consumer.Offsets.Initial = offsetInitial(config.AutoOffsetReset)
	sc.Consumer.Offsets.AutoCommit.Enable = true
	sc.Consumer.Return.Errors = true

	if config.CommitInterval > 0 {
		sc.Consumer.Offsets.AutoCommit.Interval = config.CommitInterval
	}
	if config.SessionTimeout > 0 {
		sc.Consumer.Group.Session.Timeout = config.SessionTimeout
	}
	if config.HeartbeatInterval > 0 {
		sc.Consumer.Group.Heartbeat.Interval = config.HeartbeatInterval
	}
	if config.MaxProcessingTime > 0 {
		sc.Consumer.MaxProcessingTime = config.MaxProcessingTime
	}
	if config.MaxInFlight > 0 {
		sc.ChannelBufferSize = config.MaxInFlight
	}

	if err := configureSecurity(sc, config.Security, logger); err != nil {
		return nil, fmt.Errorf("failed to configure security: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid consumer configuration: %w", err)
	}
	return sc, nil
}

// Start consumes until Stop is called, ctx is cancelled or the group fails.
// A group failure stops the consumer and is returned wrapped in ErrTransport.
func (c *MessageConsumer) Start(ctx context.Context, onMessage consumer.MessageFunc) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return apperrors.ErrConsumerClosed
	}
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("consumer for %s already started", c.config.Topic)
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.started = true
	c.mu.Unlock()
	defer cancel()

	go c.drainErrors()

	handler := &groupHandler{consumer: c, onMessage: onMessage}
	topics := []string{c.config.Topic}

	c.logger.Info("kafka consumer started")
	for {
		err := c.group.Consume(ctx, topics, handler)

		if c.isStopped() {
			c.logger.Info("kafka consumer stopped")
			return nil
		}
		if unapplied := c.takeUnapplied(); unapplied != nil {
			c.logger.Warn("rewinding to last committed offset", zap.Error(unapplied))
			_ = c.Stop()
			return fmt.Errorf("%w: consume %s: %w", apperrors.ErrTransport, c.config.Topic, unapplied)
		}
		if ctx.Err() != nil {
			c.logger.Info("consumer context cancelled")
			_ = c.Stop()
			return nil
		}
		if err != nil {
			c.logger.Error("consumer group failed", zap.Error(err))
			_ = c.Stop()
			return fmt.Errorf("%w: consume %s: %w", apperrors.ErrTransport, c.config.Topic, err)
		}
		// A nil error means the session ended for a rebalance; join again.
	}
}

// Stop cancels consumption and closes the group. Safe to call repeatedly
// and from any goroutine.
func (c *MessageConsumer) Stop() error {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.stopped = true
		cancel := c.cancel
		c.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if err := c.group.Close(); err != nil && !errors.Is(err, sarama.ErrClosedConsumerGroup) {
			c.logger.Error("error closing consumer group", zap.Error(err))
			c.stopErr = err
			return
		}
		c.logger.Info("kafka consumer closed")
	})
	return c.stopErr
}

func (c *MessageConsumer) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// setUnapplied remembers the first message of the session that must be
// redelivered.
func (c *MessageConsumer) setUnapplied(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unapplied == nil {
		c.unapplied = err
	}
}

func (c *MessageConsumer) takeUnapplied() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.unapplied
	c.unapplied = nil
	return err
}

func (c *MessageConsumer) drainErrors() {
	for err := range c.group.Errors() {
		c.logger.Warn("consumer group error", zap.Error(err))
	}
}

// dispatch runs the callback on the single processing lane of the topic.
func (c *MessageConsumer) dispatch(ctx context.Context, onMessage consumer.MessageFunc, topic string, payload event.Payload) (err error) {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panic: %v", r)
		}
	}()
	return onMessage(ctx, topic, payload)
}

// handle decodes and dispatches one message, then marks its offset. A
// callback error wrapping ErrNotApplied leaves the offset unmarked and is
// returned so the claim stops before any later offset is marked.
func (c *MessageConsumer) handle(session sarama.ConsumerGroupSession, msg *sarama.ConsumerMessage, onMessage consumer.MessageFunc) error {
	if c.metrics != nil {
		c.metrics.IncMessagesConsumed(msg.Topic, msg.Partition)
	}

	payload, err := event.DecodePayload(msg.Value)
	if err != nil {
		decodeErr := &apperrors.DecodeError{Topic: msg.Topic, Partition: msg.Partition, Offset: msg.Offset, Err: err}
		c.logger.Warn("dropping malformed message", zap.Error(decodeErr))
		if c.metrics != nil {
			c.metrics.IncDecodeErrors(msg.Topic)
		}
	} else if err := c.dispatch(session.Context(), onMessage, msg.Topic, payload); err != nil {
		fields := []zap.Field{
			zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err),
		}
		switch {
		case errors.Is(err, apperrors.ErrShuttingDown):
			c.logger.Info("message left for redelivery after shutdown", fields...)
		case errors.Is(err, apperrors.ErrNotApplied):
			c.logger.Warn("message not applied; leaving offset uncommitted", fields...)
		default:
			c.logger.Error("message callback failed", fields...)
		}
		if c.metrics != nil {
			c.metrics.IncCallbackErrors(msg.Topic)
		}
		if errors.Is(err, apperrors.ErrNotApplied) {
			return fmt.Errorf("partition %d offset %d: %w", msg.Partition, msg.Offset, err)
		}
	}

	session.MarkMessage(msg, "")
	if c.marked.Add(1)%int64(c.config.CommitThreshold) == 0 {
		session.Commit()
		if c.metrics != nil {
			c.metrics.IncOffsetCommits(msg.Topic)
		}
	}
	return nil
}

// groupHandler implements sarama.ConsumerGroupHandler.
type groupHandler struct {
	consumer  *MessageConsumer
	onMessage consumer.MessageFunc
}

func (h *groupHandler) Setup(session sarama.ConsumerGroupSession) error {
	c := h.consumer
	c.logger.Info("consumer group session setup",
		zap.String("member_id", session.MemberID()),
		zap.Int32("generation_id", session.GenerationID()),
		zap.Any("claims", session.Claims()),
	)
	if c.metrics != nil {
		c.metrics.IncRebalances(c.config.GroupID)
		c.metrics.SetPartitionsAssigned(c.config.Topic, float64(len(session.Claims()[c.config.Topic])))
	}
	return nil
}

func (h *groupHandler) Cleanup(session sarama.ConsumerGroupSession) error {
	h.consumer.logger.Info("consumer group session cleanup", zap.String("member_id", session.MemberID()))
	if h.consumer.metrics != nil {
		h.consumer.metrics.SetPartitionsAssigned(h.consumer.config.Topic, 0)
	}
	return nil
}

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	h.consumer.logger.Debug("started consuming partition",
		zap.Int32("partition", claim.Partition()),
		zap.Int64("initial_offset", claim.InitialOffset()),
	)

	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := h.consumer.handle(session, msg, h.onMessage); err != nil {
				// Returning ends the session; the offset stays unmarked.
				h.consumer.setUnapplied(err)
				return nil
			}
		case <-session.Context().Done():
			return nil
		}
	}
}

// NewConsumerFactory returns a constructor of per-topic consumers sharing cfg.
func NewConsumerFactory(cfg dto.KafkaConfig, logger *zap.Logger, metrics ConsumerMetrics) func(topic, groupID string) (consumer.Consumer, error) {
	return func(topic, groupID string) (consumer.Consumer, error) {
		c, err := NewMessageConsumer(NewConsumerConfig(cfg, topic, groupID), logger, metrics)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}
