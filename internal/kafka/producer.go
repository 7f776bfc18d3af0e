package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
	"github.com/jittakal/kafeventledger/internal/config/dto"
	apperrors "github.com/jittakal/kafeventledger/internal/errors"
	"go.uber.org/zap"
)

// Message is one record of a batch send.
type Message struct {
	Topic   string
	Key     string
	Payload any
}

// ProducerConfig contains producer settings.
type ProducerConfig struct {
	Brokers         []string
	ClientID        string
	Security        SecurityConfig
	RequiredAcks    int
	Compression     string
	Idempotent      bool
	RetryMax        int
	RetryBackoff    time.Duration
	Linger          time.Duration
	MaxMessageBytes int
	BatchSize       int
	BatchFloor      int
	BatchPause      time.Duration
	Source          string
}

// NewProducerConfig builds producer settings from the kafka section.
func NewProducerConfig(cfg dto.KafkaConfig) ProducerConfig {
	return ProducerConfig{
		Brokers:         cfg.Brokers,
		ClientID:        cfg.ClientID,
		Security:        SecurityFromConfig(cfg),
		RequiredAcks:    cfg.Producer.RequiredAcks,
		Compression:     cfg.Producer.Compression,
		Idempotent:      cfg.Producer.Idempotent,
		RetryMax:        cfg.Producer.RetryMax,
		RetryBackoff:    dto.Millis(cfg.Producer.RetryBackoffMS),
		Linger:          dto.Millis(cfg.Producer.LingerMS),
		MaxMessageBytes: cfg.Producer.MaxMessageBytes,
		BatchSize:       cfg.Producer.BatchSize,
		BatchFloor:      cfg.Producer.BatchFloor,
		BatchPause:      dto.Millis(cfg.Producer.BatchPauseMS),
		Source:          cfg.Producer.Source,
	}
}

// ProducerMetrics defines metrics operations for the producer.
type ProducerMetrics interface {
	AddMessagesSent(topic, status string, n int)
	IncBatchHalvings(size int)
	IncBatchFailures(size int)
}

// MessageProducer publishes JSON payloads with CloudEvents binary-mode headers.
type MessageProducer struct {
	producer sarama.SyncProducer
	config   ProducerConfig
	logger   *zap.Logger
	metrics  ProducerMetrics
	now      func() time.Time

	mu     sync.Mutex
	closed bool
}

// NewMessageProducer creates a synchronous producer.
func NewMessageProducer(config ProducerConfig, logger *zap.Logger, metrics ProducerMetrics) (*MessageProducer, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}

	saramaConfig, err := newSaramaProducerConfig(config, logger)
	if err != nil {
		return nil, err
	}

	producer, err := sarama.NewSyncProducer(config.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	logger.Info("kafka producer created",
		zap.Strings("brokers", config.Brokers),
		zap.String("security_protocol", config.Security.Protocol),
		zap.Bool("idempotent", config.Idempotent),
		zap.String("compression", config.Compression),
	)

	return newMessageProducer(producer, config, logger, metrics), nil
}

func newMessageProducer(producer sarama.SyncProducer, config ProducerConfig, logger *zap.Logger, metrics ProducerMetrics) *MessageProducer {
	if config.BatchSize <= 0 {
		config.BatchSize = 1000
	}
	if config.BatchFloor <= 0 {
		config.BatchFloor = 100
	}
	if config.Source == "" {
		config.Source = "kafeventledger"
	}
	return &MessageProducer{
		producer: producer,
		config:   config,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}
}

func newSaramaProducerConfig(config ProducerConfig, logger *zap.Logger) (*sarama.Config, error) {
	sc := sarama.NewConfig()
	sc.Version = sarama.V2_8_0_0
	if config.ClientID != "" {
		sc.ClientID = config.ClientID
	}

	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.RequiredAcks = sarama.RequiredAcks(config.RequiredAcks)
	sc.Producer.Compression = parseCompressionType(config.Compression)
	sc.Producer.Retry.Max = config.RetryMax
	if config.RetryBackoff > 0 {
		sc.Producer.Retry.Backoff = config.RetryBackoff
	}
	if config.MaxMessageBytes > 0 {
		sc.Producer.MaxMessageBytes = config.MaxMessageBytes
	}
	if config.Linger > 0 {
		sc.Producer.Flush.Frequency = config.Linger
	}

	// Idempotent producer requires acks from all replicas and a single in-flight request.
	if config.Idempotent {
		sc.Producer.Idempotent = true
		sc.Net.MaxOpenRequests = 1
		if sc.Producer.RequiredAcks != sarama.WaitForAll {
			logger.Warn("idempotent producer forces required_acks=-1",
				zap.Int("configured", config.RequiredAcks))
			sc.Producer.RequiredAcks = sarama.WaitForAll
		}
		if sc.Producer.Retry.Max < 1 {
			sc.Producer.Retry.Max = 1
		}
	}

	if err := configureSecurity(sc, config.Security, logger); err != nil {
		return nil, fmt.Errorf("failed to configure security: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid producer configuration: %w", err)
	}
	return sc, nil
}

// SendOne serializes payload and sends it synchronously.
func (p *MessageProducer) SendOne(ctx context.Context, topic, key string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.isClosed() {
		return apperrors.ErrProducerClosed
	}

	msg, err := p.buildMessage(Message{Topic: topic, Key: key, Payload: payload})
	if err != nil {
		return err
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		p.recordSent(topic, "failure", 1)
		return fmt.Errorf("failed to send message to %s: %w", topic, err)
	}
	p.recordSent(topic, "success", 1)

	p.logger.Debug("message produced",
		zap.String("topic", topic),
		zap.String("key", key),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)
	return nil
}

// SendBatch sends messages in chunks of batchSize, pausing between chunks.
// A failed chunk larger than the batch floor is re-sent alone at half size,
// recursively; at or below the floor the failure is returned as a
// *errors.BatchError. A batchSize of zero or less selects the configured default.
func (p *MessageProducer) SendBatch(ctx context.Context, messages []Message, batchSize int) error {
	if p.isClosed() {
		return apperrors.ErrProducerClosed
	}
	if batchSize <= 0 {
		batchSize = p.config.BatchSize
	}

	built := make([]*sarama.ProducerMessage, 0, len(messages))
	for _, m := range messages {
		msg, err := p.buildMessage(m)
		if err != nil {
			return err
		}
		built = append(built, msg)
	}

	return p.sendChunks(ctx, built, 0, batchSize)
}

func (p *MessageProducer) sendChunks(ctx context.Context, msgs []*sarama.ProducerMessage, base, size int) error {
	for start := 0; start < len(msgs); start += size {
		if start > 0 {
			if err := p.pause(ctx); err != nil {
				return err
			}
		}

		end := min(start+size, len(msgs))
		chunk := msgs[start:end]

		err := p.producer.SendMessages(chunk)
		if err == nil {
			p.recordChunk(chunk, "success")
			continue
		}

		if size > p.config.BatchFloor {
			half := size / 2
			p.logger.Warn("batch send failed, retrying chunk at half size",
				zap.Int("offset", base+start),
				zap.Int("size", size),
				zap.Int("retry_size", half),
				zap.Error(err),
			)
			if p.metrics != nil {
				p.metrics.IncBatchHalvings(size)
			}
			if err := p.sendChunks(ctx, chunk, base+start, half); err != nil {
				return err
			}
			continue
		}

		p.recordChunk(chunk, "failure")
		if p.metrics != nil {
			p.metrics.IncBatchFailures(size)
		}
		p.logger.Error("batch send failed at minimum size",
			zap.Int("offset", base+start),
			zap.Int("size", len(chunk)),
			zap.Error(err),
		)
		return &apperrors.BatchError{Offset: base + start, Size: len(chunk), Err: err}
	}
	return nil
}

func (p *MessageProducer) pause(ctx context.Context) error {
	if p.config.BatchPause <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(p.config.BatchPause)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (p *MessageProducer) buildMessage(m Message) (*sarama.ProducerMessage, error) {
	body, err := json.Marshal(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload for %s: %w", m.Topic, err)
	}

	id := m.Key
	if id == "" {
		id = uuid.NewString()
	}

	ce := cloudevents.NewEvent()
	ce.SetID(id)
	ce.SetType(m.Topic)
	ce.SetSource(p.config.Source)
	ce.SetTime(p.now().UTC())
	if err := ce.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cloud event attributes: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: m.Topic,
		Value: sarama.ByteEncoder(body),
		Headers: []sarama.RecordHeader{
			{Key: []byte("ce_specversion"), Value: []byte(ce.SpecVersion())},
			{Key: []byte("ce_id"), Value: []byte(ce.ID())},
			{Key: []byte("ce_type"), Value: []byte(ce.Type())},
			{Key: []byte("ce_source"), Value: []byte(ce.Source())},
			{Key: []byte("ce_time"), Value: []byte(ce.Time().Format(time.RFC3339Nano))},
			{Key: []byte("content-type"), Value: []byte(cloudevents.ApplicationJSON)},
		},
	}
	if m.Key != "" {
		msg.Key = sarama.StringEncoder(m.Key)
	}
	return msg, nil
}

func (p *MessageProducer) recordChunk(chunk []*sarama.ProducerMessage, status string) {
	if p.metrics == nil {
		return
	}
	counts := make(map[string]int)
	for _, m := range chunk {
		counts[m.Topic]++
	}
	for topic, n := range counts {
		p.metrics.AddMessagesSent(topic, status, n)
	}
}

func (p *MessageProducer) recordSent(topic, status string, n int) {
	if p.metrics != nil {
		p.metrics.AddMessagesSent(topic, status, n)
	}
}

func (p *MessageProducer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close flushes and closes the producer. Further calls are no-ops.
func (p *MessageProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	if err := p.producer.Close(); err != nil {
		p.logger.Error("error closing producer", zap.Error(err))
		return err
	}
	p.logger.Info("kafka producer closed")
	return nil
}

// parseCompressionType parses compression type string
func parseCompressionType(compressionType string) sarama.CompressionCodec {
	switch compressionType {
	case "gzip":
		return sarama.CompressionGZIP
	case "snappy":
		return sarama.CompressionSnappy
	case "lz4":
		return sarama.CompressionLZ4
	case "zstd":
		return sarama.CompressionZSTD
	default:
		return sarama.CompressionNone
	}
}
