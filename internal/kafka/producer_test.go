package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/jittakal/kafeventledger/internal/config/dto"
	apperrors "github.com/jittakal/kafeventledger/internal/errors"
	"go.uber.org/zap/zaptest"
)

var errBrokerRejected = errors.New("kafka: message set too large")

func testProducer(t *testing.T, fake *fakeSyncProducer) *MessageProducer {
	t.Helper()
	p := newMessageProducer(fake, ProducerConfig{BatchSize: 1000, BatchFloor: 100, Source: "ledger-test"},
		zaptest.NewLogger(t), nil)
	p.now = func() time.Time { return time.Date(2025, 12, 21, 10, 0, 0, 0, time.UTC) }
	return p
}

func batchOf(n int) []Message {
	msgs := make([]Message, n)
	for i := range msgs {
		msgs[i] = Message{Topic: "balance_update", Key: "k", Payload: map[string]any{"seq": i}}
	}
	return msgs
}

func headerValue(msg *sarama.ProducerMessage, key string) string {
	for _, h := range msg.Headers {
		if string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestSendOne(t *testing.T) {
	fake := &fakeSyncProducer{}
	p := testProducer(t, fake)

	err := p.SendOne(context.Background(), "balance_update", "e1", map[string]any{"eventId": "e1", "amount": 10})
	if err != nil {
		t.Fatalf("SendOne() error = %v", err)
	}

	sent := fake.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sent))
	}
	msg := sent[0]
	if msg.Topic != "balance_update" {
		t.Errorf("topic = %s", msg.Topic)
	}
	key, _ := msg.Key.Encode()
	if string(key) != "e1" {
		t.Errorf("key = %s, want e1", key)
	}

	value, _ := msg.Value.Encode()
	var body map[string]any
	if err := json.Unmarshal(value, &body); err != nil {
		t.Fatalf("value is not JSON: %v", err)
	}
	if body["eventId"] != "e1" {
		t.Errorf("body = %v", body)
	}

	wantHeaders := map[string]string{
		"ce_specversion": "1.0",
		"ce_id":          "e1",
		"ce_type":        "balance_update",
		"ce_source":      "ledger-test",
		"ce_time":        "2025-12-21T10:00:00Z",
		"content-type":   "application/json",
	}
	for k, want := range wantHeaders {
		if got := headerValue(msg, k); got != want {
			t.Errorf("header %s = %q, want %q", k, got, want)
		}
	}
}

func TestSendOne_GeneratesIDWithoutKey(t *testing.T) {
	fake := &fakeSyncProducer{}
	p := testProducer(t, fake)

	if err := p.SendOne(context.Background(), "t", "", map[string]any{"a": 1}); err != nil {
		t.Fatalf("SendOne() error = %v", err)
	}
	msg := fake.sentMessages()[0]
	if msg.Key != nil {
		t.Error("message without key should have a nil key")
	}
	if headerValue(msg, "ce_id") == "" {
		t.Error("ce_id should be generated")
	}
}

func TestSendOne_Errors(t *testing.T) {
	fake := &fakeSyncProducer{failFn: func([]*sarama.ProducerMessage) error { return errBrokerRejected }}
	p := testProducer(t, fake)

	if err := p.SendOne(context.Background(), "t", "k", map[string]any{}); !errors.Is(err, errBrokerRejected) {
		t.Errorf("SendOne() error = %v, want broker error", err)
	}
	if err := p.SendOne(context.Background(), "t", "k", make(chan int)); err == nil {
		t.Error("unserializable payload should fail")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.SendOne(ctx, "t", "k", map[string]any{}); !errors.Is(err, context.Canceled) {
		t.Errorf("SendOne() with cancelled ctx = %v", err)
	}
}

func TestSendBatch_ChunksInOrder(t *testing.T) {
	fake := &fakeSyncProducer{}
	p := testProducer(t, fake)

	if err := p.SendBatch(context.Background(), batchOf(250), 100); err != nil {
		t.Fatalf("SendBatch() error = %v", err)
	}

	if got, want := fake.callSizes(), []int{100, 100, 50}; !reflect.DeepEqual(got, want) {
		t.Errorf("call sizes = %v, want %v", got, want)
	}
	sent := fake.sentMessages()
	for i, msg := range sent {
		value, _ := msg.Value.Encode()
		var body struct{ Seq int }
		_ = json.Unmarshal(value, &body)
		if body.Seq != i {
			t.Fatalf("message %d has seq %d, order not preserved", i, body.Seq)
		}
	}
}

func TestSendBatch_DefaultBatchSize(t *testing.T) {
	fake := &fakeSyncProducer{}
	p := testProducer(t, fake)

	if err := p.SendBatch(context.Background(), batchOf(1500), 0); err != nil {
		t.Fatalf("SendBatch() error = %v", err)
	}
	if got, want := fake.callSizes(), []int{1000, 500}; !reflect.DeepEqual(got, want) {
		t.Errorf("call sizes = %v, want %v", got, want)
	}
}

func TestSendBatch_HalvesFailedChunkOnce(t *testing.T) {
	fake := &fakeSyncProducer{failFn: func(batch []*sarama.ProducerMessage) error {
		if len(batch) > 400 {
			return errBrokerRejected
		}
		return nil
	}}
	p := testProducer(t, fake)

	if err := p.SendBatch(context.Background(), batchOf(800), 800); err != nil {
		t.Fatalf("SendBatch() error = %v", err)
	}

	if got, want := fake.callSizes(), []int{800, 400, 400}; !reflect.DeepEqual(got, want) {
		t.Errorf("call sizes = %v, want %v (exactly one halving)", got, want)
	}
	if len(fake.sentMessages()) != 800 {
		t.Errorf("delivered %d messages, want 800", len(fake.sentMessages()))
	}
}

func TestSendBatch_OnlyFailedChunkIsResent(t *testing.T) {
	calls := 0
	fake := &fakeSyncProducer{failFn: func(batch []*sarama.ProducerMessage) error {
		calls++
		// the second 400-chunk fails once at full size
		if calls == 2 {
			return errBrokerRejected
		}
		return nil
	}}
	p := testProducer(t, fake)

	if err := p.SendBatch(context.Background(), batchOf(800), 400); err != nil {
		t.Fatalf("SendBatch() error = %v", err)
	}
	if got, want := fake.callSizes(), []int{400, 400, 200, 200}; !reflect.DeepEqual(got, want) {
		t.Errorf("call sizes = %v, want %v", got, want)
	}
}

func TestSendBatch_PermanentFailureStopsAtFloor(t *testing.T) {
	fake := &fakeSyncProducer{failFn: func([]*sarama.ProducerMessage) error { return errBrokerRejected }}
	p := testProducer(t, fake)

	err := p.SendBatch(context.Background(), batchOf(800), 800)

	var batchErr *apperrors.BatchError
	if !errors.As(err, &batchErr) {
		t.Fatalf("SendBatch() error = %v, want *BatchError", err)
	}
	if batchErr.Size != 100 || batchErr.Offset != 0 {
		t.Errorf("BatchError = %+v, want size 100 at offset 0", batchErr)
	}
	if !errors.Is(err, errBrokerRejected) {
		t.Error("BatchError should wrap the broker error")
	}
	if got, want := fake.callSizes(), []int{800, 400, 200, 100}; !reflect.DeepEqual(got, want) {
		t.Errorf("call sizes = %v, want %v", got, want)
	}
}

func TestSendBatch_AtFloorFailsWithoutHalving(t *testing.T) {
	fake := &fakeSyncProducer{failFn: func([]*sarama.ProducerMessage) error { return errBrokerRejected }}
	p := testProducer(t, fake)

	err := p.SendBatch(context.Background(), batchOf(100), 100)
	var batchErr *apperrors.BatchError
	if !errors.As(err, &batchErr) {
		t.Fatalf("SendBatch() error = %v, want *BatchError", err)
	}
	if got := fake.callSizes(); !reflect.DeepEqual(got, []int{100}) {
		t.Errorf("call sizes = %v, want [100]", got)
	}
}

func TestSendBatch_PauseHonoursContext(t *testing.T) {
	fake := &fakeSyncProducer{}
	p := testProducer(t, fake)
	p.config.BatchPause = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := p.SendBatch(ctx, batchOf(20), 10)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("SendBatch() error = %v, want deadline exceeded", err)
	}
	if got := fake.callSizes(); !reflect.DeepEqual(got, []int{10}) {
		t.Errorf("call sizes = %v, want only the first chunk", got)
	}
}

func TestMessageProducer_Close(t *testing.T) {
	fake := &fakeSyncProducer{}
	p := testProducer(t, fake)

	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if fake.closed.Load() != 1 {
		t.Errorf("underlying producer closed %d times, want 1", fake.closed.Load())
	}
	if err := p.SendOne(context.Background(), "t", "k", map[string]any{}); !errors.Is(err, apperrors.ErrProducerClosed) {
		t.Errorf("SendOne after Close = %v, want ErrProducerClosed", err)
	}
	if err := p.SendBatch(context.Background(), batchOf(1), 1); !errors.Is(err, apperrors.ErrProducerClosed) {
		t.Errorf("SendBatch after Close = %v, want ErrProducerClosed", err)
	}
}

func TestNewSaramaProducerConfig(t *testing.T) {
	cfg := NewProducerConfig(dto.KafkaConfig{
		Brokers:          []string{"localhost:9092"},
		SecurityProtocol: "PLAINTEXT",
		Producer: dto.ProducerConfig{
			RequiredAcks:    1,
			Compression:     "zstd",
			Idempotent:      true,
			RetryMax:        0,
			RetryBackoffMS:  250,
			LingerMS:        20,
			MaxMessageBytes: 2000000,
		},
	})

	sc, err := newSaramaProducerConfig(cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("newSaramaProducerConfig() error = %v", err)
	}

	if !sc.Producer.Idempotent || sc.Net.MaxOpenRequests != 1 {
		t.Error("idempotent producer should use a single in-flight request")
	}
	if sc.Producer.RequiredAcks != sarama.WaitForAll {
		t.Errorf("RequiredAcks = %v, want WaitForAll", sc.Producer.RequiredAcks)
	}
	if sc.Producer.Retry.Max != 1 {
		t.Errorf("Retry.Max = %d, want 1", sc.Producer.Retry.Max)
	}
	if sc.Producer.Compression != sarama.CompressionZSTD {
		t.Errorf("Compression = %v", sc.Producer.Compression)
	}
	if sc.Producer.Flush.Frequency != 20*time.Millisecond {
		t.Errorf("Flush.Frequency = %v", sc.Producer.Flush.Frequency)
	}
	if sc.Producer.Retry.Backoff != 250*time.Millisecond {
		t.Errorf("Retry.Backoff = %v", sc.Producer.Retry.Backoff)
	}
	if sc.Producer.MaxMessageBytes != 2000000 {
		t.Errorf("MaxMessageBytes = %d", sc.Producer.MaxMessageBytes)
	}
}

func TestParseCompressionType(t *testing.T) {
	tests := map[string]sarama.CompressionCodec{
		"gzip":   sarama.CompressionGZIP,
		"snappy": sarama.CompressionSnappy,
		"lz4":    sarama.CompressionLZ4,
		"zstd":   sarama.CompressionZSTD,
		"none":   sarama.CompressionNone,
		"":       sarama.CompressionNone,
	}
	for in, want := range tests {
		if got := parseCompressionType(in); got != want {
			t.Errorf("parseCompressionType(%q) = %v, want %v", in, got, want)
		}
	}
}
