package kafka

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/IBM/sarama"
)

// fakeGroup is an in-memory sarama.ConsumerGroup. Each call to Consume runs
// one session over the configured partitions until ctx is cancelled, a claim
// returns, the group is closed or failWith delivers an error.
type fakeGroup struct {
	partitions map[int32]chan *sarama.ConsumerMessage
	failWith   chan error
	errs       chan error
	closed     chan struct{}
	closeOnce  sync.Once

	closeCalls atomic.Int32
	commits    atomic.Int32

	mu     sync.Mutex
	marked []*sarama.ConsumerMessage
}

func newFakeGroup(partitions int) *fakeGroup {
	g := &fakeGroup{
		partitions: make(map[int32]chan *sarama.ConsumerMessage, partitions),
		failWith:   make(chan error, 1),
		errs:       make(chan error),
		closed:     make(chan struct{}),
	}
	for p := 0; p < partitions; p++ {
		g.partitions[int32(p)] = make(chan *sarama.ConsumerMessage, 64)
	}
	return g
}

func (g *fakeGroup) send(topic string, partition int32, offset int64, value string) {
	g.partitions[partition] <- &sarama.ConsumerMessage{
		Topic:     topic,
		Partition: partition,
		Offset:    offset,
		Value:     []byte(value),
	}
}

func (g *fakeGroup) markedOffsets() []int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]int64, 0, len(g.marked))
	for _, m := range g.marked {
		out = append(out, m.Offset)
	}
	return out
}

func (g *fakeGroup) Consume(ctx context.Context, topics []string, handler sarama.ConsumerGroupHandler) error {
	select {
	case <-g.closed:
		return sarama.ErrClosedConsumerGroup
	default:
	}

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	claims := make(map[string][]int32)
	for p := range g.partitions {
		claims[topics[0]] = append(claims[topics[0]], p)
	}
	sess := &fakeSession{ctx: sessCtx, group: g, claims: claims}
	if err := handler.Setup(sess); err != nil {
		return err
	}

	var wg sync.WaitGroup
	for p, ch := range g.partitions {
		wg.Add(1)
		go func(p int32, ch chan *sarama.ConsumerMessage) {
			defer wg.Done()
			// Like sarama, a returning claim ends the whole session.
			defer cancel()
			_ = handler.ConsumeClaim(sess, &fakeClaim{topic: topics[0], partition: p, messages: ch})
		}(p, ch)
	}

	var result error
	select {
	case <-sessCtx.Done():
	case <-g.closed:
	case err := <-g.failWith:
		result = err
	}
	cancel()
	wg.Wait()
	_ = handler.Cleanup(sess)
	return result
}

func (g *fakeGroup) Errors() <-chan error { return g.errs }

func (g *fakeGroup) Close() error {
	g.closeCalls.Add(1)
	g.closeOnce.Do(func() {
		close(g.closed)
		close(g.errs)
	})
	return nil
}

func (g *fakeGroup) Pause(map[string][]int32)  {}
func (g *fakeGroup) Resume(map[string][]int32) {}
func (g *fakeGroup) PauseAll()                 {}
func (g *fakeGroup) ResumeAll()                {}

type fakeSession struct {
	ctx    context.Context
	group  *fakeGroup
	claims map[string][]int32
}

func (s *fakeSession) Claims() map[string][]int32              { return s.claims }
func (s *fakeSession) MemberID() string                        { return "member-1" }
func (s *fakeSession) GenerationID() int32                     { return 1 }
func (s *fakeSession) MarkOffset(string, int32, int64, string)  {}
func (s *fakeSession) ResetOffset(string, int32, int64, string) {}
func (s *fakeSession) Context() context.Context                { return s.ctx }
func (s *fakeSession) Commit()                                 { s.group.commits.Add(1) }
func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.group.mu.Lock()
	defer s.group.mu.Unlock()
	s.group.marked = append(s.group.marked, msg)
}

type fakeClaim struct {
	topic     string
	partition int32
	messages  chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string                            { return c.topic }
func (c *fakeClaim) Partition() int32                         { return c.partition }
func (c *fakeClaim) InitialOffset() int64                     { return sarama.OffsetOldest }
func (c *fakeClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

// fakeSyncProducer records sent messages. failFn decides whether a call fails.
type fakeSyncProducer struct {
	mu       sync.Mutex
	calls    []int
	sent     []*sarama.ProducerMessage
	failFn   func(batch []*sarama.ProducerMessage) error
	closed   atomic.Int32
	closeErr error
}

func (p *fakeSyncProducer) SendMessage(msg *sarama.ProducerMessage) (int32, int64, error) {
	if err := p.SendMessages([]*sarama.ProducerMessage{msg}); err != nil {
		return 0, 0, err
	}
	return 0, int64(len(p.sentMessages()) - 1), nil
}

func (p *fakeSyncProducer) SendMessages(msgs []*sarama.ProducerMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, len(msgs))
	if p.failFn != nil {
		if err := p.failFn(msgs); err != nil {
			return err
		}
	}
	p.sent = append(p.sent, msgs...)
	return nil
}

func (p *fakeSyncProducer) sentMessages() []*sarama.ProducerMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*sarama.ProducerMessage(nil), p.sent...)
}

func (p *fakeSyncProducer) callSizes() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.calls...)
}

func (p *fakeSyncProducer) Close() error {
	p.closed.Add(1)
	return p.closeErr
}

func (p *fakeSyncProducer) TxnStatus() sarama.ProducerTxnStatusFlag { return 0 }
func (p *fakeSyncProducer) IsTransactional() bool                   { return false }
func (p *fakeSyncProducer) BeginTxn() error                         { return nil }
func (p *fakeSyncProducer) CommitTxn() error                        { return nil }
func (p *fakeSyncProducer) AbortTxn() error                         { return nil }
func (p *fakeSyncProducer) AddOffsetsToTxn(map[string][]*sarama.PartitionOffsetMetadata, string) error {
	return nil
}
func (p *fakeSyncProducer) AddMessageToTxn(*sarama.ConsumerMessage, string, *string) error {
	return nil
}

var (
	_ sarama.ConsumerGroup        = (*fakeGroup)(nil)
	_ sarama.ConsumerGroupSession = (*fakeSession)(nil)
	_ sarama.ConsumerGroupClaim   = (*fakeClaim)(nil)
	_ sarama.SyncProducer         = (*fakeSyncProducer)(nil)
)
