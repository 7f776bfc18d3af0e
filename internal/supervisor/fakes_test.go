package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	apperrors "github.com/jittakal/kafeventledger/internal/errors"
	"github.com/jittakal/kafeventledger/pkg/consumer"
	"github.com/jittakal/kafeventledger/pkg/event"
)

// fakeConsumer delivers payloads pushed on msgs until stopped or failed.
// A callback error wrapping ErrNotApplied ends it with a transport error and
// hands the payload to redeliver, the way an uncommitted offset is consumed
// again by the next group member.
type fakeConsumer struct {
	topic     string
	groupID   string
	msgs      chan event.Payload
	redeliver func(event.Payload)
	fail     chan error
	stopped  chan struct{}
	started  chan struct{}
	finished chan struct{}
	stopOnce sync.Once
}

func newFakeConsumer(topic, groupID string) *fakeConsumer {
	return &fakeConsumer{
		topic:    topic,
		groupID:  groupID,
		msgs:     make(chan event.Payload, 64),
		fail:     make(chan error, 1),
		stopped:  make(chan struct{}),
		started:  make(chan struct{}),
		finished: make(chan struct{}),
	}
}

func (f *fakeConsumer) Start(ctx context.Context, onMessage consumer.MessageFunc) error {
	close(f.started)
	defer close(f.finished)
	for {
		select {
		case p := <-f.msgs:
			if err := onMessage(ctx, f.topic, p); errors.Is(err, apperrors.ErrNotApplied) {
				if f.redeliver != nil {
					f.redeliver(p)
				}
				_ = f.Stop()
				return fmt.Errorf("%w: %w", apperrors.ErrTransport, err)
			}
		case err := <-f.fail:
			_ = f.Stop()
			return err
		case <-f.stopped:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func (f *fakeConsumer) Stop() error {
	f.stopOnce.Do(func() { close(f.stopped) })
	return nil
}

func (f *fakeConsumer) isStopped() bool {
	select {
	case <-f.stopped:
		return true
	default:
		return false
	}
}

// fakeFactory hands out fakeConsumers and remembers them per topic.
type fakeFactory struct {
	mu       sync.Mutex
	created  map[string][]*fakeConsumer
	pending  map[string][]event.Payload
	failures int
	calls    int
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		created: make(map[string][]*fakeConsumer),
		pending: make(map[string][]event.Payload),
	}
}

func (f *fakeFactory) New(topic, groupID string) (consumer.Consumer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("broker unreachable")
	}
	c := newFakeConsumer(topic, groupID)
	c.redeliver = func(p event.Payload) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.pending[topic] = append(f.pending[topic], p)
	}
	for _, p := range f.pending[topic] {
		c.msgs <- p
	}
	delete(f.pending, topic)
	f.created[topic] = append(f.created[topic], c)
	return c, nil
}

func (f *fakeFactory) consumers(topic string) []*fakeConsumer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeConsumer(nil), f.created[topic]...)
}

func (f *fakeFactory) latest(topic string) *fakeConsumer {
	cs := f.consumers(topic)
	if len(cs) == 0 {
		return nil
	}
	return cs[len(cs)-1]
}

func (f *fakeFactory) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// waitRunning waits for the n-th consumer of topic to be started.
func (f *fakeFactory) waitRunning(t *testing.T, topic string, n int) *fakeConsumer {
	t.Helper()
	waitFor(t, func() bool { return len(f.consumers(topic)) >= n }, "consumer %d of %s created", n, topic)
	c := f.consumers(topic)[n-1]
	select {
	case <-c.started:
	case <-time.After(5 * time.Second):
		t.Fatalf("consumer %d of %s not started", n, topic)
	}
	return c
}

// recordingHandler records payloads and returns the scripted results in order.
type recordingHandler struct {
	mu       sync.Mutex
	payloads []event.Payload
	results  []error
	block    chan struct{}
	panicMsg string
}

func (h *recordingHandler) Handle(ctx context.Context, payload event.Payload) error {
	if h.block != nil {
		<-h.block
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.payloads = append(h.payloads, payload)
	if h.panicMsg != "" {
		panic(h.panicMsg)
	}
	if len(h.results) == 0 {
		return nil
	}
	err := h.results[0]
	if len(h.results) > 1 {
		h.results = h.results[1:]
	}
	return err
}

func (h *recordingHandler) calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.payloads)
}

func (h *recordingHandler) ids() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.payloads))
	for _, p := range h.payloads {
		id, _, _ := p.EventID()
		out = append(out, id)
	}
	return out
}

type dlqCall struct {
	topic   string
	payload event.Payload
	cause   error
}

type fakeDLQ struct {
	mu    sync.Mutex
	calls []dlqCall
}

func (d *fakeDLQ) Publish(ctx context.Context, topic string, payload event.Payload, cause error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, dlqCall{topic: topic, payload: payload, cause: cause})
	return nil
}

func (d *fakeDLQ) published() []dlqCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]dlqCall(nil), d.calls...)
}

type fakeMetrics struct {
	mu         sync.Mutex
	events     map[string]int
	duplicates int
	restarts   int
	ledgerErrs int
	active     int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{events: make(map[string]int)}
}

func (m *fakeMetrics) IncEvents(topic, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[outcome]++
}

func (m *fakeMetrics) IncDuplicates(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.duplicates++
}

func (m *fakeMetrics) ObserveHandler(string, string, float64) {}

func (m *fakeMetrics) IncWorkerRestarts(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restarts++
}

func (m *fakeMetrics) SetActiveWorkers(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = n
}

func (m *fakeMetrics) IncLedgerErrors(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ledgerErrs++
}

func (m *fakeMetrics) outcome(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events[name]
}

func (m *fakeMetrics) ledgerErrors() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ledgerErrs
}

func (m *fakeMetrics) restartCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restarts
}

func waitFor(t *testing.T, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for: "+format, args...)
}
