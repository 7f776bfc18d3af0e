// Package supervisor runs one consumer worker per registered topic and
// applies every delivered event through the idempotency ledger.
//
// Each message goes through the same steps: extract the event id, skip it
// if the ledger already knows it, record it as received, run the handler
// under the retry policy and record the outcome. A worker whose consumer
// fails is replaced after a delay until Stop is called.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/jittakal/kafeventledger/internal/config/dto"
	apperrors "github.com/jittakal/kafeventledger/internal/errors"
	"github.com/jittakal/kafeventledger/internal/ledger"
	"github.com/jittakal/kafeventledger/pkg/consumer"
)

// ConsumerFactory creates a fresh consumer for a topic and consumer group.
type ConsumerFactory func(topic, groupID string) (consumer.Consumer, error)

// Supervisor owns the per-topic workers.
type Supervisor struct {
	registry consumer.Registry
	store    ledger.Store
	factory  ConsumerFactory
	opts     options
	logger   *zap.Logger

	mu       sync.Mutex
	workers  map[string]*worker
	started  bool
	shutdown atomic.Bool
	stopCh   chan struct{}
	ctx      context.Context
}

// New creates a supervisor for every topic in registry.
func New(registry consumer.Registry, store ledger.Store, factory ConsumerFactory, opts ...Option) *Supervisor {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	return &Supervisor{
		registry: registry,
		store:    store,
		factory:  factory,
		opts:     o,
		logger:   o.logger.With(zap.String("component", "supervisor")),
		workers:  make(map[string]*worker),
		stopCh:   make(chan struct{}),
	}
}

// GroupID returns the consumer group used for topic.
func (s *Supervisor) GroupID(topic string) string {
	return dto.RenderGroup(s.opts.groupTemplate, s.opts.environment, topic)
}

// Start spawns one worker per registered topic and returns immediately.
func (s *Supervisor) Start(ctx context.Context) error {
	if s.shutdown.Load() {
		return apperrors.ErrShuttingDown
	}

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("supervisor already started")
	}
	s.started = true
	s.ctx = ctx
	s.mu.Unlock()

	topics := s.registry.Topics()
	if len(topics) == 0 {
		s.logger.Warn("No handlers registered; nothing to consume")
		return nil
	}

	for _, topic := range topics {
		s.spawn(topic)
	}

	s.logger.Info("Supervisor started",
		zap.Strings("topics", topics),
		zap.String("environment", s.opts.environment))
	return nil
}

// spawn registers a new worker for topic and starts its goroutine. It does
// nothing once shutdown has begun.
func (s *Supervisor) spawn(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown.Load() {
		return
	}
	w := newWorker(topic)
	s.workers[topic] = w
	go s.run(w)
}

func (s *Supervisor) run(w *worker) {
	defer close(w.done)

	logger := s.logger.With(zap.String("topic", w.topic))
	groupID := s.GroupID(w.topic)

	c, err := s.factory(w.topic, groupID)
	if err != nil {
		logger.Error("Failed to create consumer", zap.String("group_id", groupID), zap.Error(err))
		s.restart(w, err)
		return
	}

	if !s.attach(w, c) {
		_ = c.Stop()
		return
	}

	w.setState(stateRunning)
	s.updateActive()
	logger.Info("Worker started", zap.String("group_id", groupID))

	err = c.Start(s.ctx, s.process)

	if s.shutdown.Load() || err == nil {
		w.setState(stateStopped)
		s.updateActive()
		logger.Info("Worker stopped")
		return
	}

	logger.Error("Worker crashed", zap.Error(err))
	s.restart(w, err)
}

// attach publishes the worker's consumer so Stop can reach it. It reports
// false when shutdown began first, in which case the caller owns the
// consumer and must stop it.
func (s *Supervisor) attach(w *worker, c consumer.Consumer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown.Load() || s.workers[w.topic] != w {
		return false
	}
	w.consumer = c
	return true
}

// restart replaces a failed worker after the restart delay.
func (s *Supervisor) restart(w *worker, cause error) {
	w.setState(stateRestarting)
	s.updateActive()

	if s.opts.metrics != nil {
		s.opts.metrics.IncWorkerRestarts(w.topic)
	}
	s.logger.Warn("Restarting worker",
		zap.String("topic", w.topic),
		zap.Duration("delay", s.opts.restartDelay),
		zap.Error(cause))

	timer := time.NewTimer(s.opts.restartDelay)
	select {
	case <-timer.C:
	case <-s.stopCh:
		timer.Stop()
		w.setState(stateStopped)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown.Load() || s.workers[w.topic] != w {
		w.setState(stateStopped)
		return
	}
	nw := newWorker(w.topic)
	s.workers[w.topic] = nw
	go s.run(nw)
}

// Stop stops every consumer and waits for the workers, each for at most the
// join timeout. Calling Stop again is a no-op.
func (s *Supervisor) Stop() error {
	if !s.shutdown.CompareAndSwap(false, true) {
		return nil
	}
	close(s.stopCh)

	s.mu.Lock()
	workers := make([]*worker, 0, len(s.workers))
	consumers := make([]consumer.Consumer, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
		if w.consumer != nil {
			consumers = append(consumers, w.consumer)
		}
	}
	s.workers = make(map[string]*worker)
	s.mu.Unlock()

	s.logger.Info("Stopping supervisor", zap.Int("workers", len(workers)))

	for _, c := range consumers {
		if err := c.Stop(); err != nil {
			s.logger.Warn("Consumer stop failed", zap.Error(err))
		}
	}

	var (
		wg       sync.WaitGroup
		timedOut atomic.Int32
	)
	for _, w := range workers {
		wg.Add(1)
		go func(w *worker) {
			defer wg.Done()
			timer := time.NewTimer(s.opts.joinTimeout)
			defer timer.Stop()
			select {
			case <-w.done:
			case <-timer.C:
				timedOut.Add(1)
				s.logger.Error("Worker did not stop in time",
					zap.String("topic", w.topic),
					zap.Duration("timeout", s.opts.joinTimeout))
			}
		}(w)
	}
	wg.Wait()

	if s.opts.metrics != nil {
		s.opts.metrics.SetActiveWorkers(0)
	}
	s.logger.Info("Supervisor stopped", zap.Int32("timed_out", timedOut.Load()))
	return nil
}

func (s *Supervisor) updateActive() {
	if s.opts.metrics == nil {
		return
	}
	s.mu.Lock()
	n := 0
	for _, w := range s.workers {
		if w.getState() == stateRunning {
			n++
		}
	}
	s.mu.Unlock()
	s.opts.metrics.SetActiveWorkers(n)
}

// Liveness reports false once the supervisor has been stopped.
func (s *Supervisor) Liveness() bool {
	return !s.shutdown.Load()
}

// Readiness requires a reachable ledger and at least one running worker.
func (s *Supervisor) Readiness(ctx context.Context) bool {
	if !s.IsHealthy() {
		return false
	}
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("Ledger ping failed", zap.Error(err))
		return false
	}
	return true
}

// IsHealthy reports whether any worker is consuming.
func (s *Supervisor) IsHealthy() bool {
	if s.shutdown.Load() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.workers {
		if w.getState() == stateRunning {
			return true
		}
	}
	return false
}

// GetStatus returns the state of each topic's worker.
func (s *Supervisor) GetStatus() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := make(map[string]string, len(s.workers))
	for topic, w := range s.workers {
		status[topic] = w.getState().String()
	}
	if s.shutdown.Load() {
		status["supervisor"] = "stopped"
	}
	return status
}

// isShutdown is used by process to refuse new ledger writes.
func (s *Supervisor) isShutdown() bool {
	return s.shutdown.Load()
}
