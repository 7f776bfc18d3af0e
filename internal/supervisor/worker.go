package supervisor

import (
	"sync/atomic"

	"github.com/jittakal/kafeventledger/pkg/consumer"
)

type workerState int32

const (
	stateStarting workerState = iota
	stateRunning
	stateRestarting
	stateStopped
)

func (s workerState) String() string {
	switch s {
	case stateStarting:
		return "starting"
	case stateRunning:
		return "running"
	case stateRestarting:
		return "restarting"
	case stateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// worker pairs one consumer with the goroutine driving its Start.
type worker struct {
	topic    string
	consumer consumer.Consumer // guarded by Supervisor.mu
	state    atomic.Int32
	done     chan struct{}
}

func newWorker(topic string) *worker {
	return &worker{topic: topic, done: make(chan struct{})}
}

func (w *worker) setState(s workerState) {
	w.state.Store(int32(s))
}

func (w *worker) getState() workerState {
	return workerState(w.state.Load())
}
