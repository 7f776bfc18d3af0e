package consumer

import (
	"context"
	"sort"

	"github.com/jittakal/kafeventledger/pkg/event"
)

// MessageFunc receives every successfully decoded message of a subscription.
type MessageFunc func(ctx context.Context, topic string, payload event.Payload) error

// Consumer is a single subscription that feeds decoded messages to a callback.
type Consumer interface {
	// Start blocks until Stop is called or the transport fails.
	Start(ctx context.Context, onMessage MessageFunc) error

	// Stop is idempotent and may be called from any goroutine.
	Stop() error
}

// Handler applies one event to business state. Failure is signalled by a
// non-nil error.
type Handler interface {
	Handle(ctx context.Context, payload event.Payload) error
}

// HandlerFunc adapts an ordinary function to Handler.
type HandlerFunc func(ctx context.Context, payload event.Payload) error

func (f HandlerFunc) Handle(ctx context.Context, payload event.Payload) error {
	return f(ctx, payload)
}

// DLQPublisher escalates an unprocessable payload to a dead letter topic.
type DLQPublisher interface {
	Publish(ctx context.Context, topic string, payload event.Payload, cause error) error
}

// Registry maps topics to their handler. It is built once and never mutated,
// so the live supervisor and the replay service can share it.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry copies the given map into an immutable registry.
func NewRegistry(handlers map[string]Handler) Registry {
	m := make(map[string]Handler, len(handlers))
	for topic, h := range handlers {
		if h != nil {
			m[topic] = h
		}
	}
	return Registry{handlers: m}
}

// Get returns the handler registered for topic.
func (r Registry) Get(topic string) (Handler, bool) {
	h, ok := r.handlers[topic]
	return h, ok
}

// Topics returns the registered topics in sorted order.
func (r Registry) Topics() []string {
	topics := make([]string, 0, len(r.handlers))
	for topic := range r.handlers {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// Len returns the number of registered topics.
func (r Registry) Len() int {
	return len(r.handlers)
}
