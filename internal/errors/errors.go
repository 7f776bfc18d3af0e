// Package errors defines application-specific error types and sentinel errors.
package errors

import (
	"errors"
	"fmt"

	"github.com/jittakal/kafeventledger/pkg/event"
)

// Sentinel errors for common conditions.
var (
	ErrConsumerClosed  = errors.New("consumer is closed")
	ErrProducerClosed  = errors.New("producer is closed")
	ErrTransport       = errors.New("broker transport error")
	ErrDuplicateEvent  = errors.New("event already recorded")
	ErrMissingEventID  = errors.New("payload has no event id")
	ErrRecordNotFound  = errors.New("ledger record not found")
	ErrNoHandler       = errors.New("no handler registered for topic")
	ErrShuttingDown    = errors.New("shutting down")
	ErrBufferFull      = errors.New("buffer is full")
	ErrWriterClosed    = errors.New("storage writer is closed")
	ErrConnectionLost  = errors.New("connection lost")
	ErrInvalidEvent    = errors.New("invalid event")
	ErrLedgerUnhealthy = errors.New("ledger is unreachable")
	ErrNotReplayable   = errors.New("record status cannot be replayed")

	// ErrNotApplied marks a message that left no ledger row. Its offset must
	// not be committed so the broker delivers it again.
	ErrNotApplied = errors.New("message not applied")
)

// DecodeError is returned when a message body is not a JSON object.
type DecodeError struct {
	Topic     string
	Partition int32
	Offset    int64
	Err       error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode error: topic=%s partition=%d offset=%d: %v",
		e.Topic, e.Partition, e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// HandlerError wraps a business handler failure for one event.
type HandlerError struct {
	Key      event.Key
	Attempts int
	Err      error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler error: event=%s attempts=%d: %v", e.Key, e.Attempts, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether another attempt may succeed.
func (e *HandlerError) IsRetryable() bool {
	return !errors.Is(e.Err, ErrShuttingDown)
}

// LedgerError represents a ledger store operation failure.
type LedgerError struct {
	Operation string
	Key       event.Key
	Err       error
}

func (e *LedgerError) Error() string {
	return fmt.Sprintf("ledger error: operation=%s event=%s: %v", e.Operation, e.Key, e.Err)
}

func (e *LedgerError) Unwrap() error {
	return e.Err
}

// BatchError is returned by a batch send that could not be delivered even
// after the batch was split down to its minimum size.
type BatchError struct {
	Offset int
	Size   int
	Err    error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch error: offset=%d size=%d: %v", e.Offset, e.Size, e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

// ValidationError represents an event validation failure.
type ValidationError struct {
	EventID string
	Field   string
	Reason  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: event_id=%s field=%s: %s",
		e.EventID, e.Field, e.Reason)
}

// StorageError represents a storage operation failure.
type StorageError struct {
	Operation string
	Path      string
	Err       error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error: operation=%s path=%s: %v",
		e.Operation, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsRetryable determines if a StorageError is retryable based on the operation type.
func (e *StorageError) IsRetryable() bool {
	return e.Operation == "write" || e.Operation == "upload" || e.Operation == "create"
}

// Retryable defines an interface for errors that can indicate if they are retryable.
type Retryable interface {
	error
	IsRetryable() bool
}

// IsRetryable checks if an error is retryable.
// Validation failures, shutdown and non-replayable records are never retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return false
	}
	if errors.Is(err, ErrShuttingDown) || errors.Is(err, ErrNoHandler) || errors.Is(err, ErrNotReplayable) {
		return false
	}

	var retryable Retryable
	if errors.As(err, &retryable) {
		return retryable.IsRetryable()
	}

	if errors.Is(err, ErrConnectionLost) || errors.Is(err, ErrTransport) {
		return true
	}

	return false
}
