// Package validator checks ledger records before they are written or replayed.
package validator

import (
	"bytes"
	"fmt"
	"unicode/utf8"

	"github.com/jittakal/kafeventledger/internal/errors"
	"github.com/jittakal/kafeventledger/pkg/event"
)

// MaxEventIDLength matches the event_id column width.
const MaxEventIDLength = 255

// RecordValidator validates ledger records.
type RecordValidator struct{}

// NewRecordValidator creates a new record validator.
func NewRecordValidator() *RecordValidator {
	return &RecordValidator{}
}

// Validate returns a *errors.ValidationError naming the first invalid field.
func (v *RecordValidator) Validate(r *event.Record) error {
	if r.EventID == "" {
		return &errors.ValidationError{
			Field:  "event_id",
			Reason: "required field is missing",
		}
	}

	if len(r.EventID) > MaxEventIDLength {
		return &errors.ValidationError{
			EventID: r.EventID[:32] + "...",
			Field:   "event_id",
			Reason:  fmt.Sprintf("length %d exceeds %d bytes", len(r.EventID), MaxEventIDLength),
		}
	}

	if !utf8.ValidString(r.EventID) {
		return &errors.ValidationError{
			EventID: r.EventID,
			Field:   "event_id",
			Reason:  "not valid UTF-8",
		}
	}

	if r.TopicName == "" {
		return &errors.ValidationError{
			EventID: r.EventID,
			Field:   "topic_name",
			Reason:  "required field is missing",
		}
	}

	if !r.Status.Valid() {
		return &errors.ValidationError{
			EventID: r.EventID,
			Field:   "status",
			Reason:  fmt.Sprintf("unknown status: %q", r.Status),
		}
	}

	trimmed := bytes.TrimSpace(r.Payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return &errors.ValidationError{
			EventID: r.EventID,
			Field:   "payload",
			Reason:  "must be a JSON object",
		}
	}
	if _, err := event.DecodePayload(trimmed); err != nil {
		return &errors.ValidationError{
			EventID: r.EventID,
			Field:   "payload",
			Reason:  err.Error(),
		}
	}

	return nil
}
