// Package ledger persists the idempotency record of every delivered event.
//
// A row is keyed by (event_id, topic_name). The backing store enforces that
// key, so concurrent inserts of the same event resolve to exactly one winner
// and the loser sees errors.ErrDuplicateEvent.
package ledger

import (
	"context"
	"sort"
	"time"

	apperrors "github.com/jittakal/kafeventledger/internal/errors"
	"github.com/jittakal/kafeventledger/pkg/event"
)

// Store is the idempotency ledger.
type Store interface {
	// Exists reports whether a row for key is present in any status.
	Exists(ctx context.Context, key event.Key) (bool, error)

	// Insert creates the row. It returns errors.ErrDuplicateEvent when the
	// key is already taken.
	Insert(ctx context.Context, record *event.Record) error

	// MarkProcessed moves the row to processed and stamps the time.
	MarkProcessed(ctx context.Context, key event.Key, at time.Time) error

	// MarkFailed moves the row to failed.
	MarkFailed(ctx context.Context, key event.Key) error

	// Get returns the row or errors.ErrRecordNotFound.
	Get(ctx context.Context, key event.Key) (*event.Record, error)

	// List returns rows matching the filter.
	List(ctx context.Context, filter Filter) ([]*event.Record, error)

	Ping(ctx context.Context) error

	Close() error
}

// Filter selects ledger rows.
//
// Rows are returned by processed_at when ProcessedAfter is set, otherwise by
// received_at. Ties break on topic and event id.
type Filter struct {
	Statuses       []event.Status
	Topic          string
	ProcessedAfter time.Time
	Limit          int
}

// ReplayFilter selects rows that may be re-driven.
func ReplayFilter(topic string, limit int) Filter {
	return Filter{
		Statuses: []event.Status{event.StatusFailed, event.StatusReceived},
		Topic:    topic,
		Limit:    limit,
	}
}

// ArchiveFilter pages processed rows newer than the watermark.
func ArchiveFilter(after time.Time, limit int) Filter {
	return Filter{
		Statuses:       []event.Status{event.StatusProcessed},
		ProcessedAfter: after,
		Limit:          limit,
	}
}

func (f Filter) byProcessed() bool {
	return !f.ProcessedAfter.IsZero()
}

func (f Filter) statusStrings() []string {
	out := make([]string, 0, len(f.Statuses))
	for _, s := range f.Statuses {
		out = append(out, string(s))
	}
	return out
}

func (f Filter) matches(r *event.Record) bool {
	if f.Topic != "" && r.TopicName != f.Topic {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if r.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.byProcessed() {
		if r.ProcessedAt == nil || !r.ProcessedAt.After(f.ProcessedAfter) {
			return false
		}
	}
	return true
}

// sortRecords orders records the same way the SQL stores do.
func sortRecords(records []*event.Record, f Filter) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		var ta, tb time.Time
		if f.byProcessed() {
			ta, tb = a.ArchiveTime(), b.ArchiveTime()
		} else {
			ta, tb = a.ReceivedAt, b.ReceivedAt
		}
		if !ta.Equal(tb) {
			return ta.Before(tb)
		}
		if a.TopicName != b.TopicName {
			return a.TopicName < b.TopicName
		}
		return a.EventID < b.EventID
	})
}

func wrap(op string, key event.Key, err error) error {
	if err == nil {
		return nil
	}
	return &apperrors.LedgerError{Operation: op, Key: key, Err: err}
}

func cloneRecord(r *event.Record) *event.Record {
	c := *r
	c.Payload = append([]byte(nil), r.Payload...)
	if r.ProcessedAt != nil {
		t := *r.ProcessedAt
		c.ProcessedAt = &t
	}
	return &c
}
