package ledger

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/jittakal/kafeventledger/internal/errors"
	"github.com/jittakal/kafeventledger/pkg/event"
)

// MemoryStore keeps the ledger in process. It is used by tests and by the
// memory driver for local runs; nothing survives a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[event.Key]*event.Record
	closed  bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[event.Key]*event.Record)}
}

func (m *MemoryStore) Exists(ctx context.Context, key event.Key) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, wrap("exists", key, err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[key]
	return ok, nil
}

func (m *MemoryStore) Insert(ctx context.Context, record *event.Record) error {
	key := record.Key()
	if err := ctx.Err(); err != nil {
		return wrap("insert", key, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return wrap("insert", key, apperrors.ErrLedgerUnhealthy)
	}
	if _, ok := m.records[key]; ok {
		return apperrors.ErrDuplicateEvent
	}
	m.records[key] = cloneRecord(record)
	return nil
}

func (m *MemoryStore) MarkProcessed(ctx context.Context, key event.Key, at time.Time) error {
	return m.update(ctx, "mark_processed", key, func(r *event.Record) {
		t := at.UTC()
		r.Status = event.StatusProcessed
		r.ProcessedAt = &t
	})
}

func (m *MemoryStore) MarkFailed(ctx context.Context, key event.Key) error {
	return m.update(ctx, "mark_failed", key, func(r *event.Record) {
		r.Status = event.StatusFailed
	})
}

func (m *MemoryStore) update(ctx context.Context, op string, key event.Key, fn func(*event.Record)) error {
	if err := ctx.Err(); err != nil {
		return wrap(op, key, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[key]
	if !ok {
		return wrap(op, key, apperrors.ErrRecordNotFound)
	}
	fn(r)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, key event.Key) (*event.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrap("get", key, err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[key]
	if !ok {
		return nil, wrap("get", key, apperrors.ErrRecordNotFound)
	}
	return cloneRecord(r), nil
}

func (m *MemoryStore) List(ctx context.Context, filter Filter) ([]*event.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrap("list", event.Key{Topic: filter.Topic}, err)
	}
	m.mu.RLock()
	out := make([]*event.Record, 0)
	for _, r := range m.records {
		if filter.matches(r) {
			out = append(out, cloneRecord(r))
		}
	}
	m.mu.RUnlock()

	sortRecords(out, filter)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return apperrors.ErrLedgerUnhealthy
	}
	return ctx.Err()
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
