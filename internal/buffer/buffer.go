// Package buffer holds processed ledger records per archive partition until
// they are flushed to storage.
package buffer

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jittakal/kafeventledger/internal/errors"
	"github.com/jittakal/kafeventledger/pkg/buffer"
	"github.com/jittakal/kafeventledger/pkg/event"
)

var (
	_ buffer.Buffer  = (*PartitionBuffer)(nil)
	_ buffer.Manager = (*Manager)(nil)
)

// recordOverhead approximates the fixed columns of an archived row.
const recordOverhead = 48

// PartitionBuffer buffers the records of one (topic, day) partition.
type PartitionBuffer struct {
	key            event.ArchiveKey
	records        []event.Record
	maxSizeBytes   int64
	maxRecords     int
	currentSize    int64
	firstWriteTime time.Time
	lastWriteTime  time.Time
	now            func() time.Time
	mu             sync.RWMutex
}

// New creates a partition buffer. Zero limits mean unbounded.
func New(key event.ArchiveKey, maxSizeBytes int64, maxRecords int) *PartitionBuffer {
	return &PartitionBuffer{
		key:          key,
		records:      make([]event.Record, 0, initialCap(maxRecords)),
		maxSizeBytes: maxSizeBytes,
		maxRecords:   maxRecords,
		now:          time.Now,
	}
}

func initialCap(maxRecords int) int {
	if maxRecords <= 0 || maxRecords > 1024 {
		return 1024
	}
	return maxRecords
}

// Key returns the partition this buffer collects.
func (b *PartitionBuffer) Key() event.ArchiveKey {
	return b.key
}

// Add appends a record or returns errors.ErrBufferFull.
func (b *PartitionBuffer) Add(record event.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	recordSize := int64(estimateSize(record))

	if b.maxRecords > 0 && len(b.records) >= b.maxRecords {
		return fmt.Errorf("%w: max records (%d) reached", errors.ErrBufferFull, b.maxRecords)
	}

	if b.maxSizeBytes > 0 && len(b.records) > 0 && b.currentSize+recordSize > b.maxSizeBytes {
		return fmt.Errorf("%w: max size (%d bytes) would be exceeded", errors.ErrBufferFull, b.maxSizeBytes)
	}

	b.records = append(b.records, record)
	b.currentSize += recordSize

	now := b.now()
	if b.firstWriteTime.IsZero() {
		b.firstWriteTime = now
	}
	b.lastWriteTime = now

	return nil
}

// Drain removes and returns all records. The caller owns the slice.
func (b *PartitionBuffer) Drain() []event.Record {
	b.mu.Lock()
	defer b.mu.Unlock()

	records := b.records
	b.reset()
	return records
}

func (b *PartitionBuffer) Stats() event.FileStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return event.FileStats{
		RecordCount:    len(b.records),
		SizeBytes:      b.currentSize,
		FirstWriteTime: b.firstWriteTime,
		LastWriteTime:  b.lastWriteTime,
	}
}

func (b *PartitionBuffer) IsEmpty() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.records) == 0
}

func (b *PartitionBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reset()
}

func (b *PartitionBuffer) reset() {
	b.records = make([]event.Record, 0, initialCap(b.maxRecords))
	b.currentSize = 0
	b.firstWriteTime = time.Time{}
	b.lastWriteTime = time.Time{}
}

func estimateSize(record event.Record) int {
	return recordOverhead + len(record.EventID) + len(record.TopicName) +
		len(record.Payload) + len(record.Status)
}

// Manager hands out one buffer per archive partition, creating them on
// demand.
type Manager struct {
	buffers      map[event.ArchiveKey]*PartitionBuffer
	maxSizeBytes int64
	maxRecords   int
	mu           sync.RWMutex
}

func NewManager(maxSizeBytes int64, maxRecords int) *Manager {
	return &Manager{
		buffers:      make(map[event.ArchiveKey]*PartitionBuffer),
		maxSizeBytes: maxSizeBytes,
		maxRecords:   maxRecords,
	}
}

// GetOrCreate returns the buffer for key, creating it if needed.
func (m *Manager) GetOrCreate(key event.ArchiveKey) buffer.Buffer {
	m.mu.RLock()
	buf, exists := m.buffers[key]
	m.mu.RUnlock()

	if exists {
		return buf
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if buf, exists := m.buffers[key]; exists {
		return buf
	}

	buf = New(key, m.maxSizeBytes, m.maxRecords)
	m.buffers[key] = buf
	return buf
}

// Keys returns the partitions that currently hold records, in topic then
// day order.
func (m *Manager) Keys() []event.ArchiveKey {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]event.ArchiveKey, 0, len(m.buffers))
	for key, buf := range m.buffers {
		if !buf.IsEmpty() {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Topic != keys[j].Topic {
			return keys[i].Topic < keys[j].Topic
		}
		return keys[i].Day < keys[j].Day
	})
	return keys
}

// Prune drops empty buffers so finished days do not accumulate.
func (m *Manager) Prune() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, buf := range m.buffers {
		if buf.IsEmpty() {
			delete(m.buffers, key)
		}
	}
}
