package buffer

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	apperrors "github.com/jittakal/kafeventledger/internal/errors"
	"github.com/jittakal/kafeventledger/pkg/event"
)

var testKey = event.ArchiveKey{Topic: "balance_update", Day: "2024-03-01"}

func testRecord(id string) event.Record {
	processed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return event.Record{
		EventID:     id,
		TopicName:   "balance_update",
		Payload:     []byte(fmt.Sprintf(`{"eventId":%q,"amount":10}`, id)),
		Status:      event.StatusProcessed,
		ReceivedAt:  processed.Add(-time.Second),
		ProcessedAt: &processed,
	}
}

func TestNew(t *testing.T) {
	buf := New(testKey, 1024*1024, 1000)

	if buf.Key() != testKey {
		t.Errorf("Key() = %v, want %v", buf.Key(), testKey)
	}
	if buf.maxSizeBytes != 1024*1024 {
		t.Errorf("maxSizeBytes = %d, want %d", buf.maxSizeBytes, 1024*1024)
	}
	if buf.maxRecords != 1000 {
		t.Errorf("maxRecords = %d, want 1000", buf.maxRecords)
	}
	if !buf.IsEmpty() {
		t.Error("new buffer should be empty")
	}
}

func TestPartitionBuffer_Add(t *testing.T) {
	buf := New(testKey, 1024*1024, 100)
	now := time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC)
	buf.now = func() time.Time { return now }

	if err := buf.Add(testRecord("e1")); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	stats := buf.Stats()
	if stats.RecordCount != 1 {
		t.Errorf("RecordCount = %d, want 1", stats.RecordCount)
	}
	if stats.SizeBytes == 0 {
		t.Error("expected non-zero size")
	}
	if !stats.FirstWriteTime.Equal(now) || !stats.LastWriteTime.Equal(now) {
		t.Errorf("write times = %v/%v, want %v", stats.FirstWriteTime, stats.LastWriteTime, now)
	}
}

func TestPartitionBuffer_AddLimits(t *testing.T) {
	t.Run("max records", func(t *testing.T) {
		buf := New(testKey, 0, 2)
		for i := 0; i < 2; i++ {
			if err := buf.Add(testRecord(fmt.Sprintf("e%d", i))); err != nil {
				t.Fatalf("Add() error = %v", err)
			}
		}
		err := buf.Add(testRecord("overflow"))
		if !errors.Is(err, apperrors.ErrBufferFull) {
			t.Errorf("Add() error = %v, want ErrBufferFull", err)
		}
	})

	t.Run("max size", func(t *testing.T) {
		size := int64(estimateSize(testRecord("e1")))
		buf := New(testKey, size+1, 0)
		if err := buf.Add(testRecord("e1")); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
		err := buf.Add(testRecord("e2"))
		if !errors.Is(err, apperrors.ErrBufferFull) {
			t.Errorf("Add() error = %v, want ErrBufferFull", err)
		}
	})

	t.Run("oversized first record accepted", func(t *testing.T) {
		buf := New(testKey, 1, 0)
		if err := buf.Add(testRecord("e1")); err != nil {
			t.Errorf("Add() error = %v, want nil", err)
		}
	})
}

func TestPartitionBuffer_Drain(t *testing.T) {
	buf := New(testKey, 0, 10)
	for _, id := range []string{"e1", "e2", "e3"} {
		if err := buf.Add(testRecord(id)); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
	}

	records := buf.Drain()
	if len(records) != 3 {
		t.Fatalf("Drain() returned %d records, want 3", len(records))
	}
	if records[0].EventID != "e1" || records[2].EventID != "e3" {
		t.Errorf("Drain() order = %s..%s, want e1..e3", records[0].EventID, records[2].EventID)
	}

	if !buf.IsEmpty() {
		t.Error("buffer should be empty after Drain")
	}
	stats := buf.Stats()
	if stats.SizeBytes != 0 || !stats.FirstWriteTime.IsZero() {
		t.Errorf("stats not reset: %+v", stats)
	}

	if err := buf.Add(testRecord("e4")); err != nil {
		t.Fatalf("Add() after Drain error = %v", err)
	}
	if records[0].EventID != "e1" {
		t.Error("drained slice must not be reused")
	}
}

func TestPartitionBuffer_Reset(t *testing.T) {
	buf := New(testKey, 0, 10)
	_ = buf.Add(testRecord("e1"))
	buf.Reset()

	if !buf.IsEmpty() {
		t.Error("buffer should be empty after Reset")
	}
}

func TestPartitionBuffer_ConcurrentAdd(t *testing.T) {
	buf := New(testKey, 0, 0)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = buf.Add(testRecord(fmt.Sprintf("g%d-%d", g, i)))
			}
		}(g)
	}
	wg.Wait()

	if got := buf.Stats().RecordCount; got != 400 {
		t.Errorf("RecordCount = %d, want 400", got)
	}
}

func TestManager_GetOrCreate(t *testing.T) {
	mgr := NewManager(0, 10)

	a := mgr.GetOrCreate(testKey)
	b := mgr.GetOrCreate(testKey)
	if a != b {
		t.Error("GetOrCreate should return the same buffer for a key")
	}

	other := mgr.GetOrCreate(event.ArchiveKey{Topic: "balance_update", Day: "2024-03-02"})
	if other == a {
		t.Error("different days must get different buffers")
	}
}

func TestManager_KeysAndPrune(t *testing.T) {
	mgr := NewManager(0, 10)

	keys := []event.ArchiveKey{
		{Topic: "trade_settled", Day: "2024-03-01"},
		{Topic: "balance_update", Day: "2024-03-02"},
		{Topic: "balance_update", Day: "2024-03-01"},
	}
	for _, k := range keys {
		_ = mgr.GetOrCreate(k).Add(testRecord("e1"))
	}
	mgr.GetOrCreate(event.ArchiveKey{Topic: "empty", Day: "2024-03-01"})

	got := mgr.Keys()
	want := []event.ArchiveKey{keys[2], keys[1], keys[0]}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("Keys() = %v, want %v", got, want)
	}

	mgr.GetOrCreate(keys[0]).Drain()
	mgr.Prune()

	mgr.mu.RLock()
	n := len(mgr.buffers)
	mgr.mu.RUnlock()
	if n != 2 {
		t.Errorf("buffers after Prune = %d, want 2", n)
	}
}
