package buffer

import (
	"github.com/jittakal/kafeventledger/pkg/event"
)

// Buffer accumulates records of one archive partition until they are flushed.
type Buffer interface {
	Add(record event.Record) error

	Drain() []event.Record

	Stats() event.FileStats

	IsEmpty() bool

	Reset()
}

// Manager hands out one Buffer per archive partition.
type Manager interface {
	GetOrCreate(key event.ArchiveKey) Buffer

	Keys() []event.ArchiveKey
}
