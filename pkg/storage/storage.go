// Package storage defines interfaces for archiving ledger records.
//
// Writers persist batches of processed records to a backend (local
// filesystem, S3, GCS or Azure Blob).
package storage

import (
	"context"

	"github.com/jittakal/kafeventledger/pkg/event"
)

// Writer writes ledger records to storage.
type Writer interface {
	// Write encodes records into one file under path.
	// Returns the number of bytes written.
	Write(ctx context.Context, records []event.Record, path string, format event.FileFormat) (int64, error)

	// Close closes the writer and releases resources.
	Close() error
}

// Router determines the storage path of an archive partition.
type Router interface {
	Route(key event.ArchiveKey) string
}

// RotationPolicy determines when a pending archive buffer is flushed.
type RotationPolicy interface {
	ShouldRotate(stats event.FileStats) bool
}
