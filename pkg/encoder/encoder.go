package encoder

import "github.com/jittakal/kafeventledger/pkg/event"

// Encoder writes ledger records to a file in a specific format.
type Encoder interface {
	Encode(filePath string, records []event.Record) (*event.FileStats, error)

	Format() event.FileFormat

	FileExtension() string
}
