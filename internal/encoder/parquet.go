// Package encoder writes archived ledger records as Parquet or Avro files.
package encoder

import (
	"fmt"
	"os"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/jittakal/kafeventledger/pkg/encoder"
	"github.com/jittakal/kafeventledger/pkg/event"
)

var _ encoder.Encoder = (*ParquetEncoder)(nil)

// LedgerRecordParquet is the Parquet row of an archived ledger record.
// Timestamps use TIMESTAMP_MICROS so Athena and Hive read them natively.
type LedgerRecordParquet struct {
	EventID     string     `parquet:"event_id"`
	TopicName   string     `parquet:"topic_name,dict"`
	Status      string     `parquet:"status,dict"`
	Payload     string     `parquet:"payload"`
	ReceivedAt  time.Time  `parquet:"received_at,timestamp(microsecond)"`
	ProcessedAt *time.Time `parquet:"processed_at,timestamp(microsecond),optional"`
	ArchivedAt  time.Time  `parquet:"archived_at,timestamp(microsecond)"`
}

// ParquetEncoder writes Parquet files with a configurable codec.
type ParquetEncoder struct {
	compressionName string
	now             func() time.Time
}

func NewParquetEncoder(compression string) *ParquetEncoder {
	return &ParquetEncoder{
		compressionName: compression,
		now:             time.Now,
	}
}

func compressionCodec(compression string) parquet.WriterOption {
	switch compression {
	case "gzip", "GZIP":
		return parquet.Compression(&parquet.Gzip)
	case "lz4", "LZ4":
		return parquet.Compression(&parquet.Lz4Raw)
	case "zstd", "ZSTD":
		return parquet.Compression(&parquet.Zstd)
	case "uncompressed", "UNCOMPRESSED", "none", "NONE":
		return parquet.Compression(&parquet.Uncompressed)
	default:
		return parquet.Compression(&parquet.Snappy)
	}
}

func (e *ParquetEncoder) Encode(filePath string, records []event.Record) (*event.FileStats, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("no records to encode")
	}

	archivedAt := e.now().UTC()
	rows := make([]LedgerRecordParquet, len(records))
	for i, record := range records {
		rows[i] = toParquet(record, archivedAt)
	}

	file, err := os.Create(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}

	writer := parquet.NewGenericWriter[LedgerRecordParquet](
		file,
		compressionCodec(e.compressionName),
		parquet.CreatedBy("kafeventledger", "1.0", "0"),
	)

	if _, err := writer.Write(rows); err != nil {
		_ = writer.Close()
		_ = file.Close()
		return nil, fmt.Errorf("failed to write records: %w", err)
	}
	if err := writer.Close(); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to close writer: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close file: %w", err)
	}

	return fileStats(filePath, records)
}

func toParquet(record event.Record, archivedAt time.Time) LedgerRecordParquet {
	row := LedgerRecordParquet{
		EventID:    record.EventID,
		TopicName:  record.TopicName,
		Status:     string(record.Status),
		Payload:    string(record.Payload),
		ReceivedAt: record.ReceivedAt.UTC(),
		ArchivedAt: archivedAt,
	}
	if record.ProcessedAt != nil {
		t := record.ProcessedAt.UTC()
		row.ProcessedAt = &t
	}
	return row
}

func (e *ParquetEncoder) Format() event.FileFormat {
	return event.FormatParquet
}

func (e *ParquetEncoder) FileExtension() string {
	return ".parquet"
}

// fileStats reports the written file size and the span of processing times
// covered by records.
func fileStats(filePath string, records []event.Record) (*event.FileStats, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	first, last := records[0].ArchiveTime(), records[0].ArchiveTime()
	for _, r := range records[1:] {
		t := r.ArchiveTime()
		if t.Before(first) {
			first = t
		}
		if t.After(last) {
			last = t
		}
	}

	return &event.FileStats{
		RecordCount:    len(records),
		SizeBytes:      info.Size(),
		FirstWriteTime: first,
		LastWriteTime:  last,
	}, nil
}
