// Package storage archives ledger records to a local directory or an
// object store (S3, GCS, Azure Blob).
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/jittakal/kafeventledger/internal/errors"
	"github.com/jittakal/kafeventledger/pkg/encoder"
	"github.com/jittakal/kafeventledger/pkg/event"
)

// MetricsCollector defines metrics operations for storage.
type MetricsCollector interface {
	IncFilesWritten(topic, format, status string)
	ObserveFileSize(topic, format string, size float64)
	ObserveStorageWriteDuration(topic string, duration float64)
	IncStorageErrors(backend string, operation string)
}

// base carries what every backend shares: the encoder, file naming and
// metrics. Writes are serialized by mu.
type base struct {
	backend string
	scheme  string
	encoder encoder.Encoder
	logger  *zap.Logger
	metrics MetricsCollector
	now     func() time.Time
	tempDir string

	mu            sync.Mutex
	closed        bool
	fileSequence  int
	lastTimestamp string
}

func newBase(backend, scheme string, enc encoder.Encoder, logger *zap.Logger, metrics MetricsCollector) *base {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &base{
		backend: backend,
		scheme:  scheme,
		encoder: enc,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
		tempDir: os.TempDir(),
	}
}

// fileName returns events_YYYYMMDD_HHMMSS_NNN.ext. The sequence resets
// every second. Callers hold mu.
func (b *base) fileName() string {
	timestamp := b.now().UTC().Format("20060102_150405")
	if timestamp == b.lastTimestamp {
		b.fileSequence++
	} else {
		b.fileSequence = 1
		b.lastTimestamp = timestamp
	}
	return fmt.Sprintf("events_%s_%03d%s", timestamp, b.fileSequence, b.encoder.FileExtension())
}

// objectKey strips scheme://bucket/ from a routed path and appends name.
func (b *base) objectKey(path, name string) string {
	key := path
	if prefix := b.scheme + "://"; strings.HasPrefix(path, prefix) {
		parts := strings.SplitN(strings.TrimPrefix(path, prefix), "/", 2)
		if len(parts) == 2 {
			key = parts[1]
		} else {
			key = ""
		}
	}
	if key != "" && !strings.HasSuffix(key, "/") {
		key += "/"
	}
	return strings.TrimPrefix(key+name, "/")
}

// encodeTemp encodes records into a temporary file. The caller removes it.
func (b *base) encodeTemp(records []event.Record) (string, *event.FileStats, error) {
	tempFile := filepath.Join(b.tempDir, fmt.Sprintf("%s-upload-%d%s", b.backend, b.now().UnixNano(), b.encoder.FileExtension()))

	stats, err := b.encoder.Encode(tempFile, records)
	if err != nil {
		_ = os.Remove(tempFile)
		return "", nil, b.fail("encode", tempFile, err)
	}
	return tempFile, stats, nil
}

// upload encodes records to a temp file and hands it to put.
func (b *base) upload(ctx context.Context, records []event.Record, key string, put func(ctx context.Context, key string, file *os.File) error) (*event.FileStats, error) {
	tempFile, stats, err := b.encodeTemp(records)
	if err != nil {
		return nil, err
	}
	defer os.Remove(tempFile)

	file, err := os.Open(tempFile)
	if err != nil {
		return nil, b.fail("file_open", tempFile, err)
	}
	defer file.Close()

	if err := put(ctx, key, file); err != nil {
		return nil, b.fail("upload", key, err)
	}
	return stats, nil
}

func (b *base) fail(operation, path string, err error) error {
	if b.metrics != nil {
		b.metrics.IncStorageErrors(b.backend, operation)
	}
	return &apperrors.StorageError{Operation: operation, Path: path, Err: err}
}

func (b *base) observe(records []event.Record, format event.FileFormat, stats *event.FileStats, location string, start time.Time) {
	duration := time.Since(start)

	b.logger.Info("wrote ledger records",
		zap.String("backend", b.backend),
		zap.String("location", location),
		zap.Int("record_count", stats.RecordCount),
		zap.Int64("file_size", stats.SizeBytes),
		zap.String("format", string(format)),
		zap.Int64("total_duration_ms", duration.Milliseconds()),
	)

	if b.metrics != nil {
		topic := records[0].TopicName
		b.metrics.IncFilesWritten(topic, string(format), "success")
		b.metrics.ObserveFileSize(topic, string(format), float64(stats.SizeBytes))
		b.metrics.ObserveStorageWriteDuration(topic, duration.Seconds())
	}
}

// begin validates a write. Callers hold mu.
func (b *base) begin(records []event.Record, format event.FileFormat) error {
	if b.closed {
		return apperrors.ErrWriterClosed
	}
	if len(records) == 0 {
		return fmt.Errorf("no records to write")
	}
	if format != b.encoder.Format() {
		return fmt.Errorf("writer encodes %s, requested %s", b.encoder.Format(), format)
	}
	return nil
}
