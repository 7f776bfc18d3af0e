package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jittakal/kafeventledger/pkg/encoder"
	"github.com/jittakal/kafeventledger/pkg/event"
	"github.com/jittakal/kafeventledger/pkg/storage"
)

var _ storage.Writer = (*FileWriter)(nil)

// FileWriter writes archive files under a local base directory.
type FileWriter struct {
	*base
	basePath string
}

// NewFileWriter creates the base directory if needed.
func NewFileWriter(basePath string, enc encoder.Encoder, logger *zap.Logger, metrics MetricsCollector) (*FileWriter, error) {
	if basePath == "" {
		return nil, fmt.Errorf("file base path is required")
	}
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base path: %w", err)
	}

	w := &FileWriter{
		base:     newBase("file", "file", enc, logger, metrics),
		basePath: basePath,
	}

	w.logger.Info("filesystem writer created",
		zap.String("base_path", basePath),
		zap.String("format", string(enc.Format())),
	)
	return w, nil
}

func (w *FileWriter) Write(ctx context.Context, records []event.Record, path string, format event.FileFormat) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.begin(records, format); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	start := time.Now()

	dir := filepath.Join(w.basePath, strings.TrimPrefix(path, "file://"))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, w.fail("mkdir", dir, err)
	}

	fullPath := filepath.Join(dir, w.fileName())
	stats, err := w.encoder.Encode(fullPath, records)
	if err != nil {
		_ = os.Remove(fullPath)
		return 0, w.fail("encode", fullPath, err)
	}

	w.observe(records, format, stats, fullPath, start)
	return stats.SizeBytes, nil
}

func (w *FileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	w.logger.Info("closing filesystem writer")
	return nil
}
