package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	gcs "cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/jittakal/kafeventledger/internal/config/dto"
	"github.com/jittakal/kafeventledger/pkg/encoder"
	"github.com/jittakal/kafeventledger/pkg/event"
	"github.com/jittakal/kafeventledger/pkg/storage"
)

var _ storage.Writer = (*GCSWriter)(nil)

// objectWriterFunc opens a writer for one GCS object.
type objectWriterFunc func(ctx context.Context, bucket, object, contentType string) io.WriteCloser

// GCSWriter uploads archive files to Google Cloud Storage.
type GCSWriter struct {
	*base
	client    *gcs.Client
	newObject objectWriterFunc
	bucket    string
}

// NewGCSWriter authenticates with cfg.CredentialsFile when set and with
// application default credentials otherwise.
func NewGCSWriter(ctx context.Context, cfg dto.GCSConfig, enc encoder.Encoder, logger *zap.Logger, metrics MetricsCollector) (*GCSWriter, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs bucket is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
		logger.Info("using GCP credentials from file", zap.String("file", cfg.CredentialsFile))
	} else {
		logger.Info("no explicit credentials provided, using default GCP credentials")
	}

	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	newObject := func(ctx context.Context, bucket, object, contentType string) io.WriteCloser {
		ow := client.Bucket(bucket).Object(object).NewWriter(ctx)
		ow.ContentType = contentType
		return ow
	}

	w := newGCSWriter(cfg, newObject, enc, logger, metrics)
	w.client = client
	w.logger.Info("GCS writer created",
		zap.String("bucket", cfg.Bucket),
		zap.String("project_id", cfg.ProjectID),
		zap.String("format", string(enc.Format())),
	)
	return w, nil
}

func newGCSWriter(cfg dto.GCSConfig, newObject objectWriterFunc, enc encoder.Encoder, logger *zap.Logger, metrics MetricsCollector) *GCSWriter {
	return &GCSWriter{
		base:      newBase("gcs", "gs", enc, logger, metrics),
		newObject: newObject,
		bucket:    cfg.Bucket,
	}
}

func contentType(format event.FileFormat) string {
	if format == event.FormatAvro {
		return "application/avro"
	}
	return "application/octet-stream"
}

func (w *GCSWriter) Write(ctx context.Context, records []event.Record, path string, format event.FileFormat) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.begin(records, format); err != nil {
		return 0, err
	}

	start := time.Now()
	object := w.objectKey(path, w.fileName())

	stats, err := w.upload(ctx, records, object, func(ctx context.Context, object string, file *os.File) error {
		ow := w.newObject(ctx, w.bucket, object, contentType(format))
		if _, err := io.Copy(ow, file); err != nil {
			_ = ow.Close()
			return err
		}
		// The object is only committed on Close.
		return ow.Close()
	})
	if err != nil {
		return 0, err
	}

	w.observe(records, format, stats, fmt.Sprintf("gs://%s/%s", w.bucket, object), start)
	return stats.SizeBytes, nil
}

func (w *GCSWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	w.logger.Info("closing GCS writer")
	if w.client != nil {
		return w.client.Close()
	}
	return nil
}
