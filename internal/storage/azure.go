package storage

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"go.uber.org/zap"

	"github.com/jittakal/kafeventledger/internal/config/dto"
	"github.com/jittakal/kafeventledger/pkg/encoder"
	"github.com/jittakal/kafeventledger/pkg/event"
	"github.com/jittakal/kafeventledger/pkg/storage"
)

var _ storage.Writer = (*AzureWriter)(nil)

// blobUploader is satisfied by *azblob.Client.
type blobUploader interface {
	UploadFile(ctx context.Context, containerName, blobName string, file *os.File, o *azblob.UploadFileOptions) (azblob.UploadFileResponse, error)
}

// AzureWriter uploads archive files to an Azure Blob container.
type AzureWriter struct {
	*base
	client    blobUploader
	container string
}

// NewAzureWriter connects with cfg.ConnectionString.
func NewAzureWriter(cfg dto.AzureConfig, enc encoder.Encoder, logger *zap.Logger, metrics MetricsCollector) (*AzureWriter, error) {
	if cfg.Container == "" {
		return nil, fmt.Errorf("azure container is required")
	}
	if cfg.ConnectionString == "" {
		return nil, fmt.Errorf("azure connection string is required")
	}

	client, err := azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure client: %w", err)
	}

	w := newAzureWriter(cfg, client, enc, logger, metrics)
	w.logger.Info("Azure writer created",
		zap.String("container", cfg.Container),
		zap.String("account", cfg.AccountName),
		zap.String("format", string(enc.Format())),
	)
	return w, nil
}

func newAzureWriter(cfg dto.AzureConfig, client blobUploader, enc encoder.Encoder, logger *zap.Logger, metrics MetricsCollector) *AzureWriter {
	return &AzureWriter{
		base:      newBase("azure", "wasbs", enc, logger, metrics),
		client:    client,
		container: cfg.Container,
	}
}

func (w *AzureWriter) Write(ctx context.Context, records []event.Record, path string, format event.FileFormat) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.begin(records, format); err != nil {
		return 0, err
	}

	start := time.Now()
	blob := w.objectKey(path, w.fileName())

	stats, err := w.upload(ctx, records, blob, func(ctx context.Context, blob string, file *os.File) error {
		_, err := w.client.UploadFile(ctx, w.container, blob, file, nil)
		return err
	})
	if err != nil {
		return 0, err
	}

	w.observe(records, format, stats, fmt.Sprintf("wasbs://%s/%s", w.container, blob), start)
	return stats.SizeBytes, nil
}

func (w *AzureWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	w.logger.Info("Azure writer closed")
	return nil
}
