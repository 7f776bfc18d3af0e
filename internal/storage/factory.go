package storage

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jittakal/kafeventledger/internal/config/dto"
	"github.com/jittakal/kafeventledger/pkg/encoder"
	"github.com/jittakal/kafeventledger/pkg/storage"
)

// Protocol returns the URI scheme routed paths use for backend.
func Protocol(backend string) string {
	switch backend {
	case "s3":
		return "s3"
	case "azure":
		return "wasbs"
	case "gcs":
		return "gs"
	default:
		return "file"
	}
}

// RouterFor builds the router matching cfg.Backend.
func RouterFor(cfg dto.StorageConfig) *DefaultRouter {
	var bucket, basePath string
	switch cfg.Backend {
	case "s3":
		bucket, basePath = cfg.S3.Bucket, cfg.S3.BasePath
	case "azure":
		bucket, basePath = cfg.Azure.Container, cfg.Azure.BasePath
	case "gcs":
		bucket, basePath = cfg.GCS.Bucket, cfg.GCS.BasePath
	}
	return NewRouter(Protocol(cfg.Backend), bucket, basePath, "v1")
}

// NewWriter builds the writer for cfg.Backend.
func NewWriter(ctx context.Context, cfg dto.StorageConfig, enc encoder.Encoder, logger *zap.Logger, metrics MetricsCollector) (storage.Writer, error) {
	switch cfg.Backend {
	case "s3":
		return NewS3Writer(ctx, cfg.S3, enc, logger, metrics)
	case "azure":
		return NewAzureWriter(cfg.Azure, enc, logger, metrics)
	case "gcs":
		return NewGCSWriter(ctx, cfg.GCS, enc, logger, metrics)
	case "file", "":
		return NewFileWriter(cfg.File.BasePath, enc, logger, metrics)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Backend)
	}
}
