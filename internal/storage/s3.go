package storage

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/jittakal/kafeventledger/internal/config/dto"
	"github.com/jittakal/kafeventledger/pkg/encoder"
	"github.com/jittakal/kafeventledger/pkg/event"
	"github.com/jittakal/kafeventledger/pkg/storage"
)

var _ storage.Writer = (*S3Writer)(nil)

// s3Uploader is the subset of manager.Uploader the writer calls.
type s3Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Writer uploads archive files to S3 with multipart uploads and
// optional server-side encryption.
type S3Writer struct {
	*base
	uploader    s3Uploader
	bucket      string
	sseEnabled  bool
	sseKMSKeyID string
}

// NewS3Writer loads the default AWS credential chain for cfg.Region.
func NewS3Writer(ctx context.Context, cfg dto.S3Config, enc encoder.Encoder, logger *zap.Logger, metrics MetricsCollector) (*S3Writer, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("s3 region is required")
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = 10 * 1024 * 1024
		u.Concurrency = 5
	})

	w := newS3Writer(cfg, uploader, enc, logger, metrics)
	w.logger.Info("S3 writer created",
		zap.String("bucket", cfg.Bucket),
		zap.String("region", cfg.Region),
		zap.String("format", string(enc.Format())),
		zap.Bool("sse_enabled", cfg.SSEEnabled),
	)
	return w, nil
}

func newS3Writer(cfg dto.S3Config, uploader s3Uploader, enc encoder.Encoder, logger *zap.Logger, metrics MetricsCollector) *S3Writer {
	return &S3Writer{
		base:        newBase("s3", "s3", enc, logger, metrics),
		uploader:    uploader,
		bucket:      cfg.Bucket,
		sseEnabled:  cfg.SSEEnabled,
		sseKMSKeyID: cfg.SSEKMSKeyID,
	}
}

func (w *S3Writer) Write(ctx context.Context, records []event.Record, path string, format event.FileFormat) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.begin(records, format); err != nil {
		return 0, err
	}

	start := time.Now()
	key := w.objectKey(path, w.fileName())

	var location string
	stats, err := w.upload(ctx, records, key, func(ctx context.Context, key string, file *os.File) error {
		input := &s3.PutObjectInput{
			Bucket: aws.String(w.bucket),
			Key:    aws.String(key),
			Body:   file,
		}
		if w.sseEnabled {
			if w.sseKMSKeyID != "" {
				input.ServerSideEncryption = types.ServerSideEncryptionAwsKms
				input.SSEKMSKeyId = aws.String(w.sseKMSKeyID)
			} else {
				input.ServerSideEncryption = types.ServerSideEncryptionAes256
			}
		}

		result, err := w.uploader.Upload(ctx, input)
		if err != nil {
			return err
		}
		location = result.Location
		return nil
	})
	if err != nil {
		return 0, err
	}

	if location == "" {
		location = fmt.Sprintf("s3://%s/%s", w.bucket, key)
	}
	w.observe(records, format, stats, location, start)
	return stats.SizeBytes, nil
}

func (w *S3Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	w.logger.Info("closing S3 writer")
	return nil
}
