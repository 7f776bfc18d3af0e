// Package archive copies processed ledger records to long-term storage as
// Parquet or Avro files partitioned by topic and processing day.
package archive

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jittakal/kafeventledger/internal/buffer"
	"github.com/jittakal/kafeventledger/internal/config/dto"
	apperrors "github.com/jittakal/kafeventledger/internal/errors"
	"github.com/jittakal/kafeventledger/internal/ledger"
	"github.com/jittakal/kafeventledger/pkg/event"
	"github.com/jittakal/kafeventledger/pkg/storage"
)

const (
	DefaultInterval = time.Minute
	DefaultPageSize = 500
)

// Source pages ledger rows.
type Source interface {
	List(ctx context.Context, f ledger.Filter) ([]*event.Record, error)
}

// Metrics receives archive buffer levels.
type Metrics interface {
	SetBufferRecords(topic, day string, count int)
}

type Config struct {
	Interval time.Duration
	Lookback time.Duration
	PageSize int
	Format   event.FileFormat
}

func ConfigFrom(cfg dto.ArchiveConfig, format event.FileFormat) Config {
	return Config{
		Interval: time.Duration(cfg.IntervalSeconds) * time.Second,
		Lookback: time.Duration(cfg.LookbackHours) * time.Hour,
		PageSize: cfg.PageSize,
		Format:   format,
	}
}

// Archiver periodically pages processed rows newer than its watermark into
// per-partition buffers and writes a buffer out once the rotation policy
// says so. Stop flushes whatever is left.
type Archiver struct {
	source  Source
	buffers *buffer.Manager
	writer  storage.Writer
	router  storage.Router
	policy  storage.RotationPolicy
	cfg     Config
	logger  *zap.Logger
	metrics Metrics

	// mu serializes cycles and guards watermark.
	mu        sync.Mutex
	watermark time.Time

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	done      chan struct{}
}

func New(
	source Source,
	buffers *buffer.Manager,
	writer storage.Writer,
	router storage.Router,
	policy storage.RotationPolicy,
	cfg Config,
	logger *zap.Logger,
	metrics Metrics,
) *Archiver {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Format == "" {
		cfg.Format = event.FormatParquet
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	// A zero watermark would switch the ledger to received_at ordering.
	watermark := time.Unix(0, 0).UTC()
	if cfg.Lookback > 0 {
		watermark = time.Now().UTC().Add(-cfg.Lookback)
	}

	return &Archiver{
		source:    source,
		buffers:   buffers,
		writer:    writer,
		router:    router,
		policy:    policy,
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		watermark: watermark,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Watermark is the processed_at of the last buffered record.
func (a *Archiver) Watermark() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.watermark
}

// Start runs a cycle every interval until Stop.
func (a *Archiver) Start(ctx context.Context) {
	a.startOnce.Do(func() {
		go a.loop(ctx)
	})
}

func (a *Archiver) loop(ctx context.Context) {
	defer close(a.done)

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	a.logger.Info("archiver started",
		zap.Duration("interval", a.cfg.Interval),
		zap.Int("page_size", a.cfg.PageSize),
		zap.Time("watermark", a.Watermark()),
	)

	for {
		select {
		case <-a.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.RunOnce(ctx); err != nil {
				a.logger.Error("archive cycle failed", zap.Error(err))
			}
		}
	}
}

// Stop ends the loop and writes out every non-empty buffer.
func (a *Archiver) Stop(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		close(a.stopCh)
		a.startOnce.Do(func() { close(a.done) })

		select {
		case <-a.done:
		case <-ctx.Done():
			err = ctx.Err()
			return
		}

		err = a.Flush(ctx, true)
		a.logger.Info("archiver stopped", zap.Error(err))
	})
	return err
}

// RunOnce buffers every processed row past the watermark and writes the
// buffers that are due. It returns the number of rows buffered.
func (a *Archiver) RunOnce(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	buffered := 0
	for {
		page, err := a.source.List(ctx, ledger.ArchiveFilter(a.watermark, a.cfg.PageSize))
		if err != nil {
			return buffered, fmt.Errorf("failed to page ledger: %w", err)
		}

		for _, record := range page {
			if err := a.add(ctx, *record); err != nil {
				return buffered, err
			}
			buffered++
			a.watermark = record.ArchiveTime()
		}

		if len(page) < a.cfg.PageSize {
			break
		}
	}

	return buffered, a.flushLocked(ctx, false)
}

// add buffers one record, writing its partition first if the buffer is
// full or due.
func (a *Archiver) add(ctx context.Context, record event.Record) error {
	key := event.ArchiveKeyFor(&record)
	buf := a.buffers.GetOrCreate(key)

	err := buf.Add(record)
	if stderrors.Is(err, apperrors.ErrBufferFull) {
		if err := a.write(ctx, key); err != nil {
			return err
		}
		err = buf.Add(record)
	}
	if err != nil {
		return fmt.Errorf("failed to buffer %s: %w", record.Key(), err)
	}

	if a.policy.ShouldRotate(buf.Stats()) {
		return a.write(ctx, key)
	}
	return nil
}

// Flush writes due buffers, or every non-empty buffer when force is set.
func (a *Archiver) Flush(ctx context.Context, force bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flushLocked(ctx, force)
}

func (a *Archiver) flushLocked(ctx context.Context, force bool) error {
	var errs []error
	for _, key := range a.buffers.Keys() {
		buf := a.buffers.GetOrCreate(key)
		stats := buf.Stats()
		if a.metrics != nil {
			a.metrics.SetBufferRecords(key.Topic, key.Day, stats.RecordCount)
		}
		if !force && !a.policy.ShouldRotate(stats) {
			continue
		}
		if err := a.write(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	a.buffers.Prune()
	return stderrors.Join(errs...)
}

// write drains one partition to storage. On failure the records go back
// into the buffer for the next cycle.
func (a *Archiver) write(ctx context.Context, key event.ArchiveKey) error {
	buf := a.buffers.GetOrCreate(key)
	records := buf.Drain()
	if len(records) == 0 {
		return nil
	}

	path := a.router.Route(key)
	size, err := a.writer.Write(ctx, records, path, a.cfg.Format)
	if err != nil {
		for _, r := range records {
			_ = buf.Add(r)
		}
		a.logger.Error("failed to write archive file",
			zap.String("partition", key.String()),
			zap.String("path", path),
			zap.Int("records", len(records)),
			zap.Error(err),
		)
		return fmt.Errorf("failed to archive %s: %w", key, err)
	}

	if a.metrics != nil {
		a.metrics.SetBufferRecords(key.Topic, key.Day, 0)
	}
	a.logger.Debug("archived partition",
		zap.String("partition", key.String()),
		zap.String("path", path),
		zap.Int("records", len(records)),
		zap.Int64("bytes", size),
	)
	return nil
}
