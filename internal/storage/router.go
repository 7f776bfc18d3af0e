package storage

import (
	"strings"
	"time"

	"github.com/jittakal/kafeventledger/pkg/event"
	"github.com/jittakal/kafeventledger/pkg/storage"
)

var (
	_ storage.Router         = (*DefaultRouter)(nil)
	_ storage.RotationPolicy = (*CompositePolicy)(nil)
)

// DefaultRouter lays archive files out in Hive-style partitions:
// protocol://bucket/basePath/topic/version/dt=YYYY-MM-DD/
type DefaultRouter struct {
	protocol string
	bucket   string
	basePath string
	version  string
}

func NewRouter(protocol, bucket, basePath, version string) *DefaultRouter {
	return &DefaultRouter{
		protocol: protocol,
		bucket:   bucket,
		basePath: strings.Trim(basePath, "/"),
		version:  version,
	}
}

// Route skips empty segments, so the file backend routes to
// file://topic/v1/dt=.../ relative to its base directory.
func (r *DefaultRouter) Route(key event.ArchiveKey) string {
	var segments []string
	for _, s := range []string{r.bucket, r.basePath, key.Topic, r.version, "dt=" + key.Day} {
		if s != "" {
			segments = append(segments, s)
		}
	}
	return r.protocol + "://" + strings.Join(segments, "/") + "/"
}

// RotationStrategy selects which limits a CompositePolicy applies.
type RotationStrategy string

const (
	StrategyComposite RotationStrategy = "composite"
	StrategySizeOnly  RotationStrategy = "size"
	StrategyTimeOnly  RotationStrategy = "time"
	StrategyCount     RotationStrategy = "count"
)

type PolicyConfig struct {
	MaxFileSizeMB      int64
	MaxRecordsPerFile  int
	MaxDurationSeconds int
	Strategy           string
}

// CompositePolicy flushes a buffer once any enabled limit is reached.
type CompositePolicy struct {
	maxSizeBytes int64
	maxRecords   int
	maxDuration  time.Duration
	now          func() time.Time
}

// NewPolicy keeps only the limit named by Strategy; "composite" or an
// empty strategy keeps all of them.
func NewPolicy(config PolicyConfig) *CompositePolicy {
	p := &CompositePolicy{
		maxSizeBytes: config.MaxFileSizeMB * 1024 * 1024,
		maxRecords:   config.MaxRecordsPerFile,
		maxDuration:  time.Duration(config.MaxDurationSeconds) * time.Second,
		now:          time.Now,
	}

	switch RotationStrategy(config.Strategy) {
	case StrategySizeOnly:
		p.maxRecords, p.maxDuration = 0, 0
	case StrategyCount:
		p.maxSizeBytes, p.maxDuration = 0, 0
	case StrategyTimeOnly:
		p.maxSizeBytes, p.maxRecords = 0, 0
	}
	return p
}

func (p *CompositePolicy) ShouldRotate(stats event.FileStats) bool {
	if stats.RecordCount == 0 {
		return false
	}
	if p.maxSizeBytes > 0 && stats.SizeBytes >= p.maxSizeBytes {
		return true
	}
	if p.maxRecords > 0 && stats.RecordCount >= p.maxRecords {
		return true
	}
	if p.maxDuration > 0 && !stats.FirstWriteTime.IsZero() {
		if p.now().Sub(stats.FirstWriteTime) >= p.maxDuration {
			return true
		}
	}
	return false
}
