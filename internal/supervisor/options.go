package supervisor

import (
	"time"

	"go.uber.org/zap"

	"github.com/jittakal/kafeventledger/internal/config/dto"
	"github.com/jittakal/kafeventledger/internal/retry"
	"github.com/jittakal/kafeventledger/pkg/consumer"
	"github.com/jittakal/kafeventledger/pkg/event"
)

const (
	DefaultGroupTemplate = "{env}_{topic}_processor"
	DefaultRestartDelay  = 5 * time.Second
	DefaultJoinTimeout   = 10 * time.Second
)

// RecordValidator checks a record before it is written to the ledger.
type RecordValidator interface {
	Validate(r *event.Record) error
}

// Metrics receives supervisor outcomes.
type Metrics interface {
	IncEvents(topic, outcome string)
	IncDuplicates(topic string)
	ObserveHandler(topic, status string, seconds float64)
	IncWorkerRestarts(topic string)
	SetActiveWorkers(n int)
	IncLedgerErrors(operation string)
}

type options struct {
	environment   string
	groupTemplate string
	restartDelay  time.Duration
	joinTimeout   time.Duration
	retry         retry.Policy
	markFailed    bool
	deadLetter    consumer.DLQPublisher
	validator     RecordValidator
	logger        *zap.Logger
	metrics       Metrics
	now           func() time.Time
}

func defaultOptions() options {
	return options{
		environment:   "dev",
		groupTemplate: DefaultGroupTemplate,
		restartDelay:  DefaultRestartDelay,
		joinTimeout:   DefaultJoinTimeout,
		retry:         retry.DefaultPolicy(),
		markFailed:    true,
		logger:        zap.NewNop(),
		now:           time.Now,
	}
}

// Option configures a Supervisor.
type Option func(*options)

func WithEnvironment(env string) Option {
	return func(o *options) { o.environment = env }
}

// WithGroupTemplate sets the consumer group template. {env} and {topic} are
// substituted.
func WithGroupTemplate(template string) Option {
	return func(o *options) {
		if template != "" {
			o.groupTemplate = template
		}
	}
}

func WithRestartDelay(d time.Duration) Option {
	return func(o *options) { o.restartDelay = d }
}

func WithJoinTimeout(d time.Duration) Option {
	return func(o *options) { o.joinTimeout = d }
}

func WithRetryPolicy(p retry.Policy) Option {
	return func(o *options) { o.retry = p }
}

// WithMarkFailedOnExhaustion controls whether exhausted events move to
// failed. When false they stay received.
func WithMarkFailedOnExhaustion(mark bool) Option {
	return func(o *options) { o.markFailed = mark }
}

// WithDeadLetter publishes exhausted events to the dead letter topic.
func WithDeadLetter(p consumer.DLQPublisher) Option {
	return func(o *options) { o.deadLetter = p }
}

func WithValidator(v RecordValidator) Option {
	return func(o *options) { o.validator = v }
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithMetrics(m Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func withClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// OptionsFromConfig maps the application config onto supervisor options.
// The dead letter publisher is wired separately since it needs a producer.
func OptionsFromConfig(cfg *dto.ApplicationConfig) []Option {
	return []Option{
		WithEnvironment(cfg.Application.Environment),
		WithGroupTemplate(cfg.Kafka.Consumer.GroupTemplate),
		WithRestartDelay(dto.Millis(cfg.Supervisor.RestartDelayMS)),
		WithJoinTimeout(dto.Millis(cfg.Supervisor.JoinTimeoutMS)),
		WithRetryPolicy(retry.FromConfig(cfg.Retry)),
		WithMarkFailedOnExhaustion(cfg.Supervisor.MarkFailedOnExhaustion),
	}
}
