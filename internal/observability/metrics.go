package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	// Consumer metrics
	MessagesConsumed   *prometheus.CounterVec
	DecodeErrors       *prometheus.CounterVec
	CallbackErrors     *prometheus.CounterVec
	OffsetCommits      *prometheus.CounterVec
	Rebalances         *prometheus.CounterVec
	PartitionsAssigned *prometheus.GaugeVec

	// Supervisor metrics
	EventsProcessed *prometheus.CounterVec
	Duplicates      *prometheus.CounterVec
	HandlerAttempts *prometheus.CounterVec
	HandlerDuration *prometheus.HistogramVec
	WorkerRestarts  *prometheus.CounterVec
	ActiveWorkers   prometheus.Gauge
	LedgerErrors    *prometheus.CounterVec
	ReplayOutcomes  *prometheus.CounterVec

	// Producer metrics
	MessagesSent  *prometheus.CounterVec
	BatchHalvings *prometheus.CounterVec
	BatchFailures *prometheus.CounterVec
	DeadLetters   *prometheus.CounterVec

	// Archive metrics
	FilesWritten         *prometheus.CounterVec
	StorageWriteDuration *prometheus.HistogramVec
	FileSize             *prometheus.HistogramVec
	StorageErrors        *prometheus.CounterVec
	BufferRecordCount    *prometheus.GaugeVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		MessagesConsumed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kafka_messages_consumed_total",
				Help: "Total number of messages consumed from Kafka",
			},
			[]string{"topic", "partition"},
		),
		DecodeErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kafka_decode_errors_total",
				Help: "Total number of messages dropped because the body is not a JSON object",
			},
			[]string{"topic"},
		),
		CallbackErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kafka_callback_errors_total",
				Help: "Total number of message callbacks that returned an error or panicked",
			},
			[]string{"topic"},
		),
		OffsetCommits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kafka_offset_commit_total",
				Help: "Total number of forced offset commits",
			},
			[]string{"topic"},
		),
		Rebalances: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kafka_rebalance_total",
				Help: "Total number of consumer group rebalances",
			},
			[]string{"group"},
		),
		PartitionsAssigned: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kafka_partitions_assigned",
				Help: "Number of partitions currently assigned to this consumer",
			},
			[]string{"topic"},
		),

		EventsProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_events_total",
				Help: "Total number of events by processing outcome",
			},
			[]string{"topic", "outcome"},
		),
		Duplicates: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_duplicates_total",
				Help: "Total number of redelivered events skipped by the ledger",
			},
			[]string{"topic"},
		),
		HandlerAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "handler_attempts_total",
				Help: "Total number of handler invocations",
			},
			[]string{"topic", "status"},
		),
		HandlerDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "handler_duration_seconds",
				Help:    "Duration of handler invocations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"topic"},
		),
		WorkerRestarts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "worker_restarts_total",
				Help: "Total number of consumer worker restarts",
			},
			[]string{"topic"},
		),
		ActiveWorkers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "workers_active",
				Help: "Number of registered consumer workers",
			},
		),
		LedgerErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_errors_total",
				Help: "Total number of ledger store errors",
			},
			[]string{"operation"},
		),
		ReplayOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "replay_total",
				Help: "Total number of replayed records by outcome",
			},
			[]string{"topic", "outcome"},
		),

		MessagesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kafka_messages_sent_total",
				Help: "Total number of messages produced",
			},
			[]string{"topic", "status"},
		),
		BatchHalvings: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kafka_batch_halvings_total",
				Help: "Total number of failed batch chunks re-sent at half size",
			},
			[]string{"size"},
		),
		BatchFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kafka_batch_failures_total",
				Help: "Total number of batch sends abandoned at the minimum size",
			},
			[]string{"size"},
		),
		DeadLetters: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dlq_messages_total",
				Help: "Total number of messages published to dead letter topics",
			},
			[]string{"original_topic", "status"},
		),

		FilesWritten: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archive_files_written_total",
				Help: "Total number of archive files written to storage",
			},
			[]string{"topic", "format", "status"},
		),
		StorageWriteDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "archive_write_duration_seconds",
				Help:    "Duration of complete storage write operations including encoding",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"topic"},
		),
		FileSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "archive_file_size_bytes",
				Help:    "Size of archive files written to storage",
				Buckets: prometheus.ExponentialBuckets(1024, 4, 10), // 1KB to 256MB
			},
			[]string{"topic", "format"},
		),
		StorageErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storage_errors_total",
				Help: "Total number of storage errors",
			},
			[]string{"backend", "error_type"},
		),
		BufferRecordCount: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "archive_buffer_record_count",
				Help: "Current number of records waiting in an archive buffer",
			},
			[]string{"topic", "day"},
		),
	}
}

// IncMessagesConsumed increments messages consumed counter.
func (m *Metrics) IncMessagesConsumed(topic string, partition int32) {
	m.MessagesConsumed.WithLabelValues(topic, strconv.Itoa(int(partition))).Inc()
}

// IncDecodeErrors increments the dropped malformed message counter.
func (m *Metrics) IncDecodeErrors(topic string) {
	m.DecodeErrors.WithLabelValues(topic).Inc()
}

// IncCallbackErrors increments the failed callback counter.
func (m *Metrics) IncCallbackErrors(topic string) {
	m.CallbackErrors.WithLabelValues(topic).Inc()
}

// IncOffsetCommits increments offset commits counter.
func (m *Metrics) IncOffsetCommits(topic string) {
	m.OffsetCommits.WithLabelValues(topic).Inc()
}

// IncRebalances increments rebalances counter.
func (m *Metrics) IncRebalances(groupID string) {
	m.Rebalances.WithLabelValues(groupID).Inc()
}

// SetPartitionsAssigned sets partitions assigned gauge.
func (m *Metrics) SetPartitionsAssigned(topic string, count float64) {
	m.PartitionsAssigned.WithLabelValues(topic).Set(count)
}

// IncEvents records the outcome of one delivered event.
func (m *Metrics) IncEvents(topic, outcome string) {
	m.EventsProcessed.WithLabelValues(topic, outcome).Inc()
}

// IncDuplicates increments the duplicate counter.
func (m *Metrics) IncDuplicates(topic string) {
	m.Duplicates.WithLabelValues(topic).Inc()
}

// ObserveHandler records one handler attempt.
func (m *Metrics) ObserveHandler(topic, status string, seconds float64) {
	m.HandlerAttempts.WithLabelValues(topic, status).Inc()
	m.HandlerDuration.WithLabelValues(topic).Observe(seconds)
}

// IncWorkerRestarts increments worker restarts counter.
func (m *Metrics) IncWorkerRestarts(topic string) {
	m.WorkerRestarts.WithLabelValues(topic).Inc()
}

// SetActiveWorkers sets the registered worker gauge.
func (m *Metrics) SetActiveWorkers(n int) {
	m.ActiveWorkers.Set(float64(n))
}

// IncLedgerErrors increments ledger errors counter.
func (m *Metrics) IncLedgerErrors(operation string) {
	m.LedgerErrors.WithLabelValues(operation).Inc()
}

// IncReplay records a replay outcome.
func (m *Metrics) IncReplay(topic, outcome string) {
	m.ReplayOutcomes.WithLabelValues(topic, outcome).Inc()
}

// AddMessagesSent adds n produced messages.
func (m *Metrics) AddMessagesSent(topic, status string, n int) {
	m.MessagesSent.WithLabelValues(topic, status).Add(float64(n))
}

// IncBatchHalvings increments the halving counter for the failed chunk size.
func (m *Metrics) IncBatchHalvings(size int) {
	m.BatchHalvings.WithLabelValues(strconv.Itoa(size)).Inc()
}

// IncBatchFailures increments the abandoned batch counter.
func (m *Metrics) IncBatchFailures(size int) {
	m.BatchFailures.WithLabelValues(strconv.Itoa(size)).Inc()
}

// IncDeadLetters increments dead letter counter.
func (m *Metrics) IncDeadLetters(originalTopic, status string) {
	m.DeadLetters.WithLabelValues(originalTopic, status).Inc()
}

// IncFilesWritten increments files written counter.
func (m *Metrics) IncFilesWritten(topic, format, status string) {
	m.FilesWritten.WithLabelValues(topic, format, status).Inc()
}

// ObserveFileSize observes file size.
func (m *Metrics) ObserveFileSize(topic, format string, size float64) {
	m.FileSize.WithLabelValues(topic, format).Observe(size)
}

// ObserveStorageWriteDuration observes storage write duration.
func (m *Metrics) ObserveStorageWriteDuration(topic string, duration float64) {
	m.StorageWriteDuration.WithLabelValues(topic).Observe(duration)
}

// IncStorageErrors increments storage errors counter.
func (m *Metrics) IncStorageErrors(backend string, operation string) {
	m.StorageErrors.WithLabelValues(backend, operation).Inc()
}

// SetBufferRecords sets the pending record gauge of one archive buffer.
func (m *Metrics) SetBufferRecords(topic, day string, count int) {
	m.BufferRecordCount.WithLabelValues(topic, day).Set(float64(count))
}
