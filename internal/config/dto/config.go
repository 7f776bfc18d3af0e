package dto

import (
	"fmt"
	"strings"
	"time"
)

// ApplicationConfig is the root configuration structure
type ApplicationConfig struct {
	Application   ApplicationInfo     `mapstructure:"application"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Handlers      []HandlerConfig     `mapstructure:"handlers"`
	Supervisor    SupervisorConfig    `mapstructure:"supervisor"`
	Retry         RetryConfig         `mapstructure:"retry"`
	Ledger        LedgerConfig        `mapstructure:"ledger"`
	Archive       ArchiveConfig       `mapstructure:"archive"`
	Storage       StorageConfig       `mapstructure:"storage"`
	FileRotation  FileRotationConfig  `mapstructure:"file_rotation"`
	Parquet       ParquetConfig       `mapstructure:"parquet"`
	Avro          AvroConfig          `mapstructure:"avro"`
	Generator     GeneratorConfig     `mapstructure:"generator"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Shutdown      ShutdownConfig      `mapstructure:"shutdown"`
}

// ApplicationInfo contains application metadata
type ApplicationInfo struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

// KafkaConfig contains Kafka-related configuration
type KafkaConfig struct {
	Brokers          []string       `mapstructure:"brokers"`
	ClientID         string         `mapstructure:"client_id"`
	SecurityProtocol string         `mapstructure:"security_protocol"` // PLAINTEXT, SSL, SASL_PLAINTEXT, SASL_SSL
	SASLMechanism    string         `mapstructure:"sasl_mechanism"`    // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512, AWS_MSK_IAM
	SASLUsername     string         `mapstructure:"sasl_username"`
	SASLPassword     string         `mapstructure:"sasl_password"`
	AWSRegion        string         `mapstructure:"aws_region"`
	TLS              TLSConfig      `mapstructure:"tls"`
	Consumer         ConsumerConfig `mapstructure:"consumer"`
	Producer         ProducerConfig `mapstructure:"producer"`
	DLQ              DLQConfig      `mapstructure:"dlq"`
}

// TLSConfig represents TLS configuration
type TLSConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	CACertFile         string `mapstructure:"ca_cert_file"`
	ClientCertFile     string `mapstructure:"client_cert_file"`
	ClientKeyFile      string `mapstructure:"client_key_file"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
}

// ConsumerConfig contains Kafka consumer configuration
type ConsumerConfig struct {
	GroupTemplate       string `mapstructure:"group_template"`
	AutoOffsetReset     string `mapstructure:"auto_offset_reset"`
	CommitIntervalMS    int    `mapstructure:"commit_interval_ms"`
	CommitThreshold     int    `mapstructure:"commit_threshold"`
	SessionTimeoutMS    int    `mapstructure:"session_timeout_ms"`
	HeartbeatIntervalMS int    `mapstructure:"heartbeat_interval_ms"`
	MaxProcessingTimeMS int    `mapstructure:"max_processing_time_ms"`
	MaxInFlight         int    `mapstructure:"max_in_flight"`
}

// ProducerConfig represents Kafka producer configuration
type ProducerConfig struct {
	RequiredAcks    int    `mapstructure:"required_acks"` // 0=NoResponse, 1=WaitForLocal, -1=WaitForAll
	Compression     string `mapstructure:"compression"`   // none, gzip, snappy, lz4, zstd
	Idempotent      bool   `mapstructure:"idempotent"`
	RetryMax        int    `mapstructure:"retry_max"`
	RetryBackoffMS  int    `mapstructure:"retry_backoff_ms"`
	LingerMS        int    `mapstructure:"linger_ms"`
	MaxMessageBytes int    `mapstructure:"max_message_bytes"`
	BatchSize       int    `mapstructure:"batch_size"`
	BatchFloor      int    `mapstructure:"batch_floor"`
	BatchPauseMS    int    `mapstructure:"batch_pause_ms"`
	Source          string `mapstructure:"source"`
}

// DLQConfig contains dead letter queue configuration
type DLQConfig struct {
	TopicSuffix    string `mapstructure:"topic_suffix"`
	BacktraceDepth int    `mapstructure:"backtrace_depth"`
}

// HandlerConfig binds a topic to a built-in handler kind.
type HandlerConfig struct {
	Topic  string `mapstructure:"topic"`
	Kind   string `mapstructure:"kind"` // forward, log
	Target string `mapstructure:"target"`
}

// SupervisorConfig contains worker lifecycle settings
type SupervisorConfig struct {
	RestartDelayMS         int  `mapstructure:"restart_delay_ms"`
	JoinTimeoutMS          int  `mapstructure:"join_timeout_ms"`
	MarkFailedOnExhaustion bool `mapstructure:"mark_failed_on_exhaustion"`
	DeadLetterOnExhaustion bool `mapstructure:"dead_letter_on_exhaustion"`
}

// RetryConfig contains handler retry settings
type RetryConfig struct {
	MaxAttempts       int     `mapstructure:"max_attempts"`
	InitialBackoffMS  int     `mapstructure:"initial_backoff_ms"`
	MaxBackoffMS      int     `mapstructure:"max_backoff_ms"`
	BackoffMultiplier float64 `mapstructure:"backoff_multiplier"`
}

// LedgerConfig contains idempotency ledger settings
type LedgerConfig struct {
	Driver      string      `mapstructure:"driver"` // postgres, gorm-postgres, sqlite, memory
	DSN         string      `mapstructure:"dsn"`
	MaxConns    int32       `mapstructure:"max_conns"`
	MinConns    int32       `mapstructure:"min_conns"`
	AutoMigrate bool        `mapstructure:"auto_migrate"`
	Cache       CacheConfig `mapstructure:"cache"`
}

// CacheConfig contains the redis duplicate cache settings
type CacheConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Addr       string `mapstructure:"addr"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
	KeyPrefix  string `mapstructure:"key_prefix"`
}

// ArchiveConfig contains ledger archive settings
type ArchiveConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	IntervalSeconds int  `mapstructure:"interval_seconds"`
	LookbackHours   int  `mapstructure:"lookback_hours"`
	PageSize        int  `mapstructure:"page_size"`
}

// StorageConfig contains storage backend configuration
type StorageConfig struct {
	Backend string      `mapstructure:"backend"`
	Format  string      `mapstructure:"format"`
	S3      S3Config    `mapstructure:"s3"`
	Azure   AzureConfig `mapstructure:"azure"`
	GCS     GCSConfig   `mapstructure:"gcs"`
	File    FileConfig  `mapstructure:"file"`
}

// S3Config contains AWS S3 configuration
type S3Config struct {
	Bucket       string `mapstructure:"bucket"`
	Region       string `mapstructure:"region"`
	BasePath     string `mapstructure:"base_path"`
	Endpoint     string `mapstructure:"endpoint"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
	SSEEnabled   bool   `mapstructure:"sse_enabled"`
	SSEKMSKeyID  string `mapstructure:"sse_kms_key_id"`
}

// AzureConfig contains Azure Blob Storage configuration
type AzureConfig struct {
	AccountName      string `mapstructure:"account_name"`
	Container        string `mapstructure:"container"`
	BasePath         string `mapstructure:"base_path"`
	ConnectionString string `mapstructure:"connection_string"`
}

// GCSConfig contains Google Cloud Storage configuration
type GCSConfig struct {
	Bucket          string `mapstructure:"bucket"`
	ProjectID       string `mapstructure:"project_id"`
	BasePath        string `mapstructure:"base_path"`
	CredentialsFile string `mapstructure:"credentials_file"`
}

// FileConfig contains local filesystem configuration
type FileConfig struct {
	BasePath string `mapstructure:"base_path"`
}

// FileRotationConfig contains archive flush settings
type FileRotationConfig struct {
	MaxFileSizeMB      int64  `mapstructure:"max_file_size_mb"`
	MaxRecordsPerFile  int    `mapstructure:"max_records_per_file"`
	MaxDurationSeconds int    `mapstructure:"max_duration_seconds"`
	Strategy           string `mapstructure:"strategy"`
}

// ParquetConfig contains Parquet format settings
type ParquetConfig struct {
	Compression string `mapstructure:"compression"`
}

// AvroConfig contains Avro format settings
type AvroConfig struct {
	Codec string `mapstructure:"codec"`
}

// GeneratorConfig contains load generator settings
type GeneratorConfig struct {
	IntervalMS        int     `mapstructure:"interval_ms"`
	BatchSize         int     `mapstructure:"batch_size"`
	BalanceTopic      string  `mapstructure:"balance_topic"`
	TradeTopic        string  `mapstructure:"trade_topic"`
	TradeProbability  float64 `mapstructure:"trade_probability"`
	DuplicateFraction float64 `mapstructure:"duplicate_fraction"`
}

// ObservabilityConfig contains observability settings
type ObservabilityConfig struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Health  HealthConfig  `mapstructure:"health"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// MetricsConfig contains metrics settings
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// HealthConfig contains health check settings
type HealthConfig struct {
	Port          int    `mapstructure:"port"`
	LivenessPath  string `mapstructure:"liveness_path"`
	ReadinessPath string `mapstructure:"readiness_path"`
}

// ShutdownConfig contains shutdown settings
type ShutdownConfig struct {
	GracePeriodSeconds int `mapstructure:"grace_period_seconds"`
}

// Millis converts a millisecond setting to a duration.
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// GroupID renders the consumer group template for a topic.
// The template accepts {env} and {topic} placeholders.
func (c *ApplicationConfig) GroupID(topic string) string {
	return RenderGroup(c.Kafka.Consumer.GroupTemplate, c.Application.Environment, topic)
}

// RenderGroup substitutes {env} and {topic} in template.
func RenderGroup(template, env, topic string) string {
	return strings.NewReplacer("{env}", env, "{topic}", topic).Replace(template)
}

// Topics returns the configured handler topics in declaration order.
func (c *ApplicationConfig) Topics() []string {
	topics := make([]string, 0, len(c.Handlers))
	for _, h := range c.Handlers {
		topics = append(topics, h.Topic)
	}
	return topics
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	if c.Application.Name == "" {
		return fmt.Errorf("application name is required")
	}
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka brokers are required")
	}
	if c.Ledger.Driver == "" {
		return fmt.Errorf("ledger driver is required")
	}
	return nil
}

// Validate validates S3 configuration.
func (c *S3Config) Validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("s3 bucket is required")
	}
	if c.Region == "" {
		return fmt.Errorf("s3 region is required")
	}
	return nil
}

// Validate validates Azure configuration.
func (c *AzureConfig) Validate() error {
	if c.AccountName == "" && c.ConnectionString == "" {
		return fmt.Errorf("azure account name or connection string is required")
	}
	if c.Container == "" {
		return fmt.Errorf("azure container is required")
	}
	return nil
}

// Validate validates GCS configuration.
func (c *GCSConfig) Validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("gcs bucket is required")
	}
	return nil
}

// Validate validates file configuration.
func (c *FileConfig) Validate() error {
	if c.BasePath == "" {
		return fmt.Errorf("file base path is required")
	}
	return nil
}
