package config

import (
	"time"

	"github.com/phrazzld/genqueue/internal/notify"
	"github.com/phrazzld/genqueue/internal/platform/objectstore"
	"github.com/phrazzld/genqueue/internal/queue"
)

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Store         StoreConfig         `mapstructure:"store"`
	Tasks         QueueConfig         `mapstructure:"tasks"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Retention     RetentionConfig     `mapstructure:"retention"`
	LLM           LLMConfig           `mapstructure:"llm"`
	Artifacts     ArtifactsConfig     `mapstructure:"artifacts"`
	Mail          MailConfig          `mapstructure:"mail"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel        string        `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
	LogFormat       string        `mapstructure:"log_format" validate:"required,oneof=json text"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`

	// NodeID distinguishes processes sharing a store. Each process uses
	// NodeID*2 for its task engine and NodeID*2+1 for its notification engine.
	NodeID int64 `mapstructure:"node_id" validate:"gte=0,lte=511"`
}

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// StoreConfig selects and configures the job store.
type StoreConfig struct {
	Driver string `mapstructure:"driver" validate:"required,oneof=memory sqlite postgres redis"`

	// DSN is the database URL or file for the sqlite and postgres drivers.
	DSN string `mapstructure:"dsn" validate:"required_if=Driver sqlite,required_if=Driver postgres"`

	// AutoMigrate applies pending schema migrations at startup.
	AutoMigrate bool `mapstructure:"auto_migrate"`

	RedisAddr     string `mapstructure:"redis_addr" validate:"required_if=Driver redis"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db" validate:"gte=0"`
	RedisPrefix   string `mapstructure:"redis_prefix"`
}

// QueueConfig holds the engine settings of one queue.
type QueueConfig struct {
	Name               string        `mapstructure:"name" validate:"required"`
	Concurrency        int           `mapstructure:"concurrency" validate:"gte=1"`
	MaxAttempts        int           `mapstructure:"max_attempts" validate:"gte=1"`
	BaseDelay          time.Duration `mapstructure:"base_delay" validate:"gte=0"`
	PollInterval       time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval" validate:"gt=0,ltfield=StallTimeout"`
	StallTimeout       time.Duration `mapstructure:"stall_timeout" validate:"gt=0"`
	StallCheckInterval time.Duration `mapstructure:"stall_check_interval" validate:"gt=0"`
	MetricsInterval    time.Duration `mapstructure:"metrics_interval" validate:"gte=0"`

	// RetryTransient fails jobs immediately on errors handlers mark as
	// permanent instead of retrying every failure.
	RetryTransient bool `mapstructure:"retry_transient"`
}

// NotificationsConfig configures the notification queue and dispatcher.
type NotificationsConfig struct {
	QueueConfig `mapstructure:",squash"`

	// NotifyOnFailure also notifies users about tasks that failed.
	NotifyOnFailure bool `mapstructure:"notify_on_failure"`

	// Product names the service in email subjects.
	Product string `mapstructure:"product"`
}

// RetentionConfig bounds how long finished jobs are kept.
type RetentionConfig struct {
	Schedule        string        `mapstructure:"schedule"`
	CompletedMaxAge time.Duration `mapstructure:"completed_max_age" validate:"gte=0"`
	CompletedKeep   int           `mapstructure:"completed_keep" validate:"gte=0"`
	FailedMaxAge    time.Duration `mapstructure:"failed_max_age" validate:"gte=0"`
}

// LLMConfig contains all LLM integration related settings.
type LLMConfig struct {
	GeminiAPIKey string        `mapstructure:"gemini_api_key"`
	TextModel    string        `mapstructure:"text_model"`
	ImageModel   string        `mapstructure:"image_model"`
	Timeout      time.Duration `mapstructure:"timeout" validate:"gte=0"`
	MaxFileBytes int64         `mapstructure:"max_file_bytes" validate:"gte=0"`

	// AllowPrivateFileHosts lets task input URLs reach loopback and private
	// networks. Leave off in production.
	AllowPrivateFileHosts bool `mapstructure:"allow_private_file_hosts"`
}

// Artifact drivers.
const (
	ArtifactsInline = "inline"
	ArtifactsMinIO  = "minio"
)

// ArtifactsConfig selects where generated images are stored.
type ArtifactsConfig struct {
	Driver    string `mapstructure:"driver" validate:"required,oneof=inline minio"`
	KeyPrefix string `mapstructure:"key_prefix"`

	// MinIO is validated only when Driver is minio.
	MinIO objectstore.Config `mapstructure:"minio" validate:"-"`
}

// Mail drivers.
const (
	MailLog  = "log"
	MailSMTP = "smtp"
)

// MailConfig selects how notification emails are delivered.
type MailConfig struct {
	Driver string `mapstructure:"driver" validate:"required,oneof=log smtp"`

	// SMTP is validated only when Driver is smtp.
	SMTP notify.SMTPConfig `mapstructure:"smtp" validate:"-"`
}

// TaskEngine returns the engine configuration of the AI task queue.
func (c *Config) TaskEngine() queue.Config {
	return c.engine(c.Tasks, c.Server.NodeID*2)
}

// NotificationEngine returns the engine configuration of the notification queue.
func (c *Config) NotificationEngine() queue.Config {
	return c.engine(c.Notifications.QueueConfig, c.Server.NodeID*2+1)
}

func (c *Config) engine(q QueueConfig, nodeID int64) queue.Config {
	return queue.Config{
		Queue:              q.Name,
		NodeID:             nodeID,
		Concurrency:        q.Concurrency,
		DefaultMaxAttempts: q.MaxAttempts,
		BaseDelay:          q.BaseDelay,
		PollInterval:       q.PollInterval,
		HeartbeatInterval:  q.HeartbeatInterval,
		StallTimeout:       q.StallTimeout,
		StallCheckInterval: q.StallCheckInterval,
		MetricsInterval:    q.MetricsInterval,
		Retention: queue.RetentionConfig{
			Schedule:        c.Retention.Schedule,
			CompletedMaxAge: c.Retention.CompletedMaxAge,
			CompletedKeep:   c.Retention.CompletedKeep,
			FailedMaxAge:    c.Retention.FailedMaxAge,
		},
	}
}
