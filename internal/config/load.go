package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "GENQUEUE"

var defaults = map[string]any{
	"server.port":             8080,
	"server.log_level":        "info",
	"server.log_format":       "json",
	"server.shutdown_timeout": "30s",
	"server.node_id":          0,

	"store.driver":       DriverMemory,
	"store.auto_migrate": true,
	"store.redis_db":     0,
	"store.redis_prefix": "genqueue",

	"tasks.name":                 "tasks",
	"tasks.concurrency":          4,
	"tasks.max_attempts":         3,
	"tasks.base_delay":           "2s",
	"tasks.poll_interval":        "1s",
	"tasks.heartbeat_interval":   "20s",
	"tasks.stall_timeout":        "60s",
	"tasks.stall_check_interval": "15s",
	"tasks.metrics_interval":     "15s",
	"tasks.retry_transient":      false,

	"notifications.name":                 "notifications",
	"notifications.concurrency":          2,
	"notifications.max_attempts":         5,
	"notifications.base_delay":           "5s",
	"notifications.poll_interval":        "1s",
	"notifications.heartbeat_interval":   "20s",
	"notifications.stall_timeout":        "60s",
	"notifications.stall_check_interval": "15s",
	"notifications.metrics_interval":     "15s",
	"notifications.retry_transient":      false,
	"notifications.notify_on_failure":    false,
	"notifications.product":              "genqueue",

	"retention.schedule":          "@every 1m",
	"retention.completed_max_age": "24h",
	"retention.completed_keep":    1000,
	"retention.failed_max_age":    "168h",

	"llm.timeout":                  "2m",
	"llm.max_file_bytes":           20 << 20,
	"llm.allow_private_file_hosts": false,

	"artifacts.driver":     ArtifactsInline,
	"artifacts.key_prefix": "images",

	"mail.driver":       MailLog,
	"mail.smtp.port":    587,
	"mail.smtp.timeout": "30s",
}

// bindEnvs lists keys without defaults that must still be read from the
// environment.
var bindEnvs = []string{
	"store.dsn",
	"store.redis_addr",
	"store.redis_password",
	"llm.gemini_api_key",
	"llm.text_model",
	"llm.image_model",
	"artifacts.minio.endpoint",
	"artifacts.minio.access_key",
	"artifacts.minio.secret_key",
	"artifacts.minio.bucket",
	"artifacts.minio.region",
	"artifacts.minio.use_ssl",
	"artifacts.minio.public_url",
	"mail.smtp.host",
	"mail.smtp.username",
	"mail.smtp.password",
	"mail.smtp.from",
}

// Load configuration from environment variables and optionally a config file.
// Environment variables take precedence over values from the file. When file
// is empty, config.yaml is looked up in the working directory and skipped if
// absent. Returns a populated Config or an error if loading/validation fails.
func Load(file string) (*Config, error) {
	v := viper.New()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetConfigType("yaml")
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, key := range bindEnvs {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("error binding environment variable for %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration, including the sections that only apply
// to the selected drivers.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	if c.Artifacts.Driver == ArtifactsMinIO {
		if err := validate.Struct(c.Artifacts.MinIO); err != nil {
			return fmt.Errorf("configuration validation failed: artifacts.minio: %w", err)
		}
	}
	if c.Mail.Driver == MailSMTP {
		if err := validate.Struct(c.Mail.SMTP); err != nil {
			return fmt.Errorf("configuration validation failed: mail.smtp: %w", err)
		}
	}
	if c.Tasks.Name == c.Notifications.Name {
		return fmt.Errorf("configuration validation failed: task and notification queues share the name %q", c.Tasks.Name)
	}
	return nil
}
