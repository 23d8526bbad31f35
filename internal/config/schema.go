// Package config loads the service configuration from defaults, an optional
// YAML file and PROMO_* environment variables.
package config

import "time"

type Config struct {
	Service       ServiceConfig       `yaml:"service" mapstructure:"service"`
	HTTP          HTTPConfig          `yaml:"http" mapstructure:"http"`
	Database      DatabaseConfig      `yaml:"database" mapstructure:"database"`
	Kafka         KafkaConfig         `yaml:"kafka" mapstructure:"kafka"`
	Orders        OrdersConfig        `yaml:"orders" mapstructure:"orders"`
	Settlement    SettlementConfig    `yaml:"settlement" mapstructure:"settlement"`
	Scheduler     SchedulerConfig     `yaml:"scheduler" mapstructure:"scheduler"`
	Observability ObservabilityConfig `yaml:"observability" mapstructure:"observability"`
}

type ServiceConfig struct {
	Name     string `yaml:"name" mapstructure:"name"`
	Version  string `yaml:"version" mapstructure:"version"`
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr" mapstructure:"addr"`
	CORSOrigins     []string      `yaml:"cors_origins" mapstructure:"cors_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL      string `yaml:"url" mapstructure:"url"`
	MaxConns int32  `yaml:"max_conns" mapstructure:"max_conns"`
	// Migrate applies pending migrations on serve startup.
	Migrate bool `yaml:"migrate" mapstructure:"migrate"`
}

type KafkaConfig struct {
	Enabled           bool          `yaml:"enabled" mapstructure:"enabled"`
	Brokers           []string      `yaml:"brokers" mapstructure:"brokers"`
	PaymentTopic      string        `yaml:"payment_topic" mapstructure:"payment_topic"`
	ConsumerGroup     string        `yaml:"consumer_group" mapstructure:"consumer_group"`
	NotificationTopic string        `yaml:"notification_topic" mapstructure:"notification_topic"`
	MaxRetries        uint64        `yaml:"max_retries" mapstructure:"max_retries"`
	RetryDelay        time.Duration `yaml:"retry_delay" mapstructure:"retry_delay"`
}

type OrdersConfig struct {
	PendingTimeout time.Duration `yaml:"pending_timeout" mapstructure:"pending_timeout"`
	// SnowflakeNode distinguishes order number generators across instances (0-1023).
	SnowflakeNode int64 `yaml:"snowflake_node" mapstructure:"snowflake_node"`
}

type SettlementConfig struct {
	MaxRetries    int           `yaml:"max_retries" mapstructure:"max_retries"`
	RetryBackoff  time.Duration `yaml:"retry_backoff" mapstructure:"retry_backoff"`
	PendingGrace  time.Duration `yaml:"pending_grace" mapstructure:"pending_grace"`
	PayoutURL     string        `yaml:"payout_url" mapstructure:"payout_url"`
	PayoutTimeout time.Duration `yaml:"payout_timeout" mapstructure:"payout_timeout"`
}

type SchedulerConfig struct {
	Enabled        bool          `yaml:"enabled" mapstructure:"enabled"`
	Timezone       string        `yaml:"timezone" mapstructure:"timezone"`
	BatchSize      int           `yaml:"batch_size" mapstructure:"batch_size"`
	Concurrency    int           `yaml:"concurrency" mapstructure:"concurrency"`
	ReminderWindow time.Duration `yaml:"reminder_window" mapstructure:"reminder_window"`
}

type ObservabilityConfig struct {
	OTLPEndpoint string  `yaml:"otlp_endpoint" mapstructure:"otlp_endpoint"`
	OTLPURLPath  string  `yaml:"otlp_url_path" mapstructure:"otlp_url_path"`
	OTLPInsecure bool    `yaml:"otlp_insecure" mapstructure:"otlp_insecure"`
	SampleRatio  float64 `yaml:"sample_ratio" mapstructure:"sample_ratio"`
}
