package config

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const envPrefix = "PROMO"

// Load layers defaults, the YAML file at path (optional) and PROMO_*
// environment variables, in that order, and validates the result.
func Load(path string) (*Config, error) {
	defaults, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("encode defaults: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("read defaults: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required"))
	}
	if c.Orders.PendingTimeout <= 0 {
		errs = append(errs, errors.New("orders.pending_timeout must be positive"))
	}
	if c.Orders.SnowflakeNode < 0 || c.Orders.SnowflakeNode > 1023 {
		errs = append(errs, errors.New("orders.snowflake_node must be within 0..1023"))
	}
	if c.Settlement.MaxRetries < 1 {
		errs = append(errs, errors.New("settlement.max_retries must be at least 1"))
	}
	if c.Settlement.RetryBackoff <= 0 || c.Settlement.PendingGrace < 0 {
		errs = append(errs, errors.New("settlement.retry_backoff must be positive and pending_grace not negative"))
	}
	if c.Settlement.PayoutURL == "" {
		errs = append(errs, errors.New("settlement.payout_url is required"))
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("kafka.brokers is required when kafka is enabled"))
		}
		if c.Kafka.PaymentTopic == "" || c.Kafka.ConsumerGroup == "" || c.Kafka.NotificationTopic == "" {
			errs = append(errs, errors.New("kafka topics and consumer_group are required when kafka is enabled"))
		}
	}
	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
	}
	if c.Observability.SampleRatio < 0 || c.Observability.SampleRatio > 1 {
		errs = append(errs, errors.New("observability.sample_ratio must be within 0..1"))
	}
	return errors.Join(errs...)
}
