package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

var GlobalConfig *Config

// Config global configuration
type Config struct {
	Server        ServerConfig         `yaml:"server"`
	MySQL         MySQLConfig          `yaml:"mysql"`
	Logger        LoggerConfig         `yaml:"logger"`
	Collector     CollectorConfig      `yaml:"collector"`
	Normalization NormalizationConfig  `yaml:"normalization"`
	Retention     RetentionConfig      `yaml:"retention"`
	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
}

// ServerConfig collector HTTP server configuration
type ServerConfig struct {
	Port int    `yaml:"port"`
	Mode string `yaml:"mode"` // debug, release
}

// MySQLConfig document store configuration
type MySQLConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// DSN builds the gorm mysql connection string.
func (c MySQLConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// LoggerConfig logger configuration
type LoggerConfig struct {
	Level  string           `yaml:"level"`  // debug, info, warn, error
	Output string           `yaml:"output"` // console, file, both
	File   LoggerFileConfig `yaml:"file"`
}

// LoggerFileConfig logger file configuration
type LoggerFileConfig struct {
	Path string `yaml:"path"`
}

// CollectorConfig is the agent-side target API and application identity.
type CollectorConfig struct {
	URL              string `yaml:"url"`
	OrgName          string `yaml:"org_name"`
	AppName          string `yaml:"app_name"`
	AppKey           string `yaml:"app_key"`
	TimeoutInSeconds int    `yaml:"timeout_in_seconds"`
}

// NormalizationConfig tunes event enrichment bounds.
type NormalizationConfig struct {
	PromotedArgs       int `yaml:"promoted_args"`
	ArgValueMaxLen     int `yaml:"arg_value_max_len"`
	KwargsMaxDepth     int `yaml:"kwargs_max_depth"`
	KwargsMaxListItems int `yaml:"kwargs_max_list_items"`
	KwargsMaxStringLen int `yaml:"kwargs_max_string_len"`
}

// RetentionConfig bounds how long merged documents are kept.
type RetentionConfig struct {
	Enabled           bool `yaml:"enabled"`
	MaxAgeInDays      int  `yaml:"max_age_in_days"`
	IntervalInMinutes int  `yaml:"interval_in_minutes"`
}

// BrokerConfig points one subscription at its event broker.
type BrokerConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SubscriptionConfig is one logical subscription: one broker stream drained
// by one consumer with its own batching policy. Immutable after startup.
type SubscriptionConfig struct {
	Name   string       `yaml:"name"`
	AppEnv string       `yaml:"app_env"`
	Broker BrokerConfig `yaml:"broker"`
	Stream string       `yaml:"stream"`
	Group  string       `yaml:"group"`

	PrefetchCount            int `yaml:"prefetch_count"`              // 1000-10000
	BatchMaxSizeInMB         int `yaml:"batch_max_size_in_mb"`        // 1-10
	BatchMaxNumberOfMessages int `yaml:"batch_max_number_of_messages"` // <= prefetch_count
	BatchMaxWindowInSeconds  int `yaml:"batch_max_window_in_seconds"`  // 5-20
}

const (
	defaultPrefetchCount = 1000
	maxPrefetchCount     = 10000
	defaultBatchSizeMB   = 1
	maxBatchSizeMB       = 10
	defaultBatchWindowS  = 5
	maxBatchWindowS      = 20
)

// Init initializes configuration from CONFIG_PATH.
func Init() error {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return err
	}

	validateAndApplyDefaults(&cfg)
	GlobalConfig = &cfg
	return nil
}

// validateAndApplyDefaults clamps out-of-range knobs to their defaults so a
// bad value degrades the batching policy instead of taking the agent down.
func validateAndApplyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 5000
	}
	if cfg.Collector.TimeoutInSeconds <= 0 {
		cfg.Collector.TimeoutInSeconds = 30
	}
	if cfg.Normalization.PromotedArgs <= 0 {
		cfg.Normalization.PromotedArgs = 3
	}
	if cfg.Normalization.ArgValueMaxLen <= 0 {
		cfg.Normalization.ArgValueMaxLen = 256
	}
	if cfg.Normalization.KwargsMaxDepth <= 0 {
		cfg.Normalization.KwargsMaxDepth = 12
	}
	if cfg.Normalization.KwargsMaxListItems <= 0 {
		cfg.Normalization.KwargsMaxListItems = 100
	}
	if cfg.Normalization.KwargsMaxStringLen <= 0 {
		cfg.Normalization.KwargsMaxStringLen = 1024
	}
	if cfg.Retention.MaxAgeInDays <= 0 {
		cfg.Retention.MaxAgeInDays = 30
	}
	if cfg.Retention.IntervalInMinutes <= 0 {
		cfg.Retention.IntervalInMinutes = 60
	}

	for i := range cfg.Subscriptions {
		sub := &cfg.Subscriptions[i]
		if sub.Stream == "" {
			sub.Stream = "celeryev"
		}
		if sub.Group == "" {
			sub.Group = "leek.fanout"
		}
		if sub.PrefetchCount < defaultPrefetchCount || sub.PrefetchCount > maxPrefetchCount {
			sub.PrefetchCount = defaultPrefetchCount
		}
		if sub.BatchMaxSizeInMB < defaultBatchSizeMB || sub.BatchMaxSizeInMB > maxBatchSizeMB {
			sub.BatchMaxSizeInMB = defaultBatchSizeMB
		}
		if sub.BatchMaxNumberOfMessages <= 0 || sub.BatchMaxNumberOfMessages > sub.PrefetchCount {
			sub.BatchMaxNumberOfMessages = sub.PrefetchCount
		}
		if sub.BatchMaxWindowInSeconds < defaultBatchWindowS || sub.BatchMaxWindowInSeconds > maxBatchWindowS {
			sub.BatchMaxWindowInSeconds = defaultBatchWindowS
		}
	}
}
