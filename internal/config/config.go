package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Archive    ArchiveConfig    `yaml:"archive"`
	GeoIP      GeoIPConfig      `yaml:"geoip"`
	Dashboard  DashboardConfig  `yaml:"dashboard"`
	Retention  RetentionConfig  `yaml:"retention"`
	Insights   InsightsConfig   `yaml:"insights"`
}

type ServerConfig struct {
	HTTPPort    int      `yaml:"http_port"`
	GRPCPort    int      `yaml:"grpc_port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	APIKeyTTL time.Duration `yaml:"api_key_ttl"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
}

type KafkaConfig struct {
	Brokers       []string          `yaml:"brokers"`
	Topics        map[string]string `yaml:"topics"`
	ConsumerGroup string            `yaml:"consumer_group"`
}

type ClickHouseConfig struct {
	Addr         string `yaml:"addr"`
	Database     string `yaml:"database"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

type ArchiveConfig struct {
	Size          int           `yaml:"size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type GeoIPConfig struct {
	DatabasePath string `yaml:"database_path"`
}

type DashboardConfig struct {
	AuthToken string `yaml:"auth_token"`
}

type RetentionConfig struct {
	Days int `yaml:"days"`
}

type InsightsConfig struct {
	RageClick RageClickConfig `yaml:"rage_click"`
	DeadClick DeadClickConfig `yaml:"dead_click"`
}

type RageClickConfig struct {
	Enabled      bool  `yaml:"enabled"`
	MinClicks    int   `yaml:"min_clicks"`
	TimeWindowMs int64 `yaml:"time_window_ms"`
	MediumClicks int   `yaml:"medium_clicks"`
	HighClicks   int   `yaml:"high_clicks"`
}

type DeadClickConfig struct {
	Enabled             bool  `yaml:"enabled"`
	ObservationWindowMs int64 `yaml:"observation_window_ms"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// SetDefaults fills every unset field with its default.
func (cfg *Config) SetDefaults() {
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 3000
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = []string{"*"}
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 20
	}
	if cfg.Redis.APIKeyTTL == 0 {
		cfg.Redis.APIKeyTTL = 5 * time.Minute
	}
	if cfg.Kafka.ConsumerGroup == "" {
		cfg.Kafka.ConsumerGroup = "bugscout-ingestor"
	}
	if cfg.ClickHouse.MaxOpenConns == 0 {
		cfg.ClickHouse.MaxOpenConns = 10
	}
	if cfg.ClickHouse.MaxIdleConns == 0 {
		cfg.ClickHouse.MaxIdleConns = 5
	}
	if cfg.Archive.Size == 0 {
		cfg.Archive.Size = 1000
	}
	if cfg.Archive.FlushInterval == 0 {
		cfg.Archive.FlushInterval = 5 * time.Second
	}
	if cfg.Retention.Days == 0 {
		cfg.Retention.Days = 30
	}

	// Non-positive insight thresholds fall back to defaults
	if cfg.Insights.RageClick.MinClicks <= 0 {
		cfg.Insights.RageClick.MinClicks = 4
	}
	if cfg.Insights.RageClick.TimeWindowMs <= 0 {
		cfg.Insights.RageClick.TimeWindowMs = 2000
	}
	if cfg.Insights.RageClick.MediumClicks <= 0 {
		cfg.Insights.RageClick.MediumClicks = 4
	}
	if cfg.Insights.RageClick.HighClicks <= 0 {
		cfg.Insights.RageClick.HighClicks = 8
	}
	if cfg.Insights.DeadClick.ObservationWindowMs <= 0 {
		cfg.Insights.DeadClick.ObservationWindowMs = 1000
	}

	// Enable all detectors when none is enabled explicitly
	if !cfg.Insights.RageClick.Enabled && !cfg.Insights.DeadClick.Enabled {
		cfg.Insights.RageClick.Enabled = true
		cfg.Insights.DeadClick.Enabled = true
	}
}
