package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Voyage    VoyageConfig    `yaml:"voyage" mapstructure:"voyage"`
	Acquire   AcquireConfig   `yaml:"acquire" mapstructure:"acquire"`
	Ingest    IngestConfig    `yaml:"ingest" mapstructure:"ingest"`
	Retrieval RetrievalConfig `yaml:"retrieval" mapstructure:"retrieval"`
	Analysis  AnalysisConfig  `yaml:"analysis" mapstructure:"analysis"`
	Health    HealthConfig    `yaml:"health" mapstructure:"health"`
	Discovery DiscoveryConfig `yaml:"discovery" mapstructure:"discovery"`
	Schedule  ScheduleConfig  `yaml:"schedule" mapstructure:"schedule"`
	Tasks     TasksConfig     `yaml:"tasks" mapstructure:"tasks"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Alert     AlertConfig     `yaml:"alert" mapstructure:"alert"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the Postgres backend.
type StoreConfig struct {
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key string `yaml:"key" mapstructure:"key"`
}

// VoyageConfig holds the embedding provider settings.
type VoyageConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// AcquireConfig configures the acquisition layer.
type AcquireConfig struct {
	TimeoutSecs      int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RequestsPerSec   float64 `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
	MaxConcurrent    int     `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	UserAgent        string  `yaml:"user_agent" mapstructure:"user_agent"`
	MergeKeyStrategy string  `yaml:"merge_key_strategy" mapstructure:"merge_key_strategy"`
}

// IngestConfig configures chunking and embedding.
type IngestConfig struct {
	ChunkSize    int `yaml:"chunk_size" mapstructure:"chunk_size"`
	ChunkOverlap int `yaml:"chunk_overlap" mapstructure:"chunk_overlap"`
	EmbedBatch   int `yaml:"embed_batch" mapstructure:"embed_batch"`
}

// RetrievalConfig configures nearest-neighbor search.
type RetrievalConfig struct {
	TopK          int     `yaml:"top_k" mapstructure:"top_k"`
	MinSimilarity float64 `yaml:"min_similarity" mapstructure:"min_similarity"`
}

// AnalysisConfig configures the three-stage pipeline.
type AnalysisConfig struct {
	StageTimeoutSecs int   `yaml:"stage_timeout_secs" mapstructure:"stage_timeout_secs"`
	MaxOutputTokens  int64 `yaml:"max_output_tokens" mapstructure:"max_output_tokens"`
}

// HealthConfig configures source auto-remediation.
type HealthConfig struct {
	FailureWindow int `yaml:"failure_window" mapstructure:"failure_window"`
}

// DiscoveryConfig configures candidate source discovery.
type DiscoveryConfig struct {
	TemplateFile  string  `yaml:"template_file" mapstructure:"template_file"`
	MinScore      float64 `yaml:"min_score" mapstructure:"min_score"`
	MaxCandidates int     `yaml:"max_candidates" mapstructure:"max_candidates"`
	SearchURL     string  `yaml:"search_url" mapstructure:"search_url"`
	SearchAPIKey  string  `yaml:"search_api_key" mapstructure:"search_api_key"`
}

// ScheduleConfig configures the cron acquisition sweep.
type ScheduleConfig struct {
	ScrapeCron string `yaml:"scrape_cron" mapstructure:"scrape_cron"`
}

// TasksConfig configures the background worker pool.
type TasksConfig struct {
	Workers   int `yaml:"workers" mapstructure:"workers"`
	QueueSize int `yaml:"queue_size" mapstructure:"queue_size"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// AlertConfig configures webhook notifications for degraded sources and
// the periodic health check loop.
type AlertConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackHours        int     `yaml:"lookback_hours" mapstructure:"lookback_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("BILLCOST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("voyage.base_url", "https://api.voyageai.com/v1")
	v.SetDefault("voyage.model", "voyage-3")
	v.SetDefault("acquire.timeout_secs", 30)
	v.SetDefault("acquire.requests_per_sec", 2.0)
	v.SetDefault("acquire.max_concurrent", 4)
	v.SetDefault("acquire.user_agent", "billcost/1.0")
	v.SetDefault("acquire.merge_key_strategy", "external_id")
	v.SetDefault("ingest.chunk_size", 1200)
	v.SetDefault("ingest.chunk_overlap", 150)
	v.SetDefault("ingest.embed_batch", 32)
	v.SetDefault("retrieval.top_k", 8)
	v.SetDefault("retrieval.min_similarity", 0.25)
	v.SetDefault("analysis.stage_timeout_secs", 120)
	v.SetDefault("analysis.max_output_tokens", 4096)
	v.SetDefault("health.failure_window", 3)
	v.SetDefault("discovery.template_file", "discovery.yaml")
	v.SetDefault("discovery.min_score", 0.3)
	v.SetDefault("discovery.max_candidates", 20)
	v.SetDefault("schedule.scrape_cron", "0 */6 * * *")
	v.SetDefault("tasks.workers", 4)
	v.SetDefault("tasks.queue_size", 256)
	v.SetDefault("alert.check_interval_secs", 300)
	v.SetDefault("alert.lookback_hours", 24)
	v.SetDefault("alert.failure_rate_threshold", 0.5)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that the configuration required for the given command
// path is present.
func (c *Config) Validate(command string) error {
	if c.Store.DatabaseURL == "" {
		return eris.Errorf("config: store.database_url is required for %s", command)
	}
	switch command {
	case "analyze", "serve":
		if c.Anthropic.Key == "" {
			return eris.Errorf("config: anthropic.key is required for %s", command)
		}
		if c.Voyage.Key == "" {
			return eris.Errorf("config: voyage.key is required for %s", command)
		}
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
