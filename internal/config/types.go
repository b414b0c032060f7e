package config

import "time"

// Config represents the main configuration structure
type Config struct {
	Model    ModelConfig    `yaml:"model" mapstructure:"model"`
	Pipeline PipelineConfig `yaml:"pipeline" mapstructure:"pipeline"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Cache    CacheConfig    `yaml:"cache" mapstructure:"cache"`
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Ingest   IngestConfig   `yaml:"ingest" mapstructure:"ingest"`
	Logging  LoggingConfig  `yaml:"logging" mapstructure:"logging"`
}

// ModelConfig identifies the model artifacts and how to run them
type ModelConfig struct {
	ID              string        `yaml:"id" mapstructure:"id"`                             // "intfloat/multilingual-e5-large"
	Revision        string        `yaml:"revision" mapstructure:"revision"`                 // "main"
	Endpoint        string        `yaml:"endpoint" mapstructure:"endpoint"`                 // "https://huggingface.co"
	Token           string        `yaml:"token" mapstructure:"token"`                       // hub access token, optional
	CacheDir        string        `yaml:"cache_dir" mapstructure:"cache_dir"`               // "./models"
	Offline         bool          `yaml:"offline" mapstructure:"offline"`                   // never touch the network
	TokenizerFile   string        `yaml:"tokenizer_file" mapstructure:"tokenizer_file"`     // "tokenizer.json"
	ConfigFile      string        `yaml:"config_file" mapstructure:"config_file"`           // "config.json"
	WeightsFile     string        `yaml:"weights_file" mapstructure:"weights_file"`         // "onnx/model.onnx"
	WeightsData     []string      `yaml:"weights_data" mapstructure:"weights_data"`         // external tensor data next to the weights
	Device          string        `yaml:"device" mapstructure:"device"`                     // "cpu"
	Precision       string        `yaml:"precision" mapstructure:"precision"`               // "f32"
	RuntimeLibrary  string        `yaml:"runtime_library" mapstructure:"runtime_library"`   // path to libonnxruntime
	IntraOpThreads  int           `yaml:"intra_op_threads" mapstructure:"intra_op_threads"` // 0 lets the runtime decide
	DownloadTimeout time.Duration `yaml:"download_timeout" mapstructure:"download_timeout"` // 30m
}

// PipelineConfig contains batch embedding options
type PipelineConfig struct {
	Pooling      string `yaml:"pooling" mapstructure:"pooling"`               // mean or masked_mean
	MaxBatchSize int    `yaml:"max_batch_size" mapstructure:"max_batch_size"` // 0 means unlimited
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port           int           `yaml:"port" mapstructure:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
	WebSocketPath  string        `yaml:"websocket_path" mapstructure:"websocket_path"`
	AllowedOrigins []string      `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	RateLimit      struct {
		Enabled           bool    `yaml:"enabled" mapstructure:"enabled"`
		RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
		Burst             int     `yaml:"burst" mapstructure:"burst"`
	} `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// CacheConfig contains embedding result cache configuration
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled" mapstructure:"enabled"`
	RedisURL   string        `yaml:"redis_url" mapstructure:"redis_url"`
	DefaultTTL time.Duration `yaml:"default_ttl" mapstructure:"default_ttl"`
	KeyPrefix  string        `yaml:"key_prefix" mapstructure:"key_prefix"`
	LocalSize  int           `yaml:"local_size" mapstructure:"local_size"`
	PoolSize   int           `yaml:"pool_size" mapstructure:"pool_size"`
}

// StoreConfig contains embedding persistence configuration
type StoreConfig struct {
	Driver          string        `yaml:"driver" mapstructure:"driver"` // postgres or sqlite
	DatabaseURL     string        `yaml:"database_url" mapstructure:"database_url"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" mapstructure:"conn_max_idle_time"`
}

// IngestConfig contains dataset ingestion configuration
type IngestConfig struct {
	BatchSize      int  `yaml:"batch_size" mapstructure:"batch_size"`
	ValidateData   bool `yaml:"validate_data" mapstructure:"validate_data"`
	MaxTextLength  int  `yaml:"max_text_length" mapstructure:"max_text_length"`
	ProgressReport int  `yaml:"progress_report" mapstructure:"progress_report"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"` // json or console
	File   struct {
		Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
		Path    string `yaml:"path" mapstructure:"path"`
	} `yaml:"file" mapstructure:"file"`
}

// GetDefaults returns a configuration with sensible defaults
func GetDefaults() *Config {
	cfg := &Config{
		Model: ModelConfig{
			ID:              "intfloat/multilingual-e5-large",
			Revision:        "main",
			Endpoint:        "https://huggingface.co",
			CacheDir:        "./models",
			TokenizerFile:   "tokenizer.json",
			ConfigFile:      "config.json",
			WeightsFile:     "onnx/model.onnx",
			WeightsData:     []string{"onnx/model.onnx_data"},
			Device:          "cpu",
			Precision:       "f32",
			DownloadTimeout: 30 * time.Minute,
		},
		Pipeline: PipelineConfig{
			Pooling: "mean",
		},
		Server: ServerConfig{
			Port:           8080,
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   120 * time.Second,
			IdleTimeout:    60 * time.Second,
			MaxBodyBytes:   8 << 20,
			WebSocketPath:  "/ws",
			AllowedOrigins: []string{"*"},
		},
		Cache: CacheConfig{
			Enabled:    false,
			RedisURL:   "redis://localhost:6379/0",
			DefaultTTL: 24 * time.Hour,
			KeyPrefix:  "txtvec",
			LocalSize:  1024,
			PoolSize:   10,
		},
		Store: StoreConfig{
			Driver:          "sqlite",
			DatabaseURL:     "file:embeddings.db",
			MaxOpenConns:    4,
			MaxIdleConns:    2,
			ConnMaxLifetime: time.Hour,
			ConnMaxIdleTime: 10 * time.Minute,
		},
		Ingest: IngestConfig{
			BatchSize:      32,
			ValidateData:   true,
			MaxTextLength:  10000,
			ProgressReport: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
	cfg.Server.RateLimit.Enabled = true
	cfg.Server.RateLimit.RequestsPerSecond = 20
	cfg.Server.RateLimit.Burst = 40
	cfg.Logging.File.Path = "logs/txtvec.log"
	return cfg
}
