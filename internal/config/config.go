package config

import (
	"fmt"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

var (
	mu     sync.Mutex
	loaded *viper.Viper
)

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	config := GetDefaults()

	v := viper.New()
	v.SetConfigName("txtvec")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/txtvec/")
	v.AddConfigPath("$HOME/.txtvec/")

	// Environment variable overrides, e.g. TXTVEC_MODEL_CACHE_DIR
	v.SetEnvPrefix("TXTVEC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	registerDefaults(v, config)

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		// Config file not found is not an error - we'll use defaults
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	mu.Lock()
	loaded = v
	mu.Unlock()

	return config, nil
}

// registerDefaults makes every key known to viper so AutomaticEnv can override it
func registerDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("model.id", d.Model.ID)
	v.SetDefault("model.revision", d.Model.Revision)
	v.SetDefault("model.endpoint", d.Model.Endpoint)
	v.SetDefault("model.token", d.Model.Token)
	v.SetDefault("model.cache_dir", d.Model.CacheDir)
	v.SetDefault("model.offline", d.Model.Offline)
	v.SetDefault("model.tokenizer_file", d.Model.TokenizerFile)
	v.SetDefault("model.config_file", d.Model.ConfigFile)
	v.SetDefault("model.weights_file", d.Model.WeightsFile)
	v.SetDefault("model.weights_data", d.Model.WeightsData)
	v.SetDefault("model.device", d.Model.Device)
	v.SetDefault("model.precision", d.Model.Precision)
	v.SetDefault("model.runtime_library", d.Model.RuntimeLibrary)
	v.SetDefault("model.intra_op_threads", d.Model.IntraOpThreads)
	v.SetDefault("model.download_timeout", d.Model.DownloadTimeout)

	v.SetDefault("pipeline.pooling", d.Pipeline.Pooling)
	v.SetDefault("pipeline.max_batch_size", d.Pipeline.MaxBatchSize)

	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", d.Server.IdleTimeout)
	v.SetDefault("server.max_body_bytes", d.Server.MaxBodyBytes)
	v.SetDefault("server.websocket_path", d.Server.WebSocketPath)
	v.SetDefault("server.allowed_origins", d.Server.AllowedOrigins)
	v.SetDefault("server.rate_limit.enabled", d.Server.RateLimit.Enabled)
	v.SetDefault("server.rate_limit.requests_per_second", d.Server.RateLimit.RequestsPerSecond)
	v.SetDefault("server.rate_limit.burst", d.Server.RateLimit.Burst)

	v.SetDefault("cache.enabled", d.Cache.Enabled)
	v.SetDefault("cache.redis_url", d.Cache.RedisURL)
	v.SetDefault("cache.default_ttl", d.Cache.DefaultTTL)
	v.SetDefault("cache.key_prefix", d.Cache.KeyPrefix)
	v.SetDefault("cache.local_size", d.Cache.LocalSize)
	v.SetDefault("cache.pool_size", d.Cache.PoolSize)

	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.database_url", d.Store.DatabaseURL)
	v.SetDefault("store.max_open_conns", d.Store.MaxOpenConns)
	v.SetDefault("store.max_idle_conns", d.Store.MaxIdleConns)
	v.SetDefault("store.conn_max_lifetime", d.Store.ConnMaxLifetime)
	v.SetDefault("store.conn_max_idle_time", d.Store.ConnMaxIdleTime)

	v.SetDefault("ingest.batch_size", d.Ingest.BatchSize)
	v.SetDefault("ingest.validate_data", d.Ingest.ValidateData)
	v.SetDefault("ingest.max_text_length", d.Ingest.MaxTextLength)
	v.SetDefault("ingest.progress_report", d.Ingest.ProgressReport)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file.enabled", d.Logging.File.Enabled)
	v.SetDefault("logging.file.path", d.Logging.File.Path)
}

// Validate validates the loaded configuration
func Validate(config *Config) error {
	if strings.TrimSpace(config.Model.ID) == "" {
		return fmt.Errorf("model id is required")
	}

	if config.Model.Revision == "" {
		return fmt.Errorf("model revision is required")
	}

	if config.Model.WeightsFile == "" || config.Model.TokenizerFile == "" || config.Model.ConfigFile == "" {
		return fmt.Errorf("model tokenizer_file, config_file and weights_file are required")
	}

	if config.Model.Device != "cpu" {
		return fmt.Errorf("invalid device: %s (only cpu is supported)", config.Model.Device)
	}

	if config.Model.Precision != "f32" {
		return fmt.Errorf("invalid precision: %s (only f32 is supported)", config.Model.Precision)
	}

	if config.Pipeline.Pooling != "mean" && config.Pipeline.Pooling != "masked_mean" {
		return fmt.Errorf("invalid pooling: %s (must be mean or masked_mean)", config.Pipeline.Pooling)
	}

	if config.Pipeline.MaxBatchSize < 0 {
		return fmt.Errorf("max_batch_size must not be negative")
	}

	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Server.RateLimit.Enabled && config.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("rate_limit.requests_per_second must be positive when rate limiting is enabled")
	}

	if config.Cache.Enabled && config.Cache.LocalSize <= 0 && config.Cache.RedisURL == "" {
		return fmt.Errorf("cache needs a redis_url or a positive local_size")
	}

	if config.Store.Driver != "postgres" && config.Store.Driver != "sqlite" {
		return fmt.Errorf("invalid store driver: %s (must be postgres or sqlite)", config.Store.Driver)
	}

	if config.Ingest.BatchSize <= 0 {
		return fmt.Errorf("ingest batch_size must be positive")
	}

	if config.Logging.Level != "debug" && config.Logging.Level != "info" && config.Logging.Level != "warn" && config.Logging.Level != "error" {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", config.Logging.Level)
	}

	if config.Logging.Format != "json" && config.Logging.Format != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", config.Logging.Format)
	}

	return nil
}

// Watch starts watching the configuration file for changes.
// The callback only sees configurations that pass validation.
func Watch(callback func(*Config)) error {
	mu.Lock()
	v := loaded
	mu.Unlock()

	if v == nil {
		return fmt.Errorf("configuration has not been loaded")
	}
	if v.ConfigFileUsed() == "" {
		return fmt.Errorf("no configuration file to watch")
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}

		newConfig := GetDefaults()
		if err := v.Unmarshal(newConfig); err != nil {
			return
		}

		if err := Validate(newConfig); err != nil {
			return
		}

		callback(newConfig)
	})
	v.WatchConfig()

	return nil
}
