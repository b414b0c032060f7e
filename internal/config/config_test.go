package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "txtvec.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "logging:\n  level: info\n"))
	require.NoError(t, err)

	assert.Equal(t, "intfloat/multilingual-e5-large", cfg.Model.ID)
	assert.Equal(t, "main", cfg.Model.Revision)
	assert.Equal(t, "cpu", cfg.Model.Device)
	assert.Equal(t, "f32", cfg.Model.Precision)
	assert.Equal(t, "mean", cfg.Pipeline.Pooling)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"onnx/model.onnx_data"}, cfg.Model.WeightsData)
}

func TestLoadFileOverrides(t *testing.T) {
	path := writeConfig(t, `
model:
  id: sentence-transformers/all-MiniLM-L6-v2
  weights_file: model.onnx
  weights_data: ["model.onnx_data"]
  download_timeout: 2m
pipeline:
  pooling: masked_mean
server:
  port: 9090
  rate_limit:
    enabled: false
logging:
  level: debug
  format: console
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "sentence-transformers/all-MiniLM-L6-v2", cfg.Model.ID)
	assert.Equal(t, "model.onnx", cfg.Model.WeightsFile)
	assert.Equal(t, []string{"model.onnx_data"}, cfg.Model.WeightsData)
	assert.Equal(t, 2*time.Minute, cfg.Model.DownloadTimeout)
	assert.Equal(t, "masked_mean", cfg.Pipeline.Pooling)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.False(t, cfg.Server.RateLimit.Enabled)
	assert.Equal(t, "console", cfg.Logging.Format)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("TXTVEC_MODEL_REVISION", "v1.0")
	t.Setenv("TXTVEC_SERVER_PORT", "7070")

	cfg, err := Load(writeConfig(t, "pipeline:\n  pooling: mean\n"))
	require.NoError(t, err)

	assert.Equal(t, "v1.0", cfg.Model.Revision)
	assert.Equal(t, 7070, cfg.Server.Port)
}

func TestLoadRejectsInvalid(t *testing.T) {
	_, err := Load(writeConfig(t, "model:\n  device: cuda\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"defaults", func(*Config) {}, ""},
		{"empty model id", func(c *Config) { c.Model.ID = " " }, "model id"},
		{"unsupported precision", func(c *Config) { c.Model.Precision = "f16" }, "precision"},
		{"unknown pooling", func(c *Config) { c.Pipeline.Pooling = "cls" }, "pooling"},
		{"negative batch", func(c *Config) { c.Pipeline.MaxBatchSize = -1 }, "max_batch_size"},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "port"},
		{"bad rate", func(c *Config) { c.Server.RateLimit.RequestsPerSecond = 0 }, "requests_per_second"},
		{"bad driver", func(c *Config) { c.Store.Driver = "mysql" }, "driver"},
		{"bad ingest batch", func(c *Config) { c.Ingest.BatchSize = 0 }, "batch_size"},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }, "log level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "log format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaults()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestWatchRequiresLoadedFile(t *testing.T) {
	mu.Lock()
	loaded = nil
	mu.Unlock()

	err := Watch(func(*Config) {})
	assert.Error(t, err)
}
