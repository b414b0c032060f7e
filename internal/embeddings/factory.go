package embeddings

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/kaxap/txtvec/internal/config"
	"github.com/kaxap/txtvec/internal/hub"
)

// ServiceConfig contains everything needed to assemble a pipeline
type ServiceConfig struct {
	Model    ModelConfig
	Pipeline PipelineConfig
	Hub      hub.Config
}

// ServiceConfigFrom maps application configuration onto a ServiceConfig
func ServiceConfigFrom(cfg *config.Config) ServiceConfig {
	m := cfg.Model
	return ServiceConfig{
		Model: ModelConfig{
			ModelID:        m.ID,
			Revision:       m.Revision,
			TokenizerFile:  m.TokenizerFile,
			ConfigFile:     m.ConfigFile,
			WeightsFile:    m.WeightsFile,
			WeightsData:    m.WeightsData,
			Device:         m.Device,
			Precision:      m.Precision,
			RuntimeLibrary: m.RuntimeLibrary,
			IntraOpThreads: m.IntraOpThreads,
		},
		Pipeline: PipelineConfig{
			Pooling:      Pooling(cfg.Pipeline.Pooling),
			MaxBatchSize: cfg.Pipeline.MaxBatchSize,
		},
		Hub: hub.Config{
			Endpoint: m.Endpoint,
			Repo:     m.ID,
			Revision: m.Revision,
			Token:    m.Token,
			CacheDir: m.CacheDir,
			Offline:  m.Offline,
			Timeout:  m.DownloadTimeout,
		},
	}
}

// Factory assembles the fetcher, loader, state and pipeline
type Factory struct {
	logger       *zap.Logger
	newTokenizer TokenizerFactory
	newBackend   BackendFactory
}

// NewFactory creates a factory using the sugarme tokenizer and the build's backend
func NewFactory(logger *zap.Logger) *Factory {
	return &Factory{
		logger:       logger,
		newTokenizer: LoadTokenizer,
		newBackend:   NewTransformerBackend,
	}
}

// WithTokenizer overrides the tokenizer constructor
func (f *Factory) WithTokenizer(fn TokenizerFactory) *Factory {
	f.newTokenizer = fn
	return f
}

// WithBackend overrides the backend constructor
func (f *Factory) WithBackend(fn BackendFactory) *Factory {
	f.newBackend = fn
	return f
}

// CreatePipeline builds an unloaded state and a pipeline over it. The model
// is fetched and loaded on the first embedding call or on State.Resources.
func (f *Factory) CreatePipeline(config ServiceConfig) (*Pipeline, *State, error) {
	if err := ValidateServiceConfig(config); err != nil {
		return nil, nil, err
	}

	fetcher, err := hub.NewFetcher(config.Hub, f.logger.Named("hub"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create artifact fetcher: %w", err)
	}

	loader := NewLoader(config.Model, fetcher, f.newTokenizer, f.newBackend, f.logger)
	state := NewState(loader.Load, f.logger)

	pipeline, err := NewPipeline(state, config.Pipeline, f.logger)
	if err != nil {
		return nil, nil, err
	}

	f.logger.Info("Created embedding pipeline",
		zap.String("model", config.Model.ModelID),
		zap.String("revision", config.Model.Revision),
		zap.String("pooling", string(pipeline.Pooling())))
	return pipeline, state, nil
}

// ValidateServiceConfig validates the embedding service configuration
func ValidateServiceConfig(config ServiceConfig) error {
	if config.Model.ModelID == "" {
		return fmt.Errorf("model id is required")
	}
	if config.Model.TokenizerFile == "" || config.Model.ConfigFile == "" || config.Model.WeightsFile == "" {
		return fmt.Errorf("artifact file names are required")
	}
	switch config.Pipeline.Pooling {
	case "", PoolingMean, PoolingMaskedMean:
	default:
		return fmt.Errorf("invalid pooling: %s (must be one of: mean, masked_mean)", config.Pipeline.Pooling)
	}
	return nil
}
