package embeddings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ArtifactFetcher resolves artifact names to local file paths
type ArtifactFetcher interface {
	Get(ctx context.Context, name string) (string, error)
}

// Model is a loaded transformer together with its description
type Model struct {
	Backend TransformerBackend
	Info    ModelInfo
}

// Resources are the immutable artifacts shared by every pipeline call
type Resources struct {
	Tokenizer TokenizerHandle
	Model     *Model
}

// Loader fetches model artifacts and builds the tokenizer and backend
type Loader struct {
	config       ModelConfig
	fetcher      ArtifactFetcher
	newTokenizer TokenizerFactory
	newBackend   BackendFactory
	logger       *zap.Logger
}

// NewLoader creates a loader. Nil factories select LoadTokenizer and
// NewTransformerBackend.
func NewLoader(config ModelConfig, fetcher ArtifactFetcher, newTokenizer TokenizerFactory, newBackend BackendFactory, logger *zap.Logger) *Loader {
	if newTokenizer == nil {
		newTokenizer = LoadTokenizer
	}
	if newBackend == nil {
		newBackend = NewTransformerBackend
	}
	return &Loader{
		config:       config,
		fetcher:      fetcher,
		newTokenizer: newTokenizer,
		newBackend:   newBackend,
		logger:       logger,
	}
}

// Load fetches tokenizer, config and weights for the configured model id and
// revision and builds the resources on the CPU in 32-bit float precision.
func (l *Loader) Load(ctx context.Context) (*Resources, error) {
	start := time.Now()
	cfg := l.config

	if d := strings.ToLower(cfg.Device); d != "" && d != "cpu" {
		return nil, fmt.Errorf("%w: device %q", ErrUnsupportedDevice, cfg.Device)
	}
	if p := strings.ToLower(cfg.Precision); p != "" && p != "f32" && p != "float32" {
		return nil, fmt.Errorf("%w: precision %q", ErrUnsupportedDevice, cfg.Precision)
	}

	l.logger.Info("Loading embedding model",
		zap.String("model", cfg.ModelID),
		zap.String("revision", cfg.Revision))

	tokenizerPath, err := l.fetch(ctx, cfg.TokenizerFile)
	if err != nil {
		return nil, err
	}
	configPath, err := l.fetch(ctx, cfg.ConfigFile)
	if err != nil {
		return nil, err
	}
	weightsPath, err := l.fetch(ctx, cfg.WeightsFile)
	if err != nil {
		return nil, err
	}
	// External data files only need to sit next to the weights
	for _, name := range cfg.WeightsData {
		if _, err := l.fetch(ctx, name); err != nil {
			return nil, err
		}
	}

	info, err := ReadModelInfo(configPath)
	if err != nil {
		return nil, err
	}
	info.ModelID = cfg.ModelID
	info.Revision = cfg.Revision
	info.Device = "cpu"
	info.Precision = "f32"

	tk, err := l.newTokenizer(tokenizerPath, info)
	if err != nil {
		if errors.Is(err, ErrArtifactMalformed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: tokenizer: %v", ErrArtifactMalformed, err)
	}

	backend, err := l.newBackend(l.logger, BackendOptions{
		ModelPath:      weightsPath,
		RuntimeLibrary: cfg.RuntimeLibrary,
		IntraOpThreads: cfg.IntraOpThreads,
	})
	if err != nil {
		if IsLoadError(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: weights %s: %v", ErrArtifactMalformed, cfg.WeightsFile, err)
	}

	info.LoadTime = time.Since(start)
	l.logger.Info("Embedding model loaded",
		zap.String("model", cfg.ModelID),
		zap.String("revision", cfg.Revision),
		zap.String("model_type", info.ModelType),
		zap.Int("hidden_size", info.HiddenSize),
		zap.Int("layers", info.NumHiddenLayers),
		zap.Duration("load_time", info.LoadTime))

	return &Resources{
		Tokenizer: tk,
		Model:     &Model{Backend: backend, Info: info},
	}, nil
}

func (l *Loader) fetch(ctx context.Context, name string) (string, error) {
	p, err := l.fetcher.Get(ctx, name)
	if err != nil {
		l.logger.Error("Failed to fetch model artifact", zap.String("file", name), zap.Error(err))
		return "", fmt.Errorf("%w: %s: %v", ErrArtifactUnavailable, name, err)
	}
	return p, nil
}

// ReadModelInfo parses a transformers config.json
func ReadModelInfo(path string) (ModelInfo, error) {
	var info ModelInfo

	data, err := os.ReadFile(path)
	if err != nil {
		return info, fmt.Errorf("%w: %s: %v", ErrArtifactUnavailable, path, err)
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return info, fmt.Errorf("%w: %s: %v", ErrArtifactMalformed, path, err)
	}
	if info.HiddenSize <= 0 {
		return info, fmt.Errorf("%w: %s: hidden_size must be positive", ErrArtifactMalformed, path)
	}
	return info, nil
}
