package main

import (
	"context"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/kaxap/txtvec/internal/config"
	"github.com/kaxap/txtvec/internal/embeddings"
	"github.com/kaxap/txtvec/internal/handoff"
	"github.com/kaxap/txtvec/internal/logger"
)

// embedder is the part of the pipeline the C edge needs
type embedder interface {
	EmbedInto(ctx context.Context, texts []string, alloc embeddings.Allocator) ([][]float32, error)
}

// warmer loads the model ahead of the first call
type warmer interface {
	Resources(ctx context.Context) (*embeddings.Resources, error)
}

var (
	bootOnce sync.Once
	bootErr  error
	pipeline embedder
	state    warmer
	libLog   = zap.NewNop()
)

// bootstrap reads configuration and assembles the pipeline. It does not load the model.
func bootstrap() error {
	bootOnce.Do(func() {
		if pipeline != nil {
			return
		}

		cfg, err := config.Load(os.Getenv("TXTVEC_CONFIG"))
		if err != nil {
			bootErr = fmt.Errorf("%w: configuration: %v", embeddings.ErrModelNotLoaded, err)
			return
		}

		loggerConfig := logger.Config{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
		}
		if cfg.Logging.File.Enabled {
			loggerConfig.File = &logger.FileConfig{
				Enabled: cfg.Logging.File.Enabled,
				Path:    cfg.Logging.File.Path,
			}
		}
		l, err := logger.New(loggerConfig)
		if err != nil {
			bootErr = fmt.Errorf("%w: logger: %v", embeddings.ErrModelNotLoaded, err)
			return
		}
		libLog = l.WithComponent("libtxtvec").Logger

		p, s, err := embeddings.NewFactory(libLog).CreatePipeline(embeddings.ServiceConfigFrom(cfg))
		if err != nil {
			bootErr = fmt.Errorf("%w: %v", embeddings.ErrModelNotLoaded, err)
			return
		}
		pipeline, state = p, s
	})
	return bootErr
}

// warmUp loads the model now instead of on the first call
func warmUp() error {
	if err := bootstrap(); err != nil {
		return err
	}
	if state == nil {
		return nil
	}
	_, err := state.Resources(context.Background())
	return err
}

// embedStrings runs one call: import, embed into C memory, export.
// On failure nothing is exported and every allocation is freed.
func embedStrings(ptrs **byte, lengths *uintptr, count int) (handoff.FloatArrayArray, error) {
	texts, err := handoff.ImportStrings(ptrs, lengths, count)
	if err != nil {
		return handoff.FloatArrayArray{}, err
	}
	if len(texts) == 0 {
		return handoff.FloatArrayArray{}, nil
	}

	if err := bootstrap(); err != nil {
		return handoff.FloatArrayArray{}, err
	}

	arena := handoff.NewArena()
	vecs, err := pipeline.EmbedInto(context.Background(), texts, arena.Alloc)
	if err != nil {
		arena.Discard()
		return handoff.FloatArrayArray{}, err
	}
	if len(vecs) != len(texts) || arena.Len() != len(texts) {
		arena.Discard()
		return handoff.FloatArrayArray{}, fmt.Errorf("%w: %d vectors for %d texts", embeddings.ErrShapeMismatch, len(vecs), len(texts))
	}
	return arena.Export(), nil
}
