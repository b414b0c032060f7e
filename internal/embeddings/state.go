package embeddings

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// LoadFunc produces the shared resources. It runs at most once per State.
type LoadFunc func(ctx context.Context) (*Resources, error)

// State owns the process-wide tokenizer and model. The first caller runs the
// load; concurrent callers block until it finishes and then share its
// result. A failed load is not retried.
type State struct {
	load   LoadFunc
	logger *zap.Logger

	once  sync.Once
	res   *Resources
	err   error
	ready atomic.Bool
}

// NewState creates an unloaded state
func NewState(load LoadFunc, logger *zap.Logger) *State {
	return &State{load: load, logger: logger}
}

// Resources returns the loaded resources, loading them on first use.
// Cancelling ctx does not interrupt a load other callers are waiting on.
func (s *State) Resources(ctx context.Context) (*Resources, error) {
	s.once.Do(func() {
		defer func() {
			if r := recover(); r != nil {
				s.err = fmt.Errorf("%w: load panicked: %v", ErrArtifactMalformed, r)
				s.logger.Error("Embedding model failed to load", zap.Error(s.err))
			}
		}()
		res, err := s.load(context.WithoutCancel(ctx))
		if err == nil && (res == nil || res.Tokenizer == nil || res.Model == nil || res.Model.Backend == nil) {
			err = ErrModelNotLoaded
		}
		if err != nil {
			s.logger.Error("Embedding model failed to load", zap.Error(err))
			s.err = err
			return
		}
		s.res = res
		s.ready.Store(true)
	})
	return s.res, s.err
}

// Tokenizer returns the shared tokenizer template
func (s *State) Tokenizer(ctx context.Context) (TokenizerHandle, error) {
	res, err := s.Resources(ctx)
	if err != nil {
		return nil, err
	}
	return res.Tokenizer, nil
}

// Model returns the shared model
func (s *State) Model(ctx context.Context) (*Model, error) {
	res, err := s.Resources(ctx)
	if err != nil {
		return nil, err
	}
	return res.Model, nil
}

// Ready reports whether a load has completed successfully
func (s *State) Ready() bool {
	return s.ready.Load()
}

// Info returns the loaded model description without triggering a load
func (s *State) Info() (ModelInfo, bool) {
	if !s.ready.Load() {
		return ModelInfo{}, false
	}
	return s.res.Model.Info, true
}

// Close releases the backend if it was loaded
func (s *State) Close() error {
	if !s.ready.Load() {
		return nil
	}
	s.logger.Info("Closing embedding model")
	return s.res.Model.Backend.Close()
}
