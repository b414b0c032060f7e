package embeddings

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestStateLoadsOnce(t *testing.T) {
	var loads atomic.Int32
	backend := &fakeBackend{hidden: fakeHidden}
	state := NewState(func(ctx context.Context) (*Resources, error) {
		loads.Add(1)
		time.Sleep(10 * time.Millisecond)
		return fakeResources(&fakeTokenizer{}, backend), nil
	}, zap.NewNop())

	if state.Ready() {
		t.Fatal("State should not be ready before first use")
	}
	if _, ok := state.Info(); ok {
		t.Fatal("Info should not report a model before loading")
	}

	var wg sync.WaitGroup
	models := make([]*Model, 32)
	for i := range models {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, err := state.Model(context.Background())
			if err != nil {
				t.Errorf("Model failed: %v", err)
				return
			}
			models[i] = m
		}(i)
	}
	wg.Wait()

	if got := loads.Load(); got != 1 {
		t.Errorf("Expected exactly one load, got %d", got)
	}
	for i := range models {
		if models[i] != models[0] {
			t.Fatalf("Caller %d observed a different model", i)
		}
	}
	if !state.Ready() {
		t.Error("State should be ready after loading")
	}
	if info, ok := state.Info(); !ok || info.HiddenSize != fakeHidden {
		t.Errorf("Unexpected info %+v", info)
	}

	if err := state.Close(); err != nil {
		t.Fatal(err)
	}
	if backend.IsReady() {
		t.Error("Close should release the backend")
	}
}

func TestStateCancelledFirstCaller(t *testing.T) {
	state := NewState(func(ctx context.Context) (*Resources, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return fakeResources(&fakeTokenizer{}, &fakeBackend{hidden: fakeHidden}), nil
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := state.Tokenizer(ctx); err != nil {
		t.Fatalf("A cancelled caller should not poison the shared load: %v", err)
	}
}

func TestStateIncompleteResources(t *testing.T) {
	state := NewState(func(ctx context.Context) (*Resources, error) {
		return &Resources{Tokenizer: &fakeTokenizer{}}, nil
	}, zap.NewNop())

	_, err := state.Resources(context.Background())
	if !errors.Is(err, ErrModelNotLoaded) {
		t.Errorf("Expected ErrModelNotLoaded, got %v", err)
	}
	if state.Ready() {
		t.Error("State should not be ready after a failed load")
	}
	if err := state.Close(); err != nil {
		t.Errorf("Close on an unloaded state should be a no-op: %v", err)
	}
}

func TestStateLoadPanic(t *testing.T) {
	var loads atomic.Int32
	state := NewState(func(ctx context.Context) (*Resources, error) {
		loads.Add(1)
		panic("NotImplementedError")
	}, zap.NewNop())

	for i := 0; i < 2; i++ {
		res, err := state.Resources(context.Background())
		if res != nil {
			t.Fatalf("Call %d: expected no resources, got %+v", i, res)
		}
		if !errors.Is(err, ErrArtifactMalformed) || !IsLoadError(err) {
			t.Fatalf("Call %d: expected a load error, got %v", i, err)
		}
	}
	if got := loads.Load(); got != 1 {
		t.Errorf("Expected one load attempt, got %d", got)
	}
	if state.Ready() {
		t.Error("State should not be ready after a panicking load")
	}

	p, err := NewPipeline(state, PipelineConfig{}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Embed(context.Background(), []string{"x"}); !IsLoadError(err) {
		t.Errorf("Embed should report the load error, got %v", err)
	}
}
