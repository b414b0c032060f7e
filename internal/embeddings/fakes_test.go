package embeddings

import (
	"context"
	"errors"
	"sync/atomic"

	"go.uber.org/zap"
)

const (
	fakeCLS    = 0
	fakePad    = 1
	fakeSEP    = 2
	fakeHidden = 8
)

// fakeTokenizer maps every rune to one token and pads to the batch longest
type fakeTokenizer struct {
	encoders atomic.Int32
	fail     bool
}

func (f *fakeTokenizer) BatchEncoder() Encoder {
	f.encoders.Add(1)
	return &fakeEncoder{fail: f.fail}
}

type fakeEncoder struct {
	fail bool
}

func (e *fakeEncoder) EncodeBatch(texts []string) ([]Encoding, error) {
	if e.fail {
		return nil, errors.New("vocabulary exploded")
	}

	out := make([]Encoding, len(texts))
	longest := 0
	for i, text := range texts {
		ids := []int{fakeCLS}
		for _, r := range text {
			ids = append(ids, int(r)%1000+10)
		}
		ids = append(ids, fakeSEP)
		out[i].IDs = ids
		if len(ids) > longest {
			longest = len(ids)
		}
	}
	for i := range out {
		mask := make([]int, longest)
		for s := range mask {
			if s < len(out[i].IDs) {
				mask[s] = 1
			}
		}
		for len(out[i].IDs) < longest {
			out[i].IDs = append(out[i].IDs, fakePad)
		}
		out[i].AttentionMask = mask
	}
	return out, nil
}

// fakeBackend gives every token id a fixed non-zero vector
type fakeBackend struct {
	hidden int
	calls  atomic.Int32
	err    error
	zeros  bool
	closed atomic.Bool
}

func tokenVector(id int64, d int) float32 {
	return float32((id*int64(d+3))%17) - 8 + 0.5
}

func (b *fakeBackend) Forward(ctx context.Context, batch *Batch) (*HiddenStates, error) {
	b.calls.Add(1)
	if b.err != nil {
		return nil, b.err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	hs := &HiddenStates{
		Data:   make([]float32, batch.Size*batch.SeqLen*b.hidden),
		Batch:  batch.Size,
		SeqLen: batch.SeqLen,
		Hidden: b.hidden,
	}
	if b.zeros {
		return hs, nil
	}
	for i, id := range batch.InputIDs {
		for d := 0; d < b.hidden; d++ {
			hs.Data[i*b.hidden+d] = tokenVector(id, d)
		}
	}
	return hs, nil
}

func (b *fakeBackend) IsReady() bool { return !b.closed.Load() }

func (b *fakeBackend) Close() error {
	b.closed.Store(true)
	return nil
}

func fakeResources(tk TokenizerHandle, backend TransformerBackend) *Resources {
	return &Resources{
		Tokenizer: tk,
		Model: &Model{
			Backend: backend,
			Info:    ModelInfo{ModelID: "test/model", Revision: "main", HiddenSize: fakeHidden},
		},
	}
}

func newTestPipeline(tk TokenizerHandle, backend TransformerBackend, pooling Pooling) (*Pipeline, *State) {
	state := NewState(func(ctx context.Context) (*Resources, error) {
		return fakeResources(tk, backend), nil
	}, zap.NewNop())
	p, err := NewPipeline(state, PipelineConfig{Pooling: pooling}, zap.NewNop())
	if err != nil {
		panic(err)
	}
	return p, state
}
