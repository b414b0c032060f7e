package embeddings

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Pooling selects how token vectors are reduced to one vector per text
type Pooling string

const (
	// PoolingMean averages all positions of the padded row
	PoolingMean Pooling = "mean"
	// PoolingMaskedMean averages only positions covered by the attention mask
	PoolingMaskedMean Pooling = "masked_mean"
)

// PipelineConfig contains pipeline configuration
type PipelineConfig struct {
	Pooling      Pooling
	MaxBatchSize int
}

// Allocator returns zeroed storage for one output vector of length n
type Allocator func(n int) []float32

// Pipeline turns batches of texts into unit-length embeddings
type Pipeline struct {
	state  *State
	config PipelineConfig
	logger *zap.Logger

	mu    sync.RWMutex
	stats *ModelStats
}

// NewPipeline creates a pipeline over shared state
func NewPipeline(state *State, config PipelineConfig, logger *zap.Logger) (*Pipeline, error) {
	switch config.Pooling {
	case "":
		config.Pooling = PoolingMean
	case PoolingMean, PoolingMaskedMean:
	default:
		return nil, fmt.Errorf("unknown pooling %q", config.Pooling)
	}
	if config.MaxBatchSize < 0 {
		return nil, fmt.Errorf("max batch size cannot be negative")
	}

	return &Pipeline{
		state:  state,
		config: config,
		logger: logger,
		stats: &ModelStats{
			Pooling:   string(config.Pooling),
			StartTime: time.Now(),
		},
	}, nil
}

// Embed returns one normalized vector per text, in input order
func (p *Pipeline) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return p.EmbedInto(ctx, texts, nil)
}

// EmbedInto is Embed with caller-provided storage for each output vector.
// A nil alloc uses Go memory. On error, vectors already allocated are
// returned so the caller can release them.
func (p *Pipeline) EmbedInto(ctx context.Context, texts []string, alloc Allocator) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrEmptyBatch)
	}
	if p.config.MaxBatchSize > 0 && len(texts) > p.config.MaxBatchSize {
		return nil, fmt.Errorf("%w: %d texts, limit %d", ErrBatchTooLarge, len(texts), p.config.MaxBatchSize)
	}

	start := time.Now()
	res, err := p.state.Resources(ctx)
	if err != nil {
		return nil, err
	}

	out, tokens, err := p.run(ctx, res, texts, alloc)
	p.updateStats(len(texts), tokens, time.Since(start), err == nil)
	if err != nil {
		p.logger.Debug("Embedding batch failed",
			zap.Int("batch_size", len(texts)),
			zap.Int("code", Code(err)),
			zap.Error(err))
		return out, err
	}

	p.logger.Debug("Embedding batch completed",
		zap.Int("batch_size", len(texts)),
		zap.Int("tokens", tokens),
		zap.Duration("duration", time.Since(start)))
	return out, nil
}

func (p *Pipeline) run(ctx context.Context, res *Resources, texts []string, alloc Allocator) ([][]float32, int, error) {
	batch, err := encode(res.Tokenizer.BatchEncoder(), texts)
	if err != nil {
		return nil, 0, err
	}
	tokens := batch.Size * batch.SeqLen

	if err := ctx.Err(); err != nil {
		return nil, tokens, fmt.Errorf("%w: %w", ErrInferenceFailed, err)
	}

	hs, err := res.Model.Backend.Forward(ctx, batch)
	if err != nil {
		var ee *EmbeddingError
		if errors.As(err, &ee) {
			return nil, tokens, err
		}
		return nil, tokens, fmt.Errorf("%w: %w", ErrInferenceFailed, err)
	}

	hidden := res.Model.Info.HiddenSize
	if hs.Batch != batch.Size || hs.SeqLen != batch.SeqLen || hs.Hidden != hidden ||
		len(hs.Data) != hs.Batch*hs.SeqLen*hs.Hidden {
		return nil, tokens, fmt.Errorf("%w: hidden states [%d %d %d] with %d values, want [%d %d %d]",
			ErrShapeMismatch, hs.Batch, hs.SeqLen, hs.Hidden, len(hs.Data), batch.Size, batch.SeqLen, hidden)
	}

	out := make([][]float32, 0, batch.Size)
	for i := 0; i < batch.Size; i++ {
		var vec []float32
		if alloc != nil {
			vec = alloc(hidden)
		} else {
			vec = make([]float32, hidden)
		}
		out = append(out, vec)

		switch p.config.Pooling {
		case PoolingMaskedMean:
			MaskedMeanPool(vec, hs, i, batch.AttentionMask[i*batch.SeqLen:(i+1)*batch.SeqLen])
		default:
			MeanPool(vec, hs, i)
		}
		if err := NormalizeL2(vec); err != nil {
			return out, tokens, fmt.Errorf("%w: text %d", err, i)
		}
	}
	return out, tokens, nil
}

// encode tokenizes texts and lays them out as a rectangular batch.
// Inputs are single-segment, so token types stay zero.
func encode(enc Encoder, texts []string) (*Batch, error) {
	encodings, err := enc.EncodeBatch(texts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenizationFailed, err)
	}
	if len(encodings) != len(texts) {
		return nil, fmt.Errorf("%w: %d encodings for %d texts", ErrShapeMismatch, len(encodings), len(texts))
	}

	seqLen := len(encodings[0].IDs)
	batch := &Batch{
		Size:          len(texts),
		SeqLen:        seqLen,
		InputIDs:      make([]int64, 0, len(texts)*seqLen),
		TokenTypeIDs:  make([]int64, len(texts)*seqLen),
		AttentionMask: make([]int64, 0, len(texts)*seqLen),
	}
	for i, e := range encodings {
		if len(e.IDs) != seqLen {
			return nil, fmt.Errorf("%w: text %d has %d tokens, batch has %d", ErrShapeMismatch, i, len(e.IDs), seqLen)
		}
		for s, id := range e.IDs {
			batch.InputIDs = append(batch.InputIDs, int64(id))

			mask := 1
			if s < len(e.AttentionMask) {
				mask = e.AttentionMask[s]
			}
			batch.AttentionMask = append(batch.AttentionMask, int64(mask))
		}
	}
	return batch, nil
}

// Info returns the model description, loading the model if needed
func (p *Pipeline) Info(ctx context.Context) (ModelInfo, error) {
	m, err := p.state.Model(ctx)
	if err != nil {
		return ModelInfo{}, err
	}
	return m.Info, nil
}

// Pooling returns the configured pooling strategy
func (p *Pipeline) Pooling() Pooling {
	return p.config.Pooling
}

// GetStats returns pipeline performance statistics
func (p *Pipeline) GetStats() *ModelStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	// Create a copy to avoid race conditions
	stats := *p.stats
	if info, ok := p.state.Info(); ok {
		stats.ModelLoadTime = info.LoadTime
	}
	return &stats
}

// updateStats updates pipeline statistics thread-safely
func (p *Pipeline) updateStats(texts, tokens int, duration time.Duration, success bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats.TotalInferences++
	p.stats.TotalTexts += int64(texts)
	p.stats.TotalTokens += int64(tokens)
	p.stats.LastInferenceTime = time.Now()

	if success {
		p.stats.SuccessfulRuns++
		// Average inference time covers successful runs only
		totalTime := time.Duration(p.stats.SuccessfulRuns-1)*p.stats.AvgInferenceTime + duration
		p.stats.AvgInferenceTime = totalTime / time.Duration(p.stats.SuccessfulRuns)
	} else {
		p.stats.FailedRuns++
	}

	p.stats.ErrorRate = float64(p.stats.FailedRuns) / float64(p.stats.TotalInferences)
	if p.stats.TotalTexts > 0 {
		p.stats.AvgTokensPerText = float64(p.stats.TotalTokens) / float64(p.stats.TotalTexts)
	}
}
