package embeddings

import (
	"context"

	"go.uber.org/zap"
)

// Batch is a tokenized batch laid out row-major as Size × SeqLen
type Batch struct {
	Size          int
	SeqLen        int
	InputIDs      []int64
	TokenTypeIDs  []int64
	AttentionMask []int64
}

// HiddenStates is the row-major Batch × SeqLen × Hidden output of a forward pass
type HiddenStates struct {
	Data   []float32
	Batch  int
	SeqLen int
	Hidden int
}

// Row returns the token vectors of one batch row as a SeqLen × Hidden slice
func (h *HiddenStates) Row(i int) []float32 {
	width := h.SeqLen * h.Hidden
	return h.Data[i*width : (i+1)*width]
}

// TransformerBackend defines a pluggable backend for transformer inference.
// Implementations may use ONNX Runtime, TensorRT, or other engines.
// Forward must be safe for concurrent use.
type TransformerBackend interface {
	// Forward runs the model on a batch and returns the last hidden states.
	Forward(ctx context.Context, batch *Batch) (*HiddenStates, error)
	// IsReady returns whether the backend is initialized and ready.
	IsReady() bool
	// Close releases any native resources.
	Close() error
}

// BackendOptions configures a backend
type BackendOptions struct {
	ModelPath      string
	RuntimeLibrary string
	IntraOpThreads int
}

// BackendFactory builds a backend from a weights file
type BackendFactory func(logger *zap.Logger, opts BackendOptions) (TransformerBackend, error)

// NewTransformerBackend creates a backend if supported by the current build.
// Implementations are provided in build-tagged files: backend_onnx.go and backend_stub.go.
var _ BackendFactory = NewTransformerBackend
