//go:build !onnx
// +build !onnx

package embeddings

import (
	"fmt"

	"go.uber.org/zap"
)

// Stub implementation used when the 'onnx' build tag is not set.
func NewTransformerBackend(logger *zap.Logger, opts BackendOptions) (TransformerBackend, error) {
	logger.Error("Transformer backend unavailable, rebuild with -tags onnx", zap.String("model", opts.ModelPath))
	return nil, fmt.Errorf("%w: built without the onnx runtime backend", ErrUnsupportedDevice)
}
