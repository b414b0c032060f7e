//go:build onnx
// +build onnx

package embeddings

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

var (
	ortInitOnce sync.Once
	ortInitErr  error
)

// OnnxBackend implements TransformerBackend using ONNX Runtime (via yalue/onnxruntime_go).
type OnnxBackend struct {
	session    *ort.DynamicAdvancedSession
	inputNames []string
	outputName string
	logger     *zap.Logger
	ready      bool
	mu         sync.RWMutex
}

// initRuntime prepares the process-wide ONNX Runtime environment. The
// environment lives until process exit.
func initRuntime(library string) error {
	ortInitOnce.Do(func() {
		switch {
		case library != "":
			ort.SetSharedLibraryPath(library)
		case os.Getenv("ONNXRUNTIME_SHARED_LIB") != "":
			ort.SetSharedLibraryPath(os.Getenv("ONNXRUNTIME_SHARED_LIB"))
		case os.Getenv("ORT_SHLIB") != "":
			ort.SetSharedLibraryPath(os.Getenv("ORT_SHLIB"))
		}
		if !ort.IsInitialized() {
			ortInitErr = ort.InitializeEnvironment()
		}
	})
	return ortInitErr
}

// NewTransformerBackend initializes the ONNX Runtime backend. Requires build tag 'onnx'.
func NewTransformerBackend(logger *zap.Logger, opts BackendOptions) (TransformerBackend, error) {
	if err := initRuntime(opts.RuntimeLibrary); err != nil {
		logger.Error("ONNX Runtime environment init failed", zap.Error(err))
		return nil, fmt.Errorf("%w: onnx runtime: %v", ErrUnsupportedDevice, err)
	}

	// Inspect model IO to determine names
	inputsInfo, outputsInfo, err := ort.GetInputOutputInfo(opts.ModelPath)
	if err != nil {
		logger.Error("Failed to inspect ONNX model IO", zap.Error(err), zap.String("model", opts.ModelPath))
		return nil, fmt.Errorf("inspecting model: %w", err)
	}

	// Prefer common transformer inputs order
	preferredInputs := []string{"input_ids", "attention_mask", "token_type_ids"}
	available := map[string]string{}
	for _, ii := range inputsInfo {
		available[strings.ToLower(ii.Name)] = ii.Name
	}
	var inputNames []string
	for _, name := range preferredInputs {
		if declared, ok := available[name]; ok {
			inputNames = append(inputNames, declared)
		}
	}
	if len(inputNames) == 0 && len(inputsInfo) > 0 {
		sorted := make([]string, 0, len(inputsInfo))
		for _, ii := range inputsInfo {
			sorted = append(sorted, ii.Name)
		}
		sort.Strings(sorted)
		inputNames = sorted
	}

	if len(outputsInfo) == 0 {
		logger.Error("ONNX model reports no outputs", zap.String("model", opts.ModelPath))
		return nil, fmt.Errorf("model declares no outputs")
	}
	// last_hidden_state when exported by optimum, otherwise the first output
	outputName := outputsInfo[0].Name
	for _, oi := range outputsInfo {
		if oi.Name == "last_hidden_state" {
			outputName = oi.Name
			break
		}
	}

	var sessionOpts *ort.SessionOptions
	if opts.IntraOpThreads > 0 {
		sessionOpts, err = ort.NewSessionOptions()
		if err != nil {
			return nil, fmt.Errorf("creating session options: %w", err)
		}
		defer sessionOpts.Destroy()
		if err := sessionOpts.SetIntraOpNumThreads(opts.IntraOpThreads); err != nil {
			return nil, fmt.Errorf("setting intra-op threads: %w", err)
		}
	}

	sess, err := ort.NewDynamicAdvancedSession(opts.ModelPath, inputNames, []string{outputName}, sessionOpts)
	if err != nil {
		logger.Error("ONNX Runtime session creation failed", zap.Error(err), zap.String("model", opts.ModelPath))
		return nil, fmt.Errorf("creating session: %w", err)
	}

	logger.Info("ONNX Runtime backend ready",
		zap.String("model", opts.ModelPath),
		zap.Strings("inputs", inputNames),
		zap.String("output", outputName),
		zap.Int("intra_op_threads", opts.IntraOpThreads))
	return &OnnxBackend{session: sess, inputNames: inputNames, outputName: outputName, logger: logger, ready: true}, nil
}

// IsReady reports whether the backend is initialized.
func (b *OnnxBackend) IsReady() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ready && b.session != nil
}

// Close releases the session.
func (b *OnnxBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session != nil {
		if err := b.session.Destroy(); err != nil {
			return err
		}
		b.session = nil
	}
	b.ready = false
	return nil
}

// Forward runs the encoder and copies the last hidden state out of the runtime.
func (b *OnnxBackend) Forward(ctx context.Context, batch *Batch) (*HiddenStates, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.ready || b.session == nil {
		return nil, fmt.Errorf("onnx backend not ready")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	shape := ort.NewShape(int64(batch.Size), int64(batch.SeqLen))
	idsTensor, err := ort.NewTensor[int64](shape, batch.InputIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to create input_ids tensor: %w", err)
	}
	defer idsTensor.Destroy()
	maskTensor, err := ort.NewTensor[int64](shape, batch.AttentionMask)
	if err != nil {
		return nil, fmt.Errorf("failed to create attention_mask tensor: %w", err)
	}
	defer maskTensor.Destroy()

	typeIDs := batch.TokenTypeIDs
	if len(typeIDs) == 0 {
		typeIDs = make([]int64, batch.Size*batch.SeqLen)
	}
	typeTensor, err := ort.NewTensor[int64](shape, typeIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to create token_type_ids tensor: %w", err)
	}
	defer typeTensor.Destroy()

	inputs := make([]ort.Value, 0, len(b.inputNames))
	for _, rawName := range b.inputNames {
		name := strings.ToLower(rawName)
		switch {
		case strings.Contains(name, "attention") || strings.Contains(name, "mask"):
			inputs = append(inputs, maskTensor)
		case strings.Contains(name, "token_type") || strings.Contains(name, "segment"):
			inputs = append(inputs, typeTensor)
		default:
			inputs = append(inputs, idsTensor)
		}
	}

	// One output; let ORT allocate it
	outputs := make([]ort.Value, 1)
	if err := b.session.Run(inputs, outputs); err != nil {
		return nil, fmt.Errorf("onnx run failed: %w", err)
	}
	if outputs[0] == nil {
		return nil, fmt.Errorf("onnx returned no outputs")
	}
	defer outputs[0].Destroy()

	outTensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("%w: output %s is not a float32 tensor", ErrShapeMismatch, b.outputName)
	}
	outShape := outTensor.GetShape()
	if len(outShape) != 3 {
		return nil, fmt.Errorf("%w: output %s has shape %v, want [batch, seq, hidden]", ErrShapeMismatch, b.outputName, outShape)
	}

	data := outTensor.GetData()
	hs := &HiddenStates{
		Data:   make([]float32, len(data)),
		Batch:  int(outShape[0]),
		SeqLen: int(outShape[1]),
		Hidden: int(outShape[2]),
	}
	copy(hs.Data, data)
	return hs, nil
}
