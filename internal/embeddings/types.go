package embeddings

import (
	"errors"
	"time"
)

// ModelConfig identifies the model artifacts and the compute target
type ModelConfig struct {
	ModelID        string   `yaml:"id" mapstructure:"id"`                             // "intfloat/multilingual-e5-large"
	Revision       string   `yaml:"revision" mapstructure:"revision"`                 // "main"
	TokenizerFile  string   `yaml:"tokenizer_file" mapstructure:"tokenizer_file"`     // "tokenizer.json"
	ConfigFile     string   `yaml:"config_file" mapstructure:"config_file"`           // "config.json"
	WeightsFile    string   `yaml:"weights_file" mapstructure:"weights_file"`         // "onnx/model.onnx"
	WeightsData    []string `yaml:"weights_data" mapstructure:"weights_data"`         // "onnx/model.onnx_data"
	Device         string   `yaml:"device" mapstructure:"device"`                     // "cpu"
	Precision      string   `yaml:"precision" mapstructure:"precision"`               // "f32"
	RuntimeLibrary string   `yaml:"runtime_library" mapstructure:"runtime_library"`   // libonnxruntime path
	IntraOpThreads int      `yaml:"intra_op_threads" mapstructure:"intra_op_threads"` // 0 = runtime default
}

// ModelInfo describes a loaded model. It mirrors the fields of a
// transformers config.json that the pipeline relies on.
type ModelInfo struct {
	ModelID               string        `json:"model_id"`
	Revision              string        `json:"revision"`
	Device                string        `json:"device"`
	Precision             string        `json:"precision"`
	ModelType             string        `json:"model_type"`
	HiddenSize            int           `json:"hidden_size"`
	NumHiddenLayers       int           `json:"num_hidden_layers"`
	NumAttentionHeads     int           `json:"num_attention_heads"`
	VocabSize             int           `json:"vocab_size"`
	MaxPositionEmbeddings int           `json:"max_position_embeddings"`
	PadTokenID            int           `json:"pad_token_id"`
	LoadTime              time.Duration `json:"load_time"`
}

// ModelStats represents pipeline performance statistics
type ModelStats struct {
	TotalInferences   int64         `json:"total_inferences"`
	TotalTexts        int64         `json:"total_texts"`
	TotalTokens       int64         `json:"total_tokens"`
	SuccessfulRuns    int64         `json:"successful_runs"`
	FailedRuns        int64         `json:"failed_runs"`
	AvgInferenceTime  time.Duration `json:"avg_inference_time"`
	AvgTokensPerText  float64       `json:"avg_tokens_per_text"`
	ModelLoadTime     time.Duration `json:"model_load_time"`
	LastInferenceTime time.Time     `json:"last_inference_time"`
	ErrorRate         float64       `json:"error_rate"`
	Pooling           string        `json:"pooling"`
	StartTime         time.Time     `json:"start_time"`
}

// ErrorClass groups errors by how they propagate
type ErrorClass string

const (
	// ClassLoad errors are fatal: the process cannot serve without a model
	ClassLoad ErrorClass = "load"
	// ClassEncoding errors fail a single call because of its input
	ClassEncoding ErrorClass = "encoding"
	// ClassPipeline errors fail a single call inside the pipeline
	ClassPipeline ErrorClass = "pipeline"
)

// EmbeddingError define custom error types
type EmbeddingError struct {
	Type    string     `json:"type"`
	Message string     `json:"message"`
	Code    int        `json:"code"`
	Class   ErrorClass `json:"class"`
}

func (e *EmbeddingError) Error() string {
	return e.Message
}

// Common error types
var (
	ErrInvalidInput        = &EmbeddingError{Type: "invalid_input", Message: "invalid input text", Code: 1001, Class: ClassEncoding}
	ErrModelNotLoaded      = &EmbeddingError{Type: "model_not_loaded", Message: "model not loaded", Code: 1002, Class: ClassLoad}
	ErrInferenceFailed     = &EmbeddingError{Type: "inference_failed", Message: "inference failed", Code: 1003, Class: ClassPipeline}
	ErrTokenizationFailed  = &EmbeddingError{Type: "tokenization_failed", Message: "tokenization failed", Code: 1008, Class: ClassEncoding}
	ErrArtifactUnavailable = &EmbeddingError{Type: "artifact_unavailable", Message: "model artifact unavailable", Code: 1009, Class: ClassLoad}
	ErrArtifactMalformed   = &EmbeddingError{Type: "artifact_malformed", Message: "model artifact malformed", Code: 1011, Class: ClassLoad}
	ErrUnsupportedDevice   = &EmbeddingError{Type: "unsupported_device", Message: "unsupported device or precision", Code: 1012, Class: ClassLoad}
	ErrInvalidUTF8         = &EmbeddingError{Type: "invalid_utf8", Message: "input is not valid UTF-8", Code: 1013, Class: ClassEncoding}
	ErrShapeMismatch       = &EmbeddingError{Type: "shape_mismatch", Message: "tensor shape mismatch", Code: 1014, Class: ClassPipeline}
	ErrZeroNorm            = &EmbeddingError{Type: "zero_norm", Message: "cannot normalize a zero vector", Code: 1015, Class: ClassPipeline}
	ErrBatchTooLarge       = &EmbeddingError{Type: "batch_too_large", Message: "batch exceeds the configured maximum", Code: 1016, Class: ClassEncoding}
)

// ErrEmptyBatch is returned when a batch holds no texts
var ErrEmptyBatch = ErrInvalidInput

// CodeUnknown is reported for errors outside the taxonomy
const CodeUnknown = 1000

// Code returns the numeric code of the first EmbeddingError in err's chain
func Code(err error) int {
	if err == nil {
		return 0
	}
	var ee *EmbeddingError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return CodeUnknown
}

// IsLoadError reports whether err means the model could not be loaded
func IsLoadError(err error) bool {
	var ee *EmbeddingError
	return errors.As(err, &ee) && ee.Class == ClassLoad
}
