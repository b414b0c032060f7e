package embeddings

import (
	"fmt"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
)

// Encoding is the tokenizer output for one input text
type Encoding struct {
	IDs           []int
	AttentionMask []int
}

// Encoder turns a batch of texts into encodings of equal length
type Encoder interface {
	EncodeBatch(texts []string) ([]Encoding, error)
}

// TokenizerHandle is a shared read-only tokenizer template. Each call to
// BatchEncoder returns an encoder owned by the caller, with padding set to
// the longest sequence in the batch, so concurrent calls never observe each
// other's padding configuration.
type TokenizerHandle interface {
	BatchEncoder() Encoder
}

// TokenizerFactory builds a tokenizer from a tokenizer.json file
type TokenizerFactory func(path string, info ModelInfo) (TokenizerHandle, error)

// HFTokenizer wraps a Hugging Face tokenizer.json loaded with sugarme/tokenizer
type HFTokenizer struct {
	template *tokenizer.Tokenizer
	padID    int
}

// LoadTokenizer reads a tokenizer.json file
func LoadTokenizer(path string, info ModelInfo) (TokenizerHandle, error) {
	tk, err := fromFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: tokenizer %s: %v", ErrArtifactMalformed, path, err)
	}
	return &HFTokenizer{template: tk, padID: info.PadTokenID}, nil
}

var _ TokenizerFactory = LoadTokenizer

// fromFile turns a panic in a component constructor into an error; the
// library asserts on field types while decoding tokenizer.json.
func fromFile(path string) (tk *tokenizer.Tokenizer, err error) {
	defer func() {
		if r := recover(); r != nil {
			tk, err = nil, fmt.Errorf("%v", r)
		}
	}()
	return pretrained.FromFile(path)
}

// BatchEncoder clones the template and applies batch-longest right padding.
// A padding entry in tokenizer.json keeps its pad token and ids.
func (h *HFTokenizer) BatchEncoder() Encoder {
	clone := *h.template

	params := tokenizer.PaddingParams{
		Direction: tokenizer.Right,
		PadId:     h.padID,
		PadTypeId: 0,
		PadToken:  "<pad>",
	}
	if existing := h.template.GetPadding(); existing != nil {
		params = *existing
	}
	params.Strategy = *tokenizer.NewPaddingStrategy(tokenizer.WithBatchLongest())
	clone.WithPadding(&params)

	return &hfEncoder{tk: &clone}
}

type hfEncoder struct {
	tk *tokenizer.Tokenizer
}

// EncodeBatch encodes each text on its own so a failing input surfaces as
// an error instead of the library's log.Fatal in Tokenizer.EncodeBatch, then
// pads the batch to its longest sequence.
func (e *hfEncoder) EncodeBatch(texts []string) ([]Encoding, error) {
	encoded := make([]tokenizer.Encoding, len(texts))
	for i, text := range texts {
		enc, err := e.encode(text)
		if err != nil {
			return nil, fmt.Errorf("text %d: %w", i, err)
		}
		encoded[i] = *enc
	}
	encoded = tokenizer.PadEncodings(encoded, *e.tk.GetPadding())

	out := make([]Encoding, len(encoded))
	for i := range encoded {
		out[i] = Encoding{
			IDs:           encoded[i].GetIds(),
			AttentionMask: encoded[i].GetAttentionMask(),
		}
	}
	return out, nil
}

func (e *hfEncoder) encode(text string) (enc *tokenizer.Encoding, err error) {
	defer func() {
		if r := recover(); r != nil {
			enc, err = nil, fmt.Errorf("tokenizer panic: %v", r)
		}
	}()
	return e.tk.Encode(tokenizer.NewSingleEncodeInput(tokenizer.NewInputSequence(text)), true)
}
