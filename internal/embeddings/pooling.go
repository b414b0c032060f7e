package embeddings

import (
	"math"
)

// MeanPool averages every token vector of a row, padding included, into dst
func MeanPool(dst []float32, hs *HiddenStates, row int) {
	tokens := hs.Row(row)
	pool(dst, tokens, hs.SeqLen, hs.Hidden, nil)
}

// MaskedMeanPool averages only the token vectors whose mask entry is non-zero
func MaskedMeanPool(dst []float32, hs *HiddenStates, row int, mask []int64) {
	tokens := hs.Row(row)
	pool(dst, tokens, hs.SeqLen, hs.Hidden, mask)
}

func pool(dst, tokens []float32, seqLen, hidden int, mask []int64) {
	sums := make([]float64, hidden)
	count := 0
	for s := 0; s < seqLen; s++ {
		if mask != nil && mask[s] == 0 {
			continue
		}
		count++
		vec := tokens[s*hidden : (s+1)*hidden]
		for d, v := range vec {
			sums[d] += float64(v)
		}
	}

	for d := range dst[:hidden] {
		if count == 0 {
			dst[d] = 0
			continue
		}
		dst[d] = float32(sums[d] / float64(count))
	}
}

// NormalizeL2 scales v in place to unit Euclidean length
func NormalizeL2(v []float32) error {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	if norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
		return ErrZeroNorm
	}

	for i, x := range v {
		v[i] = float32(float64(x) / norm)
	}
	return nil
}

// CosineSimilarity calculates cosine similarity between two vectors
func CosineSimilarity(vec1, vec2 []float32) float32 {
	if len(vec1) != len(vec2) || len(vec1) == 0 {
		return 0.0
	}

	var dotProduct, norm1, norm2 float64
	for i := range vec1 {
		dotProduct += float64(vec1[i]) * float64(vec2[i])
		norm1 += float64(vec1[i]) * float64(vec1[i])
		norm2 += float64(vec2[i]) * float64(vec2[i])
	}

	if norm1 == 0 || norm2 == 0 {
		return 0.0
	}

	return float32(dotProduct / (math.Sqrt(norm1) * math.Sqrt(norm2)))
}
