package embedding

import (
	"errors"
	"math"
)

// ErrLengthMismatch is returned when vectors have different lengths.
var ErrLengthMismatch = errors.New("vectors must have the same length")

// ErrZeroMagnitude is returned when a vector has zero magnitude.
var ErrZeroMagnitude = errors.New("vector has zero magnitude")

// CosineSimilarity computes the cosine similarity between two float32 vectors.
// Returns a value in [-1.0, 1.0]. Errors if lengths differ or either vector has zero magnitude.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, ErrLengthMismatch
	}

	var dot, magA, magB float64
	for i := range a {
		av := float64(a[i])
		bv := float64(b[i])
		dot += av * bv
		magA += av * av
		magB += bv * bv
	}

	magA = math.Sqrt(magA)
	magB = math.Sqrt(magB)

	if magA == 0 || magB == 0 {
		return 0, ErrZeroMagnitude
	}

	return dot / (magA * magB), nil
}

// meanPool computes the mean of token embeddings weighted by attention mask.
func meanPool(output []float32, mask []int64, seqLen, dim int) []float32 {
	result := make([]float32, dim)
	var count float32

	for i := 0; i < seqLen; i++ {
		if mask[i] == 0 {
			continue
		}
		count++
		offset := i * dim
		for j := 0; j < dim; j++ {
			result[j] += output[offset+j]
		}
	}

	if count > 0 {
		for j := range result {
			result[j] /= count
		}
	}
	return result
}

// l2Normalize applies L2 normalization in-place.
func l2Normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	norm := float32(math.Sqrt(sum))
	if norm > 0 {
		for i := range vec {
			vec[i] /= norm
		}
	}
}
