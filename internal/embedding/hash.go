package embedding

import (
	"context"
	"fmt"
	"time"

	"github.com/minivec/minivec/internal/metrics"
)

// hashSeed scrambles token IDs before bucketing (64-bit golden ratio).
const hashSeed uint64 = 0x9e3779b97f4a7c15

// HashEmbedder is a deterministic pure-Go backend: token IDs from the shared
// tokenizer are scattered into EmbeddingDim buckets with alternating sign,
// then L2-normalized like the ONNX output. Vectors carry lexical rather than
// semantic similarity, which is enough for development, CI and as the test
// double behind the serving stack. It reports ModelName so the API surface
// is identical across backends.
type HashEmbedder struct{}

// NewHashEmbedder returns the hash backend. It needs no model artifacts.
func NewHashEmbedder() *HashEmbedder { return &HashEmbedder{} }

// Model returns the hosted model name.
func (*HashEmbedder) Model() string { return ModelName }

// Dimensions returns the output vector length.
func (*HashEmbedder) Dimensions() int { return EmbeddingDim }

// Embed produces a normalized embedding vector for the given text.
func (*HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	ids, mask := tokenize(text, MaxTokenLen)

	vec := make([]float32, EmbeddingDim)
	for i := 0; i < MaxTokenLen && mask[i] == 1; i++ {
		h := (uint64(ids[i]) + 1) * hashSeed
		bucket := int(h % uint64(EmbeddingDim))
		if h>>63 == 1 {
			vec[bucket] -= 1
		} else {
			vec[bucket] += 1
		}
		// Mix in position so word order influences the vector.
		ph := (h ^ uint64(i)*31) * hashSeed
		pbucket := int(ph % uint64(EmbeddingDim))
		vec[pbucket] += 0.5
	}
	l2Normalize(vec)

	metrics.EmbedDuration.Observe(time.Since(start).Seconds())
	metrics.EmbeddingsTotal.Inc()
	return vec, nil
}

// EmbedBatch embeds each text in order.
func (e *HashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := e.Embed(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("batch item %d: %w", i, err)
		}
		out[i] = vec
	}
	return out, nil
}
