package embedding

import (
	"context"
	"errors"
	"fmt"
)

// The host serves exactly one model; these describe it.
const (
	ModelName    = "all-MiniLM-L6-v2"
	EmbeddingDim = 384
	MaxTokenLen  = 128
)

// Backend names selectable via configuration.
const (
	BackendONNX = "onnx"
	BackendHash = "hash"
)

// Embedder produces vector embeddings for text. Implementations must be
// safe for concurrent use and must return vectors of exactly Dimensions()
// length for every input.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
	Dimensions() int
}

// ErrEmptyText is returned when a text is empty after whitespace
// normalization. Callers surface it as an invalid-input failure.
var ErrEmptyText = errors.New("embedding: text is empty")

var errONNXNotAvailable = errors.New("onnx backend: not compiled — rebuild with -tags onnx")

// Config selects and parameterizes the embedding backend.
type Config struct {
	// Model must be empty or ModelName; the host serves a single model.
	Model string
	// Backend is BackendONNX (default) or BackendHash.
	Backend string
	// ModelDir overrides where model artifacts are stored and looked up.
	ModelDir string
}

// NewBackend constructs the configured backend. The ONNX backend performs
// the artifact download and model load here, so a returned error means the
// process cannot serve.
func NewBackend(cfg Config) (Embedder, error) {
	if cfg.Model != "" && cfg.Model != ModelName {
		return nil, fmt.Errorf("embedding: unsupported model %q, this host serves %s", cfg.Model, ModelName)
	}
	switch cfg.Backend {
	case BackendHash:
		return NewHashEmbedder(), nil
	case "", BackendONNX:
		return NewONNXEmbedder(cfg)
	default:
		return nil, fmt.Errorf("embedding: unknown backend %q", cfg.Backend)
	}
}
