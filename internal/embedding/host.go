package embedding

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/minivec/minivec/internal/cache"
	"github.com/minivec/minivec/internal/metrics"
)

// warmupText is embedded once at startup so the first client request does
// not pay first-inference warm costs.
const warmupText = "service warmup probe"

// Host owns the process-wide embedding backend. Load runs at most once per
// process regardless of how many goroutines call it; every serving path goes
// through the Host so normalization, memoization and the dimensionality
// guarantee stay uniform.
type Host struct {
	cfg  Config
	memo *cache.EmbeddingCache // may be nil; best-effort memoization

	once     sync.Once
	loaded   atomic.Bool
	embedder Embedder
	loadErr  error
}

// NewHost creates a Host. Call Load before serving. memo may be nil to
// disable vector memoization.
func NewHost(cfg Config, memo *cache.EmbeddingCache) *Host {
	return &Host{cfg: cfg, memo: memo}
}

// Load constructs the backend exactly once; for the ONNX backend this is
// where artifacts are fetched and the session is created. Concurrent and
// repeated calls all observe the outcome of the single initialization.
func (h *Host) Load() error {
	h.once.Do(func() {
		emb, err := NewBackend(h.cfg)
		if err != nil {
			h.loadErr = err
			return
		}
		h.embedder = emb
		h.loaded.Store(true)
	})
	return h.loadErr
}

// Loaded reports whether the backend initialized successfully.
func (h *Host) Loaded() bool { return h.loaded.Load() }

// Model returns the hosted model name.
func (h *Host) Model() string { return ModelName }

// Backend returns the active backend name.
func (h *Host) Backend() string {
	if h.cfg.Backend == "" {
		return BackendONNX
	}
	return h.cfg.Backend
}

// Dimensions returns the embedding dimensionality.
func (h *Host) Dimensions() int { return EmbeddingDim }

// Warmup runs one inference through the backend, bypassing the memo cache,
// so buffers are hot before the listener starts accepting work.
func (h *Host) Warmup(ctx context.Context) error {
	if err := h.Load(); err != nil {
		return err
	}
	if _, err := h.embedder.Embed(ctx, warmupText); err != nil {
		return fmt.Errorf("warmup: %w", err)
	}
	return nil
}

// Embed returns the normalized embedding vector for text. The text is
// whitespace-normalized first; embedding an empty text is an error. Results
// are deterministic for a given text and backend, cache hit or not.
func (h *Host) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := h.Load(); err != nil {
		return nil, fmt.Errorf("model not loaded: %w", err)
	}

	norm := normalizeText(text)
	if norm == "" {
		return nil, ErrEmptyText
	}

	model := h.embedder.Model()
	var key string
	if h.memo != nil {
		key = cache.ContentHash(norm)
		if vec, err := h.memo.Get(key, model); err == nil && vec != nil {
			metrics.CacheHits.Inc()
			return vec, nil
		}
		metrics.CacheMisses.Inc()
	}

	vec, err := h.embedder.Embed(ctx, norm)
	if err != nil {
		return nil, err
	}
	if len(vec) != EmbeddingDim {
		return nil, fmt.Errorf("backend returned %d dimensions, want %d", len(vec), EmbeddingDim)
	}

	if h.memo != nil {
		// Best effort: a failed write costs a recompute later, nothing else.
		_ = h.memo.Put(key, model, vec)
	}
	return vec, nil
}

// EmbedBatch embeds each text in order; output index i corresponds to input
// index i.
func (h *Host) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := h.Embed(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("batch item %d: %w", i, err)
		}
		out[i] = vec
	}
	return out, nil
}

// Similarity returns the cosine similarity of source against each target,
// in target order.
func (h *Host) Similarity(ctx context.Context, source string, targets []string) ([]float64, error) {
	src, err := h.Embed(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	scores := make([]float64, len(targets))
	for i, t := range targets {
		vec, err := h.Embed(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("target %d: %w", i, err)
		}
		score, err := CosineSimilarity(src, vec)
		if err != nil {
			return nil, fmt.Errorf("target %d: %w", i, err)
		}
		scores[i] = score
	}
	return scores, nil
}

// Close releases backend resources (the ORT session when compiled in).
func (h *Host) Close() error {
	if c, ok := h.embedder.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// normalizeText collapses interior whitespace and trims the ends so spacing
// variants of the same text share one cache entry and one embedding.
func normalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
