//go:build onnx

package embedding

import (
	"context"
	"fmt"
	"sync"
	"time"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/minivec/minivec/internal/metrics"
)

// ONNXAvailable indicates that the ONNX backend is compiled in.
const ONNXAvailable = true

var ortInitOnce sync.Once

// MiniLMEmbedder runs all-MiniLM-L6-v2 locally through ONNX Runtime. The
// session is created once at construction and reused for every call; Run is
// serialized by a mutex because a shared ORT session is not assumed safe for
// concurrent invocation. Request-level parallelism comes from the dispatch
// semaphore, not from here.
type MiniLMEmbedder struct {
	mu        sync.Mutex
	session   *ort.DynamicAdvancedSession
	modelPath string
}

// NewONNXEmbedder loads the local MiniLM model, downloading the artifact to
// cfg.ModelDir on first use (default ~/.minivec/models/).
func NewONNXEmbedder(cfg Config) (Embedder, error) {
	modelDir := cfg.ModelDir
	if modelDir == "" {
		modelDir = defaultModelDir()
	}

	libPath, err := ensureONNXRuntime(modelDir)
	if err != nil {
		return nil, fmt.Errorf("onnx backend: %w", err)
	}

	var initErr error
	ortInitOnce.Do(func() {
		ort.SetSharedLibraryPath(libPath)
		initErr = ort.InitializeEnvironment()
	})
	if initErr != nil {
		return nil, fmt.Errorf("onnx backend: initialize environment: %w", initErr)
	}

	modelPath, err := ensureModel(modelDir)
	if err != nil {
		return nil, fmt.Errorf("onnx backend: %w", err)
	}

	loadStart := time.Now()
	session, err := ort.NewDynamicAdvancedSession(
		modelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"last_hidden_state"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("onnx backend: create session: %w", err)
	}
	metrics.ModelLoadSeconds.Set(time.Since(loadStart).Seconds())

	return &MiniLMEmbedder{
		session:   session,
		modelPath: modelPath,
	}, nil
}

// Model returns the hosted model name.
func (e *MiniLMEmbedder) Model() string { return ModelName }

// Dimensions returns the output vector length.
func (e *MiniLMEmbedder) Dimensions() int { return EmbeddingDim }

// Embed produces a normalized embedding vector for the given text.
func (e *MiniLMEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ids, mask := tokenize(text, MaxTokenLen)
	typeIDs := make([]int64, MaxTokenLen)

	shape := ort.NewShape(1, int64(MaxTokenLen))
	outShape := ort.NewShape(1, int64(MaxTokenLen), int64(EmbeddingDim))

	inputTensor, err := ort.NewTensor(shape, ids)
	if err != nil {
		return nil, fmt.Errorf("onnx embed: create input_ids tensor: %w", err)
	}
	defer inputTensor.Destroy()

	maskTensor, err := ort.NewTensor(shape, mask)
	if err != nil {
		return nil, fmt.Errorf("onnx embed: create attention_mask tensor: %w", err)
	}
	defer maskTensor.Destroy()

	typeTensor, err := ort.NewTensor(shape, typeIDs)
	if err != nil {
		return nil, fmt.Errorf("onnx embed: create token_type_ids tensor: %w", err)
	}
	defer typeTensor.Destroy()

	outputData := make([]float32, MaxTokenLen*EmbeddingDim)
	outputTensor, err := ort.NewTensor(outShape, outputData)
	if err != nil {
		return nil, fmt.Errorf("onnx embed: create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	runStart := time.Now()
	e.mu.Lock()
	if e.session == nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("onnx embed: session closed")
	}
	err = e.session.Run(
		[]ort.Value{inputTensor, maskTensor, typeTensor},
		[]ort.Value{outputTensor},
	)
	e.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("onnx embed: run inference: %w", err)
	}
	metrics.EmbedDuration.Observe(time.Since(runStart).Seconds())
	metrics.EmbeddingsTotal.Inc()

	result := meanPool(outputTensor.GetData(), mask, MaxTokenLen, EmbeddingDim)
	l2Normalize(result)

	return result, nil
}

// EmbedBatch embeds each text in order. The model graph is exported for
// batch size 1, so texts run sequentially.
func (e *MiniLMEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
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

// Close destroys the ORT session. Embed calls after Close fail.
func (e *MiniLMEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil
	}
	err := e.session.Destroy()
	e.session = nil
	return err
}
