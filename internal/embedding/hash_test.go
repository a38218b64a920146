package embedding_test

import (
	"context"
	"math"
	"testing"

	"github.com/minivec/minivec/internal/embedding"
)

func TestHashEmbedder_Dimensions(t *testing.T) {
	e := embedding.NewHashEmbedder()
	if e.Dimensions() != embedding.EmbeddingDim {
		t.Fatalf("Dimensions: got %d, want %d", e.Dimensions(), embedding.EmbeddingDim)
	}

	vec, err := e.Embed(context.Background(), "some resume text")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vec) != embedding.EmbeddingDim {
		t.Errorf("vector length: got %d, want %d", len(vec), embedding.EmbeddingDim)
	}
}

func TestHashEmbedder_Deterministic(t *testing.T) {
	e := embedding.NewHashEmbedder()
	ctx := context.Background()

	a, err := e.Embed(ctx, "senior golang engineer")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := e.Embed(ctx, "senior golang engineer")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("dim %d differs across runs: %f vs %f", i, a[i], b[i])
		}
	}
}

func TestHashEmbedder_DistinctTexts(t *testing.T) {
	e := embedding.NewHashEmbedder()
	ctx := context.Background()

	a, _ := e.Embed(ctx, "database administration postgres")
	b, _ := e.Embed(ctx, "frontend react typescript")

	same := true
	for i := range a {
		if a[i] != b[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("distinct texts produced identical vectors")
	}
}

func TestHashEmbedder_WordOrderMatters(t *testing.T) {
	e := embedding.NewHashEmbedder()
	ctx := context.Background()

	a, _ := e.Embed(ctx, "alpha beta")
	b, _ := e.Embed(ctx, "beta alpha")

	same := true
	for i := range a {
		if a[i] != b[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("reordered texts produced identical vectors")
	}
}

func TestHashEmbedder_UnitNorm(t *testing.T) {
	e := embedding.NewHashEmbedder()
	vec, err := e.Embed(context.Background(), "normalize me please")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if math.Abs(math.Sqrt(sum)-1.0) > 1e-5 {
		t.Errorf("L2 norm: got %f, want 1.0", math.Sqrt(sum))
	}
}

func TestHashEmbedder_BatchMatchesSingle(t *testing.T) {
	e := embedding.NewHashEmbedder()
	ctx := context.Background()
	texts := []string{"first text", "second text", "third text"}

	batch, err := e.EmbedBatch(ctx, texts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(batch) != len(texts) {
		t.Fatalf("batch length: got %d, want %d", len(batch), len(texts))
	}
	for i, text := range texts {
		single, err := e.Embed(ctx, text)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		for j := range single {
			if batch[i][j] != single[j] {
				t.Fatalf("batch[%d] dim %d: got %f, want %f", i, j, batch[i][j], single[j])
			}
		}
	}
}

func TestHashEmbedder_CanceledContext(t *testing.T) {
	e := embedding.NewHashEmbedder()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := e.Embed(ctx, "never embedded"); err == nil {
		t.Fatal("expected error for canceled context, got nil")
	}
}
