package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/minivec/minivec/internal/config"
	"github.com/minivec/minivec/internal/embedding"
	"github.com/minivec/minivec/pkg/types"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Model.Backend = "hash"
	cfg.Workers.Threads = 2
	cfg.Workers.RequestTimeout = 5 * time.Second
	return cfg
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestServer builds a Server over a loaded hash-backend host.
func newTestServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}

	host := embedding.NewHost(embedding.Config{
		Model:   cfg.Model.Name,
		Backend: cfg.Model.Backend,
	}, nil)
	if err := host.Load(); err != nil {
		t.Fatalf("load host: %v", err)
	}
	t.Cleanup(func() { host.Close() })

	return New(cfg, host, testLogger())
}

// newStubServer builds a Server over an arbitrary Host implementation.
func newStubServer(t *testing.T, host Host, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	return New(cfg, host, testLogger())
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func doRaw(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeErrorResponse(t *testing.T, rec *httptest.ResponseRecorder) *types.APIError {
	t.Helper()
	var resp types.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error response: %v (body: %s)", err, rec.Body.String())
	}
	if resp.Error == nil {
		t.Fatalf("error response has no error object: %s", rec.Body.String())
	}
	return resp.Error
}

func wantAPIError(t *testing.T, rec *httptest.ResponseRecorder, status int, errType, code string) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("status: got %d, want %d (body: %s)", rec.Code, status, rec.Body.String())
	}
	apiErr := decodeErrorResponse(t, rec)
	if apiErr.Type != errType {
		t.Errorf("error type: got %q, want %q", apiErr.Type, errType)
	}
	if code != "" && apiErr.Code != code {
		t.Errorf("error code: got %q, want %q", apiErr.Code, code)
	}
}

// ── POST /v1/embeddings ──

func TestEmbeddings_SingleString(t *testing.T) {
	srv := newTestServer(t, nil)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/v1/embeddings", map[string]any{
		"input": "the quick brown fox",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var resp types.EmbeddingResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if resp.Object != types.ObjectList {
		t.Errorf("object: got %q, want %q", resp.Object, types.ObjectList)
	}
	if resp.Model != "all-MiniLM-L6-v2" {
		t.Errorf("model: got %q", resp.Model)
	}
	if len(resp.Data) != 1 {
		t.Fatalf("data length: got %d, want 1", len(resp.Data))
	}
	vec, ok := resp.Data[0].Embedding.([]any)
	if !ok {
		t.Fatalf("embedding is %T, want array", resp.Data[0].Embedding)
	}
	if len(vec) != embedding.EmbeddingDim {
		t.Errorf("dimensions: got %d, want %d", len(vec), embedding.EmbeddingDim)
	}
	if resp.Usage.PromptTokens <= 0 {
		t.Errorf("prompt tokens: got %d, want > 0", resp.Usage.PromptTokens)
	}
	if resp.Usage.TotalTokens != resp.Usage.PromptTokens {
		t.Errorf("total tokens %d != prompt tokens %d", resp.Usage.TotalTokens, resp.Usage.PromptTokens)
	}
}

func TestEmbeddings_BatchPreservesOrder(t *testing.T) {
	srv := newTestServer(t, nil)
	h := srv.Handler()

	texts := []string{"alpha centauri", "beta pictoris", "gamma draconis"}
	rec := doJSON(t, h, http.MethodPost, "/v1/embeddings", map[string]any{"input": texts})
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var resp types.EmbeddingResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Data) != len(texts) {
		t.Fatalf("data length: got %d, want %d", len(resp.Data), len(texts))
	}

	for i, obj := range resp.Data {
		if obj.Index != i {
			t.Errorf("data[%d].index = %d", i, obj.Index)
		}
		// Each index must carry that text's embedding, verified against a
		// single-text request.
		single := doJSON(t, h, http.MethodPost, "/v1/embeddings", map[string]any{"input": texts[i]})
		var sr types.EmbeddingResponse
		if err := json.Unmarshal(single.Body.Bytes(), &sr); err != nil {
			t.Fatalf("decode single: %v", err)
		}
		if !reflect.DeepEqual(obj.Embedding, sr.Data[0].Embedding) {
			t.Errorf("data[%d] does not match single-text embedding of %q", i, texts[i])
		}
	}
}

func TestEmbeddings_Deterministic(t *testing.T) {
	srv := newTestServer(t, nil)
	h := srv.Handler()

	body := map[string]any{"input": "determinism probe"}
	rec1 := doJSON(t, h, http.MethodPost, "/v1/embeddings", body)
	rec2 := doJSON(t, h, http.MethodPost, "/v1/embeddings", body)

	var r1, r2 types.EmbeddingResponse
	if err := json.Unmarshal(rec1.Body.Bytes(), &r1); err != nil {
		t.Fatalf("decode first: %v", err)
	}
	if err := json.Unmarshal(rec2.Body.Bytes(), &r2); err != nil {
		t.Fatalf("decode second: %v", err)
	}
	if !reflect.DeepEqual(r1.Data, r2.Data) {
		t.Error("same input produced different vectors")
	}
}

func TestEmbeddings_WhitespaceVariantsAgree(t *testing.T) {
	srv := newTestServer(t, nil)
	h := srv.Handler()

	rec1 := doJSON(t, h, http.MethodPost, "/v1/embeddings", map[string]any{"input": "hello world"})
	rec2 := doJSON(t, h, http.MethodPost, "/v1/embeddings", map[string]any{"input": "  hello \t world \n"})

	var r1, r2 types.EmbeddingResponse
	if err := json.Unmarshal(rec1.Body.Bytes(), &r1); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := json.Unmarshal(rec2.Body.Bytes(), &r2); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(r1.Data, r2.Data) {
		t.Error("whitespace variants produced different vectors")
	}
}

func TestEmbeddings_Base64MatchesFloat(t *testing.T) {
	srv := newTestServer(t, nil)
	h := srv.Handler()

	recF := doJSON(t, h, http.MethodPost, "/v1/embeddings", map[string]any{
		"input": "encoding check",
	})
	recB := doJSON(t, h, http.MethodPost, "/v1/embeddings", map[string]any{
		"input":           "encoding check",
		"encoding_format": "base64",
	})
	if recF.Code != http.StatusOK || recB.Code != http.StatusOK {
		t.Fatalf("status: float %d, base64 %d", recF.Code, recB.Code)
	}

	var rf, rb types.EmbeddingResponse
	if err := json.Unmarshal(recF.Body.Bytes(), &rf); err != nil {
		t.Fatalf("decode float: %v", err)
	}
	if err := json.Unmarshal(recB.Body.Bytes(), &rb); err != nil {
		t.Fatalf("decode base64: %v", err)
	}

	encoded, ok := rb.Data[0].Embedding.(string)
	if !ok {
		t.Fatalf("base64 embedding is %T, want string", rb.Data[0].Embedding)
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("decode base64 payload: %v", err)
	}
	if len(raw) != 4*embedding.EmbeddingDim {
		t.Fatalf("payload length: got %d, want %d", len(raw), 4*embedding.EmbeddingDim)
	}

	floats := rf.Data[0].Embedding.([]any)
	for i := range floats {
		want := float32(floats[i].(float64))
		got := math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		if got != want {
			t.Fatalf("element %d: base64 %f != float %f", i, got, want)
		}
	}
}

func TestEmbeddings_EmptyString(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/embeddings", map[string]any{"input": ""})
	wantAPIError(t, rec, http.StatusBadRequest, types.ErrTypeInvalidRequest, types.CodeEmptyInput)
}

func TestEmbeddings_WhitespaceOnly(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/embeddings", map[string]any{"input": " \t\n "})
	wantAPIError(t, rec, http.StatusBadRequest, types.ErrTypeInvalidRequest, types.CodeEmptyInput)
}

func TestEmbeddings_EmptyBatchElement(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/embeddings", map[string]any{
		"input": []string{"fine", ""},
	})
	wantAPIError(t, rec, http.StatusBadRequest, types.ErrTypeInvalidRequest, types.CodeEmptyInput)
}

func TestEmbeddings_EmptyArray(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/embeddings", map[string]any{
		"input": []string{},
	})
	wantAPIError(t, rec, http.StatusBadRequest, types.ErrTypeInvalidRequest, types.CodeSchemaViolation)
}

func TestEmbeddings_MissingInput(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/embeddings", map[string]any{})
	wantAPIError(t, rec, http.StatusBadRequest, types.ErrTypeInvalidRequest, types.CodeSchemaViolation)
}

func TestEmbeddings_NumericInput(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/embeddings", map[string]any{"input": 42})
	wantAPIError(t, rec, http.StatusBadRequest, types.ErrTypeInvalidRequest, types.CodeSchemaViolation)
}

func TestEmbeddings_UnsupportedEncodingFormat(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/embeddings", map[string]any{
		"input":           "ok",
		"encoding_format": "int8",
	})
	wantAPIError(t, rec, http.StatusBadRequest, types.ErrTypeInvalidRequest, types.CodeSchemaViolation)
}

func TestEmbeddings_MalformedJSON(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := doRaw(t, srv.Handler(), http.MethodPost, "/v1/embeddings", `{"input": "unterminated`)
	wantAPIError(t, rec, http.StatusBadRequest, types.ErrTypeInvalidRequest, types.CodeMalformedBody)
}

func TestEmbeddings_UnknownModel(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/embeddings", map[string]any{
		"input": "ok",
		"model": "text-embedding-3-small",
	})
	wantAPIError(t, rec, http.StatusBadRequest, types.ErrTypeInvalidRequest, types.CodeUnknownModel)
}

func TestEmbeddings_BatchTooLarge(t *testing.T) {
	srv := newTestServer(t, func(c *config.Config) {
		c.Model.MaxBatchSize = 2
	})
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/embeddings", map[string]any{
		"input": []string{"a 1", "b 2", "c 3"},
	})
	wantAPIError(t, rec, http.StatusBadRequest, types.ErrTypeInvalidRequest, types.CodeBatchTooLarge)
}

func TestEmbeddings_TextTooLong(t *testing.T) {
	srv := newTestServer(t, func(c *config.Config) {
		c.Model.MaxTextBytes = 16
	})
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/embeddings", map[string]any{
		"input": strings.Repeat("long ", 10),
	})
	wantAPIError(t, rec, http.StatusBadRequest, types.ErrTypeInvalidRequest, types.CodeInputTooLong)
}

func TestEmbeddings_BodyTooLarge(t *testing.T) {
	srv := newTestServer(t, nil)
	// maxBody covers the biggest valid batch plus 1 MiB of envelope.
	body := `{"input":"` + strings.Repeat("a", int(srv.maxBody)+1024) + `"}`
	rec := doRaw(t, srv.Handler(), http.MethodPost, "/v1/embeddings", body)
	wantAPIError(t, rec, http.StatusBadRequest, types.ErrTypeInvalidRequest, types.CodeInputTooLong)
}

func TestEmbeddings_MethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/v1/embeddings", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status: got %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}

// ── POST /v1/similarity ──

func TestSimilarity_RanksExactMatchFirst(t *testing.T) {
	srv := newTestServer(t, nil)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/v1/similarity", map[string]any{
		"source":  "senior golang backend engineer",
		"targets": []string{"senior golang backend engineer", "pastry chef in provence"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var resp types.SimilarityResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Data) != 2 {
		t.Fatalf("data length: got %d, want 2", len(resp.Data))
	}
	if resp.Data[0].Score < 0.999 {
		t.Errorf("exact match score: got %f, want ~1.0", resp.Data[0].Score)
	}
	if resp.Data[0].Score <= resp.Data[1].Score {
		t.Errorf("exact match (%f) should outscore unrelated text (%f)",
			resp.Data[0].Score, resp.Data[1].Score)
	}
	if resp.Data[0].Object != types.ObjectSimilarity {
		t.Errorf("object: got %q, want %q", resp.Data[0].Object, types.ObjectSimilarity)
	}
}

func TestSimilarity_MissingTargets(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/similarity", map[string]any{
		"source": "lonely source",
	})
	wantAPIError(t, rec, http.StatusBadRequest, types.ErrTypeInvalidRequest, types.CodeSchemaViolation)
}

func TestSimilarity_EmptySource(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/similarity", map[string]any{
		"source":  "   ",
		"targets": []string{"target"},
	})
	wantAPIError(t, rec, http.StatusBadRequest, types.ErrTypeInvalidRequest, types.CodeEmptyInput)
}

// ── GET /v1/models ──

func TestListModels(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/v1/models", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}

	var list types.ModelList
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Data) != 1 {
		t.Fatalf("models: got %d, want 1", len(list.Data))
	}
	m := list.Data[0]
	if m.ID != "all-MiniLM-L6-v2" {
		t.Errorf("id: got %q", m.ID)
	}
	if m.Dimensions != embedding.EmbeddingDim {
		t.Errorf("dimensions: got %d, want %d", m.Dimensions, embedding.EmbeddingDim)
	}
	if m.MaxTokens != embedding.MaxTokenLen {
		t.Errorf("max_tokens: got %d, want %d", m.MaxTokens, embedding.MaxTokenLen)
	}
	if !m.Loaded {
		t.Error("loaded: got false for a loaded host")
	}
	if m.Backend != "hash" {
		t.Errorf("backend: got %q, want hash", m.Backend)
	}
}

// ── GET /healthz ──

func TestHealth_Ready(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}

	var status types.HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Status != "ok" {
		t.Errorf("status: got %q, want ok", status.Status)
	}
	if status.Pid <= 0 {
		t.Errorf("pid: got %d", status.Pid)
	}
	if status.Model != "all-MiniLM-L6-v2" {
		t.Errorf("model: got %q", status.Model)
	}
}

func TestHealth_AliasPath(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
}

func TestHealth_LoadingBeforeHostReady(t *testing.T) {
	// Host deliberately not loaded: health must gate readiness.
	host := embedding.NewHost(embedding.Config{
		Model:   "all-MiniLM-L6-v2",
		Backend: "hash",
	}, nil)
	srv := newStubServer(t, host, nil)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status: got %d, want 503", rec.Code)
	}

	var status types.HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Status != "loading" {
		t.Errorf("status: got %q, want loading", status.Status)
	}
}

// ── metrics endpoint ──

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "minivec_queue_depth") {
		t.Error("exposition is missing minivec_queue_depth")
	}
}

func TestMetricsEndpoint_Disabled(t *testing.T) {
	srv := newTestServer(t, func(c *config.Config) {
		c.Metrics.Enabled = false
	})
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status: got %d, want 404", rec.Code)
	}
}

// ── middleware ──

func TestRequestID_Echoed(t *testing.T) {
	srv := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "client-supplied-id")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if got := rec.Header().Get(requestIDHeader); got != "client-supplied-id" {
		t.Errorf("request id: got %q, want client-supplied-id", got)
	}
}

func TestRequestID_Generated(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/healthz", nil)

	id := rec.Header().Get(requestIDHeader)
	if len(id) != 16 {
		t.Errorf("generated request id %q should be 16 hex chars", id)
	}
}

func TestRecoveryMiddleware_Panic(t *testing.T) {
	srv := newTestServer(t, nil)
	h := srv.recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/embeddings", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status: got %d, want 500", rec.Code)
	}
	apiErr := decodeErrorResponse(t, rec)
	if apiErr.Type != types.ErrTypeInternal {
		t.Errorf("error type: got %q, want %q", apiErr.Type, types.ErrTypeInternal)
	}
}

// ── dispatch: timeouts, bounded concurrency, panics ──

// fakeHost is a minimal Host stub for dispatch tests.
type fakeHost struct {
	embedBatch func(ctx context.Context, texts []string) ([][]float32, error)
}

func (f *fakeHost) Model() string { return "all-MiniLM-L6-v2" }

func (f *fakeHost) Backend() string { return "stub" }

func (f *fakeHost) Dimensions() int { return embedding.EmbeddingDim }

func (f *fakeHost) Loaded() bool { return true }

func (f *fakeHost) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return f.embedBatch(ctx, texts)
}

func (f *fakeHost) Similarity(ctx context.Context, source string, targets []string) ([]float64, error) {
	return make([]float64, len(targets)), nil
}

func TestDispatch_RequestTimeout(t *testing.T) {
	host := &fakeHost{
		embedBatch: func(ctx context.Context, texts []string) ([][]float32, error) {
			// Simulates non-cancellable inference: ignores ctx.
			time.Sleep(500 * time.Millisecond)
			return [][]float32{make([]float32, embedding.EmbeddingDim)}, nil
		},
	}
	srv := newStubServer(t, host, func(c *config.Config) {
		c.Workers.RequestTimeout = 50 * time.Millisecond
	})

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/embeddings", map[string]any{"input": "slow"})
	wantAPIError(t, rec, http.StatusRequestTimeout, types.ErrTypeTimeout, types.CodeRequestTimeout)
}

func TestDispatch_QueueTimeout(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	host := &fakeHost{
		embedBatch: func(ctx context.Context, texts []string) ([][]float32, error) {
			entered <- struct{}{}
			<-release
			return [][]float32{make([]float32, embedding.EmbeddingDim)}, nil
		},
	}
	srv := newStubServer(t, host, func(c *config.Config) {
		c.Workers.Threads = 1
		c.Workers.RequestTimeout = 100 * time.Millisecond
	})
	h := srv.Handler()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		doJSON(t, h, http.MethodPost, "/v1/embeddings", map[string]any{"input": "holds the slot"})
	}()
	<-entered // first request now owns the only slot

	rec := doJSON(t, h, http.MethodPost, "/v1/embeddings", map[string]any{"input": "waits in line"})
	wantAPIError(t, rec, http.StatusRequestTimeout, types.ErrTypeTimeout, types.CodeQueueTimeout)

	close(release)
	wg.Wait()
}

func TestDispatch_ConcurrencyBounded(t *testing.T) {
	const threads = 2
	var current, peak atomic.Int64

	host := &fakeHost{
		embedBatch: func(ctx context.Context, texts []string) ([][]float32, error) {
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			current.Add(-1)
			return [][]float32{make([]float32, embedding.EmbeddingDim)}, nil
		},
	}
	srv := newStubServer(t, host, func(c *config.Config) {
		c.Workers.Threads = threads
	})
	h := srv.Handler()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := doJSON(t, h, http.MethodPost, "/v1/embeddings", map[string]any{"input": "load"})
			if rec.Code != http.StatusOK {
				t.Errorf("status: got %d", rec.Code)
			}
		}()
	}
	wg.Wait()

	if got := peak.Load(); got > threads {
		t.Errorf("peak concurrent inferences = %d, want <= %d", got, threads)
	}
}

func TestDispatch_PanicBecomes500(t *testing.T) {
	host := &fakeHost{
		embedBatch: func(ctx context.Context, texts []string) ([][]float32, error) {
			panic("inference exploded")
		},
	}
	srv := newStubServer(t, host, nil)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/embeddings", map[string]any{"input": "boom"})
	wantAPIError(t, rec, http.StatusInternalServerError, types.ErrTypeInternal, "")
}

func TestDispatch_SlotFreedAfterSuccess(t *testing.T) {
	srv := newTestServer(t, func(c *config.Config) {
		c.Workers.Threads = 1
	})
	h := srv.Handler()

	// Sequential requests through a single slot must all succeed.
	for i := 0; i < 3; i++ {
		rec := doJSON(t, h, http.MethodPost, "/v1/embeddings", map[string]any{"input": "reuse the slot"})
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status %d", i, rec.Code)
		}
	}
}

// ── serve lifecycle ──

func TestServe_DrainsOnContextCancel(t *testing.T) {
	srv := newTestServer(t, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, ln) }()

	// The accept backlog holds this until Serve picks it up.
	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("probe status: %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("Serve returned %v after cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
