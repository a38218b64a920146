package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"runtime/debug"
	"time"

	"github.com/segmentio/encoding/json"

	"github.com/minivec/minivec/internal/embedding"
	"github.com/minivec/minivec/internal/metrics"
	"github.com/minivec/minivec/pkg/types"
)

// errAbandoned marks a request whose client went away mid-flight. Handlers
// drop the response instead of writing an error nobody will read.
var errAbandoned = errors.New("request abandoned by client")

// handleEmbeddings serves POST /v1/embeddings.
func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	body, apiErr := s.readBody(w, r)
	if apiErr != nil {
		s.writeError(w, r, apiErr)
		return
	}

	if err := s.schemas.validateEmbeddings(body); err != nil {
		s.writeError(w, r, err)
		return
	}

	var req types.EmbeddingRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, r, types.AsAPIError(err))
		return
	}

	if req.Model != "" && req.Model != s.host.Model() {
		s.writeError(w, r, types.NewInvalidInputError(types.CodeUnknownModel,
			"model %q is not hosted here; only %q is available", req.Model, s.host.Model()))
		return
	}

	limits := types.InputLimits{
		MaxTextBytes: s.cfg.Model.MaxTextBytes,
		MaxBatchSize: s.cfg.Model.MaxBatchSize,
	}
	if err := req.Validate(limits); err != nil {
		s.writeError(w, r, err)
		return
	}

	texts := req.Input.Values()

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Workers.RequestTimeout)
	defer cancel()

	vecs, err := s.dispatchEmbed(ctx, texts)
	if err != nil {
		if errors.Is(err, errAbandoned) {
			s.logger.Debug("dropping response for disconnected client", "path", r.URL.Path)
			return
		}
		s.writeError(w, r, err)
		return
	}

	promptTokens := 0
	for _, t := range texts {
		promptTokens += embedding.TokenCount(t)
	}

	resp := types.EmbeddingResponse{
		Object: types.ObjectList,
		Data:   make([]types.EmbeddingObject, len(vecs)),
		Model:  s.host.Model(),
		Usage: types.Usage{
			PromptTokens: promptTokens,
			TotalTokens:  promptTokens,
		},
	}
	for i, vec := range vecs {
		resp.Data[i] = types.EmbeddingObject{
			Object:    types.ObjectEmbedding,
			Index:     i,
			Embedding: types.EncodeEmbedding(vec, req.EncodingFormat),
		}
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// handleSimilarity serves POST /v1/similarity: one source text scored against
// each target by cosine similarity.
func (s *Server) handleSimilarity(w http.ResponseWriter, r *http.Request) {
	body, apiErr := s.readBody(w, r)
	if apiErr != nil {
		s.writeError(w, r, apiErr)
		return
	}

	if err := s.schemas.validateSimilarity(body); err != nil {
		s.writeError(w, r, err)
		return
	}

	var req types.SimilarityRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, r, types.NewInvalidInputError(types.CodeMalformedBody, "invalid JSON: %v", err))
		return
	}

	if req.Model != "" && req.Model != s.host.Model() {
		s.writeError(w, r, types.NewInvalidInputError(types.CodeUnknownModel,
			"model %q is not hosted here; only %q is available", req.Model, s.host.Model()))
		return
	}

	limits := types.InputLimits{
		MaxTextBytes: s.cfg.Model.MaxTextBytes,
		MaxBatchSize: s.cfg.Model.MaxBatchSize,
	}
	if err := req.Validate(limits); err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Workers.RequestTimeout)
	defer cancel()

	scores, err := s.dispatchSimilarity(ctx, req.Source, req.Targets)
	if err != nil {
		if errors.Is(err, errAbandoned) {
			s.logger.Debug("dropping response for disconnected client", "path", r.URL.Path)
			return
		}
		s.writeError(w, r, err)
		return
	}

	promptTokens := embedding.TokenCount(req.Source)
	for _, t := range req.Targets {
		promptTokens += embedding.TokenCount(t)
	}

	resp := types.SimilarityResponse{
		Object: types.ObjectList,
		Data:   make([]types.SimilarityScore, len(scores)),
		Model:  s.host.Model(),
		Usage: types.Usage{
			PromptTokens: promptTokens,
			TotalTokens:  promptTokens,
		},
	}
	for i, score := range scores {
		resp.Data[i] = types.SimilarityScore{
			Object: types.ObjectSimilarity,
			Index:  i,
			Score:  score,
		}
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// handleListModels serves GET /v1/models.
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, types.ModelList{
		Object: types.ObjectList,
		Data: []types.ModelInfo{
			{
				ID:         s.host.Model(),
				Object:     types.ObjectModel,
				Dimensions: s.host.Dimensions(),
				MaxTokens:  embedding.MaxTokenLen,
				Backend:    s.host.Backend(),
				Loaded:     s.host.Loaded(),
			},
		},
	})
}

// handleHealth serves GET /healthz. Answers 503 while the model is loading so
// orchestrators hold traffic until the worker is ready.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := types.HealthStatus{
		Status:        "ok",
		Model:         s.host.Model(),
		Backend:       s.host.Backend(),
		Pid:           os.Getpid(),
		UptimeSeconds: time.Since(s.startTime).Seconds(),
	}

	if !s.host.Loaded() {
		status.Status = "loading"
		s.writeJSON(w, http.StatusServiceUnavailable, status)
		return
	}

	s.writeJSON(w, http.StatusOK, status)
}

// dispatchEmbed runs an embedding batch under the concurrency semaphore.
func (s *Server) dispatchEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	res, err := s.dispatch(ctx, func(c context.Context) (any, error) {
		return s.host.EmbedBatch(c, texts)
	})
	if err != nil {
		return nil, err
	}
	return res.([][]float32), nil
}

// dispatchSimilarity runs a similarity computation under the concurrency
// semaphore. The whole request holds one slot.
func (s *Server) dispatchSimilarity(ctx context.Context, source string, targets []string) ([]float64, error) {
	res, err := s.dispatch(ctx, func(c context.Context) (any, error) {
		return s.host.Similarity(c, source, targets)
	})
	if err != nil {
		return nil, err
	}
	return res.([]float64), nil
}

// dispatch acquires a semaphore slot, runs fn, and returns its result. When
// the context ends first, the request is reported failed immediately and fn's
// goroutine is abandoned; the slot frees only when fn returns, so a wedged
// inference cannot be re-entered. Timed-out requests are never retried.
func (s *Server) dispatch(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	select {
	case s.semaphore <- struct{}{}:
	default:
		// All slots busy: warn (throttled), then wait in line.
		s.queueWarn.Do(func() {
			s.logger.Warn("all inference slots busy, queueing requests", "slots", cap(s.semaphore))
		})

		metrics.QueueDepth.Inc()
		select {
		case s.semaphore <- struct{}{}:
			metrics.QueueDepth.Dec()
		case <-ctx.Done():
			metrics.QueueDepth.Dec()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, types.NewTimeoutError(types.CodeQueueTimeout,
					"timed out after %s waiting for an inference slot", s.cfg.Workers.RequestTimeout)
			}
			return nil, types.NewOverloadedError("request abandoned while queued for an inference slot")
		}
	}

	metrics.InFlight.Inc()

	type result struct {
		value any
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			<-s.semaphore
			metrics.InFlight.Dec()
		}()
		// The dispatch goroutine outlives the handler on timeout, so panics
		// here would escape the recovery middleware.
		defer func() {
			if p := recover(); p != nil {
				s.logger.Error("panic during inference",
					"panic", p,
					"stack", string(debug.Stack()),
				)
				ch <- result{err: types.NewInternalError("internal server error")}
			}
		}()
		value, err := fn(ctx)
		ch <- result{value: value, err: err}
	}()

	select {
	case res := <-ch:
		return res.value, res.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, types.NewTimeoutError(types.CodeRequestTimeout,
				"embedding did not complete within %s", s.cfg.Workers.RequestTimeout)
		}
		return nil, errAbandoned
	}
}

// readBody caps and reads the request body.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, *types.APIError) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, types.NewInvalidInputError(types.CodeInputTooLong,
				"request body exceeds %d bytes", mbe.Limit)
		}
		return nil, types.NewInvalidInputError(types.CodeMalformedBody, "failed to read request body")
	}
	return body, nil
}

// writeJSON writes v with the given status.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "err", err)
	}
}

// writeError maps err to the error envelope. Model errors surface as 503 so
// load balancers steer around a worker whose backend is unavailable.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := types.AsAPIError(err)
	if apiErr.Status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", apiErr.Status,
			"err", err,
		)
	}
	s.writeJSON(w, apiErr.Status, types.ErrorResponse{Error: apiErr})
}
