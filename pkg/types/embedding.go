package types

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"math"
	"strings"
)

// Object type strings used in response payloads.
const (
	ObjectList       = "list"
	ObjectEmbedding  = "embedding"
	ObjectSimilarity = "similarity"
	ObjectModel      = "model"
)

// Encoding formats accepted in EmbeddingRequest.EncodingFormat.
const (
	EncodingFloat  = "float"
	EncodingBase64 = "base64"
)

// InputLimits bounds accepted request payloads. Zero values mean unlimited.
type InputLimits struct {
	MaxTextBytes int
	MaxBatchSize int
}

// EmbeddingInput is the polymorphic "input" field of an embedding request:
// either a single string or an array of strings. Exactly one of Text and
// Texts is set after a successful unmarshal.
type EmbeddingInput struct {
	Text  *string  `json:"-"`
	Texts []string `json:"-"`
}

// UnmarshalJSON infers the input form, trying string then []string.
func (e *EmbeddingInput) UnmarshalJSON(data []byte) error {
	e.Text = nil
	e.Texts = nil

	if string(data) == "null" {
		return NewInvalidInputError(CodeEmptyInput, "input must not be null")
	}

	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		e.Text = &s
		return nil
	}

	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		e.Texts = ss
		return nil
	}

	return NewInvalidInputError(CodeMalformedBody, "input must be a string or an array of strings")
}

// MarshalJSON emits whichever form is set.
func (e EmbeddingInput) MarshalJSON() ([]byte, error) {
	if e.Text != nil {
		return json.Marshal(*e.Text)
	}
	return json.Marshal(e.Texts)
}

// Values returns the input texts as a slice regardless of the supplied form.
func (e *EmbeddingInput) Values() []string {
	if e.Text != nil {
		return []string{*e.Text}
	}
	return e.Texts
}

// Validate checks the input against limits. Empty and whitespace-only texts
// are rejected; over-long texts and oversized batches are rejected before any
// model work happens.
func (e *EmbeddingInput) Validate(limits InputLimits) error {
	texts := e.Values()
	if len(texts) == 0 {
		return NewInvalidInputError(CodeEmptyInput, "input must contain at least one text")
	}
	if limits.MaxBatchSize > 0 && len(texts) > limits.MaxBatchSize {
		return NewInvalidInputError(CodeBatchTooLarge, "batch of %d texts exceeds the limit of %d", len(texts), limits.MaxBatchSize)
	}
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return NewInvalidInputError(CodeEmptyInput, "input text at index %d is empty", i)
		}
		if limits.MaxTextBytes > 0 && len(t) > limits.MaxTextBytes {
			return NewInvalidInputError(CodeInputTooLong, "input text at index %d is %d bytes, limit is %d", i, len(t), limits.MaxTextBytes)
		}
	}
	return nil
}

// EmbeddingRequest is the body of POST /v1/embeddings (OpenAI-compatible).
type EmbeddingRequest struct {
	Model          string          `json:"model,omitempty"`
	Input          *EmbeddingInput `json:"input"`
	EncodingFormat string          `json:"encoding_format,omitempty"`
	User           string          `json:"user,omitempty"`
}

// Validate checks structural validity and input limits.
func (r *EmbeddingRequest) Validate(limits InputLimits) error {
	if r.Input == nil {
		return NewInvalidInputError(CodeEmptyInput, "input is required")
	}
	switch r.EncodingFormat {
	case "", EncodingFloat, EncodingBase64:
	default:
		return NewInvalidInputError(CodeUnsupportedFormat, "encoding_format %q is not supported", r.EncodingFormat)
	}
	return r.Input.Validate(limits)
}

// EmbeddingObject is one vector in an EmbeddingResponse. Embedding is a
// []float32 for encoding_format "float" and a base64 string of little-endian
// float32 bytes for "base64".
type EmbeddingObject struct {
	Object    string `json:"object"`
	Index     int    `json:"index"`
	Embedding any    `json:"embedding"`
}

// EmbeddingResponse is the body of a successful POST /v1/embeddings. Data is
// ordered to match the request input.
type EmbeddingResponse struct {
	Object string            `json:"object"`
	Data   []EmbeddingObject `json:"data"`
	Model  string            `json:"model"`
	Usage  Usage             `json:"usage"`
}

// Usage counts the tokens consumed by a request. Embedding requests have no
// completion, so TotalTokens equals PromptTokens.
type Usage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// EncodeEmbedding renders a vector in the requested encoding format. The
// base64 layout is little-endian float32, matching the OpenAI wire format.
func EncodeEmbedding(vec []float32, format string) any {
	if format != EncodingBase64 {
		return vec
	}
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

// SimilarityRequest is the body of POST /v1/similarity: one source text
// scored against each target text by cosine similarity.
type SimilarityRequest struct {
	Source  string   `json:"source"`
	Targets []string `json:"targets"`
	Model   string   `json:"model,omitempty"`
}

// Validate checks the source and targets against limits.
func (r *SimilarityRequest) Validate(limits InputLimits) error {
	if strings.TrimSpace(r.Source) == "" {
		return NewInvalidInputError(CodeEmptyInput, "source must not be empty")
	}
	if limits.MaxTextBytes > 0 && len(r.Source) > limits.MaxTextBytes {
		return NewInvalidInputError(CodeInputTooLong, "source is %d bytes, limit is %d", len(r.Source), limits.MaxTextBytes)
	}
	if len(r.Targets) == 0 {
		return NewInvalidInputError(CodeEmptyInput, "targets must contain at least one text")
	}
	if limits.MaxBatchSize > 0 && len(r.Targets) > limits.MaxBatchSize {
		return NewInvalidInputError(CodeBatchTooLarge, "batch of %d targets exceeds the limit of %d", len(r.Targets), limits.MaxBatchSize)
	}
	for i, t := range r.Targets {
		if strings.TrimSpace(t) == "" {
			return NewInvalidInputError(CodeEmptyInput, "target at index %d is empty", i)
		}
		if limits.MaxTextBytes > 0 && len(t) > limits.MaxTextBytes {
			return NewInvalidInputError(CodeInputTooLong, "target at index %d is %d bytes, limit is %d", i, len(t), limits.MaxTextBytes)
		}
	}
	return nil
}

// SimilarityScore is one target's cosine similarity against the source.
type SimilarityScore struct {
	Object string  `json:"object"`
	Index  int     `json:"index"`
	Score  float64 `json:"score"`
}

// SimilarityResponse is the body of a successful POST /v1/similarity. Data is
// ordered to match the request targets.
type SimilarityResponse struct {
	Object string            `json:"object"`
	Data   []SimilarityScore `json:"data"`
	Model  string            `json:"model"`
	Usage  Usage             `json:"usage"`
}

// ModelInfo describes the hosted model, served from GET /v1/models.
type ModelInfo struct {
	ID         string `json:"id"`
	Object     string `json:"object"`
	Dimensions int    `json:"dimensions"`
	MaxTokens  int    `json:"max_tokens"`
	Backend    string `json:"backend"`
	Loaded     bool   `json:"loaded"`
}

// ModelList is the body of GET /v1/models.
type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

// HealthStatus is the body of GET /healthz. Pid identifies the worker that
// answered when running multi-process.
type HealthStatus struct {
	Status        string  `json:"status"`
	Model         string  `json:"model"`
	Backend       string  `json:"backend"`
	Pid           int     `json:"pid"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}
