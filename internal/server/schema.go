package server

import (
	"bytes"
	_ "embed"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/minivec/minivec/pkg/types"
)

//go:embed schemas/embeddings.json
var embeddingsSchemaJSON []byte

//go:embed schemas/similarity.json
var similaritySchemaJSON []byte

// requestSchemas validates raw request bodies against embedded JSON Schemas
// before they are decoded into typed requests, so shape errors carry a
// precise violation message instead of a decoder error.
type requestSchemas struct {
	embeddings *jsonschema.Schema
	similarity *jsonschema.Schema
}

func newRequestSchemas() *requestSchemas {
	return &requestSchemas{
		embeddings: mustCompileSchema("embeddings.json", embeddingsSchemaJSON),
		similarity: mustCompileSchema("similarity.json", similaritySchemaJSON),
	}
}

// mustCompileSchema compiles an embedded schema document. The schemas ship
// inside the binary, so a failure here is a build defect and panics.
func mustCompileSchema(name string, raw []byte) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		panic("parse embedded schema " + name + ": " + err.Error())
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		panic("add schema resource " + name + ": " + err.Error())
	}

	sch, err := c.Compile(name)
	if err != nil {
		panic("compile schema " + name + ": " + err.Error())
	}
	return sch
}

func (rs *requestSchemas) validateEmbeddings(body []byte) *types.APIError {
	return validateAgainst(rs.embeddings, body)
}

func (rs *requestSchemas) validateSimilarity(body []byte) *types.APIError {
	return validateAgainst(rs.similarity, body)
}

func validateAgainst(sch *jsonschema.Schema, body []byte) *types.APIError {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return types.NewInvalidInputError(types.CodeMalformedBody, "invalid JSON: %v", err)
	}
	if err := sch.Validate(doc); err != nil {
		return types.NewInvalidInputError(types.CodeSchemaViolation,
			"request does not match the expected shape: %s", flattenSchemaError(err))
	}
	return nil
}

// flattenSchemaError renders a multi-line validation error on one line.
func flattenSchemaError(err error) string {
	parts := strings.Split(err.Error(), "\n")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return strings.Join(parts, "; ")
}
