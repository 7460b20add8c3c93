package tables

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/opensource-finance/railrate/internal/domain"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

const documentSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["header"],
	"properties": {
		"name": {"type": "string"},
		"hitPolicy": {"type": "string"},
		"header": {
			"type": "array",
			"minItems": 1,
			"items": {"type": "string"}
		},
		"rows": {
			"type": ["array", "null"],
			"items": {
				"type": "array",
				"items": {"type": ["string", "number", "boolean", "null"]}
			}
		}
	}
}`

var documentSchema = compileDocumentSchema()

func compileDocumentSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(documentSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("table document schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("table.schema.json", doc); err != nil {
		panic(fmt.Sprintf("table document schema: %v", err))
	}
	return c.MustCompile("table.schema.json")
}

// ValidateDocument checks the shape of a raw table: a non-empty string
// header and rows of scalar cells. Column binding and cell parsing happen in
// Compile.
func ValidateDocument(raw *domain.RawTable) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return &LoadError{Table: raw.Name, Err: fmt.Errorf("encode document: %w", err)}
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return &LoadError{Table: raw.Name, Err: fmt.Errorf("decode document: %w", err)}
	}
	if err := documentSchema.Validate(doc); err != nil {
		return &LoadError{Table: raw.Name, Err: fmt.Errorf("invalid document: %w", err)}
	}
	return nil
}
