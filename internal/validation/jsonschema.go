package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/gridflow/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

const configSchemaURL = "https://gridflow.dev/schemas/column-config.json"

// configSchemaJSON holds one definition per column type. Keys follow the
// config structs' JSON tags.
const configSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://gridflow.dev/schemas/column-config.json",
  "$defs": {
    "execOptions": {
      "type": "object",
      "properties": {
        "batchSize": { "type": "integer", "minimum": 1 },
        "runIf": { "type": "string" }
      }
    },
    "field": {
      "type": "object",
      "properties": {
        "sourceField": { "type": "string" },
        "format": {
          "type": "object",
          "required": ["type"],
          "properties": {
            "type": { "enum": ["number", "currency", "date", "checkbox", "text"] },
            "decimals": { "type": "integer", "minimum": 0, "maximum": 10 },
            "thousandsSeparator": { "type": "boolean" },
            "currencySymbol": { "type": "string", "maxLength": 8 },
            "currencyPosition": { "enum": ["before", "after"] },
            "datePattern": { "type": "string" }
          },
          "additionalProperties": false
        }
      },
      "additionalProperties": false
    },
    "formula": {
      "type": "object",
      "required": ["expression"],
      "properties": {
        "expression": { "type": "string", "minLength": 1 }
      },
      "additionalProperties": false
    },
    "merge": {
      "type": "object",
      "required": ["sourceColumns"],
      "properties": {
        "sourceColumns": {
          "type": "array",
          "minItems": 1,
          "items": { "type": "string", "minLength": 1 }
        },
        "separator": { "type": "string" },
        "emptyPolicy": { "enum": ["skip", "include", "placeholder"] },
        "placeholder": { "type": "string" },
        "output": { "enum": ["text", "bullets"] }
      },
      "additionalProperties": false
    },
    "enrichment": {
      "type": "object",
      "$ref": "#/$defs/execOptions",
      "required": ["function", "inputColumnId"],
      "properties": {
        "function": { "type": "string", "minLength": 1 },
        "inputColumnId": { "type": "string", "minLength": 1 },
        "outputField": { "type": "string" }
      }
    },
    "ai": {
      "type": "object",
      "$ref": "#/$defs/execOptions",
      "required": ["prompt"],
      "properties": {
        "prompt": { "type": "string", "minLength": 1 },
        "systemPrompt": { "type": "string" },
        "model": { "type": "string" },
        "temperature": { "type": "number", "minimum": 0, "maximum": 2 },
        "maxTokens": { "type": "integer", "minimum": 1 },
        "stream": { "type": "boolean" },
        "outputFormat": { "enum": ["text", "json", "list"] },
        "jsonPath": { "type": "string" },
        "delimiter": { "type": "string" }
      }
    },
    "waterfall": {
      "type": "object",
      "$ref": "#/$defs/execOptions",
      "required": ["sources"],
      "properties": {
        "sources": {
          "type": "array",
          "minItems": 1,
          "items": {
            "type": "object",
            "required": ["function", "inputColumnId"],
            "properties": {
              "id": { "type": "string" },
              "function": { "type": "string", "minLength": 1 },
              "inputColumnId": { "type": "string", "minLength": 1 },
              "outputField": { "type": "string" }
            },
            "additionalProperties": false
          }
        },
        "stopOnSuccess": { "type": "boolean" }
      }
    },
    "http": {
      "type": "object",
      "$ref": "#/$defs/execOptions",
      "required": ["url"],
      "properties": {
        "url": { "type": "string", "minLength": 1 },
        "method": { "type": "string", "pattern": "^(?i:get|post|put)?$" },
        "headers": {
          "type": "object",
          "additionalProperties": { "type": "string" }
        },
        "body": { "type": "string" },
        "auth": {
          "type": "object",
          "required": ["type"],
          "properties": {
            "type": { "enum": ["bearer", "basic"] },
            "token": { "type": "string" },
            "username": { "type": "string" },
            "password": { "type": "string" }
          },
          "additionalProperties": false
        },
        "outputField": { "type": "string" }
      }
    }
  }
}`

// JSONSchemaValidator checks a column config against the JSON Schema
// definition for its type. Schemas are compiled once; it is safe for
// concurrent use.
type JSONSchemaValidator struct {
	schemas map[schema.ColumnType]*jsonschema.Schema
}

// NewJSONSchemaValidator compiles the per-type config schemas.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(configSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal column config schema: %w", err)
	}
	if err := c.AddResource(configSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add column config schema resource: %w", err)
	}

	types := []schema.ColumnType{
		schema.ColumnTypeField, schema.ColumnTypeFormula, schema.ColumnTypeMerge,
		schema.ColumnTypeEnrichment, schema.ColumnTypeAI, schema.ColumnTypeWaterfall,
		schema.ColumnTypeHTTP,
	}
	schemas := make(map[schema.ColumnType]*jsonschema.Schema, len(types))
	for _, t := range types {
		compiled, err := c.Compile(configSchemaURL + "#/$defs/" + string(t))
		if err != nil {
			return nil, fmt.Errorf("compile %s config schema: %w", t, err)
		}
		schemas[t] = compiled
	}
	return &JSONSchemaValidator{schemas: schemas}, nil
}

// ValidateConfig validates the column's config against its type's schema.
// A nil config is validated as the empty object.
func (v *JSONSchemaValidator) ValidateConfig(col *schema.Column) error {
	if col == nil {
		return schema.NewError(schema.ErrCodeValidation, "column is nil")
	}
	compiled, ok := v.schemas[col.Type]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown column type %q", col.Type)
	}

	var cfg any = map[string]any{}
	if col.Config != nil {
		cfg = col.Config
	}
	doc, err := toJSONValue(cfg)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize column config").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toGridError(err).WithColumn(col.ID)
	}
	return nil
}

// toJSONValue round-trips a Go value through JSON so that numbers become
// json.Number, which the schema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toGridError converts a jsonschema.ValidationError into a GridError whose
// details list every leaf violation.
func toGridError(err error) *schema.GridError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	msg := fmt.Sprintf("config has %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and returns the leaf
// messages prefixed with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
