// ABOUTME: JSON Schema for checkpoint documents, compiled once and applied before any decoding into Go types.
// ABOUTME: Loading is pure data decoding: the schema gate plus strict struct decoding, nothing executable.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
)

// formatVersion is the on-disk document version written by Save.
const formatVersion = 1

const documentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["version", "checkpoint_id", "session_id", "stage", "created_at", "context"],
  "properties": {
    "version": {"type": "integer", "minimum": 1, "maximum": 1},
    "checkpoint_id": {"type": "string", "minLength": 1},
    "session_id": {"type": "string", "minLength": 1},
    "stage": {"type": "string", "minLength": 1},
    "created_at": {"type": "string", "minLength": 1},
    "context": {
      "type": "object",
      "additionalProperties": false,
      "required": ["session_id", "input", "slots", "metrics"],
      "properties": {
        "session_id": {"type": "string"},
        "input": {
          "type": "object",
          "additionalProperties": false,
          "required": ["prompt"],
          "properties": {
            "prompt": {"type": "string"},
            "documents": {"type": "array", "items": {"type": "string"}},
            "params": {"type": "object", "additionalProperties": {"type": "string"}}
          }
        },
        "slots": {"type": "object"},
        "metrics": {
          "type": "object",
          "additionalProperties": {
            "type": "object",
            "additionalProperties": false,
            "required": ["status"],
            "properties": {
              "status": {"enum": ["completed", "skipped", "failed", "aborted"]},
              "attempts": {"type": "integer", "minimum": 0},
              "duration_seconds": {"type": "number", "minimum": 0},
              "details": {"type": "object"},
              "error": {"type": "string"}
            }
          }
        }
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	schemaResolved *jsonschema.Resolved
	schemaErr      error
)

// resolvedSchema compiles documentSchema on first use.
func resolvedSchema() (*jsonschema.Resolved, error) {
	schemaOnce.Do(func() {
		var s jsonschema.Schema
		if err := json.Unmarshal([]byte(documentSchema), &s); err != nil {
			schemaErr = fmt.Errorf("parse checkpoint schema: %w", err)
			return
		}
		schemaResolved, schemaErr = s.Resolve(nil)
	})
	return schemaResolved, schemaErr
}

// validateDocument checks raw JSON against the checkpoint schema.
func validateDocument(data []byte) error {
	rs, err := resolvedSchema()
	if err != nil {
		return err
	}
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	if err := rs.Validate(instance); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return nil
}
