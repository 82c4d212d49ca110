package toolschema

import (
	"encoding/json"
	"testing"
)

func TestValidateNilSchemaAlwaysPasses(t *testing.T) {
	if err := Validate(nil, map[string]any{"anything": true}); err != nil {
		t.Fatalf("expected nil schema to impose no constraints, got %v", err)
	}
}

func TestValidateAcceptsConformingArgs(t *testing.T) {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {"path": {"type": "string"}},
		"required": ["path"]
	}`)
	if err := Validate(schema, map[string]any{"path": "/tmp/x"}); err != nil {
		t.Fatalf("expected valid args to pass, got %v", err)
	}
}

func TestValidateRejectsMissingRequiredField(t *testing.T) {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {"path": {"type": "string"}},
		"required": ["path"]
	}`)
	if err := Validate(schema, map[string]any{}); err == nil {
		t.Fatal("expected an error for a missing required field")
	}
}

func TestValidateRejectsWrongType(t *testing.T) {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {"count": {"type": "integer"}}
	}`)
	if err := Validate(schema, map[string]any{"count": "not a number"}); err == nil {
		t.Fatal("expected an error for a type mismatch")
	}
}

func TestValidateCachesCompiledSchema(t *testing.T) {
	schema := json.RawMessage(`{"type": "object"}`)
	if err := Validate(schema, map[string]any{}); err != nil {
		t.Fatalf("first validate: unexpected error %v", err)
	}
	if err := Validate(schema, map[string]any{}); err != nil {
		t.Fatalf("second validate (cached schema): unexpected error %v", err)
	}
}
