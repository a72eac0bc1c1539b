package tools

import (
	"testing"

	"AgentEngine/pkg/engine/api"
)

type testSchemaArgs struct {
	Query string `json:"query" jsonschema:"required,description=Search query"`
	Limit int    `json:"limit,omitempty" jsonschema:"description=Max results"`
}

func TestGenerateSchema_ReflectsRequiredAndProperties(t *testing.T) {
	schema, err := GenerateSchema[testSchemaArgs]()
	if err != nil {
		t.Fatalf("GenerateSchema: %v", err)
	}
	if schema["type"] != "object" {
		t.Fatalf("expected object schema, got %v", schema["type"])
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		t.Fatalf("expected properties map, got %T", schema["properties"])
	}
	if _, ok := props["query"]; !ok {
		t.Fatalf("expected query property, got %v", props)
	}
	if _, ok := props["limit"]; !ok {
		t.Fatalf("expected limit property, got %v", props)
	}
	required, ok := schema["required"].([]any)
	if !ok || len(required) != 1 || required[0] != "query" {
		t.Fatalf("expected required=[query], got %v", schema["required"])
	}
}

func TestDecodeArgs_WeaklyTypedInput(t *testing.T) {
	args := api.Args{"query": "hello", "limit": "10"}
	decoded, err := DecodeArgs[testSchemaArgs](args)
	if err != nil {
		t.Fatalf("DecodeArgs: %v", err)
	}
	if decoded.Query != "hello" {
		t.Fatalf("expected query=hello, got %q", decoded.Query)
	}
	if decoded.Limit != 10 {
		t.Fatalf("expected limit=10, got %d", decoded.Limit)
	}
}
