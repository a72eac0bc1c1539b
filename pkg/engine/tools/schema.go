package tools

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	"github.com/mitchellh/mapstructure"

	"AgentEngine/pkg/engine/api"
)

// GenerateSchema reflects a Go struct's json/jsonschema tags into the
// map[string]any shape api.ToolSchema.Parameters expects, for tools whose
// arguments are better expressed as a typed struct than hand-built
// ParameterDefs. Grounded on functiontool.generateSchema's reflector
// settings (inline definitions, no $schema/$id, required-from-tag).
//
// Supported tags: json:"name", json:",omitempty", and
// jsonschema:"required,description=...,enum=a|b,default=...".
func GenerateSchema[T any]() (map[string]any, error) {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := reflector.Reflect(new(T))

	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	delete(result, "$schema")
	delete(result, "$id")

	if result["type"] == "object" {
		out := map[string]any{"type": "object", "properties": result["properties"]}
		if required, ok := result["required"]; ok {
			out["required"] = required
		}
		return out, nil
	}
	return result, nil
}

// DecodeArgs decodes a tool call's api.Args into a typed struct via
// mapstructure, so Execute methods can work with named fields instead of
// repeated GetStringArg/GetIntArg lookups.
func DecodeArgs[T any](args api.Args) (T, error) {
	var out T
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &out,
		WeaklyTypedInput: true,
		TagName:          "json",
	})
	if err != nil {
		return out, fmt.Errorf("build decoder: %w", err)
	}
	if err := dec.Decode(map[string]any(args)); err != nil {
		return out, fmt.Errorf("decode args: %w", err)
	}
	return out, nil
}
