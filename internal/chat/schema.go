package chat

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// generateSchema builds the JSON schema of a tool's argument struct from its
// json and jsonschema tags. The result is an inline object schema.
func generateSchema[T any]() (map[string]any, error) {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := reflector.Reflect(new(T))

	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshalling schema: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshalling schema: %w", err)
	}

	out := map[string]any{
		"type":       "object",
		"properties": m["properties"],
	}
	if req, ok := m["required"]; ok {
		out["required"] = req
	}
	return out, nil
}
