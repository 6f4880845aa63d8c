package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaRegistry holds a compiled JSON Schema per envelope type, for the
// additive per-type body validation SPEC_FULL.md adds on top of the
// structural checks ValidateShape already performs. A type with no
// registered schema is never an error — registration is opt-in.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: map[string]*jsonschema.Schema{}}
}

// Register compiles and stores schemaJSON under envType, replacing any
// previous schema for that type.
func (r *SchemaRegistry) Register(envType string, schemaJSON []byte) error {
	compiler := jsonschema.NewCompiler()
	resourceName := envType + ".json"
	if err := compiler.AddResource(resourceName, bytes.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("add schema resource for %q: %w", envType, err)
	}
	schema, err := compiler.Compile(resourceName)
	if err != nil {
		return fmt.Errorf("compile schema for %q: %w", envType, err)
	}
	r.mu.Lock()
	r.schemas[envType] = schema
	r.mu.Unlock()
	return nil
}

// Validate checks body against the schema registered for envType, if
// any. A nil registry or an unregistered type is a no-op success.
func (r *SchemaRegistry) Validate(envType string, body json.RawMessage) error {
	if r == nil || len(body) == 0 {
		return nil
	}
	r.mu.RLock()
	schema, ok := r.schemas[envType]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return fmt.Errorf("body is not valid JSON: %w", err)
	}
	return schema.Validate(v)
}
