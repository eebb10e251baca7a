package ocpp16

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBaseURL = "https://ocpp-server.local/schemas/ocpp16/"

// SchemaValidator 按动作校验 Call 载荷（OCPP 1.6 JSON Schema，Draft-07）
type SchemaValidator struct {
	schemas map[Action]*jsonschema.Schema
}

// NewSchemaValidator 编译内置的全部动作 schema
func NewSchemaValidator() (*SchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft7

	v := &SchemaValidator{schemas: make(map[Action]*jsonschema.Schema, len(allActions))}
	for _, a := range allActions {
		raw, err := schemaFS.ReadFile("schemas/" + string(a) + ".json")
		if err != nil {
			return nil, fmt.Errorf("schema for %s not found: %w", a, err)
		}
		url := schemaBaseURL + string(a) + ".json"
		if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("load schema %s: %w", a, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", a, err)
		}
		v.schemas[a] = compiled
	}
	return v, nil
}

// Validate 校验载荷；未知动作不在此处处理，直接放行
func (v *SchemaValidator) Validate(action Action, payload json.RawMessage) error {
	s, ok := v.schemas[action]
	if !ok {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPayloadInvalid, action, err)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPayloadInvalid, action, err)
	}
	return nil
}
