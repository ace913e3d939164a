package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"

	schemagen "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/morezero/capability-bridge/pkg/bridge"
)

const schemaLogPrefix = "catalog:schema"

// reflectSchema generates a JSON schema document from a Go params struct.
func reflectSchema(v any) ([]byte, error) {
	reflector := schemagen.Reflector{
		ExpandedStruct: true,
		Anonymous:      true,
	}
	doc, err := json.Marshal(reflector.Reflect(v))
	if err != nil {
		return nil, fmt.Errorf("%s - failed to marshal reflected schema: %w", schemaLogPrefix, err)
	}
	return doc, nil
}

func compileSchema(name string, doc []byte) (*jsonschema.Schema, error) {
	url := "mem://catalog/" + name + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(doc)); err != nil {
		return nil, fmt.Errorf("%s - failed to add schema: %w", schemaLogPrefix, err)
	}
	s, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to compile schema: %w", schemaLogPrefix, err)
	}
	return s, nil
}

// ValidateParams applies the action's normalization policy to a raw payload.
// Raw actions get (nil, nil). Structured actions require a JSON object that
// satisfies the input schema, if one is declared. Failures wrap
// bridge.ErrIllegalArgument.
func (a *ActionDescriptor) ValidateParams(raw []byte) (map[string]any, error) {
	if a.normalize == NormalizeRaw {
		return nil, nil
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("{}")
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%s - %s.%s: %w: %v", schemaLogPrefix, a.capability, a.name, bridge.ErrIllegalArgument, err)
	}
	params, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s - %s.%s: %w: params must be an object", schemaLogPrefix, a.capability, a.name, bridge.ErrIllegalArgument)
	}
	if a.schema != nil {
		if err := a.schema.Validate(v); err != nil {
			return nil, fmt.Errorf("%s - %s.%s: %w: %v", schemaLogPrefix, a.capability, a.name, bridge.ErrIllegalArgument, err)
		}
	}
	return params, nil
}
