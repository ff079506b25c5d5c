package validate

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed config.schema.json
var configSchema []byte

const configSchemaName = "config.schema.json"

// ValidateAgainstSchema compiles schema under the given resource name and
// validates the JSON document data against it. ref optionally selects a
// sub-schema, e.g. "#/properties/ssh".
func ValidateAgainstSchema(name string, schema []byte, data []byte, ref string) error {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, bytes.NewReader(schema)); err != nil {
		return fmt.Errorf("loading schema %s: %w", name, err)
	}

	url := name
	if ref != "" {
		url = name + ref
	}
	sch, err := compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("compiling schema %s: %w", url, err)
	}

	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("schema validation against %s failed: %w", name, err)
	}
	return nil
}

// ValidateConfigJSON validates a configuration document, already converted
// to JSON, against the embedded configuration schema.
func ValidateConfigJSON(data []byte) error {
	return ValidateAgainstSchema(configSchemaName, configSchema, data, "")
}
