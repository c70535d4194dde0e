package datamap

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/datamap-v1.json
var datamapSchemaJSON string

// document is the on-disk shape LoadDatamapConfig/LoadDatamapFile validate
// and decode, mirroring the teacher's device-profile JSON documents.
type document struct {
	Entries []EntrySpec  `json:"entries"`
	Units   []UnitConfig `json:"units"`
}

func compileSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("datamap-v1.json", strings.NewReader(datamapSchemaJSON)); err != nil {
		return nil, fmt.Errorf("datamap: failed to add schema resource: %w", err)
	}
	schema, err := compiler.Compile("datamap-v1.json")
	if err != nil {
		return nil, fmt.Errorf("datamap: failed to compile schema: %w", err)
	}
	return schema, nil
}

// LoadDatamapConfig validates a JSON-authored datamap document against the
// embedded schema and constructs a Datamap from it. This is the
// declarative counterpart to New, for callers who keep their datamap as
// data rather than Go literals (mirrors internal/devices/loader.go +
// validator.go's schema-then-unmarshal pipeline).
func LoadDatamapConfig(data []byte) (*Datamap, error) {
	schema, err := compileSchema()
	if err != nil {
		return nil, err
	}

	var parsed interface{}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("datamap: invalid JSON: %w", err)
	}
	if err := schema.Validate(parsed); err != nil {
		return nil, fmt.Errorf("datamap: schema validation failed: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("datamap: failed to unmarshal document: %w", err)
	}

	return New(doc.Entries, doc.Units)
}

// LoadDatamapFile reads path and calls LoadDatamapConfig on its contents.
func LoadDatamapFile(path string) (*Datamap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("datamap: failed to read %s: %w", path, err)
	}
	return LoadDatamapConfig(data)
}
