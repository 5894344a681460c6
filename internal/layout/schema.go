package layout

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Only the shape of stored records is checked. Entry fields are left to the
// merge step, which tolerates incomplete entries.
const (
	entryListSchemaJSON = `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "array",
		"items": {"type": "object"}
	}`
	groupListSchemaJSON = `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "array",
		"items": {"type": "string", "minLength": 1}
	}`
)

var (
	entryListSchema = mustCompileSchema("wordstream://layout/entry-list.json", entryListSchemaJSON)
	groupListSchema = mustCompileSchema("wordstream://layout/group-list.json", groupListSchemaJSON)
)

func mustCompileSchema(url, source string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
	if err != nil {
		panic(fmt.Sprintf("layout: parse schema %s: %v", url, err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, doc); err != nil {
		panic(fmt.Sprintf("layout: add schema %s: %v", url, err))
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("layout: compile schema %s: %v", url, err))
	}
	return schema
}

func validate(schema *jsonschema.Schema, raw json.RawMessage) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("parse record: %w", err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("unexpected record shape: %w", err)
	}
	return nil
}
