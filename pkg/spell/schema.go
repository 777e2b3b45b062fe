package spell

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBase = "https://magicrune.dev/schemas/"

var schemaFiles = map[string]string{
	"spell_request.schema.json":        "schemas/request.schema.json",
	"spell_request.strict.schema.json": "schemas/request.strict.schema.json",
	"spell_result.schema.json":         "schemas/result.schema.json",
}

type compiledSchemas struct {
	request       *jsonschema.Schema
	requestStrict *jsonschema.Schema
	result        *jsonschema.Schema
}

var (
	schemasOnce sync.Once
	schemas     compiledSchemas
	schemasErr  error
)

func loadSchemas() (compiledSchemas, error) {
	schemasOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		for name, file := range schemaFiles {
			raw, err := schemaFS.ReadFile(file)
			if err != nil {
				schemasErr = fmt.Errorf("spell: read schema %s: %w", file, err)
				return
			}
			if err := c.AddResource(schemaBase+name, bytes.NewReader(raw)); err != nil {
				schemasErr = fmt.Errorf("spell: add schema %s: %w", name, err)
				return
			}
		}
		compile := func(name string) *jsonschema.Schema {
			if schemasErr != nil {
				return nil
			}
			s, err := c.Compile(schemaBase + name)
			if err != nil {
				schemasErr = fmt.Errorf("spell: compile schema %s: %w", name, err)
			}
			return s
		}
		schemas.request = compile("spell_request.schema.json")
		schemas.requestStrict = compile("spell_request.strict.schema.json")
		schemas.result = compile("spell_result.schema.json")
	})
	return schemas, schemasErr
}

// decodeGeneric parses JSON into the generic form the schema validator expects.
func decodeGeneric(data []byte) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON document")
	}
	return v, nil
}

// RequestSchema returns the raw request JSON Schema document.
func RequestSchema() []byte {
	raw, _ := schemaFS.ReadFile(schemaFiles["spell_request.schema.json"])
	return raw
}

// ResultSchema returns the raw result JSON Schema document.
func ResultSchema() []byte {
	raw, _ := schemaFS.ReadFile(schemaFiles["spell_result.schema.json"])
	return raw
}
