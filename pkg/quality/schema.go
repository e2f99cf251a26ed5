package quality

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/synqualis/synq/pkg/config"
)

// Schema is a compiled response schema.
type Schema struct {
	source   string
	compiled *jsonschema.Schema
}

// LoadSchema reads and compiles the schema at path. Schemas without a
// $schema keyword are treated as Draft 2020-12.
func LoadSchema(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &config.ConfigurationError{Source: path, Message: "cannot read schema", Err: err}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return compileSchema("file://"+filepath.ToSlash(abs), path, data)
}

// CompileSchema compiles an in-memory schema document.
func CompileSchema(name string, data []byte) (*Schema, error) {
	return compileSchema(fmt.Sprintf("https://synq.schemas.local/%s.schema.json", name), name, data)
}

func compileSchema(url, source string, data []byte) (*Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(url, bytes.NewReader(data)); err != nil {
		return nil, &config.ConfigurationError{Source: source, Message: "schema load failed", Err: err}
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, &config.ConfigurationError{Source: source, Message: "schema compile failed", Err: err}
	}
	return &Schema{source: source, compiled: compiled}, nil
}

// Check validates doc, a value decoded by encoding/json. A non-conforming
// document yields *SchemaError with every leaf violation.
func (s *Schema) Check(doc any) error {
	err := s.compiled.Validate(doc)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return fmt.Errorf("validate against %s: %w", s.source, err)
	}
	return &SchemaError{Errors: leafErrors(ve, nil)}
}

func leafErrors(ve *jsonschema.ValidationError, out []FieldError) []FieldError {
	if len(ve.Causes) == 0 {
		return append(out, FieldError{
			InstanceLocation: ve.InstanceLocation,
			KeywordLocation:  ve.KeywordLocation,
			Message:          ve.Message,
		})
	}
	for _, c := range ve.Causes {
		out = leafErrors(c, out)
	}
	return out
}
