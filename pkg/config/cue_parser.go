package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

// CUEParser parses pipeline files written in CUE.
type CUEParser struct {
	schemaRegistry *SchemaRegistry
	ctx            *cue.Context
}

// NewCUEParser creates a new CUE parser.
func NewCUEParser(registry *SchemaRegistry) *CUEParser {
	if registry == nil {
		registry = NewSchemaRegistry()
	}
	return &CUEParser{
		schemaRegistry: registry,
		ctx:            registry.Context(),
	}
}

// ParseFile parses a CUE pipeline file. Schema violations are reported in
// ParsedPipeline.Errors; the returned error is for I/O failures only.
func (cp *CUEParser) ParseFile(path string) (*ParsedPipeline, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return cp.parse(content, path), nil
}

// ParseInline parses inline CUE content.
func (cp *CUEParser) ParseInline(content string) *ParsedPipeline {
	return cp.parse([]byte(content), "inline")
}

func (cp *CUEParser) parse(content []byte, filename string) *ParsedPipeline {
	parsed := &ParsedPipeline{
		SourceFiles: []string{filename},
		ParsedAt:    time.Now(),
	}

	val := cp.ctx.CompileBytes(content, cue.Filename(filename))
	if err := val.Err(); err != nil {
		parsed.Errors = cp.convertCUEErrors(err, filename)
		return parsed
	}

	unified, err := cp.schemaRegistry.Unify("pipeline", val)
	if err != nil {
		parsed.Errors = cp.convertCUEErrors(err, filename)
		return parsed
	}

	// yaml.v3 understands duration strings, which CUE's own decoder does not
	data, err := unified.MarshalJSON()
	if err != nil {
		parsed.Errors = cp.convertCUEErrors(err, filename)
		return parsed
	}
	if err := yaml.Unmarshal(data, &parsed.Pipeline); err != nil {
		parsed.Errors = append(parsed.Errors, ValidationError{
			File:     filename,
			Message:  fmt.Sprintf("failed to decode pipeline: %v", err),
			Severity: "error",
		})
	}
	return parsed
}

// convertCUEErrors converts CUE errors to ValidationError slice. Positions in
// filename are preferred over positions inside the schema.
func (cp *CUEParser) convertCUEErrors(err error, filename string) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		var file string
		var line, column int

		positions := errors.Positions(e)
		for i, pos := range positions {
			if i == 0 || pos.Filename() == filename {
				file = pos.Filename()
				line = pos.Line()
				column = pos.Column()
			}
			if pos.Filename() == filename {
				break
			}
		}

		path := e.Path()
		if len(path) > 0 && strings.HasPrefix(path[0], "#") {
			path = path[1:]
		}

		validationErrors = append(validationErrors, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Path:     strings.Join(path, "."),
			Message:  errors.Details(e, nil),
			Severity: "error",
		})
	}

	return validationErrors
}
