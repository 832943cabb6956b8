package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/openfroyo/shipyard/pkg/engine"
	"gopkg.in/yaml.v3"
)

// DefaultPipelineFiles are tried in order when no pipeline file is given.
var DefaultPipelineFiles = []string{"shipyard.yaml", "shipyard.yml", "shipyard.cue"}

// Loader reads pipeline files in YAML or CUE. Both formats are checked
// against the built-in CUE pipeline schema.
type Loader struct {
	registry  *SchemaRegistry
	cue       *CUEParser
	validator *Validator
}

// NewLoader creates a pipeline loader.
func NewLoader() *Loader {
	registry := NewSchemaRegistry()
	return &Loader{
		registry:  registry,
		cue:       NewCUEParser(registry),
		validator: NewValidator(),
	}
}

// FindPipeline returns the first default pipeline file present in dir.
func FindPipeline(dir string) (string, error) {
	for _, name := range DefaultPipelineFiles {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no pipeline file found in %s (looked for %s)", dir, strings.Join(DefaultPipelineFiles, ", "))
}

// Load parses, schema-checks and validates the pipeline at path.
func (l *Loader) Load(path string) (*Pipeline, error) {
	var parsed *ParsedPipeline
	var err error

	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		parsed, err = l.cue.ParseFile(path)
	case ".yaml", ".yml", ".json":
		parsed, err = l.parseYAMLFile(path)
	default:
		return nil, fmt.Errorf("unsupported pipeline file extension %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, err
	}
	if err := parsed.Err(); err != nil {
		return nil, err
	}

	if err := l.Validate(&parsed.Pipeline); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &parsed.Pipeline, nil
}

// Validate checks struct tags, the step graph and the retry strategy.
func (l *Loader) Validate(p *Pipeline) error {
	if err := l.validator.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid pipeline: %s failed %q validation", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("invalid pipeline: %w", err)
	}
	if err := engine.ValidateDependencies(p.DeploymentSteps(nil)); err != nil {
		return fmt.Errorf("invalid pipeline: %w", err)
	}
	if err := p.Strategy().Validate(); err != nil {
		return fmt.Errorf("invalid pipeline retry: %w", err)
	}
	return nil
}

// ParseYAML parses YAML (or JSON) pipeline content.
func (l *Loader) ParseYAML(r io.Reader, filename string) (*ParsedPipeline, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", filename, err)
	}

	parsed := &ParsedPipeline{
		SourceFiles: []string{filename},
		ParsedAt:    time.Now(),
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal(content, &raw); err != nil {
		parsed.Errors = append(parsed.Errors, yamlError(filename, err))
		return parsed, nil
	}
	if err := l.registry.ValidateAgainstSchema("pipeline", raw); err != nil {
		for _, ve := range l.cue.convertCUEErrors(err, filename) {
			ve.File = filename
			ve.Line, ve.Column = 0, 0
			parsed.Errors = append(parsed.Errors, ve)
		}
		return parsed, nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(&parsed.Pipeline); err != nil && !errors.Is(err, io.EOF) {
		parsed.Errors = append(parsed.Errors, yamlError(filename, err))
	}
	return parsed, nil
}

func (l *Loader) parseYAMLFile(path string) (*ParsedPipeline, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	return l.ParseYAML(f, path)
}

func yamlError(filename string, err error) ValidationError {
	return ValidationError{
		File:     filename,
		Message:  err.Error(),
		Severity: "error",
	}
}
