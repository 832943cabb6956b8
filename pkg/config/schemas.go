package config

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	if err := sr.registerBuiltInSchemas(); err != nil {
		// the built-in source is a constant; failing to compile it is a programming error
		panic(err)
	}

	return sr
}

// builtinDefinitions maps schema names to the definitions in builtinPipelineSchema.
var builtinDefinitions = map[string]string{
	"pipeline": "#Pipeline",
	"config":   "#Config",
	"retry":    "#Retry",
	"step":     "#Step",
	"rollback": "#Rollback",
}

// registerBuiltInSchemas registers the pipeline definitions.
func (sr *SchemaRegistry) registerBuiltInSchemas() error {
	val := sr.ctx.CompileString(builtinPipelineSchema, cue.Filename("pipeline.cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile built-in schema: %w", err)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	for name, def := range builtinDefinitions {
		v := val.LookupPath(cue.ParsePath(def))
		if !v.Exists() {
			return fmt.Errorf("built-in schema is missing %s", def)
		}
		sr.schemas[name] = v
	}
	return nil
}

// RegisterSchema compiles a CUE schema and registers it under name. The whole
// value of the source is the schema.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Context returns the CUE context schemas are compiled in. Values unified
// with a schema must come from the same context.
func (sr *SchemaRegistry) Context() *cue.Context {
	return sr.ctx
}

// Unify unifies val with the named schema and checks the result is concrete.
func (sr *SchemaRegistry) Unify(schemaName string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", schemaName)
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return unified, err
	}
	return unified, nil
}

// ValidateAgainstSchema validates Go data (maps, slices, scalars) against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(schemaName string, data interface{}) error {
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	if _, err := sr.Unify(schemaName, dataVal); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ListSchemas returns all registered schema names in sorted order.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// builtinPipelineSchema describes a pipeline file.
const builtinPipelineSchema = `
#Provider:    "aws" | "azure" | "gcp" | "custom"
#Environment: "development" | "staging" | "production"

// Go duration strings such as "90s" or "1m30s"
#Duration: string & =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

#Config: {
	provider:        #Provider
	environment:     #Environment
	region:          string & !=""
	clusterName:     string & !=""
	namespace:       string & =~"^[a-z0-9]([-a-z0-9]*[a-z0-9])?$"
	resourcePrefix?: string
	tags?: {[string]: string}
}

#Retry: {
	maxAttempts?:   int & >=1
	initialDelay?:  #Duration
	backoffFactor?: number & >1
	maxDelay?:      #Duration
}

#Rollback: {
	command?: string
	manual?:  string
}

#Step: {
	id:           string & =~"^[A-Za-z0-9][A-Za-z0-9_.-]*$"
	title:        string & !=""
	description?: string
	command?:     string
	action?:      "command" | "connect"
	dependsOn?: [...string]
	provider?: #Provider
	timeout?:  #Duration
	rollback?: #Rollback
}

#Pipeline: {
	config:   #Config
	retry?:   #Retry
	timeout?: #Duration
	steps: [#Step, ...#Step]
}
`
