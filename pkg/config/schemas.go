package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for validation. Schemas are definitions
// (e.g. #Environment) unified with user values, which both validates and fills
// defaults.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas. Values
// checked against the registry must come from the same context.
func NewSchemaRegistry(ctx *cue.Context) *SchemaRegistry {
	if ctx == nil {
		ctx = cuecontext.New()
	}
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}

	sr.registerBuiltInSchemas()

	return sr
}

// registerBuiltInSchemas registers all built-in schemas.
func (sr *SchemaRegistry) registerBuiltInSchemas() {
	for name, def := range map[string]string{
		"workspace":   "#Workspace",
		"environment": "#Environment",
		"network":     "#Network",
	} {
		if err := sr.RegisterSchema(name, builtinSchemas, def); err != nil {
			panic(fmt.Sprintf("builtin schema %s: %v", name, err))
		}
	}
}

// RegisterSchema compiles src and registers the definition at path under name.
func (sr *SchemaRegistry) RegisterSchema(name, src, path string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(src, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	def := val.LookupPath(cue.ParsePath(path))
	if !def.Exists() {
		return fmt.Errorf("schema %s: definition %s not found", name, path)
	}

	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Apply unifies a value with a named schema and returns the result.
func (sr *SchemaRegistry) Apply(schemaName string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", schemaName)
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, err
	}
	return unified, nil
}

// ValidateAgainstSchema validates Go data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	if _, err := sr.Apply(schemaName, dataVal); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ListSchemas returns all registered schema names, sorted.
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

// ValidateWorkspace validates a workspace configuration against the workspace schema.
func (sr *SchemaRegistry) ValidateWorkspace(ctx context.Context, workspace WorkspaceConfig) error {
	return sr.ValidateAgainstSchema(ctx, "workspace", workspace)
}

// ValidateNetwork validates a network configuration against the network schema.
func (sr *SchemaRegistry) ValidateNetwork(ctx context.Context, network NetworkConfig) error {
	return sr.ValidateAgainstSchema(ctx, "network", network)
}

const builtinSchemas = `
#Identifier: string & =~"^[a-z]([-a-z0-9]*[a-z0-9])?$"

#Workspace: {
	name:         string & =~"^[a-zA-Z0-9_-]+$"
	version?:     string
	min_version?: string

	state?: {
		path: *".runway/state.db" | string
	}

	policy?: {
		enabled:       bool
		paths?:        [...string]
		mode?:         "advisory" | "enforcing"
		on_violation?: "warn" | "fail"
	}

	engine?: {
		max_parallel?:     int & >=1 & <=64
		defer_transforms?: bool
	}
}

#Network: {
	name:                    #Identifier
	auto_create_subnetworks: *false | bool
}

#Environment: {
	name?:   string
	project: string & !=""
	region:  string & !=""
	zone?:   string

	registry: {
		location:      *region | string
		repository_id: #Identifier
		format:        "DOCKER"
	}

	image: {
		name:     #Identifier
		tag:      string & !=""
		context:  *"." | string
		platform: *"linux/amd64" | string
	}

	service: {
		name:     #Identifier
		location: *region | string
		port?:    int & >0 & <=65535
	}

	access: {
		role:    *"roles/run.invoker" | string
		members: *["allUsers"] | [...string]
	}

	domain: {
		name:         string & =~"^[a-z0-9.-]+[^.]$"
		location:     *service.location | string
		managed_zone: string & !=""
		record_types: *["A", "AAAA"] | [...("A" | "AAAA" | "CNAME")]
		ttl:          *300 | int & >0
	}

	networks?: [...#Network]
	labels?: {[string]: string}
}
`
