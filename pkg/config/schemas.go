package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry holds CUE definitions that inventory entries are checked
// against.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry with the built-in inventory schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	if err := sr.RegisterSchema("subnet", "#Subnet", builtinInventorySchema); err != nil {
		panic(err)
	}
	if err := sr.RegisterSchema("range", "#Range", builtinInventorySchema); err != nil {
		panic(err)
	}

	return sr
}

// RegisterSchema compiles source and registers the definition at path
// (e.g. "#Subnet") under name.
func (sr *SchemaRegistry) RegisterSchema(name, path, source string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source, cue.Filename(name+".cue"))
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

// ValidateAgainstSchema encodes data and unifies it with the named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(_ context.Context, schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	return nil
}

// ListSchemas returns all registered schema names.
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

// ValidateSubnet validates a subnet against the subnet schema.
func (sr *SchemaRegistry) ValidateSubnet(ctx context.Context, subnet SubnetConfig) error {
	return sr.ValidateAgainstSchema(ctx, "subnet", subnet)
}

// ValidateRange validates a range against the range schema.
func (sr *SchemaRegistry) ValidateRange(ctx context.Context, r RangeConfig) error {
	return sr.ValidateAgainstSchema(ctx, "range", r)
}

const builtinInventorySchema = `
#ID: string & =~"^[a-z0-9]([a-z0-9-]*[a-z0-9])?$"

#Range: {
	id:    #ID
	start: string
	end:   string
}

#Subnet: {
	id:       #ID
	name?:    string
	cidr:     string & =~"/[0-9]+$"
	gateway?: string
	tenants?: [...string]
	ranges: [#Range, ...#Range]
}
`
