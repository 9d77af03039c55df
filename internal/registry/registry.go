// Package registry implements the Tool Registry: an immutable, in-process
// catalog mapping tool names to (description, input schema, handler)
// records, built once during Lifecycle startup. The registry never accepts
// dynamic registration from clients -- the set of tools is fixed at process
// start -- so after initialization reads from the dispatcher only ever take
// a shared read lock that no writer contends for.
package registry

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Handler is the asynchronous function a tool registers. It receives the
// per-request context (carrying the correlation id and the call deadline)
// and the validated arguments object, and returns a JSON-serializable
// result or a typed error. Handlers are expected to honor ctx cancellation;
// the dispatcher does not forcibly kill handler goroutines.
type Handler func(ctx context.Context, arguments map[string]any) (any, error)

// ToolSchema is the discovery record returned by List, with Handler
// excluded so it can be marshaled directly as a GET /tools entry.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type record struct {
	schema  ToolSchema
	handler Handler
	schemaDoc *jsonschema.Schema
}

var namePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Registry is the immutable tool catalog. It is built once via Register
// calls during startup and is safe for concurrent read-only use thereafter.
// Register and Freeze take the write lock; List, Get and Validate take the
// read lock, which is uncontended once the build phase is over.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*record
	names   []string
	frozen  bool
}

// New constructs an empty registry ready for Register calls.
func New() *Registry {
	return &Registry{records: make(map[string]*record)}
}

// Register adds a tool record. It rejects duplicate names, names that do
// not match ^[a-z][a-z0-9_]*$, and any call after Freeze. schema must be a
// JSON-Schema (draft-7) fragment whose top-level "type" is "object" and
// which declares a "properties" object (possibly empty).
func (r *Registry) Register(name, description string, schema map[string]any, handler Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("register %q: registry is frozen", name)
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("register %q: name must match ^[a-z][a-z0-9_]*$", name)
	}
	if _, exists := r.records[name]; exists {
		return fmt.Errorf("register %q: duplicate tool name", name)
	}
	if description == "" {
		return fmt.Errorf("register %q: description must not be empty", name)
	}
	if handler == nil {
		return fmt.Errorf("register %q: handler must not be nil", name)
	}

	compiled, err := compileSchema(name, schema)
	if err != nil {
		return err
	}

	r.records[name] = &record{
		schema:    ToolSchema{Name: name, Description: description, InputSchema: schema},
		handler:   handler,
		schemaDoc: compiled,
	}
	r.names = append(r.names, name)
	sort.Strings(r.names)
	return nil
}

// Freeze marks the registry read-only. Called once, at the end of Lifecycle
// startup, after every known tool has been registered.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// List returns every tool's discovery record, sorted by name. The ordering
// is stable across calls because the registry is immutable post-init.
func (r *Registry) List() []ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ToolSchema, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, r.records[name].schema)
	}
	return out
}

// Get returns a tool's handler. ok is false when name is not registered.
func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[name]
	if !ok {
		return nil, false
	}
	return rec.handler, true
}

// Validate checks arguments against the stored JSON-Schema for name. It
// rejects unknown top-level keys when the schema declares
// additionalProperties: false, enforces required/type/enum/minimum/maximum/
// pattern, and cites the failing field as a JSON-pointer path on error.
func (r *Registry) Validate(name string, arguments map[string]any) error {
	r.mu.RLock()
	rec, ok := r.records[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("tool not registered: %s", name)
	}
	if rec.schemaDoc == nil {
		return nil
	}
	if err := rec.schemaDoc.Validate(toAnyMap(arguments)); err != nil {
		return fmt.Errorf("%w", err)
	}
	return nil
}

// toAnyMap widens map[string]any to any for jsonschema.Validate, which
// expects the same shape json.Unmarshal would have produced.
func toAnyMap(m map[string]any) any {
	return map[string]any(m)
}

func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	if schema == nil {
		return nil, fmt.Errorf("register %q: input_schema must not be nil", name)
	}
	if t, _ := schema["type"].(string); t != "object" {
		return nil, fmt.Errorf("register %q: input_schema.type must be \"object\"", name)
	}
	if _, ok := schema["properties"]; !ok {
		return nil, fmt.Errorf("register %q: input_schema.properties must be present", name)
	}

	resourceName := name + ".schema.json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(resourceName, schema); err != nil {
		return nil, fmt.Errorf("register %q: add schema resource: %w", name, err)
	}
	compiled, err := compiler.Compile(resourceName)
	if err != nil {
		return nil, fmt.Errorf("register %q: compile schema: %w", name, err)
	}
	return compiled, nil
}
