package tools

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/loom"
	"goa.design/loom/runtime/agent/message"
	"goa.design/loom/runtime/agent/model"
	"goa.design/loom/runtime/agent/state"
)

type (
	// Registry holds an agent's callable tools. Schemas compile once at
	// registration so execution validates arguments without recompiling.
	Registry struct {
		mu    sync.RWMutex
		tools map[string]*compiled
		order []string
	}

	compiled struct {
		tool   Tool
		schema *jsonschema.Schema
	}
)

// NewRegistry builds a registry from the given tools.
func NewRegistry(ts ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]*compiled)}
	for _, t := range ts {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a tool. Names must be unique; schemas must compile.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return loom.ValidationError("tool name is required")
	}
	if t.Execute == nil {
		return loom.ValidationError("tool %q requires a handler", t.Name)
	}
	schema, err := compileSchema(t.Name, t.Schema)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[t.Name]; ok {
		return loom.ValidationError("tool %q is already registered", t.Name)
	}
	r.tools[t.Name] = &compiled{tool: t, schema: schema}
	r.order = append(r.order, t.Name)
	return nil
}

// Get looks a tool up by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.tools[name]
	if !ok {
		return Tool{}, false
	}
	return c.tool, true
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := append([]string(nil), r.order...)
	sort.Strings(names)
	return names
}

// Len reports how many tools are registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Specs renders tool specifications for a model request, in registration
// order. With names given, only those tools are included; unknown names are
// skipped.
func (r *Registry) Specs(allowed ...string) []model.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var filter map[string]bool
	if len(allowed) > 0 {
		filter = make(map[string]bool, len(allowed))
		for _, name := range allowed {
			filter[name] = true
		}
	}
	specs := make([]model.ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		if filter != nil && !filter[name] {
			continue
		}
		c := r.tools[name]
		specs = append(specs, model.ToolSpec{
			Name:        c.tool.Name,
			Description: c.tool.Description,
			Schema:      c.tool.Schema,
		})
	}
	return specs
}

// Execute runs one tool call. Every failure mode becomes an is_error result
// the model can observe: unknown tool, malformed arguments, schema violation,
// and handler errors all stay inside the conversation instead of failing the
// turn.
func (r *Registry) Execute(ctx context.Context, tc *Context, call message.ToolCall) (message.ToolResult, *state.Delta) {
	r.mu.RLock()
	c, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		err := loom.InvalidToolNameError(call.Name)
		return message.ErrorResult(call.ID, call.Name, err.Error()), nil
	}
	if err := call.ParseArguments(); err != nil {
		return message.ErrorResult(call.ID, call.Name, err.Error()), nil
	}
	if c.schema != nil {
		if err := c.schema.Validate(normalizeArgs(call.Arguments)); err != nil {
			text := loom.ValidationError("tool %q arguments rejected: %s", call.Name, err).Error()
			return message.ErrorResult(call.ID, call.Name, text), nil
		}
	}
	res, err := c.tool.Execute(ctx, tc, call.Arguments)
	if err != nil {
		return message.ErrorResult(call.ID, call.Name, loom.ToolFailedError(call.Name, err).Error()), nil
	}
	result := message.ToolResult{ToolCallID: call.ID, Name: call.Name}
	var delta *state.Delta
	if res != nil {
		result.Content = res.Content
		result.ProcessedContent = res.ProcessedContent
		delta = res.Delta
	}
	if len(result.Content) == 0 {
		result.Content = []message.Part{message.TextPart("ok")}
	}
	return result, delta
}

// compileSchema compiles a tool's argument schema. Nil schemas compile to nil
// and skip validation.
func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	if schema == nil {
		return nil, nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, loom.ValidationError("tool %q schema: %s", name, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, loom.ValidationError("tool %q schema: %s", name, err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", doc); err != nil {
		return nil, loom.ValidationError("tool %q schema: %s", name, err)
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, loom.ValidationError("tool %q schema: %s", name, err)
	}
	return compiled, nil
}

// normalizeArgs round-trips arguments through JSON so validation sees plain
// JSON types regardless of how the arguments map was built.
func normalizeArgs(args map[string]any) any {
	if args == nil {
		return map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return args
	}
	return doc
}
