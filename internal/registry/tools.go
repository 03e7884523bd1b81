package registry

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/invopop/jsonschema"

	"github.com/systempromptio/systemprompt-mcp-server/internal/mcp"
)

// ToolHandler executes one tool call. Arguments have already been validated
// against the declared schema when it runs.
type ToolHandler func(ctx context.Context, hc *HandlerContext, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error)

// RegisteredTool pairs a tool descriptor with its handler and dispatch
// policy.
type RegisteredTool struct {
	Descriptor mcp.Tool
	// RequiresAuth gates dispatch on the session holding upstream
	// credentials.
	RequiresAuth bool
	Handler      ToolHandler
}

// ToolRequest carries the decoded typed arguments into a NewTool handler.
type ToolRequest[A any] struct {
	name string
	raw  json.RawMessage
	args A
}

func (r *ToolRequest[A]) Name() string                  { return r.name }
func (r *ToolRequest[A]) RawArguments() json.RawMessage { return r.raw }
func (r *ToolRequest[A]) Args() A                       { return r.args }

// ToolOption configures NewTool.
type ToolOption func(*toolConfig)

type toolConfig struct {
	description string
	openWorld   bool
	public      bool
}

// WithToolDescription sets the listing description.
func WithToolDescription(desc string) ToolOption {
	return func(c *toolConfig) { c.description = desc }
}

// WithToolAllowAdditionalProperties relaxes the schema to accept unknown
// argument fields.
func WithToolAllowAdditionalProperties() ToolOption {
	return func(c *toolConfig) { c.openWorld = true }
}

// WithToolPublic marks a tool callable without upstream credentials.
func WithToolPublic() ToolOption {
	return func(c *toolConfig) { c.public = true }
}

// NewTool builds a RegisteredTool whose input schema is reflected from the
// typed argument struct A. The handler receives arguments already decoded
// into A; schema validation happens upstream in the engine, so decoding here
// can only fail on shapes the schema admits but Go does not, which is
// reported as an in-band tool error.
func NewTool[A any](name string, fn func(ctx context.Context, hc *HandlerContext, r *ToolRequest[A]) (*mcp.CallToolResult, error), opts ...ToolOption) RegisteredTool {
	cfg := toolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	desc := mcp.Tool{
		Name:        name,
		Description: cfg.description,
		InputSchema: reflectInputSchema[A](cfg.openWorld),
	}
	handler := func(ctx context.Context, hc *HandlerContext, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
		var a A
		if len(req.Arguments) > 0 {
			if err := json.Unmarshal(req.Arguments, &a); err != nil {
				return ErrorResult("invalid arguments: %v", err), nil
			}
		}
		r := &ToolRequest[A]{name: req.Name, raw: req.Arguments, args: a}
		return fn(ctx, hc, r)
	}
	return RegisteredTool{
		Descriptor:   desc,
		RequiresAuth: !cfg.public,
		Handler:      handler,
	}
}

// ReflectSchema reflects a JSON schema for T in the simplified tool-schema
// shape. Sampling callbacks use it to declare their reply schemas.
func ReflectSchema[T any]() mcp.ToolInputSchema {
	return reflectInputSchema[T](false)
}

func reflectInputSchema[A any](openWorld bool) mcp.ToolInputSchema {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: openWorld,
	}
	s := r.Reflect(new(A))
	if s == nil || s.Type != "object" {
		return mcp.ToolInputSchema{
			Type:                 "object",
			Properties:           map[string]mcp.SchemaProperty{},
			AdditionalProperties: openWorld,
		}
	}
	props := make(map[string]mcp.SchemaProperty)
	if s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			props[el.Key] = toSchemaProperty(el.Value)
		}
	}
	var required []string
	if len(s.Required) > 0 {
		required = append(required, s.Required...)
	}
	return mcp.ToolInputSchema{
		Type:                 "object",
		Properties:           props,
		Required:             required,
		AdditionalProperties: openWorld,
	}
}

func toSchemaProperty(s *jsonschema.Schema) mcp.SchemaProperty {
	if s == nil {
		return mcp.SchemaProperty{}
	}
	p := mcp.SchemaProperty{
		Type:        s.Type,
		Description: s.Description,
	}
	if len(s.Enum) > 0 {
		p.Enum = s.Enum
	}
	if s.Type == "array" && s.Items != nil {
		item := toSchemaProperty(s.Items)
		p.Items = &item
	}
	if s.Type == "object" && s.Properties != nil {
		m := make(map[string]mcp.SchemaProperty, s.Properties.Len())
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			m[el.Key] = toSchemaProperty(el.Value)
		}
		p.Properties = m
	}
	return p
}

// StaticTools is a threadsafe tool catalog. Listing order is always sorted
// by name so manifests are stable across calls.
type StaticTools struct {
	mu    sync.RWMutex
	tools map[string]RegisteredTool

	notifier ChangeNotifier
}

// NewStaticTools builds a catalog from the given tools. Duplicate names:
// last write wins.
func NewStaticTools(defs ...RegisteredTool) *StaticTools {
	st := &StaticTools{tools: make(map[string]RegisteredTool, len(defs))}
	for _, d := range defs {
		st.tools[d.Descriptor.Name] = d
	}
	return st
}

// Add registers a tool after construction and signals list_changed. Returns
// false when the name is taken.
func (st *StaticTools) Add(def RegisteredTool) bool {
	st.mu.Lock()
	if _, exists := st.tools[def.Descriptor.Name]; exists {
		st.mu.Unlock()
		return false
	}
	st.tools[def.Descriptor.Name] = def
	st.mu.Unlock()
	st.notifier.Notify()
	return true
}

// Remove drops a tool by name and signals list_changed.
func (st *StaticTools) Remove(name string) bool {
	st.mu.Lock()
	_, exists := st.tools[name]
	delete(st.tools, name)
	st.mu.Unlock()
	if exists {
		st.notifier.Notify()
	}
	return exists
}

func (st *StaticTools) ListTools(ctx context.Context) []mcp.Tool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]mcp.Tool, 0, len(st.tools))
	for _, d := range st.tools {
		out = append(out, d.Descriptor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (st *StaticTools) GetTool(name string) (*RegisteredTool, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	d, ok := st.tools[name]
	if !ok {
		return nil, false
	}
	return &d, true
}

// Subscriber implements ChangeSubscriber.
func (st *StaticTools) Subscriber() <-chan struct{} {
	return st.notifier.Subscriber()
}

// Close releases the change notifier.
func (st *StaticTools) Close() {
	st.notifier.Close()
}

// StaticCallbacks is a fixed callback catalog.
type StaticCallbacks struct {
	callbacks map[string]*SamplingCallback
}

// NewStaticCallbacks builds a catalog from the given callbacks.
func NewStaticCallbacks(cbs ...*SamplingCallback) *StaticCallbacks {
	m := make(map[string]*SamplingCallback, len(cbs))
	for _, cb := range cbs {
		m[cb.Name] = cb
	}
	return &StaticCallbacks{callbacks: m}
}

func (sc *StaticCallbacks) GetCallback(name string) (*SamplingCallback, bool) {
	cb, ok := sc.callbacks[name]
	return cb, ok
}
