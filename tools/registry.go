package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/xeipuuv/gojsonschema"

	"github.com/airtablemcp/server-go/mcp"
)

// Handler executes one tool invocation. Arguments arrive already validated
// against the tool's declared schema.
type Handler func(ctx context.Context, args json.RawMessage) (*mcp.CallToolResult, error)

// Tool pairs a wire descriptor with its handler.
type Tool struct {
	Descriptor mcp.Tool
	Handler    Handler
}

// Option configures New.
type Option func(*toolConfig)

type toolConfig struct {
	description     string
	allowAdditional bool
}

// WithDescription sets the tool description shown in listings.
func WithDescription(desc string) Option {
	return func(c *toolConfig) { c.description = desc }
}

// WithAllowAdditionalProperties permits argument fields beyond the declared
// schema. The default rejects them.
func WithAllowAdditionalProperties(allow bool) Option {
	return func(c *toolConfig) { c.allowAdditional = allow }
}

// New builds a Tool from a typed argument struct A. The input schema is
// reflected from A's json and jsonschema struct tags; at invocation the raw
// arguments decode into A (unknown fields rejected unless allowed) before fn
// runs.
func New[A any](name string, fn func(ctx context.Context, args A) (*mcp.CallToolResult, error), opts ...Option) Tool {
	cfg := toolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	desc := mcp.Tool{
		Name:        name,
		Description: cfg.description,
		InputSchema: reflectInputSchema[A](cfg.allowAdditional),
	}
	handler := func(ctx context.Context, args json.RawMessage) (*mcp.CallToolResult, error) {
		var a A
		if len(args) > 0 {
			if cfg.allowAdditional {
				if err := json.Unmarshal(args, &a); err != nil {
					return Errorf("invalid arguments for %s: %v", name, err), nil
				}
			} else {
				dec := json.NewDecoder(bytes.NewReader(args))
				dec.DisallowUnknownFields()
				if err := dec.Decode(&a); err != nil {
					return Errorf("invalid arguments for %s: %v", name, err), nil
				}
			}
		}
		return fn(ctx, a)
	}
	return Tool{Descriptor: desc, Handler: handler}
}

// Registry is the immutable tool table. All fields are written once during
// NewRegistry and only read afterward, so lookups take no lock.
type Registry struct {
	tools    []mcp.Tool
	handlers map[string]Handler
	schemas  map[string]*gojsonschema.Schema
	timeout  time.Duration
	pageSize int
	log      *slog.Logger
}

// RegistryOption configures NewRegistry.
type RegistryOption func(*Registry)

// WithInvokeTimeout bounds each handler invocation. Expiry surfaces as a
// tool-level failure. Zero disables the bound. Default 30s.
func WithInvokeTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) { r.timeout = d }
}

// WithPageSize sets the tools/list page size. Default 50.
func WithPageSize(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.pageSize = n
		}
	}
}

// WithLogger sets the registry's logger. Default slog.Default().
func WithLogger(log *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if log != nil {
			r.log = log
		}
	}
}

// NewRegistry builds the registry from defs. Duplicate names and
// uncompilable schemas are construction errors; nothing mutates the table
// afterward.
func NewRegistry(defs []Tool, opts ...RegistryOption) (*Registry, error) {
	r := &Registry{
		handlers: make(map[string]Handler, len(defs)),
		schemas:  make(map[string]*gojsonschema.Schema, len(defs)),
		timeout:  30 * time.Second,
		pageSize: 50,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	for _, d := range defs {
		name := d.Descriptor.Name
		if name == "" {
			return nil, errors.New("tools: tool with empty name")
		}
		if d.Handler == nil {
			return nil, fmt.Errorf("tools: tool %s has no handler", name)
		}
		if _, dup := r.handlers[name]; dup {
			return nil, fmt.Errorf("tools: duplicate tool name %s", name)
		}
		schemaJSON, err := json.Marshal(d.Descriptor.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("tools: marshal schema for %s: %w", name, err)
		}
		compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
		if err != nil {
			return nil, fmt.Errorf("tools: compile schema for %s: %w", name, err)
		}
		r.tools = append(r.tools, d.Descriptor)
		r.handlers[name] = d.Handler
		r.schemas[name] = compiled
	}
	return r, nil
}

// List returns every descriptor in registration order.
func (r *Registry) List() []mcp.Tool {
	out := make([]mcp.Tool, len(r.tools))
	copy(out, r.tools)
	return out
}

// ListPage returns one page of descriptors starting at the cursor, plus the
// cursor for the next page ("" when exhausted). An unparseable cursor
// restarts from the beginning.
func (r *Registry) ListPage(cursor string) ([]mcp.Tool, string) {
	start := 0
	if cursor != "" {
		if n, err := strconv.Atoi(cursor); err == nil && n >= 0 && n <= len(r.tools) {
			start = n
		}
	}
	end := start + r.pageSize
	if end > len(r.tools) {
		end = len(r.tools)
	}
	items := make([]mcp.Tool, end-start)
	copy(items, r.tools[start:end])
	if end < len(r.tools) {
		return items, strconv.Itoa(end)
	}
	return items, ""
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	return len(r.tools)
}

// Invoke validates args against the named tool's schema and runs its
// handler. Every failure mode comes back as an IsError result: unknown
// names, schema violations, handler errors, deadline expiry, and recovered
// panics. The handler never runs when validation fails.
func (r *Registry) Invoke(ctx context.Context, name string, args json.RawMessage) *mcp.CallToolResult {
	h, ok := r.handlers[name]
	if !ok {
		return Errorf("unknown tool: %s", name)
	}

	doc := args
	if len(doc) == 0 {
		doc = json.RawMessage(`{}`)
	}
	verdict, err := r.schemas[name].Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return Errorf("invalid arguments for %s: %v", name, err)
	}
	if !verdict.Valid() {
		var msg bytes.Buffer
		for i, desc := range verdict.Errors() {
			if i > 0 {
				msg.WriteString("; ")
			}
			msg.WriteString(desc.String())
		}
		return Errorf("invalid arguments for %s: %s", name, msg.String())
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	res, err := r.run(ctx, name, h, args)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Errorf("tool %s failed: timed out", name)
		}
		if errors.Is(err, context.Canceled) {
			return Errorf("tool %s failed: cancelled", name)
		}
		return Errorf("tool %s failed: %v", name, err)
	}
	if res == nil {
		res = &mcp.CallToolResult{Content: []mcp.ContentBlock{}}
	}
	return res
}

// run executes the handler with panic containment.
func (r *Registry) run(ctx context.Context, name string, h Handler, args json.RawMessage) (res *mcp.CallToolResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("tool.call.panic", slog.String("tool", name), slog.Any("panic", rec))
			res, err = nil, fmt.Errorf("panic: %v", rec)
		}
	}()
	return h(ctx, args)
}

// TextResult builds a success result with one text block.
func TextResult(s string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{mcp.TextContent(s)}}
}

// JSONResult marshals v and wraps it as a text block, the shape calling
// agents expect structured data in.
func JSONResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return TextResult(string(b)), nil
}

// Errorf builds a tool-level failure result with a single text block.
func Errorf(format string, a ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.ContentBlock{mcp.TextContent(fmt.Sprintf(format, a...))},
		IsError: true,
	}
}

// reflectInputSchema reflects a Go struct type into the flat wire schema.
func reflectInputSchema[A any](allowAdditional bool) mcp.ToolInputSchema {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: allowAdditional,
	}
	s := r.Reflect(new(A))
	if s == nil || s.Type != "object" {
		return mcp.ToolInputSchema{
			Type:                 "object",
			Properties:           map[string]mcp.SchemaProperty{},
			AdditionalProperties: allowAdditional,
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
		AdditionalProperties: allowAdditional,
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
	if s.Minimum != "" {
		if f, err := strconv.ParseFloat(string(s.Minimum), 64); err == nil {
			p.Minimum = &f
		}
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
		if len(s.Required) > 0 {
			p.Required = append([]string(nil), s.Required...)
		}
	}
	return p
}
