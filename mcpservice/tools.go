package mcpservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/relaywire/mcpserve/mcp"
)

// ToolHandler is the function signature used to handle a tool invocation.
// A returned error (or a panic) is folded by the dispatcher into a
// successful result carrying isError; it never becomes a protocol error.
type ToolHandler func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error)

// StaticTool pairs a tool descriptor with its handler.
type StaticTool struct {
	Descriptor mcp.Tool
	Handler    ToolHandler
}

// ToolsContainer owns a mutable, threadsafe, insertion-ordered set of tools.
type ToolsContainer struct {
	mu       sync.RWMutex
	tools    *orderedmap.OrderedMap[string, StaticTool]
	notifier Notifier[struct{}]
}

// NewToolsContainer constructs a container holding the given tools.
func NewToolsContainer(tools ...StaticTool) *ToolsContainer {
	c := &ToolsContainer{tools: orderedmap.New[string, StaticTool]()}
	for _, t := range tools {
		c.tools.Set(t.Descriptor.Name, t)
	}
	return c
}

// Register adds or replaces a tool and signals a list change.
func (c *ToolsContainer) Register(t StaticTool) {
	c.mu.Lock()
	c.tools.Set(t.Descriptor.Name, t)
	c.mu.Unlock()
	c.notifier.Notify(struct{}{})
}

// Remove deletes a tool by name. Removing an absent tool is a no-op.
func (c *ToolsContainer) Remove(name string) {
	c.mu.Lock()
	_, present := c.tools.Delete(name)
	c.mu.Unlock()
	if present {
		c.notifier.Notify(struct{}{})
	}
}

// ListTools returns descriptors in insertion order.
func (c *ToolsContainer) ListTools() []mcp.Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]mcp.Tool, 0, c.tools.Len())
	for pair := c.tools.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value.Descriptor)
	}
	return out
}

// GetTool looks up a tool by name.
func (c *ToolsContainer) GetTool(name string) (StaticTool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tools.Get(name)
	return t, ok
}

// ListChanged exposes the notifier tripped on every registry mutation.
func (c *ToolsContainer) ListChanged() *Notifier[struct{}] { return &c.notifier }

// ToolOption configures NewTool behavior.
type ToolOption func(*toolConfig)

type toolConfig struct {
	description               string
	allowAdditionalProperties bool // default false (strict)
}

// WithToolDescription sets the tool description used in listings.
func WithToolDescription(desc string) ToolOption {
	return func(c *toolConfig) { c.description = desc }
}

// WithAllowAdditionalProperties loosens argument decoding to ignore unknown
// fields.
func WithAllowAdditionalProperties() ToolOption {
	return func(c *toolConfig) { c.allowAdditionalProperties = true }
}

// NewTool constructs a StaticTool with a typed argument struct A. The input
// schema is reflected from A; argument decoding failures become isError
// results per the tool error convention.
func NewTool[A any](name string, fn func(ctx context.Context, args A) (*mcp.CallToolResult, error), opts ...ToolOption) StaticTool {
	cfg := toolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	desc := mcp.Tool{
		Name:        name,
		Description: cfg.description,
		InputSchema: reflectToInputSchema[A](cfg.allowAdditionalProperties),
	}

	handler := func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var a A
		if len(req.Arguments) > 0 {
			if cfg.allowAdditionalProperties {
				if err := json.Unmarshal(req.Arguments, &a); err != nil {
					return Errorf("invalid arguments: %v", err), nil
				}
			} else {
				dec := json.NewDecoder(bytes.NewReader(req.Arguments))
				dec.DisallowUnknownFields()
				if err := dec.Decode(&a); err != nil {
					return Errorf("invalid arguments: %v", err), nil
				}
			}
		}
		return fn(ctx, a)
	}

	return StaticTool{Descriptor: desc, Handler: handler}
}

// TextResult builds a successful single-text-block tool result.
func TextResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: text}}}
}

// Errorf builds a tool result that reports a failure to the caller as
// content with isError set.
func Errorf(format string, args ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: fmt.Sprintf(format, args...)}},
		IsError: true,
	}
}

// reflectToInputSchema reflects a Go type A into a jsonschema.Schema and
// converts it to the simplified wire schema. Non-object types map to an
// empty object schema.
func reflectToInputSchema[A any](allowAdditional bool) mcp.ToolInputSchema {
	r := &jsonschema.Reflector{
		DoNotReference:            true, // inline defs
		ExpandedStruct:            true, // put struct at root
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
			props[el.Key] = toWireProperty(el.Value)
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

// toWireProperty recursively maps a jsonschema.Schema node to the simplified
// wire SchemaProperty.
func toWireProperty(s *jsonschema.Schema) mcp.SchemaProperty {
	if s == nil {
		return mcp.SchemaProperty{}
	}
	p := mcp.SchemaProperty{
		Type:        s.Type,
		Description: s.Description,
	}
	if s.Items != nil {
		item := toWireProperty(s.Items)
		p.Items = &item
	}
	if s.Properties != nil {
		p.Properties = make(map[string]mcp.SchemaProperty)
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			p.Properties[el.Key] = toWireProperty(el.Value)
		}
	}
	if len(s.Enum) > 0 {
		p.Enum = append(p.Enum, s.Enum...)
	}
	return p
}
