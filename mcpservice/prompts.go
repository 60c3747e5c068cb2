package mcpservice

import (
	"context"
	"fmt"
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/relaywire/mcpserve/mcp"
)

// PromptHandler renders a prompt into its ordered message list. Errors are
// surfaced to the client as invalid-params protocol errors; unlike tools,
// prompt failures are never folded into a successful result.
type PromptHandler func(ctx context.Context, args map[string]string) (*mcp.GetPromptResult, error)

// StaticPrompt pairs a prompt descriptor with its handler.
type StaticPrompt struct {
	Descriptor mcp.Prompt
	Handler    PromptHandler
}

// Render validates the supplied arguments against the descriptor's required
// list and delegates to the handler.
func (p StaticPrompt) Render(ctx context.Context, args map[string]string) (*mcp.GetPromptResult, error) {
	for _, arg := range p.Descriptor.Arguments {
		if !arg.Required {
			continue
		}
		if _, ok := args[arg.Name]; !ok {
			return nil, fmt.Errorf("missing required argument %q", arg.Name)
		}
	}
	return p.Handler(ctx, args)
}

// PromptsContainer owns a mutable, threadsafe, insertion-ordered set of
// prompts.
type PromptsContainer struct {
	mu       sync.RWMutex
	prompts  *orderedmap.OrderedMap[string, StaticPrompt]
	notifier Notifier[struct{}]
}

// NewPromptsContainer constructs a container holding the given prompts.
func NewPromptsContainer(prompts ...StaticPrompt) *PromptsContainer {
	c := &PromptsContainer{prompts: orderedmap.New[string, StaticPrompt]()}
	for _, p := range prompts {
		c.prompts.Set(p.Descriptor.Name, p)
	}
	return c
}

// Register adds or replaces a prompt and signals a list change.
func (c *PromptsContainer) Register(p StaticPrompt) {
	c.mu.Lock()
	c.prompts.Set(p.Descriptor.Name, p)
	c.mu.Unlock()
	c.notifier.Notify(struct{}{})
}

// Remove deletes a prompt by name. Removing an absent prompt is a no-op.
func (c *PromptsContainer) Remove(name string) {
	c.mu.Lock()
	_, present := c.prompts.Delete(name)
	c.mu.Unlock()
	if present {
		c.notifier.Notify(struct{}{})
	}
}

// ListPrompts returns descriptors in insertion order.
func (c *PromptsContainer) ListPrompts() []mcp.Prompt {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]mcp.Prompt, 0, c.prompts.Len())
	for pair := c.prompts.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value.Descriptor)
	}
	return out
}

// GetPrompt looks up a prompt by name.
func (c *PromptsContainer) GetPrompt(name string) (StaticPrompt, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.prompts.Get(name)
	return p, ok
}

// ListChanged exposes the notifier tripped on every registry mutation.
func (c *PromptsContainer) ListChanged() *Notifier[struct{}] { return &c.notifier }
