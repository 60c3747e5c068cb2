package mcpservice

import (
	"encoding/base64"
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/relaywire/mcpserve/mcp"
)

type resourceEntry struct {
	descriptor mcp.Resource
	contents   []mcp.ResourceContents
}

// ResourcesContainer owns a mutable, threadsafe, insertion-ordered set of
// resources and their contents. Mutations trip the listChanged and updated
// notifiers so the dispatcher can fan out notifications.
type ResourcesContainer struct {
	mu        sync.RWMutex
	resources *orderedmap.OrderedMap[string, *resourceEntry]

	listChanged Notifier[struct{}]
	updated     Notifier[string] // carries the mutated URI
}

// NewResourcesContainer constructs an empty container.
func NewResourcesContainer() *ResourcesContainer {
	return &ResourcesContainer{resources: orderedmap.New[string, *resourceEntry]()}
}

// TextContents builds a text resource payload.
func TextContents(uri, mimeType, text string) mcp.ResourceContents {
	return mcp.ResourceContents{URI: uri, MimeType: mimeType, Text: text}
}

// BlobContents builds a binary resource payload; data is base64-encoded for
// the wire.
func BlobContents(uri, mimeType string, data []byte) mcp.ResourceContents {
	return mcp.ResourceContents{URI: uri, MimeType: mimeType, Blob: base64.StdEncoding.EncodeToString(data)}
}

// Put adds or replaces a resource with its contents. New resources signal a
// list change; replaced ones signal a content update.
func (c *ResourcesContainer) Put(res mcp.Resource, contents ...mcp.ResourceContents) {
	c.mu.Lock()
	_, existed := c.resources.Get(res.URI)
	c.resources.Set(res.URI, &resourceEntry{descriptor: res, contents: contents})
	c.mu.Unlock()

	if existed {
		c.updated.Notify(res.URI)
	} else {
		c.listChanged.Notify(struct{}{})
	}
}

// UpdateContents replaces the contents of an existing resource and signals
// an update. Unknown URIs are ignored.
func (c *ResourcesContainer) UpdateContents(uri string, contents ...mcp.ResourceContents) {
	c.mu.Lock()
	entry, ok := c.resources.Get(uri)
	if ok {
		entry.contents = contents
	}
	c.mu.Unlock()
	if ok {
		c.updated.Notify(uri)
	}
}

// Remove deletes a resource by URI. Removing an absent URI is a no-op.
func (c *ResourcesContainer) Remove(uri string) {
	c.mu.Lock()
	_, present := c.resources.Delete(uri)
	c.mu.Unlock()
	if present {
		c.listChanged.Notify(struct{}{})
	}
}

// ListResources returns descriptors in insertion order.
func (c *ResourcesContainer) ListResources() []mcp.Resource {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]mcp.Resource, 0, c.resources.Len())
	for pair := c.resources.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value.descriptor)
	}
	return out
}

// ReadResource returns a copy of the contents for a URI if present.
func (c *ResourcesContainer) ReadResource(uri string) ([]mcp.ResourceContents, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.resources.Get(uri)
	if !ok {
		return nil, false
	}
	out := make([]mcp.ResourceContents, len(entry.contents))
	copy(out, entry.contents)
	return out, true
}

// HasResource reports whether the URI is registered.
func (c *ResourcesContainer) HasResource(uri string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.resources.Get(uri)
	return ok
}

// ListChanged exposes the notifier tripped when the resource set changes.
func (c *ResourcesContainer) ListChanged() *Notifier[struct{}] { return &c.listChanged }

// Updated exposes the notifier tripped with the URI of each content update.
func (c *ResourcesContainer) Updated() *Notifier[string] { return &c.updated }
