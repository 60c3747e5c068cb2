package mcpservice

import "github.com/relaywire/mcpserve/mcp"

// Server bundles the capability registries and identity a dispatcher serves.
// It owns no transport state; the same Server can back a stdio binding and a
// streaming HTTP binding.
type Server struct {
	info         mcp.ImplementationInfo
	capabilities mcp.ServerCapabilities
	instructions string

	tools     *ToolsContainer
	resources *ResourcesContainer
	prompts   *PromptsContainer
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerInfo sets the identity reported from initialize.
func WithServerInfo(name, version string) ServerOption {
	return func(s *Server) { s.info = mcp.ImplementationInfo{Name: name, Version: version} }
}

// WithInstructions sets optional usage instructions returned at initialize.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) { s.instructions = instructions }
}

// WithCapabilities merges a host-supplied capability set over the defaults.
// Only non-nil groups override.
func WithCapabilities(caps mcp.ServerCapabilities) ServerOption {
	return func(s *Server) {
		if caps.Logging != nil {
			s.capabilities.Logging = caps.Logging
		}
		if caps.Prompts != nil {
			s.capabilities.Prompts = caps.Prompts
		}
		if caps.Resources != nil {
			s.capabilities.Resources = caps.Resources
		}
		if caps.Tools != nil {
			s.capabilities.Tools = caps.Tools
		}
	}
}

// WithTools registers tools on the server's container.
func WithTools(tools ...StaticTool) ServerOption {
	return func(s *Server) {
		for _, t := range tools {
			s.tools.Register(t)
		}
	}
}

// WithToolsContainer replaces the server's tools container.
func WithToolsContainer(c *ToolsContainer) ServerOption {
	return func(s *Server) {
		if c != nil {
			s.tools = c
		}
	}
}

// WithResourcesContainer replaces the server's resources container.
func WithResourcesContainer(c *ResourcesContainer) ServerOption {
	return func(s *Server) {
		if c != nil {
			s.resources = c
		}
	}
}

// WithPrompts registers prompts on the server's container.
func WithPrompts(prompts ...StaticPrompt) ServerOption {
	return func(s *Server) {
		for _, p := range prompts {
			s.prompts.Register(p)
		}
	}
}

// WithPromptsContainer replaces the server's prompts container.
func WithPromptsContainer(c *PromptsContainer) ServerOption {
	return func(s *Server) {
		if c != nil {
			s.prompts = c
		}
	}
}

// NewServer constructs a Server with empty registries, the default
// capability set and the supplied options applied in order.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		info:         mcp.ImplementationInfo{Name: "mcpserve", Version: "0.0.0"},
		capabilities: mcp.DefaultServerCapabilities(),
		tools:        NewToolsContainer(),
		resources:    NewResourcesContainer(),
		prompts:      NewPromptsContainer(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Info returns the server identity.
func (s *Server) Info() mcp.ImplementationInfo { return s.info }

// Capabilities returns the advertised capability set.
func (s *Server) Capabilities() mcp.ServerCapabilities { return s.capabilities }

// Instructions returns optional usage instructions.
func (s *Server) Instructions() string { return s.instructions }

// Tools returns the tool registry.
func (s *Server) Tools() *ToolsContainer { return s.tools }

// Resources returns the resource registry.
func (s *Server) Resources() *ResourcesContainer { return s.resources }

// Prompts returns the prompt registry.
func (s *Server) Prompts() *PromptsContainer { return s.prompts }
