package handlers

import "github.com/zorak1103/ha-patterns/internal/mcp"

// RegisterPatternTools registers the pattern detection tools and resources
// with the registry.
func RegisterPatternTools(registry *mcp.Registry, opts Options) *PatternHandlers {
	h := NewPatternHandlers(opts)
	h.RegisterTools(registry)
	return h
}

// RegisterAllTools registers all available tool handlers with the registry.
func RegisterAllTools(registry *mcp.Registry, opts Options) {
	RegisterPatternTools(registry, opts)
}
