package mcp

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/zorak1103/ha-patterns/internal/logging"
)

// ToolHandler handles a tool call.
type ToolHandler func(ctx context.Context, args map[string]any) (*ToolsCallResult, error)

// ResourceHandler handles a resource read.
type ResourceHandler func(ctx context.Context, uri string) (*ResourcesReadResult, error)

type toolEntry struct {
	tool    Tool
	handler ToolHandler
}

type resourceEntry struct {
	resource Resource
	handler  ResourceHandler
}

// Registry manages MCP tools and resources.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]toolEntry
	resources map[string]resourceEntry
	// prefixes serve URI families such as patterns://runs/<id>.
	prefixes map[string]ResourceHandler
}

// NewRegistry creates a new tool and resource registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:     make(map[string]toolEntry),
		resources: make(map[string]resourceEntry),
		prefixes:  make(map[string]ResourceHandler),
	}
}

// RegisterTool registers a tool with its handler. A tool with the same name
// is replaced.
func (r *Registry) RegisterTool(tool Tool, handler ToolHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name] = toolEntry{tool: tool, handler: handler}
}

// RegisterResource registers a resource with its handler.
func (r *Registry) RegisterResource(resource Resource, handler ResourceHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resources[resource.URI] = resourceEntry{resource: resource, handler: handler}
}

// RegisterResourcePrefix registers a handler for every URI starting with
// prefix that has no exact registration. Prefix resources are not listed.
func (r *Registry) RegisterResourcePrefix(prefix string, handler ResourceHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prefixes[prefix] = handler
}

// ListTools returns all registered tools ordered by name.
func (r *Registry) ListTools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]Tool, 0, len(r.tools))
	for _, entry := range r.tools {
		tools = append(tools, entry.tool)
	}
	slices.SortFunc(tools, func(a, b Tool) int { return strings.Compare(a.Name, b.Name) })
	return tools
}

// ListResources returns all registered resources ordered by URI.
func (r *Registry) ListResources() []Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()

	resources := make([]Resource, 0, len(r.resources))
	for _, entry := range r.resources {
		resources = append(resources, entry.resource)
	}
	slices.SortFunc(resources, func(a, b Resource) int { return strings.Compare(a.URI, b.URI) })
	return resources
}

// GetHandler returns the handler for a tool by name.
func (r *Registry) GetHandler(name string) (ToolHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.tools[name]
	if !exists {
		return nil, false
	}
	return entry.handler, true
}

// GetResourceHandler returns the handler for a resource URI. Exact
// registrations win over prefixes; among prefixes the longest match wins.
func (r *Registry) GetResourceHandler(uri string) (ResourceHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if entry, exists := r.resources[uri]; exists {
		return entry.handler, true
	}

	var (
		best    string
		handler ResourceHandler
	)
	for prefix, h := range r.prefixes {
		if strings.HasPrefix(uri, prefix) && len(uri) > len(prefix) && len(prefix) > len(best) {
			best, handler = prefix, h
		}
	}
	return handler, handler != nil
}

// GetTool returns a tool by name.
func (r *Registry) GetTool(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.tools[name]
	if !exists {
		return Tool{}, false
	}
	return entry.tool, true
}

// GetResource returns a resource by URI.
func (r *Registry) GetResource(uri string) (Resource, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.resources[uri]
	if !exists {
		return Resource{}, false
	}
	return entry.resource, true
}

// ToolCount returns the number of registered tools.
func (r *Registry) ToolCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// ResourceCount returns the number of listed resources.
func (r *Registry) ResourceCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.resources)
}

// maxDescriptionLen is the maximum length for tool descriptions in log output.
const maxDescriptionLen = 80

// LogRegisteredTools logs all registered tools and resources at Debug level.
func (r *Registry) LogRegisteredTools(logger *logging.Logger) {
	if logger == nil || !logger.IsDebugEnabled() {
		return
	}

	logger.Debug("Registered MCP tools:")
	for _, tool := range r.ListTools() {
		logger.Debug("  - "+tool.Name, "description", truncateDescription(tool.Description, maxDescriptionLen))
	}

	resources := r.ListResources()
	if len(resources) == 0 {
		return
	}
	logger.Debug("Registered MCP resources:")
	for _, res := range resources {
		logger.Debug("  - "+res.URI, "name", res.Name)
	}
}

func truncateDescription(desc string, maxLen int) string {
	if len(desc) <= maxLen {
		return desc
	}
	return desc[:maxLen-3] + "..."
}
