package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/zorak1103/ha-patterns/internal/logging"
)

const (
	// ServerName is the name reported in MCP initialize response.
	ServerName = "ha-patterns"
	// ProtocolVersion is the MCP protocol version supported.
	ProtocolVersion = "2024-11-05"
	// maxRequestBody bounds a JSON-RPC request. Inline event batches make
	// requests larger than usual.
	maxRequestBody = 32 << 20
)

// ServerVersion is the version reported in MCP initialize response. It is
// overridden at build time.
var ServerVersion = "dev"

// HealthCheck reports whether a dependency of the server is usable.
type HealthCheck func(ctx context.Context) error

// Server represents the MCP server.
type Server struct {
	registry    *Registry
	httpServer  *http.Server
	port        int
	logger      *logging.Logger
	metrics     http.Handler
	health      map[string]HealthCheck
	mu          sync.RWMutex
	initialized bool
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) ServerOption {
	return func(s *Server) { s.metrics = h }
}

// WithHealthCheck adds a named check to /health.
func WithHealthCheck(name string, check HealthCheck) ServerOption {
	return func(s *Server) { s.health[name] = check }
}

// NewServer creates a new MCP server instance.
func NewServer(registry *Registry, port int, logger *logging.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = logging.New(logging.LevelInfo)
	}
	s := &Server{
		registry: registry,
		port:     port,
		logger:   logger,
		health:   make(map[string]HealthCheck),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP handler serving MCP, /health and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleMCP)
	mux.HandleFunc("/health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

// Start starts the MCP HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.mu.Lock()
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		// Detection over a long lookback can take a while.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.logger.Info("MCP server starting", "port", s.port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	srv := s.httpServer
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	s.logger.Info("MCP server shutting down...")
	return srv.Shutdown(ctx)
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// handleHealth runs the registered checks. Any failing check turns the
// response into a 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.logger.Debug("Health check request", "remote_addr", r.RemoteAddr)

	resp := healthResponse{Status: "ok"}
	code := http.StatusOK
	if len(s.health) > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		resp.Checks = make(map[string]string, len(s.health))
		for name, check := range s.health {
			if err := check(ctx); err != nil {
				resp.Checks[name] = err.Error()
				resp.Status = "degraded"
				code = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[name] = "ok"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

// handleMCP handles MCP JSON-RPC requests.
func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	if r.Method != http.MethodPost {
		s.logger.Warn("Invalid HTTP method", "method", r.Method, "remote_addr", r.RemoteAddr)
		s.writeError(w, nil, InvalidRequest, "method not allowed", nil)
		return
	}

	defer func() { _ = r.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		s.logger.Error("Failed to read request body", "remote_addr", r.RemoteAddr, "error", err)
		s.writeError(w, nil, ParseError, "failed to read request body", nil)
		return
	}
	if len(body) > maxRequestBody {
		s.logger.Warn("Request body too large", "remote_addr", r.RemoteAddr)
		s.writeError(w, nil, InvalidRequest, "request body too large", nil)
		return
	}

	s.logger.Trace("Request received", "remote_addr", r.RemoteAddr, "body", string(body))

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		s.logger.Error("Invalid JSON", "remote_addr", r.RemoteAddr, "error", err)
		s.writeError(w, nil, ParseError, "invalid JSON", err.Error())
		return
	}

	if req.JSONRPC != JSONRPCVersion {
		s.logger.Warn("Invalid JSON-RPC version", "remote_addr", r.RemoteAddr, "version", req.JSONRPC)
		s.writeError(w, req.ID, InvalidRequest, "invalid jsonrpc version", nil)
		return
	}

	s.logger.Debug("Request", "method", req.Method, "id", formatID(req.ID))

	resp := s.handleRequest(r.Context(), &req)
	s.logResponse(&req, resp, time.Since(startTime))
	s.writeResponse(w, resp)
}

func (s *Server) logResponse(req *Request, resp *Response, duration time.Duration) {
	if resp == nil {
		s.logger.Debug("Notification processed", "method", req.Method, "duration", duration)
		return
	}

	if resp.Error != nil {
		s.logger.Error("Request failed",
			"method", req.Method,
			"id", formatID(req.ID),
			"error_code", resp.Error.Code,
			"error_message", resp.Error.Message,
			"duration", duration)
		if resp.Error.Data != nil {
			s.logger.Trace("Error details", "data", resp.Error.Data)
		}
		return
	}

	s.logger.Info("Request completed", "method", req.Method, "id", formatID(req.ID), "duration", duration)
}

func formatID(id json.RawMessage) string {
	if id == nil {
		return "<notification>"
	}
	return string(id)
}

func (s *Server) handleRequest(ctx context.Context, req *Request) *Response {
	switch req.Method {
	case MethodInitialize:
		return s.handleInitialize(req)
	case MethodInitialized:
		return s.handleInitialized(req)
	case MethodPing:
		return NewSuccessResponse(req.ID, PingResult{})
	case MethodToolsList:
		return NewSuccessResponse(req.ID, ToolsListResult{Tools: s.registry.ListTools()})
	case MethodToolsCall:
		return s.handleToolsCall(ctx, req)
	case MethodResourcesList:
		return NewSuccessResponse(req.ID, ResourcesListResult{Resources: s.registry.ListResources()})
	case MethodResourcesRead:
		return s.handleResourcesRead(ctx, req)
	default:
		s.logger.Warn("Unknown method requested", "method", req.Method)
		return NewErrorResponse(req.ID, MethodNotFound, fmt.Sprintf("method not found: %s", req.Method), nil)
	}
}

func (s *Server) handleInitialize(req *Request) *Response {
	var params InitializeParams
	if req.Params != nil {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return NewErrorResponse(req.ID, InvalidParams, "invalid initialize params", err.Error())
		}
	}

	s.logger.Info("MCP client connected",
		"client_name", params.ClientInfo.Name,
		"client_version", params.ClientInfo.Version,
		"protocol_version", params.ProtocolVersion)

	return NewSuccessResponse(req.ID, InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities: ServerCapabilities{
			Tools:     &ToolsCapability{},
			Resources: &ResourcesCapability{},
		},
		ServerInfo: Implementation{
			Name:    ServerName,
			Version: ServerVersion,
		},
		Instructions: "Home Assistant pattern detection - finds recurring behavior (time of day, co-occurrence, " +
			"sequences, context, durations, day types, rooms, seasons, anomalies, frequencies) in entity history " +
			"and scores each pattern with a confidence between 0 and 1.",
	})
}

// handleInitialized handles the initialized notification. Notifications
// (no id) must not receive a response.
func (s *Server) handleInitialized(req *Request) *Response {
	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()

	s.logger.Info("MCP client initialization complete")

	if req.ID == nil {
		return nil
	}
	return NewSuccessResponse(req.ID, struct{}{})
}

func (s *Server) handleToolsCall(ctx context.Context, req *Request) *Response {
	var params ToolsCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return NewErrorResponse(req.ID, InvalidParams, "invalid tools/call params", err.Error())
	}

	s.logger.Info("Tool call", "tool", params.Name)
	if s.logger.IsDebugEnabled() {
		s.logger.Debug("Tool arguments", "summary", summarizeArguments(params.Arguments))
	}

	handler, exists := s.registry.GetHandler(params.Name)
	if !exists {
		s.logger.Warn("Tool not found", "tool", params.Name)
		return NewErrorResponse(req.ID, ToolNotFound, fmt.Sprintf("tool not found: %s", params.Name), nil)
	}

	result, err := handler(ctx, params.Arguments)
	if err != nil {
		s.logger.Error("Tool execution failed", "tool", params.Name, "error", err)
		return NewErrorResponse(req.ID, ToolExecutionErr, fmt.Sprintf("tool execution failed: %s", err.Error()), nil)
	}

	s.logger.Debug("Tool call successful", "tool", params.Name)
	return NewSuccessResponse(req.ID, result)
}

// summarizeArguments lists argument keys without values; inline events can
// be large.
func summarizeArguments(args map[string]any) string {
	if len(args) == 0 {
		return "(no arguments)"
	}

	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	if len(keys) <= 3 {
		return fmt.Sprintf("keys=%v", keys)
	}
	return fmt.Sprintf("keys=%v... (%d total)", keys[:3], len(keys))
}

func (s *Server) handleResourcesRead(ctx context.Context, req *Request) *Response {
	var params ResourcesReadParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return NewErrorResponse(req.ID, InvalidParams, "invalid resources/read params", err.Error())
	}

	s.logger.Info("Resource read", "uri", params.URI)

	handler, exists := s.registry.GetResourceHandler(params.URI)
	if !exists {
		s.logger.Warn("Resource not found", "uri", params.URI)
		return NewErrorResponse(req.ID, ResourceNotFound, fmt.Sprintf("resource not found: %s", params.URI), nil)
	}

	result, err := handler(ctx, params.URI)
	if err != nil {
		s.logger.Error("Resource read failed", "uri", params.URI, "error", err)
		return NewErrorResponse(req.ID, InternalError, fmt.Sprintf("resource read failed: %s", err.Error()), nil)
	}
	return NewSuccessResponse(req.ID, result)
}

func (s *Server) writeResponse(w http.ResponseWriter, resp *Response) {
	if resp == nil {
		return
	}
	w.Header().Set("Content-Type", "application/json")

	if s.logger.IsTraceEnabled() {
		if respJSON, err := json.MarshalIndent(resp, "", "  "); err == nil {
			s.logger.Trace("HTTP Response", "response", string(respJSON))
		}
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("Failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, id json.RawMessage, code ErrorCode, message string, data any) {
	s.writeResponse(w, NewErrorResponse(id, code, message, data))
}

// IsInitialized returns whether the server has been initialized by a client.
func (s *Server) IsInitialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialized
}
