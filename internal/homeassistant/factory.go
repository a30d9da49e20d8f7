package homeassistant

import (
	"context"
	"errors"
	"fmt"
)

// ClientOptions configures client creation.
type ClientOptions struct {
	// WSConfig provides WebSocket-specific configuration.
	WSConfig *WSClientConfig
}

// DefaultClientOptions returns the default client options.
func DefaultClientOptions() ClientOptions {
	defaultWSConfig := DefaultWSClientConfig()
	return ClientOptions{
		WSConfig: &defaultWSConfig,
	}
}

// NewClientWithOptions creates and connects a Home Assistant WebSocket client with custom options.
// The connection is established before returning; use CloseClient() for cleanup.
func NewClientWithOptions(ctx context.Context, baseURL, token string, opts ClientOptions) (Client, error) {
	var ws *WSClient
	if opts.WSConfig != nil {
		ws = NewWSClientWithConfig(baseURL, token, *opts.WSConfig)
	} else {
		ws = NewWSClient(baseURL, token)
	}

	if err := ws.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connecting to Home Assistant WebSocket API: %w", err)
	}
	return &wsClientImplCloser{wsClientImpl: &wsClientImpl{ws: ws}, conn: ws}, nil
}

// NewDefaultWSClient creates a connected WebSocket client using default configuration.
func NewDefaultWSClient(ctx context.Context, baseURL, token string) (Client, error) {
	return NewClientWithOptions(ctx, baseURL, token, DefaultClientOptions())
}

// ClientCloser provides a way to close clients that support it.
type ClientCloser interface {
	Close() error
}

// CloseClient attempts to close a client if it supports the ClientCloser interface.
// Returns nil if the client doesn't support closing.
func CloseClient(c Client) error {
	if closer, ok := c.(ClientCloser); ok {
		return closer.Close()
	}
	return nil
}

// HealthReporter is implemented by clients that track connection health.
type HealthReporter interface {
	IsHealthy() bool
}

// ErrUnhealthy is returned by CheckHealth when the connection is down or
// stopped answering pings.
var ErrUnhealthy = errors.New("home assistant connection unhealthy")

// CheckHealth reports whether c is usable. Clients that do not track
// health are assumed healthy.
func CheckHealth(_ context.Context, c Client) error {
	if hr, ok := c.(HealthReporter); ok && !hr.IsHealthy() {
		return ErrUnhealthy
	}
	return nil
}

// wsClientImplCloser extends wsClientImpl with connection cleanup.
type wsClientImplCloser struct {
	*wsClientImpl
	conn *WSClient
}

// Close closes the underlying WebSocket connection.
func (c *wsClientImplCloser) Close() error {
	return c.conn.Close()
}

// IsHealthy reports the health of the underlying connection.
func (c *wsClientImplCloser) IsHealthy() bool {
	return c.conn.IsHealthy()
}

var (
	_ Client         = (*wsClientImplCloser)(nil)
	_ ClientCloser   = (*wsClientImplCloser)(nil)
	_ HealthReporter = (*wsClientImplCloser)(nil)
)
