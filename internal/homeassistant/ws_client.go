package homeassistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/zorak1103/ha-patterns/internal/logging"
)

// maxWSMessageSize is the maximum WebSocket message size (64MB).
// A history query over weeks of data for many entities easily exceeds the
// 16MB a get_states call needs.
const maxWSMessageSize = 64 * 1024 * 1024

// ErrNotConnected is returned by SendCommand when no connection is open.
var ErrNotConnected = errors.New("not connected")

// WSClientConfig holds configuration options for WSClient.
type WSClientConfig struct {
	// ReconnectConfig configures automatic reconnection behavior.
	ReconnectConfig ReconnectConfig
	// OnReconnect is called after a successful reconnection.
	OnReconnect OnReconnectFunc
	// OnDisconnect is called when a disconnect is detected.
	OnDisconnect OnDisconnectFunc
	// AutoReconnect enables automatic reconnection on disconnect.
	AutoReconnect bool
	// PingInterval is the interval between health check pings (0 = disabled).
	PingInterval time.Duration
	// PingTimeout is the timeout for ping responses.
	PingTimeout time.Duration
	// WriteTimeout bounds writing a single command.
	WriteTimeout time.Duration
	// Logger receives connection lifecycle messages. Nil uses logging.Default().
	Logger *logging.Logger
}

// DefaultWSClientConfig returns the default WSClient configuration.
func DefaultWSClientConfig() WSClientConfig {
	return WSClientConfig{
		ReconnectConfig: DefaultReconnectConfig(),
		AutoReconnect:   true,
		PingInterval:    30 * time.Second,
		PingTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
	}
}

// WSClient manages a WebSocket connection to Home Assistant.
type WSClient struct {
	baseURL   string
	token     string
	logger    *logging.Logger
	connMu    sync.RWMutex
	conn      *websocket.Conn
	msgID     atomic.Int64
	pendingMu sync.Mutex
	pending   map[int64]chan *WSResultMessage
	ctx       context.Context
	cancel    context.CancelFunc
	connected atomic.Bool

	config       WSClientConfig
	reconnectMgr *ReconnectManager
	reconnecting atomic.Bool

	pingCancel context.CancelFunc
	lastPong   atomic.Value // time.Time
}

// NewWSClient creates a new WebSocket client for Home Assistant.
func NewWSClient(baseURL, token string) *WSClient {
	return NewWSClientWithConfig(baseURL, token, DefaultWSClientConfig())
}

// NewWSClientWithConfig creates a new WebSocket client with custom configuration.
func NewWSClientWithConfig(baseURL, token string, config WSClientConfig) *WSClient {
	logger := config.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &WSClient{
		baseURL:      baseURL,
		token:        token,
		logger:       logger,
		pending:      make(map[int64]chan *WSResultMessage),
		config:       config,
		reconnectMgr: NewReconnectManager(config.ReconnectConfig),
	}
}

// Connect establishes and authenticates a WebSocket connection to Home
// Assistant and starts the read loop.
func (c *WSClient) Connect(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))

	if err := c.dial(ctx); err != nil {
		c.cancel()
		return err
	}
	c.reconnectMgr.Reset()
	c.logger.Debug("Connected to Home Assistant", "url", c.baseURL)

	go c.readLoop()

	if c.config.PingInterval > 0 {
		c.startHealthMonitor()
	}
	return nil
}

// dial opens and authenticates a new connection. dialCtx bounds the
// handshake only; the connection itself lives until Close.
func (c *WSClient) dial(dialCtx context.Context) error {
	wsURL, err := c.buildWSURL()
	if err != nil {
		return fmt.Errorf("building WebSocket URL: %w", err)
	}

	conn, resp, err := websocket.Dial(dialCtx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dialing WebSocket: %w", err)
	}
	conn.SetReadLimit(maxWSMessageSize)

	if err := authenticate(dialCtx, conn, c.token); err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "auth failed")
		return fmt.Errorf("authentication: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.connected.Store(true)
	return nil
}

func (c *WSClient) currentConn() *websocket.Conn {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn
}

// buildWSURL converts the base URL to a WebSocket URL.
func (c *WSClient) buildWSURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}

	u.Path = "/api/websocket"
	u.RawQuery = ""
	return u.String(), nil
}

// authenticate performs the Home Assistant WebSocket authentication flow.
func authenticate(ctx context.Context, conn *websocket.Conn, token string) error {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading auth_required: %w", err)
	}
	env, err := parseEnvelope(data)
	if err != nil {
		return fmt.Errorf("parsing auth_required type: %w", err)
	}
	if env.Type != msgAuthRequired {
		return fmt.Errorf("expected auth_required, got %s", env.Type)
	}

	authData, err := json.Marshal(WSAuthMessage{Type: msgAuth, AccessToken: token})
	if err != nil {
		return fmt.Errorf("marshaling auth message: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, authData); err != nil {
		return fmt.Errorf("sending auth message: %w", err)
	}

	_, data, err = conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading auth response: %w", err)
	}
	env, err = parseEnvelope(data)
	if err != nil {
		return fmt.Errorf("parsing auth response type: %w", err)
	}

	switch env.Type {
	case msgAuthOK:
		return nil
	case msgAuthInvalid:
		var invalid WSAuthInvalid
		if err := json.Unmarshal(data, &invalid); err != nil || invalid.Message == "" {
			return errors.New("authentication failed: invalid credentials")
		}
		return fmt.Errorf("authentication failed: %s", invalid.Message)
	default:
		return fmt.Errorf("unexpected auth response type: %s", env.Type)
	}
}

// startHealthMonitor starts the periodic ping goroutine.
func (c *WSClient) startHealthMonitor() {
	ctx, cancel := context.WithCancel(c.ctx)
	c.pingCancel = cancel
	c.lastPong.Store(time.Now())

	go c.healthLoop(ctx)
}

// healthLoop periodically pings the server and forces a reconnect when
// pongs stop arriving.
func (c *WSClient) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn := c.currentConn()
			if !c.connected.Load() || conn == nil {
				continue
			}

			pingCtx, cancel := context.WithTimeout(ctx, c.config.PingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err == nil {
				c.lastPong.Store(time.Now())
				continue
			}
			if ctx.Err() != nil {
				return
			}

			c.logger.Warn("Home Assistant ping failed", "error", err)
			// Closing the connection makes readLoop observe the failure and
			// run the reconnect path.
			_ = conn.Close(websocket.StatusGoingAway, "ping failed")
			return
		}
	}
}

// readLoop continuously reads messages from the WebSocket connection.
func (c *WSClient) readLoop() {
	defer func() {
		c.connected.Store(false)
		c.closePendingChannels()
	}()

	for {
		conn := c.currentConn()
		if conn == nil {
			return
		}
		_, data, err := conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}

			c.connected.Store(false)
			c.closePendingChannels()
			c.logger.Warn("Home Assistant connection lost", "error", err)
			if c.config.OnDisconnect != nil {
				c.config.OnDisconnect(err)
			}

			if !c.config.AutoReconnect {
				return
			}
			if err := c.reconnect(); err != nil {
				c.logger.Error("Reconnecting to Home Assistant failed", "error", err)
				return
			}
			continue
		}

		env, err := parseEnvelope(data)
		if err != nil {
			c.logger.Trace("Skipping malformed message", "error", err)
			continue
		}
		if env.Type == msgResult {
			c.handleResultMessage(env.ID, data)
		}
	}
}

// reconnect re-establishes the connection with exponential backoff.
// Pending requests fail during reconnection; callers retry on connection errors.
func (c *WSClient) reconnect() error {
	if !c.reconnecting.CompareAndSwap(false, true) {
		return nil
	}
	defer c.reconnecting.Store(false)

	if old := c.currentConn(); old != nil {
		_ = old.Close(websocket.StatusGoingAway, "reconnecting")
	}
	if c.pingCancel != nil {
		c.pingCancel()
	}

	for c.reconnectMgr.ShouldReconnect() {
		if err := c.reconnectMgr.WaitForReconnect(c.ctx); err != nil {
			return err
		}

		dialCtx, cancel := context.WithTimeout(c.ctx, c.config.WriteTimeout+c.config.PingTimeout)
		err := c.dial(dialCtx)
		cancel()
		if err != nil {
			c.logger.Debug("Reconnect attempt failed", "attempt", c.reconnectMgr.Attempts(), "error", err)
			continue
		}

		attempts := c.reconnectMgr.Attempts()
		c.reconnectMgr.Reset()
		c.logger.Info("Reconnected to Home Assistant", "attempts", attempts)

		if c.config.PingInterval > 0 {
			c.startHealthMonitor()
		}
		if c.config.OnReconnect != nil {
			c.config.OnReconnect(attempts)
		}
		return nil
	}

	return ErrMaxReconnectAttempts
}

// handleResultMessage routes a result message to the waiting caller.
func (c *WSClient) handleResultMessage(id int64, data []byte) {
	var result WSResultMessage
	if err := json.Unmarshal(data, &result); err != nil {
		return
	}

	c.pendingMu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	if ok {
		ch <- &result
	}
}

// closePendingChannels fails every request waiting for a response.
func (c *WSClient) closePendingChannels() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// SendCommand sends a command to Home Assistant and waits for a response.
func (c *WSClient) SendCommand(ctx context.Context, msgType string, payload map[string]any) (*WSResultMessage, error) {
	conn := c.currentConn()
	if !c.connected.Load() || conn == nil {
		return nil, ErrNotConnected
	}

	id := c.msgID.Add(1)
	responseChan := make(chan *WSResultMessage, 1)

	c.pendingMu.Lock()
	c.pending[id] = responseChan
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	data, err := json.Marshal(&WSCommandWithPayload{ID: id, Type: msgType, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("marshaling command: %w", err)
	}

	writeCtx := ctx
	if c.config.WriteTimeout > 0 {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(ctx, c.config.WriteTimeout)
		defer cancel()
	}
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return nil, fmt.Errorf("sending command: %w", err)
	}
	c.logger.Trace("Sent command", "id", id, "type", msgType)

	select {
	case result, ok := <-responseChan:
		if !ok {
			return nil, errors.New("connection closed while waiting for response")
		}
		if !result.Success {
			if result.Error != nil {
				return nil, fmt.Errorf("command failed: %s - %s", result.Error.Code, result.Error.Message)
			}
			return nil, errors.New("command failed")
		}
		return result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes the WebSocket connection and stops reconnection attempts.
func (c *WSClient) Close() error {
	if c.pingCancel != nil {
		c.pingCancel()
	}
	c.reconnectMgr.Stop()
	if c.cancel != nil {
		c.cancel()
	}
	c.connected.Store(false)

	if conn := c.currentConn(); conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client closing")
	}
	return nil
}

// IsConnected returns true if the client is currently connected.
func (c *WSClient) IsConnected() bool {
	return c.connected.Load()
}

// IsHealthy returns true if the connection is up and a pong arrived within
// PingInterval + PingTimeout.
func (c *WSClient) IsHealthy() bool {
	if !c.connected.Load() {
		return false
	}
	if c.config.PingInterval == 0 {
		return true
	}
	lastPong, ok := c.lastPong.Load().(time.Time)
	if !ok {
		return true
	}
	return time.Since(lastPong) <= c.config.PingInterval+c.config.PingTimeout
}
