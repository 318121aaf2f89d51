package connection

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Default timeouts and intervals for the streaming transport.
const (
	defaultHandshakeTimeout     = 10 * time.Second
	defaultKeepAliveInterval    = 30 * time.Second
	defaultReconnectBaseDelay   = 5 * time.Second
	defaultMaxReconnectAttempts = 10
	defaultWriteTimeout         = 10 * time.Second
	controlWriteTimeout         = 5 * time.Second
)

// WebSocketConfig configures a WebSocketConnection.
type WebSocketConfig struct {
	// URL is the gateway endpoint, ws:// or wss://.
	URL string

	// Header is sent with the opening handshake.
	Header http.Header

	// HandshakeTimeout bounds each connection attempt. Default: 10s.
	HandshakeTimeout time.Duration

	// KeepAliveInterval is the ping period. A connection that answers no
	// ping for two intervals is treated as dropped. Default: 30s.
	KeepAliveInterval time.Duration

	// ReconnectBaseDelay is multiplied by the attempt number to get the delay
	// before each reconnect attempt. Default: 5s.
	ReconnectBaseDelay time.Duration

	// MaxReconnectAttempts is the number of reconnect attempts after which
	// the connection settles in ERROR. Default: 10.
	MaxReconnectAttempts int

	// InsecureSkipVerify disables TLS certificate verification.
	InsecureSkipVerify bool

	Logger Logger
}

// WebSocketConnection is the persistent streaming transport.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Writes are serialized; one reader goroutine runs per open socket.
type WebSocketConnection struct {
	machine

	cfg    WebSocketConfig
	dialer *websocket.Dialer
	logger Logger

	connMu         sync.Mutex
	conn           *websocket.Conn
	closing        bool // set by Disconnect, cleared by Connect
	attempts       int
	reconnectTimer *time.Timer
	stopKeepAlive  chan struct{}

	// dialMu serializes Connect and automatic reconnects so at most one
	// handshake is in flight.
	dialMu sync.Mutex

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// NewWebSocketConnection validates cfg and applies defaults. It does not dial.
func NewWebSocketConnection(cfg WebSocketConfig) (*WebSocketConnection, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: websocket url is required", ErrInvalidConfig)
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = defaultKeepAliveInterval
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = defaultReconnectBaseDelay
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	dialer := &websocket.Dialer{
		Proxy: http.ProxyFromEnvironment,
	}
	if cfg.InsecureSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // Per-gateway opt-in for self-signed hardware certs
	}

	c := &WebSocketConnection{
		cfg:    cfg,
		dialer: dialer,
		logger: logger,
	}
	c.initMachine()
	return c, nil
}

// Connect dials the gateway. It is a no-op when already connected and cancels
// any pending automatic reconnect. A reconnect whose handshake is already in
// flight is waited for; Connect returns nil if it succeeds.
func (c *WebSocketConnection) Connect(ctx context.Context) error {
	c.connMu.Lock()
	if c.conn != nil {
		c.connMu.Unlock()
		return nil
	}
	c.closing = false
	c.stopReconnectTimerLocked()
	c.connMu.Unlock()

	c.dialMu.Lock()
	defer c.dialMu.Unlock()
	if c.live() {
		return nil
	}

	c.transition(StateConnecting, nil)

	conn, err := c.dial(ctx)
	if err != nil {
		c.transition(StateError, err)
		return err
	}
	c.open(conn)
	return nil
}

// Disconnect closes the socket, cancels reconnection and waits for the reader
// to exit or ctx to end.
func (c *WebSocketConnection) Disconnect(ctx context.Context) error {
	c.connMu.Lock()
	c.closing = true
	c.stopReconnectTimerLocked()
	conn := c.conn
	c.conn = nil
	c.stopKeepAliveLocked()
	c.connMu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		//nolint:errcheck // Best-effort close frame; the socket is closed below regardless
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "disconnect"),
			time.Now().Add(controlWriteTimeout))
		c.writeMu.Unlock()
		conn.Close() //nolint:errcheck // Closing an already-broken socket is fine
	}

	c.transition(StateDisconnected, nil)

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for reader to stop: %w", ctx.Err())
	}
}

// Send writes one text frame.
func (c *WebSocketConnection) Send(ctx context.Context, data []byte) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil || !c.IsConnected() {
		return ErrNotConnected
	}

	deadline := time.Now().Add(defaultWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	//nolint:errcheck // Deadline errors surface on the write below
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	c.recordSent(len(data))
	return nil
}

func (c *WebSocketConnection) dial(ctx context.Context) (*websocket.Conn, error) {
	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	conn, resp, err := c.dialer.DialContext(hctx, c.cfg.URL, c.cfg.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close() //nolint:errcheck // Handshake response body is unused
	}
	if err != nil {
		var netErr net.Error
		timedOut := errors.Is(hctx.Err(), context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout())
		if timedOut && ctx.Err() == nil {
			return nil, fmt.Errorf("%w after %v: %w", ErrHandshakeTimeout, c.cfg.HandshakeTimeout, err)
		}
		return nil, fmt.Errorf("dialing %s: %w", c.cfg.URL, err)
	}
	return conn, nil
}

// open installs a freshly dialed socket and starts its reader and keep-alive.
// A socket dialed while another is already live is closed.
func (c *WebSocketConnection) open(conn *websocket.Conn) {
	c.connMu.Lock()
	if c.closing {
		c.connMu.Unlock()
		conn.Close() //nolint:errcheck // Disconnect won the race
		return
	}
	if c.conn != nil {
		c.connMu.Unlock()
		conn.Close() //nolint:errcheck // Duplicate of the live socket
		c.logger.Debug("discarding duplicate gateway stream", "url", c.cfg.URL)
		return
	}
	c.conn = conn
	c.attempts = 0
	c.setReconnectAttempts(0)
	stop := make(chan struct{})
	c.stopKeepAlive = stop
	c.connMu.Unlock()

	readWindow := 2 * c.cfg.KeepAliveInterval
	//nolint:errcheck // Best-effort deadline
	conn.SetReadDeadline(time.Now().Add(readWindow))
	conn.SetPongHandler(func(string) error {
		c.touch()
		return conn.SetReadDeadline(time.Now().Add(readWindow))
	})

	c.transition(StateConnected, nil)
	c.logger.Info("gateway stream connected", "url", c.cfg.URL)

	c.wg.Add(2)
	go c.readLoop(conn)
	go c.keepAliveLoop(conn, stop)
}

func (c *WebSocketConnection) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()
	readWindow := 2 * c.cfg.KeepAliveInterval
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.dropped(conn, err)
			return
		}
		//nolint:errcheck // Best-effort deadline reset
		conn.SetReadDeadline(time.Now().Add(readWindow))
		c.deliver(data)
	}
}

func (c *WebSocketConnection) keepAliveLoop(conn *websocket.Conn, stop <-chan struct{}) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(controlWriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug("keep-alive ping failed", "error", err)
				return
			}
		}
	}
}

// dropped handles a reader failure on conn. Stale sockets and deliberate
// disconnects are ignored.
func (c *WebSocketConnection) dropped(conn *websocket.Conn, cause error) {
	c.connMu.Lock()
	if c.closing || c.conn != conn {
		c.connMu.Unlock()
		return
	}
	c.conn = nil
	c.stopKeepAliveLocked()
	c.connMu.Unlock()

	conn.Close() //nolint:errcheck // Already broken
	c.logger.Warn("gateway stream dropped", "url", c.cfg.URL, "error", cause)
	c.emitError(cause)
	c.scheduleReconnect(cause)
}

// scheduleReconnect moves to RECONNECTING and arms a timer for the next
// attempt, or settles in ERROR once the attempt budget is spent. Observers are
// notified without connMu held.
func (c *WebSocketConnection) scheduleReconnect(cause error) {
	c.connMu.Lock()
	if c.closing {
		c.connMu.Unlock()
		return
	}
	c.attempts++
	attempt := c.attempts
	c.connMu.Unlock()

	if attempt > c.cfg.MaxReconnectAttempts {
		c.logger.Error("giving up on gateway stream",
			"url", c.cfg.URL,
			"attempts", c.cfg.MaxReconnectAttempts,
			"error", cause,
		)
		c.transition(StateError, fmt.Errorf("%w: %w", ErrReconnectExhausted, cause))
		return
	}
	c.setReconnectAttempts(attempt)
	c.transition(StateReconnecting, cause)

	delay := c.cfg.ReconnectBaseDelay * time.Duration(attempt)
	c.logger.Info("scheduling gateway stream reconnect", "attempt", attempt, "delay", delay)

	c.connMu.Lock()
	if !c.closing {
		c.reconnectTimer = time.AfterFunc(delay, c.reconnect)
	}
	c.connMu.Unlock()
}

func (c *WebSocketConnection) reconnect() {
	c.dialMu.Lock()
	c.connMu.Lock()
	if c.closing || c.conn != nil {
		c.connMu.Unlock()
		c.dialMu.Unlock()
		return
	}
	c.reconnectTimer = nil
	c.connMu.Unlock()

	conn, err := c.dial(context.Background())
	if err != nil {
		c.dialMu.Unlock()
		c.logger.Debug("gateway stream reconnect failed", "error", err)
		c.scheduleReconnect(err)
		return
	}
	c.open(conn)
	c.dialMu.Unlock()
}

func (c *WebSocketConnection) live() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn != nil
}

func (c *WebSocketConnection) stopReconnectTimerLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func (c *WebSocketConnection) stopKeepAliveLocked() {
	if c.stopKeepAlive != nil {
		close(c.stopKeepAlive)
		c.stopKeepAlive = nil
	}
}
