package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Client connects to the voice gateway via WebSocket and implements Bus.
// On read failure it redials with exponential backoff and fires the
// registered reconnect hooks so the voice core can restore its state.
type Client struct {
	mu          sync.RWMutex
	conn        *websocket.Conn
	url         string
	handlers    map[EventType]map[int]Handler
	reconnectFn map[int]func()
	nextID      int
	logger      zerolog.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	closed      bool

	handshakeTimeout time.Duration
	minWait          time.Duration
	maxWait          time.Duration
}

// ClientOptions tunes the gateway client.
type ClientOptions struct {
	HandshakeTimeout time.Duration
	ReconnectMinWait time.Duration
	ReconnectMaxWait time.Duration
}

// NewClient creates a new gateway client (not yet connected).
func NewClient(url string, opts ClientOptions, logger zerolog.Logger) *Client {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.ReconnectMinWait <= 0 {
		opts.ReconnectMinWait = time.Second
	}
	if opts.ReconnectMaxWait <= 0 {
		opts.ReconnectMaxWait = 30 * time.Second
	}
	return &Client{
		url:              url,
		handlers:         make(map[EventType]map[int]Handler),
		reconnectFn:      make(map[int]func()),
		logger:           logger.With().Str("component", "gateway-client").Logger(),
		handshakeTimeout: opts.HandshakeTimeout,
		minWait:          opts.ReconnectMinWait,
		maxWait:          opts.ReconnectMaxWait,
	}
}

// Connect establishes the WebSocket connection and starts reading messages.
func (c *Client) Connect(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)

	conn, err := c.dial()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.logger.Info().Str("url", c.url).Msg("connected to voice gateway")

	go c.readLoop(conn)
	return nil
}

func (c *Client) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.handshakeTimeout,
	}

	conn, _, err := dialer.DialContext(c.ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("signaling: connect to %s: %w", c.url, err)
	}
	return conn, nil
}

// Send marshals the payload and writes it as an envelope.
func (c *Client) Send(event EventType, payload interface{}) error {
	env, err := NewEnvelope(event, payload)
	if err != nil {
		return fmt.Errorf("signaling: marshal payload: %w", err)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("signaling: marshal envelope: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("signaling: write: %w", err)
	}
	return nil
}

// On registers a handler for an event type and returns its remover.
func (c *Client) On(event EventType, h Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[int]Handler)
	}
	c.handlers[event][id] = h

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers[event], id)
	}
}

// OnReconnect registers a reconnect hook and returns its remover.
func (c *Client) OnReconnect(fn func()) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++
	c.reconnectFn[id] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.reconnectFn, id)
	}
}

// Connected returns whether the client has an active connection.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// Close disconnects from the gateway and stops the reconnect loop.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}

	if conn != nil {
		err := conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		if err != nil {
			c.logger.Debug().Err(err).Msg("close write failed")
		}
		_ = conn.Close()
	}

	c.logger.Info().Msg("gateway client closed")
	return nil
}

// readLoop reads messages from the WebSocket until the connection drops,
// then hands over to the reconnect loop.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info().Msg("gateway connection closed")
			} else {
				c.logger.Warn().Err(err).Msg("gateway read error")
			}
			c.reconnectLoop()
			return
		}

		var env Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			c.logger.Warn().Err(err).Msg("invalid gateway message")
			continue
		}

		c.dispatch(env)
	}
}

func (c *Client) dispatch(env Envelope) {
	c.mu.RLock()
	hs := make([]Handler, 0, len(c.handlers[env.Event]))
	for _, h := range c.handlers[env.Event] {
		hs = append(hs, h)
	}
	c.mu.RUnlock()

	if len(hs) == 0 {
		c.logger.Debug().Str("event", string(env.Event)).Msg("unhandled gateway event")
		return
	}
	for _, h := range hs {
		h(env)
	}
}

// reconnectLoop redials with exponential backoff until it succeeds or the
// client is closed, then fires the reconnect hooks.
func (c *Client) reconnectLoop() {
	wait := c.minWait

	for {
		c.mu.RLock()
		closed := c.closed
		c.mu.RUnlock()
		if closed {
			return
		}

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(wait):
		}

		conn, err := c.dial()
		if err != nil {
			c.logger.Warn().Err(err).Dur("next_wait", wait).Msg("gateway redial failed")
			wait *= 2
			if wait > c.maxWait {
				wait = c.maxWait
			}
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		c.conn = conn
		fns := make([]func(), 0, len(c.reconnectFn))
		for _, fn := range c.reconnectFn {
			fns = append(fns, fn)
		}
		c.mu.Unlock()

		c.logger.Info().Msg("gateway reconnected")

		go c.readLoop(conn)
		for _, fn := range fns {
			fn()
		}
		return
	}
}
