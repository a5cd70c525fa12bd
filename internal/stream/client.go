package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dorskfr/ratewatch/internal/market"
	"github.com/dorskfr/ratewatch/internal/messagetracker"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	DefaultConnectTimeout = 60 * time.Second
	DefaultMinBackoff     = time.Second
	DefaultMaxBackoff     = time.Minute
	writeTimeout          = 10 * time.Second
)

type State int32

const (
	Connecting State = iota
	Open
	Closed
	Error
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	case Error:
		return "error"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Handler holds the venue specific parts of a streaming connection.
type Handler interface {
	// OnOpen runs after every successful handshake, typically to send subscriptions.
	OnOpen(ctx context.Context, c *Client) error
	// OnMessage parses one inbound message. A returned error is reported and the
	// connection stays up.
	OnMessage(ctx context.Context, c *Client, message []byte) error
}

type Config struct {
	URL    string
	Header http.Header
	// ConnectTimeout bounds the websocket handshake.
	ConnectTimeout time.Duration
	// PingInterval sends websocket ping frames; zero disables them.
	PingInterval time.Duration
	// StaleThreshold drops and re-establishes a connection that has been silent for
	// longer than this; zero disables the check.
	StaleThreshold time.Duration
	MinBackoff     time.Duration
	MaxBackoff     time.Duration
	Dialer         *websocket.Dialer
}

func (cfg Config) withDefaults() Config {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = DefaultMinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = max(DefaultMaxBackoff, cfg.MinBackoff)
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return cfg
}

// Client keeps one websocket connection alive for a Handler. Unexpected closes and transport
// failures lead to a reconnect with exponential backoff; Close ends the client for good.
type Client struct {
	name    string
	cfg     Config
	handler Handler
	onError func(error)
	tracker *messagetracker.MessageTracker

	writeMu sync.Mutex
	mu      sync.Mutex
	conn    *websocket.Conn
	closing bool
	closed  chan struct{}

	state    atomic.Int32
	connects atomic.Int64
}

func New(name string, cfg Config, handler Handler, onError func(error)) *Client {
	cfg = cfg.withDefaults()
	if onError == nil {
		onError = func(err error) {
			log.Error().Err(err).Str("exchange", name).Msg("Stream error")
		}
	}
	c := &Client{
		name:    name,
		cfg:     cfg,
		handler: handler,
		onError: onError,
		tracker: messagetracker.NewMessageTracker(name, cfg.StaleThreshold),
		closed:  make(chan struct{}),
	}
	c.state.Store(int32(Closed))
	return c
}

func (c *Client) Name() string {
	return c.name
}

func (c *Client) State() State {
	return State(c.state.Load())
}

// Connects returns how many connections reached the open state.
func (c *Client) Connects() int64 {
	return c.connects.Load()
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
}

func (c *Client) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

// Run connects and reads until Close is called or ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.cfg.MinBackoff
	for {
		if c.isClosing() {
			c.setState(Closed)
			return nil
		}

		opened, err := c.session(ctx)

		if c.isClosing() {
			c.setState(Closed)
			return nil
		}
		if ctx.Err() != nil {
			c.setState(Closed)
			return ctx.Err()
		}

		c.onError(fmt.Errorf("%s stream: %w", c.name, err))
		if opened {
			backoff = c.cfg.MinBackoff
		}
		log.Info().Str("exchange", c.name).Dur("backoff", backoff).Msg("Reconnecting")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.setState(Closed)
			return ctx.Err()
		case <-c.closed:
			timer.Stop()
			c.setState(Closed)
			return nil
		case <-timer.C:
		}
		backoff = min(backoff*2, c.cfg.MaxBackoff)
	}
}

func (c *Client) session(ctx context.Context) (bool, error) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.setState(Connecting)
	log.Info().Str("exchange", c.name).Str("url", c.cfg.URL).Msg("Attempting to connect")

	dialCtx, dialCancel := context.WithTimeout(connCtx, c.cfg.ConnectTimeout)
	conn, _, err := c.cfg.Dialer.DialContext(dialCtx, c.cfg.URL, c.cfg.Header)
	dialCancel()
	if err != nil {
		c.setState(Error)
		return false, transportError("error connecting", err)
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		conn.Close()
		return false, nil
	}
	c.conn = conn
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	c.connects.Add(1)
	c.setState(Open)
	c.tracker.RecordMessage()
	log.Info().Str("exchange", c.name).Msg("Connected successfully")

	if err := c.handler.OnOpen(connCtx, c); err != nil {
		c.setState(Error)
		return true, fmt.Errorf("error in open hook: %w", err)
	}

	return true, c.readMessages(connCtx, conn)
}

func (c *Client) readMessages(ctx context.Context, conn *websocket.Conn) error {
	readChan := make(chan []byte)
	errChan := make(chan error, 1)

	go func() {
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				errChan <- err
				return
			}
			select {
			case readChan <- message:
			case <-ctx.Done():
				return
			}
		}
	}()

	var pingC, staleC <-chan time.Time
	if c.cfg.PingInterval > 0 {
		pingTicker := time.NewTicker(c.cfg.PingInterval)
		defer pingTicker.Stop()
		pingC = pingTicker.C
	}
	if c.cfg.StaleThreshold > 0 {
		staleTicker := time.NewTicker(c.cfg.StaleThreshold / 2)
		defer staleTicker.Stop()
		staleC = staleTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pingC:
			if err := c.writeControl(websocket.PingMessage, nil); err != nil {
				log.Warn().Err(err).Str("exchange", c.name).Msg("Failed to send ping")
				c.setState(Error)
				return transportError("error sending ping", err)
			}
		case <-staleC:
			if c.tracker.CheckStaleConnection() {
				c.setState(Error)
				return fmt.Errorf("%w: no message for %s", market.ErrTimeout, c.tracker.SinceLastMessage().Round(time.Second))
			}
		case err := <-errChan:
			if c.isClosing() {
				return nil
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				c.setState(Closed)
				return fmt.Errorf("%w: connection closed by server: %v", market.ErrTransport, err)
			}
			c.setState(Error)
			return transportError("error reading message", err)
		case message := <-readChan:
			c.tracker.RecordMessage()
			c.dispatch(ctx, message)
		}
	}
}

func (c *Client) dispatch(ctx context.Context, message []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.onError(fmt.Errorf("%s: panic handling message: %v", c.name, r))
		}
	}()
	if err := c.handler.OnMessage(ctx, c, message); err != nil {
		log.Debug().Str("exchange", c.name).Str("rawMessage", truncate(message)).Msg("Error handling message")
		c.onError(fmt.Errorf("failed handling message for %s: %w", c.name, err))
	}
}

// SendText writes one text frame.
func (c *Client) SendText(text string) error {
	return c.write(func(conn *websocket.Conn) error {
		return conn.WriteMessage(websocket.TextMessage, []byte(text))
	})
}

// SendJSON writes v as one JSON text frame.
func (c *Client) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("error marshalling message: %w", err)
	}
	return c.write(func(conn *websocket.Conn) error {
		return conn.WriteMessage(websocket.TextMessage, data)
	})
}

func (c *Client) writeControl(messageType int, data []byte) error {
	return c.write(func(conn *websocket.Conn) error {
		return conn.WriteControl(messageType, data, time.Now().Add(writeTimeout))
	})
}

func (c *Client) write(fn func(*websocket.Conn) error) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%w: websocket connection is closed", market.ErrTransport)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return transportError("error setting write deadline", err)
	}
	if err := fn(conn); err != nil {
		return transportError("error writing message", err)
	}
	return nil
}

// Close ends the client. It does not trigger a reconnect and Run returns nil.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	close(c.closed)
	conn := c.conn
	c.mu.Unlock()

	log.Info().Str("exchange", c.name).Msg("Disconnecting")
	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return conn.Close()
}

func transportError(what string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%s: %w: %v", what, market.ErrTimeout, err)
	}
	return fmt.Errorf("%s: %w: %v", what, market.ErrTransport, err)
}

func truncate(message []byte) string {
	if len(message) > 256 {
		return string(message[:256]) + "..."
	}
	return string(message)
}
