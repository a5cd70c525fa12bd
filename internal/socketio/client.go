package socketio

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dorskfr/ratewatch/internal/stream"
	"github.com/rs/zerolog/log"
)

// Engine.IO packet types, and the Socket.IO types carried in a message packet.
const (
	packetOpen    = '0'
	packetPing    = '2'
	packetPong    = '3'
	packetMessage = '4'

	messageConnect = '0'
	messageEvent   = '2'

	heartbeatFrame = "2probe"
)

// Handler receives the demultiplexed events of a SocketIO connection.
type Handler interface {
	// OnConnect runs once the handshake is done, typically to Subscribe to channels.
	OnConnect(ctx context.Context, c *Client) error
	OnEvent(ctx context.Context, c *Client, channel string, payload json.RawMessage) error
}

type handshake struct {
	SID          string `json:"sid"`
	PingInterval int64  `json:"pingInterval"`
	PingTimeout  int64  `json:"pingTimeout"`
}

// Client layers SocketIO framing over a stream.Client: it answers the handshake, keeps the
// connection alive with heartbeats and routes event frames to the Handler by channel.
type Client struct {
	name    string
	conn    *stream.Client
	handler Handler
	onError func(error)

	mu              sync.Mutex
	pingInterval    time.Duration
	cancelHeartbeat context.CancelFunc
}

func New(name string, cfg stream.Config, handler Handler, onError func(error)) *Client {
	if onError == nil {
		onError = func(err error) {
			log.Error().Err(err).Str("exchange", name).Msg("SocketIO error")
		}
	}
	c := &Client{name: name, handler: handler, onError: onError}
	c.conn = stream.New(name, cfg, c, onError)
	return c
}

func (c *Client) Run(ctx context.Context) error {
	return c.conn.Run(ctx)
}

func (c *Client) Close() error {
	c.stopHeartbeat()
	return c.conn.Close()
}

// Stream exposes the underlying connection.
func (c *Client) Stream() *stream.Client {
	return c.conn
}

func (c *Client) PingInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pingInterval
}

// Subscribe joins a channel (a SocketIO namespace such as "/public").
func (c *Client) Subscribe(channel string) error {
	return c.conn.SendText(string([]byte{packetMessage, messageConnect}) + channel)
}

func (c *Client) OnOpen(ctx context.Context, _ *stream.Client) error {
	c.stopHeartbeat()
	c.mu.Lock()
	c.pingInterval = 0
	c.mu.Unlock()
	return nil
}

func (c *Client) OnMessage(ctx context.Context, sc *stream.Client, message []byte) error {
	if len(message) == 0 {
		return nil
	}
	frame := string(message)

	switch frame[0] {
	case packetOpen:
		var hs handshake
		if err := json.Unmarshal(message[1:], &hs); err != nil {
			return fmt.Errorf("invalid SocketIO handshake: %w", err)
		}
		if hs.PingInterval > 0 {
			c.startHeartbeat(ctx, time.Duration(hs.PingInterval)*time.Millisecond)
		}
		log.Debug().Str("exchange", c.name).Str("sid", hs.SID).Int64("pingInterval", hs.PingInterval).Msg("SocketIO handshake")
		return c.handler.OnConnect(ctx, c)
	case packetPing:
		return sc.SendText(string(packetPong) + frame[1:])
	case packetPong:
		return nil
	case packetMessage:
		if len(frame) < 2 {
			return fmt.Errorf("truncated SocketIO message %q", frame)
		}
		switch frame[1] {
		case messageConnect:
			log.Debug().Str("exchange", c.name).Str("channel", frame[2:]).Msg("SocketIO channel connected")
			return nil
		case messageEvent:
			channel, payload := splitEvent(frame[2:])
			if !json.Valid([]byte(payload)) {
				return fmt.Errorf("invalid SocketIO event payload on channel %q", channel)
			}
			return c.handler.OnEvent(ctx, c, channel, json.RawMessage(payload))
		default:
			return fmt.Errorf("unhandled SocketIO data type %c", frame[1])
		}
	default:
		return fmt.Errorf("unhandled SocketIO type %c", frame[0])
	}
}

// splitEvent separates "<channel>,<json>". Events on the default namespace carry no channel.
func splitEvent(s string) (string, string) {
	if strings.HasPrefix(s, "[") || strings.HasPrefix(s, "{") {
		return "", s
	}
	channel, payload, found := strings.Cut(s, ",")
	if !found {
		return channel, ""
	}
	return channel, payload
}

func (c *Client) startHeartbeat(ctx context.Context, interval time.Duration) {
	c.stopHeartbeat()
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.pingInterval = interval
	c.cancelHeartbeat = cancel
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.conn.SendText(heartbeatFrame); err != nil {
					if ctx.Err() == nil {
						c.onError(fmt.Errorf("%s: sending heartbeat: %w", c.name, err))
					}
					return
				}
			}
		}
	}()
}

func (c *Client) stopHeartbeat() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelHeartbeat != nil {
		c.cancelHeartbeat()
		c.cancelHeartbeat = nil
	}
}
