// Package feed implements the JSON-over-WebSocket connection to a matching
// service's market data feed.
//
// This file holds the connection itself: dialing, the read loop that decodes
// frames into typed notes, a keepalive ping loop, thread-safe request writes,
// and graceful shutdown. One Client serves the whole session; market
// switches reuse the connection and only change which subscriptions are
// active.
package feed

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// defaultPingPeriod is the keepalive ping interval.
	defaultPingPeriod = 15 * time.Second

	// defaultSendTimeout bounds every write on the connection.
	defaultSendTimeout = 5 * time.Second

	// defaultReadLimit caps incoming frame size. Book snapshots for a busy
	// market are the largest frames and stay well under this.
	defaultReadLimit = 1 << 20 // 1MB

	// defaultHandshakeTimeout bounds the WebSocket handshake.
	defaultHandshakeTimeout = 10 * time.Second
)

// ErrClientShuttingDown indicates the client is in the process of shutting
// down.
var ErrClientShuttingDown = errors.New("feed client is shutting down")

// Config defines settings for the feed client.
type Config struct {
	// Endpoint is the matching service's WebSocket URL. Required.
	Endpoint string

	// TLSInsecureSkip disables TLS certificate verification, for development
	// against self-signed hosts.
	TLSInsecureSkip bool

	// PingPeriod overrides the keepalive interval.
	PingPeriod time.Duration

	// SendTimeout overrides the write deadline.
	SendTimeout time.Duration
}

// Client wraps a websocket.Conn with lifecycle, decoding, and request
// handling for the market data feed.
type Client struct {
	// conn stores the active *websocket.Conn for atomic access from the read
	// and ping loops.
	conn atomic.Value

	// Notes delivers decoded feed events to the session. Closed when the
	// connection is lost.
	Notes chan Note

	// disconnect is closed when the connection is lost.
	disconnect chan struct{}

	// errChan reports the terminal read error.
	errChan chan error

	cfg    *Config
	ctx    context.Context
	cancel context.CancelFunc

	// writeMu serializes Request writes with the ping loop.
	writeMu sync.Mutex

	once sync.Once
	wg   sync.WaitGroup
}

// Dial connects to the matching service and starts the client's read and
// keepalive loops.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("feed endpoint is required")
	}
	if cfg.PingPeriod == 0 {
		cfg.PingPeriod = defaultPingPeriod
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = defaultSendTimeout
	}

	ctx, cancel := context.WithCancel(ctx)
	c := &Client{
		cfg:        &cfg,
		ctx:        ctx,
		cancel:     cancel,
		Notes:      make(chan Note, 1000),
		disconnect: make(chan struct{}),
		errChan:    make(chan error, 1),
	}

	if err := c.run(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start feed client: %w", err)
	}
	return c, nil
}

// run dials the endpoint, configures the connection, and starts the
// background goroutines.
func (c *Client) run() error {
	logger := log.With().Str("endpoint", c.cfg.Endpoint).Logger()
	logger.Info().Msg("connecting to market feed")

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: c.cfg.TLSInsecureSkip},
		HandshakeTimeout: defaultHandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(c.ctx, c.cfg.Endpoint, make(http.Header))
	if err != nil {
		if resp != nil {
			logger.Error().Err(err).Int("statusCode", resp.StatusCode).Msg("feed connection failed")
		} else {
			logger.Error().Err(err).Msg("feed connection failed")
		}
		return err
	}

	c.conn.Store(conn)
	conn.SetReadLimit(defaultReadLimit)
	conn.SetPongHandler(func(string) error {
		deadline := time.Now().Add(c.cfg.PingPeriod * 2)
		if err := conn.SetReadDeadline(deadline); err != nil {
			logger.Warn().Err(err).Msg("failed to set read deadline in pong handler")
		}
		return nil
	})

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.readLoop()
	}()
	go func() {
		defer c.wg.Done()
		c.pingLoop()
	}()
	// Shutdown watcher is untracked: it calls Close, which waits on wg.
	go func() {
		<-c.ctx.Done()
		c.Close()
	}()

	logger.Info().Msg("market feed connected")
	return nil
}

// SendRequest marshals and writes a client-originating request. Safe for
// concurrent use.
func (c *Client) SendRequest(req Request) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", req.Route, err)
	}

	connVal := c.conn.Load()
	if connVal == nil {
		return ErrClientShuttingDown
	}
	conn := connVal.(*websocket.Conn)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.SendTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, raw)
}

// readLoop decodes incoming frames into typed notes and delivers them on
// Notes. Frames that fail decoding or validation are logged and dropped; the
// loop exits only on a read error or shutdown.
func (c *Client) readLoop() {
	conn := c.conn.Load().(*websocket.Conn)
	logger := log.With().Str("endpoint", c.cfg.Endpoint).Logger()

	defer func() {
		close(c.disconnect)
		close(c.Notes)
		select {
		case c.errChan <- ErrClientShuttingDown:
		default:
		}
	}()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Info().Err(err).Msg("feed closed normally")
				} else if websocket.IsUnexpectedCloseError(err) {
					logger.Warn().Err(err).Msg("unexpected feed closure")
				} else {
					logger.Error().Err(err).Msg("feed read error")
				}
				select {
				case c.errChan <- err:
				default:
				}
				return
			}

			note, err := ParseNote(data)
			if err != nil {
				if errors.Is(err, ErrUnknownRoute) {
					logger.Debug().Err(err).Msg("ignoring unknown feed route")
				} else {
					logger.Error().Err(err).Msg("dropping malformed feed note")
				}
				continue
			}

			c.deliver(note, logger)
		}
	}
}

// deliver hands a decoded note to the consumer, dropping the oldest queued
// note when the channel is full. The drain must not block: the consumer may
// have emptied the channel between the failed send and the receive. The
// read loop is the only sender, so the retried send cannot block.
func (c *Client) deliver(note Note, logger zerolog.Logger) {
	select {
	case c.Notes <- note:
		return
	default:
	}
	logger.Warn().Str("route", note.Route()).Msg("notes channel full, dropping oldest")
	select {
	case <-c.Notes:
	default:
	}
	c.Notes <- note
}

// pingLoop sends keepalive pings until shutdown.
func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer ticker.Stop()

	logger := log.With().Str("endpoint", c.cfg.Endpoint).Logger()
	for {
		select {
		case <-ticker.C:
			connVal := c.conn.Load()
			if connVal == nil {
				continue
			}
			conn := connVal.(*websocket.Conn)

			c.writeMu.Lock()
			if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.SendTimeout)); err == nil {
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					logger.Warn().Err(err).Msg("feed ping failed")
				}
			}
			c.writeMu.Unlock()
		case <-c.ctx.Done():
			return
		}
	}
}

// DisconnectChan returns a channel closed when the connection is lost.
func (c *Client) DisconnectChan() <-chan struct{} {
	return c.disconnect
}

// ErrChan returns a channel carrying the terminal read error.
func (c *Client) ErrChan() <-chan error {
	return c.errChan
}

// Close gracefully shuts down the client. Safe to call more than once.
func (c *Client) Close() {
	c.once.Do(func() {
		logger := log.With().Str("endpoint", c.cfg.Endpoint).Logger()
		logger.Info().Msg("closing market feed")

		c.cancel()

		if connVal := c.conn.Load(); connVal != nil {
			conn := connVal.(*websocket.Conn)
			c.writeMu.Lock()
			if err := conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			); err != nil {
				logger.Warn().Err(err).Msg("failed to send close frame")
			}
			c.writeMu.Unlock()
			if err := conn.Close(); err != nil {
				logger.Warn().Err(err).Msg("error closing feed connection")
			}
		}

		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			logger.Warn().Msg("timeout waiting for feed goroutines")
		}
	})
}
