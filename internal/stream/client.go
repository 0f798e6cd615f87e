// Package stream maintains the single authenticated WebSocket connection
// to the exchange: handshake, watchdog, reconnect with jittered backoff,
// and subscribe/unsubscribe command I/O.
//
// Frames are delivered to the OnFrame callback in receive order from one
// goroutine; commands may be sent from any goroutine and are serialized
// on the write side.
package stream

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/kalshibook/collector/internal/auth"
	"github.com/kalshibook/collector/internal/metrics"
)

// Config configures the stream client.
type Config struct {
	URL              string        // WebSocket URL
	Path             string        // Signed path (e.g. /trade-api/ws/v2)
	WatchdogTimeout  time.Duration // Max quiet period before a liveness ping
	WriteTimeout     time.Duration // Write deadline for sends
	HandshakeTimeout time.Duration // Dial timeout
	ReconnectMaxWait time.Duration // Backoff cap
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		WatchdogTimeout:  30 * time.Second,
		WriteTimeout:     5 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		ReconnectMaxWait: 60 * time.Second,
	}
}

// Client holds one connection at a time and reconnects on failure.
type Client struct {
	cfg     Config
	creds   *auth.Credentials
	logger  *slog.Logger
	metrics *metrics.Collector

	// Injected by the orchestrator.
	onFrame     func(Frame)
	onReconnect func()

	mu          sync.Mutex
	conn        *websocket.Conn
	connected   bool
	lastFrameAt time.Time

	writeMu sync.Mutex

	cmdID atomic.Int64

	stopped atomic.Bool
}

// New creates a stream client. onFrame receives every parsed inbound
// frame; onReconnect fires after each successful handshake, before the
// receive loop starts consuming.
func New(cfg Config, creds *auth.Credentials, m *metrics.Collector, onFrame func(Frame), onReconnect func(), logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:         cfg,
		creds:       creds,
		logger:      logger,
		metrics:     m,
		onFrame:     onFrame,
		onReconnect: onReconnect,
	}
}

// Run connects and serves until ctx is cancelled or Stop is called.
// Disconnects trigger exponential backoff capped at ReconnectMaxWait
// with ~30% jitter; the backoff resets on a clean handshake.
func (c *Client) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = c.cfg.ReconnectMaxWait
	bo.RandomizationFactor = 0.3

	for {
		if ctx.Err() != nil || c.stopped.Load() {
			return nil
		}

		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.metrics.SetConnState(metrics.StateReconnecting)
			wait := bo.NextBackOff()
			c.logger.Warn("stream dial failed", "error", err, "backoff", wait)
			if !sleepCtx(ctx, wait) {
				return nil
			}
			continue
		}

		bo.Reset()
		err = c.serve(ctx, conn)
		if ctx.Err() != nil || c.stopped.Load() {
			return nil
		}

		c.metrics.SetConnState(metrics.StateReconnecting)
		wait := bo.NextBackOff()
		c.logger.Warn("stream disconnected", "error", err, "backoff", wait)
		if !sleepCtx(ctx, wait) {
			return nil
		}
	}
}

// Stop ends the run loop and closes any live connection.
func (c *Client) Stop() {
	c.stopped.Store(true)
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		conn.Close()
	}
}

// Connected reports whether a live connection is held.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Subscribe sends a subscribe command and returns its command id.
func (c *Client) Subscribe(channels []string, tickers []string) (int64, error) {
	return c.sendCommand("subscribe", channels, tickers)
}

// Unsubscribe sends an unsubscribe command and returns its command id.
func (c *Client) Unsubscribe(channels []string, tickers []string) (int64, error) {
	return c.sendCommand("unsubscribe", channels, tickers)
}

func (c *Client) sendCommand(cmdType string, channels, tickers []string) (int64, error) {
	id := c.cmdID.Add(1)
	cmd := Command{
		ID:     id,
		Cmd:    cmdType,
		Params: CommandParams{Channels: channels},
	}
	if len(tickers) > 0 {
		cmd.Params.MarketTickers = tickers
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return 0, err
	}
	if err := c.send(data); err != nil {
		return 0, err
	}

	c.logger.Debug("stream command sent",
		"cmd", cmdType,
		"id", id,
		"channels", channels,
		"tickers", len(tickers),
	)
	return id, nil
}

func (c *Client) send(data []byte) error {
	c.mu.Lock()
	conn := c.conn
	ok := c.connected
	c.mu.Unlock()
	if !ok || conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	c.metrics.SetConnState(metrics.StateConnecting)

	headers, err := c.creds.SignRequest(http.MethodGet, c.cfg.Path)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	for k, v := range headers {
		header.Set(k, v)
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return nil, err
	}

	c.metrics.SetConnState(metrics.StateConnected)
	c.logger.Info("stream connected", "url", c.cfg.URL)
	return conn, nil
}

// serve runs the receive loop for one connection. Returns the read error
// that ended the connection.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.lastFrameAt = time.Now()
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.connected = false
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
		c.metrics.SetConnState(metrics.StateDisconnected)
	}()

	// Unblock the read loop when the context ends.
	stopClose := context.AfterFunc(ctx, func() { conn.Close() })
	defer stopClose()

	conn.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})
	conn.SetPingHandler(func(data string) error {
		c.touch()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	// Resubscribe before consuming so the server replays snapshots first.
	c.onReconnect()

	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go c.watchdog(conn, watchdogDone)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.touch()
		c.metrics.MessagesReceived.Add(1)

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("unparseable frame", "error", err, "len", len(data))
			continue
		}
		c.onFrame(frame)
	}
}

// watchdog pings the server when the stream goes quiet and forces a
// disconnect when it stays quiet past twice the timeout.
func (c *Client) watchdog(conn *websocket.Conn, done <-chan struct{}) {
	interval := c.cfg.WatchdogTimeout / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			quiet := time.Since(c.lastFrame())
			if quiet < c.cfg.WatchdogTimeout {
				continue
			}
			if quiet >= 2*c.cfg.WatchdogTimeout {
				c.logger.Warn("stream stale, forcing disconnect", "quiet", quiet)
				conn.Close()
				return
			}
			c.logger.Warn("stream quiet, sending liveness ping", "quiet", quiet)
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
				c.logger.Warn("liveness ping failed, forcing disconnect", "error", err)
				conn.Close()
				return
			}
		}
	}
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastFrameAt = time.Now()
	c.mu.Unlock()
}

func (c *Client) lastFrame() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastFrameAt
}

// sleepCtx sleeps for d, returning false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
