// Package client implements the consuming side of the ReplyKit event stream:
// a reconnecting SSE consumer mirroring the browser extension's behavior,
// used by the extension's native host, CLI tooling, and integration tests.
//
// The client keeps at most one connection per logical subscription. On
// transport error or stream close it marks itself unhealthy and schedules a
// single reconnect after a fixed delay, replacing any previous connection.
// Malformed or unknown frames are ignored, never fatal.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// DefaultReconnectDelay is the fixed wait before a reconnect attempt.
const DefaultReconnectDelay = 5 * time.Second

// Frame is a parsed wire envelope from the stream.
type Frame struct {
	Type      string          `json:"type"`
	Message   string          `json:"message,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// Handlers dispatches incoming frames by type. Nil handlers are skipped.
type Handlers struct {
	// OnConnected fires for the initial "connected" frame.
	OnConnected func(message string)

	// OnSnapshot fires for the full-state frame (type equals the topic name).
	OnSnapshot func(data json.RawMessage, timestamp int64)

	// OnChange fires for delta frames ("created", "updated", "deleted").
	OnChange func(changeType string, data json.RawMessage, timestamp int64)

	// OnHeartbeat fires for heartbeat frames.
	OnHeartbeat func()

	// OnStreamError fires for server-sent error frames.
	OnStreamError func(message string)
}

// Config configures a stream Client.
type Config struct {
	// BaseURL is the server origin, e.g. "https://app.replykit.io".
	BaseURL string

	// Topic is the stream topic to subscribe to.
	Topic string

	// Token is the bearer token presented on each connection attempt.
	Token string

	// HTTPClient overrides the default client. It must not impose an overall
	// request timeout; streams are meant to live indefinitely.
	HTTPClient *http.Client

	// ReconnectDelay is the fixed delay before reconnecting (default 5s).
	ReconnectDelay time.Duration

	Logger *slog.Logger
}

// Client maintains a best-effort live connection to a stream endpoint.
type Client struct {
	url      string
	token    string
	httpc    *http.Client
	delay    time.Duration
	logger   *slog.Logger
	handlers Handlers

	mu      sync.Mutex
	baseCtx context.Context
	cancel  context.CancelFunc // cancels the current connection
	timer   *time.Timer        // pending reconnect, nil when none
	healthy bool
	closed  bool
	started bool
}

// New creates a Client. Start must be called to open the first connection.
func New(cfg Config, handlers Handlers) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("client: base URL is required")
	}
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		return nil, errors.New("client: topic is required")
	}
	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{}
	}
	delay := cfg.ReconnectDelay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:      base + "/api/stream/" + topic,
		token:    cfg.Token,
		httpc:    httpc,
		delay:    delay,
		logger:   logger,
		handlers: handlers,
	}, nil
}

// Start opens the first connection. The context bounds the client's whole
// lifetime; cancelling it stops the current connection and any pending
// reconnect.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.New("client: closed")
	}
	if c.started {
		return errors.New("client: already started")
	}
	c.started = true
	c.baseCtx = ctx
	c.dialLocked()
	return nil
}

// Healthy reports whether a connection is currently established.
func (c *Client) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthy
}

// Close stops the current connection and cancels any pending reconnect.
// Safe to call multiple times.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.healthy = false
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	return nil
}

// dialLocked starts a new connection goroutine, replacing the previous
// connection. Caller holds c.mu.
func (c *Client) dialLocked() {
	if c.cancel != nil {
		c.cancel()
	}
	ctx, cancel := context.WithCancel(c.baseCtx)
	c.cancel = cancel
	go c.connect(ctx)
}

func (c *Client) connect(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		c.disconnected(fmt.Errorf("build request: %w", err))
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		c.disconnected(err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.disconnected(fmt.Errorf("stream endpoint returned %d", resp.StatusCode))
		return
	}

	c.mu.Lock()
	c.healthy = true
	c.mu.Unlock()

	scanner := bufio.NewScanner(resp.Body)
	// Snapshot frames carry a user's whole entity set; the default 64KB token
	// limit is too small for them.
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var data []string
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if len(data) > 0 {
				c.dispatch(strings.Join(data, "\n"))
				data = data[:0]
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if rest, ok := strings.CutPrefix(line, "data:"); ok {
			data = append(data, strings.TrimPrefix(rest, " "))
		}
		// Other SSE fields (id:, event:) are not used by this protocol.
	}

	c.disconnected(scanner.Err())
}

// dispatch parses one frame payload and routes it by type. Malformed or
// unknown frames are dropped without affecting the stream.
func (c *Client) dispatch(payload string) {
	var f Frame
	if err := json.Unmarshal([]byte(payload), &f); err != nil {
		c.logger.Debug("stream client: dropping malformed frame", "error", err)
		return
	}

	switch f.Type {
	case "":
		// Missing discriminant, nothing to route.
	case "connected":
		if c.handlers.OnConnected != nil {
			c.handlers.OnConnected(f.Message)
		}
	case "heartbeat":
		if c.handlers.OnHeartbeat != nil {
			c.handlers.OnHeartbeat()
		}
	case "error":
		if c.handlers.OnStreamError != nil {
			c.handlers.OnStreamError(f.Message)
		}
	case "created", "updated", "deleted":
		if c.handlers.OnChange != nil {
			c.handlers.OnChange(f.Type, f.Data, f.Timestamp)
		}
	default:
		// The snapshot frame is typed with the topic name; anything else is
		// an unknown frame and ignored.
		if strings.HasSuffix(c.url, "/"+f.Type) {
			if c.handlers.OnSnapshot != nil {
				c.handlers.OnSnapshot(f.Data, f.Timestamp)
			}
		}
	}
}

// disconnected marks the client unhealthy and schedules a single reconnect,
// unless the client is closed or its context is done.
func (c *Client) disconnected(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.healthy = false
	if c.closed || c.baseCtx.Err() != nil {
		return
	}
	if c.timer != nil {
		// A reconnect is already pending; never stack attempts.
		return
	}
	if cause != nil {
		c.logger.Warn("stream client: connection lost", "error", cause)
	} else {
		c.logger.Info("stream client: connection closed by server")
	}

	c.timer = time.AfterFunc(c.delay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.timer = nil
		if c.closed || c.baseCtx.Err() != nil {
			return
		}
		c.dialLocked()
	})
}
