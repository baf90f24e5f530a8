package ws

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Client maintains a websocket session against the futures stream
// endpoint. Stream subscriptions survive reconnects: every stream ever
// subscribed is replayed after the connection is re-established.
type Client struct {
	url            string
	reconnectDelay time.Duration
	pingInterval   time.Duration
	log            *zap.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	streams []string
	nextID  atomic.Int64
}

func New(url string, reconnectDelay, pingInterval time.Duration, log *zap.Logger) *Client {
	return &Client{url: url, reconnectDelay: reconnectDelay, pingInterval: pingInterval, log: log}
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return err
	}
	conn.SetReadLimit(1 << 20)
	c.conn = conn
	return nil
}

// Subscribe registers streams like "btcusdt@markPrice@1s" and sends the
// subscription if a connection is up.
func (c *Client) Subscribe(ctx context.Context, streams ...string) error {
	normalized := make([]string, 0, len(streams))
	for _, s := range streams {
		normalized = append(normalized, strings.ToLower(s))
	}
	c.mu.Lock()
	c.streams = append(c.streams, normalized...)
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("ws not connected")
	}
	return c.sendSubscribe(ctx, conn, normalized)
}

func (c *Client) Unsubscribe(ctx context.Context, streams ...string) error {
	normalized := make([]string, 0, len(streams))
	for _, s := range streams {
		normalized = append(normalized, strings.ToLower(s))
	}
	c.mu.Lock()
	kept := c.streams[:0]
	for _, existing := range c.streams {
		drop := false
		for _, s := range normalized {
			if existing == s {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, existing)
		}
	}
	c.streams = kept
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	msg := map[string]any{"method": "UNSUBSCRIBE", "params": normalized, "id": c.nextID.Add(1)}
	return writeJSON(ctx, conn, msg)
}

// Run reads messages until ctx is cancelled, reconnecting with the
// configured delay after read failures.
func (c *Client) Run(ctx context.Context, handler func(json.RawMessage)) error {
	for {
		if err := c.ensureConnected(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logWarn("ws connect failed", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.reconnectDelay):
			}
			continue
		}
		pingCtx, cancel := context.WithCancel(ctx)
		pingDone := make(chan struct{})
		go func() {
			defer close(pingDone)
			c.pingLoop(pingCtx)
		}()
		err := c.readLoop(ctx, handler)
		cancel()
		<-pingDone
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logReadLoopError(err)
			c.resetConn()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.reconnectDelay):
			}
		}
	}
}

func (c *Client) ensureConnected(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	streams := append([]string(nil), c.streams...)
	c.mu.Unlock()
	if len(streams) == 0 {
		return nil
	}
	return c.sendSubscribe(ctx, conn, streams)
}

func (c *Client) sendSubscribe(ctx context.Context, conn *websocket.Conn, streams []string) error {
	msg := map[string]any{"method": "SUBSCRIBE", "params": streams, "id": c.nextID.Add(1)}
	return writeJSON(ctx, conn, msg)
}

func (c *Client) readLoop(ctx context.Context, handler func(json.RawMessage)) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("ws not connected")
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}

func (c *Client) pingLoop(ctx context.Context) {
	c.mu.Lock()
	conn := c.conn
	interval := c.pingInterval
	c.mu.Unlock()
	if conn == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (c *Client) logReadLoopError(err error) {
	if c.log == nil {
		return
	}
	status := websocket.CloseStatus(err)
	if status == websocket.StatusNormalClosure {
		c.log.Info("ws read loop ended", zap.Error(err))
		return
	}
	c.log.Warn("ws read loop ended", zap.Error(err))
}

func (c *Client) logWarn(msg string, err error) {
	if c.log != nil {
		c.log.Warn(msg, zap.Error(err))
	}
}

func (c *Client) resetConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "reset")
		c.conn = nil
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
