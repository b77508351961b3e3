package fanout

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/gorilla/websocket"

	"github.com/charleschow/spin-overlay/internal/telemetry"
)

const (
	minBackoff = 1 * time.Second
	maxBackoff = 30 * time.Second
)

// MessageHandler receives every decoded overlay message.
type MessageHandler func(Inbound)

// Client is a headless overlay: it connects to the server's /ws endpoint
// and hands each message to a handler.
type Client struct {
	url     string
	handle  MessageHandler
	dialer  *websocket.Dialer
	backoff time.Duration
}

func NewClient(url string, handle MessageHandler) *Client {
	return &Client{
		url:     url,
		handle:  handle,
		dialer:  websocket.DefaultDialer,
		backoff: minBackoff,
	}
}

// ConnectWithRetry connects to the server and reconnects on failure
// with exponential backoff. Blocks until ctx is cancelled.
func (c *Client) ConnectWithRetry(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		connStart := time.Now()
		err := c.Connect(ctx)
		if ctx.Err() != nil {
			return
		}

		if time.Since(connStart) > time.Minute {
			attempt = 0
		}

		attempt++
		backoff := time.Duration(float64(c.backoff) * math.Pow(2, float64(min(attempt-1, 5))))
		if backoff > maxBackoff {
			backoff = maxBackoff
		}

		if err != nil {
			telemetry.Warnf("overlay: connection lost (attempt %d): %v, retrying in %s", attempt, err, backoff)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

// Connect runs a single session and returns when the connection drops or
// ctx is cancelled.
func (c *Client) Connect(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	telemetry.Infof("overlay: connected to %s", c.url)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}

		msg, err := Decode(data)
		if err != nil {
			telemetry.Warnf("overlay: %v", err)
			continue
		}
		c.handle(msg)
	}
}
