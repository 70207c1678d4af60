// Package ws is the websocket client for the relay server, implementing the
// signaling Relay port over a single multiplexed connection.
package ws

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/peerline/peerline/internal/application/constant"
	"github.com/peerline/peerline/internal/relaywire"
)

const subscriberBuffer = 64

type subscriber struct {
	ch        chan []byte
	closeOnce sync.Once
}

func (s *subscriber) close() {
	s.closeOnce.Do(func() { close(s.ch) })
}

// Client multiplexes any number of channel subscriptions over one websocket
// connection. On a broken connection it redials with backoff for at most the
// signaling grace period; past that every subscription stream is closed and
// sessions observe the relay as unavailable.
type Client struct {
	url   string
	token string
	grace time.Duration

	mu     sync.Mutex
	conn   *websocket.Conn
	subs   map[string]map[*subscriber]struct{}
	closed bool
}

func Dial(ctx context.Context, url, token string, grace time.Duration) (*Client, error) {
	c := &Client{
		url:   url,
		token: token,
		grace: grace,
		subs:  make(map[string]map[*subscriber]struct{}),
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.conn = conn

	go c.readLoop()

	return c, nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, header)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", c.url, err)
	}

	return conn, nil
}

func (c *Client) Publish(ctx context.Context, channel string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.conn == nil {
		return fmt.Errorf("relay connection down")
	}

	return c.conn.WriteJSON(relaywire.Frame{
		Op:      relaywire.OpPublish,
		Channel: channel,
		Data:    data,
	})
}

func (c *Client) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	sub := &subscriber{ch: make(chan []byte, subscriberBuffer)}

	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()
		return nil, nil, fmt.Errorf("relay client closed")
	}

	first := len(c.subs[channel]) == 0
	if c.subs[channel] == nil {
		c.subs[channel] = make(map[*subscriber]struct{})
	}
	c.subs[channel][sub] = struct{}{}

	var err error
	if first && c.conn != nil {
		err = c.conn.WriteJSON(relaywire.Frame{Op: relaywire.OpSubscribe, Channel: channel})
	}

	c.mu.Unlock()

	if err != nil {
		return nil, nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	var once sync.Once
	stop := func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs[channel], sub)
			last := len(c.subs[channel]) == 0
			if last {
				delete(c.subs, channel)
				if c.conn != nil {
					_ = c.conn.WriteJSON(relaywire.Frame{Op: relaywire.OpUnsubscribe, Channel: channel})
				}
			}
			c.mu.Unlock()

			sub.close()
		})
	}

	return sub.ch, stop, nil
}

func (c *Client) readLoop() {
	for {
		c.mu.Lock()
		conn := c.conn
		closed := c.closed
		c.mu.Unlock()

		if closed || conn == nil {
			return
		}

		var d relaywire.Delivery
		if err := conn.ReadJSON(&d); err != nil {
			if !c.reconnect(err) {
				c.teardown()
				return
			}
			continue
		}

		c.dispatch(d)
	}
}

func (c *Client) dispatch(d relaywire.Delivery) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for sub := range c.subs[d.Channel] {
		select {
		case sub.ch <- d.Data:
		default:
			slog.Warn(
				"dropping relay delivery for slow consumer",
				slog.String(constant.Channel, d.Channel),
			)
		}
	}
}

// reconnect redials with backoff until the grace period runs out, then
// reports the relay as lost. Successful redials resubscribe every channel.
func (c *Client) reconnect(cause error) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.conn = nil
	c.mu.Unlock()

	slog.Warn(
		"relay connection lost, reconnecting",
		slog.Any(constant.Error, cause),
	)

	deadline := time.Now().Add(c.grace)
	backoff := 250 * time.Millisecond

	for time.Now().Before(deadline) {
		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		conn, err := c.dial(ctx)
		cancel()

		if err == nil {
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				_ = conn.Close()
				return false
			}

			c.conn = conn
			for channel := range c.subs {
				_ = conn.WriteJSON(relaywire.Frame{Op: relaywire.OpSubscribe, Channel: channel})
			}
			c.mu.Unlock()

			slog.Info("relay connection restored")
			return true
		}

		time.Sleep(backoff)
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}

	return false
}

// teardown closes every subscription stream so sessions observe the outage.
func (c *Client) teardown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true

	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}

	for channel, subs := range c.subs {
		for sub := range subs {
			sub.close()
		}
		delete(c.subs, channel)
	}
}

func (c *Client) Close() {
	c.teardown()
}
