package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/peerline/peerline/internal/application/constant"
	"github.com/peerline/peerline/internal/application/metric"
	"github.com/peerline/peerline/internal/domain/signal"
)

// Relay is the generic publish/subscribe transport the channel adapter wraps.
// Delivery is at-least-once; order is preserved per sender on one channel.
type Relay interface {
	Publish(ctx context.Context, channel string, data []byte) error

	// Subscribe returns a stream of raw payloads for the channel and a stop
	// function. The stream is closed when the subscription ends or the relay
	// becomes unavailable past its grace period.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)
}

// ErrSignalingUnavailable is surfaced once the publish retry budget is
// exhausted; the session state machine escalates it to a failed session.
var ErrSignalingUnavailable = errors.New("signaling unavailable")

// Channel is a typed view of one relay channel. It stamps outbound messages
// with a per-sender monotonic timestamp and retries publishes with
// exponential backoff before giving up.
type Channel struct {
	relay Relay
	name  string
	self  uuid.UUID

	attempts uint64
	base     time.Duration

	mu     sync.Mutex
	lastTS int64
}

func NewChannel(relay Relay, name string, self uuid.UUID, attempts uint64, base time.Duration) *Channel {
	if attempts == 0 {
		attempts = 5
	}
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	return &Channel{
		relay:    relay,
		name:     name,
		self:     self,
		attempts: attempts,
		base:     base,
	}
}

func (c *Channel) Name() string {
	return c.name
}

// nextTimestamp returns a strictly increasing unix-millisecond stamp so
// receivers can reject stale messages from this sender.
func (c *Channel) nextTimestamp() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UnixMilli()
	if now <= c.lastTS {
		now = c.lastTS + 1
	}
	c.lastTS = now

	return now
}

func (c *Channel) Publish(ctx context.Context, msg signal.Message) error {
	msg.From = c.self
	msg.Timestamp = c.nextTimestamp()

	data, err := msg.Encode()
	if err != nil {
		return err
	}

	backoff := retry.WithMaxRetries(c.attempts, retry.NewExponential(c.base))

	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := c.relay.Publish(ctx, c.name, data); err != nil {
			metric.PublishRetried()
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: publish %s to %s: %w", ErrSignalingUnavailable, msg.Type, c.name, err)
	}

	metric.SignalPublished(string(msg.Type))

	return nil
}

// Subscribe returns the channel's messages, already decoded and with the
// subscriber's own messages filtered out. Malformed payloads and unknown
// types are dropped without disturbing the stream.
func (c *Channel) Subscribe(ctx context.Context) (<-chan signal.Message, func(), error) {
	raw, stop, err := c.relay.Subscribe(ctx, c.name)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: subscribe %s: %w", ErrSignalingUnavailable, c.name, err)
	}

	out := make(chan signal.Message, 16)

	go func() {
		defer close(out)

		for data := range raw {
			msg, err := signal.Decode(data)
			if err != nil {
				slog.Warn(
					"dropping undecodable signaling message",
					slog.Any(constant.Error, err),
					slog.String(constant.Channel, c.name),
				)
				continue
			}

			if msg.From == c.self {
				continue
			}

			metric.SignalReceived(string(msg.Type))

			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, stop, nil
}
