// Package memory provides an in-process publish/subscribe relay. It backs
// tests and single-process deployments; distributed setups use the websocket
// relay client instead.
package memory

import (
	"context"
	"log/slog"
	"sync"

	"github.com/peerline/peerline/internal/application/constant"
)

const subscriberBuffer = 64

type subscriber struct {
	ch chan []byte
}

type Relay struct {
	mu   sync.RWMutex
	subs map[string]map[*subscriber]struct{}
}

func NewRelay() *Relay {
	return &Relay{
		subs: make(map[string]map[*subscriber]struct{}),
	}
}

// Publish fans the payload out to every subscriber of the channel. Publish
// calls from one sender are synchronous, which preserves per-sender order. A
// subscriber that stopped draining loses messages rather than blocking the
// relay.
func (r *Relay) Publish(ctx context.Context, channel string, data []byte) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for sub := range r.subs[channel] {
		select {
		case sub.ch <- data:
		default:
			slog.Warn(
				"dropping message for slow subscriber",
				slog.String(constant.Channel, channel),
			)
		}
	}

	return nil
}

func (r *Relay) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	sub := &subscriber{ch: make(chan []byte, subscriberBuffer)}

	r.mu.Lock()
	if r.subs[channel] == nil {
		r.subs[channel] = make(map[*subscriber]struct{})
	}
	r.subs[channel][sub] = struct{}{}
	r.mu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs[channel], sub)
			if len(r.subs[channel]) == 0 {
				delete(r.subs, channel)
			}
			r.mu.Unlock()

			close(sub.ch)
		})
	}

	return sub.ch, stop, nil
}
