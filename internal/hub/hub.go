// Package hub implements the server side of the message relay: named
// channels with fan-out to every subscribed client connection.
package hub

import (
	"log/slog"
	"sync"

	"github.com/peerline/peerline/internal/application/constant"
	"github.com/peerline/peerline/internal/relaywire"
)

const subscriberBuffer = 64

// Subscriber is one client connection's view of the hub. Deliveries for all
// of its channels are multiplexed onto a single ordered stream, which keeps
// per-sender ordering intact end to end.
type Subscriber struct {
	out      chan relaywire.Delivery
	channels map[string]struct{}
}

func (s *Subscriber) Out() <-chan relaywire.Delivery {
	return s.out
}

type Hub struct {
	mu       sync.RWMutex
	channels map[string]map[*Subscriber]struct{}
}

func NewHub() *Hub {
	return &Hub{
		channels: make(map[string]map[*Subscriber]struct{}),
	}
}

func (h *Hub) NewSubscriber() *Subscriber {
	return &Subscriber{
		out:      make(chan relaywire.Delivery, subscriberBuffer),
		channels: make(map[string]struct{}),
	}
}

func (h *Hub) Subscribe(sub *Subscriber, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.channels[channel] == nil {
		h.channels[channel] = make(map[*Subscriber]struct{})
	}
	h.channels[channel][sub] = struct{}{}
	sub.channels[channel] = struct{}{}
}

func (h *Hub) Unsubscribe(sub *Subscriber, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.detach(sub, channel)
}

// Drop removes the subscriber from every channel and closes its stream.
func (h *Hub) Drop(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for channel := range sub.channels {
		h.detach(sub, channel)
	}

	close(sub.out)
}

func (h *Hub) detach(sub *Subscriber, channel string) {
	if subs, ok := h.channels[channel]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.channels, channel)
		}
	}
	delete(sub.channels, channel)
}

// Publish fans one payload out to the channel's subscribers. A subscriber
// whose buffer is full loses the message; the relay contract is
// at-least-once for live consumers, not a persistent queue.
func (h *Hub) Publish(channel string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.channels[channel] {
		select {
		case sub.out <- relaywire.Delivery{Channel: channel, Data: data}:
		default:
			slog.Warn(
				"dropping delivery for slow relay subscriber",
				slog.String(constant.Channel, channel),
			)
		}
	}
}
