package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/sethvargo/go-retry"

	"github.com/peerline/peerline/internal/application/constant"
	"github.com/peerline/peerline/internal/application/metric"
	"github.com/peerline/peerline/internal/domain/signal"
)

// Polite reports which side of a peer pair yields on glare. The
// lexicographically smaller identity is polite; both sides compute the same
// answer without a negotiation round-trip.
func Polite(self, remote uuid.UUID) bool {
	return self.String() < remote.String()
}

// Publisher is the outbound half of a signaling channel.
type Publisher interface {
	Publish(ctx context.Context, msg signal.Message) error
}

// Coordinator drives one peer connection's offer/answer/ICE exchange with a
// single remote peer, implementing glare-safe perfect negotiation.
type Coordinator struct {
	callID uuid.UUID
	self   uuid.UUID
	remote uuid.UUID
	polite bool

	link PeerLink
	out  Publisher

	budget int

	onFailure func(remote uuid.UUID, err error)

	mu            sync.Mutex
	makingOffer   bool
	needed        bool
	remoteApplied bool
	pending       []webrtc.ICECandidateInit
	failures      int
	closed        bool
}

func NewCoordinator(
	callID, self, remote uuid.UUID,
	link PeerLink,
	out Publisher,
	budget int,
	onFailure func(remote uuid.UUID, err error),
) *Coordinator {
	if budget <= 0 {
		budget = 3
	}

	c := &Coordinator{
		callID:    callID,
		self:      self,
		remote:    remote,
		polite:    Polite(self, remote),
		link:      link,
		out:       out,
		budget:    budget,
		onFailure: onFailure,
	}

	link.OnICECandidate(func(cand webrtc.ICECandidateInit) {
		c.sendCandidate(cand)
	})

	link.OnNegotiationNeeded(func() {
		if err := c.Negotiate(context.Background()); err != nil {
			slog.Warn(
				"renegotiation attempt failed",
				slog.Any(constant.Error, err),
				slog.Any(constant.PeerID, c.remote),
			)
		}
	})

	return c
}

func (c *Coordinator) Remote() uuid.UUID {
	return c.remote
}

// Negotiate handles local intent to negotiate. While an own offer is in
// flight the intent is only flagged for retry, so offers never interleave;
// the flag is replayed once the outstanding exchange settles.
func (c *Coordinator) Negotiate(ctx context.Context) error {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()
		return nil
	}

	if c.makingOffer {
		c.needed = true
		c.mu.Unlock()
		return nil
	}

	c.makingOffer = true

	sdp, err := c.link.CreateOffer()
	if err != nil {
		c.makingOffer = false
		c.mu.Unlock()
		return c.recordFailure(fmt.Errorf("create offer: %w", err))
	}

	c.mu.Unlock()

	msg, err := signal.New(signal.TypeOffer, c.callID, c.self, c.remote, signal.SDPPayload{SDP: sdp})
	if err == nil {
		err = c.out.Publish(ctx, msg)
	}
	if err != nil {
		// The offer never reached the wire; clear the in-flight flag so the
		// pair can negotiate again once the transport recovers.
		c.mu.Lock()
		c.makingOffer = false
		c.mu.Unlock()

		return fmt.Errorf("publish offer: %w", err)
	}

	return nil
}

// HandleOffer applies a remote offer. On collision the impolite side keeps
// its own offer and ignores the inbound one; the polite side rolls back.
func (c *Coordinator) HandleOffer(ctx context.Context, sdp string) error {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()
		return nil
	}

	if c.makingOffer {
		if !c.polite {
			metric.GlareOfferDropped()
			slog.Debug(
				"glare: impolite side ignoring inbound offer",
				slog.Any(constant.CallID, c.callID),
				slog.Any(constant.PeerID, c.remote),
			)
			c.mu.Unlock()
			return nil
		}

		if err := c.link.Rollback(); err != nil {
			c.mu.Unlock()
			return c.recordFailure(fmt.Errorf("rollback local offer: %w", err))
		}
		c.makingOffer = false
		c.needed = true
	}

	if err := c.applyWithRetry(ctx, c.link.SetRemoteOffer, sdp); err != nil {
		c.mu.Unlock()
		return c.recordFailure(fmt.Errorf("apply remote offer: %w", err))
	}
	c.remoteApplied = true

	c.flushCandidatesLocked()

	answer, err := c.link.CreateAnswer()
	if err != nil {
		c.mu.Unlock()
		return c.recordFailure(fmt.Errorf("create answer: %w", err))
	}

	c.mu.Unlock()

	msg, err := signal.New(signal.TypeAnswer, c.callID, c.self, c.remote, signal.SDPPayload{SDP: answer})
	if err != nil {
		return err
	}

	return c.out.Publish(ctx, msg)
}

// HandleAnswer completes the local offer it responds to. Answers that do not
// match an outstanding offer are stale and discarded.
func (c *Coordinator) HandleAnswer(ctx context.Context, sdp string) error {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()
		return nil
	}

	if !c.makingOffer {
		metric.StaleMessageDropped()
		slog.Debug(
			"discarding stale answer",
			slog.Any(constant.CallID, c.callID),
			slog.Any(constant.PeerID, c.remote),
		)
		c.mu.Unlock()
		return nil
	}

	if err := c.applyWithRetry(ctx, c.link.SetRemoteAnswer, sdp); err != nil {
		c.mu.Unlock()
		return c.recordFailure(fmt.Errorf("apply remote answer: %w", err))
	}

	c.makingOffer = false
	c.remoteApplied = true
	c.flushCandidatesLocked()

	replay := c.needed
	c.needed = false

	c.mu.Unlock()

	if replay {
		return c.Negotiate(ctx)
	}

	return nil
}

// HandleCandidate buffers candidates that arrive before a remote description
// is applied and flushes them afterwards. Candidates for a closed
// negotiation are dropped.
func (c *Coordinator) HandleCandidate(cand webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		metric.StaleMessageDropped()
		return nil
	}

	if !c.remoteApplied {
		c.pending = append(c.pending, cand)
		return nil
	}

	if err := c.link.AddICECandidate(cand); err != nil {
		slog.Debug(
			"dropping unusable ICE candidate",
			slog.Any(constant.Error, err),
			slog.Any(constant.PeerID, c.remote),
		)
	}

	return nil
}

func (c *Coordinator) flushCandidatesLocked() {
	for _, cand := range c.pending {
		if err := c.link.AddICECandidate(cand); err != nil {
			slog.Debug(
				"dropping buffered ICE candidate",
				slog.Any(constant.Error, err),
				slog.Any(constant.PeerID, c.remote),
			)
		}
	}
	c.pending = nil
}

func (c *Coordinator) applyWithRetry(ctx context.Context, apply func(string) error, sdp string) error {
	backoff := retry.WithMaxRetries(uint64(c.budget), retry.NewExponential(50*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := apply(sdp); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

// recordFailure counts a negotiation error against the budget and, once
// exceeded, demotes the pair via the failure callback.
func (c *Coordinator) recordFailure(err error) error {
	c.mu.Lock()

	c.failures++
	exhausted := c.failures >= c.budget
	if exhausted {
		c.closed = true
		c.pending = nil
	}

	c.mu.Unlock()

	if exhausted {
		_ = c.link.Close()
		if c.onFailure != nil {
			c.onFailure(c.remote, err)
		}
	}

	return err
}

func (c *Coordinator) sendCandidate(cand webrtc.ICECandidateInit) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	msg, err := signal.New(signal.TypeICECandidate, c.callID, c.self, c.remote, signal.CandidatePayload{Candidate: cand})
	if err != nil {
		return
	}

	if err := c.out.Publish(context.Background(), msg); err != nil {
		slog.Warn(
			"publish ICE candidate",
			slog.Any(constant.Error, err),
			slog.Any(constant.PeerID, c.remote),
		)
	}
}

// Close tears down the pair without reporting a failure.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.pending = nil
	c.mu.Unlock()

	_ = c.link.Close()
}
