package signaling

import (
	"github.com/pion/webrtc/v4"

	"github.com/peerline/peerline/internal/domain/call"
)

// PeerLink is the slice of a peer connection the negotiation coordinator
// drives. Media, transport and codec concerns stay behind the implementation.
type PeerLink interface {
	// CreateOffer builds a local offer and applies it as the local
	// description.
	CreateOffer() (string, error)

	// CreateAnswer builds an answer to the current remote offer and applies
	// it as the local description.
	CreateAnswer() (string, error)

	SetRemoteOffer(sdp string) error
	SetRemoteAnswer(sdp string) error

	// Rollback discards the in-flight local offer so a remote one can be
	// applied instead.
	Rollback() error

	AddICECandidate(c webrtc.ICECandidateInit) error

	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnNegotiationNeeded(fn func())

	Close() error
}

// PeerLinkFactory builds one peer link per remote participant.
type PeerLinkFactory func(kind call.Kind) (PeerLink, error)
