// Package pion adapts a pion/webrtc peer connection to the PeerLink port.
// ICE, DTLS and codec negotiation internals stay inside the library; the
// coordinator only drives descriptions and candidates.
package pion

import (
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/peerline/peerline/internal/application/config"
	"github.com/peerline/peerline/internal/domain/call"
	"github.com/peerline/peerline/internal/signaling"
)

type Link struct {
	pc *webrtc.PeerConnection
}

// NewFactory builds peer links configured with the static STUN list and ICE
// candidate pool size.
func NewFactory(ice config.ICEConfig) signaling.PeerLinkFactory {
	return func(kind call.Kind) (signaling.PeerLink, error) {
		pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{
				{URLs: ice.STUNURLs},
			},
			ICECandidatePoolSize: ice.CandidatePoolSize,
		})
		if err != nil {
			return nil, fmt.Errorf("create peer connection: %w", err)
		}

		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add audio transceiver: %w", err)
		}

		if kind == call.KindVideo {
			if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo); err != nil {
				_ = pc.Close()
				return nil, fmt.Errorf("add video transceiver: %w", err)
			}
		}

		return &Link{pc: pc}, nil
	}
}

func (l *Link) CreateOffer() (string, error) {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}

	if err := l.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local offer: %w", err)
	}

	return offer.SDP, nil
}

func (l *Link) CreateAnswer() (string, error) {
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}

	if err := l.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local answer: %w", err)
	}

	return answer.SDP, nil
}

func (l *Link) SetRemoteOffer(sdp string) error {
	return l.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	})
}

func (l *Link) SetRemoteAnswer(sdp string) error {
	return l.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
}

func (l *Link) Rollback() error {
	return l.pc.SetLocalDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeRollback,
	})
}

func (l *Link) AddICECandidate(c webrtc.ICECandidateInit) error {
	return l.pc.AddICECandidate(c)
}

func (l *Link) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	l.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

func (l *Link) OnNegotiationNeeded(fn func()) {
	l.pc.OnNegotiationNeeded(fn)
}

func (l *Link) Close() error {
	return l.pc.Close()
}
