package call

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// PeerConnection is the subset of a WebRTC peer connection the controller
// drives.
type PeerConnection interface {
	AddTrack(track webrtc.TrackLocal) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	// OnICECandidate registers the handler for locally gathered candidates.
	OnICECandidate(handler func(webrtc.ICECandidateInit))
	OnConnectionStateChange(handler func(webrtc.PeerConnectionState))
	Close() error
}

// PeerFactory creates a peer connection.
type PeerFactory func(cfg webrtc.Configuration) (PeerConnection, error)

// PionPeer adapts a pion PeerConnection.
type PionPeer struct {
	pc *webrtc.PeerConnection

	closeOnce sync.Once
	closeErr  error
}

// NewPionPeer creates a pion-backed peer connection. It satisfies
// PeerFactory.
func NewPionPeer(cfg webrtc.Configuration) (PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	return &PionPeer{pc: pc}, nil
}

// AddTrack attaches a local track and drains its RTCP so interceptors run.
func (p *PionPeer) AddTrack(track webrtc.TrackLocal) error {
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("add track %s: %w", track.ID(), err)
	}

	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

// CreateOffer creates an SDP offer.
func (p *PionPeer) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

// CreateAnswer creates an SDP answer.
func (p *PionPeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

// SetLocalDescription sets the local description and starts gathering.
func (p *PionPeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

// SetRemoteDescription sets the remote description.
func (p *PionPeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

// AddICECandidate applies a remote candidate.
func (p *PionPeer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

// OnICECandidate registers handler for gathered candidates. The end of
// gathering is not forwarded.
func (p *PionPeer) OnICECandidate(handler func(webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		handler(c.ToJSON())
	})
}

// OnConnectionStateChange registers handler for connection state changes.
func (p *PionPeer) OnConnectionStateChange(handler func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(handler)
}

// Close closes the peer connection once.
func (p *PionPeer) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.pc.Close()
		logrus.WithFields(logrus.Fields{
			"function": "Close",
		}).Debug("Peer connection closed")
	})
	return p.closeErr
}

// ICEConfiguration builds a pion configuration from server URLs.
func ICEConfiguration(urls []string) webrtc.Configuration {
	if len(urls) == 0 {
		return webrtc.Configuration{}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: urls}},
	}
}
