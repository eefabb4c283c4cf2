package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opd-ai/chatlink/media"
	"github.com/opd-ai/chatlink/transport"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

// fakePeer records what the controller does to a peer connection.
type fakePeer struct {
	mu      sync.Mutex
	tracks  int
	local   *webrtc.SessionDescription
	remote  *webrtc.SessionDescription
	applied []webrtc.ICECandidateInit
	closes  int
	onICE   func(webrtc.ICECandidateInit)
	onState func(webrtc.PeerConnectionState)

	// gatherOnLocal fires a candidate from inside SetLocalDescription.
	gatherOnLocal bool
	failRemote    error
}

func (p *fakePeer) AddTrack(webrtc.TrackLocal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks++
	return nil
}

func (p *fakePeer) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 fake-offer"}, nil
}

func (p *fakePeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 fake-answer"}, nil
}

func (p *fakePeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	p.local = &desc
	gather, handler := p.gatherOnLocal, p.onICE
	p.mu.Unlock()

	if gather && handler != nil {
		handler(webrtc.ICECandidateInit{Candidate: "candidate:early"})
	}
	return nil
}

func (p *fakePeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failRemote != nil {
		return p.failRemote
	}
	p.remote = &desc
	return nil
}

func (p *fakePeer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applied = append(p.applied, candidate)
	return nil
}

func (p *fakePeer) OnICECandidate(handler func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onICE = handler
}

func (p *fakePeer) OnConnectionStateChange(handler func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = handler
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closes++
	return nil
}

// fire delivers a locally gathered candidate.
func (p *fakePeer) fire(candidate string) {
	p.mu.Lock()
	handler := p.onICE
	p.mu.Unlock()
	handler(webrtc.ICECandidateInit{Candidate: candidate})
}

func (p *fakePeer) setState(state webrtc.PeerConnectionState) {
	p.mu.Lock()
	handler := p.onState
	p.mu.Unlock()
	handler(state)
}

func (p *fakePeer) appliedCandidates() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.applied))
	for _, c := range p.applied {
		out = append(out, c.Candidate)
	}
	return out
}

func (p *fakePeer) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

type fakePeerFactory struct {
	mu            sync.Mutex
	peers         []*fakePeer
	gatherOnLocal bool
	failRemote    error
}

func (f *fakePeerFactory) New(webrtc.Configuration) (PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakePeer{gatherOnLocal: f.gatherOnLocal, failRemote: f.failRemote}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *fakePeerFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers)
}

func (f *fakePeerFactory) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

// toggleDevice wraps a synthetic device and fails while deny is set.
// When gate is set, Open signals entered and blocks until gate closes,
// like a permission prompt the user has not answered yet.
type toggleDevice struct {
	deny    atomic.Bool
	inner   media.SyntheticDevice
	gate    chan struct{}
	entered chan struct{}
}

func (d *toggleDevice) Open(ctx context.Context, streamID string, c media.Constraints) ([]media.Track, error) {
	if d.gate != nil {
		if d.entered != nil {
			d.entered <- struct{}{}
		}
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.deny.Load() {
		return nil, errors.New("NotAllowedError: permission denied")
	}
	return d.inner.Open(ctx, streamID, c)
}

// slowDevice makes the next opens block until the returned release is
// called.
func (h *harness) slowDevice() (entered <-chan struct{}, release func()) {
	gate := make(chan struct{})
	signal := make(chan struct{}, 4)
	h.device.gate = gate
	h.device.entered = signal
	var once sync.Once
	return signal, func() { once.Do(func() { close(gate) }) }
}

type recordedEvent struct {
	name string
	data json.RawMessage
}

// remoteEnd is the relay side of the pipe. It records everything the
// controller emits and injects relayed events.
type remoteEnd struct {
	t  *testing.T
	ch *transport.MemoryChannel

	mu     sync.Mutex
	events []recordedEvent
}

func newRemoteEnd(t *testing.T, ch *transport.MemoryChannel) *remoteEnd {
	r := &remoteEnd{t: t, ch: ch}
	for _, name := range []string{
		transport.EventCallRequest,
		transport.EventCallAnswer,
		transport.EventICECandidate,
		transport.EventCallRejected,
		transport.EventCallEnded,
	} {
		ch.Subscribe(name, func(data json.RawMessage) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, recordedEvent{name: name, data: data})
		})
	}
	return r
}

func (r *remoteEnd) send(event string, payload any) {
	r.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(r.t, r.ch.Emit(ctx, event, payload))
}

func (r *remoteEnd) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.name)
	}
	return out
}

func (r *remoteEnd) named(name string) []json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []json.RawMessage
	for _, e := range r.events {
		if e.name == name {
			out = append(out, e.data)
		}
	}
	return out
}

func (r *remoteEnd) waitFor(name string, n int) []json.RawMessage {
	r.t.Helper()
	require.Eventually(r.t, func() bool { return len(r.named(name)) >= n }, time.Second, 5*time.Millisecond,
		"waiting for %d %s", n, name)
	return r.named(name)
}

type harness struct {
	ctrl    *Controller
	remote  *remoteEnd
	peers   *fakePeerFactory
	device  *toggleDevice
	media   *media.Manager
	channel *transport.MemoryChannel

	mu    sync.Mutex
	ended []endedCall
}

type endedCall struct {
	peerID string
	err    error
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()

	local, far := transport.NewPipe()
	h := &harness{
		remote:  newRemoteEnd(t, far),
		peers:   &fakePeerFactory{},
		device:  &toggleDevice{},
		channel: local,
	}
	h.media = media.NewManager(h.device)

	cfg := DefaultConfig()
	cfg.SelfID = "alice"
	cfg.SelfName = "Alice"
	cfg.EmitTimeout = time.Second
	if mutate != nil {
		mutate(&cfg)
	}

	ctrl, err := NewController(local, h.media, h.peers.New, cfg)
	require.NoError(t, err)
	h.ctrl = ctrl

	ctrl.OnCallEnded(func(peerID string, err error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.ended = append(h.ended, endedCall{peerID: peerID, err: err})
	})

	t.Cleanup(func() {
		_ = ctrl.Close()
		_ = local.Close()
		_ = far.Close()
	})
	return h
}

func (h *harness) endedCalls() []endedCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]endedCall(nil), h.ended...)
}

func (h *harness) waitState(t *testing.T, state State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.ctrl.Current().State == state }, time.Second, 5*time.Millisecond,
		"waiting for state %s, have %s", state, h.ctrl.Current().State)
}

func offerFrom(callerID string, kind Kind) Received {
	return Received{
		CallerID:   callerID,
		CallerName: callerID,
		Type:       kind,
		SDP:        &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 remote-offer"},
	}
}

func answerFrom(answererID string) Answered {
	return Answered{
		AnswererID: answererID,
		SDP:        &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 remote-answer"},
	}
}

func candidateFrom(senderID, candidate string) Candidate {
	return Candidate{SenderID: senderID, Candidate: &webrtc.ICECandidateInit{Candidate: candidate}}
}
