package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/chatlink/media"
	"github.com/opd-ai/chatlink/transport"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// DefaultSTUNServer is the STUN server used when none is configured.
const DefaultSTUNServer = "stun:stun.l.google.com:19302"

// mediaOwner is the media lease owner of the call stream.
const mediaOwner = "call"

// Config holds the tunables of a Controller.
type Config struct {
	SelfID             string
	SelfName           string
	ICEServers         []string
	NegotiationTimeout time.Duration
	EmitTimeout        time.Duration
}

// DefaultConfig returns the production defaults without an identity.
func DefaultConfig() Config {
	return Config{
		ICEServers:         []string{DefaultSTUNServer},
		NegotiationTimeout: 30 * time.Second,
		EmitTimeout:        5 * time.Second,
	}
}

type session struct {
	peerID   string
	peerName string
	role     Role
	kind     Kind
	state    State
	err      error

	pc         PeerConnection
	lease      *media.Lease
	offer      *webrtc.SessionDescription
	localDesc  *webrtc.SessionDescription
	remoteDesc *webrtc.SessionDescription
	// pending holds remote candidates received before the remote
	// description, in arrival order.
	pending   []webrtc.ICECandidateInit
	timer     *time.Timer
	connected bool
	// accepting is set while AcceptCall opens media without the lock.
	accepting bool

	// ended is set first thing in teardown. Local candidate handlers run
	// on peer connection goroutines and check it without the controller
	// lock.
	ended atomic.Bool

	outMu    sync.Mutex
	signaled bool
	outbox   []webrtc.ICECandidateInit
}

func (s *session) snapshot() Snapshot {
	return Snapshot{
		PeerID:               s.peerID,
		PeerName:             s.peerName,
		Role:                 s.role,
		Kind:                 s.kind,
		State:                s.state,
		HasLocalDescription:  s.localDesc != nil,
		HasRemoteDescription: s.remoteDesc != nil,
		PendingCandidates:    len(s.pending),
		Err:                  s.err,
	}
}

// hangupEvent returns the notification sent on teardown. A callee that
// never connected declines rather than hangs up.
func (s *session) hangupEvent() string {
	if s.role == RoleCallee && !s.connected {
		return transport.EventCallRejected
	}
	return transport.EventCallEnded
}

// Controller runs the signaling of one call at a time over a shared
// channel. Offers, answers and ICE candidates are exchanged through the
// relay; media flows over the peer connection.
type Controller struct {
	channel transport.Channel
	media   *media.Manager
	newPeer PeerFactory
	cfg     Config

	mu      sync.Mutex
	session *session
	closed  bool
	// starting is set while StartCall opens media without the lock.
	starting bool
	// notes are observer callbacks queued under mu and run after unlock.
	notes []func()

	stateCallback    func(Snapshot)
	incomingCallback func(Incoming)
	endedCallback    func(peerID string, err error)

	subs transport.Subscriptions
}

// NewController creates a controller and subscribes it to the call events
// on ch. A nil newPeer selects NewPionPeer.
func NewController(ch transport.Channel, mediaManager *media.Manager, newPeer PeerFactory, cfg Config) (*Controller, error) {
	if cfg.SelfID == "" {
		return nil, errors.New("call controller requires a self id")
	}
	if mediaManager == nil {
		return nil, errors.New("call controller requires a media manager")
	}
	defaults := DefaultConfig()
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = defaults.NegotiationTimeout
	}
	if cfg.EmitTimeout <= 0 {
		cfg.EmitTimeout = defaults.EmitTimeout
	}
	if newPeer == nil {
		newPeer = NewPionPeer
	}

	c := &Controller{
		channel: ch,
		media:   mediaManager,
		newPeer: newPeer,
		cfg:     cfg,
	}

	c.subs.Add(ch.Subscribe(transport.EventCallReceived, c.handleReceived))
	c.subs.Add(ch.Subscribe(transport.EventCallAnswered, c.handleAnswered))
	c.subs.Add(ch.Subscribe(transport.EventICECandidate, c.handleCandidate))
	c.subs.Add(ch.Subscribe(transport.EventCallRejected, c.handleRejected))
	c.subs.Add(ch.Subscribe(transport.EventCallEnded, c.handleEnded))
	c.subs.Add(ch.Subscribe(transport.EventCallError, c.handleError))

	logrus.WithFields(logrus.Fields{
		"function":            "NewController",
		"self_id":             cfg.SelfID,
		"negotiation_timeout": cfg.NegotiationTimeout,
	}).Info("Call controller created")

	return c, nil
}

// OnStateChange sets the callback invoked after every state transition.
func (c *Controller) OnStateChange(callback func(Snapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateCallback = callback
}

// OnIncomingCall sets the callback invoked when an offer starts ringing.
func (c *Controller) OnIncomingCall(callback func(Incoming)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.incomingCallback = callback
}

// OnCallEnded sets the callback invoked once per session when it ends.
// err is nil for a normal hangup.
func (c *Controller) OnCallEnded(callback func(peerID string, err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endedCallback = callback
}

// Current returns a snapshot of the latest session.
func (c *Controller) Current() Snapshot {
	c.mu.Lock()
	defer c.unlock()

	if c.session == nil {
		return Snapshot{State: StateIdle}
	}
	return c.session.snapshot()
}

// StartCall offers a call to peerID. A failure to open media leaves the
// controller idle with nothing sent. The controller lock is not held while
// the device opens, so events on the shared channel keep flowing.
func (c *Controller) StartCall(ctx context.Context, peerID string, kind Kind) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	if peerID == "" || peerID == c.cfg.SelfID {
		return fmt.Errorf("%w: %q", ErrInvalidPeer, peerID)
	}

	c.mu.Lock()
	if c.closed {
		c.unlock()
		return transport.ErrClosed
	}
	if c.starting {
		c.unlock()
		return ErrAlreadyInCall
	}
	if c.session != nil && c.session.state.Active() {
		err := fmt.Errorf("%w with %s", ErrAlreadyInCall, c.session.peerID)
		c.unlock()
		return err
	}
	c.starting = true
	c.unlock()

	logrus.WithFields(logrus.Fields{
		"function": "StartCall",
		"peer_id":  peerID,
		"kind":     kind,
	}).Info("Starting call")

	lease, err := c.media.Acquire(ctx, mediaOwner, kind.Constraints())

	c.mu.Lock()
	defer c.unlock()
	c.starting = false

	if err != nil {
		return fmt.Errorf("start call: %w", err)
	}
	if c.closed {
		lease.Release()
		return transport.ErrClosed
	}

	s := &session{peerID: peerID, role: RoleCaller, kind: kind, state: StateIdle, lease: lease}
	if err := c.preparePeer(s); err != nil {
		c.discard(s)
		return fmt.Errorf("start call: %w", err)
	}

	offer, err := s.pc.CreateOffer()
	if err != nil {
		c.discard(s)
		return fmt.Errorf("create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		c.discard(s)
		return fmt.Errorf("set local description: %w", err)
	}
	s.localDesc = &offer

	if err := c.emit(transport.EventCallRequest, Request{
		TargetID:   peerID,
		SenderID:   c.cfg.SelfID,
		CallerName: c.cfg.SelfName,
		Type:       kind,
		SDP:        &offer,
	}); err != nil {
		c.discard(s)
		return fmt.Errorf("send call request: %w", err)
	}

	c.session = s
	c.setStateLocked(s, StateOutgoing)
	c.releaseOutbox(s)
	s.timer = time.AfterFunc(c.cfg.NegotiationTimeout, func() { c.handleNegotiationTimeout(s) })
	return nil
}

// AcceptCall answers the ringing call. The session keeps ringing while
// media opens; a hangup or reject in that window wins and the lease is
// given back.
func (c *Controller) AcceptCall(ctx context.Context) error {
	c.mu.Lock()
	s := c.session
	if s == nil || s.state != StateIncomingRinging || s.accepting {
		c.unlock()
		return ErrNoIncomingCall
	}
	s.accepting = true
	kind := s.kind
	c.unlock()

	lease, err := c.media.Acquire(ctx, mediaOwner, kind.Constraints())

	c.mu.Lock()
	defer c.unlock()
	s.accepting = false

	if c.session != s || s.ended.Load() || s.state != StateIncomingRinging {
		if err == nil {
			lease.Release()
		}
		return fmt.Errorf("accept call: %w", ErrCallEnded)
	}
	if err != nil {
		c.teardownLocked(s, err, ReasonFailed)
		return fmt.Errorf("accept call: %w", err)
	}
	s.lease = lease

	if err := c.answerLocked(s); err != nil {
		c.teardownLocked(s, err, ReasonFailed)
		return fmt.Errorf("accept call: %w", err)
	}
	return nil
}

// RejectCall declines the ringing call.
func (c *Controller) RejectCall() error {
	c.mu.Lock()
	defer c.unlock()

	s := c.session
	if s == nil || s.state != StateIncomingRinging {
		return ErrNoIncomingCall
	}
	c.teardownLocked(s, nil, ReasonDeclined)
	return nil
}

// EndCall hangs up the current call. It is a no-op when there is none.
func (c *Controller) EndCall() error {
	c.mu.Lock()
	defer c.unlock()

	s := c.session
	if s == nil || !s.state.Active() {
		return nil
	}
	c.teardownLocked(s, nil, "")
	return nil
}

// Close ends the current call and unsubscribes the controller.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if s := c.session; s != nil && s.state.Active() {
		c.teardownLocked(s, nil, "")
	}
	c.unlock()

	c.subs.UnsubscribeAll()

	logrus.WithFields(logrus.Fields{
		"function": "Close",
		"self_id":  c.cfg.SelfID,
	}).Info("Call controller closed")
	return nil
}

func (c *Controller) preparePeer(s *session) error {
	pc, err := c.newPeer(ICEConfiguration(c.cfg.ICEServers))
	if err != nil {
		return err
	}
	s.pc = pc

	pc.OnICECandidate(func(candidate webrtc.ICECandidateInit) {
		c.handleLocalCandidate(s, candidate)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateFailed {
			go c.handlePeerFailed(s)
		}
	})

	if s.lease == nil {
		return nil
	}
	for _, track := range s.lease.Tracks() {
		local := track.Local()
		if local == nil {
			continue
		}
		if err := pc.AddTrack(local); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) answerLocked(s *session) error {
	if err := c.preparePeer(s); err != nil {
		return err
	}
	if err := s.pc.SetRemoteDescription(*s.offer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	s.remoteDesc = s.offer
	c.flushPendingLocked(s)

	answer, err := s.pc.CreateAnswer()
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	s.localDesc = &answer

	if err := c.emit(transport.EventCallAnswer, Answer{
		TargetID: s.peerID,
		SenderID: c.cfg.SelfID,
		SDP:      &answer,
	}); err != nil {
		return fmt.Errorf("send call answer: %w", err)
	}

	s.connected = true
	c.setStateLocked(s, StateConnected)
	c.releaseOutbox(s)
	return nil
}

// flushPendingLocked applies queued remote candidates in arrival order.
func (c *Controller) flushPendingLocked(s *session) {
	pending := s.pending
	s.pending = nil

	for _, candidate := range pending {
		if err := s.pc.AddICECandidate(candidate); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "flushPendingLocked",
				"peer_id":  s.peerID,
				"error":    err.Error(),
			}).Warn("Failed to apply queued ICE candidate")
		}
	}

	if len(pending) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "flushPendingLocked",
			"peer_id":  s.peerID,
			"count":    len(pending),
		}).Debug("Applied queued ICE candidates")
	}
}

// releaseOutbox sends local candidates gathered before the offer or
// answer went out, and lets later ones go straight through.
func (c *Controller) releaseOutbox(s *session) {
	s.outMu.Lock()
	defer s.outMu.Unlock()

	s.signaled = true
	for _, candidate := range s.outbox {
		c.emitCandidate(s, candidate)
	}
	s.outbox = nil
}

func (c *Controller) handleLocalCandidate(s *session, candidate webrtc.ICECandidateInit) {
	if s.ended.Load() {
		return
	}

	s.outMu.Lock()
	defer s.outMu.Unlock()

	if s.ended.Load() {
		return
	}
	if !s.signaled {
		s.outbox = append(s.outbox, candidate)
		return
	}
	c.emitCandidate(s, candidate)
}

func (c *Controller) emitCandidate(s *session, candidate webrtc.ICECandidateInit) {
	if err := c.emit(transport.EventICECandidate, Candidate{
		TargetID:  s.peerID,
		SenderID:  c.cfg.SelfID,
		Candidate: &candidate,
	}); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "emitCandidate",
			"peer_id":  s.peerID,
			"error":    err.Error(),
		}).Warn("Failed to send ICE candidate")
	}
}

// teardownLocked ends s once: it releases media, closes the peer
// connection, stops the timer and sends one hangup notification.
func (c *Controller) teardownLocked(s *session, cause error, reason string) {
	if s.ended.Swap(true) {
		return
	}
	c.setStateLocked(s, StateEnding)

	if s.timer != nil {
		s.timer.Stop()
	}
	if s.lease != nil {
		s.lease.Release()
	}
	if s.pc != nil {
		if err := s.pc.Close(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "teardownLocked",
				"peer_id":  s.peerID,
				"error":    err.Error(),
			}).Warn("Failed to close peer connection")
		}
	}
	s.pending = nil

	// Waits out a candidate send in progress so the hangup goes last.
	s.outMu.Lock()
	s.outbox = nil
	s.outMu.Unlock()

	event := s.hangupEvent()
	if event == transport.EventCallRejected && reason == "" {
		reason = ReasonDeclined
	}
	if err := c.emit(event, Hangup{TargetID: s.peerID, SenderID: c.cfg.SelfID, Reason: reason}); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "teardownLocked",
			"peer_id":  s.peerID,
			"event":    event,
			"error":    err.Error(),
		}).Warn("Failed to send hangup notification")
	}

	s.err = cause
	c.setStateLocked(s, StateEnded)

	fields := logrus.Fields{
		"function": "teardownLocked",
		"peer_id":  s.peerID,
		"event":    event,
	}
	if cause != nil {
		fields["error"] = cause.Error()
	}
	logrus.WithFields(fields).Info("Call ended")

	if cb := c.endedCallback; cb != nil {
		peerID := s.peerID
		c.notes = append(c.notes, func() { cb(peerID, cause) })
	}
}

// discard drops a session that was never announced to the peer.
func (c *Controller) discard(s *session) {
	s.ended.Store(true)
	if s.pc != nil {
		_ = s.pc.Close()
	}
	if s.lease != nil {
		s.lease.Release()
	}
}

func (c *Controller) setStateLocked(s *session, state State) {
	previous := s.state
	s.state = state

	logrus.WithFields(logrus.Fields{
		"function": "setState",
		"peer_id":  s.peerID,
		"role":     s.role.String(),
		"from":     previous.String(),
		"to":       state.String(),
	}).Info("Call state changed")

	if cb := c.stateCallback; cb != nil {
		snap := s.snapshot()
		c.notes = append(c.notes, func() { cb(snap) })
	}
}

// activeLocked returns the current session if it is live and belongs to
// peerID.
func (c *Controller) activeLocked(peerID string) *session {
	s := c.session
	if s == nil || !s.state.Active() || s.ended.Load() || s.peerID != peerID {
		return nil
	}
	return s
}

func (c *Controller) handleReceived(data json.RawMessage) {
	var msg Received
	if !decode(transport.EventCallReceived, data, &msg) {
		return
	}
	if msg.CallerID == "" {
		logrus.WithField("function", "handleReceived").Warn("Dropping call offer without caller id")
		return
	}

	c.mu.Lock()
	defer c.unlock()

	if c.closed {
		return
	}
	if s := c.session; c.starting || (s != nil && s.state.Active()) {
		// A redelivered offer from the current peer is dropped. An offer
		// crossing our own unanswered one is glare and gets busy.
		if s != nil && s.state.Active() && s.peerID == msg.CallerID && s.state != StateOutgoing {
			logrus.WithFields(logrus.Fields{
				"function": "handleReceived",
				"peer_id":  msg.CallerID,
			}).Debug("Ignoring duplicate offer from current peer")
			return
		}

		logrus.WithFields(logrus.Fields{
			"function":  "handleReceived",
			"caller_id": msg.CallerID,
		}).Info("Rejecting call while busy")
		if err := c.emit(transport.EventCallRejected, Hangup{
			TargetID: msg.CallerID,
			SenderID: c.cfg.SelfID,
			Reason:   ReasonBusy,
		}); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleReceived",
				"error":    err.Error(),
			}).Warn("Failed to send busy rejection")
		}
		return
	}

	if msg.SDP == nil || msg.SDP.Type != webrtc.SDPTypeOffer {
		logrus.WithFields(logrus.Fields{
			"function":  "handleReceived",
			"caller_id": msg.CallerID,
		}).Warn("Dropping call without offer")
		return
	}

	kind := msg.Type
	if !kind.Valid() {
		kind = KindVoice
	}

	s := &session{
		peerID:   msg.CallerID,
		peerName: msg.CallerName,
		role:     RoleCallee,
		kind:     kind,
		state:    StateIdle,
		offer:    msg.SDP,
	}
	c.session = s
	c.setStateLocked(s, StateIncomingRinging)

	if cb := c.incomingCallback; cb != nil {
		incoming := Incoming{PeerID: s.peerID, PeerName: s.peerName, Kind: kind}
		c.notes = append(c.notes, func() { cb(incoming) })
	}
}

func (c *Controller) handleAnswered(data json.RawMessage) {
	var msg Answered
	if !decode(transport.EventCallAnswered, data, &msg) {
		return
	}

	c.mu.Lock()
	defer c.unlock()

	s := c.activeLocked(msg.AnswererID)
	if s == nil || s.role != RoleCaller || s.state != StateOutgoing {
		logrus.WithFields(logrus.Fields{
			"function":    "handleAnswered",
			"answerer_id": msg.AnswererID,
		}).Debug("Ignoring uncorrelated answer")
		return
	}
	if msg.SDP == nil || msg.SDP.Type != webrtc.SDPTypeAnswer {
		logrus.WithFields(logrus.Fields{
			"function":    "handleAnswered",
			"answerer_id": msg.AnswererID,
		}).Warn("Ignoring answer without answer description")
		return
	}

	if err := s.pc.SetRemoteDescription(*msg.SDP); err != nil {
		c.teardownLocked(s, fmt.Errorf("set remote description: %w", err), ReasonFailed)
		return
	}
	s.remoteDesc = msg.SDP
	if s.timer != nil {
		s.timer.Stop()
	}
	c.flushPendingLocked(s)

	s.connected = true
	c.setStateLocked(s, StateConnected)
}

func (c *Controller) handleCandidate(data json.RawMessage) {
	var msg Candidate
	if !decode(transport.EventICECandidate, data, &msg) {
		return
	}
	if msg.Candidate == nil {
		logrus.WithField("function", "handleCandidate").Warn("Dropping empty ICE candidate")
		return
	}

	c.mu.Lock()
	defer c.unlock()

	s := c.activeLocked(msg.SenderID)
	if s == nil {
		logrus.WithFields(logrus.Fields{
			"function":  "handleCandidate",
			"sender_id": msg.SenderID,
		}).Debug("Ignoring ICE candidate for no active call")
		return
	}

	if s.remoteDesc == nil || s.pc == nil {
		s.pending = append(s.pending, *msg.Candidate)
		logrus.WithFields(logrus.Fields{
			"function": "handleCandidate",
			"peer_id":  s.peerID,
			"queued":   len(s.pending),
		}).Debug("Queued ICE candidate until remote description is set")
		return
	}
	if err := s.pc.AddICECandidate(*msg.Candidate); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleCandidate",
			"peer_id":  s.peerID,
			"error":    err.Error(),
		}).Warn("Failed to apply ICE candidate")
	}
}

func (c *Controller) handleRejected(data json.RawMessage) {
	var msg Hangup
	if !decode(transport.EventCallRejected, data, &msg) {
		return
	}

	c.mu.Lock()
	defer c.unlock()

	if s := c.activeLocked(msg.SenderID); s != nil {
		c.teardownLocked(s, rejectionError(msg.Reason), "")
	}
}

func (c *Controller) handleEnded(data json.RawMessage) {
	var msg Hangup
	if !decode(transport.EventCallEnded, data, &msg) {
		return
	}

	c.mu.Lock()
	defer c.unlock()

	if s := c.activeLocked(msg.SenderID); s != nil {
		c.teardownLocked(s, nil, "")
	}
}

func (c *Controller) handleError(data json.RawMessage) {
	var msg ErrorNotice
	if !decode(transport.EventCallError, data, &msg) {
		return
	}

	c.mu.Lock()
	defer c.unlock()

	s := c.session
	if s == nil || !s.state.Active() || s.ended.Load() {
		logrus.WithFields(logrus.Fields{
			"function": "handleError",
			"message":  msg.Message,
		}).Warn("Signaling error with no active call")
		return
	}
	c.teardownLocked(s, &SignalingError{Message: msg.Message}, ReasonFailed)
}

func (c *Controller) handleNegotiationTimeout(s *session) {
	c.mu.Lock()
	defer c.unlock()

	if c.session != s || s.state != StateOutgoing || s.ended.Load() {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "handleNegotiationTimeout",
		"peer_id":  s.peerID,
		"timeout":  c.cfg.NegotiationTimeout,
	}).Warn("No answer before negotiation timeout")
	c.teardownLocked(s, ErrNegotiationTimeout, "")
}

func (c *Controller) handlePeerFailed(s *session) {
	c.mu.Lock()
	defer c.unlock()

	if c.session != s || !s.state.Active() || s.ended.Load() {
		return
	}
	c.teardownLocked(s, ErrConnectionFailed, ReasonFailed)
}

func (c *Controller) emit(event string, payload any) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.EmitTimeout)
	defer cancel()
	return c.channel.Emit(ctx, event, payload)
}

// unlock releases mu and runs the observer callbacks queued while it was
// held.
func (c *Controller) unlock() {
	notes := c.notes
	c.notes = nil
	c.mu.Unlock()

	for _, note := range notes {
		note()
	}
}

func decode(event string, data json.RawMessage, v any) bool {
	if err := json.Unmarshal(data, v); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "decode",
			"event":    event,
			"error":    err.Error(),
		}).Warn("Dropping malformed signaling event")
		return false
	}
	return true
}
