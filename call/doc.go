// Package call implements two-party voice and video call signaling over the
// shared event channel.
//
// The Controller runs one call at a time. Offers, answers and ICE candidates
// travel through the relay as named events; media travels over a WebRTC
// peer connection built by a PeerFactory, by default a pion PeerConnection.
//
// # Placing a Call
//
//	ctrl, err := call.NewController(channel, mediaManager, nil, call.Config{
//	    SelfID:   "alice",
//	    SelfName: "Alice",
//	})
//	ctrl.OnCallEnded(func(peerID string, err error) {
//	    log.Printf("call with %s ended: %v", peerID, err)
//	})
//	err = ctrl.StartCall(ctx, "bob", call.KindVideo)
//
// StartCall acquires local media first. When the device refuses, the
// controller stays Idle and nothing is sent.
//
// # Answering
//
//	ctrl.OnIncomingCall(func(in call.Incoming) {
//	    go ctrl.AcceptCall(ctx)
//	})
//
// Candidates that arrive before the remote description is known are queued
// and applied in arrival order right after it is set. Locally gathered
// candidates are held back until the offer or answer has been sent.
//
// # States
//
//	StateIdle            // no call
//	StateOutgoing        // offer sent, waiting for the answer
//	StateIncomingRinging // offer received, waiting for Accept or Reject
//	StateConnected       // descriptions exchanged
//	StateEnding          // teardown in progress
//	StateEnded           // terminal
//
// Every path out of a call goes through one teardown: media released, peer
// connection closed, timers stopped, one call_ended or call_rejected sent.
// A second hangup is a no-op.
package call
