package call

import (
	"github.com/opd-ai/chatlink/media"
)

// State represents the current state of a call session.
type State uint8

const (
	// StateIdle indicates no call is in progress.
	StateIdle State = iota
	// StateOutgoing indicates an offer was sent and no answer arrived yet.
	StateOutgoing
	// StateIncomingRinging indicates an offer arrived and awaits the user.
	StateIncomingRinging
	// StateConnected indicates both descriptions are set.
	StateConnected
	// StateEnding indicates teardown is running.
	StateEnding
	// StateEnded indicates the session is over.
	StateEnded
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateOutgoing:
		return "Outgoing"
	case StateIncomingRinging:
		return "IncomingRinging"
	case StateConnected:
		return "Connected"
	case StateEnding:
		return "Ending"
	case StateEnded:
		return "Ended"
	default:
		return "Unknown"
	}
}

// Active reports whether a session in state s blocks new calls.
func (s State) Active() bool {
	return s != StateIdle && s != StateEnded
}

// Role is the side a peer plays in a call.
type Role uint8

const (
	// RoleCaller sends the offer.
	RoleCaller Role = iota
	// RoleCallee answers it.
	RoleCallee
)

// String returns the role name.
func (r Role) String() string {
	if r == RoleCallee {
		return "Callee"
	}
	return "Caller"
}

// Kind is the media kind of a call as carried on the wire.
type Kind string

const (
	// KindVoice is an audio-only call.
	KindVoice Kind = "voice"
	// KindVideo is an audio and video call.
	KindVideo Kind = "video"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindVoice || k == KindVideo
}

// Constraints returns the capture constraints for k.
func (k Kind) Constraints() media.Constraints {
	return media.Constraints{Audio: true, Video: k == KindVideo}
}

// Snapshot is a read-only view of the current call.
type Snapshot struct {
	PeerID               string
	PeerName             string
	Role                 Role
	Kind                 Kind
	State                State
	HasLocalDescription  bool
	HasRemoteDescription bool
	PendingCandidates    int
	Err                  error
}

// Incoming describes an offer waiting to be accepted or rejected.
type Incoming struct {
	PeerID   string
	PeerName string
	Kind     Kind
}
