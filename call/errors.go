package call

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyInCall indicates a call is already in progress.
	ErrAlreadyInCall = errors.New("already in a call")
	// ErrNegotiationTimeout indicates the callee never answered.
	ErrNegotiationTimeout = errors.New("call negotiation timed out")
	// ErrBusy indicates the remote peer is in another call.
	ErrBusy = errors.New("peer is busy")
	// ErrRejected indicates the remote peer declined the call.
	ErrRejected = errors.New("call rejected")
	// ErrNoIncomingCall indicates there is no ringing call to act on.
	ErrNoIncomingCall = errors.New("no incoming call")
	// ErrCallEnded indicates the call ended before the operation finished.
	ErrCallEnded = errors.New("call ended")
	// ErrConnectionFailed indicates the peer connection failed after setup.
	ErrConnectionFailed = errors.New("peer connection failed")
	// ErrInvalidKind indicates an unknown call kind.
	ErrInvalidKind = errors.New("invalid call kind")
	// ErrInvalidPeer indicates an empty or self peer id.
	ErrInvalidPeer = errors.New("invalid peer id")
)

// SignalingError is an error reported by the relay through call_error.
type SignalingError struct {
	Message string
}

func (e *SignalingError) Error() string {
	return fmt.Sprintf("signaling error: %s", e.Message)
}

// rejectionError maps a call_rejected reason to an error.
func rejectionError(reason string) error {
	switch reason {
	case ReasonBusy:
		return ErrBusy
	case "":
		return ErrRejected
	default:
		return fmt.Errorf("%w: %s", ErrRejected, reason)
	}
}
