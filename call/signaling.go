package call

import (
	"github.com/pion/webrtc/v4"
)

// Rejection reasons carried by call_rejected.
const (
	ReasonBusy     = "busy"
	ReasonDeclined = "declined"
	ReasonFailed   = "failed"
)

// Request is the payload of call_request.
type Request struct {
	TargetID   string                     `json:"targetId"`
	SenderID   string                     `json:"senderId"`
	CallerName string                     `json:"callerName,omitempty"`
	Type       Kind                       `json:"type"`
	SDP        *webrtc.SessionDescription `json:"sdp"`
}

// Received is the payload of call_received, the relayed form of a Request.
type Received struct {
	CallerID   string                     `json:"callerId"`
	CallerName string                     `json:"callerName,omitempty"`
	Type       Kind                       `json:"type"`
	SDP        *webrtc.SessionDescription `json:"sdp"`
}

// Answer is the payload of call_answer.
type Answer struct {
	TargetID string                     `json:"targetId"`
	SenderID string                     `json:"senderId"`
	SDP      *webrtc.SessionDescription `json:"sdp"`
}

// Answered is the payload of call_answered, the relayed form of an Answer.
type Answered struct {
	AnswererID string                     `json:"answererId"`
	SDP        *webrtc.SessionDescription `json:"sdp"`
}

// Candidate is the payload of ice_candidate in both directions. Outbound
// frames carry TargetID; the relay replaces it with SenderID.
type Candidate struct {
	TargetID  string                   `json:"targetId,omitempty"`
	SenderID  string                   `json:"senderId,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate"`
}

// Hangup is the payload of call_rejected and call_ended.
type Hangup struct {
	TargetID string `json:"targetId,omitempty"`
	SenderID string `json:"senderId,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// ErrorNotice is the payload of call_error.
type ErrorNotice struct {
	Message string `json:"message"`
}
