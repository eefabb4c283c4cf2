package transport

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Event names shared by the transfer and call subsystems.
const (
	EventFileTransferStart  = "file_transfer_start"
	EventFileTransferInit   = "file_transfer_init"
	EventFileChunk          = "file_chunk"
	EventChunkReceived      = "chunk_received"
	EventFileTransferCancel = "file_transfer_cancel"

	EventCallRequest  = "call_request"
	EventCallReceived = "call_received"
	EventCallAnswer   = "call_answer"
	EventCallAnswered = "call_answered"
	EventICECandidate = "ice_candidate"
	EventCallRejected = "call_rejected"
	EventCallEnded    = "call_ended"
	EventCallError    = "call_error"
)

// Frame is the wire representation of one event.
//
// Wire format (JSON text message):
//
//	{"event": "<name>", "data": <payload>}
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame encodes payload into a frame for the named event.
func NewFrame(event string, payload any) (Frame, error) {
	if event == "" {
		return Frame{}, errors.New("event name is empty")
	}

	var data json.RawMessage
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		data = p
	default:
		encoded, err := json.Marshal(payload)
		if err != nil {
			return Frame{}, fmt.Errorf("failed to encode %s payload: %w", event, err)
		}
		data = encoded
	}

	return Frame{Event: event, Data: data}, nil
}

// Serialize converts a frame to bytes for transmission.
func (f Frame) Serialize() ([]byte, error) {
	return json.Marshal(f)
}

// ParseFrame parses a frame received from the wire.
func ParseFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("malformed frame: %w", err)
	}
	if f.Event == "" {
		return Frame{}, errors.New("frame has no event name")
	}
	return f, nil
}
