// Package relay emulates the chat server side of the event channel: it
// forwards call signaling between attached users and reassembles uploaded
// files.
//
// Each user is attached with one transport.Channel. The relay knows who sent
// an event by the channel it arrived on, so outbound frames are rewritten
// with the sender's id before they are delivered to the target.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/chatlink/file"
	"github.com/opd-ai/chatlink/limits"
	"github.com/opd-ai/chatlink/transport"
	"github.com/sirupsen/logrus"
)

var (
	// ErrDuplicateUser is returned when a user is already attached.
	ErrDuplicateUser = errors.New("user already attached")
	// ErrInvalidUser is returned for an empty user id.
	ErrInvalidUser = errors.New("invalid user id")
)

// offlineMessage is the call_error text for an unknown target.
const offlineMessage = "User is offline"

// Upload is a completed file handed to the OnUpload callback.
type Upload struct {
	Info file.UploadInfo
	Data []byte
}

// Options configures a Relay.
type Options struct {
	// MaxFileSize bounds accepted uploads. Defaults to limits.MaxFileSize.
	MaxFileSize int64
	// EmitTimeout bounds every frame the relay sends. Defaults to 5s.
	EmitTimeout time.Duration
}

type member struct {
	id   string
	ch   transport.Channel
	subs transport.Subscriptions
}

// Relay routes events between attached users.
type Relay struct {
	opts      Options
	assembler *file.Assembler

	mu       sync.Mutex
	members  map[string]*member
	closed   bool
	onUpload func(Upload)
}

// New creates a relay.
func New(opts Options) *Relay {
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = limits.MaxFileSize
	}
	if opts.EmitTimeout <= 0 {
		opts.EmitTimeout = 5 * time.Second
	}
	return &Relay{
		opts:      opts,
		assembler: file.NewAssembler(opts.MaxFileSize),
		members:   make(map[string]*member),
	}
}

// OnUpload sets the callback invoked for every completed upload.
func (r *Relay) OnUpload(callback func(Upload)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onUpload = callback
}

// Assembler exposes the upload table.
func (r *Relay) Assembler() *file.Assembler {
	return r.assembler
}

// Attach registers userID on ch and starts routing its events.
func (r *Relay) Attach(userID string, ch transport.Channel) error {
	if userID == "" {
		return ErrInvalidUser
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return transport.ErrClosed
	}
	if _, exists := r.members[userID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateUser, userID)
	}

	m := &member{id: userID, ch: ch}
	r.subscribeCalls(m)
	r.subscribeFiles(m)
	r.members[userID] = m

	logrus.WithFields(logrus.Fields{
		"function": "Attach",
		"user_id":  userID,
		"members":  len(r.members),
	}).Info("User attached to relay")
	return nil
}

// Detach stops routing for userID. It reports whether the user was attached.
func (r *Relay) Detach(userID string) bool {
	return r.detach(userID, nil)
}

// detach removes userID, only if it is still bound to ch when ch is set.
func (r *Relay) detach(userID string, ch transport.Channel) bool {
	r.mu.Lock()
	m, ok := r.members[userID]
	if !ok || (ch != nil && m.ch != ch) {
		r.mu.Unlock()
		return false
	}
	delete(r.members, userID)
	r.mu.Unlock()

	m.subs.UnsubscribeAll()

	logrus.WithFields(logrus.Fields{
		"function": "Detach",
		"user_id":  userID,
	}).Info("User detached from relay")
	return true
}

// Online reports whether userID is attached.
func (r *Relay) Online(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.members[userID]
	return ok
}

// Close detaches every user. Channels are left to their owners.
func (r *Relay) Close() error {
	r.mu.Lock()
	r.closed = true
	ids := make([]string, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Detach(id)
	}
	return nil
}

func (r *Relay) lookup(userID string) (*member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[userID]
	return m, ok
}

func (r *Relay) send(m *member, event string, payload any) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.EmitTimeout)
	defer cancel()

	if err := m.ch.Emit(ctx, event, payload); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "send",
			"user_id":  m.id,
			"event":    event,
			"error":    err.Error(),
		}).Warn("Failed to deliver relayed event")
	}
}
