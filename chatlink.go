// Package chatlink is the reliability layer of a chat client. It runs
// chunked file transfers and two-party calls over one shared, ordered
// event channel to the chat server.
//
// Example:
//
//	cfg, err := config.Load("chatlink.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	client, err := chatlink.Connect(ctx, chatlink.NewOptions(cfg))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.OnIncomingCall(func(in call.Incoming) {
//	    go client.Accept(ctx)
//	})
//
//	session, err := client.SendFile(ctx, chatlink.Direct("bob"), "report.pdf", "application/pdf", blob)
package chatlink

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/opd-ai/chatlink/call"
	"github.com/opd-ai/chatlink/config"
	"github.com/opd-ai/chatlink/file"
	"github.com/opd-ai/chatlink/media"
	"github.com/opd-ai/chatlink/room"
	"github.com/opd-ai/chatlink/transport"
	"github.com/sirupsen/logrus"
)

// Options contains everything needed to build a Client.
type Options struct {
	Config config.Config
	// Device captures local media. Nil selects a silent synthetic device.
	Device media.Device
	// PeerFactory builds call peer connections. Nil selects pion.
	PeerFactory call.PeerFactory
}

// NewOptions returns options for cfg with the default device and peer
// factory.
func NewOptions(cfg config.Config) *Options {
	return &Options{Config: cfg}
}

// Conversation identifies where a file is posted.
type Conversation struct {
	ChannelID string
	GroupID   string
	FriendID  string
}

// Public returns the public lobby conversation.
func Public() Conversation { return Conversation{ChannelID: room.PublicChannel} }

// Group returns a group conversation.
func Group(groupID string) Conversation { return Conversation{GroupID: groupID} }

// Direct returns a one-to-one conversation with friendID.
func Direct(friendID string) Conversation { return Conversation{FriendID: friendID} }

// Client wires the transfer engine, the call controller and the media
// manager onto one channel.
type Client struct {
	channel     transport.Channel
	ownsChannel bool
	cfg         config.Config

	media     *media.Manager
	transfers *file.Engine
	calls     *call.Controller

	closeOnce sync.Once
	closeErr  error
}

// Connect dials the configured server and builds a Client that owns the
// connection.
func Connect(ctx context.Context, options *Options) (*Client, error) {
	if options == nil {
		return nil, errors.New("chatlink: options required")
	}
	if options.Config.Server.URL == "" {
		return nil, errors.New("chatlink: server url required")
	}

	ch, err := transport.Dial(ctx, options.Config.Server.URL, options.Config.Dial())
	if err != nil {
		return nil, err
	}

	client, err := New(ch, options)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	client.ownsChannel = true
	return client, nil
}

// New builds a Client over an existing channel. The channel stays owned by
// the caller.
func New(ch transport.Channel, options *Options) (*Client, error) {
	if ch == nil {
		return nil, errors.New("chatlink: channel required")
	}
	if options == nil {
		options = NewOptions(config.Default())
	}
	cfg := options.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Identity.UserID == "" {
		return nil, fmt.Errorf("%w: identity.user_id required", config.ErrInvalid)
	}

	device := options.Device
	if device == nil {
		device = &media.SyntheticDevice{Silence: true}
	}
	mediaManager := media.NewManager(device)

	calls, err := call.NewController(ch, mediaManager, options.PeerFactory, cfg.Controller())
	if err != nil {
		return nil, err
	}

	c := &Client{
		channel:   ch,
		cfg:       cfg,
		media:     mediaManager,
		transfers: file.NewEngine(ch, cfg.Engine()),
		calls:     calls,
	}

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"user_id":  cfg.Identity.UserID,
	}).Info("Client created")

	return c, nil
}

// SelfID returns the local user id.
func (c *Client) SelfID() string {
	return c.cfg.Identity.UserID
}

// Transfers returns the transfer engine.
func (c *Client) Transfers() *file.Engine { return c.transfers }

// Calls returns the call controller.
func (c *Client) Calls() *call.Controller { return c.calls }

// Media returns the media manager.
func (c *Client) Media() *media.Manager { return c.media }

// SendFile uploads blob and announces it in the conversation's room.
func (c *Client) SendFile(ctx context.Context, conv Conversation, name, mimeType string, blob []byte) (*file.Session, error) {
	roomKey, err := room.Key(conv.ChannelID, conv.GroupID, conv.FriendID, c.SelfID())
	if err != nil {
		return nil, err
	}

	normalized := file.NormalizeFileName(name)
	session, err := c.transfers.Send(ctx, file.Meta{
		FileName: name,
		MimeType: mimeType,
		Envelope: file.Envelope{
			SenderID:   c.SelfID(),
			ReceiverID: conv.FriendID,
			GroupID:    conv.GroupID,
			SenderName: c.cfg.Identity.UserName,
			Room:       roomKey,
			Content:    normalized,
			Type:       file.EnvelopeTypeFile,
		},
	}, blob)
	if err != nil {
		return session, fmt.Errorf("send %s: %w", normalized, err)
	}
	return session, nil
}

// OnProgress sets the transfer progress callback.
func (c *Client) OnProgress(callback func(sessionID string, fraction float64)) {
	c.transfers.OnProgress(callback)
}

// CancelTransfer cancels a running transfer.
func (c *Client) CancelTransfer(sessionID string) error {
	return c.transfers.Cancel(sessionID)
}

// Call places a call to peerID.
func (c *Client) Call(ctx context.Context, peerID string, kind call.Kind) error {
	return c.calls.StartCall(ctx, peerID, kind)
}

// Accept answers the ringing call.
func (c *Client) Accept(ctx context.Context) error {
	return c.calls.AcceptCall(ctx)
}

// Reject declines the ringing call.
func (c *Client) Reject() error {
	return c.calls.RejectCall()
}

// Hangup ends the current call.
func (c *Client) Hangup() error {
	return c.calls.EndCall()
}

// OnIncomingCall sets the incoming call callback.
func (c *Client) OnIncomingCall(callback func(call.Incoming)) {
	c.calls.OnIncomingCall(callback)
}

// OnCallEnded sets the call ended callback.
func (c *Client) OnCallEnded(callback func(peerID string, err error)) {
	c.calls.OnCallEnded(callback)
}

// Close ends the call, cancels transfers, releases media and closes the
// channel when the client owns it.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		var errs []error
		if err := c.calls.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := c.transfers.Close(); err != nil {
			errs = append(errs, err)
		}
		if n := c.media.ReleaseAll(); n > 0 {
			logrus.WithFields(logrus.Fields{
				"function": "Close",
				"streams":  n,
			}).Warn("Released media streams still open at close")
		}
		if c.ownsChannel {
			if err := c.channel.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		c.closeErr = errors.Join(errs...)

		logrus.WithFields(logrus.Fields{
			"function": "Close",
			"user_id":  c.SelfID(),
		}).Info("Client closed")
	})
	return c.closeErr
}
