package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/opd-ai/chatlink"
	"github.com/opd-ai/chatlink/call"
	"github.com/opd-ai/chatlink/config"
	"github.com/opd-ai/chatlink/file"
	"github.com/opd-ai/chatlink/relay"
	"github.com/opd-ai/chatlink/transport"
)

type loopbackFlags struct {
	common   commonFlags
	size     int
	kind     string
	hold     time.Duration
	timeout  time.Duration
	skipCall bool
}

func runLoopback(ctx context.Context, args []string, out io.Writer) error {
	var f loopbackFlags
	fs := newFlagSet("loopback", out)
	f.common.register(fs)
	fs.IntVar(&f.size, "size", 1<<20, "bytes to transfer")
	fs.StringVar(&f.kind, "kind", string(call.KindVoice), "call kind (voice, video)")
	fs.DurationVar(&f.hold, "hold", 500*time.Millisecond, "how long the call stays up")
	fs.DurationVar(&f.timeout, "timeout", 30*time.Second, "overall timeout")
	fs.BoolVar(&f.skipCall, "skip-call", false, "only run the file transfer")
	if err := fs.Parse(args); err != nil {
		return err
	}
	kind := call.Kind(f.kind)
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", call.ErrInvalidKind, f.kind)
	}
	if f.size < 0 {
		return errors.New("size must not be negative")
	}

	cfg, err := f.common.load()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	r := relay.New(relay.Options{MaxFileSize: cfg.Transfer.MaxFileSize})
	defer r.Close()

	alice, closeAlice, err := loopbackClient(r, cfg, "alice")
	if err != nil {
		return err
	}
	defer closeAlice()
	bob, closeBob, err := loopbackClient(r, cfg, "bob")
	if err != nil {
		return err
	}
	defer closeBob()

	if err := loopbackTransfer(ctx, r, alice, f.size, out); err != nil {
		return err
	}
	if f.skipCall {
		return nil
	}
	return loopbackCall(ctx, alice, bob, kind, f.hold, out)
}

// loopbackClient attaches a client to r through an in-memory pipe.
func loopbackClient(r *relay.Relay, cfg config.Config, userID string) (*chatlink.Client, func(), error) {
	cfg.Identity.UserID = userID
	cfg.Identity.UserName = userID
	// Both ends share the host; no STUN round trip is needed.
	cfg.Call.ICEServers = nil

	local, far := transport.NewPipe()
	if err := r.Attach(userID, far); err != nil {
		return nil, nil, err
	}
	client, err := chatlink.New(local, chatlink.NewOptions(cfg))
	if err != nil {
		_ = local.Close()
		_ = far.Close()
		return nil, nil, err
	}
	return client, func() {
		_ = client.Close()
		_ = local.Close()
		_ = far.Close()
	}, nil
}

func loopbackTransfer(ctx context.Context, r *relay.Relay, alice *chatlink.Client, size int, out io.Writer) error {
	uploads := make(chan relay.Upload, 1)
	r.OnUpload(func(u relay.Upload) {
		select {
		case uploads <- u:
		default:
		}
	})

	blob := bytes.Repeat([]byte("chatlink loopback "), size/18+1)[:size]
	started := time.Now()
	session, err := alice.SendFile(ctx, chatlink.Direct("bob"), "loopback test.bin", "application/octet-stream", blob)
	if err != nil {
		return err
	}

	select {
	case u := <-uploads:
		if file.Digest(u.Data) != file.Digest(blob) {
			return file.ErrDigestMismatch
		}
		fmt.Fprintf(out, "transfer %s: %d bytes in %d chunks, %s, room %s\n",
			session.ID, len(u.Data), session.TotalChunks, time.Since(started).Round(time.Millisecond), u.Info.Envelope.Room)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for upload: %w", ctx.Err())
	}
}

func loopbackCall(ctx context.Context, alice, bob *chatlink.Client, kind call.Kind, hold time.Duration, out io.Writer) error {
	ended := make(chan error, 1)
	bob.OnIncomingCall(func(call.Incoming) {
		go func() {
			if err := bob.Accept(ctx); err != nil {
				fmt.Fprintf(out, "bob failed to accept: %v\n", err)
			}
		}()
	})
	bob.OnCallEnded(func(_ string, err error) { ended <- err })

	if err := alice.Call(ctx, "bob", kind); err != nil {
		return err
	}
	if err := waitFor(ctx, func() bool {
		return alice.Calls().Current().State == call.StateConnected && bob.Calls().Current().State == call.StateConnected
	}); err != nil {
		return fmt.Errorf("waiting for %s call: %w", kind, err)
	}
	fmt.Fprintf(out, "%s call connected\n", kind)

	select {
	case <-time.After(hold):
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := alice.Hangup(); err != nil {
		return err
	}
	select {
	case err := <-ended:
		if err != nil {
			return fmt.Errorf("bob's call ended with: %w", err)
		}
	case <-ctx.Done():
		return fmt.Errorf("waiting for hangup: %w", ctx.Err())
	}
	if n := alice.Media().ActiveCount() + bob.Media().ActiveCount(); n != 0 {
		return fmt.Errorf("%d media streams left open", n)
	}
	fmt.Fprintln(out, "call ended cleanly")
	return nil
}

func waitFor(ctx context.Context, done func() bool) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for !done() {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
