package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"

	"github.com/opd-ai/chatlink"
	"github.com/opd-ai/chatlink/config"
)

type sendFlags struct {
	common commonFlags
	server string
	token  string
	user   string
	name   string
	to     string
	group  string
	public bool
	mime   string
}

func runSend(ctx context.Context, args []string, out io.Writer) error {
	var f sendFlags
	fs := newFlagSet("send", out)
	f.common.register(fs)
	fs.StringVar(&f.server, "server", "", "websocket URL of the chat server (overrides server.url)")
	fs.StringVar(&f.token, "token", "", "bearer token (overrides server.token)")
	fs.StringVarP(&f.user, "user", "u", "", "local user id (overrides identity.user_id)")
	fs.StringVar(&f.name, "name", "", "display name (overrides identity.user_name)")
	fs.StringVar(&f.to, "to", "", "friend id for a direct conversation")
	fs.StringVar(&f.group, "group", "", "group id")
	fs.BoolVar(&f.public, "public", false, "post in the public lobby")
	fs.StringVar(&f.mime, "mime", "", "MIME type (default: from the file extension)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return errors.New("send takes exactly one file")
	}
	path := fs.Arg(0)

	cfg, err := f.common.load()
	if err != nil {
		return err
	}
	f.apply(&cfg)

	conv, err := f.conversation()
	if err != nil {
		return err
	}

	blob, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	mimeType := f.mime
	if mimeType == "" {
		mimeType = mime.TypeByExtension(filepath.Ext(path))
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	client, err := chatlink.Connect(ctx, chatlink.NewOptions(cfg))
	if err != nil {
		return err
	}
	defer client.Close()

	client.OnProgress(func(sessionID string, fraction float64) {
		fmt.Fprintf(out, "%s %5.1f%%\n", sessionID, fraction*100)
	})

	session, err := client.SendFile(ctx, conv, filepath.Base(path), mimeType, blob)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "sent %s (%d bytes, %d chunks) as %s\n", path, session.FileSize, session.TotalChunks, session.ID)
	return nil
}

func (f *sendFlags) apply(cfg *config.Config) {
	if f.server != "" {
		cfg.Server.URL = f.server
	}
	if f.token != "" {
		cfg.Server.Token = f.token
	}
	if f.user != "" {
		cfg.Identity.UserID = f.user
	}
	if f.name != "" {
		cfg.Identity.UserName = f.name
	}
}

func (f *sendFlags) conversation() (chatlink.Conversation, error) {
	set := 0
	for _, on := range []bool{f.to != "", f.group != "", f.public} {
		if on {
			set++
		}
	}
	if set != 1 {
		return chatlink.Conversation{}, errors.New("exactly one of --to, --group or --public is required")
	}

	switch {
	case f.public:
		return chatlink.Public(), nil
	case f.group != "":
		return chatlink.Group(f.group), nil
	default:
		return chatlink.Direct(f.to), nil
	}
}
