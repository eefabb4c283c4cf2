package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/opd-ai/chatlink/relay"
	"github.com/sirupsen/logrus"
)

type relayFlags struct {
	common    commonFlags
	listen    string
	path      string
	uploadDir string
}

func runRelay(ctx context.Context, args []string, out io.Writer) error {
	var f relayFlags
	fs := newFlagSet("relay", out)
	f.common.register(fs)
	fs.StringVarP(&f.listen, "listen", "l", "127.0.0.1:8080", "listen address")
	fs.StringVar(&f.path, "path", "/ws", "websocket path")
	fs.StringVar(&f.uploadDir, "upload-dir", "", "directory completed uploads are written to (default: discard)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := f.common.load()
	if err != nil {
		return err
	}

	r := relay.New(relay.Options{
		MaxFileSize: cfg.Transfer.MaxFileSize,
		EmitTimeout: cfg.Server.EmitTimeout,
	})
	defer r.Close()
	r.OnUpload(f.saveUpload)

	mux := http.NewServeMux()
	mux.Handle(f.path, r.Handler())

	listener, err := net.Listen("tcp", f.listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", f.listen, err)
	}
	fmt.Fprintf(out, "relay listening on ws://%s%s?%s=<id>\n", listener.Addr(), f.path, relay.UserParam)

	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(listener) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (f *relayFlags) saveUpload(u relay.Upload) {
	fields := logrus.Fields{
		"function":  "saveUpload",
		"file_id":   u.Info.FileID,
		"sender_id": u.Info.SenderID,
		"room":      u.Info.Envelope.Room,
		"file_size": u.Info.FileSize,
	}
	if f.uploadDir == "" {
		logrus.WithFields(fields).Info("Upload received")
		return
	}

	path := filepath.Join(f.uploadDir, filepath.Base(u.Info.FileID))
	if err := os.WriteFile(path, u.Data, 0o644); err != nil {
		fields["error"] = err.Error()
		logrus.WithFields(fields).Error("Failed to store upload")
		return
	}
	fields["path"] = path
	logrus.WithFields(fields).Info("Upload stored")
}
