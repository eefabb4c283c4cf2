package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/opd-ai/chatlink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_Usage(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), nil, &out))
	assert.Contains(t, out.String(), "loopback")
	assert.Contains(t, out.String(), "send")

	out.Reset()
	err := run(context.Background(), []string{"dance"}, &out)
	assert.ErrorContains(t, err, `unknown command "dance"`)

	out.Reset()
	require.NoError(t, run(context.Background(), []string{"send", "--help"}, &out))
	assert.Contains(t, out.String(), "--public")
}

func TestRun_LoopbackTransfer(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), []string{"loopback", "--size", "450000", "--skip-call", "--log-level", "error"}, &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "450000 bytes in 3 chunks")
	assert.Contains(t, out.String(), "room useralice_userbob")
}

func TestRun_LoopbackCall(t *testing.T) {
	if testing.Short() {
		t.Skip("creates real peer connections")
	}
	var out bytes.Buffer
	err := run(context.Background(), []string{"loopback", "--size", "0", "--kind", "video", "--hold", "10ms", "--log-level", "error"}, &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "video call connected")
	assert.Contains(t, out.String(), "call ended cleanly")
}

func TestRun_LoopbackRejectsBadKind(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), []string{"loopback", "--kind", "hologram"}, &out)
	assert.Error(t, err)
}

func TestRun_SendValidation(t *testing.T) {
	var out bytes.Buffer
	assert.ErrorContains(t, run(context.Background(), []string{"send"}, &out), "exactly one file")

	path := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o600))
	err := run(context.Background(), []string{"send", "--to", "bob", "--group", "7", path}, &out)
	assert.ErrorContains(t, err, "exactly one of")
}

func TestSendFlags_Conversation(t *testing.T) {
	tests := []struct {
		name  string
		flags sendFlags
		want  chatlink.Conversation
	}{
		{"direct", sendFlags{to: "bob"}, chatlink.Direct("bob")},
		{"group", sendFlags{group: "7"}, chatlink.Group("7")},
		{"public", sendFlags{public: true}, chatlink.Public()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.flags.conversation()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := (&sendFlags{}).conversation()
	assert.Error(t, err)
}
