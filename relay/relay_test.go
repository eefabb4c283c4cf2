package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/chatlink/call"
	"github.com/opd-ai/chatlink/file"
	"github.com/opd-ai/chatlink/transport"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// inbox records the frames one client end receives.
type inbox struct {
	mu     sync.Mutex
	frames map[string][]json.RawMessage
}

func listen(ch transport.Channel, events ...string) *inbox {
	in := &inbox{frames: make(map[string][]json.RawMessage)}
	for _, event := range events {
		ch.Subscribe(event, func(data json.RawMessage) {
			in.mu.Lock()
			defer in.mu.Unlock()
			in.frames[event] = append(in.frames[event], data)
		})
	}
	return in
}

func (in *inbox) get(event string) []json.RawMessage {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]json.RawMessage(nil), in.frames[event]...)
}

func (in *inbox) wait(t *testing.T, event string, n int) []json.RawMessage {
	t.Helper()
	require.Eventually(t, func() bool { return len(in.get(event)) >= n }, time.Second, 5*time.Millisecond,
		"waiting for %d %s", n, event)
	return in.get(event)
}

func decode[T any](t *testing.T, data json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v))
	return v
}

// attach connects userID to r through a pipe and returns the client end.
func attach(t *testing.T, r *Relay, userID string) *transport.MemoryChannel {
	t.Helper()
	client, server := transport.NewPipe()
	require.NoError(t, r.Attach(userID, server))
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client
}

func emit(t *testing.T, ch transport.Channel, event string, payload any) {
	t.Helper()
	require.NoError(t, ch.Emit(context.Background(), event, payload))
}

var callEvents = []string{
	transport.EventCallReceived,
	transport.EventCallAnswered,
	transport.EventICECandidate,
	transport.EventCallRejected,
	transport.EventCallEnded,
	transport.EventCallError,
}

func TestRelay_RoutesCallSignaling(t *testing.T) {
	r := New(Options{})
	defer r.Close()

	alice := attach(t, r, "alice")
	bob := attach(t, r, "bob")
	aliceIn := listen(alice, callEvents...)
	bobIn := listen(bob, callEvents...)

	offer := &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}
	emit(t, alice, transport.EventCallRequest, call.Request{
		TargetID:   "bob",
		SenderID:   "mallory",
		CallerName: "Alice",
		Type:       call.KindVideo,
		SDP:        offer,
	})
	received := decode[call.Received](t, bobIn.wait(t, transport.EventCallReceived, 1)[0])
	assert.Equal(t, "alice", received.CallerID, "sender comes from the channel, not the payload")
	assert.Equal(t, "Alice", received.CallerName)
	assert.Equal(t, call.KindVideo, received.Type)
	assert.Equal(t, offer, received.SDP)

	for _, c := range []string{"candidate:1", "candidate:2"} {
		emit(t, alice, transport.EventICECandidate, call.Candidate{
			TargetID:  "bob",
			Candidate: &webrtc.ICECandidateInit{Candidate: c},
		})
	}
	candidates := bobIn.wait(t, transport.EventICECandidate, 2)
	for i, want := range []string{"candidate:1", "candidate:2"} {
		got := decode[call.Candidate](t, candidates[i])
		assert.Equal(t, "alice", got.SenderID)
		assert.Empty(t, got.TargetID)
		assert.Equal(t, want, got.Candidate.Candidate)
	}

	answer := &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}
	emit(t, bob, transport.EventCallAnswer, call.Answer{TargetID: "alice", SDP: answer})
	answered := decode[call.Answered](t, aliceIn.wait(t, transport.EventCallAnswered, 1)[0])
	assert.Equal(t, "bob", answered.AnswererID)
	assert.Equal(t, answer, answered.SDP)

	emit(t, bob, transport.EventCallEnded, call.Hangup{TargetID: "alice"})
	ended := decode[call.Hangup](t, aliceIn.wait(t, transport.EventCallEnded, 1)[0])
	assert.Equal(t, call.Hangup{SenderID: "bob"}, ended)

	emit(t, alice, transport.EventCallRejected, call.Hangup{TargetID: "bob", Reason: call.ReasonBusy})
	rejected := decode[call.Hangup](t, bobIn.wait(t, transport.EventCallRejected, 1)[0])
	assert.Equal(t, call.Hangup{SenderID: "alice", Reason: call.ReasonBusy}, rejected)

	assert.Empty(t, aliceIn.get(transport.EventCallError))
}

func TestRelay_OfflineTarget(t *testing.T) {
	r := New(Options{})
	defer r.Close()

	alice := attach(t, r, "alice")
	aliceIn := listen(alice, callEvents...)

	emit(t, alice, transport.EventCallRequest, call.Request{TargetID: "bob", Type: call.KindVoice})
	notice := decode[call.ErrorNotice](t, aliceIn.wait(t, transport.EventCallError, 1)[0])
	assert.Equal(t, "User is offline", notice.Message)

	// Candidates and hangups for an offline peer are dropped silently.
	emit(t, alice, transport.EventICECandidate, call.Candidate{TargetID: "bob"})
	emit(t, alice, transport.EventCallEnded, call.Hangup{TargetID: "bob"})
	emit(t, alice, transport.EventCallRequest, call.Request{TargetID: "alice", Type: call.KindVoice})
	aliceIn.wait(t, transport.EventCallError, 2)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, aliceIn.get(transport.EventCallError), 2, "calling yourself is an offline target")
}

func TestRelay_UploadThroughEngine(t *testing.T) {
	r := New(Options{})
	defer r.Close()

	uploads := make(chan Upload, 1)
	r.OnUpload(func(u Upload) { uploads <- u })

	alice := attach(t, r, "alice")
	cfg := file.DefaultConfig()
	cfg.ChunkSize = 16
	cfg.InitTimeout = time.Second
	cfg.ChunkTimeout = time.Second
	engine := file.NewEngine(alice, cfg)
	defer engine.Close()

	blob := bytes.Repeat([]byte("chatlink-"), 20)
	session, err := engine.Send(context.Background(), file.Meta{
		FileName: "notes v2.txt",
		MimeType: "text/plain",
		Envelope: file.Envelope{SenderID: "alice", Room: "group_1", Type: file.EnvelopeTypeFile},
	}, blob)
	require.NoError(t, err)
	assert.Equal(t, file.StateCompleted, session.State())
	assert.Equal(t, 12, session.TotalChunks)

	select {
	case u := <-uploads:
		assert.Equal(t, blob, u.Data)
		assert.Equal(t, "alice", u.Info.SenderID)
		assert.Equal(t, "notes_v2.txt", u.Info.FileName)
		assert.Equal(t, "group_1", u.Info.Envelope.Room)
		assert.True(t, strings.HasPrefix(u.Info.FileID, "alice_"))
	case <-time.After(2 * time.Second):
		t.Fatal("upload not delivered")
	}
	assert.Zero(t, r.Assembler().Len(), "finished uploads are forgotten")
}

func TestRelay_EmptyUpload(t *testing.T) {
	r := New(Options{})
	defer r.Close()

	uploads := make(chan Upload, 1)
	r.OnUpload(func(u Upload) { uploads <- u })

	engine := file.NewEngine(attach(t, r, "alice"), file.DefaultConfig())
	defer engine.Close()

	session, err := engine.Send(context.Background(), file.Meta{FileName: "empty.txt"}, nil)
	require.NoError(t, err)
	assert.Equal(t, file.StateCompleted, session.State())

	select {
	case u := <-uploads:
		assert.Empty(t, u.Data)
	case <-time.After(time.Second):
		t.Fatal("empty upload not delivered")
	}
}

func TestRelay_ForeignChunksAndCancel(t *testing.T) {
	r := New(Options{})
	defer r.Close()

	alice := attach(t, r, "alice")
	mallory := attach(t, r, "mallory")
	aliceIn := listen(alice, transport.EventFileTransferInit, transport.EventChunkReceived)
	malloryIn := listen(mallory, transport.EventChunkReceived)

	emit(t, alice, transport.EventFileTransferStart, file.StartMessage{
		RequestID:   "req-1",
		FileName:    "a.bin",
		FileSize:    8,
		TotalChunks: 2,
	})
	started := decode[file.InitMessage](t, aliceIn.wait(t, transport.EventFileTransferInit, 1)[0])
	assert.Equal(t, "req-1", started.RequestID)
	require.NotEmpty(t, started.FileID)

	emit(t, mallory, transport.EventFileChunk, file.ChunkMessage{FileID: started.FileID, ChunkIndex: 0, Data: []byte("evil")})
	emit(t, alice, transport.EventFileChunk, file.ChunkMessage{FileID: started.FileID, ChunkIndex: 5, Data: []byte("oops")})
	emit(t, alice, transport.EventFileChunk, file.ChunkMessage{FileID: started.FileID, ChunkIndex: 0, Data: []byte("good")})

	ack := decode[file.ChunkAck](t, aliceIn.wait(t, transport.EventChunkReceived, 1)[0])
	require.NotNil(t, ack.ChunkIndex)
	assert.Equal(t, 0, *ack.ChunkIndex)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, aliceIn.get(transport.EventChunkReceived), 1, "out of range chunk is not acknowledged")
	assert.Empty(t, malloryIn.get(transport.EventChunkReceived))

	emit(t, mallory, transport.EventFileTransferCancel, file.CancelMessage{FileID: started.FileID})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, r.Assembler().Len(), "only the owner may cancel")

	emit(t, alice, transport.EventFileTransferCancel, file.CancelMessage{FileID: started.FileID})
	require.Eventually(t, func() bool { return r.Assembler().Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestRelay_AttachDetach(t *testing.T) {
	r := New(Options{})

	_, server := transport.NewPipe()
	defer server.Close()

	assert.ErrorIs(t, r.Attach("", server), ErrInvalidUser)
	require.NoError(t, r.Attach("alice", server))
	assert.ErrorIs(t, r.Attach("alice", server), ErrDuplicateUser)
	assert.True(t, r.Online("alice"))
	assert.NotZero(t, server.Registry().TotalHandlers())

	assert.True(t, r.Detach("alice"))
	assert.False(t, r.Detach("alice"))
	assert.False(t, r.Online("alice"))
	assert.Zero(t, server.Registry().TotalHandlers())

	require.NoError(t, r.Attach("alice", server))
	require.NoError(t, r.Close())
	assert.Zero(t, server.Registry().TotalHandlers())
	assert.ErrorIs(t, r.Attach("bob", server), transport.ErrClosed)
}

func TestRelay_WebSocketHandler(t *testing.T) {
	r := New(Options{})
	defer r.Close()

	server := httptest.NewServer(r.Handler())
	defer server.Close()
	base := "ws" + strings.TrimPrefix(server.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := transport.Dial(ctx, base, transport.DialOptions{})
	assert.Error(t, err, "user parameter is required")

	alice, err := transport.Dial(ctx, base+"?user=alice", transport.DialOptions{})
	require.NoError(t, err)
	defer alice.Close()
	bob, err := transport.Dial(ctx, base+"?user=bob", transport.DialOptions{})
	require.NoError(t, err)
	defer bob.Close()

	require.Eventually(t, func() bool { return r.Online("alice") && r.Online("bob") }, time.Second, 5*time.Millisecond)

	_, err = transport.Dial(ctx, base+"?user=alice", transport.DialOptions{})
	assert.Error(t, err, "second connection for the same user is refused")

	bobIn := listen(bob, transport.EventCallReceived)
	emit(t, alice, transport.EventCallRequest, call.Request{
		TargetID: "bob",
		Type:     call.KindVoice,
		SDP:      &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"},
	})
	received := decode[call.Received](t, bobIn.wait(t, transport.EventCallReceived, 1)[0])
	assert.Equal(t, "alice", received.CallerID)

	require.NoError(t, alice.Close())
	require.Eventually(t, func() bool { return !r.Online("alice") }, 2*time.Second, 10*time.Millisecond)
}

func TestRelay_HandlerRejectsPlainHTTP(t *testing.T) {
	r := New(Options{})
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
