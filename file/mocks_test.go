package file

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/chatlink/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedRemote plays the relay side of a transfer over the far end of a
// pipe. It answers starts with an init and acknowledges chunks according
// to ackPolicy.
type scriptedRemote struct {
	t  *testing.T
	ch *transport.MemoryChannel

	mu            sync.Mutex
	starts        []StartMessage
	chunks        []ChunkMessage
	attempts      map[int]int
	cancels       []CancelMessage
	held          []ChunkMessage
	nextID        int
	sendInit      bool
	echoRequestID bool
	legacyID      bool
	holdAcks      bool
	// ackPolicy decides per attempt (1-based) whether a chunk is acked.
	ackPolicy func(index, attempt int) bool
}

func newScriptedRemote(t *testing.T, ch *transport.MemoryChannel) *scriptedRemote {
	r := &scriptedRemote{
		t:             t,
		ch:            ch,
		attempts:      make(map[int]int),
		sendInit:      true,
		echoRequestID: true,
		ackPolicy:     func(int, int) bool { return true },
	}
	ch.Subscribe(transport.EventFileTransferStart, r.handleStart)
	ch.Subscribe(transport.EventFileChunk, r.handleChunk)
	ch.Subscribe(transport.EventFileTransferCancel, r.handleCancel)
	return r
}

func (r *scriptedRemote) handleStart(data json.RawMessage) {
	var start StartMessage
	if !assert.NoError(r.t, json.Unmarshal(data, &start)) {
		return
	}

	r.mu.Lock()
	r.starts = append(r.starts, start)
	r.nextID++
	fileID := fmt.Sprintf("file-%d", r.nextID)
	sendInit, echo, legacy := r.sendInit, r.echoRequestID, r.legacyID
	r.mu.Unlock()

	if !sendInit {
		return
	}
	init := InitMessage{FileID: fileID}
	if legacy {
		init = InitMessage{LegacyFileID: fileID}
	}
	if echo {
		init.RequestID = start.RequestID
	}
	r.emit(transport.EventFileTransferInit, init)
}

func (r *scriptedRemote) handleChunk(data json.RawMessage) {
	var msg ChunkMessage
	if !assert.NoError(r.t, json.Unmarshal(data, &msg)) {
		return
	}

	r.mu.Lock()
	r.chunks = append(r.chunks, msg)
	r.attempts[msg.ChunkIndex]++
	attempt := r.attempts[msg.ChunkIndex]
	ack := r.ackPolicy(msg.ChunkIndex, attempt)
	if ack && r.holdAcks {
		r.held = append(r.held, msg)
		ack = false
	}
	r.mu.Unlock()

	if ack {
		r.emit(transport.EventChunkReceived, NewChunkAck(msg.FileID, msg.ChunkIndex))
	}
}

func (r *scriptedRemote) handleCancel(data json.RawMessage) {
	var msg CancelMessage
	if !assert.NoError(r.t, json.Unmarshal(data, &msg)) {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels = append(r.cancels, msg)
}

// releaseHeld acknowledges the held chunk with the given index.
func (r *scriptedRemote) releaseHeld(index int) {
	r.mu.Lock()
	var release *ChunkMessage
	for i, msg := range r.held {
		if msg.ChunkIndex == index {
			m := msg
			release = &m
			r.held = append(r.held[:i], r.held[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	require.NotNil(r.t, release, "chunk %d not held", index)
	r.emit(transport.EventChunkReceived, NewChunkAck(release.FileID, release.ChunkIndex))
}

// releaseAll stops holding and acknowledges everything held so far.
func (r *scriptedRemote) releaseAll() {
	r.mu.Lock()
	held := r.held
	r.held = nil
	r.holdAcks = false
	r.mu.Unlock()

	for _, msg := range held {
		r.emit(transport.EventChunkReceived, NewChunkAck(msg.FileID, msg.ChunkIndex))
	}
}

func (r *scriptedRemote) emit(event string, payload any) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = r.ch.Emit(ctx, event, payload)
}

func (r *scriptedRemote) chunkCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chunks)
}

func (r *scriptedRemote) startCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.starts)
}

func (r *scriptedRemote) attemptsFor(index int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts[index]
}

func (r *scriptedRemote) receivedIndices() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	indices := make([]int, 0, len(r.chunks))
	for _, c := range r.chunks {
		indices = append(indices, c.ChunkIndex)
	}
	return indices
}

// assemble concatenates the first copy of each chunk by index.
func (r *scriptedRemote) assemble() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	byIndex := make(map[int][]byte)
	for _, c := range r.chunks {
		if _, ok := byIndex[c.ChunkIndex]; !ok {
			byIndex[c.ChunkIndex] = c.Data
		}
	}
	indices := make([]int, 0, len(byIndex))
	for i := range byIndex {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	var blob []byte
	for _, i := range indices {
		blob = append(blob, byIndex[i]...)
	}
	return blob
}

func testConfig() Config {
	return Config{
		ChunkSize:     10,
		MaxConcurrent: 5,
		MaxRetries:    3,
		InitTimeout:   200 * time.Millisecond,
		ChunkTimeout:  50 * time.Millisecond,
		MaxFileSize:   1 << 20,
		EmitTimeout:   time.Second,
	}
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *scriptedRemote) {
	t.Helper()

	local, far := transport.NewPipe()
	engine := NewEngine(local, cfg)
	remote := newScriptedRemote(t, far)

	t.Cleanup(func() {
		_ = engine.Close()
		_ = local.Close()
		_ = far.Close()
	})
	return engine, remote
}

// progressRecorder collects progress reports.
type progressRecorder struct {
	mu     sync.Mutex
	values []float64
}

func (p *progressRecorder) record(_ string, fraction float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values = append(p.values, fraction)
}

func (p *progressRecorder) snapshot() []float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]float64(nil), p.values...)
}

func pattern(n int) []byte {
	blob := make([]byte, n)
	for i := range blob {
		blob[i] = byte(i % 251)
	}
	return blob
}
