package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/chatlink/correlate"
	"github.com/opd-ai/chatlink/limits"
	"github.com/opd-ai/chatlink/transport"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Config holds the tunables of an Engine.
type Config struct {
	ChunkSize     int
	MaxConcurrent int
	// MaxRetries is the number of resends per chunk. Zero is honored and
	// disables resends; only a negative value selects the default.
	MaxRetries   int
	InitTimeout  time.Duration
	ChunkTimeout time.Duration
	MaxFileSize  int64
	// EmitTimeout bounds a single Emit on the channel.
	EmitTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ChunkSize:     limits.DefaultChunkSize,
		MaxConcurrent: limits.MaxConcurrentUploads,
		MaxRetries:    limits.MaxRetries,
		InitTimeout:   5 * time.Second,
		ChunkTimeout:  5 * time.Second,
		MaxFileSize:   limits.MaxFileSize,
		EmitTimeout:   5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ChunkSize <= 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.InitTimeout <= 0 {
		c.InitTimeout = d.InitTimeout
	}
	if c.ChunkTimeout <= 0 {
		c.ChunkTimeout = d.ChunkTimeout
	}
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = d.MaxFileSize
	}
	if c.EmitTimeout <= 0 {
		c.EmitTimeout = d.EmitTimeout
	}
	return c
}

// Meta describes a file about to be sent.
type Meta struct {
	FileName string
	MimeType string
	FileSize int64
	// Hash is the hex BLAKE3 digest of the content. Send fills it in.
	Hash     string
	Envelope Envelope
}

type chunkKey struct {
	fileID string
	index  int
}

// Engine sends files over a shared channel in fixed-size chunks with a
// bounded window of unacknowledged chunks and per-chunk retries.
type Engine struct {
	channel transport.Channel
	cfg     Config

	inits *correlate.Table[string, string]
	acks  *correlate.Table[chunkKey, struct{}]

	mu               sync.RWMutex
	sessions         map[string]*Session
	progressCallback func(sessionID string, fraction float64)
	closed           bool

	subs transport.Subscriptions
}

// NewEngine creates an engine and subscribes it to the transfer
// acknowledgments on ch.
func NewEngine(ch transport.Channel, cfg Config) *Engine {
	cfg = cfg.withDefaults()

	e := &Engine{
		channel:  ch,
		cfg:      cfg,
		inits:    correlate.NewTable[string, string]("file_transfer_init"),
		acks:     correlate.NewTable[chunkKey, struct{}]("chunk_received"),
		sessions: make(map[string]*Session),
	}

	e.subs.Add(ch.Subscribe(transport.EventFileTransferInit, e.handleInit))
	e.subs.Add(ch.Subscribe(transport.EventChunkReceived, e.handleChunkAck))

	logrus.WithFields(logrus.Fields{
		"function":       "NewEngine",
		"chunk_size":     cfg.ChunkSize,
		"max_concurrent": cfg.MaxConcurrent,
		"max_retries":    cfg.MaxRetries,
	}).Info("File transfer engine created")

	return e
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// OnProgress sets the progress callback. It is called after each
// acknowledgment with a non-decreasing fraction that reaches 1.0 exactly
// when the session completes.
func (e *Engine) OnProgress(callback func(sessionID string, fraction float64)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.progressCallback = callback
}

// Session returns the live session with the given id.
func (e *Engine) Session(sessionID string) (*Session, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.sessions[sessionID]
	return s, ok
}

// ActiveSessions returns the number of sessions not yet terminal.
func (e *Engine) ActiveSessions() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.sessions)
}

// Initiate announces a file to the remote endpoint and waits for the
// session id it assigns. A missing acknowledgment fails with
// ErrInitTimeout and is not retried.
func (e *Engine) Initiate(ctx context.Context, meta Meta) (string, error) {
	if err := e.checkOpen(); err != nil {
		return "", err
	}
	if err := limits.ValidateFileName(meta.FileName); err != nil {
		return "", err
	}
	if err := limits.ValidateFileSize(meta.FileSize, e.cfg.MaxFileSize); err != nil {
		return "", err
	}
	total, err := limits.ChunkCount(meta.FileSize, e.cfg.ChunkSize)
	if err != nil {
		return "", err
	}

	requestID := uuid.NewString()
	waiter, err := e.inits.Register(requestID)
	if err != nil {
		return "", err
	}

	start := StartMessage{
		RequestID:   requestID,
		FileName:    NormalizeFileName(meta.FileName),
		FileSize:    meta.FileSize,
		TotalChunks: total,
		FileType:    meta.MimeType,
		FileHash:    meta.Hash,
		Message:     meta.Envelope,
	}

	logrus.WithFields(logrus.Fields{
		"function":     "Initiate",
		"request_id":   requestID,
		"file_name":    start.FileName,
		"file_size":    meta.FileSize,
		"total_chunks": total,
	}).Info("Announcing file transfer")

	if err := e.emit(ctx, transport.EventFileTransferStart, start); err != nil {
		waiter.Cancel()
		return "", fmt.Errorf("failed to send transfer start: %w", err)
	}

	fileID, err := waiter.Wait(ctx, e.cfg.InitTimeout)
	if err != nil {
		if errors.Is(err, correlate.ErrTimeout) {
			logrus.WithFields(logrus.Fields{
				"function":   "Initiate",
				"request_id": requestID,
				"timeout":    e.cfg.InitTimeout,
			}).Error("No transfer init received")
			return "", fmt.Errorf("%w: no %s within %s", ErrInitTimeout, transport.EventFileTransferInit, e.cfg.InitTimeout)
		}
		return "", err
	}

	session := newSession(fileID, meta, e.cfg.ChunkSize, total)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", transport.ErrClosed
	}
	if _, exists := e.sessions[fileID]; exists {
		e.mu.Unlock()
		return "", fmt.Errorf("transfer session %s already exists", fileID)
	}
	e.sessions[fileID] = session
	e.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "Initiate",
		"request_id": requestID,
		"file_id":    fileID,
	}).Info("Transfer session initiated")

	return fileID, nil
}

// Run sends chunks for an initiated session and blocks until the session
// is terminal. At most MaxConcurrent chunks are unacknowledged at any time
// and each freed slot is filled with the next unsent index.
func (e *Engine) Run(ctx context.Context, sessionID string, chunks [][]byte) error {
	session, ok := e.Session(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	if len(chunks) != session.TotalChunks {
		return fmt.Errorf("session %s expects %d chunks, got %d", sessionID, session.TotalChunks, len(chunks))
	}
	for i, chunk := range chunks {
		if len(chunk) > e.cfg.ChunkSize {
			return fmt.Errorf("chunk %d: %w", i, limits.ErrChunkTooLarge)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := session.beginTransfer(cancel); err != nil {
		return fmt.Errorf("session %s: %w", sessionID, err)
	}
	defer e.forget(sessionID)

	if session.TotalChunks == 0 {
		session.finish(StateCompleted, nil)
		session.reportProgress(e.progress())
		return nil
	}

	window := semaphore.NewWeighted(int64(e.cfg.MaxConcurrent))
	g, gctx := errgroup.WithContext(runCtx)

	for index := range chunks {
		if err := window.Acquire(gctx, 1); err != nil {
			break
		}
		waiter, err := e.dispatchChunk(gctx, session, index, chunks[index])
		if err != nil {
			window.Release(1)
			g.Go(func() error { return err })
			break
		}
		g.Go(func() error {
			defer window.Release(1)
			return e.awaitChunk(gctx, session, index, chunks[index], waiter)
		})
	}

	err := g.Wait()
	e.acks.RejectMatching(func(k chunkKey) bool { return k.fileID == sessionID }, ErrCancelled)

	switch session.State() {
	case StateCancelled:
		return ErrCancelled
	case StateCompleted:
		return nil
	}

	if err == nil {
		// Parent context ended before all chunks were sent.
		err = ctx.Err()
		if err == nil {
			err = ErrInvalidState
		}
	}
	// A chunk that exhausted its retries has already recorded the cause;
	// siblings may have returned context errors first.
	session.finish(StateFailed, err)
	err = session.Err()

	logrus.WithFields(logrus.Fields{
		"function": "Run",
		"file_id":  sessionID,
		"error":    err.Error(),
	}).Error("File transfer failed")
	return err
}

// dispatchChunk registers the acknowledgment waiter for one attempt and
// sends the chunk. The session lock is held across the state check and the
// send, so nothing is sent once the session is terminal.
func (e *Engine) dispatchChunk(ctx context.Context, s *Session, index int, data []byte) (*correlate.Waiter[chunkKey, struct{}], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateCancelled {
		return nil, ErrCancelled
	}
	if s.state != StateTransferring {
		return nil, fmt.Errorf("%w: %s", ErrInvalidState, s.state)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := chunkKey{fileID: s.ID, index: index}
	waiter, err := e.acks.Register(key)
	if err != nil {
		return nil, err
	}

	s.inFlight[index] = struct{}{}
	if len(s.inFlight) > s.maxInFlight {
		s.maxInFlight = len(s.inFlight)
	}
	s.attempts[index]++

	logrus.WithFields(logrus.Fields{
		"function":    "dispatchChunk",
		"file_id":     s.ID,
		"chunk_index": index,
		"attempt":     s.attempts[index],
		"in_flight":   len(s.inFlight),
	}).Debug("Sending chunk")

	msg := ChunkMessage{
		FileID:      s.ID,
		ChunkIndex:  index,
		TotalChunks: s.TotalChunks,
		Data:        data,
	}
	if err := e.emit(ctx, transport.EventFileChunk, msg); err != nil {
		waiter.Cancel()
		delete(s.inFlight, index)
		return nil, fmt.Errorf("failed to send chunk %d: %w", index, err)
	}
	return waiter, nil
}

// awaitChunk waits for the acknowledgment of one chunk and resends it on
// timeout, up to MaxRetries times.
func (e *Engine) awaitChunk(ctx context.Context, s *Session, index int, data []byte, waiter *correlate.Waiter[chunkKey, struct{}]) error {
	for attempt := 0; ; attempt++ {
		_, err := waiter.Wait(ctx, e.cfg.ChunkTimeout)
		if err == nil {
			if s.markAcked(index) {
				s.reportProgress(e.progress())
			}
			return nil
		}
		if !errors.Is(err, correlate.ErrTimeout) {
			s.clearInFlight(index)
			return err
		}
		if attempt >= e.cfg.MaxRetries {
			s.clearInFlight(index)
			failure := fmt.Errorf("%w: chunk %d of %s after %d attempts", ErrChunkTimeoutExceeded, index, s.ID, attempt+1)
			s.finish(StateFailed, failure)
			return failure
		}

		s.noteRetry(index)
		logrus.WithFields(logrus.Fields{
			"function":    "awaitChunk",
			"file_id":     s.ID,
			"chunk_index": index,
			"retry":       attempt + 1,
			"max_retries": e.cfg.MaxRetries,
		}).Warn("Chunk acknowledgment timed out, retrying")

		waiter, err = e.dispatchChunk(ctx, s, index, data)
		if err != nil {
			return err
		}
	}
}

// Cancel stops a live session. Outstanding waits are rejected with
// ErrCancelled and the remote endpoint is told on a best-effort basis.
// Cancelling an unknown or finished session is a no-op.
func (e *Engine) Cancel(sessionID string) error {
	session, ok := e.Session(sessionID)
	if !ok {
		return nil
	}
	if !session.finish(StateCancelled, ErrCancelled) {
		return nil
	}

	rejected := e.acks.RejectMatching(func(k chunkKey) bool { return k.fileID == sessionID }, ErrCancelled)
	e.forget(sessionID)

	logrus.WithFields(logrus.Fields{
		"function": "Cancel",
		"file_id":  sessionID,
		"rejected": rejected,
	}).Info("File transfer cancelled")

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.EmitTimeout)
	defer cancel()
	if err := e.emit(ctx, transport.EventFileTransferCancel, CancelMessage{FileID: sessionID, Reason: "cancelled"}); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Cancel",
			"file_id":  sessionID,
			"error":    err.Error(),
		}).Warn("Failed to notify remote of cancellation")
	}
	return nil
}

// Send validates, splits, announces and sends blob. It returns the session
// handle once the session is terminal; the handle is nil when the transfer
// never got a session id.
func (e *Engine) Send(ctx context.Context, meta Meta, blob []byte) (*Session, error) {
	meta.FileSize = int64(len(blob))
	if err := limits.ValidateFileSize(meta.FileSize, e.cfg.MaxFileSize); err != nil {
		return nil, err
	}
	if meta.Hash == "" {
		meta.Hash = Digest(blob)
	}

	sessionID, err := e.Initiate(ctx, meta)
	if err != nil {
		return nil, err
	}
	session, ok := e.Session(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	return session, e.Run(ctx, sessionID, Split(blob, e.cfg.ChunkSize))
}

// Close unsubscribes the engine and cancels every live session.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	ids := make([]string, 0, len(e.sessions))
	for id := range e.sessions {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	e.subs.UnsubscribeAll()
	for _, id := range ids {
		_ = e.Cancel(id)
	}
	e.inits.RejectAll(transport.ErrClosed)
	e.acks.RejectAll(transport.ErrClosed)

	logrus.WithFields(logrus.Fields{
		"function":  "Close",
		"cancelled": len(ids),
	}).Info("File transfer engine closed")
	return nil
}

func (e *Engine) handleInit(data json.RawMessage) {
	var msg InitMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleInit",
			"error":    err.Error(),
		}).Warn("Dropping malformed transfer init")
		return
	}
	fileID := msg.ID()
	if fileID == "" {
		logrus.WithField("function", "handleInit").Warn("Dropping transfer init without file id")
		return
	}

	requestID := msg.RequestID
	if requestID == "" {
		oldest, ok := e.inits.Oldest()
		if !ok {
			logrus.WithFields(logrus.Fields{
				"function": "handleInit",
				"file_id":  fileID,
			}).Warn("Transfer init with no pending request")
			return
		}
		requestID = oldest
	}

	if !e.inits.Resolve(requestID, fileID) {
		logrus.WithFields(logrus.Fields{
			"function":   "handleInit",
			"file_id":    fileID,
			"request_id": requestID,
		}).Warn("Uncorrelated transfer init")
	}
}

func (e *Engine) handleChunkAck(data json.RawMessage) {
	var ack ChunkAck
	if err := json.Unmarshal(data, &ack); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleChunkAck",
			"error":    err.Error(),
		}).Warn("Dropping malformed chunk acknowledgment")
		return
	}
	if ack.FileID == "" || ack.ChunkIndex == nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleChunkAck",
			"file_id":  ack.FileID,
		}).Warn("Dropping chunk acknowledgment without file id or chunk index")
		return
	}

	if !e.acks.Resolve(chunkKey{fileID: ack.FileID, index: *ack.ChunkIndex}, struct{}{}) {
		logrus.WithFields(logrus.Fields{
			"function":    "handleChunkAck",
			"file_id":     ack.FileID,
			"chunk_index": *ack.ChunkIndex,
		}).Debug("Uncorrelated chunk acknowledgment")
	}
}

func (e *Engine) emit(ctx context.Context, event string, payload any) error {
	emitCtx, cancel := context.WithTimeout(ctx, e.cfg.EmitTimeout)
	defer cancel()
	return e.channel.Emit(emitCtx, event, payload)
}

func (e *Engine) progress() func(string, float64) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.progressCallback
}

func (e *Engine) forget(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, sessionID)
}

func (e *Engine) checkOpen() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return transport.ErrClosed
	}
	return nil
}
