package file

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/opd-ai/chatlink/limits"
	"github.com/sirupsen/logrus"
)

// ErrInitTimeout indicates the remote endpoint never acknowledged the start
// of a transfer. It is not retried.
var ErrInitTimeout = errors.New("file transfer init timeout")

// ErrChunkTimeoutExceeded indicates one chunk exhausted its retry budget.
var ErrChunkTimeoutExceeded = errors.New("chunk acknowledgment timeout exceeded")

// ErrSizeLimitExceeded indicates a file above the configured size cap.
var ErrSizeLimitExceeded = limits.ErrSizeLimitExceeded

// ErrCancelled indicates the transfer was cancelled locally.
var ErrCancelled = errors.New("transfer cancelled")

// ErrUnknownSession indicates no live session has the given id.
var ErrUnknownSession = errors.New("unknown transfer session")

// ErrInvalidState indicates an operation not allowed in the session's state.
var ErrInvalidState = errors.New("invalid transfer state")

// State represents the current state of a transfer session.
type State uint8

const (
	// StateInitiating indicates the start handshake is in progress or done
	// and no chunk has been scheduled yet.
	StateInitiating State = iota
	// StateTransferring indicates chunks are being sent.
	StateTransferring
	// StateCompleted indicates every chunk was acknowledged.
	StateCompleted
	// StateFailed indicates the transfer stopped on an error.
	StateFailed
	// StateCancelled indicates the transfer was cancelled.
	StateCancelled
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateInitiating:
		return "Initiating"
	case StateTransferring:
		return "Transferring"
	case StateCompleted:
		return "Completed"
	case StateFailed:
		return "Failed"
	case StateCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Terminal reports whether no further chunk may be scheduled in state s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Session is one in-flight file upload. Its id is assigned by the remote
// endpoint during the start handshake.
type Session struct {
	ID          string
	FileName    string
	MimeType    string
	FileSize    int64
	ChunkSize   int
	TotalChunks int

	mu          sync.Mutex
	state       State
	err         error
	inFlight    map[int]struct{}
	maxInFlight int
	acked       map[int]bool
	ackedCount  int
	attempts    map[int]int
	retryCount  map[int]int
	cancelRun   context.CancelFunc
	done        chan struct{}

	// progressMu serializes progress reports so observers see a
	// non-decreasing sequence.
	progressMu   sync.Mutex
	lastReported float64
}

func newSession(id string, meta Meta, chunkSize, totalChunks int) *Session {
	return &Session{
		ID:          id,
		FileName:    meta.FileName,
		MimeType:    meta.MimeType,
		FileSize:    meta.FileSize,
		ChunkSize:   chunkSize,
		TotalChunks: totalChunks,
		state:       StateInitiating,
		inFlight:    make(map[int]struct{}),
		acked:       make(map[int]bool),
		attempts:    make(map[int]int),
		retryCount:  make(map[int]int),
		done:        make(chan struct{}),
	}
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the terminal error, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Progress returns acknowledged/total in [0, 1]. It is 1 only once the
// session is Completed.
func (s *Session) Progress() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progressLocked()
}

func (s *Session) progressLocked() float64 {
	if s.state == StateCompleted {
		return 1.0
	}
	if s.TotalChunks == 0 {
		return 0.0
	}
	return float64(s.ackedCount) / float64(s.TotalChunks)
}

// AckedCount returns the number of acknowledged chunks.
func (s *Session) AckedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ackedCount
}

// InFlight returns the sorted indices awaiting acknowledgment.
func (s *Session) InFlight() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	indices := make([]int, 0, len(s.inFlight))
	for i := range s.inFlight {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	return indices
}

// MaxInFlight returns the largest in-flight set observed so far.
func (s *Session) MaxInFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxInFlight
}

// Attempts returns how many times chunk index was sent.
func (s *Session) Attempts(index int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[index]
}

// RetryCount returns how many times chunk index was resent after a timeout.
func (s *Session) RetryCount(index int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryCount[index]
}

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session is terminal or ctx ends and returns the
// terminal error.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// beginTransfer moves an initiated session to Transferring.
func (s *Session) beginTransfer(cancel context.CancelFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateInitiating {
		return ErrInvalidState
	}
	s.state = StateTransferring
	s.cancelRun = cancel
	return nil
}

// markAcked records an acknowledgment. The last acknowledgment completes
// the session.
func (s *Session) markAcked(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.inFlight, index)
	if s.acked[index] || s.state != StateTransferring {
		return false
	}
	s.acked[index] = true
	s.ackedCount++
	if s.ackedCount == s.TotalChunks {
		s.finishLocked(StateCompleted, nil)
	}
	return true
}

func (s *Session) clearInFlight(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, index)
}

func (s *Session) noteRetry(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retryCount[index]++
}

// finish moves the session to a terminal state once. It reports whether
// this call performed the transition.
func (s *Session) finish(state State, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishLocked(state, err)
}

func (s *Session) finishLocked(state State, err error) bool {
	if s.state.Terminal() {
		return false
	}
	s.state = state
	s.err = err
	s.inFlight = make(map[int]struct{})
	if s.cancelRun != nil {
		s.cancelRun()
	}
	close(s.done)

	logrus.WithFields(logrus.Fields{
		"function":     "finish",
		"file_id":      s.ID,
		"state":        state.String(),
		"acked_chunks": s.ackedCount,
		"total_chunks": s.TotalChunks,
	}).Info("Transfer session reached terminal state")
	return true
}

// reportProgress invokes callback with the current progress when it has
// advanced since the last report.
func (s *Session) reportProgress(callback func(sessionID string, fraction float64)) {
	if callback == nil {
		return
	}

	s.progressMu.Lock()
	defer s.progressMu.Unlock()

	value := s.Progress()
	if value <= s.lastReported {
		return
	}
	s.lastReported = value
	callback(s.ID, value)
}
