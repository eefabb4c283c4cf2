package file

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/chatlink/limits"
	"github.com/sirupsen/logrus"
)

var (
	// ErrUnknownFile indicates no upload has the given id.
	ErrUnknownFile = errors.New("unknown file upload")
	// ErrChunkOutOfRange indicates a chunk index outside [0, totalChunks).
	ErrChunkOutOfRange = errors.New("chunk index out of range")
	// ErrIncomplete indicates an upload still missing chunks.
	ErrIncomplete = errors.New("file upload incomplete")
	// ErrDigestMismatch indicates reassembled content that does not match
	// the announced hash.
	ErrDigestMismatch = errors.New("file digest mismatch")
)

// UploadInfo describes a partial or finished upload.
type UploadInfo struct {
	FileID      string
	SenderID    string
	FileName    string
	FileType    string
	FileSize    int64
	TotalChunks int
	Received    int
	StartedAt   time.Time
	Envelope    Envelope
}

// Complete reports whether every chunk has arrived.
func (u UploadInfo) Complete() bool {
	return u.Received == u.TotalChunks
}

type upload struct {
	info   UploadInfo
	hash   string
	chunks [][]byte
	have   []bool
	bytes  int64
}

// Assembler reassembles uploads on the receiving side. It assigns upload
// ids and accepts chunks in any order.
type Assembler struct {
	mu           sync.Mutex
	uploads      map[string]*upload
	maxFileSize  int64
	timeProvider func() time.Time
}

// NewAssembler returns an assembler enforcing maxFileSize. Zero selects
// limits.MaxFileSize.
func NewAssembler(maxFileSize int64) *Assembler {
	if maxFileSize <= 0 {
		maxFileSize = limits.MaxFileSize
	}
	return &Assembler{
		uploads:      make(map[string]*upload),
		maxFileSize:  maxFileSize,
		timeProvider: time.Now,
	}
}

// SetTimeProvider replaces the clock used for upload ids and start times.
func (a *Assembler) SetTimeProvider(now func() time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.timeProvider = now
}

// Init registers a new upload from senderID and returns its id in the
// form <sender>_<unix>_<name>_<suffix>.
func (a *Assembler) Init(senderID string, start StartMessage) (string, error) {
	name := DecodeFileName(start.FileName)
	if err := limits.ValidateFileName(name); err != nil {
		return "", err
	}
	if err := limits.ValidateFileSize(start.FileSize, a.maxFileSize); err != nil {
		return "", err
	}
	if start.TotalChunks < 0 {
		return "", fmt.Errorf("invalid chunk count %d", start.TotalChunks)
	}
	if start.FileSize > 0 && start.TotalChunks == 0 {
		return "", fmt.Errorf("non-empty file announced with zero chunks")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.timeProvider()
	fileID := fmt.Sprintf("%s_%d_%s_%s", senderID, now.Unix(), start.FileName, uuid.NewString()[:8])
	a.uploads[fileID] = &upload{
		info: UploadInfo{
			FileID:      fileID,
			SenderID:    senderID,
			FileName:    name,
			FileType:    start.FileType,
			FileSize:    start.FileSize,
			TotalChunks: start.TotalChunks,
			StartedAt:   now,
			Envelope:    start.Message,
		},
		hash:   start.FileHash,
		chunks: make([][]byte, start.TotalChunks),
		have:   make([]bool, start.TotalChunks),
	}

	logrus.WithFields(logrus.Fields{
		"function":     "Init",
		"file_id":      fileID,
		"sender_id":    senderID,
		"file_size":    start.FileSize,
		"total_chunks": start.TotalChunks,
	}).Info("Upload registered")

	return fileID, nil
}

// AddChunk stores one chunk. A duplicate index is accepted and ignored.
// It reports whether the upload is complete afterwards.
func (a *Assembler) AddChunk(msg ChunkMessage) (bool, error) {
	if err := limits.ValidateChunk(msg.Data); err != nil {
		return false, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	u, ok := a.uploads[msg.FileID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownFile, msg.FileID)
	}
	if msg.ChunkIndex < 0 || msg.ChunkIndex >= u.info.TotalChunks {
		return false, fmt.Errorf("%w: %d of %d", ErrChunkOutOfRange, msg.ChunkIndex, u.info.TotalChunks)
	}
	if u.have[msg.ChunkIndex] {
		return u.info.Complete(), nil
	}
	if u.bytes+int64(len(msg.Data)) > u.info.FileSize {
		return false, fmt.Errorf("%w: chunk %d overflows announced size", limits.ErrSizeLimitExceeded, msg.ChunkIndex)
	}

	data := make([]byte, len(msg.Data))
	copy(data, msg.Data)
	u.chunks[msg.ChunkIndex] = data
	u.have[msg.ChunkIndex] = true
	u.bytes += int64(len(data))
	u.info.Received++

	logrus.WithFields(logrus.Fields{
		"function":    "AddChunk",
		"file_id":     msg.FileID,
		"chunk_index": msg.ChunkIndex,
		"received":    u.info.Received,
	}).Debug("Chunk stored")

	return u.info.Complete(), nil
}

// Info returns a snapshot of an upload.
func (a *Assembler) Info(fileID string) (UploadInfo, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	u, ok := a.uploads[fileID]
	if !ok {
		return UploadInfo{}, false
	}
	return u.info, true
}

// Bytes returns the reassembled content of a complete upload, verified
// against the announced hash when one was given.
func (a *Assembler) Bytes(fileID string) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	u, ok := a.uploads[fileID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFile, fileID)
	}
	if !u.info.Complete() {
		return nil, fmt.Errorf("%w: %d of %d chunks", ErrIncomplete, u.info.Received, u.info.TotalChunks)
	}

	blob := make([]byte, 0, u.bytes)
	for _, chunk := range u.chunks {
		blob = append(blob, chunk...)
	}
	if int64(len(blob)) != u.info.FileSize {
		return nil, fmt.Errorf("%w: got %d bytes, announced %d", ErrIncomplete, len(blob), u.info.FileSize)
	}
	if u.hash != "" && Digest(blob) != u.hash {
		return nil, ErrDigestMismatch
	}
	return blob, nil
}

// Cancel drops a partial upload. It reports whether the upload existed.
func (a *Assembler) Cancel(fileID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.uploads[fileID]; !ok {
		return false
	}
	delete(a.uploads, fileID)

	logrus.WithFields(logrus.Fields{
		"function": "Cancel",
		"file_id":  fileID,
	}).Info("Upload dropped")
	return true
}

// Remove forgets a finished upload.
func (a *Assembler) Remove(fileID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.uploads, fileID)
}

// Len returns the number of uploads held.
func (a *Assembler) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.uploads)
}
