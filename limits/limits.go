// Package limits provides centralized size limits for file transfers.
// This ensures consistent validation between the sending engine and the
// receiving assembler.
package limits

import (
	"errors"
	"fmt"
)

const (
	// DefaultChunkSize is the size of each transfer chunk (200 KiB).
	DefaultChunkSize = 200 * 1024

	// MaxChunkSize is the largest chunk a receiver accepts (1 MiB).
	// This prevents memory exhaustion from a single oversized frame.
	MaxChunkSize = 1024 * 1024

	// MaxFileSize is the hard cap on a single transfer (1 GiB).
	MaxFileSize = 1024 * 1024 * 1024

	// MaxFileNameLength is the maximum file name length in bytes after
	// normalisation. It matches typical filesystem limits.
	MaxFileNameLength = 255

	// MaxConcurrentUploads is the default sliding window size K.
	MaxConcurrentUploads = 5

	// MaxRetries is the default number of resends for one chunk.
	MaxRetries = 3
)

var (
	// ErrSizeLimitExceeded indicates a file larger than the configured cap.
	ErrSizeLimitExceeded = errors.New("file size limit exceeded")

	// ErrChunkTooLarge indicates a chunk larger than MaxChunkSize.
	ErrChunkTooLarge = errors.New("chunk size exceeds maximum allowed")

	// ErrFileNameTooLong indicates a file name longer than MaxFileNameLength.
	ErrFileNameTooLong = errors.New("file name too long")

	// ErrFileNameEmpty indicates a missing file name.
	ErrFileNameEmpty = errors.New("file name is empty")

	// ErrInvalidChunkSize indicates a non-positive chunk size.
	ErrInvalidChunkSize = errors.New("chunk size must be positive")
)

// ValidateFileSize checks size against maxSize. A maxSize of zero or less
// selects MaxFileSize.
func ValidateFileSize(size, maxSize int64) error {
	if maxSize <= 0 {
		maxSize = MaxFileSize
	}
	if size < 0 {
		return fmt.Errorf("invalid file size %d", size)
	}
	if size > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrSizeLimitExceeded, size, maxSize)
	}
	return nil
}

// ValidateChunk checks one received chunk against MaxChunkSize.
func ValidateChunk(data []byte) error {
	if len(data) > MaxChunkSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrChunkTooLarge, len(data), MaxChunkSize)
	}
	return nil
}

// ValidateFileName checks a normalised file name.
func ValidateFileName(name string) error {
	if name == "" {
		return ErrFileNameEmpty
	}
	if len(name) > MaxFileNameLength {
		return fmt.Errorf("%w: length %d exceeds limit %d", ErrFileNameTooLong, len(name), MaxFileNameLength)
	}
	return nil
}

// ChunkCount returns ceil(size / chunkSize). An empty file has zero chunks.
func ChunkCount(size int64, chunkSize int) (int, error) {
	if chunkSize <= 0 {
		return 0, ErrInvalidChunkSize
	}
	if size <= 0 {
		return 0, nil
	}
	c := int64(chunkSize)
	return int((size + c - 1) / c), nil
}
