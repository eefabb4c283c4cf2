package limits

import (
	"errors"
	"strings"
	"testing"
)

func TestChunkCount(t *testing.T) {
	tests := []struct {
		name      string
		size      int64
		chunkSize int
		want      int
	}{
		{"empty file", 0, DefaultChunkSize, 0},
		{"one byte", 1, DefaultChunkSize, 1},
		{"exact multiple", 2 * DefaultChunkSize, DefaultChunkSize, 2},
		{"450 KB over 200 KB", 450 * 1024, 200 * 1024, 3},
		{"one over", DefaultChunkSize + 1, DefaultChunkSize, 2},
		{"max file", MaxFileSize, DefaultChunkSize, 5243},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ChunkCount(tt.size, tt.chunkSize)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ChunkCount(%d, %d) = %d, want %d", tt.size, tt.chunkSize, got, tt.want)
			}
		})
	}
}

func TestChunkCountFormula(t *testing.T) {
	for _, c := range []int{1, 3, 7, 1024} {
		for s := int64(0); s < 5000; s += 37 {
			got, err := ChunkCount(s, c)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			want := int(s / int64(c))
			if s%int64(c) != 0 {
				want++
			}
			if got != want {
				t.Fatalf("ChunkCount(%d, %d) = %d, want %d", s, c, got, want)
			}
		}
	}
}

func TestChunkCountInvalidChunkSize(t *testing.T) {
	if _, err := ChunkCount(10, 0); !errors.Is(err, ErrInvalidChunkSize) {
		t.Errorf("expected ErrInvalidChunkSize, got %v", err)
	}
}

func TestValidateFileSize(t *testing.T) {
	if err := ValidateFileSize(MaxFileSize, 0); err != nil {
		t.Errorf("size at limit should pass, got %v", err)
	}
	if err := ValidateFileSize(MaxFileSize+1, 0); !errors.Is(err, ErrSizeLimitExceeded) {
		t.Errorf("expected ErrSizeLimitExceeded, got %v", err)
	}
	if err := ValidateFileSize(11, 10); !errors.Is(err, ErrSizeLimitExceeded) {
		t.Errorf("expected ErrSizeLimitExceeded for custom cap, got %v", err)
	}
	if err := ValidateFileSize(-1, 10); err == nil {
		t.Error("negative size should fail")
	}
}

func TestValidateChunk(t *testing.T) {
	if err := ValidateChunk(make([]byte, MaxChunkSize)); err != nil {
		t.Errorf("chunk at limit should pass, got %v", err)
	}
	if err := ValidateChunk(make([]byte, MaxChunkSize+1)); !errors.Is(err, ErrChunkTooLarge) {
		t.Errorf("expected ErrChunkTooLarge, got %v", err)
	}
}

func TestValidateFileName(t *testing.T) {
	if err := ValidateFileName(""); !errors.Is(err, ErrFileNameEmpty) {
		t.Errorf("expected ErrFileNameEmpty, got %v", err)
	}
	if err := ValidateFileName(strings.Repeat("a", MaxFileNameLength+1)); !errors.Is(err, ErrFileNameTooLong) {
		t.Errorf("expected ErrFileNameTooLong, got %v", err)
	}
	if err := ValidateFileName("report.pdf"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
