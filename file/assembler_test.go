package file

import (
	"strings"
	"testing"
	"time"

	"github.com/opd-ai/chatlink/limits"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestUpload(t *testing.T, a *Assembler, blob []byte, chunkSize int) (string, [][]byte) {
	t.Helper()

	chunks := Split(blob, chunkSize)
	id, err := a.Init("7", StartMessage{
		FileName:    NormalizeFileName("notes v2.txt"),
		FileSize:    int64(len(blob)),
		TotalChunks: len(chunks),
		FileType:    "text/plain",
		FileHash:    Digest(blob),
		Message:     Envelope{SenderID: "7", Room: "user3_user7", Type: EnvelopeTypeFile},
	})
	require.NoError(t, err)
	return id, chunks
}

func TestAssembler_OutOfOrderAndDuplicates(t *testing.T) {
	a := NewAssembler(0)
	blob := pattern(95)
	id, chunks := newTestUpload(t, a, blob, 10)

	order := []int{9, 0, 5, 3, 3, 1, 2, 4, 6, 8, 7}
	var complete bool
	for _, i := range order {
		var err error
		complete, err = a.AddChunk(ChunkMessage{FileID: id, ChunkIndex: i, Data: chunks[i]})
		require.NoError(t, err)
	}
	assert.True(t, complete)

	got, err := a.Bytes(id)
	require.NoError(t, err)
	assert.Equal(t, blob, got)

	info, ok := a.Info(id)
	require.True(t, ok)
	assert.Equal(t, "notes_v2.txt", info.FileName)
	assert.Equal(t, 10, info.Received)
	assert.Equal(t, "user3_user7", info.Envelope.Room)
}

func TestAssembler_Rejections(t *testing.T) {
	a := NewAssembler(0)
	blob := pattern(30)
	id, chunks := newTestUpload(t, a, blob, 10)

	_, err := a.AddChunk(ChunkMessage{FileID: id, ChunkIndex: 3, Data: chunks[0]})
	assert.ErrorIs(t, err, ErrChunkOutOfRange)

	_, err = a.AddChunk(ChunkMessage{FileID: id, ChunkIndex: -1, Data: chunks[0]})
	assert.ErrorIs(t, err, ErrChunkOutOfRange)

	_, err = a.AddChunk(ChunkMessage{FileID: "nope", ChunkIndex: 0, Data: chunks[0]})
	assert.ErrorIs(t, err, ErrUnknownFile)

	_, err = a.AddChunk(ChunkMessage{FileID: id, ChunkIndex: 0, Data: make([]byte, limits.MaxChunkSize+1)})
	assert.ErrorIs(t, err, limits.ErrChunkTooLarge)

	_, err = a.Bytes(id)
	assert.ErrorIs(t, err, ErrIncomplete)

	_, err = a.Init("7", StartMessage{FileName: "x", FileSize: limits.MaxFileSize + 1, TotalChunks: 1})
	assert.ErrorIs(t, err, limits.ErrSizeLimitExceeded)
}

func TestAssembler_DigestMismatch(t *testing.T) {
	a := NewAssembler(0)
	blob := pattern(20)
	id, chunks := newTestUpload(t, a, blob, 10)

	tampered := append([]byte(nil), chunks[1]...)
	tampered[0] ^= 0xff

	_, err := a.AddChunk(ChunkMessage{FileID: id, ChunkIndex: 0, Data: chunks[0]})
	require.NoError(t, err)
	_, err = a.AddChunk(ChunkMessage{FileID: id, ChunkIndex: 1, Data: tampered})
	require.NoError(t, err)

	_, err = a.Bytes(id)
	assert.ErrorIs(t, err, ErrDigestMismatch)
}

func TestAssembler_FileIDFormat(t *testing.T) {
	a := NewAssembler(0)
	a.SetTimeProvider(func() time.Time { return time.Unix(1700000000, 0) })

	id, _ := newTestUpload(t, a, pattern(5), 10)
	assert.True(t, strings.HasPrefix(id, "7_1700000000_notes_v2.txt_"), id)
}

func TestAssembler_CancelAndEmpty(t *testing.T) {
	a := NewAssembler(0)

	id, err := a.Init("1", StartMessage{FileName: "empty", FileSize: 0, TotalChunks: 0})
	require.NoError(t, err)
	got, err := a.Bytes(id)
	require.NoError(t, err)
	assert.Empty(t, got)

	assert.True(t, a.Cancel(id))
	assert.False(t, a.Cancel(id))
	assert.Zero(t, a.Len())

	_, err = a.Init("1", StartMessage{FileName: "bad", FileSize: 10, TotalChunks: 0})
	assert.Error(t, err)
}
