package file

import (
	"encoding/hex"
	"net/url"
	"strings"
	"unicode"

	"github.com/zeebo/blake3"
)

// Split slices blob into consecutive chunks of chunkSize bytes. Only the
// last chunk may be shorter. An empty blob yields no chunks.
func Split(blob []byte, chunkSize int) [][]byte {
	if chunkSize <= 0 || len(blob) == 0 {
		return nil
	}

	chunks := make([][]byte, 0, (len(blob)+chunkSize-1)/chunkSize)
	for start := 0; start < len(blob); start += chunkSize {
		end := start + chunkSize
		if end > len(blob) {
			end = len(blob)
		}
		chunks = append(chunks, blob[start:end:end])
	}
	return chunks
}

// NormalizeFileName replaces every whitespace character with an underscore
// and percent-encodes the result for transport.
func NormalizeFileName(name string) string {
	replaced := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return '_'
		}
		return r
	}, name)
	return url.PathEscape(replaced)
}

// DecodeFileName reverses the transport encoding of NormalizeFileName.
// Underscores are kept.
func DecodeFileName(name string) string {
	decoded, err := url.PathUnescape(name)
	if err != nil {
		return name
	}
	return decoded
}

// Digest returns the hex BLAKE3-256 digest of blob.
func Digest(blob []byte) string {
	sum := blake3.Sum256(blob)
	return hex.EncodeToString(sum[:])
}
