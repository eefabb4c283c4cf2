// Package limits provides centralized size constants and validation functions
// for chunked file transfers. Both the sending engine and the receiving
// assembler validate against the same values.
//
// # Size Hierarchy
//
//   - DefaultChunkSize (200 KiB): the fixed slice size used by the sender.
//     The final chunk of a file may be shorter.
//
//   - MaxChunkSize (1 MiB): the largest chunk a receiver accepts. Anything
//     larger is rejected before it is buffered.
//
//   - MaxFileSize (1 GiB): the hard cap on one transfer. Oversized files are
//     rejected before any network call.
//
// # Validation Functions
//
//	if err := limits.ValidateFileSize(size, 0); err != nil {
//	    // errors.Is(err, limits.ErrSizeLimitExceeded)
//	}
//
//	total, err := limits.ChunkCount(size, limits.DefaultChunkSize)
//
// ChunkCount returns ceil(size / chunkSize) and zero for an empty file.
package limits
