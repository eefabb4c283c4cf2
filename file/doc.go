// Package file implements chunked file transfer over a shared event
// channel, with a bounded window of unacknowledged chunks and per-chunk
// retries.
//
// # Overview
//
// The file package provides two primary components:
//
//   - Engine: the sending side. It announces a file, waits for the remote
//     endpoint to assign a session id, and streams chunks while keeping at
//     most MaxConcurrent of them unacknowledged.
//   - Assembler: the receiving side. It assigns upload ids, accepts chunks
//     in any order and verifies the reassembled content.
//
// # Sending a File
//
//	engine := file.NewEngine(channel, file.DefaultConfig())
//	defer engine.Close()
//
//	engine.OnProgress(func(sessionID string, fraction float64) {
//	    fmt.Printf("%s: %.0f%%\n", sessionID, fraction*100)
//	})
//
//	session, err := engine.Send(ctx, file.Meta{
//	    FileName: "holiday photo.jpg",
//	    MimeType: "image/jpeg",
//	}, blob)
//
// Send is Initiate followed by Run. The two steps can be driven separately
// when the caller wants the session id before the first chunk is sent.
//
// # Handshake
//
// Initiate emits file_transfer_start carrying a fresh requestId and waits
// InitTimeout for file_transfer_init. The init is matched by its echoed
// requestId, or to the oldest pending request when the relay does not echo
// one. A missing init fails with ErrInitTimeout and is never retried.
//
// # Window and Retries
//
// Each chunk waits ChunkTimeout for chunk_received{fileId, chunkIndex}. On
// timeout only that chunk is resent, up to MaxRetries times. When one chunk
// exhausts its budget the session fails with ErrChunkTimeoutExceeded, every
// other wait of the session is abandoned and nothing further is sent.
//
// # Session States
//
//	StateInitiating   // session id assigned, no chunk sent yet
//	StateTransferring // chunks in flight
//	StateCompleted    // every chunk acknowledged
//	StateFailed       // stopped on an error
//	StateCancelled    // stopped by Cancel
//
// Progress is acknowledged/total, never decreases, and equals 1.0 exactly
// when the session is Completed.
package file
