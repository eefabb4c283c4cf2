package file

// Envelope is the chat message that announces a file in its room. It rides
// inside the transfer start request so the relay can post it once the
// upload completes.
type Envelope struct {
	SenderID   string `json:"sender_id"`
	ReceiverID string `json:"receiver_id,omitempty"`
	GroupID    string `json:"group_id,omitempty"`
	SenderName string `json:"sender_name"`
	Room       string `json:"room"`
	Content    string `json:"content"`
	Type       string `json:"type"`
}

// EnvelopeTypeFile is the envelope type of file announcements.
const EnvelopeTypeFile = "file"

// StartMessage is the payload of file_transfer_start.
type StartMessage struct {
	RequestID   string   `json:"requestId,omitempty"`
	FileName    string   `json:"fileName"`
	FileSize    int64    `json:"fileSize"`
	TotalChunks int      `json:"totalChunks"`
	FileType    string   `json:"fileType"`
	FileHash    string   `json:"fileHash,omitempty"`
	Message     Envelope `json:"message"`
}

// InitMessage is the payload of file_transfer_init. Older relays send the
// id as file_id.
type InitMessage struct {
	FileID       string `json:"fileId,omitempty"`
	LegacyFileID string `json:"file_id,omitempty"`
	RequestID    string `json:"requestId,omitempty"`
}

// ID returns the assigned session id.
func (m InitMessage) ID() string {
	if m.FileID != "" {
		return m.FileID
	}
	return m.LegacyFileID
}

// ChunkMessage is the payload of file_chunk. Data is base64 on the wire.
type ChunkMessage struct {
	FileID      string `json:"fileId"`
	ChunkIndex  int    `json:"chunkIndex"`
	TotalChunks int    `json:"totalChunks"`
	Data        []byte `json:"data"`
}

// ChunkAck is the payload of chunk_received. An ack without a chunk index
// cannot be correlated and is dropped.
type ChunkAck struct {
	FileID     string `json:"fileId"`
	ChunkIndex *int   `json:"chunkIndex,omitempty"`
}

// NewChunkAck returns the acknowledgment for one chunk.
func NewChunkAck(fileID string, index int) ChunkAck {
	return ChunkAck{FileID: fileID, ChunkIndex: &index}
}

// CancelMessage is the payload of file_transfer_cancel.
type CancelMessage struct {
	FileID string `json:"fileId"`
	Reason string `json:"reason,omitempty"`
}
