package relay

import (
	"github.com/opd-ai/chatlink/file"
	"github.com/opd-ai/chatlink/transport"
	"github.com/sirupsen/logrus"
)

func (r *Relay) subscribeFiles(m *member) {
	on(m, transport.EventFileTransferStart, r.handleStart)
	on(m, transport.EventFileChunk, r.handleChunk)
	on(m, transport.EventFileTransferCancel, r.handleCancel)
}

func (r *Relay) handleStart(from *member, msg file.StartMessage) {
	fileID, err := r.assembler.Init(from.id, msg)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "handleStart",
			"sender_id":  from.id,
			"file_name":  msg.FileName,
			"request_id": msg.RequestID,
			"error":      err.Error(),
		}).Warn("Rejected upload")
		return
	}

	r.send(from, transport.EventFileTransferInit, file.InitMessage{
		FileID:    fileID,
		RequestID: msg.RequestID,
	})

	if msg.TotalChunks == 0 {
		r.complete(fileID)
	}
}

func (r *Relay) handleChunk(from *member, msg file.ChunkMessage) {
	if !r.owns(from, msg.FileID) {
		logrus.WithFields(logrus.Fields{
			"function":  "handleChunk",
			"sender_id": from.id,
			"file_id":   msg.FileID,
		}).Warn("Dropping chunk for foreign upload")
		return
	}

	complete, err := r.assembler.AddChunk(msg)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "handleChunk",
			"file_id":     msg.FileID,
			"chunk_index": msg.ChunkIndex,
			"error":       err.Error(),
		}).Warn("Rejected chunk")
		return
	}

	r.send(from, transport.EventChunkReceived, file.NewChunkAck(msg.FileID, msg.ChunkIndex))

	if complete {
		r.complete(msg.FileID)
	}
}

func (r *Relay) handleCancel(from *member, msg file.CancelMessage) {
	if !r.owns(from, msg.FileID) {
		return
	}
	r.assembler.Cancel(msg.FileID)
}

func (r *Relay) owns(from *member, fileID string) bool {
	info, ok := r.assembler.Info(fileID)
	return ok && info.SenderID == from.id
}

// complete hands a finished upload to the callback and forgets it.
func (r *Relay) complete(fileID string) {
	info, ok := r.assembler.Info(fileID)
	if !ok {
		return
	}
	data, err := r.assembler.Bytes(fileID)
	r.assembler.Remove(fileID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "complete",
			"file_id":  fileID,
			"error":    err.Error(),
		}).Error("Upload failed verification")
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":  "complete",
		"file_id":   fileID,
		"sender_id": info.SenderID,
		"file_size": info.FileSize,
		"room":      info.Envelope.Room,
	}).Info("Upload complete")

	r.mu.Lock()
	callback := r.onUpload
	r.mu.Unlock()
	if callback != nil {
		callback(Upload{Info: info, Data: data})
	}
}
