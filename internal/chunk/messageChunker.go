package chunk

import (
	"io"

	"github.com/amine-amaach/uasc/internal/model"
	"github.com/pkg/errors"
)

// MessageChunker produces the chunks of the messages sent in one direction of
// a channel. It owns the sequence number stream of that direction.
type MessageChunker struct {
	seq *SequenceNumberGenerator
}

func NewMessageChunker() *MessageChunker {
	return &MessageChunker{seq: NewSequenceNumberGenerator()}
}

// SequenceNumberGenerator exposes the generator shared by every message.
func (c *MessageChunker) SequenceNumberGenerator() *SequenceNumberGenerator {
	return c.seq
}

// ChunkSecureMessage reads body until EOF and hands every produced chunk to
// onChunk in order. When the body violates the peer limits after chunks were
// already emitted, an abort chunk terminates the message.
func (c *MessageChunker) ChunkSecureMessage(msgType MessageType, opts Options, body io.Reader, onChunk func([]byte)) error {
	m, err := NewSecureMessageChunkManager(msgType, opts, c.seq, onChunk)
	if err != nil {
		return err
	}
	_, err = io.Copy(m, body)
	if err == nil {
		err = m.End()
	}
	if err != nil && m.ChunkCount() > 0 {
		if abortErr := m.Abort(model.StatusOf(err), err.Error()); abortErr != nil {
			return errors.Wrap(abortErr, "cannot abort message")
		}
	}
	return err
}
