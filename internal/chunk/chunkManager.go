package chunk

import (
	"bytes"
	"encoding/binary"

	"github.com/awcullen/opcua/ua"
	"github.com/pkg/errors"
)

// Options describe how the chunks of one message are produced.
type Options struct {
	// ChunkSize is the negotiated send buffer size, header inclusive.
	ChunkSize      int
	ChannelID      uint32
	RequestID      uint32
	SecurityHeader SecurityHeader
	Sealer         Sealer
	// MaxChunkCount and MaxMessageSize are the peer's receive limits; 0 disables the check.
	MaxChunkCount  int
	MaxMessageSize int
}

// SecureMessageChunkManager turns an incrementally written body into chunks.
// Chunks are only flushed once more data arrives or End is called, so a body
// that fills the last chunk exactly never produces a trailing empty chunk.
type SecureMessageChunkManager struct {
	msgType MessageType
	opts    Options
	seq     *SequenceNumberGenerator
	onChunk func([]byte)

	securityHeader  []byte
	plainHeaderSize int
	maxBodySize     int
	padHeaderSize   int

	body       []byte
	written    int
	chunkCount int
	closed     bool
}

// NewSecureMessageChunkManager validates the options and computes the body capacity of a chunk.
func NewSecureMessageChunkManager(msgType MessageType, opts Options, seq *SequenceNumberGenerator, onChunk func([]byte)) (*SecureMessageChunkManager, error) {
	if !msgType.Secure() {
		return nil, errors.Errorf("message type %s cannot be sent as a secure chunk", msgType)
	}
	if opts.SecurityHeader == nil {
		return nil, errors.New("missing security header")
	}
	m := &SecureMessageChunkManager{
		msgType:        msgType,
		opts:           opts,
		seq:            seq,
		onChunk:        onChunk,
		securityHeader: opts.SecurityHeader.Encode(),
	}
	m.plainHeaderSize = SecureHeaderSize + len(m.securityHeader)

	sigSize := 0
	if opts.Sealer != nil {
		sigSize = opts.Sealer.SignatureLength()
	}
	if m.encrypting() {
		cipherBlock := opts.Sealer.CipherBlockSize()
		plainBlock := opts.Sealer.PlainBlockSize()
		if plainBlock <= 0 {
			return nil, errors.Errorf("invalid plain block size %d", plainBlock)
		}
		m.padHeaderSize = paddingHeaderSize(cipherBlock)
		m.maxBodySize = ((opts.ChunkSize-m.plainHeaderSize)/cipherBlock)*plainBlock - SequenceHeaderSize - m.padHeaderSize - sigSize
	} else {
		m.maxBodySize = opts.ChunkSize - m.plainHeaderSize - SequenceHeaderSize - sigSize
	}
	if m.maxBodySize <= 0 {
		return nil, errors.Errorf("chunk size %d leaves no room for a body", opts.ChunkSize)
	}
	m.body = make([]byte, 0, m.maxBodySize)
	return m, nil
}

// MaxBodySize is the number of body bytes one chunk carries.
func (m *SecureMessageChunkManager) MaxBodySize() int { return m.maxBodySize }

func (m *SecureMessageChunkManager) encrypting() bool {
	return m.opts.Sealer != nil && m.opts.Sealer.CipherBlockSize() > 0
}

// Write appends body bytes, flushing intermediate chunks as the buffer fills.
func (m *SecureMessageChunkManager) Write(p []byte) (int, error) {
	if m.closed {
		return 0, ErrChunkManagerClosed
	}
	if m.opts.MaxMessageSize > 0 && m.written+len(p) > m.opts.MaxMessageSize {
		return 0, errors.Wrapf(ErrMessageTooLarge, "body of %d bytes", m.written+len(p))
	}
	n := 0
	for len(p) > 0 {
		if len(m.body) == m.maxBodySize {
			if err := m.flush(ChunkIntermediate, m.body); err != nil {
				return n, err
			}
			m.body = m.body[:0]
		}
		c := copy(m.body[len(m.body):m.maxBodySize], p)
		m.body = m.body[:len(m.body)+c]
		p = p[c:]
		n += c
		m.written += c
	}
	return n, nil
}

// End flushes the remaining bytes, possibly none, as the final chunk. A
// message that fails here can still be aborted.
func (m *SecureMessageChunkManager) End() error {
	if m.closed {
		return ErrChunkManagerClosed
	}
	if err := m.flush(ChunkFinal, m.body); err != nil {
		return err
	}
	m.closed = true
	return nil
}

// Abort discards buffered bytes and emits an abort chunk carrying code and reason.
func (m *SecureMessageChunkManager) Abort(code ua.StatusCode, reason string) error {
	if m.closed {
		return ErrChunkManagerClosed
	}
	m.closed = true
	var buf bytes.Buffer
	enc := ua.NewBinaryEncoder(&buf, ua.NewEncodingContext())
	enc.WriteUInt32(uint32(code))
	enc.WriteString(reason)
	body := buf.Bytes()
	if len(body) > m.maxBodySize {
		body = body[:m.maxBodySize]
	}
	return m.flush(ChunkAbort, body)
}

// ChunkCount is the number of chunks emitted so far.
func (m *SecureMessageChunkManager) ChunkCount() int { return m.chunkCount }

func (m *SecureMessageChunkManager) flush(chunkType ChunkType, body []byte) error {
	if chunkType != ChunkAbort && m.opts.MaxChunkCount > 0 && m.chunkCount >= m.opts.MaxChunkCount {
		return errors.Wrapf(ErrMessageTooLarge, "more than %d chunks", m.opts.MaxChunkCount)
	}
	m.chunkCount++

	sigSize, padding, padHeader := 0, 0, 0
	if m.opts.Sealer != nil {
		sigSize = m.opts.Sealer.SignatureLength()
	}
	plainSize := SequenceHeaderSize + len(body)
	if m.encrypting() {
		plainBlock := m.opts.Sealer.PlainBlockSize()
		padHeader = m.padHeaderSize
		padding = (plainBlock - ((plainSize + padHeader + sigSize) % plainBlock)) % plainBlock
		plainSize += padHeader + padding
	}
	plainSize += sigSize

	chunkSize := m.plainHeaderSize + plainSize
	if m.encrypting() {
		chunkSize = m.plainHeaderSize + plainSize/m.opts.Sealer.PlainBlockSize()*m.opts.Sealer.CipherBlockSize()
	}

	buf := make([]byte, m.plainHeaderSize+plainSize)
	Header{MessageType: m.msgType, ChunkType: chunkType, Length: uint32(chunkSize)}.Put(buf)
	binary.LittleEndian.PutUint32(buf[8:12], m.opts.ChannelID)
	off := SecureHeaderSize + copy(buf[SecureHeaderSize:], m.securityHeader)
	binary.LittleEndian.PutUint32(buf[off:], m.seq.Next())
	binary.LittleEndian.PutUint32(buf[off+4:], m.opts.RequestID)
	off += SequenceHeaderSize
	off += copy(buf[off:], body)

	if m.encrypting() {
		buf[off] = byte(padding)
		off++
		for i := 0; i < padding; i++ {
			buf[off] = byte(padding)
			off++
		}
		if padHeader == 2 {
			buf[off] = byte(padding >> 8)
			off++
		}
	}

	if sigSize > 0 {
		sig, err := m.opts.Sealer.Sign(buf[:off])
		if err != nil {
			return errors.Wrap(err, "cannot sign chunk")
		}
		if len(sig) != sigSize {
			return errors.Errorf("signature has %d bytes, expected %d", len(sig), sigSize)
		}
		off += copy(buf[off:], sig)
	}

	if m.encrypting() {
		cipherText, err := m.opts.Sealer.Encrypt(buf[m.plainHeaderSize:off])
		if err != nil {
			return errors.Wrap(err, "cannot encrypt chunk")
		}
		out := make([]byte, m.plainHeaderSize+len(cipherText))
		copy(out, buf[:m.plainHeaderSize])
		copy(out[m.plainHeaderSize:], cipherText)
		buf = out
	}
	if len(buf) != chunkSize {
		return errors.Errorf("chunk has %d bytes, header declares %d", len(buf), chunkSize)
	}
	m.onChunk(buf)
	return nil
}
