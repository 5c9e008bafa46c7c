// Package transport implements the OPC UA TCP connection protocol messages
// (HEL, ACK and ERR) exchanged before and around the secure channel.
package transport

import (
	"bytes"
	"encoding/binary"

	"github.com/amine-amaach/uasc/internal/chunk"
	"github.com/amine-amaach/uasc/internal/model"
	"github.com/awcullen/opcua/ua"
	"github.com/pkg/errors"
)

const (
	ProtocolVersion       uint32 = 0
	DefaultBufferSize     uint32 = 64 * 1024
	MinBufferSize         uint32 = 8192
	DefaultMaxMessageSize uint32 = 16 * 1024 * 1024
	DefaultMaxChunkCount  uint32 = 4096
	MaxEndpointURLLength         = 4096
	// MaxHandshakeFrameSize bounds HEL, ACK and ERR frames.
	MaxHandshakeFrameSize = 8 + 20 + 4 + MaxEndpointURLLength
)

// Hello opens a connection.
type Hello struct {
	ProtocolVersion   uint32
	ReceiveBufferSize uint32
	SendBufferSize    uint32
	MaxMessageSize    uint32
	MaxChunkCount     uint32
	EndpointURL       string
}

// Acknowledge answers a Hello with the revised limits.
type Acknowledge struct {
	ProtocolVersion   uint32
	ReceiveBufferSize uint32
	SendBufferSize    uint32
	MaxMessageSize    uint32
	MaxChunkCount     uint32
}

// Error reports a fatal connection error before the connection is closed.
type Error struct {
	Status ua.StatusCode
	Reason string
}

func (e *Error) Error() string {
	return errors.Wrap(e.Status, e.Reason).Error()
}

func (e *Error) Unwrap() error { return e.Status }

// Encode returns the complete HEL frame.
func (m *Hello) Encode() []byte {
	return frame(chunk.MessageTypeHello, func(enc *ua.BinaryEncoder) {
		enc.WriteUInt32(m.ProtocolVersion)
		enc.WriteUInt32(m.ReceiveBufferSize)
		enc.WriteUInt32(m.SendBufferSize)
		enc.WriteUInt32(m.MaxMessageSize)
		enc.WriteUInt32(m.MaxChunkCount)
		enc.WriteString(m.EndpointURL)
	})
}

// Encode returns the complete ACK frame.
func (m *Acknowledge) Encode() []byte {
	return frame(chunk.MessageTypeAcknowledge, func(enc *ua.BinaryEncoder) {
		enc.WriteUInt32(m.ProtocolVersion)
		enc.WriteUInt32(m.ReceiveBufferSize)
		enc.WriteUInt32(m.SendBufferSize)
		enc.WriteUInt32(m.MaxMessageSize)
		enc.WriteUInt32(m.MaxChunkCount)
	})
}

// Encode returns the complete ERR frame.
func (m *Error) Encode() []byte {
	return frame(chunk.MessageTypeError, func(enc *ua.BinaryEncoder) {
		enc.WriteUInt32(uint32(m.Status))
		enc.WriteString(m.Reason)
	})
}

func frame(msgType chunk.MessageType, body func(enc *ua.BinaryEncoder)) []byte {
	var buf bytes.Buffer
	buf.Write(make([]byte, chunk.HeaderSize))
	body(ua.NewBinaryEncoder(&buf, ua.NewEncodingContext()))
	b := buf.Bytes()
	chunk.Header{MessageType: msgType, ChunkType: chunk.ChunkFinal, Length: uint32(len(b))}.Put(b)
	return b
}

// DecodeHello parses a complete HEL frame.
func DecodeHello(b []byte) (*Hello, error) {
	r, err := open(b, chunk.MessageTypeHello, 8+20+4)
	if err != nil {
		return nil, err
	}
	m := &Hello{}
	for _, v := range []*uint32{&m.ProtocolVersion, &m.ReceiveBufferSize, &m.SendBufferSize, &m.MaxMessageSize, &m.MaxChunkCount} {
		*v = r.uint32()
	}
	url, err := r.string(MaxEndpointURLLength)
	if err != nil {
		return nil, errors.Wrap(model.BadTCPEndpointURLInvalid, err.Error())
	}
	m.EndpointURL = url
	return m, nil
}

// DecodeAcknowledge parses a complete ACK frame.
func DecodeAcknowledge(b []byte) (*Acknowledge, error) {
	r, err := open(b, chunk.MessageTypeAcknowledge, 8+20)
	if err != nil {
		return nil, err
	}
	m := &Acknowledge{}
	for _, v := range []*uint32{&m.ProtocolVersion, &m.ReceiveBufferSize, &m.SendBufferSize, &m.MaxMessageSize, &m.MaxChunkCount} {
		*v = r.uint32()
	}
	return m, nil
}

// DecodeError parses a complete ERR frame.
func DecodeError(b []byte) (*Error, error) {
	r, err := open(b, chunk.MessageTypeError, 8+4)
	if err != nil {
		return nil, err
	}
	m := &Error{Status: ua.StatusCode(r.uint32())}
	if m.Reason, err = r.string(MaxEndpointURLLength); err != nil {
		return nil, errors.Wrap(model.BadDecodingError, err.Error())
	}
	return m, nil
}

func open(b []byte, msgType chunk.MessageType, minSize int) (*reader, error) {
	h, err := chunk.ParseHeader(b)
	if err != nil {
		return nil, errors.Wrap(model.BadDecodingError, err.Error())
	}
	if h.MessageType != msgType {
		return nil, errors.Wrapf(model.BadTCPMessageTypeInvalid, "expected %s, received %s", msgType, h.MessageType)
	}
	if int(h.Length) != len(b) || len(b) < minSize {
		return nil, errors.Wrapf(model.BadDecodingError, "%s frame of %d bytes declares %d", msgType, len(b), h.Length)
	}
	return &reader{b: b, off: chunk.HeaderSize}, nil
}

type reader struct {
	b   []byte
	off int
}

// uint32 must only be called within the minimum size checked by open.
func (r *reader) uint32() uint32 {
	v := binary.LittleEndian.Uint32(r.b[r.off:])
	r.off += 4
	return v
}

func (r *reader) string(max int) (string, error) {
	if len(r.b)-r.off < 4 {
		return "", errors.New("string length is truncated")
	}
	n := int32(binary.LittleEndian.Uint32(r.b[r.off:]))
	r.off += 4
	if n < 0 {
		return "", nil
	}
	if int(n) > max {
		return "", errors.Errorf("string of %d bytes exceeds %d", n, max)
	}
	if int(n) > len(r.b)-r.off {
		return "", errors.New("string is truncated")
	}
	s := string(r.b[r.off : r.off+int(n)])
	r.off += int(n)
	return s, nil
}
