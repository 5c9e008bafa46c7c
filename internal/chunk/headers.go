package chunk

import (
	"bytes"
	"encoding/binary"

	"github.com/awcullen/opcua/ua"
	"github.com/pkg/errors"
)

// MessageType is the three letter tag that starts every frame.
type MessageType string

const (
	MessageTypeHello              MessageType = "HEL"
	MessageTypeAcknowledge        MessageType = "ACK"
	MessageTypeError              MessageType = "ERR"
	MessageTypeReverseHello       MessageType = "RHE"
	MessageTypeOpenSecureChannel  MessageType = "OPN"
	MessageTypeMessage            MessageType = "MSG"
	MessageTypeCloseSecureChannel MessageType = "CLO"
)

// Secure reports whether frames of this type travel over the secure channel.
func (t MessageType) Secure() bool {
	return t == MessageTypeOpenSecureChannel || t == MessageTypeMessage || t == MessageTypeCloseSecureChannel
}

// Asymmetric reports whether the type uses the asymmetric security header.
func (t MessageType) Asymmetric() bool {
	return t == MessageTypeOpenSecureChannel
}

// ChunkType is the fourth header byte.
type ChunkType byte

const (
	ChunkIntermediate ChunkType = 'C'
	ChunkFinal        ChunkType = 'F'
	ChunkAbort        ChunkType = 'A'
)

const (
	// HeaderSize is the type, chunk type and length prefix of every frame.
	HeaderSize = 8
	// SecureHeaderSize adds the secure channel id.
	SecureHeaderSize = 12
	// SymmetricSecurityHeaderSize is the token id.
	SymmetricSecurityHeaderSize = 4
	// SequenceHeaderSize is the sequence number and request id.
	SequenceHeaderSize = 8
)

// Header is the common frame header.
type Header struct {
	MessageType MessageType
	ChunkType   ChunkType
	Length      uint32
}

// ParseHeader decodes the first HeaderSize bytes of b.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, errors.New("frame header is truncated")
	}
	h := Header{
		MessageType: MessageType(b[0:3]),
		ChunkType:   ChunkType(b[3]),
		Length:      binary.LittleEndian.Uint32(b[4:8]),
	}
	switch h.MessageType {
	case MessageTypeHello, MessageTypeAcknowledge, MessageTypeError, MessageTypeReverseHello,
		MessageTypeOpenSecureChannel, MessageTypeMessage, MessageTypeCloseSecureChannel:
	default:
		return h, errors.Wrapf(errBadMessageType, "unknown message type %q", b[0:3])
	}
	switch h.ChunkType {
	case ChunkIntermediate, ChunkFinal, ChunkAbort:
	default:
		return h, errors.Wrapf(errBadMessageType, "unknown chunk type %q", b[3])
	}
	if h.Length < HeaderSize {
		return h, errors.Errorf("declared frame length %d is shorter than the header", h.Length)
	}
	return h, nil
}

// Put writes the header into the first HeaderSize bytes of b.
func (h Header) Put(b []byte) {
	copy(b[0:3], h.MessageType)
	b[3] = byte(h.ChunkType)
	binary.LittleEndian.PutUint32(b[4:8], h.Length)
}

// SecurityHeader is the part between the secure channel id and the sequence header.
type SecurityHeader interface {
	Encode() []byte
}

// AsymmetricSecurityHeader secures OPN chunks.
type AsymmetricSecurityHeader struct {
	SecurityPolicyURI             string
	SenderCertificate             []byte
	ReceiverCertificateThumbprint []byte
}

func (h *AsymmetricSecurityHeader) Encode() []byte {
	var buf bytes.Buffer
	enc := ua.NewBinaryEncoder(&buf, ua.NewEncodingContext())
	enc.WriteString(h.SecurityPolicyURI)
	enc.WriteByteArray(h.SenderCertificate)
	enc.WriteByteArray(h.ReceiverCertificateThumbprint)
	return buf.Bytes()
}

// SymmetricSecurityHeader secures MSG and CLO chunks.
type SymmetricSecurityHeader struct {
	TokenID uint32
}

func (h *SymmetricSecurityHeader) Encode() []byte {
	b := make([]byte, SymmetricSecurityHeaderSize)
	binary.LittleEndian.PutUint32(b, h.TokenID)
	return b
}

// SequenceHeader precedes the body of every secure chunk.
type SequenceHeader struct {
	SequenceNumber uint32
	RequestID      uint32
}

// decodeAsymmetricSecurityHeader reads the header from b, bounding every
// length prefix by the bytes actually present. It returns the bytes consumed.
func decodeAsymmetricSecurityHeader(b []byte) (*AsymmetricSecurityHeader, int, error) {
	r := boundedReader{b: b}
	uri, err := r.bytes()
	if err != nil {
		return nil, 0, errors.Wrap(err, "security policy uri")
	}
	cert, err := r.bytes()
	if err != nil {
		return nil, 0, errors.Wrap(err, "sender certificate")
	}
	thumb, err := r.bytes()
	if err != nil {
		return nil, 0, errors.Wrap(err, "receiver certificate thumbprint")
	}
	return &AsymmetricSecurityHeader{
		SecurityPolicyURI:             string(uri),
		SenderCertificate:             cert,
		ReceiverCertificateThumbprint: thumb,
	}, r.off, nil
}

type boundedReader struct {
	b   []byte
	off int
}

func (r *boundedReader) uint32() (uint32, error) {
	if len(r.b)-r.off < 4 {
		return 0, errors.New("truncated")
	}
	v := binary.LittleEndian.Uint32(r.b[r.off:])
	r.off += 4
	return v, nil
}

func (r *boundedReader) bytes() ([]byte, error) {
	n, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if int32(n) < 0 {
		return nil, nil
	}
	if int(n) > len(r.b)-r.off {
		return nil, errors.Errorf("length %d exceeds the %d bytes left", n, len(r.b)-r.off)
	}
	out := make([]byte, n)
	copy(out, r.b[r.off:])
	r.off += int(n)
	return out, nil
}
