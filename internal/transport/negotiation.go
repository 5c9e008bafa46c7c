package transport

import (
	"github.com/amine-amaach/uasc/internal/model"
	"github.com/pkg/errors"
)

// Limits are the local buffer and message limits of one side.
type Limits struct {
	ReceiveBufferSize uint32
	SendBufferSize    uint32
	MaxMessageSize    uint32
	MaxChunkCount     uint32
}

// DefaultLimits returns the limits used when nothing is configured.
func DefaultLimits() Limits {
	return Limits{
		ReceiveBufferSize: DefaultBufferSize,
		SendBufferSize:    DefaultBufferSize,
		MaxMessageSize:    DefaultMaxMessageSize,
		MaxChunkCount:     DefaultMaxChunkCount,
	}
}

// Negotiated are the limits in force on a connection, seen from one side.
type Negotiated struct {
	ReceiveBufferSize uint32
	SendBufferSize    uint32
	// MaxMessageSize and MaxChunkCount bound what this side accepts.
	MaxMessageSize uint32
	MaxChunkCount  uint32
	// PeerMaxMessageSize and PeerMaxChunkCount bound what this side sends; 0 means no limit.
	PeerMaxMessageSize uint32
	PeerMaxChunkCount  uint32
}

// Hello builds the Hello a client sends.
func (l Limits) Hello(endpointURL string) *Hello {
	return &Hello{
		ProtocolVersion:   ProtocolVersion,
		ReceiveBufferSize: l.ReceiveBufferSize,
		SendBufferSize:    l.SendBufferSize,
		MaxMessageSize:    l.MaxMessageSize,
		MaxChunkCount:     l.MaxChunkCount,
		EndpointURL:       endpointURL,
	}
}

// AcceptHello revises the server limits against a client Hello.
func (l Limits) AcceptHello(hel *Hello) (*Acknowledge, Negotiated, error) {
	if hel.ProtocolVersion < ProtocolVersion {
		return nil, Negotiated{}, errors.Wrapf(model.BadProtocolVersionUnsupported, "protocol version %d is not supported", hel.ProtocolVersion)
	}
	n := Negotiated{
		ReceiveBufferSize:  min32(l.ReceiveBufferSize, hel.SendBufferSize),
		SendBufferSize:     min32(l.SendBufferSize, hel.ReceiveBufferSize),
		MaxMessageSize:     l.MaxMessageSize,
		MaxChunkCount:      l.MaxChunkCount,
		PeerMaxMessageSize: hel.MaxMessageSize,
		PeerMaxChunkCount:  hel.MaxChunkCount,
	}
	if n.ReceiveBufferSize < MinBufferSize || n.SendBufferSize < MinBufferSize {
		return nil, Negotiated{}, errors.Wrapf(model.BadTCPInternalError, "buffer sizes %d/%d are below %d", n.ReceiveBufferSize, n.SendBufferSize, MinBufferSize)
	}
	ack := &Acknowledge{
		ProtocolVersion:   ProtocolVersion,
		ReceiveBufferSize: n.ReceiveBufferSize,
		SendBufferSize:    n.SendBufferSize,
		MaxMessageSize:    n.MaxMessageSize,
		MaxChunkCount:     n.MaxChunkCount,
	}
	return ack, n, nil
}

// AcceptAcknowledge revises the client limits against the server Acknowledge.
func (l Limits) AcceptAcknowledge(ack *Acknowledge) (Negotiated, error) {
	n := Negotiated{
		ReceiveBufferSize:  min32(l.ReceiveBufferSize, ack.SendBufferSize),
		SendBufferSize:     min32(l.SendBufferSize, ack.ReceiveBufferSize),
		MaxMessageSize:     l.MaxMessageSize,
		MaxChunkCount:      l.MaxChunkCount,
		PeerMaxMessageSize: ack.MaxMessageSize,
		PeerMaxChunkCount:  ack.MaxChunkCount,
	}
	if n.ReceiveBufferSize < MinBufferSize || n.SendBufferSize < MinBufferSize {
		return Negotiated{}, errors.Wrapf(model.BadTCPInternalError, "buffer sizes %d/%d are below %d", n.ReceiveBufferSize, n.SendBufferSize, MinBufferSize)
	}
	return n, nil
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}
