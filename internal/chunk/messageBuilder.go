package chunk

import (
	"encoding/binary"
	"io"

	"github.com/amine-amaach/uasc/internal/model"
	"github.com/amine-amaach/uasc/ports"
	"github.com/awcullen/opcua/ua"
	"github.com/djherbis/buffer"
	"github.com/pkg/errors"
)

// DefaultMaxChunkSize bounds incoming chunks when no limit was negotiated.
const DefaultMaxChunkSize = 64 * 1024

var bodyPool = buffer.NewMemPoolAt(int64(DefaultMaxChunkSize))

// BuilderOptions configure a MessageBuilder.
type BuilderOptions struct {
	MaxChunkSize   int
	MaxMessageSize int
	MaxChunkCount  int
	// Resolver supplies the opener of secured chunks. When nil chunks are
	// accepted in clear and token ids are not checked.
	Resolver      SecurityResolver
	ObjectFactory ports.ObjectFactoryPort
}

// MessageBuilder reassembles messages from a byte stream fragmented at
// arbitrary boundaries. Every failure is reported as an event; Feed never panics
// on malformed input.
type MessageBuilder struct {
	opts    BuilderOptions
	handler EventHandler

	pending []byte
	broken  bool

	body           buffer.BufferAt
	chunkCount     int
	msgType        MessageType
	channelID      uint32
	requestID      uint32
	securityHeader SecurityHeader

	prevSeq   uint32
	seenFirst bool

	// current is the header of the chunk being processed. After a failure
	// on an intermediate chunk the remaining chunks of that message are
	// dropped up to its final or abort chunk.
	current  Header
	skipping bool
	skipType MessageType
}

func NewMessageBuilder(opts BuilderOptions, handler EventHandler) *MessageBuilder {
	if opts.MaxChunkSize <= 0 {
		opts.MaxChunkSize = DefaultMaxChunkSize
	}
	return &MessageBuilder{
		opts:    opts,
		handler: handler,
		body:    buffer.NewPartitionAt(bodyPool),
	}
}

// SetLimits updates the limits after a transport negotiation.
func (b *MessageBuilder) SetLimits(maxChunkSize, maxMessageSize, maxChunkCount int) {
	if maxChunkSize > 0 {
		b.opts.MaxChunkSize = maxChunkSize
	}
	b.opts.MaxMessageSize = maxMessageSize
	b.opts.MaxChunkCount = maxChunkCount
}

// Feed consumes bytes received from the transport.
func (b *MessageBuilder) Feed(data []byte) {
	if b.broken {
		return
	}
	b.pending = append(b.pending, data...)
	for !b.broken && len(b.pending) >= HeaderSize {
		h, err := ParseHeader(b.pending)
		if err != nil {
			b.breakStream(err)
			return
		}
		if int64(h.Length) > int64(b.opts.MaxChunkSize) {
			b.breakStream(errors.Wrapf(model.BadTCPMessageTooLarge, "chunk of %d bytes exceeds the limit of %d", h.Length, b.opts.MaxChunkSize))
			return
		}
		if len(b.pending) < int(h.Length) {
			return
		}
		raw := make([]byte, h.Length)
		copy(raw, b.pending)
		rest := len(b.pending) - int(h.Length)
		copy(b.pending, b.pending[h.Length:])
		b.pending = b.pending[:rest]
		b.processChunk(h, raw)
	}
}

// Dispose releases the accumulated body.
func (b *MessageBuilder) Dispose() {
	b.resetBody()
	b.pending = nil
	b.broken = true
}

func (b *MessageBuilder) emit(ev Event) {
	if b.handler != nil {
		b.handler(ev)
	}
}

func (b *MessageBuilder) fail(msgType MessageType, err error) {
	b.resetBody()
	if cur := b.current.MessageType; msgType != "" && msgType == cur && cur.Secure() {
		b.skipping = b.current.ChunkType == ChunkIntermediate
		b.skipType = cur
	}
	b.emit(Event{Kind: EventError, MessageType: msgType, Err: err})
}

// breakStream reports an error after which chunk boundaries can no longer be trusted.
func (b *MessageBuilder) breakStream(err error) {
	b.broken = true
	b.pending = nil
	b.fail("", err)
}

func (b *MessageBuilder) resetBody() {
	b.body.Reset()
	b.chunkCount = 0
	b.securityHeader = nil
}

func (b *MessageBuilder) processChunk(h Header, raw []byte) {
	b.current = h
	b.emit(Event{Kind: EventChunk, MessageType: h.MessageType, Chunk: raw})

	switch h.MessageType {
	case MessageTypeError:
		b.fail(h.MessageType, decodeTransportError(raw))
		return
	case MessageTypeHello, MessageTypeAcknowledge, MessageTypeReverseHello:
		b.fail(h.MessageType, errors.Wrapf(model.BadTCPMessageTypeInvalid, "unexpected %s message on a secure channel", h.MessageType))
		return
	}

	if len(raw) < SecureHeaderSize {
		if h.MessageType == MessageTypeCloseSecureChannel {
			b.emitClose(h, 0, nil, 0)
			return
		}
		b.fail(h.MessageType, errors.Wrapf(model.BadDecodingError, "%s chunk of %d bytes is truncated", h.MessageType, len(raw)))
		return
	}
	channelID := binary.LittleEndian.Uint32(raw[8:12])

	var (
		secHeader SecurityHeader
		opener    Opener
		off       = SecureHeaderSize
		err       error
	)
	if h.MessageType.Asymmetric() {
		var (
			asym *AsymmetricSecurityHeader
			n    int
		)
		asym, n, err = decodeAsymmetricSecurityHeader(raw[off:])
		if err != nil {
			b.fail(h.MessageType, errors.Wrapf(model.BadDecodingError, "invalid asymmetric security header: %v", err))
			return
		}
		off += n
		secHeader = asym
		if b.opts.Resolver != nil {
			opener, err = b.opts.Resolver.OpenAsymmetric(asym)
		}
	} else {
		if len(raw)-off < SymmetricSecurityHeaderSize {
			if h.MessageType == MessageTypeCloseSecureChannel {
				b.emitClose(h, channelID, nil, 0)
				return
			}
			b.fail(h.MessageType, errors.Wrap(model.BadDecodingError, "symmetric security header is truncated"))
			return
		}
		sym := &SymmetricSecurityHeader{TokenID: binary.LittleEndian.Uint32(raw[off:])}
		off += SymmetricSecurityHeaderSize
		secHeader = sym
		if h.MessageType == MessageTypeCloseSecureChannel && len(raw)-off < SequenceHeaderSize {
			b.emitClose(h, channelID, secHeader, 0)
			return
		}
		if b.opts.Resolver != nil {
			opener, err = b.opts.Resolver.OpenSymmetric(sym.TokenID)
		}
	}
	if err != nil {
		b.fail(h.MessageType, errors.Wrap(err, "cannot resolve chunk security"))
		return
	}

	plain := raw
	encrypted := opener != nil && opener.CipherBlockSize() > 0
	if encrypted {
		region := raw[off:]
		if len(region) == 0 || len(region)%opener.CipherBlockSize() != 0 {
			b.fail(h.MessageType, errors.Wrapf(model.BadSecurityChecksFailed, "encrypted region of %d bytes is not block aligned", len(region)))
			return
		}
		decrypted, err := opener.Decrypt(region)
		if err != nil {
			b.fail(h.MessageType, errors.Wrap(model.BadSecurityChecksFailed, err.Error()))
			return
		}
		plain = make([]byte, off+len(decrypted))
		copy(plain, raw[:off])
		copy(plain[off:], decrypted)
	}

	end := len(plain)
	if opener != nil {
		if sigSize := opener.SignatureLength(); sigSize > 0 {
			if end-off < sigSize+SequenceHeaderSize {
				b.fail(h.MessageType, errors.Wrap(model.BadSecurityChecksFailed, "chunk is too short to carry a signature"))
				return
			}
			end -= sigSize
			if err := opener.Verify(plain[:end], plain[end:]); err != nil {
				b.fail(h.MessageType, errors.Wrap(model.BadSecurityChecksFailed, err.Error()))
				return
			}
		}
	}
	if encrypted {
		padHeader := paddingHeaderSize(opener.CipherBlockSize())
		if end-off < SequenceHeaderSize+padHeader {
			b.fail(h.MessageType, errors.Wrap(model.BadSecurityChecksFailed, "chunk is too short to carry padding"))
			return
		}
		padding := int(plain[end-1])
		if padHeader == 2 {
			padding = int(plain[end-1])<<8 | int(plain[end-2])
		}
		bodyEnd := end - padHeader - padding
		if bodyEnd < off+SequenceHeaderSize {
			b.fail(h.MessageType, errors.Wrap(model.BadSecurityChecksFailed, "invalid padding size"))
			return
		}
		for _, p := range plain[bodyEnd : end-padHeader+1] {
			if p != byte(padding) {
				b.fail(h.MessageType, errors.Wrap(model.BadSecurityChecksFailed, "invalid padding"))
				return
			}
		}
		end = bodyEnd
	}
	if end-off < SequenceHeaderSize {
		b.fail(h.MessageType, errors.Wrap(model.BadDecodingError, "sequence header is truncated"))
		return
	}

	seqNum := binary.LittleEndian.Uint32(plain[off:])
	requestID := binary.LittleEndian.Uint32(plain[off+4:])
	off += SequenceHeaderSize
	b.checkSequenceNumber(h.MessageType, channelID, requestID, seqNum)

	b.accumulate(h, channelID, requestID, secHeader, plain[off:end])
}

func (b *MessageBuilder) checkSequenceNumber(msgType MessageType, channelID, requestID, seqNum uint32) {
	if !b.seenFirst {
		b.seenFirst = true
		b.prevSeq = seqNum
		return
	}
	expected := nextAfter(b.prevSeq)
	b.prevSeq = seqNum
	if seqNum != expected {
		b.emit(Event{
			Kind:        EventInvalidSequenceNumber,
			MessageType: msgType,
			ChannelID:   channelID,
			RequestID:   requestID,
			Err:         errors.Wrapf(model.BadSequenceNumberInvalid, "expected sequence number %d, got %d", expected, seqNum),
			Expected:    expected,
			Found:       seqNum,
		})
	}
}

func (b *MessageBuilder) accumulate(h Header, channelID, requestID uint32, secHeader SecurityHeader, body []byte) {
	if b.skipping {
		if h.MessageType == b.skipType {
			if h.ChunkType != ChunkIntermediate {
				b.skipping = false
			}
			return
		}
		b.skipping = false
	}
	if h.ChunkType == ChunkAbort {
		b.fail(h.MessageType, decodeAbort(body))
		return
	}
	if b.chunkCount == 0 {
		b.msgType = h.MessageType
		b.channelID = channelID
		b.requestID = requestID
		b.securityHeader = secHeader
	} else if b.msgType != h.MessageType || b.requestID != requestID {
		b.fail(h.MessageType, errors.Wrapf(model.BadTCPMessageTypeInvalid, "%s chunk for request %d interleaved with %s request %d", h.MessageType, requestID, b.msgType, b.requestID))
		return
	}
	b.chunkCount++
	if b.opts.MaxChunkCount > 0 && b.chunkCount > b.opts.MaxChunkCount {
		b.fail(h.MessageType, errors.Wrapf(model.BadTCPMessageTooLarge, "message exceeds %d chunks", b.opts.MaxChunkCount))
		return
	}
	if b.opts.MaxMessageSize > 0 && b.body.Len()+int64(len(body)) > int64(b.opts.MaxMessageSize) {
		b.fail(h.MessageType, errors.Wrapf(model.BadTCPMessageTooLarge, "message exceeds %d bytes", b.opts.MaxMessageSize))
		return
	}
	if _, err := b.body.Write(body); err != nil {
		b.fail(h.MessageType, errors.Wrap(model.BadTCPInternalError, err.Error()))
		return
	}
	if h.ChunkType != ChunkFinal {
		return
	}

	full := make([]byte, b.body.Len())
	_, err := io.ReadFull(b.body, full)
	secHeader = b.securityHeader
	b.resetBody()
	if err != nil {
		b.fail(h.MessageType, errors.Wrap(model.BadTCPInternalError, err.Error()))
		return
	}

	base := Event{MessageType: h.MessageType, ChannelID: channelID, RequestID: requestID, SecurityHeader: secHeader}
	if h.MessageType == MessageTypeCloseSecureChannel && len(full) == 0 {
		b.emitClose(h, channelID, secHeader, requestID)
		return
	}
	ev := base
	ev.Kind, ev.Body = EventFullMessageBody, full
	b.emit(ev)

	if b.opts.ObjectFactory == nil {
		return
	}
	obj, err := b.opts.ObjectFactory.Decode(full)
	ev = base
	if err != nil {
		ev.Kind, ev.Body, ev.Err = EventInvalidMessage, full, err
	} else {
		ev.Kind, ev.Message = EventMessage, obj
	}
	b.emit(ev)
}

// emitClose routes a CLO frame that carries no body to the close logic.
func (b *MessageBuilder) emitClose(h Header, channelID uint32, secHeader SecurityHeader, requestID uint32) {
	b.resetBody()
	b.emit(Event{
		Kind:           EventMessage,
		MessageType:    MessageTypeCloseSecureChannel,
		ChannelID:      channelID,
		RequestID:      requestID,
		SecurityHeader: secHeader,
	})
}

// decodeTransportError decodes the status and reason of an ERR frame.
func decodeTransportError(raw []byte) error {
	r := boundedReader{b: raw[HeaderSize:]}
	code, err := r.uint32()
	if err != nil {
		return errors.Wrap(model.BadTCPInternalError, "peer sent a truncated ERR message")
	}
	reason, _ := r.bytes()
	return errors.Wrapf(ua.StatusCode(code), "peer sent ERR: %s", reason)
}

// decodeAbort decodes the status and reason carried by an abort chunk.
func decodeAbort(body []byte) error {
	r := boundedReader{b: body}
	code, err := r.uint32()
	if err != nil {
		return errors.Wrap(model.BadRequestInterrupted, "message aborted by peer")
	}
	reason, _ := r.bytes()
	return errors.Wrapf(ua.StatusCode(code), "message aborted by peer: %s", reason)
}
