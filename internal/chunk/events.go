package chunk

// EventKind tags the events emitted by a MessageBuilder.
type EventKind int

const (
	// EventChunk carries every complete raw chunk before it is processed.
	EventChunk EventKind = iota + 1
	// EventFullMessageBody carries the reassembled body of a final chunk.
	EventFullMessageBody
	// EventMessage carries the decoded structure of a complete message.
	EventMessage
	// EventError reports transport, framing and integrity failures.
	EventError
	// EventInvalidMessage reports a body the object factory could not decode.
	EventInvalidMessage
	// EventInvalidSequenceNumber reports a gap or repeat in the sequence numbers.
	EventInvalidSequenceNumber
)

func (k EventKind) String() string {
	switch k {
	case EventChunk:
		return "chunk"
	case EventFullMessageBody:
		return "full_message_body"
	case EventMessage:
		return "message"
	case EventError:
		return "error"
	case EventInvalidMessage:
		return "invalid_message"
	case EventInvalidSequenceNumber:
		return "invalid_sequence_number"
	}
	return "unknown"
}

// Event is emitted synchronously from MessageBuilder.Feed.
type Event struct {
	Kind           EventKind
	MessageType    MessageType
	ChannelID      uint32
	RequestID      uint32
	SecurityHeader SecurityHeader
	// Chunk is set for EventChunk.
	Chunk []byte
	// Body is set for EventFullMessageBody and EventInvalidMessage.
	Body []byte
	// Message is the decoded structure of EventMessage. It is nil for a
	// CLO frame that carries no body.
	Message interface{}
	Err     error
	// Expected and Found are set for EventInvalidSequenceNumber.
	Expected uint32
	Found    uint32
}

// EventHandler receives builder events.
type EventHandler func(Event)
