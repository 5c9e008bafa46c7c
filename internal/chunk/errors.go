package chunk

import (
	"github.com/amine-amaach/uasc/internal/model"
	"github.com/pkg/errors"
)

var (
	errBadMessageType = model.BadTCPMessageTypeInvalid

	// ErrMessageTooLarge is returned when a body exceeds the negotiated limits.
	ErrMessageTooLarge = errors.Wrap(model.BadTCPMessageTooLarge, "message exceeds the negotiated limits")
	// ErrChunkManagerClosed is returned when writing after End or Abort.
	ErrChunkManagerClosed = errors.New("chunk manager already ended")
)
