package transport

import (
	"io"

	"github.com/amine-amaach/uasc/internal/chunk"
	"github.com/amine-amaach/uasc/internal/model"
	"github.com/pkg/errors"
)

// ReadFrame reads exactly one frame: the header, then the rest of the
// declared length. Frames longer than maxSize are rejected.
func ReadFrame(r io.Reader, maxSize int) (chunk.Header, []byte, error) {
	head := make([]byte, chunk.HeaderSize)
	if _, err := io.ReadFull(r, head); err != nil {
		return chunk.Header{}, nil, err
	}
	h, err := chunk.ParseHeader(head)
	if err != nil {
		return h, nil, err
	}
	if int64(h.Length) > int64(maxSize) {
		return h, nil, errors.Wrapf(model.BadTCPMessageTooLarge, "frame of %d bytes exceeds %d", h.Length, maxSize)
	}
	b := make([]byte, h.Length)
	copy(b, head)
	if _, err := io.ReadFull(r, b[chunk.HeaderSize:]); err != nil {
		return h, nil, err
	}
	return h, b, nil
}

// WriteError sends an ERR frame. Write failures are returned but callers
// typically close the connection regardless.
func WriteError(w io.Writer, code error, reason string) error {
	_, err := w.Write((&Error{Status: model.StatusOf(code), Reason: reason}).Encode())
	return err
}
