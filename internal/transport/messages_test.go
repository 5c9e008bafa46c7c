package transport

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/amine-amaach/uasc/internal/chunk"
	"github.com/amine-amaach/uasc/internal/model"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHelloFrame(t *testing.T) {
	testCases := []struct {
		name string
		url  string
	}{
		{name: "with_url", url: "opc.tcp://localhost:4840/uasc"},
		{name: "empty_url", url: ""},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			hel := DefaultLimits().Hello(tc.url)
			b := hel.Encode()
			h, err := chunk.ParseHeader(b)
			require.NoError(t, err)
			assert.Equal(t, chunk.MessageTypeHello, h.MessageType)
			assert.Equal(t, uint32(len(b)), h.Length)

			decoded, err := DecodeHello(b)
			require.NoError(t, err)
			assert.Equal(t, hel, decoded)
		})
	}
}

func TestDecodeHelloRejects(t *testing.T) {
	valid := DefaultLimits().Hello("opc.tcp://a").Encode()

	longURL := DefaultLimits().Hello(string(bytes.Repeat([]byte{'x'}, MaxEndpointURLLength+1))).Encode()

	lying := append([]byte(nil), valid...)
	binary.LittleEndian.PutUint32(lying[4:8], uint32(len(valid)+10))

	truncatedURL := append([]byte(nil), valid[:len(valid)-2]...)
	binary.LittleEndian.PutUint32(truncatedURL[4:8], uint32(len(truncatedURL)))

	testCases := []struct {
		name  string
		frame []byte
		code  error
	}{
		{name: "wrong_type", frame: (&Acknowledge{}).Encode(), code: model.BadTCPMessageTypeInvalid},
		{name: "url_too_long", frame: longURL, code: model.BadTCPEndpointURLInvalid},
		{name: "length_mismatch", frame: lying, code: model.BadDecodingError},
		{name: "truncated_url", frame: truncatedURL, code: model.BadTCPEndpointURLInvalid},
		{name: "too_short", frame: valid[:4], code: model.BadDecodingError},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeHello(tc.frame)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.code), "%v", err)
		})
	}
}

func TestAcknowledgeAndErrorFrames(t *testing.T) {
	ack := &Acknowledge{ReceiveBufferSize: 8192, SendBufferSize: 65536, MaxMessageSize: 1 << 20, MaxChunkCount: 16}
	decoded, err := DecodeAcknowledge(ack.Encode())
	require.NoError(t, err)
	assert.Equal(t, ack, decoded)

	var buf bytes.Buffer
	require.NoError(t, WriteError(&buf, errors.Wrap(model.BadTCPServerTooBusy, "busy"), "too many connections"))
	e, err := DecodeError(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, model.BadTCPServerTooBusy, e.Status)
	assert.Equal(t, "too many connections", e.Reason)
	assert.Contains(t, e.Error(), "too many connections")
}

func TestReadFrame(t *testing.T) {
	hel := DefaultLimits().Hello("opc.tcp://host:4840").Encode()
	ack := (&Acknowledge{ReceiveBufferSize: 8192, SendBufferSize: 8192}).Encode()
	r := bytes.NewReader(append(append([]byte(nil), hel...), ack...))

	h, b, err := ReadFrame(r, MaxHandshakeFrameSize)
	require.NoError(t, err)
	assert.Equal(t, chunk.MessageTypeHello, h.MessageType)
	assert.Equal(t, hel, b)

	h, b, err = ReadFrame(r, MaxHandshakeFrameSize)
	require.NoError(t, err)
	assert.Equal(t, chunk.MessageTypeAcknowledge, h.MessageType)
	assert.Equal(t, ack, b)

	_, _, err = ReadFrame(r, MaxHandshakeFrameSize)
	assert.Equal(t, io.EOF, err)

	_, _, err = ReadFrame(bytes.NewReader(hel), 16)
	assert.True(t, errors.Is(err, model.BadTCPMessageTooLarge))

	_, _, err = ReadFrame(bytes.NewReader(hel[:12]), MaxHandshakeFrameSize)
	assert.Equal(t, io.ErrUnexpectedEOF, err)
}
