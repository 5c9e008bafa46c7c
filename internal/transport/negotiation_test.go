package transport

import (
	"testing"

	"github.com/amine-amaach/uasc/internal/model"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNegotiation(t *testing.T) {
	client := Limits{ReceiveBufferSize: 16384, SendBufferSize: 32768, MaxMessageSize: 1 << 20, MaxChunkCount: 64}
	server := DefaultLimits()

	ack, serverSide, err := server.AcceptHello(client.Hello("opc.tcp://x"))
	require.NoError(t, err)
	assert.Equal(t, uint32(32768), serverSide.ReceiveBufferSize)
	assert.Equal(t, uint32(16384), serverSide.SendBufferSize)
	assert.Equal(t, uint32(1<<20), serverSide.PeerMaxMessageSize)
	assert.Equal(t, uint32(64), serverSide.PeerMaxChunkCount)
	assert.Equal(t, server.MaxMessageSize, ack.MaxMessageSize)

	clientSide, err := client.AcceptAcknowledge(ack)
	require.NoError(t, err)
	assert.Equal(t, serverSide.SendBufferSize, clientSide.ReceiveBufferSize)
	assert.Equal(t, serverSide.ReceiveBufferSize, clientSide.SendBufferSize)
	assert.Equal(t, server.MaxMessageSize, clientSide.PeerMaxMessageSize)
	assert.Equal(t, server.MaxChunkCount, clientSide.PeerMaxChunkCount)
}

func TestNegotiationRejects(t *testing.T) {
	testCases := []struct {
		name  string
		hello *Hello
		code  error
	}{
		{
			name:  "buffer_too_small",
			hello: Limits{ReceiveBufferSize: 1024, SendBufferSize: 65536}.Hello(""),
			code:  model.BadTCPInternalError,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := DefaultLimits().AcceptHello(tc.hello)
			assert.True(t, errors.Is(err, tc.code))
		})
	}

	_, err := Limits{ReceiveBufferSize: 65536, SendBufferSize: 65536}.AcceptAcknowledge(&Acknowledge{ReceiveBufferSize: 100, SendBufferSize: 65536})
	assert.True(t, errors.Is(err, model.BadTCPInternalError))
}
