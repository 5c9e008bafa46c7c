package services

import (
	"testing"
	"time"

	"github.com/amine-amaach/uasc/internal/chunk"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitoringSvc(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMonitoringSvc(reg)

	m.chunkSent(chunk.MessageTypeMessage)
	m.chunkSent(chunk.MessageTypeMessage)
	m.chunkReceived(chunk.MessageTypeOpenSecureChannel)
	m.channelOpened()
	m.channelOpened()
	m.channelClosed()
	m.channelAborted()
	m.tokenRenewed()
	m.invalidSequenceNumber()
	m.backoff()
	m.transaction(25 * time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ChunksSent.WithLabelValues("MSG")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChunksReceived.WithLabelValues("OPN")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OpenChannels))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChannelAborts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TokenRenewals))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.InvalidSequenceNumbers))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Backoffs))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "uasc_transaction_duration_seconds")
	assert.Contains(t, names, "uasc_open_channels")
}

func TestMonitoringSvcNil(t *testing.T) {
	var m *MonitoringSvc
	assert.NotPanics(t, func() {
		m.chunkSent(chunk.MessageTypeMessage)
		m.chunkReceived(chunk.MessageTypeMessage)
		m.channelOpened()
		m.channelClosed()
		m.channelAborted()
		m.tokenRenewed()
		m.invalidSequenceNumber()
		m.backoff()
		m.transaction(time.Second)
	})
}
