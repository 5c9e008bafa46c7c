package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelManagerSvc(t *testing.T) {
	m := NewChannelManagerSvc(10 * time.Millisecond)
	defer m.Close()

	open, err := NewServerChannelSvc(ServerOptions{})
	require.NoError(t, err)
	open.sc.setChannelID(11)
	open.setState(ServerStateOpen)

	closed, err := NewServerChannelSvc(ServerOptions{})
	require.NoError(t, err)
	closed.sc.setChannelID(12)
	closed.setState(ServerStateOpen)

	m.Add(open)
	m.Add(closed)
	assert.Equal(t, []uint32{11, 12}, m.IDs())
	ch, ok := m.Get(11)
	require.True(t, ok)
	assert.Same(t, open, ch)

	closed.setState(ServerStateClosed)
	assert.Eventually(t, func() bool { return m.Len() == 1 }, time.Second, 5*time.Millisecond)
	_, ok = m.Get(12)
	assert.False(t, ok)

	m.Delete(11)
	assert.Zero(t, m.Len())

	m.Add(open)
	m.Close()
	assert.Equal(t, ServerStateClosed, open.State())
	assert.Zero(t, m.Len())
}
