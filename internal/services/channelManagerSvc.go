package services

import (
	"sort"
	"sync"
	"time"
)

// ChannelManagerSvc tracks the open server channels of an endpoint by id.
type ChannelManagerSvc struct {
	sync.RWMutex
	channelsByID map[uint32]*ServerChannelSvc
	closed       chan struct{}
	closeOnce    sync.Once
}

// NewChannelManagerSvc starts a manager that drops closed channels every interval.
func NewChannelManagerSvc(interval time.Duration) *ChannelManagerSvc {
	m := &ChannelManagerSvc{
		channelsByID: make(map[uint32]*ServerChannelSvc),
		closed:       make(chan struct{}),
	}
	go func(m *ChannelManagerSvc) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.checkForClosedChannels()
			case <-m.closed:
				return
			}
		}
	}(m)
	return m
}

// Get returns the channel with the given id.
func (m *ChannelManagerSvc) Get(id uint32) (*ServerChannelSvc, bool) {
	m.RLock()
	defer m.RUnlock()
	ch, ok := m.channelsByID[id]
	return ch, ok
}

// Add registers an open channel.
func (m *ChannelManagerSvc) Add(ch *ServerChannelSvc) {
	m.Lock()
	m.channelsByID[ch.ChannelID()] = ch
	m.Unlock()
}

// Delete forgets a channel.
func (m *ChannelManagerSvc) Delete(id uint32) {
	m.Lock()
	delete(m.channelsByID, id)
	m.Unlock()
}

// Len returns the number of registered channels.
func (m *ChannelManagerSvc) Len() int {
	m.RLock()
	defer m.RUnlock()
	return len(m.channelsByID)
}

// IDs lists the registered channel ids in ascending order.
func (m *ChannelManagerSvc) IDs() []uint32 {
	m.RLock()
	ids := make([]uint32, 0, len(m.channelsByID))
	for id := range m.channelsByID {
		ids = append(ids, id)
	}
	m.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Close stops the cleanup loop and closes every registered channel.
func (m *ChannelManagerSvc) Close() {
	m.closeOnce.Do(func() {
		close(m.closed)
		m.Lock()
		channels := m.channelsByID
		m.channelsByID = make(map[uint32]*ServerChannelSvc)
		m.Unlock()
		for _, ch := range channels {
			ch.Close()
		}
	})
}

func (m *ChannelManagerSvc) checkForClosedChannels() {
	m.Lock()
	for k, ch := range m.channelsByID {
		if ch.State() == ServerStateClosed {
			delete(m.channelsByID, k)
		}
	}
	m.Unlock()
}
