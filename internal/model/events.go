package model

import (
	"time"

	"github.com/awcullen/opcua/ua"
)

// ChannelEventKind tags the events a secure channel emits.
type ChannelEventKind int

const (
	// EventBackoff is emitted before every connection retry with Attempt and Delay.
	EventBackoff ChannelEventKind = iota + 1
	// EventClose is emitted exactly once when a client channel is closed.
	// Err is nil for a local close.
	EventClose
	// EventLifetime75 is emitted when 75% of the token lifetime has elapsed.
	EventLifetime75
	// EventSecurityTokenRenewed carries the token obtained by a renewal.
	EventSecurityTokenRenewed
	// EventMessage carries a request received by a server channel.
	EventMessage
	// EventAbort is emitted exactly once when a server channel is torn down.
	EventAbort
)

func (k ChannelEventKind) String() string {
	switch k {
	case EventBackoff:
		return "backoff"
	case EventClose:
		return "close"
	case EventLifetime75:
		return "lifetime_75"
	case EventSecurityTokenRenewed:
		return "security_token_renewed"
	case EventMessage:
		return "message"
	case EventAbort:
		return "abort"
	}
	return "unknown"
}

// ChannelEvent is delivered to a ChannelEventHandler.
type ChannelEvent struct {
	Kind      ChannelEventKind
	ChannelID uint32
	Attempt   int
	Delay     time.Duration
	Err       error
	Token     ua.ChannelSecurityToken
	Request   ua.ServiceRequest
	Context   *RequestContext
}

// ChannelEventHandler receives channel events on the goroutine of the channel.
type ChannelEventHandler func(ChannelEvent)

// RequestContext identifies the request a response answers.
type RequestContext struct {
	ChannelID         uint32
	RequestID         uint32
	TokenID           uint32
	RequestHandle     uint32
	SecurityPolicyURI string
	SecurityMode      ua.MessageSecurityMode
	ReceivedAt        time.Time
}
