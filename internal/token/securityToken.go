// Package token tracks channel security tokens and the symmetric keys derived for them.
package token

import (
	"time"

	"github.com/awcullen/opcua/ua"
)

// ChannelSecurityToken is the server-issued token underpinning the symmetric keys.
type ChannelSecurityToken struct {
	ChannelID       uint32
	TokenID         uint32
	CreatedAt       time.Time
	RevisedLifetime time.Duration
}

// FromUA converts the wire representation. Lifetimes are in milliseconds.
func FromUA(t ua.ChannelSecurityToken) ChannelSecurityToken {
	return ChannelSecurityToken{
		ChannelID:       t.ChannelID,
		TokenID:         t.TokenID,
		CreatedAt:       t.CreatedAt,
		RevisedLifetime: time.Duration(t.RevisedLifetime) * time.Millisecond,
	}
}

// ToUA converts to the wire representation.
func (t ChannelSecurityToken) ToUA() ua.ChannelSecurityToken {
	return ua.ChannelSecurityToken{
		ChannelID:       t.ChannelID,
		TokenID:         t.TokenID,
		CreatedAt:       t.CreatedAt,
		RevisedLifetime: uint32(t.RevisedLifetime / time.Millisecond),
	}
}

// ExpiresAt is the wall-clock expiry of the token.
func (t ChannelSecurityToken) ExpiresAt() time.Time {
	return t.CreatedAt.Add(t.RevisedLifetime)
}

// Expired reports whether the token lifetime has elapsed at now.
func (t ChannelSecurityToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt())
}

// RenewAt is the point at which 75% of the lifetime has elapsed.
func (t ChannelSecurityToken) RenewAt() time.Time {
	return t.CreatedAt.Add(t.RevisedLifetime * 3 / 4)
}

// acceptUntil is the last instant a receiver still accepts chunks secured
// with the token: the lifetime plus 25%.
func (t ChannelSecurityToken) acceptUntil() time.Time {
	return t.CreatedAt.Add(t.RevisedLifetime + t.RevisedLifetime/4)
}
