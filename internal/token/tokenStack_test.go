package token

import (
	"testing"
	"time"

	"github.com/amine-amaach/uasc/internal/model"
	"github.com/amine-amaach/uasc/internal/policy"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newToken(id uint32) ChannelSecurityToken {
	return ChannelSecurityToken{ChannelID: 9, TokenID: id, CreatedAt: epoch, RevisedLifetime: time.Hour}
}

func newStack(now *time.Time) *TokenStack {
	s := NewTokenStack()
	s.now = func() time.Time { return *now }
	return s
}

func TestChannelSecurityTokenWindows(t *testing.T) {
	tok := newToken(1)
	assert.Equal(t, epoch.Add(45*time.Minute), tok.RenewAt())
	assert.Equal(t, epoch.Add(time.Hour), tok.ExpiresAt())
	assert.Equal(t, epoch.Add(75*time.Minute), tok.acceptUntil())
	assert.False(t, tok.Expired(epoch.Add(59*time.Minute)))
	assert.True(t, tok.Expired(epoch.Add(time.Hour)))

	wire := tok.ToUA()
	assert.Equal(t, uint32(3600000), wire.RevisedLifetime)
	assert.Equal(t, tok, FromUA(wire))
}

func TestTokenStackPush(t *testing.T) {
	now := epoch
	s := newStack(&now)

	_, err := s.Current()
	assert.True(t, errors.Is(err, model.BadSecureChannelTokenUnknown))

	s.Push(newToken(1), &policy.DerivedKeys{}, &policy.DerivedKeys{})
	ks, err := s.Current()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), ks.Token.TokenID)

	s.Push(newToken(2), nil, nil)
	s.Push(newToken(3), nil, nil)
	assert.Equal(t, uint32(3), s.CurrentID())
	assert.Equal(t, []uint32{2, 3}, s.TokenIDs())

	_, err = s.Get(1)
	assert.True(t, errors.Is(err, model.BadSecureChannelTokenUnknown))
	_, err = s.Get(2)
	assert.NoError(t, err)
}

func TestTokenStackAcceptanceWindow(t *testing.T) {
	testCases := []struct {
		name    string
		elapsed time.Duration
		wantErr bool
	}{
		{name: "fresh", elapsed: 0},
		{name: "past_lifetime", elapsed: 70 * time.Minute},
		{name: "past_125_percent", elapsed: 75 * time.Minute, wantErr: true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			now := epoch
			s := newStack(&now)
			s.Push(newToken(1), nil, nil)
			now = epoch.Add(tc.elapsed)
			_, err := s.Get(1)
			if tc.wantErr {
				assert.True(t, errors.Is(err, model.BadSecureChannelTokenUnknown))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestTokenStackAddActivate(t *testing.T) {
	now := epoch
	s := newStack(&now)

	s.Add(newToken(1), nil, nil)
	assert.Equal(t, uint32(1), s.CurrentID())

	s.Add(newToken(2), nil, nil)
	assert.Equal(t, uint32(1), s.CurrentID())
	assert.Equal(t, []uint32{1, 2}, s.TokenIDs())

	assert.False(t, s.Activate(1))
	assert.False(t, s.Activate(7))
	assert.True(t, s.Activate(2))
	assert.Equal(t, uint32(2), s.CurrentID())
	assert.False(t, s.Activate(2))

	s.Clear()
	assert.Zero(t, s.CurrentID())
	assert.Empty(t, s.TokenIDs())
}

func TestTokenStackKeyProviders(t *testing.T) {
	now := epoch
	s := newStack(&now)
	clientKeys := &policy.DerivedKeys{SignatureLength: 1}
	serverKeys := &policy.DerivedKeys{SignatureLength: 2}
	s.Push(newToken(4), clientKeys, serverKeys)

	k, err := s.ClientKeyProvider().DerivedKeys(4)
	require.NoError(t, err)
	assert.Same(t, clientKeys, k)

	k, err = s.ServerKeyProvider().DerivedKeys(4)
	require.NoError(t, err)
	assert.Same(t, serverKeys, k)

	_, err = s.ServerKeyProvider().DerivedKeys(5)
	assert.Error(t, err)
}
