package token

import (
	"sort"
	"sync"
	"time"

	"github.com/amine-amaach/uasc/internal/model"
	"github.com/amine-amaach/uasc/internal/policy"
	"github.com/jellydator/ttlcache/v3"
	"github.com/pkg/errors"
)

// KeySet holds a token and the keys derived for both directions.
type KeySet struct {
	Token      ChannelSecurityToken
	ClientKeys *policy.DerivedKeys
	ServerKeys *policy.DerivedKeys
}

// DerivedKeyProvider resolves the keys of a token id.
type DerivedKeyProvider interface {
	DerivedKeys(tokenID uint32) (*policy.DerivedKeys, error)
}

// TokenStack keeps the current token and the tokens it superseded for as long
// as the peer may still use them.
type TokenStack struct {
	mu      sync.Mutex
	cache   *ttlcache.Cache[uint32, *KeySet]
	current uint32
	now     func() time.Time
}

func NewTokenStack() *TokenStack {
	return &TokenStack{
		cache: ttlcache.New[uint32, *KeySet](),
		now:   time.Now,
	}
}

// Push installs a new token. It becomes the current token for sending.
func (s *TokenStack) Push(t ChannelSecurityToken, clientKeys, serverKeys *policy.DerivedKeys) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(t, clientKeys, serverKeys)
	s.current = t.TokenID
	s.removeOldTokens()
}

// Add installs a renewed token without making it the sending token. A server
// keeps sending with the previous token until the client first uses the new one.
func (s *TokenStack) Add(t ChannelSecurityToken, clientKeys, serverKeys *policy.DerivedKeys) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(t, clientKeys, serverKeys)
	if s.current == 0 {
		s.current = t.TokenID
	}
}

func (s *TokenStack) setLocked(t ChannelSecurityToken, clientKeys, serverKeys *policy.DerivedKeys) {
	s.cache.DeleteExpired()
	ttl := t.acceptUntil().Sub(s.now())
	if ttl <= 0 {
		ttl = time.Millisecond
	}
	s.cache.Set(t.TokenID, &KeySet{Token: t, ClientKeys: clientKeys, ServerKeys: serverKeys}, ttl)
}

// removeOldTokens keeps the current token and its direct predecessor.
func (s *TokenStack) removeOldTokens() {
	ids := s.cache.Keys()
	if len(ids) <= 2 {
		return
	}
	prev := s.previousLocked()
	for _, id := range ids {
		if id != s.current && id != prev {
			s.cache.Delete(id)
		}
	}
}

func (s *TokenStack) previousLocked() uint32 {
	var prev uint32
	for _, id := range s.cache.Keys() {
		if id != s.current && id > prev && id < s.current {
			prev = id
		}
	}
	return prev
}

// Get resolves a token id that has not yet passed its acceptance window.
func (s *TokenStack) Get(tokenID uint32) (*KeySet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item := s.cache.Get(tokenID)
	if item == nil {
		return nil, errors.Wrapf(model.BadSecureChannelTokenUnknown, "token %d is unknown", tokenID)
	}
	ks := item.Value()
	if !s.now().Before(ks.Token.acceptUntil()) {
		s.cache.Delete(tokenID)
		return nil, errors.Wrapf(model.BadSecureChannelTokenUnknown, "token %d has expired", tokenID)
	}
	return ks, nil
}

// Current returns the token used for sending.
func (s *TokenStack) Current() (*KeySet, error) {
	s.mu.Lock()
	id := s.current
	s.mu.Unlock()
	if id == 0 {
		return nil, errors.Wrap(model.BadSecureChannelTokenUnknown, "no token has been issued")
	}
	return s.Get(id)
}

// Activate makes an already added token the sending token. It reports
// whether the sending token changed.
func (s *TokenStack) Activate(tokenID uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tokenID == s.current || s.cache.Get(tokenID) == nil {
		return false
	}
	s.current = tokenID
	s.removeOldTokens()
	return true
}

// CurrentID returns the id of the sending token, 0 if none.
func (s *TokenStack) CurrentID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// TokenIDs lists the known token ids in ascending order.
func (s *TokenStack) TokenIDs() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.cache.Keys()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Clear forgets every token.
func (s *TokenStack) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.DeleteAll()
	s.current = 0
}

// ClientKeyProvider resolves the keys the client signs and encrypts with.
func (s *TokenStack) ClientKeyProvider() DerivedKeyProvider {
	return keyProvider{stack: s, client: true}
}

// ServerKeyProvider resolves the keys the server signs and encrypts with.
func (s *TokenStack) ServerKeyProvider() DerivedKeyProvider {
	return keyProvider{stack: s}
}

type keyProvider struct {
	stack  *TokenStack
	client bool
}

func (p keyProvider) DerivedKeys(tokenID uint32) (*policy.DerivedKeys, error) {
	ks, err := p.stack.Get(tokenID)
	if err != nil {
		return nil, err
	}
	if p.client {
		return ks.ClientKeys, nil
	}
	return ks.ServerKeys, nil
}
