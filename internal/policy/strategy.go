package policy

import (
	"crypto/rsa"

	"github.com/awcullen/opcua/ua"
	"github.com/pkg/errors"
)

// SymmetricStrategy secures MSG and CLO chunks with token derived keys.
type SymmetricStrategy struct {
	keys    *DerivedKeys
	sign    bool
	encrypt bool
}

// NewSymmetricStrategy returns nil when mode requires no protection.
func NewSymmetricStrategy(keys *DerivedKeys, mode ua.MessageSecurityMode) *SymmetricStrategy {
	if keys == nil || keys.Policy == None || mode == ua.MessageSecurityModeNone {
		return nil
	}
	return &SymmetricStrategy{
		keys:    keys,
		sign:    mode == ua.MessageSecurityModeSign || mode == ua.MessageSecurityModeSignAndEncrypt,
		encrypt: mode == ua.MessageSecurityModeSignAndEncrypt,
	}
}

func (s *SymmetricStrategy) SignatureLength() int {
	if !s.sign {
		return 0
	}
	return s.keys.SignatureLength
}

func (s *SymmetricStrategy) CipherBlockSize() int {
	if !s.encrypt {
		return 0
	}
	return s.keys.BlockSize
}

func (s *SymmetricStrategy) PlainBlockSize() int { return s.CipherBlockSize() }

func (s *SymmetricStrategy) Sign(data []byte) ([]byte, error) {
	if !s.sign {
		return nil, nil
	}
	return s.keys.Sign(data), nil
}

func (s *SymmetricStrategy) Verify(data, signature []byte) error {
	if !s.sign {
		return nil
	}
	if !s.keys.Verify(data, signature) {
		return errors.New("symmetric signature mismatch")
	}
	return nil
}

func (s *SymmetricStrategy) Encrypt(plain []byte) ([]byte, error) {
	out := make([]byte, len(plain))
	if err := s.keys.Encrypt(out, plain); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SymmetricStrategy) Decrypt(cipherText []byte) ([]byte, error) {
	if err := s.keys.Decrypt(cipherText, cipherText); err != nil {
		return nil, err
	}
	return cipherText, nil
}

// AsymmetricStrategy secures OPN chunks: signed with the local private key
// and encrypted with the remote public key.
type AsymmetricStrategy struct {
	policy Policy
	local  *rsa.PrivateKey
	remote *rsa.PublicKey
}

// NewAsymmetricStrategy returns nil for the None policy.
func NewAsymmetricStrategy(p Policy, local *rsa.PrivateKey, remote *rsa.PublicKey) (*AsymmetricStrategy, error) {
	if p == None {
		return nil, nil
	}
	if !p.Valid() {
		return nil, errors.New("invalid security policy")
	}
	if local == nil || remote == nil {
		return nil, errors.Errorf("%s requires a local private key and a remote certificate", p)
	}
	if err := p.CheckKeyLength(remote.Size()); err != nil {
		return nil, err
	}
	return &AsymmetricStrategy{policy: p, local: local, remote: remote}, nil
}

// SignatureLength is the size of the signature this side produces.
func (s *AsymmetricStrategy) SignatureLength() int { return s.local.Size() }

// RemoteSignatureLength is the size of the signatures the peer produces.
func (s *AsymmetricStrategy) RemoteSignatureLength() int { return s.remote.Size() }

func (s *AsymmetricStrategy) CipherBlockSize() int { return s.remote.Size() }

func (s *AsymmetricStrategy) PlainBlockSize() int {
	return s.remote.Size() - s.policy.Suite().RSAPaddingSize()
}

func (s *AsymmetricStrategy) Sign(data []byte) ([]byte, error) {
	sig, err := s.policy.Suite().RSASign(s.local, data)
	return sig, errors.Wrap(err, "asymmetric signature failed")
}

func (s *AsymmetricStrategy) Encrypt(plain []byte) ([]byte, error) {
	plainBlock := s.PlainBlockSize()
	if len(plain)%plainBlock != 0 {
		return nil, errors.Errorf("plaintext of %d bytes is not a multiple of %d", len(plain), plainBlock)
	}
	out := make([]byte, 0, len(plain)/plainBlock*s.CipherBlockSize())
	for i := 0; i < len(plain); i += plainBlock {
		block, err := s.policy.Suite().RSAEncrypt(s.remote, plain[i:i+plainBlock])
		if err != nil {
			return nil, errors.Wrap(err, "asymmetric encryption failed")
		}
		out = append(out, block...)
	}
	return out, nil
}

// Opener returns the receiving view: decrypt with the local key and verify
// with the remote key.
func (s *AsymmetricStrategy) Opener() *AsymmetricOpener {
	return &AsymmetricOpener{s: s}
}

// AsymmetricOpener opens OPN chunks sent by the peer.
type AsymmetricOpener struct {
	s *AsymmetricStrategy
}

func (o *AsymmetricOpener) SignatureLength() int { return o.s.remote.Size() }

func (o *AsymmetricOpener) CipherBlockSize() int { return o.s.local.Size() }

func (o *AsymmetricOpener) PlainBlockSize() int {
	return o.s.local.Size() - o.s.policy.Suite().RSAPaddingSize()
}

func (o *AsymmetricOpener) Decrypt(cipherText []byte) ([]byte, error) {
	cipherBlock := o.CipherBlockSize()
	if len(cipherText)%cipherBlock != 0 {
		return nil, errors.Errorf("ciphertext of %d bytes is not a multiple of %d", len(cipherText), cipherBlock)
	}
	out := make([]byte, 0, len(cipherText)/cipherBlock*o.PlainBlockSize())
	for i := 0; i < len(cipherText); i += cipherBlock {
		block, err := o.s.policy.Suite().RSADecrypt(o.s.local, cipherText[i:i+cipherBlock])
		if err != nil {
			return nil, errors.Wrap(err, "asymmetric decryption failed")
		}
		out = append(out, block...)
	}
	return out, nil
}

func (o *AsymmetricOpener) Verify(data, signature []byte) error {
	return errors.Wrap(o.s.policy.Suite().RSAVerify(o.s.remote, data, signature), "asymmetric signature mismatch")
}
