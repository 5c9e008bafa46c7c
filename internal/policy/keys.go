package policy

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"hash"

	"github.com/pkg/errors"
)

// DerivedKeys are the symmetric keys of one direction of a channel for one token.
type DerivedKeys struct {
	Policy               Policy
	SigningKey           []byte
	EncryptingKey        []byte
	InitializationVector []byte
	SignatureLength      int
	BlockSize            int

	block cipher.Block
}

// DeriveKeys runs the policy key derivation function. Keys used by a sender
// are derived with the receiver's nonce as secret and its own nonce as seed.
func DeriveKeys(p Policy, secret, seed []byte) (*DerivedKeys, error) {
	suite := p.Suite()
	if suite == nil {
		return nil, errors.New("invalid security policy")
	}
	keys := &DerivedKeys{
		Policy:          p,
		SignatureLength: suite.SymSignatureSize(),
		BlockSize:       suite.SymEncryptionBlockSize(),
	}
	if p == None {
		return keys, nil
	}
	sigKeySize := suite.SymSignatureKeySize()
	encKeySize := suite.SymEncryptionKeySize()
	ivSize := suite.SymEncryptionBlockSize()
	material := pSHA(p, secret, seed, sigKeySize+encKeySize+ivSize)
	keys.SigningKey = material[:sigKeySize]
	keys.EncryptingKey = material[sigKeySize : sigKeySize+encKeySize]
	keys.InitializationVector = material[sigKeySize+encKeySize:]

	block, err := aes.NewCipher(keys.EncryptingKey)
	if err != nil {
		return nil, errors.Wrap(err, "cannot create symmetric cipher")
	}
	keys.block = block
	return keys, nil
}

// Sign returns the HMAC of data.
func (k *DerivedKeys) Sign(data []byte) []byte {
	mac := k.Policy.Suite().SymHMACFactory(k.SigningKey)
	if mac == nil {
		return nil
	}
	mac.Write(data)
	return mac.Sum(nil)
}

// Verify checks an HMAC in constant time.
func (k *DerivedKeys) Verify(data, signature []byte) bool {
	expected := k.Sign(data)
	return expected != nil && hmac.Equal(expected, signature)
}

// Encrypt runs AES-CBC over src into dst. Both must be a multiple of the block size.
func (k *DerivedKeys) Encrypt(dst, src []byte) error {
	if k.block == nil {
		return errors.New("no encrypting key")
	}
	if len(src)%k.BlockSize != 0 {
		return errors.Errorf("plaintext of %d bytes is not a multiple of the block size", len(src))
	}
	cipher.NewCBCEncrypter(k.block, k.InitializationVector).CryptBlocks(dst, src)
	return nil
}

// Decrypt runs AES-CBC decryption over src into dst.
func (k *DerivedKeys) Decrypt(dst, src []byte) error {
	if k.block == nil {
		return errors.New("no encrypting key")
	}
	if len(src)%k.BlockSize != 0 {
		return errors.Errorf("ciphertext of %d bytes is not a multiple of the block size", len(src))
	}
	cipher.NewCBCDecrypter(k.block, k.InitializationVector).CryptBlocks(dst, src)
	return nil
}

// pSHA is the P_SHA1 / P_SHA256 pseudo random function of the policy.
func pSHA(p Policy, secret, seed []byte, size int) []byte {
	var mac hash.Hash
	if registry[p].keyDerivationSHA1 {
		mac = hmac.New(sha1.New, secret)
	} else {
		mac = hmac.New(sha256.New, secret)
	}
	out := make([]byte, 0, size+mac.Size())
	a := seed
	for len(out) < size {
		mac.Reset()
		mac.Write(a)
		a = mac.Sum(nil)
		mac.Reset()
		mac.Write(a)
		mac.Write(seed)
		out = mac.Sum(out)
	}
	return out[:size]
}

// NewNonce returns a random nonce of the policy's nonce size. None policies
// get an empty nonce.
func NewNonce(p Policy) ([]byte, error) {
	n := p.NonceSize()
	if n == 0 {
		return nil, nil
	}
	nonce := make([]byte, n)
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, "cannot generate nonce")
	}
	return nonce, nil
}

// ValidateNonce checks the length of a peer nonce.
func ValidateNonce(p Policy, nonce []byte) error {
	if n := p.NonceSize(); n > 0 && len(nonce) != n {
		return errors.Errorf("nonce has %d bytes, %s requires %d", len(nonce), p, n)
	}
	return nil
}
