package chunk

// Sealer signs and encrypts outgoing chunks. A nil Sealer sends chunks in clear.
type Sealer interface {
	SignatureLength() int
	// CipherBlockSize is 0 when the sealer does not encrypt.
	CipherBlockSize() int
	PlainBlockSize() int
	Sign(data []byte) ([]byte, error)
	Encrypt(plain []byte) ([]byte, error)
}

// Opener verifies and decrypts incoming chunks. A nil Opener accepts chunks in clear.
type Opener interface {
	SignatureLength() int
	// CipherBlockSize is 0 when the chunks are not encrypted.
	CipherBlockSize() int
	PlainBlockSize() int
	Verify(data, signature []byte) error
	Decrypt(cipherText []byte) ([]byte, error)
}

// SecurityResolver supplies the opener for a received chunk. Errors are
// reported as integrity errors by the MessageBuilder.
type SecurityResolver interface {
	OpenAsymmetric(h *AsymmetricSecurityHeader) (Opener, error)
	OpenSymmetric(tokenID uint32) (Opener, error)
}

// paddingHeaderSize is 2 when the cipher block exceeds 256 bytes, i.e. for
// RSA keys above 2048 bits.
func paddingHeaderSize(cipherBlockSize int) int {
	if cipherBlockSize > 256 {
		return 2
	}
	return 1
}
