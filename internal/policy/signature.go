package policy

import (
	"crypto/rsa"
	"crypto/x509"
)

// SignatureData is a detached signature with its algorithm URI.
type SignatureData struct {
	Algorithm string
	Signature []byte
}

// ComputeSignature signs cert||nonce with key. It returns nil for the None
// policy or when an input is missing.
func ComputeSignature(cert, nonce []byte, key *rsa.PrivateKey, p Policy) *SignatureData {
	if p == None || !p.Valid() || len(cert) == 0 || len(nonce) == 0 || key == nil {
		return nil
	}
	data := make([]byte, 0, len(cert)+len(nonce))
	data = append(append(data, cert...), nonce...)
	sig, err := p.Suite().RSASign(key, data)
	if err != nil {
		return nil
	}
	return &SignatureData{Algorithm: p.AsymmetricSignatureAlgorithm(), Signature: sig}
}

// VerifySignature checks a signature produced by ComputeSignature over
// cert||nonce with the public key of peerCert (DER). The algorithm URI must
// be the one of p. It never panics.
func VerifySignature(cert, nonce []byte, sig *SignatureData, peerCert []byte, p Policy) bool {
	if p == None {
		return true
	}
	if !p.Valid() || sig == nil || len(sig.Signature) == 0 {
		return false
	}
	if sig.Algorithm != p.AsymmetricSignatureAlgorithm() {
		return false
	}
	parsed, err := x509.ParseCertificate(peerCert)
	if err != nil {
		return false
	}
	pub, ok := parsed.PublicKey.(*rsa.PublicKey)
	if !ok {
		return false
	}
	data := make([]byte, 0, len(cert)+len(nonce))
	data = append(append(data, cert...), nonce...)
	return p.Suite().RSAVerify(pub, data, sig.Signature) == nil
}
