// Package policy holds the process-wide table of OPC UA security policies and
// the cryptographic helpers the secure channel builds on.
package policy

import (
	"strings"

	"github.com/awcullen/opcua/ua"
	"github.com/pkg/errors"
)

// Policy identifies a security policy.
type Policy int

const (
	Invalid Policy = iota
	None
	Basic128Rsa15
	Basic256
	Basic256Sha256
	Aes128Sha256RsaOaep
	Aes256Sha256RsaPss
)

type descriptor struct {
	name               string
	uri                string
	suite              ua.SecurityPolicy
	asymSignatureURI   string
	keyDerivationSHA1  bool
	minAsymmetricBytes int
	maxAsymmetricBytes int
}

// registry is read-only after package initialisation.
var registry = map[Policy]descriptor{
	None: {
		name:  "None",
		uri:   ua.SecurityPolicyURINone,
		suite: new(ua.SecurityPolicyNone),
	},
	Basic128Rsa15: {
		name:               "Basic128Rsa15",
		uri:                ua.SecurityPolicyURIBasic128Rsa15,
		suite:              new(ua.SecurityPolicyBasic128Rsa15),
		asymSignatureURI:   ua.RsaSha1Signature,
		keyDerivationSHA1:  true,
		minAsymmetricBytes: 128,
		maxAsymmetricBytes: 256,
	},
	Basic256: {
		name:               "Basic256",
		uri:                ua.SecurityPolicyURIBasic256,
		suite:              new(ua.SecurityPolicyBasic256),
		asymSignatureURI:   ua.RsaSha1Signature,
		keyDerivationSHA1:  true,
		minAsymmetricBytes: 128,
		maxAsymmetricBytes: 256,
	},
	Basic256Sha256: {
		name:               "Basic256Sha256",
		uri:                ua.SecurityPolicyURIBasic256Sha256,
		suite:              new(ua.SecurityPolicyBasic256Sha256),
		asymSignatureURI:   ua.RsaSha256Signature,
		minAsymmetricBytes: 256,
		maxAsymmetricBytes: 512,
	},
	Aes128Sha256RsaOaep: {
		name:               "Aes128_Sha256_RsaOaep",
		uri:                ua.SecurityPolicyURIAes128Sha256RsaOaep,
		suite:              new(ua.SecurityPolicyAes128Sha256RsaOaep),
		asymSignatureURI:   ua.RsaSha256Signature,
		minAsymmetricBytes: 256,
		maxAsymmetricBytes: 512,
	},
	Aes256Sha256RsaPss: {
		name:               "Aes256_Sha256_RsaPss",
		uri:                ua.SecurityPolicyURIAes256Sha256RsaPss,
		suite:              new(ua.SecurityPolicyAes256Sha256RsaPss),
		asymSignatureURI:   ua.RsaPssSha256Signature,
		minAsymmetricBytes: 256,
		maxAsymmetricBytes: 512,
	},
}

// FromURI resolves a policy URI. Unknown URIs resolve to Invalid.
func FromURI(uri string) Policy {
	for p, d := range registry {
		if d.uri == uri {
			return p
		}
	}
	return Invalid
}

// FromShortName resolves a short name such as "Basic256Sha256". Matching is
// case insensitive and also accepts a full policy URI.
func FromShortName(name string) Policy {
	if p := FromURI(name); p != Invalid {
		return p
	}
	for p, d := range registry {
		if strings.EqualFold(d.name, name) {
			return p
		}
	}
	return Invalid
}

// ToURI converts a short name into its policy URI.
func ToURI(name string) (string, error) {
	p := FromShortName(name)
	if p == Invalid {
		return "", errors.Errorf("cannot convert %q into a security policy uri", name)
	}
	return p.URI(), nil
}

// URI returns the policy URI, or an empty string for Invalid.
func (p Policy) URI() string {
	return registry[p].uri
}

func (p Policy) String() string {
	if d, ok := registry[p]; ok {
		return d.name
	}
	return "Invalid"
}

// Valid reports whether p names a known policy.
func (p Policy) Valid() bool {
	_, ok := registry[p]
	return ok
}

// Suite returns the algorithm suite of the policy, or nil for Invalid.
func (p Policy) Suite() ua.SecurityPolicy {
	return registry[p].suite
}

// AsymmetricSignatureAlgorithm is the algorithm URI carried in SignatureData.
func (p Policy) AsymmetricSignatureAlgorithm() string {
	return registry[p].asymSignatureURI
}

// NonceSize is the length in bytes of channel nonces.
func (p Policy) NonceSize() int {
	if s := p.Suite(); s != nil {
		return s.NonceSize()
	}
	return 0
}

// CheckKeyLength validates an RSA modulus length in bytes against the policy limits.
func (p Policy) CheckKeyLength(size int) error {
	d, ok := registry[p]
	if !ok {
		return errors.New("invalid security policy")
	}
	if d.minAsymmetricBytes == 0 {
		return nil
	}
	if size < d.minAsymmetricBytes || size > d.maxAsymmetricBytes {
		return errors.Errorf("key length of %d bits is not allowed by %s", size*8, d.name)
	}
	return nil
}

// ParseSecurityMode converts "None", "Sign" or "SignAndEncrypt".
func ParseSecurityMode(s string) (ua.MessageSecurityMode, error) {
	switch strings.ToLower(s) {
	case "none", "":
		return ua.MessageSecurityModeNone, nil
	case "sign":
		return ua.MessageSecurityModeSign, nil
	case "signandencrypt", "sign_and_encrypt":
		return ua.MessageSecurityModeSignAndEncrypt, nil
	}
	return ua.MessageSecurityMode(0), errors.Errorf("unknown security mode %q", s)
}
