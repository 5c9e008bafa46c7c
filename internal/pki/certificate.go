// Package pki creates and loads the application instance certificates used by
// secured channels.
package pki

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/pkcs12"
)

// KeyPair is a DER certificate and its RSA private key.
type KeyPair struct {
	Certificate []byte
	PrivateKey  *rsa.PrivateKey
}

// Options tune self-signed certificate generation.
type Options struct {
	AppName         string
	Host            string
	AdditionalHosts []string
	AdditionalIPs   []string
	KeyBits         int
	Validity        time.Duration
}

// Thumbprint returns the SHA-1 digest of a DER certificate.
func Thumbprint(der []byte) []byte {
	if len(der) == 0 {
		return nil
	}
	sum := sha1.Sum(der)
	return sum[:]
}

// PublicKey extracts the RSA public key of a DER certificate.
func PublicKey(der []byte) (*rsa.PublicKey, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errors.Wrap(err, "cannot parse certificate")
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("certificate does not carry an RSA public key")
	}
	return pub, nil
}

// Generate creates a self-signed application instance certificate.
func Generate(opts Options) (*KeyPair, error) {
	if opts.KeyBits == 0 {
		opts.KeyBits = 2048
	}
	if opts.Validity == 0 {
		opts.Validity = 365 * 24 * time.Hour
	}
	if opts.Host == "" {
		opts.Host = "localhost"
	}
	key, err := rsa.GenerateKey(rand.Reader, opts.KeyBits)
	if err != nil {
		return nil, errors.Wrap(err, "cannot generate key pair")
	}

	applicationURI, _ := url.Parse(fmt.Sprintf("urn:%s:%s", opts.Host, opts.AppName))
	serialNumber, _ := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	subjectKeyHash := sha1.New()
	subjectKeyHash.Write(key.PublicKey.N.Bytes())
	subjectKeyID := subjectKeyHash.Sum(nil)

	dnsNames := append([]string{opts.Host}, opts.AdditionalHosts...)
	ipAddresses := make([]net.IP, 0, len(opts.AdditionalIPs))
	for _, s := range opts.AdditionalIPs {
		if ip := net.ParseIP(s); ip != nil {
			ipAddresses = append(ipAddresses, ip)
		}
	}
	uris := []*url.URL{applicationURI}
	for _, h := range opts.AdditionalHosts {
		if u, err := url.Parse(fmt.Sprintf("urn:%s:%s", h, opts.AppName)); err == nil {
			uris = append(uris, u)
		}
	}

	template := x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               pkix.Name{CommonName: opts.AppName},
		SubjectKeyId:          subjectKeyID,
		AuthorityKeyId:        subjectKeyID,
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(opts.Validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment | x509.KeyUsageKeyEncipherment | x509.KeyUsageDataEncipherment | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              dnsNames,
		IPAddresses:           ipAddresses,
		URIs:                  uris,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, errors.Wrap(err, "cannot create certificate")
	}
	return &KeyPair{Certificate: der, PrivateKey: key}, nil
}

// WritePEM stores the pair as PEM files, creating parent directories.
func (kp *KeyPair) WritePEM(certFile, keyFile string) error {
	for _, f := range []string{certFile, keyFile} {
		if err := os.MkdirAll(filepath.Dir(f), 0o755); err != nil {
			return err
		}
	}
	certOut := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: kp.Certificate})
	if err := os.WriteFile(certFile, certOut, 0o644); err != nil {
		return errors.Wrapf(err, "cannot write %s", certFile)
	}
	keyOut := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(kp.PrivateKey)})
	if err := os.WriteFile(keyFile, keyOut, 0o600); err != nil {
		return errors.Wrapf(err, "cannot write %s", keyFile)
	}
	return nil
}

// LoadPEM reads a certificate and an RSA key (PKCS#1 or PKCS#8) from PEM files.
func LoadPEM(certFile, keyFile string) (*KeyPair, error) {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read %s", certFile)
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read %s", keyFile)
	}
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil || certBlock.Type != "CERTIFICATE" {
		return nil, errors.Errorf("%s does not contain a PEM certificate", certFile)
	}
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, errors.Errorf("%s does not contain a PEM key", keyFile)
	}
	key, err := parsePrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot parse %s", keyFile)
	}
	return &KeyPair{Certificate: certBlock.Bytes, PrivateKey: key}, nil
}

// LoadPKCS12 reads a certificate and key from a PKCS#12 archive.
func LoadPKCS12(file, password string) (*KeyPair, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read %s", file)
	}
	key, cert, err := pkcs12.Decode(data, password)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot decode %s", file)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.Errorf("%s does not hold an RSA key", file)
	}
	return &KeyPair{Certificate: cert.Raw, PrivateKey: rsaKey}, nil
}

func parsePrivateKey(der []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("not an RSA key")
	}
	return rsaKey, nil
}
