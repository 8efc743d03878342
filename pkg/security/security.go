// Package security holds the node's cryptographic primitives: Ed25519
// keypair generation, constant-time comparison for handshake challenges, and
// self-signed TLS certificate derivation for the peer-to-peer wire
// transport. There is no certificate authority: a peer is authenticated by
// the Ed25519 signature challenge in the handshake (pkg/peer), not by the
// TLS certificate chain, so the TLS layer here only needs to encrypt the
// link.
package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"
)

// GenerateKeypair creates a new Ed25519 keypair using a cryptographically
// secure random source. Returns (publicKey, seed) — the seed is the 32-byte
// private form persisted by pkg/identity; expand it with
// ed25519.NewKeyFromSeed when signing.
func GenerateKeypair() (ed25519.PublicKey, []byte, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ed25519 keypair: %w", err)
	}
	return pub, priv.Seed(), nil
}

// Sign signs message with the Ed25519 private key derived from seed.
func Sign(seed, message []byte) []byte {
	priv := ed25519.NewKeyFromSeed(seed)
	return ed25519.Sign(priv, message)
}

// Verify reports whether sig is a valid Ed25519 signature of message by
// publicKey.
func Verify(publicKey, message, sig []byte) bool {
	return ed25519.Verify(publicKey, message, sig)
}

// ConstantTimeEqual compares two byte slices in constant time, independent
// of where they first differ. Used for handshake challenge comparisons so
// timing cannot leak information about key material.
func ConstantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// selfSignedCertTTL is generous since the certificate only needs to outlive
// a single process run; identity, not the cert, is what's long-lived.
const selfSignedCertTTL = 24 * 365 * time.Hour

// SelfSignedTLSCertificate derives a self-signed TLS certificate from the
// node's Ed25519 identity key, for use as the wire transport's encryption
// layer. Ed25519 is a supported x509 SignatureAlgorithm, so the same
// identity key that signs handshake challenges also signs this certificate.
func SelfSignedTLSCertificate(seed []byte, nodeID string) (tls.Certificate, error) {
	priv := ed25519.NewKeyFromSeed(seed)

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: nodeID},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(selfSignedCertTTL),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create self-signed certificate: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}, nil
}
