package security

import (
	"crypto/x509"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKeypair_ProducesValidSizes(t *testing.T) {
	pub, seed, err := GenerateKeypair()
	require.NoError(t, err)
	assert.Len(t, pub, 32)
	assert.Len(t, seed, 32)
}

func TestSignVerify_RoundTrips(t *testing.T) {
	pub, seed, err := GenerateKeypair()
	require.NoError(t, err)

	msg := []byte("handshake-challenge")
	sig := Sign(seed, msg)

	assert.True(t, Verify(pub, msg, sig))
	assert.False(t, Verify(pub, []byte("tampered"), sig))
}

func TestConstantTimeEqual(t *testing.T) {
	assert.True(t, ConstantTimeEqual([]byte("abc"), []byte("abc")))
	assert.False(t, ConstantTimeEqual([]byte("abc"), []byte("abd")))
	assert.False(t, ConstantTimeEqual([]byte("abc"), []byte("ab")))
}

func TestSelfSignedTLSCertificate_UsesNodeIDAsCommonName(t *testing.T) {
	_, seed, err := GenerateKeypair()
	require.NoError(t, err)

	cert, err := SelfSignedTLSCertificate(seed, "deadbeef")
	require.NoError(t, err)
	require.Len(t, cert.Certificate, 1)

	parsed, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", parsed.Subject.CommonName)
}
