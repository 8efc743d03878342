package wire

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshcore/meshnode/pkg/types"
)

func TestSignVerify_RoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	msg := NewMessage("node-a", "node-b", types.MsgHeartbeat, []byte("ping"), 10)
	msg.Timestamp = time.Now()

	signed, err := Sign(msg, priv.Seed())
	require.NoError(t, err)
	assert.Len(t, signed.Signature, SignatureSize)
	assert.True(t, Verify(signed, pub))
}

func TestVerify_RejectsTamperedPayload(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	msg := NewMessage("node-a", "node-b", types.MsgHeartbeat, []byte("ping"), 10)
	signed, err := Sign(msg, priv.Seed())
	require.NoError(t, err)

	signed.TTL = 999 // tamper after signing
	assert.False(t, Verify(signed, pub))
}

func TestWriteReadFrame_RoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_ = pub

	msg := NewMessage("node-a", "node-b", types.MsgTaskDispatch, []byte(`{"kind":"embedding"}`), 5)
	msg.Timestamp = time.Now()
	signed, err := Sign(msg, priv.Seed())
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, signed))

	decoded, err := ReadFrame(&buf)
	require.NoError(t, err)

	assert.Equal(t, signed.MessageID, decoded.MessageID)
	assert.Equal(t, signed.SenderID, decoded.SenderID)
	assert.Equal(t, signed.RecipientID, decoded.RecipientID)
	assert.Equal(t, signed.TTL, decoded.TTL)
	assert.Equal(t, signed.Kind, decoded.Kind)
	assert.Equal(t, signed.Payload, decoded.Payload)
	assert.True(t, Verify(decoded, pub))
}

func TestReadFrame_RejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})

	_, err := ReadFrame(&buf)
	require.Error(t, err)
}
