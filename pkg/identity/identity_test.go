package identity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreate_CreatesOnFirstCall(t *testing.T) {
	dir := t.TempDir()

	id, err := LoadOrCreate(dir)
	require.NoError(t, err)
	require.NotNil(t, id)

	assert.Len(t, id.PublicKey, 32)
	assert.Len(t, id.PrivateKey, 32)
	assert.Len(t, id.NodeID, 32)
	assert.Equal(t, DeriveID(id.PublicKey), id.NodeID)

	path := filepath.Join(dir, fileName)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLoadOrCreate_IsStableAcrossRestarts(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreate(dir)
	require.NoError(t, err)

	second, err := LoadOrCreate(dir)
	require.NoError(t, err)

	assert.Equal(t, first.NodeID, second.NodeID)
	assert.Equal(t, first.PublicKey, second.PublicKey)
	assert.Equal(t, first.PrivateKey, second.PrivateKey)
}

func TestDeriveID_Deterministic(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	assert.Equal(t, DeriveID(key), DeriveID(key))
}

func TestLoadOrCreate_CorruptFileFailsVerification(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, fileName)

	require.NoError(t, os.WriteFile(path, []byte(`{"version":1,"public_key":"aa","private_key":"bb","node_id":"not-the-real-id"}`), 0o600))

	_, err := LoadOrCreate(dir)
	require.Error(t, err)
}
