package crypto

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptPrivateKey(t *testing.T) {
	blob, err := EncryptPrivateKey(testPrivateKey, "hunter2")
	require.NoError(t, err)

	recovered, err := DecryptPrivateKey(blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, testPrivateKey, recovered)

	t.Run("wrong password", func(t *testing.T) {
		_, err := DecryptPrivateKey(blob, "hunter3")
		assert.Error(t, err)
	})

	t.Run("corrupted keyfile", func(t *testing.T) {
		_, err := DecryptPrivateKey([]byte("{"), "hunter2")
		assert.Error(t, err)
	})

	t.Run("fresh salt and nonce per encryption", func(t *testing.T) {
		other, err := EncryptPrivateKey(testPrivateKey, "hunter2")
		require.NoError(t, err)
		assert.NotEqual(t, blob, other)
	})
}

func TestLoadPrivateKey(t *testing.T) {
	t.Run("raw key wins", func(t *testing.T) {
		key, err := LoadPrivateKey(KeySource{
			RawKey:           testPrivateKey,
			EncryptedKeyPath: "/nonexistent",
		})
		require.NoError(t, err)
		assert.Equal(t, testPrivateKey, key)
	})

	t.Run("encrypted file", func(t *testing.T) {
		blob, err := EncryptPrivateKey(testPrivateKey, "hunter2")
		require.NoError(t, err)

		path := filepath.Join(t.TempDir(), "wallet.key")
		require.NoError(t, os.WriteFile(path, blob, 0o600))

		key, err := LoadPrivateKey(KeySource{
			EncryptedKeyPath: path,
			EncryptedKeyPass: "hunter2",
		})
		require.NoError(t, err)
		assert.Equal(t, testPrivateKey, key)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadPrivateKey(KeySource{
			EncryptedKeyPath: filepath.Join(t.TempDir(), "missing.key"),
			EncryptedKeyPass: "hunter2",
		})
		assert.Error(t, err)
	})

	t.Run("no source", func(t *testing.T) {
		_, err := LoadPrivateKey(KeySource{})
		assert.Error(t, err)
	})

	t.Run("invalid raw key", func(t *testing.T) {
		_, err := LoadPrivateKey(KeySource{RawKey: "zzz"})
		assert.Error(t, err)
	})
}
