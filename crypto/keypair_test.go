package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKeyPair(t *testing.T) {
	keys, err := GenerateKeyPair()
	require.NoError(t, err)
	require.NotNil(t, keys)

	assert.False(t, isZeroKey(keys.Public), "public key should not be all zeros")
	assert.False(t, isZeroKey(keys.Private), "private key should not be all zeros")

	other, err := GenerateKeyPair()
	require.NoError(t, err)
	assert.NotEqual(t, keys.Public, other.Public, "key pairs should be unique")
}

func TestFromSecretKey(t *testing.T) {
	t.Run("DerivesMatchingPublicKey", func(t *testing.T) {
		keys, err := GenerateKeyPair()
		require.NoError(t, err)

		derived, err := FromSecretKey(keys.Private)
		require.NoError(t, err)
		assert.Equal(t, keys.Public, derived.Public)
	})

	t.Run("RejectsZeroKey", func(t *testing.T) {
		var zero [32]byte
		_, err := FromSecretKey(zero)
		assert.Error(t, err)
	})
}

func TestPublicKeyFromHex(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		key, err := PublicKeyFromHex("F404ABAA1C99A9D37D61AB54898F56793E1DEF8BD46B1038B9D822E8460FAB67")
		require.NoError(t, err)
		assert.Equal(t, byte(0xF4), key[0])
		assert.Equal(t, byte(0x67), key[31])
	})

	t.Run("WrongLength", func(t *testing.T) {
		_, err := PublicKeyFromHex("F404")
		assert.Error(t, err)
	})

	t.Run("NotHex", func(t *testing.T) {
		_, err := PublicKeyFromHex("ZZ04ABAA1C99A9D37D61AB54898F56793E1DEF8BD46B1038B9D822E8460FAB67")
		assert.Error(t, err)
	})
}
