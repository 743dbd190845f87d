package encryption

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	mgr := NewManager("test-master-secret", []byte("test-salt"))
	require.True(t, mgr.IsEnabled())

	tests := []struct {
		name string
		data []byte
	}{
		{name: "plain text", data: []byte("hello spiral")},
		{name: "json payload", data: []byte(`{"kind":"note","body":"hello"}`)},
		{name: "binary payload", data: []byte{0x00, 0xff, 0x10, 0x7f, 0x00}},
		{name: "large payload", data: bytes.Repeat([]byte("spiral "), 4096)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := mgr.EncryptPayload(tt.data)
			require.NoError(t, err)
			require.NotNil(t, env)

			assert.Equal(t, AlgorithmAESGCM, env.Algorithm)
			assert.NotEmpty(t, env.Ciphertext)
			assert.NotEmpty(t, env.IV)
			assert.Len(t, env.Tag, 16)
			assert.NotEmpty(t, env.EncryptedDataKey)
			assert.NotEqual(t, tt.data, env.Ciphertext)

			plain, err := mgr.DecryptPayload(env)
			require.NoError(t, err)
			assert.Equal(t, tt.data, plain)
		})
	}
}

func TestFreshDataKeyPerEnvelope(t *testing.T) {
	mgr := NewManager("test-master-secret", []byte("test-salt"))

	a, err := mgr.EncryptPayload([]byte("same payload"))
	require.NoError(t, err)
	b, err := mgr.EncryptPayload([]byte("same payload"))
	require.NoError(t, err)

	// Fresh random data key and nonce per seal: nothing should repeat.
	assert.NotEqual(t, a.Ciphertext, b.Ciphertext)
	assert.NotEqual(t, a.IV, b.IV)
	assert.NotEqual(t, a.EncryptedDataKey, b.EncryptedDataKey)
}

func TestDecryptTamperedEnvelopeFails(t *testing.T) {
	mgr := NewManager("test-master-secret", []byte("test-salt"))

	env, err := mgr.EncryptPayload([]byte("authentic data"))
	require.NoError(t, err)

	t.Run("tampered ciphertext", func(t *testing.T) {
		bad := *env
		bad.Ciphertext = append([]byte{}, env.Ciphertext...)
		bad.Ciphertext[0] ^= 0x01

		_, err := mgr.DecryptPayload(&bad)
		assert.ErrorIs(t, err, ErrDecryptionFailed)
	})

	t.Run("tampered tag", func(t *testing.T) {
		bad := *env
		bad.Tag = append([]byte{}, env.Tag...)
		bad.Tag[0] ^= 0x01

		_, err := mgr.DecryptPayload(&bad)
		assert.ErrorIs(t, err, ErrDecryptionFailed)
	})

	t.Run("tampered data key", func(t *testing.T) {
		bad := *env
		bad.EncryptedDataKey = append([]byte{}, env.EncryptedDataKey...)
		bad.EncryptedDataKey[0] ^= 0x01

		_, err := mgr.DecryptPayload(&bad)
		assert.ErrorIs(t, err, ErrDecryptionFailed)
	})

	t.Run("wrong master secret", func(t *testing.T) {
		other := NewManager("a-different-secret", []byte("test-salt"))
		_, err := other.DecryptPayload(env)
		assert.ErrorIs(t, err, ErrDecryptionFailed)
	})
}

func TestDisabledManager(t *testing.T) {
	mgr := NewManager("", nil)

	assert.False(t, mgr.IsEnabled())

	_, err := mgr.EncryptPayload([]byte("data"))
	assert.ErrorIs(t, err, ErrNotEnabled)

	_, err = mgr.DecryptPayload(&Envelope{Ciphertext: []byte("x"), EncryptedDataKey: []byte("y")})
	assert.ErrorIs(t, err, ErrNotEnabled)

	assert.Nil(t, mgr.DeriveKey("data", nil))
}

func TestDeriveKeyPurposeSeparation(t *testing.T) {
	mgr := NewManager("test-master-secret", []byte("test-salt"))

	dataKey := mgr.DeriveKey("data", []byte("test-salt"))
	topoKey := mgr.DeriveKey("topology", []byte("test-salt"))
	dataKeyAgain := mgr.DeriveKey("data", []byte("test-salt"))

	require.Len(t, dataKey, 32)
	require.Len(t, topoKey, 32)
	assert.Equal(t, dataKey, dataKeyAgain, "derivation must be deterministic")
	assert.NotEqual(t, dataKey, topoKey, "purposes must never share a key")
}

func TestDecryptInvalidEnvelope(t *testing.T) {
	mgr := NewManager("test-master-secret", []byte("test-salt"))

	_, err := mgr.DecryptPayload(nil)
	assert.ErrorIs(t, err, ErrInvalidEnvelope)

	_, err = mgr.DecryptPayload(&Envelope{})
	assert.ErrorIs(t, err, ErrInvalidEnvelope)

	_, err = mgr.DecryptPayload(&Envelope{
		Ciphertext:       []byte("x"),
		EncryptedDataKey: []byte("y"),
		Algorithm:        "ROT13",
	})
	assert.ErrorIs(t, err, ErrInvalidEnvelope)
}

func TestClearSensitiveData(t *testing.T) {
	mgr := NewManager("test-master-secret", []byte("test-salt"))
	require.True(t, mgr.IsEnabled())

	mgr.ClearSensitiveData()

	assert.False(t, mgr.IsEnabled())
	_, err := mgr.EncryptPayload([]byte("data"))
	assert.ErrorIs(t, err, ErrNotEnabled)
}
