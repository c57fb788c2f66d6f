package keys

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const uuid = "6ba7b810-9dad-11d1-80b4-00c04fd430c8"

func TestDeriveTruncates(t *testing.T) {
	for _, n := range []int{1, 16, 24, 32, len(uuid)} {
		key, err := Derive(uuid, n)
		require.NoError(t, err)
		assert.Len(t, key, n)
		assert.Equal(t, uuid[:n], string(key))
	}
}

func TestDeriveDeterministic(t *testing.T) {
	a, err := Derive(uuid, 32)
	require.NoError(t, err)
	b, err := Derive(uuid, 32)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	// The returned slice must not alias between calls.
	a[0] ^= 0xff
	assert.NotEqual(t, a, b)
}

func TestDeriveShortSecret(t *testing.T) {
	_, err := Derive(strings.Repeat("x", 15), 16)
	assert.ErrorIs(t, err, ErrInvalidSecret)

	_, err = Derive("", 16)
	assert.ErrorIs(t, err, ErrInvalidSecret)
}

func TestDeriveBadLength(t *testing.T) {
	_, err := Derive(uuid, 0)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidSecret)
}

func TestKeyLength(t *testing.T) {
	tests := []struct {
		cipher string
		want   int
	}{
		{"2022-blake3-aes-128-gcm", 16},
		{"2022-blake3-aes-256-gcm", 32},
		{"2022-blake3-chacha20-poly1305", 32},
		{"aes-128-gcm", 16},
		{"aes-192-gcm", 24},
		{"AES-256-GCM", 32},
		{" chacha20-ietf-poly1305 ", 32},
		{"AEAD_CHACHA20_POLY1305", 32},
	}
	for _, tt := range tests {
		t.Run(tt.cipher, func(t *testing.T) {
			got, err := KeyLength(tt.cipher)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := KeyLength("rc4-md5")
	assert.ErrorIs(t, err, ErrUnsupportedCipher)
}

func TestDeriveFor(t *testing.T) {
	key, err := DeriveFor("2022-blake3-aes-128-gcm", uuid)
	require.NoError(t, err)
	assert.Equal(t, "NmJhN2I4MTAtOWRhZC0xMQ==", Encode(key))

	_, err = DeriveFor("none", uuid)
	assert.ErrorIs(t, err, ErrUnsupportedCipher)
}

func TestIs2022(t *testing.T) {
	assert.True(t, Is2022("2022-blake3-aes-128-gcm"))
	assert.True(t, Is2022(" 2022-BLAKE3-CHACHA20-POLY1305"))
	assert.False(t, Is2022("aes-128-gcm"))
}

func TestDecodeServerKey(t *testing.T) {
	key, err := DecodeServerKey("2022-blake3-aes-128-gcm", "NmJhN2I4MTAtOWRhZC0xMQ==")
	require.NoError(t, err)
	assert.Equal(t, uuid[:16], string(key))

	key, err = DecodeServerKey("2022-blake3-aes-128-gcm", "NmJhN2I4MTAtOWRhZC0xMQ")
	require.NoError(t, err, "padding is optional")
	assert.Equal(t, uuid[:16], string(key))

	for _, bad := range []string{"", "not base64!", "NmJhN2I4MTAtOWRhZC0xMQ=="} {
		_, err = DecodeServerKey("2022-blake3-aes-256-gcm", bad)
		assert.ErrorIs(t, err, ErrInvalidServerKey, bad)
	}

	_, err = DecodeServerKey("rc4-md5", "NmJhN2I4MTAtOWRhZC0xMQ==")
	assert.ErrorIs(t, err, ErrUnsupportedCipher)
}
