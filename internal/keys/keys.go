// Package keys derives fixed-length cipher keys from panel user secrets.
package keys

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidSecret is returned when a secret is shorter than the key it must produce.
	ErrInvalidSecret = errors.New("invalid secret")
	// ErrUnsupportedCipher is returned for ciphers missing from the key-length table.
	ErrUnsupportedCipher = errors.New("unsupported cipher")
	// ErrInvalidServerKey is returned for a 2022 server key that does not
	// decode to a key of the cipher's length.
	ErrInvalidServerKey = errors.New("invalid server key")
)

var keyLengths = map[string]int{
	"2022-blake3-aes-128-gcm":       16,
	"2022-blake3-aes-256-gcm":       32,
	"2022-blake3-chacha20-poly1305": 32,
	"aes-128-gcm":                   16,
	"aes-192-gcm":                   24,
	"aes-256-gcm":                   32,
	"chacha20-ietf-poly1305":        32,
	"aead_aes_128_gcm":              16,
	"aead_aes_192_gcm":              24,
	"aead_aes_256_gcm":              32,
	"aead_chacha20_poly1305":        32,
}

// NormalizeCipher lowercases a cipher name and trims surrounding space.
func NormalizeCipher(cipher string) string {
	return strings.ToLower(strings.TrimSpace(cipher))
}

// KeyLength returns the key size in bytes required by cipher.
func KeyLength(cipher string) (int, error) {
	n, ok := keyLengths[NormalizeCipher(cipher)]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedCipher, cipher)
	}
	return n, nil
}

// Derive returns the first n raw bytes of secret. Secrets shorter than n
// are rejected rather than padded.
func Derive(secret string, n int) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("key length must be positive, got %d", n)
	}
	if len(secret) < n {
		return nil, fmt.Errorf("%w: %d bytes, need %d", ErrInvalidSecret, len(secret), n)
	}
	key := make([]byte, n)
	copy(key, secret[:n])
	return key, nil
}

// DeriveFor is Derive with the length taken from the cipher table.
func DeriveFor(cipher, secret string) ([]byte, error) {
	n, err := KeyLength(cipher)
	if err != nil {
		return nil, err
	}
	return Derive(secret, n)
}

// Is2022 reports whether cipher belongs to the 2022-blake3 family, which
// needs a base64 server key next to the user keys.
func Is2022(cipher string) bool {
	return strings.HasPrefix(NormalizeCipher(cipher), "2022-blake3-")
}

// DecodeServerKey decodes a base64 pre-shared key and checks that it fits
// cipher. Padding is optional.
func DecodeServerKey(cipher, encoded string) ([]byte, error) {
	n, err := KeyLength(cipher)
	if err != nil {
		return nil, err
	}
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, fmt.Errorf("%w: server key is empty", ErrInvalidServerKey)
	}
	key, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(encoded, "="))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidServerKey, err)
	}
	if len(key) != n {
		return nil, fmt.Errorf("%w: %d bytes, need %d", ErrInvalidServerKey, len(key), n)
	}
	return key, nil
}

// Encode returns key in the padded standard base64 form clients use for
// 2022 ciphers.
func Encode(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}
