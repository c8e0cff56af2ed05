package channel

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"

	"portal-bridge/internal/errors"
)

// KeySize is the size in bytes of invitation keys.
const KeySize = chacha20poly1305.KeySize

// SealVersion is the version byte prepended to every sealed payload. It is
// also the additional authenticated data, so a tampered version byte fails
// authentication.
const SealVersion byte = 0x01

// SealOverhead is 1 (version) + 24 (XChaCha20 nonce) + 16 (Poly1305 tag).
const SealOverhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// Key is a symmetric XChaCha20-Poly1305 key. Its String form is redacted.
type Key [KeySize]byte

// GenerateKey returns a fresh random key.
func GenerateKey() (Key, error) {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		return Key{}, errors.Wrap(err, "failed to generate key")
	}
	return k, nil
}

// ParseKey decodes a hex-encoded key.
func ParseKey(s string) (Key, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return Key{}, errors.Wrap(err, "key is not valid hex")
	}
	if len(raw) != KeySize {
		return Key{}, errors.Newf("key is %d bytes, want %d", len(raw), KeySize)
	}
	var k Key
	copy(k[:], raw)
	return k, nil
}

// Hex returns the key hex-encoded.
func (k Key) Hex() string {
	return hex.EncodeToString(k[:])
}

// String implements fmt.Stringer without revealing the key.
func (k Key) String() string {
	return "[REDACTED]"
}

// IsZero reports whether the key is unset.
func (k Key) IsZero() bool {
	return k == Key{}
}

// Seal encrypts plaintext into version || nonce || ciphertext.
func (k Key) Seal(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(k[:])
	if err != nil {
		return nil, errors.Wrap(err, "failed to create cipher")
	}

	out := make([]byte, 1+aead.NonceSize(), SealOverhead+len(plaintext))
	out[0] = SealVersion
	nonce := out[1:]
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, "failed to generate nonce")
	}
	return aead.Seal(out, nonce, plaintext, out[:1]), nil
}

// Open reverses Seal. Only SealVersion blobs are accepted.
func (k Key) Open(blob []byte) ([]byte, error) {
	if len(blob) < SealOverhead {
		return nil, errors.Newf("sealed payload too short (%d bytes)", len(blob))
	}
	if blob[0] != SealVersion {
		return nil, errors.Newf("unsupported sealed payload version %d", blob[0])
	}

	aead, err := chacha20poly1305.NewX(k[:])
	if err != nil {
		return nil, errors.Wrap(err, "failed to create cipher")
	}
	nonce := blob[1 : 1+aead.NonceSize()]
	plaintext, err := aead.Open(nil, nonce, blob[1+aead.NonceSize():], blob[:1])
	if err != nil {
		return nil, errors.Wrap(err, "failed to authenticate sealed payload")
	}
	return plaintext, nil
}
