package kdf

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/scrypt"
)

const (
	KeySize = 32

	// scrypt work factor for password wrapping.
	ScryptN = 1 << 14
	ScryptR = 8
	ScryptP = 1
)

// MessageKeyInfo is the HKDF info label for every AES key the envelope
// protocol derives.
var MessageKeyInfo = []byte("aes_key_derivation")

func HKDF(secret, salt, info, buffer []byte) (int, error) {
	h := hkdf.New(sha256.New, secret, salt, info)
	return io.ReadFull(h, buffer)
}

// MessageKey derives a 32-byte AES key from secret with no salt.
func MessageKey(secret []byte) ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := HKDF(secret, nil, MessageKeyInfo, key); err != nil {
		return nil, err
	}
	return key, nil
}

// PasswordKey hardens password with scrypt into a 32-byte key.
func PasswordKey(password string, salt []byte) ([]byte, error) {
	return scrypt.Key([]byte(password), salt, ScryptN, ScryptR, ScryptP, KeySize)
}
