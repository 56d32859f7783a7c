package kem

import (
	"fmt"

	circlkem "github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/kyber/kyber512"
)

var scheme circlkem.Scheme = kyber512.Scheme()

// NewKeyPair generates a Kyber512 key pair and returns the packed encodings.
func NewKeyPair() (pub, priv []byte, err error) {
	pk, sk, err := scheme.GenerateKeyPair()
	if err != nil {
		return nil, nil, fmt.Errorf("kem keygen: %w", err)
	}
	pub, err = pk.MarshalBinary()
	if err != nil {
		return nil, nil, err
	}
	priv, err = sk.MarshalBinary()
	if err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

// Encapsulate produces a fresh shared secret and its ciphertext against pub.
func Encapsulate(pub []byte) (sharedSecret, ciphertext []byte, err error) {
	pk, err := scheme.UnmarshalBinaryPublicKey(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("kem public key: %w", err)
	}
	ciphertext, sharedSecret, err = scheme.Encapsulate(pk)
	if err != nil {
		return nil, nil, fmt.Errorf("kem encapsulate: %w", err)
	}
	return sharedSecret, ciphertext, nil
}

// Decapsulate recovers the shared secret. Kyber rejects implicitly: a
// tampered ciphertext yields an unrelated secret, not an error.
func Decapsulate(priv, ciphertext []byte) ([]byte, error) {
	sk, err := scheme.UnmarshalBinaryPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("kem private key: %w", err)
	}
	ss, err := scheme.Decapsulate(sk, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("kem decapsulate: %w", err)
	}
	return ss, nil
}
