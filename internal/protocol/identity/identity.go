package identity

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"zerotrace/internal/cryptographic/encryption"
	"zerotrace/internal/cryptographic/kdf"
	"zerotrace/internal/cryptographic/kem"
	"zerotrace/internal/cryptographic/signature"
	"zerotrace/internal/model"
)

const SaltSize = 16

var keycheckLabel = []byte("keycheck")

// open is swapped in tests to observe whether unwrapping reaches the AEAD.
var open = encryption.AEADDecrypt

// Generate creates a fresh identity from independent KEM and signature key pairs.
func Generate() (*model.Identity, error) {
	kemPub, kemPriv, err := kem.NewKeyPair()
	if err != nil {
		return nil, err
	}
	sigPub, sigPriv, err := signature.NewDilithiumKeypair()
	if err != nil {
		return nil, err
	}
	return &model.Identity{
		KEMPublic:  kemPub,
		KEMPrivate: kemPriv,
		SigPublic:  sigPub,
		SigPrivate: sigPriv,
	}, nil
}

// Wrap encrypts both private keys under a key hardened from password.
func Wrap(id *model.Identity, password string) (*model.WrappedKeyBlob, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("rand.Read salt: %w", err)
	}

	key, err := kdf.PasswordKey(password, salt)
	if err != nil {
		return nil, err
	}

	nonce, err := encryption.NewNonce()
	if err != nil {
		return nil, err
	}

	kemEnc, err := encryption.AEADSeal(key, nonce, id.KEMPrivate)
	if err != nil {
		return nil, err
	}
	sigEnc, err := encryption.AEADSeal(key, nonce, id.SigPrivate)
	if err != nil {
		return nil, err
	}

	return &model.WrappedKeyBlob{
		Salt:  salt,
		Nonce: nonce,
		EncryptedKeys: model.EncryptedKeys{
			KEMPrivate: kemEnc,
			SigPrivate: sigEnc,
		},
		Keycheck: keycheck(key),
	}, nil
}

// Unwrap rebuilds the identity. The public keys come from the directory
// registration; the blob only carries the private halves. A wrong password
// fails on the keycheck before any ciphertext is opened.
func Unwrap(blob *model.WrappedKeyBlob, password string, kemPublic, sigPublic []byte) (*model.Identity, error) {
	if blob == nil {
		return nil, errors.New("nil key blob")
	}

	key, err := kdf.PasswordKey(password, blob.Salt)
	if err != nil {
		return nil, err
	}

	if !hmac.Equal(keycheck(key), blob.Keycheck) {
		return nil, model.ErrWrongPassword
	}

	kemPriv, err := open(key, blob.Nonce, blob.EncryptedKeys.KEMPrivate)
	if err != nil {
		return nil, fmt.Errorf("open kem private key: %w", err)
	}
	sigPriv, err := open(key, blob.Nonce, blob.EncryptedKeys.SigPrivate)
	if err != nil {
		return nil, fmt.Errorf("open signature private key: %w", err)
	}

	return &model.Identity{
		KEMPublic:  kemPublic,
		KEMPrivate: kemPriv,
		SigPublic:  sigPublic,
		SigPrivate: sigPriv,
	}, nil
}

func keycheck(key []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(keycheckLabel)
	return mac.Sum(nil)
}
