package model

import "encoding/hex"

type (
	// Identity is the key material of the logged-in user. It is created at
	// registration or rebuilt from a WrappedKeyBlob at login and never
	// persisted unwrapped.
	Identity struct {
		KEMPublic  []byte
		KEMPrivate []byte
		SigPublic  []byte
		SigPrivate []byte
	}

	WrappedKeyBlob struct {
		Salt          []byte        `json:"salt"`
		Nonce         []byte        `json:"nonce"`
		EncryptedKeys EncryptedKeys `json:"encrypted_keys"`
		Keycheck      []byte        `json:"keycheck"`
	}

	EncryptedKeys struct {
		KEMPrivate []byte `json:"kem_private"`
		SigPrivate []byte `json:"sig_private"`
	}
)

func (id *Identity) KEMPublicHex() string {
	return hex.EncodeToString(id.KEMPublic)
}

func (id *Identity) SigPublicHex() string {
	return hex.EncodeToString(id.SigPublic)
}
