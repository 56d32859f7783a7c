package signature

import (
	"fmt"

	"github.com/cloudflare/circl/sign"
	"github.com/cloudflare/circl/sign/dilithium/mode2"
)

var scheme sign.Scheme = mode2.Scheme()

func NewDilithiumKeypair() (pub, priv []byte, err error) {
	pk, sk, err := scheme.GenerateKey()
	if err != nil {
		return nil, nil, fmt.Errorf("signature keygen: %w", err)
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

func DilithiumSign(privKeyBytes, message []byte) ([]byte, error) {
	sk, err := scheme.UnmarshalBinaryPrivateKey(privKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("signature private key: %w", err)
	}
	return scheme.Sign(sk, message, nil), nil
}

// DilithiumVerify reports whether signature is valid. A malformed public key
// verifies as false.
func DilithiumVerify(pubKeyBytes, message, signature []byte) bool {
	pk, err := scheme.UnmarshalBinaryPublicKey(pubKeyBytes)
	if err != nil {
		return false
	}
	if len(signature) != scheme.SignatureSize() {
		return false
	}
	return scheme.Verify(pk, message, signature, nil)
}
