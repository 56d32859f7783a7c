package envelope

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"zerotrace/internal/cryptographic/encryption"
	"zerotrace/internal/cryptographic/kdf"
	"zerotrace/internal/cryptographic/kem"
	"zerotrace/internal/cryptographic/signature"
	"zerotrace/internal/model"
	"zerotrace/internal/protocol/dialog"
	"zerotrace/internal/utils/log"

	"go.uber.org/zap"
)

type (
	// Directory is the part of the directory/transport service the engine needs.
	Directory interface {
		LookupByPublicKey(ctx context.Context, kemPublic string) (*model.User, error)
		SubmitEnvelope(ctx context.Context, env *model.Envelope) error
	}

	Engine struct {
		dir Directory
	}
)

func NewEngine(dir Directory) *Engine {
	return &Engine{dir: dir}
}

// HashPublic binds a KEM public key to a signature public key. The two
// fields are concatenated as-is; both have fixed lengths for the suite in use.
func HashPublic(kemPublic, sigPublic []byte) string {
	h := sha256.New()
	h.Write(kemPublic)
	h.Write(sigPublic)
	return hex.EncodeToString(h.Sum(nil))
}

// Seal builds the envelope for plaintext addressed to recipientPublic
// (hex KEM public key) without submitting it.
func Seal(id *model.Identity, recipientPublic string, plaintext []byte, msgType model.MessageType) (*model.Envelope, error) {
	recipientKey, err := hex.DecodeString(recipientPublic)
	if err != nil {
		return nil, fmt.Errorf("recipient public key: %w", err)
	}

	sharedSecret, kemCiphertext, err := kem.Encapsulate(recipientKey)
	if err != nil {
		return nil, err
	}

	msgKey, err := kdf.MessageKey(sharedSecret)
	if err != nil {
		return nil, err
	}
	ciphertext, nonce, err := encryption.AEADEncrypt(msgKey, plaintext)
	if err != nil {
		return nil, err
	}

	// The sender cannot decapsulate its own encapsulation, so the shared
	// secret is also sealed under a key only the sender can rebuild.
	selfKey, err := kdf.MessageKey(id.KEMPrivate)
	if err != nil {
		return nil, err
	}
	secretCiphertext, secretNonce, err := encryption.AEADEncrypt(selfKey, sharedSecret)
	if err != nil {
		return nil, err
	}

	sig, err := signature.DilithiumSign(id.SigPrivate, plaintext)
	if err != nil {
		return nil, err
	}

	senderPublic := id.KEMPublicHex()
	return &model.Envelope{
		SenderPublicKey:           senderPublic,
		RecipientPublicKey:        recipientPublic,
		SharedSecretAESCiphertext: hex.EncodeToString(secretCiphertext),
		SharedSecretKEMCiphertext: hex.EncodeToString(kemCiphertext),
		Ciphertext:                hex.EncodeToString(ciphertext),
		Nonce:                     hex.EncodeToString(nonce),
		SharedSecretAESNonce:      hex.EncodeToString(secretNonce),
		Signature:                 hex.EncodeToString(sig),
		HashPublic:                HashPublic(id.KEMPublic, id.SigPublic),
		MsgType:                   msgType,
		DialogHash:                dialog.Hash(senderPublic, recipientPublic),
	}, nil
}

// Send seals and submits one message. A submit failure is returned as
// model.ErrTransient and is not retried here.
func (e *Engine) Send(ctx context.Context, id *model.Identity, recipientPublic string, plaintext []byte, msgType model.MessageType) (*model.Envelope, error) {
	env, err := Seal(id, recipientPublic, plaintext, msgType)
	if err != nil {
		return nil, err
	}

	if err := e.dir.SubmitEnvelope(ctx, env); err != nil {
		if !errors.Is(err, model.ErrTransient) {
			err = fmt.Errorf("%w: %w", model.ErrTransient, err)
		}
		return nil, fmt.Errorf("submit envelope: %w", err)
	}
	return env, nil
}

// Decrypt recovers the plaintext of env with the local identity, either as
// recipient or as the original sender. Every failure is model.ErrAuthentication.
func Decrypt(id *model.Identity, env *model.Envelope) ([]byte, error) {
	var (
		sharedSecret []byte
		err          error
	)

	if env.RecipientPublicKey == id.KEMPublicHex() {
		kemCiphertext, decErr := hex.DecodeString(env.SharedSecretKEMCiphertext)
		if decErr != nil {
			return nil, fmt.Errorf("%w: kem ciphertext encoding", model.ErrAuthentication)
		}
		sharedSecret, err = kem.Decapsulate(id.KEMPrivate, kemCiphertext)
	} else {
		sharedSecret, err = openHex(id.KEMPrivate, env.SharedSecretAESNonce, env.SharedSecretAESCiphertext)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: recover shared secret: %v", model.ErrAuthentication, err)
	}

	plaintext, err := openHex(sharedSecret, env.Nonce, env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: open message: %v", model.ErrAuthentication, err)
	}
	return plaintext, nil
}

func openHex(secret []byte, nonceHex, ciphertextHex string) ([]byte, error) {
	nonce, err := hex.DecodeString(nonceHex)
	if err != nil {
		return nil, err
	}
	ciphertext, err := hex.DecodeString(ciphertextHex)
	if err != nil {
		return nil, err
	}
	key, err := kdf.MessageKey(secret)
	if err != nil {
		return nil, err
	}
	return encryption.AEADDecrypt(key, nonce, ciphertext)
}

// Verify checks the sender binding and the signature of a decrypted
// message against the registered signature key sigPublic (hex).
func Verify(env *model.Envelope, plaintext []byte, sigPublic string) error {
	senderKey, err := hex.DecodeString(env.SenderPublicKey)
	if err != nil {
		return fmt.Errorf("%w: sender key encoding", model.ErrVerification)
	}
	sigKey, err := hex.DecodeString(sigPublic)
	if err != nil {
		return fmt.Errorf("%w: signature key encoding", model.ErrVerification)
	}

	if HashPublic(senderKey, sigKey) != env.HashPublic {
		return fmt.Errorf("%w: identity hash mismatch", model.ErrVerification)
	}

	sig, err := hex.DecodeString(env.Signature)
	if err != nil || !signature.DilithiumVerify(sigKey, plaintext, sig) {
		return fmt.Errorf("%w: bad signature", model.ErrVerification)
	}
	return nil
}

// Open runs the full receive path for env. model.ErrAuthentication means
// the envelope must be dropped; a verification failure is not an error and
// yields a message with the sentinel payload and Verified == false.
func (e *Engine) Open(ctx context.Context, id *model.Identity, env *model.Envelope) (*model.DecryptedMessage, error) {
	plaintext, err := Decrypt(id, env)
	if err != nil {
		return nil, err
	}

	msg := &model.DecryptedMessage{
		Data:       plaintext,
		MsgType:    env.MsgType,
		Hash:       env.HashPublic,
		DialogHash: env.DialogHash,
		Timestamp:  env.Timestamp,
		Verified:   true,
	}

	sender, err := e.dir.LookupByPublicKey(ctx, env.SenderPublicKey)
	switch {
	case errors.Is(err, model.ErrNotFound):
		err = fmt.Errorf("%w: sender not registered", model.ErrVerification)
	case err != nil:
		return nil, fmt.Errorf("resolve sender: %w", err)
	default:
		msg.SenderUsername = sender.Username
		err = Verify(env, plaintext, sender.SignaturePublicKey)
	}

	if err != nil {
		log.Warn("envelope failed verification",
			zap.String("id", env.ID),
			zap.String("dialog", env.DialogHash),
			zap.Error(err))
		msg.Data = append([]byte(nil), model.UnverifiedPayload...)
		msg.Verified = false
	}
	return msg, nil
}

// OpenAll opens a batch and skips envelopes that fail authentication. Any
// other error aborts the batch.
func (e *Engine) OpenAll(ctx context.Context, id *model.Identity, envs []*model.Envelope) ([]*model.DecryptedMessage, error) {
	out := make([]*model.DecryptedMessage, 0, len(envs))
	for _, env := range envs {
		msg, err := e.Open(ctx, id, env)
		if errors.Is(err, model.ErrAuthentication) {
			log.Warn("dropping envelope", zap.String("id", env.ID), zap.Error(err))
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}
