package model

type (
	// Envelope is the wire and storage record of one message. Binary fields
	// are lowercase hex. ID and Timestamp are assigned by the server.
	Envelope struct {
		ID                        string      `json:"id,omitempty" bson:"id"`
		SenderPublicKey           string      `json:"sender_public_key" bson:"sender_public_key"`
		RecipientPublicKey        string      `json:"recipient_public_key" bson:"recipient_public_key"`
		SharedSecretAESCiphertext string      `json:"shared_secret_aes_ciphertext" bson:"shared_secret_aes_ciphertext"`
		SharedSecretKEMCiphertext string      `json:"shared_secret_kem_ciphertext" bson:"shared_secret_kem_ciphertext"`
		Ciphertext                string      `json:"ciphertext" bson:"ciphertext"`
		Nonce                     string      `json:"nonce" bson:"nonce"`
		SharedSecretAESNonce      string      `json:"shared_secret_aes_nonce" bson:"shared_secret_aes_nonce"`
		Signature                 string      `json:"signature" bson:"signature"`
		HashPublic                string      `json:"hash_public" bson:"hash_public"`
		MsgType                   MessageType `json:"msg_type" bson:"msg_type"`
		DialogHash                string      `json:"dialog_hash" bson:"dialog_hash"`
		Timestamp                 float64     `json:"timestamp,omitempty" bson:"timestamp"`
	}

	DecryptedMessage struct {
		SenderUsername string
		Data           []byte
		MsgType        MessageType
		Hash           string
		DialogHash     string
		Timestamp      float64
		Verified       bool
	}
)

// Notification is pushed to subscribers when an envelope touching their key
// has been stored.
type Notification struct {
	DialogHash string  `json:"dialog_hash"`
	Timestamp  float64 `json:"timestamp"`
}
