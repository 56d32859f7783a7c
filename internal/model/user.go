package model

type (
	User struct {
		Username           string `json:"username" bson:"username"`
		KEMPublicKey       string `json:"kem_public_key" bson:"kem_public_key"`
		SignaturePublicKey string `json:"signature_public_key" bson:"signature_public_key"`
	}

	// DialogRef names a dialog and the other participant's KEM public key.
	DialogRef struct {
		DialogHash string `json:"dialog_hash" bson:"dialog_hash"`
		PublicKey  string `json:"public_key" bson:"public_key"`
	}
)
