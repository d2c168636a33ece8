package models

import "time"

// License is the persisted form of an issued license. EncryptedKey is
// nonce || ciphertext || tag and can only be opened with the auth key.
type License struct {
	AssetID      string    `json:"asset_id"`
	EncryptedKey []byte    `json:"encrypted_key"`
	Salt         []byte    `json:"salt"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}
