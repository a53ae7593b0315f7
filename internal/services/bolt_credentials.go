package services

import (
	"context"
	"encoding/base64"

	"github.com/go-webauthn/webauthn/webauthn"
	bolt "go.etcd.io/bbolt"
)

// Credentials lists the passkeys enrolled by the user.
func (b BoltDB) Credentials(_ context.Context, userID string) ([]webauthn.Credential, error) {
	var creds []webauthn.Credential
	err := b.db.View(func(tx *bolt.Tx) error {
		var err error
		creds, err = scanPrefix[webauthn.Credential](tx.Bucket(credentialsBucket), userPrefix(userID))
		return err
	})
	return creds, err
}

// PutCredential stores a passkey, replacing an earlier one with the same credential ID. Sign counters are updated
// this way after each assertion.
func (b BoltDB) PutCredential(_ context.Context, userID string, cred webauthn.Credential) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		key := ownedKey(userID, base64.RawURLEncoding.EncodeToString(cred.ID))
		return putJSON(tx.Bucket(credentialsBucket), key, cred)
	})
}
