package core

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"

	"github.com/google/uuid"
)

type envelope struct {
	ID  string `json:"id"`
	Sig string `json:"sig"`
}

// EncodeToken produces the opaque string handed to the buyer.
func EncodeToken(id uuid.UUID, signer *Signer) (string, error) {
	raw, err := json.Marshal(envelope{ID: id.String(), Sig: signer.Sign(id[:])})
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeToken recovers the token id from an opaque string and checks its signature.
func DecodeToken(encoded string, signer *Signer) (uuid.UUID, error) {
	if encoded == "" {
		return uuid.Nil, ErrBadPayload
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return uuid.Nil, ErrBadPayload
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return uuid.Nil, ErrBadPayload
	}
	id, err := uuid.Parse(env.ID)
	if err != nil {
		return uuid.Nil, ErrBadPayload
	}
	if !signer.Verify(id[:], env.Sig) {
		return uuid.Nil, ErrBadSignature
	}
	return id, nil
}

// Fingerprint is a short log-safe digest of an opaque token. Every encoded token
// starts with the same envelope prefix, so a plain prefix would not tell them apart.
func Fingerprint(token string) string {
	if token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:4])
}
