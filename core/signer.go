package core

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
)

// Signer signs token ids with the current secret and still accepts signatures made
// with previous secrets, so a secret can be rotated without voiding sold tokens.
type Signer struct {
	current  []byte
	previous [][]byte
}

func NewSigner(secret string, previous ...string) *Signer {
	s := &Signer{current: []byte(secret)}
	for _, p := range previous {
		if p != "" && p != secret {
			s.previous = append(s.previous, []byte(p))
		}
	}
	return s
}

func (s *Signer) Sign(idBytes []byte) string {
	return sign(s.current, idBytes)
}

func (s *Signer) Verify(idBytes []byte, signature string) bool {
	if hmac.Equal([]byte(sign(s.current, idBytes)), []byte(signature)) {
		return true
	}
	for _, key := range s.previous {
		if hmac.Equal([]byte(sign(key, idBytes)), []byte(signature)) {
			return true
		}
	}
	return false
}

func sign(key, msg []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
