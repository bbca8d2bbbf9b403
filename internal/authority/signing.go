package authority

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// SignatureHeader carries the hex HMAC-SHA256 of the request body
	SignatureHeader = "X-Playguard-Signature"
	// NonceHeader carries the hex salt used to derive the signing key
	NonceHeader = "X-Playguard-Nonce"

	signingInfo = "playguard-authority-request-v1"
	keySize     = 32
	nonceSize   = 16
)

// Signer signs authority request bodies with a per-request key derived from
// a shared secret. A Signer with an empty secret signs nothing.
type Signer struct {
	secret []byte
	rand   io.Reader
}

// NewSigner creates a signer for secret
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret), rand: rand.Reader}
}

// Enabled reports whether the signer has a secret
func (s *Signer) Enabled() bool {
	return s != nil && len(s.secret) > 0
}

// Sign returns a fresh hex nonce and the hex signature of body under it
func (s *Signer) Sign(body []byte) (nonce, signature string, err error) {
	salt := make([]byte, nonceSize)
	if _, err := io.ReadFull(s.rand, salt); err != nil {
		return "", "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sig, err := s.sign(salt, body)
	if err != nil {
		return "", "", err
	}
	return hex.EncodeToString(salt), hex.EncodeToString(sig), nil
}

// Verify checks a hex nonce and signature against body
func (s *Signer) Verify(body []byte, nonce, signature string) bool {
	salt, err := hex.DecodeString(nonce)
	if err != nil || len(salt) == 0 {
		return false
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}

	want, err := s.sign(salt, body)
	if err != nil {
		return false
	}
	return hmac.Equal(got, want)
}

func (s *Signer) sign(salt, body []byte) ([]byte, error) {
	key, err := s.deriveKey(salt)
	if err != nil {
		return nil, err
	}
	defer clearKey(key)

	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return mac.Sum(nil), nil
}

func (s *Signer) deriveKey(salt []byte) ([]byte, error) {
	kdf := hkdf.New(sha256.New, s.secret, salt, []byte(signingInfo))

	key := make([]byte, keySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("HKDF key derivation failed: %w", err)
	}
	return key, nil
}

func clearKey(key []byte) {
	for i := range key {
		key[i] = 0
	}
}
