package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// EnvelopePrefix marks a value produced by Envelope.Seal.
const EnvelopePrefix = "enc:v1:"

const envelopeKeyInfo = "inboxgate.credentials.v1"

var (
	ErrEmptyKey          = errors.New("security: encryption key is required")
	ErrMalformedEnvelope = errors.New("security: malformed envelope")
)

// Envelope seals token material with AES-256-GCM. Output format:
//
//	enc:v1:<base64url(nonce || ciphertext || tag)>
type Envelope struct {
	aead cipher.AEAD
}

// NewEnvelope accepts either a 64 character hex key or arbitrary secret
// material, which is stretched to 32 bytes with HKDF-SHA256.
func NewEnvelope(key string) (*Envelope, error) {
	raw, err := DeriveKey(key, envelopeKeyInfo)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("security: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("security: init gcm: %w", err)
	}
	return &Envelope{aead: aead}, nil
}

// DeriveKey returns a 32 byte key for the given secret.
func DeriveKey(secret, info string) ([]byte, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrEmptyKey
	}
	if len(secret) == 64 {
		if decoded, err := hex.DecodeString(secret); err == nil {
			return decoded, nil
		}
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("security: derive key: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext. Empty input stays empty so absent tokens remain absent.
func (e *Envelope) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("security: nonce: %w", err)
	}
	out := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return EnvelopePrefix + base64.RawURLEncoding.EncodeToString(out), nil
}

// Open reverses Seal. Values without the prefix are returned unchanged.
func (e *Envelope) Open(blob string) (string, error) {
	if !IsSealed(blob) {
		return blob, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(blob, EnvelopePrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	ns := e.aead.NonceSize()
	if len(data) < ns+e.aead.Overhead() {
		return "", fmt.Errorf("%w: payload too short", ErrMalformedEnvelope)
	}
	plain, err := e.aead.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return string(plain), nil
}

func IsSealed(value string) bool {
	return strings.HasPrefix(value, EnvelopePrefix)
}
