package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

const (
	SignatureHeader = "X-Webhook-Signature"
	signaturePrefix = "sha256="
)

var (
	ErrMissingSignature = errors.New("missing webhook signature")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrNoSecret         = errors.New("webhook secret is not configured")
)

// Sign returns the header value for body: "sha256=<hex>".
func Sign(body []byte, secret string) string {
	return signaturePrefix + hex.EncodeToString(computeHMAC(body, secret))
}

// Verify recomputes the HMAC and compares it in constant time.
func Verify(body []byte, header, secret string) error {
	if strings.TrimSpace(secret) == "" {
		return ErrNoSecret
	}
	sig := strings.TrimSpace(header)
	if sig == "" {
		return ErrMissingSignature
	}
	sig = strings.TrimPrefix(sig, signaturePrefix)
	decoded, err := hex.DecodeString(strings.ToLower(sig))
	if err != nil {
		return ErrInvalidSignature
	}
	if !hmac.Equal(decoded, computeHMAC(body, secret)) {
		return ErrInvalidSignature
	}
	return nil
}

func computeHMAC(body []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}
