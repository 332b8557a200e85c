package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrTokenExpired   = errors.New("token expired")
	ErrTokenSignature = errors.New("invalid token signature")
)

// ClientTokenClaims identify an authorized client. Issued after a completed registration.
type ClientTokenClaims struct {
	ClientID     string `json:"sub"`
	Email        string `json:"email"`
	GmailAddress string `json:"gmail"`
	IssuedAt     int64  `json:"iat"`
	ExpiresAt    int64  `json:"exp"`
}

func GenerateClientToken(clientID, email, gmailAddress string, ttl time.Duration, secret string) (string, error) {
	if secret == "" {
		return "", errors.New("secret is required for token generation")
	}
	if clientID == "" {
		return "", errors.New("client id is required for token generation")
	}
	now := time.Now()
	claims := ClientTokenClaims{
		ClientID:     clientID,
		Email:        email,
		GmailAddress: gmailAddress,
		IssuedAt:     now.Unix(),
		ExpiresAt:    now.Add(ttl).Unix(),
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	token := fmt.Sprintf("%s.%s", base64.RawURLEncoding.EncodeToString(payload), base64.RawURLEncoding.EncodeToString(sign(payload, secret)))
	return token, nil
}

func VerifyClientToken(token, secret string) (*ClientTokenClaims, error) {
	if secret == "" {
		return nil, errors.New("secret is required for token verification")
	}
	parts := strings.SplitN(strings.TrimSpace(token), ".", 2)
	if len(parts) != 2 {
		return nil, errors.New("invalid token format")
	}
	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, errors.New("invalid payload encoding")
	}
	sigBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, errors.New("invalid signature encoding")
	}
	if !hmac.Equal(sigBytes, sign(payloadBytes, secret)) {
		return nil, ErrTokenSignature
	}
	var claims ClientTokenClaims
	if err := json.Unmarshal(payloadBytes, &claims); err != nil {
		return nil, errors.New("invalid payload")
	}
	if time.Now().Unix() > claims.ExpiresAt {
		return nil, ErrTokenExpired
	}
	return &claims, nil
}

func sign(payload []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return mac.Sum(nil)
}
