package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientToken_RoundTrip(t *testing.T) {
	token, err := GenerateClientToken("c-1", "ann@co.com", "ann@gmail.com", time.Hour, "secret")
	require.NoError(t, err)

	claims, err := VerifyClientToken(token, "secret")
	require.NoError(t, err)
	assert.Equal(t, "c-1", claims.ClientID)
	assert.Equal(t, "ann@co.com", claims.Email)
	assert.Equal(t, "ann@gmail.com", claims.GmailAddress)
	assert.Greater(t, claims.ExpiresAt, claims.IssuedAt)
}

func TestClientToken_WrongSecret(t *testing.T) {
	token, err := GenerateClientToken("c-1", "", "", time.Hour, "secret")
	require.NoError(t, err)

	_, err = VerifyClientToken(token, "other")
	assert.ErrorIs(t, err, ErrTokenSignature)
}

func TestClientToken_Expired(t *testing.T) {
	token, err := GenerateClientToken("c-1", "", "", -time.Minute, "secret")
	require.NoError(t, err)

	_, err = VerifyClientToken(token, "secret")
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestClientToken_Malformed(t *testing.T) {
	for _, tok := range []string{"", "abc", "a.b.c", "!!.??"} {
		_, err := VerifyClientToken(tok, "secret")
		assert.Error(t, err, tok)
	}
}

func TestGenerateClientToken_RequiresInputs(t *testing.T) {
	_, err := GenerateClientToken("c-1", "", "", time.Hour, "")
	assert.Error(t, err)
	_, err = GenerateClientToken("", "", "", time.Hour, "secret")
	assert.Error(t, err)
}
