package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validClient() *Client {
	return &Client{
		ID:                 "c-1",
		Name:               "Ann",
		Email:              "ann@co.com",
		Company:            "Co",
		GmailAddress:       "ann@gmail.com",
		RegistrationStatus: RegistrationStatusPending,
	}
}

func TestClientValidate(t *testing.T) {
	require.NoError(t, validClient().Validate())

	c := validClient()
	c.Name = "A"
	assert.Error(t, c.Validate())

	c = validClient()
	c.Email = "not-an-email"
	assert.Error(t, c.Validate())

	c = validClient()
	c.RegistrationStatus = "archived"
	assert.Error(t, c.Validate())
}

func TestClientHasCredentials(t *testing.T) {
	c := validClient()
	assert.False(t, c.HasCredentials())

	exp := time.Now().Add(time.Hour)
	c.AccessToken = "a"
	c.RefreshToken = "r"
	c.TokenExpiry = &exp
	assert.True(t, c.HasCredentials())
}

func TestClientExpiryHelpers(t *testing.T) {
	now := time.Now()
	c := validClient()
	assert.True(t, c.TokenExpiresBefore(now))
	assert.False(t, c.WatchLapsed(now))

	soon := now.Add(30 * time.Minute)
	c.TokenExpiry = &soon
	assert.True(t, c.TokenExpiresBefore(now.Add(time.Hour)))
	assert.False(t, c.TokenExpiresBefore(now))

	past := now.Add(-time.Minute)
	c.WatchExpiry = &past
	assert.True(t, c.WatchLapsed(now))
}

func TestAuditActions(t *testing.T) {
	assert.True(t, IsValidAuditAction(AuditRegistrationCompleted))
	assert.True(t, IsValidAuditAction(AuditClientUpdated))
	assert.False(t, IsValidAuditAction("bogus"))

	entry := &AuditLog{Action: "bogus"}
	assert.ErrorIs(t, entry.Validate(), ErrInvalidAuditAction)
}

func TestAuditDetailsScanValue(t *testing.T) {
	v, err := AuditDetails{"attempts": 3}.Value()
	require.NoError(t, err)
	assert.JSONEq(t, `{"attempts":3}`, v.(string))

	var d AuditDetails
	require.NoError(t, d.Scan([]byte(`{"reason":"x"}`)))
	assert.Equal(t, "x", d["reason"])

	require.NoError(t, d.Scan(nil))
	assert.Empty(t, d)
}
