package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTokens_Expired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	assert.False(t, Tokens{}.Expired(now), "tokens without expiry never expire")
	assert.True(t, Tokens{ExpiresAt: &past}.Expired(now))
	assert.True(t, Tokens{ExpiresAt: &now}.Expired(now), "expiry boundary counts as expired")
	assert.False(t, Tokens{ExpiresAt: &future}.Expired(now))
}

func TestIntegration_Tokens(t *testing.T) {
	exp := time.Now().Add(time.Hour)
	in := &Integration{
		AccessToken:    "at",
		RefreshToken:   "rt",
		TokenExpiresAt: &exp,
	}
	tok := in.Tokens()
	assert.Equal(t, "at", tok.AccessToken)
	assert.Equal(t, "rt", tok.RefreshToken)
	assert.Equal(t, &exp, tok.ExpiresAt)
}
