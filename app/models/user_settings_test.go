package models

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAPIKey(t *testing.T) {
	a, err := NewAPIKey()
	require.NoError(t, err)
	b, err := NewAPIKey()
	require.NoError(t, err)

	assert.NotEqual(t, a.Raw, b.Raw)
	assert.True(t, strings.HasPrefix(a.Raw, "sk_"))
	assert.Len(t, a.Prefix, 16)
	assert.True(t, strings.HasPrefix(a.Raw, a.Prefix))
	assert.Equal(t, HashAPIKey(a.Raw), a.Hash)
	assert.Equal(t, strings.ToLower(a.Raw), a.Raw)
}

func TestUserSettingsKeyLifecycle(t *testing.T) {
	issued := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	used := issued.Add(time.Hour)
	us := &UserSettings{UserID: 9, APIKeyLastUsedAt: &used}
	assert.False(t, us.KeyActive())

	key, err := NewAPIKey()
	require.NoError(t, err)
	us.Install(key, issued)
	assert.True(t, us.KeyActive())
	assert.Equal(t, key.Hash, us.APIKeyHash)
	assert.Equal(t, issued, *us.APIKeyCreatedAt)
	assert.Nil(t, us.APIKeyLastUsedAt)

	us.Revoke(issued.Add(24 * time.Hour))
	assert.False(t, us.KeyActive())
	assert.Empty(t, us.APIKeyHash)
	assert.Empty(t, us.APIKeyPrefix)
	require.NotNil(t, us.APIKeyRevokedAt)

	// reissuing clears the revocation
	us.Install(key, issued.Add(48*time.Hour))
	assert.True(t, us.KeyActive())

	var missing *UserSettings
	assert.False(t, missing.KeyActive())
}

func TestHashAPIKeyTrimsWhitespace(t *testing.T) {
	assert.Equal(t, HashAPIKey("sk_abc"), HashAPIKey("  sk_abc\n"))
	assert.Len(t, HashAPIKey("sk_abc"), 64)
}
