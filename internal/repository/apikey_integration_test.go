//go:build integration

package repository_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guardianvault/recoveryd/internal/repository"
	"github.com/guardianvault/recoveryd/internal/testutil"
)

func TestIntegrationAPIKeys_CreateGetAndDuplicate(t *testing.T) {
	ctx, repo := newTestEnv(t)

	key := testutil.NewTestAPIKey(t, testutil.Addr(1))
	require.NoError(t, repo.CreateAPIKey(ctx, key))
	require.ErrorIs(t, repo.CreateAPIKey(ctx, key), repository.ErrAPIKeyExists)

	got, err := repo.GetAPIKeyByID(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, key.Address, got.Address)
	assert.Equal(t, key.KeyHash, got.KeyHash)
	assert.Nil(t, got.RevokedAt)
	assert.Nil(t, got.LastUsedAt)

	_, err = repo.GetAPIKeyByID(ctx, "01J0000000000000000000NONE")
	assert.ErrorIs(t, err, repository.ErrAPIKeyNotFound)
}

func TestIntegrationAPIKeys_RevokeHidesFromPrefixLookup(t *testing.T) {
	ctx, repo := newTestEnv(t)

	const prefix = "a1b2c3"
	first := testutil.NewTestAPIKey(t, testutil.Addr(1))
	first.KeyPrefix = prefix
	second := testutil.NewTestAPIKey(t, testutil.Addr(1))
	second.KeyPrefix = prefix
	second.CreatedAt = first.CreatedAt.Add(time.Second)
	other := testutil.NewTestAPIKey(t, testutil.Addr(2))

	require.NoError(t, repo.CreateAPIKey(ctx, first))
	require.NoError(t, repo.CreateAPIKey(ctx, second))
	require.NoError(t, repo.CreateAPIKey(ctx, other))

	require.NoError(t, repo.RevokeAPIKey(ctx, first.ID))
	assert.ErrorIs(t, repo.RevokeAPIKey(ctx, first.ID), repository.ErrAPIKeyNotFound, "second revoke")

	live, err := repo.GetAPIKeysByPrefix(ctx, prefix)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, second.ID, live[0].ID)

	// Listing keeps revoked keys so owners can audit them, newest first.
	mine, err := repo.ListAPIKeysByAddress(ctx, testutil.Addr(1))
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, second.ID, mine[0].ID)
	assert.NotNil(t, mine[1].RevokedAt)
}

func TestIntegrationAPIKeys_LastUsedIsThrottled(t *testing.T) {
	ctx, repo := newTestEnv(t)

	key := testutil.NewTestAPIKey(t, testutil.Addr(1))
	require.NoError(t, repo.CreateAPIKey(ctx, key))

	require.NoError(t, repo.UpdateAPIKeyLastUsed(ctx, key.ID))
	first, err := repo.GetAPIKeyByID(ctx, key.ID)
	require.NoError(t, err)
	require.NotNil(t, first.LastUsedAt)

	require.NoError(t, repo.UpdateAPIKeyLastUsed(ctx, key.ID))
	again, err := repo.GetAPIKeyByID(ctx, key.ID)
	require.NoError(t, err)
	assert.True(t, first.LastUsedAt.Equal(*again.LastUsedAt), "second stamp inside the resolution window must be skipped")
}
