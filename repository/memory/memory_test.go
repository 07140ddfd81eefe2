package memory

import (
	"context"
	"testing"
	"time"

	"github.com/pilab-dev/shadow-vault/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityRepository_FindByPrimaryAndAlias(t *testing.T) {
	ctx := context.Background()
	repo := NewIdentityRepository()

	require.NoError(t, repo.Create(ctx, &domain.Identity{
		PrimaryID:    "u1",
		AlternateIDs: []string{"google:g-1"},
		Email:        "a@example.com",
	}))

	byPrimary, err := repo.FindByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", byPrimary.Email)

	byAlias, err := repo.FindByID(ctx, "google:g-1")
	require.NoError(t, err)
	assert.Equal(t, "u1", byAlias.PrimaryID)

	_, err = repo.FindByID(ctx, "github:nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestIdentityRepository_CreateIsCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	repo := NewIdentityRepository()

	require.NoError(t, repo.Create(ctx, &domain.Identity{PrimaryID: "u1"}))
	assert.ErrorIs(t, repo.Create(ctx, &domain.Identity{PrimaryID: "u1"}), domain.ErrAlreadyExists)
	assert.Equal(t, 1, repo.Count())
}

func TestIdentityRepository_AddAlternateIDsIsMonotonicAndIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := NewIdentityRepository()
	require.NoError(t, repo.Create(ctx, &domain.Identity{PrimaryID: "u1", AlternateIDs: []string{"b"}}))

	updated, err := repo.AddAlternateIDs(ctx, "u1", []string{"a", "b", "u1", "a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, updated.AlternateIDs)

	again, err := repo.AddAlternateIDs(ctx, "u1", []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, again.AlternateIDs)

	found, err := repo.FindByID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "u1", found.PrimaryID)
}

func TestIdentityRepository_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	repo := NewIdentityRepository()
	require.NoError(t, repo.Create(ctx, &domain.Identity{PrimaryID: "u1", AlternateIDs: []string{"x"}}))

	got, err := repo.FindByID(ctx, "u1")
	require.NoError(t, err)
	got.AlternateIDs[0] = "mutated"

	again, err := repo.FindByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, again.AlternateIDs)
}

func TestAccountMappingRepository_Lifecycle(t *testing.T) {
	ctx := context.Background()
	repo := NewAccountMappingRepository()
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	m := &domain.VaultAccountMapping{
		PrimaryID:                "u1",
		VaultUserID:              "u-123",
		EncryptedVaultCredential: "aa:bb:cc",
		CreatedAt:                created,
		LastUsed:                 created,
		IsProvisioned:            true,
	}
	require.NoError(t, repo.Create(ctx, m))
	assert.ErrorIs(t, repo.Create(ctx, m), domain.ErrAlreadyExists)

	require.NoError(t, repo.Touch(ctx, "u1", created.Add(time.Minute)))
	// Touch never moves LastUsed backwards.
	require.NoError(t, repo.Touch(ctx, "u1", created))

	got, err := repo.GetByVaultUserID(ctx, "u-123")
	require.NoError(t, err)
	assert.Equal(t, created.Add(time.Minute), got.LastUsed)
	assert.False(t, got.SetupComplete())

	require.NoError(t, repo.CompleteSetup(ctx, "u1", "$2a$hash", created.Add(2*time.Minute)))
	got, err = repo.Get(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, got.SetupComplete())

	assert.ErrorIs(t, repo.Touch(ctx, "missing", created), domain.ErrNotFound)
	assert.Len(t, repo.All(), 1)
}
