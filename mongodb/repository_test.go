package mongodb

import (
	"context"
	"testing"
	"time"

	"github.com/pilab-dev/shadow-vault/domain"
	"github.com/pilab-dev/shadow-vault/mongodb/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newProvider(t *testing.T) *RepositoryProvider {
	t.Helper()
	db := testutil.SetupTestMongoDB(t, "svault_repo")
	p, err := NewRepositoryProviderFromDatabase(context.Background(), db)
	require.NoError(t, err)
	return p
}

func TestIdentityRepository(t *testing.T) {
	p := newProvider(t)
	ctx := context.Background()
	repo := p.IdentityRepository(ctx)

	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, repo.Create(ctx, &domain.Identity{PrimaryID: "u1", Email: "a@example.com", CreatedAt: now, UpdatedAt: now}))
	assert.ErrorIs(t, repo.Create(ctx, &domain.Identity{PrimaryID: "u1"}), domain.ErrAlreadyExists)

	got, err := repo.FindByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", got.Email)
	assert.Empty(t, got.AlternateIDs)

	updated, err := repo.AddAlternateIDs(ctx, "u1", []string{"google:1", "github:2"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"google:1", "github:2"}, updated.AlternateIDs)

	updated, err = repo.AddAlternateIDs(ctx, "u1", []string{"google:1"})
	require.NoError(t, err)
	assert.Len(t, updated.AlternateIDs, 2)

	byAlias, err := repo.FindByID(ctx, "github:2")
	require.NoError(t, err)
	assert.Equal(t, "u1", byAlias.PrimaryID)

	_, err = repo.FindByID(ctx, "nobody")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = repo.AddAlternateIDs(ctx, "nobody", []string{"x"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAccountMappingRepository(t *testing.T) {
	p := newProvider(t)
	ctx := context.Background()
	repo := p.AccountMappingRepository(ctx)

	created := time.Now().UTC().Truncate(time.Millisecond)
	m := &domain.VaultAccountMapping{
		PrimaryID:                "u1",
		VaultUserID:              "vu-1",
		EncryptedVaultCredential: "aa:bb:cc",
		CreatedAt:                created,
		LastUsed:                 created,
		IsProvisioned:            true,
	}
	require.NoError(t, repo.Create(ctx, m))
	assert.ErrorIs(t, repo.Create(ctx, m), domain.ErrAlreadyExists)
	assert.ErrorIs(t, repo.Create(ctx, &domain.VaultAccountMapping{PrimaryID: "u2", VaultUserID: "vu-1"}), domain.ErrAlreadyExists)

	byVault, err := repo.GetByVaultUserID(ctx, "vu-1")
	require.NoError(t, err)
	assert.Equal(t, "u1", byVault.PrimaryID)

	later := created.Add(time.Minute)
	require.NoError(t, repo.Touch(ctx, "u1", later))
	require.NoError(t, repo.Touch(ctx, "u1", created))
	got, err := repo.Get(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, got.LastUsed.Equal(later), "last_used never moves backwards")
	assert.False(t, got.SetupComplete())

	require.NoError(t, repo.CompleteSetup(ctx, "u1", "$2a$hash", later))
	got, err = repo.Get(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, got.SetupComplete())

	assert.ErrorIs(t, repo.Touch(ctx, "nobody", later), domain.ErrNotFound)
	_, err = repo.Get(ctx, "nobody")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
