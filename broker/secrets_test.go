package broker

import (
	"context"
	"fmt"
	"testing"

	"github.com/pilab-dev/shadow-vault/domain"
	serrors "github.com/pilab-dev/shadow-vault/errors"
	"github.com/pilab-dev/shadow-vault/vault"
	"github.com/pilab-dev/shadow-vault/vault/vaulttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreSecret_UnknownOwnerProvisionsNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.broker.codec.IssueAccess(ctx, "ghost", "v-ghost")
	require.NoError(t, err)
	accounts := f.backend.AccountCount()

	_, err = f.broker.StoreSecret(ctx, rec.Token, "anthropic", []byte("sk-abc"))
	requireKind(t, err, serrors.InvalidOrExpiredToken)

	assert.Equal(t, accounts, f.backend.AccountCount())
	assert.Zero(t, f.backend.Calls(vaulttest.OpCreateAccount))
	_, err = f.repos.Mappings.Get(ctx, "ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSecretOps_RecoverFromClosedConnection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	access, _ := f.ready(t, u1Claims)

	_, err := f.broker.StoreSecret(ctx, access.AccessToken, "anthropic", []byte("sk-abc"))
	require.NoError(t, err)

	f.backend.FailNext(vaulttest.OpGetSecret, fmt.Errorf("get_secret: %w", vault.ErrClientClosed))
	got, err := f.broker.GetSecret(ctx, access.AccessToken, "anthropic")
	require.NoError(t, err)
	assert.Equal(t, []byte("sk-abc"), got.Value)
	assert.Equal(t, 2, f.backend.Calls(vaulttest.OpGetSecret))
}

func TestSecretOps_RepeatedlyClosedConnectionIsUnavailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	access, _ := f.ready(t, u1Claims)

	_, err := f.broker.StoreSecret(ctx, access.AccessToken, "anthropic", []byte("sk-abc"))
	require.NoError(t, err)

	closed := fmt.Errorf("get_secret: %w", vault.ErrClientClosed)
	f.backend.FailNext(vaulttest.OpGetSecret, closed)
	f.backend.FailNext(vaulttest.OpGetSecret, closed)
	_, err = f.broker.GetSecret(ctx, access.AccessToken, "anthropic")
	requireKind(t, err, serrors.BackendUnavailable)
}
