package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pilab-dev/shadow-vault/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(owner string, kind domain.TokenKind, expiresAt time.Time) *domain.TokenRecord {
	return &domain.TokenRecord{
		Token:          "raw-token-value",
		OwnerPrimaryID: owner,
		VaultUserID:    "u-" + owner,
		Kind:           kind,
		IssuedAt:       expiresAt.Add(-10 * time.Minute),
		ExpiresAt:      expiresAt,
		Signature:      "0123456789abcdef",
	}
}

func newStore(t *testing.T) *MemoryTokenStore {
	t.Helper()
	s := NewMemoryTokenStore()
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMemoryTokenStore_SetGetNeverKeepsRawToken(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	rec := record("u1", domain.TokenKindAccess, time.Now().Add(time.Hour))

	require.NoError(t, s.Set(ctx, "tok-1", rec, time.Hour))

	got, err := s.Get(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.OwnerPrimaryID)
	assert.Empty(t, got.Token)
	// The caller's record is untouched.
	assert.Equal(t, "raw-token-value", rec.Token)

	_, err = s.Get(ctx, "tok-2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryTokenStore_TakeIsSingleShot(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.Set(ctx, "tok", record("u1", domain.TokenKindSetup, time.Now().Add(time.Hour)), time.Hour))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Take(ctx, "tok"); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Zero(t, s.Count(ctx))
}

func TestMemoryTokenStore_DeleteExpiredUsesGivenTime(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	now := time.Now()

	require.NoError(t, s.Set(ctx, "old", record("u1", domain.TokenKindSetup, now.Add(time.Minute)), time.Hour))
	require.NoError(t, s.Set(ctx, "new", record("u1", domain.TokenKindAccess, now.Add(30*time.Minute)), time.Hour))

	n, err := s.DeleteExpired(ctx, now.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Get(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, "new")
	assert.NoError(t, err)
}

func TestMemoryTokenStore_DeleteByOwnerAndClear(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	exp := time.Now().Add(time.Hour)

	require.NoError(t, s.Set(ctx, "a", record("u1", domain.TokenKindAccess, exp), time.Hour))
	require.NoError(t, s.Set(ctx, "b", record("u1", domain.TokenKindSetup, exp), time.Hour))
	require.NoError(t, s.Set(ctx, "c", record("u2", domain.TokenKindAccess, exp), time.Hour))

	n, err := s.DeleteByOwner(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, s.Count(ctx))

	require.NoError(t, s.Clear(ctx))
	assert.Zero(t, s.Count(ctx))
}

func TestHashTokenAndRedact(t *testing.T) {
	assert.Len(t, HashToken("abc"), 64)
	assert.NotEqual(t, HashToken("abc"), HashToken("abd"))
	assert.Equal(t, "abcdefgh...", Redact("abcdefghijklmnop"))
	assert.Equal(t, "...", Redact("short"))
}
