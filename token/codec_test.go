package token

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pilab-dev/shadow-vault/cache"
	"github.com/pilab-dev/shadow-vault/domain"
	"github.com/pilab-dev/shadow-vault/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var signingKey = bytes.Repeat([]byte{0x42}, 32)

func newCodec(t *testing.T) (*Codec, *cache.MemoryTokenStore, *clock.FakeClock) {
	t.Helper()
	store := cache.NewMemoryTokenStore()
	t.Cleanup(func() { _ = store.Close() })
	clk := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	c, err := NewCodec(store, Config{SigningKey: signingKey}, clk)
	require.NoError(t, err)
	return c, store, clk
}

func TestNewCodec_RejectsShortKey(t *testing.T) {
	_, err := NewCodec(cache.NewMemoryTokenStore(), Config{SigningKey: []byte("short")}, nil)
	assert.Error(t, err)
}

func TestIssue_Format(t *testing.T) {
	c, _, clk := newCodec(t)
	ctx := context.Background()

	rec, err := c.IssueSetup(ctx, "u1", "u-abc")
	require.NoError(t, err)

	assert.Len(t, rec.Token, tokenLength)
	assert.True(t, wellFormed(rec.Token))
	assert.Equal(t, rec.Signature, rec.Token[payloadHex:])
	assert.Equal(t, domain.TokenKindSetup, rec.Kind)
	assert.Equal(t, clk.Now().Add(10*time.Minute), rec.ExpiresAt)

	access, err := c.IssueAccess(ctx, "u1", "u-abc")
	require.NoError(t, err)
	assert.Equal(t, clk.Now().Add(30*time.Minute), access.ExpiresAt)
	assert.NotEqual(t, rec.Token, access.Token)
}

func TestIssue_UnknownKind(t *testing.T) {
	c, _, _ := newCodec(t)
	_, err := c.Issue(context.Background(), domain.TokenKind("refresh"), "u1", "u-abc")
	assert.ErrorIs(t, err, ErrTokenKind)
}

func TestValidate_AccessTokenIsReusable(t *testing.T) {
	c, _, _ := newCodec(t)
	ctx := context.Background()
	rec, err := c.IssueAccess(ctx, "u1", "u-abc")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		got, err := c.Validate(ctx, rec.Token)
		require.NoError(t, err)
		assert.Equal(t, "u1", got.OwnerPrimaryID)
		assert.Equal(t, rec.Token, got.Token)
	}
}

func TestValidate_ExpiryBoundary(t *testing.T) {
	for _, kind := range []domain.TokenKind{domain.TokenKindSetup, domain.TokenKindAccess} {
		t.Run(string(kind), func(t *testing.T) {
			c, store, clk := newCodec(t)
			ctx := context.Background()
			rec, err := c.Issue(ctx, kind, "u1", "u-abc")
			require.NoError(t, err)

			clk.Advance(c.TTL(kind))
			_, err = c.Validate(ctx, rec.Token)
			require.NoError(t, err, "valid exactly at expiresAt")

			clk.Advance(time.Millisecond)
			_, err = c.Validate(ctx, rec.Token)
			assert.ErrorIs(t, err, ErrTokenExpired)
			assert.Zero(t, store.Count(ctx), "expired record is deleted")

			_, err = c.Validate(ctx, rec.Token)
			assert.ErrorIs(t, err, ErrTokenNotFound)
		})
	}
}

func TestValidate_MutatedTokenFails(t *testing.T) {
	c, _, _ := newCodec(t)
	ctx := context.Background()
	rec, err := c.IssueAccess(ctx, "u1", "u-abc")
	require.NoError(t, err)

	for i := 0; i < len(rec.Token); i++ {
		mutated := []byte(rec.Token)
		if mutated[i] == 'a' {
			mutated[i] = 'b'
		} else {
			mutated[i] = 'a'
		}
		_, err := c.Validate(ctx, string(mutated))
		require.Error(t, err, "mutation at byte %d", i)
	}

	_, err = c.Validate(ctx, rec.Token+"0")
	assert.ErrorIs(t, err, ErrTokenNotFound)
	_, err = c.Validate(ctx, "")
	assert.ErrorIs(t, err, ErrTokenNotFound)

	// The original is still good.
	_, err = c.Validate(ctx, rec.Token)
	assert.NoError(t, err)
}

func TestValidate_ReplayAgainstOtherOwnerFails(t *testing.T) {
	c, store, _ := newCodec(t)
	ctx := context.Background()
	rec, err := c.IssueAccess(ctx, "u1", "u-abc")
	require.NoError(t, err)

	// Rebind the stored record to another owner, as a tampered store would.
	stored, err := store.Get(ctx, rec.Token)
	require.NoError(t, err)
	stored.OwnerPrimaryID = "u2"
	require.NoError(t, store.Set(ctx, rec.Token, stored, time.Hour))

	_, err = c.Validate(ctx, rec.Token)
	assert.ErrorIs(t, err, ErrTokenIntegrity)

	_, err = store.Get(ctx, rec.Token)
	assert.ErrorIs(t, err, cache.ErrNotFound, "tampered record is deleted")
}

func TestConsumeSetup_SingleUse(t *testing.T) {
	c, _, _ := newCodec(t)
	ctx := context.Background()
	rec, err := c.IssueSetup(ctx, "u1", "u-abc")
	require.NoError(t, err)

	got, err := c.ConsumeSetup(ctx, rec.Token)
	require.NoError(t, err)
	assert.True(t, got.Consumed)

	_, err = c.ConsumeSetup(ctx, rec.Token)
	assert.ErrorIs(t, err, ErrTokenNotFound)
	_, err = c.Validate(ctx, rec.Token)
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestConsumeSetup_ConcurrentCallersOneWins(t *testing.T) {
	c, _, _ := newCodec(t)
	ctx := context.Background()
	rec, err := c.IssueSetup(ctx, "u1", "u-abc")
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.ConsumeSetup(ctx, rec.Token); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestConsumeSetup_AccessTokenRejectedButKept(t *testing.T) {
	c, _, _ := newCodec(t)
	ctx := context.Background()
	rec, err := c.IssueAccess(ctx, "u1", "u-abc")
	require.NoError(t, err)

	_, err = c.ConsumeSetup(ctx, rec.Token)
	assert.ErrorIs(t, err, ErrTokenKind)

	_, err = c.Validate(ctx, rec.Token)
	assert.NoError(t, err)
}

func TestConsumeSetup_Expired(t *testing.T) {
	c, _, clk := newCodec(t)
	ctx := context.Background()
	rec, err := c.IssueSetup(ctx, "u1", "u-abc")
	require.NoError(t, err)

	clk.Advance(11 * time.Minute)
	_, err = c.ConsumeSetup(ctx, rec.Token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestRevokeAndRevokeAll(t *testing.T) {
	c, store, _ := newCodec(t)
	ctx := context.Background()

	a, err := c.IssueAccess(ctx, "u1", "u-1")
	require.NoError(t, err)
	_, err = c.IssueSetup(ctx, "u1", "u-1")
	require.NoError(t, err)
	other, err := c.IssueAccess(ctx, "u2", "u-2")
	require.NoError(t, err)

	require.NoError(t, c.Revoke(ctx, a.Token))
	_, err = c.Validate(ctx, a.Token)
	assert.ErrorIs(t, err, ErrTokenNotFound)
	require.NoError(t, c.Revoke(ctx, a.Token))

	n, err := c.RevokeAll(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = c.Validate(ctx, other.Token)
	assert.NoError(t, err)
	assert.Equal(t, 1, store.Count(ctx))
}

func TestSweep_RemovesExpiredOfEveryKind(t *testing.T) {
	c, _, clk := newCodec(t)
	ctx := context.Background()

	_, err := c.IssueSetup(ctx, "u1", "u-1")
	require.NoError(t, err)
	_, err = c.IssueAccess(ctx, "u1", "u-1")
	require.NoError(t, err)

	clk.Advance(15 * time.Minute)
	n, err := c.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	clk.Advance(20 * time.Minute)
	n, err = c.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stats := c.Stats(ctx)
	assert.Zero(t, stats.Records)
	assert.Equal(t, clk.Now(), stats.LastSweep)
	assert.NoError(t, stats.SweepErr)
}

func TestStart_SweepsOnTicker(t *testing.T) {
	c, store, clk := newCodec(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	_, err := c.IssueSetup(ctx, "u1", "u-1")
	require.NoError(t, err)

	go func() {
		c.Start(ctx)
		close(done)
	}()
	clk.WaitForTickers(1)

	clk.Advance(DefaultSweepInterval * 3)
	assert.Eventually(t, func() bool { return store.Count(ctx) == 0 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweep loop did not stop")
	}
}
