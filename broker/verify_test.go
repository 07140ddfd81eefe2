package broker

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pilab-dev/shadow-vault/cache"
	"github.com/pilab-dev/shadow-vault/claims"
	serrors "github.com/pilab-dev/shadow-vault/errors"
	"github.com/pilab-dev/shadow-vault/internal/auth"
	"github.com/pilab-dev/shadow-vault/internal/clock"
	"github.com/pilab-dev/shadow-vault/internal/crypto"
	"github.com/pilab-dev/shadow-vault/pool"
	"github.com/pilab-dev/shadow-vault/repository/memory"
	"github.com/pilab-dev/shadow-vault/vault/vaulttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

var jwtSecret = []byte("identity-provider-shared-secret")

func newVerifyingBroker(t *testing.T, clk *clock.FakeClock) *Broker {
	t.Helper()
	verifier, err := claims.NewJWTVerifier(claims.Options{Secret: jwtSecret, Issuer: "https://idp.example.com", Clock: clk})
	require.NoError(t, err)

	tokens := cache.NewMemoryTokenStore()
	t.Cleanup(func() { _ = tokens.Close() })

	b, err := New(context.Background(), Options{
		Repositories: memory.NewProvider(),
		TokenStore:   tokens,
		Dialer:       vaulttest.New(clk, serviceToken, 24*time.Hour),
		MasterKey:    bytes.Repeat([]byte{0x07}, crypto.KeySize),
		Pool:         pool.Config{ServiceToken: serviceToken},
		ProofHasher:  auth.NewProofHasher(bcrypt.MinCost),
		Verifier:     verifier,
		Clock:        clk,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Shutdown(context.Background()) })
	return b
}

func signHS256(t *testing.T, c jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(jwtSecret)
	require.NoError(t, err)
	return signed
}

func TestVerifyClaims_FeedsOnboard(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC))
	b := newVerifyingBroker(t, clk)
	ctx := context.Background()

	bearer := signHS256(t, jwt.MapClaims{
		"sub":   "u1",
		"email": "a@example.com",
		"iss":   "https://idp.example.com",
		"exp":   clk.Now().Add(time.Hour).Unix(),
	})

	verified, err := b.VerifyClaims(ctx, bearer)
	require.NoError(t, err)
	assert.Equal(t, "u1", verified["sub"])

	onboard, err := b.Onboard(ctx, verified)
	require.NoError(t, err)
	assert.NotEmpty(t, onboard.VaultUserID)
	assert.NotEmpty(t, onboard.SetupToken)
}

func TestVerifyClaims_RejectsExpiredBearer(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC))
	b := newVerifyingBroker(t, clk)

	bearer := signHS256(t, jwt.MapClaims{
		"sub": "u1",
		"iss": "https://idp.example.com",
		"exp": clk.Now().Add(time.Minute).Unix(),
	})
	clk.Advance(2 * time.Minute)

	_, err := b.VerifyClaims(context.Background(), bearer)
	requireKind(t, err, serrors.InvalidOrExpiredToken)
}

func TestVerifyClaims_WithoutVerifier(t *testing.T) {
	f := newFixture(t)

	_, err := f.broker.VerifyClaims(context.Background(), "anything")
	requireKind(t, err, serrors.InvalidRequest)
}
