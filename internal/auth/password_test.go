package auth_test

import (
	"bytes"
	"testing"

	"github.com/pilab-dev/shadow-vault/internal/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestProofHasher(t *testing.T) {
	hasher := auth.NewProofHasher(bcrypt.MinCost)

	hash, err := hasher.Hash([]byte("correct horse"))
	require.NoError(t, err)
	assert.NoError(t, hasher.Verify(hash, []byte("correct horse")))
	assert.ErrorIs(t, hasher.Verify(hash, []byte("wrong horse")), bcrypt.ErrMismatchedHashAndPassword)

	t.Run("TooShort", func(t *testing.T) {
		_, err := hasher.Hash([]byte("short"))
		assert.ErrorIs(t, err, auth.ErrProofTooShort)
	})

	t.Run("LongerThanBcryptLimit", func(t *testing.T) {
		long := bytes.Repeat([]byte("x"), 200)
		hash, err := hasher.Hash(long)
		require.NoError(t, err)
		assert.NoError(t, hasher.Verify(hash, long))
		assert.Error(t, hasher.Verify(hash, long[:199]))
	})
}
