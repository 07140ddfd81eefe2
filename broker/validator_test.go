package broker

import (
	"context"
	"strings"
	"testing"

	serrors "github.com/pilab-dev/shadow-vault/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeProvider(t *testing.T) {
	p, err := NormalizeProvider("  OpenAI ")
	require.NoError(t, err)
	assert.Equal(t, "openai", p)

	for _, bad := range []string{"", "open ai", "a/b", strings.Repeat("x", 65), "ключ"} {
		_, err := NormalizeProvider(bad)
		assert.Error(t, err, bad)
	}
}

func TestSecretNames(t *testing.T) {
	assert.Equal(t, "anthropic_api_key", secretName("anthropic"))

	p, ok := providerFromSecret("anthropic_api_key")
	assert.True(t, ok)
	assert.Equal(t, "anthropic", p)

	_, ok = providerFromSecret("notes")
	assert.False(t, ok)
	_, ok = providerFromSecret("_api_key")
	assert.False(t, ok)
}

func TestPrefixValidator(t *testing.T) {
	v := DefaultValidator()
	ctx := context.Background()

	assert.NoError(t, v.Validate(ctx, "anthropic", []byte("sk-ant-api03-abc")))
	assert.NoError(t, v.Validate(ctx, "openai", []byte("sk-proj-abc")))
	assert.NoError(t, v.Validate(ctx, "mistral", []byte("anything-printable")))

	cases := map[string][]byte{
		"empty":      nil,
		"whitespace": []byte("sk- abc"),
		"control":    []byte("sk-\x00abc"),
		"prefix":     []byte("key-abc"),
		"too long":   []byte("sk-" + strings.Repeat("a", MaxSecretLength)),
	}
	for name, value := range cases {
		t.Run(name, func(t *testing.T) {
			err := v.Validate(ctx, "openai", value)
			var be *serrors.BrokerError
			require.ErrorAs(t, err, &be)
			assert.Equal(t, serrors.InvalidSecret, be.Kind)
		})
	}
}
