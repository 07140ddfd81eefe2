package broker

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"

	serrors "github.com/pilab-dev/shadow-vault/errors"
)

// MaxSecretLength bounds stored API keys.
const MaxSecretLength = 4096

var providerPattern = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// secretSuffix is appended to the provider name to form the secret name,
// so retrieval needs no separate index.
const secretSuffix = "_api_key"

// NormalizeProvider lowercases and checks a provider name.
func NormalizeProvider(provider string) (string, error) {
	p := strings.ToLower(strings.TrimSpace(provider))
	if !providerPattern.MatchString(p) {
		return "", serrors.NewInvalidRequest("provider must match [a-z0-9_-]{1,64}")
	}
	return p, nil
}

func secretName(provider string) string {
	return provider + secretSuffix
}

func providerFromSecret(name string) (string, bool) {
	p, ok := strings.CutSuffix(name, secretSuffix)
	return p, ok && p != ""
}

// KeyValidator decides whether a value is acceptable as provider's API key
// before it is stored. Implementations must not retain value.
type KeyValidator interface {
	Validate(ctx context.Context, provider string, value []byte) error
}

// PrefixValidator accepts printable values up to MaxLength and requires a
// known prefix for providers listed in Prefixes.
type PrefixValidator struct {
	Prefixes  map[string]string
	MaxLength int
}

// DefaultValidator returns a PrefixValidator for the common providers.
func DefaultValidator() *PrefixValidator {
	return &PrefixValidator{
		Prefixes: map[string]string{
			"anthropic": "sk-",
			"openai":    "sk-",
		},
		MaxLength: MaxSecretLength,
	}
}

// Validate implements KeyValidator.
func (v *PrefixValidator) Validate(_ context.Context, provider string, value []byte) error {
	if len(value) == 0 {
		return serrors.New(serrors.InvalidSecret, "secret value is empty")
	}
	limit := v.MaxLength
	if limit <= 0 {
		limit = MaxSecretLength
	}
	if len(value) > limit {
		return serrors.New(serrors.InvalidSecret, fmt.Sprintf("secret value exceeds %d bytes", limit))
	}
	for _, c := range value {
		if c < 0x21 || c > 0x7e {
			return serrors.New(serrors.InvalidSecret, "secret value must be printable ASCII without whitespace")
		}
	}
	if prefix, ok := v.Prefixes[provider]; ok && !bytes.HasPrefix(value, []byte(prefix)) {
		return serrors.New(serrors.InvalidSecret, fmt.Sprintf("%s keys start with %q", provider, prefix))
	}
	return nil
}

var _ KeyValidator = (*PrefixValidator)(nil)
