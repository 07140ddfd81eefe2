// Package claims verifies signed identity tokens and hands back the
// trusted claims map the broker resolves identities from.
package claims

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"os"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pilab-dev/shadow-vault/internal/clock"
	"github.com/rs/zerolog/log"
)

var (
	// ErrInvalidClaims is returned for any token that fails verification.
	ErrInvalidClaims = errors.New("invalid identity token")
	// ErrNoKey is returned when neither an HMAC secret nor an RSA key is set.
	ErrNoKey = errors.New("no verification key configured")
)

// Verifier turns a signed token into a verified claims map.
type Verifier interface {
	Verify(ctx context.Context, token string) (map[string]any, error)
}

// JWTVerifier accepts HS256 tokens signed with a shared secret and RS256
// tokens signed by the holder of an RSA public key.
type JWTVerifier struct {
	secret    []byte
	publicKey *rsa.PublicKey
	issuer    string
	clock     clock.Clock
}

// Options configures a JWTVerifier. At least one key must be set.
type Options struct {
	Secret    []byte
	PublicKey *rsa.PublicKey
	// Issuer, when set, must equal the token's iss claim.
	Issuer string
	Clock  clock.Clock
}

// NewJWTVerifier creates a verifier.
func NewJWTVerifier(opts Options) (*JWTVerifier, error) {
	if len(opts.Secret) == 0 && opts.PublicKey == nil {
		return nil, ErrNoKey
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &JWTVerifier{
		secret:    opts.Secret,
		publicKey: opts.PublicKey,
		issuer:    opts.Issuer,
		clock:     opts.Clock,
	}, nil
}

// LoadPublicKey reads a PEM encoded RSA public key.
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key: %w", err)
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return key, nil
}

// Verify checks the signature and the time based claims of token and
// returns its claims.
func (v *JWTVerifier) Verify(ctx context.Context, token string) (map[string]any, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(v.methods()),
		jwt.WithTimeFunc(v.clock.Now),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, v.keyFunc, opts...)
	if err != nil || !parsed.Valid {
		log.Ctx(ctx).Debug().Err(err).Msg("identity token rejected")
		return nil, fmt.Errorf("%w: %w", ErrInvalidClaims, err)
	}

	return map[string]any(claims), nil
}

func (v *JWTVerifier) methods() []string {
	var methods []string
	if len(v.secret) > 0 {
		methods = append(methods, jwt.SigningMethodHS256.Alg())
	}
	if v.publicKey != nil {
		methods = append(methods, jwt.SigningMethodRS256.Alg())
	}
	return methods
}

func (v *JWTVerifier) keyFunc(token *jwt.Token) (any, error) {
	switch token.Method.(type) {
	case *jwt.SigningMethodHMAC:
		if len(v.secret) == 0 {
			return nil, errors.New("hmac tokens are not accepted")
		}
		return v.secret, nil
	case *jwt.SigningMethodRSA:
		if v.publicKey == nil {
			return nil, errors.New("rsa tokens are not accepted")
		}
		return v.publicKey, nil
	default:
		return nil, fmt.Errorf("unexpected signing method %s", token.Method.Alg())
	}
}

var _ Verifier = (*JWTVerifier)(nil)
