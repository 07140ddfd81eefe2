package broker

import (
	"context"
	"time"

	"github.com/pilab-dev/shadow-vault/domain"
	serrors "github.com/pilab-dev/shadow-vault/errors"
	"github.com/pilab-dev/shadow-vault/internal/auth"
	"github.com/pilab-dev/shadow-vault/internal/secret"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// OnboardResult is returned by Onboard.
type OnboardResult struct {
	VaultUserID   string    `json:"vault_user_id"`
	SetupToken    string    `json:"setup_token"`
	ExpiresAt     time.Time `json:"expires_at"`
	SetupComplete bool      `json:"setup_complete"`
}

// SetupResult is returned by CompleteSetup.
type SetupResult struct {
	VaultUserID string `json:"vault_user_id"`
	Success     bool   `json:"success"`
}

// AccessTokenResult is returned by IssueAccessToken.
type AccessTokenResult struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	VaultUserID string    `json:"vault_user_id"`
}

func (b *Broker) startSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return b.tracer.Start(ctx, "broker."+op, trace.WithAttributes(attrs...))
}

// Onboard resolves the identity in claims, provisions its vault account
// on first use and issues a single-use setup token. Repeated calls for the
// same identity return the same vault user id.
func (b *Broker) Onboard(ctx context.Context, claims map[string]any) (*OnboardResult, error) {
	ctx, span := b.startSpan(ctx, "Onboard")
	defer span.End()

	ident, err := b.resolver.Resolve(ctx, claims)
	if err != nil {
		return nil, b.toBrokerError(ctx, "onboard", err, nil)
	}
	fields := map[string]interface{}{"primary_id": ident.PrimaryID}

	mapping, created, err := b.provisioner.GetOrCreate(ctx, ident)
	if err != nil {
		return nil, b.toBrokerError(ctx, "onboard", err, fields)
	}
	span.SetAttributes(attribute.String("vault_user_id", mapping.VaultUserID), attribute.Bool("created", created))

	rec, err := b.codec.IssueSetup(ctx, ident.PrimaryID, mapping.VaultUserID)
	if err != nil {
		return nil, b.toBrokerError(ctx, "onboard", err, fields)
	}

	b.logger.Info(ctx, "identity onboarded", fields, map[string]interface{}{
		"vault_user_id": mapping.VaultUserID,
		"created":       created,
	})

	return &OnboardResult{
		VaultUserID:   mapping.VaultUserID,
		SetupToken:    rec.Token,
		ExpiresAt:     rec.ExpiresAt,
		SetupComplete: mapping.SetupComplete(),
	}, nil
}

// CompleteSetup consumes a setup token and records the hashed proof. The
// proof slice is zeroed before returning. Completing an already completed
// setup succeeds and keeps the original proof.
func (b *Broker) CompleteSetup(ctx context.Context, setupToken string, proof []byte) (*SetupResult, error) {
	ctx, span := b.startSpan(ctx, "CompleteSetup")
	defer span.End()
	defer secret.Wipe(proof)

	// Checked first so a malformed proof does not burn the token.
	if len(proof) < auth.MinProofLength {
		return nil, b.toBrokerError(ctx, "complete_setup", auth.ErrProofTooShort, nil)
	}

	rec, err := b.codec.ConsumeSetup(ctx, setupToken)
	if err != nil {
		return nil, b.toBrokerError(ctx, "complete_setup", err, nil)
	}
	fields := map[string]interface{}{"primary_id": rec.OwnerPrimaryID, "vault_user_id": rec.VaultUserID}

	mapping, err := b.ownedMapping(ctx, rec)
	if err != nil {
		return nil, b.toBrokerError(ctx, "complete_setup", err, fields)
	}

	if !mapping.SetupComplete() {
		if err := b.provisioner.CompleteSetup(ctx, mapping.PrimaryID, proof); err != nil {
			return nil, b.toBrokerError(ctx, "complete_setup", err, fields)
		}
	}

	// Warm the session token; the first secret call refreshes it otherwise.
	if err := b.accessTokens.Issue(ctx, mapping.VaultUserID); err != nil {
		b.logger.Warn(ctx, "failed to issue initial vault access token", fields, map[string]interface{}{"error": err.Error()})
	}

	b.logger.Info(ctx, "setup completed", fields)
	return &SetupResult{VaultUserID: mapping.VaultUserID, Success: true}, nil
}

// IssueAccessToken issues a reusable access token for a fully set up
// identity.
func (b *Broker) IssueAccessToken(ctx context.Context, claims map[string]any) (*AccessTokenResult, error) {
	ctx, span := b.startSpan(ctx, "IssueAccessToken")
	defer span.End()

	ident, err := b.resolver.Resolve(ctx, claims)
	if err != nil {
		return nil, b.toBrokerError(ctx, "issue_access_token", err, nil)
	}
	fields := map[string]interface{}{"primary_id": ident.PrimaryID}

	mapping, err := b.provisioner.Mapping(ctx, ident.PrimaryID)
	if isNotFound(err) || (err == nil && !mapping.SetupComplete()) {
		return nil, b.toBrokerError(ctx, "issue_access_token",
			serrors.New(serrors.SetupIncomplete, "complete vault setup before requesting access tokens"), fields)
	}
	if err != nil {
		return nil, b.toBrokerError(ctx, "issue_access_token", err, fields)
	}

	rec, err := b.codec.IssueAccess(ctx, ident.PrimaryID, mapping.VaultUserID)
	if err != nil {
		return nil, b.toBrokerError(ctx, "issue_access_token", err, fields)
	}

	return &AccessTokenResult{
		AccessToken: rec.Token,
		ExpiresAt:   rec.ExpiresAt,
		VaultUserID: mapping.VaultUserID,
	}, nil
}

// Logout revokes one access token. Unknown tokens are ignored.
func (b *Broker) Logout(ctx context.Context, accessToken string) error {
	ctx, span := b.startSpan(ctx, "Logout")
	defer span.End()

	if err := b.codec.Revoke(ctx, accessToken); err != nil {
		return b.toBrokerError(ctx, "logout", err, nil)
	}
	return nil
}

// RevokeAll revokes every setup and access token of the identity in claims
// and returns how many were removed.
func (b *Broker) RevokeAll(ctx context.Context, claims map[string]any) (int, error) {
	ctx, span := b.startSpan(ctx, "RevokeAll")
	defer span.End()

	ident, err := b.resolver.Resolve(ctx, claims)
	if err != nil {
		return 0, b.toBrokerError(ctx, "revoke_all", err, nil)
	}

	n, err := b.codec.RevokeAll(ctx, ident.PrimaryID)
	if err != nil {
		return n, b.toBrokerError(ctx, "revoke_all", err, map[string]interface{}{"primary_id": ident.PrimaryID})
	}
	return n, nil
}

// ownedMapping loads the mapping behind a token and checks the token still
// belongs to that account.
func (b *Broker) ownedMapping(ctx context.Context, rec *domain.TokenRecord) (*domain.VaultAccountMapping, error) {
	mapping, err := b.provisioner.Mapping(ctx, rec.OwnerPrimaryID)
	if isNotFound(err) || (err == nil && mapping.VaultUserID != rec.VaultUserID) {
		return nil, serrors.NewInvalidToken()
	}
	return mapping, err
}

// VerifyClaims checks a bearer identity token with the configured verifier
// and returns its claims for Onboard, IssueAccessToken or RevokeAll.
func (b *Broker) VerifyClaims(ctx context.Context, bearer string) (map[string]any, error) {
	ctx, span := b.startSpan(ctx, "VerifyClaims")
	defer span.End()

	if b.verifier == nil {
		return nil, b.toBrokerError(ctx, "verify_claims", serrors.NewInvalidRequest("identity token verification is not configured"), nil)
	}
	verified, err := b.verifier.Verify(ctx, bearer)
	if err != nil {
		return nil, b.toBrokerError(ctx, "verify_claims", err, nil)
	}
	return verified, nil
}
