package broker

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/pilab-dev/shadow-vault/domain"
	serrors "github.com/pilab-dev/shadow-vault/errors"
	"github.com/pilab-dev/shadow-vault/internal/secret"
	"github.com/pilab-dev/shadow-vault/pool"
	"github.com/pilab-dev/shadow-vault/vault"
	"go.opentelemetry.io/otel/attribute"
)

// StoreResult is returned by StoreSecret.
type StoreResult struct {
	Success  bool   `json:"success"`
	SecretID string `json:"secret_id"`
	Version  int    `json:"version"`
}

// SecretMetadata describes a stored secret without its value.
type SecretMetadata struct {
	Provider  string    `json:"provider"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// SecretResult is returned by GetSecret. The caller owns Value and should
// zero it when done.
type SecretResult struct {
	Value    []byte         `json:"-"`
	Metadata SecretMetadata `json:"metadata"`
}

// RotateResult is returned by RotateSecret.
type RotateResult struct {
	Success bool `json:"success"`
	Version int  `json:"version"`
}

// DeleteResult is returned by DeleteSecret.
type DeleteResult struct {
	Deleted bool `json:"deleted"`
}

// request is the authorized context of one secret operation.
type request struct {
	record   *domain.TokenRecord
	provider string
	fields   map[string]interface{}
}

// authorize validates an access token and normalizes the provider name.
// provider may be empty for operations that do not take one.
func (b *Broker) authorize(ctx context.Context, op, accessToken, provider string) (*request, error) {
	rec, err := b.codec.Validate(ctx, accessToken)
	if err != nil {
		return nil, b.toBrokerError(ctx, op, err, nil)
	}
	if rec.Kind != domain.TokenKindAccess {
		return nil, b.toBrokerError(ctx, op, serrors.NewInvalidToken(), map[string]interface{}{"kind": string(rec.Kind)})
	}

	req := &request{
		record: rec,
		fields: map[string]interface{}{"primary_id": rec.OwnerPrimaryID, "vault_user_id": rec.VaultUserID},
	}
	if op != "list_secrets" {
		p, err := NormalizeProvider(provider)
		if err != nil {
			return nil, b.toBrokerError(ctx, op, err, req.fields)
		}
		req.provider = p
		req.fields["provider"] = p
	}
	return req, nil
}

// withUserConn runs fn on a pooled connection of vaultUserID. The pool
// already retries once on a connection closed underneath fn. A permission
// error means the session token went stale: the connection is evicted,
// the token refreshed, and fn retried once.
func (b *Broker) withUserConn(ctx context.Context, vaultUserID string, fn func(*pool.Conn) error) error {
	err := b.pool.Do(ctx, vaultUserID, fn)
	if !errors.Is(err, vault.ErrPermissionDenied) {
		return err
	}

	b.logger.Debug(ctx, "vault session rejected, refreshing", map[string]interface{}{"vault_user_id": vaultUserID})
	b.pool.Evict(ctx, vaultUserID)
	if err := b.accessTokens.ManualRefresh(ctx, vaultUserID); err != nil {
		return err
	}
	return b.pool.Do(ctx, vaultUserID, fn)
}

// StoreSecret validates value and stores it as provider's API key. The
// account was provisioned when the token's owner onboarded; a token whose
// mapping is gone is rejected. value is zeroed before returning.
func (b *Broker) StoreSecret(ctx context.Context, accessToken, provider string, value []byte) (*StoreResult, error) {
	ctx, span := b.startSpan(ctx, "StoreSecret")
	defer span.End()
	defer secret.Wipe(value)

	req, err := b.authorize(ctx, "store_secret", accessToken, provider)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("provider", req.provider))

	if err := b.validator.Validate(ctx, req.provider, value); err != nil {
		var be *serrors.BrokerError
		if !errors.As(err, &be) {
			err = serrors.Wrap(serrors.InvalidSecret, "secret value rejected", err)
		}
		return nil, b.toBrokerError(ctx, "store_secret", err, req.fields)
	}

	mapping, err := b.ownedMapping(ctx, req.record)
	if err != nil {
		return nil, b.toBrokerError(ctx, "store_secret", err, req.fields)
	}

	var meta *vault.SecretMetadata
	err = b.withUserConn(ctx, mapping.VaultUserID, func(c *pool.Conn) error {
		var err error
		meta, err = c.CreateSecret(ctx, mapping.VaultUserID, secretName(req.provider), value)
		return err
	})
	if err != nil {
		return nil, b.toBrokerError(ctx, "store_secret", err, req.fields)
	}

	b.logger.Info(ctx, "secret stored", req.fields, map[string]interface{}{"version": meta.Version})
	return &StoreResult{Success: true, SecretID: meta.Name, Version: meta.Version}, nil
}

// GetSecret returns provider's API key.
func (b *Broker) GetSecret(ctx context.Context, accessToken, provider string) (*SecretResult, error) {
	ctx, span := b.startSpan(ctx, "GetSecret")
	defer span.End()

	req, err := b.authorize(ctx, "get_secret", accessToken, provider)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("provider", req.provider))

	mapping, err := b.ownedMapping(ctx, req.record)
	if err != nil {
		return nil, b.toBrokerError(ctx, "get_secret", err, req.fields)
	}

	var (
		value []byte
		meta  *vault.SecretMetadata
	)
	err = b.withUserConn(ctx, mapping.VaultUserID, func(c *pool.Conn) error {
		var err error
		value, meta, err = c.GetSecret(ctx, mapping.VaultUserID, secretName(req.provider))
		return err
	})
	if err != nil {
		return nil, b.toBrokerError(ctx, "get_secret", err, req.fields)
	}

	return &SecretResult{
		Value: value,
		Metadata: SecretMetadata{
			Provider:  req.provider,
			Version:   meta.Version,
			CreatedAt: meta.CreatedAt,
		},
	}, nil
}

// RotateSecret replaces an existing API key with newValue. newValue is
// zeroed before returning.
func (b *Broker) RotateSecret(ctx context.Context, accessToken, provider string, newValue []byte) (*RotateResult, error) {
	ctx, span := b.startSpan(ctx, "RotateSecret")
	defer span.End()
	defer secret.Wipe(newValue)

	req, err := b.authorize(ctx, "rotate_secret", accessToken, provider)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("provider", req.provider))

	if err := b.validator.Validate(ctx, req.provider, newValue); err != nil {
		var be *serrors.BrokerError
		if !errors.As(err, &be) {
			err = serrors.Wrap(serrors.InvalidSecret, "secret value rejected", err)
		}
		return nil, b.toBrokerError(ctx, "rotate_secret", err, req.fields)
	}

	mapping, err := b.ownedMapping(ctx, req.record)
	if err != nil {
		return nil, b.toBrokerError(ctx, "rotate_secret", err, req.fields)
	}

	var meta *vault.SecretMetadata
	err = b.withUserConn(ctx, mapping.VaultUserID, func(c *pool.Conn) error {
		var err error
		meta, err = c.RotateSecret(ctx, mapping.VaultUserID, secretName(req.provider), newValue)
		return err
	})
	if err != nil {
		return nil, b.toBrokerError(ctx, "rotate_secret", err, req.fields)
	}

	b.logger.Info(ctx, "secret rotated", req.fields, map[string]interface{}{"version": meta.Version})
	return &RotateResult{Success: true, Version: meta.Version}, nil
}

// DeleteSecret removes provider's API key. Deleted is false when nothing
// was stored.
func (b *Broker) DeleteSecret(ctx context.Context, accessToken, provider string) (*DeleteResult, error) {
	ctx, span := b.startSpan(ctx, "DeleteSecret")
	defer span.End()

	req, err := b.authorize(ctx, "delete_secret", accessToken, provider)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("provider", req.provider))

	mapping, err := b.ownedMapping(ctx, req.record)
	if err != nil {
		return nil, b.toBrokerError(ctx, "delete_secret", err, req.fields)
	}

	var deleted bool
	err = b.withUserConn(ctx, mapping.VaultUserID, func(c *pool.Conn) error {
		var err error
		deleted, err = c.DeleteSecret(ctx, mapping.VaultUserID, secretName(req.provider))
		return err
	})
	if err != nil {
		return nil, b.toBrokerError(ctx, "delete_secret", err, req.fields)
	}

	if deleted {
		b.logger.Info(ctx, "secret deleted", req.fields)
	}
	return &DeleteResult{Deleted: deleted}, nil
}

// ListSecrets returns the sorted provider names that have a stored key.
func (b *Broker) ListSecrets(ctx context.Context, accessToken string) ([]string, error) {
	ctx, span := b.startSpan(ctx, "ListSecrets")
	defer span.End()

	req, err := b.authorize(ctx, "list_secrets", accessToken, "")
	if err != nil {
		return nil, err
	}

	mapping, err := b.ownedMapping(ctx, req.record)
	if err != nil {
		return nil, b.toBrokerError(ctx, "list_secrets", err, req.fields)
	}

	var names []string
	err = b.withUserConn(ctx, mapping.VaultUserID, func(c *pool.Conn) error {
		var err error
		names, err = c.ListSecrets(ctx, mapping.VaultUserID)
		return err
	})
	if err != nil {
		return nil, b.toBrokerError(ctx, "list_secrets", err, req.fields)
	}

	providers := make([]string, 0, len(names))
	for _, name := range names {
		if p, ok := providerFromSecret(name); ok {
			providers = append(providers, p)
		}
	}
	sort.Strings(providers)
	return providers, nil
}
