package broker

import (
	"context"
	"errors"

	"github.com/pilab-dev/shadow-vault/accesstoken"
	"github.com/pilab-dev/shadow-vault/claims"
	"github.com/pilab-dev/shadow-vault/domain"
	serrors "github.com/pilab-dev/shadow-vault/errors"
	"github.com/pilab-dev/shadow-vault/identity"
	"github.com/pilab-dev/shadow-vault/internal/auth"
	"github.com/pilab-dev/shadow-vault/pool"
	"github.com/pilab-dev/shadow-vault/provisioner"
	"github.com/pilab-dev/shadow-vault/token"
	"github.com/pilab-dev/shadow-vault/vault"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// toBrokerError maps an internal error to the caller facing kind and logs
// the internal detail. Messages never carry secret values.
func (b *Broker) toBrokerError(ctx context.Context, op string, err error, fields map[string]interface{}) error {
	if err == nil {
		return nil
	}

	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, op)

	logFields := map[string]interface{}{"op": op}
	for k, v := range fields {
		logFields[k] = v
	}

	var be *serrors.BrokerError
	switch {
	case errors.As(err, &be):
		b.logger.Warn(ctx, "request rejected", logFields, map[string]interface{}{"kind": string(be.Kind), "error": err.Error()})
		return be

	case isTokenError(err):
		// The failure mode stays in the logs only.
		b.logger.Warn(ctx, "token rejected", logFields, map[string]interface{}{"reason": err.Error()})
		return serrors.Wrap(serrors.InvalidOrExpiredToken, "invalid or expired token", err)

	case errors.Is(err, claims.ErrInvalidClaims):
		b.logger.Warn(ctx, "bearer token rejected", logFields, map[string]interface{}{"reason": err.Error()})
		return serrors.Wrap(serrors.InvalidOrExpiredToken, "invalid or expired token", err)

	case errors.Is(err, identity.ErrIdentityResolution):
		b.logger.Warn(ctx, "identity resolution failed", logFields, map[string]interface{}{"error": err.Error()})
		return serrors.Wrap(serrors.IdentityResolutionFailed, "claims contain no usable identity", err)

	case errors.Is(err, auth.ErrProofTooShort):
		return serrors.Wrap(serrors.InvalidRequest, auth.ErrProofTooShort.Error(), err)

	case errors.Is(err, vault.ErrSecretNotFound):
		return serrors.Wrap(serrors.SecretNotFound, "no secret stored for this provider", err)

	case errors.Is(err, provisioner.ErrAccountProvisioning):
		b.logger.Error(ctx, "account provisioning failed", err, logFields)
		return serrors.Wrap(serrors.AccountProvisioningFailed, "could not create the vault account, try again", err)

	case errors.Is(err, vault.ErrBackendUnavailable),
		errors.Is(err, pool.ErrConnectionUnhealthy),
		errors.Is(err, vault.ErrClientClosed),
		errors.Is(err, pool.ErrClosed),
		errors.Is(err, accesstoken.ErrRotation),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		b.logger.Error(ctx, "backend vault unavailable", err, logFields)
		return serrors.NewBackendUnavailable(err)

	default:
		b.logger.Error(ctx, "internal error", err, logFields)
		return serrors.NewInternal(err)
	}
}

func isTokenError(err error) bool {
	return errors.Is(err, token.ErrTokenNotFound) ||
		errors.Is(err, token.ErrTokenExpired) ||
		errors.Is(err, token.ErrTokenIntegrity) ||
		errors.Is(err, token.ErrTokenKind)
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}
