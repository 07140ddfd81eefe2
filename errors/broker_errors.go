package errors

import "fmt"

// Kind is the stable, caller-facing error category. Internal causes are
// never exposed through it.
type Kind string

// Broker error kinds
const (
	IdentityResolutionFailed  Kind = "identity_resolution_failed"
	AccountProvisioningFailed Kind = "account_provisioning_failed"
	InvalidOrExpiredToken     Kind = "invalid_or_expired_token"
	SetupIncomplete           Kind = "setup_incomplete"
	InvalidRequest            Kind = "invalid_request"
	InvalidSecret             Kind = "invalid_secret"
	SecretNotFound            Kind = "secret_not_found"
	BackendUnavailable        Kind = "backend_unavailable"
	Internal                  Kind = "internal_error"
)

// Retryable reports whether a caller may retry the same call unchanged.
func (k Kind) Retryable() bool {
	return k == AccountProvisioningFailed || k == BackendUnavailable
}

// BrokerError is what the facade returns to callers: a kind and a human
// readable message. The wrapped cause is kept for logs and errors.Is but
// is not part of Error().
type BrokerError struct {
	Kind    Kind   `json:"error"`
	Message string `json:"error_description,omitempty"`

	cause error
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the internal cause to errors.Is / errors.As.
func (e *BrokerError) Unwrap() error {
	return e.cause
}

// New creates a BrokerError with the given kind and message.
func New(kind Kind, message string) *BrokerError {
	return &BrokerError{Kind: kind, Message: message}
}

// Wrap creates a BrokerError that keeps cause for internal inspection.
func Wrap(kind Kind, message string, cause error) *BrokerError {
	return &BrokerError{Kind: kind, Message: message, cause: cause}
}

// Common error constructors

func NewInvalidToken() *BrokerError {
	return New(InvalidOrExpiredToken, "invalid or expired token")
}

func NewInvalidRequest(description string) *BrokerError {
	return New(InvalidRequest, description)
}

func NewBackendUnavailable(cause error) *BrokerError {
	return Wrap(BackendUnavailable, "secret backend is temporarily unavailable", cause)
}

func NewInternal(cause error) *BrokerError {
	return Wrap(Internal, "internal error", cause)
}
