package vault

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/vault/api"
)

// HashiCorpConfig configures HashiCorpDialer.
type HashiCorpConfig struct {
	Address       string
	Timeout       time.Duration
	UserpassMount string
	KVMount       string
	SecretPrefix  string
	// TokenTTL is requested for user sessions created by CreateAccount.
	TokenTTL time.Duration
}

func (c HashiCorpConfig) withDefaults() HashiCorpConfig {
	if c.UserpassMount == "" {
		c.UserpassMount = "userpass"
	}
	if c.KVMount == "" {
		c.KVMount = "secret"
	}
	if c.SecretPrefix == "" {
		c.SecretPrefix = "byok"
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = 24 * time.Hour
	}
	return c
}

// HashiCorpDialer dials HashiCorp Vault. Accounts are userpass users with a
// per-user policy; secrets live in KV v2 under prefix/<vaultUserId>/.
type HashiCorpDialer struct {
	cfg HashiCorpConfig
}

// NewHashiCorpDialer creates a HashiCorpDialer.
func NewHashiCorpDialer(cfg HashiCorpConfig) *HashiCorpDialer {
	return &HashiCorpDialer{cfg: cfg.withDefaults()}
}

// Dial implements Dialer.
func (d *HashiCorpDialer) Dial(_ context.Context) (Client, error) {
	config := api.DefaultConfig()
	if d.cfg.Address != "" {
		config.Address = d.cfg.Address
	}
	if d.cfg.Timeout > 0 {
		config.Timeout = d.cfg.Timeout
	}
	// Retries are a caller concern.
	config.MaxRetries = 0

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	// NewClient picks up VAULT_TOKEN from the environment.
	client.ClearToken()

	return &hashicorpClient{api: client, cfg: d.cfg}, nil
}

type hashicorpClient struct {
	api    *api.Client
	cfg    HashiCorpConfig
	closed atomic.Bool
}

func (c *hashicorpClient) policyName(username string) string {
	return "svault-" + username
}

func (c *hashicorpClient) secretPath(vaultUserID, name string) string {
	return fmt.Sprintf("%s/%s/%s", c.cfg.SecretPrefix, vaultUserID, name)
}

func (c *hashicorpClient) policy(username string) string {
	base := fmt.Sprintf("%s/%%s/%s/%s/*", c.cfg.KVMount, c.cfg.SecretPrefix, username)
	return fmt.Sprintf(`path %q {
  capabilities = ["create", "read", "update", "delete"]
}
path %q {
  capabilities = ["read", "list", "delete"]
}
`, fmt.Sprintf(base, "data"), fmt.Sprintf(base, "metadata"))
}

func (c *hashicorpClient) check() error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	return nil
}

// Authenticate implements Client.
func (c *hashicorpClient) Authenticate(ctx context.Context, username string, password []byte) (*AuthResult, error) {
	if err := c.check(); err != nil {
		return nil, err
	}

	// Login must not carry this client's token.
	login, err := c.api.Clone()
	if err != nil {
		return nil, fmt.Errorf("clone vault client: %w", err)
	}
	login.ClearToken()

	path := fmt.Sprintf("auth/%s/login/%s", c.cfg.UserpassMount, username)
	secret, err := login.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"password": string(password),
	})
	if err != nil {
		return nil, classify("userpass login", err)
	}
	if secret == nil || secret.Auth == nil || secret.Auth.ClientToken == "" {
		return nil, fmt.Errorf("%w: userpass login returned no token", ErrBackendUnavailable)
	}

	return &AuthResult{
		Token:         secret.Auth.ClientToken,
		LeaseDuration: time.Duration(secret.Auth.LeaseDuration) * time.Second,
	}, nil
}

// CreateAccount implements Client.
func (c *hashicorpClient) CreateAccount(ctx context.Context, username string, password []byte) error {
	if err := c.check(); err != nil {
		return err
	}

	userPath := fmt.Sprintf("auth/%s/users/%s", c.cfg.UserpassMount, username)
	existing, err := c.api.Logical().ReadWithContext(ctx, userPath)
	if err != nil {
		return classify("read account", err)
	}
	if existing != nil {
		return ErrAccountExists
	}

	if err := c.api.Sys().PutPolicyWithContext(ctx, c.policyName(username), c.policy(username)); err != nil {
		return classify("write account policy", err)
	}

	_, err = c.api.Logical().WriteWithContext(ctx, userPath, map[string]interface{}{
		"password":       string(password),
		"token_policies": c.policyName(username),
		"token_ttl":      c.cfg.TokenTTL.String(),
		"token_max_ttl":  (2 * c.cfg.TokenTTL).String(),
	})
	if err != nil {
		// Leave nothing behind for a user that does not exist.
		_ = c.api.Sys().DeletePolicyWithContext(ctx, c.policyName(username))
		return classify("create account", err)
	}
	return nil
}

// DeleteAccount implements Client.
func (c *hashicorpClient) DeleteAccount(ctx context.Context, username string) error {
	if err := c.check(); err != nil {
		return err
	}
	userPath := fmt.Sprintf("auth/%s/users/%s", c.cfg.UserpassMount, username)
	if _, err := c.api.Logical().DeleteWithContext(ctx, userPath); err != nil {
		return classify("delete account", err)
	}
	if err := c.api.Sys().DeletePolicyWithContext(ctx, c.policyName(username)); err != nil {
		return classify("delete account policy", err)
	}
	return nil
}

// CreateSecret implements Client.
func (c *hashicorpClient) CreateSecret(ctx context.Context, vaultUserID, name string, value []byte) (*SecretMetadata, error) {
	return c.put(ctx, "create secret", vaultUserID, name, value)
}

// RotateSecret implements Client. KV v2 keeps the previous value as an
// older version.
func (c *hashicorpClient) RotateSecret(ctx context.Context, vaultUserID, name string, value []byte) (*SecretMetadata, error) {
	if _, _, err := c.GetSecret(ctx, vaultUserID, name); err != nil {
		return nil, err
	}
	return c.put(ctx, "rotate secret", vaultUserID, name, value)
}

func (c *hashicorpClient) put(ctx context.Context, op, vaultUserID, name string, value []byte) (*SecretMetadata, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	kv, err := c.api.KVv2(c.cfg.KVMount).Put(ctx, c.secretPath(vaultUserID, name), map[string]interface{}{
		"value": string(value),
	})
	if err != nil {
		return nil, classify(op, err)
	}
	return metadataOf(name, kv), nil
}

// GetSecret implements Client.
func (c *hashicorpClient) GetSecret(ctx context.Context, vaultUserID, name string) ([]byte, *SecretMetadata, error) {
	if err := c.check(); err != nil {
		return nil, nil, err
	}
	kv, err := c.api.KVv2(c.cfg.KVMount).Get(ctx, c.secretPath(vaultUserID, name))
	if err != nil {
		return nil, nil, classify("get secret", err)
	}
	value, ok := kv.Data["value"].(string)
	if !ok {
		return nil, nil, fmt.Errorf("get secret: %w", ErrSecretNotFound)
	}
	return []byte(value), metadataOf(name, kv), nil
}

// ListSecrets implements Client.
func (c *hashicorpClient) ListSecrets(ctx context.Context, vaultUserID string) ([]string, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	path := fmt.Sprintf("%s/metadata/%s/%s", c.cfg.KVMount, c.cfg.SecretPrefix, vaultUserID)
	secret, err := c.api.Logical().ListWithContext(ctx, path)
	if err != nil {
		return nil, classify("list secrets", err)
	}
	if secret == nil {
		return nil, nil
	}
	raw, _ := secret.Data["keys"].([]interface{})
	names := make([]string, 0, len(raw))
	for _, k := range raw {
		if s, ok := k.(string); ok && !strings.HasSuffix(s, "/") {
			names = append(names, s)
		}
	}
	sort.Strings(names)
	return names, nil
}

// DeleteSecret implements Client. All versions and metadata are removed.
func (c *hashicorpClient) DeleteSecret(ctx context.Context, vaultUserID, name string) (bool, error) {
	if err := c.check(); err != nil {
		return false, err
	}
	path := c.secretPath(vaultUserID, name)
	metadataPath := fmt.Sprintf("%s/metadata/%s", c.cfg.KVMount, path)
	existing, err := c.api.Logical().ReadWithContext(ctx, metadataPath)
	if err != nil {
		return false, classify("delete secret", err)
	}
	if existing == nil {
		return false, nil
	}
	if err := c.api.KVv2(c.cfg.KVMount).DeleteMetadata(ctx, path); err != nil {
		return false, classify("delete secret", err)
	}
	return true, nil
}

// HealthCheck implements Client. With a token it looks the token up, which
// fails once the session has expired; without one it asks sys/health.
func (c *hashicorpClient) HealthCheck(ctx context.Context) error {
	if err := c.check(); err != nil {
		return err
	}
	if c.api.Token() != "" {
		if _, err := c.api.Auth().Token().LookupSelfWithContext(ctx); err != nil {
			return classify("token lookup", err)
		}
		return nil
	}

	health, err := c.api.Sys().HealthWithContext(ctx)
	if err != nil {
		return classify("health", err)
	}
	if !health.Initialized || health.Sealed {
		return fmt.Errorf("%w: vault sealed or not initialized", ErrBackendUnavailable)
	}
	return nil
}

// SetToken implements Client.
func (c *hashicorpClient) SetToken(token string) {
	c.api.SetToken(token)
}

// Close implements Client.
func (c *hashicorpClient) Close() error {
	c.closed.Store(true)
	c.api.ClearToken()
	return nil
}

func metadataOf(name string, kv *api.KVSecret) *SecretMetadata {
	md := &SecretMetadata{Name: name}
	if kv != nil && kv.VersionMetadata != nil {
		md.Version = kv.VersionMetadata.Version
		md.CreatedAt = kv.VersionMetadata.CreatedTime
	}
	return md
}

// classify maps a Vault API error onto the package sentinels, keeping the
// original error for logs.
func classify(op string, err error) error {
	if errors.Is(err, api.ErrSecretNotFound) {
		return fmt.Errorf("%s: %w", op, ErrSecretNotFound)
	}
	var respErr *api.ResponseError
	if errors.As(err, &respErr) {
		switch {
		case respErr.StatusCode == http.StatusForbidden:
			return fmt.Errorf("%s: %w: %w", op, ErrPermissionDenied, err)
		case respErr.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%s: %w", op, ErrSecretNotFound)
		case respErr.StatusCode >= 500:
			return fmt.Errorf("%s: %w: %w", op, ErrBackendUnavailable, err)
		default:
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return fmt.Errorf("%s: %w: %w", op, ErrBackendUnavailable, err)
}

var _ Dialer = (*HashiCorpDialer)(nil)
