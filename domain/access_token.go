package domain

import "time"

// VaultAccessToken is the long-lived backend vault session token of one
// provisioned user, stored encrypted.
type VaultAccessToken struct {
	UserID               string    `json:"user_id"`
	EncryptedAccessToken string    `json:"-"`
	TokenExpiresAt       time.Time `json:"token_expires_at"`
	RotationCount        int       `json:"rotation_count"`
	LastRotatedAt        time.Time `json:"last_rotated_at"`
	AutoRotationEnabled  bool      `json:"auto_rotation_enabled"`
}

// ExpiresWithin reports whether the token has less than d left at now.
func (t *VaultAccessToken) ExpiresWithin(now time.Time, d time.Duration) bool {
	return t.TokenExpiresAt.Sub(now) < d
}
