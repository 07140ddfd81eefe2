package domain

import "time"

// VaultAccountMapping binds a primary identity to its backend vault
// account. EncryptedVaultCredential is always an iv:tag:ciphertext
// envelope, never the plaintext credential.
type VaultAccountMapping struct {
	PrimaryID                string     `bson:"_id"                          json:"primary_id"`
	VaultUserID              string     `bson:"vault_user_id"                json:"vault_user_id"`
	EncryptedVaultCredential string     `bson:"encrypted_vault_credential"   json:"-"`
	CreatedAt                time.Time  `bson:"created_at"                   json:"created_at"`
	LastUsed                 time.Time  `bson:"last_used"                    json:"last_used"`
	IsProvisioned            bool       `bson:"is_provisioned"               json:"is_provisioned"`
	SetupProofHash           string     `bson:"setup_proof_hash,omitempty"   json:"-"`
	SetupCompletedAt         *time.Time `bson:"setup_completed_at,omitempty" json:"setup_completed_at,omitempty"`
}

// SetupComplete reports whether completeSetup has succeeded for this account.
func (m *VaultAccountMapping) SetupComplete() bool {
	return m.SetupCompletedAt != nil && m.SetupProofHash != ""
}

// Clone returns a copy safe to hand out of a repository.
func (m *VaultAccountMapping) Clone() *VaultAccountMapping {
	if m == nil {
		return nil
	}
	c := *m
	if m.SetupCompletedAt != nil {
		t := *m.SetupCompletedAt
		c.SetupCompletedAt = &t
	}
	return &c
}
