// Package vault stores tenant provider API keys encrypted at rest.
// AES-256-GCM with a per-write random nonce; plaintext exists only in the
// return value of GetDecrypted.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/wardenhq/warden/internal/domain"
)

// Vault handles encrypted API key persistence.
type Vault struct {
	db   *sql.DB // ops.db - tenant_api_keys table
	aead cipher.AEAD
	log  zerolog.Logger
}

// New creates a vault. The master key material is hashed to exactly 32
// bytes so any non-empty passphrase works.
func New(db *sql.DB, masterKey string, log zerolog.Logger) (*Vault, error) {
	if masterKey == "" {
		return nil, fmt.Errorf("vault master key is required: %w", domain.ErrInvalidInput)
	}
	key := sha256.Sum256([]byte(masterKey))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to init GCM: %w", err)
	}
	return &Vault{
		db:   db,
		aead: aead,
		log:  log.With().Str("service", "vault").Logger(),
	}, nil
}

// KeyInfo is the listable, plaintext-free view of a stored key.
type KeyInfo struct {
	TenantID  string    `json:"tenant_id"`
	Provider  string    `json:"provider"`
	Label     string    `json:"label"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store encrypts and upserts one key for (tenant, provider).
func (v *Vault) Store(tenantID, provider, apiKey, label string) error {
	if !domain.ValidTenantID(tenantID) || provider == "" || apiKey == "" {
		return fmt.Errorf("tenant, provider and key are required: %w", domain.ErrInvalidInput)
	}

	ciphertext, err := v.seal([]byte(apiKey))
	if err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	_, err = v.db.Exec(
		`INSERT INTO tenant_api_keys (tenant_id, provider, ciphertext, label, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tenant_id, provider) DO UPDATE SET
		   ciphertext = excluded.ciphertext,
		   label = excluded.label,
		   updated_at = excluded.updated_at`,
		tenantID, provider, ciphertext, label, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to store key: %w", err)
	}
	v.log.Info().Str("tenant", tenantID).Str("provider", provider).Msg("API key stored")
	return nil
}

// GetDecrypted returns the plaintext key for (tenant, provider).
func (v *Vault) GetDecrypted(tenantID, provider string) (string, error) {
	var ciphertext []byte
	err := v.db.QueryRow(
		`SELECT ciphertext FROM tenant_api_keys WHERE tenant_id = ? AND provider = ?`,
		tenantID, provider,
	).Scan(&ciphertext)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("key for %s/%s: %w", tenantID, provider, domain.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to load key: %w", err)
	}

	plaintext, err := v.open(ciphertext)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// List returns a tenant's stored keys without any secret material.
func (v *Vault) List(tenantID string) ([]KeyInfo, error) {
	rows, err := v.db.Query(
		`SELECT tenant_id, provider, label, updated_at FROM tenant_api_keys
		 WHERE tenant_id = ? ORDER BY provider`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	var result []KeyInfo
	for rows.Next() {
		var info KeyInfo
		var updatedMS int64
		if err := rows.Scan(&info.TenantID, &info.Provider, &info.Label, &updatedMS); err != nil {
			return nil, err
		}
		info.UpdatedAt = time.UnixMilli(updatedMS)
		result = append(result, info)
	}
	return result, rows.Err()
}

// Delete removes one stored key.
func (v *Vault) Delete(tenantID, provider string) error {
	res, err := v.db.Exec(
		`DELETE FROM tenant_api_keys WHERE tenant_id = ? AND provider = ?`,
		tenantID, provider,
	)
	if err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("key for %s/%s: %w", tenantID, provider, domain.ErrNotFound)
	}
	return nil
}

// seal produces nonce||ciphertext.
func (v *Vault) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return v.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (v *Vault) open(data []byte) ([]byte, error) {
	if len(data) < v.aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := data[:v.aead.NonceSize()], data[v.aead.NonceSize():]
	plaintext, err := v.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt key: %w", err)
	}
	return plaintext, nil
}
