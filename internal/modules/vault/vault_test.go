package vault

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/internal/database"
	"github.com/wardenhq/warden/internal/domain"
)

func setupVault(t *testing.T) (*Vault, *database.DB) {
	t.Helper()

	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "ops.db"),
		Profile: database.ProfileStandard,
		Name:    "ops",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })

	v, err := New(db.Conn(), "test-master-key", zerolog.Nop())
	require.NoError(t, err)
	return v, db
}

func TestStoreAndDecrypt(t *testing.T) {
	v, _ := setupVault(t)

	require.NoError(t, v.Store("t1", "openai", "sk-secret-123", "prod key"))

	got, err := v.GetDecrypted("t1", "openai")
	require.NoError(t, err)
	assert.Equal(t, "sk-secret-123", got)
}

func TestPlaintextNeverAtRest(t *testing.T) {
	v, db := setupVault(t)
	require.NoError(t, v.Store("t1", "openai", "sk-secret-123", ""))

	var ciphertext []byte
	err := db.Conn().QueryRow(`SELECT ciphertext FROM tenant_api_keys WHERE tenant_id = 't1'`).Scan(&ciphertext)
	require.NoError(t, err)
	assert.NotContains(t, string(ciphertext), "sk-secret-123")
}

func TestStoreOverwrites(t *testing.T) {
	v, _ := setupVault(t)
	require.NoError(t, v.Store("t1", "openai", "old-key", ""))
	require.NoError(t, v.Store("t1", "openai", "new-key", "rotated"))

	got, err := v.GetDecrypted("t1", "openai")
	require.NoError(t, err)
	assert.Equal(t, "new-key", got)

	keys, err := v.List("t1")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "rotated", keys[0].Label)
}

func TestListExcludesSecrets(t *testing.T) {
	v, _ := setupVault(t)
	require.NoError(t, v.Store("t1", "openai", "sk-1", "first"))
	require.NoError(t, v.Store("t1", "anthropic", "sk-2", "second"))

	keys, err := v.List("t1")
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, "anthropic", keys[0].Provider)
	assert.Equal(t, "openai", keys[1].Provider)
}

func TestDeleteKey(t *testing.T) {
	v, _ := setupVault(t)
	require.NoError(t, v.Store("t1", "openai", "sk-1", ""))

	require.NoError(t, v.Delete("t1", "openai"))
	_, err := v.GetDecrypted("t1", "openai")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, v.Delete("t1", "openai"), domain.ErrNotFound)
}

func TestWrongMasterKeyFailsDecrypt(t *testing.T) {
	v, db := setupVault(t)
	require.NoError(t, v.Store("t1", "openai", "sk-1", ""))

	other, err := New(db.Conn(), "different-master-key", zerolog.Nop())
	require.NoError(t, err)

	_, err = other.GetDecrypted("t1", "openai")
	assert.Error(t, err)
}

func TestValidation(t *testing.T) {
	v, _ := setupVault(t)
	assert.ErrorIs(t, v.Store("", "openai", "k", ""), domain.ErrInvalidInput)
	assert.ErrorIs(t, v.Store("t1", "", "k", ""), domain.ErrInvalidInput)
	assert.ErrorIs(t, v.Store("t1", "openai", "", ""), domain.ErrInvalidInput)

	_, err := New(nil, "", zerolog.Nop())
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
