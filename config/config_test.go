package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sushant-115/gojotxn/core/kv"
	"github.com/sushant-115/gojotxn/core/security/encryption"
)

func writeFile(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "gojotxn.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoadEmptyPathIsDefault(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
	require.Equal(t, kv.DurabilityMajority, cfg.Transactions.Durability)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
logger:
  level: debug
transactions:
  durability: persist_to_majority
  expiry: 3s
  num_atrs: 64
  cleanup_lost_attempts: false
store:
  backend: Bolt
  path: /var/lib/gojotxn/data.db
tls:
  enabled: true
  ca_file: ca.crt
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Logger.Level)
	require.Equal(t, "console", cfg.Logger.Format)
	require.Equal(t, BackendBolt, cfg.Store.Backend)
	require.True(t, cfg.TLS.Enabled)

	tc, err := cfg.Transactions.ToTxnConfig()
	require.NoError(t, err)
	require.Equal(t, kv.DurabilityPersistToMajority, tc.DurabilityLevel)
	require.Equal(t, 3*time.Second, tc.Expiry)
	require.Equal(t, 64, tc.NumATRs)
	require.False(t, tc.CleanupLostAttempts)
	require.True(t, tc.CleanupClientAttempts)
}

func TestLoadRejectsBadValues(t *testing.T) {
	_, err := Load(writeFile(t, "store:\n  backend: cassandra\n"))
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = Load(writeFile(t, "transactions:\n  durability: always\n"))
	require.ErrorIs(t, err, kv.ErrInvalidDurability)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestEncryptionKeyFile(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "key.hex")
	require.NoError(t, os.WriteFile(keyPath, []byte(strings.Repeat("ab", 32)), 0600))

	cfg, err := Load(writeFile(t, "transactions:\n  encryption_key_file: "+keyPath+"\n"))
	require.NoError(t, err)
	tc, err := cfg.Transactions.ToTxnConfig()
	require.NoError(t, err)
	require.IsType(t, &encryption.Transcoder{}, tc.Transcoder)

	cfg.Transactions.EncryptionKeyFile = filepath.Join(dir, "missing")
	_, err = cfg.Transactions.ToTxnConfig()
	require.Error(t, err)
}
