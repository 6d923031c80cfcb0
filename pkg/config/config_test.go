package config_test

import (
	"testing"
	"time"

	"github.com/qeo-project/realm-security/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLoad_Defaults verifies that Load() returns sensible defaults
// when no environment variables are set.
func TestLoad_Defaults(t *testing.T) {
	t.Setenv("QEO_STORAGE_DIR", "")
	t.Setenv("QEO_REALM_URL", "")
	t.Setenv("QEO_LOG_LEVEL", "")
	t.Setenv("QEO_OTP_TIMEOUT", "")
	t.Setenv("QEO_REMOTE_REGISTRATION_TIMEOUT", "")
	t.Setenv("QEO_POLICY_FETCH_MAX_TIMEOUT", "")
	t.Setenv("QEO_REGISTRATION_LOCK_PATH", "")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "/var/lib/qeo", cfg.StorageDir)
	assert.Equal(t, 2*time.Minute, cfg.OTPTimeout)
	assert.Equal(t, 5*time.Minute, cfg.RemoteRegistrationTimeout)
	assert.Equal(t, 30*time.Second, cfg.PolicyFetchMaxTimeout)
	assert.Contains(t, cfg.RegistrationLockPath, "/tmp/.qeo_reg_")
}

// TestLoad_Overrides verifies that environment variables correctly
// override default values.
func TestLoad_Overrides(t *testing.T) {
	t.Setenv("QEO_STORAGE_DIR", "/data/qeo")
	t.Setenv("QEO_REALM_URL", "https://realm.example.org")
	t.Setenv("QEO_LOG_LEVEL", "DEBUG")
	t.Setenv("QEO_OTP_TIMEOUT", "1m")
	t.Setenv("QEO_REMOTE_REGISTRATION_TIMEOUT", "10m")
	t.Setenv("QEO_POLICY_FETCH_MAX_TIMEOUT", "1m")
	t.Setenv("QEO_REGISTRATION_LOCK_PATH", "/tmp/custom.lock")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "/data/qeo", cfg.StorageDir)
	assert.Equal(t, "https://realm.example.org", cfg.RealmURL)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, time.Minute, cfg.OTPTimeout)
	assert.Equal(t, 10*time.Minute, cfg.RemoteRegistrationTimeout)
	assert.Equal(t, time.Minute, cfg.PolicyFetchMaxTimeout)
	assert.Equal(t, "/tmp/custom.lock", cfg.RegistrationLockPath)
}

func TestLoad_RejectsMalformedDuration(t *testing.T) {
	t.Setenv("QEO_OTP_TIMEOUT", "not-a-duration")
	_, err := config.Load()
	assert.Error(t, err)
}
