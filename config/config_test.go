package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "ZKey Ok!", cfg.ZKeySuccessSentinel)
	require.Equal(t, int64(3600), cfg.PresignExpirationSeconds)
	require.Equal(t, 5, cfg.VMRunningPollRetries)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coordinator.toml")
	contents := `
coordinator_email_domain = "ceremonial-labs.example"
bucket_postfix = "-setup"
zkey_success_sentinel = "ZKey Ok!"

[verifier_software]
name = "trustedsetup-coordinator"
version = "1.0.0"
commit_hash = "deadbeef"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "ceremonial-labs.example", cfg.CoordinatorEmailDomain)
	require.Equal(t, "-setup", cfg.BucketPostfix)
	require.Equal(t, "trustedsetup-coordinator", cfg.VerifierSoftware.Name)
}

func TestIsCoordinator(t *testing.T) {
	cfg := Default()
	cfg.CoordinatorEmailDomain = "ceremonial-labs.example"

	require.True(t, cfg.IsCoordinator(CallerIdentity{Email: "alice@ceremonial-labs.example"}))
	require.True(t, cfg.IsCoordinator(CallerIdentity{Email: "alice@CEREMONIAL-LABS.EXAMPLE"}))
	require.False(t, cfg.IsCoordinator(CallerIdentity{Email: "bob@example.com"}))
	require.False(t, cfg.IsCoordinator(CallerIdentity{Email: "not-an-email"}))
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("COORDINATOR_EMAIL_DOMAIN", "from-env.example")
	t.Setenv("PRESIGN_EXPIRATION_SECONDS", "120")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "from-env.example", cfg.CoordinatorEmailDomain)
	require.Equal(t, int64(120), cfg.PresignExpirationSeconds)
}
