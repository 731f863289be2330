// Package config loads the coordinator's operational settings from a TOML
// file under env-var overrides (github.com/BurntSushi/toml). The
// coordinator's environment configuration plus the operational knobs the
// rest of this module needs (sweep/cron intervals, scratch dir, VM poll
// tuning) live here in one place.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
)

// VerifierSoftware identifies the verification tooling recorded on every
// contribution document.
type VerifierSoftware struct {
	Name       string `toml:"name"`
	Version    string `toml:"version"`
	CommitHash string `toml:"commit_hash"`
}

// Config is the coordinator's full operational configuration.
type Config struct {
	// CoordinatorEmailDomain is matched against a registered caller's
	// email to assign the coordinator role.
	CoordinatorEmailDomain string `toml:"coordinator_email_domain"`

	// PresignExpirationSeconds bounds the lifetime of presigned GET/PUT
	// URLs handed out by the blob-store facade.
	PresignExpirationSeconds int64 `toml:"presign_expiration_seconds"`

	// BucketPostfix is appended to a ceremony's prefix to derive its
	// bound bucket name.
	BucketPostfix string `toml:"bucket_postfix"`

	AWSRegion          string `toml:"aws_region"`
	AWSAccessKeyID     string `toml:"aws_access_key_id"`
	AWSSecretAccessKey string `toml:"aws_secret_access_key"`

	AzureStorageAccount string `toml:"azure_storage_account"`
	AzureStorageKey     string `toml:"azure_storage_key"`

	VerifierSoftware VerifierSoftware `toml:"verifier_software"`

	// ZKeySuccessSentinel is the verification-transcript substring that
	// marks a VM-path contribution as valid (the LOCAL path takes its
	// verdict from phase2.VerifyFromInit's result instead). Kept
	// configurable rather than hardcoded since it's tied to the exact
	// verifier binary version in use, not a fixed protocol constant.
	ZKeySuccessSentinel string `toml:"zkey_success_sentinel"`

	ScratchDir string `toml:"scratch_dir"`

	// VM poll tuning: poll-running retry budget and interval, and
	// command-status poll interval. The *Seconds fields are
	// the TOML-facing form; resolveDurations derives the time.Duration
	// fields actually consumed by callers.
	VMRunningPollRetries         int           `toml:"vm_running_poll_retries"`
	VMRunningPollIntervalSeconds int          `toml:"vm_running_poll_interval_seconds"`
	VMStatusPollIntervalSeconds  int          `toml:"vm_status_poll_interval_seconds"`
	VMRunningPollInterval        time.Duration `toml:"-"`
	VMStatusPollInterval         time.Duration `toml:"-"`

	// TimeoutSweepIntervalSeconds is how often TimeoutSweeper scans for
	// stalled current-contributors (default: every 1 minute).
	TimeoutSweepIntervalSeconds int           `toml:"timeout_sweep_interval_seconds"`
	TimeoutSweepInterval        time.Duration `toml:"-"`

	// OpenCloseSweepIntervalSeconds is how often openCeremonies/
	// closeCeremonies run (default: every 30 minutes).
	OpenCloseSweepIntervalSeconds int           `toml:"open_close_sweep_interval_seconds"`
	OpenCloseSweepInterval        time.Duration `toml:"-"`

	SnapshotBucket string `toml:"snapshot_bucket"`
}

// Default returns a Config populated with sensible operational defaults,
// suitable as a base before applying file/env overrides.
func Default() Config {
	return Config{
		PresignExpirationSeconds: 3600,
		BucketPostfix:            "-ceremony",
		ZKeySuccessSentinel:      "ZKey Ok!",
		ScratchDir:               "/tmp/coordinator-scratch",
		VMRunningPollRetries:     5,
		VMRunningPollInterval:    60 * time.Second,
		VMStatusPollInterval:     60 * time.Second,
		TimeoutSweepInterval:     1 * time.Minute,
		OpenCloseSweepInterval:   30 * time.Minute,
	}
}

// Load reads path as TOML into a Config seeded with Default(), then
// applies environment-variable overrides for the subset of fields the
// coordinator accepts as environment configuration.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, errors.Wrapf(err, "config: decode %s", path)
		}
	}
	applyEnvOverrides(&cfg)
	cfg.resolveDurations()
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("COORDINATOR_EMAIL_DOMAIN"); ok {
		cfg.CoordinatorEmailDomain = v
	}
	if v, ok := os.LookupEnv("PRESIGN_EXPIRATION_SECONDS"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.PresignExpirationSeconds = n
		}
	}
	if v, ok := os.LookupEnv("BUCKET_POSTFIX"); ok {
		cfg.BucketPostfix = v
	}
	if v, ok := os.LookupEnv("AWS_REGION"); ok {
		cfg.AWSRegion = v
	}
	if v, ok := os.LookupEnv("AWS_ACCESS_KEY_ID"); ok {
		cfg.AWSAccessKeyID = v
	}
	if v, ok := os.LookupEnv("AWS_SECRET_ACCESS_KEY"); ok {
		cfg.AWSSecretAccessKey = v
	}
}

func (c *Config) resolveDurations() {
	if c.VMRunningPollIntervalSeconds > 0 {
		c.VMRunningPollInterval = time.Duration(c.VMRunningPollIntervalSeconds) * time.Second
	}
	if c.VMStatusPollIntervalSeconds > 0 {
		c.VMStatusPollInterval = time.Duration(c.VMStatusPollIntervalSeconds) * time.Second
	}
	if c.TimeoutSweepIntervalSeconds > 0 {
		c.TimeoutSweepInterval = time.Duration(c.TimeoutSweepIntervalSeconds) * time.Second
	}
	if c.OpenCloseSweepIntervalSeconds > 0 {
		c.OpenCloseSweepInterval = time.Duration(c.OpenCloseSweepIntervalSeconds) * time.Second
	}
}

// CallerIdentity is the authenticated caller context threaded through
// coordinatorapi operations: an email (used to derive the coordinator
// role) plus the participant id claimed by the caller's credentials.
type CallerIdentity struct {
	Email         string
	ParticipantID string
}

// IsCoordinator reports whether identity's email belongs to the
// configured coordinator domain.
func (c Config) IsCoordinator(identity CallerIdentity) bool {
	if c.CoordinatorEmailDomain == "" {
		return false
	}
	at := strings.LastIndexByte(identity.Email, '@')
	if at < 0 {
		return false
	}
	domain := identity.Email[at+1:]
	return strings.EqualFold(domain, c.CoordinatorEmailDomain)
}
