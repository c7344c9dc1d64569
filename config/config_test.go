package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/DytallixHQ/Dytallix-sub009/consensus/risk"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadCreatesDefaultConfigAndKeystore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Node.ListenAddress != ":6001" {
		t.Fatalf("unexpected listen address %q", cfg.Node.ListenAddress)
	}
	if cfg.Node.NetworkName != "dytallix-local" {
		t.Fatalf("unexpected network name %q", cfg.Node.NetworkName)
	}
	if cfg.Node.TickInterval != defaultTickInterval {
		t.Fatalf("unexpected tick interval %v", cfg.Node.TickInterval)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file not created: %v", err)
	}
	if _, err := os.Stat(cfg.Node.ValidatorKeystorePath); err != nil {
		t.Fatalf("keystore not created: %v", err)
	}
}

func TestLoadDecodesSections(t *testing.T) {
	dir := t.TempDir()
	keystorePath := filepath.Join(dir, "validator.keystore")
	path := filepath.Join(dir, "config.toml")
	contents := `[Node]
ListenAddress = "0.0.0.0:7000"
DataDir = "./data"
NetworkName = "dytallix-testnet"
ValidatorKeystorePath = "` + keystorePath + `"
TickInterval = "2s"

[Mempool]
MaxTxs = 2000
MinGasPrice = 5

[Replay]
ResponseTTL = "90s"
MaxResponseEntries = 512

[Registry]
MinStake = "250000"
MaxOracles = 16

[Verifier]
MinOracleReputation = 0.8
MaxSignatureAge = "10m"

[Queue]
MaxQueueSize = 500
MaxQueueTime = "12h"
HighPriorityThreshold = 0.6
CriticalThreshold = 0.9

[Audit]
BatchSize = 50
FlushInterval = "30s"
RetentionDays = 90
ArchiveDir = "./archive"
ArchiveInterval = "24h"

[Oracle]
Endpoint = "https://oracle.dytallix.io/v1/score"
APIKey = "secret"
Timeout = "3s"
RetryBackoff = "250ms"

[Pipeline]
BatchSize = 200
GasBudget = 20000000
ScoreTimeout = "4s"
FallbackAllowed = true

[Risk.PerType.transfer]
AutoApproveBelow = 0.25
AutoRejectAbove = 0.85

[Gateway]
ListenAddress = ":8443"
ReviewScopes = ["review:write"]
AuditScopes = ["audit:read"]

[Gateway.Auth]
Enabled = true
HMACSecret = "gateway-secret"

[Gateway.RateLimits.review]
RequestsPerMinute = 120.0
Burst = 10

[Notifier]
ManifestPath = "./webhooks.yaml"
JournalPath = "./deliveries.db"
MaxAttempts = 3
InitialBackoff = "1s"

[Logging]
Environment = "staging"
File = "./validator.log"
MaxSizeMB = 64
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Node.TickInterval != 2*time.Second {
		t.Fatalf("tick interval = %v", cfg.Node.TickInterval)
	}
	if cfg.Mempool.MaxTxs != 2000 || cfg.Mempool.MinGasPrice != 5 {
		t.Fatalf("mempool section not decoded: %+v", cfg.Mempool)
	}
	if cfg.Replay.ResponseTTL != 90*time.Second {
		t.Fatalf("replay ResponseTTL = %v", cfg.Replay.ResponseTTL)
	}
	if cfg.Registry.MinStake != "250000" || cfg.Registry.MaxOracles != 16 {
		t.Fatalf("registry section not decoded: %+v", cfg.Registry)
	}
	if cfg.Verifier.MaxSignatureAge != 10*time.Minute {
		t.Fatalf("verifier MaxSignatureAge = %v", cfg.Verifier.MaxSignatureAge)
	}
	if cfg.Queue.MaxQueueTime != 12*time.Hour {
		t.Fatalf("queue MaxQueueTime = %v", cfg.Queue.MaxQueueTime)
	}
	if cfg.Audit.FlushInterval != 30*time.Second || cfg.Audit.ArchiveInterval != 24*time.Hour {
		t.Fatalf("audit section not decoded: %+v", cfg.Audit)
	}
	if cfg.Oracle.RetryBackoff != 250*time.Millisecond {
		t.Fatalf("oracle RetryBackoff = %v", cfg.Oracle.RetryBackoff)
	}
	if cfg.Pipeline.ScoreTimeout != 4*time.Second || !cfg.Pipeline.FallbackAllowed {
		t.Fatalf("pipeline section not decoded: %+v", cfg.Pipeline)
	}
	if policy := cfg.Risk.PerType["transfer"]; policy.AutoApproveBelow != 0.25 {
		t.Fatalf("risk per-type policy not decoded: %+v", policy)
	}
	if limit := cfg.Gateway.RateLimits["review"]; limit.RequestsPerMinute != 120 || limit.Burst != 10 {
		t.Fatalf("gateway rate limits not decoded: %+v", cfg.Gateway.RateLimits)
	}
	if !cfg.Gateway.Auth.Enabled || cfg.Gateway.Auth.HMACSecret != "gateway-secret" {
		t.Fatalf("gateway auth not decoded: %+v", cfg.Gateway.Auth)
	}
	if cfg.Notifier.InitialBackoff != time.Second {
		t.Fatalf("notifier InitialBackoff = %v", cfg.Notifier.InitialBackoff)
	}
	if cfg.Logging.Environment != "staging" || cfg.Logging.MaxSizeMB != 64 {
		t.Fatalf("logging section not decoded: %+v", cfg.Logging)
	}

	// The keystore referenced by the file was absent, so Load generated one.
	if _, err := os.Stat(keystorePath); err != nil {
		t.Fatalf("keystore not generated: %v", err)
	}
}

func TestLoadRejectsUnknownKey(t *testing.T) {
	path := writeConfig(t, "[Node]\nListenAddress = \":6001\"\nBootnodes = []\n")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "unknown key") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestLoadRejectsDeprecatedValidatorKey(t *testing.T) {
	path := writeConfig(t, "[Node]\nValidatorKey = \"deadbeef\"\n")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "deprecated") {
		t.Fatalf("expected deprecated field error, got %v", err)
	}
}

func TestLoadPersistsGeneratedKeystorePath(t *testing.T) {
	path := writeConfig(t, "[Node]\nListenAddress = \":6001\"\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Node.ValidatorKeystorePath == "" {
		t.Fatal("keystore path not resolved")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if !strings.Contains(string(raw), "validator.keystore") {
		t.Fatalf("keystore path not persisted back:\n%s", raw)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Node.ValidatorKeystorePath != cfg.Node.ValidatorKeystorePath {
		t.Fatalf("keystore path changed across reloads: %q vs %q",
			reloaded.Node.ValidatorKeystorePath, cfg.Node.ValidatorKeystorePath)
	}
}

func TestLoadSkipsKeystoreWhenKMSConfigured(t *testing.T) {
	path := writeConfig(t, "[Node]\nValidatorKMSEnv = \"DYT_VALIDATOR_KEY\"\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Node.ValidatorKeystorePath != "" {
		t.Fatalf("keystore generated despite KMS config: %q", cfg.Node.ValidatorKeystorePath)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(path), "validator.keystore")); !os.IsNotExist(err) {
		t.Fatalf("keystore file should not exist, stat err = %v", err)
	}
}

func TestValidateRejectsBadSettings(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(cfg *Config)
		message string
	}{
		{
			name:    "auth without secret",
			mutate:  func(cfg *Config) { cfg.Gateway.Auth.Enabled = true },
			message: "HMAC secret",
		},
		{
			name:    "fallback without oracle endpoint",
			mutate:  func(cfg *Config) { cfg.Pipeline.FallbackAllowed = true },
			message: "Oracle.Endpoint",
		},
		{
			name:    "malformed min stake",
			mutate:  func(cfg *Config) { cfg.Registry.MinStake = "ten thousand" },
			message: "MinStake",
		},
		{
			name:    "stake quota over 100 percent",
			mutate:  func(cfg *Config) { cfg.Pipeline.StakeQuotaPercent = 120 },
			message: "StakeQuotaPercent",
		},
		{
			name: "inverted queue thresholds",
			mutate: func(cfg *Config) {
				cfg.Queue.HighPriorityThreshold = 0.9
				cfg.Queue.CriticalThreshold = 0.6
			},
			message: "CriticalThreshold",
		},
		{
			name: "risk policy out of bounds",
			mutate: func(cfg *Config) {
				cfg.Risk.PerType = map[string]risk.TypePolicy{
					"transfer": {AutoApproveBelow: 1.5},
				}
			},
			message: "within [0,1]",
		},
		{
			name: "approve above reject",
			mutate: func(cfg *Config) {
				cfg.Risk.Default = risk.TypePolicy{AutoApproveBelow: 0.9, AutoRejectAbove: 0.4}
			},
			message: "reject threshold",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{}
			tc.mutate(cfg)
			err := Validate(cfg)
			if err == nil || !strings.Contains(err.Error(), tc.message) {
				t.Fatalf("expected error containing %q, got %v", tc.message, err)
			}
		})
	}
}

func TestValidateAcceptsZeroConfig(t *testing.T) {
	if err := Validate(&Config{}); err != nil {
		t.Fatalf("zero config should validate: %v", err)
	}
}
