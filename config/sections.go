package config

import (
	"time"

	"github.com/DytallixHQ/Dytallix-sub009/consensus/audit"
	"github.com/DytallixHQ/Dytallix-sub009/gateway/middleware"
)

// Node holds the validator process identity and filesystem layout.
type Node struct {
	ListenAddress         string        `toml:"ListenAddress"`
	DataDir               string        `toml:"DataDir"`
	NetworkName           string        `toml:"NetworkName"`
	ValidatorKeystorePath string        `toml:"ValidatorKeystorePath"`
	ValidatorKMSURI       string        `toml:"ValidatorKMSURI"`
	ValidatorKMSEnv       string        `toml:"ValidatorKMSEnv"`
	TickInterval          time.Duration `toml:"TickInterval"`
}

// Audit wraps the trail settings with the archiver schedule, which lives in
// the process rather than the trail itself.
type Audit struct {
	audit.Config
	ArchiveDir      string        `toml:"ArchiveDir"`
	ArchiveInterval time.Duration `toml:"ArchiveInterval"`
}

// Gateway configures the review REST API surface.
type Gateway struct {
	ListenAddress string                          `toml:"ListenAddress"`
	ReviewScopes  []string                        `toml:"ReviewScopes"`
	AuditScopes   []string                        `toml:"AuditScopes"`
	Auth          middleware.AuthConfig           `toml:"Auth"`
	RateLimits    map[string]middleware.RateLimit `toml:"RateLimits"`
	CORS          middleware.CORSConfig           `toml:"CORS"`
	Observability middleware.ObservabilityConfig  `toml:"Observability"`
}

// Notifier configures webhook delivery for review events. An empty
// ManifestPath disables webhooks and falls back to log-only notifications.
type Notifier struct {
	ManifestPath   string        `toml:"ManifestPath"`
	JournalPath    string        `toml:"JournalPath"`
	MaxAttempts    int           `toml:"MaxAttempts"`
	InitialBackoff time.Duration `toml:"InitialBackoff"`
	MaxBackoff     time.Duration `toml:"MaxBackoff"`
}

// Logging configures the process-wide structured logger.
type Logging struct {
	Environment string `toml:"Environment"`
	File        string `toml:"File"`
	MaxSizeMB   int    `toml:"MaxSizeMB"`
	MaxBackups  int    `toml:"MaxBackups"`
	MaxAgeDays  int    `toml:"MaxAgeDays"`
}
