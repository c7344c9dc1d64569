package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	dytcrypto "github.com/DytallixHQ/Dytallix-sub009/crypto"

	"github.com/BurntSushi/toml"
	"github.com/DytallixHQ/Dytallix-sub009/consensus/pipeline"
	"github.com/DytallixHQ/Dytallix-sub009/consensus/registry"
	"github.com/DytallixHQ/Dytallix-sub009/consensus/replay"
	"github.com/DytallixHQ/Dytallix-sub009/consensus/reviewqueue"
	"github.com/DytallixHQ/Dytallix-sub009/consensus/risk"
	"github.com/DytallixHQ/Dytallix-sub009/consensus/sigverify"
	"github.com/DytallixHQ/Dytallix-sub009/mempool"
	"github.com/DytallixHQ/Dytallix-sub009/oracle"
)

// Config is the full validator process configuration. Every section maps to
// the Normalise-able config of the package it drives, so zero values in the
// file fall back to the package defaults rather than to invalid settings.
type Config struct {
	Node     Node               `toml:"Node"`
	Mempool  mempool.Config     `toml:"Mempool"`
	Replay   replay.Config      `toml:"Replay"`
	Registry registry.Config    `toml:"Registry"`
	Verifier sigverify.Config   `toml:"Verifier"`
	Risk     risk.Config        `toml:"Risk"`
	Queue    reviewqueue.Config `toml:"Queue"`
	Audit    Audit              `toml:"Audit"`
	Oracle   oracle.Config      `toml:"Oracle"`
	Pipeline pipeline.Config    `toml:"Pipeline"`
	Gateway  Gateway            `toml:"Gateway"`
	Notifier Notifier           `toml:"Notifier"`
	Logging  Logging            `toml:"Logging"`
}

// Load reads the configuration at path, creating a default file (and a fresh
// validator keystore) when none exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}

	for _, undecoded := range meta.Undecoded() {
		key := undecoded.String()
		if key == "Node.ValidatorKey" {
			return nil, fmt.Errorf("config file %s uses the deprecated Node.ValidatorKey field; move the key into a keystore and set Node.ValidatorKeystorePath", path)
		}
		return nil, fmt.Errorf("config file %s contains unknown key %q", path, key)
	}

	if cfg.Node.ValidatorKMSURI == "" && cfg.Node.ValidatorKMSEnv == "" {
		if err := ensureKeystore(path, cfg); err != nil {
			return nil, err
		}
	}

	applyNodeDefaults(&cfg.Node)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyNodeDefaults(node *Node) {
	if strings.TrimSpace(node.ListenAddress) == "" {
		node.ListenAddress = ":6001"
	}
	if strings.TrimSpace(node.DataDir) == "" {
		node.DataDir = "./dytallix-data"
	}
	if strings.TrimSpace(node.NetworkName) == "" {
		node.NetworkName = "dytallix-local"
	}
	if node.TickInterval <= 0 {
		node.TickInterval = defaultTickInterval
	}
}

// ensureKeystore guarantees a keystore exists for software-keyed validators,
// generating one on first boot and persisting the resolved path back into the
// config file.
func ensureKeystore(configPath string, cfg *Config) error {
	keystorePath := cfg.Node.ValidatorKeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		key, genErr := dytcrypto.GeneratePrivateKey()
		if genErr != nil {
			return genErr
		}
		if err := dytcrypto.SaveToKeystore(keystorePath, key, ""); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if cfg.Node.ValidatorKeystorePath != keystorePath {
		cfg.Node.ValidatorKeystorePath = keystorePath
		return persist(configPath, cfg)
	}

	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	key, err := dytcrypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	keystorePath := defaultKeystorePath(path)
	if err := dytcrypto.SaveToKeystore(keystorePath, key, ""); err != nil {
		return nil, err
	}

	cfg := &Config{
		Node: Node{
			ListenAddress: ":6001",
			DataDir:       "./dytallix-data",
			NetworkName:   "dytallix-local",
			TickInterval:  defaultTickInterval,
		},
		Gateway: Gateway{
			ListenAddress: ":8080",
			ReviewScopes:  []string{"review:write"},
			AuditScopes:   []string{"audit:read"},
		},
	}
	cfg.Node.ValidatorKeystorePath = keystorePath

	if err := persist(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "validator.keystore")
}
