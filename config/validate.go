package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/DytallixHQ/Dytallix-sub009/consensus/risk"
)

const defaultTickInterval = 5 * time.Second

// Validate rejects settings the Normalise defaults cannot repair: values that
// are structurally wrong rather than merely unset.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: nil configuration")
	}
	if cfg.Gateway.Auth.Enabled && strings.TrimSpace(cfg.Gateway.Auth.HMACSecret) == "" {
		return fmt.Errorf("gateway: auth enabled without an HMAC secret")
	}
	if cfg.Pipeline.FallbackAllowed && strings.TrimSpace(cfg.Oracle.Endpoint) == "" {
		// Fallback without an oracle endpoint would silently run every
		// transaction through heuristics alone.
		return fmt.Errorf("pipeline: FallbackAllowed requires Oracle.Endpoint")
	}
	if stake := strings.TrimSpace(cfg.Registry.MinStake); stake != "" {
		if _, ok := new(big.Int).SetString(stake, 10); !ok {
			return fmt.Errorf("registry: MinStake %q is not a base-10 integer", stake)
		}
	}
	for route, limit := range cfg.Gateway.RateLimits {
		if limit.RequestsPerMinute < 0 || limit.Burst < 0 {
			return fmt.Errorf("gateway: negative rate limit for route %q", route)
		}
	}
	if cfg.Pipeline.StakeQuotaPercent < 0 || cfg.Pipeline.StakeQuotaPercent > 100 {
		return fmt.Errorf("pipeline: StakeQuotaPercent must be within [0,100]")
	}
	if cfg.Queue.HighPriorityThreshold > 0 && cfg.Queue.CriticalThreshold > 0 &&
		cfg.Queue.HighPriorityThreshold >= cfg.Queue.CriticalThreshold {
		return fmt.Errorf("queue: HighPriorityThreshold must be below CriticalThreshold")
	}
	if err := validatePolicies(cfg.Risk); err != nil {
		return err
	}
	return nil
}

func validatePolicies(cfg risk.Config) error {
	check := func(name string, p risk.TypePolicy) error {
		if p.AutoApproveBelow < 0 || p.AutoApproveBelow > 1 ||
			p.AutoRejectAbove < 0 || p.AutoRejectAbove > 1 {
			return fmt.Errorf("risk: policy %q thresholds must be within [0,1]", name)
		}
		if p.AutoApproveBelow > 0 && p.AutoRejectAbove > 0 && p.AutoApproveBelow > p.AutoRejectAbove {
			return fmt.Errorf("risk: policy %q approves above its reject threshold", name)
		}
		return nil
	}
	if err := check("Default", cfg.Default); err != nil {
		return err
	}
	for name, policy := range cfg.PerType {
		if err := check(name, policy); err != nil {
			return err
		}
	}
	return nil
}
