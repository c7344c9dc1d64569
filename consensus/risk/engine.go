// Package risk turns oracle verdicts (or local heuristics when no verdict is
// usable) into an admission decision for one transaction.
package risk

import (
	"fmt"
	"strings"
	"time"

	"github.com/DytallixHQ/Dytallix-sub009/core/types"
)

// DecisionKind enumerates the three processing outcomes.
type DecisionKind string

const (
	DecisionAutoApprove   DecisionKind = "auto_approve"
	DecisionRequireReview DecisionKind = "require_review"
	DecisionAutoReject    DecisionKind = "auto_reject"
)

// Decision is the engine's verdict for one transaction. Reason is populated
// for review and reject outcomes.
type Decision struct {
	Kind   DecisionKind
	Reason string

	// Scores underpinning the decision, after penalty adjustment. Carried
	// into the audit record.
	RiskScore        float64
	FraudProbability float64
	Confidence       float64
}

// AutoApprove constructs an approval decision.
func AutoApprove() Decision {
	return Decision{Kind: DecisionAutoApprove}
}

// RequireReview constructs a review decision with the given reason.
func RequireReview(reason string) Decision {
	return Decision{Kind: DecisionRequireReview, Reason: strings.TrimSpace(reason)}
}

// AutoReject constructs a rejection decision with the given reason.
func AutoReject(reason string) Decision {
	return Decision{Kind: DecisionAutoReject, Reason: strings.TrimSpace(reason)}
}

// OutcomeKind describes how AI verification concluded for a transaction.
type OutcomeKind string

const (
	OutcomeVerified    OutcomeKind = "verified"
	OutcomeFailed      OutcomeKind = "failed"
	OutcomeUnavailable OutcomeKind = "unavailable"
	OutcomeSkipped     OutcomeKind = "skipped"
)

// Outcome is the verification result fed into the engine alongside the
// transaction.
type Outcome struct {
	Kind     OutcomeKind
	Response *types.SignedOracleResponse // set when Kind == OutcomeVerified
	Reason   string                      // failure detail, or skip reason
	Fallback bool                        // unavailable: whether fallback is allowed
}

// Verified wraps a verified oracle response.
func Verified(resp *types.SignedOracleResponse) Outcome {
	return Outcome{Kind: OutcomeVerified, Response: resp}
}

// Failed records a response that failed verification.
func Failed(reason string) Outcome {
	return Outcome{Kind: OutcomeFailed, Reason: strings.TrimSpace(reason)}
}

// Unavailable records that the oracle could not be reached.
func Unavailable(fallbackAllowed bool) Outcome {
	return Outcome{Kind: OutcomeUnavailable, Fallback: fallbackAllowed}
}

// Skipped records that scoring was deliberately not attempted.
func Skipped(reason string) Outcome {
	return Outcome{Kind: OutcomeSkipped, Reason: strings.TrimSpace(reason)}
}

// TypePolicy holds the thresholds applied to one transaction type.
type TypePolicy struct {
	AutoApproveBelow      float64 `toml:"AutoApproveBelow"`
	AutoRejectAbove       float64 `toml:"AutoRejectAbove"`
	AmountReviewThreshold uint64  `toml:"AmountReviewThreshold"` // 0 disables the gate
	FraudRejectAbove      float64 `toml:"FraudRejectAbove"`
	MinConfidence         float64 `toml:"MinConfidence"`
}

// Penalties are additive pre-adjustments applied to the raw oracle score
// before thresholding. Coefficients are operator policy, not protocol
// invariants.
type Penalties struct {
	LargeAmountThreshold uint64  `toml:"LargeAmountThreshold"`
	LargeAmountPenalty   float64 `toml:"LargeAmountPenalty"`
	SelfTransferPenalty  float64 `toml:"SelfTransferPenalty"`
	LowGasFloor          uint64  `toml:"LowGasFloor"`
	LowGasPenalty        float64 `toml:"LowGasPenalty"`
	HighGasCeiling       uint64  `toml:"HighGasCeiling"`
	HighGasPenalty       float64 `toml:"HighGasPenalty"`
}

// Config carries the per-type policies and penalty coefficients.
type Config struct {
	Default   TypePolicy            `toml:"Default"`
	PerType   map[string]TypePolicy `toml:"PerType"`
	Penalties Penalties             `toml:"Penalties"`
}

// Normalise fills zero-valued policies with the canonical defaults.
func (c Config) Normalise() Config {
	cfg := c
	if cfg.Default == (TypePolicy{}) {
		cfg.Default = TypePolicy{AutoApproveBelow: 0.3, AutoRejectAbove: 0.8, FraudRejectAbove: 0.7, MinConfidence: 0.6}
	}
	if cfg.PerType == nil {
		cfg.PerType = map[string]TypePolicy{
			"transfer":        {AutoApproveBelow: 0.2, AutoRejectAbove: 0.8, AmountReviewThreshold: 1_000_000, FraudRejectAbove: 0.6, MinConfidence: 0.7},
			"contract_deploy": {AutoApproveBelow: 0.1, AutoRejectAbove: 0.7, FraudRejectAbove: 0.5, MinConfidence: 0.8},
			"contract_call":   {AutoApproveBelow: 0.3, AutoRejectAbove: 0.8, AmountReviewThreshold: 500_000, FraudRejectAbove: 0.7, MinConfidence: 0.6},
			"stake":           {AutoApproveBelow: 0.4, AutoRejectAbove: 0.9, AmountReviewThreshold: 10_000_000, FraudRejectAbove: 0.8, MinConfidence: 0.5},
		}
	}
	if cfg.Penalties == (Penalties{}) {
		cfg.Penalties = Penalties{
			LargeAmountThreshold: 10_000,
			LargeAmountPenalty:   0.25,
			SelfTransferPenalty:  0.3,
			LowGasFloor:          1_000,
			LowGasPenalty:        0.05,
			HighGasCeiling:       1_000_000,
			HighGasPenalty:       0.05,
		}
	}
	return cfg
}

// Assessment bundles the decision with the annotations destined for the
// audit trail.
type Assessment struct {
	Decision  Decision
	Outcome   Outcome
	Penalties []string
	Heuristic bool
	Elapsed   time.Duration
}

// Engine evaluates transactions against the configured policy.
type Engine struct {
	cfg   Config
	clock func() time.Time
}

// NewEngine constructs a risk engine with the supplied policy.
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg.Normalise(), clock: time.Now}
}

// SetClock overrides the time source, enabling deterministic unit tests.
func (e *Engine) SetClock(clock func() time.Time) {
	if e == nil || clock == nil {
		return
	}
	e.clock = clock
}

func (e *Engine) policyFor(txType types.TxType) TypePolicy {
	if policy, ok := e.cfg.PerType[txType.String()]; ok {
		return policy
	}
	return e.cfg.Default
}

// Assess produces the admission decision for a transaction given how oracle
// verification concluded. A verified response drives a threshold decision on
// penalty-adjusted scores; anything else degrades to heuristics-only
// decisioning and is never silently auto-approved.
func (e *Engine) Assess(tx *types.Transaction, outcome Outcome) (Assessment, error) {
	if e == nil {
		return Assessment{}, fmt.Errorf("risk engine not initialised")
	}
	if tx == nil {
		return Assessment{}, fmt.Errorf("risk: nil transaction")
	}
	start := e.clock()
	assessment := Assessment{Outcome: outcome}

	var risk, fraud, confidence float64
	switch outcome.Kind {
	case OutcomeVerified:
		if outcome.Response == nil {
			return Assessment{}, fmt.Errorf("risk: verified outcome without response")
		}
		risk = outcome.Response.CombinedScore()
		fraud = outcome.Response.FraudProbability
		confidence = outcome.Response.Confidence
	default:
		// Heuristics-only path: scores come from local inspection and the
		// confidence floor is bypassed since there is no model confidence
		// to evaluate.
		risk, fraud = e.heuristicScores(tx, &assessment)
		confidence = 1
		assessment.Heuristic = true
	}

	adjusted := risk
	if outcome.Kind == OutcomeVerified {
		adjusted = e.applyPenalties(tx, risk, &assessment)
	}

	policy := e.policyFor(tx.Type)
	decision := e.decide(tx, policy, adjusted, fraud, confidence, outcome)
	decision.RiskScore = adjusted
	decision.FraudProbability = fraud
	decision.Confidence = confidence

	assessment.Decision = decision
	assessment.Elapsed = e.clock().Sub(start)
	return assessment, nil
}

// decide applies the threshold checks in their fixed order.
func (e *Engine) decide(tx *types.Transaction, policy TypePolicy, risk, fraud, confidence float64, outcome Outcome) Decision {
	if outcome.Kind == OutcomeVerified && confidence < policy.MinConfidence {
		return RequireReview(fmt.Sprintf("confidence %.2f below floor %.2f", confidence, policy.MinConfidence))
	}
	if fraud > policy.FraudRejectAbove {
		return AutoReject(fmt.Sprintf("fraud probability %.2f above %.2f", fraud, policy.FraudRejectAbove))
	}
	if policy.AmountReviewThreshold > 0 && tx.AmountUint64() > policy.AmountReviewThreshold {
		return RequireReview(fmt.Sprintf("amount %d above review threshold %d", tx.AmountUint64(), policy.AmountReviewThreshold))
	}
	if risk >= policy.AutoRejectAbove {
		return AutoReject(fmt.Sprintf("risk score %.2f at or above %.2f", risk, policy.AutoRejectAbove))
	}
	if outcome.Kind != OutcomeVerified {
		// Degraded decisioning. A response that failed verification is
		// never auto-approved, and neither is an unreachable oracle unless
		// fallback was explicitly allowed.
		if outcome.Kind == OutcomeFailed {
			return RequireReview("oracle response failed verification")
		}
		if outcome.Kind == OutcomeUnavailable && !outcome.Fallback {
			return RequireReview("ai verification unavailable, fallback not permitted")
		}
		if risk <= policy.AutoApproveBelow {
			return AutoApprove()
		}
		return RequireReview(fmt.Sprintf("heuristic risk score %.2f", risk))
	}
	if risk <= policy.AutoApproveBelow {
		return AutoApprove()
	}
	return RequireReview(fmt.Sprintf("risk score %.2f in review band", risk))
}

// heuristicScores inspects the transaction locally: amount, gas and
// self-transfer shape only.
func (e *Engine) heuristicScores(tx *types.Transaction, assessment *Assessment) (risk, fraud float64) {
	p := e.cfg.Penalties
	if tx.Amount == nil || tx.Amount.Sign() == 0 {
		assessment.Penalties = append(assessment.Penalties, "zero_amount")
		return 1, 1
	}
	risk = e.applyPenalties(tx, 0, assessment)
	if tx.IsSelfTransfer() {
		fraud = p.SelfTransferPenalty
	}
	return risk, fraud
}

// applyPenalties folds the additive pre-adjustments into the raw score,
// recording which fired.
func (e *Engine) applyPenalties(tx *types.Transaction, raw float64, assessment *Assessment) float64 {
	p := e.cfg.Penalties
	adjusted := raw
	if p.LargeAmountThreshold > 0 && tx.AmountUint64() > p.LargeAmountThreshold {
		adjusted += p.LargeAmountPenalty
		assessment.Penalties = append(assessment.Penalties, "large_amount")
	}
	if tx.IsSelfTransfer() {
		adjusted += p.SelfTransferPenalty
		assessment.Penalties = append(assessment.Penalties, "self_transfer")
	}
	if p.LowGasFloor > 0 && tx.GasPrice < p.LowGasFloor {
		adjusted += p.LowGasPenalty
		assessment.Penalties = append(assessment.Penalties, "low_gas")
	}
	if p.HighGasCeiling > 0 && tx.GasPrice > p.HighGasCeiling {
		adjusted += p.HighGasPenalty
		assessment.Penalties = append(assessment.Penalties, "high_gas")
	}
	if adjusted > 1 {
		adjusted = 1
	}
	return adjusted
}
