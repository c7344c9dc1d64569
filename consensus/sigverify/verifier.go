// Package sigverify validates signed oracle responses before their scores are
// allowed to influence admission decisions. Checks run in a fixed order:
// freshness, oracle standing, replay, certificate chain, then the
// post-quantum signature itself. The ordering matters: cheap checks run
// first, and a replayed response must be reported as a replay even when its
// signature would also fail.
package sigverify

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/DytallixHQ/Dytallix-sub009/consensus/registry"
	"github.com/DytallixHQ/Dytallix-sub009/consensus/replay"
	"github.com/DytallixHQ/Dytallix-sub009/core/types"
	"github.com/DytallixHQ/Dytallix-sub009/crypto/pqc"
)

// Code identifies the verification failure category.
type Code string

const (
	CodeInvalidSignature        Code = "invalid_signature"
	CodeOracleNotFound          Code = "oracle_not_found"
	CodeOracleNotTrusted        Code = "oracle_not_trusted"
	CodeCertificateError        Code = "certificate_error"
	CodeResponseExpired         Code = "response_expired"
	CodeReplayAttack            Code = "replay_attack"
	CodeRequestResponseMismatch Code = "request_response_mismatch"
	CodeTimestampError          Code = "timestamp_error"
	CodeVerificationFailed      Code = "verification_failed"
)

// Error wraps a verification failure with its category so callers can route
// the transaction to local-heuristic fallback with an audit annotation.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("sigverify: %s", e.Code)
	}
	return fmt.Sprintf("sigverify: %s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func fail(code Code, err error) *Error {
	return &Error{Code: code, Err: err}
}

// CodeOf extracts the verification code from an error chain, defaulting to
// verification_failed.
func CodeOf(err error) Code {
	var verr *Error
	if errors.As(err, &verr) {
		return verr.Code
	}
	return CodeVerificationFailed
}

// Config bounds the freshness windows applied before any cryptography runs.
type Config struct {
	MinOracleReputation float64       `toml:"MinOracleReputation"`
	MaxSignatureAge     time.Duration `toml:"MaxSignatureAge"`
	MaxResponseAge      time.Duration `toml:"MaxResponseAge"`
	ClockSkew           time.Duration `toml:"ClockSkew"`
}

// Normalise applies canonical defaults to a defensive copy.
func (c Config) Normalise() Config {
	cfg := c
	if cfg.MinOracleReputation <= 0 || cfg.MinOracleReputation > 1 {
		cfg.MinOracleReputation = 0.7
	}
	if cfg.MaxSignatureAge <= 0 {
		cfg.MaxSignatureAge = 600 * time.Second
	}
	if cfg.MaxResponseAge <= 0 {
		cfg.MaxResponseAge = 300 * time.Second
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 30 * time.Second
	}
	return cfg
}

// OracleDirectory is the registry surface the verifier depends on.
type OracleDirectory interface {
	Get(id string) (*registry.OracleEntry, error)
	RecordVerification(id string, signatureValid, accurate bool, latency time.Duration) error
}

// Verifier checks signed oracle responses against the registry and replay
// cache.
type Verifier struct {
	cfg     Config
	oracles OracleDirectory
	replay  *replay.Cache
	clock   func() time.Time
}

// New constructs a verifier bound to an oracle directory and replay cache.
func New(cfg Config, oracles OracleDirectory, cache *replay.Cache) *Verifier {
	return &Verifier{
		cfg:     cfg.Normalise(),
		oracles: oracles,
		replay:  cache,
		clock:   time.Now,
	}
}

// SetClock overrides the time source, enabling deterministic unit tests.
func (v *Verifier) SetClock(clock func() time.Time) {
	if v == nil || clock == nil {
		return
	}
	v.clock = clock
}

// Verify validates a response end to end. When request is non-nil the
// response must additionally echo the request hash. On success the oracle's
// performance counters are updated with the observed latency.
func (v *Verifier) Verify(request *types.ScoreRequest, resp *types.SignedOracleResponse) error {
	if v == nil {
		return fmt.Errorf("sigverify: verifier not initialised")
	}
	if resp == nil {
		return fail(CodeVerificationFailed, fmt.Errorf("nil response"))
	}
	now := v.clock().UTC()

	// (a) freshness
	if resp.ExpiresAt > 0 && now.Unix() > resp.ExpiresAt {
		return fail(CodeResponseExpired, fmt.Errorf("expired at %d", resp.ExpiresAt))
	}
	signedAt := time.Unix(resp.SignedAt, 0).UTC()
	if signedAt.After(now.Add(v.cfg.ClockSkew)) {
		return fail(CodeTimestampError, fmt.Errorf("signed %s in the future", signedAt.Sub(now)))
	}
	if now.Sub(signedAt) > v.cfg.MaxSignatureAge+v.cfg.ClockSkew {
		return fail(CodeResponseExpired, fmt.Errorf("signature is %s old", now.Sub(signedAt)))
	}
	if resp.IssuedAt > 0 {
		issuedAt := time.Unix(resp.IssuedAt, 0).UTC()
		if now.Sub(issuedAt) > v.cfg.MaxResponseAge+v.cfg.ClockSkew {
			return fail(CodeResponseExpired, fmt.Errorf("response is %s old", now.Sub(issuedAt)))
		}
	}

	// (b) oracle standing
	entry, err := v.oracles.Get(resp.OracleID)
	if err != nil {
		return fail(CodeOracleNotFound, err)
	}
	if entry.Status != registry.StatusActive {
		return fail(CodeOracleNotTrusted, fmt.Errorf("oracle %s is %s", entry.ID, entry.Status))
	}
	if entry.Reputation < v.cfg.MinOracleReputation {
		return fail(CodeOracleNotTrusted, fmt.Errorf("oracle %s reputation %.3f below %.2f", entry.ID, entry.Reputation, v.cfg.MinOracleReputation))
	}

	// (c) replay
	if v.replay != nil {
		if err := v.replay.CheckAndStoreNonce(resp.OracleID, resp.Nonce); err != nil {
			return fail(CodeReplayAttack, err)
		}
	}

	// (d) certificate chain
	if err := v.checkCertificates(resp, now); err != nil {
		return err
	}

	// (e) request binding, when the caller retained the request
	if request != nil {
		wantHash, err := request.HashHex()
		if err != nil {
			return fail(CodeVerificationFailed, err)
		}
		if !strings.EqualFold(strings.TrimSpace(resp.RequestHash), wantHash) {
			return fail(CodeRequestResponseMismatch, fmt.Errorf("response for request %s, expected %s", resp.RequestHash, wantHash))
		}
	}

	// (f) post-quantum signature over the canonical digest
	digest, err := resp.SignableBytes()
	if err != nil {
		return fail(CodeVerificationFailed, err)
	}
	// The envelope is checked against the key on record, not the key the
	// response carries; a mismatched envelope key is an invalid signature.
	var sigErr error
	if strings.TrimSpace(resp.PublicKey) != entry.PublicKey {
		sigErr = fmt.Errorf("envelope key does not match registered key")
	} else {
		sigErr = pqc.VerifyBase64(entry.PublicKey, resp.Signature, digest)
	}

	latency := time.Duration(0)
	if resp.IssuedAt > 0 && resp.SignedAt >= resp.IssuedAt {
		latency = time.Duration(resp.SignedAt-resp.IssuedAt) * time.Second
	}
	if sigErr != nil {
		_ = v.oracles.RecordVerification(entry.ID, false, false, latency)
		return fail(CodeInvalidSignature, sigErr)
	}
	if err := v.oracles.RecordVerification(entry.ID, true, true, latency); err != nil {
		return fail(CodeVerificationFailed, err)
	}
	return nil
}

func (v *Verifier) checkCertificates(resp *types.SignedOracleResponse, now time.Time) error {
	if len(resp.CertificateChain) == 0 {
		return fail(CodeCertificateError, fmt.Errorf("certificate chain is empty"))
	}
	for i, cert := range resp.CertificateChain {
		if !cert.ValidAt(now) {
			return fail(CodeCertificateError, fmt.Errorf("certificate %d outside validity window", i))
		}
	}
	leaf, _ := resp.LeafCertificate()
	if !strings.EqualFold(strings.TrimSpace(leaf.Subject), strings.TrimSpace(resp.OracleID)) {
		return fail(CodeCertificateError, fmt.Errorf("leaf subject %q does not name oracle %q", leaf.Subject, resp.OracleID))
	}
	return nil
}
