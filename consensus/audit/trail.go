// Package audit provides the durable record of every admission decision. The
// trail buffers entries in memory and flushes them to the key-value store in
// batches; a flush failure is retried on the next interval and surfaced
// through statistics rather than blocking transaction processing.
//
// The trail is also the feedback channel that carries reviewer verdicts on
// oracle-flagged transactions back to the registry, so the registry and the
// review surface never call each other directly.
package audit

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"lukechampine.com/blake3"

	"github.com/DytallixHQ/Dytallix-sub009/consensus/risk"
	"github.com/DytallixHQ/Dytallix-sub009/observability/metrics"
	"github.com/DytallixHQ/Dytallix-sub009/storage"
)

// ComplianceState tracks the regulatory disposition of one audit entry.
type ComplianceState string

const (
	CompliancePending        ComplianceState = "pending"
	ComplianceAutoApproved   ComplianceState = "auto_approved"
	ComplianceManualRequired ComplianceState = "manual_review_required"
	ComplianceManualApproved ComplianceState = "manual_approved"
	ComplianceFailed         ComplianceState = "failed"
	ComplianceFlagged        ComplianceState = "flagged"
)

// ComplianceStatus couples the state with reviewer metadata.
type ComplianceStatus struct {
	State        ComplianceState `json:"state"`
	Officer      string          `json:"officer,omitempty"`
	Notes        string          `json:"notes,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	Investigator string          `json:"investigator,omitempty"`
	UpdatedAt    int64           `json:"updatedAt,omitempty"`
}

// Entry is one immutable audit record. The integrity digest covers the
// record as written so exported archives can be cross-checked.
type Entry struct {
	AuditID          string            `json:"auditId"`
	TxHash           string            `json:"txHash"`
	BlockNumber      uint64            `json:"blockNumber,omitempty"`
	Timestamp        int64             `json:"timestamp"`
	Outcome          risk.OutcomeKind  `json:"outcome"`
	OutcomeDetail    string            `json:"outcomeDetail,omitempty"`
	Decision         risk.DecisionKind `json:"decision"`
	DecisionReason   string            `json:"decisionReason,omitempty"`
	RiskScore        float64           `json:"riskScore"`
	FraudProbability float64           `json:"fraudProbability"`
	Confidence       float64           `json:"confidence"`
	Penalties        []string          `json:"penalties,omitempty"`
	Priority         string            `json:"priority,omitempty"`
	OracleID         string            `json:"oracleId,omitempty"`
	RequestID        string            `json:"requestId,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	Compliance       ComplianceStatus  `json:"compliance"`
	RetentionUntil   int64             `json:"retentionUntil"`
	Integrity        string            `json:"integrity,omitempty"`
}

// Config bounds the trail's memory footprint and flush cadence.
type Config struct {
	MaxMemoryEntries int           `toml:"MaxMemoryEntries"`
	BatchSize        int           `toml:"BatchSize"`
	FlushInterval    time.Duration `toml:"FlushInterval"`
	RetentionDays    int           `toml:"RetentionDays"`
	KeyPrefix        string        `toml:"KeyPrefix"`
}

// Normalise applies canonical defaults to a defensive copy.
func (c Config) Normalise() Config {
	cfg := c
	if cfg.MaxMemoryEntries <= 0 {
		cfg.MaxMemoryEntries = 10_000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 60 * time.Second
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 2557 // seven years
	}
	if strings.TrimSpace(cfg.KeyPrefix) == "" {
		cfg.KeyPrefix = "audit/"
	}
	return cfg
}

// PerformanceSink receives oracle quality feedback derived from audit
// records. The registry implements this.
type PerformanceSink interface {
	RecordVerification(oracleID string, signatureValid, accurate bool, latency time.Duration) error
}

// Statistics summarises trail health.
type Statistics struct {
	BufferedEntries int
	TotalRecorded   uint64
	TotalFlushed    uint64
	FlushFailures   uint64
	LastFlush       time.Time
}

// Trail buffers and persists audit entries.
type Trail struct {
	mu      sync.Mutex
	cfg     Config
	store   storage.Database
	logger  *slog.Logger
	sink    PerformanceSink
	clock   func() time.Time
	pending []*Entry
	index   map[string][]string // tx hash -> audit ids (buffered and flushed)

	recorded      uint64
	flushed       uint64
	flushFailures uint64
	lastFlush     time.Time
}

// New constructs a trail writing to the supplied store.
func New(cfg Config, store storage.Database, sink PerformanceSink, logger *slog.Logger) *Trail {
	if logger == nil {
		logger = slog.Default()
	}
	return &Trail{
		cfg:    cfg.Normalise(),
		store:  store,
		logger: logger,
		sink:   sink,
		clock:  time.Now,
		index:  make(map[string][]string),
	}
}

// SetClock overrides the time source, enabling deterministic unit tests.
func (t *Trail) SetClock(clock func() time.Time) {
	if t == nil || clock == nil {
		return
	}
	t.mu.Lock()
	t.clock = clock
	t.mu.Unlock()
}

// Record appends an audit entry for one processed transaction. Exactly one
// entry is expected per transaction per tick. Signature-level oracle feedback
// is reported by the verifier at verification time; the trail only forwards
// reviewer judgments, via UpdateCompliance.
func (t *Trail) Record(txHash string, assessment risk.Assessment, oracleID, requestID, priority string, metadata map[string]string) (*Entry, error) {
	if t == nil {
		return nil, fmt.Errorf("audit trail not initialised")
	}
	txHash = strings.ToLower(strings.TrimSpace(txHash))
	if txHash == "" {
		return nil, fmt.Errorf("audit: tx hash required")
	}

	t.mu.Lock()
	now := t.clock().UTC()
	entry := &Entry{
		AuditID:          uuid.NewString(),
		TxHash:           txHash,
		Timestamp:        now.Unix(),
		Outcome:          assessment.Outcome.Kind,
		OutcomeDetail:    assessment.Outcome.Reason,
		Decision:         assessment.Decision.Kind,
		DecisionReason:   assessment.Decision.Reason,
		RiskScore:        assessment.Decision.RiskScore,
		FraudProbability: assessment.Decision.FraudProbability,
		Confidence:       assessment.Decision.Confidence,
		Penalties:        append([]string(nil), assessment.Penalties...),
		Priority:         priority,
		OracleID:         strings.ToLower(strings.TrimSpace(oracleID)),
		RequestID:        requestID,
		Metadata:         metadata,
		Compliance:       complianceFor(assessment.Decision.Kind, now),
		RetentionUntil:   now.AddDate(0, 0, t.cfg.RetentionDays).Unix(),
	}
	entry.Integrity = integrityDigest(entry)

	if len(t.pending) >= t.cfg.MaxMemoryEntries {
		// Drop-oldest under sustained flush failure keeps the validator
		// alive; the gap is visible through FlushFailures.
		t.pending = t.pending[1:]
		t.flushFailures++
	}
	t.pending = append(t.pending, entry)
	t.index[txHash] = append(t.index[txHash], entry.AuditID)
	t.recorded++
	needFlush := len(t.pending) >= t.cfg.BatchSize
	t.mu.Unlock()

	if needFlush {
		if err := t.Flush(); err != nil {
			t.logger.Warn("audit: batch flush failed", "error", err)
		}
	}
	return entry, nil
}

func complianceFor(kind risk.DecisionKind, now time.Time) ComplianceStatus {
	switch kind {
	case risk.DecisionAutoApprove:
		return ComplianceStatus{State: ComplianceAutoApproved, UpdatedAt: now.Unix()}
	case risk.DecisionRequireReview:
		return ComplianceStatus{State: ComplianceManualRequired, UpdatedAt: now.Unix()}
	case risk.DecisionAutoReject:
		return ComplianceStatus{State: ComplianceFailed, Reason: "auto rejected", UpdatedAt: now.Unix()}
	default:
		return ComplianceStatus{State: CompliancePending, UpdatedAt: now.Unix()}
	}
}

// integrityDigest hashes the entry with its Integrity field empty.
func integrityDigest(entry *Entry) string {
	shadow := *entry
	shadow.Integrity = ""
	raw, err := json.Marshal(&shadow)
	if err != nil {
		return ""
	}
	sum := blake3.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Flush persists all buffered entries in batches. Entries that fail to
// persist remain buffered for the next attempt.
func (t *Trail) Flush() error {
	if t == nil {
		return fmt.Errorf("audit trail not initialised")
	}
	if t.store == nil {
		return nil
	}
	t.mu.Lock()
	batch := t.pending
	t.pending = nil
	t.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	var firstErr error
	failed := make([]*Entry, 0)
	for _, entry := range batch {
		raw, err := json.Marshal(entry)
		if err == nil {
			err = t.store.Put(t.entryKey(entry), raw)
		}
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			failed = append(failed, entry)
		}
	}

	t.mu.Lock()
	t.flushed += uint64(len(batch) - len(failed))
	t.lastFlush = t.clock().UTC()
	if len(failed) > 0 {
		t.flushFailures++
		t.pending = append(failed, t.pending...)
	}
	t.mu.Unlock()

	if len(failed) > 0 {
		metrics.Admission().IncAuditFlushFailure()
	}

	if firstErr != nil {
		return fmt.Errorf("audit: flush: %w", firstErr)
	}
	return nil
}

// FlushLoop drives periodic flushes until the context is cancelled. A final
// flush runs on shutdown.
func (t *Trail) FlushLoop(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := t.Flush(); err != nil {
				t.logger.Warn("audit: final flush failed", "error", err)
			}
			return
		case <-ticker.C:
			if err := t.Flush(); err != nil {
				t.logger.Warn("audit: periodic flush failed", "error", err)
			}
		}
	}
}

// UpdateCompliance mutates the compliance status of an entry, e.g. after a
// manual review decision. Officer decisions on oracle-backed entries are
// forwarded to the performance sink so review outcomes move oracle reputation.
func (t *Trail) UpdateCompliance(auditID string, status ComplianceStatus) error {
	if t == nil || t.store == nil {
		return fmt.Errorf("audit trail not initialised")
	}
	t.mu.Lock()
	now := t.clock().UTC()
	for _, entry := range t.pending {
		if entry.AuditID == auditID {
			status.UpdatedAt = now.Unix()
			entry.Compliance = status
			entry.Integrity = integrityDigest(entry)
			oracleID := entry.OracleID
			t.mu.Unlock()
			t.forwardReviewFeedback(oracleID, status)
			return nil
		}
	}
	t.mu.Unlock()

	key := []byte(t.cfg.KeyPrefix + auditID)
	raw, err := t.store.Get(key)
	if err != nil {
		return fmt.Errorf("audit: load %s: %w", auditID, err)
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return fmt.Errorf("audit: decode %s: %w", auditID, err)
	}
	status.UpdatedAt = now.Unix()
	entry.Compliance = status
	entry.Integrity = integrityDigest(&entry)
	updated, err := json.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("audit: encode %s: %w", auditID, err)
	}
	if err := t.store.Put(key, updated); err != nil {
		return err
	}
	t.forwardReviewFeedback(entry.OracleID, status)
	return nil
}

// forwardReviewFeedback reports a reviewer's verdict on an oracle-flagged
// transaction. A rejection confirms the oracle's flag was accurate; an
// approval overturns it. Only officer decisions count, so the automatic
// compliance states set at record time never double-report.
func (t *Trail) forwardReviewFeedback(oracleID string, status ComplianceStatus) {
	if t.sink == nil || oracleID == "" || strings.TrimSpace(status.Officer) == "" {
		return
	}
	var accurate bool
	switch status.State {
	case ComplianceManualApproved:
		accurate = false
	case ComplianceFlagged, ComplianceFailed:
		accurate = true
	default:
		return
	}
	if err := t.sink.RecordVerification(oracleID, true, accurate, 0); err != nil {
		t.logger.Warn("audit: review feedback failed", "oracle", oracleID, "error", err)
	}
}

// ByTransaction returns every audit entry recorded for a transaction hash,
// buffered entries included, ordered by timestamp.
func (t *Trail) ByTransaction(txHash string) ([]*Entry, error) {
	if t == nil {
		return nil, fmt.Errorf("audit trail not initialised")
	}
	txHash = strings.ToLower(strings.TrimSpace(txHash))

	t.mu.Lock()
	ids := append([]string(nil), t.index[txHash]...)
	buffered := make(map[string]*Entry, len(t.pending))
	for _, entry := range t.pending {
		buffered[entry.AuditID] = entry
	}
	t.mu.Unlock()

	entries := make([]*Entry, 0, len(ids))
	for _, id := range ids {
		if entry, ok := buffered[id]; ok {
			clone := *entry
			entries = append(entries, &clone)
			continue
		}
		if t.store == nil {
			continue
		}
		raw, err := t.store.Get([]byte(t.cfg.KeyPrefix + id))
		if err != nil {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			continue
		}
		entries = append(entries, &entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Timestamp < entries[j].Timestamp })
	return entries, nil
}

// Stats returns a snapshot of the trail counters.
func (t *Trail) Stats() Statistics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Statistics{
		BufferedEntries: len(t.pending),
		TotalRecorded:   t.recorded,
		TotalFlushed:    t.flushed,
		FlushFailures:   t.flushFailures,
		LastFlush:       t.lastFlush,
	}
}

func (t *Trail) entryKey(entry *Entry) []byte {
	return []byte(t.cfg.KeyPrefix + entry.AuditID)
}
