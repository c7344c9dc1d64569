// Package reviewqueue holds transactions flagged for manual compliance
// review. Entries move through a small state machine (pending, in review,
// approved/rejected/expired) under compare-and-set transitions: an attempt
// from the wrong state is reported to the caller and changes nothing.
package reviewqueue

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/DytallixHQ/Dytallix-sub009/consensus/risk"
	"github.com/DytallixHQ/Dytallix-sub009/core/types"
	"github.com/DytallixHQ/Dytallix-sub009/observability/metrics"
)

// Priority orders pending entries for reviewer attention.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// String renders the priority label used in the API and metrics.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

// State identifies where an entry sits in its review lifecycle.
type State string

const (
	StatePending  State = "pending"
	StateInReview State = "in_review"
	StateApproved State = "approved"
	StateRejected State = "rejected"
	StateExpired  State = "expired"
)

// Status couples the state with its review metadata.
type Status struct {
	State     State
	Officer   string
	StartedAt time.Time
	DecidedAt time.Time
	Notes     string
	Reason    string
	ExpiredAt time.Time
}

var (
	// ErrEntryNotFound indicates an unknown queue identifier.
	ErrEntryNotFound = errors.New("reviewqueue: entry not found")
	// ErrWrongState indicates a transition attempted from an incompatible
	// state. The entry is left untouched.
	ErrWrongState = errors.New("reviewqueue: transition from wrong state")
	// ErrQueueFull indicates the queue reached its configured capacity.
	ErrQueueFull = errors.New("reviewqueue: queue is full")
	// ErrDuplicate indicates the transaction is already queued.
	ErrDuplicate = errors.New("reviewqueue: transaction already queued")
)

// Config bounds queue growth and review service times.
type Config struct {
	MaxQueueSize          int           `toml:"MaxQueueSize"`
	MaxQueueTime          time.Duration `toml:"MaxQueueTime"`
	MaxReviewTime         time.Duration `toml:"MaxReviewTime"`
	HighPriorityThreshold float64       `toml:"HighPriorityThreshold"`
	CriticalThreshold     float64       `toml:"CriticalThreshold"`
	CapacityWarnFraction  float64       `toml:"CapacityWarnFraction"`
}

// Normalise applies canonical defaults to a defensive copy.
func (c Config) Normalise() Config {
	cfg := c
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 1000
	}
	if cfg.MaxQueueTime <= 0 {
		cfg.MaxQueueTime = 72 * time.Hour
	}
	if cfg.MaxReviewTime <= 0 {
		cfg.MaxReviewTime = 24 * time.Hour
	}
	if cfg.HighPriorityThreshold <= 0 || cfg.HighPriorityThreshold > 1 {
		cfg.HighPriorityThreshold = 0.8
	}
	if cfg.CriticalThreshold <= 0 || cfg.CriticalThreshold > 1 {
		cfg.CriticalThreshold = 0.9
	}
	if cfg.CapacityWarnFraction <= 0 || cfg.CapacityWarnFraction > 1 {
		cfg.CapacityWarnFraction = 0.9
	}
	return cfg
}

// Entry is one queued transaction awaiting review.
type Entry struct {
	QueueID          string
	Tx               *types.Transaction
	TxHash           string
	RiskScore        float64
	FraudProbability float64
	Priority         Priority
	Status           Status
	Tags             []string
	EnqueuedAt       time.Time
}

// Clone returns a defensive copy; the transaction pointer is shared.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Tags = append([]string(nil), e.Tags...)
	return &clone
}

// Notifier receives queue lifecycle events. Deliveries must not block the
// queue's lock; implementations are expected to hand off asynchronously.
type Notifier interface {
	HighRiskQueued(entry *Entry)
	EntryExpired(entry *Entry)
	ReviewTimedOut(entry *Entry)
	CapacityWarning(depth, capacity int)
}

// NopNotifier discards all events.
type NopNotifier struct{}

func (NopNotifier) HighRiskQueued(*Entry)    {}
func (NopNotifier) EntryExpired(*Entry)      {}
func (NopNotifier) ReviewTimedOut(*Entry)    {}
func (NopNotifier) CapacityWarning(int, int) {}

// Queue is safe for concurrent use by reviewers and the validation pipeline.
type Queue struct {
	mu       sync.Mutex
	cfg      Config
	entries  map[string]*Entry
	byTxHash map[string]string
	pending  []*Entry // priority-ordered, FIFO within a priority
	active   int      // pending + in-review; resolved entries stay queryable but free capacity
	notifier Notifier
	clock    func() time.Time

	enqueued uint64
	approved uint64
	rejected uint64
	expired  uint64
}

// New constructs a queue with the supplied bounds and notifier.
func New(cfg Config, notifier Notifier) *Queue {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Queue{
		cfg:      cfg.Normalise(),
		entries:  make(map[string]*Entry),
		byTxHash: make(map[string]string),
		notifier: notifier,
		clock:    time.Now,
	}
}

// SetClock overrides the time source, enabling deterministic unit tests.
func (q *Queue) SetClock(clock func() time.Time) {
	if q == nil || clock == nil {
		return
	}
	q.mu.Lock()
	q.clock = clock
	q.mu.Unlock()
}

// PriorityForScore maps an adjusted risk score onto a review priority.
func (q *Queue) PriorityForScore(score float64) Priority {
	switch {
	case score >= q.cfg.CriticalThreshold:
		return PriorityCritical
	case score >= q.cfg.HighPriorityThreshold:
		return PriorityHigh
	case score >= 0.6:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// scoreForOutcome substitutes a fixed severity when the AI layer produced no
// usable score.
func scoreForOutcome(outcome risk.Outcome, score float64) float64 {
	switch outcome.Kind {
	case risk.OutcomeFailed:
		return 1.0
	case risk.OutcomeUnavailable:
		return 0.7
	case risk.OutcomeSkipped:
		return 0.3
	default:
		return score
	}
}

// Enqueue adds a transaction flagged for review. Duplicate transactions are
// rejected by hash; a full queue is reported to the caller rather than
// evicting reviews already pending.
func (q *Queue) Enqueue(tx *types.Transaction, assessment risk.Assessment) (*Entry, error) {
	if q == nil {
		return nil, fmt.Errorf("reviewqueue: queue not initialised")
	}
	if tx == nil {
		return nil, fmt.Errorf("reviewqueue: nil transaction")
	}
	txHash, err := tx.HashHex()
	if err != nil {
		return nil, fmt.Errorf("reviewqueue: hash transaction: %w", err)
	}

	q.mu.Lock()
	if existing, ok := q.byTxHash[txHash]; ok {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: queue id %s", ErrDuplicate, existing)
	}
	if q.active >= q.cfg.MaxQueueSize {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: %d entries", ErrQueueFull, q.cfg.MaxQueueSize)
	}

	now := q.clock().UTC()
	score := scoreForOutcome(assessment.Outcome, assessment.Decision.RiskScore)
	entry := &Entry{
		QueueID:          uuid.NewString(),
		Tx:               tx,
		TxHash:           txHash,
		RiskScore:        score,
		FraudProbability: assessment.Decision.FraudProbability,
		Priority:         q.PriorityForScore(score),
		Status:           Status{State: StatePending},
		Tags:             tagsFor(assessment, score),
		EnqueuedAt:       now,
	}
	q.entries[entry.QueueID] = entry
	q.byTxHash[txHash] = entry.QueueID
	q.insertPendingLocked(entry)
	q.active++
	q.enqueued++

	depth := q.active
	warn := depth >= int(float64(q.cfg.MaxQueueSize)*q.cfg.CapacityWarnFraction)
	clone := entry.Clone()
	q.mu.Unlock()

	q.notifier.HighRiskQueued(clone)
	if warn {
		q.notifier.CapacityWarning(depth, q.cfg.MaxQueueSize)
	}
	return clone, nil
}

func tagsFor(assessment risk.Assessment, score float64) []string {
	tags := make([]string, 0, 4)
	if score > 0.8 {
		tags = append(tags, "high-risk")
	}
	if assessment.Decision.FraudProbability > 0.7 {
		tags = append(tags, "fraud-risk")
	}
	switch assessment.Outcome.Kind {
	case risk.OutcomeUnavailable:
		tags = append(tags, "ai-unavailable")
	case risk.OutcomeSkipped:
		tags = append(tags, "ai-skipped")
	case risk.OutcomeFailed:
		tags = append(tags, "verification-failed")
	}
	if reason := strings.TrimSpace(assessment.Decision.Reason); reason != "" {
		tags = append(tags, "review-reason:"+reason)
	}
	return tags
}

// insertPendingLocked keeps pending ordered by priority descending with FIFO
// order inside one priority band.
func (q *Queue) insertPendingLocked(entry *Entry) {
	idx := sort.Search(len(q.pending), func(i int) bool {
		return q.pending[i].Priority < entry.Priority
	})
	q.pending = append(q.pending, nil)
	copy(q.pending[idx+1:], q.pending[idx:])
	q.pending[idx] = entry
	q.publishDepthLocked()
}

func (q *Queue) removePendingLocked(entry *Entry) {
	for i, candidate := range q.pending {
		if candidate.QueueID == entry.QueueID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			q.publishDepthLocked()
			return
		}
	}
}

func (q *Queue) publishDepthLocked() {
	byPrio := make(map[string]int, 4)
	for _, entry := range q.pending {
		byPrio[entry.Priority.String()]++
	}
	m := metrics.Admission()
	for _, priority := range []Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow} {
		m.SetQueueDepth(priority.String(), byPrio[priority.String()])
	}
}

// StartReview claims a pending entry for an officer. Only Pending entries can
// move to InReview.
func (q *Queue) StartReview(queueID, officer string) (*Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.entries[queueID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, queueID)
	}
	if entry.Status.State != StatePending {
		return nil, fmt.Errorf("%w: %s is %s", ErrWrongState, queueID, entry.Status.State)
	}
	entry.Status = Status{
		State:     StateInReview,
		Officer:   strings.TrimSpace(officer),
		StartedAt: q.clock().UTC(),
	}
	q.removePendingLocked(entry)
	return entry.Clone(), nil
}

// Approve finalises an entry from Pending or InReview.
func (q *Queue) Approve(queueID, officer, notes string) (*Entry, error) {
	return q.finalise(queueID, StateApproved, officer, notes, "")
}

// Reject finalises an entry from Pending or InReview with a reason.
func (q *Queue) Reject(queueID, officer, reason string) (*Entry, error) {
	return q.finalise(queueID, StateRejected, officer, "", reason)
}

func (q *Queue) finalise(queueID string, to State, officer, notes, reason string) (*Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.entries[queueID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, queueID)
	}
	if entry.Status.State != StatePending && entry.Status.State != StateInReview {
		return nil, fmt.Errorf("%w: %s is %s", ErrWrongState, queueID, entry.Status.State)
	}
	if entry.Status.State == StatePending {
		q.removePendingLocked(entry)
	}
	entry.Status = Status{
		State:     to,
		Officer:   strings.TrimSpace(officer),
		StartedAt: entry.Status.StartedAt,
		DecidedAt: q.clock().UTC(),
		Notes:     strings.TrimSpace(notes),
		Reason:    strings.TrimSpace(reason),
	}
	q.active--
	switch to {
	case StateApproved:
		q.approved++
	case StateRejected:
		q.rejected++
	}
	return entry.Clone(), nil
}

// BulkResult reports the per-entry outcomes of a bulk operation. Failures do
// not abort the remainder of the batch.
type BulkResult struct {
	Succeeded []string
	Failed    map[string]string
}

// BulkApprove approves the supplied entries, skipping failures.
func (q *Queue) BulkApprove(queueIDs []string, officer, notes string) BulkResult {
	return q.bulk(queueIDs, func(id string) error {
		_, err := q.Approve(id, officer, notes)
		return err
	})
}

// BulkReject rejects the supplied entries, skipping failures.
func (q *Queue) BulkReject(queueIDs []string, officer, reason string) BulkResult {
	return q.bulk(queueIDs, func(id string) error {
		_, err := q.Reject(id, officer, reason)
		return err
	})
}

func (q *Queue) bulk(queueIDs []string, op func(string) error) BulkResult {
	result := BulkResult{Failed: make(map[string]string)}
	for _, id := range queueIDs {
		if err := op(id); err != nil {
			result.Failed[id] = err.Error()
			continue
		}
		result.Succeeded = append(result.Succeeded, id)
	}
	return result
}

// Pending returns up to limit pending entries in review-priority order.
func (q *Queue) Pending(limit int) []*Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	if limit <= 0 || limit > len(q.pending) {
		limit = len(q.pending)
	}
	out := make([]*Entry, 0, limit)
	for _, entry := range q.pending[:limit] {
		out = append(out, entry.Clone())
	}
	return out
}

// Get returns a copy of one entry.
func (q *Queue) Get(queueID string) (*Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.entries[queueID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, queueID)
	}
	return entry.Clone(), nil
}

// ByTxHash resolves a queue entry from a transaction hash.
func (q *Queue) ByTxHash(txHash string) (*Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id, ok := q.byTxHash[strings.ToLower(strings.TrimSpace(txHash))]
	if !ok {
		return nil, fmt.Errorf("%w: tx %s", ErrEntryNotFound, txHash)
	}
	return q.entries[id].Clone(), nil
}

// CleanupExpired expires pending entries older than MaxQueueTime and reviews
// that exceeded MaxReviewTime. Expired entries stay queryable but leave the
// pending list.
func (q *Queue) CleanupExpired() int {
	q.mu.Lock()
	now := q.clock().UTC()
	expiredEntries := make([]*Entry, 0)
	timedOut := make([]*Entry, 0)
	for _, entry := range q.entries {
		switch entry.Status.State {
		case StatePending:
			if now.Sub(entry.EnqueuedAt) > q.cfg.MaxQueueTime {
				q.removePendingLocked(entry)
				entry.Status = Status{State: StateExpired, ExpiredAt: now}
				q.active--
				q.expired++
				expiredEntries = append(expiredEntries, entry.Clone())
			}
		case StateInReview:
			if now.Sub(entry.Status.StartedAt) > q.cfg.MaxReviewTime {
				entry.Status = Status{State: StateExpired, ExpiredAt: now, Officer: entry.Status.Officer}
				q.active--
				q.expired++
				timedOut = append(timedOut, entry.Clone())
			}
		}
	}
	q.mu.Unlock()

	for _, entry := range expiredEntries {
		q.notifier.EntryExpired(entry)
	}
	for _, entry := range timedOut {
		q.notifier.ReviewTimedOut(entry)
	}
	return len(expiredEntries) + len(timedOut)
}

// Statistics summarises queue occupancy for health surfaces.
type Statistics struct {
	Depth         int
	PendingByPrio map[string]int
	TotalEnqueued uint64
	TotalApproved uint64
	TotalRejected uint64
	TotalExpired  uint64
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() Statistics {
	q.mu.Lock()
	defer q.mu.Unlock()
	byPrio := make(map[string]int, 4)
	for _, entry := range q.pending {
		byPrio[entry.Priority.String()]++
	}
	return Statistics{
		Depth:         len(q.pending),
		PendingByPrio: byPrio,
		TotalEnqueued: q.enqueued,
		TotalApproved: q.approved,
		TotalRejected: q.rejected,
		TotalExpired:  q.expired,
	}
}
