// Package pipeline drives the per-tick admission cycle: it pulls eligible
// transactions from the mempool, obtains signed risk verdicts for them in
// parallel, and routes each transaction to the block candidate, the manual
// review queue, or rejection. Every transaction that enters a tick leaves it
// with exactly one audit record.
package pipeline

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"golang.org/x/sync/errgroup"

	"github.com/DytallixHQ/Dytallix-sub009/consensus/reviewqueue"
	"github.com/DytallixHQ/Dytallix-sub009/consensus/risk"
	"github.com/DytallixHQ/Dytallix-sub009/core/types"
	"github.com/DytallixHQ/Dytallix-sub009/mempool"
	"github.com/DytallixHQ/Dytallix-sub009/observability/metrics"
)

// TxPool is the slice of the mempool the pipeline consumes.
type TxPool interface {
	Snapshot(n int) []*mempool.PendingTx
	Drop(hashes [][]byte)
}

// Scorer obtains risk verdicts from the external oracle.
type Scorer interface {
	BuildRequest(tx *types.Transaction) (*types.ScoreRequest, error)
	Score(ctx context.Context, request *types.ScoreRequest) (*types.SignedOracleResponse, error)
}

// ResponseCache lets the pipeline reuse verdicts for identical requests.
type ResponseCache interface {
	CachedResponse(requestHash string) (*types.SignedOracleResponse, bool)
	StoreResponse(requestHash string, response *types.SignedOracleResponse)
}

// ResponseVerifier validates oracle envelopes before they influence a
// decision.
type ResponseVerifier interface {
	Verify(request *types.ScoreRequest, resp *types.SignedOracleResponse) error
}

// Assessor converts a verification outcome into an admission decision.
type Assessor interface {
	Assess(tx *types.Transaction, outcome risk.Outcome) (risk.Assessment, error)
}

// Reviewer accepts transactions flagged for manual review.
type Reviewer interface {
	Enqueue(tx *types.Transaction, assessment risk.Assessment) (*reviewqueue.Entry, error)
}

// AuditRecorder is the audit surface the pipeline needs.
type AuditRecorder interface {
	Record(txHash string, assessment risk.Assessment, oracleID, requestID, priority string, metadata map[string]string) error
}

// Config bounds one tick.
type Config struct {
	BatchSize         int           `toml:"BatchSize"`
	GasBudget         uint64        `toml:"GasBudget"`
	OracleConcurrency int           `toml:"OracleConcurrency"`
	ScoreTimeout      time.Duration `toml:"ScoreTimeout"`
	FallbackAllowed   bool          `toml:"FallbackAllowed"`
	// StakeQuotaPercent reserves a share of each batch for stake
	// transactions. Zero disables the reservation.
	StakeQuotaPercent int `toml:"StakeQuotaPercent"`
}

// Normalise applies canonical defaults to a defensive copy.
func (c Config) Normalise() Config {
	cfg := c
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.GasBudget == 0 {
		cfg.GasBudget = 10_000_000
	}
	if cfg.OracleConcurrency <= 0 {
		cfg.OracleConcurrency = 8
	}
	if cfg.ScoreTimeout <= 0 {
		cfg.ScoreTimeout = 5 * time.Second
	}
	return cfg
}

// TickResult summarises one admission cycle.
type TickResult struct {
	Proposed []*types.Transaction
	GasUsed  uint64
	Fees     *uint256.Int

	Approved int
	Queued   int
	Rejected int
	Deferred int
	Elapsed  time.Duration
}

// Statistics accumulates tick counters across the pipeline lifetime.
type Statistics struct {
	Ticks          uint64
	Processed      uint64
	Approved       uint64
	Queued         uint64
	Rejected       uint64
	Deferred       uint64
	CacheHits      uint64
	OracleFailures uint64
}

// Pipeline wires the admission components together.
type Pipeline struct {
	cfg      Config
	pool     TxPool
	scorer   Scorer
	cache    ResponseCache
	verifier ResponseVerifier
	engine   Assessor
	reviews  Reviewer
	audit    AuditRecorder
	logger   *slog.Logger

	mu    sync.Mutex
	stats Statistics
}

// New wires a pipeline. All collaborators are required except the cache and
// the logger.
func New(cfg Config, pool TxPool, scorer Scorer, cache ResponseCache, verifier ResponseVerifier, engine Assessor, reviews Reviewer, audit AuditRecorder, logger *slog.Logger) (*Pipeline, error) {
	if pool == nil || scorer == nil || verifier == nil || engine == nil || reviews == nil || audit == nil {
		return nil, fmt.Errorf("pipeline: missing collaborator")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cfg:      cfg.Normalise(),
		pool:     pool,
		scorer:   scorer,
		cache:    cache,
		verifier: verifier,
		engine:   engine,
		reviews:  reviews,
		audit:    audit,
		logger:   logger,
	}, nil
}

// scored carries one transaction through the parallel phase into routing.
type scored struct {
	pending    *mempool.PendingTx
	request    *types.ScoreRequest
	outcome    risk.Outcome
	assessment risk.Assessment
	cacheHit   bool
	skipErr    error // terminal pre-scoring failure, forces rejection
}

// Tick runs one admission cycle and returns the resulting block candidate.
func (p *Pipeline) Tick(ctx context.Context) (*TickResult, error) {
	if p == nil {
		return nil, fmt.Errorf("pipeline not initialised")
	}
	start := time.Now()
	batch := p.snapshotBatch()
	result := &TickResult{Fees: uint256.NewInt(0)}
	if len(batch) == 0 {
		result.Elapsed = time.Since(start)
		p.record(result, 0, 0)
		return result, nil
	}

	items := make([]*scored, len(batch))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(p.cfg.OracleConcurrency)
	for i, pending := range batch {
		group.Go(func() error {
			items[i] = p.score(groupCtx, pending)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, fmt.Errorf("pipeline: scoring phase: %w", err)
	}

	cacheHits, oracleFailures := p.route(items, result)
	result.Elapsed = time.Since(start)
	p.record(result, cacheHits, oracleFailures)
	return result, nil
}

// snapshotBatch pulls the next batch from the pool. With a stake quota
// configured it snapshots twice as deep so reserved slots can be filled by
// stake transactions sitting below the fee cutoff.
func (p *Pipeline) snapshotBatch() []*mempool.PendingTx {
	if p.cfg.StakeQuotaPercent <= 0 {
		return p.pool.Snapshot(p.cfg.BatchSize)
	}
	wide := p.pool.Snapshot(2 * p.cfg.BatchSize)
	ordered, _ := mempool.Schedule(mempool.Classify(wide), p.cfg.BatchSize, mempool.Quota{Percent: p.cfg.StakeQuotaPercent})
	if len(ordered) > p.cfg.BatchSize {
		ordered = ordered[:p.cfg.BatchSize]
	}
	return ordered
}

// score runs the per-transaction parallel phase: local checks, cached or
// fresh oracle verdict, envelope verification, and the risk assessment.
func (p *Pipeline) score(ctx context.Context, pending *mempool.PendingTx) *scored {
	item := &scored{pending: pending}
	tx := pending.Tx

	if err := tx.VerifySignature(); err != nil {
		item.skipErr = fmt.Errorf("invalid transaction signature: %w", err)
		item.outcome = risk.Skipped("invalid transaction signature")
		item.assessment = risk.Assessment{
			Decision: risk.Decision{Kind: risk.DecisionAutoReject, Reason: item.skipErr.Error()},
			Outcome:  item.outcome,
		}
		return item
	}

	request, err := p.scorer.BuildRequest(tx)
	if err != nil {
		item.outcome = risk.Unavailable(p.cfg.FallbackAllowed)
		item.outcome.Reason = err.Error()
	} else {
		item.request = request
		item.outcome, item.cacheHit = p.obtainVerdict(ctx, request)
	}

	assessment, err := p.engine.Assess(tx, item.outcome)
	if err != nil {
		item.skipErr = err
		assessment = risk.Assessment{
			Decision: risk.Decision{Kind: risk.DecisionRequireReview, Reason: "risk assessment failed"},
			Outcome:  item.outcome,
		}
	}
	item.assessment = assessment
	return item
}

func (p *Pipeline) obtainVerdict(ctx context.Context, request *types.ScoreRequest) (risk.Outcome, bool) {
	requestHash, err := request.HashHex()
	if err != nil {
		return risk.Failed(err.Error()), false
	}
	if p.cache != nil {
		if cached, ok := p.cache.CachedResponse(requestHash); ok {
			return risk.Verified(cached), true
		}
	}

	scoreCtx, cancel := context.WithTimeout(ctx, p.cfg.ScoreTimeout)
	defer cancel()
	started := time.Now()
	resp, err := p.scorer.Score(scoreCtx, request)
	metrics.Admission().ObserveOracleLatency(time.Since(started))
	if err != nil {
		outcome := risk.Unavailable(p.cfg.FallbackAllowed)
		outcome.Reason = err.Error()
		return outcome, false
	}
	if err := p.verifier.Verify(request, resp); err != nil {
		return risk.Failed(err.Error()), false
	}
	if p.cache != nil {
		p.cache.StoreResponse(requestHash, resp)
	}
	return risk.Verified(resp), false
}

// route walks the scored batch in snapshot order so block construction stays
// deterministic, then applies each decision.
func (p *Pipeline) route(items []*scored, result *TickResult) (cacheHits, oracleFailures int) {
	drops := make([][]byte, 0, len(items))
	admission := metrics.Admission()
	for _, item := range items {
		admission.ObserveDecision(string(item.assessment.Decision.Kind))
		admission.ObserveVerification(string(item.outcome.Kind))
		if item.cacheHit {
			cacheHits++
		}
		if item.outcome.Kind == risk.OutcomeUnavailable || item.outcome.Kind == risk.OutcomeFailed {
			oracleFailures++
		}

		tx := item.pending.Tx
		txHash := hex.EncodeToString(item.pending.Hash)
		priority := ""
		dropped := false

		switch item.assessment.Decision.Kind {
		case risk.DecisionAutoApprove:
			if result.GasUsed+tx.GasLimit <= p.cfg.GasBudget {
				result.Proposed = append(result.Proposed, tx)
				result.GasUsed += tx.GasLimit
				fee := new(uint256.Int).Mul(uint256.NewInt(tx.GasPrice), uint256.NewInt(tx.GasLimit))
				result.Fees.Add(result.Fees, fee)
				result.Approved++
				dropped = true
			} else {
				// Over budget: the transaction stays pooled for the
				// next candidate.
				result.Deferred++
			}
		case risk.DecisionRequireReview:
			entry, err := p.reviews.Enqueue(tx, item.assessment)
			switch {
			case err == nil:
				priority = entry.Priority.String()
				result.Queued++
				dropped = true
			case errors.Is(err, reviewqueue.ErrDuplicate):
				result.Queued++
				dropped = true
			default:
				p.logger.Warn("pipeline: review enqueue failed", "tx", mempool.DescribeHash(item.pending.Hash), "error", err)
				result.Deferred++
			}
		case risk.DecisionAutoReject:
			result.Rejected++
			dropped = true
		default:
			result.Deferred++
		}

		if dropped {
			drops = append(drops, item.pending.Hash)
		}

		oracleID, requestID := "", ""
		if item.request != nil {
			requestID = item.request.RequestID
		}
		if item.outcome.Kind == risk.OutcomeVerified && item.outcome.Response != nil {
			oracleID = item.outcome.Response.OracleID
		}
		if err := p.audit.Record(txHash, item.assessment, oracleID, requestID, priority, nil); err != nil {
			p.logger.Warn("pipeline: audit record failed", "tx", mempool.DescribeHash(item.pending.Hash), "error", err)
		}
	}
	if len(drops) > 0 {
		p.pool.Drop(drops)
	}
	return cacheHits, oracleFailures
}

func (p *Pipeline) record(result *TickResult, cacheHits, oracleFailures int) {
	metrics.Admission().ObserveTick(result.Elapsed)
	p.mu.Lock()
	p.stats.Ticks++
	p.stats.Processed += uint64(result.Approved + result.Queued + result.Rejected + result.Deferred)
	p.stats.Approved += uint64(result.Approved)
	p.stats.Queued += uint64(result.Queued)
	p.stats.Rejected += uint64(result.Rejected)
	p.stats.Deferred += uint64(result.Deferred)
	p.stats.CacheHits += uint64(cacheHits)
	p.stats.OracleFailures += uint64(oracleFailures)
	p.mu.Unlock()
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Statistics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Run drives ticks at the supplied interval until the context is cancelled.
func (p *Pipeline) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			result, err := p.Tick(ctx)
			if err != nil {
				p.logger.Error("pipeline: tick failed", "error", err)
				continue
			}
			p.logger.Info("pipeline: tick complete",
				"proposed", len(result.Proposed),
				"approved", result.Approved,
				"queued", result.Queued,
				"rejected", result.Rejected,
				"deferred", result.Deferred,
				"gas_used", result.GasUsed,
				"elapsed", result.Elapsed,
			)
		}
	}
}
