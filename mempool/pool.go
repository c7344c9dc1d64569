package mempool

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/DytallixHQ/Dytallix-sub009/core/types"
	"github.com/DytallixHQ/Dytallix-sub009/observability/metrics"
)

// Config captures the operator-tunable admission limits.
type Config struct {
	MaxTxBytes     int    `toml:"MaxTxBytes"`
	MinGasPrice    uint64 `toml:"MinGasPrice"`
	MaxTxs         int    `toml:"MaxTxs"`
	MaxTotalBytes  int64  `toml:"MaxTotalBytes"`
	VerifyEnvelope bool   `toml:"VerifyEnvelope"`
}

// Normalise applies canonical defaults to a defensive copy.
func (c Config) Normalise() Config {
	cfg := c
	if cfg.MaxTxBytes <= 0 {
		cfg.MaxTxBytes = 1 << 20 // 1 MiB
	}
	if cfg.MinGasPrice == 0 {
		cfg.MinGasPrice = 1000
	}
	if cfg.MaxTxs <= 0 {
		cfg.MaxTxs = 10_000
	}
	if cfg.MaxTotalBytes <= 0 {
		cfg.MaxTotalBytes = 100 << 20 // 100 MiB
	}
	return cfg
}

// PendingTx wraps an admitted transaction with its bookkeeping metadata.
type PendingTx struct {
	Tx         *types.Transaction
	Hash       []byte
	Size       int
	AdmittedAt time.Time
}

// entry priority: gas price descending, then nonce ascending, then hash
// ascending. The hash tie-break keeps proposal ordering deterministic across
// validators holding the same pool contents.
func lessPriority(a, b *PendingTx) bool {
	if a.Tx.GasPrice != b.Tx.GasPrice {
		return a.Tx.GasPrice > b.Tx.GasPrice
	}
	if a.Tx.Nonce != b.Tx.Nonce {
		return a.Tx.Nonce < b.Tx.Nonce
	}
	return bytes.Compare(a.Hash, b.Hash) < 0
}

// NonceSource resolves the next expected nonce for a sender. In production
// this is backed by account state; tests supply a fixture.
type NonceSource interface {
	NextNonce(sender []byte) (uint64, error)
}

// Pool holds admitted transactions ordered for block proposal. Transactions
// whose nonce is ahead of the sender's next expected nonce are parked in a
// deferred set and promoted once the gap closes; they are never orderable and
// never dropped by a proposal tick.
type Pool struct {
	mu  sync.RWMutex
	cfg Config

	eligible   []*PendingTx          // sorted by lessPriority
	byHash     map[string]*PendingTx // eligible and deferred
	deferred   map[string][]*PendingTx
	nextNonces map[string]uint64
	totalBytes int64

	nonces NonceSource
	clock  func() time.Time
}

// New constructs a pool with the supplied limits and nonce source.
func New(cfg Config, nonces NonceSource) *Pool {
	return &Pool{
		cfg:        cfg.Normalise(),
		byHash:     make(map[string]*PendingTx),
		deferred:   make(map[string][]*PendingTx),
		nextNonces: make(map[string]uint64),
		nonces:     nonces,
		clock:      time.Now,
	}
}

// SetClock overrides the time source, enabling deterministic unit tests.
func (p *Pool) SetClock(clock func() time.Time) {
	if p == nil || clock == nil {
		return
	}
	p.clock = clock
}

// Add runs the admission checks in order (size, gas floor, signature,
// duplicate, capacity) and inserts the transaction on success. A non-nil
// RejectionReason describes the first failed check.
func (p *Pool) Add(tx *types.Transaction) (*RejectionReason, error) {
	reason, err := p.add(tx)
	m := metrics.Admission()
	switch {
	case err != nil:
		m.ObserveRejection(string(RejectInternal))
	case reason != nil:
		m.ObserveRejection(reason.MetricLabel())
	default:
		m.ObserveAdmission(tx.Type.String())
		m.SetMempoolSize(p.Len())
		m.SetMempoolBytes(p.TotalBytes())
	}
	return reason, err
}

func (p *Pool) add(tx *types.Transaction) (*RejectionReason, error) {
	if p == nil {
		return nil, fmt.Errorf("mempool: pool not initialised")
	}
	if tx == nil {
		return reject(RejectInternal, "nil transaction"), nil
	}
	size := tx.Size()
	if size <= 0 {
		return reject(RejectInternal, "transaction failed to encode"), nil
	}
	if size > p.cfg.MaxTxBytes {
		return reject(RejectOversized, "tx is %d bytes, limit %d", size, p.cfg.MaxTxBytes), nil
	}
	if tx.GasPrice < p.cfg.MinGasPrice {
		return reject(RejectUnderpricedGas, "gas price %d below floor %d", tx.GasPrice, p.cfg.MinGasPrice), nil
	}
	if p.cfg.VerifyEnvelope {
		if err := tx.VerifySignature(); err != nil {
			return reject(RejectInvalidSignature, "%v", err), nil
		}
	}
	hash, err := tx.Hash()
	if err != nil {
		return reject(RejectInternal, "hash transaction: %v", err), nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	key := string(hash)
	if _, exists := p.byHash[key]; exists {
		return reject(RejectDuplicate, "tx %s already pending", hex.EncodeToString(hash)), nil
	}

	next, err := p.nextNonceLocked(tx.From)
	if err != nil {
		return nil, fmt.Errorf("mempool: resolve nonce: %w", err)
	}
	if tx.Nonce < next {
		return reject(RejectNonceGap, "nonce %d already consumed, next is %d", tx.Nonce, next), nil
	}

	pending := &PendingTx{
		Tx:         tx,
		Hash:       append([]byte(nil), hash...),
		Size:       size,
		AdmittedAt: p.clock().UTC(),
	}

	if reason := p.ensureCapacityLocked(pending); reason != nil {
		return reason, nil
	}

	p.byHash[key] = pending
	p.totalBytes += int64(size)
	if tx.Nonce > next {
		sender := string(tx.From)
		p.deferred[sender] = append(p.deferred[sender], pending)
		sortDeferred(p.deferred[sender])
		return nil, nil
	}
	p.insertEligibleLocked(pending)
	return nil, nil
}

func (p *Pool) nextNonceLocked(sender []byte) (uint64, error) {
	key := string(sender)
	if next, ok := p.nextNonces[key]; ok {
		return next, nil
	}
	if p.nonces == nil {
		p.nextNonces[key] = 0
		return 0, nil
	}
	next, err := p.nonces.NextNonce(sender)
	if err != nil {
		return 0, err
	}
	p.nextNonces[key] = next
	return next, nil
}

func (p *Pool) insertEligibleLocked(pending *PendingTx) {
	idx := sort.Search(len(p.eligible), func(i int) bool {
		return !lessPriority(p.eligible[i], pending)
	})
	p.eligible = append(p.eligible, nil)
	copy(p.eligible[idx+1:], p.eligible[idx:])
	p.eligible[idx] = pending

	// Admitting this nonce may close the gap for deferred successors.
	sender := string(pending.Tx.From)
	p.nextNonces[sender] = pending.Tx.Nonce + 1
	p.promoteDeferredLocked(sender)
}

func (p *Pool) promoteDeferredLocked(sender string) {
	queue := p.deferred[sender]
	for len(queue) > 0 {
		head := queue[0]
		if head.Tx.Nonce != p.nextNonces[sender] {
			break
		}
		queue = queue[1:]
		idx := sort.Search(len(p.eligible), func(i int) bool {
			return !lessPriority(p.eligible[i], head)
		})
		p.eligible = append(p.eligible, nil)
		copy(p.eligible[idx+1:], p.eligible[idx:])
		p.eligible[idx] = head
		p.nextNonces[sender] = head.Tx.Nonce + 1
	}
	if len(queue) == 0 {
		delete(p.deferred, sender)
	} else {
		p.deferred[sender] = queue
	}
}

// ensureCapacityLocked evicts lowest-priority eligible entries until the new
// transaction fits the count and byte budgets. When the newcomer itself is the
// lowest priority entry it is rejected instead.
func (p *Pool) ensureCapacityLocked(pending *PendingTx) *RejectionReason {
	for len(p.byHash) >= p.cfg.MaxTxs || p.totalBytes+int64(pending.Size) > p.cfg.MaxTotalBytes {
		if len(p.eligible) == 0 {
			return reject(RejectPoolFull, "pool holds %d txs / %d bytes", len(p.byHash), p.totalBytes)
		}
		victim := p.eligible[len(p.eligible)-1]
		if lessPriority(victim, pending) || bytes.Equal(victim.Hash, pending.Hash) {
			return reject(RejectPoolFull, "tx priority below pool floor")
		}
		p.eligible = p.eligible[:len(p.eligible)-1]
		delete(p.byHash, string(victim.Hash))
		p.totalBytes -= int64(victim.Size)
	}
	return nil
}

// Snapshot returns up to n highest-priority eligible transactions without
// removing them. The slice is a copy; the pool retains ownership of entries.
func (p *Pool) Snapshot(n int) []*PendingTx {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if n <= 0 || n > len(p.eligible) {
		n = len(p.eligible)
	}
	out := make([]*PendingTx, n)
	copy(out, p.eligible[:n])
	return out
}

// Drop removes the supplied hashes from the pool, promoting deferred
// successors whose nonce gap closes as a result.
func (p *Pool) Drop(hashes [][]byte) {
	if p == nil || len(hashes) == 0 {
		return
	}
	defer func() {
		m := metrics.Admission()
		m.SetMempoolSize(p.Len())
		m.SetMempoolBytes(p.TotalBytes())
	}()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, hash := range hashes {
		key := string(hash)
		pending, ok := p.byHash[key]
		if !ok {
			continue
		}
		delete(p.byHash, key)
		p.totalBytes -= int64(pending.Size)
		for i, candidate := range p.eligible {
			if bytes.Equal(candidate.Hash, hash) {
				p.eligible = append(p.eligible[:i], p.eligible[i+1:]...)
				break
			}
		}
		sender := string(pending.Tx.From)
		queue := p.deferred[sender]
		for i, candidate := range queue {
			if bytes.Equal(candidate.Hash, hash) {
				p.deferred[sender] = append(queue[:i], queue[i+1:]...)
				break
			}
		}
		if len(p.deferred[sender]) == 0 {
			delete(p.deferred, sender)
		}
	}
}

// Len reports the number of transactions currently held, deferred included.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byHash)
}

// EligibleLen reports how many transactions are orderable for proposal.
func (p *Pool) EligibleLen() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.eligible)
}

// TotalBytes reports the aggregate encoded size of held transactions.
func (p *Pool) TotalBytes() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.totalBytes
}

// CurrentMinGasPrice reports the gas price a newcomer must beat to displace
// the pool floor. With headroom available it returns the configured floor.
func (p *Pool) CurrentMinGasPrice() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.byHash) < p.cfg.MaxTxs || len(p.eligible) == 0 {
		return p.cfg.MinGasPrice
	}
	floor := p.eligible[len(p.eligible)-1].Tx.GasPrice
	if floor < p.cfg.MinGasPrice {
		return p.cfg.MinGasPrice
	}
	return floor
}

// Contains reports whether a transaction hash is already pending.
func (p *Pool) Contains(hash []byte) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.byHash[string(hash)]
	return ok
}

func sortDeferred(queue []*PendingTx) {
	sort.Slice(queue, func(i, j int) bool {
		if queue[i].Tx.Nonce != queue[j].Tx.Nonce {
			return queue[i].Tx.Nonce < queue[j].Tx.Nonce
		}
		return bytes.Compare(queue[i].Hash, queue[j].Hash) < 0
	})
}

// DescribeHash renders a short hash prefix for log lines.
func DescribeHash(hash []byte) string {
	encoded := hex.EncodeToString(hash)
	if len(encoded) > 12 {
		return encoded[:12]
	}
	return strings.TrimSpace(encoded)
}
