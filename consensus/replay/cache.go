// Package replay guards the oracle integration against nonce reuse and
// response replay. Nonces are remembered for a retention window; verified
// responses are cached by request hash so repeated scoring of the same
// transaction within a tick storm does not re-enter the oracle path.
package replay

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/DytallixHQ/Dytallix-sub009/core/types"
)

var (
	// ErrNonceReused indicates the oracle nonce was already consumed.
	ErrNonceReused = errors.New("replay: nonce already consumed")
	// ErrResponseTooOld indicates the response timestamp fell outside the
	// acceptance window in the past.
	ErrResponseTooOld = errors.New("replay: response too old")
	// ErrResponseTooFuture indicates the response timestamp is ahead of
	// local time beyond the tolerated skew.
	ErrResponseTooFuture = errors.New("replay: response timestamp in the future")
)

// Config bounds the cache footprint and acceptance windows.
type Config struct {
	MaxResponseAge     time.Duration `toml:"MaxResponseAge"`
	NonceRetention     time.Duration `toml:"NonceRetention"`
	MaxNonceEntries    int           `toml:"MaxNonceEntries"`
	ResponseTTL        time.Duration `toml:"ResponseTTL"`
	MaxResponseEntries int           `toml:"MaxResponseEntries"`
	TimestampTolerance time.Duration `toml:"TimestampTolerance"`
	CleanupInterval    time.Duration `toml:"CleanupInterval"`
}

// Normalise applies canonical defaults to a defensive copy.
func (c Config) Normalise() Config {
	cfg := c
	if cfg.MaxResponseAge <= 0 {
		cfg.MaxResponseAge = 300 * time.Second
	}
	if cfg.NonceRetention <= 0 {
		cfg.NonceRetention = 600 * time.Second
	}
	if cfg.MaxNonceEntries <= 0 {
		cfg.MaxNonceEntries = 100_000
	}
	if cfg.ResponseTTL <= 0 {
		cfg.ResponseTTL = 300 * time.Second
	}
	if cfg.MaxResponseEntries <= 0 {
		cfg.MaxResponseEntries = 10_000
	}
	if cfg.TimestampTolerance <= 0 {
		cfg.TimestampTolerance = 30 * time.Second
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 60 * time.Second
	}
	return cfg
}

type nonceRecord struct {
	oracleID string
	seenAt   time.Time
}

type responseRecord struct {
	response *types.SignedOracleResponse
	storedAt time.Time
}

// Stats summarises cache occupancy and hit rates for health surfaces.
type Stats struct {
	NonceEntries    int
	ResponseEntries int
	ResponseHits    uint64
	ResponseMisses  uint64
	NoncesRejected  uint64
	Evictions       uint64
}

// Cache is safe for concurrent use by multiple goroutines.
type Cache struct {
	mu     sync.Mutex
	cfg    Config
	nonces map[string]nonceRecord
	resps  *lru.Cache
	clock  func() time.Time

	hits      uint64
	misses    uint64
	rejected  uint64
	evictions uint64
}

// NewCache constructs a replay cache with the supplied bounds.
func NewCache(cfg Config) (*Cache, error) {
	normalised := cfg.Normalise()
	resps, err := lru.New(normalised.MaxResponseEntries)
	if err != nil {
		return nil, fmt.Errorf("replay: response cache: %w", err)
	}
	return &Cache{
		cfg:    normalised,
		nonces: make(map[string]nonceRecord),
		resps:  resps,
		clock:  time.Now,
	}, nil
}

// SetClock overrides the time source, enabling deterministic unit tests.
func (c *Cache) SetClock(clock func() time.Time) {
	if c == nil || clock == nil {
		return
	}
	c.mu.Lock()
	c.clock = clock
	c.mu.Unlock()
}

// CheckTimestamp validates a response timestamp against the acceptance
// window: not older than MaxResponseAge, not further ahead than the skew
// tolerance.
func (c *Cache) CheckTimestamp(signedAt time.Time) error {
	c.mu.Lock()
	now := c.clock().UTC()
	cfg := c.cfg
	c.mu.Unlock()

	if signedAt.After(now.Add(cfg.TimestampTolerance)) {
		return fmt.Errorf("%w: signed %s ahead of local time", ErrResponseTooFuture, signedAt.Sub(now))
	}
	if now.Sub(signedAt) > cfg.MaxResponseAge {
		return fmt.Errorf("%w: signed %s ago", ErrResponseTooOld, now.Sub(signedAt))
	}
	return nil
}

// CheckAndStoreNonce consumes a nonce for an oracle. The second use of the
// same nonce fails with ErrNonceReused until retention expires.
func (c *Cache) CheckAndStoreNonce(oracleID, nonce string) error {
	key := nonceKey(oracleID, nonce)
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock().UTC()
	if record, ok := c.nonces[key]; ok {
		if now.Sub(record.seenAt) <= c.cfg.NonceRetention {
			c.rejected++
			return fmt.Errorf("%w: oracle %s nonce %s", ErrNonceReused, oracleID, nonce)
		}
	}
	if len(c.nonces) >= c.cfg.MaxNonceEntries {
		c.evictOldestNoncesLocked()
	}
	c.nonces[key] = nonceRecord{oracleID: strings.ToLower(oracleID), seenAt: now}
	return nil
}

// evictOldestNoncesLocked drops the oldest tenth of the nonce set so a burst
// of fresh nonces does not thrash the map one entry at a time.
func (c *Cache) evictOldestNoncesLocked() {
	type aged struct {
		key    string
		seenAt time.Time
	}
	entries := make([]aged, 0, len(c.nonces))
	for key, record := range c.nonces {
		entries = append(entries, aged{key: key, seenAt: record.seenAt})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].seenAt.Before(entries[j].seenAt)
	})
	drop := len(entries) / 10
	if drop < 1 {
		drop = 1
	}
	for i := 0; i < drop; i++ {
		delete(c.nonces, entries[i].key)
		c.evictions++
	}
}

// StoreResponse caches a verified response against its request hash.
func (c *Cache) StoreResponse(requestHash string, response *types.SignedOracleResponse) {
	if c == nil || response == nil || strings.TrimSpace(requestHash) == "" {
		return
	}
	c.mu.Lock()
	now := c.clock().UTC()
	c.mu.Unlock()
	c.resps.Add(requestHash, responseRecord{response: response, storedAt: now})
}

// CachedResponse returns the cached response for a request hash when it is
// still within its TTL.
func (c *Cache) CachedResponse(requestHash string) (*types.SignedOracleResponse, bool) {
	value, ok := c.resps.Get(requestHash)
	if !ok {
		c.mu.Lock()
		c.misses++
		c.mu.Unlock()
		return nil, false
	}
	record, ok := value.(responseRecord)
	if !ok {
		return nil, false
	}
	c.mu.Lock()
	now := c.clock().UTC()
	ttl := c.cfg.ResponseTTL
	c.mu.Unlock()
	if now.Sub(record.storedAt) > ttl {
		c.resps.Remove(requestHash)
		c.mu.Lock()
		c.misses++
		c.mu.Unlock()
		return nil, false
	}
	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
	return record.response, true
}

// InvalidateOracle removes every cached response attributed to the supplied
// oracle, typically after the oracle is suspended or slashed.
func (c *Cache) InvalidateOracle(oracleID string) int {
	needle := strings.ToLower(strings.TrimSpace(oracleID))
	if needle == "" {
		return 0
	}
	removed := 0
	for _, key := range c.resps.Keys() {
		value, ok := c.resps.Peek(key)
		if !ok {
			continue
		}
		record, ok := value.(responseRecord)
		if !ok {
			continue
		}
		if strings.ToLower(record.response.OracleID) == needle {
			c.resps.Remove(key)
			removed++
		}
	}
	return removed
}

// CleanupExpired sweeps nonce and response entries past their retention.
// It is driven by a ticker at Config.CleanupInterval.
func (c *Cache) CleanupExpired() (nonces, responses int) {
	c.mu.Lock()
	now := c.clock().UTC()
	for key, record := range c.nonces {
		if now.Sub(record.seenAt) > c.cfg.NonceRetention {
			delete(c.nonces, key)
			nonces++
		}
	}
	ttl := c.cfg.ResponseTTL
	c.mu.Unlock()

	for _, key := range c.resps.Keys() {
		value, ok := c.resps.Peek(key)
		if !ok {
			continue
		}
		record, ok := value.(responseRecord)
		if !ok {
			continue
		}
		if now.Sub(record.storedAt) > ttl {
			c.resps.Remove(key)
			responses++
		}
	}
	return nonces, responses
}

// Interval returns the sweep cadence for the caller's ticker.
func (c *Cache) Interval() time.Duration {
	return c.cfg.CleanupInterval
}

// Statistics reports occupancy and hit counters.
func (c *Cache) Statistics() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		NonceEntries:    len(c.nonces),
		ResponseEntries: c.resps.Len(),
		ResponseHits:    c.hits,
		ResponseMisses:  c.misses,
		NoncesRejected:  c.rejected,
		Evictions:       c.evictions,
	}
}

func nonceKey(oracleID, nonce string) string {
	return strings.ToLower(strings.TrimSpace(oracleID)) + "/" + strings.TrimSpace(nonce)
}
