// Package registry tracks the set of risk oracles permitted to sign scoring
// responses: their stake, lifecycle status, reputation, and slashing state.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/DytallixHQ/Dytallix-sub009/storage"
)

// OracleStatus enumerates the oracle lifecycle states.
type OracleStatus string

const (
	StatusPending   OracleStatus = "pending"
	StatusActive    OracleStatus = "active"
	StatusSuspended OracleStatus = "suspended"
	StatusSlashed   OracleStatus = "slashed"
	StatusWithdrawn OracleStatus = "withdrawn"
)

var (
	// ErrOracleNotFound indicates the oracle identifier is unknown.
	ErrOracleNotFound = errors.New("registry: oracle not found")
	// ErrOracleExists indicates a duplicate registration attempt.
	ErrOracleExists = errors.New("registry: oracle already registered")
	// ErrInsufficientStake indicates the bonded stake is below the floor.
	ErrInsufficientStake = errors.New("registry: stake below minimum")
	// ErrRegistryFull indicates the oracle set reached capacity.
	ErrRegistryFull = errors.New("registry: oracle capacity reached")
	// ErrBlacklisted indicates the oracle identity is barred.
	ErrBlacklisted = errors.New("registry: oracle is blacklisted")
	// ErrNotWhitelisted indicates whitelist enforcement rejected the oracle.
	ErrNotWhitelisted = errors.New("registry: oracle is not whitelisted")
	// ErrInvalidTransition indicates the requested status change is not
	// permitted from the oracle's current state.
	ErrInvalidTransition = errors.New("registry: invalid status transition")
)

// Config captures the registry guardrails parsed from configuration.
type Config struct {
	MinStake          string        `toml:"MinStake"`
	MaxOracles        int           `toml:"MaxOracles"`
	MinReputation     float64       `toml:"MinReputation"`
	ReputationDecay   float64       `toml:"ReputationDecay"`
	SlashFraction     float64       `toml:"SlashFraction"`
	SlashGracePeriod  time.Duration `toml:"SlashGracePeriod"`
	EnforceWhitelist  bool          `toml:"EnforceWhitelist"`
	PersistencePrefix string        `toml:"PersistencePrefix"`
}

// Normalise applies canonical defaults to a defensive copy.
func (c Config) Normalise() Config {
	cfg := c
	if strings.TrimSpace(cfg.MinStake) == "" {
		cfg.MinStake = "1000000000"
	}
	if cfg.MaxOracles <= 0 {
		cfg.MaxOracles = 100
	}
	if cfg.MinReputation <= 0 || cfg.MinReputation > 1 {
		cfg.MinReputation = 0.7
	}
	if cfg.ReputationDecay <= 0 || cfg.ReputationDecay > 1 {
		cfg.ReputationDecay = 0.99
	}
	if cfg.SlashFraction <= 0 || cfg.SlashFraction > 1 {
		cfg.SlashFraction = 0.10
	}
	if cfg.SlashGracePeriod <= 0 {
		cfg.SlashGracePeriod = 86_400 * time.Second
	}
	if strings.TrimSpace(cfg.PersistencePrefix) == "" {
		cfg.PersistencePrefix = "oracle-registry/"
	}
	return cfg
}

// minStake parses the configured stake floor.
func (c Config) minStake() (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(c.MinStake), 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("registry: invalid MinStake %q", c.MinStake)
	}
	return amount, nil
}

// Performance aggregates response quality counters for one oracle.
type Performance struct {
	TotalResponses     uint64
	AccurateResponses  uint64
	ValidSignatures    uint64
	InvalidSignatures  uint64
	TotalResponseMilli uint64
}

// AccuracyRate returns the fraction of responses judged accurate.
func (p Performance) AccuracyRate() float64 {
	if p.TotalResponses == 0 {
		return 1
	}
	return float64(p.AccurateResponses) / float64(p.TotalResponses)
}

// SignatureValidRate returns the fraction of responses with valid signatures.
func (p Performance) SignatureValidRate() float64 {
	total := p.ValidSignatures + p.InvalidSignatures
	if total == 0 {
		return 1
	}
	return float64(p.ValidSignatures) / float64(total)
}

// ResponseTimeScore maps mean latency into [0,1]; sub-second replies score 1
// and the score decays linearly to 0 at ten seconds.
func (p Performance) ResponseTimeScore() float64 {
	if p.TotalResponses == 0 {
		return 1
	}
	mean := float64(p.TotalResponseMilli) / float64(p.TotalResponses)
	if mean <= 1000 {
		return 1
	}
	if mean >= 10_000 {
		return 0
	}
	return 1 - (mean-1000)/9000
}

// OracleEntry is the registry's record for one oracle.
type OracleEntry struct {
	ID           string
	PublicKey    string // base64 packed ML-DSA key
	Stake        *big.Int
	LockedStake  *big.Int
	Status       OracleStatus
	Reputation   float64
	Performance  Performance
	RegisteredAt time.Time
	ActivatedAt  time.Time
	StatusNote   string

	// Scheduled slashing: amount to lock when the grace period lapses.
	PendingSlash   *big.Int
	SlashExecuteAt time.Time
}

// Clone returns a deep copy to shield callers from concurrent mutation.
func (e *OracleEntry) Clone() *OracleEntry {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Stake != nil {
		clone.Stake = new(big.Int).Set(e.Stake)
	}
	if e.LockedStake != nil {
		clone.LockedStake = new(big.Int).Set(e.LockedStake)
	}
	if e.PendingSlash != nil {
		clone.PendingSlash = new(big.Int).Set(e.PendingSlash)
	}
	return &clone
}

// CacheInvalidator evicts an oracle's cached responses when it leaves the
// signing set, so revoked oracles stop influencing admission through stale
// verdicts. Implementations must not call back into the registry.
type CacheInvalidator interface {
	InvalidateOracle(oracleID string) int
}

// Registry owns the oracle set. All mutations persist through the configured
// key-value store so a restarted validator resumes with the same oracle view.
type Registry struct {
	mu        sync.RWMutex
	cfg       Config
	store     storage.Database
	entries   map[string]*OracleEntry
	whitelist map[string]string // id -> note
	blacklist map[string]string
	revoker   CacheInvalidator
	clock     func() time.Time
	lastDecay time.Time
}

// New constructs a registry, loading any persisted entries from the store.
func New(cfg Config, store storage.Database) (*Registry, error) {
	r := &Registry{
		cfg:       cfg.Normalise(),
		store:     store,
		entries:   make(map[string]*OracleEntry),
		whitelist: make(map[string]string),
		blacklist: make(map[string]string),
		clock:     time.Now,
	}
	if store != nil {
		if err := r.loadAll(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// SetInvalidator attaches the response cache so every transition out of the
// Active set also evicts the oracle's cached verdicts.
func (r *Registry) SetInvalidator(revoker CacheInvalidator) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.revoker = revoker
	r.mu.Unlock()
}

func (r *Registry) revokeLocked(id string) {
	if r.revoker != nil {
		r.revoker.InvalidateOracle(id)
	}
}

// SetClock overrides the time source, enabling deterministic unit tests.
func (r *Registry) SetClock(clock func() time.Time) {
	if r == nil || clock == nil {
		return
	}
	r.mu.Lock()
	r.clock = clock
	r.mu.Unlock()
}

// Register admits a new oracle in Pending status after stake, capacity and
// access-list checks.
func (r *Registry) Register(id, publicKey string, stake *big.Int) (*OracleEntry, error) {
	if r == nil {
		return nil, fmt.Errorf("registry not initialised")
	}
	id = canonicalID(id)
	if id == "" {
		return nil, fmt.Errorf("registry: oracle id required")
	}
	if strings.TrimSpace(publicKey) == "" {
		return nil, fmt.Errorf("registry: public key required")
	}
	minStake, err := r.cfg.minStake()
	if err != nil {
		return nil, err
	}
	if stake == nil || stake.Cmp(minStake) < 0 {
		return nil, fmt.Errorf("%w: need %s", ErrInsufficientStake, minStake)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrOracleExists, id)
	}
	if len(r.entries) >= r.cfg.MaxOracles {
		return nil, fmt.Errorf("%w: %d oracles", ErrRegistryFull, len(r.entries))
	}
	if _, barred := r.blacklist[id]; barred {
		return nil, fmt.Errorf("%w: %s", ErrBlacklisted, id)
	}
	if r.cfg.EnforceWhitelist {
		if _, allowed := r.whitelist[id]; !allowed {
			return nil, fmt.Errorf("%w: %s", ErrNotWhitelisted, id)
		}
	}

	entry := &OracleEntry{
		ID:           id,
		PublicKey:    strings.TrimSpace(publicKey),
		Stake:        new(big.Int).Set(stake),
		LockedStake:  big.NewInt(0),
		Status:       StatusPending,
		Reputation:   1.0,
		RegisteredAt: r.clock().UTC(),
	}
	r.entries[id] = entry
	if err := r.persistLocked(entry); err != nil {
		delete(r.entries, id)
		return nil, err
	}
	return entry.Clone(), nil
}

// Activate promotes a Pending oracle into the Active signing set.
func (r *Registry) Activate(id string) error {
	return r.transition(id, StatusPending, StatusActive, "", func(entry *OracleEntry) {
		entry.ActivatedAt = r.clock().UTC()
	})
}

// Suspend removes an oracle from the signing set without touching stake.
func (r *Registry) Suspend(id, reason string) error {
	return r.transition(id, StatusActive, StatusSuspended, reason, nil)
}

// Reinstate returns a suspended oracle to the active set.
func (r *Registry) Reinstate(id string) error {
	return r.transition(id, StatusSuspended, StatusActive, "", nil)
}

// Withdraw retires an oracle voluntarily. Slashed oracles cannot withdraw.
func (r *Registry) Withdraw(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[canonicalID(id)]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOracleNotFound, id)
	}
	if entry.Status == StatusSlashed {
		return fmt.Errorf("%w: slashed oracle cannot withdraw", ErrInvalidTransition)
	}
	entry.Status = StatusWithdrawn
	r.revokeLocked(entry.ID)
	return r.persistLocked(entry)
}

func (r *Registry) transition(id string, from, to OracleStatus, note string, apply func(*OracleEntry)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[canonicalID(id)]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOracleNotFound, id)
	}
	if entry.Status != from {
		return fmt.Errorf("%w: %s is %s, not %s", ErrInvalidTransition, entry.ID, entry.Status, from)
	}
	entry.Status = to
	entry.StatusNote = strings.TrimSpace(note)
	if apply != nil {
		apply(entry)
	}
	if from == StatusActive && to != StatusActive {
		r.revokeLocked(entry.ID)
	}
	return r.persistLocked(entry)
}

// Get returns a defensive copy of the oracle record.
func (r *Registry) Get(id string) (*OracleEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[canonicalID(id)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOracleNotFound, id)
	}
	return entry.Clone(), nil
}

// Active returns the identifiers of all oracles in the signing set.
func (r *Registry) Active() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id, entry := range r.entries {
		if entry.Status == StatusActive {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// RecordVerification folds one verification outcome into the oracle's
// performance counters and nudges reputation toward the recent success rate.
func (r *Registry) RecordVerification(id string, signatureValid, accurate bool, latency time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[canonicalID(id)]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOracleNotFound, id)
	}
	entry.Performance.TotalResponses++
	if accurate {
		entry.Performance.AccurateResponses++
	}
	if signatureValid {
		entry.Performance.ValidSignatures++
	} else {
		entry.Performance.InvalidSignatures++
	}
	if latency > 0 {
		entry.Performance.TotalResponseMilli += uint64(latency.Milliseconds())
	}
	entry.Reputation = clampUnit(entry.Reputation*0.95 + entry.Performance.SignatureValidRate()*0.05)
	r.maybeSuspendLocked(entry)
	return r.persistLocked(entry)
}

// RecomputeReputation recomputes reputation from the weighted performance
// components: accuracy 0.5, signature validity 0.3, response time 0.2.
func (r *Registry) RecomputeReputation(id string) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[canonicalID(id)]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrOracleNotFound, id)
	}
	perf := entry.Performance
	entry.Reputation = clampUnit(perf.AccuracyRate()*0.5 + perf.SignatureValidRate()*0.3 + perf.ResponseTimeScore()*0.2)
	r.maybeSuspendLocked(entry)
	if err := r.persistLocked(entry); err != nil {
		return 0, err
	}
	return entry.Reputation, nil
}

func (r *Registry) maybeSuspendLocked(entry *OracleEntry) {
	if entry.Status == StatusActive && entry.Reputation < r.cfg.MinReputation {
		entry.Status = StatusSuspended
		entry.StatusNote = fmt.Sprintf("reputation %.3f below floor %.2f", entry.Reputation, r.cfg.MinReputation)
		r.revokeLocked(entry.ID)
	}
}

// Slash penalises an oracle. When immediate, the slash fraction of stake is
// locked at once and the oracle is marked Slashed. Otherwise the slash is
// scheduled after the grace period and the oracle is suspended meanwhile.
func (r *Registry) Slash(id, reason string, immediate bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[canonicalID(id)]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOracleNotFound, id)
	}
	if entry.Status == StatusSlashed || entry.Status == StatusWithdrawn {
		return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, entry.ID, entry.Status)
	}
	amount := slashAmount(entry.Stake, r.cfg.SlashFraction)
	r.revokeLocked(entry.ID)
	if immediate {
		entry.LockedStake = new(big.Int).Add(entry.LockedStake, amount)
		entry.Stake = new(big.Int).Sub(entry.Stake, amount)
		entry.Status = StatusSlashed
		entry.StatusNote = strings.TrimSpace(reason)
		entry.PendingSlash = nil
		entry.SlashExecuteAt = time.Time{}
		return r.persistLocked(entry)
	}
	entry.PendingSlash = amount
	entry.SlashExecuteAt = r.clock().UTC().Add(r.cfg.SlashGracePeriod)
	entry.Status = StatusSuspended
	entry.StatusNote = strings.TrimSpace(reason)
	return r.persistLocked(entry)
}

// ProcessPendingSlashes executes every scheduled slash whose grace period has
// lapsed and returns the identifiers affected.
func (r *Registry) ProcessPendingSlashes() ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock().UTC()
	executed := make([]string, 0)
	for _, entry := range r.entries {
		if entry.PendingSlash == nil || entry.SlashExecuteAt.IsZero() || now.Before(entry.SlashExecuteAt) {
			continue
		}
		entry.LockedStake = new(big.Int).Add(entry.LockedStake, entry.PendingSlash)
		entry.Stake = new(big.Int).Sub(entry.Stake, entry.PendingSlash)
		entry.Status = StatusSlashed
		entry.PendingSlash = nil
		entry.SlashExecuteAt = time.Time{}
		if err := r.persistLocked(entry); err != nil {
			return executed, err
		}
		executed = append(executed, entry.ID)
	}
	sort.Strings(executed)
	return executed, nil
}

// DailyMaintenance applies the configured reputation decay once per elapsed
// day. Consecutive calls within the same day are no-ops.
func (r *Registry) DailyMaintenance() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock().UTC()
	if !r.lastDecay.IsZero() && now.Sub(r.lastDecay) < 24*time.Hour {
		return 0
	}
	r.lastDecay = now
	decayed := 0
	for _, entry := range r.entries {
		if entry.Status != StatusActive {
			continue
		}
		entry.Reputation = clampUnit(entry.Reputation * r.cfg.ReputationDecay)
		r.maybeSuspendLocked(entry)
		_ = r.persistLocked(entry)
		decayed++
	}
	return decayed
}

// AddToWhitelist records an allow entry with an operator note.
func (r *Registry) AddToWhitelist(id, note string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.whitelist[canonicalID(id)] = strings.TrimSpace(note)
}

// AddToBlacklist bars an oracle identity. A currently registered oracle is
// suspended at the same time.
func (r *Registry) AddToBlacklist(id, note string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := canonicalID(id)
	r.blacklist[key] = strings.TrimSpace(note)
	r.revokeLocked(key)
	if entry, ok := r.entries[key]; ok && entry.Status == StatusActive {
		entry.Status = StatusSuspended
		entry.StatusNote = "blacklisted: " + strings.TrimSpace(note)
		_ = r.persistLocked(entry)
	}
}

// IsBlacklisted reports whether the identity is barred.
func (r *Registry) IsBlacklisted(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, barred := r.blacklist[canonicalID(id)]
	return barred
}

// Count reports how many oracles are registered in any status.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// --- persistence ---

type storedEntry struct {
	ID             string       `json:"id"`
	PublicKey      string       `json:"publicKey"`
	Stake          string       `json:"stake"`
	LockedStake    string       `json:"lockedStake"`
	Status         OracleStatus `json:"status"`
	Reputation     float64      `json:"reputation"`
	Performance    Performance  `json:"performance"`
	RegisteredAt   int64        `json:"registeredAt"`
	ActivatedAt    int64        `json:"activatedAt,omitempty"`
	StatusNote     string       `json:"statusNote,omitempty"`
	PendingSlash   string       `json:"pendingSlash,omitempty"`
	SlashExecuteAt int64        `json:"slashExecuteAt,omitempty"`
}

func (r *Registry) persistLocked(entry *OracleEntry) error {
	if r.store == nil {
		return nil
	}
	stored := storedEntry{
		ID:           entry.ID,
		PublicKey:    entry.PublicKey,
		Stake:        entry.Stake.String(),
		LockedStake:  entry.LockedStake.String(),
		Status:       entry.Status,
		Reputation:   entry.Reputation,
		Performance:  entry.Performance,
		RegisteredAt: entry.RegisteredAt.Unix(),
		StatusNote:   entry.StatusNote,
	}
	if !entry.ActivatedAt.IsZero() {
		stored.ActivatedAt = entry.ActivatedAt.Unix()
	}
	if entry.PendingSlash != nil {
		stored.PendingSlash = entry.PendingSlash.String()
		stored.SlashExecuteAt = entry.SlashExecuteAt.Unix()
	}
	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("registry: encode entry: %w", err)
	}
	return r.store.Put(r.entryKey(entry.ID), raw)
}

func (r *Registry) loadAll() error {
	prefix := []byte(r.cfg.PersistencePrefix)
	var loadErr error
	err := r.store.IteratePrefix(prefix, func(_, value []byte) bool {
		var stored storedEntry
		if err := json.Unmarshal(value, &stored); err != nil {
			loadErr = fmt.Errorf("registry: decode entry: %w", err)
			return false
		}
		entry, err := stored.toEntry()
		if err != nil {
			loadErr = err
			return false
		}
		r.entries[entry.ID] = entry
		return true
	})
	if err != nil {
		return err
	}
	return loadErr
}

func (s storedEntry) toEntry() (*OracleEntry, error) {
	stake, ok := new(big.Int).SetString(s.Stake, 10)
	if !ok {
		return nil, fmt.Errorf("registry: invalid stored stake %q", s.Stake)
	}
	locked, ok := new(big.Int).SetString(s.LockedStake, 10)
	if !ok {
		locked = big.NewInt(0)
	}
	entry := &OracleEntry{
		ID:           s.ID,
		PublicKey:    s.PublicKey,
		Stake:        stake,
		LockedStake:  locked,
		Status:       s.Status,
		Reputation:   s.Reputation,
		Performance:  s.Performance,
		RegisteredAt: time.Unix(s.RegisteredAt, 0).UTC(),
		StatusNote:   s.StatusNote,
	}
	if s.ActivatedAt != 0 {
		entry.ActivatedAt = time.Unix(s.ActivatedAt, 0).UTC()
	}
	if s.PendingSlash != "" {
		pending, ok := new(big.Int).SetString(s.PendingSlash, 10)
		if !ok {
			return nil, fmt.Errorf("registry: invalid stored pending slash %q", s.PendingSlash)
		}
		entry.PendingSlash = pending
		entry.SlashExecuteAt = time.Unix(s.SlashExecuteAt, 0).UTC()
	}
	return entry, nil
}

func (r *Registry) entryKey(id string) []byte {
	return []byte(r.cfg.PersistencePrefix + id)
}

func canonicalID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func slashAmount(stake *big.Int, fraction float64) *big.Int {
	if stake == nil || stake.Sign() <= 0 {
		return big.NewInt(0)
	}
	// fraction is a small config value like 0.10; integer math keeps the
	// result exact for the supported two-decimal precision.
	numerator := big.NewInt(int64(fraction * 100))
	amount := new(big.Int).Mul(stake, numerator)
	return amount.Div(amount, big.NewInt(100))
}
