package registry

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/DytallixHQ/Dytallix-sub009/storage"
)

func newTestRegistry(t *testing.T, cfg Config) (*Registry, *time.Time) {
	t.Helper()
	reg, err := New(cfg, storage.NewMemDB())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	now := time.Unix(1_700_000_000, 0).UTC()
	reg.SetClock(func() time.Time { return now })
	return reg, &now
}

func minStake() *big.Int {
	return big.NewInt(1_000_000_000)
}

func TestRegisterAndActivate(t *testing.T) {
	reg, _ := newTestRegistry(t, Config{})

	entry, err := reg.Register("Oracle-A", "pubkey", minStake())
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if entry.Status != StatusPending {
		t.Fatalf("new oracles start pending, got %s", entry.Status)
	}
	if entry.ID != "oracle-a" {
		t.Fatalf("ids are canonicalised, got %q", entry.ID)
	}

	if _, err := reg.Register("oracle-a", "pubkey", minStake()); !errors.Is(err, ErrOracleExists) {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}
	if _, err := reg.Register("oracle-b", "pubkey", big.NewInt(5)); !errors.Is(err, ErrInsufficientStake) {
		t.Fatalf("expected stake rejection, got %v", err)
	}

	if err := reg.Activate("oracle-a"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := reg.Activate("oracle-a"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("double activation must fail, got %v", err)
	}
	if active := reg.Active(); len(active) != 1 || active[0] != "oracle-a" {
		t.Fatalf("unexpected active set %v", active)
	}
}

func TestCapacityAndBlacklist(t *testing.T) {
	reg, _ := newTestRegistry(t, Config{MaxOracles: 1})

	if _, err := reg.Register("oracle-a", "pubkey", minStake()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := reg.Register("oracle-b", "pubkey", minStake()); !errors.Is(err, ErrRegistryFull) {
		t.Fatalf("expected capacity rejection, got %v", err)
	}

	reg2, _ := newTestRegistry(t, Config{})
	reg2.AddToBlacklist("oracle-evil", "seen forging envelopes")
	if _, err := reg2.Register("oracle-evil", "pubkey", minStake()); !errors.Is(err, ErrBlacklisted) {
		t.Fatalf("expected blacklist rejection, got %v", err)
	}
}

func TestBlacklistSuspendsActiveOracle(t *testing.T) {
	reg, _ := newTestRegistry(t, Config{})
	if _, err := reg.Register("oracle-a", "pubkey", minStake()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Activate("oracle-a"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	reg.AddToBlacklist("oracle-a", "operator action")
	entry, err := reg.Get("oracle-a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entry.Status != StatusSuspended {
		t.Fatalf("blacklisting must suspend, got %s", entry.Status)
	}
}

func TestReputationRecomputeAndAutoSuspend(t *testing.T) {
	reg, _ := newTestRegistry(t, Config{})
	if _, err := reg.Register("oracle-a", "pubkey", minStake()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Activate("oracle-a"); err != nil {
		t.Fatalf("activate: %v", err)
	}

	// Nine invalid signatures out of ten drags the weighted score under the
	// floor and auto-suspends the oracle.
	for i := 0; i < 10; i++ {
		valid := i == 0
		if err := reg.RecordVerification("oracle-a", valid, valid, 500*time.Millisecond); err != nil {
			t.Fatalf("record verification: %v", err)
		}
	}
	score, err := reg.RecomputeReputation("oracle-a")
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if score >= 0.7 {
		t.Fatalf("expected reputation under floor, got %.3f", score)
	}
	entry, _ := reg.Get("oracle-a")
	if entry.Status != StatusSuspended {
		t.Fatalf("low reputation must suspend, got %s", entry.Status)
	}
}

func TestSlashImmediateAndScheduled(t *testing.T) {
	reg, now := newTestRegistry(t, Config{})
	if _, err := reg.Register("oracle-a", "pubkey", big.NewInt(2_000_000_000)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Activate("oracle-a"); err != nil {
		t.Fatalf("activate: %v", err)
	}

	if err := reg.Slash("oracle-a", "forged response", false); err != nil {
		t.Fatalf("scheduled slash: %v", err)
	}
	entry, _ := reg.Get("oracle-a")
	if entry.Status != StatusSuspended || entry.PendingSlash == nil {
		t.Fatalf("scheduled slash must suspend and record the pending amount")
	}

	// Inside the grace period nothing executes.
	executed, err := reg.ProcessPendingSlashes()
	if err != nil || len(executed) != 0 {
		t.Fatalf("slash executed before grace lapsed: %v %v", executed, err)
	}

	*now = now.Add(25 * time.Hour)
	executed, err = reg.ProcessPendingSlashes()
	if err != nil || len(executed) != 1 {
		t.Fatalf("expected one executed slash, got %v %v", executed, err)
	}
	entry, _ = reg.Get("oracle-a")
	if entry.Status != StatusSlashed {
		t.Fatalf("executed slash must mark the oracle slashed")
	}
	if entry.LockedStake.Cmp(big.NewInt(200_000_000)) != 0 {
		t.Fatalf("expected 10%% locked, got %s", entry.LockedStake)
	}
	if err := reg.Withdraw("oracle-a"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("slashed oracle must not withdraw, got %v", err)
	}
}

func TestDailyMaintenanceDecay(t *testing.T) {
	reg, now := newTestRegistry(t, Config{})
	if _, err := reg.Register("oracle-a", "pubkey", minStake()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Activate("oracle-a"); err != nil {
		t.Fatalf("activate: %v", err)
	}

	if decayed := reg.DailyMaintenance(); decayed != 1 {
		t.Fatalf("expected one decayed oracle, got %d", decayed)
	}
	entry, _ := reg.Get("oracle-a")
	if entry.Reputation >= 1.0 {
		t.Fatalf("decay must lower reputation, got %.3f", entry.Reputation)
	}
	// Second call within the same day is a no-op.
	if decayed := reg.DailyMaintenance(); decayed != 0 {
		t.Fatalf("decay must apply at most daily, got %d", decayed)
	}
	*now = now.Add(25 * time.Hour)
	if decayed := reg.DailyMaintenance(); decayed != 1 {
		t.Fatalf("decay must resume after a day, got %d", decayed)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	store := storage.NewMemDB()
	reg, err := New(Config{}, store)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if _, err := reg.Register("oracle-a", "pubkey", minStake()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Activate("oracle-a"); err != nil {
		t.Fatalf("activate: %v", err)
	}

	reloaded, err := New(Config{}, store)
	if err != nil {
		t.Fatalf("reload registry: %v", err)
	}
	entry, err := reloaded.Get("oracle-a")
	if err != nil {
		t.Fatalf("get after reload: %v", err)
	}
	if entry.Status != StatusActive {
		t.Fatalf("status must survive restart, got %s", entry.Status)
	}
}

type recordingInvalidator struct {
	ids []string
}

func (ri *recordingInvalidator) InvalidateOracle(oracleID string) int {
	ri.ids = append(ri.ids, oracleID)
	return 1
}

func (ri *recordingInvalidator) sawExactly(t *testing.T, want ...string) {
	t.Helper()
	if len(ri.ids) != len(want) {
		t.Fatalf("expected invalidations %v, got %v", want, ri.ids)
	}
	for i, id := range want {
		if ri.ids[i] != id {
			t.Fatalf("expected invalidations %v, got %v", want, ri.ids)
		}
	}
}

func TestLeavingActiveSetInvalidatesCache(t *testing.T) {
	reg, _ := newTestRegistry(t, Config{})
	revoker := &recordingInvalidator{}
	reg.SetInvalidator(revoker)

	if _, err := reg.Register("oracle-a", "pubkey", minStake()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Activate("oracle-a"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	revoker.sawExactly(t)

	if err := reg.Suspend("oracle-a", "manual"); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	revoker.sawExactly(t, "oracle-a")

	if err := reg.Reinstate("oracle-a"); err != nil {
		t.Fatalf("reinstate: %v", err)
	}
	if err := reg.Slash("oracle-a", "bad attestation", true); err != nil {
		t.Fatalf("slash: %v", err)
	}
	revoker.sawExactly(t, "oracle-a", "oracle-a")
}

func TestBlacklistInvalidatesCachedVerdicts(t *testing.T) {
	reg, _ := newTestRegistry(t, Config{})
	revoker := &recordingInvalidator{}
	reg.SetInvalidator(revoker)

	if _, err := reg.Register("oracle-a", "pubkey", minStake()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Activate("oracle-a"); err != nil {
		t.Fatalf("activate: %v", err)
	}

	reg.AddToBlacklist("Oracle-A", "compromised key")
	revoker.sawExactly(t, "oracle-a")

	entry, err := reg.Get("oracle-a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entry.Status != StatusSuspended {
		t.Fatalf("blacklisted oracle should be suspended, got %s", entry.Status)
	}
}
