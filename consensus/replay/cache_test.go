package replay

import (
	"errors"
	"testing"
	"time"

	"github.com/DytallixHQ/Dytallix-sub009/core/types"
)

func newTestCache(t *testing.T, cfg Config) (*Cache, *time.Time) {
	t.Helper()
	cache, err := NewCache(cfg)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	now := time.Unix(1_700_000_000, 0).UTC()
	cache.SetClock(func() time.Time { return now })
	return cache, &now
}

func TestNonceReuseRejected(t *testing.T) {
	cache, now := newTestCache(t, Config{})

	if err := cache.CheckAndStoreNonce("oracle-a", "n1"); err != nil {
		t.Fatalf("first use must succeed: %v", err)
	}
	err := cache.CheckAndStoreNonce("oracle-a", "n1")
	if !errors.Is(err, ErrNonceReused) {
		t.Fatalf("expected ErrNonceReused, got %v", err)
	}

	// A different oracle may use the same nonce value.
	if err := cache.CheckAndStoreNonce("oracle-b", "n1"); err != nil {
		t.Fatalf("nonce scope is per oracle: %v", err)
	}

	// After retention the nonce becomes usable again.
	*now = now.Add(11 * time.Minute)
	if err := cache.CheckAndStoreNonce("oracle-a", "n1"); err != nil {
		t.Fatalf("expired nonce must be reusable: %v", err)
	}
}

func TestTimestampWindow(t *testing.T) {
	cache, now := newTestCache(t, Config{})

	if err := cache.CheckTimestamp(now.Add(-time.Minute)); err != nil {
		t.Fatalf("recent timestamp must pass: %v", err)
	}
	if err := cache.CheckTimestamp(now.Add(-10 * time.Minute)); !errors.Is(err, ErrResponseTooOld) {
		t.Fatalf("expected ErrResponseTooOld, got %v", err)
	}
	if err := cache.CheckTimestamp(now.Add(2 * time.Minute)); !errors.Is(err, ErrResponseTooFuture) {
		t.Fatalf("expected ErrResponseTooFuture, got %v", err)
	}
	// Skew inside the tolerance is accepted.
	if err := cache.CheckTimestamp(now.Add(20 * time.Second)); err != nil {
		t.Fatalf("tolerated skew must pass: %v", err)
	}
}

func TestResponseCacheTTLAndInvalidation(t *testing.T) {
	cache, now := newTestCache(t, Config{})

	resp := &types.SignedOracleResponse{OracleID: "oracle-a", RiskScore: 0.4}
	cache.StoreResponse("req-1", resp)

	got, ok := cache.CachedResponse("req-1")
	if !ok || got.RiskScore != 0.4 {
		t.Fatalf("expected cache hit")
	}

	*now = now.Add(6 * time.Minute)
	if _, ok := cache.CachedResponse("req-1"); ok {
		t.Fatalf("expired response must miss")
	}

	*now = now.Add(-6 * time.Minute)
	cache.StoreResponse("req-2", resp)
	cache.StoreResponse("req-3", &types.SignedOracleResponse{OracleID: "oracle-b"})
	if removed := cache.InvalidateOracle("ORACLE-A"); removed != 1 {
		t.Fatalf("expected 1 invalidated response, got %d", removed)
	}
	if _, ok := cache.CachedResponse("req-3"); !ok {
		t.Fatalf("other oracle's response must survive invalidation")
	}
}

func TestNonceCapEvictsOldestTenth(t *testing.T) {
	cache, now := newTestCache(t, Config{MaxNonceEntries: 10})

	for i := 0; i < 10; i++ {
		*now = now.Add(time.Second)
		if err := cache.CheckAndStoreNonce("oracle-a", string(rune('a'+i))); err != nil {
			t.Fatalf("store nonce %d: %v", i, err)
		}
	}
	if err := cache.CheckAndStoreNonce("oracle-a", "overflow"); err != nil {
		t.Fatalf("store over cap: %v", err)
	}
	stats := cache.Statistics()
	if stats.NonceEntries != 10 {
		t.Fatalf("expected cap to hold at 10 entries, got %d", stats.NonceEntries)
	}
	if stats.Evictions == 0 {
		t.Fatalf("expected evictions to be recorded")
	}
}

func TestCleanupExpired(t *testing.T) {
	cache, now := newTestCache(t, Config{})

	if err := cache.CheckAndStoreNonce("oracle-a", "n1"); err != nil {
		t.Fatalf("store nonce: %v", err)
	}
	cache.StoreResponse("req-1", &types.SignedOracleResponse{OracleID: "oracle-a"})

	*now = now.Add(time.Hour)
	nonces, responses := cache.CleanupExpired()
	if nonces != 1 || responses != 1 {
		t.Fatalf("expected 1 nonce and 1 response swept, got %d/%d", nonces, responses)
	}
}
