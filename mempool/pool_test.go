package mempool

import (
	"bytes"
	"math/big"
	"testing"

	"github.com/DytallixHQ/Dytallix-sub009/core/types"
)

type staticNonces struct {
	next map[string]uint64
}

func (s *staticNonces) NextNonce(sender []byte) (uint64, error) {
	if s == nil || s.next == nil {
		return 0, nil
	}
	return s.next[string(sender)], nil
}

func newTestTx(sender byte, nonce uint64, gasPrice uint64) *types.Transaction {
	from := bytes.Repeat([]byte{sender}, 20)
	to := bytes.Repeat([]byte{sender + 1}, 20)
	return &types.Transaction{
		Type:      types.TxTypeTransfer,
		Nonce:     nonce,
		From:      from,
		To:        to,
		Amount:    big.NewInt(100),
		GasLimit:  21_000,
		GasPrice:  gasPrice,
		Timestamp: 1_700_000_000,
	}
}

func mustAdd(t *testing.T, pool *Pool, tx *types.Transaction) {
	t.Helper()
	reason, err := pool.Add(tx)
	if err != nil {
		t.Fatalf("add returned error: %v", err)
	}
	if reason != nil {
		t.Fatalf("unexpected rejection: %v", reason)
	}
}

func TestPoolOrdersByGasPriceThenHash(t *testing.T) {
	pool := New(Config{MinGasPrice: 1}, &staticNonces{})

	low := newTestTx(0x01, 0, 50)
	mid := newTestTx(0x02, 0, 500)
	high := newTestTx(0x03, 0, 5000)
	mustAdd(t, pool, mid)
	mustAdd(t, pool, high)
	mustAdd(t, pool, low)

	snapshot := pool.Snapshot(3)
	if len(snapshot) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(snapshot))
	}
	if snapshot[0].Tx.GasPrice != 5000 || snapshot[1].Tx.GasPrice != 500 || snapshot[2].Tx.GasPrice != 50 {
		t.Fatalf("unexpected ordering: %d %d %d", snapshot[0].Tx.GasPrice, snapshot[1].Tx.GasPrice, snapshot[2].Tx.GasPrice)
	}
}

func TestPoolHashTieBreakIsDeterministic(t *testing.T) {
	a := newTestTx(0x0a, 0, 900)
	b := newTestTx(0x0b, 0, 900)

	first := New(Config{MinGasPrice: 1}, &staticNonces{})
	mustAdd(t, first, a)
	mustAdd(t, first, b)

	second := New(Config{MinGasPrice: 1}, &staticNonces{})
	mustAdd(t, second, b)
	mustAdd(t, second, a)

	got := first.Snapshot(2)
	want := second.Snapshot(2)
	for i := range got {
		if !bytes.Equal(got[i].Hash, want[i].Hash) {
			t.Fatalf("insertion order changed proposal order at index %d", i)
		}
	}
}

func TestPoolRejectsDuplicateAndUnderpriced(t *testing.T) {
	pool := New(Config{MinGasPrice: 1000}, &staticNonces{})

	cheap := newTestTx(0x01, 0, 10)
	reason, err := pool.Add(cheap)
	if err != nil {
		t.Fatalf("add returned error: %v", err)
	}
	if reason == nil || reason.Code != RejectUnderpricedGas {
		t.Fatalf("expected underpriced rejection, got %v", reason)
	}

	tx := newTestTx(0x02, 0, 2000)
	mustAdd(t, pool, tx)
	reason, err = pool.Add(tx)
	if err != nil {
		t.Fatalf("add returned error: %v", err)
	}
	if reason == nil || reason.Code != RejectDuplicate {
		t.Fatalf("expected duplicate rejection, got %v", reason)
	}
}

func TestPoolDefersFutureNonces(t *testing.T) {
	pool := New(Config{MinGasPrice: 1}, &staticNonces{})

	future := newTestTx(0x01, 2, 900)
	mustAdd(t, pool, future)
	if pool.EligibleLen() != 0 {
		t.Fatalf("future-nonce tx must not be orderable")
	}
	if pool.Len() != 1 {
		t.Fatalf("deferred tx must still be held")
	}

	mustAdd(t, pool, newTestTx(0x01, 0, 900))
	mustAdd(t, pool, newTestTx(0x01, 1, 900))
	if pool.EligibleLen() != 3 {
		t.Fatalf("closing the gap must promote the deferred tx, eligible=%d", pool.EligibleLen())
	}
}

func TestPoolEvictsLowestPriorityWhenFull(t *testing.T) {
	pool := New(Config{MinGasPrice: 1, MaxTxs: 2}, &staticNonces{})

	mustAdd(t, pool, newTestTx(0x01, 0, 100))
	mustAdd(t, pool, newTestTx(0x02, 0, 200))

	mustAdd(t, pool, newTestTx(0x03, 0, 300))
	if pool.Len() != 2 {
		t.Fatalf("pool must stay at capacity, len=%d", pool.Len())
	}
	snapshot := pool.Snapshot(2)
	if snapshot[0].Tx.GasPrice != 300 || snapshot[1].Tx.GasPrice != 200 {
		t.Fatalf("lowest priority entry should have been evicted")
	}

	// A newcomer below the floor is rejected, not admitted.
	reason, err := pool.Add(newTestTx(0x04, 0, 50))
	if err != nil {
		t.Fatalf("add returned error: %v", err)
	}
	if reason == nil || reason.Code != RejectPoolFull {
		t.Fatalf("expected pool_full rejection, got %v", reason)
	}
	if pool.CurrentMinGasPrice() != 200 {
		t.Fatalf("floor should track lowest occupant, got %d", pool.CurrentMinGasPrice())
	}
}

func TestPoolDropPromotesDeferred(t *testing.T) {
	pool := New(Config{MinGasPrice: 1}, &staticNonces{})

	base := newTestTx(0x01, 0, 400)
	follow := newTestTx(0x01, 1, 400)
	mustAdd(t, pool, base)
	mustAdd(t, pool, follow)

	pool.Drop([][]byte{base.MustHash()})
	if pool.Len() != 1 {
		t.Fatalf("expected one remaining tx, got %d", pool.Len())
	}
	snapshot := pool.Snapshot(1)
	if snapshot[0].Tx.Nonce != 1 {
		t.Fatalf("successor nonce should remain orderable")
	}
}
