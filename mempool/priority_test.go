package mempool

import (
	"testing"

	"github.com/DytallixHQ/Dytallix-sub009/core/types"
)

func pendingFor(tx *types.Transaction) *PendingTx {
	hash, _ := tx.Hash()
	return &PendingTx{Tx: tx, Hash: hash, Size: tx.Size()}
}

func newStakeTx(sender byte, gasPrice uint64) *types.Transaction {
	tx := newTestTx(sender, 0, gasPrice)
	tx.Type = types.TxTypeStake
	return tx
}

func TestQuotaReservedSlots(t *testing.T) {
	cases := []struct {
		percent int
		maxTxs  int
		want    int
	}{
		{0, 100, 0},
		{10, 100, 10},
		{10, 5, 1},
		{25, 10, 3},
		{150, 10, 10},
		{50, 0, 0},
	}
	for _, tc := range cases {
		got := Quota{Percent: tc.percent}.ReservedSlots(tc.maxTxs)
		if got != tc.want {
			t.Fatalf("ReservedSlots(%d%% of %d) = %d, want %d", tc.percent, tc.maxTxs, got, tc.want)
		}
	}
}

func TestClassifySplitsStakeLane(t *testing.T) {
	batch := []*PendingTx{
		pendingFor(newTestTx(0x01, 0, 500)),
		pendingFor(newStakeTx(0x02, 10)),
		nil,
		pendingFor(newTestTx(0x03, 0, 900)),
	}
	lanes := Classify(batch)
	if len(lanes.Stake) != 1 {
		t.Fatalf("expected 1 stake entry, got %d", len(lanes.Stake))
	}
	if len(lanes.Normal) != 2 {
		t.Fatalf("expected 2 normal entries, got %d", len(lanes.Normal))
	}
	if lanes.Stake[0].Tx.Type != types.TxTypeStake {
		t.Fatalf("stake lane holds %v", lanes.Stake[0].Tx.Type)
	}
}

func TestScheduleReservesStakeSlots(t *testing.T) {
	// Four cheap stake txs behind six well-paying transfers; a 25% quota on
	// a batch of four must still front a stake transaction.
	var batch []*PendingTx
	for i := byte(0); i < 6; i++ {
		batch = append(batch, pendingFor(newTestTx(0x10+i, 0, 10_000)))
	}
	for i := byte(0); i < 4; i++ {
		batch = append(batch, pendingFor(newStakeTx(0x40+i, 10)))
	}

	ordered, usage := Schedule(Classify(batch), 4, Quota{Percent: 25})
	if len(ordered) != len(batch) {
		t.Fatalf("expected all %d entries back, got %d", len(batch), len(ordered))
	}
	if usage.Target != 1 || usage.Used != 1 || usage.TotalStake != 4 {
		t.Fatalf("unexpected usage: %+v", usage)
	}
	if ordered[0].Tx.Type != types.TxTypeStake {
		t.Fatalf("first slot should be a stake tx, got %v", ordered[0].Tx.Type)
	}
	for _, pending := range ordered[1:4] {
		if pending.Tx.Type != types.TxTypeTransfer {
			t.Fatalf("remaining window should be transfers, got %v", pending.Tx.Type)
		}
	}
}

func TestScheduleBackfillsUnusedReservation(t *testing.T) {
	batch := []*PendingTx{
		pendingFor(newTestTx(0x01, 0, 900)),
		pendingFor(newTestTx(0x02, 0, 800)),
		pendingFor(newTestTx(0x03, 0, 700)),
	}
	ordered, usage := Schedule(Classify(batch), 3, Quota{Percent: 50})
	if len(ordered) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(ordered))
	}
	if usage.Used != 0 {
		t.Fatalf("no stake txs pending, usage.Used = %d", usage.Used)
	}
	for i, pending := range ordered {
		if pending.Tx.Type != types.TxTypeTransfer {
			t.Fatalf("entry %d should be a transfer", i)
		}
	}
}
