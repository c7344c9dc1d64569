package mempool

import (
	"math"

	"github.com/DytallixHQ/Dytallix-sub009/core/types"
)

// Lanes groups pending transactions into the stake-priority and normal
// scheduling queues.
type Lanes struct {
	Stake  []*PendingTx
	Normal []*PendingTx
}

// Quota reserves a share of proposal slots for stake-lane transactions so
// validator bonding cannot be starved out of block candidates during fee
// spikes.
type Quota struct {
	Percent int
}

// ReservedSlots returns the number of slots out of maxTxs held for the stake
// lane.
func (q Quota) ReservedSlots(maxTxs int) int {
	if maxTxs <= 0 || q.Percent <= 0 {
		return 0
	}
	pct := q.Percent
	if pct > 100 {
		pct = 100
	}
	return int(math.Ceil(float64(maxTxs) * float64(pct) / 100.0))
}

// IsStakeLaneEligible reports whether the transaction should be routed through
// the reserved stake lane.
func IsStakeLaneEligible(tx *types.Transaction) bool {
	return tx != nil && tx.Type == types.TxTypeStake
}

// Classify separates pending transactions into stake and normal lanes. The
// fee-priority ordering of the input is preserved within each lane.
func Classify(batch []*PendingTx) Lanes {
	lanes := Lanes{Stake: make([]*PendingTx, 0, len(batch)), Normal: make([]*PendingTx, 0, len(batch))}
	for _, pending := range batch {
		if pending == nil || pending.Tx == nil {
			continue
		}
		if IsStakeLaneEligible(pending.Tx) {
			lanes.Stake = append(lanes.Stake, pending)
			continue
		}
		lanes.Normal = append(lanes.Normal, pending)
	}
	return lanes
}

// Usage captures how much of the reserved stake lane capacity was consumed
// for an upcoming proposal.
type Usage struct {
	// Target is the number of slots reserved for stake transactions based
	// on the configured quota.
	Target int
	// Used is the actual number of stake transactions scheduled inside the
	// reserved window.
	Used int
	// TotalStake is the total number of stake transactions pending.
	TotalStake int
}

// Schedule interleaves the classified transactions so that the first maxTxs
// entries respect the stake reservation. The returned slice contains all
// transactions with the prioritized ordering applied; callers truncate to the
// proposal size.
func Schedule(lanes Lanes, maxTxs int, quota Quota) ([]*PendingTx, Usage) {
	total := len(lanes.Stake) + len(lanes.Normal)
	if total == 0 {
		return nil, Usage{}
	}

	if maxTxs <= 0 || maxTxs > total {
		maxTxs = total
	}

	target := quota.ReservedSlots(maxTxs)
	if target > maxTxs {
		target = maxTxs
	}

	stakeTake := target
	if stakeTake > len(lanes.Stake) {
		stakeTake = len(lanes.Stake)
	}
	normalTake := maxTxs - stakeTake
	if normalTake > len(lanes.Normal) {
		normalTake = len(lanes.Normal)
	}

	// Unused reservation backfills from whichever lane still has entries.
	remaining := maxTxs - (stakeTake + normalTake)
	if remaining > 0 {
		if extra := len(lanes.Stake) - stakeTake; extra > 0 {
			take := remaining
			if take > extra {
				take = extra
			}
			stakeTake += take
			remaining -= take
		}
		if remaining > 0 {
			if extra := len(lanes.Normal) - normalTake; extra > 0 {
				take := remaining
				if take > extra {
					take = extra
				}
				normalTake += take
			}
		}
	}

	ordered := make([]*PendingTx, 0, total)
	ordered = append(ordered, lanes.Stake[:stakeTake]...)
	ordered = append(ordered, lanes.Normal[:normalTake]...)
	ordered = append(ordered, lanes.Stake[stakeTake:]...)
	ordered = append(ordered, lanes.Normal[normalTake:]...)

	usage := Usage{
		Target:     target,
		Used:       stakeTake,
		TotalStake: len(lanes.Stake),
	}
	return ordered, usage
}
