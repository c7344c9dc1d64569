package state

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/DytallixHQ/Dytallix-sub009/storage"
)

const noncePrefix = "state/nonce/"

// Nonces tracks the next expected nonce per sender, backed by the validator's
// key-value store. Reads are served from an in-memory cache that is warmed
// lazily; writes go through to the store so restarts resume where admission
// left off.
type Nonces struct {
	mu    sync.RWMutex
	db    storage.Database
	cache map[string]uint64
}

// NewNonces constructs a tracker over db.
func NewNonces(db storage.Database) *Nonces {
	return &Nonces{db: db, cache: make(map[string]uint64)}
}

func nonceKey(sender []byte) []byte {
	return []byte(noncePrefix + hex.EncodeToString(sender))
}

// NextNonce returns the next nonce expected from sender. Unknown senders
// start at zero.
func (n *Nonces) NextNonce(sender []byte) (uint64, error) {
	if n == nil {
		return 0, errors.New("state: nonce tracker not initialised")
	}
	key := string(sender)

	n.mu.RLock()
	next, ok := n.cache[key]
	n.mu.RUnlock()
	if ok {
		return next, nil
	}

	raw, err := n.db.Get(nonceKey(sender))
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("state: load nonce: %w", err)
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("state: corrupt nonce record for %x", sender)
	}
	next = binary.BigEndian.Uint64(raw)

	n.mu.Lock()
	n.cache[key] = next
	n.mu.Unlock()
	return next, nil
}

// Advance records that sender's transaction with the given nonce was taken
// into a proposed block, moving the expectation to nonce+1. Stale calls
// (nonce below the current expectation) are ignored so replays cannot wind
// the counter backwards.
func (n *Nonces) Advance(sender []byte, nonce uint64) error {
	if n == nil {
		return errors.New("state: nonce tracker not initialised")
	}
	key := string(sender)

	n.mu.Lock()
	defer n.mu.Unlock()

	if current, ok := n.cache[key]; ok && nonce+1 <= current {
		return nil
	}
	next := nonce + 1

	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, next)
	if err := n.db.Put(nonceKey(sender), buf); err != nil {
		return fmt.Errorf("state: persist nonce: %w", err)
	}
	n.cache[key] = next
	return nil
}
