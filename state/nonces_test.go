package state

import (
	"bytes"
	"testing"

	"github.com/DytallixHQ/Dytallix-sub009/storage"
)

func TestNextNonceDefaultsToZero(t *testing.T) {
	nonces := NewNonces(storage.NewMemDB())
	sender := bytes.Repeat([]byte{0x11}, 20)

	next, err := nonces.NextNonce(sender)
	if err != nil {
		t.Fatalf("next nonce: %v", err)
	}
	if next != 0 {
		t.Fatalf("expected 0 for unknown sender, got %d", next)
	}
}

func TestAdvancePersistsAcrossInstances(t *testing.T) {
	db := storage.NewMemDB()
	sender := bytes.Repeat([]byte{0x22}, 20)

	nonces := NewNonces(db)
	if err := nonces.Advance(sender, 0); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := nonces.Advance(sender, 1); err != nil {
		t.Fatalf("advance: %v", err)
	}

	reopened := NewNonces(db)
	next, err := reopened.NextNonce(sender)
	if err != nil {
		t.Fatalf("next nonce: %v", err)
	}
	if next != 2 {
		t.Fatalf("expected 2 after reopen, got %d", next)
	}
}

func TestAdvanceIgnoresStaleNonces(t *testing.T) {
	nonces := NewNonces(storage.NewMemDB())
	sender := bytes.Repeat([]byte{0x33}, 20)

	if err := nonces.Advance(sender, 4); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := nonces.Advance(sender, 1); err != nil {
		t.Fatalf("stale advance: %v", err)
	}

	next, err := nonces.NextNonce(sender)
	if err != nil {
		t.Fatalf("next nonce: %v", err)
	}
	if next != 5 {
		t.Fatalf("expected 5, got %d", next)
	}
}
