package crypto

import (
	"os"
	"path/filepath"
	"testing"
)

func TestKeystoreRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "validator.keystore")

	if err := SaveToKeystore(path, key, "open sesame"); err != nil {
		t.Fatalf("save keystore: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat keystore: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("keystore permissions %v, want 0600", perm)
	}

	loaded, err := LoadFromKeystore(path, "open sesame")
	if err != nil {
		t.Fatalf("load keystore: %v", err)
	}
	if loaded.PubKey().Address().String() != key.PubKey().Address().String() {
		t.Fatalf("loaded key resolves to a different address")
	}

	if _, err := LoadFromKeystore(path, "wrong passphrase"); err == nil {
		t.Fatal("wrong passphrase must fail decryption")
	}
}

func TestSaveToKeystoreOverwritesExistingFile(t *testing.T) {
	first, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	second, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "validator.keystore")

	if err := SaveToKeystore(path, first, "pass"); err != nil {
		t.Fatalf("save first: %v", err)
	}
	if err := SaveToKeystore(path, second, "pass"); err != nil {
		t.Fatalf("save second: %v", err)
	}
	loaded, err := LoadFromKeystore(path, "pass")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.PubKey().Address().String() != second.PubKey().Address().String() {
		t.Fatalf("keystore should hold the most recently saved key")
	}
}
