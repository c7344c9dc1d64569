// Package pqc wraps the ML-DSA (Dilithium) signature scheme used for oracle
// response envelopes. Oracles sign with a post-quantum key; validators only
// ever need the verify path, but the sign path is kept for tooling and tests.
package pqc

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
)

const (
	// SchemeName identifies the envelope scheme on the wire.
	SchemeName = "ml-dsa-65"

	// PublicKeySize is the packed public key length in bytes.
	PublicKeySize = mode3.PublicKeySize
	// SignatureSize is the detached signature length in bytes.
	SignatureSize = mode3.SignatureSize
)

// ErrInvalidSignature is returned when a signature does not verify against the
// supplied public key and message.
var ErrInvalidSignature = errors.New("pqc: signature verification failed")

// KeyPair bundles an ML-DSA key pair for oracle tooling.
type KeyPair struct {
	Public  *mode3.PublicKey
	Private *mode3.PrivateKey
}

// GenerateKeyPair produces a fresh ML-DSA key pair from crypto/rand.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := mode3.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("pqc: generate key: %w", err)
	}
	return &KeyPair{Public: pub, Private: priv}, nil
}

// Sign produces a detached signature over msg.
func (kp *KeyPair) Sign(msg []byte) []byte {
	sig := make([]byte, mode3.SignatureSize)
	mode3.SignTo(kp.Private, msg, sig)
	return sig
}

// PublicKeyBytes returns the packed public key.
func (kp *KeyPair) PublicKeyBytes() []byte {
	raw, err := kp.Public.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return raw
}

// ParsePublicKey unpacks a public key from its raw byte representation.
func ParsePublicKey(raw []byte) (*mode3.PublicKey, error) {
	if len(raw) != mode3.PublicKeySize {
		return nil, fmt.Errorf("pqc: public key must be %d bytes, got %d", mode3.PublicKeySize, len(raw))
	}
	pk := new(mode3.PublicKey)
	if err := pk.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("pqc: unpack public key: %w", err)
	}
	return pk, nil
}

// ParsePublicKeyBase64 decodes and unpacks a standard base64 public key as it
// appears in signed oracle envelopes.
func ParsePublicKeyBase64(encoded string) (*mode3.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("pqc: decode public key: %w", err)
	}
	return ParsePublicKey(raw)
}

// Verify checks a detached signature over msg. A nil public key or malformed
// signature length fails closed.
func Verify(pk *mode3.PublicKey, msg, sig []byte) error {
	if pk == nil {
		return errors.New("pqc: nil public key")
	}
	if len(sig) != mode3.SignatureSize {
		return fmt.Errorf("pqc: signature must be %d bytes, got %d", mode3.SignatureSize, len(sig))
	}
	if !mode3.Verify(pk, msg, sig) {
		return ErrInvalidSignature
	}
	return nil
}

// VerifyBase64 verifies a base64-encoded signature and public key pair as
// carried on the wire.
func VerifyBase64(pubB64, sigB64 string, msg []byte) error {
	pk, err := ParsePublicKeyBase64(pubB64)
	if err != nil {
		return err
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return fmt.Errorf("pqc: decode signature: %w", err)
	}
	return Verify(pk, msg, sig)
}
