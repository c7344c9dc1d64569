package types

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/sha3"

	dytcrypto "github.com/DytallixHQ/Dytallix-sub009/crypto"
	"github.com/DytallixHQ/Dytallix-sub009/crypto/pqc"
)

// TxType defines the purpose of a transaction.
type TxType byte

const (
	TxTypeTransfer       TxType = 0x01 // A standard value transfer
	TxTypeContractDeploy TxType = 0x02 // Deploys contract code carried in Data
	TxTypeContractCall   TxType = 0x03 // Invokes an existing contract
	TxTypeStake          TxType = 0x04 // Bonds stake to a validator
)

// String renders the type label used in risk policy lookups and metrics.
func (t TxType) String() string {
	switch t {
	case TxTypeTransfer:
		return "transfer"
	case TxTypeContractDeploy:
		return "contract_deploy"
	case TxTypeContractCall:
		return "contract_call"
	case TxTypeStake:
		return "stake"
	default:
		return "unknown"
	}
}

// Transaction is the canonical unit flowing through admission, scoring and
// block proposal. The sender is carried explicitly; signature checks confirm
// it rather than derive it so that post-quantum envelopes (which cannot
// recover a key) share one code path with ECDSA.
type Transaction struct {
	Type      TxType   `json:"type"`
	Nonce     uint64   `json:"nonce"`
	From      []byte   `json:"from"`
	To        []byte   `json:"to"`
	Amount    *big.Int `json:"amount"`
	GasLimit  uint64   `json:"gasLimit"`
	GasPrice  uint64   `json:"gasPrice"`
	Data      []byte   `json:"data,omitempty"`
	Timestamp int64    `json:"timestamp"`

	// ECDSA account signature.
	R *big.Int `json:"r,omitempty"`
	S *big.Int `json:"s,omitempty"`
	V *big.Int `json:"v,omitempty"`

	// Post-quantum envelope, standard base64. When present it takes
	// precedence over the ECDSA fields.
	PQSignature string `json:"pqSignature,omitempty"`
	PQPublicKey string `json:"pqPublicKey,omitempty"`

	hash []byte
}

// Hash returns the SHA3-256 digest of the canonical transaction payload. The
// digest excludes signatures so it is stable across signing schemes.
func (tx *Transaction) Hash() ([]byte, error) {
	if tx == nil {
		return nil, fmt.Errorf("types: nil transaction")
	}
	if len(tx.hash) == 32 {
		return tx.hash, nil
	}
	payload, err := tx.canonicalPayload()
	if err != nil {
		return nil, err
	}
	digest := sha3.Sum256(payload)
	tx.hash = digest[:]
	return tx.hash, nil
}

// MustHash returns the canonical digest or panics. Reserved for call sites
// that have already hashed the transaction once.
func (tx *Transaction) MustHash() []byte {
	hash, err := tx.Hash()
	if err != nil {
		panic(err)
	}
	return hash
}

// HashHex returns the lowercase hex rendering of Hash.
func (tx *Transaction) HashHex() (string, error) {
	hash, err := tx.Hash()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(hash), nil
}

func (tx *Transaction) canonicalPayload() ([]byte, error) {
	txData := struct {
		Type      TxType   `json:"type"`
		Nonce     uint64   `json:"nonce"`
		From      []byte   `json:"from"`
		To        []byte   `json:"to"`
		Amount    *big.Int `json:"amount"`
		GasLimit  uint64   `json:"gasLimit"`
		GasPrice  uint64   `json:"gasPrice"`
		Data      []byte   `json:"data,omitempty"`
		Timestamp int64    `json:"timestamp"`
	}{tx.Type, tx.Nonce, tx.From, tx.To, tx.Amount, tx.GasLimit, tx.GasPrice, tx.Data, tx.Timestamp}
	b, err := json.Marshal(txData)
	if err != nil {
		return nil, fmt.Errorf("types: encode transaction: %w", err)
	}
	return b, nil
}

// Size reports the encoded transaction size in bytes as counted against
// mempool byte budgets.
func (tx *Transaction) Size() int {
	b, err := json.Marshal(tx)
	if err != nil {
		return 0
	}
	return len(b)
}

// Sign attaches an ECDSA signature over the canonical digest and stamps the
// sender address from the signing key.
func (tx *Transaction) Sign(privKey *ecdsa.PrivateKey) error {
	if privKey == nil {
		return fmt.Errorf("types: nil private key")
	}
	tx.From = crypto.PubkeyToAddress(privKey.PublicKey).Bytes()
	tx.hash = nil
	hash, err := tx.Hash()
	if err != nil {
		return err
	}
	sig, err := crypto.Sign(hash, privKey)
	if err != nil {
		return err
	}
	tx.R = new(big.Int).SetBytes(sig[:32])
	tx.S = new(big.Int).SetBytes(sig[32:64])
	tx.V = new(big.Int).SetBytes([]byte{sig[64] + 27})
	return nil
}

// SignPQ attaches a post-quantum envelope over the canonical digest.
func (tx *Transaction) SignPQ(kp *pqc.KeyPair) error {
	if kp == nil {
		return fmt.Errorf("types: nil key pair")
	}
	tx.hash = nil
	hash, err := tx.Hash()
	if err != nil {
		return err
	}
	tx.PQSignature = encodeBase64(kp.Sign(hash))
	tx.PQPublicKey = encodeBase64(kp.PublicKeyBytes())
	return nil
}

// VerifySignature checks whichever signature envelope the transaction carries.
// ECDSA signatures must additionally recover to the declared sender.
func (tx *Transaction) VerifySignature() error {
	if tx == nil {
		return fmt.Errorf("types: nil transaction")
	}
	hash, err := tx.Hash()
	if err != nil {
		return err
	}
	if tx.PQSignature != "" {
		return pqc.VerifyBase64(tx.PQPublicKey, tx.PQSignature, hash)
	}
	if tx.R == nil || tx.S == nil || tx.V == nil {
		return fmt.Errorf("types: transaction is unsigned")
	}
	sig := make([]byte, 65)
	copy(sig[32-len(tx.R.Bytes()):32], tx.R.Bytes())
	copy(sig[64-len(tx.S.Bytes()):64], tx.S.Bytes())
	sig[64] = byte(tx.V.Uint64() - 27)
	pubKey, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return fmt.Errorf("types: recover signer: %w", err)
	}
	recovered := crypto.PubkeyToAddress(*pubKey).Bytes()
	if !bytes.Equal(recovered, tx.From) {
		return fmt.Errorf("types: signature does not match sender")
	}
	return nil
}

// FromAddress renders the sender as a bech32 account address.
func (tx *Transaction) FromAddress() (string, error) {
	if len(tx.From) != 20 {
		return "", fmt.Errorf("types: sender must be 20 bytes, got %d", len(tx.From))
	}
	return dytcrypto.NewAddress(dytcrypto.DytPrefix, tx.From).String(), nil
}

// IsSelfTransfer reports whether sender and recipient are the same account.
func (tx *Transaction) IsSelfTransfer() bool {
	return len(tx.From) > 0 && bytes.Equal(tx.From, tx.To)
}

// AmountUint64 returns the transfer amount clamped into a uint64 for policy
// threshold comparisons. Amounts beyond the range saturate.
func (tx *Transaction) AmountUint64() uint64 {
	if tx.Amount == nil || tx.Amount.Sign() <= 0 {
		return 0
	}
	if !tx.Amount.IsUint64() {
		return ^uint64(0)
	}
	return tx.Amount.Uint64()
}
