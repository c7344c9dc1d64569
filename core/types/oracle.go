package types

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/sha3"
)

// OracleRiskDomainV1 defines the domain separator bound into every signed
// oracle risk envelope.
const OracleRiskDomainV1 = "DYT_ORACLE_RISK_V1"

func encodeBase64(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}

// RiskAnalysis carries one model's verdict inside an oracle response. A
// response typically holds a fraud analysis and a risk analysis whose scores
// are averaged into the headline numbers.
type RiskAnalysis struct {
	Kind        string  `json:"kind"`
	Score       float64 `json:"score"`
	Confidence  float64 `json:"confidence"`
	ModelDigest string  `json:"modelDigest,omitempty"`
}

// Certificate is one link of the oracle's attestation chain. The leaf
// certificate's subject must equal the oracle identifier.
type Certificate struct {
	Subject    string `json:"subject"`
	Issuer     string `json:"issuer"`
	ValidFrom  int64  `json:"validFrom"`
	ValidUntil int64  `json:"validUntil"`
	PublicKey  string `json:"publicKey"`
}

// ValidAt reports whether the certificate covers the supplied instant.
func (c Certificate) ValidAt(now time.Time) bool {
	unix := now.UTC().Unix()
	return unix >= c.ValidFrom && unix <= c.ValidUntil
}

// ScoreRequest is the canonical request sent to the risk oracle for one
// transaction. Its hash binds responses back to the originating request.
type ScoreRequest struct {
	RequestID string       `json:"requestId"`
	TxHash    string       `json:"txHash"`
	TxType    string       `json:"txType"`
	From      string       `json:"from"`
	To        string       `json:"to"`
	Amount    string       `json:"amount"`
	GasPrice  uint64       `json:"gasPrice"`
	Nonce     uint64       `json:"nonce"`
	IssuedAt  int64        `json:"issuedAt"`
	Metadata  []MetadataKV `json:"metadata,omitempty"`
}

// MetadataKV keeps request metadata ordered so the request hash stays stable.
type MetadataKV struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Hash computes the SHA3-256 digest over the canonical request rendering.
func (r *ScoreRequest) Hash() ([]byte, error) {
	if r == nil {
		return nil, fmt.Errorf("types: nil score request")
	}
	builder := strings.Builder{}
	builder.WriteString(OracleRiskDomainV1)
	builder.WriteString("|req=")
	builder.WriteString(strings.TrimSpace(r.RequestID))
	builder.WriteString("|tx=")
	builder.WriteString(strings.ToLower(strings.TrimSpace(r.TxHash)))
	builder.WriteString("|type=")
	builder.WriteString(strings.TrimSpace(r.TxType))
	builder.WriteString("|from=")
	builder.WriteString(strings.ToLower(strings.TrimSpace(r.From)))
	builder.WriteString("|to=")
	builder.WriteString(strings.ToLower(strings.TrimSpace(r.To)))
	builder.WriteString("|amount=")
	builder.WriteString(strings.TrimSpace(r.Amount))
	builder.WriteString("|gas=")
	builder.WriteString(strconv.FormatUint(r.GasPrice, 10))
	builder.WriteString("|nonce=")
	builder.WriteString(strconv.FormatUint(r.Nonce, 10))
	builder.WriteString("|ts=")
	builder.WriteString(strconv.FormatInt(r.IssuedAt, 10))
	for _, kv := range r.Metadata {
		builder.WriteString("|meta:")
		builder.WriteString(kv.Key)
		builder.WriteString("=")
		builder.WriteString(kv.Value)
	}
	digest := sha3.Sum256([]byte(builder.String()))
	return digest[:], nil
}

// HashHex renders the request hash as lowercase hex.
func (r *ScoreRequest) HashHex() (string, error) {
	hash, err := r.Hash()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(hash), nil
}

// SignedOracleResponse is the post-quantum signed verdict produced by a risk
// oracle for a single score request.
type SignedOracleResponse struct {
	RequestID        string         `json:"requestId"`
	RequestHash      string         `json:"requestHash"`
	OracleID         string         `json:"oracleId"`
	Nonce            string         `json:"nonce"`
	RiskScore        float64        `json:"riskScore"`
	FraudProbability float64        `json:"fraudProbability"`
	Confidence       float64        `json:"confidence"`
	Analyses         []RiskAnalysis `json:"analyses,omitempty"`
	IssuedAt         int64          `json:"issuedAt"`
	SignedAt         int64          `json:"signedAt"`
	ExpiresAt        int64          `json:"expiresAt"`
	Signature        string         `json:"signature"`
	PublicKey        string         `json:"publicKey"`
	CertificateChain []Certificate  `json:"certificateChain,omitempty"`
}

// CanonicalMessage renders the byte string covered by the oracle signature.
func (r *SignedOracleResponse) CanonicalMessage() (string, error) {
	if r == nil {
		return "", fmt.Errorf("oracle response not initialised")
	}
	oracleID := strings.TrimSpace(r.OracleID)
	if oracleID == "" {
		return "", fmt.Errorf("oracle response: oracle id required")
	}
	nonce := strings.TrimSpace(r.Nonce)
	if nonce == "" {
		return "", fmt.Errorf("oracle response: nonce required")
	}
	if r.SignedAt <= 0 {
		return "", fmt.Errorf("oracle response: signed timestamp required")
	}
	builder := strings.Builder{}
	builder.WriteString(OracleRiskDomainV1)
	builder.WriteString("|oracle=")
	builder.WriteString(strings.ToLower(oracleID))
	builder.WriteString("|req=")
	builder.WriteString(strings.TrimSpace(r.RequestID))
	builder.WriteString("|reqhash=")
	builder.WriteString(strings.ToLower(strings.TrimSpace(r.RequestHash)))
	builder.WriteString("|nonce=")
	builder.WriteString(nonce)
	builder.WriteString("|risk=")
	builder.WriteString(strconv.FormatFloat(r.RiskScore, 'f', 6, 64))
	builder.WriteString("|fraud=")
	builder.WriteString(strconv.FormatFloat(r.FraudProbability, 'f', 6, 64))
	builder.WriteString("|conf=")
	builder.WriteString(strconv.FormatFloat(r.Confidence, 'f', 6, 64))
	builder.WriteString("|issued=")
	builder.WriteString(strconv.FormatInt(r.IssuedAt, 10))
	builder.WriteString("|signed=")
	builder.WriteString(strconv.FormatInt(r.SignedAt, 10))
	builder.WriteString("|expires=")
	builder.WriteString(strconv.FormatInt(r.ExpiresAt, 10))
	return builder.String(), nil
}

// SignableBytes returns the SHA3-256 digest of the canonical message, which
// is what the oracle key actually signs.
func (r *SignedOracleResponse) SignableBytes() ([]byte, error) {
	message, err := r.CanonicalMessage()
	if err != nil {
		return nil, err
	}
	digest := sha3.Sum256([]byte(message))
	return digest[:], nil
}

// CombinedScore averages the attached analyses. When no analyses are present
// the headline risk score is returned unchanged.
func (r *SignedOracleResponse) CombinedScore() float64 {
	if r == nil {
		return 0
	}
	if len(r.Analyses) == 0 {
		return r.RiskScore
	}
	total := 0.0
	for _, analysis := range r.Analyses {
		total += analysis.Score
	}
	return total / float64(len(r.Analyses))
}

// LeafCertificate returns the first certificate in the chain, which must name
// the signing oracle.
func (r *SignedOracleResponse) LeafCertificate() (Certificate, bool) {
	if r == nil || len(r.CertificateChain) == 0 {
		return Certificate{}, false
	}
	return r.CertificateChain[0], true
}
