package mempool

import "fmt"

// RejectionReason categorises why a transaction was refused admission. The
// reason is surfaced to the submitter and used as a stable metric label.
type RejectionReason struct {
	Code    RejectCode
	Message string
}

// RejectCode enumerates the admission failure categories.
type RejectCode string

const (
	RejectInvalidSignature  RejectCode = "invalid_signature"
	RejectNonceGap          RejectCode = "nonce_gap"
	RejectInsufficientFunds RejectCode = "insufficient_funds"
	RejectUnderpricedGas    RejectCode = "underpriced_gas"
	RejectOversized         RejectCode = "oversized_tx"
	RejectDuplicate         RejectCode = "duplicate"
	RejectPoolFull          RejectCode = "pool_full"
	RejectPolicyViolation   RejectCode = "policy_violation"
	RejectInternal          RejectCode = "internal_error"
)

// Error satisfies the error interface so rejections can flow through ordinary
// error returns.
func (r *RejectionReason) Error() string {
	if r == nil {
		return ""
	}
	if r.Message != "" {
		return fmt.Sprintf("mempool: %s: %s", r.Code, r.Message)
	}
	return fmt.Sprintf("mempool: %s", r.Code)
}

// MetricLabel returns the stable label recorded against rejection counters.
func (r *RejectionReason) MetricLabel() string {
	if r == nil {
		return "none"
	}
	return string(r.Code)
}

func reject(code RejectCode, format string, args ...interface{}) *RejectionReason {
	return &RejectionReason{Code: code, Message: fmt.Sprintf(format, args...)}
}
