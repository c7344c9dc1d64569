package routes

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/DytallixHQ/Dytallix-sub009/consensus/audit"
	"github.com/DytallixHQ/Dytallix-sub009/consensus/reviewqueue"
	"github.com/DytallixHQ/Dytallix-sub009/gateway/middleware"
)

const reviewRequestLimit = 1 << 20

// PoolStatus is the slice of the mempool surfaced on the stats endpoint.
type PoolStatus interface {
	Len() int
	EligibleLen() int
	TotalBytes() int64
	CurrentMinGasPrice() uint64
}

// reviewRoutes binds the manual review queue and the audit trail to HTTP.
type reviewRoutes struct {
	queue *reviewqueue.Queue
	trail *audit.Trail
	pool  PoolStatus
}

func newReviewRoutes(queue *reviewqueue.Queue, trail *audit.Trail, pool PoolStatus) *reviewRoutes {
	return &reviewRoutes{queue: queue, trail: trail, pool: pool}
}

func (rr *reviewRoutes) mount(r chi.Router) {
	r.Get("/pending", rr.handlePending)
	r.Get("/stats", rr.handleStats)
	r.Get("/{queueID}", rr.handleGet)
	r.Post("/{queueID}/claim", rr.handleClaim)
	r.Post("/{queueID}/approve", rr.handleApprove)
	r.Post("/{queueID}/reject", rr.handleReject)
	r.Post("/bulk-approve", rr.handleBulkApprove)
	r.Post("/bulk-reject", rr.handleBulkReject)
}

type decisionRequest struct {
	Officer string `json:"officer,omitempty"`
	Notes   string `json:"notes,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

type bulkRequest struct {
	QueueIDs []string `json:"queueIds"`
	Officer  string   `json:"officer,omitempty"`
	Notes    string   `json:"notes,omitempty"`
	Reason   string   `json:"reason,omitempty"`
}

func (rr *reviewRoutes) handlePending(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": rr.queue.Pending(limit)})
}

func (rr *reviewRoutes) handleGet(w http.ResponseWriter, r *http.Request) {
	entry, err := rr.queue.Get(chi.URLParam(r, "queueID"))
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (rr *reviewRoutes) handleClaim(w http.ResponseWriter, r *http.Request) {
	_, officer, ok := rr.decodeDecision(w, r)
	if !ok {
		return
	}
	entry, err := rr.queue.StartReview(chi.URLParam(r, "queueID"), officer)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (rr *reviewRoutes) handleApprove(w http.ResponseWriter, r *http.Request) {
	body, officer, ok := rr.decodeDecision(w, r)
	if !ok {
		return
	}
	entry, err := rr.queue.Approve(chi.URLParam(r, "queueID"), officer, body.Notes)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	rr.syncCompliance(entry, audit.ComplianceManualApproved, officer, body.Notes, "")
	writeJSON(w, http.StatusOK, entry)
}

func (rr *reviewRoutes) handleReject(w http.ResponseWriter, r *http.Request) {
	body, officer, ok := rr.decodeDecision(w, r)
	if !ok {
		return
	}
	if strings.TrimSpace(body.Reason) == "" {
		writeError(w, http.StatusBadRequest, "reason required")
		return
	}
	entry, err := rr.queue.Reject(chi.URLParam(r, "queueID"), officer, body.Reason)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	rr.syncCompliance(entry, audit.ComplianceFlagged, officer, "", body.Reason)
	writeJSON(w, http.StatusOK, entry)
}

func (rr *reviewRoutes) handleBulkApprove(w http.ResponseWriter, r *http.Request) {
	rr.handleBulk(w, r, false)
}

func (rr *reviewRoutes) handleBulkReject(w http.ResponseWriter, r *http.Request) {
	rr.handleBulk(w, r, true)
}

func (rr *reviewRoutes) handleBulk(w http.ResponseWriter, r *http.Request, reject bool) {
	var body bulkRequest
	if !decodeBody(w, r, &body) {
		return
	}
	officer := resolveOfficer(r, body.Officer)
	if officer == "" {
		writeError(w, http.StatusBadRequest, "officer required")
		return
	}
	if len(body.QueueIDs) == 0 {
		writeError(w, http.StatusBadRequest, "queueIds required")
		return
	}
	var result reviewqueue.BulkResult
	if reject {
		if strings.TrimSpace(body.Reason) == "" {
			writeError(w, http.StatusBadRequest, "reason required")
			return
		}
		result = rr.queue.BulkReject(body.QueueIDs, officer, body.Reason)
	} else {
		result = rr.queue.BulkApprove(body.QueueIDs, officer, body.Notes)
	}
	for _, id := range result.Succeeded {
		if entry, err := rr.queue.Get(id); err == nil {
			if reject {
				rr.syncCompliance(entry, audit.ComplianceFlagged, officer, "", body.Reason)
			} else {
				rr.syncCompliance(entry, audit.ComplianceManualApproved, officer, body.Notes, "")
			}
		}
	}
	writeJSON(w, http.StatusOK, result)
}

func (rr *reviewRoutes) handleStats(w http.ResponseWriter, r *http.Request) {
	payload := map[string]interface{}{
		"queue": rr.queue.Stats(),
	}
	if rr.trail != nil {
		payload["audit"] = rr.trail.Stats()
	}
	if rr.pool != nil {
		payload["mempool"] = map[string]interface{}{
			"size":        rr.pool.Len(),
			"eligible":    rr.pool.EligibleLen(),
			"totalBytes":  rr.pool.TotalBytes(),
			"minGasPrice": rr.pool.CurrentMinGasPrice(),
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

// handleAudit returns every audit record for a transaction hash.
func (rr *reviewRoutes) handleAudit(w http.ResponseWriter, r *http.Request) {
	if rr.trail == nil {
		writeError(w, http.StatusServiceUnavailable, "audit trail not configured")
		return
	}
	txHash := chi.URLParam(r, "txHash")
	entries, err := rr.trail.ByTransaction(txHash)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"txHash": strings.ToLower(txHash), "entries": entries})
}

// syncCompliance mirrors a manual decision into the audit trail. Best effort:
// a failed update is not surfaced to the reviewer.
func (rr *reviewRoutes) syncCompliance(entry *reviewqueue.Entry, state audit.ComplianceState, officer, notes, reason string) {
	if rr.trail == nil || entry == nil {
		return
	}
	records, err := rr.trail.ByTransaction(entry.TxHash)
	if err != nil || len(records) == 0 {
		return
	}
	latest := records[len(records)-1]
	_ = rr.trail.UpdateCompliance(latest.AuditID, audit.ComplianceStatus{
		State:   state,
		Officer: officer,
		Notes:   notes,
		Reason:  reason,
	})
}

func (rr *reviewRoutes) decodeDecision(w http.ResponseWriter, r *http.Request) (decisionRequest, string, bool) {
	var body decisionRequest
	if !decodeBody(w, r, &body) {
		return body, "", false
	}
	officer := resolveOfficer(r, body.Officer)
	if officer == "" {
		writeError(w, http.StatusBadRequest, "officer required")
		return body, "", false
	}
	return body, officer, true
}

// resolveOfficer prefers the authenticated token subject over the request
// body.
func resolveOfficer(r *http.Request, fromBody string) string {
	if officer := middleware.OfficerFromContext(r.Context()); officer != "" {
		return officer
	}
	return strings.TrimSpace(fromBody)
}

func decodeBody(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	raw, err := io.ReadAll(io.LimitReader(r.Body, reviewRequestLimit))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unable to read request body")
		return false
	}
	if len(raw) == 0 {
		return true
	}
	if err := json.Unmarshal(raw, out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, reviewqueue.ErrEntryNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, reviewqueue.ErrWrongState):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
