package routes

import (
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/DytallixHQ/Dytallix-sub009/core/types"
	"github.com/DytallixHQ/Dytallix-sub009/mempool"
)

// TxSubmitter is the admission surface of the mempool exposed over HTTP.
type TxSubmitter interface {
	Add(tx *types.Transaction) (*mempool.RejectionReason, error)
	Contains(hash []byte) bool
}

type txRoutes struct {
	pool TxSubmitter
}

func newTxRoutes(pool TxSubmitter) *txRoutes {
	return &txRoutes{pool: pool}
}

func (tr *txRoutes) mount(r chi.Router) {
	r.Post("/", tr.handleSubmit)
	r.Get("/{txHash}", tr.handleStatus)
}

func (tr *txRoutes) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var tx types.Transaction
	body := io.LimitReader(r.Body, reviewRequestLimit)
	if err := json.NewDecoder(body).Decode(&tx); err != nil {
		writeError(w, http.StatusBadRequest, "malformed transaction payload")
		return
	}

	reason, err := tr.pool.Add(&tx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "admission failed")
		return
	}
	if reason != nil {
		writeJSON(w, rejectionStatus(reason), map[string]string{
			"error": reason.Message,
			"code":  string(reason.Code),
		})
		return
	}

	hash, err := tx.HashHex()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "hash transaction")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"txHash": hash})
}

func (tr *txRoutes) handleStatus(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimPrefix(strings.ToLower(chi.URLParam(r, "txHash")), "0x")
	hash, err := hex.DecodeString(raw)
	if err != nil || len(hash) == 0 {
		writeError(w, http.StatusBadRequest, "malformed transaction hash")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"txHash":  raw,
		"pending": tr.pool.Contains(hash),
	})
}

func rejectionStatus(reason *mempool.RejectionReason) int {
	switch reason.Code {
	case mempool.RejectDuplicate:
		return http.StatusConflict
	case mempool.RejectPoolFull:
		return http.StatusTooManyRequests
	default:
		return http.StatusBadRequest
	}
}
