package routes

import (
	"bytes"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/DytallixHQ/Dytallix-sub009/consensus/audit"
	"github.com/DytallixHQ/Dytallix-sub009/consensus/reviewqueue"
	"github.com/DytallixHQ/Dytallix-sub009/consensus/risk"
	"github.com/DytallixHQ/Dytallix-sub009/core/types"
	"github.com/DytallixHQ/Dytallix-sub009/gateway/middleware"
	"github.com/DytallixHQ/Dytallix-sub009/storage"
)

type gatewayFixture struct {
	queue   *reviewqueue.Queue
	trail   *audit.Trail
	handler http.Handler
	entry   *reviewqueue.Entry
	txHash  string
}

func reviewAssessment() risk.Assessment {
	return risk.Assessment{
		Decision: risk.Decision{
			Kind:             risk.DecisionRequireReview,
			Reason:           "risk score in review band",
			RiskScore:        0.85,
			FraudProbability: 0.2,
			Confidence:       0.9,
		},
		Outcome: risk.Verified(&types.SignedOracleResponse{OracleID: "oracle-1"}),
	}
}

func newGatewayFixture(t *testing.T, auth *middleware.Authenticator) *gatewayFixture {
	t.Helper()
	queue := reviewqueue.New(reviewqueue.Config{}, nil)
	trail := audit.New(audit.Config{}, storage.NewMemDB(), nil, nil)

	tx := &types.Transaction{
		Type:   types.TxTypeTransfer,
		Nonce:  1,
		From:   bytes.Repeat([]byte{0x11}, 20),
		To:     bytes.Repeat([]byte{0x22}, 20),
		Amount: big.NewInt(50_000),
	}
	assessment := reviewAssessment()
	entry, err := queue.Enqueue(tx, assessment)
	require.NoError(t, err)
	txHash, err := tx.HashHex()
	require.NoError(t, err)
	_, err = trail.Record(txHash, assessment, "oracle-1", "req-1", entry.Priority.String(), nil)
	require.NoError(t, err)
	require.NoError(t, trail.Flush())

	handler := New(Config{
		Queue:         queue,
		Trail:         trail,
		Authenticator: auth,
		ReviewScopes:  []string{"review:write"},
		AuditScopes:   []string{"audit:read"},
	})
	return &gatewayFixture{queue: queue, trail: trail, handler: handler, entry: entry, txHash: txHash}
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	return res
}

func TestPendingListsQueuedEntries(t *testing.T) {
	f := newGatewayFixture(t, nil)

	res := doJSON(t, f.handler, http.MethodGet, "/review/pending", nil, "")
	require.Equal(t, http.StatusOK, res.Code)

	var payload struct {
		Entries []reviewqueue.Entry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &payload))
	require.Len(t, payload.Entries, 1)
	require.Equal(t, f.entry.QueueID, payload.Entries[0].QueueID)
}

func TestApproveFinalisesEntryAndSyncsCompliance(t *testing.T) {
	f := newGatewayFixture(t, nil)

	res := doJSON(t, f.handler, http.MethodPost, "/review/"+f.entry.QueueID+"/approve",
		map[string]string{"officer": "officer-7", "notes": "source of funds verified"}, "")
	require.Equal(t, http.StatusOK, res.Code)

	updated, err := f.queue.Get(f.entry.QueueID)
	require.NoError(t, err)
	require.Equal(t, reviewqueue.StateApproved, updated.Status.State)
	require.Equal(t, "officer-7", updated.Status.Officer)

	records, err := f.trail.ByTransaction(f.txHash)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, audit.ComplianceManualApproved, records[0].Compliance.State)
	require.Equal(t, "officer-7", records[0].Compliance.Officer)
}

func TestRejectRequiresReason(t *testing.T) {
	f := newGatewayFixture(t, nil)

	res := doJSON(t, f.handler, http.MethodPost, "/review/"+f.entry.QueueID+"/reject",
		map[string]string{"officer": "officer-7"}, "")
	require.Equal(t, http.StatusBadRequest, res.Code)
}

func TestUnknownEntryReturnsNotFound(t *testing.T) {
	f := newGatewayFixture(t, nil)

	res := doJSON(t, f.handler, http.MethodPost, "/review/missing-id/approve",
		map[string]string{"officer": "officer-7"}, "")
	require.Equal(t, http.StatusNotFound, res.Code)
}

func TestDoubleClaimConflicts(t *testing.T) {
	f := newGatewayFixture(t, nil)

	res := doJSON(t, f.handler, http.MethodPost, "/review/"+f.entry.QueueID+"/claim",
		map[string]string{"officer": "officer-7"}, "")
	require.Equal(t, http.StatusOK, res.Code)

	res = doJSON(t, f.handler, http.MethodPost, "/review/"+f.entry.QueueID+"/claim",
		map[string]string{"officer": "officer-8"}, "")
	require.Equal(t, http.StatusConflict, res.Code)
}

func TestAuditEndpointReturnsRecords(t *testing.T) {
	f := newGatewayFixture(t, nil)

	res := doJSON(t, f.handler, http.MethodGet, "/audit/"+f.txHash, nil, "")
	require.Equal(t, http.StatusOK, res.Code)

	var payload struct {
		Entries []audit.Entry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &payload))
	require.Len(t, payload.Entries, 1)
	require.Equal(t, f.txHash, payload.Entries[0].TxHash)
}

func TestStatsReportsQueueDepth(t *testing.T) {
	f := newGatewayFixture(t, nil)

	res := doJSON(t, f.handler, http.MethodGet, "/review/stats", nil, "")
	require.Equal(t, http.StatusOK, res.Code)

	var payload struct {
		Queue reviewqueue.Statistics `json:"queue"`
	}
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &payload))
	require.Equal(t, 1, payload.Queue.Depth)
}

func signToken(t *testing.T, secret, subject, scope string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   subject,
		"scope": scope,
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestAuthEnforcedWhenEnabled(t *testing.T) {
	auth := middleware.NewAuthenticator(middleware.AuthConfig{
		Enabled:    true,
		HMACSecret: "review-secret",
	}, nil)
	f := newGatewayFixture(t, auth)

	res := doJSON(t, f.handler, http.MethodGet, "/review/pending", nil, "")
	require.Equal(t, http.StatusUnauthorized, res.Code)

	res = doJSON(t, f.handler, http.MethodGet, "/review/pending", nil,
		signToken(t, "review-secret", "officer-7", "review:write"))
	require.Equal(t, http.StatusOK, res.Code)

	res = doJSON(t, f.handler, http.MethodGet, "/review/pending", nil,
		signToken(t, "review-secret", "officer-7", "audit:read"))
	require.Equal(t, http.StatusForbidden, res.Code)
}

func TestOfficerTakenFromToken(t *testing.T) {
	auth := middleware.NewAuthenticator(middleware.AuthConfig{
		Enabled:    true,
		HMACSecret: "review-secret",
	}, nil)
	f := newGatewayFixture(t, auth)

	token := signToken(t, "review-secret", "officer-from-token", "review:write")
	res := doJSON(t, f.handler, http.MethodPost, "/review/"+f.entry.QueueID+"/approve",
		map[string]string{"officer": "ignored"}, token)
	require.Equal(t, http.StatusOK, res.Code)

	updated, err := f.queue.Get(f.entry.QueueID)
	require.NoError(t, err)
	require.Equal(t, "officer-from-token", updated.Status.Officer)
}
