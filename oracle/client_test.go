package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/DytallixHQ/Dytallix-sub009/core/types"
)

type scriptedDoer struct {
	responses []*http.Response
	errs      []error
	calls     int
	requests  []*http.Request
}

func (d *scriptedDoer) Do(req *http.Request) (*http.Response, error) {
	idx := d.calls
	d.calls++
	d.requests = append(d.requests, req)
	if idx < len(d.errs) && d.errs[idx] != nil {
		return nil, d.errs[idx]
	}
	if idx < len(d.responses) {
		return d.responses[idx], nil
	}
	return jsonResponse(http.StatusInternalServerError, map[string]string{"error": "unscripted"}), nil
}

func jsonResponse(status int, payload interface{}) *http.Response {
	raw, _ := json.Marshal(payload)
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewReader(raw)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}
}

func testConfig() Config {
	return Config{
		Endpoint:     "http://oracle.test/v1/score",
		APIKey:       "secret",
		MaxRetries:   2,
		RetryBackoff: time.Millisecond,
	}
}

func scoreRequest(t *testing.T) *types.ScoreRequest {
	t.Helper()
	return &types.ScoreRequest{
		RequestID: "req-1",
		TxHash:    "0xabc",
		TxType:    "transfer",
		Amount:    "100",
		IssuedAt:  1_700_000_000,
	}
}

func TestScoreSuccess(t *testing.T) {
	doer := &scriptedDoer{responses: []*http.Response{
		jsonResponse(http.StatusOK, types.SignedOracleResponse{
			RequestID: "req-1",
			OracleID:  "oracle-1",
			RiskScore: 0.12,
		}),
	}}
	client, err := NewClient(testConfig(), doer)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	resp, err := client.Score(context.Background(), scoreRequest(t))
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if resp.OracleID != "oracle-1" || resp.RiskScore != 0.12 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	sent := doer.requests[0]
	if sent.Method != http.MethodPost || sent.Header.Get("x-api-key") != "secret" {
		t.Fatalf("request not built correctly: %s %v", sent.Method, sent.Header)
	}
}

func TestScoreRetriesServerErrors(t *testing.T) {
	doer := &scriptedDoer{responses: []*http.Response{
		jsonResponse(http.StatusInternalServerError, map[string]string{"error": "overloaded"}),
		jsonResponse(http.StatusTooManyRequests, map[string]string{"error": "slow down"}),
		jsonResponse(http.StatusOK, types.SignedOracleResponse{RequestID: "req-1", OracleID: "oracle-1"}),
	}}
	client, err := NewClient(testConfig(), doer)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	resp, err := client.Score(context.Background(), scoreRequest(t))
	if err != nil {
		t.Fatalf("score after retries: %v", err)
	}
	if resp.OracleID != "oracle-1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if doer.calls != 3 {
		t.Fatalf("attempts = %d, want 3", doer.calls)
	}
	if stats := client.Stats(); stats.Retries != 2 || stats.Failures != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestScoreExhaustedRetriesReportsUnavailable(t *testing.T) {
	doer := &scriptedDoer{errs: []error{
		errors.New("dial tcp: connection refused"),
		errors.New("dial tcp: connection refused"),
		errors.New("dial tcp: connection refused"),
	}}
	client, err := NewClient(testConfig(), doer)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.Score(context.Background(), scoreRequest(t))
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("error = %v, want ErrUnavailable", err)
	}
	if doer.calls != 3 {
		t.Fatalf("attempts = %d, want 3", doer.calls)
	}
	if stats := client.Stats(); stats.Failures != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestScoreClientErrorIsNotRetried(t *testing.T) {
	doer := &scriptedDoer{responses: []*http.Response{
		jsonResponse(http.StatusBadRequest, map[string]string{"error": "malformed"}),
	}}
	client, err := NewClient(testConfig(), doer)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.Score(context.Background(), scoreRequest(t))
	if err == nil || errors.Is(err, ErrUnavailable) {
		t.Fatalf("error = %v, want terminal client error", err)
	}
	if doer.calls != 1 {
		t.Fatalf("attempts = %d, want 1", doer.calls)
	}
}

func TestScoreDeadlineMapsToTimeout(t *testing.T) {
	doer := &scriptedDoer{errs: []error{context.DeadlineExceeded}}
	client, err := NewClient(testConfig(), doer)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.Score(context.Background(), scoreRequest(t))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("error = %v, want ErrTimeout", err)
	}
	if doer.calls != 1 {
		t.Fatalf("timeouts must not retry, attempts = %d", doer.calls)
	}
}

func TestScoreRejectsMismatchedRequestID(t *testing.T) {
	doer := &scriptedDoer{responses: []*http.Response{
		jsonResponse(http.StatusOK, types.SignedOracleResponse{RequestID: "req-other"}),
	}}
	client, err := NewClient(testConfig(), doer)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	if _, err := client.Score(context.Background(), scoreRequest(t)); err == nil {
		t.Fatal("expected mismatch error")
	}
}

func TestBuildRequestFromTransaction(t *testing.T) {
	client, err := NewClient(testConfig(), &scriptedDoer{})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	now := time.Unix(1_700_000_000, 0)
	client.SetClock(func() time.Time { return now })

	sender := bytes.Repeat([]byte{0x11}, 20)
	tx := &types.Transaction{
		Type:     types.TxTypeTransfer,
		Nonce:    7,
		From:     sender,
		To:       bytes.Repeat([]byte{0x22}, 20),
		Amount:   big.NewInt(500),
		GasPrice: 2_000,
	}
	request, err := client.BuildRequest(tx)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if request.RequestID == "" || request.TxHash == "" {
		t.Fatalf("missing identifiers: %+v", request)
	}
	if request.TxType != "transfer" || request.Amount != "500" || request.Nonce != 7 {
		t.Fatalf("unexpected request: %+v", request)
	}
	if request.IssuedAt != now.Unix() {
		t.Fatalf("issued at = %d, want %d", request.IssuedAt, now.Unix())
	}
	if !strings.HasPrefix(request.From, "dx1") || !strings.HasPrefix(request.To, "dx1") {
		t.Fatalf("addresses not rendered as bech32: %q %q", request.From, request.To)
	}
}
