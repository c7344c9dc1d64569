// Package oracle implements the HTTP client that submits transactions to the
// external risk-scoring service and returns its signed verdicts. The client
// never trusts what it receives; signature and freshness checks happen in the
// verification layer.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/DytallixHQ/Dytallix-sub009/core/types"
	dytcrypto "github.com/DytallixHQ/Dytallix-sub009/crypto"
)

var (
	// ErrUnavailable is returned when the oracle cannot be reached or keeps
	// answering with retryable errors. Callers fall back to heuristics.
	ErrUnavailable = errors.New("oracle: service unavailable")
	// ErrTimeout is returned when the scoring deadline elapsed before a
	// response arrived.
	ErrTimeout = errors.New("oracle: request timed out")
)

const errorBodyLimit = 512

// HTTPDoer abstracts http.Client for ease of testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config captures the parameters of the scoring endpoint.
type Config struct {
	Endpoint          string        `toml:"Endpoint"`
	APIKey            string        `toml:"APIKey"`
	Timeout           time.Duration `toml:"Timeout"`
	MaxRetries        int           `toml:"MaxRetries"`
	RetryBackoff      time.Duration `toml:"RetryBackoff"`
	RequestsPerSecond float64       `toml:"RequestsPerSecond"`
	Burst             int           `toml:"Burst"`
}

// Normalise applies canonical defaults to a defensive copy.
func (c Config) Normalise() Config {
	cfg := c
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 2
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 50
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	return cfg
}

// Statistics summarises client health.
type Statistics struct {
	Requests  uint64
	Retries   uint64
	Failures  uint64
	Timeouts  uint64
	Throttled uint64
}

// Client talks to one scoring endpoint.
type Client struct {
	cfg     Config
	doer    HTTPDoer
	limiter *rate.Limiter
	clock   func() time.Time

	mu    sync.Mutex
	stats Statistics
}

// NewClient builds a scoring client. When doer is nil an instrumented
// http.Client with the configured timeout is used.
func NewClient(cfg Config, doer HTTPDoer) (*Client, error) {
	cfg = cfg.Normalise()
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("oracle: endpoint required")
	}
	if doer == nil {
		doer = &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &Client{
		cfg:     cfg,
		doer:    doer,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		clock:   time.Now,
	}, nil
}

// SetClock overrides the time source, enabling deterministic unit tests.
func (c *Client) SetClock(clock func() time.Time) {
	if c == nil || clock == nil {
		return
	}
	c.clock = clock
}

// BuildRequest assembles the canonical score request for a transaction.
func (c *Client) BuildRequest(tx *types.Transaction) (*types.ScoreRequest, error) {
	if c == nil {
		return nil, fmt.Errorf("oracle client not initialised")
	}
	if tx == nil {
		return nil, fmt.Errorf("oracle: transaction required")
	}
	hash, err := tx.HashHex()
	if err != nil {
		return nil, fmt.Errorf("oracle: hash transaction: %w", err)
	}
	from, err := tx.FromAddress()
	if err != nil {
		return nil, fmt.Errorf("oracle: sender address: %w", err)
	}
	amount := "0"
	if tx.Amount != nil {
		amount = tx.Amount.String()
	}
	to := ""
	if len(tx.To) == 20 {
		to = dytcrypto.NewAddress(dytcrypto.DytPrefix, tx.To).String()
	}
	return &types.ScoreRequest{
		RequestID: uuid.NewString(),
		TxHash:    hash,
		TxType:    tx.Type.String(),
		From:      from,
		To:        to,
		Amount:    amount,
		GasPrice:  tx.GasPrice,
		Nonce:     tx.Nonce,
		IssuedAt:  c.clock().UTC().Unix(),
	}, nil
}

// Score submits the request and returns the oracle's signed response. The
// response is checked only for transport-level sanity here; cryptographic
// verification is the caller's job.
func (c *Client) Score(ctx context.Context, request *types.ScoreRequest) (*types.SignedOracleResponse, error) {
	if c == nil || c.doer == nil {
		return nil, fmt.Errorf("oracle client not initialised")
	}
	if request == nil {
		return nil, fmt.Errorf("oracle: score request required")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		c.count(func(s *Statistics) { s.Throttled++ })
		return nil, c.classify(err)
	}
	payload, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("oracle: encode request: %w", err)
	}
	c.count(func(s *Statistics) { s.Requests++ })

	var lastErr error
	backoff := c.cfg.RetryBackoff
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			c.count(func(s *Statistics) { s.Retries++ })
			select {
			case <-ctx.Done():
				return nil, c.classify(ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		resp, retryable, err := c.attempt(ctx, request, payload)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryable {
			break
		}
	}
	c.count(func(s *Statistics) { s.Failures++ })
	return nil, lastErr
}

func (c *Client) attempt(ctx context.Context, request *types.ScoreRequest, payload []byte) (*types.SignedOracleResponse, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, false, fmt.Errorf("oracle: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("x-api-key", c.cfg.APIKey)
	}

	resp, err := c.doer.Do(req)
	if err != nil {
		classified := c.classify(err)
		return nil, !errors.Is(classified, ErrTimeout), classified
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return nil, true, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return nil, false, fmt.Errorf("oracle: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded types.SignedOracleResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, true, fmt.Errorf("oracle: decode response: %w", err)
	}
	if strings.TrimSpace(decoded.RequestID) != strings.TrimSpace(request.RequestID) {
		return nil, false, fmt.Errorf("oracle: response for request %q, want %q", decoded.RequestID, request.RequestID)
	}
	return &decoded, false, nil
}

func (c *Client) classify(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		c.count(func(s *Statistics) { s.Timeouts++ })
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

func (c *Client) count(fn func(*Statistics)) {
	c.mu.Lock()
	fn(&c.stats)
	c.mu.Unlock()
}

// Stats returns a snapshot of the client counters.
func (c *Client) Stats() Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
