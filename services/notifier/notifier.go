// Package notifier delivers review-queue events to compliance webhook
// endpoints. Deliveries run on a background worker with retry and exponential
// backoff; every attempt is journalled so operators can audit what was sent.
package notifier

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/DytallixHQ/Dytallix-sub009/consensus/reviewqueue"
)

// EventType represents the logical webhook topic.
type EventType string

const (
	// EventHighRiskQueued is emitted when a transaction enters the manual
	// review queue.
	EventHighRiskQueued EventType = "review.high_risk.queued"
	// EventEntryExpired is emitted when a queued entry ages out unreviewed.
	EventEntryExpired EventType = "review.entry.expired"
	// EventReviewTimedOut is emitted when a claimed review exceeds its
	// deadline.
	EventReviewTimedOut EventType = "review.timed_out"
	// EventCapacityWarning is emitted when queue depth crosses the warning
	// threshold.
	EventCapacityWarning EventType = "review.capacity.warning"

	defaultMaxAttempts = 5
	defaultMinBackoff  = 2 * time.Second
	defaultMaxBackoff  = 30 * time.Second
)

// EntryPayload describes the webhook body for entry-scoped events.
type EntryPayload struct {
	Type             EventType `json:"type"`
	QueueID          string    `json:"queueId"`
	TxHash           string    `json:"txHash"`
	RiskScore        float64   `json:"riskScore"`
	FraudProbability float64   `json:"fraudProbability"`
	Priority         string    `json:"priority"`
	Tags             []string  `json:"tags,omitempty"`
	EnqueuedAt       time.Time `json:"enqueuedAt"`
	DeliveryID       string    `json:"deliveryId"`
}

// CapacityPayload describes the webhook body for capacity warnings.
type CapacityPayload struct {
	Type       EventType `json:"type"`
	Depth      int       `json:"depth"`
	Capacity   int       `json:"capacity"`
	ObservedAt time.Time `json:"observedAt"`
	DeliveryID string    `json:"deliveryId"`
}

// Dispatcher fans review events out to the configured endpoints. It
// implements reviewqueue.Notifier so it can be handed straight to the queue.
type Dispatcher struct {
	endpoints   []Endpoint
	client      *http.Client
	journal     *Journal
	logger      *slog.Logger
	maxAttempts int
	minBackoff  time.Duration
	maxBackoff  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	queue  chan delivery
	wg     sync.WaitGroup
}

type delivery struct {
	eventType  EventType
	deliveryID string
	body       []byte
}

// Option mutates dispatcher configuration.
type Option func(*Dispatcher)

// WithHTTPClient overrides the HTTP client used for deliveries.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) {
		if client != nil {
			d.client = client
		}
	}
}

// WithRetryPolicy overrides the retry configuration.
func WithRetryPolicy(maxAttempts int, minBackoff, maxBackoff time.Duration) Option {
	return func(d *Dispatcher) {
		if maxAttempts > 0 {
			d.maxAttempts = maxAttempts
		}
		if minBackoff > 0 {
			d.minBackoff = minBackoff
		}
		if maxBackoff >= minBackoff && maxBackoff > 0 {
			d.maxBackoff = maxBackoff
		}
	}
}

// WithJournal records every delivery attempt in the supplied journal.
func WithJournal(journal *Journal) Option {
	return func(d *Dispatcher) {
		d.journal = journal
	}
}

// WithLogger overrides the fallback logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDispatcher constructs a dispatcher and spawns the worker goroutine.
func NewDispatcher(endpoints []Endpoint, opts ...Option) (*Dispatcher, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("notifier: at least one endpoint required")
	}
	for _, ep := range endpoints {
		if err := ep.validate(); err != nil {
			return nil, err
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	dispatcher := &Dispatcher{
		endpoints:   append([]Endpoint(nil), endpoints...),
		client:      &http.Client{Timeout: 15 * time.Second},
		logger:      slog.Default(),
		maxAttempts: defaultMaxAttempts,
		minBackoff:  defaultMinBackoff,
		maxBackoff:  defaultMaxBackoff,
		ctx:         ctx,
		cancel:      cancel,
		queue:       make(chan delivery, 64),
	}
	for _, opt := range opts {
		opt(dispatcher)
	}
	dispatcher.wg.Add(1)
	go dispatcher.worker()
	return dispatcher, nil
}

// Close stops the dispatcher and waits for inflight deliveries to complete.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.cancel()
	d.wg.Wait()
}

// HighRiskQueued implements reviewqueue.Notifier.
func (d *Dispatcher) HighRiskQueued(entry *reviewqueue.Entry) {
	d.enqueueEntry(EventHighRiskQueued, entry)
}

// EntryExpired implements reviewqueue.Notifier.
func (d *Dispatcher) EntryExpired(entry *reviewqueue.Entry) {
	d.enqueueEntry(EventEntryExpired, entry)
}

// ReviewTimedOut implements reviewqueue.Notifier.
func (d *Dispatcher) ReviewTimedOut(entry *reviewqueue.Entry) {
	d.enqueueEntry(EventReviewTimedOut, entry)
}

// CapacityWarning implements reviewqueue.Notifier.
func (d *Dispatcher) CapacityWarning(depth, capacity int) {
	payload := CapacityPayload{
		Type:       EventCapacityWarning,
		Depth:      depth,
		Capacity:   capacity,
		ObservedAt: time.Now().UTC(),
		DeliveryID: fmt.Sprintf("capacity-%d", time.Now().UnixNano()),
	}
	if err := d.enqueue(payload.Type, payload.DeliveryID, payload); err != nil {
		d.logger.Warn("notifier: capacity event dropped", "error", err)
	}
}

func (d *Dispatcher) enqueueEntry(eventType EventType, entry *reviewqueue.Entry) {
	if entry == nil {
		return
	}
	payload := EntryPayload{
		Type:             eventType,
		QueueID:          entry.QueueID,
		TxHash:           entry.TxHash,
		RiskScore:        entry.RiskScore,
		FraudProbability: entry.FraudProbability,
		Priority:         entry.Priority.String(),
		Tags:             append([]string(nil), entry.Tags...),
		EnqueuedAt:       entry.EnqueuedAt,
		DeliveryID:       fmt.Sprintf("%s-%d", entry.QueueID, time.Now().UnixNano()),
	}
	if err := d.enqueue(eventType, payload.DeliveryID, payload); err != nil {
		d.logger.Warn("notifier: event dropped", "event", string(eventType), "tx", entry.TxHash, "error", err)
	}
}

func (d *Dispatcher) enqueue(eventType EventType, deliveryID string, body interface{}) error {
	if d == nil {
		return errors.New("notifier: dispatcher not initialised")
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	select {
	case <-d.ctx.Done():
		return errors.New("notifier: dispatcher closed")
	default:
	}
	// Non-blocking: the notifier must never stall the review queue.
	select {
	case d.queue <- delivery{eventType: eventType, deliveryID: deliveryID, body: data}:
		return nil
	default:
		return errors.New("notifier: delivery queue full")
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case job := <-d.queue:
			d.process(job)
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) process(job delivery) {
	for _, endpoint := range d.endpoints {
		if !endpoint.accepts(job.eventType) {
			continue
		}
		d.deliver(endpoint, job)
	}
}

func (d *Dispatcher) deliver(endpoint Endpoint, job delivery) {
	attempt := 0
	backoff := d.minBackoff
	for {
		attempt++
		ctx, cancel := context.WithTimeout(d.ctx, d.client.Timeout)
		err := d.send(ctx, endpoint, job)
		cancel()
		d.journalAttempt(endpoint, job, attempt, err)
		if err == nil {
			return
		}
		if attempt >= d.maxAttempts {
			d.logger.Warn("notifier: delivery abandoned",
				"endpoint", endpoint.Name, "event", string(job.eventType), "attempts", attempt, "error", err)
			return
		}
		select {
		case <-time.After(backoff):
		case <-d.ctx.Done():
			return
		}
		backoff = nextBackoff(backoff, d.maxBackoff)
	}
}

func (d *Dispatcher) send(ctx context.Context, endpoint Endpoint, job delivery) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, bytes.NewReader(job.body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-DYT-Event", string(job.eventType))
	req.Header.Set("X-DYT-Delivery", job.deliveryID)
	req.Header.Set("X-DYT-Signature", signBody([]byte(endpoint.Secret), job.body))
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("notifier: delivery failed with status %d", resp.StatusCode)
}

func (d *Dispatcher) journalAttempt(endpoint Endpoint, job delivery, attempt int, sendErr error) {
	if d.journal == nil {
		return
	}
	record := DeliveryRecord{
		DeliveryID: job.deliveryID,
		Endpoint:   endpoint.Name,
		Event:      string(job.eventType),
		Attempt:    attempt,
		Delivered:  sendErr == nil,
		AttemptAt:  time.Now().UTC(),
	}
	if sendErr != nil {
		record.LastError = sendErr.Error()
	}
	if err := d.journal.Append(record); err != nil {
		d.logger.Warn("notifier: journal write failed", "delivery", job.deliveryID, "error", err)
	}
}

func signBody(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	if next < current {
		return max
	}
	return next
}
