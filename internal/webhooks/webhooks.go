// Package webhooks delivers loop events to HTTP endpoints
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cloud-shuttle/wrangler/internal/events"
	"github.com/cloud-shuttle/wrangler/internal/retry"
)

// Endpoint is a configured webhook receiver
type Endpoint struct {
	URL     string
	Secret  string             // HMAC secret; empty disables signing
	Events  []events.EventType // empty subscribes to every event
	Headers map[string]string
}

// Payload is the JSON body POSTed to an endpoint
type Payload struct {
	Event      events.EventType `json:"event"`
	DeliveryID string           `json:"delivery_id"`
	Timestamp  int64            `json:"timestamp"`
	RunID      string           `json:"run_id"`
	TaskID     string           `json:"task_id,omitempty"`
	Data       map[string]any   `json:"data,omitempty"`
}

// DeliveryResult records one delivery, after retries
type DeliveryResult struct {
	URL        string
	DeliveryID string
	Event      events.EventType
	StatusCode int
	Attempts   int
	Success    bool
	Error      string
	Duration   time.Duration
}

// Notifier posts events to every subscribed endpoint. Deliveries to an
// endpoint are retried on network errors, 429 and 5xx responses.
type Notifier struct {
	endpoints []Endpoint
	client    *http.Client
	policy    retry.Policy
	verbose   bool

	historyMu   sync.Mutex
	history     []DeliveryResult
	historySize int
	historyPos  int
}

// NewNotifier creates a notifier for endpoints
func NewNotifier(endpoints []Endpoint) *Notifier {
	return &Notifier{
		endpoints: endpoints,
		client:    &http.Client{Timeout: 30 * time.Second},
		policy: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    5 * time.Second,
			Jitter:      0.2,
		},
		historySize: 100,
	}
}

// SetTimeout sets the HTTP client timeout
func (n *Notifier) SetTimeout(timeout time.Duration) {
	n.client.Timeout = timeout
}

// SetRetryPolicy replaces the delivery retry policy
func (n *Notifier) SetRetryPolicy(p retry.Policy) {
	n.policy = p
}

// SetVerbose enables logging of successful deliveries
func (n *Notifier) SetVerbose(v bool) {
	n.verbose = v
}

// Len returns the number of configured endpoints
func (n *Notifier) Len() int {
	return len(n.endpoints)
}

// Notify delivers e to each subscribed endpoint in turn. It blocks until
// every delivery succeeded or gave up; run it off the loop's path, e.g.
// from events.Bus.Forward.
func (n *Notifier) Notify(ctx context.Context, e *events.Event) {
	for _, ep := range n.endpoints {
		if !subscribed(ep, e.Type) {
			continue
		}
		res := n.deliver(ctx, ep, e)
		n.record(res)
		if !res.Success {
			log.Printf("⚠️  Webhook %s to %s failed after %d attempts: %s", e.Type, ep.URL, res.Attempts, res.Error)
		} else if n.verbose {
			log.Printf("📡 Webhook %s delivered to %s (HTTP %d, %v)", e.Type, ep.URL, res.StatusCode, res.Duration)
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, ep Endpoint, e *events.Event) DeliveryResult {
	start := time.Now()
	payload := Payload{
		Event:      e.Type,
		DeliveryID: uuid.New().String(),
		Timestamp:  e.Timestamp,
		RunID:      e.RunID,
		TaskID:     e.TaskID,
		Data:       e.Data,
	}
	res := DeliveryResult{URL: ep.URL, DeliveryID: payload.DeliveryID, Event: e.Type}

	body, err := json.Marshal(payload)
	if err != nil {
		res.Error = fmt.Sprintf("marshaling payload: %v", err)
		return res
	}

	_, err = retry.Do(ctx, n.policy, func(ctx context.Context) (int, error) {
		res.Attempts++
		code, err := n.post(ctx, ep, payload, body)
		res.StatusCode = code
		return code, err
	})
	res.Duration = time.Since(start)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Success = true
	return res
}

// post sends one attempt. 4xx other than 429 is fatal; the receiver will
// not change its mind.
func (n *Notifier) post(ctx context.Context, ep Endpoint, p Payload, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return 0, retry.MarkFatal(fmt.Errorf("creating request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Wrangler-Webhooks/1.0")
	req.Header.Set("X-Webhook-Delivery-ID", p.DeliveryID)
	req.Header.Set("X-Webhook-Timestamp", fmt.Sprintf("%d", p.Timestamp))
	req.Header.Set("X-Webhook-Event", string(p.Event))
	for k, v := range ep.Headers {
		req.Header.Set(k, v)
	}
	if ep.Secret != "" {
		req.Header.Set("X-Webhook-Signature", "sha256="+sign(body, ep.Secret))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return 0, retry.MarkTransient(fmt.Errorf("posting to %s: %w", ep.URL, err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp.StatusCode, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return resp.StatusCode, retry.MarkTransient(fmt.Errorf("HTTP %d", resp.StatusCode))
	default:
		return resp.StatusCode, retry.MarkFatal(fmt.Errorf("HTTP %d", resp.StatusCode))
	}
}

// History returns up to limit recent deliveries, oldest first
func (n *Notifier) History(limit int) []DeliveryResult {
	n.historyMu.Lock()
	defer n.historyMu.Unlock()

	size := len(n.history)
	if limit <= 0 || limit > size {
		limit = size
	}
	out := make([]DeliveryResult, limit)
	if size == 0 {
		return out
	}
	start := (n.historyPos - limit + size) % size
	for i := 0; i < limit; i++ {
		out[i] = n.history[(start+i)%size]
	}
	return out
}

// record keeps the last historySize results in a ring buffer
func (n *Notifier) record(res DeliveryResult) {
	n.historyMu.Lock()
	defer n.historyMu.Unlock()

	if len(n.history) < n.historySize {
		n.history = append(n.history, res)
		n.historyPos = len(n.history) % n.historySize
		return
	}
	n.history[n.historyPos] = res
	n.historyPos = (n.historyPos + 1) % n.historySize
}

func subscribed(ep Endpoint, t events.EventType) bool {
	if len(ep.Events) == 0 {
		return true
	}
	for _, e := range ep.Events {
		if e == t {
			return true
		}
	}
	return false
}

// VerifySignature checks an X-Webhook-Signature value (without the
// "sha256=" prefix) against payload
func VerifySignature(payload []byte, signature, secret string) bool {
	return hmac.Equal([]byte(signature), []byte(sign(payload, secret)))
}

func sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
