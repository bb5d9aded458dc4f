package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloud-shuttle/wrangler/internal/events"
	"github.com/cloud-shuttle/wrangler/internal/retry"
)

var fastRetry = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

func TestNotifier_DeliversSignedPayload(t *testing.T) {
	var (
		mu        sync.Mutex
		payload   Payload
		body      []byte
		signature string
		event     string
		custom    string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		body, _ = io.ReadAll(r.Body)
		signature = r.Header.Get("X-Webhook-Signature")
		event = r.Header.Get("X-Webhook-Event")
		custom = r.Header.Get("X-Team")
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Errorf("Failed to decode payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := NewNotifier([]Endpoint{{
		URL:     server.URL,
		Secret:  "s3cret",
		Headers: map[string]string{"X-Team": "platform"},
	}})
	n.SetRetryPolicy(fastRetry)

	n.Notify(context.Background(), events.NewEvent(events.EventTaskCompleted, "run-abc", "task-1", map[string]any{"iteration": 2}))

	mu.Lock()
	defer mu.Unlock()
	if payload.Event != events.EventTaskCompleted || payload.RunID != "run-abc" || payload.TaskID != "task-1" {
		t.Errorf("Unexpected payload: %+v", payload)
	}
	if payload.DeliveryID == "" {
		t.Error("Expected a delivery ID")
	}
	if event != string(events.EventTaskCompleted) {
		t.Errorf("X-Webhook-Event = %q", event)
	}
	if custom != "platform" {
		t.Errorf("Custom header not sent, got %q", custom)
	}
	if !strings.HasPrefix(signature, "sha256=") || !VerifySignature(body, strings.TrimPrefix(signature, "sha256="), "s3cret") {
		t.Errorf("Signature %q does not verify", signature)
	}

	history := n.History(0)
	if len(history) != 1 || !history[0].Success || history[0].StatusCode != http.StatusOK {
		t.Errorf("Unexpected history: %+v", history)
	}
}

func TestNotifier_EventFilter(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer server.Close()

	n := NewNotifier([]Endpoint{{URL: server.URL, Events: []events.EventType{events.EventRunFinished}}})
	n.SetRetryPolicy(fastRetry)

	n.Notify(context.Background(), events.NewEvent(events.EventTaskBlocked, "run-abc", "task-1", nil))
	n.Notify(context.Background(), events.NewEvent(events.EventRunFinished, "run-abc", "", nil))

	if got := hits.Load(); got != 1 {
		t.Errorf("Expected only run.finished to be delivered, got %d deliveries", got)
	}
}

func TestNotifier_Retries(t *testing.T) {
	tests := []struct {
		name         string
		statuses     []int
		wantAttempts int
		wantSuccess  bool
	}{
		{"success first try", []int{200}, 1, true},
		{"server error then success", []int{503, 502, 200}, 3, true},
		{"rate limited then success", []int{429, 204}, 2, true},
		{"server errors exhausted", []int{500, 500, 500}, 3, false},
		{"client error not retried", []int{404}, 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				i := int(calls.Add(1)) - 1
				if i >= len(tt.statuses) {
					i = len(tt.statuses) - 1
				}
				w.WriteHeader(tt.statuses[i])
			}))
			defer server.Close()

			n := NewNotifier([]Endpoint{{URL: server.URL}})
			n.SetRetryPolicy(fastRetry)
			n.Notify(context.Background(), events.NewEvent(events.EventMergeFailed, "run-abc", "task-1", nil))

			res := n.History(1)[0]
			if res.Attempts != tt.wantAttempts {
				t.Errorf("Expected %d attempts, got %d", tt.wantAttempts, res.Attempts)
			}
			if res.Success != tt.wantSuccess {
				t.Errorf("Expected success=%v, got %+v", tt.wantSuccess, res)
			}
		})
	}
}

func TestNotifier_UnreachableEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	n := NewNotifier([]Endpoint{{URL: url}})
	n.SetRetryPolicy(fastRetry)
	n.SetTimeout(time.Second)
	n.Notify(context.Background(), events.NewEvent(events.EventRunFinished, "run-abc", "", nil))

	res := n.History(1)[0]
	if res.Success || res.Attempts != fastRetry.MaxAttempts {
		t.Errorf("Connection failures should be retried then reported, got %+v", res)
	}
}

func TestNotifier_HistoryRing(t *testing.T) {
	n := NewNotifier(nil)
	n.historySize = 3
	for i := 0; i < 5; i++ {
		n.record(DeliveryResult{StatusCode: 200 + i})
	}

	all := n.History(0)
	if len(all) != 3 {
		t.Fatalf("Expected 3 results, got %d", len(all))
	}
	for i, want := range []int{202, 203, 204} {
		if all[i].StatusCode != want {
			t.Errorf("History[%d] = %d, want %d", i, all[i].StatusCode, want)
		}
	}

	last := n.History(1)
	if len(last) != 1 || last[0].StatusCode != 204 {
		t.Errorf("Expected newest result, got %+v", last)
	}
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"event":"run.finished"}`)
	sig := sign(body, "key")

	if !VerifySignature(body, sig, "key") {
		t.Error("Valid signature rejected")
	}
	if VerifySignature(body, sig, "other") {
		t.Error("Signature accepted with wrong secret")
	}
	if VerifySignature([]byte(`{}`), sig, "key") {
		t.Error("Signature accepted for different body")
	}
}
