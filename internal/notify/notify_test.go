package notify_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/botfleet/botfleet/internal/notify"
)

type capture struct {
	mu        sync.Mutex
	bodies    [][]byte
	signature string
	eventType string
}

func (c *capture) handler(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.bodies = append(c.bodies, body)
		c.signature = r.Header.Get("X-Botfleet-Signature")
		c.eventType = r.Header.Get("X-Botfleet-Event")
		c.mu.Unlock()
		w.WriteHeader(status)
	}
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

func TestSend_SignsPayload(t *testing.T) {
	rec := &capture{}
	server := httptest.NewServer(rec.handler(http.StatusOK))
	defer server.Close()

	w := notify.NewWebhook(server.URL, "shh", "lynae")
	event := notify.Event{
		Type:      notify.EventLowEnergy,
		Bot:       "lynae",
		Message:   "running low",
		Timestamp: time.Now().UTC(),
	}
	if err := w.Send(context.Background(), event); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if rec.count() != 1 {
		t.Fatalf("deliveries = %d, want 1", rec.count())
	}
	mac := hmac.New(sha256.New, []byte("shh"))
	mac.Write(rec.bodies[0])
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if rec.signature != want {
		t.Errorf("signature = %q, want %q", rec.signature, want)
	}
	if rec.eventType != notify.EventLowEnergy {
		t.Errorf("event header = %q, want %q", rec.eventType, notify.EventLowEnergy)
	}
}

func TestSend_RetriesThenFails(t *testing.T) {
	rec := &capture{}
	server := httptest.NewServer(rec.handler(http.StatusInternalServerError))
	defer server.Close()

	w := notify.NewWebhook(server.URL, "", "lynae")
	w.RetryDelay = time.Millisecond
	err := w.Send(context.Background(), notify.Event{Type: notify.EventLowEnergy})
	if err == nil {
		t.Fatal("Send() error = nil, want failure after retries")
	}
	if rec.count() != 3 {
		t.Errorf("attempts = %d, want 3", rec.count())
	}
}

func TestSend_NoURLIsNoop(t *testing.T) {
	w := notify.NewWebhook("", "", "lynae")
	if err := w.Send(context.Background(), notify.Event{Type: notify.EventLowEnergy}); err != nil {
		t.Errorf("Send() without URL error = %v, want nil", err)
	}
}

func TestCredentialRetired_OneShotPerCredential(t *testing.T) {
	rec := &capture{}
	server := httptest.NewServer(rec.handler(http.StatusOK))
	defer server.Close()

	w := notify.NewWebhook(server.URL, "", "lynae")
	ctx := context.Background()

	w.CredentialRetired(ctx, "fp-1", 2)
	w.CredentialRetired(ctx, "fp-1", 2)
	w.CredentialRetired(ctx, "fp-2", 1)

	if rec.count() != 2 {
		t.Fatalf("deliveries = %d, want 2 (one per credential)", rec.count())
	}

	var event notify.Event
	if err := json.Unmarshal(rec.bodies[0], &event); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if event.Fingerprint != "fp-1" {
		t.Errorf("fingerprint = %q, want %q", event.Fingerprint, "fp-1")
	}
	if event.Remaining != 2 {
		t.Errorf("remaining = %d, want 2", event.Remaining)
	}
}
