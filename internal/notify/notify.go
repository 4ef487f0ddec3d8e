// Package notify emits operational notices to a designated webhook
// channel. Its one producer today is the credential pool: when a fatal
// failure retires a credential and the remaining energy drops below the
// floor, operators get a single signed POST so they can replenish.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Event is the webhook payload.
type Event struct {
	Type        string    `json:"type"`
	Bot         string    `json:"bot,omitempty"`
	Fingerprint string    `json:"credential_fingerprint,omitempty"`
	Remaining   int       `json:"remaining_available,omitempty"`
	Message     string    `json:"message,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

const (
	EventLowEnergy    = "low_energy"
	EventIdentityDead = "identity_dead"
)

// Webhook posts events to a single operator-configured URL with
// optional HMAC-SHA256 signing. Low-energy notices are rate-limited to
// one per retired credential so a flapping provider cannot cause an
// alert storm.
type Webhook struct {
	url    string
	secret string
	bot    string
	client *http.Client

	// RetryDelay is the base delay between delivery attempts,
	// multiplied by the attempt number.
	RetryDelay time.Duration

	mu       sync.Mutex
	notified map[string]bool // credential fingerprints already reported
}

// NewWebhook builds a Webhook notifier. An empty url disables sending;
// events are then only logged.
func NewWebhook(url, secret, bot string) *Webhook {
	return &Webhook{
		url:    url,
		secret: secret,
		bot:    bot,
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
		RetryDelay: 2 * time.Second,
		notified:   make(map[string]bool),
	}
}

// CredentialRetired implements the pool's low-energy hook. At most one
// notice fires per credential-retirement event.
func (w *Webhook) CredentialRetired(ctx context.Context, fingerprint string, remaining int) {
	w.mu.Lock()
	if w.notified[fingerprint] {
		w.mu.Unlock()
		return
	}
	w.notified[fingerprint] = true
	w.mu.Unlock()

	event := Event{
		Type:        EventLowEnergy,
		Bot:         w.bot,
		Fingerprint: fingerprint,
		Remaining:   remaining,
		Message:     fmt.Sprintf("credential retired; %d available, add more energy", remaining),
		Timestamp:   time.Now().UTC(),
	}
	if err := w.Send(ctx, event); err != nil {
		log.Warn().Err(err).Str("credential", fingerprint).Msg("low-energy notification failed")
	}
}

// IdentityDead reports an identity that exhausted its restart budget.
func (w *Webhook) IdentityDead(ctx context.Context, identity, lastExit string) {
	event := Event{
		Type:      EventIdentityDead,
		Bot:       identity,
		Message:   fmt.Sprintf("identity %s is dead (last exit: %s)", identity, lastExit),
		Timestamp: time.Now().UTC(),
	}
	if err := w.Send(ctx, event); err != nil {
		log.Warn().Err(err).Str("identity", identity).Msg("dead-identity notification failed")
	}
}

// Send posts one event with up to 3 attempts and backoff between them.
func (w *Webhook) Send(ctx context.Context, event Event) error {
	if w.url == "" {
		log.Info().
			Str("type", event.Type).
			Str("message", event.Message).
			Msg("notification (no webhook configured)")
		return nil
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * w.RetryDelay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build notification request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "botfleet-notify/1.0")
		req.Header.Set("X-Botfleet-Event", event.Type)

		if w.secret != "" {
			mac := hmac.New(sha256.New, []byte(w.secret))
			mac.Write(body)
			req.Header.Set("X-Botfleet-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
		}

		resp, err := w.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, w.url)
	}
	return fmt.Errorf("notification failed after 3 attempts: %w", lastErr)
}
