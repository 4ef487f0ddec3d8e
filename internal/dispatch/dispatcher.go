// Package dispatch performs one logical LLM call on behalf of a bot:
// acquire a credential, call the provider, classify the outcome,
// release the credential, and retry within a fixed bound. The retry
// state machine here is explicit so every failure lands in exactly one
// of three classes (success, transient, fatal) instead of an
// unstructured catch-all.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/botfleet/botfleet/internal/keypool"
	"github.com/botfleet/botfleet/internal/llm"
	"github.com/botfleet/botfleet/pkg/models"
)

var (
	// ErrNoCapacity: no usable credential exists right now. Returned
	// immediately without retry; retrying without inventory only
	// wastes latency.
	ErrNoCapacity = errors.New("no credential capacity")

	// ErrUpstreamUnavailable: the provider kept failing after the
	// bounded retries were exhausted.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// Caller is the single-call LLM boundary. *llm.Client satisfies it;
// tests substitute fakes.
type Caller interface {
	Chat(ctx context.Context, credential, model string, messages []models.ChatMessage) (llm.Result, error)
}

// Dispatcher wires the pool and the LLM caller together.
type Dispatcher struct {
	pool    *keypool.Pool
	caller  Caller
	retries int
	backoff time.Duration
	tracer  trace.Tracer
}

// New builds a Dispatcher. retries is the number of additional attempts
// after the first (default 2); backoff is the base delay between
// attempts, doubled each retry (default 250ms).
func New(pool *keypool.Pool, caller Caller, retries int, backoff time.Duration) *Dispatcher {
	if retries < 0 {
		retries = 2
	}
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}
	return &Dispatcher{
		pool:    pool,
		caller:  caller,
		retries: retries,
		backoff: backoff,
		tracer:  otel.Tracer("botfleet/dispatch"),
	}
}

// Dispatch performs one logical chat call for a bot. model may be empty
// to use the caller's default. On transient failures it retries with a
// freshly acquired credential, never the one that just failed, up to
// the configured bound with exponential backoff.
func (d *Dispatcher) Dispatch(ctx context.Context, model string, messages []models.ChatMessage) (string, error) {
	requestID := uuid.NewString()

	ctx, span := d.tracer.Start(ctx, "dispatch.chat")
	defer span.End()
	span.SetAttributes(attribute.String("request_id", requestID))

	var lastCredential string
	attempts := d.retries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := d.backoff << (attempt - 1)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
		}

		cred, err := d.pool.Acquire(ctx, lastCredential)
		if errors.Is(err, keypool.ErrEmptyPool) {
			span.SetAttributes(attribute.String("result", "no_capacity"))
			log.Warn().
				Str("component", "dispatch").
				Str("request_id", requestID).
				Int("attempt", attempt).
				Msg("no credential capacity")
			return "", ErrNoCapacity
		}
		if err != nil {
			return "", err
		}
		lastCredential = cred.Value

		result, callErr := d.caller.Chat(ctx, cred.Value, model, messages)
		d.pool.Release(ctx, cred, result.Outcome)

		if result.Outcome == models.OutcomeSuccess {
			span.SetAttributes(
				attribute.String("result", "success"),
				attribute.Int("attempts", attempt+1),
			)
			return result.Content, nil
		}

		// One structured event per failure classification; the raw
		// credential never appears, only its fingerprint.
		log.Warn().
			Str("component", "dispatch").
			Str("request_id", requestID).
			Str("outcome", string(result.Outcome)).
			Str("credential", cred.Fingerprint()).
			Int("status", result.Status).
			Int("attempt", attempt).
			Err(callErr).
			Msg("llm call failed")

		// Fatal retired the credential in Release; the next loop
		// iteration draws a different one. A single bad key does not
		// condemn the whole pool.
	}

	span.SetAttributes(attribute.String("result", "upstream_unavailable"))
	return "", ErrUpstreamUnavailable
}
