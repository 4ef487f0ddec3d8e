// Package store provides the shared durable storage for the botfleet
// runtime: the credential pool, its audit log, and per-user conversation
// turns. Every bot process and the supervisor open the same backing
// database; the store is the only cross-process coordination point and
// provides no cross-process locking.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/botfleet/botfleet/pkg/models"
)

// Store is the primary storage interface. All pool, memory, and command
// code depends on this interface, making it easy to swap between
// in-memory (tests) and SQLite (production) implementations.
type Store interface {
	CredentialStore
	AuditStore
	TurnStore
	RuntimeStore

	// Ping checks if the backing database is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Wipe destroys all credentials, audit entries, turns, and runtime
	// records under the configured namespace. confirm must be true;
	// this exists for the operator wipe tool only and is never exposed
	// to chat commands.
	Wipe(ctx context.Context, confirm bool) error
}

// ── Credential Store ────────────────────────────────────────

type CredentialStore interface {
	// AddCredentials inserts the given values as Available credentials,
	// skipping values already present (dedup on value), and appends one
	// audit entry per accepted value. Returns the number accepted.
	AddCredentials(ctx context.Context, values []string, actor, source string) (int, error)

	// ListAvailable returns Available credentials ordered by
	// last-issued time, least recently issued first.
	ListAvailable(ctx context.Context) ([]models.Credential, error)

	// ListCredentials returns every credential regardless of status.
	ListCredentials(ctx context.Context) ([]models.Credential, error)

	// Mark transitions a credential's status. Marking is idempotent;
	// a transition into Retired is accepted from any status, and any
	// transition out of Retired is rejected with ErrInvalidTransition.
	Mark(ctx context.Context, value string, status models.CredentialStatus) error

	// SetFailureCount persists a credential's consecutive-failure count.
	SetFailureCount(ctx context.Context, value string, count int) error

	// TouchIssued records when a credential was last handed out, which
	// drives the pool's least-recently-used ordering.
	TouchIssued(ctx context.Context, value string, at time.Time) error
}

// ── Audit Store ─────────────────────────────────────────────

// AuditStore is append-only; entries are only removed by Wipe.
type AuditStore interface {
	AppendAudit(ctx context.Context, entry models.AuditEntry) error
	ListAudit(ctx context.Context, limit int) ([]models.AuditEntry, error)
}

// ── Turn Store ──────────────────────────────────────────────

type TurnStore interface {
	// AppendTurn adds one conversation turn for (user, bot). When the
	// stored count exceeds cap the oldest turns are evicted and folded
	// into the conversation's rolling summary; eviction is internal
	// maintenance, never an error.
	AppendTurn(ctx context.Context, turn models.Turn, cap int) error

	// RecentTurns returns up to limit turns for (user, bot) in creation
	// order, oldest first. An empty result is valid (new user).
	RecentTurns(ctx context.Context, userID, botID string, limit int) ([]models.Turn, error)

	// ConversationSummary returns the rolling summary of turns that
	// have been evicted from the (user, bot) window. Empty means
	// nothing has been folded yet.
	ConversationSummary(ctx context.Context, userID, botID string) (string, error)

	// SetConversationSummary replaces the rolling summary. An empty or
	// whitespace-only summary clears it.
	SetConversationSummary(ctx context.Context, userID, botID, summary string) error
}

// ── Runtime Store ───────────────────────────────────────────

// RuntimeStore holds the fleet-wide model override that admins can set
// at runtime. An empty override means bots use their configured default.
type RuntimeStore interface {
	ModelOverride(ctx context.Context) (string, error)
	SetModelOverride(ctx context.Context, model, actor string) error
	ClearModelOverride(ctx context.Context, actor string) error
}

// ── Errors ──────────────────────────────────────────────────

var (
	// ErrStoreUnavailable wraps transient backing-store failures
	// (unreachable database, timed-out operation). Callers treat it as
	// retryable and surface a "try again" message, never a stack trace.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrInvalidTransition is returned for a status transition the
	// credential lifecycle forbids, such as reviving a retired
	// credential. It indicates a logic bug; the operation is rejected
	// but the process keeps running.
	ErrInvalidTransition = errors.New("invalid credential status transition")
)

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}
