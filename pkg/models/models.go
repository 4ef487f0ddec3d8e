// Package models holds the shared domain types for the botfleet runtime:
// credentials ("energy"), audit entries, conversation turns, bot
// identities, and supervised process state.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// ── Credentials ──────────────────────────────────────────────

// CredentialStatus is the lifecycle state of one API credential.
//
// Valid transitions: Available → InUse → {Available | Failing} → Retired.
// Retired is terminal; a retired credential is never reissued.
type CredentialStatus string

const (
	CredentialAvailable CredentialStatus = "available"
	CredentialInUse     CredentialStatus = "in_use"
	CredentialFailing   CredentialStatus = "failing"
	CredentialRetired   CredentialStatus = "retired"
)

// Credential is one unit of energy in the shared pool.
type Credential struct {
	// Value is the opaque secret. It must never appear in logs or
	// audit records; use Fingerprint() instead.
	Value        string           `json:"-"`
	Status       CredentialStatus `json:"status"`
	FailureCount int              `json:"failure_count"`
	AddedBy      string           `json:"added_by"`
	AddedAt      time.Time        `json:"added_at"`
	LastIssuedAt time.Time        `json:"last_issued_at"`
}

// Fingerprint returns a short non-reversible identifier for a
// credential value, safe for logs and audit records.
func (c Credential) Fingerprint() string {
	return Fingerprint(c.Value)
}

// Fingerprint hashes a credential value to its stable 24-character id.
func Fingerprint(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])[:24]
}

// ── Call outcomes ────────────────────────────────────────────

// Outcome classifies the result of one upstream LLM call made with a
// specific credential.
type Outcome string

const (
	// OutcomeSuccess: well-formed 2xx response.
	OutcomeSuccess Outcome = "success"
	// OutcomeTransient: rate limit, server error, or timeout. The
	// credential stays usable but its failure count grows.
	OutcomeTransient Outcome = "transient_failure"
	// OutcomeFatal: the provider rejected the credential itself
	// (revoked / unauthorized). The credential is retired.
	OutcomeFatal Outcome = "fatal_failure"
)

// ── Audit ────────────────────────────────────────────────────

// AuditEntry records one credential addition or removal. Append-only;
// entries are only ever deleted by a full namespace wipe.
type AuditEntry struct {
	ID          string    `json:"id"`
	Actor       string    `json:"actor"`
	Action      string    `json:"action"` // "add" | "retire" | "wipe"
	Fingerprint string    `json:"fingerprint"`
	Source      string    `json:"source"` // "admin" | "dm" | "channel"
	CreatedAt   time.Time `json:"created_at"`
}

const (
	AuditActionAdd    = "add"
	AuditActionRetire = "retire"
	AuditActionWipe   = "wipe"
)

// ── Conversation turns ───────────────────────────────────────

// TurnRole is who produced a conversation turn.
type TurnRole string

const (
	RoleUser      TurnRole = "user"
	RoleAssistant TurnRole = "assistant"
)

// Turn is one message in a (user, bot) conversation history. Turns are
// immutable after creation; old turns are evicted when the window cap
// is exceeded.
type Turn struct {
	UserID    string    `json:"user_id"`
	BotID     string    `json:"bot_id"`
	Role      TurnRole  `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// ── Fleet identities ─────────────────────────────────────────

// IdentityType distinguishes persona bots from the admin utility bot.
type IdentityType string

const (
	IdentityCharacter IdentityType = "character"
	IdentityAdmin     IdentityType = "admin"
)

// Identity is one configured bot: a persona mapped to one OS process
// and one credential-consuming client. Loaded once from the fleet
// manifest at startup and never mutated.
type Identity struct {
	Name      string       `json:"name"`
	Type      IdentityType `json:"type"`
	Character string       `json:"character,omitempty"`
	TokenEnv  string       `json:"token_env"`
}

// ── Supervised processes ─────────────────────────────────────

// ProcessState is the supervisor's view of one identity's process.
type ProcessState string

const (
	ProcessStarting ProcessState = "starting"
	ProcessRunning  ProcessState = "running"
	ProcessBackoff  ProcessState = "backoff"
	ProcessStopped  ProcessState = "stopped"
	// ProcessDead: the identity exhausted its restart budget inside the
	// rolling window and will not be restarted again.
	ProcessDead ProcessState = "dead"
)

// ProcessInfo is a snapshot of one supervised bot process.
type ProcessInfo struct {
	Identity  string       `json:"identity"`
	State     ProcessState `json:"state"`
	PID       int          `json:"pid,omitempty"`
	Restarts  int          `json:"restarts"`
	StartedAt time.Time    `json:"started_at"`
	LastExit  string       `json:"last_exit,omitempty"`
}

// ── Chat messages ────────────────────────────────────────────

// ChatMessage is one message in an LLM chat request, in the
// Ollama-compatible wire shape.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
