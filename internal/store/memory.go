package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/botfleet/botfleet/pkg/models"
)

// MemoryStore is a thread-safe in-memory Store. It backs tests and
// single-process development runs; production uses SQLiteStore.
type MemoryStore struct {
	mu          sync.RWMutex
	credentials map[string]*models.Credential // key: value
	order       []string                      // insertion order of credential values
	audit       []models.AuditEntry
	turns       map[string][]models.Turn // key: userID + "/" + botID
	summaries   map[string]string        // same key as turns
	model       string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		credentials: make(map[string]*models.Credential),
		turns:       make(map[string][]models.Turn),
		summaries:   make(map[string]string),
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
func (s *MemoryStore) Close() error               { return nil }

// ── Credentials ─────────────────────────────────────────────

func (s *MemoryStore) AddCredentials(_ context.Context, values []string, actor, source string) (int, error) {
	cleaned := cleanValues(values)
	if len(cleaned) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	added := 0
	for _, value := range cleaned {
		if _, exists := s.credentials[value]; exists {
			continue
		}
		s.credentials[value] = &models.Credential{
			Value:   value,
			Status:  models.CredentialAvailable,
			AddedBy: actor,
			AddedAt: now,
		}
		s.order = append(s.order, value)
		s.audit = append(s.audit, models.AuditEntry{
			ID:          uuid.NewString(),
			Actor:       actor,
			Action:      models.AuditActionAdd,
			Fingerprint: models.Fingerprint(value),
			Source:      source,
			CreatedAt:   now,
		})
		added++
	}
	return added, nil
}

func (s *MemoryStore) ListAvailable(ctx context.Context) ([]models.Credential, error) {
	return s.list(func(c *models.Credential) bool { return c.Status == models.CredentialAvailable })
}

func (s *MemoryStore) ListCredentials(ctx context.Context) ([]models.Credential, error) {
	return s.list(func(*models.Credential) bool { return true })
}

func (s *MemoryStore) list(keep func(*models.Credential) bool) ([]models.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var creds []models.Credential
	for _, value := range s.order {
		if c := s.credentials[value]; keep(c) {
			creds = append(creds, *c)
		}
	}
	// Least recently issued first, matching the SQLite ordering.
	sort.SliceStable(creds, func(i, j int) bool {
		return creds[i].LastIssuedAt.Before(creds[j].LastIssuedAt)
	})
	return creds, nil
}

func (s *MemoryStore) Mark(_ context.Context, value string, status models.CredentialStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.credentials[value]
	if !ok {
		return &ErrNotFound{Entity: "credential", Key: models.Fingerprint(value)}
	}
	if c.Status == models.CredentialRetired && status != models.CredentialRetired {
		return fmt.Errorf("credential %s is retired: %w", models.Fingerprint(value), ErrInvalidTransition)
	}
	if status == models.CredentialRetired && c.Status != models.CredentialRetired {
		s.audit = append(s.audit, models.AuditEntry{
			ID:          uuid.NewString(),
			Actor:       "system",
			Action:      models.AuditActionRetire,
			Fingerprint: c.Fingerprint(),
			Source:      "pool",
			CreatedAt:   time.Now().UTC(),
		})
	}
	c.Status = status
	return nil
}

func (s *MemoryStore) SetFailureCount(_ context.Context, value string, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.credentials[value]; ok {
		c.FailureCount = count
	}
	return nil
}

func (s *MemoryStore) TouchIssued(_ context.Context, value string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.credentials[value]; ok {
		c.LastIssuedAt = at
	}
	return nil
}

// ── Audit ───────────────────────────────────────────────────

func (s *MemoryStore) AppendAudit(_ context.Context, entry models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.audit = append(s.audit, entry)
	return nil
}

func (s *MemoryStore) ListAudit(_ context.Context, limit int) ([]models.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.audit) {
		limit = len(s.audit)
	}
	// Newest first, matching the SQLite ordering.
	out := make([]models.AuditEntry, 0, limit)
	for i := len(s.audit) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.audit[i])
	}
	return out, nil
}

// ── Turns ───────────────────────────────────────────────────

func conversationKey(userID, botID string) string {
	return userID + "/" + botID
}

func (s *MemoryStore) AppendTurn(_ context.Context, turn models.Turn, cap int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	key := conversationKey(turn.UserID, turn.BotID)
	turns := append(s.turns[key], turn)
	if cap > 0 && len(turns) > cap {
		evicted := turns[:len(turns)-cap]
		s.summaries[key] = foldSummary(s.summaries[key], evicted)
		turns = turns[len(turns)-cap:]
	}
	s.turns[key] = turns
	return nil
}

func (s *MemoryStore) RecentTurns(_ context.Context, userID, botID string, limit int) ([]models.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	turns := s.turns[conversationKey(userID, botID)]
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	out := make([]models.Turn, len(turns))
	copy(out, turns)
	return out, nil
}

func (s *MemoryStore) ConversationSummary(_ context.Context, userID, botID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.summaries[conversationKey(userID, botID)], nil
}

func (s *MemoryStore) SetConversationSummary(_ context.Context, userID, botID, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := conversationKey(userID, botID)
	cleaned := strings.TrimSpace(summary)
	if cleaned == "" {
		delete(s.summaries, key)
		return nil
	}
	s.summaries[key] = cleaned
	return nil
}

// ── Runtime ─────────────────────────────────────────────────

func (s *MemoryStore) ModelOverride(context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.model, nil
}

func (s *MemoryStore) SetModelOverride(_ context.Context, model, actor string) error {
	cleaned := strings.TrimSpace(model)
	if cleaned == "" {
		return fmt.Errorf("model must be a non-empty string")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.model = cleaned
	return nil
}

func (s *MemoryStore) ClearModelOverride(_ context.Context, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.model = ""
	return nil
}

// ── Wipe ────────────────────────────────────────────────────

func (s *MemoryStore) Wipe(_ context.Context, confirm bool) error {
	if !confirm {
		return fmt.Errorf("wipe requires explicit confirmation")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials = make(map[string]*models.Credential)
	s.order = nil
	s.audit = nil
	s.turns = make(map[string][]models.Turn)
	s.summaries = make(map[string]string)
	s.model = ""
	return nil
}

// Compile-time interface satisfaction check.
var _ Store = (*MemoryStore)(nil)
