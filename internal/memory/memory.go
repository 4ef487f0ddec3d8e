// Package memory supplies the bounded per-user, per-bot conversation
// window used to build LLM context. It shares the durable store with
// the credential pool; eviction past the cap is internal maintenance
// and never surfaces to callers.
package memory

import (
	"context"
	"strings"
	"time"

	"github.com/botfleet/botfleet/internal/store"
	"github.com/botfleet/botfleet/pkg/models"
)

// DefaultCap is the number of turns retained per (user, bot).
const DefaultCap = 20

// Memory wraps the turn store with the configured window cap.
type Memory struct {
	store store.TurnStore
	cap   int
}

// New builds a Memory with the given cap; cap <= 0 uses DefaultCap.
func New(s store.TurnStore, cap int) *Memory {
	if cap <= 0 {
		cap = DefaultCap
	}
	return &Memory{store: s, cap: cap}
}

// Append records one turn. Empty content is dropped silently since it
// adds nothing to a prompt.
func (m *Memory) Append(ctx context.Context, userID, botID string, role models.TurnRole, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	return m.store.AppendTurn(ctx, models.Turn{
		UserID:    userID,
		BotID:     botID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}, m.cap)
}

// Recent returns the stored window oldest-to-newest. An empty slice is
// a valid result for a new user, not an error.
func (m *Memory) Recent(ctx context.Context, userID, botID string) ([]models.Turn, error) {
	return m.store.RecentTurns(ctx, userID, botID, m.cap)
}

// Summary returns the rolling summary of turns that have been evicted
// from the window.
func (m *Memory) Summary(ctx context.Context, userID, botID string) (string, error) {
	return m.store.ConversationSummary(ctx, userID, botID)
}

// Context converts the stored history into chat messages ready to
// precede the next prompt: the rolling summary of evicted turns as a
// leading system message, then the recent window.
func (m *Memory) Context(ctx context.Context, userID, botID string) ([]models.ChatMessage, error) {
	summary, err := m.store.ConversationSummary(ctx, userID, botID)
	if err != nil {
		return nil, err
	}
	turns, err := m.Recent(ctx, userID, botID)
	if err != nil {
		return nil, err
	}

	msgs := make([]models.ChatMessage, 0, len(turns)+1)
	if summary != "" {
		msgs = append(msgs, models.ChatMessage{
			Role:    "system",
			Content: "Summary of the earlier conversation:\n" + summary,
		})
	}
	for _, t := range turns {
		msgs = append(msgs, models.ChatMessage{Role: string(t.Role), Content: t.Content})
	}
	return msgs, nil
}
