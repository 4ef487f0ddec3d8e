package memory_test

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/botfleet/botfleet/internal/memory"
	"github.com/botfleet/botfleet/internal/store"
	"github.com/botfleet/botfleet/pkg/models"
)

func TestAppendAndContext(t *testing.T) {
	ctx := context.Background()
	m := memory.New(store.NewMemoryStore(), 20)

	if err := m.Append(ctx, "user1", "lynae", models.RoleUser, "hey"); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := m.Append(ctx, "user1", "lynae", models.RoleAssistant, "hey yourself"); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	msgs, err := m.Context(ctx, "user1", "lynae")
	if err != nil {
		t.Fatalf("Context() error = %v", err)
	}
	want := []models.ChatMessage{
		{Role: "user", Content: "hey"},
		{Role: "assistant", Content: "hey yourself"},
	}
	if len(msgs) != len(want) {
		t.Fatalf("Context() len = %d, want %d", len(msgs), len(want))
	}
	for i := range want {
		if msgs[i] != want[i] {
			t.Errorf("Context()[%d] = %+v, want %+v", i, msgs[i], want[i])
		}
	}
}

func TestAppend_DropsEmptyContent(t *testing.T) {
	ctx := context.Background()
	m := memory.New(store.NewMemoryStore(), 20)

	if err := m.Append(ctx, "user1", "lynae", models.RoleUser, "   "); err != nil {
		t.Fatalf("Append(blank) error = %v", err)
	}

	turns, err := m.Recent(ctx, "user1", "lynae")
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(turns) != 0 {
		t.Errorf("Recent() len = %d, want 0", len(turns))
	}
}

func TestWindowEviction(t *testing.T) {
	ctx := context.Background()
	const cap = 4
	m := memory.New(store.NewMemoryStore(), cap)

	for i := 0; i < cap+5; i++ {
		if err := m.Append(ctx, "user1", "lynae", models.RoleUser, fmt.Sprintf("msg-%d", i)); err != nil {
			t.Fatalf("Append(%d) error = %v", i, err)
		}
	}

	turns, err := m.Recent(ctx, "user1", "lynae")
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(turns) != cap {
		t.Fatalf("Recent() len = %d, want %d", len(turns), cap)
	}
	if turns[0].Content != "msg-5" {
		t.Errorf("oldest kept = %q, want %q", turns[0].Content, "msg-5")
	}
	if turns[cap-1].Content != "msg-8" {
		t.Errorf("newest = %q, want %q", turns[cap-1].Content, "msg-8")
	}
}

func TestContext_LeadsWithSummaryAfterEviction(t *testing.T) {
	ctx := context.Background()
	const cap = 4
	s := store.NewMemoryStore()
	m := memory.New(s, cap)

	for i := 0; i < cap+5; i++ {
		if err := m.Append(ctx, "user1", "lynae", models.RoleUser, fmt.Sprintf("msg-%d", i)); err != nil {
			t.Fatalf("Append(%d) error = %v", i, err)
		}
	}

	summary, err := m.Summary(ctx, "user1", "lynae")
	if err != nil {
		t.Fatalf("Summary() error = %v", err)
	}
	for _, want := range []string{"msg-0", "msg-4"} {
		if !strings.Contains(summary, want) {
			t.Errorf("Summary() = %q, missing evicted %q", summary, want)
		}
	}

	msgs, err := m.Context(ctx, "user1", "lynae")
	if err != nil {
		t.Fatalf("Context() error = %v", err)
	}
	if len(msgs) != cap+1 {
		t.Fatalf("Context() len = %d, want summary plus %d turns", len(msgs), cap)
	}
	if msgs[0].Role != "system" || !strings.Contains(msgs[0].Content, "msg-0") {
		t.Errorf("Context()[0] = %+v, want leading system summary", msgs[0])
	}
	if msgs[1].Content != "msg-5" {
		t.Errorf("Context()[1] = %q, want oldest window turn %q", msgs[1].Content, "msg-5")
	}
}

func TestContext_NoSummaryForShortConversations(t *testing.T) {
	ctx := context.Background()
	m := memory.New(store.NewMemoryStore(), 20)

	if err := m.Append(ctx, "user1", "lynae", models.RoleUser, "hey"); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	msgs, err := m.Context(ctx, "user1", "lynae")
	if err != nil {
		t.Fatalf("Context() error = %v", err)
	}
	if len(msgs) != 1 || msgs[0].Role != "user" {
		t.Errorf("Context() = %+v, want just the turn, no summary message", msgs)
	}
}

func TestRecent_EmptyForNewUser(t *testing.T) {
	m := memory.New(store.NewMemoryStore(), 20)

	turns, err := m.Recent(context.Background(), "stranger", "lynae")
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(turns) != 0 {
		t.Errorf("Recent() len = %d, want 0", len(turns))
	}
}
