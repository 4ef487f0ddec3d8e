package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/botfleet/botfleet/internal/store"
	"github.com/botfleet/botfleet/pkg/models"
)

// newStores builds one of each Store implementation so every behavior
// is verified against both.
func newStores(t *testing.T) map[string]store.Store {
	t.Helper()

	sqliteStore, err := store.OpenSQLite(filepath.Join(t.TempDir(), "test.db"), "testns", 5*time.Second)
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() { sqliteStore.Close() })

	return map[string]store.Store{
		"sqlite": sqliteStore,
		"memory": store.NewMemoryStore(),
	}
}

// ─── Credentials ───

func TestAddCredentials_Dedup(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			added, err := s.AddCredentials(ctx, []string{"key-a", "key-b", "key-a"}, "alice", "channel")
			if err != nil {
				t.Fatalf("AddCredentials() error = %v", err)
			}
			if added != 2 {
				t.Errorf("AddCredentials() added = %d, want 2", added)
			}

			// Resubmitting existing values adds nothing.
			added, err = s.AddCredentials(ctx, []string{"key-b", "key-c"}, "bob", "dm")
			if err != nil {
				t.Fatalf("AddCredentials() resubmit error = %v", err)
			}
			if added != 1 {
				t.Errorf("AddCredentials() resubmit added = %d, want 1", added)
			}

			creds, err := s.ListCredentials(ctx)
			if err != nil {
				t.Fatalf("ListCredentials() error = %v", err)
			}
			if len(creds) != 3 {
				t.Errorf("ListCredentials() len = %d, want 3", len(creds))
			}
			for _, c := range creds {
				if c.Status != models.CredentialAvailable {
					t.Errorf("credential %s status = %q, want %q", c.Fingerprint(), c.Status, models.CredentialAvailable)
				}
			}
		})
	}
}

func TestAddCredentials_AuditTrail(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if _, err := s.AddCredentials(ctx, []string{"key-a", "key-b"}, "alice", "dm"); err != nil {
				t.Fatalf("AddCredentials() error = %v", err)
			}

			entries, err := s.ListAudit(ctx, 10)
			if err != nil {
				t.Fatalf("ListAudit() error = %v", err)
			}
			if len(entries) != 2 {
				t.Fatalf("ListAudit() len = %d, want 2", len(entries))
			}
			for _, e := range entries {
				if e.Action != models.AuditActionAdd {
					t.Errorf("audit action = %q, want %q", e.Action, models.AuditActionAdd)
				}
				if e.Actor != "alice" {
					t.Errorf("audit actor = %q, want %q", e.Actor, "alice")
				}
				if e.Source != "dm" {
					t.Errorf("audit source = %q, want %q", e.Source, "dm")
				}
				if len(e.Fingerprint) != 24 {
					t.Errorf("audit fingerprint length = %d, want 24", len(e.Fingerprint))
				}
				if e.Fingerprint == "key-a" || e.Fingerprint == "key-b" {
					t.Error("audit entry carries a raw credential value")
				}
			}
		})
	}
}

func TestMark_Lifecycle(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := s.AddCredentials(ctx, []string{"key-a"}, "alice", "channel"); err != nil {
				t.Fatalf("AddCredentials() error = %v", err)
			}

			steps := []models.CredentialStatus{
				models.CredentialInUse,
				models.CredentialAvailable,
				models.CredentialInUse,
				models.CredentialFailing,
				models.CredentialRetired,
			}
			for _, status := range steps {
				if err := s.Mark(ctx, "key-a", status); err != nil {
					t.Fatalf("Mark(%q) error = %v", status, err)
				}
			}

			creds, err := s.ListCredentials(ctx)
			if err != nil {
				t.Fatalf("ListCredentials() error = %v", err)
			}
			if got := creds[0].Status; got != models.CredentialRetired {
				t.Errorf("final status = %q, want %q", got, models.CredentialRetired)
			}
		})
	}
}

func TestMark_RetiredIsTerminal(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := s.AddCredentials(ctx, []string{"key-a"}, "alice", "channel"); err != nil {
				t.Fatalf("AddCredentials() error = %v", err)
			}
			if err := s.Mark(ctx, "key-a", models.CredentialRetired); err != nil {
				t.Fatalf("Mark(retired) error = %v", err)
			}

			err := s.Mark(ctx, "key-a", models.CredentialAvailable)
			if !errors.Is(err, store.ErrInvalidTransition) {
				t.Errorf("Mark(available) after retire error = %v, want ErrInvalidTransition", err)
			}

			// Re-marking retired stays idempotent.
			if err := s.Mark(ctx, "key-a", models.CredentialRetired); err != nil {
				t.Errorf("Mark(retired) repeat error = %v", err)
			}
		})
	}
}

func TestMark_RetireWritesAudit(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := s.AddCredentials(ctx, []string{"key-a"}, "alice", "channel"); err != nil {
				t.Fatalf("AddCredentials() error = %v", err)
			}
			if err := s.Mark(ctx, "key-a", models.CredentialRetired); err != nil {
				t.Fatalf("Mark(retired) error = %v", err)
			}

			entries, err := s.ListAudit(ctx, 10)
			if err != nil {
				t.Fatalf("ListAudit() error = %v", err)
			}
			var retires int
			for _, e := range entries {
				if e.Action == models.AuditActionRetire {
					retires++
					if e.Fingerprint != models.Fingerprint("key-a") {
						t.Errorf("retire fingerprint = %q, want %q", e.Fingerprint, models.Fingerprint("key-a"))
					}
				}
			}
			if retires != 1 {
				t.Errorf("retire audit entries = %d, want 1", retires)
			}
		})
	}
}

func TestMark_UnknownCredential(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			err := s.Mark(context.Background(), "no-such-key", models.CredentialInUse)
			var notFound *store.ErrNotFound
			if !errors.As(err, &notFound) {
				t.Errorf("Mark(unknown) error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestListAvailable_Ordering(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := s.AddCredentials(ctx, []string{"key-a", "key-b", "key-c"}, "alice", "channel"); err != nil {
				t.Fatalf("AddCredentials() error = %v", err)
			}

			base := time.Now().UTC()
			// key-b issued most recently, key-c never issued.
			if err := s.TouchIssued(ctx, "key-a", base.Add(-time.Hour)); err != nil {
				t.Fatalf("TouchIssued(key-a) error = %v", err)
			}
			if err := s.TouchIssued(ctx, "key-b", base); err != nil {
				t.Fatalf("TouchIssued(key-b) error = %v", err)
			}

			avail, err := s.ListAvailable(ctx)
			if err != nil {
				t.Fatalf("ListAvailable() error = %v", err)
			}
			if len(avail) != 3 {
				t.Fatalf("ListAvailable() len = %d, want 3", len(avail))
			}
			gotOrder := []string{avail[0].Value, avail[1].Value, avail[2].Value}
			wantOrder := []string{"key-c", "key-a", "key-b"}
			for i := range wantOrder {
				if gotOrder[i] != wantOrder[i] {
					t.Errorf("ListAvailable()[%d] = %q, want %q", i, gotOrder[i], wantOrder[i])
				}
			}

			// Non-available credentials drop out of the listing.
			if err := s.Mark(ctx, "key-c", models.CredentialInUse); err != nil {
				t.Fatalf("Mark(in_use) error = %v", err)
			}
			avail, err = s.ListAvailable(ctx)
			if err != nil {
				t.Fatalf("ListAvailable() error = %v", err)
			}
			if len(avail) != 2 {
				t.Errorf("ListAvailable() after mark len = %d, want 2", len(avail))
			}
		})
	}
}

func TestSetFailureCount(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := s.AddCredentials(ctx, []string{"key-a"}, "alice", "channel"); err != nil {
				t.Fatalf("AddCredentials() error = %v", err)
			}
			if err := s.SetFailureCount(ctx, "key-a", 2); err != nil {
				t.Fatalf("SetFailureCount() error = %v", err)
			}

			creds, err := s.ListCredentials(ctx)
			if err != nil {
				t.Fatalf("ListCredentials() error = %v", err)
			}
			if creds[0].FailureCount != 2 {
				t.Errorf("FailureCount = %d, want 2", creds[0].FailureCount)
			}
		})
	}
}

// ─── Turns ───

func TestTurns_AppendAndRecent(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now().UTC()

			contents := []string{"first", "second", "third"}
			for i, c := range contents {
				turn := models.Turn{
					UserID:    "user1",
					BotID:     "lynae",
					Role:      models.RoleUser,
					Content:   c,
					CreatedAt: base.Add(time.Duration(i) * time.Second),
				}
				if err := s.AppendTurn(ctx, turn, 20); err != nil {
					t.Fatalf("AppendTurn(%q) error = %v", c, err)
				}
			}

			turns, err := s.RecentTurns(ctx, "user1", "lynae", 10)
			if err != nil {
				t.Fatalf("RecentTurns() error = %v", err)
			}
			if len(turns) != 3 {
				t.Fatalf("RecentTurns() len = %d, want 3", len(turns))
			}
			for i, want := range contents {
				if turns[i].Content != want {
					t.Errorf("RecentTurns()[%d] = %q, want %q", i, turns[i].Content, want)
				}
			}
		})
	}
}

func TestTurns_CapEviction(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now().UTC()

			const cap = 5
			for i := 0; i < cap+3; i++ {
				turn := models.Turn{
					UserID:    "user1",
					BotID:     "lynae",
					Role:      models.RoleUser,
					Content:   string(rune('a' + i)),
					CreatedAt: base.Add(time.Duration(i) * time.Second),
				}
				if err := s.AppendTurn(ctx, turn, cap); err != nil {
					t.Fatalf("AppendTurn(%d) error = %v", i, err)
				}
			}

			turns, err := s.RecentTurns(ctx, "user1", "lynae", 100)
			if err != nil {
				t.Fatalf("RecentTurns() error = %v", err)
			}
			if len(turns) != cap {
				t.Fatalf("RecentTurns() len = %d, want %d", len(turns), cap)
			}
			// Oldest three were evicted; window starts at "d".
			if turns[0].Content != "d" {
				t.Errorf("oldest kept turn = %q, want %q", turns[0].Content, "d")
			}
			if turns[cap-1].Content != "h" {
				t.Errorf("newest turn = %q, want %q", turns[cap-1].Content, "h")
			}
		})
	}
}

func TestTurns_IsolatedPerConversation(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC()

			pairs := []struct{ user, bot, content string }{
				{"user1", "lynae", "to lynae"},
				{"user1", "mira", "to mira"},
				{"user2", "lynae", "other user"},
			}
			for _, p := range pairs {
				turn := models.Turn{UserID: p.user, BotID: p.bot, Role: models.RoleUser, Content: p.content, CreatedAt: now}
				if err := s.AppendTurn(ctx, turn, 20); err != nil {
					t.Fatalf("AppendTurn() error = %v", err)
				}
			}

			turns, err := s.RecentTurns(ctx, "user1", "lynae", 10)
			if err != nil {
				t.Fatalf("RecentTurns() error = %v", err)
			}
			if len(turns) != 1 || turns[0].Content != "to lynae" {
				t.Errorf("RecentTurns() = %+v, want single %q turn", turns, "to lynae")
			}
		})
	}
}

func TestTurns_EvictionFoldsSummary(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now().UTC()

			summary, err := s.ConversationSummary(ctx, "user1", "lynae")
			if err != nil {
				t.Fatalf("ConversationSummary() error = %v", err)
			}
			if summary != "" {
				t.Errorf("initial summary = %q, want empty", summary)
			}

			const cap = 3
			for i, content := range []string{"first hello", "second hello", "third", "fourth", "fifth"} {
				turn := models.Turn{
					UserID:    "user1",
					BotID:     "lynae",
					Role:      models.RoleUser,
					Content:   content,
					CreatedAt: base.Add(time.Duration(i) * time.Second),
				}
				if err := s.AppendTurn(ctx, turn, cap); err != nil {
					t.Fatalf("AppendTurn(%d) error = %v", i, err)
				}
			}

			// Window holds the last three; the first two were folded.
			turns, err := s.RecentTurns(ctx, "user1", "lynae", 100)
			if err != nil {
				t.Fatalf("RecentTurns() error = %v", err)
			}
			if len(turns) != cap || turns[0].Content != "third" {
				t.Fatalf("RecentTurns() = %+v, want window starting at %q", turns, "third")
			}

			summary, err = s.ConversationSummary(ctx, "user1", "lynae")
			if err != nil {
				t.Fatalf("ConversationSummary() error = %v", err)
			}
			for _, want := range []string{"user: first hello", "user: second hello"} {
				if !strings.Contains(summary, want) {
					t.Errorf("summary = %q, missing %q", summary, want)
				}
			}
			if strings.Contains(summary, "third") {
				t.Errorf("summary = %q, contains turn still in the window", summary)
			}
		})
	}
}

func TestConversationSummary_SetAndClear(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if err := s.SetConversationSummary(ctx, "user1", "lynae", "they were debugging a goroutine leak"); err != nil {
				t.Fatalf("SetConversationSummary() error = %v", err)
			}
			summary, err := s.ConversationSummary(ctx, "user1", "lynae")
			if err != nil {
				t.Fatalf("ConversationSummary() error = %v", err)
			}
			if summary != "they were debugging a goroutine leak" {
				t.Errorf("summary = %q", summary)
			}

			// Summaries are per conversation.
			other, err := s.ConversationSummary(ctx, "user2", "lynae")
			if err != nil {
				t.Fatalf("ConversationSummary() error = %v", err)
			}
			if other != "" {
				t.Errorf("other conversation summary = %q, want empty", other)
			}

			// Whitespace-only clears.
			if err := s.SetConversationSummary(ctx, "user1", "lynae", "   "); err != nil {
				t.Fatalf("SetConversationSummary(blank) error = %v", err)
			}
			summary, _ = s.ConversationSummary(ctx, "user1", "lynae")
			if summary != "" {
				t.Errorf("summary after clear = %q, want empty", summary)
			}
		})
	}
}

// ─── Runtime ───

func TestModelOverride_RoundTrip(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			override, err := s.ModelOverride(ctx)
			if err != nil {
				t.Fatalf("ModelOverride() error = %v", err)
			}
			if override != "" {
				t.Errorf("initial override = %q, want empty", override)
			}

			if err := s.SetModelOverride(ctx, "llama3.1:70b", "admin"); err != nil {
				t.Fatalf("SetModelOverride() error = %v", err)
			}
			override, err = s.ModelOverride(ctx)
			if err != nil {
				t.Fatalf("ModelOverride() error = %v", err)
			}
			if override != "llama3.1:70b" {
				t.Errorf("override = %q, want %q", override, "llama3.1:70b")
			}

			// Setting again replaces.
			if err := s.SetModelOverride(ctx, "qwen2.5:32b", "admin"); err != nil {
				t.Fatalf("SetModelOverride() replace error = %v", err)
			}
			override, _ = s.ModelOverride(ctx)
			if override != "qwen2.5:32b" {
				t.Errorf("override after replace = %q, want %q", override, "qwen2.5:32b")
			}

			if err := s.ClearModelOverride(ctx, "admin"); err != nil {
				t.Fatalf("ClearModelOverride() error = %v", err)
			}
			override, _ = s.ModelOverride(ctx)
			if override != "" {
				t.Errorf("override after clear = %q, want empty", override)
			}
		})
	}
}

func TestModelOverride_Whitespace(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if err := s.SetModelOverride(ctx, "  llama3.1:70b  ", "admin"); err != nil {
				t.Fatalf("SetModelOverride() error = %v", err)
			}
			override, err := s.ModelOverride(ctx)
			if err != nil {
				t.Fatalf("ModelOverride() error = %v", err)
			}
			if override != "llama3.1:70b" {
				t.Errorf("override = %q, want trimmed %q", override, "llama3.1:70b")
			}

			if err := s.SetModelOverride(ctx, "   ", "admin"); err == nil {
				t.Error("SetModelOverride(blank) error = nil, want rejection")
			}
			override, _ = s.ModelOverride(ctx)
			if override != "llama3.1:70b" {
				t.Errorf("override after blank set = %q, want unchanged", override)
			}
		})
	}
}

// ─── Wipe ───

func TestWipe(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if _, err := s.AddCredentials(ctx, []string{"key-a"}, "alice", "channel"); err != nil {
				t.Fatalf("AddCredentials() error = %v", err)
			}
			turn := models.Turn{UserID: "user1", BotID: "lynae", Role: models.RoleUser, Content: "hi", CreatedAt: time.Now().UTC()}
			if err := s.AppendTurn(ctx, turn, 20); err != nil {
				t.Fatalf("AppendTurn() error = %v", err)
			}
			if err := s.SetModelOverride(ctx, "llama3.1:70b", "admin"); err != nil {
				t.Fatalf("SetModelOverride() error = %v", err)
			}
			if err := s.SetConversationSummary(ctx, "user1", "lynae", "old chatter"); err != nil {
				t.Fatalf("SetConversationSummary() error = %v", err)
			}

			if err := s.Wipe(ctx, false); err == nil {
				t.Error("Wipe(confirm=false) error = nil, want refusal")
			}

			if err := s.Wipe(ctx, true); err != nil {
				t.Fatalf("Wipe() error = %v", err)
			}

			creds, err := s.ListCredentials(ctx)
			if err != nil {
				t.Fatalf("ListCredentials() after wipe error = %v", err)
			}
			if len(creds) != 0 {
				t.Errorf("credentials after wipe = %d, want 0", len(creds))
			}
			turns, err := s.RecentTurns(ctx, "user1", "lynae", 10)
			if err != nil {
				t.Fatalf("RecentTurns() after wipe error = %v", err)
			}
			if len(turns) != 0 {
				t.Errorf("turns after wipe = %d, want 0", len(turns))
			}
			summary, err := s.ConversationSummary(ctx, "user1", "lynae")
			if err != nil {
				t.Fatalf("ConversationSummary() after wipe error = %v", err)
			}
			if summary != "" {
				t.Errorf("summary after wipe = %q, want empty", summary)
			}
			override, err := s.ModelOverride(ctx)
			if err != nil {
				t.Fatalf("ModelOverride() after wipe error = %v", err)
			}
			if override != "" {
				t.Errorf("override after wipe = %q, want empty", override)
			}
		})
	}
}
