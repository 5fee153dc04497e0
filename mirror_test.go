package learnhub

import (
	"path/filepath"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

// mirrorBackends runs a subtest against every Mirror implementation so the
// memory and sqlite backends stay behaviorally identical.
func mirrorBackends(t *testing.T, fn func(t *testing.T, m Mirror)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryMirror())
	})

	t.Run("sqlite", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "mirror.db")
		m, err := NewSQLiteMirror(path, nil)
		if err != nil {
			t.Fatalf("open sqlite mirror: %v", err)
		}
		t.Cleanup(func() { m.Close() })
		fn(t, m)
	})
}

func testChat(id string) *Chat {
	return &Chat{ID: id, Kind: "channel", Name: "chat " + id}
}

func testMessage(id, chatID, body string) *Message {
	return &Message{ID: id, ChatID: chatID, Body: body, Status: "sent"}
}

// ============================================================================
// Chats
// ============================================================================

func TestMirrorChats(t *testing.T) {
	mirrorBackends(t, func(t *testing.T, m Mirror) {
		t.Run("absent before first write", func(t *testing.T) {
			if _, ok := m.GetChats(); ok {
				t.Fatal("expected no chats before first write")
			}
		})

		t.Run("round trip", func(t *testing.T) {
			chats := []*Chat{testChat("c1"), testChat("c2")}
			if err := m.PutChats(chats); err != nil {
				t.Fatalf("put chats: %v", err)
			}
			got, ok := m.GetChats()
			if !ok {
				t.Fatal("expected chats after write")
			}
			if len(got) != 2 || got[0].ID != "c1" || got[1].ID != "c2" {
				t.Fatalf("unexpected chats: %+v", got)
			}
		})

		t.Run("overwrite wins", func(t *testing.T) {
			if err := m.PutChats([]*Chat{testChat("c3")}); err != nil {
				t.Fatalf("put chats: %v", err)
			}
			got, _ := m.GetChats()
			if len(got) != 1 || got[0].ID != "c3" {
				t.Fatalf("expected overwrite to win, got %+v", got)
			}
		})

		t.Run("nil stored as empty list", func(t *testing.T) {
			if err := m.PutChats(nil); err != nil {
				t.Fatalf("put nil chats: %v", err)
			}
			got, ok := m.GetChats()
			if !ok || len(got) != 0 {
				t.Fatalf("expected stored empty list, got ok=%v %+v", ok, got)
			}
		})
	})
}

func TestMirrorUpsertChat(t *testing.T) {
	mirrorBackends(t, func(t *testing.T, m Mirror) {
		if err := m.PutChats([]*Chat{testChat("c1")}); err != nil {
			t.Fatalf("put chats: %v", err)
		}

		t.Run("merge preserves absent fields", func(t *testing.T) {
			err := m.UpsertChat(map[string]any{"_id": "c1", "unreadCount": 3})
			if err != nil {
				t.Fatalf("upsert chat: %v", err)
			}
			got, _ := m.GetChats()
			if got[0].UnreadCount != 3 {
				t.Fatalf("expected unreadCount 3, got %d", got[0].UnreadCount)
			}
			if got[0].Name != "chat c1" {
				t.Fatalf("merge clobbered name: %q", got[0].Name)
			}
		})

		t.Run("unknown id prepends", func(t *testing.T) {
			err := m.UpsertChat(map[string]any{"_id": "c9", "name": "new"})
			if err != nil {
				t.Fatalf("upsert chat: %v", err)
			}
			got, _ := m.GetChats()
			if len(got) != 2 || got[0].ID != "c9" {
				t.Fatalf("expected c9 prepended, got %+v", got)
			}
		})

		t.Run("missing id rejected", func(t *testing.T) {
			if err := m.UpsertChat(map[string]any{"name": "x"}); err == nil {
				t.Fatal("expected error for patch without _id")
			}
		})
	})
}

// ============================================================================
// Message pages
// ============================================================================

func TestMirrorMessagePages(t *testing.T) {
	mirrorBackends(t, func(t *testing.T, m Mirror) {
		t.Run("absent before first write", func(t *testing.T) {
			if _, ok := m.GetMessagePage("c1"); ok {
				t.Fatal("expected no page before first write")
			}
		})

		t.Run("round trip", func(t *testing.T) {
			page := &MessagePage{
				Chat:     &ChatRef{ID: "c1"},
				Messages: []*Message{testMessage("m1", "c1", "hello")},
				Count:    1,
			}
			if err := m.PutMessagePage("c1", page); err != nil {
				t.Fatalf("put page: %v", err)
			}
			got, ok := m.GetMessagePage("c1")
			if !ok {
				t.Fatal("expected page after write")
			}
			if got.Count != 1 || got.Messages[0].Body != "hello" {
				t.Fatalf("unexpected page: %+v", got)
			}
		})

		t.Run("typing state never persisted", func(t *testing.T) {
			page := &MessagePage{
				Chat:        &ChatRef{ID: "c2"},
				Messages:    []*Message{testMessage("m1", "c2", "hi")},
				Count:       1,
				TypingUsers: []byte(`["u1"]`),
			}
			if err := m.PutMessagePage("c2", page); err != nil {
				t.Fatalf("put page: %v", err)
			}
			got, _ := m.GetMessagePage("c2")
			if got.TypingUsers != nil {
				t.Fatalf("typing state leaked into mirror: %s", got.TypingUsers)
			}
		})

		t.Run("nil page rejected", func(t *testing.T) {
			if err := m.PutMessagePage("c1", nil); err == nil {
				t.Fatal("expected error for nil page")
			}
		})
	})
}

func TestMirrorUpsertMessage(t *testing.T) {
	mirrorBackends(t, func(t *testing.T, m Mirror) {
		t.Run("creates page for unseen chat", func(t *testing.T) {
			if err := m.UpsertMessage("c1", testMessage("m1", "c1", "first")); err != nil {
				t.Fatalf("upsert message: %v", err)
			}
			got, ok := m.GetMessagePage("c1")
			if !ok {
				t.Fatal("expected page created lazily")
			}
			if got.Count != 1 || got.Chat.ID != "c1" {
				t.Fatalf("unexpected page: %+v", got)
			}
		})

		t.Run("appends and bumps count", func(t *testing.T) {
			if err := m.UpsertMessage("c1", testMessage("m2", "c1", "second")); err != nil {
				t.Fatalf("upsert message: %v", err)
			}
			got, _ := m.GetMessagePage("c1")
			if len(got.Messages) != 2 || got.Count != 2 {
				t.Fatalf("expected 2 messages, got %+v", got)
			}
		})

		t.Run("duplicate id is a no-op", func(t *testing.T) {
			if err := m.UpsertMessage("c1", testMessage("m2", "c1", "again")); err != nil {
				t.Fatalf("upsert message: %v", err)
			}
			got, _ := m.GetMessagePage("c1")
			if len(got.Messages) != 2 || got.Count != 2 {
				t.Fatalf("duplicate changed page: %+v", got)
			}
			if got.Messages[1].Body != "second" {
				t.Fatalf("duplicate overwrote body: %q", got.Messages[1].Body)
			}
		})

		t.Run("missing id rejected", func(t *testing.T) {
			if err := m.UpsertMessage("c1", &Message{Body: "no id"}); err == nil {
				t.Fatal("expected error for message without id")
			}
		})
	})
}

func TestMirrorPatchMessage(t *testing.T) {
	mirrorBackends(t, func(t *testing.T, m Mirror) {
		parent := testMessage("m1", "c1", "parent")
		parent.Replies = []*Message{testMessage("r1", "c1", "reply")}
		parent.ReplyCount = 1
		page := &MessagePage{
			Chat:     &ChatRef{ID: "c1"},
			Messages: []*Message{parent, testMessage("m2", "c1", "other")},
			Count:    2,
		}
		if err := m.PutMessagePage("c1", page); err != nil {
			t.Fatalf("put page: %v", err)
		}

		t.Run("partial patch keeps other fields", func(t *testing.T) {
			err := m.PatchMessage("c1", map[string]any{"_id": "m2", "status": "read"})
			if err != nil {
				t.Fatalf("patch message: %v", err)
			}
			got, _ := m.GetMessagePage("c1")
			if got.Messages[1].Status != "read" {
				t.Fatalf("expected status read, got %q", got.Messages[1].Status)
			}
			if got.Messages[1].Body != "other" {
				t.Fatalf("patch clobbered body: %q", got.Messages[1].Body)
			}
		})

		t.Run("patch reaches nested replies", func(t *testing.T) {
			err := m.PatchMessage("c1", map[string]any{"_id": "r1", "message": "edited"})
			if err != nil {
				t.Fatalf("patch reply: %v", err)
			}
			got, _ := m.GetMessagePage("c1")
			if got.Messages[0].Replies[0].Body != "edited" {
				t.Fatalf("reply not patched: %+v", got.Messages[0].Replies[0])
			}
		})

		t.Run("unknown target is a no-op", func(t *testing.T) {
			err := m.PatchMessage("c1", map[string]any{"_id": "nope", "status": "read"})
			if err != nil {
				t.Fatalf("patch unknown: %v", err)
			}
		})

		t.Run("uncached chat is a no-op", func(t *testing.T) {
			err := m.PatchMessage("c99", map[string]any{"_id": "m1", "status": "read"})
			if err != nil {
				t.Fatalf("patch uncached chat: %v", err)
			}
		})
	})
}

// ============================================================================
// Online users
// ============================================================================

func TestMirrorOnlineUsers(t *testing.T) {
	mirrorBackends(t, func(t *testing.T, m Mirror) {
		if _, ok := m.GetOnlineUsers(); ok {
			t.Fatal("expected no online users before first write")
		}

		users := []User{{ID: "u1", Name: "A"}, {ID: "u2", Name: "B"}}
		if err := m.PutOnlineUsers(users); err != nil {
			t.Fatalf("put online users: %v", err)
		}
		got, ok := m.GetOnlineUsers()
		if !ok || len(got) != 2 || got[1].ID != "u2" {
			t.Fatalf("unexpected online users: %+v", got)
		}
	})
}

// ============================================================================
// Ledger and lifecycle
// ============================================================================

func TestMirrorLedger(t *testing.T) {
	t.Run("every key stale when never written", func(t *testing.T) {
		m := NewMemoryMirror()
		if !m.IsStale(KeyChats, time.Hour) {
			t.Fatal("expected unwritten key to be stale")
		}
	})

	t.Run("fresh after write", func(t *testing.T) {
		m := NewMemoryMirror()
		if err := m.PutChats([]*Chat{testChat("c1")}); err != nil {
			t.Fatalf("put chats: %v", err)
		}
		if m.IsStale(KeyChats, time.Hour) {
			t.Fatal("expected freshly written key to be fresh")
		}
	})

	t.Run("stale once maxAge passes", func(t *testing.T) {
		m := NewMemoryMirror()
		base := time.Now()
		m.now = func() time.Time { return base }
		if err := m.PutChats([]*Chat{testChat("c1")}); err != nil {
			t.Fatalf("put chats: %v", err)
		}
		m.now = func() time.Time { return base.Add(2 * time.Hour) }
		if !m.IsStale(KeyChats, time.Hour) {
			t.Fatal("expected key to go stale after maxAge")
		}
		if m.IsStale(KeyChats, 3*time.Hour) {
			t.Fatal("expected key still fresh under larger maxAge")
		}
	})

	t.Run("keys tracked independently", func(t *testing.T) {
		m := NewMemoryMirror()
		if err := m.PutChats([]*Chat{testChat("c1")}); err != nil {
			t.Fatalf("put chats: %v", err)
		}
		if m.IsStale(KeyChats, time.Hour) {
			t.Fatal("chats key should be fresh")
		}
		if !m.IsStale(KeyOnlineUsers, time.Hour) {
			t.Fatal("online users key should be stale")
		}
	})
}

func TestMirrorClearAll(t *testing.T) {
	mirrorBackends(t, func(t *testing.T, m Mirror) {
		if err := m.PutChats([]*Chat{testChat("c1")}); err != nil {
			t.Fatalf("put chats: %v", err)
		}
		if err := m.PutOnlineUsers([]User{{ID: "u1"}}); err != nil {
			t.Fatalf("put online users: %v", err)
		}
		if err := m.UpsertMessage("c1", testMessage("m1", "c1", "hi")); err != nil {
			t.Fatalf("upsert message: %v", err)
		}

		if err := m.ClearAll(); err != nil {
			t.Fatalf("clear all: %v", err)
		}

		if _, ok := m.GetChats(); ok {
			t.Fatal("chats survived ClearAll")
		}
		if _, ok := m.GetOnlineUsers(); ok {
			t.Fatal("online users survived ClearAll")
		}
		if _, ok := m.GetMessagePage("c1"); ok {
			t.Fatal("message page survived ClearAll")
		}
		if !m.IsStale(KeyChats, time.Hour) {
			t.Fatal("ledger survived ClearAll")
		}
	})
}

// ============================================================================
// SQLite persistence
// ============================================================================

func TestSQLiteMirrorSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mirror.db")

	m, err := NewSQLiteMirror(path, nil)
	if err != nil {
		t.Fatalf("open sqlite mirror: %v", err)
	}
	if err := m.PutChats([]*Chat{testChat("c1")}); err != nil {
		t.Fatalf("put chats: %v", err)
	}
	if err := m.UpsertMessage("c1", testMessage("m1", "c1", "persisted")); err != nil {
		t.Fatalf("upsert message: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewSQLiteMirror(path, nil)
	if err != nil {
		t.Fatalf("reopen sqlite mirror: %v", err)
	}
	defer reopened.Close()

	chats, ok := reopened.GetChats()
	if !ok || len(chats) != 1 || chats[0].ID != "c1" {
		t.Fatalf("chats did not survive reopen: %+v", chats)
	}
	page, ok := reopened.GetMessagePage("c1")
	if !ok || page.Messages[0].Body != "persisted" {
		t.Fatalf("page did not survive reopen: %+v", page)
	}
	if reopened.IsStale(KeyChats, time.Hour) {
		t.Fatal("ledger did not survive reopen")
	}
}
