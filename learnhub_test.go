package learnhub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

// newPortalServer serves canned Result envelopes per path and records the
// last request for assertions.
func newPortalServer(t *testing.T, routes map[string]any) (*httptest.Server, *http.Request) {
	t.Helper()
	lastReq := &http.Request{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*lastReq = *r
		data, ok := routes[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(Result{OK: false, Error: &APIError{Code: "not_found", Message: "no such route"}})
			return
		}
		raw, _ := json.Marshal(data)
		json.NewEncoder(w).Encode(Result{OK: true, Data: raw})
	}))
	t.Cleanup(srv.Close)
	return srv, lastReq
}

// ============================================================================
// Client construction
// ============================================================================

func TestNewClient(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		c := NewClient("tok")
		if c.BaseURL() != DefaultBaseURL {
			t.Fatalf("unexpected base URL: %s", c.BaseURL())
		}
	})

	t.Run("with base URL", func(t *testing.T) {
		c := NewClient("tok", WithBaseURL("https://staging.learnhub.io/"))
		if c.BaseURL() != "https://staging.learnhub.io" {
			t.Fatalf("trailing slash not trimmed: %s", c.BaseURL())
		}
	})

	t.Run("with timeout", func(t *testing.T) {
		c := NewClient("tok", WithTimeout(5*time.Second))
		if c.httpClient.Timeout != 5*time.Second {
			t.Fatalf("timeout not applied: %v", c.httpClient.Timeout)
		}
	})

	t.Run("sub-clients wired", func(t *testing.T) {
		c := NewClient("tok")
		if c.Chats == nil || c.Programs == nil || c.Payments == nil || c.Notifications == nil {
			t.Fatal("sub-clients not initialized")
		}
	})
}

// ============================================================================
// Chats endpoints
// ============================================================================

func TestChatsList(t *testing.T) {
	srv, lastReq := newPortalServer(t, map[string]any{
		"/api/chats": []*Chat{testChat("c1"), testChat("c2")},
	})
	c := NewClient("session-token", WithBaseURL(srv.URL))

	chats, err := c.Chats.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(chats) != 2 || chats[0].ID != "c1" {
		t.Fatalf("unexpected chats: %+v", chats)
	}
	if got := lastReq.Header.Get("Authorization"); got != "Bearer session-token" {
		t.Fatalf("missing bearer auth: %q", got)
	}
}

func TestChatsMessages(t *testing.T) {
	srv, lastReq := newPortalServer(t, map[string]any{
		"/api/chats/c1/messages": &MessagePage{
			Messages: []*Message{testMessage("m1", "c1", "hi")},
			Count:    7,
		},
	})
	c := NewClient("tok", WithBaseURL(srv.URL))

	t.Run("decodes page", func(t *testing.T) {
		page, err := c.Chats.Messages(context.Background(), "c1", 2, 50)
		if err != nil {
			t.Fatalf("messages: %v", err)
		}
		if page.Count != 7 || page.Messages[0].ID != "m1" {
			t.Fatalf("unexpected page: %+v", page)
		}
		// The portal omits the chat ref on this endpoint; the client fills
		// it in so cache keys always resolve.
		if page.Chat == nil || page.Chat.ID != "c1" {
			t.Fatalf("chat ref not filled: %+v", page.Chat)
		}
	})

	t.Run("pagination in query", func(t *testing.T) {
		q := lastReq.URL.Query()
		if q.Get("page") != "2" || q.Get("limit") != "50" {
			t.Fatalf("pagination not passed: %v", q)
		}
	})

	t.Run("empty chat id rejected", func(t *testing.T) {
		if _, err := c.Chats.Messages(context.Background(), "", 1, 20); err == nil {
			t.Fatal("expected error for empty chat id")
		}
	})
}

func TestChatsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Result{OK: false, Error: &APIError{Code: "forbidden", Message: "nope"}})
	}))
	t.Cleanup(srv.Close)

	c := NewClient("tok", WithBaseURL(srv.URL))
	_, err := c.Chats.List(context.Background())
	if err == nil {
		t.Fatal("expected API error")
	}
	apiErr, ok := err.(*APIError)
	if !ok || apiErr.Code != "forbidden" {
		t.Fatalf("unexpected error: %v", err)
	}
}

// ============================================================================
// Portal endpoints
// ============================================================================

func TestProgramsList(t *testing.T) {
	srv, _ := newPortalServer(t, map[string]any{
		"/api/programs": []*Program{{ID: "p1", Name: "Go Bootcamp", Price: 4999}},
	})
	c := NewClient("tok", WithBaseURL(srv.URL))

	programs, err := c.Programs.List(context.Background())
	if err != nil {
		t.Fatalf("list programs: %v", err)
	}
	if len(programs) != 1 || programs[0].Name != "Go Bootcamp" {
		t.Fatalf("unexpected programs: %+v", programs)
	}
}

func TestPaymentsHistory(t *testing.T) {
	srv, lastReq := newPortalServer(t, map[string]any{
		"/api/payments": []*Payment{{ID: "pay1", Amount: 4999, Status: "paid"}},
	})
	c := NewClient("tok", WithBaseURL(srv.URL))

	payments, err := c.Payments.History(context.Background(), &PaginationOptions{Page: 3, Limit: 10})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(payments) != 1 || payments[0].Status != "paid" {
		t.Fatalf("unexpected payments: %+v", payments)
	}
	q := lastReq.URL.Query()
	if q.Get("page") != "3" || q.Get("limit") != "10" {
		t.Fatalf("pagination not passed: %v", q)
	}
}

func TestNotificationsList(t *testing.T) {
	srv, _ := newPortalServer(t, map[string]any{
		"/api/notifications": []*Notification{
			{ID: "n1", Categories: []string{"student"}, Title: "Welcome"},
		},
	})
	c := NewClient("tok", WithBaseURL(srv.URL))

	notes, err := c.Notifications.List(context.Background(), nil)
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	if len(notes) != 1 || notes[0].Categories[0] != "student" {
		t.Fatalf("unexpected notifications: %+v", notes)
	}
}

// ============================================================================
// Envelope decoding
// ============================================================================

func TestResultDecode(t *testing.T) {
	t.Run("nil data is a no-op", func(t *testing.T) {
		var out []*Chat
		res := &Result{OK: true}
		if err := res.Decode(&out); err != nil {
			t.Fatalf("decode nil data: %v", err)
		}
		if out != nil {
			t.Fatalf("expected untouched target, got %+v", out)
		}
	})

	t.Run("data decoded", func(t *testing.T) {
		raw, _ := json.Marshal([]*Chat{testChat("c1")})
		res := &Result{OK: true, Data: raw}
		var out []*Chat
		if err := res.Decode(&out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(out) != 1 || out[0].ID != "c1" {
			t.Fatalf("unexpected decode: %+v", out)
		}
	})
}
