package learnhub

import "encoding/json"

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic envelope returned by portal API endpoints.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into v.
func (r *Result) Decode(v any) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Chat Types
// ============================================================================

// User identifies a portal user. Deduplicated by ID wherever users are
// collected into sets (online list, chat membership).
type User struct {
	ID     string `json:"_id"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
	Avatar string `json:"avatar,omitempty"`
	Role   string `json:"role,omitempty"` // "student", "mentor", "admin"
}

// Chat is one conversation: a direct chat or a channel.
type Chat struct {
	ID            string   `json:"_id"`
	Kind          string   `json:"type,omitempty"` // "direct" or "channel"
	Name          string   `json:"name,omitempty"`
	Public        bool     `json:"isPublic,omitempty"`
	Blocked       bool     `json:"isBlocked,omitempty"`
	Favourite     bool     `json:"isFavourite,omitempty"`
	Users         []User   `json:"users,omitempty"`
	LatestMessage *Message `json:"latestMessage,omitempty"`
	UnreadCount   int      `json:"unreadCount"`
	UpdatedAt     string   `json:"updatedAt,omitempty"`
}

// Message is one chat message. A message with ParentMessage set is a reply
// and lives in its parent's Replies list, never in a page's top-level
// sequence.
type Message struct {
	ID            string     `json:"_id"`
	ChatID        string     `json:"chatId,omitempty"`
	Sender        *User      `json:"sender,omitempty"`
	Body          string     `json:"message,omitempty"`
	ParentMessage string     `json:"parentMessage,omitempty"`
	Replies       []*Message `json:"replies,omitempty"`
	ReplyCount    int        `json:"replyCount,omitempty"`
	Status        string     `json:"status,omitempty"` // "sent", "delivered", "read"
	CreatedAt     string     `json:"createdAt,omitempty"`
	UpdatedAt     string     `json:"updatedAt,omitempty"`
}

// ChatRef is the minimal chat pointer stored alongside a message page.
type ChatRef struct {
	ID string `json:"_id"`
}

// MessagePage is one cached, paginated window of a chat's messages.
// TypingUsers is ephemeral side-channel state and is never persisted.
type MessagePage struct {
	Chat        *ChatRef        `json:"chat,omitempty"`
	Messages    []*Message      `json:"messages"`
	Count       int             `json:"count"`
	TypingUsers json.RawMessage `json:"typingUsers,omitempty"`
}

// Notification is a server-originated portal notification. Categories gate
// whether the synchronizer reacts to it (see ChatSync).
type Notification struct {
	ID         string   `json:"_id"`
	Categories []string `json:"category,omitempty"` // e.g. "student", "global"
	Title      string   `json:"title,omitempty"`
	Body       string   `json:"body,omitempty"`
	CreatedAt  string   `json:"createdAt,omitempty"`
}

// ============================================================================
// Portal Types
// ============================================================================

// Program is a bootcamp program offered on the portal.
type Program struct {
	ID          string `json:"_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Price       int    `json:"price,omitempty"`
	Currency    string `json:"currency,omitempty"`
	StartsAt    string `json:"startsAt,omitempty"`
}

// Enrollment records a user's enrollment in a program.
type Enrollment struct {
	ID        string `json:"_id"`
	ProgramID string `json:"programId"`
	UserID    string `json:"userId"`
	Status    string `json:"status,omitempty"` // "pending", "active", "completed"
	CreatedAt string `json:"createdAt,omitempty"`
}

// Payment is one entry in a user's payment history.
type Payment struct {
	ID        string `json:"_id"`
	ProgramID string `json:"programId,omitempty"`
	Amount    int    `json:"amount"`
	Currency  string `json:"currency,omitempty"`
	Status    string `json:"status,omitempty"` // "paid", "pending", "failed"
	CreatedAt string `json:"createdAt,omitempty"`
}

// PaginationOptions are common list pagination parameters.
type PaginationOptions struct {
	Page  int
	Limit int
}
