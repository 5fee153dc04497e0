package learnhub

import (
	"encoding/json"
	"sync"
)

// Cache is the in-memory chat cache read by UI subscribers. It is written
// only by the synchronizer (single-writer, multi-reader); readers get
// slice copies and must treat the entries as read-only.
//
// Message pages are keyed by chat id: only the default view (page 1) is
// kept live-merged; other pages stay request-scoped in the gateway caller.
type Cache struct {
	mu     sync.RWMutex
	chats  []*Chat
	pages  map[string]*MessagePage
	online []User
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{pages: make(map[string]*MessagePage)}
}

// ── Readers ──────────────────────────────────────────────

// Chats returns a copy of the cached chat list.
func (c *Cache) Chats() []*Chat {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*Chat{}, c.chats...)
}

// Chat returns the cached chat with the given id.
func (c *Cache) Chat(id string) (*Chat, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, chat := range c.chats {
		if chat.ID == id {
			return chat, true
		}
	}
	return nil, false
}

// MessagePage returns the cached default-view page for a chat. Like the
// other readers it hands out a copy of the page and its message slice, so
// the synchronizer can keep appending without racing a reader's iteration.
func (c *Cache) MessagePage(chatID string) (*MessagePage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	page, ok := c.pages[chatID]
	if !ok {
		return nil, false
	}
	view := *page
	view.Messages = append([]*Message{}, page.Messages...)
	return &view, true
}

// OnlineUsers returns a copy of the online-user set.
func (c *Cache) OnlineUsers() []User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]User{}, c.online...)
}

// ── Writers (synchronizer only) ──────────────────────────

// SetChats replaces the chat list wholesale. Used both for the provisional
// mirror seed and for authoritative gateway responses; the latest write
// wins.
func (c *Cache) SetChats(chats []*Chat) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chats = chats
}

// SetMessagePage replaces the cached page for a chat.
func (c *Cache) SetMessagePage(chatID string, page *MessagePage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pages[chatID] = page
}

// SetOnlineUsers replaces the online-user set, deduplicated by id.
func (c *Cache) SetOnlineUsers(users []User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.online = dedupeUsers(users)
}

// InsertMessage appends a top-level message to a chat's cached page if no
// entry with the same id exists. The page is created lazily on the first
// message for an unseen chat. Reports whether the message was inserted.
func (c *Cache) InsertMessage(chatID string, msg *Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	page, ok := c.pages[chatID]
	if !ok {
		c.pages[chatID] = &MessagePage{
			Chat:     &ChatRef{ID: chatID},
			Messages: []*Message{msg},
			Count:    1,
		}
		return true
	}

	if findMessage(page.Messages, msg.ID) != nil {
		return false
	}
	page.Messages = append(page.Messages, msg)
	page.Count++
	return true
}

// AppendReply routes a reply to its parent message in the chat's cached
// page, appending to the parent's replies and bumping its reply count.
// Returns the updated parent, or nil when the parent is not cached;
// duplicate reports that the reply id was already present, so callers can
// tell a redelivered reply from a genuinely orphaned one.
func (c *Cache) AppendReply(chatID string, msg *Message) (parent *Message, duplicate bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	page, pageOK := c.pages[chatID]
	if !pageOK {
		return nil, false
	}

	if findMessage(page.Messages, msg.ID) != nil {
		return nil, true
	}
	for _, m := range page.Messages {
		if m.ID == msg.ParentMessage {
			m.Replies = append(m.Replies, msg)
			m.ReplyCount++
			return m, false
		}
	}
	return nil, false
}

// PatchMessage shallow-merges patch over the cached message whose _id
// matches, top-level or nested in a parent's replies. Reports whether a
// target was found.
func (c *Cache) PatchMessage(chatID string, patch map[string]any) bool {
	id, _ := patch["_id"].(string)
	c.mu.Lock()
	defer c.mu.Unlock()

	page, ok := c.pages[chatID]
	if !ok {
		return false
	}
	target := findMessage(page.Messages, id)
	if target == nil {
		return false
	}
	merged, err := overlay(target, patch)
	if err != nil {
		return false
	}
	*target = *merged
	return true
}

// UpsertChat merges patch into the cached chat with a matching _id, or
// prepends it as a new chat. Reports whether the chat was newly inserted.
func (c *Cache) UpsertChat(patch map[string]any) (inserted bool) {
	id, _ := patch["_id"].(string)
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, chat := range c.chats {
		if chat.ID == id {
			if merged, err := overlay(chat, patch); err == nil {
				c.chats[i] = merged
			}
			return false
		}
	}

	chat, err := overlay(&Chat{}, patch)
	if err != nil {
		return false
	}
	c.chats = append([]*Chat{chat}, c.chats...)
	return true
}

// TouchChat records a chat's latest message, bumping the unread count when
// asked. An unseen chat id is created lazily from the event's chat payload.
// Returns the updated chat.
func (c *Cache) TouchChat(eventChat *Chat, msg *Message, bumpUnread bool) *Chat {
	c.mu.Lock()
	defer c.mu.Unlock()

	var target *Chat
	for _, chat := range c.chats {
		if chat.ID == eventChat.ID {
			target = chat
			break
		}
	}
	if target == nil {
		target = eventChat
		c.chats = append([]*Chat{target}, c.chats...)
	}

	target.LatestMessage = msg
	if bumpUnread {
		target.UnreadCount++
	}
	return target
}

// SetTyping attaches ephemeral typing state to a chat's cached page.
// Reports whether a page was cached to attach to.
func (c *Cache) SetTyping(chatID string, typing json.RawMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	page, ok := c.pages[chatID]
	if !ok {
		return false
	}
	page.TypingUsers = typing
	return true
}

// AddOnlineUser adds a user to the online set. Idempotent by id.
func (c *Cache) AddOnlineUser(user User) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, u := range c.online {
		if u.ID == user.ID {
			return false
		}
	}
	c.online = append(c.online, user)
	return true
}

// RemoveOnlineUser removes a user from the online set. Idempotent by id.
func (c *Cache) RemoveOnlineUser(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, u := range c.online {
		if u.ID == userID {
			c.online = append(c.online[:i], c.online[i+1:]...)
			return true
		}
	}
	return false
}

func dedupeUsers(users []User) []User {
	seen := make(map[string]bool, len(users))
	out := users[:0:0]
	for _, u := range users {
		if seen[u.ID] {
			continue
		}
		seen[u.ID] = true
		out = append(out, u)
	}
	return out
}
