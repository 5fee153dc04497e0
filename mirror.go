package learnhub

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// ============================================================================
// Key layout
// ============================================================================

// Persisted mirror keys. The ledger maps every other key to its last-write
// epoch millisecond and is updated atomically with each payload write.
const (
	KeyChats       = "chats_list"
	KeyOnlineUsers = "chat_online_users"
	KeyTimestamps  = "chat_last_updated_timestamps"

	messagesKeyPrefix = "chat_messages_"
)

// MessagesKey returns the mirror key for a chat's stored message page.
func MessagesKey(chatID string) string {
	return messagesKeyPrefix + chatID
}

// ============================================================================
// Mirror
// ============================================================================

// Mirror is a durable local key/value store holding the last-known-good
// snapshot of cache-relevant collections, so the UI has immediate data on
// cold start. All operations are best-effort: a failed write is reported to
// the caller for logging and otherwise swallowed; the in-memory cache
// remains the source of truth within a session.
type Mirror interface {
	// PutChats overwrites the full chat list snapshot.
	PutChats(chats []*Chat) error
	// GetChats returns the stored chat list, or ok=false if never written
	// or the stored value is not list-shaped.
	GetChats() (chats []*Chat, ok bool)

	// PutMessagePage overwrites the stored page for a chat.
	PutMessagePage(chatID string, page *MessagePage) error
	GetMessagePage(chatID string) (page *MessagePage, ok bool)

	// UpsertMessage appends msg to the stored page for chatID when no entry
	// with the same id exists; a duplicate id is a no-op. When no page is
	// stored yet, a new single-message page (count = 1) is created.
	UpsertMessage(chatID string, msg *Message) error
	// PatchMessage shallow-merges patch over the stored message whose _id
	// matches, searching top-level entries and their replies. No-op when
	// the page or the message is absent.
	PatchMessage(chatID string, patch map[string]any) error

	PutOnlineUsers(users []User) error
	GetOnlineUsers() (users []User, ok bool)

	// UpsertChat merges patch into the stored chat with a matching _id, or
	// prepends it to the list as a new chat. Insertion order only; no
	// most-recent-first guarantee.
	UpsertChat(patch map[string]any) error

	// IsStale reports whether key has no ledger entry or its last write is
	// older than maxAge.
	IsStale(key string, maxAge time.Duration) bool

	// ClearAll removes every key this mirror owns, including the ledger.
	ClearAll() error
}

// ============================================================================
// Shared store logic
// ============================================================================

// mirrorKV is the storage backend under a mirror: a flat key/value namespace
// whose put commits all pairs atomically.
type mirrorKV interface {
	get(key string) ([]byte, bool)
	put(pairs map[string][]byte) error
	clear() error
}

// mirrorStore implements Mirror on top of a mirrorKV backend. Payload writes
// and their ledger entry go through a single put so both land or neither
// does.
type mirrorStore struct {
	kv  mirrorKV
	now func() time.Time

	// Serializes ledger read-modify-write across keys; sibling writes from
	// one event handler run on independent goroutines.
	writeMu sync.Mutex
}

func (s *mirrorStore) init(kv mirrorKV) {
	s.kv = kv
	s.now = time.Now
}

func (s *mirrorStore) write(key string, value any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}

	ledger := s.ledger()
	ledger[key] = s.now().UnixMilli()
	ledgerData, err := json.Marshal(ledger)
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}

	return s.kv.put(map[string][]byte{
		key:           payload,
		KeyTimestamps: ledgerData,
	})
}

func (s *mirrorStore) read(key string, out any) bool {
	data, ok := s.kv.get(key)
	if !ok {
		return false
	}
	return json.Unmarshal(data, out) == nil
}

func (s *mirrorStore) ledger() map[string]int64 {
	ledger := map[string]int64{}
	s.read(KeyTimestamps, &ledger)
	return ledger
}

func (s *mirrorStore) PutChats(chats []*Chat) error {
	if chats == nil {
		chats = []*Chat{}
	}
	return s.write(KeyChats, chats)
}

func (s *mirrorStore) GetChats() ([]*Chat, bool) {
	var chats []*Chat
	if !s.read(KeyChats, &chats) || chats == nil {
		return nil, false
	}
	return chats, true
}

func (s *mirrorStore) PutMessagePage(chatID string, page *MessagePage) error {
	if chatID == "" || page == nil {
		return fmt.Errorf("chatID and page are required")
	}
	return s.write(MessagesKey(chatID), stripEphemeral(page))
}

func (s *mirrorStore) GetMessagePage(chatID string) (*MessagePage, bool) {
	var page MessagePage
	if !s.read(MessagesKey(chatID), &page) {
		return nil, false
	}
	return &page, true
}

func (s *mirrorStore) UpsertMessage(chatID string, msg *Message) error {
	if chatID == "" || msg == nil || msg.ID == "" {
		return fmt.Errorf("chatID and message id are required")
	}

	page, ok := s.GetMessagePage(chatID)
	if !ok {
		page = &MessagePage{
			Chat:     &ChatRef{ID: chatID},
			Messages: []*Message{msg},
			Count:    1,
		}
		return s.write(MessagesKey(chatID), page)
	}

	for _, m := range page.Messages {
		if m.ID == msg.ID {
			return nil
		}
	}
	page.Messages = append(page.Messages, msg)
	page.Count++
	return s.write(MessagesKey(chatID), stripEphemeral(page))
}

func (s *mirrorStore) PatchMessage(chatID string, patch map[string]any) error {
	id, _ := patch["_id"].(string)
	if chatID == "" || id == "" {
		return fmt.Errorf("chatID and patch _id are required")
	}

	page, ok := s.GetMessagePage(chatID)
	if !ok {
		return nil
	}

	target := findMessage(page.Messages, id)
	if target == nil {
		return nil
	}
	merged, err := overlay(target, patch)
	if err != nil {
		return fmt.Errorf("patch message %s: %w", id, err)
	}
	*target = *merged
	return s.write(MessagesKey(chatID), stripEphemeral(page))
}

func (s *mirrorStore) PutOnlineUsers(users []User) error {
	if users == nil {
		users = []User{}
	}
	return s.write(KeyOnlineUsers, users)
}

func (s *mirrorStore) GetOnlineUsers() ([]User, bool) {
	var users []User
	if !s.read(KeyOnlineUsers, &users) || users == nil {
		return nil, false
	}
	return users, true
}

func (s *mirrorStore) UpsertChat(patch map[string]any) error {
	id, _ := patch["_id"].(string)
	if id == "" {
		return fmt.Errorf("chat patch _id is required")
	}

	chats, _ := s.GetChats()
	for i, c := range chats {
		if c.ID == id {
			merged, err := overlay(c, patch)
			if err != nil {
				return fmt.Errorf("merge chat %s: %w", id, err)
			}
			chats[i] = merged
			return s.write(KeyChats, chats)
		}
	}

	chat, err := overlay(&Chat{}, patch)
	if err != nil {
		return fmt.Errorf("decode chat %s: %w", id, err)
	}
	chats = append([]*Chat{chat}, chats...)
	return s.write(KeyChats, chats)
}

func (s *mirrorStore) IsStale(key string, maxAge time.Duration) bool {
	at, ok := s.ledger()[key]
	if !ok {
		return true
	}
	return s.now().UnixMilli()-at > maxAge.Milliseconds()
}

func (s *mirrorStore) ClearAll() error {
	return s.kv.clear()
}

// ============================================================================
// Helpers
// ============================================================================

// overlay returns a copy of base with the keys present in patch shallowly
// merged over it, preserving provided-vs-absent field semantics.
func overlay[T any](base *T, patch map[string]any) (*T, error) {
	raw, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	fields := map[string]any{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	for k, v := range patch {
		fields[k] = v
	}
	merged, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(merged, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// findMessage locates a message by id among top-level entries or their
// replies.
func findMessage(messages []*Message, id string) *Message {
	for _, m := range messages {
		if m.ID == id {
			return m
		}
		for _, r := range m.Replies {
			if r.ID == id {
				return r
			}
		}
	}
	return nil
}

// stripEphemeral drops transient side-channel state before a page is
// persisted.
func stripEphemeral(page *MessagePage) *MessagePage {
	if page.TypingUsers == nil {
		return page
	}
	copied := *page
	copied.TypingUsers = nil
	return &copied
}

// ============================================================================
// MemoryMirror
// ============================================================================

// MemoryMirror is a goroutine-safe in-memory Mirror. It keeps the same
// serialized key layout as the durable backends, so nothing persisted ever
// aliases live cache state.
type MemoryMirror struct {
	mirrorStore
}

// NewMemoryMirror creates a new in-memory mirror.
func NewMemoryMirror() *MemoryMirror {
	m := &MemoryMirror{}
	m.init(&memKV{entries: make(map[string][]byte)})
	return m
}

type memKV struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

func (kv *memKV) get(key string) ([]byte, bool) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	data, ok := kv.entries[key]
	return data, ok
}

func (kv *memKV) put(pairs map[string][]byte) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	for k, v := range pairs {
		kv.entries[k] = v
	}
	return nil
}

func (kv *memKV) clear() error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.entries = make(map[string][]byte)
	return nil
}
