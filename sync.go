package learnhub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Collaborator interfaces
// ============================================================================

// Gateway is the request/response side of the portal consumed by the
// synchronizer. Every response is authoritative and overwrites cached state
// last-write-wins. *ChatsClient implements it.
type Gateway interface {
	List(ctx context.Context) ([]*Chat, error)
	Messages(ctx context.Context, chatID string, page, limit int) (*MessagePage, error)
}

// EventChannel is the persistent server-push connection consumed by the
// synchronizer. The synchronizer only reacts to connection-state
// transitions; reconnection policy lives inside the channel.
// *RealtimeClient implements it.
type EventChannel interface {
	Connect(ctx context.Context) error
	OnEvent(EventHandler)
	OnConnected(func())
	OnDisconnected(func(code int, reason string))
	AnnounceOnline(ctx context.Context, user User) error
	JoinChatRoom(ctx context.Context, chatID string) error
}

// ============================================================================
// ChatSync
// ============================================================================

// SyncState is the synchronizer's connection-lifecycle state.
type SyncState string

const (
	// SyncDisconnected is the initial state; it is re-entered when the
	// event channel drops. The cache is retained.
	SyncDisconnected SyncState = "disconnected"
	// SyncSeeding means the provisional mirror snapshot is live in the
	// cache while the authoritative fetch is in flight.
	SyncSeeding SyncState = "seeding"
	// SyncLive means authoritative data is in place and events drive the
	// cache.
	SyncLive SyncState = "live"
)

// notifyCategories gates which notification categories force a chat list
// refresh.
var notifyCategories = map[string]bool{"student": true, "global": true}

// ChatSyncConfig configures a ChatSync. Gateway, Channel and LocalUser are
// required; Mirror defaults to an in-memory one and Logger to a no-op.
type ChatSyncConfig struct {
	Gateway   Gateway
	Channel   EventChannel
	Mirror    Mirror
	Cache     *Cache
	Logger    *zap.Logger
	LocalUser User

	// MirrorMaxAge, when set, skips seeding from mirror keys whose last
	// write is older than this. Zero seeds unconditionally.
	MirrorMaxAge time.Duration
}

// ChatSync reconciles live channel events into the in-memory cache and,
// asynchronously, into the durable mirror. It holds explicit references to
// its collaborators and never reaches for shared globals.
//
// Cache mutation is synchronous and immediately visible to readers; mirror
// writes are fire-and-forget and eventually consistent. Event handlers
// never propagate a failure: malformed events, unknown merge targets and
// mirror errors are logged and dropped so subsequent events keep flowing.
type ChatSync struct {
	cache   *Cache
	mirror  Mirror
	gateway Gateway
	channel EventChannel
	log     *zap.Logger

	localUser    User
	mirrorMaxAge time.Duration

	mu      sync.Mutex
	state   SyncState
	pending sync.WaitGroup
}

// NewChatSync creates a synchronizer in the Disconnected state.
func NewChatSync(cfg ChatSyncConfig) *ChatSync {
	if cfg.Cache == nil {
		cfg.Cache = NewCache()
	}
	if cfg.Mirror == nil {
		cfg.Mirror = NewMemoryMirror()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &ChatSync{
		cache:        cfg.Cache,
		mirror:       cfg.Mirror,
		gateway:      cfg.Gateway,
		channel:      cfg.Channel,
		log:          cfg.Logger,
		localUser:    cfg.LocalUser,
		mirrorMaxAge: cfg.MirrorMaxAge,
		state:        SyncDisconnected,
	}
}

// Cache returns the in-memory cache UI subscribers read from.
func (s *ChatSync) Cache() *Cache {
	return s.cache
}

// State returns the current lifecycle state.
func (s *ChatSync) State() SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *ChatSync) setState(state SyncState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Start seeds the cache from the mirror, wires the event channel and
// connects. The provisional seed is visible immediately; it is superseded
// by the authoritative fetch once the channel reports connected.
func (s *ChatSync) Start(ctx context.Context) error {
	if s.gateway == nil || s.channel == nil {
		return fmt.Errorf("gateway and channel are required")
	}

	s.setState(SyncSeeding)
	s.seed()

	s.channel.OnEvent(func(event string, payload json.RawMessage) {
		s.handleEvent(ctx, event, payload)
	})
	s.channel.OnConnected(func() {
		s.goLive(ctx)
	})
	s.channel.OnDisconnected(func(code int, reason string) {
		s.setState(SyncDisconnected)
		s.log.Info("event channel disconnected",
			zap.Int("code", code), zap.String("reason", reason))
	})

	if err := s.channel.Connect(ctx); err != nil {
		return fmt.Errorf("connect event channel: %w", err)
	}
	return nil
}

// Flush blocks until all outstanding mirror writes have settled. Intended
// for shutdown and tests; steady-state operation never waits on the mirror.
func (s *ChatSync) Flush() {
	s.pending.Wait()
}

// seed pushes the mirror's last-known-good snapshots into the cache as a
// provisional view.
func (s *ChatSync) seed() {
	if s.mirrorMaxAge > 0 && s.mirror.IsStale(KeyChats, s.mirrorMaxAge) {
		s.log.Info("mirror snapshot stale, skipping seed")
		return
	}

	if chats, ok := s.mirror.GetChats(); ok {
		s.cache.SetChats(chats)
		for _, chat := range chats {
			if page, ok := s.mirror.GetMessagePage(chat.ID); ok {
				s.cache.SetMessagePage(chat.ID, page)
			}
		}
		s.log.Debug("seeded chats from mirror", zap.Int("count", len(chats)))
	}
	if users, ok := s.mirror.GetOnlineUsers(); ok {
		s.cache.SetOnlineUsers(users)
	}
}

// goLive runs on every connect: announce presence, fetch the authoritative
// chat list, join every chat room, then enter Live. A failed fetch leaves
// the synchronizer in Seeding; events still merge and the next connect
// retries.
func (s *ChatSync) goLive(ctx context.Context) {
	s.setState(SyncSeeding)

	if err := s.channel.AnnounceOnline(ctx, s.localUser); err != nil {
		s.log.Warn("presence announce failed", zap.Error(err))
	}

	if err := s.RefreshChats(ctx); err != nil {
		s.log.Warn("authoritative chat fetch failed", zap.Error(err))
		return
	}

	for _, chat := range s.cache.Chats() {
		s.joinRoom(ctx, chat.ID)
	}

	s.setState(SyncLive)
	s.log.Info("chat sync live")
}

// RefreshChats forces an authoritative chat list fetch and mirrors the
// result.
func (s *ChatSync) RefreshChats(ctx context.Context) error {
	chats, err := s.gateway.List(ctx)
	if err != nil {
		return fmt.Errorf("fetch chats: %w", err)
	}
	// Snapshot before publishing: once the list is in the cache, event
	// handlers may mutate the same structs while the mirror write reads
	// them.
	mirrored := snapshot(chats)
	s.cache.SetChats(chats)
	s.mirrorWrite("put_chats", func() error {
		return s.mirror.PutChats(mirrored)
	})
	return nil
}

// LoadMessagePage fetches one page of a chat's messages. The default view
// (page 1) is cached and mirrored; other pages pass through.
func (s *ChatSync) LoadMessagePage(ctx context.Context, chatID string, page, limit int) (*MessagePage, error) {
	result, err := s.gateway.Messages(ctx, chatID, page, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch messages for %s: %w", chatID, err)
	}
	if page <= 1 {
		// Same ordering as RefreshChats: detach the mirror copy before the
		// page becomes reachable to event handlers.
		mirrored := snapshot(result)
		s.cache.SetMessagePage(chatID, result)
		s.mirrorWrite("put_message_page", func() error {
			return s.mirror.PutMessagePage(chatID, mirrored)
		})
	}
	return result, nil
}

// ============================================================================
// Event handling
// ============================================================================

// handleEvent applies one inbound event to the cache. It never panics
// outward and never blocks on the mirror.
func (s *ChatSync) handleEvent(ctx context.Context, event string, payload json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("event handler panic; event dropped",
				zap.String("event", event), zap.Any("panic", r))
		}
	}()

	if s.State() == SyncDisconnected {
		s.log.Debug("dropping event while disconnected", zap.String("event", event))
		return
	}

	switch event {
	case EventNewMessage:
		s.onNewMessage(payload)
	case EventPushMessage:
		s.onPushMessage(payload)
	case EventUpdateMessage:
		s.onUpdateMessage(payload)
	case EventUpdateChat, EventNewChat:
		s.onUpdateChat(ctx, payload)
	case EventJoinOnline:
		s.onJoinOnline(payload)
	case EventAddOnlineUser:
		s.onPresence(payload, true)
	case EventRemoveOnlineUser:
		s.onPresence(payload, false)
	case EventTyping:
		s.onTyping(payload)
	case EventNewNotification:
		s.onNotification(ctx, payload)
	default:
		s.log.Debug("unhandled event", zap.String("event", event))
	}
}

type messageEvent struct {
	Chat    *Chat    `json:"chat"`
	Message *Message `json:"message"`
}

func (ev *messageEvent) valid() bool {
	return ev.Chat != nil && ev.Chat.ID != "" && ev.Message != nil && ev.Message.ID != ""
}

// onNewMessage applies the full merge for a message arriving in a joined
// room: reply routing or idempotent top-level insert, then chat-level
// latest-message and unread accounting.
func (s *ChatSync) onNewMessage(payload json.RawMessage) {
	var ev messageEvent
	if err := json.Unmarshal(payload, &ev); err != nil || !ev.valid() {
		s.log.Warn("dropping malformed newmessage event")
		return
	}
	chatID := ev.Chat.ID

	if ev.Message.ParentMessage != "" {
		parent, dup := s.cache.AppendReply(chatID, ev.Message)
		if parent == nil {
			if dup {
				s.log.Debug("duplicate reply ignored",
					zap.String("chat", chatID), zap.String("message", ev.Message.ID))
				return
			}
			// Known gap: replies to parents outside the cached page are
			// lost rather than buffered.
			s.log.Warn("dropping reply with no cached parent",
				zap.String("chat", chatID),
				zap.String("message", ev.Message.ID),
				zap.String("parent", ev.Message.ParentMessage))
			return
		}
		patch, err := toFields(parent)
		if err != nil {
			s.log.Warn("encode parent patch failed", zap.Error(err))
			return
		}
		s.mirrorWrite("patch_message", func() error {
			return s.mirror.PatchMessage(chatID, patch)
		})
		return
	}

	if !s.cache.InsertMessage(chatID, ev.Message) {
		s.log.Debug("duplicate message ignored",
			zap.String("chat", chatID), zap.String("message", ev.Message.ID))
		return
	}
	mirrored := snapshot(ev.Message)
	s.mirrorWrite("upsert_message", func() error {
		return s.mirror.UpsertMessage(chatID, mirrored)
	})

	s.touchChat(ev.Chat, ev.Message)
}

// onPushMessage handles messages pushed for chats outside the current view:
// only chat-level state moves, the page merge happens when the chat is
// opened and fetched.
func (s *ChatSync) onPushMessage(payload json.RawMessage) {
	var ev messageEvent
	if err := json.Unmarshal(payload, &ev); err != nil || !ev.valid() {
		s.log.Warn("dropping malformed pushmessage event")
		return
	}
	s.touchChat(ev.Chat, ev.Message)
}

// touchChat updates a chat's latestMessage and, for foreign senders, its
// unread count, then mirrors the chat. Replies never reach here; only
// top-level messages move chat state.
func (s *ChatSync) touchChat(eventChat *Chat, msg *Message) {
	bump := msg.Sender == nil || msg.Sender.ID != s.localUser.ID
	updated := s.cache.TouchChat(eventChat, msg, bump)

	patch, err := toFields(updated)
	if err != nil {
		s.log.Warn("encode chat patch failed", zap.Error(err))
		return
	}
	s.mirrorWrite("upsert_chat", func() error {
		return s.mirror.UpsertChat(patch)
	})
}

func (s *ChatSync) onUpdateMessage(payload json.RawMessage) {
	var ev struct {
		Chat    *ChatRef       `json:"chat"`
		Message map[string]any `json:"message"`
	}
	if err := json.Unmarshal(payload, &ev); err != nil || ev.Chat == nil || ev.Chat.ID == "" {
		s.log.Warn("dropping malformed updatemessage event")
		return
	}
	id, _ := ev.Message["_id"].(string)
	if id == "" {
		s.log.Warn("dropping updatemessage without message id",
			zap.String("chat", ev.Chat.ID))
		return
	}

	if !s.cache.PatchMessage(ev.Chat.ID, ev.Message) {
		s.log.Debug("update for unknown message ignored",
			zap.String("chat", ev.Chat.ID), zap.String("message", id))
		return
	}
	s.mirrorWrite("patch_message", func() error {
		return s.mirror.PatchMessage(ev.Chat.ID, ev.Message)
	})
}

// onUpdateChat merges chat fields in place, or inserts an unseen chat at
// the front of the list and subscribes to its room.
func (s *ChatSync) onUpdateChat(ctx context.Context, payload json.RawMessage) {
	var patch map[string]any
	if err := json.Unmarshal(payload, &patch); err != nil {
		s.log.Warn("dropping malformed updatechat event")
		return
	}
	id, _ := patch["_id"].(string)
	if id == "" {
		s.log.Warn("dropping updatechat without chat id")
		return
	}

	if s.cache.UpsertChat(patch) {
		s.joinRoom(ctx, id)
	}
	chats := snapshot(s.cache.Chats())
	s.mirrorWrite("put_chats", func() error {
		return s.mirror.PutChats(chats)
	})
}

func (s *ChatSync) onJoinOnline(payload json.RawMessage) {
	var users []User
	if err := json.Unmarshal(payload, &users); err != nil {
		s.log.Warn("dropping malformed join_online event")
		return
	}
	s.cache.SetOnlineUsers(users)
	s.mirrorOnline()
}

func (s *ChatSync) onPresence(payload json.RawMessage, add bool) {
	var user User
	if err := json.Unmarshal(payload, &user); err != nil || user.ID == "" {
		s.log.Warn("dropping malformed presence event", zap.Bool("add", add))
		return
	}

	var changed bool
	if add {
		changed = s.cache.AddOnlineUser(user)
	} else {
		changed = s.cache.RemoveOnlineUser(user.ID)
	}
	if changed {
		s.mirrorOnline()
	}
}

func (s *ChatSync) mirrorOnline() {
	users := s.cache.OnlineUsers()
	s.mirrorWrite("put_online_users", func() error {
		return s.mirror.PutOnlineUsers(users)
	})
}

// onTyping attaches ephemeral typing state to the cached page. Transient by
// design: never mirrored.
func (s *ChatSync) onTyping(payload json.RawMessage) {
	var ev struct {
		ChatID string          `json:"chatId"`
		Chat   *ChatRef        `json:"chat"`
		Typing json.RawMessage `json:"typingUsers"`
	}
	if err := json.Unmarshal(payload, &ev); err != nil {
		s.log.Warn("dropping malformed istyping event")
		return
	}
	chatID := ev.ChatID
	if chatID == "" && ev.Chat != nil {
		chatID = ev.Chat.ID
	}
	if chatID == "" {
		s.log.Warn("dropping istyping without chat id")
		return
	}

	typing := ev.Typing
	if typing == nil {
		typing = payload
	}
	if !s.cache.SetTyping(chatID, typing) {
		s.log.Debug("typing for uncached page ignored", zap.String("chat", chatID))
	}
}

// onNotification forces a chat list refresh for notification categories the
// chat view cares about; everything else is ignored.
func (s *ChatSync) onNotification(ctx context.Context, payload json.RawMessage) {
	var note Notification
	if err := json.Unmarshal(payload, &note); err != nil || note.ID == "" {
		s.log.Warn("dropping malformed notification event")
		return
	}

	relevant := false
	for _, cat := range note.Categories {
		if notifyCategories[cat] {
			relevant = true
			break
		}
	}
	if !relevant {
		return
	}

	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		if err := s.RefreshChats(ctx); err != nil {
			s.log.Warn("notification-triggered refresh failed", zap.Error(err))
		}
	}()
}

// ============================================================================
// Side-effect helpers
// ============================================================================

func (s *ChatSync) joinRoom(ctx context.Context, chatID string) {
	if err := s.channel.JoinChatRoom(ctx, chatID); err != nil {
		s.log.Warn("join chat room failed",
			zap.String("chat", chatID), zap.Error(err))
	}
}

// mirrorWrite issues one fire-and-forget mirror write. Each write settles
// independently so one failure cannot abort sibling writes from the same
// event.
func (s *ChatSync) mirrorWrite(op string, fn func() error) {
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		if err := fn(); err != nil {
			s.log.Warn("mirror write failed", zap.String("op", op), zap.Error(err))
		}
	}()
}

// snapshot deep-copies a value so an asynchronous mirror write never reads
// cache state the next event handler is mutating.
func snapshot[T any](v T) T {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

// toFields flattens a struct into its JSON field map for patch-style
// merging.
func toFields(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	fields := map[string]any{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}
