package learnhub

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire format
// ============================================================================

// Inbound event names pushed by the portal over the event channel.
const (
	EventJoinOnline       = "join_online"
	EventNewMessage       = "newmessage"
	EventUpdateMessage    = "updatemessage"
	EventUpdateChat       = "updatechat"
	EventPushMessage      = "pushmessage"
	EventNewNotification  = "newnotification"
	EventAddOnlineUser    = "addOnlineUser"
	EventRemoveOnlineUser = "removeOnlineUser"
	EventTyping           = "istyping"
	EventNewChat          = "newchatevent"
)

// Outbound event names emitted by the client.
const (
	EventOnline       = "online"
	EventJoinChatRoom = "join-chat-room"
)

// Envelope is the wire format for all events on the channel.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the event channel client.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HTTPClient           *http.Client
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Event dispatcher
// ============================================================================

// EventHandler receives one inbound event. Handlers are invoked on the read
// goroutine, in delivery order, one at a time: a handler runs to completion
// before the next event is dispatched.
type EventHandler func(event string, payload json.RawMessage)

type channelDispatcher struct {
	mu             sync.RWMutex
	onEvent        []EventHandler
	onConnected    []func()
	onDisconnected []func(code int, reason string)
	onReconnecting []func(attempt int, delay time.Duration)
}

func (d *channelDispatcher) dispatch(env Envelope) {
	d.mu.RLock()
	handlers := append([]EventHandler{}, d.onEvent...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(env.Event, env.Payload)
	}
}

func (d *channelDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h()
	}
}

func (d *channelDispatcher) emitDisconnected(code int, reason string) {
	d.mu.RLock()
	handlers := append([]func(int, string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(code, reason)
	}
}

func (d *channelDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(attempt, delay)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	// A connection that held for a minute resets the backoff.
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient is the persistent event channel: a WebSocket connection
// delivering unsolicited server events, with auto-reconnect and heartbeat.
type RealtimeClient struct {
	baseURL          string
	config           *RealtimeConfig
	sessionID        string
	conn             *websocket.Conn
	mu               sync.Mutex
	state            RealtimeState
	intentionalClose bool
	dispatcher       *channelDispatcher
	recon            *reconnector
	cancelFn         context.CancelFunc
}

func newRealtimeClient(baseURL string, cfg *RealtimeConfig) *RealtimeClient {
	return &RealtimeClient{
		baseURL:    baseURL,
		config:     cfg,
		sessionID:  uuid.NewString(),
		state:      StateDisconnected,
		dispatcher: &channelDispatcher{},
		recon:      newReconnector(cfg),
	}
}

// NewRealtimeClient creates a standalone event channel client for baseURL.
func NewRealtimeClient(baseURL string, config *RealtimeConfig) *RealtimeClient {
	cfg := *config
	cfg.defaults()
	return newRealtimeClient(strings.TrimRight(baseURL, "/"), &cfg)
}

// SessionID returns the client session id announced with presence.
func (rt *RealtimeClient) SessionID() string {
	return rt.sessionID
}

// OnEvent registers a handler for every inbound event.
func (rt *RealtimeClient) OnEvent(h EventHandler) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onEvent = append(rt.dispatcher.onEvent, h)
	rt.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event.
func (rt *RealtimeClient) OnConnected(h func()) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onConnected = append(rt.dispatcher.onConnected, h)
	rt.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (rt *RealtimeClient) OnDisconnected(h func(code int, reason string)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onDisconnected = append(rt.dispatcher.onDisconnected, h)
	rt.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (rt *RealtimeClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onReconnecting = append(rt.dispatcher.onReconnecting, h)
	rt.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (rt *RealtimeClient) State() RealtimeState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

// Connect establishes the WebSocket connection.
func (rt *RealtimeClient) Connect(ctx context.Context) error {
	rt.mu.Lock()
	if rt.state == StateConnected || rt.state == StateConnecting {
		rt.mu.Unlock()
		return nil
	}
	rt.state = StateConnecting
	rt.intentionalClose = false
	rt.mu.Unlock()

	wsURL := strings.Replace(rt.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/socket?token=" + rt.config.Token

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: rt.config.HTTPClient,
	})
	if err != nil {
		rt.mu.Lock()
		rt.state = StateDisconnected
		rt.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}

	rt.mu.Lock()
	rt.conn = conn
	rt.state = StateConnected
	rt.mu.Unlock()
	rt.recon.markConnected()

	rt.dispatcher.emitConnected()

	connCtx, cancel := context.WithCancel(ctx)
	rt.mu.Lock()
	rt.cancelFn = cancel
	rt.mu.Unlock()

	go rt.readLoop(connCtx, conn)
	go rt.heartbeatLoop(connCtx, conn)

	return nil
}

// Disconnect gracefully closes the connection.
func (rt *RealtimeClient) Disconnect() error {
	rt.mu.Lock()
	rt.intentionalClose = true
	if rt.cancelFn != nil {
		rt.cancelFn()
		rt.cancelFn = nil
	}
	conn := rt.conn
	rt.conn = nil
	rt.state = StateDisconnected
	rt.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	rt.dispatcher.emitDisconnected(1000, "client disconnect")
	return nil
}

// Emit sends an outbound event over the channel.
func (rt *RealtimeClient) Emit(ctx context.Context, event string, payload any) error {
	rt.mu.Lock()
	conn := rt.conn
	rt.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(&Envelope{Event: event, Payload: raw})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// AnnounceOnline announces the local user's presence to the portal.
func (rt *RealtimeClient) AnnounceOnline(ctx context.Context, user User) error {
	return rt.Emit(ctx, EventOnline, map[string]any{
		"user":      user,
		"sessionId": rt.sessionID,
	})
}

// JoinChatRoom subscribes this connection to a chat's room so its events
// are delivered here.
func (rt *RealtimeClient) JoinChatRoom(ctx context.Context, chatID string) error {
	return rt.Emit(ctx, EventJoinChatRoom, map[string]string{"chatId": chatID})
}

func (rt *RealtimeClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rt.mu.Lock()
			intentional := rt.intentionalClose
			rt.mu.Unlock()
			if intentional {
				return
			}

			rt.mu.Lock()
			rt.state = StateDisconnected
			rt.conn = nil
			rt.mu.Unlock()

			rt.dispatcher.emitDisconnected(0, err.Error())

			if rt.config.AutoReconnect && rt.recon.shouldReconnect() {
				rt.scheduleReconnect(ctx)
			}
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil || env.Event == "" {
			continue
		}

		rt.dispatcher.dispatch(env)
	}
}

func (rt *RealtimeClient) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(rt.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (rt *RealtimeClient) scheduleReconnect(ctx context.Context) {
	delay := rt.recon.nextDelay()
	rt.mu.Lock()
	rt.state = StateReconnecting
	rt.mu.Unlock()

	rt.dispatcher.emitReconnecting(rt.recon.attempt, delay)

	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}

	if err := rt.Connect(ctx); err != nil {
		if rt.config.AutoReconnect && rt.recon.shouldReconnect() {
			rt.scheduleReconnect(ctx)
		} else {
			rt.mu.Lock()
			rt.state = StateDisconnected
			rt.mu.Unlock()
		}
	}
}
