package agentdesk

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"nhooyr.io/websocket"
)

// ============================================================================
// Event Types
// ============================================================================

// EventType is the closed set of server push message types.
type EventType string

const (
	EventConversation                   EventType = "CONVERSATION"
	EventConversationUpdated            EventType = "CONVERSATION_UPDATED"
	EventActivity                       EventType = "ACTIVITY"
	EventConversationMembersUpdated     EventType = "CONVERSATION_MEMBERS_UPDATED"
	EventConversationTagsUpdated        EventType = "CONVERSATION_TAGS_UPDATED"
	EventConversationWhatsappExpiration EventType = "CONVERSATION_WHATSAPP_EXPIRATION_UPDATED"
	EventConversationAttributesUpdated  EventType = "CONVERSATION_ATTRIBUTES_UPDATED"
	EventActivityAck                    EventType = "ACTIVITY_ACK"
	EventUpdateActivityAckAndHash       EventType = "UPDATE_ACTIVITY_ACK_AND_HASH"
)

var knownEventTypes = map[EventType]bool{
	EventConversation:                   true,
	EventConversationUpdated:            true,
	EventActivity:                       true,
	EventConversationMembersUpdated:     true,
	EventConversationTagsUpdated:        true,
	EventConversationWhatsappExpiration: true,
	EventConversationAttributesUpdated:  true,
	EventActivityAck:                    true,
	EventUpdateActivityAckAndHash:       true,
}

// Known reports whether t is one of the handled push types.
func (t EventType) Known() bool { return knownEventTypes[t] }

// activityScoped types carry an activity, so their top-level id is not the
// conversation id.
func (t EventType) activityScoped() bool {
	return t == EventActivity || t == EventActivityAck || t == EventUpdateActivityAckAndHash
}

// Envelope is the wire format of every push message.
type Envelope struct {
	Type    EventType       `json:"type"`
	Message json.RawMessage `json:"message"`
}

// RealtimeCommand is a client-to-server command (WebSocket only).
type RealtimeCommand struct {
	Type      string `json:"type"`
	Message   any    `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

// DecodeEvent peeks type, conversation id and timestamp out of a raw
// envelope without decoding the message body.
func DecodeEvent(data []byte) (Event, error) {
	if !gjson.ValidBytes(data) {
		return Event{}, fmt.Errorf("invalid envelope json")
	}
	env := gjson.ParseBytes(data)
	typ := EventType(env.Get("type").String())
	if typ == "" {
		return Event{}, fmt.Errorf("envelope without type")
	}
	msg := env.Get("message")
	if !msg.Exists() || !msg.IsObject() {
		return Event{}, fmt.Errorf("envelope %s without message object", typ)
	}

	ev := Event{
		Type:    typ,
		Message: json.RawMessage(msg.Raw),
	}

	paths := []string{"conversationId", "conversation.id", "id"}
	if typ.activityScoped() {
		paths = paths[:2]
	}
	for _, p := range paths {
		if v := msg.Get(p).String(); v != "" {
			ev.ConversationID = v
			break
		}
	}

	for _, p := range []string{"timestamp", "updatedAt", "lastActivity.timestamp"} {
		if t, err := time.Parse(time.RFC3339Nano, msg.Get(p).String()); err == nil {
			ev.Timestamp = t
			break
		}
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	return ev, nil
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures real-time clients.
type RealtimeConfig struct {
	Token                string
	WorkspaceID          string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HTTPClient           *http.Client
	Logger               *zerolog.Logger
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
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	RealtimeDisconnected RealtimeState = "disconnected"
	RealtimeConnecting   RealtimeState = "connecting"
	RealtimeConnected    RealtimeState = "connected"
	RealtimeReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

// EventHandler receives every decoded push event of a known type.
type EventHandler func(Event)

type eventDispatcher struct {
	mu             sync.RWMutex
	source         string
	logger         zerolog.Logger
	onEvent        EventHandler
	onConnected    []func()
	onDisconnected []func(int, string)
	onReconnecting []func(int, time.Duration)
}

func newEventDispatcher(source string, logger zerolog.Logger) *eventDispatcher {
	return &eventDispatcher{source: source, logger: logger}
}

func (d *eventDispatcher) setHandler(h EventHandler) {
	d.mu.Lock()
	d.onEvent = h
	d.mu.Unlock()
}

// dispatch decodes one raw envelope. Malformed envelopes and unknown types
// are dropped.
func (d *eventDispatcher) dispatch(data []byte) {
	ev, err := DecodeEvent(data)
	if err != nil {
		d.logger.Debug().Err(err).Str("source", d.source).Msg("dropping malformed envelope")
		return
	}
	transportMessages.WithLabelValues(d.source, string(ev.Type)).Inc()
	if !ev.Type.Known() {
		d.logger.Debug().Str("source", d.source).Str("event_type", string(ev.Type)).Msg("ignoring unknown event type")
		return
	}

	d.mu.RLock()
	h := d.onEvent
	d.mu.RUnlock()
	if h != nil {
		h(ev)
	}
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h()
	}
}

func (d *eventDispatcher) emitDisconnected(code int, reason string) {
	d.mu.RLock()
	handlers := append([]func(int, string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(code, reason)
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
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
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
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

// sleep waits for d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// ============================================================================
// RealtimeWSClient
// ============================================================================

// RealtimeWSClient is a WebSocket push client with auto-reconnect and
// ping heartbeat.
type RealtimeWSClient struct {
	url        string
	config     *RealtimeConfig
	dispatcher *eventDispatcher
	recon      *reconnector

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	parent           context.Context
	cancelFn         context.CancelFunc
}

// NewRealtimeWSClient creates a client for the given ws:// or wss:// URL.
// Call Connect to establish the connection.
func NewRealtimeWSClient(url string, config *RealtimeConfig) *RealtimeWSClient {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &RealtimeWSClient{
		url:        url,
		config:     &cfg,
		state:      RealtimeDisconnected,
		dispatcher: newEventDispatcher("ws", *cfg.Logger),
		recon:      newReconnector(&cfg),
	}
}

// OnEvent sets the single handler for push events.
func (ws *RealtimeWSClient) OnEvent(h EventHandler) { ws.dispatcher.setHandler(h) }

// OnConnected registers a handler for the connected meta-event.
func (ws *RealtimeWSClient) OnConnected(h func()) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onConnected = append(ws.dispatcher.onConnected, h)
	ws.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (ws *RealtimeWSClient) OnDisconnected(h func(code int, reason string)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onDisconnected = append(ws.dispatcher.onDisconnected, h)
	ws.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (ws *RealtimeWSClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onReconnecting = append(ws.dispatcher.onReconnecting, h)
	ws.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (ws *RealtimeWSClient) State() RealtimeState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// Connect dials the server and starts the read and heartbeat loops. The
// context bounds the whole session, reconnects included.
func (ws *RealtimeWSClient) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state == RealtimeConnected || ws.state == RealtimeConnecting {
		ws.mu.Unlock()
		return nil
	}
	ws.state = RealtimeConnecting
	ws.intentionalClose = false
	if ws.parent == nil {
		ws.parent = ctx
	}
	ws.mu.Unlock()

	opts := &websocket.DialOptions{HTTPClient: ws.config.HTTPClient}
	if ws.config.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + ws.config.Token}}
	}
	conn, _, err := websocket.Dial(ctx, ws.url, opts)
	if err != nil {
		ws.setState(RealtimeDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(4 << 20)

	if ws.config.WorkspaceID != "" {
		sub, _ := json.Marshal(&RealtimeCommand{
			Type:    "SUBSCRIBE",
			Message: map[string]string{"workspaceId": ws.config.WorkspaceID},
		})
		if err := conn.Write(ctx, websocket.MessageText, sub); err != nil {
			conn.Close(websocket.StatusNormalClosure, "")
			ws.setState(RealtimeDisconnected)
			return fmt.Errorf("subscribe: %w", err)
		}
	}

	connCtx, cancel := context.WithCancel(ctx)
	ws.mu.Lock()
	ws.conn = conn
	ws.state = RealtimeConnected
	ws.cancelFn = cancel
	ws.mu.Unlock()
	ws.recon.markConnected()
	ws.dispatcher.emitConnected()
	ws.config.Logger.Info().Str("url", ws.url).Msg("websocket connected")

	go ws.readLoop(connCtx, cancel, conn)
	go ws.heartbeatLoop(connCtx, conn)

	return nil
}

// Disconnect gracefully closes the connection and stops reconnecting.
func (ws *RealtimeWSClient) Disconnect() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	conn := ws.conn
	ws.conn = nil
	ws.state = RealtimeDisconnected
	ws.mu.Unlock()

	ws.dispatcher.emitDisconnected(1000, "client disconnect")
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Send writes a raw command over the WebSocket.
func (ws *RealtimeWSClient) Send(ctx context.Context, cmd *RealtimeCommand) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (ws *RealtimeWSClient) setState(s RealtimeState) {
	ws.mu.Lock()
	ws.state = s
	ws.mu.Unlock()
}

func (ws *RealtimeWSClient) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			intentional := ws.intentionalClose
			if !intentional {
				ws.state = RealtimeDisconnected
				ws.conn = nil
			}
			ws.mu.Unlock()
			if intentional {
				return
			}

			ws.config.Logger.Warn().Err(err).Msg("websocket read failed")
			ws.dispatcher.emitDisconnected(int(websocket.CloseStatus(err)), err.Error())

			if ws.config.AutoReconnect {
				ws.reconnect()
			}
			return
		}
		ws.dispatcher.dispatch(data)
	}
}

func (ws *RealtimeWSClient) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				ws.config.Logger.Warn().Err(err).Msg("websocket heartbeat failed")
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (ws *RealtimeWSClient) reconnect() {
	ws.mu.Lock()
	parent := ws.parent
	ws.mu.Unlock()

	for ws.recon.shouldReconnect() {
		delay := ws.recon.nextDelay()
		ws.setState(RealtimeReconnecting)
		transportReconnects.WithLabelValues("ws").Inc()
		ws.dispatcher.emitReconnecting(ws.recon.attempt, delay)

		if !sleep(parent, delay) {
			break
		}
		ws.mu.Lock()
		intentional := ws.intentionalClose
		if !intentional {
			ws.state = RealtimeDisconnected
		}
		ws.mu.Unlock()
		if intentional {
			return
		}
		if err := ws.Connect(parent); err == nil {
			return
		}
	}
	ws.setState(RealtimeDisconnected)
}

// ============================================================================
// RealtimeSSEClient
// ============================================================================

// RealtimeSSEClient is a server-sent events push client with auto-reconnect.
type RealtimeSSEClient struct {
	url        string
	config     *RealtimeConfig
	dispatcher *eventDispatcher
	recon      *reconnector

	mu               sync.Mutex
	state            RealtimeState
	intentionalClose bool
	parent           context.Context
	cancelFn         context.CancelFunc
	lastDataTime     time.Time
}

// NewRealtimeSSEClient creates a client for the given event-stream URL.
func NewRealtimeSSEClient(url string, config *RealtimeConfig) *RealtimeSSEClient {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &RealtimeSSEClient{
		url:        url,
		config:     &cfg,
		state:      RealtimeDisconnected,
		dispatcher: newEventDispatcher("sse", *cfg.Logger),
		recon:      newReconnector(&cfg),
	}
}

// OnEvent sets the single handler for push events.
func (sse *RealtimeSSEClient) OnEvent(h EventHandler) { sse.dispatcher.setHandler(h) }

// OnConnected registers a handler for the connected meta-event.
func (sse *RealtimeSSEClient) OnConnected(h func()) {
	sse.dispatcher.mu.Lock()
	sse.dispatcher.onConnected = append(sse.dispatcher.onConnected, h)
	sse.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (sse *RealtimeSSEClient) OnDisconnected(h func(code int, reason string)) {
	sse.dispatcher.mu.Lock()
	sse.dispatcher.onDisconnected = append(sse.dispatcher.onDisconnected, h)
	sse.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (sse *RealtimeSSEClient) State() RealtimeState {
	sse.mu.Lock()
	defer sse.mu.Unlock()
	return sse.state
}

// Connect opens the event stream.
func (sse *RealtimeSSEClient) Connect(ctx context.Context) error {
	sse.mu.Lock()
	if sse.state == RealtimeConnected || sse.state == RealtimeConnecting {
		sse.mu.Unlock()
		return nil
	}
	sse.state = RealtimeConnecting
	sse.intentionalClose = false
	if sse.parent == nil {
		sse.parent = ctx
	}
	sse.mu.Unlock()

	connCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, sse.url, nil)
	if err != nil {
		cancel()
		sse.setState(RealtimeDisconnected)
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if sse.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+sse.config.Token)
	}

	resp, err := sse.config.HTTPClient.Do(req)
	if err != nil {
		cancel()
		sse.setState(RealtimeDisconnected)
		return fmt.Errorf("SSE connect: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		sse.setState(RealtimeDisconnected)
		return fmt.Errorf("SSE HTTP %d", resp.StatusCode)
	}

	sse.mu.Lock()
	sse.state = RealtimeConnected
	sse.lastDataTime = time.Now()
	sse.cancelFn = cancel
	sse.mu.Unlock()
	sse.recon.markConnected()
	sse.dispatcher.emitConnected()

	go sse.readLoop(connCtx, cancel, resp)
	go sse.heartbeatWatchdog(connCtx, cancel)

	return nil
}

// Disconnect closes the stream and stops reconnecting.
func (sse *RealtimeSSEClient) Disconnect() error {
	sse.mu.Lock()
	sse.intentionalClose = true
	if sse.cancelFn != nil {
		sse.cancelFn()
		sse.cancelFn = nil
	}
	sse.state = RealtimeDisconnected
	sse.mu.Unlock()

	sse.dispatcher.emitDisconnected(1000, "client disconnect")
	return nil
}

func (sse *RealtimeSSEClient) setState(s RealtimeState) {
	sse.mu.Lock()
	sse.state = s
	sse.mu.Unlock()
}

func (sse *RealtimeSSEClient) readLoop(ctx context.Context, cancel context.CancelFunc, resp *http.Response) {
	defer resp.Body.Close()
	defer cancel()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)

	var (
		eventName string
		data      bytes.Buffer
	)
	for scanner.Scan() {
		line := scanner.Text()

		sse.mu.Lock()
		sse.lastDataTime = time.Now()
		sse.mu.Unlock()

		switch {
		case line == "":
			if data.Len() > 0 {
				sse.dispatchFrame(eventName, data.Bytes())
			}
			eventName = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
			// heartbeat comment
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}

	sse.mu.Lock()
	intentional := sse.intentionalClose
	if !intentional {
		sse.state = RealtimeDisconnected
	}
	sse.mu.Unlock()
	if intentional || sse.parent.Err() != nil {
		return
	}

	sse.dispatcher.emitDisconnected(0, "stream ended")
	if sse.config.AutoReconnect {
		sse.reconnect()
	}
}

// dispatchFrame hands one SSE frame to the dispatcher. A frame whose data
// lacks a type takes it from the event: field.
func (sse *RealtimeSSEClient) dispatchFrame(eventName string, data []byte) {
	if eventName != "" && !gjson.GetBytes(data, "type").Exists() {
		if patched, err := sjson.SetBytes(data, "type", eventName); err == nil {
			data = patched
		}
	}
	sse.dispatcher.dispatch(data)
}

func (sse *RealtimeSSEClient) heartbeatWatchdog(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(sse.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sse.mu.Lock()
			stale := time.Since(sse.lastDataTime) > 2*sse.config.HeartbeatInterval
			sse.mu.Unlock()
			if stale {
				sse.config.Logger.Warn().Msg("event stream stalled")
				cancel()
				return
			}
		}
	}
}

func (sse *RealtimeSSEClient) reconnect() {
	sse.mu.Lock()
	parent := sse.parent
	sse.mu.Unlock()

	for sse.recon.shouldReconnect() {
		delay := sse.recon.nextDelay()
		sse.setState(RealtimeReconnecting)
		transportReconnects.WithLabelValues("sse").Inc()
		sse.dispatcher.emitReconnecting(sse.recon.attempt, delay)

		if !sleep(parent, delay) {
			break
		}
		sse.mu.Lock()
		intentional := sse.intentionalClose
		if !intentional {
			sse.state = RealtimeDisconnected
		}
		sse.mu.Unlock()
		if intentional {
			return
		}
		if err := sse.Connect(parent); err == nil {
			return
		}
	}
	sse.setState(RealtimeDisconnected)
}
