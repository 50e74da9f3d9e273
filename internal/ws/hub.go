package ws

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/teamchat/internal/chatid"
	"github.com/teamchat/internal/logger"
	"github.com/teamchat/internal/metrics"
	"github.com/teamchat/internal/model"
	"github.com/teamchat/internal/storage"
)

// PushNotifier отправляет пуш-уведомления. Если nil, пуши не отправляются.
type PushNotifier interface {
	Notify(ctx context.Context, userID, title, body string, data map[string]string)
}

// Directory answers access and display-name questions for the hub.
type Directory interface {
	CanAccess(ctx context.Context, participantID, conversationID string) (bool, error)
	DisplayName(ctx context.Context, id string) string
}

// Config holds connection limits and timeouts. Zero values fall back to defaults.
type Config struct {
	MaxConns       int
	StoreTimeout   time.Duration
	SendBufferSize int
	WriteTimeout   time.Duration
	PongTimeout    time.Duration
	MaxMessageSize int64
}

func (c Config) withDefaults() Config {
	if c.MaxConns <= 0 {
		c.MaxConns = 10000
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = 256
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 60 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 8192
	}
	return c
}

// messageNamespace scopes the name-based ids of messages that carry a client timestamp.
var messageNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("teamchat:message"))

// messageID names a message by what the sender asked for, so a resent create
// (same conversation, sender, timestamp and text) lands on the stored row and
// the store's idempotent Append turns it into a no-op. Messages without a
// client timestamp get a random id.
func messageID(conv, sender string, ts int64, text string) string {
	if ts <= 0 {
		return "msg-" + uuid.NewString()
	}
	name := strings.Join([]string{conv, sender, strconv.FormatInt(ts, 10), text}, "\x00")
	return "msg-" + uuid.NewSHA1(messageNamespace, []byte(name)).String()
}

// Hub relays message create/delete events to the connections joined to a
// conversation. Every event is persisted before it is broadcast, and both steps
// run under the conversation's lock, so group members observe events in the
// order their durable writes completed.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // participant id -> connections
	groups  map[string]map[*Client]struct{} // conversation id -> joined connections
	total   int

	cfg        Config
	store      storage.MessageStore
	dir        Directory
	pushClient PushNotifier
	convLocks  *keyedMutex

	now func() time.Time

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(store storage.MessageStore, dir Directory, cfg Config, pushClient PushNotifier) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		groups:     make(map[string]map[*Client]struct{}),
		cfg:        cfg.withDefaults(),
		store:      store,
		dir:        dir,
		pushClient: pushClient,
		convLocks:  newKeyedMutex(),
		now:        time.Now,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	allClients := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			allClients = append(allClients, c)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.groups = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()
	metrics.Connections.Set(0)
	metrics.Groups.Set(0)

	for _, c := range allClients {
		c.Close()
	}
	for _, c := range allClients {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.cfg.MaxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting participant=%s", h.cfg.MaxConns, c.participantID)
		c.Close()
		return
	}
	if _, ok := h.clients[c.participantID]; !ok {
		h.clients[c.participantID] = make(map[*Client]struct{})
	}
	h.clients[c.participantID][c] = struct{}{}
	c.registered = true
	h.total++
	total := h.total
	h.mu.Unlock()
	metrics.Connections.Set(float64(total))
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	// memberships are dropped even for a connection rejected by the limit
	for conv := range c.groups {
		h.leaveLocked(conv, c)
	}
	if c.registered {
		c.registered = false
		if clients, ok := h.clients[c.participantID]; ok {
			delete(clients, c)
			if len(clients) == 0 {
				delete(h.clients, c.participantID)
			}
		}
		h.total--
	}
	total, groups := h.total, len(h.groups)
	h.mu.Unlock()
	metrics.Connections.Set(float64(total))
	metrics.Groups.Set(float64(groups))

	// Network I/O outside the lock.
	c.Close()
}

func (h *Hub) joinLocked(conv string, c *Client) {
	g, ok := h.groups[conv]
	if !ok {
		g = make(map[*Client]struct{})
		h.groups[conv] = g
	}
	g[c] = struct{}{}
	c.groups[conv] = struct{}{}
}

func (h *Hub) leaveLocked(conv string, c *Client) {
	delete(c.groups, conv)
	g, ok := h.groups[conv]
	if !ok {
		return
	}
	delete(g, c)
	if len(g) == 0 {
		delete(h.groups, conv)
	}
}

// Join adds c to the conversation's broadcast group. Joining twice is a no-op.
func (h *Hub) Join(conv string, c *Client) {
	h.mu.Lock()
	h.joinLocked(conv, c)
	groups := len(h.groups)
	h.mu.Unlock()
	metrics.Groups.Set(float64(groups))
}

// Leave removes c from the group; leaving an unjoined group is a no-op.
func (h *Hub) Leave(conv string, c *Client) {
	h.mu.Lock()
	h.leaveLocked(conv, c)
	groups := len(h.groups)
	h.mu.Unlock()
	metrics.Groups.Set(float64(groups))
}

// HandleMessage dispatches incoming WebSocket messages.
func (h *Hub) HandleMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	switch msg.Type {
	case EventJoin:
		h.handleJoin(ctx, c, msg)
	case EventLeave:
		h.handleLeave(c, msg)
	case EventCreate:
		h.handleCreate(ctx, c, msg)
	case EventSendDirect:
		h.handleSendDirect(ctx, c, msg)
	case EventDelete:
		h.handleDelete(ctx, c, msg)
	default:
		metrics.HubEvents.WithLabelValues("unknown", "rejected").Inc()
		h.sendError(c, ErrorPayload{Code: CodeUnknownEvent, Message: "unknown event type"})
	}
}

// authorize reports whether c may use conv and answers the client itself when not.
func (h *Hub) authorize(ctx context.Context, c *Client, conv string, ev EventType, errPayload ErrorPayload) bool {
	ok, err := h.dir.CanAccess(ctx, c.participantID, conv)
	if err != nil {
		logger.Errorf("ws access check conv=%s participant=%s: %v", conv, c.participantID, err)
		metrics.HubEvents.WithLabelValues(string(ev), "unavailable").Inc()
		errPayload.Code, errPayload.Message = CodeStoreUnavailable, "directory unavailable"
		h.sendError(c, errPayload)
		return false
	}
	if !ok {
		metrics.HubEvents.WithLabelValues(string(ev), "forbidden").Inc()
		errPayload.Code, errPayload.Message = CodeForbidden, "not a member of this conversation"
		h.sendError(c, errPayload)
		return false
	}
	return true
}

func (h *Hub) handleJoin(ctx context.Context, c *Client, msg IncomingMessage) {
	if msg.ConversationID == "" {
		h.sendError(c, ErrorPayload{Code: CodeBadRequest, Message: "conversationId required"})
		return
	}
	if !h.authorize(ctx, c, msg.ConversationID, EventJoin, ErrorPayload{ConversationID: msg.ConversationID}) {
		return
	}
	h.Join(msg.ConversationID, c)
	metrics.HubEvents.WithLabelValues(string(EventJoin), "ok").Inc()
	h.sendToClient(c, OutgoingMessage{Type: EventJoined, Payload: JoinedPayload{ConversationID: msg.ConversationID}})
}

func (h *Hub) handleLeave(c *Client, msg IncomingMessage) {
	if msg.ConversationID == "" {
		return
	}
	h.Leave(msg.ConversationID, c)
	metrics.HubEvents.WithLabelValues(string(EventLeave), "ok").Inc()
}

// handleCreate is the canonical send: {conversationId, text, senderId, senderName, timestamp}.
func (h *Hub) handleCreate(ctx context.Context, c *Client, msg IncomingMessage) {
	defer logger.DeferLogDuration("ws.handleCreate", time.Now())()
	ref := ErrorPayload{Ref: msg.Ref, ConversationID: msg.ConversationID}
	if msg.ConversationID == "" || strings.TrimSpace(msg.Text) == "" {
		metrics.HubEvents.WithLabelValues(string(EventCreate), "rejected").Inc()
		ref.Code, ref.Message = CodeBadRequest, "conversationId and text required"
		h.sendError(c, ref)
		return
	}
	if msg.SenderID != "" && msg.SenderID != c.participantID {
		metrics.HubEvents.WithLabelValues(string(EventCreate), "forbidden").Inc()
		ref.Code, ref.Message = CodeForbidden, "senderId does not match the connection"
		h.sendError(c, ref)
		return
	}
	if !h.authorize(ctx, c, msg.ConversationID, EventCreate, ref) {
		return
	}
	h.publishCreate(ctx, c, msg, msg.ConversationID)
}

// handleSendDirect adapts the legacy {senderId, receiverId, text} form to a
// canonical create on the direct conversation and joins the sender to it.
func (h *Hub) handleSendDirect(ctx context.Context, c *Client, msg IncomingMessage) {
	defer logger.DeferLogDuration("ws.handleSendDirect", time.Now())()
	ref := ErrorPayload{Ref: msg.Ref}
	if !chatid.ValidID(msg.ReceiverID) || strings.TrimSpace(msg.Text) == "" {
		metrics.HubEvents.WithLabelValues(string(EventSendDirect), "rejected").Inc()
		ref.Code, ref.Message = CodeBadRequest, "receiverId and text required"
		h.sendError(c, ref)
		return
	}
	if msg.SenderID != "" && msg.SenderID != c.participantID {
		metrics.HubEvents.WithLabelValues(string(EventSendDirect), "forbidden").Inc()
		ref.Code, ref.Message = CodeForbidden, "senderId does not match the connection"
		h.sendError(c, ref)
		return
	}
	conv := chatid.Direct(c.participantID, msg.ReceiverID)
	h.Join(conv, c)
	canonical := msg
	canonical.Type = EventCreate
	canonical.ConversationID = conv
	canonical.ReceiverID = ""
	h.publishCreate(ctx, c, canonical, conv)
}

// publishCreate persists then broadcasts. A failed write is reported to c only.
func (h *Hub) publishCreate(ctx context.Context, c *Client, msg IncomingMessage, conv string) {
	id := messageID(conv, c.participantID, msg.Timestamp, msg.Text)
	ts := msg.Timestamp
	if ts <= 0 {
		ts = h.now().UnixMilli()
	}
	m := &model.Message{
		ID:             id,
		ConversationID: conv,
		SenderID:       c.participantID,
		SenderName:     msg.SenderName,
		Text:           msg.Text,
		Timestamp:      ts,
	}
	kind, _, _ := chatid.Parse(conv)
	if kind == model.KindChannel && m.SenderName == "" {
		m.SenderName = h.dir.DisplayName(ctx, c.participantID)
	}

	unlock := h.convLocks.Lock(conv)
	defer unlock()

	if err := h.persist(ctx, "append", func(ctx context.Context) error { return h.store.Append(ctx, m) }); err != nil {
		logger.Errorf("ws save message conv=%s participant=%s: %v", conv, c.participantID, err)
		metrics.HubEvents.WithLabelValues(string(EventCreate), "store_error").Inc()
		h.sendError(c, storeError(err, ErrorPayload{Ref: msg.Ref, ConversationID: conv}, "failed to save message"))
		return
	}

	out := OutgoingMessage{Type: EventCreated, Payload: CreatedPayload{Message: *m, Ref: msg.Ref}}
	h.broadcast(conv, c, out)
	metrics.HubEvents.WithLabelValues(string(EventCreate), "ok").Inc()

	if kind == model.KindDirect {
		h.notifyPeer(c, m)
	}
}

func (h *Hub) handleDelete(ctx context.Context, c *Client, msg IncomingMessage) {
	defer logger.DeferLogDuration("ws.handleDelete", time.Now())()
	ref := ErrorPayload{ConversationID: msg.ConversationID, MessageID: msg.MessageID}
	if msg.ConversationID == "" || msg.MessageID == "" {
		metrics.HubEvents.WithLabelValues(string(EventDelete), "rejected").Inc()
		ref.Code, ref.Message = CodeBadRequest, "conversationId and messageId required"
		h.sendError(c, ref)
		return
	}
	if !h.authorize(ctx, c, msg.ConversationID, EventDelete, ref) {
		return
	}

	unlock := h.convLocks.Lock(msg.ConversationID)
	defer unlock()

	var existing *model.Message
	err := h.persist(ctx, "get", func(ctx context.Context) error {
		var err error
		existing, err = h.store.Get(ctx, msg.ConversationID, msg.MessageID)
		return err
	})
	if err != nil {
		metrics.HubEvents.WithLabelValues(string(EventDelete), "store_error").Inc()
		h.sendError(c, storeError(err, ref, "failed to load message"))
		return
	}
	if existing.SenderID != c.participantID {
		metrics.HubEvents.WithLabelValues(string(EventDelete), "forbidden").Inc()
		ref.Code, ref.Message = CodeNotOwner, "can only delete own messages"
		h.sendError(c, ref)
		return
	}
	err = h.persist(ctx, "mark_deleted", func(ctx context.Context) error {
		return h.store.MarkDeleted(ctx, msg.ConversationID, msg.MessageID)
	})
	if err != nil {
		logger.Errorf("ws delete message conv=%s id=%s: %v", msg.ConversationID, msg.MessageID, err)
		metrics.HubEvents.WithLabelValues(string(EventDelete), "store_error").Inc()
		h.sendError(c, storeError(err, ref, "failed to delete message"))
		return
	}

	out := OutgoingMessage{Type: EventDeleted, Payload: DeletedPayload{ConversationID: msg.ConversationID, MessageID: msg.MessageID}}
	h.broadcast(msg.ConversationID, c, out)
	metrics.HubEvents.WithLabelValues(string(EventDelete), "ok").Inc()
}

// persist runs one store call with the configured timeout and records its metrics.
func (h *Hub) persist(ctx context.Context, op string, fn func(ctx context.Context) error) (err error) {
	defer metrics.ObserveStore(op, time.Now(), &err)
	return storage.WithTimeout(ctx, h.cfg.StoreTimeout, "hub."+op, fn)
}

func storeError(err error, p ErrorPayload, msg string) ErrorPayload {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		p.Code, p.Message = CodeNotFound, "message not found"
	case storage.IsRetryable(err):
		p.Code, p.Message = CodeStoreUnavailable, msg
	default:
		p.Code, p.Message = CodeStoreFailed, msg
	}
	return p
}

// targets returns every connection that must see an event of conv, each once:
// the joined group, the originating connection, and for direct conversations
// every connection of both participants (legacy per-recipient addressing).
func (h *Hub) targets(conv string, origin *Client) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set := make(map[*Client]struct{}, len(h.groups[conv])+2)
	for c := range h.groups[conv] {
		set[c] = struct{}{}
	}
	if origin != nil {
		set[origin] = struct{}{}
	}
	if kind, a, b := chatid.Parse(conv); kind == model.KindDirect {
		for _, p := range []string{a, b} {
			for c := range h.clients[p] {
				set[c] = struct{}{}
			}
		}
	}
	out := make([]*Client, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

func (h *Hub) broadcast(conv string, origin *Client, msg OutgoingMessage) {
	for _, c := range h.targets(conv, origin) {
		h.sendToClient(c, msg)
	}
}

func (h *Hub) notifyPeer(c *Client, m *model.Message) {
	if h.pushClient == nil {
		return
	}
	peer, ok := chatid.Peer(m.ConversationID, c.participantID)
	if !ok || peer == c.participantID {
		return
	}
	title := m.SenderName
	if title == "" {
		title = h.dir.DisplayName(context.Background(), c.participantID)
	}
	body := m.Text
	if utf8.RuneCountInString(body) > 120 {
		body = string([]rune(body)[:117]) + "..."
	}
	data := map[string]string{"conversation_id": m.ConversationID, "message_id": m.ID}
	go h.pushClient.Notify(context.Background(), peer, title, body, data)
}

func (h *Hub) sendError(c *Client, p ErrorPayload) {
	h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: p})
}

func (h *Hub) sendToClient(c *Client, msg OutgoingMessage) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client.
		logger.Errorf("ws send buffer full, closing slow client participant=%s", c.participantID)
		metrics.Evictions.Inc()
		c.Close()
	}
}

// ConnectionCount returns the number of registered connections of participant.
func (h *Hub) ConnectionCount(participantID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[participantID])
}

// GroupSize returns the number of connections joined to conv.
func (h *Hub) GroupSize(conv string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[conv])
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
