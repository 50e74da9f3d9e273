package client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/teamchat/internal/chatid"
	"github.com/teamchat/internal/logger"
	"github.com/teamchat/internal/model"
	"github.com/teamchat/internal/ws"
)

// Transport sends requests to the hub. *Conn implements it.
type Transport interface {
	Send(ctx context.Context, msg ws.IncomingMessage) error
}

// History loads the stored messages of a conversation. *HistoryClient implements it.
type History interface {
	History(ctx context.Context, conversationID string) ([]model.Message, error)
}

type State int

const (
	StateIdle State = iota
	StateLoading
	StateActive
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateActive:
		return "active"
	}
	return "idle"
}

// Status is the delivery state of a cached message.
type Status int

const (
	StatusConfirmed Status = iota
	StatusPending
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusFailed:
		return "failed"
	}
	return "confirmed"
}

// Entry is one message as the session holds it.
type Entry struct {
	model.Message
	Status Status
	// Err is the delivery error of a failed entry.
	Err error
}

// TempPrefix marks ids generated locally before the hub confirms a message.
const TempPrefix = "temp-"

type dedupKey struct {
	sender string
	ts     int64
}

type orphanKey struct {
	conv string
	id   string
}

// pendingAck waits for the hub's answer to one published message.
type pendingAck struct {
	seq   uint64
	timer *time.Timer
}

// conversation is the local cache of one conversation. entries stay sorted by
// timestamp; byID and byKey never hold two entries for the same key.
type conversation struct {
	entries []*Entry
	byID    map[string]*Entry
	byKey   map[dedupKey]*Entry
}

func newConversation() *conversation {
	return &conversation{byID: make(map[string]*Entry), byKey: make(map[dedupKey]*Entry)}
}

func (cv *conversation) find(id string, key dedupKey) *Entry {
	if e, ok := cv.byID[id]; ok {
		return e
	}
	return cv.byKey[key]
}

func (cv *conversation) insert(e *Entry) {
	i := sort.Search(len(cv.entries), func(i int) bool {
		return cv.entries[i].Timestamp > e.Timestamp
	})
	cv.entries = append(cv.entries, nil)
	copy(cv.entries[i+1:], cv.entries[i:])
	cv.entries[i] = e
	cv.byID[e.ID] = e
	cv.byKey[dedupKey{e.SenderID, e.Timestamp}] = e
}

func (cv *conversation) rename(e *Entry, id string) {
	delete(cv.byID, e.ID)
	e.ID = id
	cv.byID[id] = e
}

// SessionConfig tunes a Session. Zero values get defaults.
type SessionConfig struct {
	// SelfName is sent as senderName on channel messages.
	SelfName string
	// RequestTimeout bounds each history fetch and hub write, and how long a
	// published message may wait for the hub's created or error event.
	RequestTimeout time.Duration
	// OrphanLimit caps deletes buffered for messages not seen yet.
	OrphanLimit int
	// OnUpdate is called, outside the session lock, after a conversation's cache changes.
	OnUpdate func(conversationID string)
	Now      func() time.Time
}

// Session tracks the active conversation of one participant and reconciles
// optimistic local sends with the events the hub sends back.
//
// A message is the same message when the id matches, or, failing that, when
// (senderId, timestamp) matches: the hub assigns its own id to a message the
// session already shows under a temp- id.
type Session struct {
	self      string
	transport Transport
	history   History
	cfg       SessionConfig

	mu       sync.Mutex
	state    State
	active   string
	gen      uint64
	convs    map[string]*conversation
	lastTS   int64
	orphans  map[orphanKey]struct{}
	orphanQ  []orphanKey
	lastErr  error
	notified []string
	acks     map[string]pendingAck // by temp- ref
	ackSeq   uint64
}

var _ EventHandler = (*Session)(nil)

// NewSession creates an idle session for participant self. The transport is
// owned by the caller, which connects it with the session as its EventHandler.
func NewSession(self string, t Transport, h History, cfg SessionConfig) *Session {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.OrphanLimit <= 0 {
		cfg.OrphanLimit = 256
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Session{
		self:      self,
		transport: t,
		history:   h,
		cfg:       cfg,
		convs:     make(map[string]*conversation),
		orphans:   make(map[orphanKey]struct{}),
		acks:      make(map[string]pendingAck),
	}
}

func (s *Session) Self() string { return s.self }

// State returns the current state and the active conversation id.
func (s *Session) State() (State, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.active
}

// LastError returns the most recent error that was not tied to a message: a hub
// error without a ref, a failed join or a lost connection.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// SelectDirect selects the direct conversation with peer.
func (s *Session) SelectDirect(ctx context.Context, peer string) error {
	if !chatid.ValidID(peer) || peer == s.self {
		return fmt.Errorf("session.SelectDirect: invalid peer %q", peer)
	}
	return s.SelectConversation(ctx, chatid.Direct(s.self, peer))
}

// SelectConversation leaves the previous conversation, joins id and loads its
// history. On a history failure the session stays loading and the call may be
// repeated. A failed join does not stop the history load: the conversation
// becomes active without live events and the join error is returned, so the
// caller can select it again once the connection is back. If another
// conversation is selected before the history arrives, the response is dropped
// and ErrSuperseded returned.
func (s *Session) SelectConversation(ctx context.Context, id string) error {
	defer logger.DeferLogDuration("session.SelectConversation", time.Now())()
	if id == "" {
		return fmt.Errorf("session.SelectConversation: empty conversation id")
	}
	s.mu.Lock()
	prev := s.active
	s.active = id
	s.state = StateLoading
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	if prev != "" && prev != id {
		if err := s.send(ctx, ws.IncomingMessage{Type: ws.EventLeave, ConversationID: prev}); err != nil {
			logger.Errorf("session: leave %s: %v", prev, err)
		}
	}
	joinErr := s.send(ctx, ws.IncomingMessage{Type: ws.EventJoin, ConversationID: id})
	if joinErr != nil {
		joinErr = fmt.Errorf("session.SelectConversation join %s: %w", id, joinErr)
		logger.Errorf("session: %v", joinErr)
		s.mu.Lock()
		s.lastErr = joinErr
		s.mu.Unlock()
	}

	hctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	msgs, err := s.history.History(hctx, id)
	cancel()
	if err != nil {
		if errors.Is(hctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrUnavailable) {
			err = fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return fmt.Errorf("session.SelectConversation history %s: %w", id, err)
	}

	s.mu.Lock()
	if s.gen != gen || s.active != id {
		s.mu.Unlock()
		logger.Debugf("session: dropping stale history for %s", id)
		return ErrSuperseded
	}
	s.seed(id, msgs)
	s.state = StateActive
	s.mu.Unlock()
	s.flush()
	return joinErr
}

// seed merges the loaded history into the cache. Entries the history does not
// know yet (live events that raced the fetch, unsent local messages) are kept.
func (s *Session) seed(id string, msgs []model.Message) {
	old := s.convs[id]
	cv := newConversation()
	for _, m := range msgs {
		if m.ID == "" || m.SenderID == "" {
			logger.Errorf("session: history %s: dropping malformed message %q", id, m.ID)
			continue
		}
		key := dedupKey{m.SenderID, m.Timestamp}
		if cv.find(m.ID, key) != nil {
			continue
		}
		e := &Entry{Message: m}
		if old != nil {
			if prev := old.find(m.ID, key); prev != nil && prev.Deleted {
				e.Deleted = true
			}
		}
		cv.insert(e)
		if m.SenderID == s.self && m.Timestamp > s.lastTS {
			s.lastTS = m.Timestamp
		}
	}
	if old != nil {
		for _, e := range old.entries {
			if cv.find(e.ID, dedupKey{e.SenderID, e.Timestamp}) == nil {
				cv.insert(e)
			}
		}
	}
	for _, e := range cv.entries {
		s.applyOrphan(id, e)
	}
	s.convs[id] = cv
	s.markNotify(id)
}

// Send appends an optimistic copy of text to the active conversation and asks
// the hub to publish it. Blank text is ignored. The returned id is the local
// temp- id; on failure the entry stays in the cache marked failed.
func (s *Session) Send(ctx context.Context, text string) (string, error) {
	s.mu.Lock()
	if err := s.requireActiveLocked(); err != nil {
		s.mu.Unlock()
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		s.mu.Unlock()
		return "", nil
	}
	ts := s.cfg.Now().UnixMilli()
	if ts <= s.lastTS {
		ts = s.lastTS + 1
	}
	s.lastTS = ts
	conv := s.active
	e := &Entry{
		Message: model.Message{
			ID:             TempPrefix + strconv.FormatInt(ts, 10),
			ConversationID: conv,
			SenderID:       s.self,
			Text:           text,
			Timestamp:      ts,
		},
		Status: StatusPending,
	}
	if kind, _, _ := chatid.Parse(conv); kind == model.KindChannel {
		e.SenderName = s.cfg.SelfName
	}
	s.cache(conv).insert(e)
	s.markNotify(conv)
	req := createRequest(e)
	s.mu.Unlock()
	s.flush()

	return req.Ref, s.publish(ctx, conv, req)
}

// Retry republishes a failed message under its original temp- id and timestamp.
// A message the hub never answered becomes failed after RequestTimeout.
func (s *Session) Retry(ctx context.Context, id string) error {
	s.mu.Lock()
	if err := s.requireActiveLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	conv := s.active
	e, ok := s.cache(conv).byID[id]
	if !ok || e.Status != StatusFailed {
		s.mu.Unlock()
		return fmt.Errorf("session.Retry %s: %w", id, ErrUnknownMessage)
	}
	e.Status, e.Err = StatusPending, nil
	s.markNotify(conv)
	req := createRequest(e)
	s.mu.Unlock()
	s.flush()

	return s.publish(ctx, conv, req)
}

func createRequest(e *Entry) ws.IncomingMessage {
	return ws.IncomingMessage{
		Type:           ws.EventCreate,
		ConversationID: e.ConversationID,
		Ref:            e.ID,
		Text:           e.Text,
		SenderID:       e.SenderID,
		SenderName:     e.SenderName,
		Timestamp:      e.Timestamp,
	}
}

func (s *Session) publish(ctx context.Context, conv string, req ws.IncomingMessage) error {
	err := s.send(ctx, req)
	if err == nil {
		s.awaitAck(conv, req.Ref)
		return nil
	}
	s.mu.Lock()
	if e, ok := s.cache(conv).byID[req.Ref]; ok && e.Status == StatusPending {
		e.Status, e.Err = StatusFailed, err
		s.markNotify(conv)
	}
	s.mu.Unlock()
	s.flush()
	return fmt.Errorf("session.Send: %w", err)
}

// awaitAck fails the entry ref with ErrUnavailable unless the hub answers within
// RequestTimeout. An entry already answered is left alone.
func (s *Session) awaitAck(conv, ref string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.cache(conv).byID[ref]; !ok || e.Status != StatusPending {
		return
	}
	s.stopAckLocked(ref)
	s.ackSeq++
	seq := s.ackSeq
	s.acks[ref] = pendingAck{
		seq:   seq,
		timer: time.AfterFunc(s.cfg.RequestTimeout, func() { s.expireAck(conv, ref, seq) }),
	}
}

func (s *Session) expireAck(conv, ref string, seq uint64) {
	s.mu.Lock()
	a, ok := s.acks[ref]
	if !ok || a.seq != seq {
		s.mu.Unlock()
		return
	}
	delete(s.acks, ref)
	e, ok := s.cache(conv).byID[ref]
	if !ok || e.Status != StatusPending {
		s.mu.Unlock()
		return
	}
	e.Status = StatusFailed
	e.Err = fmt.Errorf("%w: no answer from hub within %s", ErrUnavailable, s.cfg.RequestTimeout)
	s.markNotify(conv)
	s.mu.Unlock()
	logger.Errorf("session: %s in %s not acknowledged within %s", ref, conv, s.cfg.RequestTimeout)
	s.flush()
}

func (s *Session) stopAckLocked(ref string) {
	if a, ok := s.acks[ref]; ok {
		a.timer.Stop()
		delete(s.acks, ref)
	}
}

// RequestDelete asks the hub to delete one of our confirmed messages. The local
// copy changes only when the deleted event comes back.
func (s *Session) RequestDelete(ctx context.Context, messageID string) error {
	s.mu.Lock()
	if err := s.requireActiveLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	conv := s.active
	e, ok := s.cache(conv).byID[messageID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("session.RequestDelete %s: %w", messageID, ErrUnknownMessage)
	}
	if e.SenderID != s.self {
		s.mu.Unlock()
		return fmt.Errorf("session.RequestDelete %s: %w", messageID, ErrNotOwner)
	}
	if e.Status != StatusConfirmed {
		s.mu.Unlock()
		return fmt.Errorf("session.RequestDelete %s: %w", messageID, ErrNotConfirmed)
	}
	s.mu.Unlock()

	if err := s.send(ctx, ws.IncomingMessage{Type: ws.EventDelete, ConversationID: conv, MessageID: messageID}); err != nil {
		return fmt.Errorf("session.RequestDelete: %w", err)
	}
	return nil
}

// OnRemoteCreate applies a created event. An event matching a cached entry by id,
// by ref, or by (senderId, timestamp) updates that entry instead of adding one.
func (s *Session) OnRemoteCreate(msg model.Message, ref string) {
	if msg.ID == "" || msg.ConversationID == "" || msg.SenderID == "" || strings.TrimSpace(msg.Text) == "" {
		logger.Errorf("session: dropping malformed created event id=%q conv=%q", msg.ID, msg.ConversationID)
		return
	}
	conv := msg.ConversationID
	s.mu.Lock()
	if ref != "" && msg.SenderID == s.self {
		s.stopAckLocked(ref)
	}
	cv := s.cache(conv)
	key := dedupKey{msg.SenderID, msg.Timestamp}
	e := cv.find(msg.ID, key)
	if e == nil && ref != "" && msg.SenderID == s.self {
		e = cv.byID[ref]
	}
	switch {
	case e == nil:
		e = &Entry{Message: msg}
		cv.insert(e)
	case e.Status != StatusConfirmed:
		// our optimistic copy: take the server id, keep our timestamp slot
		cv.rename(e, msg.ID)
		e.Status, e.Err = StatusConfirmed, nil
		if msg.SenderName != "" {
			e.SenderName = msg.SenderName
		}
		e.Deleted = e.Deleted || msg.Deleted
	default:
		e.Deleted = e.Deleted || msg.Deleted
	}
	s.applyOrphan(conv, e)
	s.markNotify(conv)
	s.mu.Unlock()
	s.flush()
}

// OnRemoteDelete flags the message deleted. A delete for a message not seen yet
// is buffered and applied when its create arrives.
func (s *Session) OnRemoteDelete(conversationID, messageID string) {
	s.mu.Lock()
	cv := s.cache(conversationID)
	if e, ok := cv.byID[messageID]; ok {
		e.Deleted = true
		s.markNotify(conversationID)
	} else {
		s.bufferOrphan(orphanKey{conversationID, messageID})
	}
	s.mu.Unlock()
	s.flush()
}

// OnRemoteError marks the referenced optimistic message failed. Errors without
// a ref are kept for LastError.
func (s *Session) OnRemoteError(err *RemoteError) {
	s.mu.Lock()
	var conv string
	if err.Ref != "" {
		s.stopAckLocked(err.Ref)
		for id, cv := range s.convs {
			if err.ConversationID != "" && id != err.ConversationID {
				continue
			}
			if e, ok := cv.byID[err.Ref]; ok && e.Status == StatusPending {
				e.Status, e.Err = StatusFailed, err
				conv = id
				s.markNotify(id)
				break
			}
		}
	}
	if conv == "" {
		s.lastErr = err
	}
	s.mu.Unlock()
	if conv != "" {
		s.flush()
	}
	logger.Errorf("session: hub error %s ref=%s conv=%s: %s", err.Code, err.Ref, err.ConversationID, err.Message)
}

// OnDisconnect fails every message still waiting for the hub: nothing will
// answer them on this connection. Retry resends them after reconnecting.
func (s *Session) OnDisconnect(err error) {
	lost := fmt.Errorf("%w: connection closed", ErrUnavailable)
	if err != nil {
		lost = fmt.Errorf("%w: connection closed: %w", ErrUnavailable, err)
	}
	s.mu.Lock()
	for ref := range s.acks {
		s.stopAckLocked(ref)
	}
	failed := 0
	for id, cv := range s.convs {
		for _, e := range cv.entries {
			if e.Status == StatusPending {
				e.Status, e.Err = StatusFailed, lost
				s.markNotify(id)
				failed++
			}
		}
	}
	s.lastErr = lost
	s.mu.Unlock()
	if failed > 0 {
		logger.Errorf("session: %d unacknowledged message(s) marked failed: %v", failed, lost)
	}
	s.flush()
}

// Messages returns a copy of the active conversation's cache.
func (s *Session) Messages() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messagesLocked(s.active)
}

// MessagesOf returns a copy of the cache of any conversation the session has seen.
func (s *Session) MessagesOf(conversationID string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messagesLocked(conversationID)
}

func (s *Session) messagesLocked(conv string) []Entry {
	cv, ok := s.convs[conv]
	if !ok {
		return []Entry{}
	}
	out := make([]Entry, len(cv.entries))
	for i, e := range cv.entries {
		out[i] = *e
	}
	return out
}

// Close leaves the active conversation and returns the session to idle. The
// transport stays open; its owner closes it.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	prev := s.active
	s.active = ""
	s.state = StateIdle
	s.gen++
	s.mu.Unlock()
	if prev == "" {
		return nil
	}
	return s.send(ctx, ws.IncomingMessage{Type: ws.EventLeave, ConversationID: prev})
}

func (s *Session) requireActiveLocked() error {
	switch s.state {
	case StateIdle:
		return ErrNoActiveConversation
	case StateLoading:
		return ErrConversationNotReady
	}
	return nil
}

func (s *Session) send(ctx context.Context, msg ws.IncomingMessage) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	return s.transport.Send(ctx, msg)
}

func (s *Session) cache(conv string) *conversation {
	cv, ok := s.convs[conv]
	if !ok {
		cv = newConversation()
		s.convs[conv] = cv
	}
	return cv
}

func (s *Session) bufferOrphan(k orphanKey) {
	if _, ok := s.orphans[k]; ok {
		return
	}
	if len(s.orphanQ) >= s.cfg.OrphanLimit {
		delete(s.orphans, s.orphanQ[0])
		s.orphanQ = s.orphanQ[1:]
	}
	s.orphans[k] = struct{}{}
	s.orphanQ = append(s.orphanQ, k)
}

func (s *Session) applyOrphan(conv string, e *Entry) {
	k := orphanKey{conv, e.ID}
	if _, ok := s.orphans[k]; !ok {
		return
	}
	e.Deleted = true
	delete(s.orphans, k)
	for i, q := range s.orphanQ {
		if q == k {
			s.orphanQ = append(s.orphanQ[:i], s.orphanQ[i+1:]...)
			break
		}
	}
}

func (s *Session) markNotify(conv string) {
	if s.cfg.OnUpdate == nil {
		return
	}
	for _, c := range s.notified {
		if c == conv {
			return
		}
	}
	s.notified = append(s.notified, conv)
}

// flush delivers pending OnUpdate calls. Must be called without s.mu held.
func (s *Session) flush() {
	if s.cfg.OnUpdate == nil {
		return
	}
	s.mu.Lock()
	pending := s.notified
	s.notified = nil
	s.mu.Unlock()
	for _, c := range pending {
		s.cfg.OnUpdate(c)
	}
}
