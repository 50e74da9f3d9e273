package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teamchat/internal/directory"
	"github.com/teamchat/internal/model"
	"github.com/teamchat/internal/storage"
	"github.com/teamchat/internal/storage/memory"
)

type harness struct {
	t     *testing.T
	hub   *Hub
	srv   *httptest.Server
	mu    sync.Mutex
	conns map[string]int
}

func newHarness(t *testing.T, store storage.MessageStore, cfg Config, pushClient PushNotifier) *harness {
	t.Helper()
	static, err := directory.NewStatic(directory.Roster{
		Employees: []model.Participant{
			{ID: "E100", DisplayName: "Ann"},
			{ID: "E200", DisplayName: "Bob"},
			{ID: "E300", DisplayName: "Eve"},
		},
		Channels: []model.Channel{{ID: "general", Name: "General"}, {ID: "random", Name: "Random"}},
	})
	require.NoError(t, err)
	if cfg.StoreTimeout == 0 {
		cfg.StoreTimeout = time.Second
	}
	hub := NewHub(store, directory.New(static, nil, 0), cfg, pushClient)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := NewClient(hub, conn, r.URL.Query().Get("participant_id"))
		hub.Register(c)
		cctx, ccancel := context.WithCancel(context.Background())
		c.Start(cctx, ccancel)
	}))
	t.Cleanup(func() {
		cancel()
		<-hub.done
		srv.Close()
	})
	return &harness{t: t, hub: hub, srv: srv, conns: make(map[string]int)}
}

type peer struct {
	t    *testing.T
	conn *websocket.Conn
}

type event struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (h *harness) dial(participantID string) *peer {
	h.t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/?participant_id=" + participantID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { conn.Close() })

	h.mu.Lock()
	h.conns[participantID]++
	want := h.conns[participantID]
	h.mu.Unlock()
	require.Eventually(h.t, func() bool { return h.hub.ConnectionCount(participantID) == want },
		2*time.Second, 5*time.Millisecond)
	return &peer{t: h.t, conn: conn}
}

func (p *peer) send(msg IncomingMessage) {
	p.t.Helper()
	require.NoError(p.t, p.conn.WriteJSON(msg))
}

func (p *peer) next() event {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev event
	require.NoError(p.t, p.conn.ReadJSON(&ev))
	return ev
}

func (p *peer) join(conv string) {
	p.t.Helper()
	p.send(IncomingMessage{Type: EventJoin, ConversationID: conv})
	ev := p.next()
	require.Equal(p.t, EventJoined, ev.Type, string(ev.Payload))
}

func (p *peer) created() CreatedPayload {
	p.t.Helper()
	ev := p.next()
	require.Equal(p.t, EventCreated, ev.Type, string(ev.Payload))
	var c CreatedPayload
	require.NoError(p.t, json.Unmarshal(ev.Payload, &c))
	return c
}

func (p *peer) errorEvent() ErrorPayload {
	p.t.Helper()
	ev := p.next()
	require.Equal(p.t, EventError, ev.Type, string(ev.Payload))
	var e ErrorPayload
	require.NoError(p.t, json.Unmarshal(ev.Payload, &e))
	return e
}

// silent asserts nothing arrives within d. It must be the last read on p:
// a timed-out gorilla connection cannot be read again.
func (p *peer) silent(d time.Duration) {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(d)))
	_, raw, err := p.conn.ReadMessage()
	var ne net.Error
	require.Error(p.t, err, "unexpected event: %s", raw)
	assert.True(p.t, errors.As(err, &ne) && ne.Timeout(), "expected read timeout, got %v", err)
}

func TestCreateBroadcastsToWholeGroupIncludingSender(t *testing.T) {
	store := memory.NewStore()
	h := newHarness(t, store, Config{}, nil)
	a1, a2, b, outsider := h.dial("E100"), h.dial("E100"), h.dial("E200"), h.dial("E300")
	a1.join("general")
	a2.join("general")
	b.join("general")

	a1.send(IncomingMessage{Type: EventCreate, ConversationID: "general", Text: "hi all", SenderID: "E100", Timestamp: 1000, Ref: "temp-1000"})

	got := a1.created()
	assert.True(t, strings.HasPrefix(got.ID, "msg-"))
	assert.Equal(t, "temp-1000", got.Ref)
	assert.Equal(t, "general", got.ConversationID)
	assert.Equal(t, "E100", got.SenderID)
	assert.Equal(t, "Ann", got.SenderName, "channel sender name resolved from the directory")
	assert.Equal(t, int64(1000), got.Timestamp, "client timestamp kept")
	assert.False(t, got.Deleted)
	assert.Equal(t, got.ID, a2.created().ID)
	assert.Equal(t, got.ID, b.created().ID)

	msgs, err := store.ListOrdered(context.Background(), "general")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, got.ID, msgs[0].ID)

	outsider.silent(200 * time.Millisecond)
}

type failingStore struct {
	*memory.Store
	err error
}

func (f *failingStore) Append(context.Context, *model.Message) error { return f.err }

func TestFailedAppendIsNotBroadcast(t *testing.T) {
	store := &failingStore{Store: memory.NewStore(), err: storage.Unavailable("append", errors.New("connection refused"))}
	h := newHarness(t, store, Config{}, nil)
	a, b := h.dial("E100"), h.dial("E200")
	a.join("general")
	b.join("general")

	a.send(IncomingMessage{Type: EventCreate, ConversationID: "general", Text: "lost", Timestamp: 1000, Ref: "temp-1000"})
	e := a.errorEvent()
	assert.Equal(t, CodeStoreUnavailable, e.Code)
	assert.Equal(t, "temp-1000", e.Ref)
	assert.Equal(t, "general", e.ConversationID)

	b.silent(200 * time.Millisecond)
}

func TestNonRetryableStoreFailure(t *testing.T) {
	store := &failingStore{Store: memory.NewStore(), err: errors.New("constraint violated")}
	h := newHarness(t, store, Config{}, nil)
	a := h.dial("E100")
	a.join("general")
	a.send(IncomingMessage{Type: EventCreate, ConversationID: "general", Text: "x", Ref: "temp-1"})
	assert.Equal(t, CodeStoreFailed, a.errorEvent().Code)
}

type slowStore struct {
	*memory.Store
}

func (s *slowStore) Append(ctx context.Context, _ *model.Message) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestStoreTimeoutIsUnavailable(t *testing.T) {
	h := newHarness(t, &slowStore{Store: memory.NewStore()}, Config{StoreTimeout: 50 * time.Millisecond}, nil)
	a := h.dial("E100")
	a.join("general")
	a.send(IncomingMessage{Type: EventCreate, ConversationID: "general", Text: "stuck", Ref: "temp-1"})
	assert.Equal(t, CodeStoreUnavailable, a.errorEvent().Code)
}

// stallOnceStore writes the first Append and then outlives the hub's timeout,
// as a store whose acknowledgement is lost would.
type stallOnceStore struct {
	*memory.Store
	calls atomic.Int32
}

func (s *stallOnceStore) Append(ctx context.Context, m *model.Message) error {
	if err := s.Store.Append(ctx, m); err != nil {
		return err
	}
	if s.calls.Add(1) == 1 {
		<-ctx.Done()
		return storage.Unavailable("append", ctx.Err())
	}
	return nil
}

func TestResentCreateIsStoredOnce(t *testing.T) {
	store := &stallOnceStore{Store: memory.NewStore()}
	h := newHarness(t, store, Config{StoreTimeout: 50 * time.Millisecond}, nil)
	a := h.dial("E100")
	a.join("general")

	req := IncomingMessage{Type: EventCreate, ConversationID: "general", Text: "hello", SenderID: "E100", Timestamp: 1000, Ref: "temp-1000"}
	a.send(req)
	e := a.errorEvent()
	require.Equal(t, CodeStoreUnavailable, e.Code)
	assert.Equal(t, "temp-1000", e.Ref)

	a.send(req)
	got := a.created()
	assert.Equal(t, "temp-1000", got.Ref)

	msgs, err := store.ListOrdered(context.Background(), "general")
	require.NoError(t, err)
	require.Len(t, msgs, 1, "one logical message, one row")
	assert.Equal(t, got.ID, msgs[0].ID)
}

func TestMessageIDs(t *testing.T) {
	id := messageID("general", "E100", 1000, "hello")
	assert.True(t, strings.HasPrefix(id, "msg-"))
	assert.Equal(t, id, messageID("general", "E100", 1000, "hello"))
	assert.NotEqual(t, id, messageID("general", "E100", 1000, "hello again"))
	assert.NotEqual(t, id, messageID("general", "E200", 1000, "hello"))
	assert.NotEqual(t, id, messageID("random", "E100", 1000, "hello"))
	assert.NotEqual(t, id, messageID("general", "E100", 1001, "hello"))
	assert.NotEqual(t, messageID("general", "E100", 0, "hello"), messageID("general", "E100", 0, "hello"))
}

func TestLegacyDirectSendDeliversOncePerConnection(t *testing.T) {
	store := memory.NewStore()
	h := newHarness(t, store, Config{}, nil)
	a, b, outsider := h.dial("E100"), h.dial("E200"), h.dial("E300")
	// a is both in the group and addressed as recipient: still one delivery
	a.join("E100_E200")

	b.send(IncomingMessage{Type: EventSendDirect, SenderID: "E200", ReceiverID: "E100", Text: "ping"})

	got := b.created()
	assert.Equal(t, "E100_E200", got.ConversationID)
	assert.Positive(t, got.Timestamp, "server assigns a timestamp to legacy sends")
	assert.Equal(t, got.ID, a.created().ID)
	assert.Equal(t, 2, h.hub.GroupSize("E100_E200"), "sender auto-joined")

	a.silent(200 * time.Millisecond)
	outsider.silent(50 * time.Millisecond)
}

func TestDirectCreateReachesRecipientWithoutJoin(t *testing.T) {
	h := newHarness(t, memory.NewStore(), Config{}, nil)
	a, b := h.dial("E100"), h.dial("E200")
	a.join("E100_E200")
	a.send(IncomingMessage{Type: EventCreate, ConversationID: "E100_E200", Text: "hello", Timestamp: 1000, Ref: "temp-1000"})
	assert.Equal(t, "hello", a.created().Text)
	assert.Equal(t, "hello", b.created().Text)
}

func TestNonMemberCannotJoinOrReceive(t *testing.T) {
	h := newHarness(t, memory.NewStore(), Config{}, nil)
	a, outsider := h.dial("E100"), h.dial("E300")
	a.join("E100_E200")

	outsider.send(IncomingMessage{Type: EventJoin, ConversationID: "E100_E200"})
	assert.Equal(t, CodeForbidden, outsider.errorEvent().Code)
	outsider.send(IncomingMessage{Type: EventCreate, ConversationID: "E100_E200", Text: "sneaky", Ref: "temp-1"})
	assert.Equal(t, CodeForbidden, outsider.errorEvent().Code)
	outsider.send(IncomingMessage{Type: EventJoin, ConversationID: "nope"})
	assert.Equal(t, CodeForbidden, outsider.errorEvent().Code)

	a.send(IncomingMessage{Type: EventCreate, ConversationID: "E100_E200", Text: "private", Ref: "temp-2"})
	a.created()
	outsider.silent(200 * time.Millisecond)
}

func TestCreateValidation(t *testing.T) {
	store := memory.NewStore()
	h := newHarness(t, store, Config{}, nil)
	a := h.dial("E100")
	a.join("general")

	a.send(IncomingMessage{Type: EventCreate, ConversationID: "general", Text: "   ", Ref: "temp-1"})
	e := a.errorEvent()
	assert.Equal(t, CodeBadRequest, e.Code)
	assert.Equal(t, "temp-1", e.Ref)

	a.send(IncomingMessage{Type: EventCreate, ConversationID: "general", Text: "spoof", SenderID: "E200", Ref: "temp-2"})
	assert.Equal(t, CodeForbidden, a.errorEvent().Code)

	a.send(IncomingMessage{Type: EventSendDirect, ReceiverID: "", Text: "x"})
	assert.Equal(t, CodeBadRequest, a.errorEvent().Code)

	a.send(IncomingMessage{Type: "typing"})
	assert.Equal(t, CodeUnknownEvent, a.errorEvent().Code)

	msgs, err := store.ListOrdered(context.Background(), "general")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestChannelDeleteStaysInGroup(t *testing.T) {
	h := newHarness(t, memory.NewStore(), Config{}, nil)
	a, b, outsider := h.dial("E100"), h.dial("E200"), h.dial("E300")
	a.join("general")
	b.join("general")

	a.send(IncomingMessage{Type: EventCreate, ConversationID: "general", Text: "soon gone", Timestamp: 1000, Ref: "temp-1000"})
	id := a.created().ID
	b.created()

	a.send(IncomingMessage{Type: EventDelete, ConversationID: "general", MessageID: id})
	for _, p := range []*peer{a, b} {
		ev := p.next()
		require.Equal(t, EventDeleted, ev.Type, string(ev.Payload))
		var d DeletedPayload
		require.NoError(t, json.Unmarshal(ev.Payload, &d))
		assert.Equal(t, id, d.MessageID)
	}
	// connected, allowed on the channel, but never joined it
	outsider.silent(200 * time.Millisecond)
}

func TestDeleteOwnershipAndIdempotence(t *testing.T) {
	store := memory.NewStore()
	h := newHarness(t, store, Config{}, nil)
	a, b := h.dial("E100"), h.dial("E200")
	a.join("general")
	b.join("general")

	a.send(IncomingMessage{Type: EventCreate, ConversationID: "general", Text: "oops", Timestamp: 1000, Ref: "temp-1000"})
	id := a.created().ID
	b.created()

	b.send(IncomingMessage{Type: EventDelete, ConversationID: "general", MessageID: id})
	assert.Equal(t, CodeNotOwner, b.errorEvent().Code)

	for i := 0; i < 2; i++ {
		a.send(IncomingMessage{Type: EventDelete, ConversationID: "general", MessageID: id})
		for _, p := range []*peer{a, b} {
			ev := p.next()
			require.Equal(t, EventDeleted, ev.Type)
			var d DeletedPayload
			require.NoError(t, json.Unmarshal(ev.Payload, &d))
			assert.Equal(t, DeletedPayload{ConversationID: "general", MessageID: id}, d)
		}
	}

	m, err := store.Get(context.Background(), "general", id)
	require.NoError(t, err)
	assert.True(t, m.Deleted)

	a.send(IncomingMessage{Type: EventDelete, ConversationID: "general", MessageID: "msg-missing"})
	assert.Equal(t, CodeNotFound, a.errorEvent().Code)
}

func TestLeaveStopsDelivery(t *testing.T) {
	h := newHarness(t, memory.NewStore(), Config{}, nil)
	a, b := h.dial("E100"), h.dial("E200")
	a.join("random")
	b.join("random")
	b.send(IncomingMessage{Type: EventLeave, ConversationID: "random"})
	b.send(IncomingMessage{Type: EventLeave, ConversationID: "never-joined"})
	require.Eventually(t, func() bool { return h.hub.GroupSize("random") == 1 }, time.Second, 5*time.Millisecond)

	a.send(IncomingMessage{Type: EventCreate, ConversationID: "random", Text: "anyone?", Ref: "temp-1"})
	a.created()
	b.silent(200 * time.Millisecond)
}

func TestGroupOrderMatchesStoreOrder(t *testing.T) {
	store := memory.NewStore()
	h := newHarness(t, store, Config{}, nil)
	a, c, watcher := h.dial("E100"), h.dial("E200"), h.dial("E300")
	a.join("general")
	c.join("general")
	watcher.join("general")

	const perSender = 15
	var wg sync.WaitGroup
	for _, p := range []*peer{a, c} {
		wg.Add(1)
		go func(p *peer) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				// equal timestamps: store order falls back to write order
				_ = p.conn.WriteJSON(IncomingMessage{Type: EventCreate, ConversationID: "general", Text: "x" + strconv.Itoa(i), Timestamp: 5000})
			}
		}(p)
	}
	wg.Wait()

	var seen []string
	for i := 0; i < 2*perSender; i++ {
		seen = append(seen, watcher.created().ID)
	}
	msgs, err := store.ListOrdered(context.Background(), "general")
	require.NoError(t, err)
	var stored []string
	for _, m := range msgs {
		stored = append(stored, m.ID)
	}
	assert.Equal(t, stored, seen)
}

type recordingNotifier struct {
	calls chan [2]string
}

func (r *recordingNotifier) Notify(_ context.Context, userID, title, _ string, _ map[string]string) {
	r.calls <- [2]string{userID, title}
}

func TestDirectMessageNotifiesPeer(t *testing.T) {
	n := &recordingNotifier{calls: make(chan [2]string, 4)}
	h := newHarness(t, memory.NewStore(), Config{}, n)
	a := h.dial("E100")
	a.join("E100_E200")
	a.send(IncomingMessage{Type: EventCreate, ConversationID: "E100_E200", Text: "ping", Ref: "temp-1"})
	a.created()

	select {
	case call := <-n.calls:
		assert.Equal(t, [2]string{"E200", "Ann"}, call)
	case <-time.After(2 * time.Second):
		t.Fatal("no push notification")
	}
}

func TestConnectionLimit(t *testing.T) {
	h := newHarness(t, memory.NewStore(), Config{MaxConns: 1}, nil)
	h.dial("E100")

	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/?participant_id=E200"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	var ne net.Error
	assert.False(t, errors.As(err, &ne) && ne.Timeout(), "rejected connection is closed, not idle")
	assert.Equal(t, 0, h.hub.ConnectionCount("E200"))
}

func TestKeyedMutexReleasesEntries(t *testing.T) {
	k := newKeyedMutex()
	var mu sync.Mutex
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("general")
			mu.Lock()
			counter++
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
	assert.Equal(t, 0, k.size())
}
