package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teamchat/internal/config"
	"github.com/teamchat/internal/directory"
	"github.com/teamchat/internal/middleware"
	"github.com/teamchat/internal/model"
	"github.com/teamchat/internal/push"
	"github.com/teamchat/internal/storage"
	"github.com/teamchat/internal/storage/memory"
	"github.com/teamchat/internal/ws"
)

type fakePush struct {
	subscribed map[string]string
	err        error
}

func (f *fakePush) Subscribe(_ context.Context, participantID string, sub push.Subscription) error {
	if f.err != nil {
		return f.err
	}
	f.subscribed[participantID] = sub.Endpoint
	return nil
}

func (f *fakePush) Unsubscribe(_ context.Context, participantID, _ string) error {
	delete(f.subscribed, participantID)
	return f.err
}

type testServer struct {
	*httptest.Server
	store storage.MessageStore
	push  *fakePush
}

func newTestServer(t *testing.T, store storage.MessageStore) *testServer {
	t.Helper()
	static, err := directory.NewStatic(directory.Roster{
		Employees: []model.Participant{{ID: "E100", DisplayName: "Ann"}, {ID: "E200", DisplayName: "Bob"}},
		Channels:  []model.Channel{{ID: "general", Name: "General"}},
	})
	require.NoError(t, err)
	dir := directory.New(static, memory.NewCache(), time.Minute)
	cfg := &config.Config{StoreTimeout: time.Second, CORSAllowedOrigins: "*", WSMaxMessageSize: 8192}
	hub := ws.NewHub(store, dir, ws.Config{StoreTimeout: time.Second}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	fp := &fakePush{subscribed: map[string]string{}}
	srv := httptest.NewServer(NewRouter(Deps{
		Config:    cfg,
		Hub:       hub,
		Store:     store,
		Directory: dir,
		Push:      fp,
		Auth:      middleware.TrustedParticipant,
	}))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return &testServer{Server: srv, store: store, push: fp}
}

func (s *testServer) get(t *testing.T, path, participant string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, s.URL+path, nil)
	require.NoError(t, err)
	if participant != "" {
		req.Header.Set("X-Participant-Id", participant)
	}
	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestHistoryEmptyConversation(t *testing.T) {
	s := newTestServer(t, memory.NewStore())
	resp, body := s.get(t, "/api/conversations/E100_E200/messages", "E100")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"messages":[]}`, string(body))
}

func TestHistoryOrderedByTimestamp(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	require.NoError(t, store.Append(ctx, &model.Message{ID: "m2", ConversationID: "general", SenderID: "E200", Text: "second", Timestamp: 2000}))
	require.NoError(t, store.Append(ctx, &model.Message{ID: "m1", ConversationID: "general", SenderID: "E100", Text: "first", Timestamp: 1000}))
	s := newTestServer(t, store)

	for _, path := range []string{"/api/conversations/general/messages", "/api/chats/general/messages"} {
		resp, body := s.get(t, path, "E200")
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
		var out struct {
			Messages []model.Message `json:"messages"`
		}
		require.NoError(t, json.Unmarshal(body, &out))
		require.Len(t, out.Messages, 2)
		assert.Equal(t, "m1", out.Messages[0].ID)
		assert.Equal(t, "m2", out.Messages[1].ID)
	}
}

func TestHistoryAccessControl(t *testing.T) {
	s := newTestServer(t, memory.NewStore())
	resp, _ := s.get(t, "/api/conversations/E100_E200/messages", "E300")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, _ = s.get(t, "/api/conversations/unknown-channel/messages", "E100")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, _ = s.get(t, "/api/conversations/general/messages", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

type downStore struct{ *memory.Store }

func (downStore) ListOrdered(context.Context, string) ([]model.Message, error) {
	return nil, storage.Unavailable("list", errors.New("connection refused"))
}

func TestHistoryStoreUnavailable(t *testing.T) {
	s := newTestServer(t, downStore{memory.NewStore()})
	resp, body := s.get(t, "/api/conversations/general/messages", "E100")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.JSONEq(t, `{"error":"store unavailable"}`, string(body))
}

func TestDirectoryEndpoints(t *testing.T) {
	s := newTestServer(t, memory.NewStore())

	resp, body := s.get(t, "/api/channels", "E100")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"channels":[{"id":"general","name":"General"}]}`, string(body))

	resp, body = s.get(t, "/api/employees", "E100")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"employees":[{"id":"E100","displayName":"Ann"},{"id":"E200","displayName":"Bob"}]}`, string(body))

	resp, body = s.get(t, "/api/employees/E200", "E100")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"id":"E200","displayName":"Bob"}`, string(body))

	resp, _ = s.get(t, "/api/employees/E999", "E100")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPushConfigDisabled(t *testing.T) {
	s := newTestServer(t, memory.NewStore())
	resp, body := s.get(t, "/api/config/push", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"enabled":false}`, string(body))
}

func TestPushSubscribe(t *testing.T) {
	s := newTestServer(t, memory.NewStore())
	body := `{"subscription":{"endpoint":"https://push.example/1","keys":{"p256dh":"k","auth":"a"}}}`
	req, _ := http.NewRequest(http.MethodPost, s.URL+"/api/push/subscribe", strings.NewReader(body))
	req.Header.Set("X-Participant-Id", "E100")
	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://push.example/1", s.push.subscribed["E100"])

	req, _ = http.NewRequest(http.MethodPost, s.URL+"/api/push/subscribe", strings.NewReader(`{"subscription":{}}`))
	req.Header.Set("X-Participant-Id", "E100")
	resp, err = s.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// Round-trip: what the hub persisted is what the history endpoint returns, in timestamp order.
func TestHubWritesVisibleInHistory(t *testing.T) {
	s := newTestServer(t, memory.NewStore())
	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws?participant_id=E100"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(ws.IncomingMessage{Type: ws.EventJoin, ConversationID: "general"}))
	for _, ts := range []int64{3000, 1000, 2000} {
		require.NoError(t, conn.WriteJSON(ws.IncomingMessage{Type: ws.EventCreate, ConversationID: "general", Text: "t", Timestamp: ts}))
	}
	created := 0
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for created < 3 {
		var ev ws.OutgoingMessage
		require.NoError(t, conn.ReadJSON(&ev))
		if ev.Type == ws.EventCreated {
			created++
		}
	}

	_, body := s.get(t, "/api/conversations/general/messages", "E100")
	var out struct {
		Messages []model.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	require.Len(t, out.Messages, 3)
	for i, want := range []int64{1000, 2000, 3000} {
		assert.Equal(t, want, out.Messages[i].Timestamp)
	}
}
