package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teamchat/internal/client"
	"github.com/teamchat/internal/model"
)

func TestFormatResolvesDirectSenderFromRoster(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"employees":[{"id":"E100","displayName":"Ann"},{"id":"E200","displayName":"Bob"}]}`))
	}))
	defer srv.Close()

	dir := client.NewDirectoryClient(srv.URL, nil, 0)
	_, err := dir.Participants(context.Background())
	require.NoError(t, err)
	ui := &terminal{self: "E100", dir: dir, shown: map[string]string{}}

	direct := client.Entry{Message: model.Message{ID: "msg-1", ConversationID: "E100_E200", SenderID: "E200", Text: "hi", Timestamp: 1000}}
	assert.Contains(t, ui.format(direct), "Bob: hi")

	channel := direct
	channel.ConversationID, channel.SenderName = "general", "Robert"
	assert.Contains(t, ui.format(channel), "Robert: hi")

	unknown := direct
	unknown.SenderID = "E900"
	assert.Contains(t, ui.format(unknown), "E900: hi")

	mine := direct
	mine.SenderID, mine.Status = "E100", client.StatusFailed
	assert.Contains(t, ui.format(mine), "me: hi [not sent: /retry msg-1]")

	deleted := direct
	deleted.Deleted = true
	assert.Contains(t, ui.format(deleted), "Bob: "+model.DeletedPlaceholder)
}
