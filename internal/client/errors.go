package client

import (
	"errors"
	"fmt"

	"github.com/teamchat/internal/ws"
)

var (
	// ErrUnavailable: the hub or the history endpoint could not be reached in time. Retryable.
	ErrUnavailable = errors.New("chat: unavailable")
	// ErrNoActiveConversation: an operation needs a selected conversation.
	ErrNoActiveConversation = errors.New("chat: no active conversation")
	// ErrConversationNotReady: the active conversation is still loading its history.
	ErrConversationNotReady = errors.New("chat: conversation is loading")
	// ErrNotOwner: only the sender may delete a message.
	ErrNotOwner = errors.New("chat: not the sender of this message")
	// ErrNotConfirmed: the message has no server id yet (pending or failed).
	ErrNotConfirmed = errors.New("chat: message is not confirmed by the server")
	// ErrUnknownMessage: no such message in the local cache.
	ErrUnknownMessage = errors.New("chat: unknown message")
	// ErrForbidden: the participant may not read the conversation.
	ErrForbidden = errors.New("chat: forbidden")
	// ErrSuperseded: a history response arrived after another conversation was selected.
	ErrSuperseded = errors.New("chat: conversation switched while loading")
)

// RemoteError is an error event the hub sent back for one of our requests.
type RemoteError struct {
	Code           string
	Message        string
	Ref            string
	ConversationID string
	MessageID      string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("chat: %s: %s", e.Code, e.Message)
}

// Retryable reports whether repeating the request may succeed.
func (e *RemoteError) Retryable() bool {
	return e.Code == ws.CodeStoreUnavailable
}
