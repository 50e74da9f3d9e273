package ws

import (
	"github.com/teamchat/internal/model"
)

type EventType string

const (
	// client -> hub
	EventJoin       EventType = "join"
	EventLeave      EventType = "leave"
	EventCreate     EventType = "create"
	EventSendDirect EventType = "send_direct" // legacy {senderId, receiverId, text}
	EventDelete     EventType = "delete"

	// hub -> client
	EventCreated EventType = "created"
	EventDeleted EventType = "deleted"
	EventJoined  EventType = "joined"
	EventError   EventType = "error"
)

// Error codes carried in ErrorPayload.Code.
const (
	CodeBadRequest       = "bad_request"
	CodeForbidden        = "forbidden"
	CodeNotFound         = "not_found"
	CodeNotOwner         = "not_owner"
	CodeStoreUnavailable = "store_unavailable"
	CodeStoreFailed      = "store_failed"
	CodeUnknownEvent     = "unknown_event"
)

// IncomingMessage is what the client sends to the server. Which fields are set
// depends on Type; the legacy direct form uses ReceiverID instead of ConversationID.
type IncomingMessage struct {
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversationId,omitempty"`

	// create / send_direct
	Ref        string `json:"ref,omitempty"` // provisional client id, echoed back
	Text       string `json:"text,omitempty"`
	SenderID   string `json:"senderId,omitempty"`
	SenderName string `json:"senderName,omitempty"`
	ReceiverID string `json:"receiverId,omitempty"`
	Timestamp  int64  `json:"timestamp,omitempty"`

	// delete
	MessageID string `json:"messageId,omitempty"`
}

// OutgoingMessage is what the server sends to the client.
type OutgoingMessage struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// CreatedPayload is the persisted message plus the provisional id it replaces.
type CreatedPayload struct {
	model.Message
	Ref string `json:"ref,omitempty"`
}

type DeletedPayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

type JoinedPayload struct {
	ConversationID string `json:"conversationId"`
}

// ErrorPayload is sent only to the connection whose request failed.
type ErrorPayload struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	Ref            string `json:"ref,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	MessageID      string `json:"messageId,omitempty"`
}
