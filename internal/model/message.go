package model

import (
	"errors"
	"strings"
)

// DeletedPlaceholder is rendered instead of the text of a soft-deleted message.
const DeletedPlaceholder = "This message has been deleted"

type Kind string

const (
	KindDirect  Kind = "direct"
	KindChannel Kind = "channel"
)

var (
	ErrEmptyText           = errors.New("message text is empty")
	ErrMissingSender       = errors.New("message sender is missing")
	ErrMissingID           = errors.New("message id is missing")
	ErrMissingConversation = errors.New("message conversation is missing")
)

// Message is one record of a conversation. Timestamp is milliseconds since epoch
// and is the sort key; (SenderID, Timestamp) is the fallback identity of a message
// when the optimistic and the persisted copies carry different ids.
type Message struct {
	ID             string `json:"id" bson:"id"`
	ConversationID string `json:"conversationId" bson:"conversation_id"`
	SenderID       string `json:"senderId" bson:"sender_id"`
	SenderName     string `json:"senderName,omitempty" bson:"sender_name,omitempty"`
	Text           string `json:"text" bson:"text"`
	Timestamp      int64  `json:"timestamp" bson:"timestamp"`
	Deleted        bool   `json:"deleted" bson:"deleted"`
}

// DisplayText is what a UI shows for the message: never the text of a deleted one.
func (m Message) DisplayText() string {
	if m.Deleted {
		return DeletedPlaceholder
	}
	return m.Text
}

// Validate checks the fields required before a message may be persisted.
func (m Message) Validate() error {
	switch {
	case m.ID == "":
		return ErrMissingID
	case m.ConversationID == "":
		return ErrMissingConversation
	case m.SenderID == "":
		return ErrMissingSender
	case strings.TrimSpace(m.Text) == "":
		return ErrEmptyText
	}
	return nil
}
