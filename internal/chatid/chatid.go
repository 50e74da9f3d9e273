// Package chatid derives canonical conversation identifiers.
//
// A direct conversation between A and B is addressed as sort(A, B) joined by
// Separator, so both participants (and the server) compute the same id no matter
// who starts the conversation. A channel is addressed by its own id.
//
// Precondition: participant and channel ids never contain Separator. ValidID
// checks it; ids that fail it must be rejected at the boundary.
package chatid

import (
	"strings"

	"github.com/teamchat/internal/model"
)

const Separator = "_"

// ValidID reports whether s can be used as a participant or channel id.
func ValidID(s string) bool {
	return s != "" && !strings.Contains(s, Separator) && strings.TrimSpace(s) == s
}

// Direct returns the conversation id shared by participants a and b.
func Direct(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + Separator + b
}

// Channel returns the conversation id of a channel.
func Channel(id string) string { return id }

// Resolve computes the conversation id for kind. b is ignored for channels.
func Resolve(kind model.Kind, a, b string) string {
	if kind == model.KindDirect {
		return Direct(a, b)
	}
	return Channel(a)
}

// Parse splits a conversation id back into its kind and participants.
// For channels a is the channel id and b is empty.
func Parse(conversationID string) (kind model.Kind, a, b string) {
	if i := strings.Index(conversationID, Separator); i >= 0 {
		return model.KindDirect, conversationID[:i], conversationID[i+len(Separator):]
	}
	return model.KindChannel, conversationID, ""
}

// Peer returns the other participant of a direct conversation. ok is false for
// channels and for direct conversations that self is not part of.
func Peer(conversationID, self string) (peer string, ok bool) {
	kind, a, b := Parse(conversationID)
	if kind != model.KindDirect {
		return "", false
	}
	switch self {
	case a:
		return b, true
	case b:
		return a, true
	}
	return "", false
}

// IsMember reports whether participant may address the direct conversation.
// Channels are open to every participant.
func IsMember(conversationID, participant string) bool {
	if kind, _, _ := Parse(conversationID); kind == model.KindChannel {
		return true
	}
	_, ok := Peer(conversationID, participant)
	return ok
}
