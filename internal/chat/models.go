// Package chat holds the client-side synchronization core: conversation
// identity resolution, live subscription management with snapshot-replace
// projections, and message lifecycle writes.
package chat

import (
	"sort"
	"strings"
	"time"

	"github.com/davidolumide/chatsync/internal/store"
)

// Collection names in the document store.
const (
	ConversationsCollection = "conversations"
	MessagesCollection      = "messages"
	UsersCollection         = "users"
)

// User is a chat participant's public profile.
type User struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	PhotoURL string `json:"photo_url,omitempty"`
}

// Message is one entry in a conversation. CreatedAt is assigned by the store
// at commit time; a zero CreatedAt means the write is still pending.
type Message struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender_name"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at,omitempty"`
}

// Conversation is a direct or group thread. Direct conversations carry a
// deterministic ChatKey derived from their two participants; group
// conversations have a name and an owner instead.
type Conversation struct {
	ID           string    `json:"id"`
	Participants []string  `json:"participants"`
	ChatKey      string    `json:"chat_key,omitempty"`
	IsGroup      bool      `json:"is_group,omitempty"`
	Name         string    `json:"name,omitempty"`
	OwnerID      string    `json:"owner_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
	LastMessage  *Message  `json:"last_message,omitempty"`
}

// DirectChatKey derives the canonical lookup key for a direct conversation:
// the two participant ids sorted lexicographically and joined. Both orderings
// of the same pair produce the same key.
func DirectChatKey(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, "_")
}

func conversationFromDoc(d store.Doc) Conversation {
	c := Conversation{
		ID:           d.ID,
		Participants: store.FieldStrings(d, "participants"),
		ChatKey:      store.FieldString(d, "chat_key"),
		IsGroup:      store.FieldBool(d, "is_group"),
		Name:         store.FieldString(d, "name"),
		OwnerID:      store.FieldString(d, "owner_id"),
		CreatedAt:    store.FieldTime(d, "created_at"),
		UpdatedAt:    store.FieldTime(d, "updated_at"),
	}
	if last, ok := d.Fields["last_message"].(map[string]any); ok {
		lm := messageFromFields("", last)
		c.LastMessage = &lm
	}
	return c
}

func messageFromDoc(d store.Doc) Message {
	return messageFromFields(d.ID, d.Fields)
}

func messageFromFields(id string, fields map[string]any) Message {
	m := Message{ID: id}
	if s, ok := fields["content"].(string); ok {
		m.Content = s
	}
	if s, ok := fields["sender_id"].(string); ok {
		m.SenderID = s
	}
	if s, ok := fields["sender_name"].(string); ok {
		m.SenderName = s
	}
	if t, ok := fields["created_at"].(time.Time); ok {
		m.CreatedAt = t
	}
	if t, ok := fields["updated_at"].(time.Time); ok {
		m.UpdatedAt = t
	}
	return m
}

func userFromDoc(d store.Doc) User {
	return User{
		ID:       d.ID,
		Name:     store.FieldString(d, "name"),
		Email:    store.FieldString(d, "email"),
		PhotoURL: store.FieldString(d, "photo_url"),
	}
}
