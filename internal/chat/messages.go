package chat

import (
	"context"
	"fmt"

	"github.com/davidolumide/chatsync/internal/store"
)

// Messages performs message lifecycle writes. Callers never patch local state
// after these calls; the live subscriptions deliver the resulting snapshots.
type Messages struct {
	store store.Store
}

// NewMessages returns a Messages store over the given backend.
func NewMessages(s store.Store) *Messages {
	return &Messages{store: s}
}

// Send appends a message with a server-assigned timestamp and overwrites the
// parent conversation's denormalized last_message copy. The two writes are
// independently atomic: if the second fails the conversation list shows a
// stale preview, but the message itself is persisted and the message list
// stays authoritative. The message id is returned even in that case.
func (m *Messages) Send(ctx context.Context, conversationID, content, senderID, senderName string) (string, error) {
	id, err := m.store.Create(ctx, MessagesCollection, map[string]any{
		"conversation_id": conversationID,
		"content":         content,
		"sender_id":       senderID,
		"sender_name":     senderName,
		"created_at":      store.ServerTimestamp,
	})
	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}

	err = m.store.Update(ctx, store.Ref{Collection: ConversationsCollection, ID: conversationID}, map[string]any{
		"last_message": map[string]any{
			"content":     content,
			"sender_id":   senderID,
			"sender_name": senderName,
			"created_at":  store.ServerTimestamp,
		},
	})
	if err != nil {
		return id, fmt.Errorf("message %s sent but last message update failed: %w", id, err)
	}
	return id, nil
}

// Edit overwrites a message's content and stamps updated_at. No edit history
// is kept, and content is not validated: empty or whitespace-only content is
// written as-is.
func (m *Messages) Edit(ctx context.Context, messageID, content string) error {
	return m.store.Update(ctx, store.Ref{Collection: MessagesCollection, ID: messageID}, map[string]any{
		"content":    content,
		"updated_at": store.ServerTimestamp,
	})
}

// Delete hard-deletes a message. No tombstone is left; the next snapshot
// simply lacks the entry.
func (m *Messages) Delete(ctx context.Context, messageID string) error {
	return m.store.Delete(ctx, store.Ref{Collection: MessagesCollection, ID: messageID})
}
