package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/davidolumide/chatsync/internal/store"
)

// ErrSameUser is returned when a direct conversation is requested between a
// user and themselves.
var ErrSameUser = errors.New("chat: a direct conversation needs two distinct users")

// Conversations performs conversation writes and identity resolution against
// the document store.
type Conversations struct {
	store store.Store
}

// NewConversations returns a Conversations store over the given backend.
func NewConversations(s store.Store) *Conversations {
	return &Conversations{store: s}
}

// FindOrCreateDirect resolves the single direct conversation between two
// users, creating it when absent. The participant order does not matter: both
// ids are canonicalized into one chat key before lookup.
//
// Find-then-create is not atomic, so two concurrent callers can both miss the
// lookup and race the create. The store's unique constraint on the chat key
// breaks that tie: the loser observes a duplicate key error, re-runs the
// lookup and returns the winner's conversation.
func (c *Conversations) FindOrCreateDirect(ctx context.Context, userA, userB string) (string, error) {
	if userA == userB {
		return "", ErrSameUser
	}

	key := DirectChatKey(userA, userB)
	if id, err := c.findByChatKey(ctx, key); err != nil || id != "" {
		return id, err
	}

	participants := []string{userA, userB}
	if participants[0] > participants[1] {
		participants[0], participants[1] = participants[1], participants[0]
	}

	id, err := c.store.Create(ctx, ConversationsCollection, map[string]any{
		"participants": participants,
		"chat_key":     key,
		"created_at":   store.ServerTimestamp,
	})
	if errors.Is(err, store.ErrDuplicateKey) {
		// Lost the create race; the conversation exists now.
		id, err = c.findByChatKey(ctx, key)
		if err == nil && id == "" {
			err = fmt.Errorf("conversation %s vanished after duplicate create: %w", key, store.ErrNotFound)
		}
		return id, err
	}
	if err != nil {
		return "", fmt.Errorf("failed to create conversation: %w", err)
	}
	return id, nil
}

func (c *Conversations) findByChatKey(ctx context.Context, key string) (string, error) {
	snap, err := c.store.FindMany(ctx, store.Query{
		Collection: ConversationsCollection,
		Filters:    []store.Filter{{Field: "chat_key", Eq: key}},
	})
	if err != nil {
		return "", fmt.Errorf("failed to look up conversation: %w", err)
	}
	if len(snap) == 0 {
		return "", nil
	}
	return snap[0].ID, nil
}

// CreateGroup creates a group conversation. Groups are never deduplicated:
// every call creates a new document, even for an identical participant set.
func (c *Conversations) CreateGroup(ctx context.Context, name string, participants []string, ownerID string) (string, error) {
	id, err := c.store.Create(ctx, ConversationsCollection, map[string]any{
		"name":         name,
		"participants": append([]string(nil), participants...),
		"owner_id":     ownerID,
		"is_group":     true,
		"created_at":   store.ServerTimestamp,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create group conversation: %w", err)
	}
	return id, nil
}

// Rename overwrites a group conversation's display name.
func (c *Conversations) Rename(ctx context.Context, conversationID, name string) error {
	return c.store.Update(ctx, store.Ref{Collection: ConversationsCollection, ID: conversationID}, map[string]any{
		"name":       name,
		"updated_at": store.ServerTimestamp,
	})
}

// AddMember adds a user to a group conversation's participant list.
func (c *Conversations) AddMember(ctx context.Context, conversationID, userID string) error {
	return c.store.Update(ctx, store.Ref{Collection: ConversationsCollection, ID: conversationID}, map[string]any{
		"participants": store.ArrayUnion(userID),
	})
}

// RemoveMember removes a user from a group conversation's participant list.
func (c *Conversations) RemoveMember(ctx context.Context, conversationID, userID string) error {
	return c.store.Update(ctx, store.Ref{Collection: ConversationsCollection, ID: conversationID}, map[string]any{
		"participants": store.ArrayRemove(userID),
	})
}
