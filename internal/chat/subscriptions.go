package chat

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/davidolumide/chatsync/internal/store"
)

// ErrClosed is returned by subscribe calls after the manager has been shut
// down.
var ErrClosed = errors.New("chat: subscription manager is closed")

// Manager owns the live subscriptions and in-memory projections for one
// user's session. It keeps exactly one conversation-list subscription and at
// most one message subscription per conversation id, and replaces both
// projections wholesale on every snapshot: the store delivers full result
// sets, never deltas.
//
// The projections are caches with no authority over the remote store; message
// writes go through Messages/Conversations and come back via snapshots.
type Manager struct {
	store store.Store

	mu            sync.RWMutex
	closed        bool
	conversations []Conversation
	messages      map[string][]Message
	msgSubs       map[string]func()
	convSub       func()

	// OnConversations, OnMessages and OnError are invoked after the matching
	// projection has been updated. Set them before the first subscribe call;
	// they may be called from subscription goroutines.
	OnConversations func([]Conversation)
	OnMessages      func(conversationID string, messages []Message)
	OnError         func(error)
}

// NewManager returns a Manager over the given store.
func NewManager(s store.Store) *Manager {
	return &Manager{
		store:    s,
		messages: map[string][]Message{},
		msgSubs:  map[string]func(){},
	}
}

// SubscribeConversations opens the live query over every conversation the
// user participates in, newest first. Each snapshot replaces the conversation
// list and lazily opens a message subscription for every conversation that
// lacks one, so unread messages in conversations the user never opened are
// still observed.
func (m *Manager) SubscribeConversations(userID string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	prev := m.convSub
	m.convSub = nil
	m.mu.Unlock()
	if prev != nil {
		prev()
	}

	q := store.Query{
		Collection: ConversationsCollection,
		Filters:    []store.Filter{{Field: "participants", Contains: userID}},
		OrderBy:    "created_at",
		Direction:  store.Desc,
	}
	unsub, err := m.store.Subscribe(q, m.applyConversations, m.forwardError)
	if err != nil {
		err = fmt.Errorf("failed to subscribe to conversations: %w", err)
		m.forwardError(err)
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		unsub()
		return ErrClosed
	}
	m.convSub = unsub
	m.mu.Unlock()
	return nil
}

func (m *Manager) applyConversations(snap store.Snapshot) {
	convs := make([]Conversation, 0, len(snap))
	for _, d := range snap {
		convs = append(convs, conversationFromDoc(d))
	}

	m.mu.Lock()
	m.conversations = convs
	var missing []string
	for _, c := range convs {
		if _, ok := m.msgSubs[c.ID]; !ok {
			missing = append(missing, c.ID)
		}
	}
	m.mu.Unlock()

	for _, id := range missing {
		if err := m.SubscribeMessages(id); err != nil {
			log.Printf("lazy message subscription for %s failed: %v", id, err)
		}
	}
	if m.OnConversations != nil {
		m.OnConversations(convs)
	}
}

// SubscribeMessages opens the live query over one conversation's messages,
// oldest first. Re-subscribing for the same id replaces the previous
// subscription, never stacks a second one. Messages whose server timestamp
// has not been committed yet are excluded from the projection until the
// backend confirms them.
func (m *Manager) SubscribeMessages(conversationID string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	prev := m.msgSubs[conversationID]
	// Placeholder claims the slot before the store call so a concurrent lazy
	// fan-out for the same id does not open a second subscription.
	m.msgSubs[conversationID] = func() {}
	m.mu.Unlock()
	if prev != nil {
		prev()
	}

	q := store.Query{
		Collection: MessagesCollection,
		Filters:    []store.Filter{{Field: "conversation_id", Eq: conversationID}},
		OrderBy:    "created_at",
		Direction:  store.Asc,
	}
	unsub, err := m.store.Subscribe(q, func(snap store.Snapshot) {
		m.applyMessages(conversationID, snap)
	}, m.forwardError)
	if err != nil {
		m.mu.Lock()
		delete(m.msgSubs, conversationID)
		m.mu.Unlock()
		err = fmt.Errorf("failed to subscribe to messages of %s: %w", conversationID, err)
		m.forwardError(err)
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		unsub()
		return ErrClosed
	}
	m.msgSubs[conversationID] = unsub
	m.mu.Unlock()
	return nil
}

func (m *Manager) applyMessages(conversationID string, snap store.Snapshot) {
	msgs := make([]Message, 0, len(snap))
	for _, d := range snap {
		msg := messageFromDoc(d)
		if msg.CreatedAt.IsZero() {
			// Optimistic write not committed yet; it will arrive in a later
			// snapshot with its server timestamp resolved.
			continue
		}
		msgs = append(msgs, msg)
	}

	m.mu.Lock()
	m.messages[conversationID] = msgs
	m.mu.Unlock()

	if m.OnMessages != nil {
		m.OnMessages(conversationID, msgs)
	}
}

func (m *Manager) forwardError(err error) {
	log.Printf("subscription error: %v", err)
	if m.OnError != nil {
		m.OnError(err)
	}
}

// Conversations returns a copy of the current conversation list, newest
// first.
func (m *Manager) Conversations() []Conversation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Conversation(nil), m.conversations...)
}

// ConversationByID returns the cached conversation with the given id.
func (m *Manager) ConversationByID(id string) (Conversation, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.conversations {
		if c.ID == id {
			return c, true
		}
	}
	return Conversation{}, false
}

// Messages returns a copy of the cached message list for a conversation,
// oldest first.
func (m *Manager) Messages(conversationID string) []Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Message(nil), m.messages[conversationID]...)
}

// Close cancels every live subscription exactly once. The manager cannot be
// reused afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	subs := make([]func(), 0, len(m.msgSubs)+1)
	if m.convSub != nil {
		subs = append(subs, m.convSub)
		m.convSub = nil
	}
	for _, unsub := range m.msgSubs {
		subs = append(subs, unsub)
	}
	m.msgSubs = map[string]func(){}
	m.mu.Unlock()

	for _, unsub := range subs {
		unsub()
	}
}
