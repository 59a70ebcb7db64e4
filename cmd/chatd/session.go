package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"

	"github.com/gofiber/contrib/websocket"

	"github.com/davidolumide/chatsync/internal/auth"
	"github.com/davidolumide/chatsync/internal/chat"
	"github.com/davidolumide/chatsync/internal/data"
	"github.com/davidolumide/chatsync/internal/notify"
	"github.com/davidolumide/chatsync/internal/store"
)

// wsConn is the slice of the websocket connection a session needs; tests
// substitute a fake.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Events pushed to the client. Each snapshot from the sync layer maps to one
// event carrying the full replacement state, never a delta.
type conversationsEvent struct {
	Type          string              `json:"type"`
	Conversations []chat.Conversation `json:"conversations"`
}

type messagesEvent struct {
	Type           string         `json:"type"`
	ConversationID string         `json:"conversation_id"`
	Messages       []chat.Message `json:"messages"`
}

type notificationsEvent struct {
	Type          string         `json:"type"`
	Notifications []notify.Entry `json:"notifications"`
}

type errorEvent struct {
	Type      string `json:"type"`
	Error     string `json:"error"`
	Retryable bool   `json:"retryable,omitempty"`
}

// command is what the client sends over the socket. "open" marks a
// conversation as on-screen, which acknowledges its notifications.
type command struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// session owns one connected client's live state: a subscription manager over
// the store and the derived notification feed. Everything is torn down when
// the socket closes.
type session struct {
	userID  string
	conn    wsConn
	send    chan []byte
	done    chan struct{}
	close   sync.Once
	manager *chat.Manager
	feed    *notify.Feed
}

func (a *api) chatSocket(c *websocket.Conn) {
	claims, ok := c.Locals("claims").(*auth.Claims)
	if !ok {
		_ = c.Close()
		return
	}
	s := newSession(a.store, a.users, claims.UserID)
	s.run(c)
}

func newSession(st store.Store, users *data.UsersStore, userID string) *session {
	s := &session{
		userID: userID,
		send:   make(chan []byte, 32),
		done:   make(chan struct{}),
	}
	s.feed = notify.NewFeed(userID, func(id string) string {
		return users.DisplayName(context.Background(), id)
	})

	m := chat.NewManager(st)
	m.OnConversations = s.onConversations
	m.OnMessages = s.onMessages
	m.OnError = s.onError
	s.manager = m
	return s
}

func (s *session) run(conn wsConn) {
	s.conn = conn
	go s.writePump()
	defer s.teardown()

	if err := s.manager.SubscribeConversations(s.userID); err != nil {
		// The error event has already been pushed via the manager's hook;
		// keep the socket open so the client can show the condition.
		log.Printf("conversation subscription for %s failed: %v", s.userID, err)
	}

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd command
		if err := json.Unmarshal(raw, &cmd); err != nil {
			continue
		}
		s.handle(cmd)
	}
}

func (s *session) handle(cmd command) {
	switch cmd.Type {
	case "open":
		// Viewing acknowledges: purge the conversation's entries and stop
		// notifying for messages read while it stays open.
		s.feed.SetOpen(cmd.ConversationID)
		s.push(notificationsEvent{Type: "notifications", Notifications: s.feed.Entries()})
	case "close":
		s.feed.SetOpen("")
	}
}

func (s *session) onConversations(convs []chat.Conversation) {
	s.push(conversationsEvent{Type: "conversations", Conversations: convs})
}

func (s *session) onMessages(conversationID string, msgs []chat.Message) {
	conv, ok := s.manager.ConversationByID(conversationID)
	if !ok {
		// Message snapshots carry no ordering guarantee relative to the
		// conversation list; derive what we can from the id alone.
		conv = chat.Conversation{ID: conversationID}
	}
	before := len(s.feed.Entries())
	s.feed.Observe(conv, msgs)
	s.push(messagesEvent{Type: "messages", ConversationID: conversationID, Messages: msgs})
	if entries := s.feed.Entries(); len(entries) != before || len(entries) > 0 {
		s.push(notificationsEvent{Type: "notifications", Notifications: entries})
	}
}

func (s *session) onError(err error) {
	if errors.Is(err, store.ErrProvisioning) {
		s.push(errorEvent{
			Type:      "error",
			Error:     "please wait while the backend finishes setting up; this may take a few minutes",
			Retryable: true,
		})
		return
	}
	s.push(errorEvent{Type: "error", Error: "subscription failed"})
}

// push queues an event for the write pump, dropping it when the client cannot
// keep up; every event carries full state, so a later one supersedes it.
func (s *session) push(event any) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("failed to marshal event: %v", err)
		return
	}
	select {
	case s.send <- data:
	case <-s.done:
	default:
	}
}

func (s *session) writePump() {
	for {
		select {
		case data := <-s.send:
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.teardown()
				return
			}
		case <-s.done:
			return
		}
	}
}

// teardown releases every live subscription exactly once.
func (s *session) teardown() {
	s.close.Do(func() {
		s.manager.Close()
		close(s.done)
		_ = s.conn.Close()
	})
}
