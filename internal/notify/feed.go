// Package notify derives a capped, newest-first feed of unread message
// summaries from the message projections of a session. The feed is ephemeral
// local state: nothing here is persisted or pushed back to the store.
package notify

import (
	"sync"
	"time"

	"github.com/davidolumide/chatsync/internal/chat"
)

// MaxEntries bounds the feed; the oldest entries are evicted beyond it.
const MaxEntries = 10

// fallbackName labels a conversation whose display name cannot be resolved.
const fallbackName = "Chat"

// Entry is one unread summary shown to the user.
type Entry struct {
	ConversationID   string    `json:"conversation_id"`
	ConversationName string    `json:"conversation_name"`
	SenderName       string    `json:"sender_name"`
	Content          string    `json:"content"`
	ReceivedAt       time.Time `json:"received_at"`
}

// NameLookup resolves a user id to a display name; it returns "" when the
// user is unknown.
type NameLookup func(userID string) string

// Feed accumulates unread summaries for one local user.
type Feed struct {
	mu      sync.Mutex
	localID string
	lookup  NameLookup
	open    string
	entries []Entry
	// seen maps conversation id to the newest message id already inspected,
	// whether or not it produced an entry.
	seen map[string]string
}

// NewFeed returns an empty feed for the given local user. lookup may be nil.
func NewFeed(localUserID string, lookup NameLookup) *Feed {
	return &Feed{localID: localUserID, lookup: lookup, seen: map[string]string{}}
}

// Observe inspects a conversation's current message snapshot (oldest first)
// and emits an entry when its newest message is unseen, foreign-authored and
// the conversation is not the one currently open.
//
// The newest id is recorded as seen even when no entry is emitted: a message
// read while its conversation was open, or sent by the local user, must never
// resurface as a notification after the user switches away.
func (f *Feed) Observe(conv chat.Conversation, messages []chat.Message) {
	if len(messages) == 0 {
		return
	}
	newest := messages[len(messages)-1]

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.seen[conv.ID] == newest.ID {
		return
	}
	f.seen[conv.ID] = newest.ID

	if newest.SenderID == f.localID || conv.ID == f.open {
		return
	}

	entry := Entry{
		ConversationID:   conv.ID,
		ConversationName: f.displayName(conv),
		SenderName:       newest.SenderName,
		Content:          newest.Content,
		ReceivedAt:       time.Now(),
	}
	f.entries = append([]Entry{entry}, f.entries...)
	if len(f.entries) > MaxEntries {
		f.entries = f.entries[:MaxEntries]
	}
}

// SetOpen marks a conversation as the one currently on screen. Viewing is
// acknowledgment: any pending entries for it are purged, and messages
// observed while it stays open never notify. Pass "" when no conversation is
// open.
func (f *Feed) SetOpen(conversationID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = conversationID
	if conversationID == "" {
		return
	}
	kept := f.entries[:0]
	for _, e := range f.entries {
		if e.ConversationID != conversationID {
			kept = append(kept, e)
		}
	}
	f.entries = kept
}

// Entries returns a copy of the feed, newest first.
func (f *Feed) Entries() []Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Entry(nil), f.entries...)
}

// displayName picks the label for an entry: the conversation's own name
// (groups), else the other participant's display name (direct), else a
// fallback literal.
func (f *Feed) displayName(conv chat.Conversation) string {
	if conv.Name != "" {
		return conv.Name
	}
	if !conv.IsGroup && f.lookup != nil {
		for _, p := range conv.Participants {
			if p == f.localID {
				continue
			}
			if name := f.lookup(p); name != "" {
				return name
			}
		}
	}
	return fallbackName
}
