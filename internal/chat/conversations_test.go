package chat

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/davidolumide/chatsync/internal/store"
	"github.com/davidolumide/chatsync/internal/store/memstore"
)

func newTestStore() *memstore.Store {
	st := memstore.New()
	st.EnforceUnique(ConversationsCollection, "chat_key")
	st.EnforceUnique(UsersCollection, "email")
	return st
}

func TestDirectChatKey_OrderIndependent(t *testing.T) {
	if DirectChatKey("u1", "u2") != DirectChatKey("u2", "u1") {
		t.Fatal("chat key should not depend on argument order")
	}
	if got := DirectChatKey("u2", "u1"); got != "u1_u2" {
		t.Fatalf("expected key u1_u2, got %s", got)
	}
}

func TestFindOrCreateDirect_Idempotent(t *testing.T) {
	ctx := context.Background()
	convs := NewConversations(newTestStore())

	first, err := convs.FindOrCreateDirect(ctx, "u2", "u1")
	if err != nil {
		t.Fatalf("FindOrCreateDirect failed: %v", err)
	}
	second, err := convs.FindOrCreateDirect(ctx, "u1", "u2")
	if err != nil {
		t.Fatalf("second FindOrCreateDirect failed: %v", err)
	}
	if first != second {
		t.Fatalf("expected the same conversation for both orderings, got %s and %s", first, second)
	}
}

func TestFindOrCreateDirect_CanonicalDocument(t *testing.T) {
	ctx := context.Background()
	st := newTestStore()
	convs := NewConversations(st)

	id, err := convs.FindOrCreateDirect(ctx, "u2", "u1")
	if err != nil {
		t.Fatalf("FindOrCreateDirect failed: %v", err)
	}

	doc, err := st.Get(ctx, store.Ref{Collection: ConversationsCollection, ID: id})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	conv := conversationFromDoc(doc)
	if conv.ChatKey != "u1_u2" {
		t.Fatalf("expected chat key u1_u2, got %s", conv.ChatKey)
	}
	if len(conv.Participants) != 2 || conv.Participants[0] != "u1" || conv.Participants[1] != "u2" {
		t.Fatalf("expected sorted participants [u1 u2], got %v", conv.Participants)
	}
	if conv.CreatedAt.IsZero() {
		t.Fatal("expected a committed creation timestamp")
	}
}

func TestFindOrCreateDirect_SameUser(t *testing.T) {
	convs := NewConversations(newTestStore())
	if _, err := convs.FindOrCreateDirect(context.Background(), "u1", "u1"); !errors.Is(err, ErrSameUser) {
		t.Fatalf("expected ErrSameUser, got %v", err)
	}
}

// racingStore makes the first conversation create lose a simulated race: the
// competing document lands first and the create reports a duplicate key.
type racingStore struct {
	store.Store
	raced bool
}

func (r *racingStore) Create(ctx context.Context, collection string, fields map[string]any) (string, error) {
	if collection == ConversationsCollection && !r.raced {
		r.raced = true
		if _, err := r.Store.Create(ctx, collection, fields); err != nil {
			return "", err
		}
		return "", fmt.Errorf("simulated concurrent create: %w", store.ErrDuplicateKey)
	}
	return r.Store.Create(ctx, collection, fields)
}

func TestFindOrCreateDirect_LostRaceConverges(t *testing.T) {
	ctx := context.Background()
	st := newTestStore()
	convs := NewConversations(&racingStore{Store: st})

	id, err := convs.FindOrCreateDirect(ctx, "u1", "u2")
	if err != nil {
		t.Fatalf("expected the loser to recover the winner's conversation, got %v", err)
	}

	snap, err := st.FindMany(ctx, store.Query{
		Collection: ConversationsCollection,
		Filters:    []store.Filter{{Field: "chat_key", Eq: "u1_u2"}},
	})
	if err != nil {
		t.Fatalf("FindMany failed: %v", err)
	}
	if len(snap) != 1 {
		t.Fatalf("expected exactly one conversation for the pair, got %d", len(snap))
	}
	if snap[0].ID != id {
		t.Fatalf("expected the surviving conversation id %s, got %s", snap[0].ID, id)
	}
}

func TestCreateGroup_NeverDeduplicates(t *testing.T) {
	ctx := context.Background()
	st := newTestStore()
	convs := NewConversations(st)

	participants := []string{"u1", "u2", "u3"}
	first, err := convs.CreateGroup(ctx, "team", participants, "u1")
	if err != nil {
		t.Fatalf("CreateGroup failed: %v", err)
	}
	second, err := convs.CreateGroup(ctx, "team", participants, "u1")
	if err != nil {
		t.Fatalf("second CreateGroup failed: %v", err)
	}
	if first == second {
		t.Fatal("group creation should never reuse an existing conversation")
	}

	doc, err := st.Get(ctx, store.Ref{Collection: ConversationsCollection, ID: first})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	conv := conversationFromDoc(doc)
	if !conv.IsGroup || conv.Name != "team" || conv.OwnerID != "u1" {
		t.Fatalf("unexpected group document: %+v", conv)
	}
	if conv.ChatKey != "" {
		t.Fatal("group conversations must not carry a chat key")
	}
}

func TestGroupMembership(t *testing.T) {
	ctx := context.Background()
	st := newTestStore()
	convs := NewConversations(st)

	id, err := convs.CreateGroup(ctx, "team", []string{"u1", "u2"}, "u1")
	if err != nil {
		t.Fatalf("CreateGroup failed: %v", err)
	}

	if err := convs.AddMember(ctx, id, "u3"); err != nil {
		t.Fatalf("AddMember failed: %v", err)
	}
	// Adding an existing member is a no-op, not a duplicate entry.
	if err := convs.AddMember(ctx, id, "u3"); err != nil {
		t.Fatalf("repeated AddMember failed: %v", err)
	}
	if err := convs.RemoveMember(ctx, id, "u2"); err != nil {
		t.Fatalf("RemoveMember failed: %v", err)
	}

	doc, err := st.Get(ctx, store.Ref{Collection: ConversationsCollection, ID: id})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	got := conversationFromDoc(doc).Participants
	if len(got) != 2 || got[0] != "u1" || got[1] != "u3" {
		t.Fatalf("expected participants [u1 u3], got %v", got)
	}
}

func TestRename(t *testing.T) {
	ctx := context.Background()
	st := newTestStore()
	convs := NewConversations(st)

	id, err := convs.CreateGroup(ctx, "team", []string{"u1", "u2"}, "u1")
	if err != nil {
		t.Fatalf("CreateGroup failed: %v", err)
	}
	if err := convs.Rename(ctx, id, "renamed"); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}

	doc, err := st.Get(ctx, store.Ref{Collection: ConversationsCollection, ID: id})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	conv := conversationFromDoc(doc)
	if conv.Name != "renamed" {
		t.Fatalf("expected renamed, got %s", conv.Name)
	}
	if conv.UpdatedAt.IsZero() {
		t.Fatal("expected updated_at to be stamped")
	}
}
