// Package data provides the user profile store. Profiles live in the same
// document store as conversations so display names and the user picker come
// from one backend.
package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/davidolumide/chatsync/internal/chat"
	"github.com/davidolumide/chatsync/internal/normalize"
	"github.com/davidolumide/chatsync/internal/store"
)

// Typed failures the handlers map to API responses.
var (
	ErrUserExists   = errors.New("user already exists")
	ErrUserNotFound = errors.New("user not found")
)

// User is a stored account: the public profile plus the password hash.
type User struct {
	ID        string
	Email     string
	Name      string
	PhotoURL  string
	Password  string
	CreatedAt time.Time
}

// UsersStore performs user account operations on the document store.
type UsersStore struct {
	store store.Store
}

// NewUsersStore returns a UsersStore over the given backend.
func NewUsersStore(s store.Store) *UsersStore {
	return &UsersStore{store: s}
}

// CreateUser inserts a new account with an already-hashed password. The email
// is stored normalized; a duplicate registration fails with ErrUserExists.
func (u *UsersStore) CreateUser(ctx context.Context, email, hashedPassword, name string) (*User, error) {
	email = normalize.Email(email)
	name = normalize.DisplayName(name)
	id, err := u.store.Create(ctx, chat.UsersCollection, map[string]any{
		"email":      email,
		"password":   hashedPassword,
		"name":       name,
		"created_at": store.ServerTimestamp,
	})
	if errors.Is(err, store.ErrDuplicateKey) {
		return nil, ErrUserExists
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return &User{ID: id, Email: email, Name: name}, nil
}

// GetUserByEmail finds an account by normalized email.
func (u *UsersStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	snap, err := u.store.FindMany(ctx, store.Query{
		Collection: chat.UsersCollection,
		Filters:    []store.Filter{{Field: "email", Eq: normalize.Email(email)}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}
	if len(snap) == 0 {
		return nil, ErrUserNotFound
	}
	return userFromDoc(snap[0]), nil
}

// GetUserByID finds an account by id.
func (u *UsersStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	doc, err := u.store.Get(ctx, store.Ref{Collection: chat.UsersCollection, ID: id})
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}
	return userFromDoc(doc), nil
}

// ListUsers returns every profile except the excluded id, for the start-a-chat
// picker. Password hashes never leave this package.
func (u *UsersStore) ListUsers(ctx context.Context, excludeID string) ([]chat.User, error) {
	snap, err := u.store.FindMany(ctx, store.Query{
		Collection: chat.UsersCollection,
		OrderBy:    "name",
		Direction:  store.Asc,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	out := make([]chat.User, 0, len(snap))
	for _, d := range snap {
		if d.ID == excludeID {
			continue
		}
		user := userFromDoc(d)
		out = append(out, chat.User{ID: user.ID, Name: user.Name, Email: user.Email, PhotoURL: user.PhotoURL})
	}
	return out, nil
}

// DisplayName resolves a user id to its display name, "" when unknown. Used
// by the notification feed for direct conversation labels.
func (u *UsersStore) DisplayName(ctx context.Context, id string) string {
	user, err := u.GetUserByID(ctx, id)
	if err != nil {
		return ""
	}
	return user.Name
}

func userFromDoc(d store.Doc) *User {
	return &User{
		ID:        d.ID,
		Email:     store.FieldString(d, "email"),
		Name:      store.FieldString(d, "name"),
		PhotoURL:  store.FieldString(d, "photo_url"),
		Password:  store.FieldString(d, "password"),
		CreatedAt: store.FieldTime(d, "created_at"),
	}
}
