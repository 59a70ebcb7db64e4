// Package store defines the document store contract the chat core is built
// against: queries with live subscriptions that deliver full result sets,
// independently-atomic mutations, and server-assigned timestamps.
package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for the failure taxonomy. Every backend error surfaced by a
// Store implementation either is (or wraps) one of these, or is a generic
// wrapped failure.
var (
	// ErrNotFound reports that a referenced document does not exist.
	ErrNotFound = errors.New("store: document not found")

	// ErrProvisioning reports that the backend cannot serve a query yet
	// because supporting infrastructure (an index, a replica set) is still
	// being set up. Transient; callers should show a "please wait" state
	// rather than a failure.
	ErrProvisioning = errors.New("store: backend is still being provisioned")

	// ErrDuplicateKey reports that a create or update violated a unique key
	// constraint.
	ErrDuplicateKey = errors.New("store: unique key already exists")
)

// Doc is one stored document: its backend-assigned id plus decoded fields.
// Field values are plain Go types: string, bool, time.Time, []string and
// nested map[string]any.
type Doc struct {
	ID     string
	Fields map[string]any
}

// Snapshot is the entire result set of a query at one point in time.
// Subscriptions re-deliver full snapshots on every relevant change; consumers
// replace cached state wholesale rather than patching.
type Snapshot []Doc

// Ref identifies a single document.
type Ref struct {
	Collection string
	ID         string
}

// Direction orders query results.
type Direction int

const (
	Asc Direction = iota
	Desc
)

// Filter narrows a query. Exactly one of Eq or Contains is set: Eq matches
// field == value, Contains matches a list field containing the value.
type Filter struct {
	Field    string
	Eq       any
	Contains any
}

// Query describes a find or subscription over one collection.
type Query struct {
	Collection string
	Filters    []Filter
	OrderBy    string
	Direction  Direction
}

// serverTimestamp is the sentinel type behind ServerTimestamp.
type serverTimestamp struct{}

// ServerTimestamp is a field value resolved to the backend's clock at commit
// time, never the caller's. Until the backend commits it, the field reads as
// the zero time in snapshots; consumers filter such pending documents out.
var ServerTimestamp = serverTimestamp{}

// IsServerTimestamp reports whether v is the ServerTimestamp sentinel.
func IsServerTimestamp(v any) bool {
	_, ok := v.(serverTimestamp)
	return ok
}

// arrayOp is a field-update sentinel for list membership changes.
type arrayOp struct {
	value  any
	remove bool
}

// ArrayUnion returns an update value that adds v to a list field if absent.
func ArrayUnion(v any) any { return arrayOp{value: v} }

// ArrayRemove returns an update value that removes v from a list field.
func ArrayRemove(v any) any { return arrayOp{value: v, remove: true} }

// ArrayOp decodes an ArrayUnion/ArrayRemove value. ok is false for plain
// values.
func ArrayOp(v any) (value any, remove, ok bool) {
	op, ok := v.(arrayOp)
	if !ok {
		return nil, false, false
	}
	return op.value, op.remove, true
}

// Store is the managed document database the synchronization layer runs on.
// All mutations are independently atomic; there is no cross-document
// transaction in this contract.
type Store interface {
	// Get fetches one document by reference, ErrNotFound when absent.
	Get(ctx context.Context, ref Ref) (Doc, error)

	// FindMany runs the query once and returns the matching documents.
	FindMany(ctx context.Context, q Query) (Snapshot, error)

	// Subscribe opens a live query. onSnapshot receives the full current
	// result set immediately and again after every relevant change; onError
	// receives asynchronous failures. The returned function cancels the
	// subscription and is safe to call once.
	Subscribe(q Query, onSnapshot func(Snapshot), onError func(error)) (func(), error)

	// Create inserts a document and returns its assigned id.
	Create(ctx context.Context, collection string, fields map[string]any) (string, error)

	// Update overwrites the given fields of one document. Values may be
	// ServerTimestamp or ArrayUnion/ArrayRemove sentinels.
	Update(ctx context.Context, ref Ref, fields map[string]any) error

	// Delete removes one document. Deleting an absent document is not an
	// error.
	Delete(ctx context.Context, ref Ref) error
}

// FieldTime reads a time field from a document, returning the zero time when
// the field is absent or still a pending server timestamp.
func FieldTime(d Doc, field string) time.Time {
	t, _ := d.Fields[field].(time.Time)
	return t
}

// FieldString reads a string field, empty when absent.
func FieldString(d Doc, field string) string {
	s, _ := d.Fields[field].(string)
	return s
}

// FieldBool reads a bool field, false when absent.
func FieldBool(d Doc, field string) bool {
	b, _ := d.Fields[field].(bool)
	return b
}

// FieldStrings reads a list-of-strings field, nil when absent.
func FieldStrings(d Doc, field string) []string {
	switch v := d.Fields[field].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
