// Package memstore is an in-memory implementation of the store contract used
// by tests and local runs. It reproduces the backend behaviors the sync layer
// depends on: full-snapshot subscription fan-out, unique key enforcement and
// pending server timestamps.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/davidolumide/chatsync/internal/store"
)

type subscription struct {
	id         int64
	query      store.Query
	onSnapshot func(store.Snapshot)
	onError    func(error)
}

type pendingTimestamp struct {
	collection string
	id         string
	field      string
}

// Store implements store.Store entirely in memory.
type Store struct {
	mu          sync.Mutex
	collections map[string]map[string]map[string]any
	subs        map[int64]*subscription
	nextSub     int64

	// unique[collection] lists fields with a unique constraint, mirroring the
	// indexes the Mongo store creates at startup.
	unique map[string][]string

	// provisioning marks collections whose subscriptions fail with
	// ErrProvisioning, for exercising the transient-backend-setup path.
	provisioning map[string]bool

	// holdTimestamps leaves ServerTimestamp fields uncommitted (zero) until
	// ReleaseTimestamps is called, reproducing the pending-write window.
	holdTimestamps bool
	pending        []pendingTimestamp
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		collections:  map[string]map[string]map[string]any{},
		subs:         map[int64]*subscription{},
		unique:       map[string][]string{},
		provisioning: map[string]bool{},
	}
}

// EnforceUnique adds a unique constraint on a field of a collection. Documents
// with an empty value for the field are exempt (sparse).
func (s *Store) EnforceUnique(collection, field string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unique[collection] = append(s.unique[collection], field)
}

// SetProvisioning makes subscriptions on the collection fail with
// ErrProvisioning while on.
func (s *Store) SetProvisioning(collection string, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.provisioning[collection] = on
}

// HoldTimestamps controls whether server timestamps stay pending. While on,
// created and updated ServerTimestamp fields read as the zero time.
func (s *Store) HoldTimestamps(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holdTimestamps = on
}

// ReleaseTimestamps commits every pending server timestamp and re-notifies
// affected subscriptions.
func (s *Store) ReleaseTimestamps() {
	s.mu.Lock()
	now := time.Now()
	touched := map[string]bool{}
	for _, p := range s.pending {
		if docs, ok := s.collections[p.collection]; ok {
			if doc, ok := docs[p.id]; ok {
				doc[p.field] = now
				touched[p.collection] = true
			}
		}
	}
	s.pending = nil
	notify := s.notifyLocked(touched)
	s.mu.Unlock()
	notify()
}

// ActiveSubscriptions reports how many live subscriptions are open.
func (s *Store) ActiveSubscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *Store) checkUniqueLocked(collection, excludeID string, fields map[string]any) error {
	for _, field := range s.unique[collection] {
		want, _ := fields[field].(string)
		if want == "" {
			continue
		}
		for id, doc := range s.collections[collection] {
			if id == excludeID {
				continue
			}
			if got, _ := doc[field].(string); got == want {
				return fmt.Errorf("%s.%s=%q: %w", collection, field, want, store.ErrDuplicateKey)
			}
		}
	}
	return nil
}

// Create implements store.Store.
func (s *Store) Create(_ context.Context, collection string, fields map[string]any) (string, error) {
	s.mu.Lock()
	doc := map[string]any{}
	var held []pendingTimestamp
	id := uuid.NewString()
	for k, v := range fields {
		if store.IsServerTimestamp(v) {
			if s.holdTimestamps {
				doc[k] = time.Time{}
				held = append(held, pendingTimestamp{collection, id, k})
			} else {
				doc[k] = time.Now()
			}
			continue
		}
		doc[k] = writeValue(v, time.Now())
	}
	if err := s.checkUniqueLocked(collection, "", doc); err != nil {
		s.mu.Unlock()
		return "", err
	}
	if s.collections[collection] == nil {
		s.collections[collection] = map[string]map[string]any{}
	}
	s.collections[collection][id] = doc
	s.pending = append(s.pending, held...)
	notify := s.notifyLocked(map[string]bool{collection: true})
	s.mu.Unlock()
	notify()
	return id, nil
}

// Update implements store.Store.
func (s *Store) Update(_ context.Context, ref store.Ref, fields map[string]any) error {
	s.mu.Lock()
	doc, ok := s.collections[ref.Collection][ref.ID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%s/%s: %w", ref.Collection, ref.ID, store.ErrNotFound)
	}
	staged := map[string]any{}
	var held []pendingTimestamp
	for k, v := range fields {
		if store.IsServerTimestamp(v) {
			if s.holdTimestamps {
				staged[k] = time.Time{}
				held = append(held, pendingTimestamp{ref.Collection, ref.ID, k})
			} else {
				staged[k] = time.Now()
			}
			continue
		}
		if elem, remove, ok := store.ArrayOp(v); ok {
			list := toStrings(doc[k])
			staged[k] = applyArrayOp(list, elem, remove)
			continue
		}
		staged[k] = writeValue(v, time.Now())
	}
	merged := map[string]any{}
	for k, v := range doc {
		merged[k] = v
	}
	for k, v := range staged {
		merged[k] = v
	}
	if err := s.checkUniqueLocked(ref.Collection, ref.ID, merged); err != nil {
		s.mu.Unlock()
		return err
	}
	s.collections[ref.Collection][ref.ID] = merged
	s.pending = append(s.pending, held...)
	notify := s.notifyLocked(map[string]bool{ref.Collection: true})
	s.mu.Unlock()
	notify()
	return nil
}

// Delete implements store.Store.
func (s *Store) Delete(_ context.Context, ref store.Ref) error {
	s.mu.Lock()
	if docs, ok := s.collections[ref.Collection]; ok {
		delete(docs, ref.ID)
	}
	notify := s.notifyLocked(map[string]bool{ref.Collection: true})
	s.mu.Unlock()
	notify()
	return nil
}

// Get implements store.Store.
func (s *Store) Get(_ context.Context, ref store.Ref) (store.Doc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.collections[ref.Collection][ref.ID]
	if !ok {
		return store.Doc{}, fmt.Errorf("%s/%s: %w", ref.Collection, ref.ID, store.ErrNotFound)
	}
	return store.Doc{ID: ref.ID, Fields: copyDoc(doc)}, nil
}

// FindMany implements store.Store.
func (s *Store) FindMany(_ context.Context, q store.Query) (store.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runQueryLocked(q), nil
}

// Subscribe implements store.Store. The initial snapshot is delivered
// synchronously before Subscribe returns.
func (s *Store) Subscribe(q store.Query, onSnapshot func(store.Snapshot), onError func(error)) (func(), error) {
	s.mu.Lock()
	if s.provisioning[q.Collection] {
		s.mu.Unlock()
		return nil, fmt.Errorf("subscribe %s: %w", q.Collection, store.ErrProvisioning)
	}
	s.nextSub++
	sub := &subscription{id: s.nextSub, query: q, onSnapshot: onSnapshot, onError: onError}
	s.subs[sub.id] = sub
	initial := s.runQueryLocked(q)
	s.mu.Unlock()

	onSnapshot(initial)
	return func() {
		s.mu.Lock()
		delete(s.subs, sub.id)
		s.mu.Unlock()
	}, nil
}

// notifyLocked collects the callbacks owed to subscriptions on the touched
// collections and returns a closure that runs them. The caller invokes it
// after releasing the lock so callbacks can re-enter the store.
func (s *Store) notifyLocked(touched map[string]bool) func() {
	type delivery struct {
		fn   func(store.Snapshot)
		snap store.Snapshot
	}
	var out []delivery
	for _, sub := range s.sortedSubsLocked() {
		if touched[sub.query.Collection] {
			out = append(out, delivery{sub.onSnapshot, s.runQueryLocked(sub.query)})
		}
	}
	return func() {
		for _, d := range out {
			d.fn(d.snap)
		}
	}
}

func (s *Store) sortedSubsLocked() []*subscription {
	subs := make([]*subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].id < subs[j].id })
	return subs
}

func (s *Store) runQueryLocked(q store.Query) store.Snapshot {
	var snap store.Snapshot
	for id, doc := range s.collections[q.Collection] {
		if !matches(doc, q.Filters) {
			continue
		}
		snap = append(snap, store.Doc{ID: id, Fields: copyDoc(doc)})
	}
	sortSnapshot(snap, q)
	return snap
}

func matches(doc map[string]any, filters []store.Filter) bool {
	for _, f := range filters {
		if f.Contains != nil {
			want, _ := f.Contains.(string)
			found := false
			for _, v := range toStrings(doc[f.Field]) {
				if v == want {
					found = true
					break
				}
			}
			if !found {
				return false
			}
			continue
		}
		if doc[f.Field] != f.Eq {
			return false
		}
	}
	return true
}

func sortSnapshot(snap store.Snapshot, q store.Query) {
	if q.OrderBy == "" {
		sort.Slice(snap, func(i, j int) bool { return snap[i].ID < snap[j].ID })
		return
	}
	sort.Slice(snap, func(i, j int) bool {
		less, eq := compare(snap[i].Fields[q.OrderBy], snap[j].Fields[q.OrderBy])
		if eq {
			return snap[i].ID < snap[j].ID
		}
		if q.Direction == store.Desc {
			return !less
		}
		return less
	})
}

func compare(a, b any) (less, eq bool) {
	switch av := a.(type) {
	case time.Time:
		bv, _ := b.(time.Time)
		return av.Before(bv), av.Equal(bv)
	case string:
		bv, _ := b.(string)
		return av < bv, av == bv
	}
	as, bs := fmt.Sprint(a), fmt.Sprint(b)
	return strings.Compare(as, bs) < 0, as == bs
}

func toStrings(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, e := range list {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func applyArrayOp(list []string, elem any, remove bool) []string {
	v, _ := elem.(string)
	out := make([]string, 0, len(list)+1)
	present := false
	for _, e := range list {
		if e == v {
			present = true
			if remove {
				continue
			}
		}
		out = append(out, e)
	}
	if !remove && !present {
		out = append(out, v)
	}
	return out
}

// writeValue copies an incoming value, committing any nested ServerTimestamp
// sentinels (inside maps such as a denormalized last message) with the write.
func writeValue(v any, now time.Time) any {
	switch val := v.(type) {
	case []string:
		return append([]string(nil), val...)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			if store.IsServerTimestamp(e) {
				out[k] = now
				continue
			}
			out[k] = writeValue(e, now)
		}
		return out
	}
	return v
}

func copyValue(v any) any {
	switch val := v.(type) {
	case []string:
		return append([]string(nil), val...)
	case map[string]any:
		return copyDoc(val)
	}
	return v
}

func copyDoc(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = copyValue(v)
	}
	return out
}
