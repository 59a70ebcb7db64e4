// Package mongostore implements the document store contract on MongoDB.
// Server timestamps are resolved with $$NOW update pipelines so commit time
// comes from the server clock, and live subscriptions are built on change
// streams, re-running the query and delivering the full result set per event.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/davidolumide/chatsync/internal/store"
)

// Store implements store.Store on a MongoDB database.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// Connect establishes a MongoDB connection, verifies it with a ping and
// returns a Store over the named database.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetConnectTimeout(10 * time.Second)

	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return &Store{client: client, db: client.Database(database)}, nil
}

// Close disconnects from MongoDB.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// CreateIndexes creates the indexes the chat collections rely on. The unique
// sparse index on conversations.chat_key is what makes concurrent
// find-or-create calls for the same participant pair converge on a single
// conversation: the loser gets a duplicate key error and re-reads.
func (s *Store) CreateIndexes(ctx context.Context) error {
	_, err := s.db.Collection("conversations").Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "chat_key", Value: 1}},
			Options: options.Index().SetUnique(true).SetSparse(true),
		},
		{
			Keys: bson.D{{Key: "participants", Value: 1}, {Key: "created_at", Value: -1}},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create conversation indexes: %w", err)
	}

	_, err = s.db.Collection("users").Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create users index: %w", err)
	}

	_, err = s.db.Collection("messages").Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create message indexes: %w", err)
	}
	return nil
}

// Create implements store.Store. Fields carrying server timestamp sentinels
// are committed in a follow-up $$NOW pipeline update; until that lands the
// document exists without the timestamp, which is exactly the pending-write
// state subscribers filter out.
func (s *Store) Create(ctx context.Context, collection string, fields map[string]any) (string, error) {
	id := bson.NewObjectID()

	immediate := bson.M{"_id": id}
	pipeline := bson.D{}
	for k, v := range fields {
		if containsSentinel(v) {
			pipeline = append(pipeline, bson.E{Key: k, Value: pipelineValue(v)})
			continue
		}
		immediate[k] = toBSON(v)
	}

	if _, err := s.db.Collection(collection).InsertOne(ctx, immediate); err != nil {
		return "", translate(err)
	}

	if len(pipeline) > 0 {
		update := mongo.Pipeline{bson.D{{Key: "$set", Value: pipeline}}}
		if _, err := s.db.Collection(collection).UpdateByID(ctx, id, update); err != nil {
			return "", translate(err)
		}
	}
	return id.Hex(), nil
}

// Update implements store.Store.
func (s *Store) Update(ctx context.Context, ref store.Ref, fields map[string]any) error {
	coll := s.db.Collection(ref.Collection)
	docID := refID(ref)

	set := bson.D{}
	addToSet := bson.M{}
	pull := bson.M{}
	for k, v := range fields {
		if elem, remove, ok := store.ArrayOp(v); ok {
			if remove {
				pull[k] = toBSON(elem)
			} else {
				addToSet[k] = toBSON(elem)
			}
			continue
		}
		set = append(set, bson.E{Key: k, Value: pipelineValue(v)})
	}

	if len(set) > 0 {
		res, err := coll.UpdateByID(ctx, docID, mongo.Pipeline{bson.D{{Key: "$set", Value: set}}})
		if err != nil {
			return translate(err)
		}
		if res.MatchedCount == 0 {
			return fmt.Errorf("%s/%s: %w", ref.Collection, ref.ID, store.ErrNotFound)
		}
	}

	ops := bson.M{}
	if len(addToSet) > 0 {
		ops["$addToSet"] = addToSet
	}
	if len(pull) > 0 {
		ops["$pull"] = pull
	}
	if len(ops) > 0 {
		res, err := coll.UpdateByID(ctx, docID, ops)
		if err != nil {
			return translate(err)
		}
		if res.MatchedCount == 0 {
			return fmt.Errorf("%s/%s: %w", ref.Collection, ref.ID, store.ErrNotFound)
		}
	}
	return nil
}

// Delete implements store.Store. Deleting an absent document succeeds.
func (s *Store) Delete(ctx context.Context, ref store.Ref) error {
	if _, err := s.db.Collection(ref.Collection).DeleteOne(ctx, bson.M{"_id": refID(ref)}); err != nil {
		return translate(err)
	}
	return nil
}

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, ref store.Ref) (store.Doc, error) {
	var raw bson.M
	err := s.db.Collection(ref.Collection).FindOne(ctx, bson.M{"_id": refID(ref)}).Decode(&raw)
	if err != nil {
		return store.Doc{}, translate(err)
	}
	return fromBSON(raw), nil
}

// FindMany implements store.Store.
func (s *Store) FindMany(ctx context.Context, q store.Query) (store.Snapshot, error) {
	filter := bson.M{}
	for _, f := range q.Filters {
		if f.Contains != nil {
			// Matching a scalar against an array field is Mongo's
			// array-contains query.
			filter[f.Field] = toBSON(f.Contains)
			continue
		}
		filter[f.Field] = toBSON(f.Eq)
	}

	opts := options.Find()
	if q.OrderBy != "" {
		dir := 1
		if q.Direction == store.Desc {
			dir = -1
		}
		opts = opts.SetSort(bson.D{{Key: q.OrderBy, Value: dir}})
	}

	cursor, err := s.db.Collection(q.Collection).Find(ctx, filter, opts)
	if err != nil {
		return nil, translate(err)
	}
	defer cursor.Close(ctx)

	var raw []bson.M
	if err := cursor.All(ctx, &raw); err != nil {
		return nil, translate(err)
	}

	snap := make(store.Snapshot, 0, len(raw))
	for _, doc := range raw {
		snap = append(snap, fromBSON(doc))
	}
	return snap, nil
}

// Subscribe implements store.Store. A change stream on the collection drives
// re-execution of the query; every event delivers the full matching result
// set, never a delta.
func (s *Store) Subscribe(q store.Query, onSnapshot func(store.Snapshot), onError func(error)) (func(), error) {
	ctx, cancel := context.WithCancel(context.Background())

	stream, err := s.db.Collection(q.Collection).Watch(ctx, mongo.Pipeline{})
	if err != nil {
		cancel()
		return nil, translate(err)
	}

	initial, err := s.FindMany(ctx, q)
	if err != nil {
		cancel()
		_ = stream.Close(context.Background())
		return nil, err
	}
	onSnapshot(initial)

	go func() {
		defer stream.Close(context.Background())
		for stream.Next(ctx) {
			snap, err := s.FindMany(ctx, q)
			if err != nil {
				onError(err)
				continue
			}
			onSnapshot(snap)
		}
		if err := stream.Err(); err != nil && ctx.Err() == nil {
			onError(translate(err))
		}
	}()

	return cancel, nil
}

func refID(ref store.Ref) any {
	if oid, err := bson.ObjectIDFromHex(ref.ID); err == nil {
		return oid
	}
	return ref.ID
}

// containsSentinel reports whether v is, or nests, a server timestamp.
func containsSentinel(v any) bool {
	if store.IsServerTimestamp(v) {
		return true
	}
	if m, ok := v.(map[string]any); ok {
		for _, e := range m {
			if containsSentinel(e) {
				return true
			}
		}
	}
	return false
}

// pipelineValue converts an update value into an aggregation-pipeline
// expression. Sentinels become the $$NOW variable; everything else is wrapped
// in $literal so strings starting with "$" are not read as field paths.
func pipelineValue(v any) any {
	if store.IsServerTimestamp(v) {
		return "$$NOW"
	}
	if m, ok := v.(map[string]any); ok {
		out := bson.D{}
		for k, e := range m {
			out = append(out, bson.E{Key: k, Value: pipelineValue(e)})
		}
		return out
	}
	return bson.D{{Key: "$literal", Value: toBSON(v)}}
}

func toBSON(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := bson.M{}
		for k, e := range val {
			out[k] = toBSON(e)
		}
		return out
	case []string:
		out := bson.A{}
		for _, e := range val {
			out = append(out, e)
		}
		return out
	case []any:
		out := bson.A{}
		for _, e := range val {
			out = append(out, toBSON(e))
		}
		return out
	}
	return v
}

func fromBSON(doc bson.M) store.Doc {
	out := store.Doc{Fields: map[string]any{}}
	for k, v := range doc {
		if k == "_id" {
			out.ID = idString(v)
			continue
		}
		out.Fields[k] = fieldValue(v)
	}
	return out
}

func idString(v any) string {
	switch id := v.(type) {
	case bson.ObjectID:
		return id.Hex()
	case string:
		return id
	}
	return fmt.Sprint(v)
}

func fieldValue(v any) any {
	switch val := v.(type) {
	case bson.DateTime:
		return val.Time().UTC()
	case time.Time:
		return val.UTC()
	case bson.ObjectID:
		return val.Hex()
	case bson.A:
		out := make([]any, 0, len(val))
		for _, e := range val {
			out = append(out, fieldValue(e))
		}
		return out
	case bson.M:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = fieldValue(e)
		}
		return out
	case bson.D:
		out := make(map[string]any, len(val))
		for _, e := range val {
			out[e.Key] = fieldValue(e.Value)
		}
		return out
	}
	return v
}

// Change streams need a replica set and unique constraints need their index
// built; both read as "backend still provisioning" to callers rather than as
// permanent failures.
const changeStreamsUnsupported = 40573

func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%w: %v", store.ErrNotFound, err)
	}
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %v", store.ErrDuplicateKey, err)
	}
	var srvErr mongo.ServerError
	if errors.As(err, &srvErr) {
		if srvErr.HasErrorCode(changeStreamsUnsupported) ||
			srvErr.HasErrorCodeWithMessage(changeStreamsUnsupported, "replica sets") {
			return fmt.Errorf("%w: %v", store.ErrProvisioning, err)
		}
	}
	if strings.Contains(err.Error(), "only supported on replica sets") ||
		strings.Contains(err.Error(), "requires an index") {
		return fmt.Errorf("%w: %v", store.ErrProvisioning, err)
	}
	return fmt.Errorf("store: %w", err)
}
