// Package mongostore is the MongoDB store.Backend. Each entity type is a
// collection whose documents use the entity key as _id; queries run as
// aggregation pipelines compiled by querymongo.
//
// Atomic needs a replica set or sharded cluster, as MongoDB only runs
// multi-document transactions there.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/roach88/quarry/internal/compiler"
	"github.com/roach88/quarry/internal/entity"
	"github.com/roach88/quarry/internal/expr"
	"github.com/roach88/quarry/internal/ir"
	"github.com/roach88/quarry/internal/query"
	"github.com/roach88/quarry/internal/querymongo"
	"github.com/roach88/quarry/internal/repoerr"
	"github.com/roach88/quarry/internal/store"
)

const (
	layoutsCollection = "quarry_layouts"
	changesCollection = "quarry_changes"
)

// Store is the MongoDB backend. It implements store.Backend and
// store.ChangeLog.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	pipes  *querymongo.Compiler

	mu      sync.Mutex
	layouts map[string]string
}

var (
	_ store.Backend   = (*Store)(nil)
	_ store.ChangeLog = (*Store)(nil)
)

// Open connects to the deployment at uri and uses the named database.
func Open(ctx context.Context, uri, database string, reg *entity.Registry) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping: %w", err)
	}
	return &Store{
		client:  client,
		db:      client.Database(database),
		pipes:   querymongo.New(reg),
		layouts: make(map[string]string),
	}, nil
}

// Close disconnects the client.
func (s *Store) Close() error {
	return s.client.Disconnect(context.Background())
}

// Database returns the database the store works in.
func (s *Store) Database() *mongo.Database { return s.db }

func (s *Store) coll(desc *entity.Descriptor) *mongo.Collection {
	return s.db.Collection(desc.Name)
}

// Atomic runs fn inside one multi-document transaction. The callback may
// run more than once when the server reports a transient error.
func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	if mongo.SessionFromContext(ctx) != nil {
		return fn(ctx)
	}
	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("atomic: start session: %w", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	return err
}

// Ensure records the layout of desc and of every entity it references.
// Collections are created by the server on first write.
func (s *Store) Ensure(ctx context.Context, desc *entity.Descriptor) error {
	for _, d := range store.Referenced(s.pipes.Registry, desc) {
		if err := s.ensure(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ensure(ctx context.Context, desc *entity.Descriptor) error {
	layout, err := store.Layout(desc)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if known, ok := s.layouts[desc.Name]; ok {
		if known != layout {
			return repoerr.Schema(desc.Name, "collection layout changed since it was created")
		}
		return nil
	}

	layouts := s.db.Collection(layoutsCollection)
	_, err = layouts.InsertOne(ctx, bson.D{{Key: "_id", Value: desc.Name}, {Key: "layout", Value: layout}})
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("ensure %s: record layout: %w", desc.Name, err)
	}
	var stored struct {
		Layout string `bson:"layout"`
	}
	if err := layouts.FindOne(ctx, bson.D{{Key: "_id", Value: desc.Name}}).Decode(&stored); err != nil {
		return fmt.Errorf("ensure %s: read layout: %w", desc.Name, err)
	}
	if stored.Layout != layout {
		return repoerr.Schema(desc.Name, "stored collection layout differs from the descriptor")
	}
	if mongo.SessionFromContext(ctx) == nil {
		s.layouts[desc.Name] = layout
	}
	return nil
}

// Select returns the records matched by q in query order.
func (s *Store) Select(ctx context.Context, q *query.Info) ([]ir.Object, error) {
	if err := s.Ensure(ctx, q.Entity); err != nil {
		return nil, err
	}
	pipe, err := s.pipes.Select(q)
	if err != nil {
		return nil, err
	}
	cur, err := s.coll(q.Entity).Aggregate(ctx, pipe)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.Entity.Name, err)
	}
	defer cur.Close(ctx)

	recs := []ir.Object{}
	for cur.Next(ctx) {
		var doc bson.D
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode %s: %w", q.Entity.Name, err)
		}
		rec, err := querymongo.Record(q.Entity, doc)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", q.Entity.Name, err)
	}
	return recs, nil
}

// Aggregate reduces the records matched by q to one value.
func (s *Store) Aggregate(ctx context.Context, q *query.Info, agg query.Aggregator) (ir.Value, error) {
	if err := s.Ensure(ctx, q.Entity); err != nil {
		return nil, err
	}
	pipe, err := s.pipes.Aggregate(q, agg)
	if err != nil {
		return nil, err
	}
	cur, err := s.coll(q.Entity).Aggregate(ctx, pipe)
	if err != nil {
		return nil, fmt.Errorf("aggregate %s: %w", q.Entity.Name, err)
	}
	defer cur.Close(ctx)

	if !cur.Next(ctx) {
		if err := cur.Err(); err != nil {
			return nil, fmt.Errorf("aggregate %s: %w", q.Entity.Name, err)
		}
		// $group yields nothing for no input.
		return compiler.Reduce(agg.Op, nil)
	}
	var out struct {
		Value any `bson:"value"`
	}
	if err := cur.Decode(&out); err != nil {
		return nil, fmt.Errorf("aggregate %s: %w", q.Entity.Name, err)
	}
	return querymongo.FromBSON(out.Value)
}

// Lookup returns the record of desc with the given key.
func (s *Store) Lookup(ctx context.Context, desc *entity.Descriptor, key ir.Value) (ir.Object, bool, error) {
	if err := s.Ensure(ctx, desc); err != nil {
		return nil, false, err
	}
	id, err := querymongo.ToBSON(key)
	if err != nil {
		return nil, false, err
	}
	var doc bson.D
	err = s.coll(desc).FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("lookup %s: %w", desc.Name, err)
	}
	rec, err := querymongo.Record(desc, doc)
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// Insert stores a new record.
func (s *Store) Insert(ctx context.Context, desc *entity.Descriptor, rec ir.Object) error {
	if err := s.Ensure(ctx, desc); err != nil {
		return err
	}
	doc, err := s.document(desc, rec)
	if err != nil {
		return err
	}
	if _, err := s.coll(desc).InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("insert %s: %w: %v", desc.Name, store.ErrDuplicateKey, err)
		}
		return fmt.Errorf("insert %s: %w", desc.Name, err)
	}
	return nil
}

func (s *Store) document(desc *entity.Descriptor, rec ir.Object) (bson.D, error) {
	rec, err := desc.Coerce(rec)
	if err != nil {
		return nil, err
	}
	return querymongo.Document(desc, rec)
}

// versioned is the filter of a compare-and-set write.
func versioned(key ir.Value, version int64) (bson.D, error) {
	id, err := querymongo.ToBSON(key)
	if err != nil {
		return nil, err
	}
	return bson.D{{Key: "_id", Value: id}, {Key: entity.VersionProperty, Value: version}}, nil
}

// UpdateVersioned replaces the record with the given key if its stored
// version is still version.
func (s *Store) UpdateVersioned(ctx context.Context, desc *entity.Descriptor, key ir.Value, version int64, rec ir.Object) (int64, error) {
	if err := s.Ensure(ctx, desc); err != nil {
		return 0, err
	}
	filter, err := versioned(key, version)
	if err != nil {
		return 0, err
	}
	doc, err := s.document(desc, rec)
	if err != nil {
		return 0, err
	}
	res, err := s.coll(desc).ReplaceOne(ctx, filter, doc)
	if err != nil {
		return 0, fmt.Errorf("update %s: %w", desc.Name, err)
	}
	return res.MatchedCount, nil
}

// DeleteVersioned deletes the record with the given key if its stored
// version is still version.
func (s *Store) DeleteVersioned(ctx context.Context, desc *entity.Descriptor, key ir.Value, version int64) (int64, error) {
	if err := s.Ensure(ctx, desc); err != nil {
		return 0, err
	}
	filter, err := versioned(key, version)
	if err != nil {
		return 0, err
	}
	res, err := s.coll(desc).DeleteOne(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", desc.Name, err)
	}
	return res.DeletedCount, nil
}

// keys returns the _id values of the documents a bulk command touches.
func (s *Store) keys(ctx context.Context, desc *entity.Descriptor, pred expr.Expr, limit int) (bson.A, error) {
	pipe, err := s.pipes.Keys(desc, pred, limit)
	if err != nil {
		return nil, err
	}
	cur, err := s.coll(desc).Aggregate(ctx, pipe)
	if err != nil {
		return nil, fmt.Errorf("match %s: %w", desc.Name, err)
	}
	defer cur.Close(ctx)

	var ids bson.A
	for cur.Next(ctx) {
		ids = append(ids, cur.Current.Lookup("_id"))
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("match %s: %w", desc.Name, err)
	}
	return ids, nil
}

// Update applies a bulk assignment.
func (s *Store) Update(ctx context.Context, u *query.UpdateInfo) (int64, error) {
	if err := s.Ensure(ctx, u.Entity); err != nil {
		return 0, err
	}
	pipe, err := s.pipes.Update(u)
	if err != nil {
		return 0, err
	}
	ids, err := s.keys(ctx, u.Entity, u.Predicate, u.Limit)
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	res, err := s.coll(u.Entity).UpdateMany(ctx, bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}}}, pipe)
	if err != nil {
		return 0, fmt.Errorf("update %s: %w", u.Entity.Name, err)
	}
	return res.MatchedCount, nil
}

// Delete removes the matched records.
func (s *Store) Delete(ctx context.Context, d *query.DeleteInfo) (int64, error) {
	if err := s.Ensure(ctx, d.Entity); err != nil {
		return 0, err
	}
	ids, err := s.keys(ctx, d.Entity, d.Predicate, d.Limit)
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	res, err := s.coll(d.Entity).DeleteMany(ctx, bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}}})
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", d.Entity.Name, err)
	}
	return res.DeletedCount, nil
}
