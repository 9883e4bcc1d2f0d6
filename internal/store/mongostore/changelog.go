package mongostore

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/roach88/quarry/internal/ir"
	"github.com/roach88/quarry/internal/querymongo"
	"github.com/roach88/quarry/internal/store"
)

// changeDocument converts c to its stored form, keyed by sequence.
func changeDocument(c store.Change) (bson.D, error) {
	key, err := querymongo.ToBSON(c.Key)
	if err != nil {
		return nil, err
	}
	doc := bson.D{
		{Key: "_id", Value: c.Seq},
		{Key: "entity", Value: c.Entity},
		{Key: "key", Value: key},
	}
	for _, f := range []struct {
		name string
		rec  ir.Object
	}{{"old", c.Old}, {"new", c.New}} {
		var v any
		if f.rec != nil {
			if v, err = querymongo.ToBSON(f.rec); err != nil {
				return nil, err
			}
		}
		doc = append(doc, bson.E{Key: f.name, Value: v})
	}
	return doc, nil
}

func parseChange(doc bson.D) (store.Change, error) {
	v, err := querymongo.FromBSON(doc)
	if err != nil {
		return store.Change{}, err
	}
	obj := v.(ir.Object)
	seq, ok := obj["_id"].(ir.Int)
	if !ok {
		return store.Change{}, fmt.Errorf("change without sequence")
	}
	c := store.Change{Seq: int64(seq), Key: obj["key"]}
	if name, ok := obj["entity"].(ir.String); ok {
		c.Entity = string(name)
	}
	c.Old, _ = obj["old"].(ir.Object)
	c.New, _ = obj["new"].(ir.Object)
	return c, nil
}

// Append stores c in the change log.
func (s *Store) Append(ctx context.Context, c store.Change) error {
	doc, err := changeDocument(c)
	if err != nil {
		return fmt.Errorf("append change: %w", err)
	}
	if _, err := s.db.Collection(changesCollection).InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("append change: %w", err)
	}
	return nil
}

// Since returns changes after the given sequence, oldest first.
func (s *Store) Since(ctx context.Context, after int64, limit int) ([]store.Change, error) {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.db.Collection(changesCollection).Find(ctx,
		bson.D{{Key: "_id", Value: bson.D{{Key: "$gt", Value: after}}}}, opts)
	if err != nil {
		return nil, fmt.Errorf("query changes: %w", err)
	}
	defer cur.Close(ctx)

	changes := []store.Change{}
	for cur.Next(ctx) {
		var doc bson.D
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode change: %w", err)
		}
		c, err := parseChange(doc)
		if err != nil {
			return nil, err
		}
		changes = append(changes, c)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("iterate changes: %w", err)
	}
	return changes, nil
}

// LastSeq returns the greatest sequence in the change log.
func (s *Store) LastSeq(ctx context.Context) (int64, error) {
	var last struct {
		Seq int64 `bson:"_id"`
	}
	err := s.db.Collection(changesCollection).FindOne(ctx, bson.D{},
		options.FindOne().SetSort(bson.D{{Key: "_id", Value: -1}})).Decode(&last)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("last seq: %w", err)
	}
	return last.Seq, nil
}

// Watch tails the change log through a change stream and calls fn for
// every change appended after the given sequence, by any process. It
// returns when ctx is done or fn fails.
func (s *Store) Watch(ctx context.Context, after int64, fn func(store.Change) error) error {
	pipe := mongo.Pipeline{{{Key: "$match", Value: bson.D{
		{Key: "operationType", Value: "insert"},
		{Key: "fullDocument._id", Value: bson.D{{Key: "$gt", Value: after}}},
	}}}}
	stream, err := s.db.Collection(changesCollection).Watch(ctx, pipe)
	if err != nil {
		return fmt.Errorf("watch changes: %w", err)
	}
	defer stream.Close(context.Background())

	for stream.Next(ctx) {
		var ev struct {
			FullDocument bson.D `bson:"fullDocument"`
		}
		if err := stream.Decode(&ev); err != nil {
			return fmt.Errorf("decode change event: %w", err)
		}
		c, err := parseChange(ev.FullDocument)
		if err != nil {
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
	}
	if err := stream.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("watch changes: %w", err)
	}
	return ctx.Err()
}
