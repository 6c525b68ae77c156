// Package mongostore implements store.Store on a MongoDB database.
package mongostore

import (
	"context"
	"errors"
	"fmt"

	"github.com/bennyboer/kicherkrabbe-migrate/internal/db"
	"github.com/bennyboer/kicherkrabbe-migrate/internal/domain"
	"github.com/bennyboer/kicherkrabbe-migrate/internal/store"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const duplicateKeyCode = 11000

// Store is a store.Store backed by MongoDB
type Store struct {
	db *db.DB
}

var _ store.Store = (*Store)(nil)

// New wraps an open database
func New(database *db.DB) *Store {
	return &Store{db: database}
}

func (s *Store) coll(name string) *mongo.Collection {
	return s.db.Collection(name)
}

// Stream iterates matching documents with a cursor
func (s *Store) Stream(ctx context.Context, collection string, preds []store.Predicate, fn func(bson.Raw) error) error {
	cur, err := s.coll(collection).Find(ctx, store.Filter(preds))
	if err != nil {
		return fmt.Errorf("failed to query %s: %w", collection, err)
	}
	defer cur.Close(ctx)

	for cur.Next(ctx) {
		// cur.Current is reused by the next batch
		doc := make(bson.Raw, len(cur.Current))
		copy(doc, cur.Current)
		if err := fn(doc); err != nil {
			return err
		}
	}
	if err := cur.Err(); err != nil {
		return fmt.Errorf("failed to iterate %s: %w", collection, err)
	}
	return nil
}

// Collections lists collections matching pattern
func (s *Store) Collections(ctx context.Context, pattern string) ([]string, error) {
	return s.db.CollectionsMatching(ctx, pattern)
}

// FindByIDs fetches the existing documents among ids
func (s *Store) FindByIDs(ctx context.Context, collection string, ids []string) (map[string]bson.Raw, error) {
	found := make(map[string]bson.Raw, len(ids))
	if len(ids) == 0 {
		return found, nil
	}

	filter := bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}}}
	cur, err := s.coll(collection).Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", collection, err)
	}
	defer cur.Close(ctx)

	for cur.Next(ctx) {
		doc := make(bson.Raw, len(cur.Current))
		copy(doc, cur.Current)
		if id, ok := store.DocumentID(doc); ok {
			found[id] = doc
		}
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s: %w", collection, err)
	}
	return found, nil
}

// ReplaceMany upserts documents with one unordered bulk write
func (s *Store) ReplaceMany(ctx context.Context, collection string, docs []store.Replacement) (*store.BulkResult, error) {
	result := &store.BulkResult{}
	if len(docs) == 0 {
		return result, nil
	}

	models := make([]mongo.WriteModel, 0, len(docs))
	for _, d := range docs {
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.D{{Key: "_id", Value: d.ID}}).
			SetReplacement(d.Doc).
			SetUpsert(true))
	}

	res, err := s.coll(collection).BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	if res != nil {
		result.Matched = res.MatchedCount
		result.Modified = res.ModifiedCount
		result.Upserted = res.UpsertedCount
	}
	if err == nil {
		return result, nil
	}

	var bwe mongo.BulkWriteException
	if !errors.As(err, &bwe) || len(bwe.WriteErrors) == 0 || bwe.WriteConcernError != nil {
		return result, fmt.Errorf("failed to write %s: %w", collection, err)
	}

	for _, we := range bwe.WriteErrors {
		werr := errors.New(we.Message)
		if we.Code == duplicateKeyCode {
			werr = fmt.Errorf("%w: %s", domain.ErrDuplicateKey, we.Message)
		}
		result.Errors = append(result.Errors, store.WriteError{Index: we.Index, Err: werr})
	}
	return result, nil
}

// Count counts matching documents
func (s *Store) Count(ctx context.Context, collection string, preds []store.Predicate) (int64, error) {
	n, err := s.coll(collection).CountDocuments(ctx, store.Filter(preds))
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", collection, err)
	}
	return n, nil
}

// Insert inserts one document
func (s *Store) Insert(ctx context.Context, collection string, doc any) error {
	if _, err := s.coll(collection).InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("failed to insert into %s: %w", collection, errors.Join(domain.ErrDuplicateKey, err))
		}
		return fmt.Errorf("failed to insert into %s: %w", collection, err)
	}
	return nil
}

// DeleteIDs deletes documents by _id
func (s *Store) DeleteIDs(ctx context.Context, collection string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.coll(collection).DeleteMany(ctx, bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}}})
	if err != nil {
		return 0, fmt.Errorf("failed to delete from %s: %w", collection, err)
	}
	return res.DeletedCount, nil
}

// DeleteMatching deletes documents matching preds
func (s *Store) DeleteMatching(ctx context.Context, collection string, preds []store.Predicate) (int64, error) {
	if len(preds) == 0 {
		return 0, store.ErrNoPredicates
	}
	res, err := s.coll(collection).DeleteMany(ctx, store.Filter(preds))
	if err != nil {
		return 0, fmt.Errorf("failed to delete from %s: %w", collection, err)
	}
	return res.DeletedCount, nil
}

// UpdateMatching sets fields on documents matching preds
func (s *Store) UpdateMatching(ctx context.Context, collection string, preds []store.Predicate, set bson.D) (int64, error) {
	if len(preds) == 0 {
		return 0, store.ErrNoPredicates
	}
	res, err := s.coll(collection).UpdateMany(ctx, store.Filter(preds), bson.D{{Key: "$set", Value: set}})
	if err != nil {
		return 0, fmt.Errorf("failed to update %s: %w", collection, err)
	}
	return res.MatchedCount, nil
}
