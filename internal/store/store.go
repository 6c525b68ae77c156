// Package store is the collection-access capability passed to every
// migration. It has a MongoDB implementation (mongostore) and an in-memory
// one (memstore) that behave the same for the operations below.
package store

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// ErrUnavailable marks an error as transient: the store could not be
// reached. Implementations wrap it; IsTransient recognizes it.
var ErrUnavailable = errors.New("store unavailable")

// Replacement is a full document keyed by its string _id
type Replacement struct {
	ID  string
	Doc bson.Raw
}

// WriteError is the failure of one write inside a bulk operation
type WriteError struct {
	Index int
	Err   error
}

// BulkResult reports the outcome of ReplaceMany
type BulkResult struct {
	Matched  int64
	Modified int64
	Upserted int64
	Errors   []WriteError
}

// Source streams documents
type Source interface {
	// Stream calls fn for every document of collection matching preds.
	// The raw document passed to fn is owned by fn.
	Stream(ctx context.Context, collection string, preds []Predicate, fn func(bson.Raw) error) error

	// Collections returns the sorted names of collections matching a
	// doublestar pattern.
	Collections(ctx context.Context, pattern string) ([]string, error)
}

// Target mutates and inspects target collections
type Target interface {
	// FindByIDs returns the documents among ids that exist, keyed by _id
	FindByIDs(ctx context.Context, collection string, ids []string) (map[string]bson.Raw, error)

	// ReplaceMany upserts every replacement by _id without ordering.
	// Per-document failures are reported in BulkResult.Errors; a non-nil
	// error means the batch as a whole failed.
	ReplaceMany(ctx context.Context, collection string, docs []Replacement) (*BulkResult, error)

	// Count returns the number of documents matching preds
	Count(ctx context.Context, collection string, preds []Predicate) (int64, error)

	// Insert inserts one document. A collision wraps domain.ErrDuplicateKey.
	Insert(ctx context.Context, collection string, doc any) error

	// DeleteIDs deletes documents by _id
	DeleteIDs(ctx context.Context, collection string, ids []string) (int64, error)

	// DeleteMatching deletes documents matching preds. An empty predicate
	// list is rejected so a sweep can never empty a collection.
	DeleteMatching(ctx context.Context, collection string, preds []Predicate) (int64, error)

	// UpdateMatching sets top-level fields on documents matching preds and
	// returns how many matched. Like DeleteMatching it requires predicates.
	UpdateMatching(ctx context.Context, collection string, preds []Predicate, set bson.D) (int64, error)
}

// Store is both a Source and a Target
type Store interface {
	Source
	Target
}

// ErrNoPredicates is returned by DeleteMatching and UpdateMatching
// without predicates
var ErrNoPredicates = errors.New("refusing to delete without predicates")

// IsTransient reports whether err is an I/O failure after which the
// current collection should be abandoned and the run retried later.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	return mongo.IsNetworkError(err) || mongo.IsTimeout(err)
}
