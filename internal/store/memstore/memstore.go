// Package memstore is an in-memory store.Store. It evaluates the same
// predicates as MongoDB and supports fault injection for tests and dry
// rehearsals of migrations.
package memstore

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/bennyboer/kicherkrabbe-migrate/internal/domain"
	"github.com/bennyboer/kicherkrabbe-migrate/internal/store"
	"github.com/bmatcuk/doublestar/v4"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// Operation names accepted by FailOp
const (
	OpStream         = "stream"
	OpCollections    = "collections"
	OpFindByIDs      = "find"
	OpReplaceMany    = "replace"
	OpCount          = "count"
	OpInsert         = "insert"
	OpDeleteIDs      = "delete_ids"
	OpDeleteMatching = "delete_matching"
	OpUpdateMatching = "update_matching"
)

type collection struct {
	order []string
	docs  map[string]bson.Raw
}

func newCollection() *collection {
	return &collection{docs: make(map[string]bson.Raw)}
}

func (c *collection) put(id string, doc bson.Raw) {
	if _, ok := c.docs[id]; !ok {
		c.order = append(c.order, id)
	}
	c.docs[id] = doc
}

func (c *collection) remove(id string) bool {
	if _, ok := c.docs[id]; !ok {
		return false
	}
	delete(c.docs, id)
	for i, o := range c.order {
		if o == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return true
}

// Store keeps collections in insertion order. Only string _ids are
// supported.
type Store struct {
	mu          sync.Mutex
	collections map[string]*collection
	failWrites  map[string]error
	failOps     map[string]error
}

var _ store.Store = (*Store)(nil)

// New creates an empty store
func New() *Store {
	return &Store{
		collections: make(map[string]*collection),
		failWrites:  make(map[string]error),
		failOps:     make(map[string]error),
	}
}

// FailWrite makes every write of the document with the given _id fail with
// err, in any collection. A nil err clears the fault.
func (s *Store) FailWrite(id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failWrites, id)
		return
	}
	s.failWrites[id] = err
}

// FailOp makes every call of op fail with err. A nil err clears the fault.
func (s *Store) FailOp(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failOps, op)
		return
	}
	s.failOps[op] = err
}

// Seed inserts or replaces documents. Each document must marshal to BSON
// with a string _id.
func (s *Store) Seed(name string, docs ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.collection(name)
	for _, d := range docs {
		raw, id, err := marshal(d)
		if err != nil {
			return err
		}
		c.put(id, raw)
	}
	return nil
}

// Docs returns the documents of a collection in insertion order
func (s *Store) Docs(name string) []bson.Raw {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.collections[name]
	if !ok {
		return nil
	}
	out := make([]bson.Raw, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.docs[id])
	}
	return out
}

// Get returns one document by _id
func (s *Store) Get(name, id string) (bson.Raw, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.collections[name]
	if !ok {
		return nil, false
	}
	doc, ok := c.docs[id]
	return doc, ok
}

// Len returns the number of documents in a collection
func (s *Store) Len(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.collections[name]; ok {
		return len(c.order)
	}
	return 0
}

func (s *Store) collection(name string) *collection {
	c, ok := s.collections[name]
	if !ok {
		c = newCollection()
		s.collections[name] = c
	}
	return c
}

func (s *Store) opErr(op string) error {
	if err, ok := s.failOps[op]; ok {
		return err
	}
	return nil
}

// Stream calls fn for matching documents. The documents are snapshotted
// first so fn may write to the store.
func (s *Store) Stream(ctx context.Context, name string, preds []store.Predicate, fn func(bson.Raw) error) error {
	s.mu.Lock()
	if err := s.opErr(OpStream); err != nil {
		s.mu.Unlock()
		return err
	}
	var matched []bson.Raw
	if c, ok := s.collections[name]; ok {
		for _, id := range c.order {
			if doc := c.docs[id]; store.MatchAll(doc, preds) {
				matched = append(matched, clone(doc))
			}
		}
	}
	s.mu.Unlock()

	for _, doc := range matched {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(doc); err != nil {
			return err
		}
	}
	return nil
}

// Collections lists collections matching pattern, including emptied ones
func (s *Store) Collections(ctx context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.opErr(OpCollections); err != nil {
		return nil, err
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid collection pattern %q", pattern)
	}

	var names []string
	for name := range s.collections {
		if ok, _ := doublestar.Match(pattern, name); ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// FindByIDs returns the existing documents among ids
func (s *Store) FindByIDs(ctx context.Context, name string, ids []string) (map[string]bson.Raw, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.opErr(OpFindByIDs); err != nil {
		return nil, err
	}
	found := make(map[string]bson.Raw, len(ids))
	c, ok := s.collections[name]
	if !ok {
		return found, nil
	}
	for _, id := range ids {
		if doc, ok := c.docs[id]; ok {
			found[id] = clone(doc)
		}
	}
	return found, nil
}

// ReplaceMany upserts each replacement. Like an unordered bulk write, a
// failing document does not stop the others.
func (s *Store) ReplaceMany(ctx context.Context, name string, docs []store.Replacement) (*store.BulkResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.opErr(OpReplaceMany); err != nil {
		return nil, err
	}

	result := &store.BulkResult{}
	c := s.collection(name)
	for i, d := range docs {
		if err, ok := s.failWrites[d.ID]; ok {
			result.Errors = append(result.Errors, store.WriteError{Index: i, Err: err})
			continue
		}
		if id, ok := store.DocumentID(d.Doc); ok && id != d.ID {
			result.Errors = append(result.Errors, store.WriteError{Index: i, Err: fmt.Errorf("replacement _id %q does not match filter %q", id, d.ID)})
			continue
		}

		current, exists := c.docs[d.ID]
		switch {
		case !exists:
			result.Upserted++
		case bytes.Equal(current, d.Doc):
			result.Matched++
		default:
			result.Matched++
			result.Modified++
		}
		c.put(d.ID, clone(d.Doc))
	}
	return result, nil
}

// Count counts matching documents
func (s *Store) Count(ctx context.Context, name string, preds []store.Predicate) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.opErr(OpCount); err != nil {
		return 0, err
	}
	var n int64
	if c, ok := s.collections[name]; ok {
		for _, id := range c.order {
			if store.MatchAll(c.docs[id], preds) {
				n++
			}
		}
	}
	return n, nil
}

// Insert inserts one document, failing on an existing _id
func (s *Store) Insert(ctx context.Context, name string, doc any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.opErr(OpInsert); err != nil {
		return err
	}
	raw, id, err := marshal(doc)
	if err != nil {
		return err
	}
	if err, ok := s.failWrites[id]; ok {
		return err
	}

	c := s.collection(name)
	if _, exists := c.docs[id]; exists {
		return fmt.Errorf("failed to insert into %s: %w: _id %q", name, domain.ErrDuplicateKey, id)
	}
	c.put(id, raw)
	return nil
}

// DeleteIDs deletes documents by _id
func (s *Store) DeleteIDs(ctx context.Context, name string, ids []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.opErr(OpDeleteIDs); err != nil {
		return 0, err
	}
	c, ok := s.collections[name]
	if !ok {
		return 0, nil
	}
	var n int64
	for _, id := range ids {
		if c.remove(id) {
			n++
		}
	}
	return n, nil
}

// DeleteMatching deletes documents matching preds
func (s *Store) DeleteMatching(ctx context.Context, name string, preds []store.Predicate) (int64, error) {
	if len(preds) == 0 {
		return 0, store.ErrNoPredicates
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.opErr(OpDeleteMatching); err != nil {
		return 0, err
	}
	c, ok := s.collections[name]
	if !ok {
		return 0, nil
	}
	var victims []string
	for _, id := range c.order {
		if store.MatchAll(c.docs[id], preds) {
			victims = append(victims, id)
		}
	}
	for _, id := range victims {
		c.remove(id)
	}
	return int64(len(victims)), nil
}

// UpdateMatching sets top-level fields on documents matching preds
func (s *Store) UpdateMatching(ctx context.Context, name string, preds []store.Predicate, set bson.D) (int64, error) {
	if len(preds) == 0 {
		return 0, store.ErrNoPredicates
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.opErr(OpUpdateMatching); err != nil {
		return 0, err
	}
	c, ok := s.collections[name]
	if !ok {
		return 0, nil
	}

	var n int64
	for _, id := range c.order {
		doc := c.docs[id]
		if !store.MatchAll(doc, preds) {
			continue
		}
		if err, ok := s.failWrites[id]; ok {
			return n, err
		}
		updated, err := setFields(doc, set)
		if err != nil {
			return n, fmt.Errorf("failed to update %s in %s: %w", id, name, err)
		}
		c.docs[id] = updated
		n++
	}
	return n, nil
}

func setFields(doc bson.Raw, set bson.D) (bson.Raw, error) {
	var d bson.D
	if err := bson.Unmarshal(doc, &d); err != nil {
		return nil, err
	}
	for _, f := range set {
		replaced := false
		for i := range d {
			if d[i].Key == f.Key {
				d[i].Value = f.Value
				replaced = true
				break
			}
		}
		if !replaced {
			d = append(d, f)
		}
	}
	return bson.Marshal(d)
}

func marshal(doc any) (bson.Raw, string, error) {
	var raw bson.Raw
	switch d := doc.(type) {
	case bson.Raw:
		raw = clone(d)
	default:
		data, err := bson.Marshal(doc)
		if err != nil {
			return nil, "", fmt.Errorf("failed to marshal document: %w", err)
		}
		raw = data
	}
	id, ok := store.DocumentID(raw)
	if !ok {
		return nil, "", fmt.Errorf("document has no string _id")
	}
	return raw, id, nil
}

func clone(doc bson.Raw) bson.Raw {
	out := make(bson.Raw, len(doc))
	copy(out, doc)
	return out
}
