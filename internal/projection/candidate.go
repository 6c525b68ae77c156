// Package projection reconciles derived collections against their sources.
// Mappers turn source documents into candidates with deterministic keys; the
// Reconciler applies them to a target and reports what happened.
package projection

import (
	"fmt"
	"time"

	"github.com/bennyboer/kicherkrabbe-migrate/internal/domain"
	"github.com/bennyboer/kicherkrabbe-migrate/internal/store"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// Strategy names how a migration applies its changes
type Strategy string

const (
	StrategyKeyedReplace   Strategy = "keyed-replace"
	StrategyExistenceGated Strategy = "existence-gated"
	StrategySweep          Strategy = "sweep"
)

// Candidate is one expected target document. ID is derived from the
// source's identifying fields only, so re-running a mapper yields the same
// keys. Supersedes lists ids of target documents this candidate replaces.
type Candidate struct {
	ID         string
	Payload    any
	Supersedes []string

	// Canonical marks a candidate read from a document already stored
	// under ID. Its payload wins over colliding candidates.
	Canonical bool
}

// Document renders the candidate as a raw document with _id first. A
// payload carrying its own _id must agree with ID.
func (c Candidate) Document() (bson.Raw, error) {
	data, err := bson.Marshal(c.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", c.ID, err)
	}

	var fields bson.D
	if err := bson.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", c.ID, err)
	}

	doc := bson.D{{Key: "_id", Value: c.ID}}
	for _, f := range fields {
		if f.Key == "_id" {
			if id, ok := f.Value.(string); !ok || id != c.ID {
				return nil, fmt.Errorf("payload _id %v does not match key %s", f.Value, c.ID)
			}
			continue
		}
		doc = append(doc, f)
	}

	return bson.Marshal(doc)
}

// Mapper derives candidates from one source document. Mappers are pure.
// A document that cannot be decoded returns an error wrapping
// domain.ErrMalformed and yields no candidates.
type Mapper interface {
	Map(doc bson.Raw) ([]Candidate, error)
}

// MapperFunc adapts a function to Mapper
type MapperFunc func(doc bson.Raw) ([]Candidate, error)

func (f MapperFunc) Map(doc bson.Raw) ([]Candidate, error) {
	return f(doc)
}

// Source is a collection read by a keyed-replace reconciliation
type Source struct {
	Collection string
	Predicates []store.Predicate
	Mapper     Mapper
}

// GatedCandidate is a document inserted only when no document matching its
// defining tuple exists. Build is called with a fresh id and timestamp.
type GatedCandidate struct {
	Label string
	Match []store.Predicate
	Build func(id string, createdAt time.Time) any
}

// GatedMapper derives gated candidates from one source document
type GatedMapper interface {
	Map(doc bson.Raw) ([]GatedCandidate, error)
}

// GatedMapperFunc adapts a function to GatedMapper
type GatedMapperFunc func(doc bson.Raw) ([]GatedCandidate, error)

func (f GatedMapperFunc) Map(doc bson.Raw) ([]GatedCandidate, error) {
	return f(doc)
}

// GatedSource is a collection read by an existence-gated reconciliation
type GatedSource struct {
	Collection string
	Predicates []store.Predicate
	Mapper     GatedMapper
}

// Decode decodes a source document into its typed record. Any failure is
// reported as malformed.
func Decode[T any](doc bson.Raw) (T, error) {
	var v T
	if err := bson.Unmarshal(doc, &v); err != nil {
		id, _ := store.DocumentID(doc)
		return v, fmt.Errorf("%w: document %q: %v", domain.ErrMalformed, id, err)
	}
	return v, nil
}
