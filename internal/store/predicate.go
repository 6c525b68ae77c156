package store

import (
	"bytes"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Op is a predicate operator
type Op int

const (
	// OpExists matches when the field is present and not null
	OpExists Op = iota
	// OpMissing matches when the field is absent or null
	OpMissing
	// OpEquals matches when the scalar field equals Value
	OpEquals
)

// Predicate is a single field condition. Predicates render to a MongoDB
// filter and also evaluate directly against raw documents, so the in-memory
// store and MongoDB select the same documents.
type Predicate struct {
	Field string
	Op    Op
	Value any
}

// Exists matches documents where field is present and not null
func Exists(field string) Predicate {
	return Predicate{Field: field, Op: OpExists}
}

// Missing matches documents where field is absent or null
func Missing(field string) Predicate {
	return Predicate{Field: field, Op: OpMissing}
}

// Equals matches documents where the scalar field equals value
func Equals(field string, value any) Predicate {
	return Predicate{Field: field, Op: OpEquals, Value: value}
}

// BSON renders the predicate as a filter element
func (p Predicate) BSON() bson.E {
	switch p.Op {
	case OpExists:
		return bson.E{Key: p.Field, Value: bson.D{{Key: "$exists", Value: true}, {Key: "$ne", Value: nil}}}
	case OpMissing:
		// {field: null} matches both absent and null fields
		return bson.E{Key: p.Field, Value: nil}
	default:
		return bson.E{Key: p.Field, Value: p.Value}
	}
}

// Match evaluates the predicate against a raw document
func (p Predicate) Match(doc bson.Raw) bool {
	val, err := doc.LookupErr(strings.Split(p.Field, ".")...)
	present := err == nil && val.Type != bson.TypeNull && val.Type != bson.TypeUndefined

	switch p.Op {
	case OpExists:
		return present
	case OpMissing:
		return !present
	case OpEquals:
		if !present {
			return p.Value == nil
		}
		t, data, err := bson.MarshalValue(p.Value)
		if err != nil {
			return false
		}
		return t == val.Type && bytes.Equal(data, val.Value)
	default:
		return false
	}
}

func (p Predicate) String() string {
	switch p.Op {
	case OpExists:
		return p.Field + " exists"
	case OpMissing:
		return p.Field + " missing"
	default:
		return fmt.Sprintf("%s == %v", p.Field, p.Value)
	}
}

// Filter renders predicates as a MongoDB filter. Several predicates are
// combined with $and so repeated fields keep their meaning.
func Filter(preds []Predicate) bson.D {
	switch len(preds) {
	case 0:
		return bson.D{}
	case 1:
		return bson.D{preds[0].BSON()}
	}

	clauses := make(bson.A, 0, len(preds))
	for _, p := range preds {
		clauses = append(clauses, bson.D{p.BSON()})
	}
	return bson.D{{Key: "$and", Value: clauses}}
}

// MatchAll reports whether doc satisfies every predicate
func MatchAll(doc bson.Raw, preds []Predicate) bool {
	for _, p := range preds {
		if !p.Match(doc) {
			return false
		}
	}
	return true
}

// DocumentID returns the string _id of a raw document
func DocumentID(doc bson.Raw) (string, bool) {
	val, err := doc.LookupErr("_id")
	if err != nil {
		return "", false
	}
	return val.StringValueOK()
}
