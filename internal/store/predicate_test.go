package store

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"go.mongodb.org/mongo-driver/v2/bson"
)

func TestPredicateMatch(t *testing.T) {
	doc, err := bson.Marshal(bson.D{
		{Key: "_id", Value: "F1"},
		{Key: "imageId", Value: "IMG1"},
		{Key: "nothing", Value: nil},
		{Key: "event", Value: bson.D{{Key: "name", Value: "SNAPSHOTTED"}}},
		{Key: "count", Value: int32(3)},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	tests := []struct {
		name string
		pred Predicate
		want bool
	}{
		{"exists present", Exists("imageId"), true},
		{"exists null", Exists("nothing"), false},
		{"exists absent", Exists("version"), false},
		{"missing absent", Missing("version"), true},
		{"missing null", Missing("nothing"), true},
		{"missing present", Missing("imageId"), false},
		{"equals nested", Equals("event.name", "SNAPSHOTTED"), true},
		{"equals nested other", Equals("event.name", "CREATED"), false},
		{"equals int", Equals("count", int32(3)), true},
		{"equals wrong type", Equals("count", "3"), false},
		{"equals absent", Equals("event.payload", "x"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.pred.Match(doc); got != tt.want {
				t.Errorf("%s: got %v, want %v", tt.pred, got, tt.want)
			}
		})
	}
}

func TestFilter(t *testing.T) {
	if got := Filter(nil); len(got) != 0 {
		t.Errorf("empty filter: got %v", got)
	}

	single := Filter([]Predicate{Equals("event.name", "SNAPSHOTTED")})
	if len(single) != 1 || single[0].Key != "event.name" || single[0].Value != "SNAPSHOTTED" {
		t.Errorf("single filter: got %v", single)
	}

	missing := Filter([]Predicate{Missing("version")})
	if missing[0].Value != nil {
		t.Errorf("missing filter should match null: got %v", missing)
	}

	combined := Filter([]Predicate{Exists("imageId"), Missing("version")})
	if len(combined) != 1 || combined[0].Key != "$and" {
		t.Fatalf("combined filter: got %v", combined)
	}
	if clauses := combined[0].Value.(bson.A); len(clauses) != 2 {
		t.Errorf("combined filter: want 2 clauses, got %d", len(clauses))
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("boom"), false},
		{ErrUnavailable, true},
		{fmt.Errorf("failed to query: %w", ErrUnavailable), true},
		{context.DeadlineExceeded, true},
		{context.Canceled, true},
	}
	for _, tt := range tests {
		if got := IsTransient(tt.err); got != tt.want {
			t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
