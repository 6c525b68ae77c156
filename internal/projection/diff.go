package projection

import (
	"fmt"

	"github.com/pmezard/go-difflib/difflib"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// ChangeKind classifies a planned or applied change
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeModify ChangeKind = "modify"
	ChangeDelete ChangeKind = "delete"
)

// Change is one document-level change with its before and after state in
// relaxed extended JSON
type Change struct {
	Collection string     `json:"collection"`
	ID         string     `json:"id"`
	Kind       ChangeKind `json:"kind"`
	Before     string     `json:"before,omitempty"`
	After      string     `json:"after,omitempty"`
}

func newChange(collection, id string, kind ChangeKind, before, after bson.Raw) Change {
	return Change{
		Collection: collection,
		ID:         id,
		Kind:       kind,
		Before:     extJSON(before),
		After:      extJSON(after),
	}
}

func extJSON(doc bson.Raw) string {
	if len(doc) == 0 {
		return ""
	}
	out, err := bson.MarshalExtJSONIndent(doc, false, false, "", "  ")
	if err != nil {
		return doc.String()
	}
	return string(out) + "\n"
}

// Diff renders the change as a unified diff
func (c Change) Diff() (string, error) {
	name := fmt.Sprintf("%s/%s", c.Collection, c.ID)
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(c.Before),
		B:        difflib.SplitLines(c.After),
		FromFile: "current " + name,
		ToFile:   "expected " + name,
		Context:  3,
	}
	return difflib.GetUnifiedDiffString(diff)
}
