package projection

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bennyboer/kicherkrabbe-migrate/internal/domain"
	"github.com/bennyboer/kicherkrabbe-migrate/internal/store"
	"github.com/bennyboer/kicherkrabbe-migrate/internal/store/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

type item struct {
	ID    string `bson:"_id"`
	Ref   string `bson:"ref,omitempty"`
	Label string `bson:"label,omitempty"`
}

type ref struct {
	Ref    string `bson:"ref"`
	ItemID string `bson:"itemId"`
}

// refMapper keys each item by its ref, so two items sharing a ref collapse
var refMapper = MapperFunc(func(doc bson.Raw) ([]Candidate, error) {
	it, err := Decode[item](doc)
	if err != nil {
		return nil, err
	}
	if it.Ref == "" {
		return nil, nil
	}
	return []Candidate{{ID: it.Ref + "_" + it.ID, Payload: ref{Ref: it.Ref, ItemID: it.ID}}}, nil
})

func seed(t *testing.T, s *memstore.Store, coll string, docs ...any) {
	t.Helper()
	require.NoError(t, s.Seed(coll, docs...))
}

func sources() []Source {
	return []Source{{Collection: "items", Predicates: []store.Predicate{store.Exists("ref")}, Mapper: refMapper}}
}

func TestCandidateDocument(t *testing.T) {
	doc, err := Candidate{ID: "k", Payload: ref{Ref: "r", ItemID: "i"}}.Document()
	require.NoError(t, err)

	elems, err := doc.Elements()
	require.NoError(t, err)
	require.Len(t, elems, 3)
	assert.Equal(t, "_id", elems[0].Key())
	assert.Equal(t, "k", elems[0].Value().StringValue())

	_, err = Candidate{ID: "k", Payload: item{ID: "k", Ref: "r"}}.Document()
	assert.NoError(t, err)

	_, err = Candidate{ID: "k", Payload: item{ID: "other"}}.Document()
	assert.Error(t, err)
}

func TestKeyedReplace_Idempotent(t *testing.T) {
	s := memstore.New()
	seed(t, s, "items", item{ID: "A", Ref: "R1"}, item{ID: "B", Ref: "R2"}, item{ID: "C"})

	rec := New(s, Options{})
	report, err := rec.KeyedReplace(context.Background(), "refs", sources())
	require.NoError(t, err)
	assert.Equal(t, int64(2), report.Found)
	assert.Equal(t, int64(2), report.Inserted)
	assert.Equal(t, 0, report.ExitCode())
	assert.Equal(t, 2, s.Len("refs"))

	before := s.Docs("refs")

	report, err = rec.KeyedReplace(context.Background(), "refs", sources())
	require.NoError(t, err)
	assert.Equal(t, int64(0), report.Inserted)
	assert.Equal(t, int64(0), report.Modified)
	assert.Equal(t, int64(2), report.Unchanged)
	assert.Equal(t, before, s.Docs("refs"))
}

func TestKeyedReplace_ModifiesDrift(t *testing.T) {
	s := memstore.New()
	seed(t, s, "items", item{ID: "A", Ref: "R1"})
	seed(t, s, "refs", bson.D{{Key: "_id", Value: "R1_A"}, {Key: "ref", Value: "stale"}})

	report, err := New(s, Options{}).KeyedReplace(context.Background(), "refs", sources())
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Modified)

	doc, ok := s.Get("refs", "R1_A")
	require.True(t, ok)
	assert.Equal(t, "R1", doc.Lookup("ref").StringValue())
}

func TestKeyedReplace_CollapsesDuplicateKeys(t *testing.T) {
	s := memstore.New()
	seed(t, s, "items", item{ID: "A", Ref: "R1"})
	seed(t, s, "more_items", item{ID: "A", Ref: "R1"})

	srcs := append(sources(), Source{Collection: "more_items", Mapper: refMapper})
	report, err := New(s, Options{}).KeyedReplace(context.Background(), "refs", srcs)
	require.NoError(t, err)
	assert.Equal(t, int64(2), report.Candidates)
	assert.Equal(t, int64(1), report.Inserted)
	assert.Equal(t, int64(1), report.Skipped)
	assert.Equal(t, 1, s.Len("refs"))
}

func TestKeyedReplace_DeletesSuperseded(t *testing.T) {
	s := memstore.New()
	seed(t, s, "links",
		bson.D{{Key: "_id", Value: "random-1"}, {Key: "ref", Value: "X"}},
		bson.D{{Key: "_id", Value: "X_keep"}, {Key: "ref", Value: "X"}},
	)

	mapper := MapperFunc(func(doc bson.Raw) ([]Candidate, error) {
		id, _ := store.DocumentID(doc)
		// both rows map to the same key; the keyed one must not be deleted
		return []Candidate{{ID: "X_keep", Payload: bson.D{{Key: "ref", Value: "X"}}, Supersedes: []string{id}}}, nil
	})

	report, err := New(s, Options{}).KeyedReplace(context.Background(), "links", []Source{{Collection: "links", Mapper: mapper}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Removed)
	assert.Equal(t, 1, s.Len("links"))

	_, ok := s.Get("links", "X_keep")
	assert.True(t, ok)
}

func TestKeyedReplace_MalformedIgnored(t *testing.T) {
	s := memstore.New()
	seed(t, s, "items",
		item{ID: "A", Ref: "R1"},
		bson.D{{Key: "_id", Value: "B"}, {Key: "ref", Value: int32(7)}},
	)

	report, err := New(s, Options{}).KeyedReplace(context.Background(), "refs", sources())
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Malformed)
	assert.Equal(t, int64(1), report.Inserted)
	assert.Equal(t, 0, report.ExitCode())
}

func TestKeyedReplace_PartialFailure(t *testing.T) {
	s := memstore.New()
	seed(t, s, "items", item{ID: "A", Ref: "R1"}, item{ID: "B", Ref: "R2"}, item{ID: "C", Ref: "R3"})
	s.FailWrite("R2_B", errors.New("document too large"))

	report, err := New(s, Options{BatchSize: 2}).KeyedReplace(context.Background(), "refs", sources())
	require.NoError(t, err)
	assert.Equal(t, int64(2), report.Inserted)
	assert.Equal(t, int64(1), report.Failed)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "R2_B", report.Failures[0].Key)
	assert.Equal(t, 5, report.ExitCode())
}

func TestKeyedReplace_DuplicateWriteSkipped(t *testing.T) {
	s := memstore.New()
	seed(t, s, "items", item{ID: "A", Ref: "R1"})
	s.FailWrite("R1_A", fmt.Errorf("%w: unique index", domain.ErrDuplicateKey))

	report, err := New(s, Options{}).KeyedReplace(context.Background(), "refs", sources())
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Skipped)
	assert.Equal(t, int64(0), report.Failed)
}

func TestKeyedReplace_TransientAborts(t *testing.T) {
	s := memstore.New()
	seed(t, s, "items", item{ID: "A", Ref: "R1"})
	s.FailOp(memstore.OpReplaceMany, store.ErrUnavailable)

	report, err := New(s, Options{}).KeyedReplace(context.Background(), "refs", sources())
	require.Error(t, err)
	assert.True(t, store.IsTransient(err))
	assert.NotNil(t, report)
	assert.Equal(t, 0, s.Len("refs"))
}

func TestKeyedReplace_DryRunPlansAndDiffs(t *testing.T) {
	s := memstore.New()
	seed(t, s, "items", item{ID: "A", Ref: "R1"}, item{ID: "B", Ref: "R2"})
	seed(t, s, "refs", bson.D{{Key: "_id", Value: "R1_A"}, {Key: "ref", Value: "old"}, {Key: "itemId", Value: "A"}})

	report, err := New(s, Options{DryRun: true, CollectChanges: true}).KeyedReplace(context.Background(), "refs", sources())
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.Equal(t, int64(1), report.Inserted)
	assert.Equal(t, int64(1), report.Modified)
	assert.Equal(t, 1, s.Len("refs"))
	require.Len(t, report.Changes, 2)

	var modify Change
	for _, c := range report.Changes {
		if c.Kind == ChangeModify {
			modify = c
		}
	}
	diff, err := modify.Diff()
	require.NoError(t, err)
	assert.Contains(t, diff, `-  "ref": "old"`)
	assert.Contains(t, diff, `+  "ref": "R1"`)
}

type grant struct {
	ID        string    `bson:"_id"`
	Holder    string    `bson:"holder"`
	CreatedAt time.Time `bson:"createdAt"`
}

func holderMapper(doc bson.Raw) ([]GatedCandidate, error) {
	g, err := Decode[grant](doc)
	if err != nil {
		return nil, err
	}
	return []GatedCandidate{{
		Label: g.Holder,
		Match: []store.Predicate{store.Equals("holder", g.Holder)},
		Build: func(id string, createdAt time.Time) any {
			return grant{ID: id, Holder: g.Holder, CreatedAt: createdAt}
		},
	}}, nil
}

func TestKeyedReplace_CanonicalCandidateWins(t *testing.T) {
	s := memstore.New()
	seed(t, s, "links",
		bson.D{{Key: "_id", Value: "random-1"}, {Key: "ref", Value: "X"}, {Key: "label", Value: "stale"}},
		bson.D{{Key: "_id", Value: "X_keep"}, {Key: "ref", Value: "X"}, {Key: "label", Value: "current"}},
	)

	mapper := MapperFunc(func(doc bson.Raw) ([]Candidate, error) {
		id, _ := store.DocumentID(doc)
		c := Candidate{
			ID:        "X_keep",
			Payload:   bson.D{{Key: "ref", Value: "X"}, {Key: "label", Value: doc.Lookup("label").StringValue()}},
			Canonical: id == "X_keep",
		}
		if !c.Canonical {
			c.Supersedes = []string{id}
		}
		return []Candidate{c}, nil
	})

	report, err := New(s, Options{}).KeyedReplace(context.Background(), "links", []Source{{Collection: "links", Mapper: mapper}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Skipped)
	assert.Equal(t, int64(1), report.Removed)
	assert.Equal(t, int64(1), report.Unchanged)

	doc, ok := s.Get("links", "X_keep")
	require.True(t, ok)
	assert.Equal(t, "current", doc.Lookup("label").StringValue())
	_, ok = s.Get("links", "random-1")
	assert.False(t, ok)
}

var errLockGone = errors.New("lock gone")

func failAfter(n int) func(context.Context) error {
	calls := 0
	return func(context.Context) error {
		calls++
		if calls > n {
			return errLockGone
		}
		return nil
	}
}

func TestKeyedReplace_HeartbeatStopsWrites(t *testing.T) {
	s := memstore.New()
	seed(t, s, "items", item{ID: "A", Ref: "R1"}, item{ID: "B", Ref: "R2"}, item{ID: "C", Ref: "R3"})

	report, err := New(s, Options{DryRun: true, Heartbeat: failAfter(0)}).KeyedReplace(context.Background(), "refs", sources())
	require.NoError(t, err, "dry runs do not write and need no heartbeat")
	assert.Equal(t, int64(3), report.Inserted)

	report, err = New(s, Options{BatchSize: 1, Heartbeat: failAfter(1)}).KeyedReplace(context.Background(), "refs", sources())
	require.ErrorIs(t, err, errLockGone)
	assert.Equal(t, int64(1), report.Inserted)
	assert.Equal(t, 1, s.Len("refs"))
}

func TestExistenceGated_HeartbeatStopsInserts(t *testing.T) {
	s := memstore.New()
	seed(t, s, "old_grants", grant{ID: "1", Holder: "U1"}, grant{ID: "2", Holder: "U2"})

	srcs := []GatedSource{{Collection: "old_grants", Mapper: GatedMapperFunc(holderMapper)}}
	report, err := New(s, Options{Heartbeat: failAfter(1)}).ExistenceGated(context.Background(), "new_grants", srcs)
	require.ErrorIs(t, err, errLockGone)
	assert.Equal(t, int64(1), report.Inserted)
	assert.Equal(t, 1, s.Len("new_grants"))
}

func TestSweep_HeartbeatStopsDeletes(t *testing.T) {
	s := memstore.New()
	seed(t, s, "fabric_events", bson.D{{Key: "_id", Value: "1"}, {Key: "event", Value: bson.D{{Key: "name", Value: "SNAPSHOTTED"}}}})

	preds := []store.Predicate{store.Equals("event.name", "SNAPSHOTTED")}
	_, err := New(s, Options{Heartbeat: failAfter(0)}).Sweep(context.Background(), "*_events", preds)
	require.ErrorIs(t, err, errLockGone)
	assert.Equal(t, 1, s.Len("fabric_events"))
}

func TestExistenceGated(t *testing.T) {
	s := memstore.New()
	seed(t, s, "old_grants", grant{ID: "1", Holder: "U1"}, grant{ID: "2", Holder: "U1"}, grant{ID: "3", Holder: "U2"})
	seed(t, s, "new_grants", grant{ID: "existing", Holder: "U2"})

	n := 0
	opts := Options{
		NewID: func() string { n++; return fmt.Sprintf("id-%d", n) },
		Now:   func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) },
	}
	srcs := []GatedSource{{Collection: "old_grants", Mapper: GatedMapperFunc(holderMapper)}}

	report, err := New(s, opts).ExistenceGated(context.Background(), "new_grants", srcs)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Inserted)
	assert.Equal(t, int64(2), report.Skipped)
	assert.Equal(t, 2, s.Len("new_grants"))

	doc, ok := s.Get("new_grants", "id-1")
	require.True(t, ok)
	assert.Equal(t, "U1", doc.Lookup("holder").StringValue())

	report, err = New(s, opts).ExistenceGated(context.Background(), "new_grants", srcs)
	require.NoError(t, err)
	assert.Equal(t, int64(0), report.Inserted)
	assert.Equal(t, 2, s.Len("new_grants"))
}

func TestExistenceGated_DryRun(t *testing.T) {
	s := memstore.New()
	seed(t, s, "old_grants", grant{ID: "1", Holder: "U1"})

	srcs := []GatedSource{{Collection: "old_grants", Mapper: GatedMapperFunc(holderMapper)}}
	report, err := New(s, Options{DryRun: true}).ExistenceGated(context.Background(), "new_grants", srcs)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Inserted)
	assert.Equal(t, 0, s.Len("new_grants"))
}

func TestSweep(t *testing.T) {
	snapshot := bson.D{{Key: "name", Value: "SNAPSHOTTED"}}
	created := bson.D{{Key: "name", Value: "CREATED"}}

	s := memstore.New()
	seed(t, s, "fabric_events",
		bson.D{{Key: "_id", Value: "1"}, {Key: "event", Value: snapshot}},
		bson.D{{Key: "_id", Value: "2"}, {Key: "event", Value: created}},
	)
	seed(t, s, "pattern_events", bson.D{{Key: "_id", Value: "1"}, {Key: "event", Value: snapshot}})
	seed(t, s, "fabric_lookup", bson.D{{Key: "_id", Value: "1"}, {Key: "event", Value: snapshot}})

	preds := []store.Predicate{store.Equals("event.name", "SNAPSHOTTED")}

	report, err := New(s, Options{DryRun: true}).Sweep(context.Background(), "*_events", preds)
	require.NoError(t, err)
	assert.Equal(t, int64(2), report.Removed)
	assert.Equal(t, 2, s.Len("fabric_events"))

	report, err = New(s, Options{}).Sweep(context.Background(), "*_events", preds)
	require.NoError(t, err)
	assert.Equal(t, int64(2), report.Removed)
	assert.Equal(t, map[string]int64{"fabric_events": 1, "pattern_events": 1}, report.PerCollection)
	assert.Equal(t, 1, s.Len("fabric_events"))
	assert.Equal(t, 1, s.Len("fabric_lookup"))

	report, err = New(s, Options{}).Sweep(context.Background(), "*_events", preds)
	require.NoError(t, err)
	assert.Equal(t, int64(0), report.Removed)

	_, err = New(s, Options{}).Sweep(context.Background(), "*_events", nil)
	assert.ErrorIs(t, err, store.ErrNoPredicates)
}

func TestReportExitCodeAndSummary(t *testing.T) {
	tests := []struct {
		name   string
		report Report
		want   int
	}{
		{"clean", Report{Inserted: 3}, 0},
		{"nothing to do", Report{}, 0},
		{"partial", Report{Inserted: 2, Failed: 1}, 5},
		{"all failed", Report{Failed: 2}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.report.ExitCode())
		})
	}

	r := &Report{Strategy: StrategyKeyedReplace, Target: "refs", Inserted: 1}
	r.Merge(&Report{Inserted: 2, Failed: 1, Failures: []Failure{{Key: "k", Error: "boom"}}})
	var buf bytes.Buffer
	r.PrintSummary(&buf)
	assert.Contains(t, buf.String(), "inserted 3")
	assert.True(t, strings.Contains(buf.String(), "k: boom"))
}
