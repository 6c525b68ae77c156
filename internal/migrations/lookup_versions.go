package migrations

import (
	"context"
	"fmt"
	"strings"

	"github.com/bennyboer/kicherkrabbe-migrate/internal/domain"
	"github.com/bennyboer/kicherkrabbe-migrate/internal/projection"
	"github.com/bennyboer/kicherkrabbe-migrate/internal/store"
	"go.mongodb.org/mongo-driver/v2/bson"
)

const (
	lookupSuffix = "_lookup"
	eventsSuffix = "_events"
)

var lookupVersions = Migration{
	Name:        "000002_lookup_versions",
	Description: "Set the aggregate version on lookup documents that lack one",
	Strategy:    projection.StrategyKeyedReplace,
	Run:         runLookupVersions,
}

func runLookupVersions(ctx context.Context, env *Env) (*projection.Report, error) {
	report := &projection.Report{
		Strategy: projection.StrategyKeyedReplace,
		Target:   env.Collections.LookupPattern,
		DryRun:   env.Reconciler.DryRun(),
	}

	lookups, err := env.Store.Collections(ctx, env.Collections.LookupPattern)
	if err != nil {
		return report, err
	}
	events, err := env.Store.Collections(ctx, env.Collections.EventsPattern)
	if err != nil {
		return report, err
	}
	hasEvents := make(map[string]bool, len(events))
	for _, e := range events {
		hasEvents[e] = true
	}

	for _, lookup := range lookups {
		eventsColl := strings.TrimSuffix(lookup, lookupSuffix) + eventsSuffix
		if !hasEvents[eventsColl] {
			env.Logger.Info("no event collection for lookup", "collection", lookup, "expected", eventsColl)
			continue
		}

		versions, err := aggregateVersions(ctx, env, eventsColl)
		if err != nil {
			return report, err
		}

		sub, err := env.Reconciler.KeyedReplace(ctx, lookup, []projection.Source{{
			Collection: lookup,
			Predicates: []store.Predicate{store.Missing(domain.LookupFieldVersion)},
			Mapper:     withVersion(versions),
		}})
		report.Merge(sub)
		if sub != nil {
			report.PerCollection = mergeCount(report.PerCollection, lookup, sub.Modified)
		}
		if err != nil {
			return report, err
		}
	}

	return report, nil
}

// aggregateVersions returns the highest event version per aggregate
func aggregateVersions(ctx context.Context, env *Env, collection string) (map[string]int64, error) {
	versions := make(map[string]int64)
	err := env.Store.Stream(ctx, collection, []store.Predicate{store.Exists(domain.EventFieldAggregateID)}, func(doc bson.Raw) error {
		ev, err := projection.Decode[domain.EventRecord](doc)
		if err != nil {
			env.Logger.Debug("skipping undecodable event", "collection", collection, "error", err)
			return nil
		}
		if v, ok := versions[ev.Aggregate.ID]; !ok || ev.Aggregate.Version > v {
			versions[ev.Aggregate.ID] = ev.Aggregate.Version
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read versions from %s: %w", collection, err)
	}
	return versions, nil
}

// withVersion maps a lookup document to itself plus its aggregate version
func withVersion(versions map[string]int64) projection.Mapper {
	return projection.MapperFunc(func(doc bson.Raw) ([]projection.Candidate, error) {
		id, ok := store.DocumentID(doc)
		if !ok {
			return nil, fmt.Errorf("%w: lookup document without string _id", domain.ErrMalformed)
		}
		version, ok := versions[id]
		if !ok {
			return nil, fmt.Errorf("%w: no events for aggregate %q", domain.ErrMalformed, id)
		}

		var fields bson.D
		if err := bson.Unmarshal(doc, &fields); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrMalformed, err)
		}
		out := make(bson.D, 0, len(fields)+1)
		for _, f := range fields {
			// a null version is replaced, not duplicated
			if f.Key != domain.LookupFieldVersion {
				out = append(out, f)
			}
		}
		out = append(out, bson.E{Key: domain.LookupFieldVersion, Value: version})

		return []projection.Candidate{{ID: id, Payload: out}}, nil
	})
}

func mergeCount(m map[string]int64, key string, n int64) map[string]int64 {
	if m == nil {
		m = make(map[string]int64)
	}
	m[key] += n
	return m
}
