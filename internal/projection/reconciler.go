package projection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bennyboer/kicherkrabbe-migrate/internal/domain"
	"github.com/bennyboer/kicherkrabbe-migrate/internal/id"
	"github.com/bennyboer/kicherkrabbe-migrate/internal/logging"
	"github.com/bennyboer/kicherkrabbe-migrate/internal/store"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// DefaultBatchSize is the number of candidates per bulk write
const DefaultBatchSize = 500

// Options configures a Reconciler
type Options struct {
	BatchSize      int
	DryRun         bool
	CollectChanges bool
	Logger         *slog.Logger
	Now            func() time.Time
	NewID          func() string

	// Heartbeat is called before every write. A non-nil error stops the
	// reconciliation; writes already made stand.
	Heartbeat func(context.Context) error
}

// Reconciler applies candidates to target collections
type Reconciler struct {
	store store.Store
	opts  Options
}

// New creates a Reconciler over s
func New(s store.Store, opts Options) *Reconciler {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.NewID == nil {
		opts.NewID = id.New
	}
	return &Reconciler{store: s, opts: opts}
}

// DryRun reports whether the reconciler only plans
func (r *Reconciler) DryRun() bool {
	return r.opts.DryRun
}

// Store returns the underlying store
func (r *Reconciler) Store() store.Store {
	return r.store
}

// abort wraps a transient error so callers see where the run stopped
func abort(collection string, err error) error {
	return fmt.Errorf("aborted %s: %w", collection, err)
}

func (r *Reconciler) heartbeat(ctx context.Context, target string) error {
	if r.opts.DryRun || r.opts.Heartbeat == nil {
		return nil
	}
	if err := r.opts.Heartbeat(ctx); err != nil {
		return fmt.Errorf("stopped before writing %s: %w", target, err)
	}
	return nil
}

type planned struct {
	candidate Candidate
	doc       bson.Raw
}

// collect streams every source and deduplicates candidates by key. Later
// duplicates are counted as skipped and their Supersedes are merged into
// the kept candidate. The first candidate is kept unless a later one is
// Canonical and it is not.
func (r *Reconciler) collect(ctx context.Context, report *Report, sources []Source) ([]Candidate, error) {
	var (
		order []Candidate
		index = make(map[string]int)
	)

	for _, src := range sources {
		err := r.store.Stream(ctx, src.Collection, src.Predicates, func(doc bson.Raw) error {
			report.Found++
			cands, err := src.Mapper.Map(doc)
			if err != nil {
				if errors.Is(err, domain.ErrMalformed) {
					report.Malformed++
					r.opts.Logger.Warn("ignoring malformed document", "collection", src.Collection, "error", err)
					return nil
				}
				return err
			}
			for _, c := range cands {
				report.Candidates++
				if i, ok := index[c.ID]; ok {
					report.Skipped++
					supersedes := append(order[i].Supersedes, c.Supersedes...)
					if c.Canonical && !order[i].Canonical {
						order[i] = c
					}
					order[i].Supersedes = supersedes
					continue
				}
				index[c.ID] = len(order)
				order = append(order, c)
			}
			return nil
		})
		if err != nil {
			if store.IsTransient(err) {
				return nil, abort(src.Collection, err)
			}
			return nil, fmt.Errorf("failed to read %s: %w", src.Collection, err)
		}
	}

	// A superseded id that is itself an expected key must survive
	for i := range order {
		var keep []string
		seen := make(map[string]bool)
		for _, sid := range order[i].Supersedes {
			if _, isKey := index[sid]; isKey || seen[sid] {
				continue
			}
			seen[sid] = true
			keep = append(keep, sid)
		}
		order[i].Supersedes = keep
	}

	return order, nil
}

// KeyedReplace upserts every candidate derived from sources into target by
// its key. Running it twice leaves the target unchanged the second time.
func (r *Reconciler) KeyedReplace(ctx context.Context, target string, sources []Source) (*Report, error) {
	report := newReport(StrategyKeyedReplace, target, r.opts.DryRun)

	cands, err := r.collect(ctx, report, sources)
	if err != nil {
		return report, err
	}

	for start := 0; start < len(cands); start += r.opts.BatchSize {
		end := min(start+r.opts.BatchSize, len(cands))

		var batch []planned
		for _, c := range cands[start:end] {
			doc, err := c.Document()
			if err != nil {
				report.fail(target, c.ID, err)
				r.opts.Logger.Error("failed to build document", "collection", target, "key", c.ID, "error", err)
				continue
			}
			batch = append(batch, planned{candidate: c, doc: doc})
		}
		if len(batch) == 0 {
			continue
		}
		report.Attempted += int64(len(batch))

		if r.opts.DryRun {
			err = r.planBatch(ctx, report, target, batch)
		} else if err = r.heartbeat(ctx, target); err == nil {
			err = r.writeBatch(ctx, report, target, batch)
		}
		if err != nil {
			return report, err
		}
	}

	r.opts.Logger.Info("reconciled", "collection", target, "strategy", StrategyKeyedReplace, "dry_run", r.opts.DryRun,
		"inserted", report.Inserted, "modified", report.Modified, "unchanged", report.Unchanged,
		"removed", report.Removed, "failed", report.Failed)
	return report, nil
}

func batchIDs(batch []planned) []string {
	ids := make([]string, len(batch))
	for i, p := range batch {
		ids[i] = p.candidate.ID
	}
	return ids
}

func (r *Reconciler) planBatch(ctx context.Context, report *Report, target string, batch []planned) error {
	current, err := r.store.FindByIDs(ctx, target, batchIDs(batch))
	if err != nil {
		return abort(target, err)
	}

	var superseded []string
	for _, p := range batch {
		before, exists := current[p.candidate.ID]
		switch {
		case !exists:
			report.Inserted++
			r.recordChange(report, newChange(target, p.candidate.ID, ChangeInsert, nil, p.doc))
		case string(before) == string(p.doc):
			report.Unchanged++
		default:
			report.Modified++
			r.recordChange(report, newChange(target, p.candidate.ID, ChangeModify, before, p.doc))
		}
		superseded = append(superseded, p.candidate.Supersedes...)
	}

	if len(superseded) == 0 {
		return nil
	}
	doomed, err := r.store.FindByIDs(ctx, target, superseded)
	if err != nil {
		return abort(target, err)
	}
	for _, sid := range superseded {
		if before, ok := doomed[sid]; ok {
			report.Removed++
			r.recordChange(report, newChange(target, sid, ChangeDelete, before, nil))
		}
	}
	return nil
}

func (r *Reconciler) writeBatch(ctx context.Context, report *Report, target string, batch []planned) error {
	var before map[string]bson.Raw
	if r.opts.CollectChanges {
		var err error
		if before, err = r.store.FindByIDs(ctx, target, batchIDs(batch)); err != nil {
			return abort(target, err)
		}
	}

	docs := make([]store.Replacement, len(batch))
	for i, p := range batch {
		docs[i] = store.Replacement{ID: p.candidate.ID, Doc: p.doc}
	}

	res, err := r.store.ReplaceMany(ctx, target, docs)
	if err != nil {
		if store.IsTransient(err) {
			return abort(target, err)
		}
		for _, p := range batch {
			report.fail(target, p.candidate.ID, err)
		}
		r.opts.Logger.Error("bulk write failed", "collection", target, "documents", len(batch), "error", err)
		return nil
	}

	report.Inserted += res.Upserted
	report.Modified += res.Modified
	report.Unchanged += res.Matched - res.Modified

	failed := make(map[int]bool, len(res.Errors))
	for _, we := range res.Errors {
		failed[we.Index] = true
		key := batch[we.Index].candidate.ID
		if errors.Is(we.Err, domain.ErrDuplicateKey) {
			report.Skipped++
			r.opts.Logger.Warn("duplicate key", "collection", target, "key", key)
			continue
		}
		report.fail(target, key, we.Err)
		r.opts.Logger.Error("write failed", "collection", target, "key", key, "error", we.Err)
	}

	var superseded []string
	for i, p := range batch {
		if failed[i] {
			continue
		}
		if r.opts.CollectChanges {
			prev, existed := before[p.candidate.ID]
			switch {
			case !existed:
				r.recordChange(report, newChange(target, p.candidate.ID, ChangeInsert, nil, p.doc))
			case string(prev) != string(p.doc):
				r.recordChange(report, newChange(target, p.candidate.ID, ChangeModify, prev, p.doc))
			}
		}
		superseded = append(superseded, p.candidate.Supersedes...)
	}

	if len(superseded) == 0 {
		return nil
	}
	removed, err := r.store.DeleteIDs(ctx, target, superseded)
	if err != nil {
		if store.IsTransient(err) {
			return abort(target, err)
		}
		report.fail(target, fmt.Sprintf("%d superseded", len(superseded)), err)
		r.opts.Logger.Error("failed to delete superseded documents", "collection", target, "error", err)
		return nil
	}
	report.Removed += removed
	return nil
}

func (r *Reconciler) recordChange(report *Report, c Change) {
	if r.opts.CollectChanges {
		report.Changes = append(report.Changes, c)
	}
}

// validator is implemented by gated documents that can check themselves
type validator interface {
	Validate() error
}

// ExistenceGated inserts each candidate unless a document matching its
// defining tuple already exists. Callers must hold the run lock so two
// processes cannot both see the tuple as absent.
func (r *Reconciler) ExistenceGated(ctx context.Context, target string, sources []GatedSource) (*Report, error) {
	report := newReport(StrategyExistenceGated, target, r.opts.DryRun)

	var (
		cands []GatedCandidate
		seen  = make(map[string]bool)
	)
	for _, src := range sources {
		err := r.store.Stream(ctx, src.Collection, src.Predicates, func(doc bson.Raw) error {
			report.Found++
			gcs, err := src.Mapper.Map(doc)
			if err != nil {
				if errors.Is(err, domain.ErrMalformed) {
					report.Malformed++
					r.opts.Logger.Warn("ignoring malformed document", "collection", src.Collection, "error", err)
					return nil
				}
				return err
			}
			for _, gc := range gcs {
				report.Candidates++
				if seen[gc.Label] {
					report.Skipped++
					continue
				}
				seen[gc.Label] = true
				cands = append(cands, gc)
			}
			return nil
		})
		if err != nil {
			if store.IsTransient(err) {
				return report, abort(src.Collection, err)
			}
			return report, fmt.Errorf("failed to read %s: %w", src.Collection, err)
		}
	}

	for _, gc := range cands {
		report.Attempted++

		n, err := r.store.Count(ctx, target, gc.Match)
		if err != nil {
			if store.IsTransient(err) {
				return report, abort(target, err)
			}
			report.fail(target, gc.Label, err)
			r.opts.Logger.Error("existence check failed", "collection", target, "key", gc.Label, "error", err)
			continue
		}
		if n > 0 {
			report.Skipped++
			continue
		}

		newID := r.opts.NewID()
		doc := gc.Build(newID, r.opts.Now())
		if v, ok := doc.(validator); ok {
			if err := v.Validate(); err != nil {
				report.fail(target, gc.Label, err)
				r.opts.Logger.Error("invalid document", "collection", target, "key", gc.Label, "error", err)
				continue
			}
		}

		if r.opts.CollectChanges {
			if after, err := bson.Marshal(doc); err == nil {
				report.Changes = append(report.Changes, newChange(target, gc.Label, ChangeInsert, nil, after))
			}
		}
		if r.opts.DryRun {
			report.Inserted++
			continue
		}

		if err := r.heartbeat(ctx, target); err != nil {
			return report, err
		}
		if err := r.store.Insert(ctx, target, doc); err != nil {
			switch {
			case errors.Is(err, domain.ErrDuplicateKey):
				report.Skipped++
				r.opts.Logger.Warn("duplicate key", "collection", target, "key", gc.Label)
			case store.IsTransient(err):
				return report, abort(target, err)
			default:
				report.fail(target, gc.Label, err)
				r.opts.Logger.Error("insert failed", "collection", target, "key", gc.Label, "error", err)
			}
			continue
		}
		report.Inserted++
	}

	r.opts.Logger.Info("reconciled", "collection", target, "strategy", StrategyExistenceGated, "dry_run", r.opts.DryRun,
		"inserted", report.Inserted, "skipped", report.Skipped, "failed", report.Failed)
	return report, nil
}

// Sweep deletes documents matching preds from every collection matching
// pattern. A dry run counts instead of deleting.
func (r *Reconciler) Sweep(ctx context.Context, pattern string, preds []store.Predicate) (*Report, error) {
	report := newReport(StrategySweep, pattern, r.opts.DryRun)
	if len(preds) == 0 {
		return report, store.ErrNoPredicates
	}

	names, err := r.store.Collections(ctx, pattern)
	if err != nil {
		return report, fmt.Errorf("failed to list collections for %s: %w", pattern, err)
	}

	for _, name := range names {
		var n int64
		if r.opts.DryRun {
			n, err = r.store.Count(ctx, name, preds)
		} else {
			if err := r.heartbeat(ctx, name); err != nil {
				return report, err
			}
			n, err = r.store.DeleteMatching(ctx, name, preds)
		}
		if err != nil {
			if store.IsTransient(err) {
				return report, abort(name, err)
			}
			report.fail(name, name, err)
			r.opts.Logger.Error("sweep failed", "collection", name, "error", err)
			continue
		}

		report.Found += n
		report.Removed += n
		report.addCollection(name, n)
		r.opts.Logger.Info("swept", "collection", name, "deleted", n, "dry_run", r.opts.DryRun)
	}

	return report, nil
}
