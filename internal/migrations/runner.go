package migrations

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/bennyboer/kicherkrabbe-migrate/internal/config"
	"github.com/bennyboer/kicherkrabbe-migrate/internal/domain"
	"github.com/bennyboer/kicherkrabbe-migrate/internal/id"
	"github.com/bennyboer/kicherkrabbe-migrate/internal/logging"
	"github.com/bennyboer/kicherkrabbe-migrate/internal/journal"
	"github.com/bennyboer/kicherkrabbe-migrate/internal/projection"
	"github.com/bennyboer/kicherkrabbe-migrate/internal/store"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// StatusSkipped marks a migration not run because it was already applied
const StatusSkipped journal.Status = "skipped"

// RunOptions selects and configures a run
type RunOptions struct {
	Names          []string
	DryRun         bool
	Force          bool
	CollectChanges bool
	BatchSize      int
}

// Outcome is the result of one migration within a run
type Outcome struct {
	Name     string              `json:"name"`
	Strategy projection.Strategy `json:"strategy"`
	Status   journal.Status      `json:"status"`
	Report   *projection.Report  `json:"report,omitempty"`
	Error    string              `json:"error,omitempty"`
}

// Result is the outcome of a run
type Result struct {
	RunID      string    `json:"run_id"`
	Database   string    `json:"database"`
	Operator   string    `json:"operator,omitempty"`
	DryRun     bool      `json:"dry_run"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Outcomes   []Outcome `json:"outcomes"`
}

// ExitCode is 1 when a migration failed, 5 when records failed but the
// migrations completed, 0 otherwise
func (r *Result) ExitCode() int {
	code := 0
	for _, o := range r.Outcomes {
		if o.Status == journal.StatusFailed {
			return 1
		}
		if o.Report == nil {
			continue
		}
		switch o.Report.ExitCode() {
		case 1:
			return 1
		case 5:
			code = 5
		}
	}
	return code
}

// Totals merges the reports of every outcome
func (r *Result) Totals() *projection.Report {
	total := &projection.Report{DryRun: r.DryRun}
	for _, o := range r.Outcomes {
		total.Merge(o.Report)
	}
	return total
}

// MigrationStatus describes one catalog entry
type MigrationStatus struct {
	Name        string              `json:"name"`
	Description string              `json:"description"`
	Strategy    projection.Strategy `json:"strategy"`
	Applied     bool                `json:"applied"`
	AppliedAt   *time.Time          `json:"applied_at,omitempty"`
	RunID       string              `json:"run_id,omitempty"`
}

// Runner applies catalog migrations against a store
type Runner struct {
	store    store.Store
	journal  *journal.Journal
	cfg      *config.Config
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
	complete []func(context.Context, *Result)
}

// NewRunner creates a runner. j may be nil to skip journaling.
func NewRunner(s store.Store, j *journal.Journal, cfg *config.Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Runner{
		store:   s,
		journal: j,
		cfg:     cfg,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   id.New,
	}
}

// OnComplete registers fn to be called after every run that started
func (r *Runner) OnComplete(fn func(context.Context, *Result)) {
	r.complete = append(r.complete, fn)
}

// Status reports which catalog migrations are applied
func (r *Runner) Status(ctx context.Context) ([]MigrationStatus, error) {
	catalog := Catalog()
	markers, err := r.markers(ctx, catalog)
	if err != nil {
		return nil, err
	}

	statuses := make([]MigrationStatus, 0, len(catalog))
	for _, m := range catalog {
		st := MigrationStatus{Name: m.Name, Description: m.Description, Strategy: m.Strategy}
		if marker, ok := markers[m.Name]; ok {
			appliedAt := marker.AppliedAt
			st.Applied = true
			st.AppliedAt = &appliedAt
			st.RunID = marker.RunID
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}

func (r *Runner) markers(ctx context.Context, catalog []Migration) (map[string]domain.MigrationMarker, error) {
	names := make([]string, len(catalog))
	for i, m := range catalog {
		names[i] = m.Name
	}

	found, err := r.store.FindByIDs(ctx, r.cfg.Collections.Markers, names)
	if err != nil {
		return nil, fmt.Errorf("failed to read migration markers: %w", err)
	}

	markers := make(map[string]domain.MigrationMarker, len(found))
	for name, raw := range found {
		var marker domain.MigrationMarker
		if err := bson.Unmarshal(raw, &marker); err != nil {
			return nil, fmt.Errorf("failed to decode marker %s: %w", name, err)
		}
		markers[name] = marker
	}
	return markers, nil
}

func selectMigrations(names []string) ([]Migration, error) {
	catalog := Catalog()
	if len(names) == 0 {
		return catalog, nil
	}

	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		if _, err := Find(name); err != nil {
			return nil, err
		}
		wanted[name] = true
	}

	var selected []Migration
	for _, m := range catalog {
		if wanted[m.Name] {
			selected = append(selected, m)
		}
	}
	return selected, nil
}

// Run applies the selected migrations in catalog order. Applied migrations
// are skipped unless forced. A failed migration stops the run; migrations
// that completed before it stand.
func (r *Runner) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	selected, err := selectMigrations(opts.Names)
	if err != nil {
		return nil, err
	}

	result := &Result{
		RunID:     r.newID(),
		Database:  r.cfg.Database,
		Operator:  r.cfg.Operator,
		DryRun:    opts.DryRun,
		StartedAt: r.now(),
	}

	var lock *Lock
	if !opts.DryRun {
		lock, err = AcquireLock(ctx, r.store, r.cfg.Collections.Locks, r.cfg.Operator+"/"+result.RunID, r.cfg.LockTTL, r.now())
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				r.logger.Error("failed to release lock", "owner", lock.Owner(), "error", err)
			}
		}()
	}

	// Markers are read under the lock so they include every run that
	// finished before it was taken
	markers, err := r.markers(ctx, selected)
	if err != nil {
		return nil, err
	}

	defer func() {
		result.FinishedAt = r.now()
		for _, fn := range r.complete {
			fn(ctx, result)
		}
	}()

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = r.cfg.BatchSize
	}

	for _, m := range selected {
		if _, applied := markers[m.Name]; applied && !opts.Force {
			r.logger.Info("already applied", "migration", m.Name)
			result.Outcomes = append(result.Outcomes, Outcome{Name: m.Name, Strategy: m.Strategy, Status: StatusSkipped})
			continue
		}

		if lock != nil {
			if err := lock.Renew(ctx, r.now()); err != nil {
				return result, fmt.Errorf("migration %s not started: %w", m.Name, err)
			}
		}

		outcome, err := r.apply(ctx, m, result, lock, batchSize, opts)
		result.Outcomes = append(result.Outcomes, outcome)
		if err != nil {
			return result, fmt.Errorf("migration %s failed: %w", m.Name, err)
		}
	}

	return result, nil
}

func (r *Runner) apply(ctx context.Context, m Migration, result *Result, lock *Lock, batchSize int, opts RunOptions) (Outcome, error) {
	logger := r.logger.With("migration", m.Name, "run_id", result.RunID)
	var heartbeat func(context.Context) error
	if lock != nil {
		heartbeat = func(ctx context.Context) error {
			return lock.Heartbeat(ctx, r.now())
		}
	}
	env := &Env{
		Reconciler: projection.New(r.store, projection.Options{
			BatchSize:      batchSize,
			DryRun:         opts.DryRun,
			CollectChanges: opts.CollectChanges,
			Logger:         logger,
			Now:            r.now,
			NewID:          r.newID,
			Heartbeat:      heartbeat,
		}),
		Store:             r.store,
		Collections:       r.cfg.Collections,
		SnapshotEventName: r.cfg.SnapshotEventName,
		Logger:            logger,
	}

	started := r.now()
	logger.Info("applying", "strategy", m.Strategy, "dry_run", opts.DryRun)

	report, runErr := m.Run(ctx, env)
	if report == nil {
		report = &projection.Report{Strategy: m.Strategy, DryRun: opts.DryRun}
	}
	report.Migration = m.Name

	outcome := Outcome{Name: m.Name, Strategy: m.Strategy, Status: journal.StatusOK, Report: report}
	switch {
	case runErr != nil:
		outcome.Status = journal.StatusFailed
		outcome.Error = runErr.Error()
	case report.Failed > 0:
		outcome.Status = journal.StatusPartial
	}

	reportJSON, err := json.Marshal(report)
	if err != nil {
		return outcome, fmt.Errorf("failed to encode report: %w", err)
	}

	if runErr == nil && report.Failed == 0 && !opts.DryRun {
		err := lock.Renew(ctx, r.now())
		if err == nil {
			err = r.mark(ctx, m.Name, result.RunID, reportJSON)
		}
		if err != nil {
			outcome.Status = journal.StatusFailed
			outcome.Error = err.Error()
			runErr = err
		}
	}

	r.record(&journal.Entry{
		RunID:      result.RunID,
		Migration:  m.Name,
		Strategy:   string(m.Strategy),
		Database:   r.cfg.Database,
		Operator:   r.cfg.Operator,
		DryRun:     opts.DryRun,
		Status:     outcome.Status,
		Error:      outcome.Error,
		Inserted:   report.Inserted,
		Modified:   report.Modified,
		Removed:    report.Removed,
		Failed:     report.Failed,
		Report:     string(reportJSON),
		StartedAt:  started,
		FinishedAt: r.now(),
	}, logger)

	if runErr != nil {
		logger.Error("migration failed", "error", runErr)
	} else {
		logger.Info("applied", "status", outcome.Status, "written", report.Written(), "failed", report.Failed)
	}
	return outcome, runErr
}

func (r *Runner) mark(ctx context.Context, name, runID string, report []byte) error {
	doc, err := bson.Marshal(domain.MigrationMarker{
		Name:      name,
		AppliedAt: r.now(),
		RunID:     runID,
		Operator:  r.cfg.Operator,
		Report:    report,
	})
	if err != nil {
		return fmt.Errorf("failed to encode marker: %w", err)
	}

	res, err := r.store.ReplaceMany(ctx, r.cfg.Collections.Markers, []store.Replacement{{ID: name, Doc: doc}})
	if err != nil {
		return fmt.Errorf("failed to write marker for %s: %w", name, err)
	}
	if len(res.Errors) > 0 {
		return fmt.Errorf("failed to write marker for %s: %w", name, res.Errors[0].Err)
	}
	return nil
}

// record appends to the journal. The journal is local bookkeeping; a
// failure to write it is logged and does not fail the migration.
func (r *Runner) record(e *journal.Entry, logger *slog.Logger) {
	if r.journal == nil {
		return
	}
	if _, err := r.journal.Record(e); err != nil {
		logger.Error("failed to record run in journal", "path", r.journal.Path(), "error", err)
	}
}

// Unlock force-releases the run lock
func (r *Runner) Unlock(ctx context.Context) (bool, error) {
	return ForceUnlock(ctx, r.store, r.cfg.Collections.Locks)
}

// Lock returns the current run lock, or nil
func (r *Runner) Lock(ctx context.Context) (*domain.RunLock, error) {
	return ReadLock(ctx, r.store, r.cfg.Collections.Locks)
}
