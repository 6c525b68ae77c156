package projection

import (
	"fmt"
	"io"
	"sort"
)

// Failure is a record that could not be written
type Failure struct {
	Collection string `json:"collection,omitempty"`
	Key        string `json:"key"`
	Error      string `json:"error"`
}

// Report accumulates the outcome of one reconciliation. In a dry run the
// write counters hold planned changes.
type Report struct {
	Migration     string           `json:"migration,omitempty"`
	Strategy      Strategy         `json:"strategy"`
	Target        string           `json:"target,omitempty"`
	DryRun        bool             `json:"dry_run"`
	Found         int64            `json:"found"`
	Malformed     int64            `json:"malformed"`
	Candidates    int64            `json:"candidates"`
	Attempted     int64            `json:"attempted"`
	Inserted      int64            `json:"inserted"`
	Modified      int64            `json:"modified"`
	Unchanged     int64            `json:"unchanged"`
	Skipped       int64            `json:"skipped"`
	Removed       int64            `json:"removed"`
	Failed        int64            `json:"failed"`
	PerCollection map[string]int64 `json:"per_collection,omitempty"`
	Failures      []Failure        `json:"failures,omitempty"`
	Changes       []Change         `json:"changes,omitempty"`
}

func newReport(strategy Strategy, target string, dryRun bool) *Report {
	return &Report{Strategy: strategy, Target: target, DryRun: dryRun}
}

func (r *Report) fail(collection, key string, err error) {
	r.Failed++
	r.Failures = append(r.Failures, Failure{Collection: collection, Key: key, Error: err.Error()})
}

func (r *Report) addCollection(name string, n int64) {
	if r.PerCollection == nil {
		r.PerCollection = make(map[string]int64)
	}
	r.PerCollection[name] += n
}

// Merge adds other's counters to r
func (r *Report) Merge(other *Report) {
	if other == nil {
		return
	}
	r.Found += other.Found
	r.Malformed += other.Malformed
	r.Candidates += other.Candidates
	r.Attempted += other.Attempted
	r.Inserted += other.Inserted
	r.Modified += other.Modified
	r.Unchanged += other.Unchanged
	r.Skipped += other.Skipped
	r.Removed += other.Removed
	r.Failed += other.Failed
	for name, n := range other.PerCollection {
		r.addCollection(name, n)
	}
	r.Failures = append(r.Failures, other.Failures...)
	r.Changes = append(r.Changes, other.Changes...)
}

// Written is the number of documents inserted, modified or removed
func (r *Report) Written() int64 {
	return r.Inserted + r.Modified + r.Removed
}

// ExitCode returns 0 when nothing failed, 5 when some records failed and
// others succeeded, and 1 when every attempted record failed.
func (r *Report) ExitCode() int {
	if r.Failed == 0 {
		return 0
	}
	if r.Written()+r.Unchanged+r.Skipped > 0 {
		return 5
	}
	return 1
}

// PrintSummary prints a human-readable summary of the report
func (r *Report) PrintSummary(w io.Writer) {
	verb := "applied"
	if r.DryRun {
		verb = "planned"
	}

	switch r.Strategy {
	case StrategySweep:
		names := make([]string, 0, len(r.PerCollection))
		for name := range r.PerCollection {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(w, "  %s: %d deleted\n", name, r.PerCollection[name])
		}
		fmt.Fprintf(w, "  total: %d deleted (%s)\n", r.Removed, verb)
	default:
		fmt.Fprintf(w, "  %s: found %d, candidates %d, inserted %d, modified %d, unchanged %d, skipped %d, removed %d (%s)\n",
			r.Target, r.Found, r.Candidates, r.Inserted, r.Modified, r.Unchanged, r.Skipped, r.Removed, verb)
		if r.Malformed > 0 {
			fmt.Fprintf(w, "  ⚠ %d malformed source documents ignored\n", r.Malformed)
		}
	}

	if r.Failed == 0 {
		return
	}
	fmt.Fprintf(w, "  ✗ %d failed\n", r.Failed)

	shown := r.Failures
	if len(shown) > 10 {
		fmt.Fprintf(w, "  Showing first 10 errors (of %d):\n", len(shown))
		shown = shown[:10]
	}
	for _, f := range shown {
		fmt.Fprintf(w, "    %s: %s\n", f.Key, f.Error)
	}
}
