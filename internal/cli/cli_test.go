package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bennyboer/kicherkrabbe-migrate/internal/cli/appctx"
	"github.com/bennyboer/kicherkrabbe-migrate/internal/journal"
	"github.com/bennyboer/kicherkrabbe-migrate/internal/logging"
	"github.com/bennyboer/kicherkrabbe-migrate/internal/migrations"
	"github.com/bennyboer/kicherkrabbe-migrate/internal/projection"
	"github.com/bennyboer/kicherkrabbe-migrate/internal/store/memstore"
	"github.com/bennyboer/kicherkrabbe-migrate/internal/testutil"
	"github.com/spf13/cobra"
)

func testCmd() (*cobra.Command, *bytes.Buffer) {
	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetContext(context.Background())
	return cmd, &out
}

func resetRunFlags(t *testing.T) {
	t.Helper()
	runDryRun, runDiff, runForce, runJSON, runBatchSize = false, false, false, false, 0
	t.Cleanup(func() {
		runDryRun, runDiff, runForce, runJSON, runBatchSize = false, false, false, false, 0
	})
}

func memApp(t *testing.T) (*appctx.App, *memstore.Store) {
	t.Helper()
	s := memstore.New()
	return &appctx.App{
		Config:  testutil.Config(),
		Logger:  logging.Discard(),
		Store:   s,
		Journal: testutil.TempJournal(t),
	}, s
}

func TestExitError(t *testing.T) {
	base := errors.New("boom")
	err := exitError(5, base)

	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected *ExitError, got %T", err)
	}
	if exitErr.Code != 5 {
		t.Errorf("Code = %d, want 5", exitErr.Code)
	}
	if !errors.Is(err, base) {
		t.Error("exitError should wrap the original error")
	}
	if exitError(1, nil).Error() != "exit status 1" {
		t.Errorf("unexpected message for nil error: %q", exitError(1, nil).Error())
	}
}

func TestRunVersion_JSON(t *testing.T) {
	versionJSON = true
	defer func() { versionJSON = false }()

	cmd, out := testCmd()
	if err := runVersion(cmd, nil); err != nil {
		t.Fatalf("runVersion failed: %v", err)
	}

	var got struct {
		Version    string   `json:"version"`
		Migrations []string `json:"migrations"`
	}
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, out.String())
	}
	if got.Version != Version {
		t.Errorf("version = %q, want %q", got.Version, Version)
	}
	if len(got.Migrations) != len(migrations.Catalog()) {
		t.Errorf("got %d migrations, want %d", len(got.Migrations), len(migrations.Catalog()))
	}
}

func TestRunRun_AppliesAndSkips(t *testing.T) {
	resetRunFlags(t)
	app, s := memApp(t)
	testutil.Seed(t, s, app.Config.Collections.FabricLookup, testutil.Doc("F1", "imageId", "IMG1"))

	cmd, out := testCmd()
	if err := runRun(app, cmd, []string{"000003_asset_references"}); err != nil {
		t.Fatalf("runRun failed: %v\n%s", err, out.String())
	}
	if !strings.Contains(out.String(), "✓ Applied migration: 000003_asset_references") {
		t.Errorf("missing applied line:\n%s", out.String())
	}
	if _, ok := s.Get(app.Config.Collections.AssetReferences, "IMG1_FABRIC_F1"); !ok {
		t.Error("expected IMG1_FABRIC_F1 to be written")
	}

	cmd, out = testCmd()
	if err := runRun(app, cmd, []string{"000003_asset_references"}); err != nil {
		t.Fatalf("second runRun failed: %v", err)
	}
	if !strings.Contains(out.String(), "○ Already applied: 000003_asset_references") {
		t.Errorf("expected skip on second run:\n%s", out.String())
	}

	entries, err := app.Journal.List(journal.ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("journal has %d entries, want 1", len(entries))
	}
}

func TestRunRun_DryRunDiff(t *testing.T) {
	resetRunFlags(t)
	runDryRun, runDiff = true, true
	app, s := memApp(t)
	testutil.Seed(t, s, app.Config.Collections.FabricLookup, testutil.Doc("F1", "imageId", "IMG1"))

	cmd, out := testCmd()
	if err := runRun(app, cmd, []string{"000003_asset_references"}); err != nil {
		t.Fatalf("runRun failed: %v", err)
	}
	if !strings.Contains(out.String(), "✓ Planned migration: 000003_asset_references") {
		t.Errorf("missing planned line:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "+++ expected") {
		t.Errorf("missing diff:\n%s", out.String())
	}
	if s.Len(app.Config.Collections.AssetReferences) != 0 {
		t.Error("dry run must not write")
	}
}

func TestRunRun_UnknownMigration(t *testing.T) {
	resetRunFlags(t)
	app, _ := memApp(t)

	cmd, _ := testCmd()
	err := runRun(app, cmd, []string{"999999_nope"})

	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != 1 {
		t.Fatalf("expected exit code 1, got %v", err)
	}
}

func TestPrintResult_Partial(t *testing.T) {
	res := &migrations.Result{
		RunID: "run-1",
		Outcomes: []migrations.Outcome{
			{Name: "000001_delete_old_snapshots", Status: migrations.StatusSkipped},
			{
				Name:   "000004_offer_categories",
				Status: journal.StatusPartial,
				Report: &projection.Report{
					Strategy: projection.StrategyKeyedReplace,
					Target:   "offers_categories",
					Inserted: 1,
					Failed:   1,
					Failures: []projection.Failure{{Key: "C1_O1", Error: "write failed"}},
				},
			},
		},
	}

	var out bytes.Buffer
	printResult(&out, res, false)

	for _, want := range []string{
		"○ Already applied: 000001_delete_old_snapshots",
		"⚠ Partially applied migration: 000004_offer_categories",
		"C1_O1: write failed",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
	if res.ExitCode() != 5 {
		t.Errorf("ExitCode = %d, want 5", res.ExitCode())
	}
}

func TestStatusTable(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rows := statusTable{
		{Name: "000001_delete_old_snapshots", Strategy: projection.StrategySweep, Applied: true, AppliedAt: &at, RunID: "r1"},
		{Name: "000002_lookup_versions", Strategy: projection.StrategyKeyedReplace},
	}.Rows()

	if got := strings.Join(rows[0], " "); got != "000001_delete_old_snapshots sweep yes 2026-03-01T12:00:00Z r1" {
		t.Errorf("row 0 = %q", got)
	}
	if got := strings.Join(rows[1], " "); got != "000002_lookup_versions keyed-replace no - -" {
		t.Errorf("row 1 = %q", got)
	}
}

func TestRunLog(t *testing.T) {
	logLimit, logJSON = 20, false
	app, _ := memApp(t)

	cmd, out := testCmd()
	if err := runLog(app, cmd, nil); err != nil {
		t.Fatalf("runLog failed: %v", err)
	}
	if !strings.Contains(out.String(), "No runs recorded") {
		t.Errorf("expected empty message, got:\n%s", out.String())
	}

	now := time.Now().UTC()
	if _, err := app.Journal.Record(&journal.Entry{
		RunID: "run-1", Migration: "000005_link_lookup_ids", Strategy: "keyed-replace",
		Database: "kicherkrabbe_test", Status: journal.StatusOK, Modified: 3,
		StartedAt: now, FinishedAt: now,
	}); err != nil {
		t.Fatal(err)
	}

	cmd, out = testCmd()
	if err := runLog(app, cmd, []string{"000005_link_lookup_ids"}); err != nil {
		t.Fatalf("runLog failed: %v", err)
	}
	if !strings.Contains(out.String(), "000005_link_lookup_ids") || !strings.Contains(out.String(), "run-1") {
		t.Errorf("missing entry:\n%s", out.String())
	}
}
