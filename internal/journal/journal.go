// Package journal keeps the local history of kkmigrate runs in a SQLite
// database next to the operator, independent of the MongoDB being migrated.
package journal

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Status is the outcome of a run
type Status string

const (
	StatusOK      Status = "ok"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

// Entry is one recorded run of one migration
type Entry struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"run_id"`
	Migration  string    `json:"migration"`
	Strategy   string    `json:"strategy"`
	Database   string    `json:"database"`
	Operator   string    `json:"operator,omitempty"`
	DryRun     bool      `json:"dry_run"`
	Status     Status    `json:"status"`
	Error      string    `json:"error,omitempty"`
	Inserted   int64     `json:"inserted"`
	Modified   int64     `json:"modified"`
	Removed    int64     `json:"removed"`
	Failed     int64     `json:"failed"`
	Report     string    `json:"report,omitempty"` // JSON
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Journal wraps the SQLite connection
type Journal struct {
	*sql.DB
	path string
}

// Open opens the journal at the given path and applies pragmas
func Open(path string) (*Journal, error) {
	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply pragma %q: %w", pragma, err)
		}
	}

	return &Journal{DB: db, path: path}, nil
}

// Path returns the journal file path
func (j *Journal) Path() string {
	return j.path
}

// Migrate applies pending schema migrations and returns the ones applied
func (j *Journal) Migrate() ([]string, error) {
	migrations, err := embeddedMigrations()
	if err != nil {
		return nil, err
	}

	// Create migrations tracking table if it doesn't exist
	_, err = j.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ','now'))
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	var applied []string

	for _, migration := range migrations {
		var count int
		err := j.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", migration).Scan(&count)
		if err != nil {
			return applied, fmt.Errorf("failed to check migration status for %s: %w", migration, err)
		}

		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + migration)
		if err != nil {
			return applied, fmt.Errorf("failed to read migration %s: %w", migration, err)
		}

		// Execute migration in a transaction
		tx, err := j.Begin()
		if err != nil {
			return applied, fmt.Errorf("failed to begin transaction for %s: %w", migration, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return applied, fmt.Errorf("failed to execute migration %s: %w", migration, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", migration); err != nil {
			tx.Rollback()
			return applied, fmt.Errorf("failed to record migration %s: %w", migration, err)
		}

		if err := tx.Commit(); err != nil {
			return applied, fmt.Errorf("failed to commit migration %s: %w", migration, err)
		}

		applied = append(applied, migration)
	}

	return applied, nil
}

// MigrationStatus returns lists of applied and pending schema migrations
func (j *Journal) MigrationStatus() (applied []string, pending []string, err error) {
	all, err := embeddedMigrations()
	if err != nil {
		return nil, nil, err
	}

	var tableExists int
	err = j.QueryRow(`
		SELECT COUNT(*) FROM sqlite_master
		WHERE type='table' AND name='schema_migrations'
	`).Scan(&tableExists)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to check for schema_migrations table: %w", err)
	}

	if tableExists == 0 {
		return nil, all, nil
	}

	appliedSet := make(map[string]bool)
	rows, err := j.Query("SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query schema_migrations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		appliedSet[version] = true
		applied = append(applied, version)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating migrations: %w", err)
	}

	for _, m := range all {
		if !appliedSet[m] {
			pending = append(pending, m)
		}
	}

	return applied, pending, nil
}

// Record appends an entry and returns its row ID
func (j *Journal) Record(e *Entry) (int64, error) {
	if e.Report == "" {
		e.Report = "{}"
	}
	var errText *string
	if e.Error != "" {
		errText = &e.Error
	}

	res, err := j.Exec(`
		INSERT INTO runs (run_id, migration, strategy, database_name, operator, dry_run, status, error,
		                  report, inserted, modified, removed, failed, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.RunID, e.Migration, e.Strategy, e.Database, e.Operator, boolToInt(e.DryRun), string(e.Status), errText,
		e.Report, e.Inserted, e.Modified, e.Removed, e.Failed,
		e.StartedAt.UTC().Format(time.RFC3339Nano), e.FinishedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("failed to record run of %s: %w", e.Migration, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read run row id: %w", err)
	}
	e.ID = id
	return id, nil
}

// ListOptions filters List
type ListOptions struct {
	Migration string
	Limit     int
}

// List returns recorded runs, newest first
func (j *Journal) List(opts ListOptions) ([]Entry, error) {
	query := `
		SELECT id, run_id, migration, strategy, database_name, operator, dry_run, status,
		       COALESCE(error, ''), report, inserted, modified, removed, failed, started_at, finished_at
		FROM runs
	`
	var args []any
	if opts.Migration != "" {
		query += " WHERE migration = ?"
		args = append(args, opts.Migration)
	}
	query += " ORDER BY id DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := j.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var (
			e                   Entry
			dryRun              int
			status              string
			startedAt, finished string
		)
		if err := rows.Scan(&e.ID, &e.RunID, &e.Migration, &e.Strategy, &e.Database, &e.Operator, &dryRun, &status,
			&e.Error, &e.Report, &e.Inserted, &e.Modified, &e.Removed, &e.Failed, &startedAt, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		e.DryRun = dryRun == 1
		e.Status = Status(status)
		if e.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
			return nil, fmt.Errorf("invalid started_at %q on run %d: %w", startedAt, e.ID, err)
		}
		if e.FinishedAt, err = time.Parse(time.RFC3339Nano, finished); err != nil {
			return nil, fmt.Errorf("invalid finished_at %q on run %d: %w", finished, e.ID, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return entries, nil
}

func embeddedMigrations() ([]string, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var migrations []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			migrations = append(migrations, entry.Name())
		}
	}
	sort.Strings(migrations)
	return migrations, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
