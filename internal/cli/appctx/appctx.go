// Package appctx provides a shared bootstrap helper for CLI commands.
// It centralizes config loading, logger setup, and opening MongoDB and the
// local journal to reduce boilerplate across commands.
package appctx

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bennyboer/kicherkrabbe-migrate/internal/config"
	"github.com/bennyboer/kicherkrabbe-migrate/internal/db"
	"github.com/bennyboer/kicherkrabbe-migrate/internal/journal"
	"github.com/bennyboer/kicherkrabbe-migrate/internal/logging"
	"github.com/bennyboer/kicherkrabbe-migrate/internal/store"
	"github.com/bennyboer/kicherkrabbe-migrate/internal/store/mongostore"
	"github.com/spf13/cobra"
)

// App holds the shared application context for commands.
type App struct {
	// Config is the loaded configuration
	Config *config.Config

	// Logger writes structured diagnostics to stderr
	Logger *slog.Logger

	// DB is the MongoDB connection (nil if NeedsDB is false)
	DB *db.DB

	// Store is the collection-access capability over DB
	Store store.Store

	// Journal is the local run history (nil if NeedsJournal is false)
	Journal *journal.Journal
}

// Close releases resources held by the App.
// Safe to call multiple times.
func (a *App) Close() {
	if a.DB != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.DB.Close(ctx)
		a.DB = nil
		a.Store = nil
	}
	if a.Journal != nil {
		a.Journal.Close()
		a.Journal = nil
	}
}

// Options configures the bootstrap behavior.
type Options struct {
	// NeedsDB indicates whether to connect to MongoDB.
	NeedsDB bool

	// NeedsJournal indicates whether to open the local journal.
	NeedsJournal bool
}

// DefaultOptions returns default options (MongoDB and journal).
func DefaultOptions() Options {
	return Options{
		NeedsDB:      true,
		NeedsJournal: true,
	}
}

// JournalOnly returns options for commands that only read local history.
func JournalOnly() Options {
	return Options{NeedsJournal: true}
}

// RunFunc is the signature for command run functions.
type RunFunc func(app *App, cmd *cobra.Command, args []string) error

// WithApp wraps a command's run function with shared bootstrap logic.
// Connections are closed automatically when the wrapped function returns.
func WithApp(opts Options, fn RunFunc) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		app, err := Bootstrap(cmd, opts)
		if err != nil {
			return err
		}
		defer app.Close()

		return fn(app, cmd, args)
	}
}

// Bootstrap initializes the App according to the given options.
// Callers are responsible for calling App.Close() when done.
func Bootstrap(cmd *cobra.Command, opts Options) (*App, error) {
	app := &App{}

	cfg, err := config.Load(flagValue(cmd, "config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	app.Config = cfg

	// Flags override config and environment
	if v := flagValue(cmd, "uri"); v != "" {
		cfg.MongoURI = v
	}
	if v := flagValue(cmd, "database"); v != "" {
		cfg.Database = v
	}
	if v := flagValue(cmd, "journal"); v != "" {
		cfg.JournalPath = v
	}
	if v := flagValue(cmd, "log-level"); v != "" {
		cfg.LogLevel = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	app.Logger = logging.New(cmd.ErrOrStderr(), cfg.LogLevel)

	if opts.NeedsJournal {
		j, err := journal.Open(cfg.JournalPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		applied, err := j.Migrate()
		if err != nil {
			j.Close()
			return nil, fmt.Errorf("failed to migrate journal: %w", err)
		}
		for _, m := range applied {
			app.Logger.Debug("applied journal migration", "migration", m, "path", cfg.JournalPath)
		}
		app.Journal = j
	}

	if opts.NeedsDB {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		database, err := db.Open(ctx, cfg.MongoURI, cfg.Database)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		app.DB = database
		app.Store = mongostore.New(database)
		app.Logger.Debug("connected", "database", cfg.Database)
	}

	return app, nil
}

func flagValue(cmd *cobra.Command, name string) string {
	if f := cmd.Flag(name); f != nil {
		return f.Value.String()
	}
	return ""
}
