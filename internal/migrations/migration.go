// Package migrations holds the ordered catalog of kkmigrate migrations and
// the runner that applies them under a cross-process lock.
package migrations

import (
	"context"
	"log/slog"

	"github.com/bennyboer/kicherkrabbe-migrate/internal/config"
	"github.com/bennyboer/kicherkrabbe-migrate/internal/domain"
	"github.com/bennyboer/kicherkrabbe-migrate/internal/projection"
	"github.com/bennyboer/kicherkrabbe-migrate/internal/store"
)

// Env is what a migration gets to work with
type Env struct {
	Reconciler        *projection.Reconciler
	Store             store.Store
	Collections       config.Collections
	SnapshotEventName string
	Logger            *slog.Logger
}

// Migration is one named, ordered reconciliation or cleanup
type Migration struct {
	Name        string
	Description string
	Strategy    projection.Strategy
	Run         func(ctx context.Context, env *Env) (*projection.Report, error)
}

// Catalog returns every migration in application order
func Catalog() []Migration {
	return []Migration{
		deleteOldSnapshots,
		lookupVersions,
		assetReferences,
		offerCategories,
		linkLookupIDs,
		highlightPermissions,
	}
}

// Find returns the migration with the given name
func Find(name string) (Migration, error) {
	for _, m := range Catalog() {
		if m.Name == name {
			return m, nil
		}
	}
	return Migration{}, &domain.UnknownMigrationError{Name: name}
}
