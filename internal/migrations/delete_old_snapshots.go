package migrations

import (
	"context"

	"github.com/bennyboer/kicherkrabbe-migrate/internal/domain"
	"github.com/bennyboer/kicherkrabbe-migrate/internal/projection"
	"github.com/bennyboer/kicherkrabbe-migrate/internal/store"
)

var deleteOldSnapshots = Migration{
	Name:        "000001_delete_old_snapshots",
	Description: "Delete snapshot events from every event collection",
	Strategy:    projection.StrategySweep,
	Run: func(ctx context.Context, env *Env) (*projection.Report, error) {
		name := env.SnapshotEventName
		if name == "" {
			name = domain.SnapshotEventName
		}
		return env.Reconciler.Sweep(ctx, env.Collections.EventsPattern, []store.Predicate{
			store.Equals(domain.EventFieldName, name),
		})
	},
}
