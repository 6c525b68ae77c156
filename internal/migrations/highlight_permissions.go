package migrations

import (
	"context"
	"fmt"
	"time"

	"github.com/bennyboer/kicherkrabbe-migrate/internal/domain"
	"github.com/bennyboer/kicherkrabbe-migrate/internal/projection"
	"github.com/bennyboer/kicherkrabbe-migrate/internal/store"
	"go.mongodb.org/mongo-driver/v2/bson"
)

var highlightPermissions = Migration{
	Name:        "000006_highlight_permissions",
	Description: "Grant highlight permissions to users who may create products",
	Strategy:    projection.StrategyExistenceGated,
	Run: func(ctx context.Context, env *Env) (*projection.Report, error) {
		return env.Reconciler.ExistenceGated(ctx, env.Collections.HighlightPermissions, []projection.GatedSource{{
			Collection: env.Collections.ProductPermissions,
			Predicates: []store.Predicate{
				store.Equals("holder.type", string(domain.HolderTypeUser)),
				store.Equals("action", string(domain.ActionCreate)),
				store.Equals("resource.type", string(domain.ResourceTypeProduct)),
				store.Missing("resource.id"),
			},
			Mapper: projection.GatedMapperFunc(mapHighlightGrants),
		}})
	},
}

// highlightGrants are the wildcard grants a product creator receives
var highlightGrants = []struct {
	action       domain.Action
	resourceType domain.ResourceType
}{
	{domain.ActionCreate, domain.ResourceTypeHighlight},
	{domain.ActionRead, domain.ResourceTypeHighlightLink},
}

func mapHighlightGrants(doc bson.Raw) ([]projection.GatedCandidate, error) {
	perm, err := projection.Decode[domain.Permission](doc)
	if err != nil {
		return nil, err
	}
	if perm.Holder.ID == "" {
		return nil, fmt.Errorf("%w: permission %q without holder id", domain.ErrMalformed, perm.ID)
	}

	holder := perm.Holder
	cands := make([]projection.GatedCandidate, 0, len(highlightGrants))
	for _, g := range highlightGrants {
		action, resourceType := g.action, g.resourceType
		cands = append(cands, projection.GatedCandidate{
			Label: fmt.Sprintf("%s:%s %s %s:*", holder.Type, holder.ID, action, resourceType),
			Match: []store.Predicate{
				store.Equals("holder.type", string(holder.Type)),
				store.Equals("holder.id", holder.ID),
				store.Equals("action", string(action)),
				store.Equals("resource.type", string(resourceType)),
				store.Missing("resource.id"),
			},
			Build: func(grantID string, createdAt time.Time) any {
				return &domain.Permission{
					ID:        grantID,
					Holder:    holder,
					Action:    action,
					Resource:  domain.Resource{Type: resourceType},
					CreatedAt: createdAt,
				}
			},
		})
	}
	return cands, nil
}
