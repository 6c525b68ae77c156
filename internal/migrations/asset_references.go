package migrations

import (
	"context"
	"fmt"

	"github.com/bennyboer/kicherkrabbe-migrate/internal/config"
	"github.com/bennyboer/kicherkrabbe-migrate/internal/domain"
	"github.com/bennyboer/kicherkrabbe-migrate/internal/id"
	"github.com/bennyboer/kicherkrabbe-migrate/internal/projection"
	"github.com/bennyboer/kicherkrabbe-migrate/internal/store"
	"go.mongodb.org/mongo-driver/v2/bson"
)

var assetReferences = Migration{
	Name:        "000003_asset_references",
	Description: "Index which fabrics, patterns and highlights reference which assets",
	Strategy:    projection.StrategyKeyedReplace,
	Run: func(ctx context.Context, env *Env) (*projection.Report, error) {
		return env.Reconciler.KeyedReplace(ctx, env.Collections.AssetReferences, assetReferenceSources(env.Collections))
	},
}

func assetReferenceSources(c config.Collections) []projection.Source {
	return []projection.Source{
		{
			Collection: c.FabricLookup,
			Predicates: []store.Predicate{store.Exists("imageId")},
			Mapper:     projection.MapperFunc(mapFabricAssets),
		},
		{
			Collection: c.PatternLookup,
			Predicates: []store.Predicate{store.Exists("images")},
			Mapper:     projection.MapperFunc(mapPatternAssets),
		},
		{
			Collection: c.HighlightLookup,
			Predicates: []store.Predicate{store.Exists("imageId")},
			Mapper:     projection.MapperFunc(mapHighlightAssets),
		},
	}
}

func assetReference(assetID string, resourceType domain.ResourceType, resourceID string) (projection.Candidate, error) {
	key, err := id.FormatAssetReference(assetID, resourceType, resourceID)
	if err != nil {
		return projection.Candidate{}, fmt.Errorf("%w: %s %s: %v", domain.ErrMalformed, resourceType, resourceID, err)
	}
	return projection.Candidate{
		ID: key,
		Payload: domain.AssetReference{
			AssetID:      assetID,
			ResourceType: resourceType,
			ResourceID:   resourceID,
		},
	}, nil
}

func mapFabricAssets(doc bson.Raw) ([]projection.Candidate, error) {
	fabric, err := projection.Decode[domain.FabricLookup](doc)
	if err != nil {
		return nil, err
	}
	if fabric.ImageID == nil {
		return nil, nil
	}
	c, err := assetReference(*fabric.ImageID, domain.ResourceTypeFabric, fabric.ID)
	if err != nil {
		return nil, err
	}
	return []projection.Candidate{c}, nil
}

func mapPatternAssets(doc bson.Raw) ([]projection.Candidate, error) {
	pattern, err := projection.Decode[domain.PatternLookup](doc)
	if err != nil {
		return nil, err
	}

	cands := make([]projection.Candidate, 0, len(pattern.Images))
	for _, image := range pattern.Images {
		c, err := assetReference(image, domain.ResourceTypePattern, pattern.ID)
		if err != nil {
			return nil, err
		}
		cands = append(cands, c)
	}
	return cands, nil
}

func mapHighlightAssets(doc bson.Raw) ([]projection.Candidate, error) {
	highlight, err := projection.Decode[domain.HighlightLookup](doc)
	if err != nil {
		return nil, err
	}
	if highlight.ImageID == nil {
		return nil, nil
	}
	c, err := assetReference(*highlight.ImageID, domain.ResourceTypeHighlight, highlight.ID)
	if err != nil {
		return nil, err
	}
	return []projection.Candidate{c}, nil
}
