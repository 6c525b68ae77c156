package migrations

import (
	"context"
	"fmt"

	"github.com/bennyboer/kicherkrabbe-migrate/internal/domain"
	"github.com/bennyboer/kicherkrabbe-migrate/internal/id"
	"github.com/bennyboer/kicherkrabbe-migrate/internal/projection"
	"github.com/bennyboer/kicherkrabbe-migrate/internal/store"
	"go.mongodb.org/mongo-driver/v2/bson"
)

var offerCategories = Migration{
	Name:        "000004_offer_categories",
	Description: "Index offers by the categories they are listed in",
	Strategy:    projection.StrategyKeyedReplace,
	Run:         runOfferCategories,
}

func runOfferCategories(ctx context.Context, env *Env) (*projection.Report, error) {
	known, err := knownIDs(ctx, env.Store, env.Collections.CategoryLookup)
	if err != nil {
		return &projection.Report{Strategy: projection.StrategyKeyedReplace, Target: env.Collections.OfferCategories}, err
	}

	return env.Reconciler.KeyedReplace(ctx, env.Collections.OfferCategories, []projection.Source{{
		Collection: env.Collections.OfferLookup,
		Predicates: []store.Predicate{store.Exists("categories")},
		Mapper:     offerCategoryMapper(known, env),
	}})
}

// knownIDs collects the _ids of a collection
func knownIDs(ctx context.Context, s store.Source, collection string) (map[string]bool, error) {
	ids := make(map[string]bool)
	err := s.Stream(ctx, collection, nil, func(doc bson.Raw) error {
		if docID, ok := store.DocumentID(doc); ok {
			ids[docID] = true
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", collection, err)
	}
	return ids, nil
}

func offerCategoryMapper(known map[string]bool, env *Env) projection.Mapper {
	return projection.MapperFunc(func(doc bson.Raw) ([]projection.Candidate, error) {
		offer, err := projection.Decode[domain.OfferLookup](doc)
		if err != nil {
			return nil, err
		}

		var cands []projection.Candidate
		for _, categoryID := range offer.Categories {
			if !known[categoryID] {
				env.Logger.Debug("offer references unknown category", "offer", offer.ID, "category", categoryID)
				continue
			}
			key, err := id.FormatOfferCategory(categoryID, offer.ID)
			if err != nil {
				return nil, fmt.Errorf("%w: offer %s: %v", domain.ErrMalformed, offer.ID, err)
			}
			cands = append(cands, projection.Candidate{
				ID:      key,
				Payload: domain.OfferCategory{CategoryID: categoryID, OfferID: offer.ID},
			})
		}
		return cands, nil
	})
}
