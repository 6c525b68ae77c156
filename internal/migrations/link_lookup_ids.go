package migrations

import (
	"context"
	"fmt"

	"github.com/bennyboer/kicherkrabbe-migrate/internal/domain"
	"github.com/bennyboer/kicherkrabbe-migrate/internal/id"
	"github.com/bennyboer/kicherkrabbe-migrate/internal/projection"
	"go.mongodb.org/mongo-driver/v2/bson"
)

var linkLookupIDs = Migration{
	Name:        "000005_link_lookup_ids",
	Description: "Re-key highlight links by type and link id, dropping random-id duplicates",
	Strategy:    projection.StrategyKeyedReplace,
	Run: func(ctx context.Context, env *Env) (*projection.Report, error) {
		links := env.Collections.HighlightLinks
		return env.Reconciler.KeyedReplace(ctx, links, []projection.Source{{
			Collection: links,
			Mapper:     projection.MapperFunc(mapLinkLookup),
		}})
	},
}

type linkPayload struct {
	Type   domain.LinkType `bson:"type"`
	LinkID string          `bson:"linkId"`
	Name   string          `bson:"name"`
}

func mapLinkLookup(doc bson.Raw) ([]projection.Candidate, error) {
	link, err := projection.Decode[domain.LinkLookup](doc)
	if err != nil {
		return nil, err
	}
	if err := link.Validate(); err != nil {
		return nil, fmt.Errorf("%w: link %q: %v", domain.ErrMalformed, link.ID, err)
	}

	key, err := id.FormatLink(link.Type, link.LinkID)
	if err != nil {
		return nil, fmt.Errorf("%w: link %q: %v", domain.ErrMalformed, link.ID, err)
	}

	c := projection.Candidate{
		ID:        key,
		Payload:   linkPayload{Type: link.Type, LinkID: link.LinkID, Name: link.Name},
		Canonical: link.ID == key,
	}
	if link.ID != key {
		c.Supersedes = []string{link.ID}
	}
	return []projection.Candidate{c}, nil
}
