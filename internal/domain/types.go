package domain

import (
	"time"
)

// ResourceType tags the kind of resource a projection or grant refers to
type ResourceType string

const (
	ResourceTypeFabric        ResourceType = "FABRIC"
	ResourceTypePattern       ResourceType = "PATTERN"
	ResourceTypeProduct       ResourceType = "PRODUCT"
	ResourceTypeHighlight     ResourceType = "HIGHLIGHT"
	ResourceTypeHighlightLink ResourceType = "HIGHLIGHT_LINK"
	ResourceTypeCategory      ResourceType = "CATEGORY"
	ResourceTypeOffer         ResourceType = "OFFER"
)

// Action is a permission action
type Action string

const (
	ActionCreate Action = "CREATE"
	ActionRead   Action = "READ"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
)

// HolderType identifies who holds a permission
type HolderType string

const (
	HolderTypeUser  HolderType = "USER"
	HolderTypeGroup HolderType = "GROUP"
)

// LinkType is the kind of entity a highlight links to
type LinkType string

const (
	LinkTypePattern LinkType = "PATTERN"
	LinkTypeFabric  LinkType = "FABRIC"
)

// Event store field paths. The event collections are written by the
// aggregate engine; these paths are the contract kkmigrate relies on.
const (
	EventFieldAggregateID      = "aggregate.id"
	EventFieldAggregateVersion = "aggregate.version"
	EventFieldName             = "event.name"

	// SnapshotEventName marks materialized-state events that are no longer
	// needed since aggregates are rebuilt by reflection.
	SnapshotEventName = "SNAPSHOTTED"
)

// Lookup field names shared by every lookup collection
const (
	LookupFieldVersion = "version"
)

// FabricLookup is a row of the fabric catalog read model
type FabricLookup struct {
	ID      string  `bson:"_id"`
	ImageID *string `bson:"imageId,omitempty"`
}

// PatternLookup is a row of the pattern catalog read model
type PatternLookup struct {
	ID     string   `bson:"_id"`
	Images []string `bson:"images,omitempty"`
}

// HighlightLookup is a row of the highlight catalog read model
type HighlightLookup struct {
	ID      string  `bson:"_id"`
	ImageID *string `bson:"imageId,omitempty"`
}

// OfferLookup is a row of the offer catalog read model
type OfferLookup struct {
	ID         string   `bson:"_id"`
	Categories []string `bson:"categories,omitempty"`
}

// CategoryLookup is a row of the category catalog read model
type CategoryLookup struct {
	ID   string `bson:"_id"`
	Name string `bson:"name,omitempty"`
}

// LinkLookup is a row of the highlight link lookup. Older rows carry a
// random _id; current rows are keyed by type and link id.
type LinkLookup struct {
	ID     string   `bson:"_id"`
	Type   LinkType `bson:"type"`
	LinkID string   `bson:"linkId"`
	Name   string   `bson:"name"`
}

// EventRecord is the part of an event document the migrations read
type EventRecord struct {
	Aggregate struct {
		ID      string `bson:"id"`
		Type    string `bson:"type,omitempty"`
		Version int64  `bson:"version"`
	} `bson:"aggregate"`
	Event struct {
		Name    string `bson:"name"`
		Version int64  `bson:"version,omitempty"`
	} `bson:"event"`
}

// AssetReference is a row of the asset reference index
type AssetReference struct {
	AssetID      string       `bson:"assetId" json:"asset_id"`
	ResourceType ResourceType `bson:"resourceType" json:"resource_type"`
	ResourceID   string       `bson:"resourceId" json:"resource_id"`
}

// OfferCategory is a row of the category to offer index
type OfferCategory struct {
	CategoryID string `bson:"categoryId" json:"category_id"`
	OfferID    string `bson:"offerId" json:"offer_id"`
}

// Holder references the holder of a permission
type Holder struct {
	Type HolderType `bson:"type" json:"type"`
	ID   string     `bson:"id" json:"id"`
}

// Resource references a resource; a nil ID is the wildcard over all
// resources of the type.
type Resource struct {
	Type ResourceType `bson:"type" json:"type"`
	ID   *string      `bson:"id,omitempty" json:"id,omitempty"`
}

// IsWildcard reports whether the resource covers every resource of its type
func (r Resource) IsWildcard() bool {
	return r.ID == nil
}

// Permission is a single (holder, action, resource) grant
type Permission struct {
	ID        string    `bson:"_id" json:"id"`
	Holder    Holder    `bson:"holder" json:"holder"`
	Action    Action    `bson:"action" json:"action"`
	Resource  Resource  `bson:"resource" json:"resource"`
	CreatedAt time.Time `bson:"createdAt" json:"created_at"`
}

// MigrationMarker records that a migration has been applied
type MigrationMarker struct {
	Name      string    `bson:"_id" json:"name"`
	AppliedAt time.Time `bson:"appliedAt" json:"applied_at"`
	RunID     string    `bson:"runId" json:"run_id"`
	Operator  string    `bson:"operator,omitempty" json:"operator,omitempty"`
	Report    []byte    `bson:"report,omitempty" json:"-"` // JSON
}

// RunLock is the document held while a migration run is in progress
type RunLock struct {
	Name       string    `bson:"_id" json:"name"`
	Owner      string    `bson:"owner" json:"owner"`
	AcquiredAt time.Time `bson:"acquiredAt" json:"acquired_at"`
	ExpiresAt  time.Time `bson:"expiresAt" json:"expires_at"`
}
