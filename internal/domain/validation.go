package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrMalformed marks a source document whose shape cannot be decoded
	// into its typed record. Such documents produce no candidates.
	ErrMalformed = errors.New("malformed source document")

	// ErrDuplicateKey is returned by stores when a write collides with an
	// existing _id or unique index.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrLocked is wrapped by LockHeldError
	ErrLocked = errors.New("migration lock held")

	// ErrLockLost is returned when a running process finds its lock taken
	// over after it expired
	ErrLockLost = errors.New("migration lock lost")
)

// ValidateResourceType validates a resource type tag
func ValidateResourceType(resourceType ResourceType) error {
	switch resourceType {
	case ResourceTypeFabric, ResourceTypePattern, ResourceTypeProduct, ResourceTypeHighlight,
		ResourceTypeHighlightLink, ResourceTypeCategory, ResourceTypeOffer:
		return nil
	default:
		return fmt.Errorf("invalid resource type %q: must be one of: FABRIC, PATTERN, PRODUCT, HIGHLIGHT, HIGHLIGHT_LINK, CATEGORY, OFFER", resourceType)
	}
}

// ValidateAction validates a permission action
func ValidateAction(action Action) error {
	switch action {
	case ActionCreate, ActionRead, ActionUpdate, ActionDelete:
		return nil
	default:
		return fmt.Errorf("invalid action %q: must be one of: CREATE, READ, UPDATE, DELETE", action)
	}
}

// ValidateHolderType validates a permission holder type
func ValidateHolderType(holderType HolderType) error {
	switch holderType {
	case HolderTypeUser, HolderTypeGroup:
		return nil
	default:
		return fmt.Errorf("invalid holder type %q: must be one of: USER, GROUP", holderType)
	}
}

// ValidateLinkType validates a highlight link type
func ValidateLinkType(linkType LinkType) error {
	switch linkType {
	case LinkTypePattern, LinkTypeFabric:
		return nil
	default:
		return fmt.Errorf("invalid link type %q: must be one of: PATTERN, FABRIC", linkType)
	}
}

// KeySeparator joins the parts of a composite projection key
const KeySeparator = "_"

// ValidateKeyPart rejects identifier parts that are empty or contain the
// key separator. Either would let two different facts share one key.
func ValidateKeyPart(part string) error {
	if strings.TrimSpace(part) == "" {
		return fmt.Errorf("invalid key part: must not be empty")
	}
	if strings.Contains(part, KeySeparator) {
		return fmt.Errorf("invalid key part %q: must not contain %q", part, KeySeparator)
	}
	return nil
}

// Validate checks a permission grant before it is written
func (p *Permission) Validate() error {
	if err := ValidateHolderType(p.Holder.Type); err != nil {
		return err
	}
	if p.Holder.ID == "" {
		return fmt.Errorf("invalid holder: id must not be empty")
	}
	if err := ValidateAction(p.Action); err != nil {
		return err
	}
	if err := ValidateResourceType(p.Resource.Type); err != nil {
		return err
	}
	if p.Resource.ID != nil && *p.Resource.ID == "" {
		return fmt.Errorf("invalid resource: id must be absent for wildcard or non-empty")
	}
	return nil
}

// Validate checks a link lookup row
func (l *LinkLookup) Validate() error {
	if err := ValidateLinkType(l.Type); err != nil {
		return err
	}
	return ValidateKeyPart(l.LinkID)
}

// LockHeldError is returned when another process holds the run lock
type LockHeldError struct {
	Name      string
	Owner     string
	ExpiresAt time.Time
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("migration lock %q held by %s until %s (use 'kkmigrate unlock' if the holder is gone)",
		e.Name, e.Owner, e.ExpiresAt.UTC().Format(time.RFC3339))
}

func (e *LockHeldError) Unwrap() error {
	return ErrLocked
}

// UnknownMigrationError is returned when a migration name is not registered
type UnknownMigrationError struct {
	Name string
}

func (e *UnknownMigrationError) Error() string {
	return fmt.Sprintf("unknown migration: %s", e.Name)
}
