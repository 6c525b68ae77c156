// Package id builds the deterministic composite keys of projection
// documents and generates the random identifiers of grants and runs.
package id

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/bennyboer/kicherkrabbe-migrate/internal/domain"
)

// Separator joins the parts of a composite key
const Separator = domain.KeySeparator

var (
	uuidPattern          = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	migrationNamePattern = regexp.MustCompile(`^\d{6}_[a-z0-9_]+$`)
)

// Compose joins key parts with the separator. Parts must be non-empty and
// free of the separator, so a key splits back into exactly its parts.
func Compose(parts ...string) (string, error) {
	if len(parts) == 0 {
		return "", fmt.Errorf("invalid key: no parts")
	}
	for _, p := range parts {
		if err := domain.ValidateKeyPart(p); err != nil {
			return "", err
		}
	}
	return strings.Join(parts, Separator), nil
}

// FormatAssetReference formats the key of an asset reference,
// e.g. IMG1_FABRIC_F1
func FormatAssetReference(assetID string, resourceType domain.ResourceType, resourceID string) (string, error) {
	return Compose(assetID, string(resourceType), resourceID)
}

// FormatOfferCategory formats the key of a category to offer row
func FormatOfferCategory(categoryID, offerID string) (string, error) {
	return Compose(categoryID, offerID)
}

// FormatLink formats the key of a link lookup row, e.g. PATTERN_P1
func FormatLink(linkType domain.LinkType, linkID string) (string, error) {
	return Compose(string(linkType), linkID)
}

// New returns a fresh random identifier
func New() string {
	return uuid.New().String()
}

// IsUUID checks if a string is a valid UUID
func IsUUID(s string) bool {
	return uuidPattern.MatchString(strings.ToLower(s))
}

// IsMigrationName checks if a string has the shape of a migration name
// (e.g., 000003_asset_references)
func IsMigrationName(s string) bool {
	return migrationNamePattern.MatchString(s)
}
