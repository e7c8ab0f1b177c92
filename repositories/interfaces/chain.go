package interfaces

import (
	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/models"
)

// ChainStat is the aggregate revision count for one resource type.
type ChainStat struct {
	ResourceType string `json:"resource_type"`
	Resources    int64  `json:"resources"`
	Revisions    int64  `json:"revisions"`
}

// ChainRepositoryInterface is the append-only ledger contract. Writes
// never update rows in place; a revision-number uniqueness constraint
// rejects concurrent appends to the same lineage.
type ChainRepositoryInterface interface {
	// Append inserts one revision. A uniqueness violation on
	// (resource_type, resource_id, revision) means another writer won
	// the slot; the caller re-reads and retries.
	Append(rev *models.ResourceRevision) error

	// GetLatest returns the newest revision of a lineage, or a
	// not-found error for an empty lineage.
	GetLatest(resourceType, resourceID string) (*models.ResourceRevision, error)

	// GetLineage returns every revision of a resource in ascending
	// revision order.
	GetLineage(resourceType, resourceID string) ([]models.ResourceRevision, error)

	Stats() ([]ChainStat, error)
}
