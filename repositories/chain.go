package repositories

import (
	"errors"

	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/models"
	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/repositories/base"
	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/repositories/interfaces"

	"gorm.io/gorm"
)

// ErrRevisionTaken means another writer appended the same revision
// number first; the caller must re-read the lineage head and retry.
var ErrRevisionTaken = errors.New("chain revision already written")

// ChainRepository implements the append-only ledger over gorm.
type ChainRepository struct {
	db *gorm.DB
}

func NewChainRepository(db *gorm.DB) interfaces.ChainRepositoryInterface {
	return &ChainRepository{db: db}
}

func (r *ChainRepository) Append(rev *models.ResourceRevision) error {
	if err := r.db.Create(rev).Error; err != nil {
		if base.IsDuplicate(err) {
			return ErrRevisionTaken
		}
		return base.WrapDBError("create", "resource_chain", err)
	}
	return nil
}

func (r *ChainRepository) GetLatest(resourceType, resourceID string) (*models.ResourceRevision, error) {
	var rev models.ResourceRevision
	err := r.db.Where("resource_type = ? AND resource_id = ?", resourceType, resourceID).
		Order("revision DESC").
		First(&rev).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &base.EntityNotFoundError{Table: "resource_chain", Identifier: resourceType + "/" + resourceID}
		}
		return nil, base.WrapDBError("get", "resource_chain", err)
	}
	return &rev, nil
}

func (r *ChainRepository) GetLineage(resourceType, resourceID string) ([]models.ResourceRevision, error) {
	var revs []models.ResourceRevision
	err := r.db.Where("resource_type = ? AND resource_id = ?", resourceType, resourceID).
		Order("revision ASC").
		Find(&revs).Error
	if err != nil {
		return nil, base.WrapDBError("list", "resource_chain", err)
	}
	return revs, nil
}

func (r *ChainRepository) Stats() ([]interfaces.ChainStat, error) {
	var stats []interfaces.ChainStat
	err := r.db.Model(&models.ResourceRevision{}).
		Select("resource_type, count(distinct resource_id) as resources, count(*) as revisions").
		Group("resource_type").
		Order("resource_type").
		Scan(&stats).Error
	if err != nil {
		return nil, base.WrapDBError("stats", "resource_chain", err)
	}
	return stats, nil
}
