package repositories

import (
	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/models"
	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/repositories/base"
	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/repositories/interfaces"

	"gorm.io/gorm"
)

// ReadingRepository persists canonical readings over gorm.
type ReadingRepository struct {
	db *gorm.DB
}

func NewReadingRepository(db *gorm.DB) interfaces.ReadingRepositoryInterface {
	return &ReadingRepository{db: db}
}

func (r *ReadingRepository) Save(reading *models.CanonicalReading) error {
	if err := r.db.Create(reading).Error; err != nil {
		return base.WrapDBError("create", "canonical_readings", err)
	}
	return nil
}

func (r *ReadingRepository) ListUnmapped(limit, offset int) ([]models.CanonicalReading, error) {
	var readings []models.CanonicalReading
	err := r.db.Where("unmapped = ?", true).
		Order("created_at DESC").
		Limit(limit).Offset(offset).
		Find(&readings).Error
	if err != nil {
		return nil, base.WrapDBError("list", "canonical_readings", err)
	}
	return readings, nil
}

func (r *ReadingRepository) CountByKind() (map[models.ReadingKind]int64, error) {
	type row struct {
		Kind  models.ReadingKind
		Count int64
	}
	var rows []row
	err := r.db.Model(&models.CanonicalReading{}).
		Select("kind, count(*) as count").
		Group("kind").
		Scan(&rows).Error
	if err != nil {
		return nil, base.WrapDBError("count", "canonical_readings", err)
	}

	counts := make(map[models.ReadingKind]int64, len(rows))
	for _, r := range rows {
		counts[r.Kind] = r.Count
	}
	return counts, nil
}
