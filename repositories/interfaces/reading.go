package interfaces

import (
	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/models"
)

// ReadingRepositoryInterface persists canonical readings.
type ReadingRepositoryInterface interface {
	Save(reading *models.CanonicalReading) error

	// ListUnmapped returns recent readings that could not be resolved
	// to a patient, newest first.
	ListUnmapped(limit, offset int) ([]models.CanonicalReading, error)

	CountByKind() (map[models.ReadingKind]int64, error)
}
