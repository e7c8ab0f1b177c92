package interfaces

import (
	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/models"
)

// PatientRepositoryInterface is the patient access contract.
type PatientRepositoryInterface interface {
	// FindByDeviceIdentifier looks up a patient that carries the device
	// identifier directly on its record (resolver lookup step 1).
	FindByDeviceIdentifier(identifier string) (*models.Patient, error)

	// FindByCitizenID looks up a patient by embedded national ID.
	FindByCitizenID(citizenID string) (*models.Patient, error)

	// CreateUnregistered inserts an auto-provisioned patient keyed by
	// citizen ID. The insert must be atomic under concurrent first
	// contacts: on a uniqueness conflict the existing row is re-read
	// and returned, never a second row created.
	CreateUnregistered(patient *models.Patient) (*models.Patient, error)

	GetByID(id uint) (*models.Patient, error)
}

// HospitalRepositoryInterface is the hospital/organization contract.
type HospitalRepositoryInterface interface {
	// GetOrCreateByCode returns the hospital for code, creating it if
	// absent. Idempotent under concurrency.
	GetOrCreateByCode(code, name string) (*models.Hospital, error)

	GetByID(id uint) (*models.Hospital, error)

	// SaveResourceIDs records the lazily-created organization/location
	// resource identifiers.
	SaveResourceIDs(hospitalID uint, orgResourceID, locResourceID string) error
}
